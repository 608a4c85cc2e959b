package store

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key used when none is configured.
const DefaultRedisKey = "gotsl:snapshot"

// Redis stores the snapshot under a single key.
type Redis struct {
	client redis.Cmdable
	closer io.Closer
	key    string
	ttl    time.Duration
}

// RedisConfig configures NewRedisFromConfig.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// TTL expires the snapshot; zero keeps it forever.
	TTL time.Duration
}

// NewRedis wraps an existing client. The caller keeps ownership of client;
// Close does not close it.
func NewRedis(client redis.Cmdable, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

// NewRedisFromConfig connects a new client, released by Close.
func NewRedisFromConfig(cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := NewRedis(rdb, cfg.Key, cfg.TTL)
	r.closer = rdb
	return r
}

// Close releases the client created by NewRedisFromConfig.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return errors.Wrap(r.closer.Close(), "close redis client")
}

// Load implements SnapshotStore.
func (r *Redis) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis GET %s", r.key)
	}
	return data, nil
}

// Save implements SnapshotStore.
func (r *Redis) Save(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis SET %s", r.key)
	}
	return nil
}
