package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, []byte(`{"version":1}`)))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(got))

	require.NoError(t, s.Save(ctx, []byte(`{"version":2}`)))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, string(got))
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryCopiesData(t *testing.T) {
	m := NewMemory()
	data := []byte("abc")
	require.NoError(t, m.Save(context.Background(), data))
	data[0] = 'x'
	got, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	f, err := NewFile(path)
	require.NoError(t, err)
	exerciseStore(t, f)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileRejectsEmptyPath(t *testing.T) {
	_, err := NewFile("")
	assert.Error(t, err)
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteMigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trust_snapshots").WillReturnError(errors.New("disk I/O error"))

	_, err = NewSQLite(context.Background(), db, "")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteLoadErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trust_snapshots").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLite(context.Background(), db, "eu")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT data FROM trust_snapshots").WithArgs("eu").WillReturnError(sql.ErrNoRows)
	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery("SELECT data FROM trust_snapshots").WithArgs("eu").WillReturnError(errors.New("database is locked"))
	_, err = s.Load(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	mock.ExpectExec("INSERT INTO trust_snapshots").WithArgs("eu", []byte("x"), sqlmock.AnyArg()).
		WillReturnError(errors.New("readonly database"))
	assert.Error(t, s.Save(context.Background(), []byte("x")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	r := NewRedis(client, "", 0)

	_, err := r.Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, r.Save(context.Background(), []byte("x")))
}

func TestNewRedisFromConfigDefaultsKey(t *testing.T) {
	r := NewRedisFromConfig(RedisConfig{Addr: "127.0.0.1:1"})
	assert.Equal(t, DefaultRedisKey, r.key)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseStore(t, NewRedis(client, "", 0))
	assert.True(t, mr.Exists(DefaultRedisKey))
	assert.Zero(t, mr.TTL(DefaultRedisKey))
}

func TestRedisTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisFromConfig(RedisConfig{Addr: mr.Addr(), Key: "eu", TTL: time.Hour})

	require.NoError(t, r.Save(context.Background(), []byte("x")))
	assert.Equal(t, time.Hour, mr.TTL("eu"))

	mr.FastForward(2 * time.Hour)
	_, err := r.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.Close())
}

func TestRedisCloseOwnership(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// A wrapped client stays usable after Close.
	require.NoError(t, NewRedis(client, "", 0).Close())
	require.NoError(t, client.Ping(context.Background()).Err())

	owned := NewRedisFromConfig(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, owned.Save(context.Background(), []byte("x")))
	require.NoError(t, owned.Close())
	assert.ErrorIs(t, owned.Save(context.Background(), []byte("y")), redis.ErrClosed)
}
