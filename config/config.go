// Package config loads trust-list engine settings from YAML and turns them
// into lotl.Options.
package config

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/gotsl/fetchers"
	"github.com/georgepadayatti/gotsl/lotl"
	"github.com/georgepadayatti/gotsl/lotl/store"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidTerritory     = errors.New("invalid territory code")
)

// DefaultRefreshRatio is the share of the staleness threshold after which
// the cache is refreshed.
const DefaultRefreshRatio = 0.7

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

// Error implements error.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the sentinel or cause behind the error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrConfigurationError}
}

// JournalConfig names the Official Journal publication that bootstraps the
// pivot chain, together with the signing certificates it lists.
type JournalConfig struct {
	// URI of the Official Journal publication.
	URI string `yaml:"uri" json:"uri,omitempty"`

	// CertificateFiles are PEM or DER files holding the announced certificates.
	CertificateFiles []string `yaml:"certificate-files" json:"certificate_files,omitempty"`

	// Certificates holds PEM blocks inline.
	Certificates string `yaml:"certificates" json:"certificates,omitempty"`
}

// LoadCertificates reads the file and inline certificates.
func (c *JournalConfig) LoadCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, name := range c.CertificateFiles {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read file %s", name)
		}
		parsed, err := parseCertificates(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load certs from %s", name)
		}
		certs = append(certs, parsed...)
	}
	if strings.TrimSpace(c.Certificates) != "" {
		parsed, err := parseCertificates([]byte(c.Certificates))
		if err != nil {
			return nil, errors.Wrap(err, "inline certificates")
		}
		certs = append(certs, parsed...)
	}
	return certs, nil
}

// parseCertificates accepts PEM with any number of CERTIFICATE blocks or a
// DER sequence of certificates.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse DER certificate")
		}
		return certs, nil
	}
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse certificate")
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return certs, nil
}

// Store types.
const (
	StoreNone   = ""
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// StoreConfig selects where cache snapshots are persisted.
type StoreConfig struct {
	Type string `yaml:"type" json:"type,omitempty"`

	// Path is used by the file and sqlite stores.
	Path string `yaml:"path" json:"path,omitempty"`

	Redis RedisConfig `yaml:"redis" json:"redis,omitempty"`
}

// RedisConfig mirrors store.RedisConfig.
type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr,omitempty"`
	Password string        `yaml:"password" json:"password,omitempty"`
	DB       int           `yaml:"db" json:"db,omitempty"`
	Key      string        `yaml:"key" json:"key,omitempty"`
	TTL      time.Duration `yaml:"ttl" json:"ttl,omitempty"`
}

// Validate checks the store selection.
func (c *StoreConfig) Validate() error {
	switch c.Type {
	case StoreNone, StoreMemory:
		return nil
	case StoreFile, StoreSQLite:
		if c.Path == "" {
			return &ConfigError{Field: "store.path", Message: fmt.Sprintf("required for %s store", c.Type), Err: ErrMissingRequiredField}
		}
		return nil
	case StoreRedis:
		if c.Redis.Addr == "" {
			return &ConfigError{Field: "store.redis.addr", Message: "required for redis store", Err: ErrMissingRequiredField}
		}
		if c.Redis.TTL < 0 {
			return NewConfigError("store.redis.ttl", "must not be negative")
		}
		return nil
	default:
		return NewConfigError("store.type", fmt.Sprintf("unknown store type %q", c.Type))
	}
}

// open builds the snapshot store. The returned cleanup is never nil.
func (c *StoreConfig) open(ctx context.Context) (store.SnapshotStore, func() error, error) {
	noop := func() error { return nil }
	switch c.Type {
	case StoreMemory:
		return store.NewMemory(), noop, nil
	case StoreFile:
		f, err := store.NewFile(c.Path)
		if err != nil {
			return nil, noop, err
		}
		return f, noop, nil
	case StoreRedis:
		r := store.NewRedisFromConfig(store.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
			TTL:      c.Redis.TTL,
		})
		return r, r.Close, nil
	case StoreSQLite:
		db, err := store.OpenSQLite(ctx, c.Path)
		if err != nil {
			return nil, noop, err
		}
		return db, db.Close, nil
	default:
		return nil, noop, nil
	}
}

// HTTPConfig tunes trusted-list downloads.
type HTTPConfig struct {
	// Timeout is the overall request timeout.
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	ProxyURL string        `yaml:"proxy-url" json:"proxy_url,omitempty"`

	UserAgent string `yaml:"user-agent" json:"user_agent,omitempty"`

	// RateInterval allows one request per interval to each host.
	// Zero keeps the retriever default.
	RateInterval time.Duration `yaml:"rate-interval" json:"rate_interval,omitempty"`
	RateBurst    int           `yaml:"rate-burst" json:"rate_burst,omitempty"`

	MaxAttempts int   `yaml:"max-attempts" json:"max_attempts,omitempty"`
	MaxBodySize int64 `yaml:"max-body-size" json:"max_body_size,omitempty"`
}

// Validate checks the numeric settings.
func (c *HTTPConfig) Validate() error {
	if c.Timeout < 0 {
		return NewConfigError("http.timeout", "must not be negative")
	}
	if c.RateInterval < 0 {
		return NewConfigError("http.rate-interval", "must not be negative")
	}
	if c.RateBurst < 0 {
		return NewConfigError("http.rate-burst", "must not be negative")
	}
	if c.MaxAttempts < 0 {
		return NewConfigError("http.max-attempts", "must not be negative")
	}
	if c.MaxBodySize < 0 {
		return NewConfigError("http.max-body-size", "must not be negative")
	}
	return nil
}

func (c *HTTPConfig) retriever(logger *zap.SugaredLogger) (*fetchers.HTTPRetriever, error) {
	clientCfg := fetchers.DefaultHTTPClientConfig()
	if c.Timeout > 0 {
		clientCfg.Timeout = c.Timeout
	}
	clientCfg.ProxyURL = c.ProxyURL
	client, err := fetchers.NewHTTPClient(clientCfg)
	if err != nil {
		return nil, errors.Wrap(err, "http client")
	}

	opts := []fetchers.HTTPRetrieverOption{
		fetchers.WithHTTPClient(client),
		fetchers.WithLogger(logger),
	}
	if c.MaxAttempts > 0 {
		retry := fetchers.DefaultRetryConfig()
		retry.MaxAttempts = c.MaxAttempts
		opts = append(opts, fetchers.WithRetry(retry))
	}
	if c.RateInterval > 0 {
		opts = append(opts, fetchers.WithRateLimit(c.RateInterval, c.RateBurst))
	}
	if c.MaxBodySize > 0 {
		opts = append(opts, fetchers.WithMaxBodySize(c.MaxBodySize))
	}
	if c.UserAgent != "" {
		opts = append(opts, fetchers.WithUserAgent(c.UserAgent))
	}
	return fetchers.NewHTTPRetriever(opts...), nil
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (console, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stderr, stdout, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks level and format.
func (c *LoggingConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Level), Err: err}
	}
	switch c.Format {
	case "console", "json":
		return nil
	default:
		return NewConfigError("logging.format", fmt.Sprintf("unknown format %q", c.Format))
	}
}

// Build creates the logger described by the configuration.
func (c *LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{c.Output}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// Config is the top-level configuration file.
type Config struct {
	LOTLURL string        `yaml:"lotl-url" json:"lotl_url,omitempty"`
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Staleness is the cache age at which trust data becomes unusable.
	Staleness time.Duration `yaml:"staleness" json:"staleness,omitempty"`
	// RefreshRatio maps staleness to the refresh period; 0 < ratio < 1.
	RefreshRatio float64 `yaml:"refresh-ratio" json:"refresh_ratio,omitempty"`

	Countries         []string `yaml:"countries" json:"countries,omitempty"`
	ExcludedCountries []string `yaml:"excluded-countries" json:"excluded_countries,omitempty"`
	ServiceTypes      []string `yaml:"service-types" json:"service_types,omitempty"`

	// FailureStrategy is one of ignore, remove or fail.
	FailureStrategy string `yaml:"failure-strategy" json:"failure_strategy,omitempty"`

	Store   StoreConfig   `yaml:"store" json:"store"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// Load reads and validates a configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", filename)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: "failed to parse YAML", Err: err}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.LOTLURL == "" {
		c.LOTLURL = lotl.DefaultLOTLURL
	}
	if c.Journal.URI == "" {
		c.Journal.URI = lotl.DefaultJournalURI
	}
	if c.Staleness == 0 {
		c.Staleness = lotl.DefaultStaleness
	}
	if c.RefreshRatio == 0 {
		c.RefreshRatio = DefaultRefreshRatio
	}
	if c.FailureStrategy == "" {
		c.FailureStrategy = "ignore"
	}
	c.Logging.SetDefaults()
}

// Validate checks the configuration and normalises territory codes.
func (c *Config) Validate() error {
	if c.Staleness <= 0 {
		return NewConfigError("staleness", "must be positive")
	}
	if c.RefreshRatio <= 0 || c.RefreshRatio >= 1 {
		return NewConfigError("refresh-ratio", fmt.Sprintf("must be between 0 and 1, got %v", c.RefreshRatio))
	}
	if c.refreshInterval(c.Staleness) <= 0 {
		return NewConfigError("refresh-ratio", "refresh interval rounds to zero")
	}
	if len(c.Journal.CertificateFiles) == 0 && strings.TrimSpace(c.Journal.Certificates) == "" {
		return &ConfigError{Field: "journal", Message: "at least one Official Journal certificate is required", Err: ErrMissingRequiredField}
	}

	var err error
	if c.Countries, err = normalizeTerritories("countries", c.Countries); err != nil {
		return err
	}
	if c.ExcludedCountries, err = normalizeTerritories("excluded-countries", c.ExcludedCountries); err != nil {
		return err
	}
	if _, err := lotl.FailureStrategyByName(c.FailureStrategy); err != nil {
		return &ConfigError{Field: "failure-strategy", Message: err.Error(), Err: err}
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

func (c *Config) refreshInterval(staleness time.Duration) time.Duration {
	return time.Duration(float64(staleness) * c.RefreshRatio)
}

// ToOptions builds service options. The returned cleanup releases the
// snapshot store and flushes the logger; it is never nil.
func (c *Config) ToOptions(ctx context.Context) (lotl.Options, func() error, error) {
	noop := func() error { return nil }

	certs, err := c.Journal.LoadCertificates()
	if err != nil {
		return lotl.Options{}, noop, &ConfigError{Field: "journal", Message: "failed to load certificates", Err: err}
	}
	strategy, err := lotl.FailureStrategyByName(c.FailureStrategy)
	if err != nil {
		return lotl.Options{}, noop, &ConfigError{Field: "failure-strategy", Message: err.Error(), Err: err}
	}
	logger, err := c.Logging.Build()
	if err != nil {
		return lotl.Options{}, noop, &ConfigError{Field: "logging", Message: "failed to build logger", Err: err}
	}
	sugar := logger.Sugar()

	retriever, err := c.HTTP.retriever(sugar.Named("fetch"))
	if err != nil {
		_ = logger.Sync()
		return lotl.Options{}, noop, &ConfigError{Field: "http", Message: err.Error(), Err: err}
	}
	snapshots, closeStore, err := c.Store.open(ctx)
	if err != nil {
		_ = logger.Sync()
		return lotl.Options{}, noop, &ConfigError{Field: "store", Message: "failed to open snapshot store", Err: err}
	}

	opts := lotl.Options{
		LOTLURL: c.LOTLURL,
		Journal: lotl.Journal{
			URI:          c.Journal.URI,
			Certificates: certs,
		},
		Staleness:         c.Staleness,
		RefreshInterval:   c.refreshInterval,
		Countries:         c.Countries,
		ExcludedCountries: c.ExcludedCountries,
		ServiceTypes:      c.ServiceTypes,
		FailureStrategy:   strategy,
		Retriever:         retriever,
		Store:             snapshots,
		Logger:            sugar,
	}
	cleanup := func() error {
		err := closeStore()
		_ = logger.Sync()
		return err
	}
	return opts, cleanup, nil
}

// trust-list territory codes that are not ISO 3166 regions.
var listTerritories = map[string]bool{
	"EL": true,
	"UK": true,
	"EU": true,
}

// NormalizeTerritory upper-cases a trust-list territory code and checks it
// names a country.
func NormalizeTerritory(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if listTerritories[code] {
		return code, nil
	}
	if len(code) != 2 {
		return "", errors.Wrapf(ErrInvalidTerritory, "%q", code)
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidTerritory, "%q", code)
	}
	if !region.IsCountry() {
		return "", errors.Wrapf(ErrInvalidTerritory, "%q is not a country", code)
	}
	return code, nil
}

func normalizeTerritories(field string, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		norm, err := NormalizeTerritory(code)
		if err != nil {
			return nil, &ConfigError{Field: field, Message: err.Error(), Err: err}
		}
		out = append(out, norm)
	}
	return out, nil
}
