package config

import (
	"context"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/georgepadayatti/gotsl/fetchers"
	"github.com/georgepadayatti/gotsl/internal/tltest"
	"github.com/georgepadayatti/gotsl/lotl"
	"github.com/georgepadayatti/gotsl/lotl/store"
)

func journalPEM(t *testing.T, cn string) string {
	t.Helper()
	cert := tltest.Cert(t, cn, nil)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// yamlBlock indents text for a YAML literal block scalar.
func yamlBlock(text, indent string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	return indent + strings.Join(lines, "\n"+indent)
}

func minimalYAML(t *testing.T) string {
	t.Helper()
	return "journal:\n  certificates: |\n" + yamlBlock(journalPEM(t, "OJ Signer"), "    ") + "\n"
}

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Expected field 'field', got '%s'", err.Field)
	}
	if err.Message != "message" {
		t.Errorf("Expected message 'message', got '%s'", err.Message)
	}

	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrConfigurationError) {
		t.Error("Expected error to wrap ErrConfigurationError")
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	expected := "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML(t)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.LOTLURL != lotl.DefaultLOTLURL {
		t.Errorf("Expected default LOTL URL, got '%s'", cfg.LOTLURL)
	}
	if cfg.Journal.URI != lotl.DefaultJournalURI {
		t.Errorf("Expected default journal URI, got '%s'", cfg.Journal.URI)
	}
	if cfg.Staleness != lotl.DefaultStaleness {
		t.Errorf("Expected staleness %v, got %v", lotl.DefaultStaleness, cfg.Staleness)
	}
	if cfg.RefreshRatio != DefaultRefreshRatio {
		t.Errorf("Expected refresh ratio %v, got %v", DefaultRefreshRatio, cfg.RefreshRatio)
	}
	if cfg.FailureStrategy != "ignore" {
		t.Errorf("Expected failure strategy 'ignore', got '%s'", cfg.FailureStrategy)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" || cfg.Logging.Output != "stderr" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Store.Type != StoreNone {
		t.Errorf("Expected no store, got '%s'", cfg.Store.Type)
	}
}

func TestParseFull(t *testing.T) {
	data := `
lotl-url: https://lotl.example/eu-lotl.xml
journal:
  uri: https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=OJ:C:2024:001
  certificates: |
` + yamlBlock(journalPEM(t, "OJ Signer"), "    ") + `
staleness: 12h
refresh-ratio: 0.5
countries: [be, el, uk]
excluded-countries: [" de "]
service-types:
  - http://uri.etsi.org/TrstSvc/Svctype/CA/QC
failure-strategy: remove
store:
  type: redis
  redis:
    addr: localhost:6379
    db: 2
    key: tl:snapshot
    ttl: 48h
http:
  timeout: 30s
  user-agent: tl-agent/1.0
  rate-interval: 500ms
  rate-burst: 4
  max-attempts: 5
  max-body-size: 1048576
logging:
  level: debug
  format: json
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.LOTLURL != "https://lotl.example/eu-lotl.xml" {
		t.Errorf("Unexpected LOTL URL '%s'", cfg.LOTLURL)
	}
	if cfg.Staleness != 12*time.Hour {
		t.Errorf("Expected staleness 12h, got %v", cfg.Staleness)
	}
	if got := cfg.refreshInterval(cfg.Staleness); got != 6*time.Hour {
		t.Errorf("Expected refresh interval 6h, got %v", got)
	}
	if strings.Join(cfg.Countries, ",") != "BE,EL,UK" {
		t.Errorf("Expected normalised countries, got %v", cfg.Countries)
	}
	if len(cfg.ExcludedCountries) != 1 || cfg.ExcludedCountries[0] != "DE" {
		t.Errorf("Expected excluded [DE], got %v", cfg.ExcludedCountries)
	}
	if len(cfg.ServiceTypes) != 1 {
		t.Errorf("Expected 1 service type, got %d", len(cfg.ServiceTypes))
	}
	if cfg.Store.Redis.DB != 2 || cfg.Store.Redis.TTL != 48*time.Hour {
		t.Errorf("Unexpected redis config: %+v", cfg.Store.Redis)
	}
	if cfg.HTTP.Timeout != 30*time.Second || cfg.HTTP.RateInterval != 500*time.Millisecond {
		t.Errorf("Unexpected http durations: %+v", cfg.HTTP)
	}
	if cfg.HTTP.MaxBodySize != 1<<20 {
		t.Errorf("Expected max body size 1048576, got %d", cfg.HTTP.MaxBodySize)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected json format, got '%s'", cfg.Logging.Format)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	data := minimalYAML(t) + "refresh-every: 1h\n"
	_, err := Parse([]byte(data))
	if err == nil {
		t.Fatal("Expected error for unknown key")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *ConfigError, got %T", err)
	}
}

func TestValidateErrors(t *testing.T) {
	base := minimalYAML(t)
	tests := []struct {
		name  string
		extra string
		field string
	}{
		{"negative staleness", "staleness: -1h\n", "staleness"},
		{"ratio one", "refresh-ratio: 1\n", "refresh-ratio"},
		{"ratio above one", "refresh-ratio: 1.5\n", "refresh-ratio"},
		{"negative ratio", "refresh-ratio: -0.2\n", "refresh-ratio"},
		{"ratio rounds to zero", "staleness: 1ns\nrefresh-ratio: 0.1\n", "refresh-ratio"},
		{"bad country", "countries: [BEL]\n", "countries"},
		{"bad excluded country", "excluded-countries: [B1]\n", "excluded-countries"},
		{"unknown strategy", "failure-strategy: retry\n", "failure-strategy"},
		{"unknown store", "store:\n  type: s3\n", "store.type"},
		{"file store without path", "store:\n  type: file\n", "store.path"},
		{"sqlite store without path", "store:\n  type: sqlite\n", "store.path"},
		{"redis without addr", "store:\n  type: redis\n", "store.redis.addr"},
		{"negative timeout", "http:\n  timeout: -1s\n", "http.timeout"},
		{"negative attempts", "http:\n  max-attempts: -1\n", "http.max-attempts"},
		{"unknown log level", "logging:\n  level: loud\n", "logging.level"},
		{"unknown log format", "logging:\n  format: xml\n", "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(base + tt.extra))
			if err == nil {
				t.Fatal("Expected error")
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected *ConfigError, got %T: %v", err, err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Expected field '%s', got '%s' (%v)", tt.field, cerr.Field, err)
			}
		})
	}
}

func TestValidateRequiresJournalCertificates(t *testing.T) {
	_, err := Parse([]byte("lotl-url: https://lotl.example/eu-lotl.xml\n"))
	if err == nil {
		t.Fatal("Expected error without journal certificates")
	}
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("Expected ErrMissingRequiredField, got %v", err)
	}
}

func TestNormalizeTerritory(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"BE", "BE", false},
		{"fr", "FR", false},
		{" nl ", "NL", false},
		{"EL", "EL", false},
		{"uk", "UK", false},
		{"EU", "EU", false},
		{"GR", "GR", false},
		{"BEL", "", true},
		{"1", "", true},
		{"B1", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeTerritory(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeTerritory(%q) expected error, got %q", tt.input, got)
			} else if !errors.Is(err, ErrInvalidTerritory) {
				t.Errorf("NormalizeTerritory(%q) error = %v, want ErrInvalidTerritory", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeTerritory(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("NormalizeTerritory(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestJournalLoadCertificates(t *testing.T) {
	tmpDir := t.TempDir()

	pemFile := filepath.Join(tmpDir, "journal.pem")
	bundle := journalPEM(t, "OJ Signer 1") + journalPEM(t, "OJ Signer 2")
	if err := os.WriteFile(pemFile, []byte(bundle), 0o644); err != nil {
		t.Fatalf("Failed to write PEM file: %v", err)
	}
	derCert := tltest.Cert(t, "OJ Signer 3", nil)
	derFile := filepath.Join(tmpDir, "journal.der")
	if err := os.WriteFile(derFile, derCert.Raw, 0o644); err != nil {
		t.Fatalf("Failed to write DER file: %v", err)
	}

	cfg := JournalConfig{
		CertificateFiles: []string{pemFile, derFile},
		Certificates:     journalPEM(t, "OJ Signer 4"),
	}
	certs, err := cfg.LoadCertificates()
	if err != nil {
		t.Fatalf("LoadCertificates failed: %v", err)
	}
	if len(certs) != 4 {
		t.Fatalf("Expected 4 certificates, got %d", len(certs))
	}
	for i, cn := range []string{"OJ Signer 1", "OJ Signer 2", "OJ Signer 3", "OJ Signer 4"} {
		if certs[i].Subject.CommonName != cn {
			t.Errorf("Certificate %d: expected CN '%s', got '%s'", i, cn, certs[i].Subject.CommonName)
		}
	}
}

func TestJournalLoadCertificatesErrors(t *testing.T) {
	tmpDir := t.TempDir()
	keyOnly := filepath.Join(tmpDir, "key.pem")
	if err := os.WriteFile(keyOnly, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	garbage := filepath.Join(tmpDir, "garbage.der")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	tests := []struct {
		name string
		cfg  JournalConfig
	}{
		{"missing file", JournalConfig{CertificateFiles: []string{filepath.Join(tmpDir, "absent.pem")}}},
		{"no certificate block", JournalConfig{CertificateFiles: []string{keyOnly}}},
		{"invalid DER", JournalConfig{CertificateFiles: []string{garbage}}},
		{"invalid inline", JournalConfig{Certificates: "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cfg.LoadCertificates(); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "gotsl.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML(t)+"countries: [at]\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Countries) != 1 || cfg.Countries[0] != "AT" {
		t.Errorf("Expected countries [AT], got %v", cfg.Countries)
	}

	if _, err := Load(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestToOptions(t *testing.T) {
	tmpDir := t.TempDir()
	data := minimalYAML(t) + `
staleness: 10h
countries: [be]
failure-strategy: fail
store:
  type: sqlite
  path: ` + filepath.Join(tmpDir, "snapshots.db") + `
http:
  max-attempts: 1
logging:
  format: json
  output: ` + filepath.Join(tmpDir, "gotsl.log") + `
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	opts, cleanup, err := cfg.ToOptions(context.Background())
	if err != nil {
		t.Fatalf("ToOptions failed: %v", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			t.Errorf("cleanup failed: %v", err)
		}
	}()

	if len(opts.Journal.Certificates) != 1 {
		t.Errorf("Expected 1 journal certificate, got %d", len(opts.Journal.Certificates))
	}
	if opts.Staleness != 10*time.Hour {
		t.Errorf("Expected staleness 10h, got %v", opts.Staleness)
	}
	if got := opts.RefreshInterval(opts.Staleness); got != 7*time.Hour {
		t.Errorf("Expected refresh interval 7h, got %v", got)
	}
	if len(opts.Countries) != 1 || opts.Countries[0] != "BE" {
		t.Errorf("Expected countries [BE], got %v", opts.Countries)
	}
	if _, ok := opts.Retriever.(*fetchers.HTTPRetriever); !ok {
		t.Errorf("Expected *fetchers.HTTPRetriever, got %T", opts.Retriever)
	}
	if _, ok := opts.Store.(*store.SQLite); !ok {
		t.Errorf("Expected *store.SQLite, got %T", opts.Store)
	}
	if opts.Logger == nil {
		t.Error("Expected logger")
	}

	action, err := opts.FailureStrategy.HandleCountryFailure(&lotl.CountryResult{})
	if err == nil {
		t.Errorf("Expected fail strategy to return an error, got action %v", action)
	}
}

func TestToOptionsStores(t *testing.T) {
	tmpDir := t.TempDir()
	tests := []struct {
		name  string
		store string
		check func(t *testing.T, s store.SnapshotStore)
	}{
		{"none", "", func(t *testing.T, s store.SnapshotStore) {
			if s != nil {
				t.Errorf("Expected no store, got %T", s)
			}
		}},
		{"memory", "store:\n  type: memory\n", func(t *testing.T, s store.SnapshotStore) {
			if _, ok := s.(*store.Memory); !ok {
				t.Errorf("Expected *store.Memory, got %T", s)
			}
		}},
		{"file", "store:\n  type: file\n  path: " + filepath.Join(tmpDir, "cache", "snapshot.json") + "\n", func(t *testing.T, s store.SnapshotStore) {
			f, ok := s.(*store.File)
			if !ok {
				t.Fatalf("Expected *store.File, got %T", s)
			}
			if filepath.Base(f.Path()) != "snapshot.json" {
				t.Errorf("Unexpected snapshot path '%s'", f.Path())
			}
		}},
		{"redis", "store:\n  type: redis\n  redis:\n    addr: localhost:6379\n", func(t *testing.T, s store.SnapshotStore) {
			if _, ok := s.(*store.Redis); !ok {
				t.Errorf("Expected *store.Redis, got %T", s)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := minimalYAML(t) + tt.store + "logging:\n  output: " + filepath.Join(tmpDir, tt.name+".log") + "\n"
			cfg, err := Parse([]byte(data))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			opts, cleanup, err := cfg.ToOptions(context.Background())
			if err != nil {
				t.Fatalf("ToOptions failed: %v", err)
			}
			defer cleanup()
			tt.check(t, opts.Store)
		})
	}
}

func TestToOptionsRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	data := minimalYAML(t) + "store:\n  type: redis\n  redis:\n    addr: " + mr.Addr() + "\n    key: gotsl:test\n" +
		"logging:\n  output: " + filepath.Join(t.TempDir(), "redis.log") + "\n"
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	opts, cleanup, err := cfg.ToOptions(context.Background())
	if err != nil {
		t.Fatalf("ToOptions failed: %v", err)
	}

	ctx := context.Background()
	if err := opts.Store.Save(ctx, []byte(`{"version":1}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got, err := mr.Get("gotsl:test"); err != nil || got != `{"version":1}` {
		t.Errorf("Unexpected redis value %q (%v)", got, err)
	}
	got, err := opts.Store.Load(ctx)
	if err != nil || string(got) != `{"version":1}` {
		t.Errorf("Load = %q, %v", got, err)
	}

	if err := cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := opts.Store.Load(ctx); !errors.Is(err, redis.ErrClosed) {
		t.Errorf("Expected closed client after cleanup, got %v", err)
	}
}

func TestToOptionsJournalFailure(t *testing.T) {
	cfg := &Config{Journal: JournalConfig{CertificateFiles: []string{filepath.Join(t.TempDir(), "absent.pem")}}}
	cfg.SetDefaults()

	_, cleanup, err := cfg.ToOptions(context.Background())
	if err == nil {
		t.Fatal("Expected error")
	}
	if cleanup == nil {
		t.Fatal("Expected non-nil cleanup")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "journal" {
		t.Errorf("Expected journal ConfigError, got %v", err)
	}
}

func TestLoggingConfigSetDefaults(t *testing.T) {
	cfg := &LoggingConfig{}
	cfg.SetDefaults()

	if cfg.Level != "info" {
		t.Errorf("Expected level 'info', got '%s'", cfg.Level)
	}
	if cfg.Format != "console" {
		t.Errorf("Expected format 'console', got '%s'", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("Expected output 'stderr', got '%s'", cfg.Output)
	}
}

func TestLoggingConfigBuild(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	cfg := &LoggingConfig{Level: "warn", Format: "json", Output: out}

	logger, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", zap.String("country", "BE"))
	_ = logger.Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("Expected info entry to be filtered")
	}
	if !strings.Contains(string(data), `"country":"BE"`) {
		t.Errorf("Expected structured warn entry, got %q", data)
	}
}
