package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "STORE", "SQLITE_PATH", "DATA_DIR", "LOG_LEVEL", "BOOK_API_KEY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.Driver != DriverSQLite {
		t.Errorf("port=%d driver=%s", cfg.Server.Port, cfg.Storage.Driver)
	}
	if cfg.AMM.FeeRate != 0.003 || cfg.AMM.MaxPriceImpact != 0.10 {
		t.Errorf("amm = %+v", cfg.AMM)
	}
	if cfg.Router.OnChain != PoolVenue || cfg.Router.RateLimitCooldown != time.Minute {
		t.Errorf("router = %+v", cfg.Router)
	}
	if cfg.Derivatives.InitialInsuranceFund != 5000 || cfg.Derivatives.ProtectedBuffer != 0.10 {
		t.Errorf("derivatives = %+v", cfg.Derivatives)
	}
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "engine.yaml", `
server:
  port: 9090
storage:
  driver: file
  data_dir: /tmp/engine
amm:
  fee_rate: 0.001
router:
  primary: book
  secondary: perps
  venue_timeout: 3s
venues:
  - name: book
    base_url: https://book.example
    requests_per_second: 5
    burst: 2
  - name: perps
    base_url: https://perps.example
oracle:
  prices:
    ETH: 3200
logging:
  level: debug
`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Storage.Driver != DriverFile || cfg.Storage.DataDir != "/tmp/engine" {
		t.Errorf("server/storage = %+v %+v", cfg.Server, cfg.Storage)
	}
	if cfg.AMM.FeeRate != 0.001 {
		t.Errorf("fee_rate = %v", cfg.AMM.FeeRate)
	}
	// Untouched keys keep their defaults.
	if cfg.AMM.MaxPriceImpact != 0.10 || cfg.Router.OnChain != PoolVenue || !cfg.Router.FallbackEnabled {
		t.Errorf("defaults lost: %+v %+v", cfg.AMM, cfg.Router)
	}
	if cfg.Router.VenueTimeout != 3*time.Second {
		t.Errorf("venue_timeout = %v", cfg.Router.VenueTimeout)
	}
	if len(cfg.Venues) != 2 || cfg.Venues[0].RequestsPerSecond != 5 || cfg.Venues[0].Burst != 2 {
		t.Errorf("venues = %+v", cfg.Venues)
	}
	if cfg.Oracle.Prices["ETH"] != 3200 || cfg.Logging.Level != "debug" {
		t.Errorf("oracle/logging = %+v %+v", cfg.Oracle, cfg.Logging)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "engine.yaml", `
venues:
  - name: book
    base_url: https://book.example
`)
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://localhost/engine")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("BOOK_API_KEY", "secret")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Addr() != ":7000" {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverPostgres || cfg.Storage.DatabaseURL != "postgres://localhost/engine" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.RedisURL != "redis://localhost:6379/0" || cfg.Logging.Level != "warn" {
		t.Errorf("redis/log = %s %s", cfg.Storage.RedisURL, cfg.Logging.Level)
	}
	if cfg.Venues[0].APIKey != "secret" {
		t.Errorf("venue api key = %q", cfg.Venues[0].APIKey)
	}

	t.Setenv("STORE", "memory")
	cfg, _ = Load(path, "")
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("STORE should win over DATABASE_URL, got %s", cfg.Storage.Driver)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	env := writeFile(t, ".env", "STORE=file\nDATA_DIR=/var/lib/engine\n")

	cfg, err := Load("", env)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Storage.Driver != DriverFile || cfg.Storage.DataDir != "/var/lib/engine" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	os.Unsetenv("STORE")
	os.Unsetenv("DATA_DIR")

	if _, err := Load("", filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"fee rate too high", func(c *Config) { c.AMM.FeeRate = 1 }},
		{"negative buffer", func(c *Config) { c.Derivatives.ProtectedBuffer = -0.1 }},
		{"zero impact cap", func(c *Config) { c.AMM.MaxPriceImpact = 0 }},
		{"reserved venue name", func(c *Config) { c.Venues = []Venue{{Name: "paper", BaseURL: "http://x"}} }},
		{"duplicate venue", func(c *Config) {
			c.Venues = []Venue{{Name: "a", BaseURL: "http://a"}, {Name: "a", BaseURL: "http://b"}}
		}},
		{"unknown role venue", func(c *Config) { c.Router.Primary = "book" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_InvalidPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	if _, err := Load("", ""); err == nil {
		t.Error("expected error for non-numeric PORT")
	}
}
