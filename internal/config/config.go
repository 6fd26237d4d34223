// Package config loads the engine configuration from an optional YAML file,
// an optional .env file and environment variable overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the execution engine.
type Config struct {
	Server      Server      `yaml:"server"`
	Storage     Storage     `yaml:"storage"`
	AMM         AMM         `yaml:"amm"`
	Router      Router      `yaml:"router"`
	Venues      []Venue     `yaml:"venues"`
	Derivatives Derivatives `yaml:"derivatives"`
	Oracle      Oracle      `yaml:"oracle"`
	Logging     Logging     `yaml:"logging"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"` // 0 disables
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

// Storage selects and configures the persistence driver.
type Storage struct {
	Driver      string        `yaml:"driver"` // memory, file, sqlite, postgres
	DataDir     string        `yaml:"data_dir"`
	SQLitePath  string        `yaml:"sqlite_path"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"` // optional cache in front of the driver
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AMM configures the liquidity pool engine.
type AMM struct {
	FeeRate          float64  `yaml:"fee_rate"`
	ProtocolFeeRate  float64  `yaml:"protocol_fee_rate"`
	MaxPriceImpact   float64  `yaml:"max_price_impact"`
	SeedDefaultPools bool     `yaml:"seed_default_pools"`
	BaseAssets       []string `yaml:"base_assets"`
	QuoteAssets      []string `yaml:"quote_assets"`
}

// Router configures venue roles and routing policy. Role values name a venue
// from Venues, or PoolVenue for the built-in pool executor.
type Router struct {
	Primary               string        `yaml:"primary"`
	OnChain               string        `yaml:"on_chain"`
	Secondary             string        `yaml:"secondary"`
	FallbackEnabled       bool          `yaml:"fallback_enabled"`
	OnChainPriority       bool          `yaml:"on_chain_priority"`
	RateLimitCooldown     time.Duration `yaml:"rate_limit_cooldown"`
	VenueTimeout          time.Duration `yaml:"venue_timeout"`
	HistoryLimit          int           `yaml:"history_limit"`
	MaxOrders             int           `yaml:"max_orders"`
	PaperEnabled          bool          `yaml:"paper_enabled"`
	PaperSlippage         float64       `yaml:"paper_slippage"`
	PaperFeeRate          float64       `yaml:"paper_fee_rate"`
	PoolSlippagePct       float64       `yaml:"pool_slippage_pct"`
	MaxPositionPerSymbol  float64       `yaml:"max_position_per_symbol"`  // 0 disables
	MaxCorrelatedExposure float64       `yaml:"max_correlated_exposure"` // 0 disables
}

// PoolVenue is the name of the built-in venue that executes on the pools.
const PoolVenue = "pool"

// Venue is one external JSON-over-HTTP execution venue.
type Venue struct {
	Name              string        `yaml:"name"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Derivatives configures structured derivative terms. Rates are fractions.
type Derivatives struct {
	InsuranceRatio       float64 `yaml:"insurance_ratio"`
	IssuanceFee          float64 `yaml:"issuance_fee"`
	RedemptionFee        float64 `yaml:"redemption_fee"`
	ProtectedBuffer      float64 `yaml:"protected_buffer"`
	YieldRate            float64 `yaml:"yield_rate"`
	InitialInsuranceFund float64 `yaml:"initial_insurance_fund"`
}

// Oracle holds static reference prices in USD.
type Oracle struct {
	Prices map[string]float64 `yaml:"prices"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:           8080,
			RequestTimeout: 30 * time.Second,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Storage: Storage{
			Driver:     DriverSQLite,
			DataDir:    "data",
			SQLitePath: "data/engine.db",
			CacheTTL:   30 * time.Second,
		},
		AMM: AMM{
			FeeRate:          0.003,
			ProtocolFeeRate:  0.0005,
			MaxPriceImpact:   0.10,
			SeedDefaultPools: true,
		},
		Router: Router{
			OnChain:           PoolVenue,
			FallbackEnabled:   true,
			RateLimitCooldown: 60 * time.Second,
			VenueTimeout:      10 * time.Second,
			HistoryLimit:      1000,
			MaxOrders:         5000,
			PaperEnabled:      true,
			PaperSlippage:     0.001,
			PaperFeeRate:      0.001,
			PoolSlippagePct:   0.5,
		},
		Derivatives: Derivatives{
			InsuranceRatio:       0.10,
			IssuanceFee:          0.002,
			RedemptionFee:        0.001,
			ProtectedBuffer:      0.10,
			YieldRate:            0.05,
			InitialInsuranceFund: 5000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. Defaults are overlaid by the YAML file at
// path (skipped when path is empty), then by variables from envFile (a
// missing file is ignored) and the process environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		cfg.Storage.Driver = DriverPostgres
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	// STORE wins over the driver implied by DATABASE_URL.
	if v := os.Getenv("STORE"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Per-venue credentials: {NAME}_API_KEY, e.g. BOOK_API_KEY.
	for i := range cfg.Venues {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(cfg.Venues[i].Name)) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			cfg.Venues[i].APIKey = v
		}
	}
	return nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: postgres driver requires database_url")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	rates := map[string]float64{
		"amm.fee_rate":                 c.AMM.FeeRate,
		"amm.protocol_fee_rate":        c.AMM.ProtocolFeeRate,
		"amm.max_price_impact":         c.AMM.MaxPriceImpact,
		"router.paper_slippage":        c.Router.PaperSlippage,
		"router.paper_fee_rate":        c.Router.PaperFeeRate,
		"derivatives.insurance_ratio":  c.Derivatives.InsuranceRatio,
		"derivatives.issuance_fee":     c.Derivatives.IssuanceFee,
		"derivatives.redemption_fee":   c.Derivatives.RedemptionFee,
		"derivatives.protected_buffer": c.Derivatives.ProtectedBuffer,
	}
	for name, v := range rates {
		if v < 0 || v >= 1 {
			return fmt.Errorf("config: %s must be in [0, 1), got %v", name, v)
		}
	}
	if c.AMM.MaxPriceImpact == 0 {
		return errors.New("config: amm.max_price_impact must be positive")
	}
	if c.Derivatives.YieldRate < 0 || c.Derivatives.InitialInsuranceFund < 0 {
		return errors.New("config: derivatives yield_rate and initial_insurance_fund must not be negative")
	}

	names := map[string]bool{PoolVenue: true}
	for _, v := range c.Venues {
		if v.Name == "" || v.BaseURL == "" {
			return fmt.Errorf("config: venue needs name and base_url: %+v", v)
		}
		if v.Name == "paper" || names[v.Name] {
			return fmt.Errorf("config: duplicate or reserved venue name %q", v.Name)
		}
		names[v.Name] = true
	}
	for role, name := range map[string]string{
		"primary":   c.Router.Primary,
		"on_chain":  c.Router.OnChain,
		"secondary": c.Router.Secondary,
	} {
		if name != "" && !names[name] {
			return fmt.Errorf("config: router.%s names unknown venue %q", role, name)
		}
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
