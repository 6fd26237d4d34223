package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/amm"
	"github.com/obelisk/execution-engine/internal/api"
	"github.com/obelisk/execution-engine/internal/config"
	"github.com/obelisk/execution-engine/internal/derivatives"
	"github.com/obelisk/execution-engine/internal/metrics"
	"github.com/obelisk/execution-engine/internal/oracle"
	"github.com/obelisk/execution-engine/internal/router"
	"github.com/obelisk/execution-engine/internal/store"
	"github.com/obelisk/execution-engine/internal/venue"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	envFile := flag.String("env", ".env", "path to .env file (ignored when missing)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("execution-engine stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("execution-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	go hub.Run(ctx)

	// --- Prices ---
	static := oracle.NewStatic(nil)
	for sym, px := range cfg.Oracle.Prices {
		static.Set(sym, decimal.NewFromFloat(px))
	}
	reference := oracle.WithDefaults(static)

	// --- Pool engine ---
	ammCfg := amm.Config{
		FeeRate:         decimal.NewFromFloat(cfg.AMM.FeeRate),
		ProtocolFeeRate: decimal.NewFromFloat(cfg.AMM.ProtocolFeeRate),
		MaxPriceImpact:  decimal.NewFromFloat(cfg.AMM.MaxPriceImpact),
		BaseAssets:      amm.DefaultBaseAssets,
		QuoteAssets:     amm.DefaultQuoteAssets,
	}
	if len(cfg.AMM.BaseAssets) > 0 {
		ammCfg.BaseAssets = cfg.AMM.BaseAssets
	}
	if len(cfg.AMM.QuoteAssets) > 0 {
		ammCfg.QuoteAssets = cfg.AMM.QuoteAssets
	}
	engine := amm.NewEngine(ammCfg, st, reference, hub)
	found, err := engine.Load(ctx)
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}
	slog.Info("pool book loaded", "restored", found, "pools", len(engine.Pools()))
	if cfg.AMM.SeedDefaultPools {
		n, err := engine.Seed(ctx, amm.DefaultPools(), "protocol")
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("seeded default pools", "created", n)
		}
	}

	// Live prices come from configured references first, then the pools.
	live := oracle.Chain(static, engine)

	// --- Venues ---
	pool := venue.NewPoolExecutor(config.PoolVenue, engine, "USDC")
	if cfg.Router.PoolSlippagePct > 0 {
		pool.DefaultSlippagePct = decimal.NewFromFloat(cfg.Router.PoolSlippagePct)
	}
	venues := []venue.Executor{pool}
	for _, v := range cfg.Venues {
		venues = append(venues, venue.NewHTTPExecutor(venue.HTTPConfig{
			Name:              v.Name,
			BaseURL:           v.BaseURL,
			APIKey:            v.APIKey,
			RequestsPerSecond: v.RequestsPerSecond,
			Burst:             v.Burst,
			Timeout:           v.Timeout,
		}))
		slog.Info("venue configured", "venue", v.Name, "base_url", v.BaseURL)
	}
	var paper venue.Executor
	if cfg.Router.PaperEnabled {
		paper = venue.NewPaper(
			decimal.NewFromFloat(cfg.Router.PaperSlippage),
			decimal.NewFromFloat(cfg.Router.PaperFeeRate),
			live,
		)
	}

	// --- Position limits ---
	var limiter *router.PositionLimiter
	if cfg.Router.MaxPositionPerSymbol > 0 || cfg.Router.MaxCorrelatedExposure > 0 {
		limiter = router.NewPositionLimiter(
			decimal.NewFromFloat(cfg.Router.MaxPositionPerSymbol),
			decimal.NewFromFloat(cfg.Router.MaxCorrelatedExposure),
		)
	}

	// --- Order router ---
	rt := router.NewRouter(router.Config{
		Venues: router.Venues{
			Primary:   cfg.Router.Primary,
			OnChain:   cfg.Router.OnChain,
			Secondary: cfg.Router.Secondary,
		},
		FallbackEnabled:   cfg.Router.FallbackEnabled,
		OnChainPriority:   cfg.Router.OnChainPriority,
		RateLimitCooldown: cfg.Router.RateLimitCooldown,
		VenueTimeout:      cfg.Router.VenueTimeout,
		HistoryLimit:      cfg.Router.HistoryLimit,
		MaxOrders:         cfg.Router.MaxOrders,
	}, venues, paper, st, limiter, hub)
	if found, err = rt.Load(ctx); err != nil {
		return fmt.Errorf("load router: %w", err)
	}
	slog.Info("router state loaded", "restored", found)

	// --- Derivative issuer ---
	iss := derivatives.NewIssuer(derivatives.Config{
		InsuranceRatio:  decimal.NewFromFloat(cfg.Derivatives.InsuranceRatio),
		IssuanceFee:     decimal.NewFromFloat(cfg.Derivatives.IssuanceFee),
		RedemptionFee:   decimal.NewFromFloat(cfg.Derivatives.RedemptionFee),
		ProtectedBuffer: decimal.NewFromFloat(cfg.Derivatives.ProtectedBuffer),
		YieldRate:       decimal.NewFromFloat(cfg.Derivatives.YieldRate),
		InitialFund:     decimal.NewFromFloat(cfg.Derivatives.InitialInsuranceFund),
	}, nil, live, st, hub)
	if found, err = iss.Load(ctx); err != nil {
		return fmt.Errorf("load issuer: %w", err)
	}
	slog.Info("issuer state loaded", "restored", found)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(api.CORS)
	if cfg.Server.RateLimitRPS > 0 {
		ipLimiter := api.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		go ipLimiter.RunSweeper(ctx, 5*time.Minute)
		r.Use(ipLimiter.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"execution-engine","store":%q,"ws_clients":%d}`,
			cfg.Storage.Driver, hub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	srv := api.NewServer(engine, rt, iss)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time pool, order and issuer events.
		// It stays outside the request timeout.
		r.Get("/ws", hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			srv.Routes(r)
		})
	})

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("execution-engine listening", "addr", httpSrv.Addr, "store", cfg.Storage.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("shutting down execution-engine...")
	return httpSrv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore builds the configured persistence driver, wrapped in the Redis
// cache when a Redis URL is set. Network backends are retried with
// exponential backoff so the engine can start before its database. The
// returned func releases the store and any Redis client.
func openStore(ctx context.Context, cfg config.Storage) (store.Store, func(), error) {
	var st store.Store
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Driver {
	case config.DriverMemory:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()

	case config.DriverFile:
		fs, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using file store", "dir", cfg.DataDir)
		st = fs

	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, err
		}
		ss, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
		st = ss

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := retry(ctx, "postgres", func() error { return pool.Ping(ctx) }); err != nil {
			pool.Close()
			return nil, nil, err
		}
		ps := store.NewPostgresStore(pool)
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		st = ps

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	primary := st
	cleanup = append(cleanup, func() { primary.Close() })

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := retry(ctx, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
			closeAll()
			return nil, nil, err
		}
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, closeAll, nil
}

func retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	notify := func(err error, wait time.Duration) {
		slog.Warn("connection attempt failed, retrying", "backend", what, "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("connect %s: %w", what, err)
	}
	return nil
}
