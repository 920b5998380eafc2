package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/howwee20/Bloom-sub001/pkg/config"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/kernel"
	"github.com/howwee20/Bloom-sub001/pkg/ratelimit"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// setupLogging installs the default logger from LOG_LEVEL and LOG_FORMAT.
func setupLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// openStore connects and applies the schema.
func openStore(ctx context.Context, cfg *config.Config) (*store.DB, error) {
	db, err := store.Open(ctx, store.Options{DatabaseURL: cfg.DatabaseURL, DataDir: cfg.DataDir})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newEnvironment builds the configured environment. The usdc and market
// venues run against the in-process simulator until a live adapter is
// configured, and their freshness comes from the reconciliation health table.
func newEnvironment(cfg *config.Config, db *store.DB, health *env.HealthStore) env.Environment {
	switch cfg.Env {
	case "usdc", "market":
		return env.NewTracked(env.NewSim(cfg.Env), db, health, cfg.FreshnessMaxAge)
	default:
		return env.NewEconomy(cfg.JobRewardCents, cfg.JobPenaltyCents, 0)
	}
}

// newLimiter shares buckets through Redis when REDIS_ADDR is set.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Store, func() error) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryStore(), func() error { return nil }
	}
	rs := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, 0)
	if err := rs.Ping(ctx); err != nil {
		logger.WarnContext(ctx, "redis unreachable, quotes fail closed until it returns", "addr", cfg.RedisAddr, "error", err)
	}
	return rs, rs.Close
}

// runtime bundles what every store-backed command needs.
type runtime struct {
	cfg    *config.Config
	db     *store.DB
	env    env.Environment
	health *env.HealthStore
	kernel *kernel.Kernel
	logger *slog.Logger
}

func (r *runtime) Close() error { return r.db.Close() }

func openRuntime(ctx context.Context, configPath string, stderr io.Writer, opts kernel.Options) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := setupLogging(cfg, stderr)
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	health := env.NewHealthStore()
	environment := newEnvironment(cfg, db, health)
	opts.Logger = logger
	k, err := kernel.New(db, environment, cfg, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, db: db, env: environment, health: health, kernel: k, logger: logger}, nil
}
