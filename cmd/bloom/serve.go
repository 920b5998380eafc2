package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/kernel"
	"github.com/howwee20/Bloom-sub001/pkg/observability"
	"github.com/howwee20/Bloom-sub001/pkg/reconcile"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// runServeCmd runs the kernel until SIGINT or SIGTERM.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = runtime failure
//	2 = bad flags or configuration
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var configPath string
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, configPath, stdout, stderr); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, configPath string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := setupLogging(cfg, stderr)

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	if cfg.OTLPEndpoint != "" {
		otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	limiter, closeLimiter := newLimiter(ctx, cfg, logger)
	defer func() { _ = closeLimiter() }()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	health := env.NewHealthStore()
	environment := newEnvironment(cfg, db, health)
	k, err := kernel.New(db, environment, cfg, kernel.Options{
		Limiter:   limiter,
		Telemetry: telemetry,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	worker := reconcile.New(db, environment, k.SpendPower(), reconcile.Options{
		Interval: cfg.ReconcileInterval,
		Logger:   logger,
	})

	ln, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HealthAddr, err)
	}
	srv := &http.Server{
		Handler:           healthHandler(db, environment),
		ReadHeaderTimeout: 5 * time.Second,
	}

	_, _ = fmt.Fprintf(stdout, "%sBloom Kernel %s%s env=%s health=%s\n", colorBold+colorBlue, version, colorReset, environment.Name(), ln.Addr())
	logger.InfoContext(ctx, "kernel ready", "env", environment.Name(), "health_addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	logger.Info("kernel stopped")
	return err
}

type healthReport struct {
	Status    string        `json:"status"`
	Env       string        `json:"env"`
	Freshness env.Freshness `json:"freshness"`
	Database  string        `json:"database"`
}

// healthHandler serves /health (liveness) and /ready (store reachable plus
// environment freshness).
func healthHandler(db *store.DB, environment env.Environment) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		rep := healthReport{Status: "ok", Env: environment.Name(), Database: "ok"}
		code := http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			rep.Status, rep.Database = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
		rep.Freshness = environment.Freshness(r.Context())
		if rep.Freshness.Status != env.Fresh && code == http.StatusOK {
			rep.Status = "stale"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(rep)
	})
	return mux
}
