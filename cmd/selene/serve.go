package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/api"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/observability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/replay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel: work order API, diagnostics and the wait-window sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTLPEndpoint != ""
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	otelCfg.Insecure = cfg.OTLPInsecure
	otelCfg.SampleRate = cfg.TraceSampling
	otelCfg.Environment = cfg.Environment
	otelCfg.InstanceID, _ = os.Hostname()
	otelCfg.Storage, otelCfg.Idempotency = "sqlite", "sql"
	if cfg.DatabaseURL != "" {
		otelCfg.Storage = "postgres"
	}
	if cfg.RedisAddr != "" {
		otelCfg.Idempotency = "redis"
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
	metrics, err := observability.NewMetrics(telemetry.Meter())
	if err != nil {
		return err
	}

	k, err := buildKernel(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer k.Close()

	mux := chi.NewRouter()
	mux.Mount("/diagnostics", replay.NewHandler(k.diag))
	mux.Mount("/", api.NewHandler(k.exec, logger))

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go sweep(ctx, k, cfg.SweepInterval, logger)

	errc := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "kernel listening", "addr", srv.Addr, "lite_mode", cfg.LiteMode())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// sweep expires suspended work orders whose wait window has passed.
func sweep(ctx context.Context, k *kernel, every time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := k.exec.Sweep(ctx)
			if err != nil {
				log.ErrorContext(ctx, "sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.InfoContext(ctx, "sweep expired work orders", "count", n)
			}
		}
	}
}
