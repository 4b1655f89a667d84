// Command finpilotd serves the execution engine API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finpilot-labs/finpilot/pkg/api"
	"github.com/finpilot-labs/finpilot/pkg/audit"
	"github.com/finpilot-labs/finpilot/pkg/config"
	"github.com/finpilot-labs/finpilot/pkg/engine"
	"github.com/finpilot-labs/finpilot/pkg/observability"
	"github.com/finpilot-labs/finpilot/pkg/ratelimit"
	"github.com/finpilot-labs/finpilot/pkg/rollback"
	"github.com/finpilot-labs/finpilot/pkg/store"
	"github.com/finpilot-labs/finpilot/pkg/surface"
	"github.com/finpilot-labs/finpilot/pkg/validator"
	"github.com/finpilot-labs/finpilot/pkg/webhook"
)

const serviceVersion = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry is optional; without an endpoint the global no-op providers
	// stay in place and span/metric calls cost nothing.
	var metrics engine.MetricsRecorder
	if cfg.OTLPEndpoint != "" {
		provider, err := observability.New(ctx, observability.Config{
			ServiceName:    "finpilotd",
			ServiceVersion: serviceVersion,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			Insecure:       true,
		})
		if err != nil {
			return fmt.Errorf("observability: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
		metrics = provider
	}

	records, closeStore, err := openRecordStore(cfg)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	defer closeStore()

	auditLog, err := audit.NewFileLog(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}

	policy := validator.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if policy, err = validator.LoadPolicy(cfg.PolicyFile); err != nil {
			return fmt.Errorf("validator policy: %w", err)
		}
	}

	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer client.Close()
		limiterStore = ratelimit.NewRedisStore(client, "finpilot:ratelimit")
	}
	execLimiter := ratelimit.New(limiterStore, cfg.ExecLimit, cfg.ExecWindow)

	secret := []byte(cfg.HMACSecret)
	provider := surface.NewClient(cfg.SurfaceBaseURL, secret, cfg.SurfaceTimeout)
	rollbackHandler := rollback.NewHandler(provider, auditLog)

	eng := engine.New(records, provider, validator.New(policy), execLimiter, secret, engine.Options{
		SurfaceTimeout: cfg.SurfaceTimeout,
		AuditLog:       auditLog,
		Metrics:        metrics,
		Rollback:       rollbackHandler,
	})

	var webhookHandler http.Handler
	if cfg.WebhookToken != "" {
		webhookHandler = webhook.NewHandler([]byte(cfg.WebhookToken), webhook.NewLogSink(logger), auditLog)
	}

	server := api.NewServer(eng, webhookHandler)
	ipLimiter := api.NewIPRateLimiter(cfg.APIRateRPS, cfg.APIRateBurst)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(ipLimiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr, "driver", cfg.DatabaseDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openRecordStore(cfg *config.Config) (store.RecordStore, func(), error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
