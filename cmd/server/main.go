package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/core"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv_load_failed", "error", err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	estimator := &eta.Estimator{
		Cache:    eta.NewCache(cfg.ETACacheTTL),
		SpeedMps: cfg.DefaultSpeedMps,
		Log:      logger.With("component", "eta"),
	}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	deps := core.Deps{Logger: logger, ETA: estimator}

	var checks []httpapi.Check

	if cfg.PGDSN != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		if cfg.RunMigrations {
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations_applied")
		}
		deps.Archive = store
		checks = append(checks, httpapi.Check{Name: "postgres", Ping: store.Ping})
	} else {
		deps.Archive = storage.NewMemoryStore()
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic, logger.With("component", "kafka"))
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Warn("kafka_close_failed", "error", err)
			}
		}()
		deps.Locations = kp
		deps.Records = kp
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		checks = append(checks, httpapi.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		}})
	}

	d := core.New(cfg.Dispatch, deps)
	d.Start(ctx)
	if cfg.ETACacheTTL > 0 {
		go purgeETACache(ctx, estimator.Cache, cfg.ETACacheTTL)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(d, auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer), logger.With("component", "http"), checks...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	case err := <-errCh:
		if err != nil {
			d.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_incomplete", "error", err)
	}
	d.Close()
	logger.Info("shutdown_complete")
	return nil
}

func purgeETACache(ctx context.Context, c *eta.Cache, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Purge()
		}
	}
}
