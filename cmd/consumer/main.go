package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis writes by operation",
	}, []string{"op"})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis writes abandoned after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// Mirror is the subset of geo.RedisMirror the consumer writes through.
type Mirror interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Remove(ctx context.Context, driverID string) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv_load_failed", "error", err)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := geo.NewRedisMirror(rc, cfg.RedisGeoKey)

	go serveMetrics(cfg.MetricsAddr, mirror, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer_started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, mirror, cfg, logger)
	logger.Info("consumer_stopped")
}

func serveMetrics(addr string, mirror *geo.RedisMirror, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := mirror.Ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics_listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics_server_stopped", "error", err)
	}
}

// MessageReader is the part of kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r MessageReader, m Mirror, cfg config.ConsumerConfig, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if err := apply(ctx, m, msg, cfg.Attempts, cfg.RetryDelay); err != nil {
			var invalid *invalidMessageError
			if errors.As(err, &invalid) {
				msgsInvalid.Inc()
				logger.Warn("invalid_message", "offset", msg.Offset, "error", err)
				continue
			}
			redisErrors.Inc()
			logger.Error("mirror_update_failed", "driver_id", string(msg.Key), "error", err)
		}
	}
}

type invalidMessageError struct{ err error }

func (e *invalidMessageError) Error() string { return "invalid message: " + e.err.Error() }
func (e *invalidMessageError) Unwrap() error { return e.err }

// apply mirrors one record. An empty value is a tombstone for the driver
// named by the key.
func apply(ctx context.Context, m Mirror, msg kafka.Message, attempts int, delay time.Duration) error {
	if len(msg.Value) == 0 {
		if len(msg.Key) == 0 {
			return &invalidMessageError{errors.New("tombstone without key")}
		}
		id := string(msg.Key)
		if err := withRetry(ctx, attempts, delay, func() error { return m.Remove(ctx, id) }); err != nil {
			return err
		}
		redisUpdates.WithLabelValues("remove").Inc()
		return nil
	}
	var loc models.DriverLocation
	if err := json.Unmarshal(msg.Value, &loc); err != nil {
		return &invalidMessageError{err}
	}
	if loc.DriverID == "" || !loc.Loc.Valid() {
		return &invalidMessageError{fmt.Errorf("driver %q at %+v", loc.DriverID, loc.Loc)}
	}
	if err := updateWithRetry(ctx, m, loc, attempts, delay); err != nil {
		return err
	}
	redisUpdates.WithLabelValues("upsert").Inc()
	return nil
}

// updateWithRetry writes the location with exponential backoff between
// attempts.
func updateWithRetry(ctx context.Context, m Mirror, loc models.DriverLocation, attempts int, delay time.Duration) error {
	return withRetry(ctx, attempts, delay, func() error { return m.Upsert(ctx, loc) })
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
