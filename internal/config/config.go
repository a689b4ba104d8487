package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatcher process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with nothing but JWT_SECRET set.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string

	PGDSN string

	JWTSecret string
	JWTIssuer string

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the knobs of the matcher, the registry and the sweeper.
type DispatchConfig struct {
	Fanout             int
	RadiusMeters       float64
	OfferWindow        time.Duration
	IdleTimeout        time.Duration
	LocationStaleAfter time.Duration
	SweepInterval      time.Duration
	SendBuffer         int
	GeohashPrecision   uint
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Fanout:             5,
		RadiusMeters:       5000,
		OfferWindow:        20 * time.Second,
		IdleTimeout:        60 * time.Minute,
		LocationStaleAfter: 2 * time.Minute,
		SweepInterval:      30 * time.Second,
		SendBuffer:         64,
		GeohashPrecision:   4,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaRideTopic:     "ride-lifecycle",
		ETACacheTTL:        30 * time.Second,
		DefaultSpeedMps:    10,
		Dispatch:           DefaultDispatchConfig(),
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	d := &cfg.Dispatch
	setIntFromEnv(&d.Fanout, "DISPATCH_FANOUT", &errs)
	setFloatFromEnv(&d.RadiusMeters, "DISPATCH_RADIUS_METERS", &errs)
	setDurationFromEnv(&d.OfferWindow, "OFFER_WINDOW", &errs)
	setDurationFromEnv(&d.IdleTimeout, "CONN_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&d.LocationStaleAfter, "LOCATION_STALE_AFTER", &errs)
	setDurationFromEnv(&d.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&d.SendBuffer, "SEND_BUFFER", &errs)
	precision := int(d.GeohashPrecision)
	setIntFromEnv(&precision, "GEOHASH_PRECISION", &errs)
	if precision < 1 || precision > 8 {
		errs = append(errs, fmt.Errorf("GEOHASH_PRECISION must be in [1,8]"))
	} else {
		d.GeohashPrecision = uint(precision)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	errs = append(errs, d.Validate()...)

	return cfg, errors.Join(errs...)
}

// Validate returns every constraint the dispatch settings violate.
func (d DispatchConfig) Validate() []error {
	var errs []error
	if d.Fanout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_FANOUT must be > 0"))
	}
	if d.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}
	if d.OfferWindow < time.Second || d.OfferWindow > 5*time.Minute {
		errs = append(errs, fmt.Errorf("OFFER_WINDOW must be between 1s and 5m"))
	}
	if d.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if d.IdleTimeout <= d.SweepInterval {
		errs = append(errs, fmt.Errorf("CONN_IDLE_TIMEOUT must exceed SWEEP_INTERVAL"))
	}
	if d.LocationStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_STALE_AFTER must be > 0"))
	}
	if d.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SEND_BUFFER must be > 0"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig drives the location mirror process.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-location-mirror",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.Attempts, "MIRROR_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "MIRROR_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Attempts < 1 {
		errs = append(errs, fmt.Errorf("MIRROR_ATTEMPTS must be >= 1"))
	}
	return cfg, errors.Join(errs...)
}
