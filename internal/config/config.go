package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// StoreConfig selects and configures the ride/driver state store shared by
// the API server and the location consumer.
type StoreConfig struct {
	Backend string

	PGDSN string

	FirebaseProjectID       string
	FirebaseCredentialsFile string
	RidesCollection         string
	DriversCollection       string
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigin      string
	DriverJWTSecret string

	Store StoreConfig

	RedisAddr        string
	RedisPassword    string
	RedisLeasePrefix string
	LeaseTTL         time.Duration

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	OfferTimeout    time.Duration
	DefaultSpeedMps float64
	OSRMEndpoint    string
	ETACacheTTL     time.Duration

	PushWebhookURL string
	FCMEnabled     bool

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel      string
	RunMigrations bool
}

// ConsumerConfig configures the Kafka driver-location consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	MetricsAddr  string

	Store StoreConfig

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:           BackendMemory,
		RidesCollection:   "rides",
		DriversCollection: "drivers",
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		CORSOrigin:       "*",
		Store:            defaultStoreConfig(),
		RedisLeasePrefix: "dispatch:driver:",
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "dispatch-events",
		OfferTimeout:     15 * time.Second,
		DefaultSpeedMps:  10,
		ETACacheTTL:      time.Minute,
		PaymentCurrency:  "usd",
		LogLevel:         "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-consumer",
		MetricsAddr:   ":2112",
		Store:         defaultStoreConfig(),
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
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
	setStringFromEnv(&cfg.CORSOrigin, "CORS_ALLOWED_ORIGIN")
	cfg.DriverJWTSecret = os.Getenv("DRIVER_JWT_SECRET")

	loadStoreConfig(&cfg.Store, &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisLeasePrefix, "REDIS_LEASE_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	setDurationFromEnv(&cfg.OfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.LeaseTTL, "DISPATCH_LEASE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.PushWebhookURL, "PUSH_WEBHOOK_URL")
	cfg.FCMEnabled = strings.EqualFold(os.Getenv("FCM_ENABLED"), "true")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 2 * cfg.OfferTimeout
	}
	if cfg.LeaseTTL < cfg.OfferTimeout {
		errs = append(errs, fmt.Errorf("DISPATCH_LEASE_TTL must be >= DISPATCH_OFFER_TIMEOUT"))
	}
	if cfg.FCMEnabled && cfg.Store.FirebaseProjectID == "" {
		errs = append(errs, fmt.Errorf("FCM_ENABLED requires FIREBASE_PROJECT_ID"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	loadStoreConfig(&cfg.Store, &errs)
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func loadStoreConfig(cfg *StoreConfig, errs *[]error) {
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.FirebaseProjectID, "FIREBASE_PROJECT_ID")
	setStringFromEnv(&cfg.FirebaseCredentialsFile, "FIREBASE_CREDENTIALS_FILE")
	setStringFromEnv(&cfg.RidesCollection, "FIRESTORE_RIDES_COLLECTION")
	setStringFromEnv(&cfg.DriversCollection, "FIRESTORE_DRIVERS_COLLECTION")

	switch cfg.Backend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.PGDSN == "" {
			*errs = append(*errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case BackendFirestore:
		if cfg.FirebaseProjectID == "" {
			*errs = append(*errs, fmt.Errorf("STORE_BACKEND=firestore requires FIREBASE_PROJECT_ID"))
		}
	default:
		*errs = append(*errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Backend))
	}
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
