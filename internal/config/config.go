package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	Store    StoreConfig
	Redis    RedisConfig
	NATS     NATSConfig
	JWT      JWTConfig
	Stripe   StripeConfig
	Archive  ArchiveConfig
	Workflow WorkflowConfig
	Jobs     JobsConfig
	Tracing  TracingConfig
	Log      LogConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// StoreConfig selects the repository backend: "postgres" or "memory".
type StoreConfig struct {
	Driver string
}

// RedisConfig is optional. An empty Addr runs delayed jobs and sweep locks in-process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig is optional. An empty URL selects the log-only notifier.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

type JWTConfig struct {
	Secret string
	Issuer string
}

// StripeConfig holds the card processor credentials. SecretKey enables
// dispute lookups; APIURL points the client at stripe-mock.
type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	APIURL           string
}

// ArchiveConfig selects the cold-storage sink: "gcs" or "fs".
type ArchiveConfig struct {
	Driver          string
	Bucket          string
	Prefix          string
	Dir             string
	CredentialsJSON string
	BatchSize       int
}

type WorkflowConfig struct {
	BigExpenseThreshold decimal.Decimal
	PropertyEditTTL     time.Duration
	MaintenanceDebounce time.Duration
	HotRetention        time.Duration
	TotalRetention      time.Duration
}

type JobsConfig struct {
	Enabled         bool
	SweepInterval   time.Duration
	ArchiveInterval time.Duration
	SchedulerPoll   time.Duration
	LockTTL         time.Duration
}

type TracingConfig struct {
	OTLPEndpoint string
	SampleRatio  float64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-pm-approvals"),
			Version:     getEnv("SERVICE_VERSION", "0.1.0"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8086),
			GRPCPort:        getEnvAsInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvAsInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			Database:    getEnv("DB_NAME", "pm_approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvAsInt("DB_MAX_CONNS", 20)),
			MinConns:    int32(getEnvAsInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvAsDuration("DB_MAX_IDLE_TIME", 5*time.Minute),
			HealthCheck: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", time.Minute),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "postgres"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			MaxReconnects: getEnvAsInt("NATS_MAX_RECONNECTS", 10),
			ReconnectWait: getEnvAsDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Issuer: getEnv("JWT_ISSUER", "pm-platform"),
		},
		Stripe: StripeConfig{
			SecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
			WebhookTolerance: getEnvAsDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			APIURL:           getEnv("STRIPE_API_URL", ""),
		},
		Archive: ArchiveConfig{
			Driver:          getEnv("ARCHIVE_DRIVER", "fs"),
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "audit"),
			Dir:             getEnv("ARCHIVE_DIR", "./var/audit-archive"),
			CredentialsJSON: getEnv("GCS_CREDENTIALS_JSON", ""),
			BatchSize:       getEnvAsInt("ARCHIVE_BATCH_SIZE", 500),
		},
		Workflow: WorkflowConfig{
			BigExpenseThreshold: getEnvAsDecimal("BIG_EXPENSE_THRESHOLD", decimal.NewFromInt(1000)),
			PropertyEditTTL:     getEnvAsDuration("PROPERTY_EDIT_TTL", 72*time.Hour),
			MaintenanceDebounce: getEnvAsDuration("MAINTENANCE_DEBOUNCE", 60*time.Second),
			HotRetention:        getEnvAsDuration("AUDIT_HOT_RETENTION", 30*24*time.Hour),
			TotalRetention:      getEnvAsDuration("AUDIT_TOTAL_RETENTION", 7*365*24*time.Hour),
		},
		Jobs: JobsConfig{
			Enabled:         getEnvAsBool("JOBS_ENABLED", true),
			SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
			ArchiveInterval: getEnvAsDuration("ARCHIVE_INTERVAL", time.Hour),
			SchedulerPoll:   getEnvAsDuration("SCHEDULER_POLL_INTERVAL", time.Second),
			LockTTL:         getEnvAsDuration("JOB_LOCK_TTL", 2*time.Minute),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRatio:  getEnvAsFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "config validation failed")
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return errors.New(errors.ErrCodeInvalidInput, "JWT_SECRET must be set")
	}
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Archive.Driver {
	case "fs":
		if c.Archive.Dir == "" {
			return errors.New(errors.ErrCodeInvalidInput, "ARCHIVE_DIR must be set for the fs archive driver")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return errors.New(errors.ErrCodeInvalidInput, "ARCHIVE_BUCKET must be set for the gcs archive driver")
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown ARCHIVE_DRIVER %q", c.Archive.Driver)
	}
	if !c.Workflow.BigExpenseThreshold.IsPositive() {
		return errors.New(errors.ErrCodeInvalidInput, "BIG_EXPENSE_THRESHOLD must be positive")
	}
	if c.Workflow.HotRetention >= c.Workflow.TotalRetention {
		return errors.New(errors.ErrCodeInvalidInput, "AUDIT_HOT_RETENTION must be shorter than AUDIT_TOTAL_RETENTION")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := getEnv(key, "")
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
