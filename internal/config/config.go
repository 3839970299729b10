package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string

	// AuthJWTSecret verifies user tokens issued by the auth backend.
	AuthJWTSecret string
	// JobToken authenticates the external scheduler calling the sweep endpoint.
	JobToken string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBLogLevel        string
	DBSlowQuery       time.Duration
	RunMigrations     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Stripe    StripeConfig
	Email     EmailConfig
	Kafka     KafkaConfig
	Lifecycle LifecycleConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig

	ArchiveEncryptionKey string
	PlanCatalogPath      string

	OTLPEndpoint       string
	TracingEnabled     bool
	TracingSampleRatio float64
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type EmailConfig struct {
	Provider     string
	From         string
	FromName     string
	BrevoAPIKey  string
	BrevoBaseURL string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	DashboardURL string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LifecycleConfig controls the subscription lifecycle windows.
type LifecycleConfig struct {
	GracePeriod  time.Duration
	ArchiveDelay time.Duration
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	LockTTL     time.Duration
}

// RateLimitConfig bounds alert evaluations per user. A zero rate disables it.
type RateLimitConfig struct {
	EvaluateRate  float64
	EvaluateBurst int
}

const (
	EmailProviderBrevo = "brevo"
	EmailProviderSMTP  = "smtp"
	EmailProviderNoop  = "noop"
)

const (
	defaultGracePeriod  = 7 * 24 * time.Hour
	defaultArchiveDelay = 7 * 24 * time.Hour
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "adops"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "json"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		JobToken:      strings.TrimSpace(getenv("JOB_TOKEN", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBLogLevel:        strings.ToLower(getenv("DATABASE_LOG_LEVEL", "warn")),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),
		RunMigrations:     getenvBool("DATABASE_RUN_MIGRATIONS", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Email: EmailConfig{
			Provider:     strings.ToLower(getenv("EMAIL_PROVIDER", EmailProviderNoop)),
			From:         getenv("EMAIL_FROM", "no-reply@adops.local"),
			FromName:     getenv("EMAIL_FROM_NAME", "AdOps"),
			BrevoAPIKey:  strings.TrimSpace(getenv("BREVO_API_KEY", "")),
			BrevoBaseURL: getenv("BREVO_BASE_URL", "https://api.brevo.com/v3"),
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			DashboardURL: getenv("DASHBOARD_URL", "http://localhost:3000"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_LIFECYCLE_TOPIC", "subscription.lifecycle"),
		},
		Lifecycle: LifecycleConfig{
			GracePeriod:  getenvDuration("GRACE_PERIOD", defaultGracePeriod),
			ArchiveDelay: getenvDuration("ARCHIVE_DELAY", defaultArchiveDelay),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", false),
			RunInterval: getenvDuration("SCHEDULER_INTERVAL", time.Hour),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			LockTTL:     getenvDuration("SCHEDULER_LOCK_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			EvaluateRate:  getenvFloat("EVALUATE_RATE_LIMIT", 1),
			EvaluateBurst: getenvInt("EVALUATE_RATE_BURST", 10),
		},

		ArchiveEncryptionKey: strings.TrimSpace(getenv("ARCHIVE_ENCRYPTION_KEY", "")),
		PlanCatalogPath:      strings.TrimSpace(getenv("PLAN_CATALOG_PATH", "")),

		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4318"),
		TracingEnabled:     getenvBool("OTEL_TRACING_ENABLED", false),
		TracingSampleRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
