package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Ledger and quota counters: "postgres" or "sqlite"
	LedgerDriver string
	PostgresDSN  string
	SQLitePath   string // default: data/gateway.db

	// Cache (optional; enables profile caching and the burst limiter)
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string
	ProviderTimeout time.Duration // hard per-call timeout, default: 60s
	MaxRetryBackoff time.Duration // cap on same-candidate retry wait, default: 5s

	// Session tokens issued by the auth layer
	JWTSecret string

	// Routing tables (models, prices, quotas, overrides)
	RoutingConfigPath string // default: config/routing.yaml

	// Usage ledger drain queue
	UsageQueueSize int // default: 1024
	UsageWorkers   int // default: 4

	// Observability
	LogLevel             string // default: info
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Burst limiting
	DefaultRateLimitRPM int64 // requests per minute per user, default: 60
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LedgerDriver:         getEnv("LEDGER_DRIVER", LedgerPostgres),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", "data/gateway.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		RoutingConfigPath:    getEnv("ROUTING_CONFIG", "config/routing.yaml"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.ProviderTimeout, err = getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxRetryBackoff, err = getEnvDuration("MAX_RETRY_BACKOFF", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.UsageQueueSize, err = getEnvInt("USAGE_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.UsageWorkers, err = getEnvInt("USAGE_WORKERS", 4); err != nil {
		return nil, err
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerDriver {
	case LedgerPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when LEDGER_DRIVER=postgres")
		}
	case LedgerSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when LEDGER_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("invalid LEDGER_DRIVER %q (want postgres or sqlite)", c.LedgerDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.UsageQueueSize <= 0 || c.UsageWorkers <= 0 {
		return fmt.Errorf("USAGE_QUEUE_SIZE and USAGE_WORKERS must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvDuration accepts Go durations ("30s", "1m") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return time.Duration(secs) * time.Second, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
