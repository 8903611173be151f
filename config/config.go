package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/usage-meter/internal/stats"
)

const (
	LedgerFile     = "file"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

type Config struct {
	// Server
	Port      string // default: 8080
	HostToken string // bearer token the host must present; empty disables the check

	// Billing authority
	BillingEndpoint string
	BillingAPIKey   string
	BillingTimeout  time.Duration // default: 60s

	// Usage ledger
	LedgerBackend string // "file", "redis" or "postgres"
	LedgerDir     string
	PostgresDSN   string
	RedisAddr     string

	// Turn sessions between inlet and outlet
	SessionTTL time.Duration // default: 6h

	// Usage queries per user per minute, 0 disables. Requires Redis.
	QueryRateLimit int

	// Display valves
	Valves Valves

	// Observability
	LogLevel             string
	AppEnv               string
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
}

// Display holds the toggles and language of one component.
type Display struct {
	stats.Toggles `yaml:",inline"`
	Language      string `yaml:"language"`
}

// Valves configures the filter and the usage action independently.
type Valves struct {
	Filter Display `yaml:"filter"`
	Action Display `yaml:"action"`
}

func DefaultValves() Valves {
	d := Display{Toggles: stats.AllToggles(), Language: "en"}
	return Valves{Filter: d, Action: d}
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		HostToken:            os.Getenv("HOST_TOKEN"),
		BillingEndpoint:      os.Getenv("BILLING_ENDPOINT"),
		BillingAPIKey:        os.Getenv("BILLING_API_KEY"),
		LedgerBackend:        getEnv("LEDGER_BACKEND", LedgerFile),
		LedgerDir:            getEnv("LEDGER_DIR", "/app/backend/data/record"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		AppEnv:               getEnv("APP_ENV", "development"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.BillingTimeout, err = time.ParseDuration(getEnv("BILLING_TIMEOUT", "60s")); err != nil {
		return nil, fmt.Errorf("invalid BILLING_TIMEOUT: %w", err)
	}
	if cfg.SessionTTL, err = time.ParseDuration(getEnv("SESSION_TTL", "6h")); err != nil {
		return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
	}
	if cfg.QueryRateLimit, err = strconv.Atoi(getEnv("QUERY_RATE_LIMIT", "0")); err != nil {
		return nil, fmt.Errorf("invalid QUERY_RATE_LIMIT: %w", err)
	}

	cfg.Valves = DefaultValves()
	if path := os.Getenv("VALVES_FILE"); path != "" {
		if cfg.Valves, err = LoadValves(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BillingEndpoint == "" {
		return fmt.Errorf("BILLING_ENDPOINT is required")
	}
	if c.BillingTimeout < 0 {
		return fmt.Errorf("BILLING_TIMEOUT must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.QueryRateLimit < 0 {
		return fmt.Errorf("QUERY_RATE_LIMIT must not be negative")
	}

	switch c.LedgerBackend {
	case LedgerFile:
		if c.LedgerDir == "" {
			return fmt.Errorf("LEDGER_DIR is required for the file ledger")
		}
	case LedgerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis ledger")
		}
	case LedgerPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	if c.QueryRateLimit > 0 && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when QUERY_RATE_LIMIT is set")
	}

	switch c.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("unknown OTEL_EXPORTER_TYPE %q", c.OTELExporterType)
	}
	return nil
}

// LoadValves reads a YAML valves file. Fields missing from the file keep
// their defaults.
func LoadValves(path string) (Valves, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Valves{}, fmt.Errorf("failed to read valves file: %w", err)
	}
	v := DefaultValves()
	if err := yaml.Unmarshal(data, &v); err != nil {
		return Valves{}, fmt.Errorf("failed to parse valves file %s: %w", path, err)
	}
	return v, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
