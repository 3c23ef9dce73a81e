package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	App struct {
		Name        string   `envconfig:"APP_NAME" default:"savings-ledger"`
		Port        int      `envconfig:"PORT" default:"8080"`
		LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
		CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	}

	Store struct {
		Driver      string        `envconfig:"STORE_DRIVER" default:"sqlite"`
		SQLitePath  string        `envconfig:"SQLITE_PATH" default:"./data/savings.db"`
		DatabaseURL string        `envconfig:"DATABASE_URL"`
		LockTimeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	}

	Server struct {
		Timeout time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
	}

	Auth struct {
		// JWTSecret enables Bearer tokens; the actor is the token subject.
		// Without it the actor comes from the X-Actor-ID header.
		JWTSecret string `envconfig:"JWT_SECRET"`
	}

	Kafka struct {
		Brokers []string `envconfig:"KAFKA_BROKERS"`
		Topic   string   `envconfig:"KAFKA_TOPIC" default:"savings.events"`
		// TopicMap routes event types to their own topic,
		// e.g. "savings.allocation_posted:invoices.settled".
		TopicMap map[string]string `envconfig:"KAFKA_TOPIC_MAP"`
	}

	Outbox struct {
		Interval  time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
		BatchSize int           `envconfig:"OUTBOX_BATCH" default:"100"`
	}
}

// Load reads a .env file if one exists, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH must be positive")
	}
	if c.Outbox.Interval <= 0 {
		return fmt.Errorf("OUTBOX_INTERVAL must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.App.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
