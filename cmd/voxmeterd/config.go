package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/auth"
	"github.com/ineyio/voxmeter/billing/stripe"
	"github.com/ineyio/voxmeter/ledger/postgres"
	"github.com/ineyio/voxmeter/ledger/redis"
)

// Ledger backends.
const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendRedis    = "redis"
)

var errParsingConfig = errors.New("voxmeterd: parsing config")

// daemonConfig is read from the environment (and an optional .env file).
// Metering constants come from the YAML file at ConfigPath.
type daemonConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	ConfigPath string `env:"VOXMETER_CONFIG"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"json"`

	// LedgerBackend stores quota and history: memory, postgres or redis.
	// Subscriptions and processed events live in Postgres whenever
	// DATABASE_URL is set, in memory otherwise.
	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"memory"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// RedisNotify fans ledger changes out over Redis pub/sub so that every
	// instance's event streams see them.
	RedisNotify bool `env:"REDIS_NOTIFY" envDefault:"false"`

	EventRetention  time.Duration `env:"PROCESSED_EVENT_RETENTION" envDefault:"720h"`
	CleanupInterval time.Duration `env:"PROCESSED_EVENT_CLEANUP_INTERVAL" envDefault:"24h"`

	OpenAIAPIKey        string `env:"OPENAI_API_KEY"`
	GroqAPIKey          string `env:"GROQ_API_KEY"`
	GeminiAPIKey        string `env:"GEMINI_API_KEY"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	Auth     auth.Config
	Postgres postgres.Config
	Redis    redis.Config
	Checkout stripe.CheckoutConfig
}

var loadDotenv = sync.OnceFunc(func() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()
})

func loadDaemonConfig() (daemonConfig, error) {
	loadDotenv()

	cfg, err := parseDaemonConfig()
	if err != nil {
		return daemonConfig{}, errors.Join(errParsingConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return daemonConfig{}, errors.Join(errParsingConfig, err)
	}
	return cfg, nil
}

func parseDaemonConfig() (daemonConfig, error) {
	return env.ParseAs[daemonConfig]()
}

func (c daemonConfig) validate() error {
	switch c.LedgerBackend {
	case backendMemory, backendRedis:
	case backendPostgres:
		if c.Postgres.ConnectionString == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required with STRIPE_SECRET_KEY")
	}
	return nil
}

func (c daemonConfig) usesPostgres() bool {
	return c.LedgerBackend == backendPostgres || c.Postgres.ConnectionString != ""
}

func (c daemonConfig) usesRedis() bool {
	return c.LedgerBackend == backendRedis || c.RedisNotify
}

// meteringConfig loads the YAML metering config, or the built-in defaults
// when no file is configured.
func (c daemonConfig) meteringConfig() (voxmeter.Config, error) {
	if c.ConfigPath == "" {
		return voxmeter.DefaultConfig(), nil
	}
	return voxmeter.LoadConfig(c.ConfigPath)
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
