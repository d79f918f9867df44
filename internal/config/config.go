package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	DefaultTaxRate     decimal.Decimal
	PricesIncludeTax   bool
	CurrencyExponent   int32
	CartReservationTTL time.Duration
	LowStockThreshold  int64
	SweepInterval      time.Duration
	SweepBatchSize     int
	LockTTL            time.Duration
	QueueConcurrency   int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	rate, err := parseRate(k.String("DEFAULT_TAX_RATE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		DefaultTaxRate:     rate,
		PricesIncludeTax:   parseBool(k.String("PRICES_INCLUDE_TAX")),
		CurrencyExponent:   int32(parseInt(k.String("CURRENCY_EXPONENT"), 2)),
		CartReservationTTL: parseDuration(k.String("CART_RESERVATION_TTL"), "30m"),
		LowStockThreshold:  parseInt(k.String("LOW_STOCK_THRESHOLD"), 0),
		SweepInterval:      parseDuration(k.String("SWEEP_INTERVAL"), "2m"),
		SweepBatchSize:     int(parseInt(k.String("SWEEP_BATCH_SIZE"), 500)),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "30s"),
		QueueConcurrency:   int(parseInt(k.String("QUEUE_CONCURRENCY"), 10)),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.CurrencyExponent < 0 || cfg.CurrencyExponent > 4 {
		return nil, fmt.Errorf("CURRENCY_EXPONENT out of range: %d", cfg.CurrencyExponent)
	}

	return cfg, nil
}

// HTTPAddr returns the address the operational HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(value string, fallback int64) int64 {
	base := strings.TrimSpace(value)
	if base == "" {
		return fallback
	}
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// parseRate accepts a tax rate as a percentage, e.g. "10" or "10.5" for 10.5%.
func parseRate(value string) (decimal.Decimal, error) {
	base := strings.TrimSpace(value)
	if base == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(base)
	if err != nil {
		return decimal.Zero, fmt.Errorf("DEFAULT_TAX_RATE invalid: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("DEFAULT_TAX_RATE out of range: %s", base)
	}
	return rate, nil
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
