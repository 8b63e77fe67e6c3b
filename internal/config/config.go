// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"libranexus/lending/internal/store"
)

// Config holds every runtime setting. Each field maps to one environment
// variable.
type Config struct {
	Env  string // APP_ENV
	Port string // PORT

	DatabaseDriver store.Driver // DATABASE_DRIVER
	DatabaseURL    string       // DATABASE_URL
	MigrateOnStart bool         // MIGRATE_ON_START

	LoanPeriod        time.Duration // LOAN_PERIOD
	FineAmountCents   int64         // FINE_AMOUNT_CENTS
	BorrowLimit       int           // BORROW_LIMIT
	FineSweepInterval time.Duration // FINE_SWEEP_INTERVAL, zero disables the sweep

	RateLimitRPS   float64 // RATE_LIMIT_RPS, zero disables limiting
	RateLimitBurst int     // RATE_LIMIT_BURST

	LogLevel  string // LOG_LEVEL
	LogFormat string // LOG_FORMAT

	OTLPEndpoint string // OTEL_EXPORTER_OTLP_ENDPOINT
	ServiceName  string // OTEL_SERVICE_NAME

	AMQPURL       string        // AMQP_URL, empty disables the relay
	AMQPQueue     string        // AMQP_QUEUE
	RelayInterval time.Duration // RELAY_INTERVAL
}

// Load reads an optional .env file and then the environment. Variables that
// are already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return fromEnv()
}

func fromEnv() (Config, error) {
	cfg := Config{
		Env:               envStr("APP_ENV", "dev"),
		Port:              envStr("PORT", "8080"),
		DatabaseURL:       envStr("DATABASE_URL", "data/libranexus.db"),
		MigrateOnStart:    envBool("MIGRATE_ON_START", true),
		LoanPeriod:        envDur("LOAN_PERIOD", 14*24*time.Hour),
		FineAmountCents:   int64(envInt("FINE_AMOUNT_CENTS", 2000)),
		BorrowLimit:       envInt("BORROW_LIMIT", 3),
		FineSweepInterval: envDur("FINE_SWEEP_INTERVAL", time.Hour),
		RateLimitRPS:      envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 20),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		LogFormat:         envStr("LOG_FORMAT", "json"),
		OTLPEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "libranexus-lending"),
		AMQPURL:           envStr("AMQP_URL", ""),
		AMQPQueue:         envStr("AMQP_QUEUE", "libranexus.activity"),
		RelayInterval:     envDur("RELAY_INTERVAL", 5*time.Second),
	}

	driver, err := store.ParseDriver(envStr("DATABASE_DRIVER", string(store.DriverSQLite)))
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseDriver = driver

	if cfg.LoanPeriod <= 0 {
		return Config{}, fmt.Errorf("LOAN_PERIOD must be positive, got %s", cfg.LoanPeriod)
	}
	if cfg.FineAmountCents <= 0 {
		return Config{}, fmt.Errorf("FINE_AMOUNT_CENTS must be positive, got %d", cfg.FineAmountCents)
	}
	if cfg.BorrowLimit < 1 {
		return Config{}, fmt.Errorf("BORROW_LIMIT must be at least 1, got %d", cfg.BorrowLimit)
	}
	if cfg.RateLimitBurst < 1 {
		cfg.RateLimitBurst = 1
	}
	return cfg, nil
}

// Store returns the store configuration.
func (c Config) Store() store.Config {
	return store.Config{Driver: c.DatabaseDriver, DSN: c.DatabaseURL}
}

func envStr(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
