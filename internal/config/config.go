// Package config loads service configuration from the environment. A .env
// file in the working directory is read first when present; variables
// already set in the environment take precedence over it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/folio/ledger-service/internal/portfolio"
)

// Config is the runtime configuration of the ledger service.
type Config struct {
	Port           string
	DatabaseURL    string // empty selects the in-memory store
	RedisURL       string // empty disables the cache
	CacheTTL       time.Duration
	TxTimeout      time.Duration
	LockTimeout    time.Duration
	LogLevel       slog.Level
	MigrateOnStart bool
	Quotes         portfolio.StaticQuotes
}

// Defaults.
const (
	DefaultPort        = "8080"
	DefaultCacheTTL    = 30 * time.Second
	DefaultTxTimeout   = 5 * time.Second
	DefaultLockTimeout = 2 * time.Second
)

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an environment lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Port:        get("PORT", DefaultPort),
		DatabaseURL: get("DATABASE_URL", ""),
		RedisURL:    get("REDIS_URL", ""),
	}

	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: want a positive duration, got %q", key, raw))
			return def
		}
		return d
	}
	cfg.CacheTTL = duration("CACHE_TTL", DefaultCacheTTL)
	cfg.TxTimeout = duration("LEDGER_TX_TIMEOUT", DefaultTxTimeout)
	cfg.LockTimeout = duration("LEDGER_LOCK_TIMEOUT", DefaultLockTimeout)
	if cfg.LockTimeout > cfg.TxTimeout {
		errs = append(errs, fmt.Errorf("LEDGER_LOCK_TIMEOUT (%s) exceeds LEDGER_TX_TIMEOUT (%s)", cfg.LockTimeout, cfg.TxTimeout))
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	migrate, err := strconv.ParseBool(get("MIGRATE_ON_START", "true"))
	if err != nil {
		errs = append(errs, fmt.Errorf("MIGRATE_ON_START: %w", err))
	}
	cfg.MigrateOnStart = migrate

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: want 1-65535, got %q", cfg.Port))
	}

	quotes, err := portfolio.ParseStaticQuotes(get("QUOTES", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("QUOTES: %w", err))
	}
	cfg.Quotes = quotes

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
