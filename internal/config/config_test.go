package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(lookup(nil))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, DefaultTxTimeout, cfg.TxTimeout)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.True(t, cfg.MigrateOnStart)
	assert.Empty(t, cfg.Quotes)
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := FromLookup(lookup(map[string]string{
		"PORT":                "9090",
		"DATABASE_URL":        "postgres://ledger@localhost/ledger",
		"REDIS_URL":           "redis://localhost:6379/0",
		"CACHE_TTL":           "1m",
		"LEDGER_TX_TIMEOUT":   "3s",
		"LEDGER_LOCK_TIMEOUT": "500ms",
		"LOG_LEVEL":           "debug",
		"MIGRATE_ON_START":    "false",
		"QUOTES":              "ACME=20,tbnd=99.5",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.DatabaseURL)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, 3*time.Second, cfg.TxTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.False(t, cfg.MigrateOnStart)

	p, ok := cfg.Quotes["TBND"]
	require.True(t, ok)
	assert.Equal(t, "99.5", p.String())
}

func TestFromLookup_InvalidValues(t *testing.T) {
	_, err := FromLookup(lookup(map[string]string{
		"PORT":              "http",
		"CACHE_TTL":         "soon",
		"LEDGER_TX_TIMEOUT": "-1s",
		"LOG_LEVEL":         "chatty",
		"MIGRATE_ON_START":  "maybe",
		"QUOTES":            "ACME",
	}))
	require.Error(t, err)
	for _, key := range []string{"PORT", "CACHE_TTL", "LEDGER_TX_TIMEOUT", "LOG_LEVEL", "MIGRATE_ON_START", "QUOTES"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestFromLookup_LockTimeoutWithinTxTimeout(t *testing.T) {
	_, err := FromLookup(lookup(map[string]string{
		"LEDGER_TX_TIMEOUT":   "1s",
		"LEDGER_LOCK_TIMEOUT": "2s",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_LOCK_TIMEOUT")
}
