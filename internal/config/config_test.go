package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(func(string) string { return "" })
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30, cfg.PollMaxAttempts)
	assert.Equal(t, 60, cfg.Countdown)
	assert.Equal(t, 5*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.FulfillmentRetention)
	assert.Equal(t, "creatorpay", cfg.MetricsNamespace)
	assert.False(t, cfg.TokenFallback)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.ProviderBaseURL)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("TOKEN_FALLBACK_ENABLED", "true")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("SANDBOX_SUCCESS_RATE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.True(t, cfg.TokenFallback)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.InDelta(t, 0.25, cfg.SandboxSuccessRate, 1e-9)
}

func TestLoad_ReportsEveryMalformedValue(t *testing.T) {
	vals := map[string]string{
		"POLL_MAX_ATTEMPTS":      "many",
		"TOKEN_TTL":              "-1s",
		"TOKEN_FALLBACK_ENABLED": "perhaps",
		"SANDBOX_SUCCESS_RATE":   "2",
	}
	_, err := LoadFrom(func(k string) string { return vals[k] })
	require.Error(t, err)
	for key := range vals {
		assert.ErrorContains(t, err, key)
	}
}
