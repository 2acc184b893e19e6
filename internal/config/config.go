package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process configuration, read once at startup from the environment.
type Config struct {
	HTTPAddr    string
	ServiceName string
	Env         string
	LogLevel    string
	LogFile     string
	// MetricsNamespace prefixes every exported metric name.
	MetricsNamespace string

	// ProviderBaseURL empty selects the sandbox provider.
	ProviderBaseURL string
	ProviderTimeout time.Duration
	ProviderRPS     float64

	// RedisAddr empty selects the in-memory stores.
	RedisAddr  string
	SessionTTL time.Duration
	TokenTTL   time.Duration
	// FulfillmentRetention is how long a fulfilled deposit id is remembered.
	FulfillmentRetention time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int
	Countdown       int
	ConfirmationURL string
	BrowseURL       string
	TokenFallback   bool

	SandboxSuccessRate   float64
	SandboxCompleteAfter int

	ShutdownTimeout time.Duration
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv. Malformed values are reported
// together rather than silently replaced by defaults.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := &env{get: getenv}
	cfg := Config{
		HTTPAddr:    e.str("HTTP_ADDR", ":8080"),
		ServiceName: e.str("SERVICE_NAME", "creatorpay"),
		Env:         e.str("ENV", "dev"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		LogFile:     e.str("LOG_FILE", ""),

		MetricsNamespace: e.str("METRICS_NAMESPACE", "creatorpay"),

		ProviderBaseURL: e.str("PROVIDER_BASE_URL", ""),
		ProviderTimeout: e.duration("PROVIDER_TIMEOUT", 10*time.Second),
		ProviderRPS:     e.number("PROVIDER_RPS", 20),

		RedisAddr:  e.str("REDIS_ADDR", ""),
		SessionTTL: e.duration("SESSION_TTL", 24*time.Hour),
		TokenTTL:   e.duration("TOKEN_TTL", 5*time.Minute),

		FulfillmentRetention: e.duration("FULFILLMENT_RETENTION", 7*24*time.Hour),

		PollInterval:    e.duration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts: e.integer("POLL_MAX_ATTEMPTS", 30),
		Countdown:       e.integer("COUNTDOWN", 60),
		ConfirmationURL: e.str("CONFIRMATION_URL", "/payment/confirmation"),
		BrowseURL:       e.str("BROWSE_URL", "/"),
		TokenFallback:   e.boolean("TOKEN_FALLBACK_ENABLED", false),

		SandboxSuccessRate:   e.number("SANDBOX_SUCCESS_RATE", 0.9),
		SandboxCompleteAfter: e.integer("SANDBOX_COMPLETE_AFTER", 3),

		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if cfg.SandboxSuccessRate < 0 || cfg.SandboxSuccessRate > 1 {
		e.fail("SANDBOX_SUCCESS_RATE", "must be within [0, 1]")
	}
	if cfg.PollMaxAttempts < 1 {
		e.fail("POLL_MAX_ATTEMPTS", "must be positive")
	}
	if cfg.Countdown < 1 {
		e.fail("COUNTDOWN", "must be positive")
	}
	if cfg.ProviderRPS <= 0 {
		e.fail("PROVIDER_RPS", "must be positive")
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) fail(key, msg string) {
	e.errs = append(e.errs, fmt.Errorf("%s %s", key, msg))
}

func (e *env) str(key, def string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "must be an integer")
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := e.get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, "must be a number")
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := e.get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "must be a boolean")
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.fail(key, "must be a positive duration")
		return def
	}
	return d
}
