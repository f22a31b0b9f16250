// Package config loads agentd's runtime configuration from environment
// variables, validated up front before any dependency is wired — mirroring
// the teacher's validateEnv()-before-wiring idiom in cmd/ratd/main.go.
//
// Runtime tunables are environment variables, not a YAML file: yaml.v3 is
// kept in this module only for the static schema/channel seed file loaded
// once at startup (see schemaseed.go), not for anything that would
// ordinarily change between deployments.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	HTTPAddr string

	DatabaseURL string

	AuthToken string

	LLMProviderURL string
	LLMAPIKey      string
	LLMTimeout     time.Duration

	AuditBucket string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	SchemaSeedFile string

	LogLevel string

	CORSOrigins []string
	RateLimit   int // requests/sec per IP at the router level; 0 disables

	IdempotencyTTL        time.Duration
	IdempotencyMaxEntries int

	IntakeWindow       time.Duration
	IntakeMaxPerWindow int
	IntakeMaxTextLen   int

	EventBusBufferSize int
	EventBusBufferTTL  time.Duration

	DispatcherWorkers int
}

// Default returns the configuration used when no environment variables are
// set at all — suitable for local development against an in-memory store.
func Default() Config {
	return Config{
		HTTPAddr:              ":8080",
		LLMTimeout:            30 * time.Second,
		LogLevel:              "info",
		RateLimit:             20,
		IdempotencyTTL:        300 * time.Second,
		IdempotencyMaxEntries: 1000,
		IntakeWindow:          60 * time.Second,
		IntakeMaxPerWindow:    30,
		IntakeMaxTextLen:      4000,
		EventBusBufferSize:    500,
		EventBusBufferTTL:     300 * time.Second,
		DispatcherWorkers:     4,
	}
}

// Load reads Config from the environment, filling gaps with Default() and
// validating the result. Callers should treat a non-nil error as fatal:
// refuse to start rather than run with an invalid configuration.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.AuthToken = os.Getenv("AUTH_TOKEN")

	cfg.LLMProviderURL = os.Getenv("LLM_PROVIDER_URL")
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	if v := os.Getenv("LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid LLM_TIMEOUT %q: %w", v, err)
		}
		cfg.LLMTimeout = d
	}

	cfg.AuditBucket = os.Getenv("AUDIT_BUCKET")
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")
	cfg.S3UseSSL = os.Getenv("S3_USE_SSL") != "false"

	cfg.SchemaSeedFile = os.Getenv("SCHEMA_SEED_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitAndTrim(v)
	}

	if v := os.Getenv("RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid RATE_LIMIT %q: %w", v, err)
		}
		cfg.RateLimit = n
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks invariants between fields: e.g. enabling audit export
// requires the full S3 credential set, and any set DATABASE_URL/LLM URL
// must actually parse as a URL.
func (c Config) validate() error {
	var errs []string

	if c.DatabaseURL != "" {
		if _, err := url.Parse(c.DatabaseURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: %v", err))
		}
	}
	if c.LLMProviderURL != "" {
		if _, err := url.Parse(c.LLMProviderURL); err != nil {
			errs = append(errs, fmt.Sprintf("LLM_PROVIDER_URL: %v", err))
		}
	}
	if c.AuditBucket != "" {
		if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			errs = append(errs, "AUDIT_BUCKET is set but S3_ENDPOINT/S3_ACCESS_KEY/S3_SECRET_KEY are not all provided")
		}
	}
	if !validLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL: unrecognized level %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validLogLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
