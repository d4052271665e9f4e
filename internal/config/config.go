// Package config provides configuration loading for the Hub.
//
// Values are resolved from three sources, highest priority first:
// environment variables, an optional YAML config file (HUB_CONFIG_FILE),
// and built-in defaults. An unreadable or invalid config file never
// prevents startup; the hub falls back to defaults and surfaces a warning.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the Hub.
type Config struct {
	// Server settings
	Host           string
	Port           int
	AllowedOrigins []string

	// Auth settings
	AuthToken       string
	SessionTokenTTL time.Duration

	// Registry settings
	HeartbeatFreshness time.Duration // heartbeat age before healthy -> degraded
	RegistryTTL        time.Duration // heartbeat age before removal
	SweepInterval      time.Duration

	// Lock settings
	LockTimeout       time.Duration
	LockSweepInterval time.Duration

	// Rate limit settings
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Proxy settings
	UpstreamTimeout time.Duration
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffCap      time.Duration
	BackoffJitter   float64
	PollMinInterval time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSWriteTimeout    time.Duration

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// Persistence settings
	DBPath        string
	PolicyDocPath string

	// Audit settings
	AuditFlushInterval time.Duration
	AuditMaxBatchSize  int

	Verbose bool
}

// fileConfig mirrors the YAML config file layout. Only fields that make
// sense to pin in a file are exposed; operational tuning stays in env.
type fileConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Token           string   `yaml:"token"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	RegistryTTL     string   `yaml:"registryTTL"`
	SweepInterval   string   `yaml:"sweepInterval"`
	RateLimitWindow string   `yaml:"rateLimitWindow"`
	RateLimitMax    int      `yaml:"rateLimitMax"`
	DBPath          string   `yaml:"dbPath"`
	Verbose         bool     `yaml:"verbose"`
}

// Load reads configuration from the optional config file and the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Host:           "127.0.0.1",
		Port:           8787,
		AllowedOrigins: nil,

		SessionTokenTTL: 15 * time.Minute,

		HeartbeatFreshness: 30 * time.Second,
		RegistryTTL:        2 * time.Minute,
		SweepInterval:      10 * time.Second,

		LockTimeout:       10 * time.Minute,
		LockSweepInterval: 30 * time.Second,

		RateLimitWindow: time.Minute,
		RateLimitMax:    30,

		UpstreamTimeout: 30 * time.Second,
		BackoffBase:     500 * time.Millisecond,
		BackoffFactor:   2.0,
		BackoffCap:      30 * time.Second,
		BackoffJitter:   0.2,
		PollMinInterval: 2 * time.Second,

		WSReadBufferSize:  4096,
		WSWriteBufferSize: 4096,
		WSWriteTimeout:    10 * time.Second,

		HTTPReadTimeout: 15 * time.Second,
		HTTPIdleTimeout: 60 * time.Second,

		DBPath:        defaultStatePath("hub.db"),
		PolicyDocPath: defaultStatePath("policy.yaml"),

		AuditFlushInterval: 10 * time.Second,
		AuditMaxBatchSize:  20,
	}

	applyFile(cfg, os.Getenv("HUB_CONFIG_FILE"))
	applyEnv(cfg)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.RegistryTTL <= cfg.HeartbeatFreshness {
		return nil, fmt.Errorf("registry TTL (%s) must exceed heartbeat freshness (%s)",
			cfg.RegistryTTL, cfg.HeartbeatFreshness)
	}
	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("rate limit max must be positive, got %d", cfg.RateLimitMax)
	}

	return cfg, nil
}

// applyFile overlays values from the YAML config file, if one is configured.
// Any parse or validation failure keeps the current values and logs a warning.
func applyFile(cfg *Config, path string) {
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Config file unreadable, using defaults", "path", path, "error", err)
		return
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		slog.Warn("Config file invalid, using defaults", "path", path, "error", err)
		return
	}

	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.Token != "" {
		cfg.AuthToken = fc.Token
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if d, err := time.ParseDuration(fc.RegistryTTL); err == nil && fc.RegistryTTL != "" {
		cfg.RegistryTTL = d
	}
	if d, err := time.ParseDuration(fc.SweepInterval); err == nil && fc.SweepInterval != "" {
		cfg.SweepInterval = d
	}
	if d, err := time.ParseDuration(fc.RateLimitWindow); err == nil && fc.RateLimitWindow != "" {
		cfg.RateLimitWindow = d
	}
	if fc.RateLimitMax != 0 {
		cfg.RateLimitMax = fc.RateLimitMax
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.Verbose {
		cfg.Verbose = true
	}
}

// applyEnv overlays values from environment variables.
func applyEnv(cfg *Config) {
	cfg.Host = getEnv("HUB_HOST", cfg.Host)
	cfg.Port = getEnvInt("HUB_PORT", cfg.Port)
	cfg.AuthToken = getEnv("HUB_TOKEN", cfg.AuthToken)
	cfg.AllowedOrigins = getEnvStringSlice("HUB_ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.SessionTokenTTL = getEnvDuration("HUB_SESSION_TOKEN_TTL", cfg.SessionTokenTTL)

	cfg.HeartbeatFreshness = getEnvDuration("HUB_HEARTBEAT_FRESHNESS", cfg.HeartbeatFreshness)
	cfg.RegistryTTL = getEnvDuration("HUB_REGISTRY_TTL", cfg.RegistryTTL)
	cfg.SweepInterval = getEnvDuration("HUB_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.LockTimeout = getEnvDuration("HUB_LOCK_TIMEOUT", cfg.LockTimeout)
	cfg.LockSweepInterval = getEnvDuration("HUB_LOCK_SWEEP_INTERVAL", cfg.LockSweepInterval)

	cfg.RateLimitWindow = getEnvDuration("HUB_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.RateLimitMax = getEnvInt("HUB_RATE_LIMIT_MAX", cfg.RateLimitMax)

	cfg.UpstreamTimeout = getEnvDuration("HUB_UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.BackoffBase = getEnvDuration("HUB_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffFactor = getEnvFloat("HUB_BACKOFF_FACTOR", cfg.BackoffFactor)
	cfg.BackoffCap = getEnvDuration("HUB_BACKOFF_CAP", cfg.BackoffCap)
	cfg.BackoffJitter = getEnvFloat("HUB_BACKOFF_JITTER", cfg.BackoffJitter)
	cfg.PollMinInterval = getEnvDuration("HUB_POLL_MIN_INTERVAL", cfg.PollMinInterval)

	cfg.WSReadBufferSize = getEnvInt("HUB_WS_READ_BUFFER_SIZE", cfg.WSReadBufferSize)
	cfg.WSWriteBufferSize = getEnvInt("HUB_WS_WRITE_BUFFER_SIZE", cfg.WSWriteBufferSize)
	cfg.WSWriteTimeout = getEnvDuration("HUB_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)

	cfg.HTTPReadTimeout = getEnvDuration("HUB_HTTP_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPIdleTimeout = getEnvDuration("HUB_HTTP_IDLE_TIMEOUT", cfg.HTTPIdleTimeout)

	cfg.DBPath = getEnv("HUB_DB_PATH", cfg.DBPath)
	cfg.PolicyDocPath = getEnv("HUB_POLICY_DOC_PATH", cfg.PolicyDocPath)

	cfg.AuditFlushInterval = getEnvDuration("HUB_AUDIT_FLUSH_INTERVAL", cfg.AuditFlushInterval)
	cfg.AuditMaxBatchSize = getEnvInt("HUB_AUDIT_MAX_BATCH_SIZE", cfg.AuditMaxBatchSize)

	cfg.Verbose = getEnvBool("HUB_VERBOSE", cfg.Verbose)
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + "/.hub/" + name
}

// WriteDocument atomically writes a runtime document (write-to-temp then
// rename) so a crash mid-write never leaves a truncated file behind.
func WriteDocument(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
