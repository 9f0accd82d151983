// Package config loads runtime configuration from the environment.
// A .env file in the working directory (or BREWLINK_ENV_FILE) is applied
// first; real environment variables win over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the relay-plane cadences. Values are the production ones;
// tests shrink them through the struct, deployments through env vars.
const (
	DefaultListenAddr = ":7770"
	DefaultDataDir    = "/var/lib/brewlink"

	DefaultDevicePingInterval = 10 * time.Second
	DefaultClientPingInterval = 30 * time.Second
	DefaultMaxMissedPings     = 2
	DefaultMaxMissedPongs     = 2

	DefaultReconcileInterval  = 60 * time.Second
	DefaultQueueSweepInterval = 10 * time.Second
	DefaultQueueTTL           = 10 * time.Second
	DefaultQueueCap           = 50
	DefaultMaxQueueRetries    = 3

	DefaultCacheStaleAfter    = 10 * time.Second
	DefaultRequestTimeout     = 10 * time.Second
	DefaultTokenExpiryWarning = 5 * time.Minute
)

// Config is the resolved runtime configuration.
type Config struct {
	ListenAddr string
	DataDir    string

	LogLevel  string
	LogFormat string

	// AdminKey guards /metrics and the admin REST routes when set.
	AdminKey string

	// AllowedOrigins is a comma-separated list for the WebSocket origin
	// check; empty allows all (the service expects an ingress in front).
	AllowedOrigins string

	DevicePingInterval time.Duration
	ClientPingInterval time.Duration
	MaxMissedPings     int
	MaxMissedPongs     int

	ReconcileInterval  time.Duration
	QueueSweepInterval time.Duration
	QueueTTL           time.Duration
	QueueCap           int
	MaxQueueRetries    int

	CacheStaleAfter    time.Duration
	RequestTimeout     time.Duration
	TokenExpiryWarning time.Duration

	envFile string
}

// Load reads the optional .env file and the environment.
func Load() (*Config, error) {
	envFile := strings.TrimSpace(os.Getenv("BREWLINK_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	// Missing file is fine; malformed contents are not.
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{
		ListenAddr:     envString("BREWLINK_LISTEN", DefaultListenAddr),
		DataDir:        envString("BREWLINK_DATA_DIR", DefaultDataDir),
		LogLevel:       envString("LOG_LEVEL", "info"),
		LogFormat:      envString("LOG_FORMAT", "auto"),
		AdminKey:       os.Getenv("BREWLINK_ADMIN_KEY"),
		AllowedOrigins: os.Getenv("BREWLINK_ALLOWED_ORIGINS"),

		DevicePingInterval: envDuration("BREWLINK_DEVICE_PING_INTERVAL", DefaultDevicePingInterval),
		ClientPingInterval: envDuration("BREWLINK_CLIENT_PING_INTERVAL", DefaultClientPingInterval),
		MaxMissedPings:     envInt("BREWLINK_MAX_MISSED_PINGS", DefaultMaxMissedPings),
		MaxMissedPongs:     envInt("BREWLINK_MAX_MISSED_PONGS", DefaultMaxMissedPongs),

		ReconcileInterval:  envDuration("BREWLINK_RECONCILE_INTERVAL", DefaultReconcileInterval),
		QueueSweepInterval: envDuration("BREWLINK_QUEUE_SWEEP_INTERVAL", DefaultQueueSweepInterval),
		QueueTTL:           envDuration("BREWLINK_QUEUE_TTL", DefaultQueueTTL),
		QueueCap:           envInt("BREWLINK_QUEUE_CAP", DefaultQueueCap),
		MaxQueueRetries:    envInt("BREWLINK_QUEUE_MAX_RETRIES", DefaultMaxQueueRetries),

		CacheStaleAfter:    envDuration("BREWLINK_CACHE_STALE_AFTER", DefaultCacheStaleAfter),
		RequestTimeout:     envDuration("BREWLINK_REQUEST_TIMEOUT", DefaultRequestTimeout),
		TokenExpiryWarning: envDuration("BREWLINK_TOKEN_EXPIRY_WARNING", DefaultTokenExpiryWarning),

		envFile: envFile,
	}
	return cfg, nil
}

// EnvFile returns the path of the env file Load consulted.
func (c *Config) EnvFile() string {
	return c.envFile
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
