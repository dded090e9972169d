// Package config assembles paykit's runtime configuration from environment
// variables, following the same PAYKIT_* + .env convention across every
// deployment of the engine.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// DatabaseConfig describes how to reach the Postgres instance backing the
// Store.
type DatabaseConfig struct {
	User           string
	Password       string
	Host           string
	Port           int
	Name           string
	MigrationsPath string
}

// Config is the top-level configuration for a running paykit engine.
type Config struct {
	Database DatabaseConfig

	// TransportEndpoint is the base URL of the transport this engine
	// instance publishes its catalogue through.
	TransportEndpoint string

	// MinFrequency is the smallest positive, non-zero frequency a
	// recurring PaymentOrder may specify.
	MinFrequency time.Duration
	// BatchSize is the number of payments materialised for a recurring
	// order with no lastPaymentAt.
	BatchSize int

	// PluginDir is read from PAYKIT_PLUGIN_DIR. No code in the engine reads
	// it: plugins load only through factories registered by name, and no
	// directory is searched for an entry point.
	PluginDir string
	// PluginPaths maps a configured plugin name to its entry point path,
	// populated from PAYKIT_PLUGIN_<NAME>_PATH.
	PluginPaths map[string]string

	// PluginWebhookSecret signs and verifies the bearer token a plugin
	// reporting over HTTP presents to the engine's /plugin-events route.
	// Empty means that route is left unauthenticated.
	PluginWebhookSecret []byte
}

const (
	defaultMinFrequency = time.Millisecond
	defaultBatchSize    = 100
)

// Load reads a .env file, if present, then assembles Config from the
// environment. A missing .env file is not an error -- it is expected in
// production, where configuration comes from the real environment.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "could not load .env file")
	}

	cfg := Config{
		Database: DatabaseConfig{
			User:           getenv("PAYKIT_DB_USER", "paykit"),
			Password:       getenv("PAYKIT_DB_PASSWORD", ""),
			Host:           getenv("PAYKIT_DB_HOST", "localhost"),
			Port:           getenvInt("PAYKIT_DB_PORT", 5432),
			Name:           getenv("PAYKIT_DB_NAME", "paykit"),
			MigrationsPath: getenv("PAYKIT_DB_MIGRATIONS_PATH", defaultMigrationsPath()),
		},
		TransportEndpoint:   getenv("PAYKIT_TRANSPORT_ENDPOINT", ""),
		MinFrequency:        getenvDuration("PAYKIT_MIN_FREQUENCY_MS", defaultMinFrequency),
		BatchSize:           getenvInt("PAYKIT_BATCH_SIZE", defaultBatchSize),
		PluginDir:           getenv("PAYKIT_PLUGIN_DIR", ""),
		PluginPaths:         pluginPathsFromEnv(),
		PluginWebhookSecret: []byte(getenv("PAYKIT_PLUGIN_WEBHOOK_SECRET", "")),
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// pluginPathsFromEnv collects every PAYKIT_PLUGIN_<NAME>_PATH variable into
// a name -> entry point path table.
func pluginPathsFromEnv() map[string]string {
	const prefix = "PAYKIT_PLUGIN_"
	const suffix = "_PATH"

	paths := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
		if name == "" || value == "" {
			continue
		}
		paths[strings.ToLower(name)] = value
	}
	return paths
}

func defaultMigrationsPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return "file://internal/platform/store/migrations"
	}
	return "file://" + filepath.Join(dir, "internal", "platform", "store", "migrations")
}
