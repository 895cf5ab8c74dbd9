// Package config loads this engine's runtime configuration from a
// `.env` file (best-effort) layered with environment variables,
// following the teacher's cmd/api/config load-then-override idiom.
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds every tunable this transfer engine reads at startup.
type Config struct {
	// CacheRoot is the pull-side content-addressed cache root
	// (<CacheRoot>/ghcr/<org>/<manifestId>/).
	CacheRoot string
	// RegistryHost is the OCI registry host, e.g. "ghcr.io".
	RegistryHost string
	// Org is the default organisation namespacing image references.
	Org string

	// ChunkSizeMb is the disk chunk size in MiB (default 512).
	ChunkSizeMb int
	// Concurrency bounds simultaneous in-flight chunk transfers.
	Concurrency int

	RequestTimeout  time.Duration
	ResourceTimeout time.Duration
	Insecure        bool

	// CacheDisabled globally disables the local content-addressed
	// cache (spec.md §4.E).
	CacheDisabled bool

	LogLevel string

	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string
}

// ChunkSizeBytes returns the configured chunk size in bytes.
func (c Config) ChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMb) * int64(datasize.MB)
}

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// getBuildVersion extracts a short git revision (plus "-dirty" if the
// working tree had uncommitted changes) from Go's embedded build info.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "unknown"
	}
	if len(revision) > 8 {
		revision = revision[:8]
	}
	if dirty {
		revision += "-dirty"
	}
	return revision
}

// Load reads configuration from environment variables, loading a
// `.env` file first if present (missing file is not an error).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		CacheRoot:    getEnv("LUME_CACHE_ROOT", defaultCacheRoot()),
		RegistryHost: getEnv("LUME_REGISTRY_HOST", "ghcr.io"),
		Org:          getEnv("LUME_ORG", "trycua"),

		ChunkSizeMb: getEnvInt("LUME_CHUNK_SIZE_MB", 512),
		Concurrency: getEnvInt("LUME_CONCURRENCY", 4),

		RequestTimeout:  getEnvDuration("LUME_REQUEST_TIMEOUT", 60*time.Second),
		ResourceTimeout: getEnvDuration("LUME_RESOURCE_TIMEOUT", 3600*time.Second),
		Insecure:        getEnvBool("LUME_INSECURE", false),

		CacheDisabled: getEnvBool("LUME_CACHE_DISABLED", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		OtelEnabled:           getEnvBool("LUME_OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("LUME_OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("LUME_OTEL_SERVICE_NAME", "lume"),
		OtelServiceInstanceID: getEnv("LUME_OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("LUME_OTEL_INSECURE", true),
		Version:               getEnv("LUME_VERSION", getBuildVersion()),
		Env:                   getEnv("LUME_ENV", "unset"),
	}
}

func defaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lume/cache"
	}
	return home + "/.lume/cache"
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.ChunkSizeMb <= 0 {
		return fmt.Errorf("LUME_CHUNK_SIZE_MB must be positive, got %d", c.ChunkSizeMb)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("LUME_CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.RequestTimeout < 60*time.Second {
		return fmt.Errorf("LUME_REQUEST_TIMEOUT must be >= 60s, got %v", c.RequestTimeout)
	}
	if c.ResourceTimeout < 3600*time.Second {
		return fmt.Errorf("LUME_RESOURCE_TIMEOUT must be >= 3600s, got %v", c.ResourceTimeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
