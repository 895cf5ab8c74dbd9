package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearLumeEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LUME_CACHE_ROOT", "LUME_REGISTRY_HOST", "LUME_ORG",
		"LUME_CHUNK_SIZE_MB", "LUME_CONCURRENCY", "LUME_REQUEST_TIMEOUT",
		"LUME_RESOURCE_TIMEOUT", "LUME_INSECURE", "LUME_CACHE_DISABLED",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearLumeEnv(t)
	cfg := Load()

	require.Equal(t, "ghcr.io", cfg.RegistryHost)
	require.Equal(t, "trycua", cfg.Org)
	require.Equal(t, 512, cfg.ChunkSizeMb)
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, 60*time.Second, cfg.RequestTimeout)
	require.Equal(t, 3600*time.Second, cfg.ResourceTimeout)
	require.False(t, cfg.CacheDisabled)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	clearLumeEnv(t)
	require.NoError(t, os.Setenv("LUME_CHUNK_SIZE_MB", "256"))
	require.NoError(t, os.Setenv("LUME_CONCURRENCY", "8"))
	defer clearLumeEnv(t)

	cfg := Load()
	require.Equal(t, 256, cfg.ChunkSizeMb)
	require.Equal(t, 8, cfg.Concurrency)
}

func TestChunkSizeBytes(t *testing.T) {
	cfg := &Config{ChunkSizeMb: 512}
	require.Equal(t, int64(512<<20), cfg.ChunkSizeBytes())
}

func TestValidateRejectsNonPositiveChunkSize(t *testing.T) {
	cfg := &Config{ChunkSizeMb: 0, Concurrency: 1, RequestTimeout: 60 * time.Second, ResourceTimeout: 3600 * time.Second}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsTooSmallTimeouts(t *testing.T) {
	cfg := &Config{ChunkSizeMb: 512, Concurrency: 1, RequestTimeout: time.Second, ResourceTimeout: 3600 * time.Second}
	require.Error(t, cfg.Validate())

	cfg2 := &Config{ChunkSizeMb: 512, Concurrency: 1, RequestTimeout: 60 * time.Second, ResourceTimeout: time.Second}
	require.Error(t, cfg2.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	clearLumeEnv(t)
	cfg := Load()
	require.NoError(t, cfg.Validate())
}
