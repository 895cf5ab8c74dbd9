package logger

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaultsToInfo(t *testing.T) {
	cfg := NewConfig()
	require.Equal(t, slog.LevelInfo, cfg.DefaultLevel)
	require.Equal(t, slog.LevelInfo, cfg.LevelFor(SubsystemPull))
}

func TestNewConfigReadsPerSubsystemOverride(t *testing.T) {
	require.NoError(t, os.Setenv("LOG_LEVEL_CACHE", "debug"))
	defer os.Unsetenv("LOG_LEVEL_CACHE")

	cfg := NewConfig()
	require.Equal(t, slog.LevelDebug, cfg.LevelFor(SubsystemCache))
	require.Equal(t, slog.LevelInfo, cfg.LevelFor(SubsystemPush))
}

func TestContextRoundTrip(t *testing.T) {
	base := NewLogger(NewConfig())
	ctx := AddToContext(context.Background(), base)
	require.Same(t, base, FromContext(ctx))

	require.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestNewSubsystemLoggerHonorsLevel(t *testing.T) {
	require.NoError(t, os.Setenv("LOG_LEVEL_SCHEDULER", "error"))
	defer os.Unsetenv("LOG_LEVEL_SCHEDULER")

	cfg := NewConfig()
	l := NewSubsystemLogger(SubsystemScheduler, cfg, nil)
	require.False(t, l.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, l.Enabled(context.Background(), slog.LevelError))
}
