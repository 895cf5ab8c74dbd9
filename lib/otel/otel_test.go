package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledReturnsNoopProvider(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), Config{
		Enabled:     false,
		ServiceName: "lume-test",
	})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NotNil(t, provider.Tracer)
	require.NotNil(t, provider.Meter)
	require.NoError(t, shutdown(context.Background()))
}
