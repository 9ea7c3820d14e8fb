package observability

import (
	"context"
	"testing"

	"github.com/riskcheck/riskcheck/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing(t *testing.T) {
	t.Run("returns no-op shutdown when disabled", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("uses default service name when empty", func(t *testing.T) {
		cfg := config.TracingConfig{
			Enabled:    true,
			Endpoint:   "http://localhost:4318",
			SampleRate: 0.5,
		}
		// The exporter connects lazily, so creation succeeds without a collector.
		shutdown, err := InitTracing(context.Background(), cfg, "v0.1.0")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}

func TestNewResource(t *testing.T) {
	res, err := newResource("", "v1.2.3")
	require.NoError(t, err, "service resource must merge with the SDK default")
	assert.Equal(t, resource.Default().SchemaURL(), res.SchemaURL())

	name, ok := res.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, DefaultServiceName, name.AsString())

	ver, ok := res.Set().Value(attribute.Key("service.version"))
	require.True(t, ok)
	assert.Equal(t, "v1.2.3", ver.AsString())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(2).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, Sampler(0.1).Description(), "TraceIDRatioBased{0.1}")
}
