package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("daedalus")
	assert.Equal(t, "daedalus", cfg.ServiceName)
	assert.Equal(t, "127.0.0.1:4318", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRatio)
}

func TestSetupTracingRequiresServiceName(t *testing.T) {
	_, err := SetupTracing(context.Background(), TracingConfig{}, nil)
	assert.ErrorContains(t, err, "service name cannot be empty")
}

func TestSetupTracing(t *testing.T) {
	// The exporter connects lazily so no collector is needed.
	shutdown, err := SetupTracing(context.Background(), DefaultConfig("daedalus-test"), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, ShutdownTracing(shutdown, nil))
}

func TestShutdownTracing(t *testing.T) {
	assert.NoError(t, ShutdownTracing(nil, nil))

	boom := errors.New("boom")
	err := ShutdownTracing(func(context.Context) error { return boom }, nil)
	assert.ErrorIs(t, err, boom)
}
