package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	assert.EqualError(t, err, "connection config cannot be nil")

	_, err = Connect(context.Background(), DefaultConnectionConfig(""), nil)
	assert.EqualError(t, err, "NATS URL cannot be empty")
}

func TestConnectHonoursContext(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.MaxReconnects = 0
	cfg.Timeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, cfg, nil)
	require.Error(t, err)
}

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "daedalus", cfg.Name)
	assert.Equal(t, 10, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
}

func TestNilConnection(t *testing.T) {
	assert.NoError(t, Close(nil))
	assert.False(t, IsConnected(nil))
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"":            "_",
		"run-1":       "run-1",
		"out.dir":     "out_dir",
		"a b*c>":      "a_b_c_",
		"2026-10-19T": "2026-10-19T",
	}
	for in, want := range tests {
		assert.Equal(t, want, SubjectToken(in), in)
	}
}
