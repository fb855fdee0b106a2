package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				return
			}
			defer l.Release()
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	m := l.GetMetrics()
	assert.LessOrEqual(t, m.PeakConcurrent, int64(3))
	assert.Equal(t, int64(20), m.TotalAcquired)
	assert.Equal(t, int64(20), m.TotalReleased)
	assert.Equal(t, int64(0), l.CurrentActive())
	assert.Equal(t, 3, l.Capacity())
	assert.GreaterOrEqual(t, m.AverageWaitTime(), time.Duration(0))
}

func TestLimiterAcquireHonoursContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	assert.Equal(t, int64(0), l.CurrentActive())
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	assert.Error(t, cb.Call(func() error { return errors.New("x") }))
	assert.True(t, cb.IsOpen())
	assert.ErrorIs(t, cb.Call(func() error { return nil }), ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	for i := 0; i < halfOpenSuccesses; i++ {
		require.NoError(t, cb.Call(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.GetState())

	cb.RecordFailure()
	cb.Reset()
	assert.Equal(t, int64(0), cb.GetConsecutiveFailures())
}

func TestCircuitBreakerStateChanges(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	var transitions []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	cb.RecordFailure()
	assert.Empty(t, transitions)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DAEDALUS_NODE_CONCURRENCY", "7")
	t.Setenv("DAEDALUS_WORKER_COUNT", "3")
	t.Setenv("DAEDALUS_LINE_TIMEOUT_SEC", "30")
	t.Setenv("DAEDALUS_BATCH_TIMEOUT_SEC", "90")
	t.Setenv("DAEDALUS_FAIL_FAST", "false")

	cfg := LoadConfig()
	assert.Equal(t, 7, cfg.NodeConcurrency)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, 30*time.Second, cfg.LineTimeout)
	assert.Equal(t, 90*time.Second, cfg.BatchTimeout)
	assert.False(t, cfg.FailFast)
	assert.Contains(t, cfg.String(), "NodeConcurrency: 7")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DAEDALUS_NODE_CONCURRENCY", "")
	t.Setenv("DAEDALUS_CONCURRENCY_MULTIPLIER", "")
	t.Setenv("DAEDALUS_WORKER_COUNT", "")
	t.Setenv("DAEDALUS_LINE_TIMEOUT_SEC", "")
	t.Setenv("DAEDALUS_BATCH_TIMEOUT_SEC", "")
	t.Setenv("DAEDALUS_FAIL_FAST", "")

	cfg := LoadConfig()
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.GreaterOrEqual(t, cfg.NodeConcurrency, 1)
	assert.Equal(t, DefaultWorkerCount, cfg.WorkerCount)
	assert.Equal(t, DefaultLineTimeout, cfg.LineTimeout)
	assert.Zero(t, cfg.BatchTimeout)
	assert.True(t, cfg.FailFast)

	assert.Equal(t, 2, cfg.WorkersFor(2))
	assert.Equal(t, DefaultWorkerCount, cfg.WorkersFor(0))
	assert.Equal(t, DefaultWorkerCount, cfg.WorkersFor(100))
}
