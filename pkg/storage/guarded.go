package storage

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/run"
)

// GuardedStorage shields line execution from sink failures. Errors are
// logged and counted but never returned, and after repeated failures the
// circuit opens and records are dropped until the backend recovers.
type GuardedStorage struct {
	inner   RunStorage
	breaker *concurrency.CircuitBreaker
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewGuardedStorage wraps inner. A nil breaker uses the default thresholds.
func NewGuardedStorage(inner RunStorage, breaker *concurrency.CircuitBreaker, logger *zap.Logger) *GuardedStorage {
	if breaker == nil {
		breaker = concurrency.NewCircuitBreaker(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
		logger.Warn("run storage circuit changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	return &GuardedStorage{inner: inner, breaker: breaker, logger: logger}
}

// PersistNodeRun never fails.
func (g *GuardedStorage) PersistNodeRun(ctx context.Context, info *run.RunInfo) error {
	err := g.breaker.Call(func() error { return g.inner.PersistNodeRun(ctx, info) })
	if err != nil {
		g.drop(err, zap.String("node", info.Node), zap.Int("line", info.Index))
	}
	return nil
}

// PersistLineRun never fails.
func (g *GuardedStorage) PersistLineRun(ctx context.Context, result *run.LineResult) error {
	err := g.breaker.Call(func() error { return g.inner.PersistLineRun(ctx, result) })
	if err != nil {
		g.drop(err, zap.Int("line", result.Index()))
	}
	return nil
}

// Dropped returns how many records were not persisted.
func (g *GuardedStorage) Dropped() int64 { return g.dropped.Load() }

// State returns the breaker state.
func (g *GuardedStorage) State() concurrency.CircuitBreakerState { return g.breaker.GetState() }

// Close closes the wrapped backend.
func (g *GuardedStorage) Close() error {
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (g *GuardedStorage) drop(err error, fields ...zap.Field) {
	g.dropped.Add(1)
	if errors.Is(err, concurrency.ErrCircuitOpen) {
		g.logger.Debug("run storage circuit open, record dropped", fields...)
		return
	}
	g.logger.Warn("failed to persist record", append(fields, zap.Error(err))...)
}
