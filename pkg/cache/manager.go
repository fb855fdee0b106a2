package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/run"
)

// DefaultLockTimeout bounds how long a store operation waits for the lock.
const DefaultLockTimeout = 2 * time.Second

// Config configures a Manager.
type Config struct {
	// LockTimeout bounds lock acquisition for every store operation.
	LockTimeout time.Duration

	// MaxConcurrent is the number of store operations allowed at once.
	MaxConcurrent int64
}

// DefaultConfig returns a single-writer configuration with a 2s lock timeout.
func DefaultConfig() Config {
	return Config{LockTimeout: DefaultLockTimeout, MaxConcurrent: 1}
}

// Manager guards a Store with a bounded lock. It never blocks a node longer
// than the lock timeout and never surfaces store failures to callers.
type Manager struct {
	store  Store
	lock   *semaphore.Weighted
	cfg    Config
	logger *zap.Logger
}

// NewManager creates a cache manager over a store.
func NewManager(store Store, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Manager{
		store:  store,
		lock:   semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:    cfg,
		logger: logger,
	}
}

// Lookup returns the cached record for a key. Lock timeouts, I/O errors and
// corrupt records are logged and reported as a miss; corrupt records are
// removed best-effort.
func (m *Manager) Lookup(ctx context.Context, key Key) (*Record, bool) {
	release, err := m.acquire(ctx)
	if err != nil {
		m.logger.Warn("cache lookup skipped",
			zap.String("key", key.String()),
			zap.Error(derrors.Cache("lock", err)))
		return nil, false
	}
	defer release()

	record, err := m.store.Get(ctx, key)
	switch {
	case err == nil:
		return record, true
	case errors.Is(err, ErrNotFound):
		return nil, false
	case errors.Is(err, ErrCorrupt):
		m.logger.Warn("corrupt cache record, deleting",
			zap.String("key", key.String()),
			zap.Error(derrors.Cache("decode", err)))
		if derr := m.store.Delete(ctx, key); derr != nil {
			m.logger.Debug("failed to delete corrupt cache record", zap.Error(derr))
		}
		return nil, false
	default:
		m.logger.Warn("cache lookup failed",
			zap.String("key", key.String()),
			zap.Error(derrors.Cache("lookup", err)))
		return nil, false
	}
}

// Persist stores a completed node run under a key. Outputs that would not
// decode back to an identical value are not stored, so the node runs again
// next time instead of returning a changed output.
func (m *Manager) Persist(ctx context.Context, info *run.RunInfo, key Key) error {
	if !roundTrips(info.Output) {
		m.logger.Debug("node output does not survive encoding, not cached",
			zap.String("node", info.Node),
			zap.String("key", key.String()),
			zap.String("type", fmt.Sprintf("%T", info.Output)))
		return nil
	}
	record := &Record{
		HashID:    key,
		Output:    info.Output,
		RunID:     info.RunID,
		FlowRunID: info.FlowRunID,
		Timestamp: info.EndTime,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	release, err := m.acquire(ctx)
	if err != nil {
		return derrors.Cache("lock", err)
	}
	defer release()

	if err := m.store.Put(ctx, record); err != nil {
		return derrors.Cache("persist", err)
	}
	return nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) acquire(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()
	if err := m.lock.Acquire(lockCtx, 1); err != nil {
		return nil, err
	}
	return func() { m.lock.Release(1) }, nil
}
