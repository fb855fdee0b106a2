package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

const defaultQueueSize = 256

type persistItem struct {
	info *run.RunInfo
	key  Key
}

// Persister writes cache records in the background so nodes never wait on
// the store.
type Persister struct {
	manager *Manager
	queue   chan persistItem
	logger  *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	abandon atomic.Bool
	done    chan struct{}
}

// NewPersister starts a background persist loop with a bounded queue.
func NewPersister(manager *Manager, queueSize int, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	p := &Persister{
		manager: manager,
		queue:   make(chan persistItem, queueSize),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Enqueue schedules a record write. It never blocks: when the queue is full
// or the persister is closed the write is dropped with a warning.
func (p *Persister) Enqueue(info *run.RunInfo, key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.logger.Warn("cache persister closed, dropping write", zap.String("node", info.Node))
		return false
	}
	p.pending.Add(1)
	select {
	case p.queue <- persistItem{info: info, key: key}:
		return true
	default:
		p.pending.Done()
		p.logger.Warn("cache persist queue full, dropping write",
			zap.String("node", info.Node),
			zap.String("run_id", info.RunID))
		return false
	}
}

// Flush waits for queued writes. Writes still queued when ctx expires are
// abandoned with a warning.
func (p *Persister) Flush(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		p.logger.Warn("cache flush interrupted, pending writes dropped", zap.Int("queued", len(p.queue)))
		return ctx.Err()
	}
}

// Close flushes queued writes and stops the loop.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.Flush(ctx)
	if err != nil {
		p.abandon.Store(true)
	}
	close(p.queue)
	<-p.done
	return err
}

func (p *Persister) loop() {
	defer close(p.done)
	for item := range p.queue {
		if p.abandon.Load() {
			p.pending.Done()
			continue
		}
		if err := p.manager.Persist(context.Background(), item.info, item.key); err != nil {
			p.logger.Warn("failed to persist cache record",
				zap.String("node", item.info.Node),
				zap.String("run_id", item.info.RunID),
				zap.Error(err))
		}
		p.pending.Done()
	}
}
