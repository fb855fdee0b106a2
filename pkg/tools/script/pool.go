package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// ErrPoolClosed is returned once the pool is closed.
var ErrPoolClosed = errors.New("pool is closed")

// PoolConfig sizes the VM pool.
type PoolConfig struct {
	MaxSize       int
	MaxReuseCount int
	SecurityLevel string
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:       16,
		MaxReuseCount: 1000,
		SecurityLevel: SecurityLevelStandard,
	}
}

type pooledVM struct {
	vm   *goja.Runtime
	uses int
}

// VMPool hands out sandboxed goja runtimes. A runtime is used by one
// goroutine at a time and recreated after MaxReuseCount runs.
type VMPool struct {
	cfg  PoolConfig
	idle chan *pooledVM
	sem  chan struct{}

	mu     sync.Mutex
	closed bool

	created  atomic.Int64
	acquired atomic.Int64
}

// PoolStats contains pool statistics
type PoolStats struct {
	Created   int64 `json:"created"`
	Acquired  int64 `json:"acquired"`
	Available int   `json:"available"`
	InUse     int   `json:"in_use"`
}

// NewVMPool creates an empty pool; runtimes are created on demand.
func NewVMPool(cfg PoolConfig) *VMPool {
	def := DefaultPoolConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxReuseCount <= 0 {
		cfg.MaxReuseCount = def.MaxReuseCount
	}
	if cfg.SecurityLevel == "" {
		cfg.SecurityLevel = def.SecurityLevel
	}
	return &VMPool{
		cfg:  cfg,
		idle: make(chan *pooledVM, cfg.MaxSize),
		sem:  make(chan struct{}, cfg.MaxSize),
	}
}

// acquire blocks until a runtime is available or ctx ends.
func (p *VMPool) acquire(ctx context.Context) (*pooledVM, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.acquired.Add(1)

	select {
	case vm := <-p.idle:
		vm.uses++
		return vm, nil
	default:
	}

	vm, err := p.create()
	if err != nil {
		<-p.sem
		return nil, err
	}
	return vm, nil
}

// release returns a runtime to the pool.
func (p *VMPool) release(vm *pooledVM) {
	defer func() { <-p.sem }()

	if p.isClosed() || vm.uses >= p.cfg.MaxReuseCount {
		return
	}
	vm.vm.ClearInterrupt()
	resetGlobals(vm.vm)
	select {
	case p.idle <- vm:
	default:
	}
}

// Stats returns pool statistics
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		Created:   p.created.Load(),
		Acquired:  p.acquired.Load(),
		Available: len(p.idle),
		InUse:     len(p.sem),
	}
}

// Close drops idle runtimes. Runtimes in use are discarded on release.
func (p *VMPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for {
		select {
		case <-p.idle:
		default:
			return nil
		}
	}
}

func (p *VMPool) create() (*pooledVM, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := applySandbox(vm, p.cfg.SecurityLevel); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}
	p.created.Add(1)
	return &pooledVM{vm: vm, uses: 1}, nil
}

func (p *VMPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
