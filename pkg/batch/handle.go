package batch

import (
	"context"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// Handle tracks one submitted line.
type Handle struct {
	line   int
	done   chan struct{}
	once   sync.Once
	result *run.LineResult
}

func newHandle(line int) *Handle {
	return &Handle{line: line, done: make(chan struct{})}
}

// Line returns the submitted line number.
func (h *Handle) Line() int { return h.line }

// Done is closed once the line has a result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the line result, or nil while the line is running.
func (h *Handle) Result() *run.LineResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// Wait blocks until the line has a result or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*run.LineResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) complete(result *run.LineResult) bool {
	delivered := false
	h.once.Do(func() {
		h.result = result
		close(h.done)
		delivered = true
	})
	return delivered
}

// job is a submitted line travelling through the dispatcher.
type job struct {
	seq       uint64
	runID     string
	line      int
	inputs    map[string]any
	handle    *Handle
	submitted time.Time
	started   time.Time
	timeout   time.Duration
}
