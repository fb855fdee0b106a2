// Package stream models lazy tool outputs: finite, pull-based sequences that
// can be consumed exactly once.
package stream

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
)

// Sequence is a lazy, finite, non-restartable sequence of values.
// Next returns ok=false once the sequence is exhausted and keeps doing so on
// every later call.
type Sequence interface {
	Next(ctx context.Context) (value any, ok bool, err error)
}

// FuncSequence pulls values from a generator function.
type FuncSequence struct {
	mu   sync.Mutex
	fn   func(ctx context.Context) (any, bool, error)
	done bool
}

// FromFunc creates a sequence backed by a generator function. The function
// is never called again after it reports the end or an error.
func FromFunc(fn func(ctx context.Context) (any, bool, error)) *FuncSequence {
	return &FuncSequence{fn: fn}
}

func (s *FuncSequence) Next(ctx context.Context) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok, err := s.fn(ctx)
	if err != nil || !ok {
		s.done = true
		return nil, false, err
	}
	return v, true, nil
}

// FromSlice creates a sequence over a fixed set of values.
func FromSlice(values []any) *FuncSequence {
	i := 0
	return FromFunc(func(ctx context.Context) (any, bool, error) {
		if i >= len(values) {
			return nil, false, nil
		}
		v := values[i]
		i++
		return v, true, nil
	})
}

// FromChannel creates a sequence that drains a channel until it is closed.
func FromChannel(ch <-chan any) *FuncSequence {
	return FromFunc(func(ctx context.Context) (any, bool, error) {
		select {
		case v, ok := <-ch:
			return v, ok, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	})
}

// Traced forwards a sequence unchanged while buffering each element it hands
// out, up to a limit, so the elements can be recorded for tracing.
type Traced struct {
	inner Sequence
	limit int

	mu        sync.Mutex
	elements  []any
	dropped   int
	exhausted bool
	onElement func(any)
}

// Trace wraps a sequence. limit <= 0 buffers every element. onElement, when
// set, is called for each forwarded element.
func Trace(inner Sequence, limit int, onElement func(any)) *Traced {
	return &Traced{inner: inner, limit: limit, onElement: onElement}
}

func (t *Traced) Next(ctx context.Context) (any, bool, error) {
	v, ok, err := t.inner.Next(ctx)

	t.mu.Lock()
	if !ok {
		t.exhausted = true
		t.mu.Unlock()
		return nil, false, err
	}
	if t.limit <= 0 || len(t.elements) < t.limit {
		t.elements = append(t.elements, v)
	} else {
		t.dropped++
	}
	cb := t.onElement
	t.mu.Unlock()

	if cb != nil {
		cb(v)
	}
	return v, true, nil
}

// Elements returns a copy of the elements forwarded so far.
func (t *Traced) Elements() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.elements))
	copy(out, t.elements)
	return out
}

// Exhausted reports whether the underlying sequence has ended.
func (t *Traced) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exhausted
}

// MarshalJSON records the elements consumed so far.
func (t *Traced) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(map[string]any{
		"stream":    true,
		"elements":  t.elements,
		"dropped":   t.dropped,
		"exhausted": t.exhausted,
	})
}

// Collect drains a sequence into a slice.
func Collect(ctx context.Context, seq Sequence) ([]any, error) {
	var out []any
	for {
		v, ok, err := seq.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
