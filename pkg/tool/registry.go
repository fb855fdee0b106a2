package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps tool identifiers to registered implementations.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Register registers a tool under its own ID.
// A tool already registered under the same ID is replaced.
func (r *Registry) Register(t Tool, opts ...Option) {
	r.RegisterWithName(t, t.ID(), opts...)
}

// RegisterWithName registers a tool under an explicit name, e.g. a legacy alias.
func (r *Registry) RegisterWithName(t Tool, name string, opts ...Option) {
	entry := Entry{Tool: t, Version: "1"}
	for _, opt := range opts {
		opt(&entry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry
}

// Lookup returns the registration for a tool.
func (r *Registry) Lookup(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return entry, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns all registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Init initializes the named tools that implement Initializer. Each tool is
// initialized once even when several ids share it.
func (r *Registry) Init(ctx context.Context, ids []string, kwargs map[string]any) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		entry, err := r.Lookup(id)
		if err != nil {
			return err
		}
		if _, ok := seen[entry.Tool.ID()]; ok {
			continue
		}
		seen[entry.Tool.ID()] = struct{}{}
		initializer, ok := entry.Tool.(Initializer)
		if !ok {
			continue
		}
		if err := initializer.Init(ctx, kwargs); err != nil {
			return fmt.Errorf("failed to initialize tool '%s': %w", id, err)
		}
	}
	return nil
}
