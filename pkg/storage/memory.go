package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// MemoryStorage keeps encoded records in memory, keyed by their path.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string][]byte
	closed  bool
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string][]byte)}
}

func (m *MemoryStorage) PersistNodeRun(_ context.Context, info *run.RunInfo) error {
	data, err := encodeNode(info)
	if err != nil {
		return err
	}
	return m.put(NodePath(info), data)
}

func (m *MemoryStorage) PersistLineRun(_ context.Context, result *run.LineResult) error {
	data, err := encodeLine(result)
	if err != nil {
		return err
	}
	return m.put(LinePath(result.Index()), data)
}

func (m *MemoryStorage) put(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[key] = data
	return nil
}

// Get returns the record stored at path.
func (m *MemoryStorage) Get(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[path]
	return data, ok
}

// Paths returns every stored path in sorted order.
func (m *MemoryStorage) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.records))
	for p := range m.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close rejects further writes.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
