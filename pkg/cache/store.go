package cache

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by stores when no record exists for a key.
	ErrNotFound = errors.New("cache record not found")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("cache record corrupt")
)

// Store persists cache records.
type Store interface {
	Get(ctx context.Context, key Key) (*Record, error)
	Put(ctx context.Context, record *Record) error
	Delete(ctx context.Context, key Key) error
	Close() error
}

// MemoryStore keeps encoded records in a map. Records are stored encoded so
// a hit returns the same shape of output as a persistent store would.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key][]byte
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	data, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeRecord(data)
}

func (s *MemoryStore) Put(ctx context.Context, record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[record.HashID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// putRaw stores bytes as-is; used to simulate corruption in tests.
func (s *MemoryStore) putRaw(key Key, data []byte) {
	s.mu.Lock()
	s.records[key] = data
	s.mu.Unlock()
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
