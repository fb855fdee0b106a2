package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

func TestComputeKeyIsCanonical(t *testing.T) {
	a, err := ComputeKey("echo", "1", map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": 2}})
	require.NoError(t, err)
	b, err := ComputeKey("echo", "1", map[string]any{"a": map[string]any{"x": 2, "y": 1}, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.String(), 64)

	other, err := ComputeKey("echo", "2", map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": 2}})
	require.NoError(t, err)
	assert.NotEqual(t, a, other, "version is part of the key")

	tool, err := ComputeKey("upper", "1", map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": 2}})
	require.NoError(t, err)
	assert.NotEqual(t, a, tool, "tool identity is part of the key")

	empty, err := ComputeKey("echo", "1", nil)
	require.NoError(t, err)
	empty2, err := ComputeKey("echo", "1", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, empty, empty2)
}

func TestComputeKeyRejectsUnserializableInputs(t *testing.T) {
	_, err := ComputeKey("echo", "1", map[string]any{"fn": func() {}})
	assert.Error(t, err)
}

func TestManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), DefaultConfig(), nil)

	key, err := ComputeKey("echo", "1", map[string]any{"text": "hi"})
	require.NoError(t, err)

	_, ok := m.Lookup(ctx, key)
	assert.False(t, ok)

	info := &run.RunInfo{Node: "a", RunID: "r_a_0", FlowRunID: "r", Output: "HI", EndTime: time.Now()}
	require.NoError(t, m.Persist(ctx, info, key))

	record, ok := m.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "HI", record.Output)
	assert.Equal(t, "r_a_0", record.RunID)
	assert.Equal(t, "r", record.FlowRunID)
	assert.Equal(t, key, record.HashID)
}

func TestManagerCorruptRecordIsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, DefaultConfig(), nil)

	store.putRaw("broken", []byte("{not json"))
	_, ok := m.Lookup(ctx, "broken")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "corrupt record is deleted")
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Get(context.Context, Key) (*Record, error) { return nil, errors.New("disk gone") }
func (failingStore) Put(context.Context, *Record) error        { return errors.New("disk gone") }

func TestManagerStoreFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	m := NewManager(failingStore{NewMemoryStore()}, DefaultConfig(), nil)

	_, ok := m.Lookup(ctx, "k")
	assert.False(t, ok)

	err := m.Persist(ctx, &run.RunInfo{Node: "a", Output: 1}, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CacheError")
}

type blockingStore struct {
	*MemoryStore
	once    sync.Once
	entered chan struct{}
	unblock chan struct{}
}

func (s *blockingStore) Put(ctx context.Context, r *Record) error {
	s.once.Do(func() { close(s.entered) })
	<-s.unblock
	return s.MemoryStore.Put(ctx, r)
}

func TestManagerLockTimeout(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), unblock: make(chan struct{})}
	m := NewManager(store, Config{LockTimeout: 50 * time.Millisecond, MaxConcurrent: 1}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Persist(ctx, &run.RunInfo{Node: "a", Output: 1}, "k")
	}()
	<-store.entered

	start := time.Now()
	_, ok := m.Lookup(ctx, "k")
	assert.False(t, ok, "lock timeout is a miss")
	assert.Less(t, time.Since(start), time.Second)

	close(store.unblock)
	wg.Wait()

	_, ok = m.Lookup(ctx, "k")
	assert.True(t, ok)
}

type point struct {
	X, Y int
}

func TestManagerSkipsOutputsChangedByEncoding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, DefaultConfig(), nil)

	tests := []struct {
		name   string
		output any
		stored bool
	}{
		{"string", "HI", true},
		{"float", 1.5, true},
		{"nil", nil, true},
		{"generic map", map[string]any{"a": []any{"x", 2.0, true}}, true},
		{"int64 beyond float precision", int64(9007199254740993), false},
		{"int", 3, false},
		{"struct", point{X: 1, Y: 2}, false},
		{"typed slice", []string{"a", "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ComputeKey("echo", "1", map[string]any{"case": tt.name})
			require.NoError(t, err)
			require.NoError(t, m.Persist(ctx, &run.RunInfo{Node: "a", Output: tt.output}, key))

			record, ok := m.Lookup(ctx, key)
			assert.Equal(t, tt.stored, ok)
			if ok {
				assert.Equal(t, tt.output, record.Output)
			}
		})
	}
}

func TestBadgerStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenBadgerStore(DefaultBadgerConfig(dir), nil)
	require.NoError(t, err)

	record := &Record{HashID: "abc", Output: map[string]any{"answer": "42"}, RunID: "r_a_0", FlowRunID: "r", Timestamp: time.Now().UTC()}
	require.NoError(t, store.Put(ctx, record))
	require.NoError(t, store.Close())

	reopened, err := OpenBadgerStore(DefaultBadgerConfig(dir), nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": "42"}, got.Output)
	assert.Equal(t, "r_a_0", got.RunID)

	_, err = reopened.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, reopened.Delete(ctx, "abc"))
	_, err = reopened.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStoreInMemory(t *testing.T) {
	store, err := OpenBadgerStore(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(context.Background(), &Record{HashID: "k", Output: "v"}))
	got, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Output)
}

func TestOpenBadgerStoreRequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{}, nil)
	assert.Error(t, err)
}

func TestPersisterFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPersister(NewManager(store, DefaultConfig(), nil), 16, nil)

	for i := 0; i < 10; i++ {
		key, err := ComputeKey("echo", "1", map[string]any{"i": i})
		require.NoError(t, err)
		assert.True(t, p.Enqueue(&run.RunInfo{Node: "a", Output: float64(i)}, key))
	}
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 10, store.Len())

	require.NoError(t, p.Close(ctx))
	assert.False(t, p.Enqueue(&run.RunInfo{Node: "a"}, "late"))
}

func TestPersisterDropsWhenFull(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), unblock: make(chan struct{})}
	p := NewPersister(NewManager(store, DefaultConfig(), nil), 1, nil)

	assert.True(t, p.Enqueue(&run.RunInfo{Node: "a"}, "k1"))
	<-store.entered
	assert.True(t, p.Enqueue(&run.RunInfo{Node: "b"}, "k2"))
	assert.False(t, p.Enqueue(&run.RunInfo{Node: "c"}, "k3"), "queue full")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Flush(ctx), context.DeadlineExceeded)

	close(store.unblock)
	require.NoError(t, p.Close(context.Background()))
}
