// Package metrics defines the engine's metrics hooks with Prometheus, in-memory
// and no-op implementations.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// Collector receives engine events.
type Collector interface {
	// NodeFinished records a node reaching a terminal status.
	NodeFinished(tool string, status run.Status, duration time.Duration)
	// CacheLookup records a cache hit or miss for a tool.
	CacheLookup(tool string, hit bool)
	// LineFinished records a line reaching a terminal status.
	LineFinished(status run.Status, duration time.Duration)
	// WorkerReplaced records a worker being torn down and replaced.
	WorkerReplaced(reason string)
	// QueueDepth reports the number of lines waiting for a worker.
	QueueDepth(depth int)
}

// Snapshot is a point-in-time view of an in-memory collector.
type Snapshot struct {
	NodesCompleted   int64 `json:"nodes_completed"`
	NodesFailed      int64 `json:"nodes_failed"`
	NodesBypassed    int64 `json:"nodes_bypassed"`
	NodesCanceled    int64 `json:"nodes_canceled"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	LinesCompleted   int64 `json:"lines_completed"`
	LinesFailed      int64 `json:"lines_failed"`
	WorkersReplaced  int64 `json:"workers_replaced"`
	NodeTimeNs       int64 `json:"node_time_ns"`
	LineTimeNs       int64 `json:"line_time_ns"`
	CurrentQueueSize int64 `json:"current_queue_size"`
}

// InMemory counts events with atomics.
type InMemory struct {
	nodesCompleted  atomic.Int64
	nodesFailed     atomic.Int64
	nodesBypassed   atomic.Int64
	nodesCanceled   atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	linesCompleted  atomic.Int64
	linesFailed     atomic.Int64
	workersReplaced atomic.Int64
	nodeTime        atomic.Int64
	lineTime        atomic.Int64
	queue           atomic.Int64
}

// NewInMemory creates an in-memory collector.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (m *InMemory) NodeFinished(tool string, status run.Status, duration time.Duration) {
	switch status {
	case run.StatusCompleted:
		m.nodesCompleted.Add(1)
	case run.StatusFailed:
		m.nodesFailed.Add(1)
	case run.StatusBypassed:
		m.nodesBypassed.Add(1)
	case run.StatusCanceled:
		m.nodesCanceled.Add(1)
	}
	m.nodeTime.Add(int64(duration))
}

func (m *InMemory) CacheLookup(tool string, hit bool) {
	if hit {
		m.cacheHits.Add(1)
	} else {
		m.cacheMisses.Add(1)
	}
}

func (m *InMemory) LineFinished(status run.Status, duration time.Duration) {
	if status == run.StatusCompleted {
		m.linesCompleted.Add(1)
	} else {
		m.linesFailed.Add(1)
	}
	m.lineTime.Add(int64(duration))
}

func (m *InMemory) WorkerReplaced(reason string) {
	m.workersReplaced.Add(1)
}

func (m *InMemory) QueueDepth(depth int) {
	m.queue.Store(int64(depth))
}

// Snapshot returns the current counters.
func (m *InMemory) Snapshot() Snapshot {
	return Snapshot{
		NodesCompleted:   m.nodesCompleted.Load(),
		NodesFailed:      m.nodesFailed.Load(),
		NodesBypassed:    m.nodesBypassed.Load(),
		NodesCanceled:    m.nodesCanceled.Load(),
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		LinesCompleted:   m.linesCompleted.Load(),
		LinesFailed:      m.linesFailed.Load(),
		WorkersReplaced:  m.workersReplaced.Load(),
		NodeTimeNs:       m.nodeTime.Load(),
		LineTimeNs:       m.lineTime.Load(),
		CurrentQueueSize: m.queue.Load(),
	}
}

// AverageLineTime returns the mean wall time of finished lines.
func (m *InMemory) AverageLineTime() time.Duration {
	lines := m.linesCompleted.Load() + m.linesFailed.Load()
	if lines == 0 {
		return 0
	}
	return time.Duration(m.lineTime.Load() / lines)
}

// CacheHitRate returns the cache hit percentage.
func (m *InMemory) CacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

var _ Collector = (*InMemory)(nil)

// NoOp discards every event.
type NoOp struct{}

func (NoOp) NodeFinished(string, run.Status, time.Duration) {}
func (NoOp) CacheLookup(string, bool)                       {}
func (NoOp) LineFinished(run.Status, time.Duration)         {}
func (NoOp) WorkerReplaced(string)                          {}
func (NoOp) QueueDepth(int)                                 {}

var _ Collector = NoOp{}

// Multi fans events out to several collectors.
type Multi []Collector

func (m Multi) NodeFinished(tool string, status run.Status, d time.Duration) {
	for _, c := range m {
		c.NodeFinished(tool, status, d)
	}
}

func (m Multi) CacheLookup(tool string, hit bool) {
	for _, c := range m {
		c.CacheLookup(tool, hit)
	}
}

func (m Multi) LineFinished(status run.Status, d time.Duration) {
	for _, c := range m {
		c.LineFinished(status, d)
	}
}

func (m Multi) WorkerReplaced(reason string) {
	for _, c := range m {
		c.WorkerReplaced(reason)
	}
}

func (m Multi) QueueDepth(depth int) {
	for _, c := range m {
		c.QueueDepth(depth)
	}
}

var _ Collector = Multi(nil)
