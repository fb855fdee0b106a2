package batch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
)

// Defaults for coordinator settings.
const (
	DefaultQueueSize         = 1024
	DefaultHeartbeatInterval = time.Second
)

// Config holds coordinator settings.
type Config struct {
	// RunID identifies the batch. Line and node run ids derive from it.
	RunID string

	WorkerCount int
	LineTimeout time.Duration

	// BatchTimeout bounds the batch. The remaining batch time shortens each
	// line timeout and lines dispatched after expiry fail without running.
	BatchTimeout time.Duration

	// QueueSize bounds submitted lines waiting to reach the dispatcher.
	QueueSize int

	// HeartbeatInterval is how often live workers report. A worker silent
	// for three intervals is treated as crashed.
	HeartbeatInterval time.Duration

	Scheduler scheduler.Config
}

// DefaultConfig returns a configuration with engine defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:       concurrency.DefaultWorkerCount,
		LineTimeout:       concurrency.DefaultLineTimeout,
		QueueSize:         DefaultQueueSize,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Scheduler:         scheduler.DefaultConfig(),
	}
}

// ConfigFrom maps the environment-driven engine configuration onto a
// coordinator configuration.
func ConfigFrom(c *concurrency.Config, runID string) Config {
	cfg := DefaultConfig()
	cfg.RunID = runID
	cfg.WorkerCount = c.WorkerCount
	cfg.LineTimeout = c.LineTimeout
	cfg.BatchTimeout = c.BatchTimeout
	cfg.Scheduler.Concurrency = c.NodeConcurrency
	cfg.Scheduler.FailFast = c.FailFast
	return cfg
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.RunID == "" {
		return errors.New("run id cannot be empty")
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = concurrency.DefaultWorkerCount
	}
	if c.LineTimeout <= 0 {
		c.LineTimeout = concurrency.DefaultLineTimeout
	}
	if c.BatchTimeout < 0 {
		c.BatchTimeout = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	c.Scheduler.Validate()
	return nil
}

// Sink receives node and line run records.
type Sink interface {
	scheduler.NodeSink
	PersistLineRun(ctx context.Context, result *run.LineResult) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCache enables node result reuse across all workers.
func WithCache(manager *cache.Manager, persister *cache.Persister) Option {
	return func(c *Coordinator) {
		c.cache = manager
		c.persister = persister
	}
}

// WithSink sets where run records are emitted.
func WithSink(sink Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(c *Coordinator) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer("daedalus/batch")
}
