package scheduler

import (
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
)

// DefaultTraceLimit is the number of streamed elements kept per node run.
const DefaultTraceLimit = 100

// Config holds scheduler settings.
type Config struct {
	// Concurrency bounds concurrent tool invocations within one line.
	Concurrency int

	// FailFast bypasses the dependents of a failed node with an error naming
	// the failed upstream node. When false, dependents are still bypassed
	// but carry no error.
	FailFast bool

	// NodeTimeout bounds each tool invocation unless the node sets its own.
	// Zero disables the node timeout.
	NodeTimeout time.Duration

	// TraceLimit bounds the streamed elements recorded per node run.
	TraceLimit int
}

// DefaultConfig returns a fail-fast configuration sized to the CPU count.
func DefaultConfig() Config {
	return Config{
		Concurrency: runtime.NumCPU(),
		FailFast:    true,
		TraceLimit:  DefaultTraceLimit,
	}
}

// Validate applies defaults to unset fields.
func (c *Config) Validate() {
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.NumCPU()
	}
	if c.TraceLimit == 0 {
		c.TraceLimit = DefaultTraceLimit
	}
	if c.NodeTimeout < 0 {
		c.NodeTimeout = 0
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCache enables result reuse. The persister, when set, writes records in
// the background; otherwise writes happen inline.
func WithCache(manager *cache.Manager, persister *cache.Persister) Option {
	return func(s *Scheduler) {
		s.cache = manager
		s.persister = persister
	}
}

// WithSink sets where node run records are emitted.
func WithSink(sink NodeSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(s *Scheduler) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// WithTracer sets the tracer used for line and node spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithLimiter shares a limiter instead of creating one from Concurrency.
func WithLimiter(limiter *concurrency.Limiter) Option {
	return func(s *Scheduler) {
		if limiter != nil {
			s.limiter = limiter
		}
	}
}

// WithHeartbeat calls fn every interval while the scheduling loop is alive
// and after every node completion. A loop blocked outside its select stops
// beating.
func WithHeartbeat(interval time.Duration, fn func()) Option {
	return func(s *Scheduler) {
		if fn != nil && interval > 0 {
			s.heartbeat = fn
			s.heartbeatInterval = interval
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer("daedalus/scheduler")
}
