package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

const namespace = "daedalus"

// Prometheus exports engine events as Prometheus metrics.
type Prometheus struct {
	nodes          *prometheus.HistogramVec
	cache          *prometheus.CounterVec
	lines          *prometheus.HistogramVec
	workerReplaced *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

// NewPrometheus registers the engine metrics on reg. A nil registerer uses
// the default Prometheus registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Prometheus{
		nodes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node run duration by tool and terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"tool", "status"}),
		cache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tool and result.",
		}, []string{"tool", "result"}),
		lines: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "line_duration_seconds",
			Help:      "Line run duration by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status"}),
		workerReplaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_replaced_total",
			Help:      "Workers torn down and replaced, by reason.",
		}, []string{"reason"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "line_queue_depth",
			Help:      "Lines waiting for a worker.",
		}),
	}
}

func (p *Prometheus) NodeFinished(tool string, status run.Status, duration time.Duration) {
	p.nodes.WithLabelValues(tool, status.String()).Observe(duration.Seconds())
}

func (p *Prometheus) CacheLookup(tool string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cache.WithLabelValues(tool, result).Inc()
}

func (p *Prometheus) LineFinished(status run.Status, duration time.Duration) {
	p.lines.WithLabelValues(status.String()).Observe(duration.Seconds())
}

func (p *Prometheus) WorkerReplaced(reason string) {
	p.workerReplaced.WithLabelValues(reason).Inc()
}

func (p *Prometheus) QueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

var _ Collector = (*Prometheus)(nil)
