package run

import "context"

type metricLoggerKey struct{}

// MetricLogger receives metrics logged by tools.
type MetricLogger func(key string, value any)

// WithMetricLogger attaches a metric logger to ctx.
func WithMetricLogger(ctx context.Context, logger MetricLogger) context.Context {
	return context.WithValue(ctx, metricLoggerKey{}, logger)
}

// LogMetric records a metric on the logger attached to ctx, if any. Aggregation
// tools use it to report batch-level metrics.
func LogMetric(ctx context.Context, key string, value any) {
	if logger, ok := ctx.Value(metricLoggerKey{}).(MetricLogger); ok && logger != nil {
		logger(key, value)
	}
}
