// Package reporting sends batch-level failures to Sentry. A Reporter without
// a DSN only logs.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/run"
)

// Config holds the Sentry client settings.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// Reporter captures errors on its own hub.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New creates a reporter. An empty DSN yields a log-only reporter.
func New(cfg Config, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return &Reporter{logger: logger}, nil
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	return newReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
	}, logger)
}

func newReporter(opts sentry.ClientOptions, logger *zap.Logger) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Enabled reports whether events are sent to Sentry.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Report captures err with the given tags. The error code and node, when
// known, are added as tags.
func (r *Reporter) Report(_ context.Context, err error, tags map[string]string) {
	if r == nil || err == nil {
		return
	}
	code := derrors.Code(err)
	r.logger.Error("batch failure",
		zap.String("code", code),
		zap.Any("tags", tags),
		zap.Error(err))
	if r.hub == nil {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_code", code)
		if node := derrors.NodeOf(err); node != "" {
			scope.SetTag("node", node)
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		r.hub.CaptureException(err)
	})
}

// ReportBatch reports the batch-level failures of a finished batch. Line
// failures are part of the result and are not reported.
func (r *Reporter) ReportBatch(ctx context.Context, result *run.BatchResult) {
	if result == nil || !result.Aggregation.Failed() {
		return
	}
	payload := result.Aggregation.Error
	err := derrors.NewError(derrors.CodeAggregation, payload.Message, nil).WithNode(payload.Node)
	r.Report(ctx, err, map[string]string{"run_id": result.RunID, "stage": "aggregation"})
}

// Flush waits for queued events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
