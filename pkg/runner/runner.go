// Package runner executes a flow over a JSONL dataset. It reads every record,
// maps it onto the flow inputs, submits the lines to a batch coordinator and
// writes the outputs of completed lines as JSONL ordered by line number.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/batch"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/run"
)

// LineNumberKey is the field added to every output record.
const LineNumberKey = "line_number"

// maxRecordSize bounds one dataset record.
const maxRecordSize = 16 * 1024 * 1024

// Coordinator is the batch engine the runner drives.
type Coordinator interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, inputs map[string]any, lineNumber int) (*batch.Handle, error)
	Finalize(ctx context.Context) (*run.BatchResult, error)
	Shutdown(ctx context.Context) error
	Cancel()
}

// Runner feeds a dataset through a coordinator.
type Runner struct {
	coord           Coordinator
	mapping         map[string]string
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewRunner creates a runner for an unstarted coordinator.
// mapping maps flow input names to "${data.<column>}" references or
// literals. An empty mapping passes every record through unchanged.
// tracingConfig is optional. When set, tracing is configured here and shut
// down by Close.
func NewRunner(coord Coordinator, mapping map[string]string, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if coord == nil {
		return nil, errors.New("coordinator cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	for input, ref := range mapping {
		if _, ok, err := parseDataRef(ref); ok && err != nil {
			return nil, derrors.Validation("invalid mapping for input '%s': %v", input, err)
		}
	}

	r := &Runner{
		coord:   coord,
		mapping: mapping,
		logger:  logger,
		tracer:  otel.Tracer("daedalus/runner"),
	}

	if tracingConfig != nil {
		shutdown, err := internaltracing.SetupTracing(context.Background(), tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			r.tracingShutdown = shutdown
		}
	}
	return r, nil
}

// Close releases the tracing provider when the runner set one up.
func (r *Runner) Close() error {
	if r.tracingShutdown == nil {
		return nil
	}
	return internaltracing.ShutdownTracing(r.tracingShutdown, r.logger)
}

// Run executes every record of dataset and writes one JSON object per
// completed line to output. Lines are numbered from zero in dataset order.
// Cancelling ctx cancels the batch; lines not yet finished are reported
// Canceled in the returned result.
func (r *Runner) Run(ctx context.Context, dataset io.Reader, output io.Writer) (*run.BatchResult, error) {
	ctx, span := r.tracer.Start(ctx, "runner.run")
	defer span.End()

	records, err := ReadDataset(dataset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	lines := make([]map[string]any, len(records))
	for i, rec := range records {
		lines[i] = r.mapInputs(rec)
	}
	span.SetAttributes(attribute.Int("dataset.lines", len(lines)))

	if err := r.coord.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.coord.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("Coordinator shutdown incomplete", zap.Error(err))
		}
	}()

	if ctx.Err() != nil {
		r.coord.Cancel()
	}
	stop := context.AfterFunc(ctx, r.coord.Cancel)
	defer stop()

	start := time.Now()
	r.logger.Info("Submitting dataset", zap.Int("lines", len(lines)))
	for i, inputs := range lines {
		// Submission only blocks on a full queue. A cancelled batch still
		// accepts lines and reports them Canceled.
		if _, err := r.coord.Submit(context.WithoutCancel(ctx), inputs, i); err != nil {
			return nil, fmt.Errorf("failed to submit line %d: %w", i, err)
		}
	}

	result, err := r.coord.Finalize(context.WithoutCancel(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}

	if output != nil {
		if err := WriteOutputs(output, result.LineResults); err != nil {
			return result, err
		}
	}

	span.SetAttributes(
		attribute.String("batch.status", result.Status.String()),
		attribute.Int("batch.completed", result.CompletedLines),
		attribute.Int("batch.failed", result.FailedLines),
	)
	if result.Status != run.StatusCompleted {
		span.SetStatus(codes.Error, result.Summary())
	} else {
		span.SetStatus(codes.Ok, "batch completed")
	}

	r.logger.Info("Dataset processed",
		zap.String("run_id", result.RunID),
		zap.String("status", result.Status.String()),
		zap.Int("completed", result.CompletedLines),
		zap.Int("failed", result.FailedLines),
		zap.Ints("failed_lines", result.FailedIndexes()),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// mapInputs applies the input mapping to one record.
func (r *Runner) mapInputs(record map[string]any) map[string]any {
	if len(r.mapping) == 0 {
		return record
	}
	inputs := make(map[string]any, len(r.mapping))
	for input, ref := range r.mapping {
		column, isRef, _ := parseDataRef(ref)
		if !isRef {
			inputs[input] = ref
			continue
		}
		// Missing columns are left to the flow's input defaults.
		if v, ok := record[column]; ok {
			inputs[input] = v
		}
	}
	return inputs
}

// parseDataRef reports whether ref is a "${data.<column>}" reference and
// returns the column.
func parseDataRef(ref string) (column string, isRef bool, err error) {
	if !strings.HasPrefix(ref, "${") || !strings.HasSuffix(ref, "}") {
		return "", false, nil
	}
	body := strings.TrimSuffix(strings.TrimPrefix(ref, "${"), "}")
	column, found := strings.CutPrefix(body, "data.")
	if !found || column == "" {
		return "", true, fmt.Errorf("unsupported reference %q, expected ${data.<column>}", ref)
	}
	return column, true, nil
}

// ReadDataset parses JSONL records. Blank lines are skipped and every other
// line must hold a JSON object.
func ReadDataset(reader io.Reader) ([]map[string]any, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	var records []map[string]any
	row := 0
	for scanner.Scan() {
		row++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, derrors.Validation("dataset row %d is not a JSON object: %v", row, err)
		}
		if rec == nil {
			return nil, derrors.Validation("dataset row %d is not a JSON object", row)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	return records, nil
}

// WriteOutputs writes the output of every completed line, ordered by line
// number, with the line number added under LineNumberKey.
func WriteOutputs(w io.Writer, results []*run.LineResult) error {
	completed := make([]*run.LineResult, 0, len(results))
	for _, res := range results {
		if res != nil && res.Status() == run.StatusCompleted {
			completed = append(completed, res)
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].Index() < completed[j].Index() })

	bw := bufio.NewWriter(w)
	for _, res := range completed {
		record := make(map[string]any, len(res.Output)+1)
		for k, v := range res.Output {
			record[k] = v
		}
		record[LineNumberKey] = res.Index()
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode output of line %d: %w", res.Index(), err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write output of line %d: %w", res.Index(), err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write outputs: %w", err)
	}
	return nil
}
