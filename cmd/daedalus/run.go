package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

const (
	outputFile  = "output.jsonl"
	summaryFile = "summary.json"
)

type runFlags struct {
	flowFile     string
	workingDir   string
	dataFile     string
	outputDir    string
	runID        string
	workers      int
	lineTimeout  time.Duration
	batchTimeout time.Duration
	mapping      map[string]string
}

// summary is the batch result without per-line records.
type summary struct {
	RunID          string                 `json:"run_id"`
	Status         run.Status             `json:"status"`
	TotalLines     int                    `json:"total_lines"`
	CompletedLines int                    `json:"completed_lines"`
	FailedLines    int                    `json:"failed_lines"`
	Failures       []run.LineFailure      `json:"failures,omitempty"`
	Aggregation    *run.AggregationResult `json:"aggregation,omitempty"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	Stats          metrics.Snapshot       `json:"stats"`
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a flow over a JSONL dataset",
		Example: `  daedalus run --flow flow.yaml --data data.jsonl
  daedalus run --flow flow.yaml --data data.jsonl --map question='${data.q}' --workers 8`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, global, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.flowFile, "flow", "f", "", "flow definition file")
	cmd.Flags().StringVar(&flags.workingDir, "working-dir", "", "directory relative flow paths are resolved against")
	cmd.Flags().StringVarP(&flags.dataFile, "data", "d", "", "JSONL dataset")
	cmd.Flags().StringVarP(&flags.outputDir, "output", "o", "", "output directory (default .daedalus/runs/<run id>)")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "batch run id (default random)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "number of line workers (default from DAEDALUS_WORKER_COUNT)")
	cmd.Flags().DurationVar(&flags.lineTimeout, "line-timeout", 0, "timeout of a single line (default from DAEDALUS_LINE_TIMEOUT_SEC)")
	cmd.Flags().DurationVar(&flags.batchTimeout, "batch-timeout", 0, "timeout of the whole batch (default from DAEDALUS_BATCH_TIMEOUT_SEC)")
	cmd.Flags().StringToStringVar(&flags.mapping, "map", nil, "flow input mapping, input='${data.column}'")
	_ = cmd.MarkFlagRequired("flow")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func runBatch(cmd *cobra.Command, global *globalFlags, flags *runFlags) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, global)
	if err != nil {
		return err
	}
	defer a.close()

	f, err := loadFlow(a.registry, flags.workingDir, flags.flowFile)
	if err != nil {
		a.reporter.Report(ctx, err, map[string]string{"command": "run"})
		return err
	}
	if err := initTools(ctx, a.registry, f, nil); err != nil {
		return err
	}

	runID := flags.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	outputDir := flags.outputDir
	if outputDir == "" {
		outputDir = filepath.Join(".daedalus", "runs", runID)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	cfg := batch.ConfigFrom(a.engine, runID)
	if flags.workers > 0 {
		cfg.WorkerCount = flags.workers
	}
	if flags.lineTimeout > 0 {
		cfg.LineTimeout = flags.lineTimeout
	}
	if flags.batchTimeout > 0 {
		cfg.BatchTimeout = flags.batchTimeout
	}

	sink, err := storage.Open(ctx, outputDir, a.cfg.Storage, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open run storage: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			a.logger.Warn("failed to close run storage", zap.Error(err))
		}
		if dropped := sink.Dropped(); dropped > 0 {
			a.logger.Warn("run records were dropped", zap.Int64("dropped", dropped))
		}
	}()

	stats := metrics.NewInMemory()
	opts := []batch.Option{
		batch.WithLogger(a.logger),
		batch.WithMetrics(metrics.Multi{a.metrics, stats}),
		batch.WithSink(sink),
	}
	if a.cache != nil {
		opts = append(opts, batch.WithCache(a.cache, a.persister))
	}
	coord, err := batch.New(f, a.registry, cfg, opts...)
	if err != nil {
		return err
	}

	r, err := runner.NewRunner(coord, flags.mapping, a.logger, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	data, err := os.Open(flags.dataFile)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer data.Close()

	out, err := os.Create(filepath.Join(outputDir, outputFile))
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	result, err := r.Run(ctx, data, out)
	if err != nil {
		a.reporter.Report(ctx, err, map[string]string{"command": "run", "run_id": runID})
		return err
	}
	a.reporter.ReportBatch(ctx, result)

	if err := writeSummary(filepath.Join(outputDir, summaryFile), result, stats.Snapshot()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s %s: %s\noutputs: %s\n",
		result.RunID, result.Status, result.Summary(), outputDir)
	a.logger.Info("batch stats",
		zap.Duration("avg_line_time", stats.AverageLineTime()),
		zap.Float64("cache_hit_rate", stats.CacheHitRate()))

	if result.Aggregation.Failed() {
		return fmt.Errorf("aggregation failed: %s", result.Aggregation.Error.Message)
	}
	return nil
}

func writeSummary(path string, result *run.BatchResult, stats metrics.Snapshot) error {
	data, err := json.MarshalIndent(summary{
		RunID:          result.RunID,
		Status:         result.Status,
		TotalLines:     result.TotalLines,
		CompletedLines: result.CompletedLines,
		FailedLines:    result.FailedLines,
		Failures:       result.Failures,
		Aggregation:    result.Aggregation,
		StartTime:      result.StartTime,
		EndTime:        result.EndTime,
		Stats:          stats,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
