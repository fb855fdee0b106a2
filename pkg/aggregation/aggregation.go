// Package aggregation runs a flow's aggregation nodes once per batch over the
// columnized outputs of every line.
package aggregation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
)

// Columnize transposes the results of completed lines into columns ordered
// by line index. Lines in any other status are left out, so every column
// holds one value per completed line. Keys missing from a completed line
// hold nil in that line's slot.
func Columnize(results []*run.LineResult) (batchInputs, aggregationInputs map[string][]any) {
	sorted := make([]*run.LineResult, 0, len(results))
	for _, r := range results {
		if r != nil && r.Status() == run.StatusCompleted {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index() < sorted[j].Index() })

	inputKeys := map[string]struct{}{}
	aggKeys := map[string]struct{}{}
	for _, r := range sorted {
		for k := range r.RunInfo.Inputs {
			inputKeys[k] = struct{}{}
		}
		for k := range r.AggregationInputs {
			aggKeys[k] = struct{}{}
		}
	}

	batchInputs = make(map[string][]any, len(inputKeys))
	for k := range inputKeys {
		column := make([]any, len(sorted))
		for i, r := range sorted {
			column[i] = r.RunInfo.Inputs[k]
		}
		batchInputs[k] = column
	}

	aggregationInputs = make(map[string][]any, len(aggKeys))
	for k := range aggKeys {
		column := make([]any, len(sorted))
		for i, r := range sorted {
			column[i] = r.AggregationInputs[k]
		}
		aggregationInputs[k] = column
	}
	return batchInputs, aggregationInputs
}

// Validate checks that no key appears in both maps and that every column
// has the same length.
func Validate(batchInputs, aggregationInputs map[string][]any) error {
	for _, key := range sortedKeys(batchInputs) {
		if _, ok := aggregationInputs[key]; ok {
			return derrors.NewError(derrors.CodeAggregation, fmt.Sprintf(
				"the input for aggregation is incorrect: the input '%s' appears in both batch inputs and aggregation inputs", key), nil)
		}
	}

	length, first := -1, ""
	check := func(kind string, columns map[string][]any) error {
		for _, key := range sortedKeys(columns) {
			n := len(columns[key])
			if length < 0 {
				length, first = n, key
				continue
			}
			if n != length {
				return derrors.NewError(derrors.CodeAggregation, fmt.Sprintf(
					"the input for aggregation is incorrect: %s '%s' has %d values but '%s' has %d",
					kind, key, n, first, length), nil)
			}
		}
		return nil
	}
	if err := check("batch input", batchInputs); err != nil {
		return err
	}
	return check("aggregation input", aggregationInputs)
}

// Stage executes aggregation nodes through a scheduler.
type Stage struct {
	flow      *flow.Flow
	flowID    string
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewStage creates an aggregation stage for a flow.
func NewStage(f *flow.Flow, sched *scheduler.Scheduler, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{flow: f, flowID: f.ID, scheduler: sched, logger: logger}
}

// Run executes the aggregation nodes once. It is a no-op for flows without
// aggregation nodes. Failures are reported on the result and never touch
// line results.
func (s *Stage) Run(ctx context.Context, runID string, batchInputs, aggregationInputs map[string][]any) (result *run.AggregationResult) {
	result = &run.AggregationResult{
		Output:       map[string]any{},
		Metrics:      map[string]any{},
		NodeRunInfos: map[string]*run.RunInfo{},
	}
	if !s.flow.HasAggregation() {
		return result
	}
	if err := Validate(batchInputs, aggregationInputs); err != nil {
		result.Error = run.NewErrorPayload(err)
		return result
	}

	inputs, lines := s.withDefaults(batchInputs, aggregationInputs)
	columns := make(map[string]any, len(aggregationInputs))
	for k, v := range aggregationInputs {
		columns[k] = v
	}
	for _, ref := range flow.LineReferences(s.flow) {
		if _, ok := columns[ref.String()]; !ok {
			columns[ref.String()] = make([]any, lines)
		}
	}
	aggNodes := s.flow.AggregationNodes()
	nodes := make([]*flow.Node, 0, len(aggNodes))
	for _, n := range aggNodes {
		nodes = append(nodes, n.Substitute(columns))
	}

	var mu sync.Mutex
	ctx = run.WithMetricLogger(ctx, func(key string, value any) {
		mu.Lock()
		defer mu.Unlock()
		result.Metrics[key] = value
	})

	defer func() {
		if r := recover(); r != nil {
			err := derrors.NewError(derrors.CodeAggregation, "aggregation node crashed", fmt.Errorf("%v", r))
			s.logger.Error("aggregation crashed", zap.String("run_id", runID), zap.Error(err))
			result.Error = run.NewErrorPayload(err)
		}
	}()

	start := time.Now()
	line := s.scheduler.Execute(ctx, scheduler.LineRequest{
		RunID:       runID,
		FlowID:      s.flowID,
		LineNumber:  -1,
		Inputs:      inputs,
		Flow:        s.flow,
		Nodes:       nodes,
		Aggregation: true,
	})

	result.Output = line.Output
	result.NodeRunInfos = line.NodeRunInfos
	if line.Status() != run.StatusCompleted {
		cause := line.RunInfo.Error
		msg := "aggregation failed"
		if cause != nil {
			msg = fmt.Sprintf("aggregation failed: %s", cause.Message)
		}
		result.Error = &run.ErrorPayload{Code: derrors.CodeAggregation, Message: msg}
		if cause != nil {
			result.Error.Node = cause.Node
			result.Error.Type = cause.Code
		}
		s.logger.Warn("aggregation failed", zap.String("run_id", runID), zap.String("error", msg))
		return result
	}

	s.logger.Info("aggregation completed",
		zap.String("run_id", runID),
		zap.Int("nodes", len(line.NodeRunInfos)),
		zap.Duration("duration", time.Since(start)))
	return result
}

// withDefaults fills declared flow inputs missing from the batch columns with
// their default repeated once per line. It also returns the line count.
func (s *Stage) withDefaults(batchInputs, aggregationInputs map[string][]any) (map[string]any, int) {
	lines := 0
	for _, columns := range []map[string][]any{batchInputs, aggregationInputs} {
		for _, key := range sortedKeys(columns) {
			lines = len(columns[key])
			break
		}
		if lines > 0 {
			break
		}
	}

	inputs := make(map[string]any, len(batchInputs))
	for k, v := range batchInputs {
		inputs[k] = v
	}
	for name, def := range s.flow.Inputs {
		if _, ok := inputs[name]; ok || !def.HasDefault {
			continue
		}
		column := make([]any, lines)
		for i := range column {
			column[i] = def.Default
		}
		inputs[name] = column
	}
	return inputs, lines
}

func sortedKeys(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
