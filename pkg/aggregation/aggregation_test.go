package aggregation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
	"github.com/wehubfusion/Daedalus/pkg/tool"
)

func registry() *tool.Registry {
	r := tool.NewRegistry()
	r.Register(tool.NewFunc("echo", func(ctx context.Context, in map[string]any) (any, error) {
		return in["x"], nil
	}))
	r.Register(tool.NewFunc("sum", func(ctx context.Context, in map[string]any) (any, error) {
		values, ok := in["values"].([]any)
		if !ok {
			return nil, fmt.Errorf("values must be a list, got %T", in["values"])
		}
		total, count := 0, 0
		for _, v := range values {
			if n, ok := v.(int); ok {
				total += n
				count++
			}
		}
		run.LogMetric(ctx, "count", count)
		return total, nil
	}))
	r.Register(tool.NewFunc("explode", func(ctx context.Context, in map[string]any) (any, error) {
		panic("exploded")
	}))
	r.Register(tool.NewFunc("reject", func(ctx context.Context, in map[string]any) (any, error) {
		return nil, errors.New("rejected")
	}))
	return r
}

func sumFlow(aggTool string) *flow.Flow {
	return &flow.Flow{
		ID: "sum-flow",
		Nodes: []*flow.Node{
			{Name: "score", Tool: "echo", Inputs: map[string]flow.InputAssignment{"x": flow.FlowInput("v")}},
			{Name: "sum", Tool: aggTool, Aggregation: true,
				Inputs: map[string]flow.InputAssignment{"values": flow.NodeOutput("score")}},
		},
		Outputs: map[string]flow.OutputDefinition{
			"score": {Reference: flow.NodeOutput("score")},
			"total": {Reference: flow.NodeOutput("sum")},
		},
	}
}

func executeLines(t *testing.T, s *scheduler.Scheduler, f *flow.Flow, values ...any) []*run.LineResult {
	t.Helper()
	results := make([]*run.LineResult, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		results = append(results, s.Execute(context.Background(), scheduler.LineRequest{
			RunID: "run", FlowID: f.ID, LineNumber: i, Flow: f,
			Inputs: map[string]any{"v": values[i]},
		}))
	}
	return results
}

func TestColumnizeAlignsByIndex(t *testing.T) {
	results := []*run.LineResult{
		{RunInfo: &run.FlowRunInfo{Index: 2, Status: run.StatusCompleted, Inputs: map[string]any{"v": 3}},
			AggregationInputs: map[string]any{"${a.output}": "c"}},
		{RunInfo: &run.FlowRunInfo{Index: 0, Status: run.StatusCompleted, Inputs: map[string]any{"v": 1, "extra": true}},
			AggregationInputs: map[string]any{"${a.output}": "a"}},
		{RunInfo: &run.FlowRunInfo{Index: 1, Status: run.StatusCompleted, Inputs: map[string]any{"v": 2}}},
	}

	batch, agg := Columnize(results)

	assert.Equal(t, []any{1, 2, 3}, batch["v"])
	assert.Equal(t, []any{true, nil, nil}, batch["extra"])
	assert.Equal(t, []any{"a", nil, "c"}, agg["${a.output}"])
}

func TestValidateRejectsOverlapAndRaggedColumns(t *testing.T) {
	err := Validate(map[string][]any{"k": {1}}, map[string][]any{"k": {1}})
	require.Error(t, err)
	assert.Equal(t, derrors.CodeAggregation, derrors.Code(err))
	assert.Contains(t, err.Error(), "'k' appears in both")

	err = Validate(map[string][]any{"a": {1, 2}}, map[string][]any{"b": {1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 1 values")

	assert.NoError(t, Validate(map[string][]any{"a": {1, 2}}, map[string][]any{"b": {3, 4}}))
}

func TestStageRunsAggregationOverLines(t *testing.T) {
	f := sumFlow("sum")
	s := scheduler.New(scheduler.DefaultConfig(), registry())
	lines := executeLines(t, s, f, 1, 2, 3)
	for _, l := range lines {
		require.Equal(t, run.StatusCompleted, l.Status())
		assert.NotContains(t, l.Output, "total")
	}

	batch, agg := Columnize(lines)
	result := NewStage(f, s, nil).Run(context.Background(), "run", batch, agg)

	require.False(t, result.Failed(), "%+v", result.Error)
	assert.Equal(t, map[string]any{"total": 6}, result.Output)
	assert.Equal(t, 3, result.Metrics["count"])
	require.Contains(t, result.NodeRunInfos, "sum")
	assert.Equal(t, "run_sum_reduce", result.NodeRunInfos["sum"].RunID)
	assert.Equal(t, []any{1, 2, 3}, result.NodeRunInfos["sum"].Inputs["values"])
}

func TestColumnizeSkipsLinesThatDidNotComplete(t *testing.T) {
	results := []*run.LineResult{
		{RunInfo: &run.FlowRunInfo{Index: 0, Status: run.StatusCompleted, Inputs: map[string]any{"v": 1}},
			AggregationInputs: map[string]any{"${a.output}": "a"}},
		{RunInfo: &run.FlowRunInfo{Index: 1, Status: run.StatusFailed, Inputs: map[string]any{"v": 2, "only_failed": true}},
			AggregationInputs: map[string]any{"${a.output}": "b"}},
		{RunInfo: &run.FlowRunInfo{Index: 2, Status: run.StatusCanceled, Inputs: map[string]any{"v": 3}}},
		{RunInfo: &run.FlowRunInfo{Index: 3, Status: run.StatusCompleted, Inputs: map[string]any{"v": 4}},
			AggregationInputs: map[string]any{"${a.output}": "d"}},
		nil,
	}

	batch, agg := Columnize(results)

	assert.Equal(t, []any{1, 4}, batch["v"])
	assert.NotContains(t, batch, "only_failed")
	assert.Equal(t, []any{"a", "d"}, agg["${a.output}"])
}

func TestStageExcludesFailedLine(t *testing.T) {
	f := sumFlow("sum")
	s := scheduler.New(scheduler.DefaultConfig(), registry())
	lines := executeLines(t, s, f, 1, 2)
	lines = append(lines, &run.LineResult{
		RunInfo:           &run.FlowRunInfo{Index: 2, Status: run.StatusFailed, Inputs: map[string]any{"v": 40}},
		AggregationInputs: map[string]any{"${score.output}": 40},
	})

	batch, agg := Columnize(lines)
	result := NewStage(f, s, nil).Run(context.Background(), "run", batch, agg)

	require.False(t, result.Failed(), "%+v", result.Error)
	assert.Equal(t, []any{1, 2}, batch["v"])
	assert.Equal(t, 3, result.Output["total"])
	assert.Equal(t, 2, result.Metrics["count"])
	assert.Len(t, result.NodeRunInfos["sum"].Inputs["values"], 2)
}

func TestStageWithoutAggregationNodesIsNoop(t *testing.T) {
	f := &flow.Flow{ID: "plain", Nodes: []*flow.Node{{Name: "a", Tool: "echo"}}}
	s := scheduler.New(scheduler.DefaultConfig(), registry())

	result := NewStage(f, s, nil).Run(context.Background(), "run", nil, nil)

	assert.False(t, result.Failed())
	assert.Empty(t, result.Output)
	assert.Empty(t, result.NodeRunInfos)
}

func TestStageReportsToolFailure(t *testing.T) {
	f := sumFlow("reject")
	s := scheduler.New(scheduler.DefaultConfig(), registry())
	batch, agg := Columnize(executeLines(t, s, f, 1))

	result := NewStage(f, s, nil).Run(context.Background(), "run", batch, agg)

	require.True(t, result.Failed())
	assert.Equal(t, derrors.CodeAggregation, result.Error.Code)
	assert.Equal(t, "sum", result.Error.Node)
	assert.Contains(t, result.Error.Message, "rejected")
	assert.Equal(t, run.StatusFailed, result.NodeRunInfos["sum"].Status)
}

func TestStageRecoversToolPanic(t *testing.T) {
	f := sumFlow("explode")
	s := scheduler.New(scheduler.DefaultConfig(), registry())
	batch, agg := Columnize(executeLines(t, s, f, 1))

	result := NewStage(f, s, nil).Run(context.Background(), "run", batch, agg)

	require.True(t, result.Failed())
	assert.Equal(t, derrors.CodeAggregation, result.Error.Code)
}

func TestStageRejectsInvalidColumns(t *testing.T) {
	f := sumFlow("sum")
	s := scheduler.New(scheduler.DefaultConfig(), registry())

	result := NewStage(f, s, nil).Run(context.Background(), "run",
		map[string][]any{"v": {1, 2}},
		map[string][]any{"${score.output}": {1}})

	require.True(t, result.Failed())
	assert.Equal(t, derrors.CodeAggregation, result.Error.Code)
	assert.Empty(t, result.NodeRunInfos)
}

func TestStageFillsFlowInputDefaults(t *testing.T) {
	f := &flow.Flow{
		ID: "defaults",
		Nodes: []*flow.Node{
			{Name: "score", Tool: "echo", Inputs: map[string]flow.InputAssignment{"x": flow.FlowInput("v")}},
			{Name: "bonus", Tool: "sum", Aggregation: true,
				Inputs: map[string]flow.InputAssignment{"values": flow.FlowInput("bonus")}},
		},
		Inputs: map[string]flow.InputDefinition{
			"bonus": {Type: flow.TypeInt, Default: 5, HasDefault: true},
		},
		Outputs: map[string]flow.OutputDefinition{"bonus": {Reference: flow.NodeOutput("bonus")}},
	}
	s := scheduler.New(scheduler.DefaultConfig(), registry())

	result := NewStage(f, s, nil).Run(context.Background(), "run",
		map[string][]any{"v": {1, 2, 3}}, nil)

	require.False(t, result.Failed(), "%+v", result.Error)
	assert.Equal(t, 15, result.Output["bonus"])
}
