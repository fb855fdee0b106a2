package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/tool"
)

func doubleFlow() *flow.Flow {
	return &flow.Flow{
		ID: "double",
		Nodes: []*flow.Node{
			{Name: "twice", Tool: "double", Inputs: map[string]flow.InputAssignment{"n": flow.FlowInput("n")}},
			{Name: "sum", Tool: "sum", Aggregation: true, Inputs: map[string]flow.InputAssignment{"values": flow.NodeOutput("twice")}},
		},
		Inputs:  map[string]flow.InputDefinition{"n": {Type: flow.TypeInt}},
		Outputs: map[string]flow.OutputDefinition{"doubled": {Reference: flow.NodeOutput("twice")}},
	}
}

func newRegistry() *tool.Registry {
	r := tool.NewRegistry()
	r.Register(tool.NewFunc("double", func(_ context.Context, in map[string]any) (any, error) {
		n, _ := in["n"].(int)
		if n < 0 {
			return nil, errors.New("negative input")
		}
		return n * 2, nil
	}))
	r.Register(tool.NewFunc("sum", func(_ context.Context, in map[string]any) (any, error) {
		values, _ := in["values"].([]any)
		total := 0
		for _, v := range values {
			if n, ok := v.(int); ok {
				total += n
			}
		}
		return total, nil
	}))
	return r
}

func newCoordinator(t *testing.T) *batch.Coordinator {
	t.Helper()
	cfg := batch.DefaultConfig()
	cfg.RunID = "dataset"
	cfg.WorkerCount = 2
	cfg.LineTimeout = 10 * time.Second
	c, err := batch.New(doubleFlow(), newRegistry(), cfg)
	require.NoError(t, err)
	return c
}

func decodeOutputs(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(nil, nil, zap.NewNop(), nil)
	assert.EqualError(t, err, "coordinator cannot be nil")

	_, err = NewRunner(newCoordinator(t), nil, nil, nil)
	assert.EqualError(t, err, "logger cannot be nil")

	_, err = NewRunner(newCoordinator(t), map[string]string{"n": "${run.outputs.n}"}, zap.NewNop(), nil)
	assert.True(t, derrors.IsValidation(err))
}

func TestRun(t *testing.T) {
	r, err := NewRunner(newCoordinator(t), nil, zap.NewNop(), nil)
	require.NoError(t, err)
	defer r.Close()

	dataset := strings.NewReader("{\"n\": 1}\n\n{\"n\": 2}\n{\"n\": -1}\n{\"n\": 4}\n")
	var output bytes.Buffer
	result, err := r.Run(context.Background(), dataset, &output)
	require.NoError(t, err)

	assert.Equal(t, "dataset", result.RunID)
	assert.Equal(t, 4, result.TotalLines)
	assert.Equal(t, 3, result.CompletedLines)
	assert.Equal(t, 1, result.FailedLines)
	assert.Equal(t, []int{2}, result.FailedIndexes())

	require.NotNil(t, result.Aggregation)
	assert.False(t, result.Aggregation.Failed())

	records := decodeOutputs(t, output.Bytes())
	require.Len(t, records, 3)
	for i, want := range []struct{ line, doubled float64 }{{0, 2}, {1, 4}, {3, 8}} {
		assert.Equal(t, want.line, records[i][LineNumberKey])
		assert.Equal(t, want.doubled, records[i]["doubled"])
	}
}

func TestRunWithMapping(t *testing.T) {
	r, err := NewRunner(newCoordinator(t), map[string]string{"n": "${data.value}"}, zap.NewNop(), nil)
	require.NoError(t, err)

	dataset := strings.NewReader("{\"value\": 5, \"ignored\": true}\n{\"other\": 1}\n")
	var output bytes.Buffer
	result, err := r.Run(context.Background(), dataset, &output)
	require.NoError(t, err)

	assert.Equal(t, 1, result.CompletedLines)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 1, result.Failures[0].Index)
	assert.Equal(t, derrors.CodeValidation, result.Failures[0].Error.Code)

	records := decodeOutputs(t, output.Bytes())
	require.Len(t, records, 1)
	assert.Equal(t, float64(10), records[0]["doubled"])
}

func TestRunRejectsInvalidDataset(t *testing.T) {
	r, err := NewRunner(newCoordinator(t), nil, zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), strings.NewReader("{\"n\": 1}\n[1, 2]\n"), nil)
	require.Error(t, err)
	assert.True(t, derrors.IsValidation(err))
	assert.Contains(t, err.Error(), "dataset row 2")
}

func TestRunCanceled(t *testing.T) {
	r, err := NewRunner(newCoordinator(t), nil, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := r.Run(ctx, strings.NewReader("{\"n\": 1}\n{\"n\": 2}\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalLines)
	for _, line := range result.LineResults {
		assert.Equal(t, run.StatusCanceled, line.Status())
	}
}

func TestReadDataset(t *testing.T) {
	records, err := ReadDataset(strings.NewReader("  \n{\"a\": \"x\"}\n{\"a\": [1]}"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "x", records[0]["a"])

	_, err = ReadDataset(strings.NewReader("null\n"))
	assert.ErrorContains(t, err, "dataset row 1 is not a JSON object")
}

func TestParseDataRef(t *testing.T) {
	tests := []struct {
		ref    string
		column string
		isRef  bool
		err    bool
	}{
		{"${data.question}", "question", true, false},
		{"literal", "", false, false},
		{"${data.}", "", true, true},
		{"${inputs.x}", "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			column, isRef, err := parseDataRef(tt.ref)
			assert.Equal(t, tt.column, column)
			assert.Equal(t, tt.isRef, isRef)
			assert.Equal(t, tt.err, err != nil)
		})
	}
}

func TestWriteOutputsSkipsFailedLines(t *testing.T) {
	results := []*run.LineResult{
		{Output: map[string]any{"v": "b"}, RunInfo: &run.FlowRunInfo{Index: 1, Status: run.StatusCompleted}},
		{Output: map[string]any{"v": "a"}, RunInfo: &run.FlowRunInfo{Index: 0, Status: run.StatusCompleted}},
		{RunInfo: &run.FlowRunInfo{Index: 2, Status: run.StatusFailed}},
		nil,
	}
	var buf bytes.Buffer
	require.NoError(t, WriteOutputs(&buf, results))

	records := decodeOutputs(t, buf.Bytes())
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0]["v"])
	assert.Equal(t, float64(1), records[1][LineNumberKey])
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig("runner")
	assert.Equal(t, "runner", cfg.ServiceName)
	assert.Equal(t, cfg.OTLPEndpoint, cfg.toInternalConfig().OTLPEndpoint)
}
