package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/tool"
)

const scoreFlow = `
name: scores
inputs:
  value:
    type: int
  bonus:
    type: int
    default: 1
outputs:
  score:
    reference: ${score.output}
  total:
    reference: ${total.output}
nodes:
  - name: score
    tool: add
    inputs:
      a: ${inputs.value}
      b: ${inputs.bonus}
  - name: total
    tool: sum
    aggregation: true
    inputs:
      values: ${score.output}
`

const cyclicFlow = `
name: cyclic
nodes:
  - name: a
    tool: add
    inputs:
      a: ${b.output}
  - name: b
    tool: add
    inputs:
      a: ${a.output}
`

type sessionTool struct {
	*tool.Func
	mu     sync.Mutex
	kwargs map[string]any
}

func (t *sessionTool) Init(_ context.Context, kwargs map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kwargs = kwargs
	return nil
}

func testRegistry() (*tool.Registry, *sessionTool) {
	r := tool.NewRegistry()
	add := &sessionTool{Func: tool.NewFunc("add", func(ctx context.Context, in map[string]any) (any, error) {
		a, _ := in["a"].(int)
		b, _ := in["b"].(int)
		return a + b, nil
	})}
	r.Register(add)
	r.Register(tool.NewFunc("sum", func(ctx context.Context, in map[string]any) (any, error) {
		values, ok := in["values"].([]any)
		if !ok {
			return nil, fmt.Errorf("values must be a list, got %T", in["values"])
		}
		total := 0
		for _, v := range values {
			if n, ok := v.(int); ok {
				total += n
			}
		}
		return total, nil
	}))
	return r, add
}

func writeFlow(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow.yaml"), []byte(content), 0o644))
	return dir
}

func engineConfig() *concurrency.Config {
	return &concurrency.Config{NodeConcurrency: 2, WorkerCount: 2, LineTimeout: concurrency.DefaultLineTimeout, FailFast: true}
}

func newService(t *testing.T, opts ...Option) (*Service, *sessionTool) {
	t.Helper()
	registry, add := testRegistry()
	s, err := NewService(registry, append([]Option{WithEngineConfig(engineConfig())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.Initialized() {
			_, _ = s.Finalize(context.Background())
		}
	})
	return s, add
}

func TestServiceRequiresInitialize(t *testing.T) {
	s, _ := newService(t)

	_, err := s.ExecuteLine(context.Background(), ExecuteLineRequest{RunID: "r"})
	require.Error(t, err)
	assert.Equal(t, derrors.CodeNotInitialized, derrors.Code(err))

	_, err = s.ExecuteAggregation(context.Background(), AggregationRequest{})
	assert.Equal(t, derrors.CodeNotInitialized, derrors.Code(err))

	_, err = s.Finalize(context.Background())
	assert.Equal(t, derrors.CodeNotInitialized, derrors.Code(err))
}

func TestServiceLifecycle(t *testing.T) {
	s, add := newService(t)
	dir := writeFlow(t, scoreFlow)

	resp, err := s.Initialize(context.Background(), InitRequest{
		WorkingDir:  dir,
		FlowFile:    "flow.yaml",
		Connections: map[string]any{"db": "postgres://localhost"},
		InitKwargs:  map[string]any{"mode": "fast"},
	})
	require.NoError(t, err)
	assert.True(t, resp.HasAggregationNodes)
	assert.Equal(t, "int", resp.FlowInputsSchema["value"]["type"])
	assert.Equal(t, 1, resp.FlowInputsSchema["bonus"]["default"])
	assert.Equal(t, "fast", add.kwargs["mode"])
	assert.Equal(t, map[string]any{"db": "postgres://localhost"}, add.kwargs["connections"])

	var wg sync.WaitGroup
	results := make([]*run.LineResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.ExecuteLine(context.Background(), ExecuteLineRequest{
				RunID: "run1", LineNumber: i, Inputs: map[string]any{"value": i},
			})
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, run.StatusCompleted, result.Status())
		assert.Equal(t, i+1, result.Output["score"])
		assert.Equal(t, fmt.Sprintf("run1_%d", i), result.RunInfo.RunID)
		assert.Equal(t, i+1, result.AggregationInputs["${score.output}"])
	}

	agg, err := s.ExecuteAggregation(context.Background(), AggregationRequest{
		RunID:             "run1",
		BatchInputs:       map[string][]any{"value": {0, 1, 2, 3}},
		AggregationInputs: map[string][]any{"${score.output}": {1, 2, 3, 4}},
	})
	require.NoError(t, err)
	require.False(t, agg.Failed(), "%+v", agg.Error)
	assert.Equal(t, map[string]any{"total": 10}, agg.Output)

	final, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, final.Status)
	assert.False(t, s.Initialized())

	_, err = s.ExecuteLine(context.Background(), ExecuteLineRequest{RunID: "run1"})
	assert.Equal(t, derrors.CodeNotInitialized, derrors.Code(err))
}

func TestServiceRejectsInvalidFlows(t *testing.T) {
	s, _ := newService(t)

	_, err := s.Initialize(context.Background(), InitRequest{WorkingDir: writeFlow(t, cyclicFlow), FlowFile: "flow.yaml"})
	require.Error(t, err)
	assert.True(t, derrors.IsValidation(err))
	assert.Contains(t, err.Error(), "circular dependency")

	_, err = s.Initialize(context.Background(), InitRequest{WorkingDir: t.TempDir(), FlowFile: "missing.yaml"})
	require.Error(t, err)
	assert.True(t, derrors.IsValidation(err))

	unknown := `
name: unknown
nodes:
  - name: a
    tool: nope
`
	_, err = s.Initialize(context.Background(), InitRequest{WorkingDir: writeFlow(t, unknown), FlowFile: "flow.yaml"})
	require.Error(t, err)
	assert.True(t, derrors.IsValidation(err))
	assert.Contains(t, err.Error(), "'nope' which is not registered")
	assert.False(t, s.Initialized())
}

func TestServiceLineFailureIsReturnedAsResult(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Initialize(context.Background(), InitRequest{WorkingDir: writeFlow(t, scoreFlow), FlowFile: "flow.yaml"})
	require.NoError(t, err)

	result, err := s.ExecuteLine(context.Background(), ExecuteLineRequest{RunID: "r", LineNumber: 3, Inputs: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, result.Status())
	assert.Equal(t, derrors.CodeValidation, result.RunInfo.Error.Code)
	assert.Contains(t, result.RunInfo.Error.Message, "'value' is not provided")
}

type memorySink struct {
	mu     sync.Mutex
	lines  int
	nodes  int
	closed bool
}

func (m *memorySink) PersistNodeRun(context.Context, *run.RunInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes++
	return nil
}

func (m *memorySink) PersistLineRun(context.Context, *run.LineResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines++
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestServiceUsesSinkFactory(t *testing.T) {
	sink := &memorySink{}
	var gotDir string
	s, _ := newService(t, WithSinkFactory(func(_ context.Context, outputDir string) (batch.Sink, error) {
		gotDir = outputDir
		return sink, nil
	}))

	_, err := s.Initialize(context.Background(), InitRequest{
		WorkingDir: writeFlow(t, scoreFlow), FlowFile: "flow.yaml", OutputDir: "/out",
	})
	require.NoError(t, err)
	_, err = s.ExecuteLine(context.Background(), ExecuteLineRequest{RunID: "r", Inputs: map[string]any{"value": 1}})
	require.NoError(t, err)
	_, err = s.Finalize(context.Background())
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "/out", gotDir)
	assert.Equal(t, 1, sink.lines)
	assert.Equal(t, 1, sink.nodes)
	assert.True(t, sink.closed)
}

type fakeCoordinator struct {
	started, shutdown, canceled bool
	submitted                   []int
}

func (f *fakeCoordinator) Start(context.Context) error { f.started = true; return nil }

func (f *fakeCoordinator) SubmitRun(_ context.Context, runID string, _ map[string]any, line int) (*batch.Handle, error) {
	f.submitted = append(f.submitted, line)
	return nil, fmt.Errorf("rejected line %d of %s", line, runID)
}

func (f *fakeCoordinator) Finalize(context.Context) (*run.BatchResult, error) { return nil, nil }

func (f *fakeCoordinator) Shutdown(context.Context) error { f.shutdown = true; return nil }

func (f *fakeCoordinator) Cancel() { f.canceled = true }

func TestServiceUsesInjectedCoordinator(t *testing.T) {
	fake := &fakeCoordinator{}
	var gotCfg batch.Config
	s, _ := newService(t, WithCoordinatorFactory(func(f *flow.Flow, registry *tool.Registry, cfg batch.Config, opts ...batch.Option) (Coordinator, error) {
		gotCfg = cfg
		return fake, nil
	}))

	_, err := s.Initialize(context.Background(), InitRequest{
		WorkingDir: writeFlow(t, scoreFlow), FlowFile: "flow.yaml", WorkerCount: 7, LineTimeoutSec: 9,
	})
	require.NoError(t, err)
	assert.True(t, fake.started)
	assert.Equal(t, 7, gotCfg.WorkerCount)
	assert.Equal(t, 9.0, gotCfg.LineTimeout.Seconds())
	assert.NotEmpty(t, gotCfg.RunID)

	_, err = s.ExecuteLine(context.Background(), ExecuteLineRequest{RunID: "r", LineNumber: 5})
	assert.EqualError(t, err, "rejected line 5 of r")
	assert.Equal(t, []int{5}, fake.submitted)

	require.NoError(t, s.Cancel())
	assert.True(t, fake.canceled)

	_, err = s.Finalize(context.Background())
	require.NoError(t, err)
	assert.True(t, fake.shutdown)
}
