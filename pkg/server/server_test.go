package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/tool"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const shoutFlow = `
name: shout
inputs:
  text:
    type: string
outputs:
  loud:
    reference: ${upper.output}
  all:
    reference: ${joined.output}
nodes:
  - name: upper
    tool: upper
    inputs:
      text: ${inputs.text}
  - name: joined
    tool: join
    aggregation: true
    inputs:
      values: ${upper.output}
`

func newTestServer(t *testing.T, opts ...Option) (*Server, *executor.Service) {
	t.Helper()
	registry := tool.NewRegistry()
	registry.Register(tool.NewFunc("upper", func(_ context.Context, in map[string]any) (any, error) {
		s, ok := in["text"].(string)
		if !ok {
			return nil, fmt.Errorf("text must be a string, got %T", in["text"])
		}
		return strings.ToUpper(s), nil
	}))
	registry.Register(tool.NewFunc("join", func(_ context.Context, in map[string]any) (any, error) {
		values, _ := in["values"].([]any)
		parts := make([]string, 0, len(values))
		for _, v := range values {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, ","), nil
	}))

	svc, err := executor.NewService(registry, executor.WithEngineConfig(&concurrency.Config{
		NodeConcurrency: 2, WorkerCount: 2, LineTimeout: concurrency.DefaultLineTimeout,
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		if svc.Initialized() {
			_, _ = svc.Finalize(context.Background())
		}
	})

	s, err := New(svc, DefaultConfig(), opts...)
	require.NoError(t, err)
	return s, svc
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func servingStatus(t *testing.T, s *Server) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "daedalus"})
	require.NoError(t, err)
	return resp.Status
}

func TestServerLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow.yaml"), []byte(shoutFlow), 0o644))

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["initialized"])
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, servingStatus(t, s))

	w = do(t, s, http.MethodPost, "/initialize", executor.InitRequest{WorkingDir: dir, FlowFile: "flow.yaml"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	initResp := decode[executor.InitResponse](t, w)
	assert.True(t, initResp.HasAggregationNodes)
	assert.Equal(t, "string", initResp.FlowInputsSchema["text"]["type"])
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, servingStatus(t, s))

	for i, text := range []string{"a", "b"} {
		w = do(t, s, http.MethodPost, "/execution", executor.ExecuteLineRequest{
			RunID: "r", LineNumber: i, Inputs: map[string]any{"text": text},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		line := decode[run.LineResult](t, w)
		assert.Equal(t, strings.ToUpper(text), line.Output["loud"])
		assert.Equal(t, run.StatusCompleted, line.RunInfo.Status)
	}

	w = do(t, s, http.MethodPost, "/aggregation", executor.AggregationRequest{
		RunID:             "r",
		BatchInputs:       map[string][]any{"text": {"a", "b"}},
		AggregationInputs: map[string][]any{"${upper.output}": {"A", "B"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	agg := decode[run.AggregationResult](t, w)
	assert.Nil(t, agg.Error)
	assert.Equal(t, "A,B", agg.Output["all"])

	w = do(t, s, http.MethodPost, "/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, s, http.MethodPost, "/finalize", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, executor.StatusFinalized, decode[executor.FinalizeResponse](t, w).Status)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, servingStatus(t, s))
}

func TestServerErrorMapping(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/execution", executor.ExecuteLineRequest{RunID: "r"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, derrors.CodeNotInitialized, decode[ErrorBody](t, w).Error.Code)

	w = do(t, s, http.MethodPost, "/initialize", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[ErrorBody](t, w).Error.Message, "invalid request body")

	w = do(t, s, http.MethodPost, "/initialize", executor.InitRequest{WorkingDir: t.TempDir(), FlowFile: "missing.yaml"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, derrors.CodeValidation, decode[ErrorBody](t, w).Error.Code)
}

type brokenExecutor struct{}

func (brokenExecutor) Initialize(context.Context, executor.InitRequest) (*executor.InitResponse, error) {
	return nil, errors.New("disk on fire")
}

func (brokenExecutor) ExecuteLine(context.Context, executor.ExecuteLineRequest) (*run.LineResult, error) {
	return nil, derrors.NewError(derrors.CodeUnexpected, "boom", nil).WithNode("n")
}

func (brokenExecutor) ExecuteAggregation(context.Context, executor.AggregationRequest) (*run.AggregationResult, error) {
	return &run.AggregationResult{Error: &run.ErrorPayload{Code: derrors.CodeAggregation, Message: "aggregation failed: bad", Node: "total"}}, nil
}

func (brokenExecutor) Finalize(context.Context) (*executor.FinalizeResponse, error) {
	return &executor.FinalizeResponse{Status: executor.StatusFinalized}, nil
}

func (brokenExecutor) Cancel() error     { return nil }
func (brokenExecutor) Initialized() bool { return true }

func TestServerReportsInternalErrors(t *testing.T) {
	var mu sync.Mutex
	var reported []string
	s, err := New(brokenExecutor{}, Config{}, WithErrorReporter(func(_ context.Context, err error, tags map[string]string) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err.Error())
	}))
	require.NoError(t, err)

	w := do(t, s, http.MethodPost, "/initialize", executor.InitRequest{})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, derrors.CodeUnexpected, decode[ErrorBody](t, w).Error.Code)

	w = do(t, s, http.MethodPost, "/execution", executor.ExecuteLineRequest{})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "n", decode[ErrorBody](t, w).Error.Node)

	w = do(t, s, http.MethodPost, "/aggregation", executor.AggregationRequest{})
	assert.Equal(t, http.StatusOK, w.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 3)
	assert.Contains(t, reported[2], "aggregation failed: bad")
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg)
	collector.LineFinished(run.StatusCompleted, 0)

	s, _ := newTestServer(t, WithGatherer(reg))
	w := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "daedalus_line_duration_seconds")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(derrors.Validation("bad")))
	assert.Equal(t, http.StatusConflict, StatusFor(derrors.NewError(derrors.CodeNotInitialized, "x", nil)))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("x")))
}

func TestNewRequiresExecutor(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}
