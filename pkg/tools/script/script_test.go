package script

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/tool"
)

func newTool(t *testing.T) *Tool {
	t.Helper()
	s := New(PoolConfig{MaxSize: 2})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInvoke(t *testing.T) {
	s := newTool(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		script string
		input  any
		want   any
	}{
		{name: "arithmetic", script: "input.a * 2 + input.b", input: map[string]any{"a": 3, "b": 1}, want: 7},
		{name: "fraction", script: "input / 4", input: 2, want: 0.5},
		{name: "string", script: "input.toUpperCase()", input: "hi", want: "HI"},
		{name: "object", script: "({total: input.length, first: input[0]})", input: []any{"x", "y"}, want: map[string]any{"total": 2, "first": "x"}},
		{name: "array", script: "[1, 2, 3].map(function(n) { return n * n })", want: []any{1, 4, 9}},
		{name: "null input", script: "input === null || input === undefined", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Invoke(ctx, map[string]any{"script": tt.script, "input": tt.input})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvokeErrors(t *testing.T) {
	s := newTool(t)
	ctx := context.Background()

	_, err := s.Invoke(ctx, map[string]any{})
	var scriptErr *Error
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, KindInput, scriptErr.Kind)

	_, err = s.Invoke(ctx, map[string]any{"script": "function ("})
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, KindSyntax, scriptErr.Kind)

	_, err = s.Invoke(ctx, map[string]any{"script": "throw new Error('bad row')"})
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, KindRuntime, scriptErr.Kind)
	assert.Contains(t, scriptErr.Message, "bad row")

	_, err = s.Invoke(ctx, map[string]any{"script": "1", "timeout_ms": -1})
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, KindInput, scriptErr.Kind)
}

func TestInvokeTimeout(t *testing.T) {
	s := newTool(t)

	_, err := s.Invoke(context.Background(), map[string]any{"script": "while (true) {}", "timeout_ms": 50})
	var scriptErr *Error
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, KindTimeout, scriptErr.Kind)

	// The interrupted runtime is usable again.
	got, err := s.Invoke(context.Background(), map[string]any{"script": "1 + 1"})
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestInvokeHonoursCallerCancel(t *testing.T) {
	s := newTool(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Invoke(ctx, map[string]any{"script": "1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGlobalsDoNotLeakBetweenRuns(t *testing.T) {
	s := New(PoolConfig{MaxSize: 1})
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, err := s.Invoke(ctx, map[string]any{"script": "leaked = 42; leaked"})
	require.NoError(t, err)

	got, err := s.Invoke(ctx, map[string]any{"script": "typeof leaked"})
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)
	assert.Equal(t, int64(1), s.Stats().Created)
}

func TestSandbox(t *testing.T) {
	s := newTool(t)
	ctx := context.Background()

	got, err := s.Invoke(ctx, map[string]any{"script": "typeof require"})
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)

	got, err = s.Invoke(ctx, map[string]any{"script": "'use strict'; try { Array.prototype.evil = 1; 'mutated' } catch (e) { 'frozen' }"})
	require.NoError(t, err)
	assert.Equal(t, "frozen", got)

	require.NoError(t, s.Init(ctx, map[string]any{"script_security_level": SecurityLevelStrict}))
	_, err = s.Invoke(ctx, map[string]any{"script": "eval('1')"})
	var scriptErr *Error
	require.True(t, errors.As(err, &scriptErr))
	assert.Contains(t, scriptErr.Message, "eval is not allowed")
}

func TestInit(t *testing.T) {
	s := newTool(t)
	ctx := context.Background()

	require.NoError(t, s.Init(ctx, map[string]any{"script_pool_size": float64(4)}))
	s.mu.RLock()
	assert.Equal(t, 4, s.pool.cfg.MaxSize)
	s.mu.RUnlock()

	assert.Error(t, s.Init(ctx, map[string]any{"script_pool_size": 0}))
	assert.Error(t, s.Init(ctx, map[string]any{"script_security_level": "none"}))
	assert.NoError(t, s.Init(ctx, map[string]any{"unrelated": true}))
}

func TestConcurrentInvocations(t *testing.T) {
	s := newTool(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.Invoke(context.Background(), map[string]any{"script": "input + 1", "input": i})
			assert.NoError(t, err)
			assert.Equal(t, i+1, got)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Stats().Created, int64(2))
}

func TestRegister(t *testing.T) {
	r := tool.NewRegistry()
	Register(r, newTool(t))

	entry, err := r.Lookup(ID)
	require.NoError(t, err)
	assert.Equal(t, "1", entry.Version)
	def, ok := entry.Default("timeout_ms")
	assert.True(t, ok)
	assert.Equal(t, 5000, def)
}
