// Package script provides the "script" tool, which evaluates JavaScript
// against a node's input on a pool of sandboxed goja runtimes.
//
// The script sees its input as the global `input` and its completion value
// becomes the node output:
//
//	nodes:
//	  - name: score
//	    tool: script
//	    inputs:
//	      script: "input.a * 2 + input.b"
//	      input: ${inputs.row}
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Daedalus/pkg/tool"
)

// ID is the tool identifier.
const ID = "script"

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 5 * time.Second

// Tool runs JavaScript snippets.
type Tool struct {
	mu       sync.RWMutex
	pool     *VMPool
	programs sync.Map // source -> *goja.Program
}

// New creates the tool with its own runtime pool.
func New(cfg PoolConfig) *Tool {
	return &Tool{pool: NewVMPool(cfg)}
}

// Register adds the tool to r.
func Register(r *tool.Registry, t *Tool) {
	r.Register(t,
		tool.WithVersion("1"),
		tool.WithParam("script"),
		tool.WithDefault("input", nil),
		tool.WithDefault("timeout_ms", int(DefaultTimeout/time.Millisecond)),
	)
}

func (t *Tool) ID() string { return ID }

// Init resizes the runtime pool from init kwargs "script_pool_size" and
// "script_security_level".
func (t *Tool) Init(_ context.Context, kwargs map[string]any) error {
	t.mu.RLock()
	cfg := t.pool.cfg
	t.mu.RUnlock()

	changed := false
	if v, ok := kwargs["script_pool_size"]; ok {
		size, err := toInt(v)
		if err != nil || size <= 0 {
			return fmt.Errorf("script_pool_size must be a positive integer, got %v", v)
		}
		changed = changed || size != cfg.MaxSize
		cfg.MaxSize = size
	}
	if v, ok := kwargs["script_security_level"]; ok {
		level, _ := v.(string)
		switch level {
		case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
		default:
			return fmt.Errorf("unknown script_security_level %v", v)
		}
		changed = changed || level != cfg.SecurityLevel
		cfg.SecurityLevel = level
	}
	if !changed {
		return nil
	}

	t.mu.Lock()
	old := t.pool
	t.pool = NewVMPool(cfg)
	t.mu.Unlock()
	return old.Close()
}

// Invoke evaluates inputs["script"] with inputs["input"] bound to `input`.
func (t *Tool) Invoke(ctx context.Context, inputs map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source, ok := inputs["script"].(string)
	if !ok || source == "" {
		return nil, inputError("script must be a non-empty string")
	}
	timeout := DefaultTimeout
	if v, ok := inputs["timeout_ms"]; ok && v != nil {
		ms, err := toInt(v)
		if err != nil || ms <= 0 {
			return nil, inputError("timeout_ms must be a positive integer, got %v", v)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	program, err := t.compile(source)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	pool := t.pool
	t.mu.RUnlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm, err := pool.acquire(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire runtime: %w", err)
	}
	defer pool.release(vm)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-runCtx.Done():
			vm.vm.Interrupt(runCtx.Err())
		case <-done:
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	if err := vm.vm.Set("input", inputs["input"]); err != nil {
		return nil, inputError("failed to bind input: %v", err)
	}
	value, err := vm.vm.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, timeoutError(timeout)
		}
		return nil, classify(err)
	}
	return normalize(value.Export()), nil
}

// Stats returns statistics of the current pool.
func (t *Tool) Stats() PoolStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pool.Stats()
}

// Close releases the runtime pool.
func (t *Tool) Close() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pool.Close()
}

func (t *Tool) compile(source string) (*goja.Program, error) {
	if p, ok := t.programs.Load(source); ok {
		return p.(*goja.Program), nil
	}
	program, err := goja.Compile("script", source, false)
	if err != nil {
		return nil, classify(err)
	}
	t.programs.Store(source, program)
	return program, nil
}

// normalize turns whole JavaScript numbers into int. Containers are copied
// since a script may return its input unchanged.
func normalize(v any) any {
	switch x := v.(type) {
	case int64:
		return int(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
}

var (
	_ tool.Tool        = (*Tool)(nil)
	_ tool.Initializer = (*Tool)(nil)
)
