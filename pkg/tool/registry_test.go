package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	echo := NewFunc("echo", func(ctx context.Context, inputs map[string]any) (any, error) {
		return inputs["value"], nil
	})

	r.Register(echo, WithVersion("3"), WithParam("value"), WithDefault("suffix", "!"))
	r.RegisterWithName(echo, "legacy-echo")

	entry, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "3", entry.Version)

	def, ok := entry.Default("suffix")
	assert.True(t, ok)
	assert.Equal(t, "!", def)
	_, ok = entry.Default("value")
	assert.False(t, ok)

	legacy, err := r.Lookup("legacy-echo")
	require.NoError(t, err)
	assert.Equal(t, "1", legacy.Version)

	out, err := legacy.Tool.Invoke(context.Background(), map[string]any{"value": 5})
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	_, err = r.Lookup("missing")
	assert.True(t, errors.Is(err, ErrToolNotFound))

	assert.True(t, r.Has("echo"))
	assert.Equal(t, []string{"echo", "legacy-echo"}, r.IDs())
}

type initTool struct {
	*Func
	calls  int
	kwargs map[string]any
	err    error
}

func (t *initTool) Init(_ context.Context, kwargs map[string]any) error {
	t.calls++
	t.kwargs = kwargs
	return t.err
}

func TestRegistryInit(t *testing.T) {
	r := NewRegistry()
	tracked := &initTool{Func: NewFunc("tracked", func(ctx context.Context, inputs map[string]any) (any, error) { return nil, nil })}
	r.Register(tracked)
	r.RegisterWithName(tracked, "alias")
	r.Register(NewFunc("plain", func(ctx context.Context, inputs map[string]any) (any, error) { return nil, nil }))

	kwargs := map[string]any{"model": "small"}
	require.NoError(t, r.Init(context.Background(), []string{"tracked", "alias", "plain"}, kwargs))
	assert.Equal(t, 1, tracked.calls)
	assert.Equal(t, kwargs, tracked.kwargs)

	tracked.err = errors.New("no connection")
	err := r.Init(context.Background(), []string{"alias"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize tool 'alias'")

	err = r.Init(context.Background(), []string{"missing"}, nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}
