package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSliceIsNotRestartable(t *testing.T) {
	ctx := context.Background()
	seq := FromSlice([]any{1, 2, 3})

	got, err := Collect(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, got)

	again, err := Collect(ctx, seq)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTracedIsPullBased(t *testing.T) {
	ctx := context.Background()
	pulled := 0
	inner := FromFunc(func(ctx context.Context) (any, bool, error) {
		if pulled == 5 {
			return nil, false, nil
		}
		pulled++
		return pulled, true, nil
	})

	var seen []any
	traced := Trace(inner, 3, func(v any) { seen = append(seen, v) })
	assert.Equal(t, 0, pulled)

	v, ok, err := traced.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, pulled)
	assert.False(t, traced.Exhausted())

	rest, err := Collect(ctx, traced)
	require.NoError(t, err)
	assert.Equal(t, []any{2, 3, 4, 5}, rest)
	assert.True(t, traced.Exhausted())

	assert.Equal(t, []any{1, 2, 3}, traced.Elements())
	assert.Equal(t, []any{1, 2, 3, 4, 5}, seen)

	data, err := json.Marshal(traced)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stream":true,"elements":[1,2,3],"dropped":2,"exhausted":true}`, string(data))
}

func TestSequenceError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	seq := FromFunc(func(ctx context.Context) (any, bool, error) {
		calls++
		if calls == 2 {
			return nil, false, boom
		}
		return calls, true, nil
	})

	got, err := Collect(context.Background(), seq)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []any{1}, got)

	_, ok, err := seq.Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFromChannelHonoursContext(t *testing.T) {
	ch := make(chan any)
	seq := FromChannel(ch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := seq.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
