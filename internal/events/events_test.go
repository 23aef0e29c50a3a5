package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/localchat/backend/internal/events"
)

func TestMultiDeliversToEveryEmitter(t *testing.T) {
	a, b := events.NewRecorder(), events.NewRecorder()
	m := events.Multi(a, nil, b)

	require.NoError(t, m.Emit(context.Background(), events.StreamStarted("c1", "m1")))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestMultiFailsOnlyWhenAllFail(t *testing.T) {
	boom := errors.New("boom")
	failing := events.EmitterFunc(func(context.Context, events.Event) error { return boom })
	ok := events.NewRecorder()

	require.NoError(t, events.Multi(failing, ok).Emit(context.Background(), events.MessageChunk("c1", "m1", "hi")))

	err := events.Multi(failing, failing).Emit(context.Background(), events.MessageChunk("c1", "m1", "hi"))
	require.ErrorIs(t, err, boom)
}

func TestRecorderFailOn(t *testing.T) {
	rec := events.NewRecorder()
	boom := errors.New("unreachable")
	rec.FailOn(events.TypeStreamStarted, boom)

	ctx := context.Background()
	require.ErrorIs(t, rec.Emit(ctx, events.StreamStarted("c1", "m1")), boom)
	require.NoError(t, rec.Emit(ctx, events.MessageChunk("c1", "m1", "a")))
	require.NoError(t, rec.Emit(ctx, events.MessageChunk("c1", "m1", "b")))
	require.NoError(t, rec.Emit(ctx, events.MessageChunk("c1", "m2", "x")))

	assert.Equal(t, []string{"a", "b"}, rec.Chunks("m1"))
	assert.Equal(t, 0, rec.Count("m1", events.TypeStreamStarted))
	assert.Equal(t, 2, rec.Count("m1", events.TypeMessageChunk))
}
