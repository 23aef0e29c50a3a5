package events_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/localchat/backend/internal/events"
)

func TestHubFiltersByConversation(t *testing.T) {
	hub := events.NewHub(events.HubOptions{Buffer: 4})
	defer hub.Close()

	all := hub.Subscribe(nil)
	one := hub.Subscribe(events.ForConversation("c1"))

	ctx := context.Background()
	require.NoError(t, hub.Emit(ctx, events.StreamStarted("c1", "m1")))
	require.NoError(t, hub.Emit(ctx, events.StreamStarted("c2", "m2")))

	assert.Len(t, all.Events(), 2)
	require.Len(t, one.Events(), 1)
	got := <-one.Events()
	assert.Equal(t, "m1", got.MessageID)
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	hub := events.NewHub(events.HubOptions{Buffer: 1})
	defer hub.Close()

	slow := hub.Subscribe(nil)
	ctx := context.Background()
	require.NoError(t, hub.Emit(ctx, events.MessageChunk("c1", "m1", "a")))
	require.NoError(t, hub.Emit(ctx, events.MessageChunk("c1", "m1", "b")))

	assert.Equal(t, 0, hub.Subscribers())
	first, ok := <-slow.Events()
	require.True(t, ok)
	assert.Equal(t, "a", first.Delta)
	_, ok = <-slow.Events()
	assert.False(t, ok, "channel should be closed after eviction")

	slow.Close()
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	hub := events.NewHub(events.HubOptions{})
	sub := hub.Subscribe(nil)

	hub.Close()
	hub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	require.ErrorIs(t, hub.Emit(context.Background(), events.StreamStarted("c1", "m1")), events.ErrHubClosed)

	late := hub.Subscribe(nil)
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := events.NewHub(events.HubOptions{})
	defer hub.Close()

	sub := hub.Subscribe(nil)
	require.Equal(t, 1, hub.Subscribers())
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers())
}
