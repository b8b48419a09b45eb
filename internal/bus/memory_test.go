package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSynchronousOrdering(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var got []Tag
	b.SubscribeAll(func(ctx context.Context, e Event) {
		got = append(got, e.Type)
	})

	b.Publish(context.Background(), NewEvent(TagRalphStarted, "run-1", nil))
	b.Publish(context.Background(), NewEvent(TagRalphCompleted, "run-1", nil))

	// Publish is synchronous: both subscriber invocations have already
	// happened by the time Publish returns, with no locking required here.
	require.Equal(t, []Tag{TagRalphStarted, TagRalphCompleted}, got)
}

func TestMemoryBus_TagFiltering(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var workerSeen, bossSeen int
	b.Subscribe(TagWorkerStart, func(ctx context.Context, e Event) { workerSeen++ })
	b.Subscribe(TagBossStart, func(ctx context.Context, e Event) { bossSeen++ })

	b.Publish(context.Background(), NewEvent(TagWorkerStart, "r", nil))
	b.Publish(context.Background(), NewEvent(TagWorkerStart, "r", nil))
	b.Publish(context.Background(), NewEvent(TagBossStart, "r", nil))

	assert.Equal(t, 2, workerSeen)
	assert.Equal(t, 1, bossSeen)
}

func TestMemoryBus_SubscriberPanicIsolated(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var secondCalled bool
	b.SubscribeAll(func(ctx context.Context, e Event) { panic("boom") })
	b.SubscribeAll(func(ctx context.Context, e Event) { secondCalled = true })

	require.NotPanics(t, func() {
		b.Publish(context.Background(), NewEvent(TagRalphError, "r", nil))
	})
	assert.True(t, secondCalled)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var count int
	sub := b.Subscribe(TagLoopDone, func(ctx context.Context, e Event) { count++ })
	b.Publish(context.Background(), NewEvent(TagLoopDone, "r", nil))
	sub.Unsubscribe()
	b.Publish(context.Background(), NewEvent(TagLoopDone, "r", nil))

	assert.Equal(t, 1, count)
}

func TestTaggedPublisher_StampsRunID(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var mu sync.Mutex
	var seen []Event
	b.SubscribeAll(func(ctx context.Context, e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})

	pub := NewTaggedPublisher(b, "run-42")
	pub.Publish(context.Background(), TagWorkerStart, map[string]any{"commitHash": "abc123"})

	require.Len(t, seen, 1)
	assert.Equal(t, "run-42", seen[0].RunID)
	assert.Equal(t, "abc123", seen[0].Payload["commitHash"])
}

func TestEvent_IsTerminal(t *testing.T) {
	assert.True(t, NewEvent(TagRalphCompleted, "r", nil).IsTerminal())
	assert.True(t, NewEvent(TagRalphError, "r", nil).IsTerminal())
	assert.True(t, NewEvent(TagRalphInterrupted, "r", nil).IsTerminal())
	assert.False(t, NewEvent(TagWorkerStart, "r", nil).IsTerminal())
}
