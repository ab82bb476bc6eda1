package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/swarmrun/storage/storagetest"
)

func collect(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	var events []*Event
	deadline := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(events), n)
			}
			events = append(events, e)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestPublishSubscribeOrdered(t *testing.T) {
	js := storagetest.Start(t)
	bus, err := NewBus(context.Background(), js)
	require.NoError(t, err)
	defer bus.Close()

	bus.Publish(New("run-1", TypeRunStarted))
	bus.Publish(New("run-1", TypePhaseStarted).WithPhase("planning"))
	bus.Publish(New("run-1", TypeAgentStarted).WithPhase("planning").WithAgent("project_planner"))
	bus.Publish(New("run-1", TypeAgentCompleted).WithPhase("planning").WithAgent("project_planner"))
	bus.Publish(New("run-1", TypePhaseCompleted).WithPhase("planning"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)

	events := collect(t, ch, 5)
	types := make([]Type, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.Equal(t, []Type{
		TypeRunStarted, TypePhaseStarted, TypeAgentStarted,
		TypeAgentCompleted, TypePhaseCompleted,
	}, types)

	// phase_started precedes every agent_started of the phase, and
	// phase_completed follows all agent terminal events.
	assert.Less(t, indexOfType(types, TypePhaseStarted), indexOfType(types, TypeAgentStarted))
	assert.Greater(t, indexOfType(types, TypePhaseCompleted), indexOfType(types, TypeAgentCompleted))

	// Sequences are strictly increasing.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func indexOfType(types []Type, want Type) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}

func TestSubscribeFromOffset(t *testing.T) {
	js := storagetest.Start(t)
	bus, err := NewBus(context.Background(), js)
	require.NoError(t, err)
	defer bus.Close()

	bus.Publish(New("run-1", TypeRunStarted))
	bus.Publish(New("run-1", TypePhaseStarted).WithPhase("planning"))
	bus.Publish(New("run-1", TypePhaseCompleted).WithPhase("planning"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := collect(t, mustSubscribe(t, bus, ctx, 0), 3)

	// Resume from the second event's sequence: replay starts there.
	resumed := collect(t, mustSubscribe(t, bus, ctx, all[1].Sequence), 2)
	assert.Equal(t, TypePhaseStarted, resumed[0].Type)
	assert.Equal(t, TypePhaseCompleted, resumed[1].Type)
}

func mustSubscribe(t *testing.T, bus *Bus, ctx context.Context, from uint64) <-chan *Event {
	t.Helper()
	ch, err := bus.Subscribe(ctx, "run-1", from)
	require.NoError(t, err)
	return ch
}

func TestSubscribeFiltersByRun(t *testing.T) {
	js := storagetest.Start(t)
	bus, err := NewBus(context.Background(), js)
	require.NoError(t, err)
	defer bus.Close()

	bus.Publish(New("run-1", TypeRunStarted))
	bus.Publish(New("run-2", TypeRunStarted))
	bus.Publish(New("run-1", TypeRunCompleted))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)

	events := collect(t, ch, 2)
	for _, e := range events {
		assert.Equal(t, "run-1", e.RunID)
	}
}

func TestPublishOverflowDrops(t *testing.T) {
	js := storagetest.Start(t)
	bus, err := NewBus(context.Background(), js, WithBufferSize(1))
	require.NoError(t, err)
	bus.Close() // publisher stopped; buffer no longer drains

	bus.Publish(New("run-1", TypeRunStarted))
	bus.Publish(New("run-1", TypePhaseStarted))
	assert.Equal(t, uint64(2), bus.Dropped())
}

func TestPublishAfterCloseDoesNotPanic(t *testing.T) {
	js := storagetest.Start(t)
	bus, err := NewBus(context.Background(), js)
	require.NoError(t, err)
	bus.Close()
	bus.Close() // idempotent

	assert.NotPanics(t, func() {
		bus.Publish(New("run-1", TypeRunAborted))
	})
	assert.Equal(t, uint64(1), bus.Dropped())
}
