package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDropsWhenFull(t *testing.T) {
	b := newEventBus(2)
	b.publish(Event{Kind: EventSeeked})
	b.publish(Event{Kind: EventDecodeError})
	b.publish(Event{Kind: EventStreamEnded})

	assert.Equal(t, EventSeeked, (<-b.ch).Kind)
	assert.Equal(t, EventDecodeError, (<-b.ch).Kind)
	assert.Empty(t, b.ch)
}

func TestEventBusTerminateDisplacesOldest(t *testing.T) {
	b := newEventBus(2)
	b.publish(Event{Kind: EventSeeked})
	b.publish(Event{Kind: EventDecodeError})

	b.terminate(Event{Kind: EventTerminated})
	b.terminate(Event{Kind: EventTerminated})
	b.publish(Event{Kind: EventSeeked})

	var kinds []EventKind
	for e := range b.ch {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []EventKind{EventDecodeError, EventTerminated}, kinds)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateIdle, StateOpened, StatePlaying, StatePaused} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateEnded, StateStopped, StateFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "unknown", State(99).String())
}
