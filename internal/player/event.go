package player

import (
	"sync"
	"time"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/navigation"
)

// State of a player.
type State int

const (
	StateIdle State = iota
	StateOpened
	StatePlaying
	StatePaused
	StateEnded
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpened:
		return "opened"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether playback is over.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateStopped || s == StateFailed
}

// EventKind classifies player events.
type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventSeeked         EventKind = "seeked"
	EventStreamEnded    EventKind = "stream_ended"
	EventDecodeError    EventKind = "decode_error"
	EventAwaitingChoice EventKind = "awaiting_choice"
	EventEndOfStream    EventKind = "end_of_stream"
	// EventTerminated is always the last event of a session.
	EventTerminated EventKind = "terminated"
)

// Event is published on the Events channel.
type Event struct {
	Kind     EventKind
	Time     time.Time
	State    State
	Position time.Duration
	StreamID int
	Stage    apperrors.Stage
	Err      error
	Choices  *navigation.ChoiceSet
}

// Status is a snapshot of a player.
type Status struct {
	State    State
	Locator  string
	Format   string
	Position time.Duration
	Duration time.Duration
	Speed    float64
	Streams  []media.StreamInfo
	Scaling  string

	Presented   int64
	Dropped     int64
	Substituted int64
	Err         error
}

// Reason a session ended.
type Reason string

const (
	ReasonEndOfStream Reason = "end_of_stream"
	ReasonStopped     Reason = "stopped"
	ReasonFailed      Reason = "failed"
)

// Result is returned by Wait.
type Result struct {
	Reason      Reason
	Position    time.Duration
	Presented   int64
	Dropped     int64
	Substituted int64
}

// eventBus fans player events out on one buffered channel. When the reader
// falls behind, ordinary events are dropped; the terminated event displaces
// the oldest queued event instead and closes the channel.
type eventBus struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEventBus(size int) *eventBus {
	return &eventBus{ch: make(chan Event, size)}
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
	}
}

// terminate publishes e and closes the channel. Only the first call has an
// effect.
func (b *eventBus) terminate(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- e:
			b.closed = true
			close(b.ch)
			return
		default:
		}
		select {
		case <-b.ch:
		default:
		}
	}
}
