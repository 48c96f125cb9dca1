package session

import (
	"sync"

	"github.com/zsiec/reel/internal/player"
)

const subscriberBuffer = 64

// hub fans one player's events out to any number of subscribers. Slow
// subscribers miss events; every subscriber channel is closed after the
// terminated event.
type hub struct {
	mu     sync.Mutex
	subs   map[chan player.Event]struct{}
	closed bool
	last   *player.Event
}

func newHub() *hub {
	return &hub{subs: make(map[chan player.Event]struct{})}
}

// pump forwards events until the player closes its channel.
func (h *hub) pump(events <-chan player.Event) {
	for e := range events {
		h.broadcast(e)
	}
	h.close()
}

func (h *hub) broadcast(e player.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.Kind == player.EventTerminated {
		h.last = &e
	}
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			if e.Kind == player.EventTerminated {
				// make room for the final event
				select {
				case <-ch:
				default:
				}
				ch <- e
			}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

// subscribe returns a channel of future events and a func that releases it.
// Subscribing after the end yields the terminated event alone.
func (h *hub) subscribe() (<-chan player.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan player.Event, subscriberBuffer)
	if h.closed {
		if h.last != nil {
			ch <- *h.last
		}
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}
