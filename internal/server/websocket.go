package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/zsiec/reel/internal/player"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type choicesMessage struct {
	Buttons     []int `json:"buttons"`
	Highlighted int   `json:"highlighted"`
}

// eventMessage is the wire form of a player event.
type eventMessage struct {
	Kind       player.EventKind `json:"kind"`
	Time       time.Time        `json:"time"`
	State      string           `json:"state"`
	PositionMS int64            `json:"position_ms"`
	StreamID   int              `json:"stream_id,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Error      string           `json:"error,omitempty"`
	Choices    *choicesMessage  `json:"choices,omitempty"`
}

func newEventMessage(e player.Event) eventMessage {
	m := eventMessage{
		Kind:       e.Kind,
		Time:       e.Time,
		State:      e.State.String(),
		PositionMS: e.Position.Milliseconds(),
		StreamID:   e.StreamID,
		Stage:      string(e.Stage),
	}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	if e.Choices != nil {
		m.Choices = &choicesMessage{Highlighted: e.Choices.Highlighted}
		for _, b := range e.Choices.Buttons {
			m.Choices.Buttons = append(m.Choices.Buttons, b.Number)
		}
	}
	return m
}

// handleEvents streams a session's events as JSON text messages until the
// session terminates or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, release, err := s.sessions.Subscribe(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	log := s.logger.WithField("session_id", id)
	log.Debug("Event stream opened")

	// the read side only notices close frames and dead peers
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				log.Debug("Event stream closed")
				return
			}
			if err := conn.WriteJSON(newEventMessage(e)); err != nil {
				log.WithError(err).Debug("Event stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
