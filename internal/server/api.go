package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/session"
)

func (s *Server) registerSessionRoutes(api *mux.Router) {
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleLaunchSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/pause", s.control(func(p session.Controllable) error { return p.Pause() })).Methods("POST")
	api.HandleFunc("/sessions/{id}/resume", s.control(func(p session.Controllable) error { return p.Resume() })).Methods("POST")
	api.HandleFunc("/sessions/{id}/stop", s.control(func(p session.Controllable) error { p.Stop(); return nil })).Methods("POST")
	api.HandleFunc("/sessions/{id}/seek", s.handleSeek).Methods("POST")
	api.HandleFunc("/sessions/{id}/speed", s.handleSpeed).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods("GET")
}

type sessionsResponse struct {
	Sessions []*session.Session `json:"sessions"`
	Count    int                `json:"count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.Registry().List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sessionsResponse{Sessions: list, Count: len(list)})
}

func (s *Server) handleLaunchSession(w http.ResponseWriter, r *http.Request) {
	var req session.LaunchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.sessions.Launch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.sessions.Player(id)
	if err != nil {
		// ended before we could look at it
		s.writeJSON(w, r, http.StatusCreated, &session.Session{ID: id, Locator: req.Locator})
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/sessions/%s", id))
	s.writeJSON(w, r, http.StatusCreated, session.FromStatus(id, p.Status()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// a local player is fresher than its last heartbeat
	if p, err := s.sessions.Player(id); err == nil {
		s.writeJSON(w, r, http.StatusOK, session.FromStatus(id, p.Status()))
		return
	}
	sess, err := s.sessions.Registry().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sess)
}

// control runs fn on the local player and answers with its new status.
func (s *Server) control(fn func(p session.Controllable) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		p, err := s.sessions.Player(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := fn(p); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, session.FromStatus(id, p.Status()))
	}
}

// seekRequest accepts either a Go duration ("1m30s") or milliseconds.
type seekRequest struct {
	Position   string `json:"position"`
	PositionMS *int64 `json:"position_ms"`
}

func (req seekRequest) target() (time.Duration, error) {
	switch {
	case req.Position != "":
		d, err := time.ParseDuration(req.Position)
		if err != nil {
			return 0, apperrors.NewValidationError(fmt.Sprintf("invalid position %q", req.Position))
		}
		return d, nil
	case req.PositionMS != nil:
		return time.Duration(*req.PositionMS) * time.Millisecond, nil
	}
	return 0, apperrors.NewValidationError("position or position_ms is required")
}

type seekResponse struct {
	ID       string `json:"id"`
	LandedMS int64  `json:"landed_ms"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req seekRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ts, err := req.target()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ts < 0 {
		s.writeError(w, r, apperrors.NewValidationError("position must not be negative"))
		return
	}

	p, err := s.sessions.Player(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	landed, err := p.Seek(ts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, seekResponse{ID: id, LandedMS: landed.Milliseconds()})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.control(func(p session.Controllable) error { return p.SetSpeed(req.Speed) })(w, r)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithField("request_id", r.Header.Get("X-Request-ID")).WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
