package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/player"
)

// Controllable is the player surface the control API drives.
// *player.Player satisfies it.
type Controllable interface {
	Source
	Events() <-chan player.Event
	Pause() error
	Resume() error
	Stop()
	Seek(ts time.Duration) (time.Duration, error)
	SetSpeed(x float64) error
}

// LaunchRequest asks the process to start playing a locator.
type LaunchRequest struct {
	Locator      string `json:"locator"`
	SubtitleFile string `json:"subtitle_file,omitempty"`
	StartMS      int64  `json:"start_ms,omitempty"`
}

// Factory opens a source and starts playback. ctx bounds the playback, not
// just the open.
type Factory func(ctx context.Context, req LaunchRequest) (Controllable, error)

type entry struct {
	player Controllable
	hub    *hub
}

// Manager owns the players of this process and publishes them into the
// registry. The registry may hold sessions of other processes too; only
// local ones can be controlled.
type Manager struct {
	registry  Registry
	factory   Factory
	publisher *Publisher
	logger    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	local map[string]*entry
}

// NewManager returns a manager that refreshes session records every
// interval. A nil factory disables Launch.
func NewManager(registry Registry, factory Factory, interval time.Duration, clock clockwork.Clock, log logger.Logger) *Manager {
	log = logger.WithComponent(logger.OrNull(log), "session-manager")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: registry,
		factory:  factory,
		publisher: &Publisher{
			Registry: registry,
			Interval: interval,
			Clock:    clock,
			Logger:   log,
		},
		logger: log,
		ctx:    ctx,
		cancel: cancel,
		local:  make(map[string]*entry),
	}
}

func (m *Manager) Registry() Registry { return m.registry }

// Launch starts a new local session and returns its id.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if m.factory == nil {
		return "", apperrors.NewConflictError("this process does not launch sessions")
	}
	if req.Locator == "" {
		return "", apperrors.NewValidationError("locator is required")
	}
	if req.StartMS < 0 {
		return "", apperrors.NewValidationError("start_ms must not be negative")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p, err := m.factory(m.ctx, req)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := m.Attach(id, p); err != nil {
		p.Stop()
		return "", err
	}
	return id, nil
}

// Attach registers p under id and keeps its record current until it ends.
func (m *Manager) Attach(id string, p Controllable) error {
	if err := m.ctx.Err(); err != nil {
		return apperrors.NewConflictError("session manager is closed")
	}
	if err := m.registry.Register(m.ctx, FromStatus(id, p.Status())); err != nil {
		return err
	}

	e := &entry{player: p, hub: newHub()}
	m.mu.Lock()
	m.local[id] = e
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		e.hub.pump(p.Events())
	}()
	go func() {
		defer m.wg.Done()
		m.publisher.Track(m.ctx, id, p)
		m.mu.Lock()
		delete(m.local, id)
		m.mu.Unlock()
	}()

	m.logger.WithFields(logger.Fields{"session_id": id, "locator": p.Status().Locator}).Info("Session attached")
	return nil
}

// Player returns the local player for id.
func (m *Manager) Player(id string) (Controllable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.local[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.player, nil
}

// Subscribe streams the events of a local session. Call release when done.
func (m *Manager) Subscribe(id string) (events <-chan player.Event, release func(), err error) {
	m.mu.Lock()
	e, ok := m.local[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, notFound(id)
	}
	events, release = e.hub.subscribe()
	return events, release, nil
}

// Close stops every local player and waits for their records to be removed.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	players := make([]Controllable, 0, len(m.local))
	for _, e := range m.local {
		players = append(players, e.player)
	}
	m.mu.Unlock()

	for _, p := range players {
		p.Stop()
	}
	m.wg.Wait()
}
