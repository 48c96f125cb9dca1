// Package session tracks the playback sessions of a process in a registry
// that the control API reads.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/zsiec/reel/internal/config"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/player"
)

// Session is the registry record of one player.
type Session struct {
	ID       string   `json:"id"`
	Locator  string   `json:"locator"`
	State    string   `json:"state"`
	Format   string   `json:"format,omitempty"`
	Streams  []string `json:"streams,omitempty"`
	Scaling  string   `json:"scaling,omitempty"`
	Speed    float64  `json:"speed"`
	Position int64    `json:"position_ms"`
	Duration int64    `json:"duration_ms"`

	Presented   int64  `json:"presented"`
	Dropped     int64  `json:"dropped"`
	Substituted int64  `json:"substituted"`
	Error       string `json:"error,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// FromStatus builds the record for a player status.
func FromStatus(id string, st player.Status) *Session {
	s := &Session{
		ID:          id,
		Locator:     st.Locator,
		State:       st.State.String(),
		Format:      st.Format,
		Scaling:     st.Scaling,
		Speed:       st.Speed,
		Position:    st.Position.Milliseconds(),
		Duration:    st.Duration.Milliseconds(),
		Presented:   st.Presented,
		Dropped:     st.Dropped,
		Substituted: st.Substituted,
	}
	for _, info := range st.Streams {
		s.Streams = append(s.Streams, info.String())
	}
	if st.Err != nil {
		s.Error = st.Err.Error()
	}
	return s
}

// Registry stores the active sessions. Records expire when their heartbeat
// stops.
type Registry interface {
	// Register adds s. It fails with a conflict when the id is taken or the
	// registry is full.
	Register(ctx context.Context, s *Session) error
	Unregister(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	// Update replaces an existing record and refreshes its heartbeat.
	Update(ctx context.Context, s *Session) error
	UpdateHeartbeat(ctx context.Context, id string) error
	Close() error
}

func notFound(id string) error {
	return apperrors.NewNotFoundError(fmt.Sprintf("session %s", id))
}

// New builds the registry named by cfg.Backend. The redis backend needs a
// client.
func New(cfg config.SessionConfig, client *redis.Client, log logger.Logger, clock clockwork.Clock) (Registry, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryRegistry(cfg.TTL, cfg.MaxSessions, clock), nil
	case "redis":
		if client == nil {
			return nil, apperrors.NewConfigError("redis session backend needs a redis client")
		}
		return NewRedisRegistry(client, log, cfg.TTL, cfg.MaxSessions, clock), nil
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("unknown session backend %q", cfg.Backend))
	}
}

// NewRedisClient connects to the first configured address.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	addr := "localhost:6379"
	if len(cfg.Addresses) > 0 {
		addr = cfg.Addresses[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}
