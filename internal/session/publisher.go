package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/player"
)

// Source is what a publisher reports on. *player.Player satisfies it.
type Source interface {
	Status() player.Status
	Done() <-chan struct{}
}

// Publisher keeps one session record current while its player runs.
type Publisher struct {
	Registry Registry
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   logger.Logger
}

// Run registers the session, refreshes it every interval and unregisters
// it when the player finishes or ctx ends.
func (p *Publisher) Run(ctx context.Context, id string, src Source) error {
	if err := p.Registry.Register(ctx, FromStatus(id, src.Status())); err != nil {
		return err
	}
	p.Track(ctx, id, src)
	return nil
}

// Track is Run for a session that is already registered.
func (p *Publisher) Track(ctx context.Context, id string, src Source) {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := logger.WithComponent(logger.OrNull(p.Logger), "session-publisher").WithField("session_id", id)

	defer func() {
		// ctx may already be done
		if err := p.Registry.Unregister(context.Background(), id); err != nil {
			log.WithError(err).Debug("Unregistering session")
		}
	}()

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Done():
			return
		case <-ticker.Chan():
			if err := p.Registry.Update(ctx, FromStatus(id, src.Status())); err != nil {
				log.WithError(err).Warn("Session update failed")
			}
		}
	}
}
