package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/session"
)

// RedisChecker checks Redis connectivity.
type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) Name() string { return "redis" }

func (r *RedisChecker) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	info, err := r.client.Info(ctx, "clients").Result()
	if err != nil {
		return fmt.Errorf("failed to get redis info: %w", err)
	}
	if len(info) == 0 {
		return fmt.Errorf("empty redis info response")
	}
	return nil
}

// PlayerChecker reports players whose heartbeat went quiet or whose
// playback failed. Either leaves the service degraded, not down.
type PlayerChecker struct {
	registry session.Registry
	stale    time.Duration
	clock    clockwork.Clock
}

// NewPlayerChecker flags sessions silent for longer than stale.
func NewPlayerChecker(registry session.Registry, stale time.Duration, clock clockwork.Clock) *PlayerChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PlayerChecker{registry: registry, stale: stale, clock: clock}
}

func (p *PlayerChecker) Name() string { return "players" }

func (p *PlayerChecker) Check(ctx context.Context) error {
	sessions, err := p.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	var stalled, failed []string
	for _, s := range sessions {
		if s.State == "failed" {
			failed = append(failed, s.ID)
			continue
		}
		if p.stale > 0 && p.clock.Since(s.LastHeartbeat) > p.stale {
			stalled = append(stalled, s.ID)
		}
	}
	if len(stalled) == 0 && len(failed) == 0 {
		return nil
	}

	details := map[string]interface{}{"sessions": len(sessions)}
	var parts []string
	if len(stalled) > 0 {
		details["stalled"] = stalled
		parts = append(parts, fmt.Sprintf("%d stalled", len(stalled)))
	}
	if len(failed) > 0 {
		details["failed"] = failed
		parts = append(parts, fmt.Sprintf("%d failed", len(failed)))
	}
	return Degraded(fmt.Errorf("players: %s", strings.Join(parts, ", ")), details)
}

// DecoderChecker verifies the decoder set covers the codecs the service
// promises to play.
type DecoderChecker struct {
	registry *codec.Registry
	required []media.Codec
}

func NewDecoderChecker(registry *codec.Registry, required ...media.Codec) *DecoderChecker {
	return &DecoderChecker{registry: registry, required: required}
}

func (d *DecoderChecker) Name() string { return "decoders" }

func (d *DecoderChecker) Check(ctx context.Context) error {
	var missing []string
	for _, c := range d.required {
		if !d.registry.Supports(c) {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no decoder for %s", strings.Join(missing, ", "))
	}
	return nil
}
