package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
)

const keyPrefix = "reel:sessions:"

// Register is atomic: stale ids are pruned from the active set, the limit is
// checked, then the record is created only if absent.
var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local id = ARGV[3]
	local max = tonumber(ARGV[4])
	local prefix = ARGV[5]
	for _, member in ipairs(redis.call('SMEMBERS', active_key)) do
		if redis.call('EXISTS', prefix .. member) == 0 then
			redis.call('SREM', active_key, member)
		end
	end
	if max > 0 and redis.call('SCARD', active_key) >= max then
		return -1
	end
	local ok = redis.call('SET', key, data, 'PX', ttl, 'NX')
	if not ok then
		return 0
	end
	redis.call('SADD', active_key, id)
	return 1
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local result = {}
	for _, id in ipairs(redis.call('SMEMBERS', active_key)) do
		local data = redis.call('GET', prefix .. id)
		if data then
			table.insert(result, data)
		else
			redis.call('SREM', active_key, id)
		end
	end
	return result
`)

var heartbeatScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local now = ARGV[2]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("session not found")
	end
	local s = cjson.decode(data)
	s.last_heartbeat = now
	redis.call('SET', key, cjson.encode(s), 'PX', ttl)
	return "OK"
`)

// RedisRegistry shares sessions between processes through Redis.
type RedisRegistry struct {
	client *redis.Client
	logger logger.Logger
	prefix string
	ttl    time.Duration
	max    int
	clock  clockwork.Clock
}

func NewRedisRegistry(client *redis.Client, log logger.Logger, ttl time.Duration, maxSessions int, clock clockwork.Clock) *RedisRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisRegistry{
		client: client,
		logger: logger.WithComponent(logger.OrNull(log), "session-registry"),
		prefix: keyPrefix,
		ttl:    ttl,
		max:    maxSessions,
		clock:  clock,
	}
}

func (r *RedisRegistry) activeKey() string { return r.prefix + "active" }

func (r *RedisRegistry) Register(ctx context.Context, s *Session) error {
	now := r.clock.Now()
	s.CreatedAt = now
	s.LastHeartbeat = now

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	res, err := registerScript.Run(ctx, r.client,
		[]string{r.prefix + s.ID, r.activeKey()},
		data, r.ttl.Milliseconds(), s.ID, r.max, r.prefix).Int()
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	switch res {
	case -1:
		return apperrors.NewConflictError(fmt.Sprintf("session limit of %d reached", r.max))
	case 0:
		return apperrors.NewConflictError(fmt.Sprintf("session %s already exists", s.ID))
	}

	r.logger.WithFields(logger.Fields{
		"session_id": s.ID,
		"locator":    s.Locator,
	}).Info("Session registered")
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, r.prefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeKey(), id).Err(); err != nil {
		r.logger.WithError(err).WithField("session_id", id).Warn("Failed to remove session from active set")
	}
	if deleted == 0 {
		return notFound(id)
	}
	r.logger.WithField("session_id", id).Info("Session unregistered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if err == redis.Nil {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Session, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T from list script", res)
	}

	out := make([]*Session, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			r.logger.WithError(err).Warn("Skipping unreadable session record")
			continue
		}
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Update only touches existing records so a late publish cannot resurrect
// an unregistered session.
func (r *RedisRegistry) Update(ctx context.Context, s *Session) error {
	old, err := r.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	s.CreatedAt = old.CreatedAt
	s.LastHeartbeat = r.clock.Now()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := r.client.SetXX(ctx, r.prefix+s.ID, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if !ok {
		return notFound(s.ID)
	}
	return nil
}

func (r *RedisRegistry) UpdateHeartbeat(ctx context.Context, id string) error {
	now := r.clock.Now().Format(time.RFC3339Nano)
	err := heartbeatScript.Run(ctx, r.client, []string{r.prefix + id}, r.ttl.Milliseconds(), now).Err()
	if err != nil {
		if strings.Contains(err.Error(), "session not found") {
			return notFound(id)
		}
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
