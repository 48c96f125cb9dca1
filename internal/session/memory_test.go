package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/reel/internal/errors"
)

func TestMemoryRegistry_RegisterAndGet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewMemoryRegistry(time.Minute, 0, clock)
	ctx := context.Background()

	s := &Session{ID: "a", Locator: "clip.mkv", State: "playing", Speed: 1}
	require.NoError(t, reg.Register(ctx, s))
	assert.Equal(t, clock.Now(), s.CreatedAt)

	got, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "clip.mkv", got.Locator)

	// returned records are copies
	got.Locator = "changed"
	again, _ := reg.Get(ctx, "a")
	assert.Equal(t, "clip.mkv", again.Locator)

	err = reg.Register(ctx, &Session{ID: "a"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	_, err = reg.Get(ctx, "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestMemoryRegistry_Limit(t *testing.T) {
	reg := NewMemoryRegistry(time.Minute, 2, clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Session{ID: "a"}))
	require.NoError(t, reg.Register(ctx, &Session{ID: "b"}))
	err := reg.Register(ctx, &Session{ID: "c"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	require.NoError(t, reg.Unregister(ctx, "a"))
	assert.NoError(t, reg.Register(ctx, &Session{ID: "c"}))
}

func TestMemoryRegistry_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewMemoryRegistry(time.Minute, 0, clock)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Session{ID: "a"}))
	require.NoError(t, reg.Register(ctx, &Session{ID: "b"}))

	clock.Advance(40 * time.Second)
	require.NoError(t, reg.UpdateHeartbeat(ctx, "a"))
	clock.Advance(40 * time.Second)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	err = reg.UpdateHeartbeat(ctx, "b")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestMemoryRegistry_UpdateKeepsCreatedAt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewMemoryRegistry(time.Minute, 0, clock)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Session{ID: "a", State: "opened"}))
	created := clock.Now()
	clock.Advance(10 * time.Second)

	require.NoError(t, reg.Update(ctx, &Session{ID: "a", State: "playing", Position: 1500}))
	got, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "playing", got.State)
	assert.Equal(t, int64(1500), got.Position)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, clock.Now(), got.LastHeartbeat)

	err = reg.Update(ctx, &Session{ID: "nope"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestMemoryRegistry_ListOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewMemoryRegistry(time.Minute, 0, clock)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(ctx, &Session{ID: id}))
		clock.Advance(time.Second)
	}
	list, err := reg.List(ctx)
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}
