package player

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// mediaClock maps wall time onto the media timeline. It advances at speed
// while running and is frozen while paused or while waiting for the first
// frame after a start or seek.
type mediaClock struct {
	mu    sync.Mutex
	clock clockwork.Clock

	anchorWall  time.Time
	anchorMedia time.Duration
	speed       float64

	paused  bool
	waiting bool
}

func newMediaClock(c clockwork.Clock, speed float64) *mediaClock {
	if speed <= 0 {
		speed = 1
	}
	return &mediaClock{clock: c, speed: speed, waiting: true, anchorWall: c.Now()}
}

func (c *mediaClock) running() bool { return !c.paused && !c.waiting }

func (c *mediaClock) nowLocked() time.Duration {
	if !c.running() {
		return c.anchorMedia
	}
	return c.anchorMedia + time.Duration(float64(c.clock.Since(c.anchorWall))*c.speed)
}

// Now is the current media position.
func (c *mediaClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

// Hold freezes the clock at pos until Release, as at startup and after a
// seek.
func (c *mediaClock) Hold(pos time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorMedia = pos
	c.anchorWall = c.clock.Now()
	c.waiting = true
}

// Release starts a held clock. It is a no-op otherwise.
func (c *mediaClock) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.waiting {
		return
	}
	c.waiting = false
	c.anchorWall = c.clock.Now()
}

func (c *mediaClock) Waiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

func (c *mediaClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.anchorMedia = c.nowLocked()
	c.anchorWall = c.clock.Now()
	c.paused = true
}

func (c *mediaClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.anchorWall = c.clock.Now()
}

func (c *mediaClock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *mediaClock) SetSpeed(x float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorMedia = c.nowLocked()
	c.anchorWall = c.clock.Now()
	c.speed = x
}

func (c *mediaClock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Sync re-anchors a running clock on pos, used when the audio master
// reports a position that drifted from the wall clock.
func (c *mediaClock) Sync(pos time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorMedia = pos
	c.anchorWall = c.clock.Now()
}

// WallAt converts a media position to the wall time it is reached, and
// returns the zero time while the clock is stopped.
func (c *mediaClock) WallAt(pos time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running() {
		return time.Time{}
	}
	return c.anchorWall.Add(time.Duration(float64(pos-c.anchorMedia) / c.speed))
}

// Until is the wall time left before pos is reached.
func (c *mediaClock) Until(pos time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(float64(pos-c.nowLocked()) / c.speed)
}
