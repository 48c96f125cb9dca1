// Package retry runs operations under a bounded backoff schedule.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zsiec/reel/internal/logger"
)

// Strategy yields successive delays until it gives up.
type Strategy interface {
	// NextDelay returns the delay before the next attempt and false once the
	// budget is spent.
	NextDelay() (time.Duration, bool)
	Reset()
}

// ExponentialBackoff multiplies the delay after each attempt, capped at
// MaxDelay. Jitter is the +/- fraction applied to each delay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	Jitter       float64

	mu      sync.Mutex
	current time.Duration
	count   int
	rnd     *rand.Rand
}

func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   multiplier,
		MaxRetries:   maxRetries,
		Jitter:       0.2,
		current:      initial,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *ExponentialBackoff) NextDelay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count >= e.MaxRetries {
		return 0, false
	}

	delay := e.current
	if e.Jitter > 0 {
		f := 1 - e.Jitter + 2*e.Jitter*e.rnd.Float64()
		delay = time.Duration(float64(delay) * f)
	}

	e.current = time.Duration(float64(e.current) * e.Multiplier)
	if e.current > e.MaxDelay {
		e.current = e.MaxDelay
	}
	e.count++

	return delay, true
}

func (e *ExponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = e.InitialDelay
	e.count = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (e *ExponentialBackoff) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Retrier re-runs an operation while it fails with a retryable error.
type Retrier struct {
	Strategy  Strategy
	Clock     clockwork.Clock
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
	Logger  logger.Logger
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// strategy gives up, or ctx ends. The last error from fn is returned when
// the budget is exhausted. A success resets the strategy.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	clock := r.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := logger.OrNull(r.Logger)

	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			r.Strategy.Reset()
			return nil
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}

		delay, ok := r.Strategy.NextDelay()
		if !ok {
			log.WithError(err).WithField("attempts", attempt).Warn("Retry budget exhausted")
			return err
		}
		attempt++
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		log.WithError(err).WithFields(logger.Fields{
			"attempt":  attempt,
			"retry_in": delay,
		}).Debug("Operation failed, retrying")

		timer := clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}
