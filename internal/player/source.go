package player

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/retry"
)

// retryingStream retries transient read failures of the wrapped stream with
// exponential backoff. Once the budget is spent the last error is returned.
type retryingStream struct {
	input.Stream
	ctx     context.Context
	retrier *retry.Retrier

	interrupted atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

func newRetryingStream(ctx context.Context, s input.Stream, cfg config.RetryConfig, clock clockwork.Clock, log logger.Logger) *retryingStream {
	backoff := retry.NewExponentialBackoff(cfg.InitialDelay, cfg.MaxDelay, cfg.Multiplier, cfg.MaxAttempts)
	rs := &retryingStream{Stream: s, ctx: ctx}
	rs.retrier = &retry.Retrier{
		Strategy: backoff,
		Clock:    clock,
		Retryable: func(err error) bool {
			return !rs.interrupted.Load() && apperrors.IsTransient(err)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			metrics.IncRetry()
		},
		Logger: logger.WithComponent(log, "input-retry").WithField("locator", s.Locator()),
	}
	return rs
}

// interrupt unblocks a pending Read by closing the source. Later reads
// fail with io.ErrClosedPipe.
func (s *retryingStream) interrupt() {
	s.interrupted.Store(true)
	s.Close()
}

func (s *retryingStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.Stream.Close() })
	return s.closeErr
}

func (s *retryingStream) Read(p []byte) (int, error) {
	if s.interrupted.Load() {
		return 0, io.ErrClosedPipe
	}
	var n int
	err := s.retrier.Do(s.ctx, func(context.Context) error {
		var err error
		n, err = s.Stream.Read(p)
		if n > 0 {
			// keep the data; a persistent failure shows up on the next read
			return nil
		}
		return err
	})
	return n, err
}
