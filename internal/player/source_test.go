package player

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/demux/demuxtest"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
)

// flakyStream fails the first reads with the queued errors.
type flakyStream struct {
	input.Stream
	mu   sync.Mutex
	errs []error
}

func (s *flakyStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()
	return s.Stream.Read(p)
}

func retryConfig() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
}

func TestRetryingStreamRetriesTransientReads(t *testing.T) {
	transient := apperrors.NewIOError(errors.New("connection reset"), true)
	src := &flakyStream{
		Stream: demuxtest.Stream([]byte("payload"), "memory://x", true),
		errs:   []error{transient, transient},
	}
	fc := clockwork.NewFakeClock()
	s := newRetryingStream(context.Background(), src, retryConfig(), fc, logger.NewNullLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			if fc.BlockUntilContext(ctx, 1) != nil {
				return
			}
			fc.Advance(time.Second)
		}
	}()

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
	<-done
}

func TestRetryingStreamGivesUp(t *testing.T) {
	fatal := apperrors.NewIOError(errors.New("permission denied"), false)
	src := &flakyStream{
		Stream: demuxtest.Stream([]byte("payload"), "memory://x", true),
		errs:   []error{fatal},
	}
	s := newRetryingStream(context.Background(), src, retryConfig(), clockwork.NewFakeClock(), logger.NewNullLogger())

	_, err := s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, fatal)
}

func TestRetryingStreamInterrupt(t *testing.T) {
	inner := demuxtest.Stream([]byte("payload"), "memory://x", true)
	s := newRetryingStream(context.Background(), inner, retryConfig(), clockwork.NewFakeClock(), logger.NewNullLogger())

	s.interrupt()
	_, err := s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.True(t, demuxtest.Closed(inner))
	assert.NoError(t, s.Close())
}
