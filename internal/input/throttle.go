package input

import (
	"context"

	"golang.org/x/time/rate"

	apperrors "github.com/zsiec/reel/internal/errors"
)

// throttled caps the read rate of a Stream.
type throttled struct {
	Stream
	ctx     context.Context
	limiter *rate.Limiter
}

// Throttle limits s to bytesPerSecond. A non-positive rate returns s as is.
// Reads are split so no single wait exceeds the limiter burst.
func Throttle(ctx context.Context, s Stream, bytesPerSecond int64) Stream {
	if bytesPerSecond <= 0 {
		return s
	}
	burst := int(bytesPerSecond)
	if burst < 4096 {
		burst = 4096
	}
	return &throttled{
		Stream:  s,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (t *throttled) Read(p []byte) (int, error) {
	if len(p) > t.limiter.Burst() {
		p = p[:t.limiter.Burst()]
	}
	n, err := t.Stream.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil && err == nil {
			err = apperrors.NewIOError(werr, false)
		}
	}
	return n, err
}
