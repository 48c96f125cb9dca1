package input

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/metrics"
)

// pipeStream reads a forward-only byte source such as stdin.
type pipeStream struct {
	forwardOnly
	r      io.Reader
	scheme string
}

func (o *Opener) openPipe(_ context.Context, loc *url.URL) (Stream, error) {
	// stdin is shared with the process and is never closed by the stream
	return &pipeStream{forwardOnly: forwardOnly{locator: loc.String()}, r: io.NopCloser(o.stdin), scheme: "pipe"}, nil
}

// NewReaderStream adapts any reader into a non-seekable Stream. Close closes
// r when it is an io.Closer.
func NewReaderStream(locator string, r io.Reader) Stream {
	return &pipeStream{forwardOnly: forwardOnly{locator: locator}, r: r, scheme: "reader"}
}

func (s *pipeStream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, apperrors.NewIOError(fs.ErrClosed, false)
	}
	n, err := s.r.Read(p)
	s.pos.Add(int64(n))
	metrics.AddInputBytes(s.scheme, n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, ioError(err)
	}
	return n, err
}

func (s *pipeStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
