package input

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"time"

	gosrt "github.com/datarhei/gosrt"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/metrics"
)

// srtStream is an SRT caller connection carrying an MPEG-TS payload.
type srtStream struct {
	forwardOnly
	conn        gosrt.Conn
	readTimeout time.Duration
}

func (o *Opener) srtConfig(loc *url.URL) gosrt.Config {
	cfg := gosrt.DefaultConfig()
	if o.cfg.SRTLatency > 0 {
		cfg.ReceiverLatency = o.cfg.SRTLatency
		cfg.PeerLatency = o.cfg.SRTLatency
	}
	q := loc.Query()
	if id := q.Get("streamid"); id != "" {
		cfg.StreamId = id
	}
	if pass := q.Get("passphrase"); pass != "" {
		cfg.Passphrase = pass
	}
	return cfg
}

func (o *Opener) openSRT(ctx context.Context, loc *url.URL) (Stream, error) {
	if loc.Host == "" {
		return nil, apperrors.NewOpenError(loc.String(), errors.New("srt locator needs host:port"))
	}
	cfg := o.srtConfig(loc)

	type dialResult struct {
		conn gosrt.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := gosrt.Dial("srt", loc.Host, cfg)
		ch <- dialResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			e := apperrors.NewOpenError(loc.String(), res.err)
			e.Transient = true
			return nil, e
		}
		return &srtStream{
			forwardOnly: forwardOnly{locator: loc.String()},
			conn:        res.conn,
			readTimeout: o.cfg.ReadTimeout,
		}, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, apperrors.NewOpenError(loc.String(), ctx.Err())
	}
}

func (s *srtStream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, apperrors.NewIOError(fs.ErrClosed, false)
	}
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	n, err := s.conn.Read(p)
	s.pos.Add(int64(n))
	metrics.AddInputBytes("srt", n)
	if err != nil {
		if errors.Is(err, io.EOF) || s.closed.Load() {
			return n, io.EOF
		}
		wrapped := ioError(err)
		metrics.IncInputError("srt", apperrors.IsTransient(wrapped))
		return n, wrapped
	}
	return n, nil
}

func (s *srtStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
