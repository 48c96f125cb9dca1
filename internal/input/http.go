package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/pkg/version"
)

// httpStream reads a remote resource with range requests. A Seek only moves
// the offset; the next Read reissues the request from there. A broken body
// surfaces as a transient IO_ERROR and is reopened on the following Read.
//
// Read and Seek are not safe for concurrent use with each other. Close may
// be called at any time and unblocks a Read stalled on the network.
type httpStream struct {
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	client   *http.Client
	url      string
	locator  string
	size     int64
	seekable bool
	pos      int64
	body     io.ReadCloser
	closed   bool
}

func (o *Opener) newHTTPClient() *http.Client {
	timeout := o.cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			ResponseHeaderTimeout: timeout,
			TLSHandshakeTimeout:   timeout,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func (o *Opener) openHTTP(ctx context.Context, loc *url.URL) (Stream, error) {
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &httpStream{
		ctx:     reqCtx,
		cancel:  cancel,
		client:  o.newHTTPClient(),
		url:     loc.String(),
		locator: loc.String(),
		size:    -1,
	}

	resp, err := s.request(ctx, 0)
	if err != nil {
		cancel()
		e := apperrors.NewOpenError(s.locator, err)
		e.Transient = isTransient(err)
		return nil, e
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		s.seekable = true
		s.size = totalFromContentRange(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		s.seekable = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		s.size = resp.ContentLength
	default:
		_ = resp.Body.Close()
		cancel()
		return nil, apperrors.NewOpenError(s.locator, fmt.Errorf("unexpected HTTP status %s", resp.Status))
	}
	if s.size < 0 {
		s.seekable = false
	}
	s.body = resp.Body
	return s, nil
}

func (s *httpStream) request(ctx context.Context, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.GetInfo().UserAgent())
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	return s.client.Do(req)
}

func totalFromContentRange(v string) int64 {
	// bytes 0-99/1234
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return -1
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (s *httpStream) Read(p []byte) (int, error) {
	body, err := s.acquire()
	if err != nil || body == nil {
		return 0, err
	}

	// the lock is not held here so Close can interrupt a stalled body
	n, err := body.Read(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, apperrors.NewIOError(fs.ErrClosed, false)
	}
	s.pos += int64(n)
	metrics.AddInputBytes("http", n)
	if err == nil {
		return n, nil
	}
	_ = body.Close()
	if s.body == body {
		s.body = nil
	}

	if errors.Is(err, io.EOF) {
		if s.size >= 0 && s.pos < s.size {
			metrics.IncInputError("http", true)
			return n, apperrors.NewIOError(io.ErrUnexpectedEOF, true)
		}
		return n, io.EOF
	}
	wrapped := ioError(err)
	metrics.IncInputError("http", apperrors.IsTransient(wrapped))
	return n, wrapped
}

// acquire returns the open body, issuing a range request from the current
// offset when there is none. A nil body with a nil error means EOF was
// already reached and is reported as io.EOF.
func (s *httpStream) acquire() (io.ReadCloser, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.NewIOError(fs.ErrClosed, false)
	}
	if s.size >= 0 && s.pos >= s.size {
		s.mu.Unlock()
		return nil, io.EOF
	}
	if s.body != nil {
		body := s.body
		s.mu.Unlock()
		return body, nil
	}
	pos := s.pos
	s.mu.Unlock()

	resp, err := s.request(s.ctx, pos)
	if err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, apperrors.NewIOError(fs.ErrClosed, false)
		}
		metrics.IncInputError("http", true)
		return nil, apperrors.NewIOError(err, true)
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		_ = resp.Body.Close()
		return nil, io.EOF
	}
	if resp.StatusCode != http.StatusPartialContent && !(resp.StatusCode == http.StatusOK && pos == 0) {
		_ = resp.Body.Close()
		transient := resp.StatusCode >= 500
		metrics.IncInputError("http", transient)
		return nil, apperrors.NewIOError(fmt.Errorf("range request returned %s", resp.Status), transient)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = resp.Body.Close()
		return nil, apperrors.NewIOError(fs.ErrClosed, false)
	}
	s.body = resp.Body
	return s.body, nil
}

func (s *httpStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset == 0 && whence == io.SeekCurrent {
		return s.pos, nil
	}
	if !s.seekable {
		return s.pos, apperrors.NewSeekError(s.locator, ErrNotSeekable)
	}
	target, err := resolveSeek(s.pos, s.size, offset, whence)
	if err != nil {
		return s.pos, err
	}
	if target != s.pos && s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
	s.pos = target
	return target, nil
}

func (s *httpStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	body := s.body
	s.body = nil
	s.mu.Unlock()

	s.cancel()
	if body != nil {
		return body.Close()
	}
	return nil
}

func (s *httpStream) Size() int64 { return s.size }

func (s *httpStream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *httpStream) Seekable() bool  { return s.seekable }
func (s *httpStream) Locator() string { return s.locator }
