package input

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/metrics"
)

type fileStream struct {
	mu      sync.Mutex
	f       afero.File
	locator string
	size    int64
	pos     int64
	closed  bool
}

func (o *Opener) openFile(_ context.Context, loc *url.URL) (Stream, error) {
	path := loc.Path
	if path == "" {
		path = loc.Opaque
	}
	locator := loc.String()
	if loc.Host != "" && loc.Host != "localhost" {
		return nil, apperrors.NewOpenError(locator, errors.New("remote file hosts are not supported"))
	}
	path = filepath.Clean(path)

	f, err := o.fs.Open(path)
	if err != nil {
		return nil, apperrors.NewOpenError(locator, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, apperrors.NewOpenError(locator, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, apperrors.NewOpenError(locator, &fs.PathError{Op: "open", Path: path, Err: errors.New("is a directory")})
	}

	return &fileStream{f: f, locator: locator, size: st.Size()}, nil
}

func (s *fileStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, apperrors.NewIOError(fs.ErrClosed, false)
	}
	n, err := s.f.Read(p)
	s.pos += int64(n)
	metrics.AddInputBytes("file", n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, ioError(err)
	}
	return n, err
}

func (s *fileStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.pos, apperrors.NewSeekError("stream closed", fs.ErrClosed)
	}
	target, err := resolveSeek(s.pos, s.size, offset, whence)
	if err != nil {
		return s.pos, err
	}
	if _, err := s.f.Seek(target, io.SeekStart); err != nil {
		return s.pos, apperrors.NewSeekError("file seek failed", err)
	}
	s.pos = target
	return target, nil
}

func (s *fileStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

func (s *fileStream) Size() int64 { return s.size }

func (s *fileStream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *fileStream) Seekable() bool  { return true }
func (s *fileStream) Locator() string { return s.locator }
