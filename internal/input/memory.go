package input

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/metrics"
)

// MemoryStore holds named byte slices served by memory:// locators.
type MemoryStore struct {
	mu   sync.RWMutex
	bufs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bufs: make(map[string][]byte)}
}

// Put registers data under name, replacing any previous buffer. Open streams
// keep reading the slice they were opened with.
func (m *MemoryStore) Put(name string, data []byte) {
	m.mu.Lock()
	m.bufs[name] = data
	m.mu.Unlock()
}

func (m *MemoryStore) Delete(name string) {
	m.mu.Lock()
	delete(m.bufs, name)
	m.mu.Unlock()
}

func (m *MemoryStore) get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bufs[name]
	return b, ok
}

func (o *Opener) openMemory(_ context.Context, loc *url.URL) (Stream, error) {
	name := loc.Host + loc.Path
	if name == "" {
		name = loc.Opaque
	}
	name = strings.TrimPrefix(name, "/")
	data, ok := o.memory.get(name)
	if !ok {
		return nil, apperrors.NewOpenError(loc.String(), fmt.Errorf("no buffer named %q", name))
	}
	return &memoryStream{r: bytes.NewReader(data), locator: loc.String(), size: int64(len(data))}, nil
}

type memoryStream struct {
	mu      sync.Mutex
	r       *bytes.Reader
	locator string
	size    int64
	closed  bool
}

func (s *memoryStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, apperrors.NewIOError(fs.ErrClosed, false)
	}
	n, err := s.r.Read(p)
	metrics.AddInputBytes("memory", n)
	return n, err
}

func (s *memoryStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.size - int64(s.r.Len())
	target, err := resolveSeek(pos, s.size, offset, whence)
	if err != nil {
		return pos, err
	}
	return s.r.Seek(target, io.SeekStart)
}

func (s *memoryStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStream) Size() int64 { return s.size }

func (s *memoryStream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - int64(s.r.Len())
}

func (s *memoryStream) Seekable() bool  { return true }
func (s *memoryStream) Locator() string { return s.locator }
