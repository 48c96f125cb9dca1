// Package input provides byte-level access to media resources identified by
// a locator string.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/afero"

	"github.com/zsiec/reel/internal/config"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
)

// ErrNotSeekable is returned (wrapped in a SEEK_ERROR) by transports that
// can only be read forward.
var ErrNotSeekable = errors.New("stream is not seekable")

// Stream is an open media resource. A Stream is owned by exactly one reader.
type Stream interface {
	io.ReadSeekCloser
	// Size is the total length in bytes, or -1 when unknown.
	Size() int64
	Position() int64
	Seekable() bool
	Locator() string
}

// OpenFunc opens a parsed locator. Returned errors should be OPEN_ERRORs.
type OpenFunc func(ctx context.Context, loc *url.URL) (Stream, error)

// Opener dispatches locators to transports by scheme. Built-in schemes are
// registered by NewOpener; addons add their own with Register.
type Opener struct {
	cfg    config.InputConfig
	fs     afero.Fs
	memory *MemoryStore
	stdin  io.Reader
	logger logger.Logger

	mu      sync.RWMutex
	schemes map[string]OpenFunc
}

type Option func(*Opener)

// WithFs replaces the filesystem used for file locators.
func WithFs(fs afero.Fs) Option { return func(o *Opener) { o.fs = fs } }

// WithMemoryStore shares a store of named in-process buffers.
func WithMemoryStore(m *MemoryStore) Option { return func(o *Opener) { o.memory = m } }

// WithStdin replaces os.Stdin for pipe locators.
func WithStdin(r io.Reader) Option { return func(o *Opener) { o.stdin = r } }

func WithLogger(l logger.Logger) Option { return func(o *Opener) { o.logger = logger.OrNull(l) } }

func NewOpener(cfg config.InputConfig, opts ...Option) *Opener {
	o := &Opener{
		cfg:     cfg,
		stdin:   os.Stdin,
		logger:  logger.NullLogger{},
		schemes: make(map[string]OpenFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
		if cfg.FileRoot != "" {
			o.fs = afero.NewBasePathFs(o.fs, cfg.FileRoot)
		}
	}
	if o.memory == nil {
		o.memory = NewMemoryStore()
	}

	o.schemes["file"] = o.openFile
	o.schemes["http"] = o.openHTTP
	o.schemes["https"] = o.openHTTP
	o.schemes["memory"] = o.openMemory
	o.schemes["pipe"] = o.openPipe
	o.schemes["srt"] = o.openSRT
	o.schemes["rtp"] = o.openRTP
	o.schemes["udp"] = o.openRTP
	return o
}

// Memory returns the store backing memory:// locators.
func (o *Opener) Memory() *MemoryStore { return o.memory }

// Register adds a transport for scheme. Registering a scheme twice fails.
func (o *Opener) Register(scheme string, fn OpenFunc) error {
	scheme = strings.ToLower(scheme)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.schemes[scheme]; ok {
		return apperrors.NewConflictError(fmt.Sprintf("input scheme %q already registered", scheme))
	}
	o.schemes[scheme] = fn
	return nil
}

// Schemes lists registered schemes in sorted order.
func (o *Opener) Schemes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.schemes))
	for s := range o.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open resolves locator and opens it.
func (o *Opener) Open(ctx context.Context, locator string) (Stream, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	fn, ok := o.schemes[loc.Scheme]
	o.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewOpenError(locator, fmt.Errorf("unsupported scheme %q", loc.Scheme))
	}

	s, err := fn(ctx, loc)
	if err != nil {
		if _, ok := apperrors.GetAppError(err); !ok {
			err = apperrors.NewOpenError(locator, err)
		}
		return nil, err
	}
	o.logger.WithFields(logger.Fields{
		"locator":  locator,
		"size":     s.Size(),
		"seekable": s.Seekable(),
	}).Debug("Input opened")
	return s, nil
}

// Open opens locator with the default transports.
func Open(ctx context.Context, locator string) (Stream, error) {
	return NewOpener(config.Default().Input).Open(ctx, locator)
}

// ParseLocator normalizes a locator: "-" is stdin, bare paths are files.
func ParseLocator(locator string) (*url.URL, error) {
	if locator == "" {
		return nil, apperrors.NewOpenError(locator, errors.New("empty locator"))
	}
	if locator == "-" {
		return &url.URL{Scheme: "pipe", Opaque: "stdin"}, nil
	}
	if !strings.Contains(locator, "://") && !strings.HasPrefix(locator, "memory:") && !strings.HasPrefix(locator, "pipe:") {
		return &url.URL{Scheme: "file", Path: locator}, nil
	}

	u, err := url.Parse(locator)
	if err != nil {
		return nil, apperrors.NewOpenError(locator, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		return nil, apperrors.NewOpenError(locator, errors.New("missing scheme"))
	}
	return u, nil
}

// ioError wraps a transport failure, flagging network timeouts and resets
// as transient.
func ioError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if _, ok := apperrors.GetAppError(err); ok {
		return err
	}
	return apperrors.NewIOError(err, isTransient(err))
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// resolveSeek computes the target of a Seek against a stream of known size.
func resolveSeek(pos, size, offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = pos + offset
	case io.SeekEnd:
		if size < 0 {
			return pos, apperrors.NewSeekError("seek from end on stream of unknown size", nil)
		}
		target = size + offset
	default:
		return pos, apperrors.NewSeekError(fmt.Sprintf("invalid whence %d", whence), nil)
	}
	if target < 0 || (size >= 0 && target > size) {
		return pos, apperrors.NewSeekError(fmt.Sprintf("offset %d out of range [0, %d]", target, size), nil)
	}
	return target, nil
}

// forwardOnly implements the seek half of Stream for non-seekable
// transports. Read may block, so position and closed state are atomics and
// Close never waits for an in-flight Read.
type forwardOnly struct {
	locator string
	pos     atomic.Int64
	closed  atomic.Bool
}

func (f *forwardOnly) Seek(offset int64, whence int) (int64, error) {
	// A no-op position query is allowed so io.Seeker users can ask for the
	// current offset.
	if offset == 0 && whence == io.SeekCurrent {
		return f.pos.Load(), nil
	}
	return f.pos.Load(), apperrors.NewSeekError(f.locator, ErrNotSeekable)
}

func (f *forwardOnly) Position() int64 { return f.pos.Load() }
func (f *forwardOnly) Size() int64     { return -1 }
func (f *forwardOnly) Seekable() bool  { return false }
func (f *forwardOnly) Locator() string { return f.locator }
