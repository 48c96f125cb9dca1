// Package codec turns demuxed packets into frames ready for presentation.
//
// Decoders are created per stream through a Registry. Each decoder owns the
// packets it is given and hands out frames in presentation order.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
)

// ErrNeedMorePackets is returned by Retrieve when no frame is ready.
var ErrNeedMorePackets = errors.New("decoder needs more packets")

// Decoder converts the packets of one stream into frames.
//
// Submit takes ownership of the packet. A packet flagged FlagEndOfStream
// drains any internal buffering so the remaining frames can be retrieved.
// Flush discards buffered state, as after a seek.
type Decoder interface {
	Name() string
	Submit(p *media.Packet) error
	Retrieve() (*media.Frame, error)
	Flush()
	Close() error
}

// Options are passed to every decoder constructor.
type Options struct {
	Logger *logger.SampledLogger
	// ReorderDepth overrides the H.264 reorder buffer depth. Zero derives
	// it from the stream.
	ReorderDepth int
}

func (o Options) logger() *logger.SampledLogger {
	if o.Logger == nil {
		return logger.NewPlaybackLogger(logger.NewNullLogger(), nil)
	}
	return o.Logger
}

// Constructor builds a decoder for info.
type Constructor func(info media.StreamInfo, opts Options) (Decoder, error)

type factory struct {
	name   string
	codecs []media.Codec
	ctor   Constructor
}

// Registry maps codec hints to decoder constructors.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*factory
	byCodec map[media.Codec]*factory
}

func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*factory),
		byCodec: make(map[media.Codec]*factory),
	}
}

// DefaultRegistry returns a registry holding every built-in decoder.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range builtins() {
		if err := r.Register(f.name, f.codecs, f.ctor); err != nil {
			panic(err)
		}
	}
	return r
}

func builtins() []factory {
	return []factory{
		{"h264", []media.Codec{media.CodecH264}, newH264Decoder},
		{"aac", []media.Codec{media.CodecAAC}, newAACDecoder},
		{"pcm", []media.Codec{media.CodecPCMS16LE, media.CodecPCMS16BE, media.CodecPCMF32LE}, newPCMDecoder},
		{"rawvideo", []media.Codec{media.CodecRawVideo}, newRawVideoDecoder},
		{"text", []media.Codec{media.CodecText, media.CodecWebVTT}, newTextDecoder},
	}
}

// Register adds a decoder factory. Names and codec hints may only be
// claimed once.
func (r *Registry) Register(name string, codecs []media.Codec, ctor Constructor) error {
	if name == "" || ctor == nil || len(codecs) == 0 {
		return fmt.Errorf("decoder %q: name, codecs and constructor are required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("decoder %q already registered", name)
	}
	for _, c := range codecs {
		if other, ok := r.byCodec[c]; ok {
			return fmt.Errorf("codec %q already handled by decoder %q", c, other.name)
		}
	}

	f := &factory{name: name, codecs: codecs, ctor: ctor}
	r.byName[name] = f
	for _, c := range codecs {
		r.byCodec[c] = f
	}
	return nil
}

// Supports reports whether a decoder accepts the codec hint.
func (r *Registry) Supports(c media.Codec) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byCodec[c]
	return ok
}

// Codecs lists the accepted codec hints, sorted.
func (r *Registry) Codecs() []media.Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]media.Codec, 0, len(r.byCodec))
	for c := range r.byCodec {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New creates a decoder for the stream. The decoder reports frame and error
// counts to the metrics package.
func (r *Registry) New(info media.StreamInfo, opts Options) (Decoder, error) {
	r.mu.RLock()
	f, ok := r.byCodec[info.Codec]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewUnsupportedFormat(string(info.Codec)).
			WithDetails(map[string]interface{}{"stream_id": info.ID})
	}

	d, err := f.ctor(info, opts)
	if err != nil {
		return nil, err
	}
	return &instrumented{Decoder: d, codec: string(info.Codec)}, nil
}

// instrumented counts decoded frames and failures.
type instrumented struct {
	Decoder
	codec string
}

func (d *instrumented) Submit(p *media.Packet) error {
	start := time.Now()
	err := d.Decoder.Submit(p)
	metrics.ObserveDecode(d.codec, time.Since(start))
	if err != nil {
		metrics.IncDecodeError(d.codec)
	}
	return err
}

func (d *instrumented) Retrieve() (*media.Frame, error) {
	f, err := d.Decoder.Retrieve()
	if err == nil {
		metrics.IncFrameDecoded(d.codec)
	}
	return f, err
}

// frameQueue is the FIFO of frames waiting for Retrieve.
type frameQueue []*media.Frame

func (q *frameQueue) push(f *media.Frame) { *q = append(*q, f) }

func (q *frameQueue) pop() (*media.Frame, error) {
	if len(*q) == 0 {
		return nil, ErrNeedMorePackets
	}
	f := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return f, nil
}

func (q *frameQueue) reset() { *q = nil }
