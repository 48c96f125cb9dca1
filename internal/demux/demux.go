// Package demux splits container byte streams into per-stream packets.
//
// Three containers are supported: MPEG-TS, Matroska/WebM and fragmented
// MP4. Each keeps a keyframe index of the stream it has read so far, which
// makes Seek exact and repeatable.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
)

// DefaultMaxErrors is the number of consecutive corrupt units tolerated
// before NextPacket fails.
const DefaultMaxErrors = 32

// Demuxer produces packets from one container.
type Demuxer interface {
	Format() Format
	Streams() []media.StreamInfo
	// NextPacket returns io.EOF once the container is exhausted.
	NextPacket() (*media.Packet, error)
	// Seek lands on the nearest keyframe of the reference stream at or
	// before ts and returns its timestamp. When no keyframe precedes ts it
	// rewinds to the start of the container and returns 0.
	Seek(ts time.Duration) (time.Duration, error)
	// Duration is 0 when unknown.
	Duration() time.Duration
	Close() error
}

// Stats counts what a demuxer has produced.
type Stats struct {
	Packets      int64
	Corrupt      int64
	IndexEntries int
}

type options struct {
	logger    logger.Logger
	clock     clockwork.Clock
	maxErrors int
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = logger.OrNull(l) }
}

// WithClock sets the clock used for log sampling.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMaxErrors sets the consecutive corrupt unit budget.
func WithMaxErrors(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxErrors = n
		}
	}
}

// Open probes s and returns a demuxer for its container. The demuxer owns s
// from then on and closes it in Close. On error s is left open.
func Open(ctx context.Context, s input.Stream, opts ...Option) (Demuxer, error) {
	o := options{
		logger:    logger.NewNullLogger(),
		clock:     clockwork.NewRealClock(),
		maxErrors: DefaultMaxErrors,
	}
	for _, opt := range opts {
		opt(&o)
	}

	res, src, err := probeStream(s)
	if err != nil {
		return nil, err
	}

	log := o.logger.WithFields(map[string]interface{}{
		"component": "demux",
		"format":    string(res.Format),
		"locator":   s.Locator(),
	})

	var r reader
	switch res.Format {
	case FormatMPEGTS:
		r, err = newTSReader(ctx, src, log)
	case FormatMatroska:
		r, err = newMatroskaReader(src, log)
	case FormatMP4:
		r, err = openMP4(src, log)
	default:
		err = apperrors.NewFormatError(fmt.Sprintf("unrecognised container (%s)", res.MIME), nil)
	}
	if err != nil {
		return nil, err
	}

	d := newDemuxer(res.Format, r, src, o, log)
	log.WithFields(map[string]interface{}{
		"streams":  len(d.streams),
		"duration": d.duration.String(),
	}).Info("Container opened")
	return d, nil
}

// reader is the container-specific half of a demuxer.
type reader interface {
	streams() []media.StreamInfo
	duration() time.Duration
	// next returns the next packet, a corruptError for a unit that was
	// skipped, io.EOF, or a fatal error.
	next() (*media.Packet, error)
	// checkpoint identifies the position of the next packet next would
	// return; restore returns there.
	checkpoint() any
	restore(cp any) error
	close() error
}

type corruptError struct {
	err error
}

func (e *corruptError) Error() string { return "corrupt unit: " + e.err.Error() }
func (e *corruptError) Unwrap() error { return e.err }

func corrupt(err error) error { return &corruptError{err: err} }

type indexEntry struct {
	pts time.Duration
	cp  any
}

type demuxer struct {
	format   Format
	r        reader
	src      input.Stream
	log      logger.Logger
	sampled  *logger.SampledLogger
	streams  []media.StreamInfo
	kinds    map[int]media.Kind
	duration time.Duration

	ref      int
	start    any
	index    []indexEntry
	scanned  time.Duration
	complete bool

	discont     map[int]bool
	consecutive int
	maxErrors   int
	stats       Stats
	closed      bool
}

func newDemuxer(format Format, r reader, src input.Stream, o options, log logger.Logger) *demuxer {
	d := &demuxer{
		format:    format,
		r:         r,
		src:       src,
		log:       log,
		sampled:   logger.NewPlaybackLogger(log, o.clock),
		streams:   r.streams(),
		kinds:     make(map[int]media.Kind),
		duration:  r.duration(),
		start:     r.checkpoint(),
		scanned:   -1,
		discont:   make(map[int]bool),
		maxErrors: o.maxErrors,
	}
	d.ref = referenceStream(d.streams)
	for _, s := range d.streams {
		d.kinds[s.ID] = s.Kind
	}
	return d
}

// referenceStream is the first video stream, else the first stream.
func referenceStream(streams []media.StreamInfo) int {
	for _, s := range streams {
		if s.Kind == media.KindVideo {
			return s.ID
		}
	}
	if len(streams) > 0 {
		return streams[0].ID
	}
	return -1
}

func (d *demuxer) Format() Format { return d.format }

func (d *demuxer) Streams() []media.StreamInfo {
	out := make([]media.StreamInfo, len(d.streams))
	copy(out, d.streams)
	return out
}

func (d *demuxer) Duration() time.Duration { return d.duration }

func (d *demuxer) Stats() Stats {
	s := d.stats
	s.IndexEntries = len(d.index)
	return s
}

func (d *demuxer) NextPacket() (*media.Packet, error) {
	if d.closed {
		return nil, apperrors.NewDemuxError("demuxer closed", nil)
	}

	for {
		pkt, err := d.read()
		if err == nil {
			d.consecutive = 0
			d.stats.Packets++
			if d.discont[pkt.StreamID] {
				pkt.Flags |= media.FlagDiscontinuity
				delete(d.discont, pkt.StreamID)
			}
			metrics.IncPacketDemuxed(string(d.format), d.kinds[pkt.StreamID].String())
			return pkt, nil
		}

		var ce *corruptError
		if !errors.As(err, &ce) {
			return nil, d.fatal(err)
		}

		d.consecutive++
		d.stats.Corrupt++
		metrics.IncCorruptPacket(string(d.format))
		d.sampled.WarnWithCategory(logger.CategoryCorruptPacket, "Skipping corrupt unit", map[string]interface{}{
			"error":       ce.err.Error(),
			"consecutive": d.consecutive,
		})
		if d.consecutive > d.maxErrors {
			return nil, apperrors.NewDemuxError(
				fmt.Sprintf("%d consecutive corrupt units", d.consecutive), ce.err)
		}
	}
}

// fatal passes EOF and input errors through untouched and classifies the rest.
func (d *demuxer) fatal(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if ae, ok := apperrors.GetAppError(err); ok {
		return ae
	}
	return apperrors.NewDemuxError("reading container", err)
}

// read pulls one packet and records reference keyframes in the index.
func (d *demuxer) read() (*media.Packet, error) {
	cp := d.r.checkpoint()
	pkt, err := d.r.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.complete = true
		}
		return nil, err
	}
	if pkt.StreamID == d.ref {
		if pkt.PTS > d.scanned {
			d.scanned = pkt.PTS
		}
		if pkt.Keyframe() {
			d.addIndex(pkt.PTS, cp)
		}
	}
	return pkt, nil
}

func (d *demuxer) addIndex(pts time.Duration, cp any) {
	i := sort.Search(len(d.index), func(i int) bool { return d.index[i].pts >= pts })
	if i < len(d.index) && d.index[i].pts == pts {
		return
	}
	d.index = append(d.index, indexEntry{})
	copy(d.index[i+1:], d.index[i:])
	d.index[i] = indexEntry{pts: pts, cp: cp}
}

// floor returns the last index entry at or before ts.
func (d *demuxer) floor(ts time.Duration) (indexEntry, bool) {
	i := sort.Search(len(d.index), func(i int) bool { return d.index[i].pts > ts })
	if i == 0 {
		return indexEntry{}, false
	}
	return d.index[i-1], true
}

func (d *demuxer) Seek(ts time.Duration) (time.Duration, error) {
	if d.closed {
		return 0, apperrors.NewSeekError("demuxer closed", nil)
	}
	if !d.src.Seekable() {
		return 0, apperrors.NewSeekError(d.src.Locator(), input.ErrNotSeekable)
	}
	if ts < 0 {
		ts = 0
	}

	if !d.complete && ts > d.scanned {
		if err := d.scan(ts); err != nil {
			return 0, err
		}
	}

	e, ok := d.floor(ts)
	if !ok {
		// no keyframe at or before ts
		if err := d.restore(d.start); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if err := d.restore(e.cp); err != nil {
		return 0, err
	}
	d.log.WithFields(map[string]interface{}{
		"requested": ts.String(),
		"landed":    e.pts.String(),
	}).Debug("Seek landed")
	return e.pts, nil
}

// scan reads forward from the last indexed keyframe until the reference
// stream passes ts or the container ends.
func (d *demuxer) scan(ts time.Duration) error {
	from := d.start
	if n := len(d.index); n > 0 {
		from = d.index[n-1].cp
	}
	if err := d.r.restore(from); err != nil {
		return seekFailure(err)
	}

	for {
		pkt, err := d.read()
		if err != nil {
			var ce *corruptError
			if errors.As(err, &ce) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return seekFailure(err)
		}
		if pkt.StreamID == d.ref && pkt.Keyframe() && pkt.PTS > ts {
			return nil
		}
	}
}

func (d *demuxer) restore(cp any) error {
	if err := d.r.restore(cp); err != nil {
		return seekFailure(err)
	}
	d.consecutive = 0
	for _, s := range d.streams {
		d.discont[s.ID] = true
	}
	return nil
}

func seekFailure(err error) error {
	if ae, ok := apperrors.GetAppError(err); ok && ae.Type == apperrors.ErrorTypeSeek {
		return ae
	}
	return apperrors.NewSeekError("repositioning container", err)
}

func (d *demuxer) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	rerr := d.r.close()
	serr := d.src.Close()
	if rerr != nil {
		return rerr
	}
	return serr
}

// StatsOf reports counters for demuxers created by Open.
func StatsOf(dm Demuxer) (Stats, bool) {
	d, ok := dm.(*demuxer)
	if !ok {
		return Stats{}, false
	}
	return d.Stats(), true
}
