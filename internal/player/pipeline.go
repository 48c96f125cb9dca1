package player

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/codec"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/subtitle"
)

type seekRequest struct {
	ts    time.Duration
	reply chan seekReply
}

type seekReply struct {
	landed time.Duration
	err    error
}

// Every queued item carries the seek generation it was produced in. Items
// from an older generation are discarded on receipt.
type packetItem struct {
	pkt *media.Packet
	gen uint64
}

type frameItem struct {
	frame *media.Frame
	gen   uint64
	eos   bool
	err   error
}

type seekNotice struct {
	gen uint64
	pos time.Duration
}

// lane is the path of one selected stream from demuxer to renderer.
type lane struct {
	info    media.StreamInfo
	dec     codec.Decoder
	track   *subtitle.Track
	packets chan packetItem
	frames  chan frameItem
	restart chan seekNotice

	// owned by the render stage
	head *frameItem
	done bool
	err  error

	closeOnce sync.Once
}

func newLane(info media.StreamInfo, dec codec.Decoder, packetQueue, frameQueue int) *lane {
	return &lane{
		info:    info,
		dec:     dec,
		packets: make(chan packetItem, packetQueue),
		frames:  make(chan frameItem, frameQueue),
	}
}

func newSubtitleLane(track *subtitle.Track, id, frameQueue int) *lane {
	return &lane{
		info:    track.StreamInfo(id),
		track:   track,
		frames:  make(chan frameItem, frameQueue),
		restart: make(chan seekNotice, 1),
	}
}

func (ln *lane) close() {
	ln.closeOnce.Do(func() {
		if ln.dec != nil {
			ln.dec.Close()
		}
	})
}

func (ln *lane) kind() string { return ln.info.Kind.String() }

type pipeline struct {
	p      *Player
	cancel context.CancelFunc
	// generation the render stage is presenting
	gen uint64
}

type sendResult int

const (
	sent sendResult = iota
	reseeked
	cancelled
)

// demuxStage reads packets and routes them to the decode lanes. Seek
// requests are served here so they never race a read.
func (pl *pipeline) demuxStage(ctx context.Context) error {
	p := pl.p
	byID := make(map[int]*lane, len(p.lanes))
	for _, ln := range p.lanes {
		if ln.track == nil {
			byID[ln.info.ID] = ln
		}
	}

	gen := p.gen.Load()
	eof := false
	for {
		if eof {
			select {
			case <-ctx.Done():
				return nil
			case req := <-p.seekReq:
				if pl.handleSeek(req, &gen) {
					eof = false
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case req := <-p.seekReq:
			pl.handleSeek(req, &gen)
			continue
		default:
		}

		pkt, err := p.dmx.NextPacket()
		if errors.Is(err, io.EOF) {
			eof = true
			for _, ln := range p.lanes {
				if ln.track != nil {
					continue
				}
				eos := &media.Packet{StreamID: ln.info.ID, Flags: media.FlagEndOfStream}
				res := pl.send(ctx, ln, packetItem{pkt: eos, gen: gen}, &gen)
				if res == cancelled {
					return nil
				}
				if res == reseeked {
					eof = false
					break
				}
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		ln, ok := byID[pkt.StreamID]
		if !ok {
			continue
		}
		if pl.send(ctx, ln, packetItem{pkt: pkt, gen: gen}, &gen) == cancelled {
			return nil
		}
	}
}

// send blocks until the lane accepts it. A seek served meanwhile makes the
// item stale, so it is dropped.
func (pl *pipeline) send(ctx context.Context, ln *lane, it packetItem, gen *uint64) sendResult {
	for {
		select {
		case ln.packets <- it:
			metrics.SetQueueDepth(ln.kind()+"_packets", len(ln.packets))
			return sent
		case req := <-pl.p.seekReq:
			if pl.handleSeek(req, gen) {
				return reseeked
			}
		case <-ctx.Done():
			return cancelled
		}
	}
}

func (pl *pipeline) handleSeek(req seekRequest, gen *uint64) bool {
	p := pl.p
	landed, err := p.dmx.Seek(req.ts)
	if err != nil {
		req.reply <- seekReply{err: err}
		return false
	}
	*gen = p.gen.Add(1)
	p.clock.Hold(landed)
	for _, ln := range p.lanes {
		if ln.restart == nil {
			continue
		}
		select {
		case <-ln.restart:
		default:
		}
		ln.restart <- seekNotice{gen: *gen, pos: landed}
	}
	p.poke()
	p.log.WithFields(logger.Fields{"requested": req.ts, "landed": landed, "generation": *gen}).Debug("Seek served")
	req.reply <- seekReply{landed: landed}
	return true
}

// decodeStage turns one lane's packets into frames. Decode errors are
// papered over with a substitute frame unless strict decoding is on; a
// stream the decoder cannot handle ends the lane but not the session.
func (pl *pipeline) decodeStage(ctx context.Context, ln *lane) error {
	p := pl.p
	var (
		gen      = p.gen.Load()
		lastGood *media.Frame
		failed   bool
	)

	emit := func(it frameItem) bool {
		select {
		case ln.frames <- it:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// handle reports false when the lane must stop or the stage is done.
	handle := func(err error, pkt *media.Packet) (bool, error) {
		if ctx.Err() != nil {
			return false, nil
		}
		decodeErr := apperrors.IsType(err, apperrors.ErrorTypeDecode)
		if decodeErr && !p.cfg.StrictDecode {
			p.substituted.Add(1)
			metrics.IncFrameSubstituted(ln.kind())
			p.sampled.WarnWithCategory(logger.CategoryDecodeError, "Substituting undecodable frame", logger.Fields{
				"stream_id": ln.info.ID,
				"codec":     string(ln.info.Codec),
				"pts":       pkt.PTS,
				"error":     err.Error(),
			})
			p.events.publish(Event{Kind: EventDecodeError, Time: p.wall.Now(), Position: pkt.PTS,
				StreamID: ln.info.ID, Stage: apperrors.StageDecode, Err: err})
			if f := substitute(ln.info, lastGood, pkt); f != nil {
				return emit(frameItem{frame: f, gen: gen}), nil
			}
			return true, nil
		}
		if decodeErr || apperrors.IsType(err, apperrors.ErrorTypeUnsupportedFormat) {
			failed = true
			p.log.WithError(err).WithField("stream_id", ln.info.ID).Warn("Stream disabled")
			return emit(frameItem{gen: gen, eos: true, err: err}), nil
		}
		return false, err
	}

	for {
		var it packetItem
		select {
		case <-ctx.Done():
			return nil
		case it = <-ln.packets:
		}
		if it.gen < p.gen.Load() {
			continue
		}
		if it.gen != gen {
			gen = it.gen
			ln.dec.Flush()
			lastGood = nil
			failed = false
		}
		if failed {
			continue
		}

		if err := ln.dec.Submit(it.pkt); err != nil {
			ok, ferr := handle(err, it.pkt)
			if ferr != nil {
				return ferr
			}
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if failed {
				continue
			}
		}

		for {
			f, err := ln.dec.Retrieve()
			if errors.Is(err, codec.ErrNeedMorePackets) {
				break
			}
			if err != nil {
				ok, ferr := handle(err, it.pkt)
				if ferr != nil {
					return ferr
				}
				if !ok && ctx.Err() != nil {
					return nil
				}
				break
			}
			lastGood = f
			if !emit(frameItem{frame: f, gen: gen}) {
				return nil
			}
		}
		if failed {
			continue
		}

		if it.pkt.Flags.Has(media.FlagEndOfStream) {
			if !emit(frameItem{gen: gen, eos: true}) {
				return nil
			}
		}
	}
}

// substitute stands in for a frame that failed to decode: the last good
// frame moved to the packet's timestamp, or a blank picture or silence when
// there is none. Compressed passthrough formats get nothing.
func substitute(info media.StreamInfo, last *media.Frame, pkt *media.Packet) *media.Frame {
	dur := pkt.Duration
	if last != nil {
		if dur <= 0 {
			dur = last.Duration
		}
		return last.Restamp(pkt.PTS, dur)
	}

	switch info.Codec {
	case media.CodecRawVideo:
		pf := info.PixelFormat
		if pf == "" {
			pf = media.PixelYUV420P
		}
		size := pf.FrameSize(info.Width, info.Height)
		if size <= 0 {
			return nil
		}
		if dur <= 0 && info.FrameRate > 0 {
			dur = time.Duration(float64(time.Second) / info.FrameRate)
		}
		return &media.Frame{
			StreamID:    info.ID,
			Kind:        media.KindVideo,
			PTS:         pkt.PTS,
			Duration:    dur,
			Format:      media.Format{PixelFormat: pf, Width: info.Width, Height: info.Height},
			Data:        make([]byte, size),
			Substituted: true,
		}
	case media.CodecPCMS16LE, media.CodecPCMS16BE, media.CodecPCMF32LE:
		if info.SampleRate <= 0 || dur <= 0 {
			return nil
		}
		sf := media.SampleS16LE
		if info.Codec == media.CodecPCMF32LE {
			sf = media.SampleF32LE
		}
		channels := info.Channels
		if channels <= 0 {
			channels = 1
		}
		samples := int(dur * time.Duration(info.SampleRate) / time.Second)
		return &media.Frame{
			StreamID: info.ID,
			Kind:     media.KindAudio,
			PTS:      pkt.PTS,
			Duration: dur,
			Format: media.Format{
				SampleFormat: sf,
				SampleRate:   info.SampleRate,
				Channels:     channels,
				Samples:      samples,
			},
			Data:        make([]byte, samples*channels*sf.BytesPerSample()),
			Substituted: true,
		}
	}
	return nil
}

// subtitleStage feeds the cues of an external subtitle file, restarting
// from the landed position after every seek.
func (pl *pipeline) subtitleStage(ctx context.Context, ln *lane) error {
	p := pl.p
	gen := p.gen.Load()
	from := p.clock.Now()

	for {
		frames := ln.track.Frames(ln.info.ID, from)
		restarted := false
	feed:
		for i := 0; i <= len(frames); {
			it := frameItem{gen: gen, eos: true}
			if i < len(frames) {
				it = frameItem{frame: frames[i], gen: gen}
			}
			select {
			case ln.frames <- it:
				i++
			case n := <-ln.restart:
				gen, from = n.gen, n.pos
				restarted = true
				break feed
			case <-ctx.Done():
				return nil
			}
		}
		if restarted {
			continue
		}

		select {
		case n := <-ln.restart:
			gen, from = n.gen, n.pos
		case <-ctx.Done():
			return nil
		}
	}
}

// renderStage presents frames against the media clock. Audio is the master
// at normal speed: it is never dropped and the clock follows it when it
// drifts. Video, and audio away from normal speed, is dropped once it is
// later than the drop threshold. Subtitles are shown late rather than never.
func (pl *pipeline) renderStage(ctx context.Context) error {
	p := pl.p
	tol := p.cfg.SyncTolerance
	hasAudio := false
	for _, ln := range p.lanes {
		if ln.info.Kind == media.KindAudio {
			hasAudio = true
		}
	}
	prerollStart := p.wall.Now()

	for {
		if g := p.gen.Load(); g != pl.gen {
			pl.adopt(g)
			prerollStart = p.wall.Now()
		}

		var wait time.Duration = -1
		if p.clock.Waiting() && !p.clock.Paused() {
			elapsed := p.wall.Since(prerollStart)
			if pl.prerolled() || elapsed >= prerollTimeout {
				p.clock.Release()
			} else {
				wait = prerollTimeout - elapsed
			}
		}

		if !p.clock.Waiting() && !p.clock.Paused() {
			master := hasAudio && p.clock.Speed() == 1
			for _, ln := range p.lanes {
				for ln.head != nil {
					hold, ok := pl.due(ln, master, tol)
					if ok {
						ln.head = nil
						continue
					}
					if wait < 0 || hold < wait {
						wait = hold
					}
					break
				}
			}
		}

		if pl.finished() {
			return pl.end()
		}

		var (
			timer <-chan time.Time
			stop  = func() bool { return false }
		)
		if wait >= 0 {
			t := p.wall.NewTimer(wait)
			timer, stop = t.Chan(), t.Stop
		}

		var in [3]<-chan frameItem
		for i, ln := range p.lanes {
			if i < len(in) && ln.head == nil && !ln.done {
				in[i] = ln.frames
			}
		}

		select {
		case it := <-in[0]:
			pl.accept(p.lanes[0], it)
		case it := <-in[1]:
			pl.accept(p.lanes[1], it)
		case it := <-in[2]:
			pl.accept(p.lanes[2], it)
		case <-timer:
		case <-p.wake:
		case <-ctx.Done():
			stop()
			return nil
		}
		stop()
	}
}

// adopt switches to a new seek generation.
func (pl *pipeline) adopt(g uint64) {
	pl.gen = g
	for _, ln := range pl.p.lanes {
		ln.head = nil
		ln.done = false
		ln.err = nil
	}
	pl.p.presentedEnd.Store(int64(pl.p.clock.Now()))
}

func (pl *pipeline) accept(ln *lane, it frameItem) {
	if it.gen < pl.gen {
		return
	}
	if it.gen > pl.gen {
		pl.adopt(it.gen)
	}
	metrics.SetQueueDepth(ln.kind()+"_frames", len(ln.frames))
	if it.eos {
		ln.done = true
		ln.err = it.err
		ev := Event{Kind: EventStreamEnded, Time: pl.p.wall.Now(), State: pl.p.State(),
			Position: pl.p.clock.Now(), StreamID: ln.info.ID, Err: it.err}
		if it.err != nil {
			ev.Stage = apperrors.StageOf(it.err, apperrors.StageDecode)
		}
		pl.p.events.publish(ev)
		return
	}
	ln.head = &it
}

// prerolled reports whether every live audio and video lane has a frame of
// the current generation queued.
func (pl *pipeline) prerolled() bool {
	cur := pl.p.gen.Load()
	for _, ln := range pl.p.lanes {
		if ln.done || ln.info.Kind == media.KindSubtitle {
			continue
		}
		if ln.head == nil || ln.head.gen != cur {
			return false
		}
	}
	return true
}

// due presents or drops the lane's head frame when its time has come, and
// otherwise returns how long to wait.
func (pl *pipeline) due(ln *lane, master bool, tol time.Duration) (time.Duration, bool) {
	p := pl.p
	f := ln.head.frame
	now := p.clock.Now()
	lateness := now - f.PTS

	switch {
	case ln.info.Kind == media.KindSubtitle:
		if lateness >= -tol {
			pl.present(ln, f)
			return 0, true
		}
	case ln.info.Kind == media.KindAudio && master:
		if lateness >= -tol {
			pl.present(ln, f)
			metrics.SetSyncDrift(lateness)
			if lateness > tol {
				p.sampled.WarnWithCategory(logger.CategorySyncDrift, "Audio drifted, resyncing clock", logger.Fields{
					"drift": lateness,
					"pts":   f.PTS,
				})
				p.clock.Sync(f.PTS)
			}
			return 0, true
		}
	default:
		if lateness > p.cfg.DropThreshold {
			p.dropped.Add(1)
			metrics.IncFrameDropped(ln.kind(), "late")
			p.sampled.WarnWithCategory(logger.CategoryLateFrame, "Dropping late frame", logger.Fields{
				"stream_id": ln.info.ID,
				"pts":       f.PTS,
				"late":      lateness,
			})
			return 0, true
		}
		if lateness >= -tol {
			pl.present(ln, f)
			return 0, true
		}
	}
	return p.clock.Until(f.PTS - tol), false
}

func (pl *pipeline) present(ln *lane, f *media.Frame) {
	p := pl.p
	at := p.clock.WallAt(f.PTS)
	if at.IsZero() {
		at = p.wall.Now()
	}
	p.renderer.Present(f, at)
	metrics.IncFramePresented(ln.kind())
	p.presented.Add(1)
	if f.Kind == media.KindSubtitle {
		return
	}
	end := int64(f.End())
	for {
		cur := p.presentedEnd.Load()
		if end <= cur || p.presentedEnd.CompareAndSwap(cur, end) {
			return
		}
	}
}

func (pl *pipeline) finished() bool {
	for _, ln := range pl.p.lanes {
		if !ln.done || ln.head != nil {
			return false
		}
	}
	return true
}

// end closes the session once every lane is drained. It fails only when no
// lane played to its end.
func (pl *pipeline) end() error {
	var first error
	for _, ln := range pl.p.lanes {
		if ln.err == nil {
			first = nil
			break
		}
		if first == nil {
			first = ln.err
		}
	}
	pl.cancel()
	if first != nil {
		return first
	}
	pl.p.ended.Store(true)
	return nil
}
