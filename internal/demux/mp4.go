package demux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
)

const maxBoxSize = 256 << 20

type boxHeader struct {
	typ  string
	off  int64
	size int64 // payload size, -1 to end of file
	raw  []byte
}

type mp4Track struct {
	info      media.StreamInfo
	timescale uint32
}

type mp4Checkpoint struct {
	off    int64
	sample int
}

// mp4Reader plays fragmented MP4: an init segment followed by moof/mdat
// pairs. Samples of one fragment are handed out in decode order across
// tracks.
type mp4Reader struct {
	pr  *posReader
	src input.Stream
	log logger.Logger

	tracks map[int]*mp4Track
	order  []int
	dur    time.Duration

	start    time.Duration
	startSet bool

	pending    []*media.Packet
	pendingIdx int
	pendingOff int64
	eof        bool

	// fragmented is set when the moov announces fragments with an mvex box.
	fragmented bool
}

// openMP4 returns a fragment reader, or a sample table reader when the moov
// describes a progressive file.
func openMP4(src input.Stream, log logger.Logger) (reader, error) {
	r, progressive, err := newMP4Reader(src, log)
	if err != nil {
		return nil, err
	}
	if !progressive {
		return r, nil
	}
	return newProgressiveReader(src, log)
}

// newMP4Reader reads up to the first fragment. progressive reports a moov
// without mvex and no fragments, which this reader cannot play.
func newMP4Reader(src input.Stream, log logger.Logger) (r *mp4Reader, progressive bool, err error) {
	r = &mp4Reader{
		pr:     newPosReader(src, src.Seekable()),
		src:    src,
		log:    log,
		tracks: make(map[int]*mp4Track),
	}

	first, err := r.readInit()
	if err != nil {
		return nil, false, err
	}
	if first == nil {
		if !r.fragmented {
			return nil, true, nil
		}
		r.eof = true
		return r, false, nil
	}

	// timestamps are rebased on the first fragment
	if err := r.loadFragment(first.off, first); err != nil {
		return nil, false, apperrors.NewFormatError("reading first fragment", err)
	}

	if src.Seekable() {
		if err := r.probeDuration(first.off); err != nil {
			log.WithError(err).Debug("MP4 duration probe failed")
		}
		if err := r.loadFragment(first.off, nil); err != nil {
			return nil, false, apperrors.NewFormatError("reading first fragment", err)
		}
	}
	return r, false, nil
}

func (r *mp4Reader) box() (boxHeader, error) {
	h := boxHeader{off: r.pr.pos, raw: make([]byte, 8, 16)}
	if _, err := io.ReadFull(r.pr, h.raw); err != nil {
		if errors.Is(err, io.EOF) {
			return h, io.EOF
		}
		return h, unexpected(err)
	}
	size := int64(binary.BigEndian.Uint32(h.raw[:4]))
	h.typ = string(h.raw[4:8])
	hdr := int64(8)

	switch size {
	case 0:
		h.size = -1
		return h, nil
	case 1:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r.pr, ext); err != nil {
			return h, unexpected(err)
		}
		h.raw = append(h.raw, ext...)
		size = int64(binary.BigEndian.Uint64(ext))
		hdr = 16
	}
	if size < hdr {
		return h, errors.Errorf("box %q at %d has size %d", h.typ, h.off, size)
	}
	h.size = size - hdr
	return h, nil
}

func (r *mp4Reader) boxBytes(h boxHeader) ([]byte, error) {
	if h.size < 0 || h.size > maxBoxSize {
		return nil, errors.Errorf("box %q has unusable size %d", h.typ, h.size)
	}
	out := make([]byte, len(h.raw)+int(h.size))
	copy(out, h.raw)
	if _, err := io.ReadFull(r.pr, out[len(h.raw):]); err != nil {
		return nil, unexpected(err)
	}
	return out, nil
}

// readInit parses boxes up to the first moof and returns its header, or nil
// when the file holds no fragments.
func (r *mp4Reader) readInit() (*boxHeader, error) {
	var initSeg []byte
	for {
		h, err := r.box()
		if err != nil {
			if errors.Is(err, io.EOF) && initSeg != nil {
				return nil, nil
			}
			return nil, apperrors.NewFormatError("reading MP4 header boxes", err)
		}

		switch h.typ {
		case "ftyp", "moov":
			b, err := r.boxBytes(h)
			if err != nil {
				return nil, apperrors.NewFormatError("reading "+h.typ, err)
			}
			initSeg = append(initSeg, b...)
			if h.typ == "moov" {
				r.fragmented = hasChildBox(b[len(h.raw):], "mvex")
				if err := r.loadInit(initSeg); err != nil {
					return nil, err
				}
			}
		case "moof":
			if len(r.order) == 0 {
				return nil, apperrors.NewFormatError("fragment before moov", nil)
			}
			return &h, nil
		default:
			if h.size < 0 {
				if len(r.order) == 0 {
					return nil, apperrors.NewFormatError("no moov box", nil)
				}
				return nil, nil
			}
			if err := r.pr.skip(h.size); err != nil {
				return nil, apperrors.NewFormatError("skipping "+h.typ, err)
			}
		}
	}
}

// hasChildBox reports whether the box payload b holds a direct child of
// type typ.
func hasChildBox(b []byte, typ string) bool {
	for len(b) >= 8 {
		size := int(binary.BigEndian.Uint32(b[:4]))
		if string(b[4:8]) == typ {
			return true
		}
		if size < 8 || size > len(b) {
			return false
		}
		b = b[size:]
	}
	return false
}

func (r *mp4Reader) loadInit(b []byte) error {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(b)); err != nil {
		return apperrors.NewFormatError("decoding init segment", err)
	}

	for _, t := range init.Tracks {
		info, ok := mp4StreamInfo(t)
		if !ok {
			r.log.WithFields(map[string]interface{}{
				"track": t.ID,
				"codec": fmt.Sprintf("%T", t.Codec),
			}).Debug("Ignoring track")
			continue
		}
		if _, dup := r.tracks[t.ID]; dup {
			continue
		}
		r.tracks[t.ID] = &mp4Track{info: info, timescale: t.TimeScale}
		r.order = append(r.order, t.ID)
	}
	if len(r.order) == 0 {
		return apperrors.NewFormatError("no usable tracks", nil)
	}
	return nil
}

func mp4StreamInfo(t *fmp4.InitTrack) (media.StreamInfo, bool) {
	info := media.StreamInfo{
		ID:       t.ID,
		Default:  true,
		Language: "und",
		TimeBase: media.Rational{Num: 1, Den: int64(t.TimeScale)},
	}
	if t.TimeScale == 0 {
		return info, false
	}

	switch c := t.Codec.(type) {
	case *mp4.CodecH264:
		info.Kind, info.Codec = media.KindVideo, media.CodecH264
		info.Extradata = buildAVCC(c.SPS, c.PPS)
		var sps h264.SPS
		if err := sps.Unmarshal(c.SPS); err == nil {
			info.Width, info.Height = sps.Width(), sps.Height()
			info.FrameRate = sps.FPS()
		}
	case *mp4.CodecH265:
		info.Kind, info.Codec = media.KindVideo, media.CodecHEVC
	case *mp4.CodecMPEG4Audio:
		info.Kind, info.Codec = media.KindAudio, media.CodecAAC
		info.SampleRate, info.Channels = c.Config.SampleRate, c.Config.ChannelCount
		if b, err := c.Config.Marshal(); err == nil {
			info.Extradata = b
		}
	case *mp4.CodecMPEG1Audio:
		info.Kind, info.Codec = media.KindAudio, media.CodecMP3
		info.SampleRate, info.Channels = c.SampleRate, c.ChannelCount
	case *mp4.CodecOpus:
		info.Kind, info.Codec = media.KindAudio, media.CodecOpus
		info.SampleRate, info.Channels = 48000, c.ChannelCount
	case *mp4.CodecLPCM:
		info.Kind = media.KindAudio
		info.SampleRate, info.Channels = c.SampleRate, c.ChannelCount
		switch {
		case c.BitDepth == 16 && c.LittleEndian:
			info.Codec = media.CodecPCMS16LE
		case c.BitDepth == 16:
			info.Codec = media.CodecPCMS16BE
		default:
			info.Codec = media.Codec(fmt.Sprintf("lpcm%d", c.BitDepth))
		}
	default:
		return info, false
	}
	return info, true
}

// buildAVCC assembles an AVC decoder configuration record with 4-byte NAL
// lengths.
func buildAVCC(sps, pps []byte) []byte {
	if len(sps) < 4 {
		return nil
	}
	b := make([]byte, 0, 11+len(sps)+len(pps))
	b = append(b, 1, sps[1], sps[2], sps[3], 0xff, 0xe1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(sps)))
	b = append(b, sps...)
	b = append(b, 1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(pps)))
	return append(b, pps...)
}

// loadFragment reads the moof at off and the mdat after it into pending.
// When the moof header has already been consumed it is passed as read.
func (r *mp4Reader) loadFragment(off int64, read *boxHeader) error {
	var moof boxHeader
	if read != nil {
		moof = *read
	} else {
		if err := r.pr.seek(off); err != nil {
			return err
		}
		var err error
		if moof, err = r.box(); err != nil {
			return err
		}
	}
	if moof.typ != "moof" {
		return errors.Errorf("expected moof at %d, found %q", off, moof.typ)
	}
	frag, err := r.boxBytes(moof)
	if err != nil {
		return err
	}

	for {
		h, err := r.box()
		if err != nil {
			return err
		}
		if h.typ == "mdat" {
			b, err := r.boxBytes(h)
			if err != nil {
				return err
			}
			frag = append(frag, b...)
			break
		}
		if h.size < 0 {
			return errors.Errorf("fragment at %d has no mdat", off)
		}
		if err := r.pr.skip(h.size); err != nil {
			return err
		}
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(frag); err != nil {
		return err
	}
	r.pendingOff = off
	r.pending, r.pendingIdx = r.fragmentPackets(parts), 0
	return nil
}

func (r *mp4Reader) fragmentPackets(parts fmp4.Parts) []*media.Packet {
	var out []*media.Packet
	for _, part := range parts {
		for _, pt := range part.Tracks {
			tr := r.tracks[pt.ID]
			if tr == nil {
				continue
			}
			dts := int64(pt.BaseTime)
			for _, s := range pt.Samples {
				p := &media.Packet{
					StreamID: tr.info.ID,
					DTS:      tr.info.TimeBase.Duration(dts),
					PTS:      tr.info.TimeBase.Duration(dts + int64(s.PTSOffset)),
					Duration: tr.info.TimeBase.Duration(int64(s.Duration)),
					Data:     s.Payload,
				}
				if !s.IsNonSyncSample || tr.info.Kind != media.KindVideo {
					p.Flags |= media.FlagKeyframe
				}
				out = append(out, p)
				dts += int64(s.Duration)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].DTS < out[j].DTS })

	if !r.startSet && len(out) > 0 {
		r.start, r.startSet = out[0].DTS, true
		for _, p := range out {
			if p.PTS < r.start {
				r.start = p.PTS
			}
		}
	}
	for _, p := range out {
		p.PTS -= r.start
		p.DTS -= r.start
	}
	return out
}

// probeDuration walks top-level boxes to the last fragment and takes the
// end of its latest sample.
func (r *mp4Reader) probeDuration(from int64) error {
	if err := r.pr.seek(from); err != nil {
		return err
	}
	last := int64(-1)
	for {
		h, err := r.box()
		if err != nil {
			break
		}
		if h.typ == "moof" {
			last = h.off
		}
		if h.size < 0 || r.pr.skip(h.size) != nil {
			break
		}
	}
	if last < 0 {
		return errors.New("no fragments")
	}
	if err := r.loadFragment(last, nil); err != nil {
		return err
	}
	for _, p := range r.pending {
		if end := p.PTS + p.Duration; end > r.dur {
			r.dur = end
		}
	}
	return nil
}

func (r *mp4Reader) streams() []media.StreamInfo {
	out := make([]media.StreamInfo, 0, len(r.order))
	for _, id := range r.order {
		info := r.tracks[id].info
		info.Duration = r.dur
		out = append(out, info)
	}
	return out
}

func (r *mp4Reader) duration() time.Duration { return r.dur }

func (r *mp4Reader) next() (*media.Packet, error) {
	for {
		if r.pendingIdx < len(r.pending) {
			p := r.pending[r.pendingIdx]
			r.pendingIdx++
			return p, nil
		}
		if r.eof {
			return nil, io.EOF
		}

		h, err := r.box()
		if err != nil {
			r.eof = true
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, corrupt(err)
		}
		if h.typ != "moof" {
			if h.size < 0 {
				r.eof = true
				return nil, io.EOF
			}
			if err := r.pr.skip(h.size); err != nil {
				r.eof = true
				return nil, io.EOF
			}
			continue
		}

		if err := r.loadFragment(h.off, &h); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				r.eof = true
				return nil, io.EOF
			}
			r.pending, r.pendingIdx = nil, 0
			if serr := r.skipPast(h); serr != nil {
				r.eof = true
			}
			return nil, corrupt(errors.Wrapf(err, "fragment at %d", h.off))
		}
	}
}

// skipPast positions the reader after the moof described by h so the next
// fragment can be tried.
func (r *mp4Reader) skipPast(h boxHeader) error {
	if h.size < 0 {
		return io.EOF
	}
	return r.pr.seek(h.off + int64(len(h.raw)) + h.size)
}

func (r *mp4Reader) checkpoint() any {
	if r.pendingIdx < len(r.pending) {
		return mp4Checkpoint{off: r.pendingOff, sample: r.pendingIdx}
	}
	return mp4Checkpoint{off: r.pr.pos}
}

func (r *mp4Reader) restore(cp any) error {
	c, ok := cp.(mp4Checkpoint)
	if !ok {
		return errors.Errorf("foreign checkpoint %T", cp)
	}
	r.eof = false
	r.pending, r.pendingIdx = nil, 0
	if c.sample == 0 {
		return r.pr.seek(c.off)
	}
	if err := r.loadFragment(c.off, nil); err != nil {
		return err
	}
	if c.sample > len(r.pending) {
		return errors.Errorf("checkpoint sample %d beyond fragment of %d", c.sample, len(r.pending))
	}
	r.pendingIdx = c.sample
	return nil
}

func (r *mp4Reader) close() error {
	r.pending = nil
	return nil
}
