package demux

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/pkg/errors"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
)

const (
	mkvTrackVideo    = 1
	mkvTrackAudio    = 2
	mkvTrackSubtitle = 0x11

	defaultTimecodeScale = 1000000
)

type mkvHead struct {
	Header struct {
		DocType string `ebml:"EBMLDocType"`
	} `ebml:"EBML"`
}

type mkvInfo struct {
	Info struct {
		TimecodeScale uint64  `ebml:"TimecodeScale"`
		Duration      float64 `ebml:"Duration"`
		Title         string  `ebml:"Title"`
	} `ebml:"Info"`
}

type mkvVideo struct {
	PixelWidth  uint64 `ebml:"PixelWidth"`
	PixelHeight uint64 `ebml:"PixelHeight"`
	ColourSpace []byte `ebml:"ColourSpace"`
}

type mkvAudio struct {
	SamplingFrequency float64 `ebml:"SamplingFrequency"`
	Channels          uint64  `ebml:"Channels"`
	BitDepth          uint64  `ebml:"BitDepth"`
}

type mkvTrackEntry struct {
	TrackNumber     uint64    `ebml:"TrackNumber"`
	TrackType       uint64    `ebml:"TrackType"`
	CodecID         string    `ebml:"CodecID"`
	CodecPrivate    []byte    `ebml:"CodecPrivate"`
	Name            string    `ebml:"Name"`
	Language        string    `ebml:"Language"`
	FlagDefault     []uint64  `ebml:"FlagDefault"`
	DefaultDuration uint64    `ebml:"DefaultDuration"`
	Video           *mkvVideo `ebml:"Video"`
	Audio           *mkvAudio `ebml:"Audio"`
}

type mkvTracks struct {
	Tracks struct {
		TrackEntry []mkvTrackEntry `ebml:"TrackEntry"`
	} `ebml:"Tracks"`
}

type mkvBlockGroup struct {
	BlockGroup struct {
		Block          ebml.Block `ebml:"Block"`
		BlockDuration  uint64     `ebml:"BlockDuration"`
		ReferenceBlock []int64    `ebml:"ReferenceBlock"`
	} `ebml:"BlockGroup"`
}

type mkvTrack struct {
	info       media.StreamInfo
	defaultDur time.Duration
}

// mkvCheckpoint locates a packet: the element at off, read with the given
// cluster state, minus lace frames already handed out.
type mkvCheckpoint struct {
	off        int64
	inCluster  bool
	clusterTC  int64
	clusterEnd int64
	lace       int
}

type matroskaReader struct {
	er  *posReader
	src input.Stream
	log logger.Logger

	scale  int64
	segEnd int64
	tracks map[uint64]*mkvTrack
	order  []uint64
	dur    time.Duration

	inCluster  bool
	clusterTC  int64
	clusterEnd int64

	pending    []*media.Packet
	pendingIdx int
	pendingOff int64

	resync bool
	eof    bool
}

func newMatroskaReader(src input.Stream, log logger.Logger) (*matroskaReader, error) {
	r := &matroskaReader{
		er:     newPosReader(src, src.Seekable()),
		src:    src,
		log:    log,
		scale:  defaultTimecodeScale,
		segEnd: -1,
		tracks: make(map[uint64]*mkvTrack),
	}
	if err := r.readHeaders(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *matroskaReader) readHeaders() error {
	h, err := r.er.header()
	if err != nil || h.id != idEBML {
		return apperrors.NewFormatError("missing EBML header", err)
	}
	raw, err := r.er.element(h)
	if err != nil {
		return apperrors.NewFormatError("reading EBML header", err)
	}
	var head mkvHead
	if err := ebml.Unmarshal(bytes.NewReader(raw), &head, ebml.WithIgnoreUnknown(true)); err != nil {
		return apperrors.NewFormatError("decoding EBML header", err)
	}
	if dt := head.Header.DocType; dt != "matroska" && dt != "webm" {
		return apperrors.NewFormatError(fmt.Sprintf("unsupported DocType %q", dt), nil)
	}

	for {
		h, err = r.er.header()
		if err != nil {
			return apperrors.NewFormatError("missing Segment", err)
		}
		if h.id == idSegment {
			break
		}
		if h.size < 0 {
			return apperrors.NewFormatError("unknown-size element before Segment", nil)
		}
		if err := r.er.skip(h.size); err != nil {
			return apperrors.NewFormatError("missing Segment", err)
		}
	}
	if h.size >= 0 {
		r.segEnd = r.er.pos + h.size
	}

	haveTracks := false
	for {
		h, err := r.er.header()
		if err != nil {
			if errors.Is(err, io.EOF) && haveTracks {
				r.eof = true
				return nil
			}
			return apperrors.NewFormatError("reading Segment", err)
		}

		switch h.id {
		case idCluster:
			if !haveTracks {
				return apperrors.NewFormatError("Cluster before Tracks", nil)
			}
			r.enterCluster(h)
			return nil
		case idInfo:
			raw, err := r.er.element(h)
			if err != nil {
				return apperrors.NewFormatError("reading Info", err)
			}
			if err := r.loadInfo(raw); err != nil {
				return err
			}
		case idTracks:
			raw, err := r.er.element(h)
			if err != nil {
				return apperrors.NewFormatError("reading Tracks", err)
			}
			if err := r.loadTracks(raw); err != nil {
				return err
			}
			haveTracks = true
		default:
			if h.size < 0 {
				return apperrors.NewFormatError(fmt.Sprintf("unknown-size element %#x in Segment", h.id), nil)
			}
			if err := r.er.skip(h.size); err != nil {
				return apperrors.NewFormatError("reading Segment", err)
			}
		}
	}
}

func (r *matroskaReader) loadInfo(raw []byte) error {
	var info mkvInfo
	if err := ebml.Unmarshal(bytes.NewReader(raw), &info, ebml.WithIgnoreUnknown(true)); err != nil {
		return apperrors.NewFormatError("decoding Info", err)
	}
	if info.Info.TimecodeScale > 0 {
		r.scale = int64(info.Info.TimecodeScale)
	}
	if info.Info.Duration > 0 {
		r.dur = time.Duration(info.Info.Duration * float64(r.scale))
	}
	return nil
}

func (r *matroskaReader) loadTracks(raw []byte) error {
	var tracks mkvTracks
	if err := ebml.Unmarshal(bytes.NewReader(raw), &tracks, ebml.WithIgnoreUnknown(true)); err != nil {
		return apperrors.NewFormatError("decoding Tracks", err)
	}

	for _, te := range tracks.Tracks.TrackEntry {
		if _, dup := r.tracks[te.TrackNumber]; dup || te.TrackNumber == 0 {
			continue
		}
		info, ok := mkvStreamInfo(te)
		if !ok {
			r.log.WithFields(map[string]interface{}{
				"track":    te.TrackNumber,
				"codec_id": te.CodecID,
			}).Debug("Ignoring track")
			continue
		}
		info.TimeBase = media.Rational{Num: r.scale, Den: int64(time.Second)}
		info.Duration = r.dur
		r.tracks[te.TrackNumber] = &mkvTrack{info: info, defaultDur: time.Duration(te.DefaultDuration)}
		r.order = append(r.order, te.TrackNumber)
	}
	if len(r.order) == 0 {
		return apperrors.NewFormatError("no usable tracks", nil)
	}
	return nil
}

func mkvStreamInfo(te mkvTrackEntry) (media.StreamInfo, bool) {
	info := media.StreamInfo{
		ID:        int(te.TrackNumber),
		Title:     te.Name,
		Language:  te.Language,
		Default:   len(te.FlagDefault) == 0 || te.FlagDefault[0] != 0,
		Extradata: te.CodecPrivate,
	}
	if info.Language == "" {
		info.Language = "eng"
	}

	switch te.TrackType {
	case mkvTrackVideo:
		info.Kind = media.KindVideo
		if v := te.Video; v != nil {
			info.Width, info.Height = int(v.PixelWidth), int(v.PixelHeight)
		}
		if te.DefaultDuration > 0 {
			info.FrameRate = float64(time.Second) / float64(te.DefaultDuration)
		}
	case mkvTrackAudio:
		info.Kind = media.KindAudio
		if a := te.Audio; a != nil {
			info.SampleRate, info.Channels = int(a.SamplingFrequency), int(a.Channels)
		}
	case mkvTrackSubtitle:
		info.Kind = media.KindSubtitle
	default:
		return info, false
	}

	var depth uint64
	if te.Audio != nil {
		depth = te.Audio.BitDepth
	}

	switch id := te.CodecID; {
	case id == "V_MPEG4/ISO/AVC":
		info.Codec = media.CodecH264
	case id == "V_MPEGH/ISO/HEVC":
		info.Codec = media.CodecHEVC
	case id == "V_UNCOMPRESSED":
		info.Codec = media.CodecRawVideo
		info.PixelFormat = pixelFormatFromFourCC(te.Video)
	case strings.HasPrefix(id, "A_AAC"):
		info.Codec = media.CodecAAC
	case id == "A_MPEG/L3":
		info.Codec = media.CodecMP3
	case id == "A_OPUS":
		info.Codec = media.CodecOpus
	case id == "A_PCM/INT/LIT" && (depth == 0 || depth == 16):
		info.Codec = media.CodecPCMS16LE
	case id == "A_PCM/INT/BIG" && (depth == 0 || depth == 16):
		info.Codec = media.CodecPCMS16BE
	case id == "A_PCM/FLOAT/IEEE" && (depth == 0 || depth == 32):
		info.Codec = media.CodecPCMF32LE
	case id == "S_TEXT/UTF8":
		info.Codec = media.CodecText
	case id == "S_TEXT/WEBVTT":
		info.Codec = media.CodecWebVTT
	default:
		// kept so the decoder registry can report it by name
		info.Codec = media.Codec(strings.ToLower(id))
	}
	return info, true
}

func pixelFormatFromFourCC(v *mkvVideo) media.PixelFormat {
	if v == nil || len(v.ColourSpace) != 4 {
		return media.PixelYUV420P
	}
	switch string(v.ColourSpace) {
	case "NV12":
		return media.PixelNV12
	case "RGBA":
		return media.PixelRGBA
	case "RGB3", "RV24":
		return media.PixelRGB24
	case "Y800", "GREY":
		return media.PixelGray8
	default:
		return media.PixelYUV420P
	}
}

func (r *matroskaReader) enterCluster(h elementHeader) {
	r.inCluster = true
	r.clusterTC = 0
	r.clusterEnd = sizeUnknown
	if h.size >= 0 {
		r.clusterEnd = r.er.pos + h.size
	}
}

func (r *matroskaReader) streams() []media.StreamInfo {
	out := make([]media.StreamInfo, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tracks[n].info)
	}
	return out
}

func (r *matroskaReader) duration() time.Duration { return r.dur }

func (r *matroskaReader) next() (*media.Packet, error) {
	for {
		if r.pendingIdx < len(r.pending) {
			p := r.pending[r.pendingIdx]
			r.pendingIdx++
			return p, nil
		}
		r.pending, r.pendingIdx = nil, 0

		if r.eof {
			return nil, io.EOF
		}
		if r.resync {
			if err := r.resyncCluster(); err != nil {
				return nil, err
			}
		}

		off := r.er.pos
		if r.segEnd >= 0 && off >= r.segEnd {
			r.eof = true
			return nil, io.EOF
		}
		if r.inCluster && r.clusterEnd >= 0 && off >= r.clusterEnd {
			r.inCluster = false
		}

		h, err := r.er.header()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				r.eof = true
				return nil, io.EOF
			case errors.Is(err, errInvalidVint):
				r.resync = true
				return nil, corrupt(errors.Wrapf(err, "element header at %d", off))
			default:
				return nil, err
			}
		}

		if segmentChild(h.id) {
			r.inCluster = false
		}

		switch {
		case h.id == idCluster:
			r.enterCluster(h)
		case h.id == idEBML:
			// a second segment follows; only the first is played
			r.eof = true
			return nil, io.EOF
		case r.inCluster && h.id == idTimecode:
			b, err := r.er.body(h)
			if err != nil {
				return nil, r.blockError(off, err)
			}
			r.clusterTC = readUint(b)
		case r.inCluster && h.id == idSimpleBlock:
			b, err := r.er.body(h)
			if err != nil {
				return nil, r.blockError(off, err)
			}
			blk, err := ebml.UnmarshalBlock(bytes.NewReader(b), int64(len(b)))
			if err != nil {
				return nil, corrupt(errors.Wrapf(err, "SimpleBlock at %d", off))
			}
			r.queueBlock(off, blk, blk.Keyframe, 0)
		case r.inCluster && h.id == idBlockGroup:
			raw, err := r.er.element(h)
			if err != nil {
				return nil, r.blockError(off, err)
			}
			var bg mkvBlockGroup
			if err := ebml.Unmarshal(bytes.NewReader(raw), &bg, ebml.WithIgnoreUnknown(true)); err != nil {
				return nil, corrupt(errors.Wrapf(err, "BlockGroup at %d", off))
			}
			g := bg.BlockGroup
			r.queueBlock(off, &g.Block, len(g.ReferenceBlock) == 0,
				time.Duration(int64(g.BlockDuration)*r.scale))
		case h.size < 0:
			if r.inCluster {
				r.resync = true
				return nil, corrupt(errors.Errorf("unknown-size element %#x in Cluster", h.id))
			}
			r.eof = true
			return nil, io.EOF
		default:
			if err := r.er.skip(h.size); err != nil {
				r.eof = true
				return nil, io.EOF
			}
		}
	}
}

func (r *matroskaReader) blockError(off int64, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		r.eof = true
		return io.EOF
	}
	r.resync = true
	return corrupt(errors.Wrapf(err, "element at %d", off))
}

// queueBlock turns the frames of one block into pending packets. Blocks
// of unselected tracks produce nothing.
func (r *matroskaReader) queueBlock(off int64, blk *ebml.Block, key bool, dur time.Duration) {
	tr := r.tracks[blk.TrackNumber]
	if tr == nil || len(blk.Data) == 0 {
		return
	}

	base := time.Duration((r.clusterTC + int64(blk.Timecode)) * r.scale)
	laceDur := tr.defaultDur
	if dur > 0 && len(blk.Data) > 0 {
		laceDur = dur / time.Duration(len(blk.Data))
	}
	if tr.info.Kind != media.KindVideo {
		key = true
	}

	r.pendingOff = off
	r.pending = make([]*media.Packet, 0, len(blk.Data))
	for i, data := range blk.Data {
		pts := base + time.Duration(i)*laceDur
		p := &media.Packet{
			StreamID: tr.info.ID,
			PTS:      pts,
			DTS:      pts,
			Duration: laceDur,
			Data:     data,
		}
		if key {
			p.Flags |= media.FlagKeyframe
		}
		r.pending = append(r.pending, p)
	}
}

func (r *matroskaReader) resyncCluster() error {
	if err := r.er.resync(); err != nil {
		r.eof = true
		return io.EOF
	}
	var raw []byte
	size, unknown, err := r.er.vint(8, false, &raw)
	if err != nil {
		r.eof = true
		return io.EOF
	}
	h := elementHeader{id: idCluster, size: size}
	if unknown {
		h.size = sizeUnknown
	}
	r.enterCluster(h)
	r.resync = false
	return nil
}

func (r *matroskaReader) checkpoint() any {
	if r.pendingIdx < len(r.pending) {
		return mkvCheckpoint{
			off:        r.pendingOff,
			inCluster:  true,
			clusterTC:  r.clusterTC,
			clusterEnd: r.clusterEnd,
			lace:       r.pendingIdx,
		}
	}
	return mkvCheckpoint{
		off:        r.er.pos,
		inCluster:  r.inCluster,
		clusterTC:  r.clusterTC,
		clusterEnd: r.clusterEnd,
	}
}

func (r *matroskaReader) restore(cp any) error {
	c, ok := cp.(mkvCheckpoint)
	if !ok {
		return errors.Errorf("foreign checkpoint %T", cp)
	}
	if err := r.er.seek(c.off); err != nil {
		return err
	}
	r.inCluster = c.inCluster
	r.clusterTC = c.clusterTC
	r.clusterEnd = c.clusterEnd
	r.pending, r.pendingIdx = nil, 0
	r.resync, r.eof = false, false

	for i := 0; i < c.lace; i++ {
		if _, err := r.next(); err != nil {
			return err
		}
	}
	return nil
}

func (r *matroskaReader) close() error {
	r.pending = nil
	return nil
}
