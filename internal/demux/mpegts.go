package demux

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
)

const (
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAAC        = 0x0F
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24

	descriptorTagLanguage = 0x0A

	// tsPrefetchLimit bounds how much is read at open looking for the PMT
	// and the first timestamp of every stream.
	tsPrefetchLimit = 2048
	tsTailProbe     = 188 * 4096
	// tsLayoutPeek covers three packets of the largest size plus slack to
	// find the first sync byte.
	tsLayoutPeek = 204 * 4
)

type tsStream struct {
	info    media.StreamInfo
	unwrap  *ptsUnwrapper
	lastPTS int64
	hasLast bool
}

// tsStreamState is the per-stream timestamp state saved in a mark.
type tsStreamState struct {
	unwrap  ptsUnwrapper
	lastPTS int64
	hasLast bool
}

// unitStarts holds the offsets of the two newest payload unit starts seen
// on a PID.
type unitStarts struct {
	cur, prev int64
}

// tsUnit is demuxed data with the offset of the packet that started it, -1
// when unknown.
type tsUnit struct {
	data *astits.DemuxerData
	off  int64
}

// tsMark is a checkpoint. consumed counts the PES units read before the
// marked one. When off is known the mark also names the PES that starts
// there and the stream state right before it was read, so restoring can
// start at off instead of replaying from the top.
type tsMark struct {
	consumed int64
	off      int64
	pid      uint16
	pts      int64
	hasPTS   bool
	states   []tsStreamState
}

type tsReader struct {
	ctx     context.Context
	src     input.Stream
	log     logger.Logger
	in      *posReader
	dmx     *astits.Demuxer
	base    int64
	pktSize int

	pids    map[uint16]*tsStream
	order   []uint16
	pmtSeen bool
	starts  map[uint16]*unitStarts

	queue    []tsUnit
	consumed int64
	eof      bool
	mark     *tsMark

	start    int64
	dur      time.Duration
	tailLast map[uint16]int64
}

func newTSReader(ctx context.Context, src input.Stream, log logger.Logger) (*tsReader, error) {
	r := &tsReader{
		ctx:    context.WithoutCancel(ctx),
		src:    src,
		log:    log,
		pids:   make(map[uint16]*tsStream),
		starts: make(map[uint16]*unitStarts),
	}

	if src.Seekable() && src.Size() > 0 {
		if err := r.probeTail(); err != nil {
			log.WithError(err).Debug("Transport stream tail probe failed")
		}
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}

	r.in = newPosReader(src, src.Seekable())
	head, _ := r.in.br.Peek(tsLayoutPeek)
	off, size := tsLayout(head)
	if off < 0 {
		if len(head) == 0 || head[0] != 0x47 {
			return nil, apperrors.NewFormatError("no MPEG-TS sync byte run", nil)
		}
		off, size = 0, astits.MpegTsPacketSize
	}
	if err := r.in.skip(int64(off)); err != nil {
		return nil, err
	}
	r.base, r.pktSize = int64(off), size
	r.dmx = r.newDemuxer()

	if err := r.prefetch(); err != nil {
		return nil, err
	}

	if r.tailLast != nil {
		var maxTicks int64
		for pid, raw := range r.tailLast {
			if _, ok := r.pids[pid]; !ok {
				continue
			}
			if d := tsDelta(raw, r.start); d > maxTicks {
				maxTicks = d
			}
		}
		r.dur = media.TimeBase90k.Duration(maxTicks)
		r.tailLast = nil
	}
	return r, nil
}

// newDemuxer reads packets of the detected size from the current input
// position. The input hides Seek so astits never rewinds the source.
func (r *tsReader) newDemuxer() *astits.Demuxer {
	return astits.NewDemuxer(r.ctx, r.in,
		astits.DemuxerOptPacketSize(r.pktSize),
		astits.DemuxerOptPacketSkipper(r.notePacket))
}

// notePacket records where payload units start. It never skips.
func (r *tsReader) notePacket(p *astits.Packet) bool {
	if !p.Header.PayloadUnitStartIndicator || p.Header.TransportErrorIndicator || !p.Header.HasPayload {
		return false
	}
	st := r.starts[p.Header.PID]
	if st == nil {
		st = &unitStarts{cur: -1, prev: -1}
		r.starts[p.Header.PID] = st
	}
	st.prev, st.cur = st.cur, r.in.pos-int64(r.pktSize)
	return false
}

// pull reads the next unit from astits. A PES is handed out when the next
// unit start on its PID arrives, or when the input ends.
func (r *tsReader) pull() (tsUnit, error) {
	data, err := r.dmx.NextData()
	if err != nil {
		return tsUnit{}, err
	}
	u := tsUnit{data: data, off: -1}
	if data.PES != nil {
		if st := r.starts[data.PID]; st != nil {
			if r.in.eof {
				u.off = st.cur
			} else {
				u.off = st.prev
			}
		}
	}
	return u, nil
}

// prefetch reads until the PMT is known and every stream has a timestamp,
// keeping what it read for next to hand out.
func (r *tsReader) prefetch() error {
	seen := make(map[uint16]bool)
	startSet := false

	for i := 0; i < tsPrefetchLimit; i++ {
		u, err := r.pull()
		if err != nil {
			if isTSEnd(err) {
				break
			}
			if ae, ok := apperrors.GetAppError(err); ok {
				return ae
			}
			continue
		}

		data := u.data
		if data.PMT != nil && !r.pmtSeen {
			r.loadPMT(data.PMT)
		}
		if data.PES == nil {
			continue
		}
		r.queue = append(r.queue, u)

		pid := data.PID
		if pts, dts, ok := pesTimestamps(data.PES); ok {
			low := pts
			if dts < low {
				low = dts
			}
			if !startSet || low < r.start {
				r.start = low
				startSet = true
			}
			seen[pid] = true
		}
		if r.pmtSeen && len(seen) >= len(r.order) && r.allSeen(seen) {
			break
		}
	}

	if !r.pmtSeen {
		return apperrors.NewFormatError("transport stream has no program map table", nil)
	}
	if len(r.order) == 0 {
		return apperrors.NewFormatError("transport stream has no supported elementary streams", nil)
	}
	return nil
}

func (r *tsReader) allSeen(seen map[uint16]bool) bool {
	for _, pid := range r.order {
		if !seen[pid] {
			return false
		}
	}
	return true
}

func (r *tsReader) loadPMT(pmt *astits.PMTData) {
	r.pmtSeen = true
	for _, es := range pmt.ElementaryStreams {
		info := media.StreamInfo{
			ID:       int(es.ElementaryPID),
			TimeBase: media.TimeBase90k,
			Language: esLanguage(es),
		}
		switch uint8(es.StreamType) {
		case streamTypeH264:
			info.Kind, info.Codec = media.KindVideo, media.CodecH264
		case streamTypeH265:
			info.Kind, info.Codec = media.KindVideo, media.CodecHEVC
		case streamTypeAAC:
			info.Kind, info.Codec = media.KindAudio, media.CodecAAC
		case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
			info.Kind, info.Codec = media.KindAudio, media.CodecMP3
		default:
			r.log.WithFields(map[string]interface{}{
				"pid":         es.ElementaryPID,
				"stream_type": uint8(es.StreamType),
			}).Debug("Ignoring elementary stream")
			continue
		}
		if _, dup := r.pids[es.ElementaryPID]; dup {
			continue
		}
		r.pids[es.ElementaryPID] = &tsStream{info: info, unwrap: newPTSUnwrapper(tsWrap)}
		r.order = append(r.order, es.ElementaryPID)
	}
}

func esLanguage(es *astits.PMTElementaryStream) string {
	for _, d := range es.ElementaryStreamDescriptors {
		if d == nil || d.Tag != descriptorTagLanguage || d.ISO639LanguageAndAudioType == nil {
			continue
		}
		return string(bytes.TrimRight(d.ISO639LanguageAndAudioType.Language, "\x00 "))
	}
	return ""
}

func pesTimestamps(pes *astits.PESData) (pts, dts int64, ok bool) {
	if pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.PTS == nil {
		return 0, 0, false
	}
	oh := pes.Header.OptionalHeader
	pts = oh.PTS.Base
	dts = pts
	if oh.DTS != nil {
		dts = oh.DTS.Base
	}
	return pts, dts, true
}

func isTSEnd(err error) bool {
	return errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF)
}

func (r *tsReader) streams() []media.StreamInfo {
	out := make([]media.StreamInfo, 0, len(r.order))
	for _, pid := range r.order {
		info := r.pids[pid].info
		info.Duration = r.dur
		out = append(out, info)
	}
	return out
}

func (r *tsReader) duration() time.Duration { return r.dur }

func (r *tsReader) next() (*media.Packet, error) {
	mark := r.mark
	r.mark = nil
	for {
		var u tsUnit
		if len(r.queue) > 0 {
			u = r.queue[0]
			r.queue[0] = tsUnit{}
			r.queue = r.queue[1:]
		} else {
			if r.eof {
				return nil, io.EOF
			}
			var err error
			u, err = r.pull()
			if err != nil {
				if isTSEnd(err) {
					r.eof = true
					return nil, io.EOF
				}
				if ae, ok := apperrors.GetAppError(err); ok {
					return nil, ae
				}
				return nil, corrupt(err)
			}
		}

		if u.data.PES == nil {
			continue
		}
		before := r.consumed
		r.consumed++

		st := r.pids[u.data.PID]
		if st == nil {
			continue
		}
		var saved []tsStreamState
		if mark != nil && u.off >= 0 {
			saved = r.saveState()
		}
		pkt, err := r.packet(st, u.data)
		if err != nil {
			return nil, err
		}
		if saved != nil && pkt.Keyframe() {
			rawPTS, _, ok := pesTimestamps(u.data.PES)
			mark.consumed = before
			mark.off, mark.pid, mark.pts, mark.hasPTS = u.off, u.data.PID, rawPTS, ok
			mark.states = saved
		}
		return pkt, nil
	}
}

func (r *tsReader) saveState() []tsStreamState {
	out := make([]tsStreamState, len(r.order))
	for i, pid := range r.order {
		st := r.pids[pid]
		out[i] = tsStreamState{unwrap: *st.unwrap, lastPTS: st.lastPTS, hasLast: st.hasLast}
	}
	return out
}

func (r *tsReader) loadState(states []tsStreamState) {
	for i, pid := range r.order {
		st := r.pids[pid]
		if states == nil {
			st.unwrap = newPTSUnwrapper(tsWrap)
			st.lastPTS, st.hasLast = 0, false
			continue
		}
		u := states[i].unwrap
		st.unwrap = &u
		st.lastPTS, st.hasLast = states[i].lastPTS, states[i].hasLast
	}
}

func (r *tsReader) packet(st *tsStream, data *astits.DemuxerData) (*media.Packet, error) {
	if len(data.PES.Data) == 0 {
		return nil, corrupt(errors.Errorf("empty PES on pid %d", st.info.ID))
	}

	rawPTS, rawDTS, ok := pesTimestamps(data.PES)
	var pts, dts int64
	if ok {
		pts = st.unwrap.unwrap(rawPTS) - r.start
		dts = pts - tsDelta(rawPTS, rawDTS)
	} else {
		if !st.hasLast {
			return nil, corrupt(errors.Errorf("PES without timestamp on pid %d", st.info.ID))
		}
		pts, dts = st.lastPTS, st.lastPTS
	}
	st.lastPTS, st.hasLast = pts, true

	pkt := &media.Packet{
		StreamID: st.info.ID,
		PTS:      media.TimeBase90k.Duration(pts),
		DTS:      media.TimeBase90k.Duration(dts),
		Data:     data.PES.Data,
	}

	switch st.info.Kind {
	case media.KindVideo:
		rai := data.FirstPacket != nil && data.FirstPacket.AdaptationField != nil &&
			data.FirstPacket.AdaptationField.RandomAccessIndicator
		if rai || (st.info.Codec == media.CodecH264 && annexBHasIDR(pkt.Data)) {
			pkt.Flags |= media.FlagKeyframe
		}
	default:
		pkt.Flags |= media.FlagKeyframe
	}
	return pkt, nil
}

func annexBHasIDR(b []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(b); err != nil {
		return false
	}
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1f) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// checkpoint returns a mark that next fills in with the position of the
// packet it returns.
func (r *tsReader) checkpoint() any {
	m := &tsMark{consumed: r.consumed, off: -1}
	r.mark = m
	return m
}

func (r *tsReader) restore(cp any) error {
	m, ok := cp.(*tsMark)
	if !ok {
		return errors.Errorf("foreign checkpoint %T", cp)
	}
	r.mark = nil
	if m.consumed == r.consumed && !r.eof {
		return nil
	}
	if m.off >= 0 {
		err := r.restoreAt(m)
		if err == nil {
			return nil
		}
		r.log.WithError(err).Debug("Replaying transport stream from the start")
	}
	return r.replay(m.consumed)
}

// reset restarts demuxing at byte offset off.
func (r *tsReader) reset(off int64) error {
	if err := r.in.seek(off); err != nil {
		return err
	}
	r.dmx = r.newDemuxer()
	r.queue = nil
	r.eof = false
	clear(r.starts)
	return nil
}

// restoreAt resumes at the packet that started the marked PES. Units that
// complete before it were read before the mark and are dropped.
func (r *tsReader) restoreAt(m *tsMark) error {
	if err := r.reset(m.off); err != nil {
		return err
	}
	r.loadState(m.states)

	for i := 0; i < tsPrefetchLimit; i++ {
		u, err := r.pull()
		if err != nil {
			if isTSEnd(err) {
				break
			}
			if ae, ok := apperrors.GetAppError(err); ok {
				return ae
			}
			continue
		}
		if u.data.PES == nil || u.data.PID != m.pid || u.off != m.off {
			continue
		}
		pts, _, ok := pesTimestamps(u.data.PES)
		if ok != m.hasPTS || pts != m.pts {
			return errors.Errorf("PES at %d does not match checkpoint", m.off)
		}
		r.queue = []tsUnit{u}
		r.consumed = m.consumed
		return nil
	}
	return errors.Errorf("PES at %d not found", m.off)
}

// replay reads from the first packet until target PES units are consumed.
func (r *tsReader) replay(target int64) error {
	if err := r.reset(r.base); err != nil {
		return err
	}
	r.consumed = 0
	r.loadState(nil)

	for r.consumed < target {
		if _, err := r.next(); err != nil {
			var ce *corruptError
			if errors.As(err, &ce) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return errors.Errorf("checkpoint %d beyond end of stream", target)
			}
			return err
		}
	}
	return nil
}

// probeTail records the largest timestamp per PID near the end of the
// stream for the duration estimate.
func (r *tsReader) probeTail() error {
	size := r.src.Size()
	n := int64(tsTailProbe)
	if n > size {
		n = size
	}
	if _, err := r.src.Seek(size-n, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return err
	}
	off, pktSize := tsLayout(buf)
	if off < 0 {
		return errors.New("no sync in tail")
	}

	dmx := astits.NewDemuxer(r.ctx, bytes.NewReader(buf[off:]), astits.DemuxerOptPacketSize(pktSize))
	last := make(map[uint16]int64)
	for {
		data, err := dmx.NextData()
		if err != nil {
			if isTSEnd(err) {
				break
			}
			continue
		}
		if data.PES == nil {
			continue
		}
		pts, _, ok := pesTimestamps(data.PES)
		if !ok {
			continue
		}
		pid := data.PID
		if prev, seen := last[pid]; !seen || tsDelta(pts, prev) > 0 {
			last[pid] = pts
		}
	}
	r.tailLast = last
	return nil
}

func (r *tsReader) close() error {
	r.queue = nil
	r.mark = nil
	return nil
}
