package codec

import (
	"bytes"
	"errors"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
)

const (
	profileBaseline     = 66
	defaultReorderDepth = 4
)

var errInvalidRecord = errors.New("invalid AVC decoder configuration record")

// h264Decoder parses access units, tracks parameter sets and restores
// presentation order. Pixel reconstruction happens in the renderer, so the
// frame payload is the access unit in AnnexB form with parameter sets
// prepended on IDR pictures.
type h264Decoder struct {
	info media.StreamInfo
	opts Options
	log  *logger.SampledLogger

	sps    []byte
	pps    []byte
	width  int
	height int
	fps    float64

	// waitIDR drops pictures until the next IDR, at start and after a
	// discontinuity, when reference pictures are missing.
	waitIDR bool
	reorder *reorderBuffer
	out     frameQueue
	closed  bool
}

func newH264Decoder(info media.StreamInfo, opts Options) (Decoder, error) {
	d := &h264Decoder{
		info:    info,
		opts:    opts,
		log:     opts.logger(),
		width:   info.Width,
		height:  info.Height,
		fps:     info.FrameRate,
		waitIDR: true,
	}
	if len(info.Extradata) > 0 {
		nalus, err := parameterSets(info.Extradata)
		if err != nil {
			return nil, apperrors.NewDecodeError("invalid H.264 extradata", err)
		}
		for _, n := range nalus {
			d.parameterSet(n)
		}
	}
	d.reorder = newReorderBuffer(d.reorderDepth(), d.log)
	return d, nil
}

func (d *h264Decoder) Name() string { return "h264" }

func (d *h264Decoder) reorderDepth() int {
	if d.opts.ReorderDepth > 0 {
		return d.opts.ReorderDepth
	}
	if len(d.sps) > 1 && d.sps[1] == profileBaseline {
		// baseline has no B slices
		return 0
	}
	return defaultReorderDepth
}

func (d *h264Decoder) parameterSet(n []byte) {
	switch h264.NALUType(n[0] & 0x1f) {
	case h264.NALUTypeSPS:
		d.sps = append(d.sps[:0], n...)
		var sps h264.SPS
		if err := sps.Unmarshal(n); err != nil {
			d.log.WarnWithCategory(logger.CategoryDecodeError, "unparseable SPS", map[string]interface{}{
				"stream_id": d.info.ID,
				"error":     err.Error(),
			})
			return
		}
		d.width = sps.Width()
		d.height = sps.Height()
		if fps := sps.FPS(); fps > 0 {
			d.fps = fps
		}
		if d.reorder != nil {
			d.reorder.depth = d.reorderDepth()
		}
	case h264.NALUTypePPS:
		d.pps = append(d.pps[:0], n...)
	}
}

func (d *h264Decoder) Submit(p *media.Packet) error {
	if d.closed {
		return apperrors.NewDecodeError("decoder closed", nil)
	}
	if p.Discontinuity() {
		d.reorder.reset()
		d.waitIDR = true
	}
	if len(p.Data) > 0 {
		if err := d.decode(p); err != nil {
			return err
		}
	}
	if p.Flags.Has(media.FlagEndOfStream) {
		for _, f := range d.reorder.drain() {
			d.out.push(f)
		}
	}
	return nil
}

func (d *h264Decoder) decode(p *media.Packet) error {
	nalus, err := splitAccessUnit(p.Data)
	if err == nil && (len(nalus) == 0 || len(nalus[0]) == 0) {
		err = errors.New("empty access unit")
	}
	if err != nil {
		if foreignPayload(p.Data) {
			return apperrors.NewUnsupportedFormat(string(media.CodecH264)).
				WithDetails(map[string]interface{}{"reason": "payload is not H.264"})
		}
		return apperrors.NewDecodeError("malformed access unit", err).
			WithDetails(map[string]interface{}{"stream_id": p.StreamID, "pts": p.PTS.String()})
	}
	if nalus[0][0]&0x80 != 0 {
		return apperrors.NewUnsupportedFormat(string(media.CodecH264)).
			WithDetails(map[string]interface{}{"reason": "forbidden_zero_bit set"})
	}

	var idr, picture, inband bool
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		typ := h264.NALUType(n[0] & 0x1f)
		switch typ {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			d.parameterSet(n)
			inband = true
		case h264.NALUTypeIDR:
			idr = true
			picture = true
		case h264.NALUTypeNonIDR, h264.NALUTypeDataPartitionA:
			picture = true
		}
	}
	if !picture {
		return nil
	}

	if d.waitIDR {
		if !idr {
			d.log.WarnWithCategory(logger.CategoryDecodeError, "dropping picture until next IDR", map[string]interface{}{
				"stream_id": p.StreamID,
				"pts":       p.PTS,
			})
			return nil
		}
		d.waitIDR = false
	}

	if idr && !inband && len(d.sps) > 0 && len(d.pps) > 0 {
		nalus = append([][]byte{d.sps, d.pps}, nalus...)
	}
	payload, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return apperrors.NewDecodeError("cannot encode access unit", err)
	}

	dur := p.Duration
	if dur <= 0 && d.fps > 0 {
		dur = time.Duration(float64(time.Second) / d.fps)
	}
	f := &media.Frame{
		StreamID: p.StreamID,
		Kind:     media.KindVideo,
		PTS:      p.PTS,
		Duration: dur,
		Format: media.Format{
			PixelFormat: media.PixelAnnexB,
			Width:       d.width,
			Height:      d.height,
		},
		Data:     payload,
		Keyframe: idr,
	}
	for _, r := range d.reorder.add(f) {
		d.out.push(r)
	}
	return nil
}

func (d *h264Decoder) Retrieve() (*media.Frame, error) { return d.out.pop() }

func (d *h264Decoder) Flush() {
	d.reorder.reset()
	d.out.reset()
	d.waitIDR = true
}

func (d *h264Decoder) Close() error {
	d.Flush()
	d.closed = true
	return nil
}

// Stats exposes the reorder buffer counters.
func (d *h264Decoder) Stats() ReorderStats { return d.reorder.stats() }

func hasStartCode(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0, 0, 1}) || bytes.HasPrefix(b, []byte{0, 0, 0, 1})
}

// splitAccessUnit accepts AnnexB and 4-byte length-prefixed payloads.
func splitAccessUnit(b []byte) ([][]byte, error) {
	if hasStartCode(b) {
		var au h264.AnnexB
		if err := au.Unmarshal(b); err != nil {
			return nil, err
		}
		return au, nil
	}
	var au h264.AVCC
	if err := au.Unmarshal(b); err != nil {
		return nil, err
	}
	return au, nil
}

// foreignPayload spots payloads of other codecs: ADTS and MPEG audio sync
// words.
func foreignPayload(b []byte) bool {
	return len(b) >= 2 && b[0] == 0xff && b[1]&0xe0 == 0xe0
}

// parameterSets extracts SPS and PPS units from an AVC decoder
// configuration record or from AnnexB.
func parameterSets(extra []byte) ([][]byte, error) {
	if hasStartCode(extra) {
		var au h264.AnnexB
		if err := au.Unmarshal(extra); err != nil {
			return nil, err
		}
		return au, nil
	}
	return parseAVCC(extra)
}

func parseAVCC(b []byte) ([][]byte, error) {
	if len(b) < 7 || b[0] != 1 {
		return nil, errInvalidRecord
	}
	var out [][]byte
	pos := 5
	count := int(b[pos] & 0x1f)
	pos++
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < count; i++ {
			if pos+2 > len(b) {
				return nil, errInvalidRecord
			}
			n := int(b[pos])<<8 | int(b[pos+1])
			pos += 2
			if n == 0 || pos+n > len(b) {
				return nil, errInvalidRecord
			}
			out = append(out, b[pos:pos+n])
			pos += n
		}
		if pass == 0 {
			if pos >= len(b) {
				return nil, errInvalidRecord
			}
			count = int(b[pos])
			pos++
		}
	}
	return out, nil
}
