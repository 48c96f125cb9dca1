package codec

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zsiec/reel/internal/demux/demuxtest"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/media"
)

func annexB(nalus ...[]byte) []byte {
	b, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		panic(err)
	}
	return b
}

func lengthPrefixed(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = binary.BigEndian.AppendUint32(b, uint32(len(n)))
		b = append(b, n...)
	}
	return b
}

func avcRecord(sps, pps []byte) []byte {
	b := []byte{1, sps[1], sps[2], sps[3], 0xff, 0xe1}
	b = binary.BigEndian.AppendUint16(b, uint16(len(sps)))
	b = append(b, sps...)
	b = append(b, 1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(pps)))
	return append(b, pps...)
}

func newTestH264(t *testing.T, info media.StreamInfo, opts Options) *h264Decoder {
	t.Helper()
	info.Codec = media.CodecH264
	d, err := newH264Decoder(info, opts)
	require.NoError(t, err)
	return d.(*h264Decoder)
}

func drainFrames(d Decoder) []*media.Frame {
	var out []*media.Frame
	for {
		f, err := d.Retrieve()
		if errors.Is(err, ErrNeedMorePackets) {
			return out
		}
		out = append(out, f)
	}
}

func TestH264InBandParameterSets(t *testing.T) {
	d := newTestH264(t, media.StreamInfo{ID: 1}, Options{})

	require.NoError(t, d.Submit(&media.Packet{
		StreamID: 1,
		Duration: 40 * time.Millisecond,
		Data:     annexB(demuxtest.SPS, demuxtest.PPS, demuxtest.VideoNALU(0, true)),
		Flags:    media.FlagKeyframe,
	}))
	f, err := d.Retrieve()
	require.NoError(t, err, "baseline streams are not delayed")

	assert.Equal(t, media.KindVideo, f.Kind)
	assert.Equal(t, media.PixelAnnexB, f.Format.PixelFormat)
	assert.Equal(t, 1920, f.Format.Width)
	assert.Equal(t, 1080, f.Format.Height)
	assert.True(t, f.Keyframe)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x67}, f.Data[:5])
	assert.Equal(t, 0, d.reorder.depth)
}

func TestH264AVCCWithExtradata(t *testing.T) {
	d := newTestH264(t, media.StreamInfo{ID: 1, Extradata: avcRecord(demuxtest.SPS, demuxtest.PPS)}, Options{})
	assert.Equal(t, 1920, d.width)

	require.NoError(t, d.Submit(&media.Packet{Data: lengthPrefixed(demuxtest.VideoNALU(0, true))}))
	require.NoError(t, d.Submit(&media.Packet{PTS: 40 * time.Millisecond, Data: lengthPrefixed(demuxtest.VideoNALU(1, false))}))

	frames := drainFrames(d)
	require.Len(t, frames, 2)

	var idr h264.AnnexB
	require.NoError(t, idr.Unmarshal(frames[0].Data))
	require.Len(t, idr, 3, "parameter sets prepended to IDR")
	assert.Equal(t, h264.NALUTypeSPS, h264.NALUType(idr[0][0]&0x1f))
	assert.Equal(t, h264.NALUTypePPS, h264.NALUType(idr[1][0]&0x1f))
	assert.Equal(t, h264.NALUTypeIDR, h264.NALUType(idr[2][0]&0x1f))

	var p h264.AnnexB
	require.NoError(t, p.Unmarshal(frames[1].Data))
	assert.Len(t, p, 1)
	assert.False(t, frames[1].Keyframe)
}

func TestH264WaitsForIDR(t *testing.T) {
	d := newTestH264(t, media.StreamInfo{Extradata: annexB(demuxtest.SPS, demuxtest.PPS)}, Options{})

	require.NoError(t, d.Submit(&media.Packet{Data: annexB(demuxtest.VideoNALU(1, false))}))
	_, err := d.Retrieve()
	assert.ErrorIs(t, err, ErrNeedMorePackets, "non-IDR before first IDR is dropped")

	require.NoError(t, d.Submit(&media.Packet{PTS: 40 * time.Millisecond, Data: annexB(demuxtest.VideoNALU(2, true))}))
	require.NoError(t, d.Submit(&media.Packet{PTS: 80 * time.Millisecond, Data: annexB(demuxtest.VideoNALU(3, false))}))
	assert.Len(t, drainFrames(d), 2)

	// after a discontinuity references are gone again
	require.NoError(t, d.Submit(&media.Packet{PTS: time.Second, Data: annexB(demuxtest.VideoNALU(4, false)), Flags: media.FlagDiscontinuity}))
	assert.Empty(t, drainFrames(d))
	require.NoError(t, d.Submit(&media.Packet{PTS: 1040 * time.Millisecond, Data: annexB(demuxtest.VideoNALU(5, true))}))
	frames := drainFrames(d)
	require.Len(t, frames, 1)
	assert.Equal(t, 1040*time.Millisecond, frames[0].PTS)
}

func TestH264FlushDiscardsState(t *testing.T) {
	d := newTestH264(t, media.StreamInfo{}, Options{ReorderDepth: 2})
	require.NoError(t, d.Submit(&media.Packet{Data: annexB(demuxtest.SPS, demuxtest.PPS, demuxtest.VideoNALU(0, true))}))
	require.NoError(t, d.Submit(&media.Packet{PTS: 80 * time.Millisecond, Data: annexB(demuxtest.VideoNALU(1, false))}))
	d.Flush()

	require.NoError(t, d.Submit(&media.Packet{Data: annexB(demuxtest.VideoNALU(1, false)), Flags: media.FlagEndOfStream}))
	assert.Empty(t, drainFrames(d))
	assert.Equal(t, 0, d.Stats().CurrentBuffer)
}

func TestH264ReordersByPTS(t *testing.T) {
	d := newTestH264(t, media.StreamInfo{Extradata: annexB(demuxtest.SPS, demuxtest.PPS)}, Options{ReorderDepth: 2})

	// decode order I P B B, display order I B B P
	ms := time.Millisecond
	order := []struct {
		pts time.Duration
		key bool
	}{{0, true}, {120 * ms, false}, {40 * ms, false}, {80 * ms, false}, {240 * ms, false}, {160 * ms, false}, {200 * ms, false}}
	for i, o := range order {
		require.NoError(t, d.Submit(&media.Packet{PTS: o.pts, DTS: time.Duration(i) * 40 * ms, Data: annexB(demuxtest.VideoNALU(i, o.key))}))
	}
	require.NoError(t, d.Submit(&media.Packet{Flags: media.FlagEndOfStream}))

	frames := drainFrames(d)
	require.Len(t, frames, len(order))
	for i, f := range frames {
		assert.Equal(t, time.Duration(i)*40*ms, f.PTS, "frame %d", i)
	}
	st := d.Stats()
	assert.Equal(t, uint64(0), st.FramesDropped)
	assert.Equal(t, 3, st.MaxBufferSize)
}

func TestH264RejectsForeignPayload(t *testing.T) {
	d := newTestH264(t, media.StreamInfo{}, Options{})

	adts := []byte{0xff, 0xf1, 0x50, 0x80, 0x01, 0x7f, 0xfc, 0x21}
	err := d.Submit(&media.Packet{Data: adts})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnsupportedFormat))

	err = d.Submit(&media.Packet{Data: annexB([]byte{0x85, 0x00})})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnsupportedFormat), "forbidden bit")

	err = d.Submit(&media.Packet{Data: []byte{0, 0, 0, 9, 0x65}})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecode), "truncated length prefix")
}

func TestH264InvalidExtradata(t *testing.T) {
	_, err := newH264Decoder(media.StreamInfo{Codec: media.CodecH264, Extradata: []byte{1, 2, 3}}, Options{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecode))
}

func TestH264OutputNeverGoesBackwards(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		depth := rapid.IntRange(1, 4).Draw(t, "depth")
		n := rapid.IntRange(1, 40).Draw(t, "frames")

		d, err := newH264Decoder(media.StreamInfo{Codec: media.CodecH264}, Options{ReorderDepth: depth})
		if err != nil {
			t.Fatal(err)
		}
		dec := d.(*h264Decoder)

		for i := 0; i < n; i++ {
			pts := time.Duration(rapid.IntRange(0, 2000).Draw(t, "pts")) * time.Millisecond
			if err := dec.Submit(&media.Packet{PTS: pts, Data: annexB(demuxtest.VideoNALU(i, i == 0))}); err != nil {
				t.Fatal(err)
			}
		}
		if err := dec.Submit(&media.Packet{Flags: media.FlagEndOfStream}); err != nil {
			t.Fatal(err)
		}

		frames := drainFrames(dec)
		for i := 1; i < len(frames); i++ {
			if frames[i].PTS < frames[i-1].PTS {
				t.Fatalf("frame %d at %v follows %v", i, frames[i].PTS, frames[i-1].PTS)
			}
		}
		if got := uint64(len(frames)) + dec.Stats().FramesDropped; got != uint64(n) {
			t.Fatalf("%d frames in, %d accounted for", n, got)
		}
	})
}

func TestParseAVCC(t *testing.T) {
	nalus, err := parseAVCC(avcRecord(demuxtest.SPS, demuxtest.PPS))
	require.NoError(t, err)
	require.Len(t, nalus, 2)
	assert.Equal(t, demuxtest.SPS, nalus[0])
	assert.Equal(t, demuxtest.PPS, nalus[1])

	for _, bad := range [][]byte{nil, {0, 1, 2, 3, 4, 5, 6}, {1, 0x42, 0, 0x1e, 0xff, 0xe1, 0, 9, 0x67}} {
		_, err := parseAVCC(bad)
		assert.ErrorIs(t, err, errInvalidRecord)
	}
}
