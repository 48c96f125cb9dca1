// Package demuxtest builds small, well-formed containers for tests of the
// demuxers, decoders and player.
package demuxtest

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/asticode/go-astits"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/pmp4"

	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/media"
)

// SPS and PPS describe a 1920x1080 baseline H.264 stream.
var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	PPS = []byte{0x68, 0xce, 0x38, 0x80}
)

const (
	VideoPID = 256
	AudioPID = 257

	VideoTrack = 1
	AudioTrack = 2
)

// Options shape a fixture. Zero values pick small defaults.
type Options struct {
	Frames     int
	FrameDur   time.Duration
	GOP        int
	Width      int
	Height     int
	SampleRate int
	// StartPTS offsets MPEG-TS timestamps, in 90 kHz ticks.
	StartPTS int64
	NoAudio  bool
	// KeyframeOffset delays the first keyframe by that many frames.
	KeyframeOffset int
}

func (o Options) withDefaults() Options {
	if o.Frames == 0 {
		o.Frames = 30
	}
	if o.FrameDur == 0 {
		o.FrameDur = 40 * time.Millisecond
	}
	if o.GOP == 0 {
		o.GOP = 10
	}
	if o.Width == 0 {
		o.Width = 16
	}
	if o.Height == 0 {
		o.Height = 16
	}
	if o.SampleRate == 0 {
		o.SampleRate = 8000
	}
	return o
}

// SamplesPerFrame is the audio samples written alongside each video frame.
func (o Options) SamplesPerFrame() int {
	o = o.withDefaults()
	return int(int64(o.SampleRate) * int64(o.FrameDur) / int64(time.Second))
}

// Keyframe reports whether frame i starts a GOP.
func (o Options) Keyframe(i int) bool {
	i -= o.KeyframeOffset
	return i >= 0 && i%o.withDefaults().GOP == 0
}

// VideoNALU is the coded slice written for frame i.
func VideoNALU(i int, key bool) []byte {
	if key {
		return []byte{0x65, 0x88, 0x84, byte(i)}
	}
	return []byte{0x41, 0x9a, 0x24, byte(i)}
}

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func avcc(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = binary.BigEndian.AppendUint32(b, uint32(len(n)))
		b = append(b, n...)
	}
	return b
}

// PCM returns one frame of mono s16le samples whose value is the frame index.
func PCM(i, samples int) []byte {
	b := make([]byte, 2*samples)
	for s := 0; s < samples; s++ {
		binary.LittleEndian.PutUint16(b[2*s:], uint16(i))
	}
	return b
}

// Picture returns an I420 picture filled with the frame index.
func Picture(i, w, h int) []byte {
	return bytes.Repeat([]byte{byte(i)}, media.PixelYUV420P.FrameSize(w, h))
}

// MPEGTS writes H.264 video and AAC audio in a transport stream.
func MPEGTS(o Options) ([]byte, error) {
	o = o.withDefaults()
	var buf bytes.Buffer
	mx := astits.NewMuxer(context.Background(), &buf)
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: VideoPID,
		StreamType:    0x1B,
	}); err != nil {
		return nil, err
	}
	if !o.NoAudio {
		if err := mx.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: AudioPID,
			StreamType:    0x0F,
		}); err != nil {
			return nil, err
		}
	}
	mx.SetPCRPID(VideoPID)

	step := media.TimeBase90k.Ticks(o.FrameDur)
	for i := 0; i < o.Frames; i++ {
		pts := (o.StartPTS + int64(i)*step) & (1<<33 - 1)
		key := o.Keyframe(i)

		payload := annexB(VideoNALU(i, key))
		if key {
			payload = annexB(SPS, PPS, VideoNALU(i, key))
		}
		if _, err := mx.WriteData(&astits.MuxerData{
			PID:             VideoPID,
			AdaptationField: &astits.PacketAdaptationField{RandomAccessIndicator: key},
			PES:             pes(0xe0, pts, payload),
		}); err != nil {
			return nil, err
		}

		if o.NoAudio {
			continue
		}
		adts, err := mpeg4audio.ADTSPackets{{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
			AU:           []byte{0x21, 0x10, 0x04, byte(i)},
		}}.Marshal()
		if err != nil {
			return nil, err
		}
		if _, err := mx.WriteData(&astits.MuxerData{
			PID: AudioPID,
			PES: pes(0xc0, pts, adts),
		}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func pes(streamID uint8, pts int64, data []byte) *astits.PESData {
	return &astits.PESData{
		Header: &astits.PESHeader{
			StreamID: streamID,
			OptionalHeader: &astits.PESOptionalHeader{
				MarkerBits:      2,
				PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
				PTS:             &astits.ClockReference{Base: pts},
			},
		},
		Data: data,
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Matroska writes uncompressed I420 video and s16le mono audio as WebM
// SimpleBlocks.
func Matroska(o Options) ([]byte, error) {
	o = o.withDefaults()
	var buf bytes.Buffer

	tracks := []webm.TrackEntry{{
		Name:            "Video",
		TrackNumber:     VideoTrack,
		TrackUID:        VideoTrack,
		CodecID:         "V_UNCOMPRESSED",
		TrackType:       1,
		DefaultDuration: uint64(o.FrameDur),
		Video: &webm.Video{
			PixelWidth:  uint64(o.Width),
			PixelHeight: uint64(o.Height),
		},
	}}
	if !o.NoAudio {
		tracks = append(tracks, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: AudioTrack,
			TrackUID:    AudioTrack,
			CodecID:     "A_PCM/INT/LIT",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(o.SampleRate),
				Channels:          1,
			},
		})
	}

	writers, err := webm.NewSimpleBlockWriter(nopWriteCloser{&buf}, tracks)
	if err != nil {
		return nil, err
	}

	for i := 0; i < o.Frames; i++ {
		ms := int64(time.Duration(i)*o.FrameDur) / int64(time.Millisecond)
		if _, err := writers[0].Write(o.Keyframe(i), ms, Picture(i, o.Width, o.Height)); err != nil {
			return nil, err
		}
		if !o.NoAudio {
			if _, err := writers[1].Write(true, ms, PCM(i, o.SamplesPerFrame())); err != nil {
				return nil, err
			}
		}
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// FragmentedMP4 writes H.264 video and s16le mono audio, one fragment per
// GOP.
func FragmentedMP4(o Options) ([]byte, error) {
	o = o.withDefaults()

	init := &fmp4.Init{Tracks: []*fmp4.InitTrack{{
		ID:        VideoTrack,
		TimeScale: 90000,
		Codec:     &mp4.CodecH264{SPS: SPS, PPS: PPS},
	}}}
	if !o.NoAudio {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        AudioTrack,
			TimeScale: uint32(o.SampleRate),
			Codec: &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   o.SampleRate,
				ChannelCount: 1,
			},
		})
	}

	var out seekablebuffer.Buffer
	if err := init.Marshal(&out); err != nil {
		return nil, err
	}
	result := append([]byte(nil), out.Bytes()...)

	vstep := uint32(media.TimeBase90k.Ticks(o.FrameDur))
	astep := uint32(o.SamplesPerFrame())
	seq := uint32(1)
	for g := 0; g < o.Frames; g += o.GOP {
		vt := &fmp4.PartTrack{ID: VideoTrack, BaseTime: uint64(g) * uint64(vstep)}
		at := &fmp4.PartTrack{ID: AudioTrack, BaseTime: uint64(g) * uint64(astep)}
		for i := g; i < g+o.GOP && i < o.Frames; i++ {
			key := o.Keyframe(i)
			vt.Samples = append(vt.Samples, &fmp4.Sample{
				Duration:        vstep,
				IsNonSyncSample: !key,
				Payload:         avcc(VideoNALU(i, key)),
			})
			at.Samples = append(at.Samples, &fmp4.Sample{
				Duration: astep,
				Payload:  PCM(i, int(astep)),
			})
		}

		part := &fmp4.Part{SequenceNumber: seq, Tracks: []*fmp4.PartTrack{vt}}
		if !o.NoAudio {
			part.Tracks = append(part.Tracks, at)
		}
		var pb seekablebuffer.Buffer
		if err := part.Marshal(&pb); err != nil {
			return nil, err
		}
		result = append(result, pb.Bytes()...)
		seq++
	}
	return result, nil
}

// ProgressiveMP4 writes the same tracks as FragmentedMP4 into a single moov
// and mdat.
func ProgressiveMP4(o Options) ([]byte, error) {
	o = o.withDefaults()

	vstep := uint32(media.TimeBase90k.Ticks(o.FrameDur))
	astep := uint32(o.SamplesPerFrame())
	video := &pmp4.Track{ID: VideoTrack, TimeScale: 90000, Codec: &mp4.CodecH264{SPS: SPS, PPS: PPS}}
	audio := &pmp4.Track{ID: AudioTrack, TimeScale: uint32(o.SampleRate), Codec: &mp4.CodecLPCM{
		LittleEndian: true,
		BitDepth:     16,
		SampleRate:   o.SampleRate,
		ChannelCount: 1,
	}}
	for i := 0; i < o.Frames; i++ {
		v := avcc(VideoNALU(i, o.Keyframe(i)))
		video.Samples = append(video.Samples, &pmp4.Sample{
			Duration:        vstep,
			IsNonSyncSample: !o.Keyframe(i),
			PayloadSize:     uint32(len(v)),
			GetPayload:      func() ([]byte, error) { return v, nil },
		})
		a := PCM(i, int(astep))
		audio.Samples = append(audio.Samples, &pmp4.Sample{
			Duration:    astep,
			PayloadSize: uint32(len(a)),
			GetPayload:  func() ([]byte, error) { return a, nil },
		})
	}

	pres := &pmp4.Presentation{Tracks: []*pmp4.Track{video}}
	if !o.NoAudio {
		pres.Tracks = append(pres.Tracks, audio)
	}
	var buf bytes.Buffer
	if err := pres.Marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stream serves data as an input stream. Forward-only streams refuse to
// seek, like pipes and live transports.
func Stream(data []byte, locator string, seekable bool) input.Stream {
	return &memStream{r: bytes.NewReader(data), size: int64(len(data)), locator: locator, seekable: seekable}
}

// ChunkedStream is Stream with every Read returning at most chunk bytes,
// like a socket delivering small segments.
func ChunkedStream(data []byte, locator string, seekable bool, chunk int) input.Stream {
	s := Stream(data, locator, seekable).(*memStream)
	s.chunk = chunk
	return s
}

type memStream struct {
	r        *bytes.Reader
	size     int64
	locator  string
	seekable bool
	chunk    int
	closed   bool
}

func (s *memStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.chunk > 0 && len(p) > s.chunk {
		p = p[:s.chunk]
	}
	return s.r.Read(p)
}

func (s *memStream) Seek(offset int64, whence int) (int64, error) {
	if !s.seekable {
		return 0, input.ErrNotSeekable
	}
	return s.r.Seek(offset, whence)
}

func (s *memStream) Close() error {
	s.closed = true
	return nil
}

func (s *memStream) Size() int64 {
	if !s.seekable {
		return -1
	}
	return s.size
}

func (s *memStream) Position() int64 { return s.size - int64(s.r.Len()) }
func (s *memStream) Seekable() bool  { return s.seekable }
func (s *memStream) Locator() string { return s.locator }

// Closed reports whether Close was called on a stream made by Stream.
func Closed(s input.Stream) bool {
	m, ok := s.(*memStream)
	return ok && m.closed
}
