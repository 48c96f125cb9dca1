// Package media holds the data model shared by demuxers, decoders and the
// player: stream descriptions, compressed packets and decoded frames.
package media

import (
	"fmt"
	"time"
)

// Kind classifies an elementary stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Codec is the hint a demuxer attaches to a stream; decoders are matched on it.
type Codec string

const (
	CodecH264     Codec = "h264"
	CodecHEVC     Codec = "hevc"
	CodecAAC      Codec = "aac"
	CodecMP3      Codec = "mp3"
	CodecOpus     Codec = "opus"
	CodecPCMS16LE Codec = "pcm_s16le"
	CodecPCMS16BE Codec = "pcm_s16be"
	CodecPCMF32LE Codec = "pcm_f32le"
	CodecRawVideo Codec = "rawvideo"
	CodecText     Codec = "text"
	CodecWebVTT   Codec = "webvtt"
	CodecUnknown  Codec = ""
)

// Rational is a time base: one tick lasts Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

var (
	TimeBaseMillis = Rational{1, 1000}
	TimeBase90k    = Rational{1, 90000}
	TimeBaseNanos  = Rational{1, int64(time.Second)}
)

// Duration converts ticks to a duration without intermediate overflow for
// realistic media timestamps.
func (r Rational) Duration(ticks int64) time.Duration {
	if r.Den == 0 {
		return 0
	}
	sec := ticks / r.Den
	rem := ticks % r.Den
	return time.Duration(sec*r.Num)*time.Second +
		time.Duration(rem*r.Num*int64(time.Second)/r.Den)
}

// Ticks converts d back to ticks, rounding to the nearest tick.
func (r Rational) Ticks(d time.Duration) int64 {
	if r.Num == 0 {
		return 0
	}
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	unit := r.Num * int64(time.Second)
	return sec*r.Den/r.Num + (rem*r.Den+unit/2)/unit
}

func (r Rational) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// StreamInfo describes one elementary stream of a container.
type StreamInfo struct {
	ID       int
	Kind     Kind
	Codec    Codec
	Language string
	Title    string
	Default  bool
	TimeBase Rational
	Duration time.Duration

	// video
	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameRate   float64

	// audio
	SampleRate int
	Channels   int

	// Extradata is codec configuration: AVC decoder configuration record,
	// AudioSpecificConfig, or raw SPS/PPS in AnnexB form.
	Extradata []byte
}

func (s StreamInfo) String() string {
	switch s.Kind {
	case KindVideo:
		return fmt.Sprintf("#%d %s %s %dx%d", s.ID, s.Kind, s.Codec, s.Width, s.Height)
	case KindAudio:
		return fmt.Sprintf("#%d %s %s %dHz %dch", s.ID, s.Kind, s.Codec, s.SampleRate, s.Channels)
	default:
		return fmt.Sprintf("#%d %s %s", s.ID, s.Kind, s.Codec)
	}
}

// Flags annotate packets.
type Flags uint8

const (
	FlagKeyframe Flags = 1 << iota
	FlagEndOfStream
	FlagDiscontinuity
	FlagCorrupt
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

// Packet is one compressed unit of one stream. Data is owned by whoever
// holds the packet; the demuxer hands ownership to the decoder on dispatch.
type Packet struct {
	StreamID int
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Data     []byte
	Flags    Flags
}

func (p *Packet) Keyframe() bool      { return p.Flags.Has(FlagKeyframe) }
func (p *Packet) Discontinuity() bool { return p.Flags.Has(FlagDiscontinuity) }

// PixelFormat of a video frame payload.
type PixelFormat string

const (
	PixelYUV420P PixelFormat = "yuv420p"
	PixelNV12    PixelFormat = "nv12"
	PixelRGB24   PixelFormat = "rgb24"
	PixelRGBA    PixelFormat = "rgba"
	PixelGray8   PixelFormat = "gray"
	// PixelAnnexB marks a frame that still carries a compressed access unit
	// for a renderer-side hardware decoder.
	PixelAnnexB PixelFormat = "h264-annexb"
)

// FrameSize returns the byte size of one w x h picture, or -1 for formats
// without a fixed size.
func (p PixelFormat) FrameSize(w, h int) int {
	switch p {
	case PixelYUV420P, PixelNV12:
		return w*h + 2*((w+1)/2)*((h+1)/2)
	case PixelRGB24:
		return w * h * 3
	case PixelRGBA:
		return w * h * 4
	case PixelGray8:
		return w * h
	default:
		return -1
	}
}

// SampleFormat of an audio frame payload. Samples are interleaved.
type SampleFormat string

const (
	SampleS16LE SampleFormat = "s16le"
	SampleF32LE SampleFormat = "f32le"
	// SampleAAC marks an undecoded AAC access unit.
	SampleAAC SampleFormat = "aac"
)

func (s SampleFormat) BytesPerSample() int {
	switch s {
	case SampleS16LE:
		return 2
	case SampleF32LE:
		return 4
	default:
		return 0
	}
}

// Format describes a decoded frame.
type Format struct {
	PixelFormat PixelFormat
	Width       int
	Height      int

	SampleFormat SampleFormat
	SampleRate   int
	Channels     int
	Samples      int // per channel
}

// Frame is a decoded unit ready for presentation.
type Frame struct {
	StreamID int
	Kind     Kind
	PTS      time.Duration
	Duration time.Duration
	Format   Format
	Data     []byte
	// Substituted frames stand in for one that failed to decode.
	Substituted bool
	Keyframe    bool
}

// End is PTS + Duration.
func (f *Frame) End() time.Duration { return f.PTS + f.Duration }

// Restamp copies f onto a new timestamp, used for substitution.
func (f *Frame) Restamp(pts, dur time.Duration) *Frame {
	c := *f
	c.PTS = pts
	c.Duration = dur
	c.Substituted = true
	return &c
}
