package codec

import (
	"fmt"
	"time"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/media"
)

// pcmDecoder normalizes interleaved PCM to little endian.
type pcmDecoder struct {
	info     media.StreamInfo
	format   media.SampleFormat
	swap     bool
	channels int
	out      frameQueue
	closed   bool
}

func newPCMDecoder(info media.StreamInfo, _ Options) (Decoder, error) {
	d := &pcmDecoder{info: info, channels: info.Channels}
	switch info.Codec {
	case media.CodecPCMS16LE:
		d.format = media.SampleS16LE
	case media.CodecPCMS16BE:
		d.format = media.SampleS16LE
		d.swap = true
	case media.CodecPCMF32LE:
		d.format = media.SampleF32LE
	default:
		return nil, apperrors.NewUnsupportedFormat(string(info.Codec))
	}
	if d.channels <= 0 {
		d.channels = 1
	}
	if info.SampleRate <= 0 {
		return nil, apperrors.NewDecodeError(fmt.Sprintf("stream %d has no sample rate", info.ID), nil)
	}
	return d, nil
}

func (d *pcmDecoder) Name() string { return "pcm" }

func (d *pcmDecoder) Submit(p *media.Packet) error {
	if d.closed {
		return apperrors.NewDecodeError("decoder closed", nil)
	}
	if len(p.Data) == 0 {
		return nil
	}
	frameSize := d.format.BytesPerSample() * d.channels
	if len(p.Data)%frameSize != 0 {
		return apperrors.NewDecodeError(
			fmt.Sprintf("%d bytes is not a whole number of %d byte sample frames", len(p.Data), frameSize), nil).
			WithDetails(map[string]interface{}{"stream_id": p.StreamID, "pts": p.PTS.String()})
	}

	data := p.Data
	if d.swap {
		for i := 0; i+1 < len(data); i += 2 {
			data[i], data[i+1] = data[i+1], data[i]
		}
	}
	samples := len(data) / frameSize
	d.out.push(&media.Frame{
		StreamID: p.StreamID,
		Kind:     media.KindAudio,
		PTS:      p.PTS,
		Duration: time.Duration(samples) * time.Second / time.Duration(d.info.SampleRate),
		Format: media.Format{
			SampleFormat: d.format,
			SampleRate:   d.info.SampleRate,
			Channels:     d.channels,
			Samples:      samples,
		},
		Data:     data,
		Keyframe: true,
	})
	return nil
}

func (d *pcmDecoder) Retrieve() (*media.Frame, error) { return d.out.pop() }
func (d *pcmDecoder) Flush()                          { d.out.reset() }

func (d *pcmDecoder) Close() error {
	d.out.reset()
	d.closed = true
	return nil
}
