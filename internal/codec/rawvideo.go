package codec

import (
	"fmt"
	"time"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/media"
)

// rawVideoDecoder passes uncompressed pictures through after checking their
// size against the stream geometry.
type rawVideoDecoder struct {
	info   media.StreamInfo
	format media.PixelFormat
	size   int
	out    frameQueue
	closed bool
}

func newRawVideoDecoder(info media.StreamInfo, _ Options) (Decoder, error) {
	format := info.PixelFormat
	if format == "" {
		format = media.PixelYUV420P
	}
	size := format.FrameSize(info.Width, info.Height)
	if size <= 0 {
		return nil, apperrors.NewUnsupportedFormat(fmt.Sprintf("%s/%s", info.Codec, format)).
			WithDetails(map[string]interface{}{"width": info.Width, "height": info.Height})
	}
	return &rawVideoDecoder{info: info, format: format, size: size}, nil
}

func (d *rawVideoDecoder) Name() string { return "rawvideo" }

func (d *rawVideoDecoder) Submit(p *media.Packet) error {
	if d.closed {
		return apperrors.NewDecodeError("decoder closed", nil)
	}
	if len(p.Data) == 0 {
		return nil
	}
	if len(p.Data) != d.size {
		return apperrors.NewDecodeError(
			fmt.Sprintf("picture is %d bytes, %dx%d %s needs %d", len(p.Data), d.info.Width, d.info.Height, d.format, d.size), nil).
			WithDetails(map[string]interface{}{"stream_id": p.StreamID, "pts": p.PTS.String()})
	}

	dur := p.Duration
	if dur <= 0 && d.info.FrameRate > 0 {
		dur = time.Duration(float64(time.Second) / d.info.FrameRate)
	}
	d.out.push(&media.Frame{
		StreamID: p.StreamID,
		Kind:     media.KindVideo,
		PTS:      p.PTS,
		Duration: dur,
		Format: media.Format{
			PixelFormat: d.format,
			Width:       d.info.Width,
			Height:      d.info.Height,
		},
		Data:     p.Data,
		Keyframe: true,
	})
	return nil
}

func (d *rawVideoDecoder) Retrieve() (*media.Frame, error) { return d.out.pop() }
func (d *rawVideoDecoder) Flush()                          { d.out.reset() }

func (d *rawVideoDecoder) Close() error {
	d.out.reset()
	d.closed = true
	return nil
}
