package codec

import (
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/media"
)

// samplesPerAU is the frame length of AAC-LC.
const samplesPerAU = 1024

// aacDecoder splits ADTS streams and raw access units into one frame per
// AU. Samples stay compressed for the audio sink; the frame carries the
// configuration needed to play them.
type aacDecoder struct {
	info   media.StreamInfo
	config *mpeg4audio.AudioSpecificConfig
	out    frameQueue
	closed bool
}

func newAACDecoder(info media.StreamInfo, _ Options) (Decoder, error) {
	d := &aacDecoder{info: info}
	if len(info.Extradata) > 0 {
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(info.Extradata); err != nil {
			return nil, apperrors.NewDecodeError("invalid AudioSpecificConfig", err)
		}
		d.config = &conf
	}
	return d, nil
}

func (d *aacDecoder) Name() string { return "aac" }

func (d *aacDecoder) Submit(p *media.Packet) error {
	if d.closed {
		return apperrors.NewDecodeError("decoder closed", nil)
	}
	if len(p.Data) == 0 {
		return nil
	}
	if hasStartCode(p.Data) {
		return apperrors.NewUnsupportedFormat(string(media.CodecAAC)).
			WithDetails(map[string]interface{}{"reason": "payload carries a start code"})
	}

	if isADTS(p.Data) {
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(p.Data); err != nil {
			return apperrors.NewDecodeError("malformed ADTS", err).
				WithDetails(map[string]interface{}{"stream_id": p.StreamID, "pts": p.PTS.String()})
		}
		pts := p.PTS
		for _, pkt := range pkts {
			f := d.frame(p.StreamID, pts, pkt.SampleRate, pkt.ChannelCount, pkt.AU)
			d.out.push(f)
			pts += f.Duration
		}
		return nil
	}

	if d.config == nil {
		return apperrors.NewDecodeError("raw AAC access unit without AudioSpecificConfig", nil).
			WithDetails(map[string]interface{}{"stream_id": p.StreamID})
	}
	d.out.push(d.frame(p.StreamID, p.PTS, d.config.SampleRate, d.config.ChannelCount, p.Data))
	return nil
}

func (d *aacDecoder) frame(stream int, pts time.Duration, rate, channels int, au []byte) *media.Frame {
	var dur time.Duration
	if rate > 0 {
		dur = time.Duration(samplesPerAU) * time.Second / time.Duration(rate)
	}
	return &media.Frame{
		StreamID: stream,
		Kind:     media.KindAudio,
		PTS:      pts,
		Duration: dur,
		Format: media.Format{
			SampleFormat: media.SampleAAC,
			SampleRate:   rate,
			Channels:     channels,
			Samples:      samplesPerAU,
		},
		Data:     au,
		Keyframe: true,
	}
}

func (d *aacDecoder) Retrieve() (*media.Frame, error) { return d.out.pop() }
func (d *aacDecoder) Flush()                          { d.out.reset() }

func (d *aacDecoder) Close() error {
	d.out.reset()
	d.closed = true
	return nil
}

func isADTS(b []byte) bool {
	return len(b) >= 7 && b[0] == 0xff && b[1]&0xf6 == 0xf0
}
