package codec

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/media"
)

var (
	// <i>, </font>, <c.yellow>, <00:00:01.000> ...
	tagPattern = regexp.MustCompile(`<[^<>]*>`)
	// {\an8}, {\i1} ...
	overridePattern = regexp.MustCompile(`\{\\[^{}]*\}`)
)

// textDecoder turns SRT and WebVTT cue payloads into plain UTF-8 lines.
type textDecoder struct {
	info   media.StreamInfo
	out    frameQueue
	closed bool
}

func newTextDecoder(info media.StreamInfo, _ Options) (Decoder, error) {
	return &textDecoder{info: info}, nil
}

func (d *textDecoder) Name() string { return "text" }

func (d *textDecoder) Submit(p *media.Packet) error {
	if d.closed {
		return apperrors.NewDecodeError("decoder closed", nil)
	}
	if len(p.Data) == 0 {
		return nil
	}
	if strings.IndexByte(string(p.Data), 0) >= 0 {
		return apperrors.NewUnsupportedFormat(string(d.info.Codec)).
			WithDetails(map[string]interface{}{"reason": "binary payload"})
	}

	raw := p.Data
	if !utf8.Valid(raw) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return apperrors.NewDecodeError("subtitle text is not UTF-8", err).
				WithDetails(map[string]interface{}{"stream_id": p.StreamID})
		}
		raw = decoded
	}

	text := StripMarkup(string(raw), d.info.Codec == media.CodecWebVTT)
	d.out.push(&media.Frame{
		StreamID: p.StreamID,
		Kind:     media.KindSubtitle,
		PTS:      p.PTS,
		Duration: p.Duration,
		Data:     []byte(text),
		Keyframe: true,
	})
	return nil
}

func (d *textDecoder) Retrieve() (*media.Frame, error) { return d.out.pop() }
func (d *textDecoder) Flush()                          { d.out.reset() }

func (d *textDecoder) Close() error {
	d.out.reset()
	d.closed = true
	return nil
}

// StripMarkup removes styling tags and override blocks and trims each line.
// WebVTT text also has its character references resolved.
func StripMarkup(s string, webvtt bool) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = overridePattern.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllString(s, "")
	if webvtt {
		s = html.UnescapeString(s)
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
