package subtitle

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/media"
)

// Cue is one timed subtitle entry.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// ParseOptions tune ParseSRT.
type ParseOptions struct {
	// Charset forces a legacy encoding for lines that are not valid UTF-8:
	// "windows-1252" (default) or "iso-8859-1".
	Charset string
	// MaxLine truncates overlong lines. Zero means 4096.
	MaxLine int
}

func legacyDecoder(name string) *encoding.Decoder {
	switch strings.ToLower(name) {
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder()
	case "iso-8859-15", "latin9":
		return charmap.ISO8859_15.NewDecoder()
	default:
		return charmap.Windows1252.NewDecoder()
	}
}

// ParseSRT reads SubRip cues from r. UTF-16 input is recognised by its byte
// order mark; a UTF-8 BOM is skipped; other lines that are not valid UTF-8
// are decoded with the legacy charset. Malformed blocks are skipped.
func ParseSRT(r *Reader, opts ParseOptions) ([]Cue, error) {
	if opts.MaxLine <= 0 {
		opts.MaxLine = 4096
	}

	head, err := r.Peek(3)
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}):
		if _, err := r.Seek(3, io.SeekCurrent); err != nil {
			return nil, err
		}
	case bytes.HasPrefix(head, []byte{0xFF, 0xFE}), bytes.HasPrefix(head, []byte{0xFE, 0xFF}):
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		text, err := dec.Bytes(raw)
		if err != nil {
			return nil, fmt.Errorf("utf-16 subtitle: %w", err)
		}
		r = NewReader(input.NewReaderStream("utf16", bytes.NewReader(text)), r.Capacity())
	}

	legacy := legacyDecoder(opts.Charset)
	p := &srtParser{}
	for {
		line, err := r.ReadLine(opts.MaxLine)
		if err == io.EOF {
			break
		}
		if err != nil {
			return p.cues, err
		}
		if !utf8.Valid(line) {
			if dec, derr := legacy.Bytes(line); derr == nil {
				line = dec
			}
		}
		p.line(string(line))
	}
	p.flush()
	return p.cues, nil
}

type srtParser struct {
	cues  []Cue
	cur   *Cue
	text  []string
	index int
}

func (p *srtParser) line(l string) {
	trimmed := strings.TrimSpace(l)
	if trimmed == "" {
		p.flush()
		return
	}
	if p.cur == nil {
		if strings.Contains(trimmed, "-->") {
			start, end, ok := parseTiming(trimmed)
			if !ok {
				return
			}
			p.cur = &Cue{Index: p.index, Start: start, End: end}
			p.index = 0
			return
		}
		if n, err := strconv.Atoi(trimmed); err == nil {
			p.index = n
		}
		return
	}
	p.text = append(p.text, strings.TrimRight(l, " \t"))
}

func (p *srtParser) flush() {
	if p.cur != nil && len(p.text) > 0 {
		p.cur.Text = strings.Join(p.text, "\n")
		if p.cur.Index == 0 {
			p.cur.Index = len(p.cues) + 1
		}
		p.cues = append(p.cues, *p.cur)
	}
	p.cur = nil
	p.text = p.text[:0]
}

func parseTiming(l string) (time.Duration, time.Duration, bool) {
	parts := strings.SplitN(l, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, ok1 := parseTimestamp(strings.TrimSpace(parts[0]))
	// positioning hints may follow the end time
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, false
	}
	end, ok2 := parseTimestamp(endField[0])
	if !ok1 || !ok2 || end < start {
		return 0, 0, false
	}
	return start, end, true
}

// parseTimestamp accepts HH:MM:SS,mmm and HH:MM:SS.mmm.
func parseTimestamp(s string) (time.Duration, bool) {
	s = strings.Replace(s, ",", ".", 1)
	var frac time.Duration
	if i := strings.IndexByte(s, '.'); i >= 0 {
		ms := s[i+1:]
		for len(ms) < 3 {
			ms += "0"
		}
		v, err := strconv.Atoi(ms[:3])
		if err != nil {
			return 0, false
		}
		frac = time.Duration(v) * time.Millisecond
		s = s[:i]
	}
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return 0, false
	}
	var parts [3]int
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return 0, false
		}
		parts[i] = v
	}
	if parts[1] > 59 || parts[2] > 59 {
		return 0, false
	}
	return time.Duration(parts[0])*time.Hour +
		time.Duration(parts[1])*time.Minute +
		time.Duration(parts[2])*time.Second + frac, true
}

// Track is a time-ordered list of cues.
type Track struct {
	Language string
	cues     []Cue
}

func NewTrack(language string, cues []Cue) *Track {
	sorted := append([]Cue(nil), cues...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &Track{Language: language, cues: sorted}
}

func (t *Track) Len() int { return len(t.cues) }

func (t *Track) Cues() []Cue { return t.cues }

// At returns the cues displayed at ts.
func (t *Track) At(ts time.Duration) []Cue {
	// cues starting after ts cannot be active
	n := sort.Search(len(t.cues), func(i int) bool { return t.cues[i].Start > ts })
	var out []Cue
	for _, c := range t.cues[:n] {
		if ts < c.End {
			out = append(out, c)
		}
	}
	return out
}

// Frames converts cues starting at or after from into subtitle frames for
// streamID.
func (t *Track) Frames(streamID int, from time.Duration) []*media.Frame {
	out := make([]*media.Frame, 0, len(t.cues))
	for _, c := range t.cues {
		if c.End <= from {
			continue
		}
		out = append(out, &media.Frame{
			StreamID: streamID,
			Kind:     media.KindSubtitle,
			PTS:      c.Start,
			Duration: c.End - c.Start,
			Data:     []byte(c.Text),
		})
	}
	return out
}

// StreamInfo describes the track as a subtitle stream.
func (t *Track) StreamInfo(id int) media.StreamInfo {
	var dur time.Duration
	for _, c := range t.cues {
		if c.End > dur {
			dur = c.End
		}
	}
	return media.StreamInfo{
		ID:       id,
		Kind:     media.KindSubtitle,
		Codec:    media.CodecText,
		Language: t.Language,
		Title:    "external",
		TimeBase: media.TimeBaseMillis,
		Duration: dur,
	}
}
