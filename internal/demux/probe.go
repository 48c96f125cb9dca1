package demux

import (
	"bytes"
	"errors"
	"io"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
)

// Format names a container.
type Format string

const (
	FormatUnknown  Format = ""
	FormatMPEGTS   Format = "mpegts"
	FormatMatroska Format = "matroska"
	FormatMP4      Format = "mp4"
)

const probeSize = 8192

// ProbeResult is what sniffing the head of a stream found.
type ProbeResult struct {
	Format Format
	MIME   string
}

// Probe identifies the container of head, the first bytes of a stream.
func Probe(head []byte) ProbeResult {
	mt := mimetype.Detect(head)
	res := ProbeResult{MIME: mt.String()}

	switch {
	case mt.Is("video/mp2t"):
		res.Format = FormatMPEGTS
	case mt.Is("video/x-matroska"), mt.Is("video/webm"), mt.Is("audio/webm"):
		res.Format = FormatMatroska
	case mt.Is("video/mp4"), mt.Is("audio/mp4"), mt.Is("video/iso.segment"):
		res.Format = FormatMP4
	default:
		res.Format = sniffMagic(head)
	}
	return res
}

// sniffMagic covers inputs too short or too unusual for mimetype.
func sniffMagic(b []byte) Format {
	if i := syncOffset(b); i >= 0 {
		return FormatMPEGTS
	}
	if len(b) >= 4 && bytes.Equal(b[:4], []byte{0x1a, 0x45, 0xdf, 0xa3}) {
		return FormatMatroska
	}
	if len(b) >= 8 {
		switch string(b[4:8]) {
		case "ftyp", "styp", "moov", "moof", "sidx":
			return FormatMP4
		}
	}
	return FormatUnknown
}

// syncOffset finds three MPEG-TS sync bytes at a 188, 192 or 204 byte
// spacing and returns the offset of the first, or -1.
func syncOffset(b []byte) int {
	off, _ := tsLayout(b)
	return off
}

// tsLayout returns the offset of the first packet and the packet size, or
// -1 when no run of three sync bytes is found.
func tsLayout(b []byte) (off, size int) {
	for _, n := range []int{188, 192, 204} {
		for i := 0; i < n && i+2*n < len(b); i++ {
			if b[i] == 0x47 && b[i+n] == 0x47 && b[i+2*n] == 0x47 {
				return i, n
			}
		}
	}
	return -1, 0
}

// probeStream reads the head of s and returns a stream positioned at 0 that
// still yields the head bytes.
func probeStream(s input.Stream) (ProbeResult, input.Stream, error) {
	head := make([]byte, probeSize)
	n, err := io.ReadFull(s, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return ProbeResult{}, nil, err
	}
	head = head[:n]
	if n == 0 {
		return ProbeResult{}, nil, apperrors.NewFormatError("empty input", nil)
	}

	res := Probe(head)
	if res.Format == FormatUnknown {
		return res, nil, apperrors.NewFormatError("unrecognised container ("+res.MIME+")", nil)
	}

	if s.Seekable() {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return res, nil, err
		}
		return res, s, nil
	}
	return res, &replayStream{Stream: s, head: head}, nil
}

// replayStream serves the probed head again before continuing with the
// underlying forward-only stream.
type replayStream struct {
	input.Stream
	head []byte
}

func (r *replayStream) Read(p []byte) (int, error) {
	if len(r.head) > 0 {
		n := copy(p, r.head)
		r.head = r.head[n:]
		return n, nil
	}
	return r.Stream.Read(p)
}

func (r *replayStream) Position() int64 {
	return r.Stream.Position() - int64(len(r.head))
}
