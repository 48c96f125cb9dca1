// Package subtitle reads line-oriented subtitle files over an input stream.
package subtitle

import (
	"bytes"
	"io"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
)

const minCapacity = 16

// Reader buffers an input stream through one fixed buffer. The valid bytes
// are buf[start:start+length]; buf[:start] still holds already consumed
// bytes, so short backward seeks are served without touching the stream.
type Reader struct {
	src    input.Stream
	buf    []byte
	start  int
	length int
	// pos is the stream offset of buf[start].
	pos int64
	eof bool
}

// NewReader wraps s with a window of the given capacity.
func NewReader(s input.Stream, capacity int) *Reader {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Reader{src: s, buf: make([]byte, capacity), pos: s.Position()}
}

// Capacity is the size of the window buffer.
func (r *Reader) Capacity() int { return len(r.buf) }

// Position is the logical read offset, independent of how far the transport
// has been read ahead.
func (r *Reader) Position() int64 { return r.pos }

func (r *Reader) consume(n int) {
	r.start += n
	r.length -= n
	r.pos += int64(n)
}

// fill compacts the window to the front of the buffer and reads more bytes.
// It returns io.EOF only when nothing was added and the stream is exhausted.
func (r *Reader) fill() error {
	if r.eof {
		return io.EOF
	}
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.start+r.length])
		r.start = 0
	}
	if r.length == len(r.buf) {
		return nil
	}
	n, err := r.src.Read(r.buf[r.length:])
	r.length += n
	if err == io.EOF {
		r.eof = true
		if n == 0 {
			return io.EOF
		}
		return nil
	}
	return err
}

// ReadLine returns the next line without its terminator ("\n" or "\r\n").
// Lines longer than the buffer are reassembled across refills. When maxLen
// is positive, longer lines are cut to maxLen and the rest of the line is
// discarded. At end of stream a final unterminated line is returned; after
// that ReadLine returns nil, io.EOF.
func (r *Reader) ReadLine(maxLen int) ([]byte, error) {
	var line []byte
	seen := 0
	keep := func(b []byte) {
		seen += len(b)
		// one byte over maxLen is retained so a split "\r\n" is still stripped
		if maxLen > 0 && len(line) > maxLen {
			return
		}
		if maxLen > 0 && len(line)+len(b) > maxLen+1 {
			b = b[:maxLen+1-len(line)]
		}
		line = append(line, b...)
	}

	for {
		window := r.buf[r.start : r.start+r.length]
		if i := bytes.IndexByte(window, '\n'); i >= 0 {
			keep(window[:i])
			r.consume(i + 1)
			return finishLine(line, maxLen), nil
		}

		if r.eof {
			if seen == 0 && r.length == 0 {
				return nil, io.EOF
			}
			keep(window)
			r.consume(r.length)
			return finishLine(line, maxLen), nil
		}

		if r.length == len(r.buf) {
			keep(window)
			r.consume(r.length)
		}

		if err := r.fill(); err != nil && err != io.EOF {
			return nil, err
		}
	}
}

func finishLine(line []byte, maxLen int) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if maxLen > 0 && len(line) > maxLen {
		line = line[:maxLen]
	}
	if line == nil {
		line = []byte{}
	}
	return line
}

// Peek returns up to n buffered bytes without consuming them. n is capped at
// the capacity.
func (r *Reader) Peek(n int) ([]byte, error) {
	if n > len(r.buf) {
		n = len(r.buf)
	}
	for r.length < n && !r.eof {
		if err := r.fill(); err != nil && err != io.EOF {
			return nil, err
		}
	}
	if r.length < n {
		n = r.length
	}
	return r.buf[r.start : r.start+n], nil
}

// Read reads raw bytes through the window.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.length == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
		if r.length == 0 {
			return 0, io.EOF
		}
	}
	n := copy(p, r.buf[r.start:r.start+r.length])
	r.consume(n)
	return n, nil
}

// Seek moves the logical position. Targets inside the buffered region do no
// transport I/O; anything else seeks the stream and drops the window.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		size := r.src.Size()
		if size < 0 {
			return r.pos, apperrors.NewSeekError("seek from end on stream of unknown size", nil)
		}
		target = size + offset
	default:
		return r.pos, apperrors.NewSeekError("invalid whence", nil)
	}

	base := r.pos - int64(r.start)
	if target >= base && target <= r.pos+int64(r.length) {
		delta := int(target - r.pos)
		r.start += delta
		r.length -= delta
		r.pos = target
		return target, nil
	}

	landed, err := r.src.Seek(target, io.SeekStart)
	if err != nil {
		return r.pos, err
	}
	r.start, r.length = 0, 0
	r.pos = landed
	r.eof = false
	return landed, nil
}

// Window reports the current {start, length, capacity}.
func (r *Reader) Window() (start, length, capacity int) {
	return r.start, r.length, len(r.buf)
}
