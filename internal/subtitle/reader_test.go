package subtitle

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/input"
)

// countingStream counts transport reads and seeks.
type countingStream struct {
	input.Stream
	reads int
	seeks int
}

func (c *countingStream) Read(p []byte) (int, error) {
	c.reads++
	return c.Stream.Read(p)
}

func (c *countingStream) Seek(off int64, whence int) (int64, error) {
	c.seeks++
	return c.Stream.Seek(off, whence)
}

type fataler interface {
	Fatalf(format string, args ...interface{})
}

func memStream(t fataler, data []byte) *countingStream {
	o := input.NewOpener(config.Default().Input)
	o.Memory().Put("sub", data)
	s, err := o.Open(context.Background(), "memory:sub")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return &countingStream{Stream: s}
}

func readAllLines(t fataler, r *Reader, maxLen int) []string {
	var out []string
	for {
		l, err := r.ReadLine(maxLen)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		out = append(out, string(l))
	}
}

func TestReadLineAroundCapacity(t *testing.T) {
	const capacity = 32
	for _, n := range []int{capacity - 1, capacity, capacity + 1, 3*capacity + 5} {
		for _, term := range []string{"\n", "\r\n"} {
			long := strings.Repeat("x", n)
			data := "first" + term + long + term + "last"

			r := NewReader(memStream(t, []byte(data)), capacity)
			lines := readAllLines(t, r, 0)

			require.Equal(t, []string{"first", long, "last"}, lines, "len %d term %q", n, term)
		}
	}
}

func TestReadLineCRLFSplitAcrossRefill(t *testing.T) {
	// "\r" lands on the last byte of the first fill and "\n" on the next
	data := strings.Repeat("a", 15) + "\r\nnext\n"
	r := NewReader(memStream(t, []byte(data)), 16)
	assert.Equal(t, []string{strings.Repeat("a", 15), "next"}, readAllLines(t, r, 0))
}

func TestReadLineEmptyLinesAndEOF(t *testing.T) {
	r := NewReader(memStream(t, []byte("\n\nx\n")), 16)
	assert.Equal(t, []string{"", "", "x"}, readAllLines(t, r, 0))

	l, err := r.ReadLine(0)
	assert.Nil(t, l)
	assert.ErrorIs(t, err, io.EOF)

	r = NewReader(memStream(t, nil), 16)
	_, err = r.ReadLine(0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLineTruncatesToMaxLen(t *testing.T) {
	data := strings.Repeat("y", 100) + "\r\nshort\n"
	r := NewReader(memStream(t, []byte(data)), 16)
	assert.Equal(t, []string{strings.Repeat("y", 10), "short"}, readAllLines(t, r, 10))
}

func TestReadLineMaxLenKeepsCRStrip(t *testing.T) {
	r := NewReader(memStream(t, []byte("abc\r\n")), 16)
	assert.Equal(t, []string{"abc"}, readAllLines(t, r, 3))
}

func TestReaderSeekInsideWindow(t *testing.T) {
	src := memStream(t, []byte("line one\nline two\nline three\n"))
	r := NewReader(src, 64)

	l, err := r.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "line one", string(l))
	reads := src.reads

	pos, err := r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	assert.Equal(t, 0, src.seeks, "seek inside the window does not touch the stream")

	l, err = r.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "line one", string(l))

	_, err = r.Seek(9, io.SeekCurrent)
	require.NoError(t, err)
	l, err = r.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "line three", string(l))
	assert.Equal(t, reads, src.reads)
	assert.Equal(t, int64(29), r.Position())
}

func TestReaderSeekOutsideWindow(t *testing.T) {
	data := []byte(strings.Repeat("0123456789", 10))
	src := memStream(t, data)
	r := NewReader(src, 16)

	buf := make([]byte, 4)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf))

	pos, err := r.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(97), pos)
	assert.Equal(t, 1, src.seeks)

	start, length, capacity := r.Window()
	assert.Equal(t, 0, start)
	assert.Equal(t, 0, length)
	assert.Equal(t, 16, capacity)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "789", string(rest))
}

func TestReaderSeekOnPipeFails(t *testing.T) {
	s := input.NewReaderStream("pipe", strings.NewReader(strings.Repeat("z", 100)))
	r := NewReader(s, 16)
	_, err := r.Seek(50, io.SeekStart)
	assert.ErrorIs(t, err, input.ErrNotSeekable)
}

func TestReaderMinimumCapacity(t *testing.T) {
	r := NewReader(memStream(t, nil), 1)
	assert.Equal(t, minCapacity, r.Capacity())
}

func TestReadLineProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(minCapacity, 80).Draw(t, "capacity")
		count := rapid.IntRange(0, 12).Draw(t, "count")
		crlf := rapid.Bool().Draw(t, "crlf")

		var want []string
		var buf bytes.Buffer
		for i := 0; i < count; i++ {
			// lengths cluster around the capacity boundary
			n := rapid.IntRange(0, 3*capacity).Draw(t, "len")
			line := strings.Repeat(string(rune('a'+i%26)), n)
			want = append(want, line)
			buf.WriteString(line)
			if crlf {
				buf.WriteString("\r\n")
			} else {
				buf.WriteString("\n")
			}
		}

		r := NewReader(memStream(t, buf.Bytes()), capacity)
		got := readAllLines(t, r, 0)
		if len(want) == 0 {
			want = nil
		}
		if len(got) != len(want) {
			t.Fatalf("got %d lines, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("line %d: got len %d, want len %d", i, len(got[i]), len(want[i]))
			}
		}
		if r.Position() != int64(buf.Len()) {
			t.Fatalf("position %d, want %d", r.Position(), buf.Len())
		}
	})
}
