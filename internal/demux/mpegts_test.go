package demux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/demux/demuxtest"
	"github.com/zsiec/reel/internal/input"
)

// countingStream counts the bytes read through it.
type countingStream struct {
	input.Stream
	n int64
}

func (c *countingStream) Read(p []byte) (int, error) {
	n, err := c.Stream.Read(p)
	c.n += int64(n)
	return n, err
}

func TestTSSeekResumesNearKeyframe(t *testing.T) {
	data, err := demuxtest.MPEGTS(demuxtest.Options{Frames: 1500, GOP: 10})
	require.NoError(t, err)
	src := &countingStream{Stream: demuxtest.Stream(data, "memory://long.ts", true)}

	d, err := Open(context.Background(), src)
	require.NoError(t, err)
	defer d.Close()
	all := readAll(t, d)
	require.Len(t, all, 3000)

	src.n = 0
	landed, err := d.Seek(59 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 58800*time.Millisecond, landed)

	p, err := d.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, demuxtest.VideoPID, p.StreamID)
	assert.Equal(t, 58800*time.Millisecond, p.PTS)
	assert.True(t, p.Keyframe())
	assert.Less(t, src.n, int64(len(data)/4), "seek re-read the stream from the start")
}

func TestTSSeekAfterWrapKeepsTimeline(t *testing.T) {
	// wraps 2s in, seek targets are past the wrap
	d := openFixture(t, fixtures[0], demuxtest.Options{Frames: 100, GOP: 10, StartPTS: tsWrap - 2*90000, NoAudio: true}, true)
	readAll(t, d)

	landed, err := d.Seek(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2800*time.Millisecond, landed)

	pkts := readAll(t, d)
	require.NotEmpty(t, pkts)
	assert.Equal(t, 2800*time.Millisecond, pkts[0].PTS)
	for i := 1; i < len(pkts); i++ {
		assert.Equal(t, 40*time.Millisecond, pkts[i].PTS-pkts[i-1].PTS, "packet %d", i)
	}
}

func TestTSLayout(t *testing.T) {
	pkt := func(size int) []byte {
		b := make([]byte, size)
		b[0] = 0x47
		return b
	}
	var b []byte
	b = append(b, 0, 0, 0)
	for i := 0; i < 3; i++ {
		b = append(b, pkt(204)...)
	}
	off, size := tsLayout(b)
	assert.Equal(t, 3, off)
	assert.Equal(t, 204, size)

	off, _ = tsLayout([]byte("no transport stream here"))
	assert.Equal(t, -1, off)
}
