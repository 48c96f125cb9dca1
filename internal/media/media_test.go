package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRationalDuration(t *testing.T) {
	tests := []struct {
		name  string
		tb    Rational
		ticks int64
		want  time.Duration
	}{
		{"90k one second", TimeBase90k, 90000, time.Second},
		{"90k one frame at 25fps", TimeBase90k, 3600, 40 * time.Millisecond},
		{"millis", TimeBaseMillis, 1500, 1500 * time.Millisecond},
		{"33-bit max", TimeBase90k, 1<<33 - 1, time.Duration(1<<33-1) * time.Second / 90000},
		{"48k samples", Rational{1, 48000}, 1024, 21333333 * time.Nanosecond},
		{"zero den", Rational{1, 0}, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tb.Duration(tt.ticks))
		})
	}
}

func TestRationalTicksRoundTrip(t *testing.T) {
	for _, ticks := range []int64{0, 1, 3003, 90000, 8589934591} {
		d := TimeBase90k.Duration(ticks)
		assert.Equal(t, ticks, TimeBase90k.Ticks(d), "ticks %d", ticks)
	}
	assert.Equal(t, int64(2500), TimeBaseMillis.Ticks(2500*time.Millisecond))
}

func TestPixelFormatFrameSize(t *testing.T) {
	assert.Equal(t, 64*48*3/2, PixelYUV420P.FrameSize(64, 48))
	assert.Equal(t, 3*3+2*2*2, PixelYUV420P.FrameSize(3, 3))
	assert.Equal(t, 64*48*3, PixelRGB24.FrameSize(64, 48))
	assert.Equal(t, 64*48*4, PixelRGBA.FrameSize(64, 48))
	assert.Equal(t, -1, PixelAnnexB.FrameSize(64, 48))
}

func TestFlags(t *testing.T) {
	p := &Packet{Flags: FlagKeyframe | FlagDiscontinuity}
	assert.True(t, p.Keyframe())
	assert.True(t, p.Discontinuity())
	assert.False(t, p.Flags.Has(FlagCorrupt))
}

func TestFrameRestamp(t *testing.T) {
	f := &Frame{StreamID: 1, Kind: KindVideo, PTS: time.Second, Duration: 40 * time.Millisecond, Data: []byte{1}}
	r := f.Restamp(2*time.Second, 40*time.Millisecond)
	assert.Equal(t, 2*time.Second, r.PTS)
	assert.True(t, r.Substituted)
	assert.False(t, f.Substituted)
	assert.Equal(t, 2040*time.Millisecond, r.End())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "video", KindVideo.String())
	assert.Equal(t, "audio", KindAudio.String())
	assert.Equal(t, "subtitle", KindSubtitle.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
