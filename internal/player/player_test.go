package player

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/demux/demuxtest"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/navigation"
	"github.com/zsiec/reel/internal/procinfo"
)

const clipLocator = "memory://clip.mkv"

type harness struct {
	player   *Player
	clock    *clockwork.FakeClock
	renderer *StatsRenderer
	opener   *input.Opener
}

func testCapabilities() *procinfo.CapabilitySet {
	return procinfo.NewCapabilitySet(procinfo.Spec{
		Platform:       "test",
		DefaultScaling: procinfo.ScalingBicubic,
		ScalingMethods: []procinfo.ScalingMethod{procinfo.ScalingLinear, procinfo.ScalingBicubic},
		Features:       []procinfo.RenderFeature{procinfo.FeatureZoom},
	})
}

func newHarness(t *testing.T, opts demuxtest.Options, mutate func(*config.PlayerConfig, *Deps)) *harness {
	t.Helper()
	return newHarnessWith(t, demuxtest.Matroska, "clip.mkv", opts, mutate)
}

// newHarnessWith serves the fixture built by build as memory://name.
func newHarnessWith(t *testing.T, build func(demuxtest.Options) ([]byte, error), name string, opts demuxtest.Options, mutate func(*config.PlayerConfig, *Deps)) *harness {
	t.Helper()
	data, err := build(opts)
	require.NoError(t, err)

	opener := input.NewOpener(config.Default().Input)
	opener.Memory().Put(name, data)

	cfg := config.Default().Player
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		renderer: NewStatsRenderer(),
		opener:   opener,
	}
	deps := Deps{
		Opener:       opener,
		Capabilities: testCapabilities(),
		Renderer:     h.renderer,
		Clock:        h.clock,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.player, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

// run advances the fake clock in small steps whenever the render stage is
// waiting on a timer, until the returned stop function is called.
func (h *harness) run(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if h.clock.BlockUntilContext(ctx, 1) != nil {
				return
			}
			h.clock.Advance(10 * time.Millisecond)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// advanceUntil steps the fake clock by hand until cond holds. The clock is
// left still afterwards.
func (h *harness) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		err := h.clock.BlockUntilContext(ctx, 1)
		cancel()
		if err == nil && !cond() {
			h.clock.Advance(10 * time.Millisecond)
		}
	}
}

func (h *harness) wait(t *testing.T) (Result, error) {
	t.Helper()
	select {
	case <-h.player.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("playback did not finish")
	}
	return h.player.Wait()
}

func drain(p *Player) []Event {
	var out []Event
	for e := range p.Events() {
		out = append(out, e)
	}
	return out
}

func kinds(events []Event) map[EventKind]int {
	out := make(map[EventKind]int)
	for _, e := range events {
		out[e.Kind]++
	}
	return out
}

func TestPlayToEnd(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 30}, nil)
	p := h.player
	ctx := context.Background()

	require.NoError(t, p.Open(ctx, clipLocator, OpenOptions{}))
	st := p.Status()
	assert.Equal(t, StateOpened, st.State)
	assert.Equal(t, "matroska", st.Format)
	assert.Equal(t, "bicubic", st.Scaling)
	require.Len(t, st.Streams, 2)
	assert.Equal(t, procinfo.ScalingBicubic, h.renderer.Settings().Scaling)

	stop := h.run(t)
	defer stop()
	require.NoError(t, p.Play(ctx))

	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonEndOfStream, res.Reason)
	assert.Equal(t, 1200*time.Millisecond, res.Position)
	assert.EqualValues(t, 60, res.Presented+res.Dropped)
	assert.Zero(t, res.Substituted)
	assert.Positive(t, h.renderer.Count(media.KindVideo))
	assert.Equal(t, 30, h.renderer.Count(media.KindAudio))
	assert.Equal(t, StateEnded, p.State())

	events := drain(p)
	require.NotEmpty(t, events)
	assert.Equal(t, EventTerminated, events[len(events)-1].Kind)
	assert.NoError(t, events[len(events)-1].Err)
	k := kinds(events)
	assert.Equal(t, 1, k[EventTerminated])
	assert.Equal(t, 1, k[EventEndOfStream])
	assert.Zero(t, k[EventDecodeError])
}

func TestPlayEveryContainer(t *testing.T) {
	tests := []struct {
		name  string
		build func(demuxtest.Options) ([]byte, error)
		file  string
	}{
		{"matroska", demuxtest.Matroska, "clip.mkv"},
		{"mpegts", demuxtest.MPEGTS, "clip.ts"},
		{"fmp4", demuxtest.FragmentedMP4, "clip.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarnessWith(t, tt.build, tt.file, demuxtest.Options{Frames: 20}, nil)
			p := h.player
			require.NoError(t, p.Open(context.Background(), "memory://"+tt.file, OpenOptions{}))

			stop := h.run(t)
			defer stop()
			require.NoError(t, p.Play(context.Background()))
			res, err := h.wait(t)
			require.NoError(t, err)
			assert.Equal(t, ReasonEndOfStream, res.Reason)
			assert.Positive(t, h.renderer.Count(media.KindVideo))
			assert.Positive(t, h.renderer.Count(media.KindAudio))
			assert.Zero(t, kinds(drain(p))[EventDecodeError])
		})
	}
}

func TestPresentationIsOrdered(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 20, NoAudio: true}, nil)
	var (
		mu   sync.Mutex
		last time.Duration = -1
		ok   = true
	)
	h.renderer.OnFrame(func(f *media.Frame) {
		mu.Lock()
		defer mu.Unlock()
		if f.PTS < last {
			ok = false
		}
		last = f.PTS
	})

	require.NoError(t, h.player.Open(context.Background(), clipLocator, OpenOptions{}))
	stop := h.run(t)
	defer stop()
	require.NoError(t, h.player.Play(context.Background()))
	_, err := h.wait(t)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ok, "frames presented out of order")
	assert.Equal(t, 760*time.Millisecond, last)
}

func TestSeekWhilePlaying(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 30}, nil)
	p := h.player
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))

	require.NoError(t, p.Play(context.Background()))
	// the clock stands still while seeking so playback cannot end first
	h.advanceUntil(t, func() bool { return h.renderer.Count(media.KindVideo) >= 3 })

	landed, err := p.Seek(850 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 800*time.Millisecond, landed)

	stop := h.run(t)
	defer stop()
	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonEndOfStream, res.Reason)
	assert.Equal(t, 1200*time.Millisecond, res.Position)

	k := kinds(drain(p))
	assert.Equal(t, 1, k[EventSeeked])
}

func TestStartPosition(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 30}, nil)
	p := h.player
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{Start: 500 * time.Millisecond}))
	assert.Equal(t, 400*time.Millisecond, p.Status().Position)

	var (
		mu    sync.Mutex
		first *media.Frame
	)
	h.renderer.OnFrame(func(f *media.Frame) {
		mu.Lock()
		if first == nil && f.Kind == media.KindVideo {
			first = f
		}
		mu.Unlock()
	})

	stop := h.run(t)
	defer stop()
	require.NoError(t, p.Play(context.Background()))
	_, err := h.wait(t)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, first)
	assert.Equal(t, 400*time.Millisecond, first.PTS)
}

func TestPauseResumeAndStop(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 30}, nil)
	p := h.player

	assert.True(t, apperrors.IsType(p.Pause(), apperrors.ErrorTypeConflict))
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))
	assert.True(t, apperrors.IsType(p.Resume(), apperrors.ErrorTypeConflict))
	require.NoError(t, p.Play(context.Background()))

	require.NoError(t, p.Pause())
	require.NoError(t, p.Pause())
	assert.Equal(t, StatePaused, p.State())
	pos := p.Status().Position
	h.clock.Advance(time.Second)
	assert.Equal(t, pos, p.Status().Position)

	require.NoError(t, p.Resume())
	assert.Equal(t, StatePlaying, p.State())

	p.Stop()
	p.Stop()
	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonStopped, res.Reason)
	assert.Equal(t, StateStopped, p.State())

	events := drain(p)
	assert.Equal(t, 1, kinds(events)[EventTerminated])

	_, err = p.Seek(0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.True(t, apperrors.IsType(p.Play(context.Background()), apperrors.ErrorTypeConflict))
}

func TestContextCancelStopsPlayback(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 30}, nil)
	p := h.player
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Play(ctx))
	cancel()

	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonStopped, res.Reason)
	drain(p)
}

func TestNewWithZeroDeps(t *testing.T) {
	data, err := demuxtest.Matroska(demuxtest.Options{Frames: 5})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "clip.mkv")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	p, err := New(config.Default().Player, Deps{})
	require.NoError(t, err)
	require.NotPanics(t, func() {
		require.NoError(t, p.Open(context.Background(), path, OpenOptions{}))
	})
	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("player did not stop")
	}
}

func TestStopBeforePlay(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 5}, nil)
	p := h.player
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))

	p.Stop()
	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonStopped, res.Reason)
	assert.Equal(t, []EventKind{EventStateChanged, EventStateChanged, EventTerminated}, eventKinds(drain(p)))
}

func eventKinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestSetSpeed(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 5}, nil)
	p := h.player
	assert.True(t, apperrors.IsType(p.SetSpeed(0), apperrors.ErrorTypeValidation))
	assert.True(t, apperrors.IsType(p.SetSpeed(17), apperrors.ErrorTypeValidation))
	require.NoError(t, p.SetSpeed(2))
	assert.Equal(t, 2.0, p.Status().Speed)

	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))
	stop := h.run(t)
	defer stop()
	require.NoError(t, p.Play(context.Background()))
	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonEndOfStream, res.Reason)
	drain(p)
}

func TestOpenErrors(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 5}, nil)
	p := h.player
	ctx := context.Background()

	err := p.Open(ctx, "memory://missing", OpenOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeOpen))
	assert.Equal(t, StateIdle, p.State())

	h.opener.Memory().Put("junk", []byte("definitely not a container"))
	err = p.Open(ctx, "memory://junk", OpenOptions{})
	require.Error(t, err)
	assert.Equal(t, StateIdle, p.State())

	require.NoError(t, p.Open(ctx, clipLocator, OpenOptions{}))
	assert.True(t, apperrors.IsType(p.Open(ctx, clipLocator, OpenOptions{}), apperrors.ErrorTypeConflict))
	p.Stop()
	_, _ = h.wait(t)
	drain(p)
}

func TestOpenWithoutDecodableStreams(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 5}, func(_ *config.PlayerConfig, d *Deps) {
		d.Decoders = codec.NewRegistry()
	})
	err := h.player.Open(context.Background(), clipLocator, OpenOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnsupportedFormat))
	h.player.Stop()
	_, _ = h.wait(t)
	drain(h.player)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default().Player
	cfg.Speed = -1
	_, err := New(cfg, Deps{Capabilities: testCapabilities()})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
}

func TestScalingFallsBackToPlatformDefault(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 5}, func(c *config.PlayerConfig, _ *Deps) {
		c.ScalingMethod = "lanczos3"
	})
	assert.Equal(t, "bicubic", h.player.Status().Scaling)
}

func TestExternalSubtitles(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 30}, nil)
	h.opener.Memory().Put("clip.srt", []byte("1\n00:00:00,100 --> 00:00:00,500\n<i>Hello</i>\n\n2\n00:00:00,900 --> 00:00:01,100\nWorld\n"))
	p := h.player

	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{SubtitleFile: "memory://clip.srt"}))
	streams := p.Status().Streams
	require.Len(t, streams, 3)
	assert.Equal(t, ExternalSubtitleID, streams[2].ID)

	stop := h.run(t)
	defer stop()
	require.NoError(t, p.Play(context.Background()))
	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonEndOfStream, res.Reason)
	assert.Equal(t, 1200*time.Millisecond, res.Position)
	assert.Equal(t, 2, h.renderer.Count(media.KindSubtitle))
	require.NotNil(t, h.renderer.Last(media.KindSubtitle))
	assert.Equal(t, "World", string(h.renderer.Last(media.KindSubtitle).Data))
	drain(p)
}

// flakyDecoder fails every packet whose PTS is listed.
type flakyDecoder struct {
	fail map[time.Duration]bool
	out  []*media.Frame
}

func (d *flakyDecoder) Name() string { return "flaky" }

func (d *flakyDecoder) Submit(p *media.Packet) error {
	if len(p.Data) == 0 {
		return nil
	}
	if d.fail[p.PTS] {
		return apperrors.NewDecodeError("bad slice", nil)
	}
	d.out = append(d.out, &media.Frame{StreamID: p.StreamID, Kind: media.KindVideo, PTS: p.PTS, Duration: p.Duration, Data: p.Data})
	return nil
}

func (d *flakyDecoder) Retrieve() (*media.Frame, error) {
	if len(d.out) == 0 {
		return nil, codec.ErrNeedMorePackets
	}
	f := d.out[0]
	d.out = d.out[1:]
	return f, nil
}

func (d *flakyDecoder) Flush()       { d.out = nil }
func (d *flakyDecoder) Close() error { return nil }

func flakyRegistry(t *testing.T, fail ...time.Duration) *codec.Registry {
	reg := codec.NewRegistry()
	set := make(map[time.Duration]bool)
	for _, ts := range fail {
		set[ts] = true
	}
	require.NoError(t, reg.Register("flaky", []media.Codec{media.CodecRawVideo}, func(media.StreamInfo, codec.Options) (codec.Decoder, error) {
		return &flakyDecoder{fail: set}, nil
	}))
	return reg
}

func TestDecodeErrorsAreSubstituted(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 10, NoAudio: true}, func(_ *config.PlayerConfig, d *Deps) {
		d.Decoders = flakyRegistry(t, 120*time.Millisecond, 200*time.Millisecond)
	})
	p := h.player
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))
	stop := h.run(t)
	defer stop()
	require.NoError(t, p.Play(context.Background()))

	res, err := h.wait(t)
	require.NoError(t, err)
	assert.Equal(t, ReasonEndOfStream, res.Reason)
	assert.EqualValues(t, 2, res.Substituted)
	assert.EqualValues(t, 10, res.Presented+res.Dropped)
	assert.Equal(t, 400*time.Millisecond, res.Position)
	assert.Equal(t, 2, kinds(drain(p))[EventDecodeError])
}

func TestStrictDecodeFails(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 10, NoAudio: true}, func(c *config.PlayerConfig, d *Deps) {
		c.StrictDecode = true
		d.Decoders = flakyRegistry(t, 120*time.Millisecond)
	})
	p := h.player
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))
	stop := h.run(t)
	defer stop()
	require.NoError(t, p.Play(context.Background()))

	res, err := h.wait(t)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecode))
	assert.Equal(t, ReasonFailed, res.Reason)
	assert.Equal(t, StateFailed, p.State())

	events := drain(p)
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Kind)
	assert.Equal(t, apperrors.StageDecode, last.Stage)
	assert.Equal(t, 1, kinds(events)[EventStreamEnded])
}

func TestNavigationJumpsToChapter(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 30}, nil)
	p := h.player
	chapters := func(pos navigation.Position) (time.Duration, bool) {
		if pos.Title == 2 {
			return 850 * time.Millisecond, true
		}
		return 0, false
	}
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{Chapters: chapters}))

	jumpTitle := func(n uint64) navigation.Command {
		return navigation.Command(0x3002000000000000 | n<<16)
	}
	d, err := p.Navigate(navigation.Program{Buttons: []navigation.Button{
		{Number: 1, Command: jumpTitle(1)},
		{Number: 2, Command: jumpTitle(2)},
	}})
	require.NoError(t, err)
	assert.Equal(t, navigation.DirectiveAwaitChoice, d.Kind)

	d, err = p.SelectButton(2)
	require.NoError(t, err)
	assert.Equal(t, navigation.DirectiveJump, d.Kind)
	assert.Equal(t, 800*time.Millisecond, p.Status().Position)

	p.Stop()
	_, _ = h.wait(t)
	events := drain(p)
	var choice *Event
	for i := range events {
		if events[i].Kind == EventAwaitingChoice {
			choice = &events[i]
		}
	}
	require.NotNil(t, choice)
	require.NotNil(t, choice.Choices)
	assert.Len(t, choice.Choices.Buttons, 2)
}

func TestNavigationUnmappedJump(t *testing.T) {
	h := newHarness(t, demuxtest.Options{Frames: 5}, nil)
	p := h.player
	require.NoError(t, p.Open(context.Background(), clipLocator, OpenOptions{}))

	_, err := p.Navigate(navigation.Program{Commands: []navigation.Command{0x3002000000010000}})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNavigation))
	p.Stop()
	_, _ = h.wait(t)
	drain(p)
}
