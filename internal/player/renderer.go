package player

import (
	"sync"
	"time"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/procinfo"
)

// Renderer receives frames when they are due. Present must not block; a
// renderer that cannot keep up drops frames itself.
type Renderer interface {
	Present(f *media.Frame, at time.Time)
}

// RenderSettings are resolved against the platform capabilities once a
// source is opened.
type RenderSettings struct {
	Platform string
	Scaling  procinfo.ScalingMethod
	Features []procinfo.RenderFeature
	Streams  []media.StreamInfo
}

// Configurable renderers are told the resolved settings before playback.
type Configurable interface {
	Configure(s RenderSettings)
}

// NullRenderer discards every frame.
type NullRenderer struct{}

func (NullRenderer) Present(*media.Frame, time.Time) {}

// StatsRenderer counts presented frames per kind and keeps the last one of
// each.
type StatsRenderer struct {
	mu       sync.Mutex
	counts   map[media.Kind]int
	last     map[media.Kind]*media.Frame
	settings RenderSettings
	onFrame  func(*media.Frame)
}

func NewStatsRenderer() *StatsRenderer {
	return &StatsRenderer{
		counts: make(map[media.Kind]int),
		last:   make(map[media.Kind]*media.Frame),
	}
}

// OnFrame registers a callback run for every presented frame. It runs on
// the render goroutine and must be quick.
func (r *StatsRenderer) OnFrame(fn func(*media.Frame)) {
	r.mu.Lock()
	r.onFrame = fn
	r.mu.Unlock()
}

func (r *StatsRenderer) Present(f *media.Frame, _ time.Time) {
	r.mu.Lock()
	r.counts[f.Kind]++
	r.last[f.Kind] = f
	fn := r.onFrame
	r.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (r *StatsRenderer) Configure(s RenderSettings) {
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
}

func (r *StatsRenderer) Count(k media.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[k]
}

func (r *StatsRenderer) Last(k media.Kind) *media.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[k]
}

func (r *StatsRenderer) Settings() RenderSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}
