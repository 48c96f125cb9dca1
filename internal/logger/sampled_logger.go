package logger

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Per-frame log categories. Anything logged outside these is never sampled.
const (
	CategoryLateFrame     = "late_frame"
	CategoryCorruptPacket = "corrupt_packet"
	CategoryDecodeError   = "decode_error"
	CategorySyncDrift     = "sync_drift"
	CategoryQueueFull     = "queue_full"
	CategoryReorder       = "reorder"
)

// SampledLogger rate-limits high frequency categories: after a burst inside
// the interval, only every 1/rate-th message gets through until the interval
// elapses.
type SampledLogger struct {
	base     Logger
	clock    clockwork.Clock
	samplers *samplerSet
}

type samplerSet struct {
	mu sync.RWMutex
	m  map[string]*sampler
}

type sampler struct {
	mu       sync.Mutex
	interval time.Duration
	burst    int
	rate     float64

	last    time.Time
	inBurst int
	skipped float64

	total   int64
	logged  int64
	dropped int64
}

// SamplerStats holds counters for one category.
type SamplerStats struct {
	Name    string `json:"name"`
	Total   int64  `json:"total"`
	Logged  int64  `json:"logged"`
	Dropped int64  `json:"dropped"`
}

func NewSampledLogger(base Logger, clock clockwork.Clock) *SampledLogger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SampledLogger{
		base:     OrNull(base),
		clock:    clock,
		samplers: &samplerSet{m: make(map[string]*sampler)},
	}
}

// NewPlaybackLogger returns a SampledLogger preconfigured for the player's
// per-frame categories.
func NewPlaybackLogger(base Logger, clock clockwork.Clock) *SampledLogger {
	return NewSampledLogger(base, clock).
		WithSampler(CategoryLateFrame, time.Second, 5, 0.1).
		WithSampler(CategoryCorruptPacket, time.Second, 3, 0.2).
		WithSampler(CategoryDecodeError, time.Second, 3, 0.2).
		WithSampler(CategorySyncDrift, 2*time.Second, 1, 0).
		WithSampler(CategoryQueueFull, time.Second, 2, 0.05).
		WithSampler(CategoryReorder, 500*time.Millisecond, 2, 0.1)
}

func (s *SampledLogger) WithSampler(category string, interval time.Duration, burst int, rate float64) *SampledLogger {
	s.samplers.mu.Lock()
	s.samplers.m[category] = &sampler{interval: interval, burst: burst, rate: rate}
	s.samplers.mu.Unlock()
	return s
}

func (s *SampledLogger) lookup(category string) *sampler {
	s.samplers.mu.RLock()
	defer s.samplers.mu.RUnlock()
	return s.samplers.m[category]
}

func (s *SampledLogger) allow(category string) bool {
	sm := s.lookup(category)
	if sm == nil {
		return true
	}

	now := s.clock.Now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.total++

	if sm.last.IsZero() || now.Sub(sm.last) >= sm.interval {
		sm.last = now
		sm.inBurst = 1
		sm.skipped = 0
		sm.logged++
		return true
	}

	if sm.inBurst < sm.burst {
		sm.inBurst++
		sm.logged++
		return true
	}

	if sm.rate > 0 {
		sm.skipped += sm.rate
		if sm.skipped >= 1 {
			sm.skipped = 0
			sm.logged++
			return true
		}
	}
	sm.dropped++
	return false
}

// Sample logs msg at level if the category's sampler lets it through.
func (s *SampledLogger) Sample(level logrus.Level, category, msg string, fields map[string]interface{}) {
	if !s.allow(category) {
		return
	}
	f := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		f[k] = v
	}
	f["category"] = category
	if sm := s.lookup(category); sm != nil {
		sm.mu.Lock()
		if sm.dropped > 0 {
			f["suppressed"] = sm.dropped
		}
		sm.mu.Unlock()
	}
	s.base.WithFields(f).Log(level, msg)
}

func (s *SampledLogger) WarnWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sample(logrus.WarnLevel, category, msg, fields)
}

func (s *SampledLogger) DebugWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sample(logrus.DebugLevel, category, msg, fields)
}

// Stats returns a snapshot of every configured category.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.samplers.mu.RLock()
	defer s.samplers.mu.RUnlock()

	out := make(map[string]SamplerStats, len(s.samplers.m))
	for name, sm := range s.samplers.m {
		sm.mu.Lock()
		out[name] = SamplerStats{Name: name, Total: sm.total, Logged: sm.logged, Dropped: sm.dropped}
		sm.mu.Unlock()
	}
	return out
}

func (s *SampledLogger) derive(base Logger) Logger {
	return &SampledLogger{base: base, clock: s.clock, samplers: s.samplers}
}

func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return s.derive(s.base.WithFields(fields))
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return s.derive(s.base.WithField(key, value))
}

func (s *SampledLogger) WithError(err error) Logger {
	return s.derive(s.base.WithError(err))
}

func (s *SampledLogger) Debug(args ...interface{})                   { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})                    { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})                    { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{})                   { s.base.Error(args...) }
func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) { s.base.Log(level, args...) }
func (s *SampledLogger) Debugf(format string, args ...interface{})   { s.base.Debugf(format, args...) }
func (s *SampledLogger) Infof(format string, args ...interface{})    { s.base.Infof(format, args...) }
func (s *SampledLogger) Warnf(format string, args ...interface{})    { s.base.Warnf(format, args...) }
func (s *SampledLogger) Errorf(format string, args ...interface{})   { s.base.Errorf(format, args...) }
