// Package player drives one playback session: it opens a source, runs the
// demux, decode and render stages and keeps presentation in sync with the
// master clock.
package player

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/demux"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/navigation"
	"github.com/zsiec/reel/internal/procinfo"
	"github.com/zsiec/reel/internal/subtitle"
)

// ExternalSubtitleID is the stream id given to a subtitle file attached at
// open time.
const ExternalSubtitleID = 1 << 20

const (
	eventBuffer    = 256
	prerollTimeout = 500 * time.Millisecond
)

// Deps are the collaborators of a player. Nil fields get defaults.
type Deps struct {
	Opener   *input.Opener
	Decoders *codec.Registry
	// Capabilities wins over Platforms. With neither, the default platform
	// modules are registered and matched against the detected host.
	Capabilities *procinfo.CapabilitySet
	Platforms    *procinfo.Registry
	Renderer     Renderer
	Clock        clockwork.Clock
	Logger       logger.Logger
	// SubtitleBuffer sizes the line reader for external subtitle files.
	SubtitleBuffer int
}

// ChapterMap resolves a navigation target to a media position.
type ChapterMap func(pos navigation.Position) (time.Duration, bool)

// OpenOptions tune one session.
type OpenOptions struct {
	// Start seeks before playback begins.
	Start time.Duration
	// SubtitleFile is an SRT locator shown instead of embedded subtitles.
	SubtitleFile     string
	SubtitleCharset  string
	SubtitleLanguage string
	AudioLanguage    string
	// Chapters maps navigation jumps for menu-driven sources.
	Chapters ChapterMap
}

// Player plays one source. It is not reusable: after Wait returns, create a
// new one.
type Player struct {
	cfg      config.PlayerConfig
	opener   *input.Opener
	decoders *codec.Registry
	caps     *procinfo.CapabilitySet
	scaling  procinfo.ScalingMethod
	renderer Renderer
	wall     clockwork.Clock
	log      logger.Logger
	sampled  *logger.SampledLogger
	subBuf   int

	mu       sync.Mutex
	state    State
	locator  string
	dmx      demux.Demuxer
	src      *retryingStream
	lanes    []*lane
	duration time.Duration
	startPos time.Duration
	chapters ChapterMap

	clock   *mediaClock
	gen     atomic.Uint64
	seekReq chan seekRequest
	wake    chan struct{}
	events  *eventBus

	sessCtx    context.Context
	sessCancel context.CancelFunc
	stopCtx    func() bool
	done       chan struct{}
	result     Result
	err        error
	stopped    atomic.Bool
	ended      atomic.Bool

	presented    atomic.Int64
	dropped      atomic.Int64
	substituted  atomic.Int64
	presentedEnd atomic.Int64

	navMu sync.Mutex
	nav   *navigation.Interpreter
	regs  *navigation.Registers
}

// New validates cfg and resolves the platform capabilities.
func New(cfg config.PlayerConfig, deps Deps) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewConfigError(err.Error())
	}

	p := &Player{
		cfg:      cfg,
		opener:   deps.Opener,
		decoders: deps.Decoders,
		caps:     deps.Capabilities,
		renderer: deps.Renderer,
		wall:     deps.Clock,
		log:      logger.WithComponent(logger.OrNull(deps.Logger), "player"),
		subBuf:   deps.SubtitleBuffer,
		seekReq:  make(chan seekRequest),
		wake:     make(chan struct{}, 1),
		events:   newEventBus(eventBuffer),
		done:     make(chan struct{}),
	}
	if p.opener == nil {
		p.opener = input.NewOpener(config.Default().Input, input.WithLogger(deps.Logger))
	}
	if p.decoders == nil {
		p.decoders = codec.DefaultRegistry()
	}
	if p.renderer == nil {
		p.renderer = NullRenderer{}
	}
	if p.wall == nil {
		p.wall = clockwork.NewRealClock()
	}
	if p.subBuf <= 0 {
		p.subBuf = config.Default().Input.SubtitleBuf
	}
	p.sampled = logger.NewPlaybackLogger(p.log, p.wall)

	if p.caps == nil {
		caps, err := resolveCapabilities(deps.Platforms, cfg.Platform)
		if err != nil {
			return nil, err
		}
		p.caps = caps
	}
	scaling, ok := p.caps.ResolveScaling(procinfo.ScalingMethod(cfg.ScalingMethod))
	if !ok {
		p.log.WithFields(map[string]interface{}{
			"requested": cfg.ScalingMethod,
			"using":     string(scaling),
			"platform":  p.caps.Platform(),
		}).Warn("Scaling method not supported on this platform, using default")
	}
	p.scaling = scaling
	p.clock = newMediaClock(p.wall, cfg.Speed)

	p.nav = navigation.NewInterpreter(navigation.WithLogger(p.log))
	p.regs = navigation.NewRegisters(uint32(p.wall.Now().UnixNano()))
	p.regs.SetLanguages("", cfg.AudioLanguage, cfg.SubLanguage)
	return p, nil
}

func resolveCapabilities(reg *procinfo.Registry, platform string) (*procinfo.CapabilitySet, error) {
	ctx := context.Background()
	if reg == nil {
		var err error
		if reg, err = procinfo.NewDefaultRegistry(); err != nil {
			return nil, err
		}
	}
	host, err := procinfo.DetectHost(ctx)
	if err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("host detection failed: %v", err))
	}
	return procinfo.Select(ctx, reg, platform, host)
}

// Capabilities returns the platform the player renders for.
func (p *Player) Capabilities() *procinfo.CapabilitySet { return p.caps }

// Events delivers state changes and errors. The channel is closed after
// the EventTerminated event.
func (p *Player) Events() <-chan Event { return p.events.ch }

// Open opens locator, selects streams and creates their decoders.
func (p *Player) Open(ctx context.Context, locator string, opts OpenOptions) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle || p.stopped.Load() {
		return apperrors.NewConflictError(fmt.Sprintf("player is %s", p.state))
	}

	p.sessCtx, p.sessCancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			p.sessCancel()
		}
	}()

	log := p.log.WithField("locator", locator)
	src, err := p.opener.Open(ctx, locator)
	if err != nil {
		return err
	}
	stream := newRetryingStream(p.sessCtx, src, p.cfg.Retry, p.wall, log)
	p.src = stream

	dmx, err := demux.Open(ctx, stream,
		demux.WithLogger(log),
		demux.WithClock(p.wall),
		demux.WithMaxErrors(p.cfg.MaxDemuxErrors))
	if err != nil {
		src.Close()
		return err
	}
	defer func() {
		if err != nil {
			dmx.Close()
		}
	}()

	audioLang := firstNonEmpty(opts.AudioLanguage, p.cfg.AudioLanguage)
	subLang := firstNonEmpty(opts.SubtitleLanguage, p.cfg.SubLanguage)
	selected := selectStreams(dmx.Streams(), p.decoders, audioLang, subLang)

	var external *subtitle.Track
	if opts.SubtitleFile != "" {
		if external, err = p.loadSubtitles(ctx, opts.SubtitleFile, opts.SubtitleCharset, subLang); err != nil {
			return err
		}
		kept := selected[:0]
		for _, s := range selected {
			if s.Kind != media.KindSubtitle {
				kept = append(kept, s)
			}
		}
		selected = kept
	}
	if len(selected) == 0 && external == nil {
		return apperrors.NewUnsupportedFormat(describeCodecs(dmx.Streams())).
			WithDetails(map[string]interface{}{"locator": locator})
	}

	lanes := make([]*lane, 0, len(selected)+1)
	defer func() {
		if err != nil {
			for _, ln := range lanes {
				ln.close()
			}
		}
	}()
	for _, info := range selected {
		dec, err := p.decoders.New(info, codec.Options{Logger: p.sampled, ReorderDepth: p.cfg.ReorderDepth})
		if err != nil {
			return err
		}
		lanes = append(lanes, newLane(info, dec, p.cfg.PacketQueue, p.cfg.FrameQueue))
	}
	if external != nil {
		lanes = append(lanes, newSubtitleLane(external, ExternalSubtitleID, p.cfg.FrameQueue))
	}

	if opts.Start > 0 {
		landed, err := dmx.Seek(opts.Start)
		switch {
		case err == nil:
			p.startPos = landed
		case apperrors.IsType(err, apperrors.ErrorTypeSeek):
			log.WithError(err).Warn("Start position ignored, source cannot seek")
		default:
			return err
		}
	}

	p.locator = locator
	p.dmx = dmx
	p.lanes = lanes
	p.duration = dmx.Duration()
	p.chapters = opts.Chapters

	if c, ok := p.renderer.(Configurable); ok {
		c.Configure(RenderSettings{
			Platform: p.caps.Platform(),
			Scaling:  p.scaling,
			Features: p.caps.Features(),
			Streams:  p.streamsLocked(),
		})
	}

	metrics.SessionOpened()
	log.WithFields(map[string]interface{}{
		"format":   string(dmx.Format()),
		"streams":  describeStreams(p.streamsLocked()),
		"duration": p.duration,
		"scaling":  string(p.scaling),
	}).Info("Source opened")
	p.setStateLocked(StateOpened)
	return nil
}

func (p *Player) loadSubtitles(ctx context.Context, locator, charset, lang string) (*subtitle.Track, error) {
	s, err := p.opener.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	cues, err := subtitle.ParseSRT(subtitle.NewReader(s, p.subBuf), subtitle.ParseOptions{Charset: charset})
	if err != nil {
		return nil, apperrors.NewFormatError("cannot read subtitle file", err).
			WithDetails(map[string]interface{}{"locator": locator})
	}
	return subtitle.NewTrack(lang, cues), nil
}

// Play starts the pipeline. Playback stops when ctx is cancelled.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpened || p.stopped.Load() {
		return apperrors.NewConflictError(fmt.Sprintf("cannot play while %s", p.state))
	}

	stageCtx, stageCancel := context.WithCancel(p.sessCtx)
	g, gctx := errgroup.WithContext(stageCtx)

	p.clock.Hold(p.startPos)
	context.AfterFunc(stageCtx, p.src.interrupt)
	pl := &pipeline{p: p, cancel: stageCancel, gen: p.gen.Load()}
	g.Go(func() error { return guard(apperrors.StageDemux, func() error { return pl.demuxStage(gctx) }) })
	for _, ln := range p.lanes {
		ln := ln
		if ln.track != nil {
			g.Go(func() error { return guard(apperrors.StageDecode, func() error { return pl.subtitleStage(gctx, ln) }) })
			continue
		}
		g.Go(func() error { return guard(apperrors.StageDecode, func() error { return pl.decodeStage(gctx, ln) }) })
	}
	g.Go(func() error { return guard(apperrors.StageRender, func() error { return pl.renderStage(gctx) }) })

	p.stopCtx = context.AfterFunc(ctx, p.Stop)
	go func() {
		err := g.Wait()
		stageCancel()
		p.finish(err)
	}()

	p.setStateLocked(StatePlaying)
	return nil
}

// guard turns a panic in a stage into an internal error tagged with the
// stage.
func guard(stage apperrors.Stage, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("panic in %s stage: %v", stage, r)).WithStage(stage)
		}
	}()
	if err = fn(); err != nil {
		if ae, ok := apperrors.GetAppError(err); ok {
			if ae.Stage == "" {
				ae.WithStage(stage)
			}
			return ae
		}
		return apperrors.WrapInternalError(err, "stage failed").WithStage(stage)
	}
	return nil
}

// finish releases the session and publishes the terminal event.
func (p *Player) finish(err error) {
	p.mu.Lock()
	for _, ln := range p.lanes {
		ln.close()
	}
	if p.dmx != nil {
		if cerr := p.dmx.Close(); cerr != nil {
			p.log.WithError(cerr).Debug("Closing demuxer")
		}
	}
	if p.stopCtx != nil {
		p.stopCtx()
	}
	if p.sessCancel != nil {
		p.sessCancel()
	}

	res := Result{
		Position:    p.finalPosition(),
		Presented:   p.presented.Load(),
		Dropped:     p.dropped.Load(),
		Substituted: p.substituted.Load(),
	}
	var stage apperrors.Stage
	state := StateEnded
	switch {
	case err != nil && !p.stopped.Load():
		res.Reason = ReasonFailed
		state = StateFailed
		stage = apperrors.StageOf(err, apperrors.StagePlayer)
		p.log.WithError(err).WithField("stage", string(stage)).Error("Playback failed")
	case p.stopped.Load():
		res.Reason = ReasonStopped
		state = StateStopped
		err = nil
	default:
		res.Reason = ReasonEndOfStream
		err = nil
	}
	p.result = res
	p.err = err
	opened := p.state != StateIdle
	p.setStateLocked(state)
	p.mu.Unlock()

	if opened {
		metrics.SessionClosed(string(stage))
	}
	if res.Reason == ReasonEndOfStream {
		p.events.publish(Event{Kind: EventEndOfStream, Time: p.wall.Now(), State: state, Position: res.Position})
	}
	p.log.WithFields(map[string]interface{}{
		"reason":      string(res.Reason),
		"position":    res.Position,
		"presented":   res.Presented,
		"dropped":     res.Dropped,
		"substituted": res.Substituted,
	}).Info("Playback finished")
	p.events.terminate(Event{Kind: EventTerminated, Time: p.wall.Now(), State: state, Position: res.Position, Stage: stage, Err: err})
	close(p.done)
}

func (p *Player) finalPosition() time.Duration {
	if p.presented.Load() > 0 {
		return time.Duration(p.presentedEnd.Load())
	}
	return p.clock.Now()
}

// Stop ends playback. It is safe to call more than once and from any state.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state.Terminal() || p.stopped.Load() {
		p.mu.Unlock()
		return
	}
	p.stopped.Store(true)
	state := p.state
	p.mu.Unlock()

	switch state {
	case StatePlaying, StatePaused:
		p.sessCancel()
	default:
		// nothing running; release directly
		p.finish(nil)
	}
}

// Wait blocks until playback is over.
func (p *Player) Wait() (Result, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

// Done is closed when playback is over.
func (p *Player) Done() <-chan struct{} { return p.done }

func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StatePaused:
		return nil
	case StatePlaying:
	default:
		return apperrors.NewConflictError(fmt.Sprintf("cannot pause while %s", p.state))
	}
	p.clock.Pause()
	p.setStateLocked(StatePaused)
	p.poke()
	return nil
}

func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StatePlaying:
		return nil
	case StatePaused:
	default:
		return apperrors.NewConflictError(fmt.Sprintf("cannot resume while %s", p.state))
	}
	p.clock.Resume()
	p.setStateLocked(StatePlaying)
	p.poke()
	return nil
}

// SetSpeed scales the clock. Away from normal speed the wall clock is the
// master and audio no longer corrects it.
func (p *Player) SetSpeed(x float64) error {
	if x <= 0 || x > 16 {
		return apperrors.NewValidationError(fmt.Sprintf("speed must be in (0, 16], got %v", x))
	}
	p.clock.SetSpeed(x)
	p.poke()
	p.log.WithField("speed", x).Debug("Playback speed changed")
	return nil
}

// Seek repositions playback on the keyframe at or before ts and returns
// the landed position.
func (p *Player) Seek(ts time.Duration) (time.Duration, error) {
	landed, err := p.seek(ts)
	metrics.IncSeek(err == nil)
	if err != nil {
		return 0, err
	}
	p.events.publish(Event{Kind: EventSeeked, Time: p.wall.Now(), State: p.State(), Position: landed})
	return landed, nil
}

func (p *Player) seek(ts time.Duration) (time.Duration, error) {
	p.mu.Lock()
	switch p.state {
	case StateOpened:
		defer p.mu.Unlock()
		landed, err := p.dmx.Seek(ts)
		if err != nil {
			return 0, err
		}
		p.startPos = landed
		return landed, nil
	case StatePlaying, StatePaused:
	default:
		defer p.mu.Unlock()
		return 0, apperrors.NewConflictError(fmt.Sprintf("cannot seek while %s", p.state))
	}
	p.mu.Unlock()

	req := seekRequest{ts: ts, reply: make(chan seekReply, 1)}
	select {
	case p.seekReq <- req:
	case <-p.done:
		return 0, apperrors.NewConflictError("playback finished")
	}
	select {
	case r := <-req.reply:
		return r.landed, r.err
	case <-p.done:
		return 0, apperrors.NewConflictError("playback finished")
	}
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:       p.state,
		Locator:     p.locator,
		Duration:    p.duration,
		Speed:       p.clock.Speed(),
		Streams:     p.streamsLocked(),
		Scaling:     string(p.scaling),
		Presented:   p.presented.Load(),
		Dropped:     p.dropped.Load(),
		Substituted: p.substituted.Load(),
		Err:         p.err,
	}
	if p.dmx != nil {
		st.Format = string(p.dmx.Format())
	}
	switch {
	case p.state.Terminal():
		st.Position = p.result.Position
	case p.state == StateOpened:
		st.Position = p.startPos
	default:
		st.Position = p.clock.Now()
	}
	if st.Position < 0 {
		st.Position = 0
	}
	if p.duration > 0 && st.Position > p.duration {
		st.Position = p.duration
	}
	return st
}

func (p *Player) streamsLocked() []media.StreamInfo {
	out := make([]media.StreamInfo, 0, len(p.lanes))
	for _, ln := range p.lanes {
		out = append(out, ln.info)
	}
	return out
}

func (p *Player) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	p.events.publish(Event{Kind: EventStateChanged, Time: p.wall.Now(), State: s})
}

// poke wakes the render stage.
func (p *Player) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func describeCodecs(streams []media.StreamInfo) string {
	codecs := make([]string, 0, len(streams))
	for _, s := range streams {
		codecs = append(codecs, string(s.Codec))
	}
	if len(codecs) == 0 {
		return "none"
	}
	return strings.Join(codecs, ",")
}

func describeStreams(streams []media.StreamInfo) []string {
	out := make([]string, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.String())
	}
	return out
}
