package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/player"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/tui"
)

type playOptions struct {
	subtitle  string
	subLang   string
	audioLang string
	charset   string
	start     time.Duration
	speed     float64
	platform  string
	strict    bool
	tui       bool
}

func newPlayCommand(a *app) *cobra.Command {
	var o playOptions
	cmd := &cobra.Command{
		Use:   "play <locator>",
		Short: "Play a file, URL or stream",
		Example: `  reel play movie.mkv --sub movie.srt
  reel play srt://encoder:9000?streamid=live --tui
  cat clip.ts | reel play -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(o.tui); err != nil {
				return err
			}
			return runPlay(cmd.Context(), a, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.subtitle, "sub", "", "External SRT subtitle file")
	f.StringVar(&o.charset, "sub-charset", "", "Subtitle character set (detected when empty)")
	f.StringVar(&o.subLang, "sub-lang", "", "Preferred subtitle language")
	f.StringVar(&o.audioLang, "audio-lang", "", "Preferred audio language")
	f.DurationVar(&o.start, "start", 0, "Start position, e.g. 1m30s")
	f.Float64Var(&o.speed, "speed", 0, "Playback speed (0 keeps the configured speed)")
	f.StringVar(&o.platform, "platform", "", "Render platform (detected when empty)")
	f.BoolVar(&o.strict, "strict", false, "Fail on the first decode error")
	f.BoolVar(&o.tui, "tui", false, "Show the interactive status view")
	return cmd
}

func runPlay(ctx context.Context, a *app, locator string, o playOptions) error {
	if o.start < 0 {
		return apperrors.NewValidationError("start must not be negative")
	}
	cfg := a.cfg.Player
	if o.speed != 0 {
		cfg.Speed = o.speed
	}
	if o.platform != "" {
		cfg.Platform = o.platform
	}
	if o.strict {
		cfg.StrictDecode = true
	}
	log := logger.Wrap(a.log)

	renderer := player.NewStatsRenderer()
	p, err := player.New(cfg, player.Deps{
		Opener:         input.NewOpener(a.cfg.Input, input.WithLogger(log)),
		Renderer:       renderer,
		Logger:         log,
		SubtitleBuffer: a.cfg.Input.SubtitleBuf,
	})
	if err != nil {
		return err
	}

	if !o.tui {
		renderer.OnFrame(printCue(a))
	}

	err = p.Open(ctx, locator, player.OpenOptions{
		Start:            o.start,
		SubtitleFile:     o.subtitle,
		SubtitleCharset:  o.charset,
		SubtitleLanguage: o.subLang,
		AudioLanguage:    o.audioLang,
	})
	if err != nil {
		p.Stop()
		return err
	}

	stopPublish, err := publish(ctx, a, p)
	if err != nil {
		p.Stop()
		return err
	}
	defer stopPublish()

	if err := p.Play(ctx); err != nil {
		p.Stop()
		return err
	}

	if o.tui {
		if err := tui.Run(p, locator); err != nil {
			p.Stop()
			return apperrors.WrapInternalError(err, "status view failed")
		}
		p.Stop()
	} else {
		printEvents(a, p.Events())
	}

	res, err := p.Wait()
	printResult(a, res)
	return err
}

// publish registers the session when a shared registry is configured, so
// a `reel serve` instance can list it.
func publish(ctx context.Context, a *app, p *player.Player) (func(), error) {
	if a.cfg.Session.Backend != "redis" {
		return func() {}, nil
	}
	client := session.NewRedisClient(a.cfg.Redis)
	log := logger.Wrap(a.log)
	reg, err := session.New(a.cfg.Session, client, log, nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	pub := &session.Publisher{
		Registry: reg,
		Interval: a.cfg.Session.HeartbeatInterval,
		Logger:   log,
	}
	id := uuid.NewString()
	if err := reg.Register(ctx, session.FromStatus(id, p.Status())); err != nil {
		reg.Close()
		return nil, err
	}
	log.WithField("session_id", id).Info("Session published")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Track returns once the player is done
		pub.Track(context.Background(), id, p)
	}()
	return func() {
		<-done
		reg.Close()
	}, nil
}

var (
	eventColor = color.New(color.FgCyan)
	errorColor = color.New(color.FgRed)
	cueColor   = color.New(color.FgYellow)
	okColor    = color.New(color.FgGreen, color.Bold)
)

// printCue echoes subtitle cues as they are presented.
func printCue(a *app) func(f *media.Frame) {
	return func(f *media.Frame) {
		if f.Kind != media.KindSubtitle || len(f.Data) == 0 {
			return
		}
		cueColor.Fprintf(a.out, "[%s] %s\n", formatClock(f.PTS), strings.TrimSpace(string(f.Data)))
	}
}

// printEvents returns once the terminated event has been printed.
func printEvents(a *app, events <-chan player.Event) {
	for e := range events {
		switch {
		case e.Err != nil:
			errorColor.Fprintf(a.out, "[%s] %s %s: %v\n", formatClock(e.Position), e.Kind, e.Stage, e.Err)
		case e.Kind == player.EventAwaitingChoice && e.Choices != nil:
			eventColor.Fprintf(a.out, "[%s] %s (%d buttons)\n", formatClock(e.Position), e.Kind, len(e.Choices.Buttons))
		default:
			eventColor.Fprintf(a.out, "[%s] %s %s\n", formatClock(e.Position), e.Kind, e.State)
		}
	}
}

func printResult(a *app, res player.Result) {
	c := okColor
	if res.Reason == player.ReasonFailed {
		c = errorColor
	}
	c.Fprintf(a.out, "%s", res.Reason)
	fmt.Fprintf(a.out, " at %s: %d presented, %d dropped, %d substituted\n",
		formatClock(res.Position), res.Presented, res.Dropped, res.Substituted)
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
