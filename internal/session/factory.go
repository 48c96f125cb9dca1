package session

import (
	"context"
	"time"

	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/player"
)

// PlayerFactory launches real players sharing deps. newRenderer, when set,
// gives each player its own renderer.
func PlayerFactory(cfg config.PlayerConfig, deps player.Deps, newRenderer func() player.Renderer) Factory {
	return func(ctx context.Context, req LaunchRequest) (Controllable, error) {
		d := deps
		if newRenderer != nil {
			d.Renderer = newRenderer()
		}
		p, err := player.New(cfg, d)
		if err != nil {
			return nil, err
		}

		opts := player.OpenOptions{
			Start:        time.Duration(req.StartMS) * time.Millisecond,
			SubtitleFile: req.SubtitleFile,
		}
		if err := p.Open(ctx, req.Locator, opts); err != nil {
			p.Stop()
			return nil, err
		}
		if err := p.Play(ctx); err != nil {
			p.Stop()
			return nil, err
		}
		return p, nil
	}
}
