package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/player"
	"github.com/zsiec/reel/internal/server"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/pkg/version"
)

func newServeCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API",
		Long:  "serve runs the HTTP control API. Sessions launched through it play headless; with the redis backend, sessions of other reel processes are listed too.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			if port > 0 {
				a.cfg.Server.HTTPPort = port
			}
			return runServe(cmd.Context(), a)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the HTTP port")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	log := logger.Wrap(a.log)
	a.log.WithFields(map[string]interface{}{
		"version":    version.Version,
		"git_commit": version.GitCommit,
		"build_time": version.BuildTime,
	}).Info("Starting reel control API")

	var client *redis.Client
	if a.cfg.Session.Backend == "redis" {
		client = session.NewRedisClient(a.cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			// the health endpoint reports it; sessions fail until it is back
			log.WithError(err).Warn("Redis not reachable")
		}
	}

	reg, err := session.New(a.cfg.Session, client, log, nil)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return err
	}
	defer reg.Close()

	deps := player.Deps{
		Opener:         input.NewOpener(a.cfg.Input, input.WithLogger(log)),
		Logger:         log,
		SubtitleBuffer: a.cfg.Input.SubtitleBuf,
	}
	headless := func() player.Renderer { return player.NullRenderer{} }
	mgr := session.NewManager(reg, session.PlayerFactory(a.cfg.Player, deps, headless),
		a.cfg.Session.HeartbeatInterval, nil, log)
	defer mgr.Close()

	srv := server.New(a.cfg, a.log, server.Deps{
		Sessions: mgr,
		Redis:    client,
	})
	err = srv.Start(ctx)
	a.log.Info("reel control API stopped")
	return err
}
