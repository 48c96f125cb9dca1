package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/config"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/pkg/version"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *logrus.Logger
	out io.Writer
}

// load reads the configuration and builds the logger. quiet silences
// terminal logging for full-screen views; file outputs are kept.
func (a *app) load(quiet bool) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return apperrors.NewConfigError(err.Error())
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return apperrors.NewConfigError(err.Error())
	}
	if quiet && (cfg.Logging.Output == "" || cfg.Logging.Output == "stderr" || cfg.Logging.Output == "stdout") {
		log.SetOutput(io.Discard)
	}
	a.cfg = cfg
	a.log = log
	return nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "reel",
		Short:         "Play, inspect and serve media sessions",
		Long:          "reel opens media from files, HTTP, SRT, RTP and pipes, demuxes and decodes it, and presents it in sync.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(version.GetInfo().String() + "\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newPlayCommand(a),
		newProbeCommand(a),
		newServeCommand(a),
		newStatusCommand(a),
		newVersionCommand(a),
	)
	return root
}

// exitCode maps failures onto process exit codes: 2 for bad usage or
// configuration, 1 for everything else.
func exitCode(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeConfig, apperrors.ErrorTypeValidation:
		return 2
	}
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{out: os.Stdout}
	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
