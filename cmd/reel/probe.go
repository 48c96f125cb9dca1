package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/demux"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/procinfo"
)

const probeHead = 8192

func newProbeCommand(a *app) *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "probe <locator>",
		Short: "Describe the container and streams of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			if platform == "" {
				platform = a.cfg.Player.Platform
			}
			return runProbe(cmd.Context(), a, args[0], platform)
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "Render platform to report (detected when empty)")
	return cmd
}

func runProbe(ctx context.Context, a *app, locator, platform string) error {
	log := logger.Wrap(a.log)
	stream, err := input.NewOpener(a.cfg.Input, input.WithLogger(log)).Open(ctx, locator)
	if err != nil {
		return err
	}

	mime := ""
	if stream.Seekable() {
		head := make([]byte, probeHead)
		n, err := io.ReadFull(stream, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			stream.Close()
			return apperrors.NewIOError(err, false)
		}
		mime = demux.Probe(head[:n]).MIME
		if _, err := stream.Seek(0, io.SeekStart); err != nil {
			stream.Close()
			return apperrors.NewSeekError("rewinding after probe", err)
		}
	}

	dmx, err := demux.Open(ctx, stream, demux.WithLogger(log), demux.WithMaxErrors(a.cfg.Player.MaxDemuxErrors))
	if err != nil {
		stream.Close()
		return err
	}
	defer dmx.Close()

	out := a.out
	label := color.New(color.Bold)
	decoders := codec.DefaultRegistry()

	label.Fprint(out, "Source:   ")
	fmt.Fprintln(out, locator)
	label.Fprint(out, "Format:   ")
	fmt.Fprintln(out, dmx.Format())
	if mime != "" {
		label.Fprint(out, "MIME:     ")
		fmt.Fprintln(out, mime)
	}
	label.Fprint(out, "Duration: ")
	if d := dmx.Duration(); d > 0 {
		fmt.Fprintln(out, formatClock(d))
	} else {
		fmt.Fprintln(out, "unknown")
	}
	label.Fprintln(out, "Streams:")
	for _, s := range dmx.Streams() {
		fmt.Fprintf(out, "  %s", s)
		if s.Language != "" {
			fmt.Fprintf(out, " [%s]", s.Language)
		}
		if !decoders.Supports(s.Codec) {
			color.New(color.FgYellow).Fprint(out, " (no decoder)")
		}
		fmt.Fprintln(out)
	}

	caps, err := selectPlatform(ctx, platform)
	if err != nil {
		return err
	}
	methods := make([]string, 0, len(caps.ScalingMethods()))
	for _, m := range caps.ScalingMethods() {
		methods = append(methods, string(m))
	}
	label.Fprint(out, "Platform: ")
	fmt.Fprintf(out, "%s (scaling %s; supports %s)\n", caps.Platform(), caps.DefaultScaling(), strings.Join(methods, ", "))
	return nil
}

func selectPlatform(ctx context.Context, platform string) (*procinfo.CapabilitySet, error) {
	reg, err := procinfo.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	host, err := procinfo.DetectHost(ctx)
	if err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("host detection failed: %v", err))
	}
	return procinfo.Select(ctx, reg, platform, host)
}
