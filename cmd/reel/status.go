package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/quic-go/quic-go/http3"
	"github.com/spf13/cobra"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/session"
)

type statusOptions struct {
	server   string
	http3    bool
	insecure bool
	timeout  time.Duration
}

func newStatusCommand(a *app) *cobra.Command {
	var o statusOptions
	cmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "List sessions known to a control API",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runStatus(cmd.Context(), a, o, id)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.server, "server", "http://localhost:8080", "Control API base URL")
	f.BoolVar(&o.http3, "http3", false, "Connect over HTTP/3 (needs an https URL)")
	f.BoolVar(&o.insecure, "insecure", false, "Skip TLS certificate verification")
	f.DurationVar(&o.timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func newHTTPClient(o statusOptions) *http.Client {
	tlsConf := &tls.Config{InsecureSkipVerify: o.insecure} //nolint:gosec // opt-in for self-signed dev certs
	client := &http.Client{Timeout: o.timeout}
	if o.http3 {
		client.Transport = &http3.RoundTripper{TLSClientConfig: tlsConf}
	} else {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return client
}

func runStatus(ctx context.Context, a *app, o statusOptions, id string) error {
	base, err := url.Parse(strings.TrimSuffix(o.server, "/"))
	if err != nil || base.Host == "" {
		return apperrors.NewValidationError(fmt.Sprintf("invalid server URL %q", o.server))
	}
	if o.http3 && base.Scheme != "https" {
		return apperrors.NewValidationError("HTTP/3 needs an https server URL")
	}

	client := newHTTPClient(o)
	if closer, ok := client.Transport.(io.Closer); ok {
		defer closer.Close()
	}

	path := "/api/v1/sessions"
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	body, err := fetch(ctx, client, base.String()+path)
	if err != nil {
		return err
	}

	if id != "" {
		var s session.Session
		if err := json.Unmarshal(body, &s); err != nil {
			return apperrors.NewFormatError("decoding session", err)
		}
		printSession(a, &s)
		return nil
	}

	var list struct {
		Sessions []*session.Session `json:"sessions"`
		Count    int                `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return apperrors.NewFormatError("decoding session list", err)
	}
	if list.Count == 0 {
		fmt.Fprintln(a.out, "no active sessions")
		return nil
	}
	for _, s := range list.Sessions {
		printSession(a, s)
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.NewOpenError(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewIOError(err, false)
	}
	if resp.StatusCode != http.StatusOK {
		var e apperrors.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return nil, apperrors.New(e.Error.Type, e.Error.Message)
		}
		return nil, apperrors.NewInternalError(fmt.Sprintf("control API answered %s", resp.Status))
	}
	return body, nil
}

func printSession(a *app, s *session.Session) {
	state := color.New(color.FgGreen)
	switch s.State {
	case "failed":
		state = color.New(color.FgRed)
	case "paused", "stopped", "ended":
		state = color.New(color.FgYellow)
	}
	fmt.Fprintf(a.out, "%s  ", s.ID)
	state.Fprintf(a.out, "%-8s", s.State)
	fmt.Fprintf(a.out, "  %s / %s  x%g  %s\n",
		formatClock(time.Duration(s.Position)*time.Millisecond),
		formatClock(time.Duration(s.Duration)*time.Millisecond),
		s.Speed, s.Locator)
	if s.Error != "" {
		color.New(color.FgRed).Fprintf(a.out, "    %s\n", s.Error)
	}
}
