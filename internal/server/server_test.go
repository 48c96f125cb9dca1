package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/demux/demuxtest"
	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/player"
	"github.com/zsiec/reel/internal/procinfo"
	"github.com/zsiec/reel/internal/session"
)

type testEnv struct {
	server *Server
	ts     *httptest.Server
	mgr    *session.Manager
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestEnv serves real players over an in-memory clip. The media clock
// never advances, so sessions stay in playback until stopped.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	data, err := demuxtest.Matroska(demuxtest.Options{})
	require.NoError(t, err)

	cfg := config.Default()
	opener := input.NewOpener(cfg.Input)
	opener.Memory().Put("clip.mkv", data)

	clock := clockwork.NewFakeClock()
	deps := player.Deps{
		Opener: opener,
		Capabilities: procinfo.NewCapabilitySet(procinfo.Spec{
			Platform:       "test",
			DefaultScaling: procinfo.ScalingBicubic,
			ScalingMethods: []procinfo.ScalingMethod{procinfo.ScalingBicubic},
		}),
		Clock: clock,
	}
	newRenderer := func() player.Renderer { return player.NewStatsRenderer() }

	reg := session.NewMemoryRegistry(cfg.Session.TTL, cfg.Session.MaxSessions, clock)
	mgr := session.NewManager(reg, session.PlayerFactory(cfg.Player, deps, newRenderer),
		cfg.Session.HeartbeatInterval, clock, nil)

	srv := New(cfg, quietLogger(), Deps{Sessions: mgr, Clock: clock})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		mgr.Close()
		ts.Close()
	})
	return &testEnv{server: srv, ts: ts, mgr: mgr}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func (e *testEnv) launch(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, "POST", "/api/v1/sessions", `{"locator":"memory://clip.mkv"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var s session.Session
	require.NoError(t, json.Unmarshal(body, &s))
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "/api/v1/sessions/"+s.ID, resp.Header.Get("Location"))
	return s.ID
}

func decodeSession(t *testing.T, body []byte) session.Session {
	t.Helper()
	var s session.Session
	require.NoError(t, json.Unmarshal(body, &s))
	return s
}

func errorType(t *testing.T, body []byte) apperrors.ErrorType {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error.Type
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, "GET", "/live", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// nothing checked yet
	resp, _ = env.do(t, "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := env.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"players"`)
	assert.Contains(t, string(body), `"decoders"`)

	resp, _ = env.do(t, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, "GET", "/version", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"go_version"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/api/v1/sessions", "")

	resp, body := env.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "reel_")
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.launch(t)

	resp, body := env.do(t, "GET", "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Sessions []session.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Sessions[0].ID)

	resp, body = env.do(t, "GET", "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := decodeSession(t, body)
	assert.Equal(t, "playing", s.State)
	assert.Equal(t, "memory://clip.mkv", s.Locator)
	assert.Len(t, s.Streams, 2)

	resp, body = env.do(t, "POST", "/api/v1/sessions/"+id+"/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "paused", decodeSession(t, body).State)

	resp, body = env.do(t, "POST", "/api/v1/sessions/"+id+"/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "playing", decodeSession(t, body).State)

	resp, body = env.do(t, "POST", "/api/v1/sessions/"+id+"/seek", `{"position":"850ms"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var seek seekResponse
	require.NoError(t, json.Unmarshal(body, &seek))
	assert.Equal(t, int64(800), seek.LandedMS)

	resp, body = env.do(t, "POST", "/api/v1/sessions/"+id+"/speed", `{"speed":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, 2.0, decodeSession(t, body).Speed)

	resp, _ = env.do(t, "POST", "/api/v1/sessions/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool {
		resp, _ := env.do(t, "GET", "/api/v1/sessions/"+id, "")
		return resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "GET", "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.ErrorTypeNotFound, errorType(t, body))

	resp, body = env.do(t, "POST", "/api/v1/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.ErrorTypeValidation, errorType(t, body))

	resp, body = env.do(t, "POST", "/api/v1/sessions", `{"locator":"memory://missing.mkv"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, apperrors.ErrorTypeOpen, errorType(t, body))

	resp, _ = env.do(t, "POST", "/api/v1/sessions", `{"locator":"memory://clip.mkv","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/api/v1/sessions/nope/pause", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := env.launch(t)
	for _, body := range []string{`{}`, `{"position":"soon"}`, `{"position_ms":-5}`, `not json`} {
		resp, _ = env.do(t, "POST", "/api/v1/sessions/"+id+"/seek", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	resp, body = env.do(t, "POST", "/api/v1/sessions/"+id+"/speed", `{"speed":100}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.ErrorTypeValidation, errorType(t, body))

	// resume while playing is a no-op, pause twice too
	resp, _ = env.do(t, "POST", "/api/v1/sessions/"+id+"/pause", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, "POST", "/api/v1/sessions/"+id+"/pause", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, "GET", "/api/v1/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsWebSocket(t *testing.T) {
	env := newTestEnv(t)
	id := env.launch(t)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, _ := env.do(t, "POST", "/api/v1/sessions/"+id+"/seek", `{"position_ms":400}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	readUntil := func(kind player.EventKind) eventMessage {
		for {
			var m eventMessage
			require.NoError(t, conn.ReadJSON(&m))
			if m.Kind == kind {
				return m
			}
		}
	}
	seeked := readUntil(player.EventSeeked)
	assert.Equal(t, int64(400), seeked.PositionMS)

	resp, _ = env.do(t, "POST", "/api/v1/sessions/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	term := readUntil(player.EventTerminated)
	assert.Equal(t, "stopped", term.State)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEventsForUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/sessions/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, "OPTIONS", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	for _, path := range []string{"/api/v1/sessions/abc/seek", "/health", "/nowhere"} {
		resp, _ = env.do(t, "OPTIONS", path, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Methods"), path)
	}

	resp, _ = env.do(t, "GET", "/api/v1/sessions", "")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	cfg := config.Default()
	cfg.Server.CORSOrigins = []string{"https://ui.example"}
	srv := New(cfg, quietLogger(), Deps{})
	assert.Equal(t, "https://ui.example", srv.allowedOrigin("https://ui.example"))
	assert.Empty(t, srv.allowedOrigin("https://evil.example"))
}

func TestSessionRoutesNeedManager(t *testing.T) {
	srv := New(config.Default(), quietLogger(), Deps{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/live", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
