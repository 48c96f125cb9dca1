package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/player"
)

type fakeControls struct {
	st      player.Status
	events  chan player.Event
	done    chan struct{}
	seeks   []time.Duration
	stopped bool
}

func newFakeControls() *fakeControls {
	return &fakeControls{
		st: player.Status{
			State:    player.StatePlaying,
			Position: 15 * time.Second,
			Duration: time.Minute,
			Speed:    1,
			Format:   "matroska",
		},
		events: make(chan player.Event, 4),
		done:   make(chan struct{}),
	}
}

func (f *fakeControls) Status() player.Status       { return f.st }
func (f *fakeControls) Events() <-chan player.Event { return f.events }
func (f *fakeControls) Done() <-chan struct{}       { return f.done }
func (f *fakeControls) Stop()                       { f.stopped = true }

func (f *fakeControls) Pause() error {
	f.st.State = player.StatePaused
	return nil
}

func (f *fakeControls) Resume() error {
	f.st.State = player.StatePlaying
	return nil
}

func (f *fakeControls) Seek(ts time.Duration) (time.Duration, error) {
	f.seeks = append(f.seeks, ts)
	f.st.Position = ts
	return ts, nil
}

func (f *fakeControls) SetSpeed(x float64) error {
	if x > 16 {
		return apperrors.NewValidationError("too fast")
	}
	f.st.Speed = x
	return nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestKeysDriveThePlayer(t *testing.T) {
	fc := newFakeControls()
	m := New(fc, "clip.mkv")

	m.Update(key(" "))
	assert.Equal(t, player.StatePaused, fc.st.State)
	m.Update(key(" "))
	assert.Equal(t, player.StatePlaying, fc.st.State)

	m.Update(key("right"))
	m.Update(key("left"))
	m.Update(key("left"))
	m.Update(key("left"))
	assert.Equal(t, []time.Duration{25 * time.Second, 15 * time.Second, 5 * time.Second, 0}, fc.seeks)

	m.Update(key("+"))
	assert.Equal(t, 1.5, fc.st.Speed)
	m.Update(key("-"))
	m.Update(key("-"))
	assert.Equal(t, 0.5, fc.st.Speed)

	m.Update(key("q"))
	assert.True(t, fc.stopped)
}

func TestDoneQuits(t *testing.T) {
	fc := newFakeControls()
	m := New(fc, "clip.mkv")

	fc.st.State = player.StateEnded
	_, cmd := m.Update(doneMsg{})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, m.View(), "ENDED")
}

func TestViewShowsStatusAndEvents(t *testing.T) {
	fc := newFakeControls()
	m := New(fc, "clip.mkv")

	m.Update(eventMsg(player.Event{Kind: player.EventSeeked, Position: 20 * time.Second}))
	view := m.View()
	assert.Contains(t, view, "PLAYING")
	assert.Contains(t, view, "00:15.0 / 01:00.0")
	assert.Contains(t, view, "seeked @ 00:20.0")
	assert.Contains(t, view, "matroska")
}

func TestNextSpeed(t *testing.T) {
	assert.Equal(t, 2.0, nextSpeed(1.5, true))
	assert.Equal(t, 16.0, nextSpeed(16, true))
	assert.Equal(t, 0.25, nextSpeed(0.25, false))
	assert.Equal(t, 1.0, nextSpeed(1.2, false))
}

func TestFormatPosition(t *testing.T) {
	assert.Equal(t, "00:00.0", formatPosition(-time.Second))
	assert.Equal(t, "01:05.5", formatPosition(65500*time.Millisecond))
	assert.Equal(t, "1:01:01.0", formatPosition(time.Hour+61*time.Second))
}
