// Package tui is the terminal status view of `reel play --tui`.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/reel/internal/player"
)

const (
	refreshInterval = 250 * time.Millisecond
	seekStep        = 10 * time.Second
	maxEvents       = 6
	barWidth        = 40
)

// Controls is the player surface the view drives. *player.Player
// satisfies it.
type Controls interface {
	Status() player.Status
	Events() <-chan player.Event
	Done() <-chan struct{}
	Pause() error
	Resume() error
	Seek(ts time.Duration) (time.Duration, error)
	SetSpeed(x float64) error
	Stop()
}

type tickMsg time.Time

type eventMsg player.Event

// eventsClosedMsg arrives once the player has published its last event.
type eventsClosedMsg struct{}

type doneMsg struct{}

// Model renders a live status panel for one player.
type Model struct {
	player Controls
	title  string

	status   player.Status
	events   []string
	lastErr  error
	width    int
	quitting bool
}

func New(p Controls, title string) *Model {
	return &Model{player: p, title: title, status: p.Status()}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(ch <-chan player.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

func waitForDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return doneMsg{}
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		tickEvery(refreshInterval),
		waitForEvent(m.player.Events()),
		waitForDone(m.player.Done()),
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg.String())

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		m.status = m.player.Status()
		return m, tickEvery(refreshInterval)

	case eventMsg:
		m.pushEvent(player.Event(msg))
		return m, waitForEvent(m.player.Events())

	case eventsClosedMsg:
		return m, nil

	case doneMsg:
		m.status = m.player.Status()
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleKey(key string) tea.Cmd {
	var err error
	switch key {
	case "q", "ctrl+c", "esc":
		m.player.Stop()
		return nil // doneMsg quits
	case " ", "p":
		if m.status.State == player.StatePaused {
			err = m.player.Resume()
		} else {
			err = m.player.Pause()
		}
	case "right", "l":
		_, err = m.player.Seek(m.status.Position + seekStep)
	case "left", "h":
		target := m.status.Position - seekStep
		if target < 0 {
			target = 0
		}
		_, err = m.player.Seek(target)
	case "+", "=":
		err = m.player.SetSpeed(nextSpeed(m.status.Speed, true))
	case "-", "_":
		err = m.player.SetSpeed(nextSpeed(m.status.Speed, false))
	default:
		return nil
	}
	m.lastErr = err
	m.status = m.player.Status()
	return nil
}

var speeds = []float64{0.25, 0.5, 1, 1.5, 2, 4, 8, 16}

// nextSpeed steps through the preset speeds.
func nextSpeed(cur float64, up bool) float64 {
	if up {
		for _, s := range speeds {
			if s > cur {
				return s
			}
		}
		return speeds[len(speeds)-1]
	}
	for i := len(speeds) - 1; i >= 0; i-- {
		if speeds[i] < cur {
			return speeds[i]
		}
	}
	return speeds[0]
}

func (m *Model) pushEvent(e player.Event) {
	line := fmt.Sprintf("%s %s @ %s", e.Time.Format("15:04:05"), e.Kind, formatPosition(e.Position))
	if e.Err != nil {
		line += ": " + e.Err.Error()
	}
	m.events = append(m.events, line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m *Model) View() string {
	st := m.status
	state := st.State.String()

	header := HeaderStyle.Render("reel  " + m.title)

	rows := []string{
		row("State", stateStyle(state).Render(strings.ToUpper(state))),
		row("Position", fmt.Sprintf("%s / %s", formatPosition(st.Position), formatPosition(st.Duration))),
		row("", progressBar(st.Position, st.Duration, barWidth)),
		row("Speed", fmt.Sprintf("%gx", st.Speed)),
		row("Format", st.Format),
		row("Scaling", st.Scaling),
		row("Frames", fmt.Sprintf("%d shown, %d dropped, %d concealed", st.Presented, st.Dropped, st.Substituted)),
	}
	for _, s := range st.Streams {
		rows = append(rows, row("Stream", s.String()))
	}
	if st.Err != nil {
		rows = append(rows, row("Error", lipgloss.NewStyle().Foreground(Error).Render(st.Err.Error())))
	}
	if m.lastErr != nil {
		rows = append(rows, row("Last key", lipgloss.NewStyle().Foreground(Warning).Render(m.lastErr.Error())))
	}
	status := PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))

	events := "no events yet"
	if len(m.events) > 0 {
		events = strings.Join(m.events, "\n")
	}
	eventPanel := PanelStyle.Render(events)

	help := HelpStyle.Render("space pause/resume  ←/→ seek 10s  +/- speed  q quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, status, eventPanel, help) + "\n"
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(label), ValueStyle.Render(value))
}

func progressBar(pos, total time.Duration, width int) string {
	filled := 0
	if total > 0 {
		filled = int(int64(width) * int64(pos) / int64(total))
	}
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return BarFilledStyle.Render(strings.Repeat("█", filled)) +
		BarEmptyStyle.Render(strings.Repeat("░", width-filled))
}

func formatPosition(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(100 * time.Millisecond)
	h := int(d / time.Hour)
	mnt := int(d/time.Minute) % 60
	s := float64(d%time.Minute) / float64(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%04.1f", h, mnt, s)
	}
	return fmt.Sprintf("%02d:%04.1f", mnt, s)
}

// Run shows the view until the player finishes or the user quits.
func Run(p Controls, title string, opts ...tea.ProgramOption) error {
	_, err := tea.NewProgram(New(p, title), opts...).Run()
	return err
}
