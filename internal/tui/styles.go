package tui

import "github.com/charmbracelet/lipgloss"

var (
	Primary = lipgloss.Color("#FF6B35")
	Success = lipgloss.Color("#4CAF50")
	Warning = lipgloss.Color("#FFB74D")
	Error   = lipgloss.Color("#F44336")
	Text    = lipgloss.Color("#E0E0E0")
	Muted   = lipgloss.Color("#90A4AE")
	OnAir   = lipgloss.Color("#FF1744")
	Standby = lipgloss.Color("#FFC107")
	Offline = lipgloss.Color("#424242")

	BorderColor = lipgloss.AdaptiveColor{Light: "#DDDDDD", Dark: "#30363D"}
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(Text).
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Foreground(Text).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().Foreground(Muted).Width(12)
	ValueStyle = lipgloss.NewStyle().Foreground(Text)
	HelpStyle  = lipgloss.NewStyle().Foreground(Muted).Italic(true)

	BarFilledStyle = lipgloss.NewStyle().Foreground(Success)
	BarEmptyStyle  = lipgloss.NewStyle().Foreground(Offline)
)

// stateStyle colors a player state label.
func stateStyle(state string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch state {
	case "playing":
		return s.Foreground(OnAir)
	case "paused", "opened":
		return s.Foreground(Standby)
	case "failed":
		return s.Foreground(Error)
	case "ended", "stopped":
		return s.Foreground(Muted)
	}
	return s.Foreground(Text)
}
