package theme

import "github.com/charmbracelet/lipgloss"

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorSubtle  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#CBD5E0"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for the title bar.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// StatusBarStyle is used for the bottom status bar.
var StatusBarStyle = lipgloss.NewStyle().
	Foreground(ColorWhite).
	Background(ColorSubtle).
	Padding(0, 1)

// DetailPanelStyle wraps the message and help panels.
var DetailPanelStyle = lipgloss.NewStyle().
	Padding(1, 2).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// SelectedItemStyle highlights the focused message line.
var SelectedItemStyle = lipgloss.NewStyle().
	PaddingLeft(1).
	Bold(true).
	Foreground(ColorBlue).
	Border(lipgloss.NormalBorder(), false, false, false, true).
	BorderForeground(ColorBlue)

// ListItemStyle is the base style for message lines.
var ListItemStyle = lipgloss.NewStyle().
	PaddingLeft(2)

// UnreadStyle marks messages without \Seen.
var UnreadStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorWhite)

// DimmedStyle is used for dates, snippets and other secondary text.
var DimmedStyle = lipgloss.NewStyle().Foreground(ColorGray)

// FlagStyle colors the flagged marker.
var FlagStyle = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)

// PendingStyle marks messages the server has not confirmed yet.
var PendingStyle = lipgloss.NewStyle().Foreground(ColorYellow).Italic(true)

// ErrorStyle renders error text in the status bar.
var ErrorStyle = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)

// SliceStatusStyle returns a color-coded style for a slice status name.
func SliceStatusStyle(status string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch status {
	case "synchronizing":
		return base.Foreground(ColorYellow)
	case "synced":
		return base.Foreground(ColorGreen)
	case "closed":
		return base.Foreground(ColorGray)
	default:
		return base.Foreground(ColorMagenta)
	}
}

// ConnectivityStyle colors the online indicator.
func ConnectivityStyle(online bool) lipgloss.Style {
	if online {
		return lipgloss.NewStyle().Foreground(ColorGreen)
	}
	return lipgloss.NewStyle().Foreground(ColorRed)
}
