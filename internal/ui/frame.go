// Package ui holds the screen furniture shared by the mailsync views.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/theme"
)

// barRows is the folder bar plus the hint bar.
const barRows = 2

// Frame splits the terminal into a folder bar on top, the message pane,
// and a hint bar at the bottom.
type Frame struct {
	Width, Height int
}

// NewFrame sizes a frame to the terminal.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height}
}

// Pane returns the size left for the message list or a detail view.
func (f Frame) Pane() (width, height int) {
	return f.Width, max(f.Height-barRows, 0)
}

// FolderBar names the folder on the left and shows the slice's sync state
// and whether the account is reachable on the right.
func (f Frame) FolderBar(folderName, syncState string, online bool) string {
	conn := "offline"
	if online {
		conn = "online"
	}
	return f.bar(theme.HeaderStyle, folderName, syncState+" · "+conn)
}

// HintBar shows key hints, or notice in their place.
func (f Frame) HintBar(hints, notice string) string {
	if notice != "" {
		hints = notice
	}
	return f.bar(theme.StatusBarStyle, hints, "")
}

// Compose stacks the bars around the pane.
func (f Frame) Compose(folderBar, pane, hintBar string) string {
	return lipgloss.JoinVertical(lipgloss.Left, folderBar, pane, hintBar)
}

// bar spreads left and right across the full width in style.
func (f Frame) bar(style lipgloss.Style, left, right string) string {
	l := style.Render(left)
	r := ""
	if right != "" {
		r = style.Render(right)
	}
	gap := max(f.Width-lipgloss.Width(l)-lipgloss.Width(r), 0)
	pad := lipgloss.NewStyle().Background(style.GetBackground()).Width(gap).Render("")
	return l + pad + r
}
