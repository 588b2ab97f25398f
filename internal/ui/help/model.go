package help

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/keys"
	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

// SyncInfo is the background state shown under the shortcuts.
type SyncInfo struct {
	Online  bool
	Pending int
	Folders []appsync.Status
	Names   map[string]string
}

// Model is the help overlay view.
type Model struct {
	keys   *keys.KeyMap
	help   help.Model
	info   SyncInfo
	width  int
	height int
}

// New creates a new help view model.
func New(keys *keys.KeyMap, width, height int) Model {
	h := help.New()
	h.Width = width
	return Model{
		keys:   keys,
		help:   h,
		width:  width,
		height: height,
	}
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages for the help view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

// SetSyncInfo replaces the sync state shown in the overlay.
func (m *Model) SetSyncInfo(info SyncInfo) {
	m.info = info
}

// View renders the help overlay.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	m.help.Width = m.width - 4
	m.help.ShowAll = true

	content := lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Keyboard Shortcuts"),
		m.help.View(m.keys),
		"",
		titleStyle.Render("Sync"),
		m.renderSync(),
	)

	return theme.DetailPanelStyle.
		Width(m.width - 4).
		Height(m.height - 4).
		Render(content)
}

func (m Model) renderSync() string {
	conn := "offline"
	if m.info.Online {
		conn = "online"
	}
	lines := []string{
		theme.ConnectivityStyle(m.info.Online).Render(conn) +
			theme.DimmedStyle.Render(fmt.Sprintf("  %d pending operation(s)", m.info.Pending)),
	}

	folders := append([]appsync.Status(nil), m.info.Folders...)
	sort.Slice(folders, func(i, j int) bool { return folders[i].FolderID < folders[j].FolderID })
	for _, s := range folders {
		name := m.info.Names[s.FolderID]
		if name == "" {
			name = s.FolderID
		}
		lines = append(lines, fmt.Sprintf("%-16s %s", name, describe(s)))
	}
	return strings.Join(lines, "\n")
}

func describe(s appsync.Status) string {
	switch s.State {
	case appsync.StateRunning:
		return theme.SliceStatusStyle("synchronizing").Render("refreshing")
	case appsync.StateError:
		if s.Error == nil {
			return theme.ErrorStyle.Render("failed")
		}
		return theme.ErrorStyle.Render(s.Error.Error())
	default:
		if s.LastSync.IsZero() {
			return theme.DimmedStyle.Render("waiting")
		}
		return theme.DimmedStyle.Render("synced " + s.LastSync.Format("15:04:05"))
	}
}

// SetSize updates the help view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.help.Width = width - 4
}
