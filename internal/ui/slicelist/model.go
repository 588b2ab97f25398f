package slicelist

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

// Action names a mutation requested from the list.
type Action string

// Actions the list can request.
const (
	ActionToggleSeen Action = "toggle-seen"
	ActionToggleFlag Action = "toggle-flag"
	ActionArchive    Action = "archive"
	ActionDelete     Action = "delete"
)

// ActionMsg asks the parent to apply an action to a message.
type ActionMsg struct {
	Action Action
	Header model.HeaderInfo
}

// SelectedMsg is sent when the user opens a message.
type SelectedMsg struct {
	Header model.HeaderInfo
}

// MoreMsg asks the parent to grow the slice into older mail.
type MoreMsg struct{}

// Model shows the headers of one slice.
type Model struct {
	list   list.Model
	keys   *keys.KeyMap
	status folder.Status
	more   bool
	width  int
	height int
}

// New creates a list model for the folder called title.
func New(title string, k *keys.KeyMap, width, height int) Model {
	l := list.New([]list.Item{}, ItemDelegate{}, width, height)
	l.Title = title
	l.SetShowStatusBar(true)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = theme.HeaderStyle

	return Model{
		list:   l,
		keys:   k,
		width:  width,
		height: height,
	}
}

// WithClock sets the time used to format dates.
func (m Model) WithClock(now func() time.Time) Model {
	m.list.SetDelegate(ItemDelegate{now: now})
	return m
}

// Update handles messages for the list.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ChangedMsg:
		return m, m.apply(msg)

	case tea.KeyMsg:
		return m.handleKeys(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *Model) apply(msg ChangedMsg) tea.Cmd {
	m.status = msg.Status
	m.more = msg.More

	// Keep the cursor on the same message when it moved.
	var selected string
	if it, ok := m.list.SelectedItem().(HeaderItem); ok {
		selected = it.Header.SUID
	}

	items := make([]list.Item, len(msg.Headers))
	cursor := -1
	for i, h := range msg.Headers {
		items[i] = HeaderItem{Header: h}
		if h.SUID == selected {
			cursor = i
		}
	}
	cmd := m.list.SetItems(items)
	if cursor >= 0 {
		m.list.Select(cursor)
	}
	return cmd
}

func (m Model) handleKeys(msg tea.KeyMsg) (Model, tea.Cmd) {
	item, haveItem := m.list.SelectedItem().(HeaderItem)

	switch {
	case key.Matches(msg, m.keys.More):
		return m, func() tea.Msg { return MoreMsg{} }

	case key.Matches(msg, m.keys.Select):
		if !haveItem {
			return m, nil
		}
		return m, func() tea.Msg { return SelectedMsg{Header: item.Header} }

	case key.Matches(msg, m.keys.ToggleSeen):
		return m, m.action(ActionToggleSeen, item, haveItem)
	case key.Matches(msg, m.keys.ToggleFlag):
		return m, m.action(ActionToggleFlag, item, haveItem)
	case key.Matches(msg, m.keys.Archive):
		return m, m.action(ActionArchive, item, haveItem)
	case key.Matches(msg, m.keys.Delete):
		return m, m.action(ActionDelete, item, haveItem)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)

	// Reaching the bottom of a slice asks for older mail.
	if key.Matches(msg, m.keys.Down) && m.more &&
		len(m.list.Items()) > 0 && m.list.Index() == len(m.list.Items())-1 {
		return m, tea.Batch(cmd, func() tea.Msg { return MoreMsg{} })
	}
	return m, cmd
}

func (m Model) action(a Action, item HeaderItem, ok bool) tea.Cmd {
	if !ok {
		return nil
	}
	return func() tea.Msg { return ActionMsg{Action: a, Header: item.Header} }
}

// Status returns the last slice status seen.
func (m Model) Status() folder.Status { return m.status }

// Len returns the number of headers shown.
func (m Model) Len() int { return len(m.list.Items()) }

// Selected returns the header under the cursor.
func (m Model) Selected() (model.HeaderInfo, bool) {
	it, ok := m.list.SelectedItem().(HeaderItem)
	return it.Header, ok
}

// SetTitle changes the list title.
func (m *Model) SetTitle(title string) {
	m.list.Title = title
}

// View renders the list.
func (m Model) View() string {
	if len(m.list.Items()) == 0 {
		text := "No messages."
		if m.status == folder.StatusSynchronizing || m.status == folder.StatusOpening {
			text = "Synchronizing..."
		}
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render(text)
	}
	return m.list.View()
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height)
}
