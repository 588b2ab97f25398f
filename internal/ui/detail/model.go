package detail

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

// BackMsg signals the parent to navigate back to the list view.
type BackMsg struct{}

// LoadedMsg carries a message header and its stored body. Body is nil when
// the body has not been downloaded.
type LoadedMsg struct {
	Header model.HeaderInfo
	Body   *model.BodyInfo
	Err    error
}

// Model is the message viewer.
type Model struct {
	header   *model.HeaderInfo
	body     *model.BodyInfo
	err      error
	viewport viewport.Model
	keys     *keys.KeyMap
	width    int
	height   int
	loading  bool
}

// New creates a new message viewer.
func New(keys *keys.KeyMap, width, height int) Model {
	vp := viewport.New(width, height-2)
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		keys:     keys,
		width:    width,
		height:   height,
	}
}

// Init returns the initial command for the viewer.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages for the viewer.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case LoadedMsg:
		h := msg.Header
		m.header = &h
		m.body = msg.Body
		m.err = msg.Err
		m.loading = false
		m.viewport.SetContent(m.renderContent())
		m.viewport.GotoTop()
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Back) {
			return m, func() tea.Msg {
				return BackMsg{}
			}
		}
	}

	// Delegate to viewport for scrolling (j/k, up/down, pgup/pgdn)
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the viewer.
func (m Model) View() string {
	centered := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	if m.loading {
		return centered.Render("Loading message...")
	}
	if m.header == nil {
		return centered.Render("No message selected")
	}
	return m.viewport.View()
}

func (m Model) renderContent() string {
	if m.header == nil {
		return ""
	}
	h := m.header
	var sections []string

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite)
	subject := h.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	sections = append(sections, titleStyle.Render(subject))

	var badges []string
	if h.HasFlag(model.FlagFlagged) {
		badges = append(badges, theme.FlagStyle.Render("flagged"))
	}
	if !h.HasFlag(model.FlagSeen) {
		badges = append(badges, theme.UnreadStyle.Render("unread"))
	}
	if h.SrvID == 0 {
		badges = append(badges, theme.PendingStyle.Render("pending"))
	}
	if len(badges) > 0 {
		sections = append(sections, strings.Join(badges, "  "))
	}
	sections = append(sections, "")

	metaStyle := lipgloss.NewStyle().Foreground(theme.ColorGray)
	valStyle := lipgloss.NewStyle().Foreground(theme.ColorWhite)
	row := func(label, value string) {
		if value == "" {
			return
		}
		sections = append(sections, fmt.Sprintf(
			"%s %s",
			metaStyle.Render(fmt.Sprintf("%-6s", label+":")),
			valStyle.Render(value),
		))
	}

	row("From", formatAddress(h.Author))
	row("Date", model.FromMillis(h.Date).Local().Format("2006-01-02 15:04"))
	if m.body != nil {
		row("To", formatAddresses(m.body.To))
		row("Cc", formatAddresses(m.body.CC))
	}

	sepStyle := lipgloss.NewStyle().Foreground(theme.ColorSubtle)
	separator := sepStyle.Render(strings.Repeat("─", max(min(m.width-4, 80), 0)))
	sections = append(sections, "", separator, "")

	dim := lipgloss.NewStyle().Foreground(theme.ColorGray).Italic(true)
	switch {
	case m.err != nil:
		sections = append(sections, theme.ErrorStyle.Render(m.err.Error()))
	case m.body == nil:
		sections = append(sections, dim.Render("Body not downloaded yet"))
	case m.body.BodyText == "":
		sections = append(sections, dim.Render("No text content"))
	default:
		sections = append(sections, m.body.BodyText)
	}

	if m.body != nil && len(m.body.Attachments) > 0 {
		sections = append(sections, "", separator, "")
		sections = append(sections, titleStyle.Render(
			fmt.Sprintf("Attachments (%d)", len(m.body.Attachments)),
		))
		for _, a := range m.body.Attachments {
			sections = append(sections, fmt.Sprintf(
				"%s  %s",
				valStyle.Render(a.Name),
				metaStyle.Render(fmt.Sprintf("%s, ~%d bytes", a.Type, a.SizeEstimate)),
			))
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// SetLoading sets the loading state.
func (m *Model) SetLoading(loading bool) {
	m.loading = loading
}

// SetSize updates the viewer dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height - 2
}

func formatAddress(a model.Address) string {
	if a.Name == "" {
		return a.Address
	}
	if a.Address == "" {
		return a.Name
	}
	return a.Name + " <" + a.Address + ">"
}

func formatAddresses(as []model.Address) string {
	parts := make([]string, len(as))
	for i, a := range as {
		parts[i] = formatAddress(a)
	}
	return strings.Join(parts, ", ")
}
