package slicelist

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

// HeaderItem wraps a model.HeaderInfo so it can be used in a bubbles/list.
type HeaderItem struct {
	Header model.HeaderInfo
}

// FilterValue returns the string used for fuzzy filtering.
func (i HeaderItem) FilterValue() string { return i.Header.Subject }

// Title returns the message subject.
func (i HeaderItem) Title() string { return i.Header.Subject }

// Description returns the author and snippet.
func (i HeaderItem) Description() string {
	return authorName(i.Header.Author) + " " + i.Header.Snippet
}

// ItemDelegate implements list.ItemDelegate for message lines.
type ItemDelegate struct {
	now func() time.Time
}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single message line.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	hi, ok := item.(HeaderItem)
	if !ok {
		return
	}
	h := hi.Header

	marker := " "
	if h.HasFlag(model.FlagFlagged) {
		marker = theme.FlagStyle.Render("!")
	}

	attach := " "
	if h.HasAttachments {
		attach = "@"
	}

	subject := h.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	if !h.HasFlag(model.FlagSeen) {
		subject = theme.UnreadStyle.Render(subject)
	}

	pending := ""
	if h.SrvID == 0 {
		// Not on the server yet.
		pending = theme.PendingStyle.Render(" pending")
	}

	line := fmt.Sprintf(
		"%s%s %-20s %s %s%s",
		marker, attach,
		truncate(authorName(h.Author), 20),
		subject,
		theme.DimmedStyle.Render(shortDate(model.FromMillis(h.Date), d.clock())),
		pending,
	)

	if index == m.Index() {
		line = theme.SelectedItemStyle.Render(line)
	} else {
		line = theme.ListItemStyle.Render(line)
	}

	fmt.Fprint(w, line)
}

func (d ItemDelegate) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func authorName(a model.Address) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Address
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// shortDate shows the time for today's mail, the month and day for this
// year's and the full date otherwise.
func shortDate(t, now time.Time) string {
	t = t.In(now.Location())
	switch {
	case t.YearDay() == now.YearDay() && t.Year() == now.Year():
		return t.Format("15:04")
	case t.Year() == now.Year():
		return t.Format("Jan 02")
	default:
		return t.Format("2006-01-02")
	}
}
