package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keybindings of the mailbox browser.
type KeyMap struct {
	// Navigation
	Down key.Binding
	Up   key.Binding
	More key.Binding

	// Selection
	Select key.Binding

	// Back / Quit
	Back key.Binding
	Quit key.Binding

	// Help toggle
	Help key.Binding

	// Sync
	Refresh key.Binding
	Online  key.Binding

	// Mutations
	ToggleSeen key.Binding
	ToggleFlag key.Binding
	Archive    key.Binding
	Delete     key.Binding
	Undo       key.Binding

	// Folders
	NextFolder key.Binding
}

// DefaultKeyMap returns the default set of keybindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "down"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "up"),
		),
		More: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "load older"),
		),
		Select: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "read message"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q"),
			key.WithHelp("q", "quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Online: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "go on/offline"),
		),
		ToggleSeen: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "read/unread"),
		),
		ToggleFlag: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "flag"),
		),
		Archive: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "archive"),
		),
		Delete: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "delete"),
		),
		Undo: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "undo"),
		),
		NextFolder: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "next folder"),
		),
	}
}

// ShortHelp returns the most essential keybindings for the compact help view.
func (k *KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.Up, k.Down, k.Select, k.ToggleSeen,
		k.Delete, k.Undo, k.Help, k.Quit,
	}
}

// FullHelp returns all keybindings grouped by category for the expanded
// help view.
func (k *KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.More, k.Select, k.Back, k.Quit},
		{k.NextFolder, k.Refresh, k.Online, k.Help},
		{k.ToggleSeen, k.ToggleFlag, k.Archive, k.Delete, k.Undo},
	}
}
