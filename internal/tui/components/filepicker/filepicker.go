// Package filepicker implements a bubbletea component to pick a markdown document
// from the vault.
package filepicker

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	errorClearAfter = 2 * time.Second
	heightReserved  = 4 // Lines taken by the prompt and the help bar
)

// Documents are the file extensions that can be picked.
var Documents = []string{".md", ".markdown"}

// Model is the document picker tea Model.
type Model struct {
	fp       filepicker.Model // The base filepicker we build off and customise
	help     help.Model       // The tea model providing the keymap help
	err      error            // Set when a file that isn't a document was picked
	root     string           // The vault root, the picker can't leave it
	selected string           // Absolute path to the picked document
	keys     keyMap           // The key bindings
	quitting bool             // Whether the TUI is quitting
}

// New returns a new [Model] browsing the vault at root.
func New(root string) Model {
	picker := filepicker.New()
	picker.AllowedTypes = Documents
	picker.CurrentDirectory = root
	picker.ShowHidden = false
	picker.KeyMap = filepicker.KeyMap{
		GoToTop:  key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "first")),
		GoToLast: key.NewBinding(key.WithKeys("G"), key.WithHelp("G", "last")),
		Down:     key.NewBinding(key.WithKeys("j", "down", "ctrl+n"), key.WithHelp("↓/j", "down")),
		Up:       key.NewBinding(key.WithKeys("k", "up", "ctrl+p"), key.WithHelp("↑/k", "up")),
		PageUp:   key.NewBinding(key.WithKeys("K", "pgup"), key.WithHelp("pgup", "page up")),
		PageDown: key.NewBinding(key.WithKeys("J", "pgdown"), key.WithHelp("pgdown", "page down")),
		Back:     key.NewBinding(key.WithKeys("h", "backspace", "left"), key.WithHelp("h", "back")),
		Open:     key.NewBinding(key.WithKeys("l", "right", "enter"), key.WithHelp("l/→/enter", "open")),
		Select:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "edit")),
	}

	return Model{
		fp:   picker,
		help: help.New(),
		root: root,
		keys: keyMap{KeyMap: picker.KeyMap, Quit: key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit"))},
	}
}

// Selected returns the absolute path of the picked document, or "" if the user
// quit without picking one.
func (m Model) Selected() string {
	return m.selected
}

// keyMap adds quitting to the bubbles filepicker key map and implements
// [help.KeyMap] for the help bar.
type keyMap struct {
	filepicker.KeyMap

	Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Back, k.Select, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Back, k.Select},
		{k.GoToTop, k.GoToLast, k.PageUp, k.PageDown},
		{k.Open, k.Quit},
	}
}

// clearErrorMsg clears the error shown after picking something that isn't a
// document.
type clearErrorMsg struct{}

func clearErrorAfter(t time.Duration) tea.Cmd {
	return tea.Tick(t, func(_ time.Time) tea.Msg {
		return clearErrorMsg{}
	})
}

// Init helps implement [tea.Model] for [Model].
func (m Model) Init() tea.Cmd {
	return m.fp.Init()
}

// Update is part of implementing [tea.Model], it moves through the vault and
// quits once a document is picked.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

		// Don't let the picker climb out of the vault
		if key.Matches(msg, m.keys.Back) && filepath.Clean(m.fp.CurrentDirectory) == filepath.Clean(m.root) {
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.fp.SetHeight(max(msg.Height-heightReserved, 1))
		m.help.Width = msg.Width
	case clearErrorMsg:
		m.err = nil
	}

	var cmd tea.Cmd
	m.fp, cmd = m.fp.Update(msg)

	if didSelect, path := m.fp.DidSelectDisabledFile(msg); didSelect {
		m.err = fmt.Errorf("%s is not a markdown document", filepath.Base(path))
		return m, tea.Batch(cmd, clearErrorAfter(errorClearAfter))
	}

	if didSelect, path := m.fp.DidSelectFile(msg); didSelect {
		m.selected = path
		m.quitting = true
		return m, tea.Quit
	}

	return m, cmd
}

// View is the last part of implementing [tea.Model].
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var s strings.Builder
	s.WriteByte('\n')
	if m.err != nil {
		s.WriteString(m.fp.Styles.DisabledFile.Render(m.err.Error()))
	} else {
		s.WriteString("Pick a document to edit in " + m.fp.Styles.Directory.Render(m.fp.CurrentDirectory))
	}

	s.WriteString("\n\n")
	s.WriteString(m.fp.View())
	s.WriteByte('\n')
	s.WriteString(m.help.View(m.keys))
	return s.String()
}
