// Package outline implements a bubbletea list of the regions in the document being
// edited, picking one jumps the preview to it.
package outline

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"go.followtheprocess.codes/emera/internal/syntax"
)

// Status of a region as shown in the outline.
const (
	StatusOK      = "ok"
	StatusPending = "pending"
	StatusError   = "error"
)

// Item is a single region in the outline.
type Item struct {
	Region syntax.Region // The region
	Status string        // One of the Status constants
}

// Title implements [list.DefaultItem].
func (i Item) Title() string {
	title := fmt.Sprintf("#%d %s", i.Region.Index, i.Region.Kind)
	if i.Region.Component != "" {
		title += ":" + i.Region.Component
	}
	return title
}

// Description implements [list.DefaultItem].
func (i Item) Description() string {
	return fmt.Sprintf("line %d, %s", i.Region.Position.Line, i.Status)
}

// FilterValue implements [list.Item], regions are filtered by kind, component
// and status.
func (i Item) FilterValue() string {
	return i.Title() + " " + i.Status
}

// SelectedMsg is sent when a region is picked from the outline.
type SelectedMsg struct {
	Index int // Index of the picked region
}

// Model is the outline tea Model.
type Model struct {
	l list.Model // The base list bubble
}

// New returns a new, empty [Model].
func New(title string) Model {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = title
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()

	return Model{l: l}
}

// SetItems replaces the regions shown, keeping the selection where it can.
func (m *Model) SetItems(items []Item) tea.Cmd {
	listItems := make([]list.Item, 0, len(items))
	for _, item := range items {
		listItems = append(listItems, item)
	}
	return m.l.SetItems(listItems)
}

// SetSize sets the size the outline draws at.
func (m *Model) SetSize(width, height int) {
	m.l.SetSize(width, height)
}

// Filtering reports whether the user is typing a filter, in which case keys
// belong to the outline.
func (m Model) Filtering() bool {
	return m.l.FilterState() == list.Filtering
}

// Init helps implement [tea.Model] for [Model].
func (m Model) Init() tea.Cmd {
	return nil
}

// Update updates the outline in response to messages, picking a region with
// enter sends a [SelectedMsg].
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == "enter" && !m.Filtering() {
		item, ok := m.l.SelectedItem().(Item)
		if !ok {
			return m, nil
		}
		return m, func() tea.Msg { return SelectedMsg{Index: item.Region.Index} }
	}

	var cmd tea.Cmd
	m.l, cmd = m.l.Update(msg)

	return m, cmd
}

// View renders the outline.
func (m Model) View() string {
	return m.l.View()
}
