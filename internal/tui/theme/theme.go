// Package theme provides the colours and styles of the emera editor, built on the
// Catppuccin Macchiato palette.
package theme

import "github.com/charmbracelet/lipgloss"

// Palette is a Catppuccin colour palette, only the colours the editor uses.
// See https://catppuccin.com/palette/.
type Palette struct {
	Red      lipgloss.Color
	Yellow   lipgloss.Color
	Green    lipgloss.Color
	Teal     lipgloss.Color
	Lavender lipgloss.Color
	Mauve    lipgloss.Color
	Subtext0 lipgloss.Color
	Overlay0 lipgloss.Color
	Surface1 lipgloss.Color
	Base     lipgloss.Color
}

// Macchiato is the Catppuccin Macchiato palette.
var Macchiato = Palette{
	Red:      lipgloss.Color("#ed8796"),
	Yellow:   lipgloss.Color("#eed49f"),
	Green:    lipgloss.Color("#a6da95"),
	Teal:     lipgloss.Color("#8bd5ca"),
	Lavender: lipgloss.Color("#b7bdf8"),
	Mauve:    lipgloss.Color("#c6a0f6"),
	Subtext0: lipgloss.Color("#a5adcb"),
	Overlay0: lipgloss.Color("#6e738d"),
	Surface1: lipgloss.Color("#494d64"),
	Base:     lipgloss.Color("#24273a"),
}

// Styles are the styles the editor draws with.
type Styles struct {
	Title   lipgloss.Style // Document title bar
	Pane    lipgloss.Style // Border around the editor and preview panes
	Focused lipgloss.Style // Border around the focused pane
	Output  lipgloss.Style // Region output spliced into the preview
	Script  lipgloss.Style // Marker shown for an executed script block
	Pending lipgloss.Style // Region still waiting to render
	Error   lipgloss.Style // Region that failed
	Status  lipgloss.Style // Status line
	Saved   lipgloss.Style // Status line after a successful save or refresh
}

// New returns the editor [Styles] for a palette.
func New(p Palette) Styles {
	pane := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(p.Surface1).
		Padding(0, 1)

	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(p.Base).Background(p.Mauve).Padding(0, 1),
		Pane:    pane,
		Focused: pane.BorderForeground(p.Lavender),
		Output:  lipgloss.NewStyle().Foreground(p.Teal),
		Script:  lipgloss.NewStyle().Foreground(p.Overlay0).Italic(true),
		Pending: lipgloss.NewStyle().Foreground(p.Yellow).Italic(true),
		Error:   lipgloss.NewStyle().Foreground(p.Red),
		Status:  lipgloss.NewStyle().Foreground(p.Subtext0),
		Saved:   lipgloss.NewStyle().Foreground(p.Green),
	}
}
