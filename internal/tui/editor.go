package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.followtheprocess.codes/emera/internal/plugin"
	"go.followtheprocess.codes/emera/internal/scheduler"
	"go.followtheprocess.codes/emera/internal/tui/components/outline"
	"go.followtheprocess.codes/emera/internal/tui/theme"
)

// Lines taken by the title, the status line and the help bar.
const chromeHeight = 4

// keyMap are the editor's key bindings, it implements [help.KeyMap].
type keyMap struct {
	Save     key.Binding
	Refresh  key.Binding
	Outline  key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Quit     key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Save:     key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "save")),
		Refresh:  key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "reload components")),
		Outline:  key.NewBinding(key.WithKeys("ctrl+o"), key.WithHelp("ctrl+o", "outline")),
		PageUp:   key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "preview up")),
		PageDown: key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdown", "preview down")),
		Quit:     key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Save, k.Refresh, k.Outline, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Save, k.Refresh, k.Outline},
		{k.PageUp, k.PageDown, k.Quit},
	}
}

// outputMsg is sent when a region in the document changes what it displays.
type outputMsg struct{}

// savedMsg is sent after the document was written back to the vault.
type savedMsg struct{ err error }

// refreshedMsg is sent after the user module was reloaded.
type refreshedMsg struct {
	err     error
	exports int
}

// editor is the tea Model for editing a document with a live preview.
type editor struct {
	ctx         context.Context // Cancelled when the program exits
	plugin      *plugin.Plugin  // Runs the document's regions
	outputs     Outputs         // Fires when a region's output changes
	lines       map[int]int     // Preview line each region starts on
	status      string          // Message on the status line
	path        string          // Vault path of the document
	saved       string          // Document text as last written
	styles      theme.Styles    // How things are drawn
	help        help.Model      // The help bar
	outline     outline.Model   // Region outline
	text        textarea.Model  // The document being edited
	view        viewport.Model  // The preview
	keys        keyMap          // Key bindings
	cursor      int             // Byte offset of the cursor in the document
	showOutline bool            // Whether the outline has replaced the preview
	statusOK    bool            // Whether status reports a success
}

// newEditor returns an editor for the document at path containing text.
func newEditor(ctx context.Context, p *plugin.Plugin, path, text string, outputs Outputs) editor {
	area := textarea.New()
	area.ShowLineNumbers = true
	area.CharLimit = 0
	area.MaxHeight = 0
	area.SetValue(text)
	area.Focus()

	e := editor{
		ctx:     ctx,
		plugin:  p,
		outputs: outputs,
		path:    path,
		saved:   text,
		styles:  theme.New(theme.Macchiato),
		help:    help.New(),
		outline: outline.New("Regions in " + filepath.Base(path)),
		text:    area,
		view:    viewport.New(0, 0),
		keys:    newKeyMap(),
		cursor:  cursorOffset(area.Value(), area.Line(), column(area)),
	}

	p.Edit(path, text, e.cursor)
	e.redraw()

	return e
}

// Init implements [tea.Model].
func (e editor) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, e.waitForOutput())
}

// waitForOutput waits for a region to change its output.
func (e editor) waitForOutput() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-e.ctx.Done():
			return nil
		case <-e.outputs:
			return outputMsg{}
		}
	}
}

// save writes the document back to the vault.
func (e editor) save() tea.Cmd {
	p, path, text := e.plugin, e.path, e.text.Value()
	return func() tea.Msg {
		return savedMsg{err: p.Save(path, text)}
	}
}

// refresh reloads the user module and re-runs every region.
func (e editor) refresh() tea.Cmd {
	ctx, p := e.ctx, e.plugin
	return func() tea.Msg {
		err := p.Refresh(ctx)
		return refreshedMsg{err: err, exports: len(p.Exports())}
	}
}

// Update implements [tea.Model].
func (e editor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		e.resize(msg.Width, msg.Height)
		return e, nil

	case outputMsg:
		e.redraw()
		return e, e.waitForOutput()

	case savedMsg:
		if msg.err != nil {
			e.setStatus(fmt.Sprintf("Could not save: %v", msg.err), false)
		} else {
			e.saved = e.text.Value()
			e.setStatus("Saved "+e.path, true)
		}
		return e, nil

	case refreshedMsg:
		if msg.err != nil {
			e.setStatus(fmt.Sprintf("Could not load components: %v", msg.err), false)
		} else {
			e.setStatus(fmt.Sprintf("Reloaded components (%d exports)", msg.exports), true)
		}
		e.redraw()
		return e, nil

	case outline.SelectedMsg:
		e.showOutline = false
		e.view.SetYOffset(e.lines[msg.Index])
		return e, nil

	case tea.KeyMsg:
		if e.showOutline && e.outline.Filtering() {
			break
		}

		switch {
		case key.Matches(msg, e.keys.Quit):
			if e.showOutline {
				e.showOutline = false
				return e, nil
			}
			return e, tea.Quit
		case key.Matches(msg, e.keys.Save):
			return e, e.save()
		case key.Matches(msg, e.keys.Refresh):
			e.setStatus("Reloading components...", true)
			return e, e.refresh()
		case key.Matches(msg, e.keys.Outline):
			e.showOutline = !e.showOutline
			return e, nil
		case key.Matches(msg, e.keys.PageUp):
			e.view.PageUp()
			return e, nil
		case key.Matches(msg, e.keys.PageDown):
			e.view.PageDown()
			return e, nil
		}
	}

	if e.showOutline {
		var cmd tea.Cmd
		e.outline, cmd = e.outline.Update(msg)
		return e, cmd
	}

	before := e.text.Value()

	var cmd tea.Cmd
	e.text, cmd = e.text.Update(msg)

	after := e.text.Value()
	cursor := cursorOffset(after, e.text.Line(), column(e.text))
	if after != before || cursor != e.cursor {
		e.cursor = cursor
		e.plugin.Edit(e.path, after, cursor)
		e.redraw()
	}

	return e, cmd
}

// resize lays the panes out for a terminal of the given size.
func (e *editor) resize(width, height int) {
	e.help.Width = width

	frameWidth, frameHeight := e.styles.Pane.GetFrameSize()
	pane := max(width/2-frameWidth, 1)
	inner := max(height-chromeHeight-frameHeight, 1)

	e.text.SetWidth(pane)
	e.text.SetHeight(inner)
	e.view.Width = pane
	e.view.Height = inner
	e.outline.SetSize(pane, inner)
}

// redraw re-renders the preview and outline from the current region outputs.
func (e *editor) redraw() {
	decorations := e.plugin.Scheduler().Decorations(e.path)

	content, lines := preview(e.text.Value(), spans(decorations), e.styles)
	e.view.SetContent(content)
	e.lines = lines

	items := make([]outline.Item, 0, len(decorations))
	for _, decoration := range decorations {
		items = append(items, outline.Item{
			Region: decoration.Widget.Region(),
			Status: status(decoration.Widget.Output()),
		})
	}
	e.outline.SetItems(items)
}

func (e *editor) setStatus(status string, ok bool) {
	e.status = status
	e.statusOK = ok
}

// View implements [tea.Model].
func (e editor) View() string {
	title := filepath.Base(e.path)
	if e.text.Value() != e.saved {
		title += " *"
	}

	left := e.styles.Focused.Render(e.text.View())
	right := e.styles.Pane.Render(e.view.View())
	if e.showOutline {
		left = e.styles.Pane.Render(e.text.View())
		right = e.styles.Focused.Render(e.outline.View())
	}

	var line string
	switch {
	case e.status == "":
		line = e.styles.Status.Render(e.path)
	case e.statusOK:
		line = e.styles.Saved.Render(e.status)
	default:
		line = e.styles.Error.Render(e.status)
	}

	return strings.Join([]string{
		e.styles.Title.Render(title),
		lipgloss.JoinHorizontal(lipgloss.Top, left, right),
		line,
		e.help.View(e.keys),
	}, "\n")
}

// status summarises a region's output for the outline.
func status(output scheduler.Output) string {
	switch {
	case output.Pending:
		return outline.StatusPending
	case output.Err != nil:
		return outline.StatusError
	default:
		return outline.StatusOK
	}
}

// column returns the rune column of the textarea's cursor in its logical line.
func column(area textarea.Model) int {
	info := area.LineInfo()
	return info.StartColumn + info.ColumnOffset
}

// cursorOffset converts a line and rune column in text to a byte offset.
//
// Positions past the end of a line or of text are clamped to it.
func cursorOffset(text string, line, col int) int {
	offset := 0
	for i, l := range strings.Split(text, "\n") {
		if i < line {
			offset += len(l) + 1
			continue
		}

		for j := range l {
			if col == 0 {
				return offset + j
			}
			col--
		}
		return offset + len(l)
	}
	return len(text)
}
