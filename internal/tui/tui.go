// Package tui implements the terminal editor behind `emera edit`, a markdown
// document on one side and its live preview on the other.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"go.followtheprocess.codes/emera/internal/plugin"
	"go.followtheprocess.codes/emera/internal/tui/components/filepicker"
	"go.followtheprocess.codes/emera/internal/vault"
)

// Outputs tells the editor a region's output changed. Its Notify method is
// passed to the scheduler with [scheduler.WithNotify].
type Outputs chan string

// NewOutputs returns a new [Outputs].
func NewOutputs() Outputs {
	return make(Outputs, 1)
}

// Notify records that a region of doc changed its output.
//
// It never blocks, a notification already waiting covers this one as the editor
// redraws every region when it handles one.
func (o Outputs) Notify(doc string) {
	select {
	case o <- doc:
	default:
	}
}

// Run runs the editor on file, a path on disk inside the vault. If file is empty
// the user picks a document from the vault first.
func Run(ctx context.Context, p *plugin.Plugin, dir vault.Dir, file string, outputs Outputs) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if file == "" {
		picked, err := pick(ctx, dir)
		if err != nil {
			return err
		}
		if picked == "" {
			return nil
		}
		file = picked
	}

	path, err := dir.Rel(file)
	if err != nil {
		return err
	}

	// New documents start empty and are created on the first save
	var text string
	if p.Files().Exists(path) {
		text, err = p.Files().Read(path)
		if err != nil {
			return err
		}
	}

	defer p.Close(path)

	model := newEditor(ctx, p, path, text, outputs)
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil {
		return fmt.Errorf("editor: %w", err)
	}

	return nil
}

// pick shows the document picker, returning "" if the user quit without picking.
func pick(ctx context.Context, dir vault.Dir) (string, error) {
	tm, err := tea.NewProgram(filepicker.New(dir.Root()), tea.WithContext(ctx)).Run()
	if err != nil {
		return "", err
	}

	final, ok := tm.(filepicker.Model)
	if !ok {
		return "", fmt.Errorf("tui error, final model was not as expected: %T", tm)
	}

	return final.Selected(), nil
}
