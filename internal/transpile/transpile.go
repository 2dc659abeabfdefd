// Package transpile turns the source of a region into plain JavaScript the loader
// can evaluate.
//
// Transpiling happens in two stages. First esbuild strips any type annotations and
// compiles JSX against the emera runtime, then the rewrite passes run over the
// resulting syntax tree:
//
//   - Imports of bare module specifiers become reads from the host's module whitelist.
//   - Components referenced in markup are resolved by name through the region's scope.
//   - Free identifiers are redirected through the region's scope so that names exported
//     by earlier regions are visible without importing them.
//   - Top level awaits are marked so the loader can run the module asynchronously.
package transpile

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/log"
)

// tsconfig keeps imports that are only used as types from being dropped, the
// import pass then decides what happens to them.
const tsconfig = `{"compilerOptions": {"verbatimModuleSyntax": true}}`

// Message is a single diagnostic produced while compiling.
type Message struct {
	Text     string `json:"text"`               // What went wrong
	LineText string `json:"lineText,omitempty"` // The offending line, if known
	Line     int    `json:"line,omitempty"`     // 1 based line number, 0 if unknown
	Column   int    `json:"column,omitempty"`   // 0 based column, in bytes
}

// CompileError is returned when region source cannot be transpiled.
type CompileError struct {
	Err      error     // Underlying failure of the rewrite passes, nil for esbuild diagnostics
	Name     string    // Name of the thing being compiled
	Messages []Message // Diagnostics, never empty
}

// Error implements the error interface for [CompileError].
func (e *CompileError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("could not compile %s", e.Name)
	}

	first := e.Messages[0]

	var s strings.Builder
	s.WriteString("could not compile ")
	s.WriteString(e.Name)
	if first.Line > 0 {
		fmt.Fprintf(&s, " (%d:%d)", first.Line, first.Column)
	}
	s.WriteString(": ")
	s.WriteString(first.Text)

	if extra := len(e.Messages) - 1; extra > 0 {
		fmt.Fprintf(&s, " (and %d more)", extra)
	}

	return s.String()
}

// Unwrap returns the underlying error, if any.
func (e *CompileError) Unwrap() error {
	return e.Err
}

// Options control a single call to [Transpiler.Transpile].
type Options struct {
	// Scope is the scope free identifiers and components are resolved through.
	//
	// If nil, free identifiers are left alone and components resolve through
	// the root scope.
	Scope *scope.Node

	// Name identifies the source in diagnostics.
	Name string

	// KeepImports leaves import declarations untouched.
	KeepImports bool
}

// Transpiler compiles region source.
type Transpiler struct {
	logger *log.Logger
}

// New returns a new [Transpiler].
func New(ctx *host.Context) *Transpiler {
	return &Transpiler{
		logger: ctx.Logger().Prefixed("transpile"),
	}
}

// Transpile compiles src, an ES module possibly containing TypeScript and JSX, into
// plain JavaScript with the rewrites described in options applied.
//
// Any failure is reported as a [*CompileError].
func (t *Transpiler) Transpile(ctx context.Context, src string, options Options) (string, error) {
	name := options.Name
	if name == "" {
		name = "<region>"
	}

	stripped, err := t.strip(src, name)
	if err != nil {
		return "", err
	}

	code := []byte(stripped)

	if !options.KeepImports {
		root, err := parse(ctx, code)
		if err != nil {
			return "", internal(name, err)
		}
		code = []byte(rewriteImports(root, code))
	}

	root, err := parse(ctx, code)
	if err != nil {
		return "", internal(name, err)
	}

	code = []byte(rewriteMarkup(root, code, options.Scope != nil))

	if options.Scope != nil {
		root, err = parse(ctx, code)
		if err != nil {
			return "", internal(name, err)
		}
		code = []byte(rewriteIdentifiers(root, code, options.Scope.ID()))
	}

	if bytes.Contains(code, []byte("await")) {
		root, err = parse(ctx, code)
		if err != nil {
			return "", internal(name, err)
		}
		code = []byte(markAwaits(root, code))
	}

	t.logger.Debug("Transpiled", "name", name, "in", len(src), "out", len(code))

	return string(code), nil
}

// CompileMarkup compiles a block of markup into a module whose default export is a
// function rendering it.
func (t *Transpiler) CompileMarkup(ctx context.Context, markup string, options Options) (string, error) {
	return t.Transpile(ctx, "export default () => (<>\n"+markup+"\n</>);\n", options)
}

// CompileExpression compiles a single expression into a module whose default export
// is a function evaluating it.
//
// Expressions can't import anything so imports are always kept as is.
func (t *Transpiler) CompileExpression(ctx context.Context, expr string, options Options) (string, error) {
	options.KeepImports = true
	return t.Transpile(ctx, "export default () => (\n"+expr+"\n);\n", options)
}

// strip runs esbuild over src, removing type annotations and compiling JSX.
func (t *Transpiler) strip(src, name string) (string, error) {
	result := api.Transform(src, api.TransformOptions{
		Loader:          api.LoaderTSX,
		Format:          api.FormatESModule,
		Target:          api.ES2020,
		Supported:       map[string]bool{"top-level-await": true},
		JSX:             api.JSXAutomatic,
		JSXImportSource: JSXImportSource,
		TsconfigRaw:     tsconfig,
		Sourcefile:      name,
		Charset:         api.CharsetUTF8,
		LegalComments:   api.LegalCommentsNone,
	})

	for _, warning := range result.Warnings {
		t.logger.Warn("esbuild", "name", name, "warning", warning.Text)
	}

	if len(result.Errors) != 0 {
		return "", &CompileError{Name: name, Messages: messages(result.Errors)}
	}

	return string(result.Code), nil
}

// messages converts esbuild diagnostics.
func messages(errs []api.Message) []Message {
	out := make([]Message, 0, len(errs))
	for _, err := range errs {
		message := Message{Text: err.Text}
		if err.Location != nil {
			message.Line = err.Location.Line
			message.Column = err.Location.Column
			message.LineText = err.Location.LineText
		}
		out = append(out, message)
	}
	return out
}

// internal wraps a failure of the rewrite passes, esbuild has already accepted the
// code by then so these should never happen.
func internal(name string, err error) *CompileError {
	return &CompileError{
		Err:      err,
		Name:     name,
		Messages: []Message{{Text: "internal error rewriting compiled code: " + err.Error()}},
	}
}
