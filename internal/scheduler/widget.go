package scheduler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.followtheprocess.codes/emera/internal/loader"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/emera/internal/vault"
	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTML shown by regions that have nothing of their own to show.
const (
	loadingHTML      = `<span class="emera-loading">Loading...</span>`
	scriptHTML       = `<div class="emera-block-js" title="emjs block"></div>`
	emptyBlockHTML   = `<div class="emera-empty-block"></div>`
	inlineErrorGlyph = "❗️"
)

// Output is what a region currently displays.
type Output struct {
	Err     error  // The failure being displayed, if any
	HTML    string // Rendered output, or the error when Err is set
	Pending bool   // Still waiting on regions above or the user module
}

// Widget is a region being executed, it owns the region's output and keeps it
// up to date as the scopes it reads from change.
type Widget struct {
	ctx         context.Context    // Cancelled when the widget is disposed
	cancel      context.CancelFunc // Cancels ctx
	read        *scope.Node        // Scope free identifiers resolve against
	write       *scope.Node        // Scope the region's exports go into
	page        *scope.Node        // The document's base scope
	unsubscribe func()             // Stops re-rendering on read scope changes
	onOutput    func(*Widget)      // Called after the output changes
	doc         string             // ID of the owning document
	key         string             // Render key
	output      Output             // Current output
	region      syntax.Region      // The region being executed
	generation  int                // Bumped every time a render starts
	mu          sync.Mutex         // Guards output, generation and unsubscribe
}

// Region returns the region the widget is executing.
func (w *Widget) Region() syntax.Region {
	return w.region
}

// Key returns the widget's render key.
func (w *Widget) Key() string {
	return w.key
}

// Scope returns the scope the region's exports are written to.
func (w *Widget) Scope() *scope.Node {
	return w.write
}

// Output returns what the widget currently displays.
func (w *Widget) Output() Output {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.output
}

// name is the module name the region's code is loaded under.
func (w *Widget) name() string {
	return "region:" + w.write.ID()
}

// set replaces the output and tells whoever is listening.
func (w *Widget) set(output Output) {
	w.mu.Lock()
	w.output = output
	w.mu.Unlock()

	if w.onOutput != nil {
		w.onOutput(w)
	}
}

// fail displays err as the widget's output.
func (w *Widget) fail(err error) {
	w.set(Output{Err: err, HTML: errorHTML(err, w.name(), w.region.Kind.IsInline())})
}

// begin starts a render, the returned generation is compared by [Widget.current]
// so that a slow render can't overwrite the result of a later one.
func (w *Widget) begin() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation++
	return w.generation
}

// current reports whether the render started as generation is still wanted.
func (w *Widget) current(generation int) bool {
	if w.ctx.Err() != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation == generation
}

// subscribe remembers the unsubscribe func of a change listener.
func (w *Widget) subscribe(unsubscribe func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		unsubscribe()
		return
	}
	w.unsubscribe = unsubscribe
}

// stop cancels any in flight work and stops listening for changes.
func (w *Widget) stop() {
	w.cancel()

	w.mu.Lock()
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// renderFunc renders a region's output once, it is called again every time the
// region needs to re-render.
type renderFunc func(ctx context.Context) (string, error)

// launch starts executing w.
func (s *Scheduler) launch(w *Widget) {
	if w.region.Kind.IsScript() {
		// Block synchronously so regions below wait for this one even if they
		// start first
		s.claim(w)
	}

	w.set(Output{Pending: true, HTML: loadingHTML})

	s.run(func() {
		start := time.Now()
		switch {
		case w.region.Kind.IsScript():
			s.script(w)
		default:
			s.render(w)
		}
		s.logger.Debug("Executed region", "scope", w.write.ID(), "kind", w.region.Kind, "took", time.Since(start))
	})
}

// dispose stops w, releasing the block on its write scope if it holds it.
func (s *Scheduler) dispose(w *Widget) {
	w.stop()
	if w.region.Kind.IsScript() {
		s.release(w)
	}
}

// script executes a block script, replacing its write scope's bindings with the
// module's exports.
func (s *Scheduler) script(w *Widget) {
	defer s.release(w)

	if err := w.read.WaitForUnblock(w.ctx); err != nil {
		return
	}

	code, err := s.transpiler.Transpile(w.ctx, w.region.Source, transpile.Options{Scope: w.read, Name: w.name()})
	if err != nil {
		s.scriptFailed(w, err)
		return
	}

	module, err := s.loader.Load(w.ctx, code, w.name())
	if err != nil {
		s.scriptFailed(w, err)
		return
	}

	if w.ctx.Err() != nil || !s.owns(w) {
		// Superseded while loading, the newer run owns the scope now
		return
	}

	w.write.Reset()
	w.write.SetMany(module.Exports())
	w.set(Output{HTML: scriptHTML})
}

// scriptFailed clears the write scope of a script that failed and shows the error.
func (s *Scheduler) scriptFailed(w *Widget, err error) {
	if w.ctx.Err() != nil || !s.owns(w) {
		return
	}
	s.logger.Warn("Block failed", "scope", w.write.ID(), "error", err)
	w.write.Reset()
	w.fail(err)
}

// render executes an inline expression or any markup, re-rendering whenever the
// read scope changes until the widget is disposed.
func (s *Scheduler) render(w *Widget) {
	if w.region.Kind != syntax.InlineScript {
		// Markup needs the user's components
		select {
		case <-s.host.Ready():
		case <-w.ctx.Done():
			return
		}
	}

	if err := w.read.WaitForUnblock(w.ctx); err != nil {
		return
	}

	draw, err := s.compile(w)
	if err != nil {
		if w.ctx.Err() == nil {
			w.fail(err)
		}
		return
	}

	// Listen before the first draw so a change landing while it runs still
	// triggers a redraw, generations keep the latest one
	w.subscribe(w.read.OnChange(func() {
		s.run(func() {
			if err := w.read.WaitForUnblock(w.ctx); err != nil {
				return
			}
			s.draw(w, draw)
		})
	}))

	s.draw(w, draw)
}

// draw renders w once, unless a later render has started in the meantime.
func (s *Scheduler) draw(w *Widget, draw renderFunc) {
	generation := w.begin()

	out, err := draw(w.ctx)
	if !w.current(generation) {
		return
	}

	if err != nil {
		w.fail(err)
		return
	}

	w.set(Output{HTML: out})
}

// compile prepares the render of a region that displays something.
func (s *Scheduler) compile(w *Widget) (renderFunc, error) {
	options := transpile.Options{Scope: w.read, Name: w.name()}

	switch {
	case w.region.Kind == syntax.BlockMarkup && strings.TrimSpace(w.region.Source) == "":
		return func(context.Context) (string, error) { return emptyBlockHTML, nil }, nil
	case w.region.Kind == syntax.BlockMarkup && w.region.Component != "":
		return s.component(w), nil
	case w.region.Kind == syntax.InlineScript:
		factory, err := s.factory(w, func(ctx context.Context) (string, error) {
			return s.transpiler.CompileExpression(ctx, w.region.Source, options)
		})
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (string, error) {
			text, err := s.loader.Text(ctx, factory)
			return html.EscapeString(text), err
		}, nil
	default:
		factory, err := s.factory(w, func(ctx context.Context) (string, error) {
			return s.transpiler.CompileMarkup(ctx, w.region.Source, options)
		})
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (string, error) {
			return s.loader.Render(ctx, factory, pageOf(w.page))
		}, nil
	}
}

// factory compiles and loads a region, returning its default export.
func (s *Scheduler) factory(w *Widget, compile func(ctx context.Context) (string, error)) (goja.Value, error) {
	code, err := compile(w.ctx)
	if err != nil {
		return nil, err
	}

	module, err := s.loader.Load(w.ctx, code, w.name())
	if err != nil {
		return nil, err
	}

	factory, ok := module.Default()
	if !ok {
		return nil, fmt.Errorf("region %s compiled without a default export", w.name())
	}

	return factory, nil
}

// component renders a named component shortcut, passing the block body as its
// children. The component is looked up afresh on every render.
func (s *Scheduler) component(w *Widget) renderFunc {
	name := w.region.Component
	head, rest, _ := strings.Cut(name, ".")

	return func(ctx context.Context) (string, error) {
		value, ok := w.read.Lookup(head)
		if !ok {
			return "", loader.MissingComponent(name)
		}

		var component any = value
		if rest != "" {
			member, err := s.loader.Member(ctx, value, rest)
			if err != nil {
				return "", err
			}
			if goja.IsUndefined(member) {
				return "", loader.MissingComponent(name)
			}
			component = member
		}

		return s.loader.RenderComponent(ctx, component, w.region.Source, pageOf(w.page))
	}
}

// pageOf returns what rendering code sees of the document the base scope belongs to.
func pageOf(base *scope.Node) loader.Page {
	var page loader.Page
	if file, ok := base.Lookup(BindingFile); ok {
		if f, ok := file.(vault.File); ok {
			page.File = &f
		}
	}
	if frontmatter, ok := base.Lookup(BindingFrontmatter); ok {
		if m, ok := frontmatter.(map[string]any); ok {
			page.Frontmatter = m
		}
	}
	return page
}

// errorHTML renders err for display in place of a region's output.
//
// Inline regions show a single line, blocks show the message and any stack.
func errorHTML(err error, name string, inline bool) string {
	message := err.Error()
	var stack string

	var evalErr *loader.EvaluationError
	if errors.As(err, &evalErr) {
		message = evalErr.Message
		stack = loader.CleanStack(evalErr.Stack, name)
	}

	if inline {
		span := element(atom.Span, "emera-error-inline")
		span.AppendChild(&nethtml.Node{Type: nethtml.TextNode, Data: inlineErrorGlyph + message})
		return renderNode(span)
	}

	block := element(atom.Div, "emera-error")
	p := element(atom.P, "emera-error-message")
	p.AppendChild(&nethtml.Node{Type: nethtml.TextNode, Data: message})
	block.AppendChild(p)

	if stack != "" {
		pre := element(atom.Pre, "emera-error-stack")
		pre.AppendChild(&nethtml.Node{Type: nethtml.TextNode, Data: stack})
		block.AppendChild(pre)
	}

	return renderNode(block)
}

// element returns a new element with the given class.
func element(tag atom.Atom, class string) *nethtml.Node {
	return &nethtml.Node{
		Type:     nethtml.ElementNode,
		Data:     tag.String(),
		DataAtom: tag,
		Attr:     []nethtml.Attribute{{Key: "class", Val: class}},
	}
}

// renderNode renders a single node to a string.
func renderNode(node *nethtml.Node) string {
	var s strings.Builder
	if err := nethtml.Render(&s, node); err != nil {
		return html.EscapeString(err.Error())
	}
	return s.String()
}
