// Package scheduler executes the code regions of documents in order, threading a
// scope through them, and keeps their output up to date as documents are edited
// and the scopes they read from change.
//
// There are two ways in. The editor path ([Scheduler.Update]) is handed the full
// text of a document and the cursor position on every edit, and works out which
// regions must run again and which can keep their output. The preview path
// ([Scheduler.Preview]) is handed rendered HTML, finds the regions in it and
// executes all of them afresh.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dop251/goja"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/loader"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/emera/internal/syntax/parser"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
)

// Page scope bindings.
const (
	BindingFile        = "file"        // The document's file, null for anonymous documents
	BindingFrontmatter = "frontmatter" // The document's frontmatter, undefined if it has none
)

// Prefixes of document base scope IDs.
const (
	pagePrefix      = "page/"
	anonymousPrefix = "anon-doc/"
)

// PreviewDelay is how long the preview path waits for more sections of a document
// before processing it.
const PreviewDelay = 10 * time.Millisecond

// Metadata provides document frontmatter, [*vault.Metadata] implements it.
type Metadata interface {
	Frontmatter(name string) (map[string]any, bool)
	OnChanged(name string, callback func()) (unsubscribe func())
}

// Decoration replaces a range of an edited document with a region's output.
type Decoration struct {
	Widget *Widget // The widget whose output is displayed
	From   int     // Byte offset the replaced range starts at
	To     int     // Byte offset the replaced range ends at
}

// Scheduler executes regions.
type Scheduler struct {
	ctx        context.Context         // Cancelled on Shutdown
	cancel     context.CancelFunc      // Cancels ctx
	metadata   Metadata                // Frontmatter for page scopes, may be nil
	host       *host.Context           // Process wide context
	transpiler *transpile.Transpiler   // Compiles regions
	loader     *loader.Loader          // Loads and renders regions
	logger     *log.Logger             // Scheduler logger
	busy       *tracker                // Counts in flight work for Wait
	newKey     func() string           // Generates render keys
	notify     func(doc string)        // Called when any region of a document changes output
	debounce   func(func())            // Debounces preview processing
	editors    map[string]*editor      // Editor path state by document path
	previews   map[string]*preview     // Preview path state by document ID
	queue      map[string]*preview     // Sections waiting to be processed by document ID
	pages      map[string]func()       // Unsubscribes from metadata changes by page scope ID
	blockers   map[*scope.Node]*Widget // Which script widget holds the block on a scope
	delay      time.Duration           // Preview debounce delay
	wg         sync.WaitGroup          // Tracks goroutines started by run
	mu         sync.Mutex              // Guards editors, previews, queue and pages
	blockMu    sync.Mutex              // Guards blockers
	lifecycle  sync.Mutex              // Guards closed and wg.Add
	closed     bool                    // Whether Shutdown has been called
}

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithMetadata sets where page scopes get frontmatter from.
func WithMetadata(metadata Metadata) Option {
	return func(s *Scheduler) {
		s.metadata = metadata
	}
}

// WithKeys sets the render key generator, keys are random UUIDs by default.
func WithKeys(newKey func() string) Option {
	return func(s *Scheduler) {
		s.newKey = newKey
	}
}

// WithNotify sets a function called whenever the output of any region of a
// document changes, with the document's path (or ID for anonymous documents).
//
// It is called from whichever goroutine produced the output and must not block.
func WithNotify(notify func(doc string)) Option {
	return func(s *Scheduler) {
		s.notify = notify
	}
}

// WithPreviewDelay sets how long the preview path waits for more sections of a
// document before processing it, [PreviewDelay] by default.
func WithPreviewDelay(delay time.Duration) Option {
	return func(s *Scheduler) {
		s.delay = delay
	}
}

// New returns a new [Scheduler].
func New(ctx *host.Context, transpiler *transpile.Transpiler, loader *loader.Loader, options ...Option) *Scheduler {
	base, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		ctx:        base,
		cancel:     cancel,
		host:       ctx,
		transpiler: transpiler,
		loader:     loader,
		logger:     ctx.Logger().Prefixed("scheduler"),
		busy:       newTracker(),
		newKey:     randomKey,
		editors:    make(map[string]*editor),
		previews:   make(map[string]*preview),
		queue:      make(map[string]*preview),
		pages:      make(map[string]func()),
		blockers:   make(map[*scope.Node]*Widget),
		delay:      PreviewDelay,
	}

	for _, option := range options {
		option(s)
	}

	s.debounce = debounce.New(s.delay)

	return s
}

// editor is the editor path state of one document.
type editor struct {
	widgets     map[string]*Widget // Running widgets by render key
	path        string             // Path of the document
	text        string             // Text of the last update
	cache       []entry            // What each region looked like last update
	scopes      []*scope.Node      // Write scope of each region, by index
	decorations []Decoration       // Decorations of the last update
	cursor      int                // Cursor offset of the last update
}

// Update processes an edit of the document at path, text is the document's full
// contents and cursor the byte offset of the cursor, -1 if there isn't one.
//
// It returns where region output should be displayed. Regions with the cursor inside
// them are left for the user to edit and have no decoration.
func (s *Scheduler) Update(path, text string, cursor int) []Decoration {
	if s.isClosed() {
		return nil
	}

	path = vault.Clean(path)
	regions := discover(path, text)

	base := s.pageScope(path)

	s.mu.Lock()
	e, ok := s.editors[path]
	if !ok {
		e = &editor{path: path, widgets: make(map[string]*Widget)}
		s.editors[path] = e
	}

	cursors := make([]bool, len(regions))
	for i, region := range regions {
		cursors[i] = cursor >= region.Start-1 && cursor <= region.End+1 && cursor >= 0
	}

	steps := plan(e.cache, regions, cursors, s.newKey)

	var (
		started     []*Widget
		decorations []Decoration
		widgets     = make(map[string]*Widget, len(steps))
		read        = base
	)

	for i, st := range steps {
		write := e.scope(s, base, read, i)
		if st.reset {
			write.Reset()
		}

		region := regions[i]
		if st.cursor {
			read = write
			continue
		}

		w, ok := e.widgets[st.key]
		if !ok || w.read != read || w.write != write {
			w = s.widget(path, region, st.key, base, read, write)
			started = append(started, w)
		}
		widgets[st.key] = w

		from, to := region.Start, region.End
		if !region.Kind.IsInline() {
			from, to = max(from-1, 0), min(to+1, len(text))
		}
		decorations = append(decorations, Decoration{Widget: w, From: from, To: to})

		read = write
	}

	var stale []*Widget
	for key, w := range e.widgets {
		if widgets[key] != w {
			stale = append(stale, w)
		}
	}

	if len(e.scopes) > len(regions) {
		e.scopes[len(regions)].Dispose()
		e.scopes = e.scopes[:len(regions)]
	}

	e.widgets = widgets
	e.text = text
	e.cursor = cursor
	e.decorations = decorations
	e.cache = make([]entry, 0, len(steps))
	for _, st := range steps {
		e.cache = append(e.cache, st.entry)
	}
	s.mu.Unlock()

	for _, w := range started {
		s.launch(w)
	}
	for _, w := range stale {
		s.dispose(w)
	}

	s.logger.Debug("Updated document", "path", path, "regions", len(regions), "started", len(started), "stale", len(stale))

	return decorations
}

// Decorations returns the decorations of the last update of the document at path.
func (s *Scheduler) Decorations(path string) []Decoration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.editors[vault.Clean(path)]
	if !ok {
		return nil
	}
	return e.decorations
}

// scope returns the write scope of the region at index, creating it below read if
// the region is new or the scope it had was disposed.
func (e *editor) scope(s *Scheduler, base, read *scope.Node, index int) *scope.Node {
	if index < len(e.scopes) {
		existing := e.scopes[index]
		if !existing.Disposed() && existing.Parent() == read {
			return existing
		}
		existing.Dispose()
		e.scopes = e.scopes[:index]
	}

	node := s.regionScope(base, read, index)
	e.scopes = append(e.scopes, node)
	return node
}

// regionScope creates the write scope of the region at index below read, replacing
// any scope with the same ID.
func (s *Scheduler) regionScope(base, read *scope.Node, index int) *scope.Node {
	id := fmt.Sprintf("%s/%d", base.ID(), index)
	if existing, ok := s.host.Scope(id); ok {
		existing.Dispose()
	}

	node := scope.New(id)
	if err := read.AddChild(node); err != nil {
		// Only possible if node already has a parent, it was created just above
		s.logger.Error("Could not attach region scope", "scope", id, "error", err)
	}
	return node
}

// widget returns a new widget that isn't running yet.
func (s *Scheduler) widget(doc string, region syntax.Region, key string, base, read, write *scope.Node) *Widget {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Widget{
		ctx:    ctx,
		cancel: cancel,
		doc:    doc,
		key:    key,
		region: region,
		page:   base,
		read:   read,
		write:  write,
		onOutput: func(*Widget) {
			if s.notify != nil {
				s.notify(doc)
			}
		},
	}
}

// RefreshAll re-executes every region of every open document from scratch, the
// refresh command uses it once the user module has been reloaded.
func (s *Scheduler) RefreshAll() {
	s.mu.Lock()
	type update struct {
		path, text string
		cursor int
	}
	updates := make([]update, 0, len(s.editors))
	for _, e := range s.editors {
		e.cache = nil
		updates = append(updates, update{path: e.path, text: e.text, cursor: e.cursor})
	}
	previews := make([]*preview, 0, len(s.previews))
	for _, p := range s.previews {
		previews = append(previews, p)
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.Update(u.path, u.text, u.cursor)
	}
	for _, p := range previews {
		s.requeue(p)
	}
}

// Close closes the document with the given path (or ID for an anonymous document),
// stopping its regions and disposing its scopes.
func (s *Scheduler) Close(doc string) {
	s.mu.Lock()
	var widgets []*Widget

	if e, ok := s.editors[vault.Clean(doc)]; ok {
		for _, w := range e.widgets {
			widgets = append(widgets, w)
		}
		delete(s.editors, e.path)
	}

	for id, p := range s.previews {
		if id == doc || (p.path != "" && p.path == vault.Clean(doc)) {
			widgets = append(widgets, p.widgets...)
			delete(s.previews, id)
		}
	}

	var bases []string
	for _, id := range []string{pagePrefix + vault.Clean(doc), anonymousPrefix + doc} {
		if unsubscribe, ok := s.pages[id]; ok {
			unsubscribe()
			delete(s.pages, id)
		}
		bases = append(bases, id)
	}
	s.mu.Unlock()

	for _, w := range widgets {
		s.dispose(w)
	}

	for _, id := range bases {
		if node, ok := s.host.Scope(id); ok {
			node.Dispose()
		}
	}
}

// Wait blocks until all outstanding work has finished: queued previews processed
// and every started region rendered once.
//
// Re-renders triggered later by scope changes are not waited for.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.busy.wait():
			// Work finishing can queue more work, only return once idle stays idle
			if s.busy.idle() {
				return nil
			}
		}
	}
}

// Shutdown stops every region and waits for in flight work to finish.
func (s *Scheduler) Shutdown() {
	s.lifecycle.Lock()
	s.closed = true
	s.lifecycle.Unlock()

	s.cancel()

	s.mu.Lock()
	var widgets []*Widget
	for _, e := range s.editors {
		for _, w := range e.widgets {
			widgets = append(widgets, w)
		}
	}
	for _, p := range s.previews {
		widgets = append(widgets, p.widgets...)
	}
	for id, unsubscribe := range s.pages {
		unsubscribe()
		delete(s.pages, id)
	}
	s.mu.Unlock()

	for _, w := range widgets {
		s.dispose(w)
	}

	s.wg.Wait()
}

// pageScope returns the base scope of the document at path, creating it below the
// root if this is the first time it's been seen.
func (s *Scheduler) pageScope(path string) *scope.Node {
	id := pagePrefix + path
	if node, ok := s.host.Scope(id); ok {
		return node
	}

	file := vault.NewFile(path)
	node := scope.New(id, scope.WithBindings(map[string]any{
		BindingFile:        file,
		BindingFrontmatter: s.frontmatter(path),
	}))

	if err := s.host.Root().AddChild(node); err != nil {
		s.logger.Error("Could not attach page scope", "scope", id, "error", err)
	}

	if s.metadata != nil {
		unsubscribe := s.metadata.OnChanged(path, func() {
			node.SetMany(map[string]any{
				BindingFile:        file,
				BindingFrontmatter: s.frontmatter(path),
			})
		})

		s.mu.Lock()
		if previous, ok := s.pages[id]; ok {
			previous()
		}
		s.pages[id] = unsubscribe
		s.mu.Unlock()
	}

	return node
}

// anonymousScope returns the base scope of a document that has no path.
func (s *Scheduler) anonymousScope(key string) *scope.Node {
	id := anonymousPrefix + key
	if node, ok := s.host.Scope(id); ok {
		return node
	}

	node := scope.New(id, scope.WithBindings(map[string]any{
		BindingFile:        nil,
		BindingFrontmatter: goja.Undefined(),
	}))
	if err := s.host.Root().AddChild(node); err != nil {
		s.logger.Error("Could not attach document scope", "scope", id, "error", err)
	}
	return node
}

// frontmatter returns the frontmatter of the document at path, undefined if it has none.
func (s *Scheduler) frontmatter(path string) any {
	if s.metadata == nil {
		return goja.Undefined()
	}
	frontmatter, ok := s.metadata.Frontmatter(path)
	if !ok {
		return goja.Undefined()
	}
	return frontmatter
}

// claim blocks w's write scope on behalf of w, taking over from any earlier run.
func (s *Scheduler) claim(w *Widget) {
	s.blockMu.Lock()
	s.blockers[w.write] = w
	s.blockMu.Unlock()

	w.write.Block()
}

// owns reports whether w holds the block on its write scope.
func (s *Scheduler) owns(w *Widget) bool {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	return s.blockers[w.write] == w
}

// release unblocks w's write scope if w holds the block.
func (s *Scheduler) release(w *Widget) {
	s.blockMu.Lock()
	if s.blockers[w.write] != w {
		s.blockMu.Unlock()
		return
	}
	delete(s.blockers, w.write)
	s.blockMu.Unlock()

	w.write.Unblock()
}

// run calls fn in a new goroutine, counting it as outstanding work.
func (s *Scheduler) run(fn func()) {
	s.lifecycle.Lock()
	if s.closed {
		s.lifecycle.Unlock()
		return
	}
	s.wg.Add(1)
	s.busy.add()
	s.lifecycle.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.busy.done()
		fn()
	}()
}

// isClosed reports whether Shutdown has been called.
func (s *Scheduler) isClosed() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.closed
}

// discover returns the regions of a markdown document.
//
// Regions that are still being typed are skipped, the rest are returned.
func discover(path, text string) []syntax.Region {
	p, err := parser.New(path, strings.NewReader(text), nil)
	if err != nil {
		return nil
	}

	// Parse errors are expected mid edit, the well formed regions are still returned
	doc, _ := p.Parse()
	return doc.Regions
}

// tracker counts outstanding work.
type tracker struct {
	idleCh chan struct{} // Closed while count is zero
	count  int           // Outstanding work
	mu     sync.Mutex    // Guards everything above
}

// newTracker returns a new idle [tracker].
func newTracker() *tracker {
	idle := make(chan struct{})
	close(idle)
	return &tracker{idleCh: idle}
}

// add records the start of a piece of work.
func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		t.idleCh = make(chan struct{})
	}
	t.count++
}

// done records the end of a piece of work.
func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count--
	if t.count == 0 {
		close(t.idleCh)
	}
}

// wait returns a channel closed the next time there's no outstanding work.
func (t *tracker) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idleCh
}

// idle reports whether there's no outstanding work right now.
func (t *tracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count == 0
}
