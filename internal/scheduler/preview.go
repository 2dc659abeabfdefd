package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/emera/internal/vault"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// markdownClass marks HTML produced by the Markdown component, code in it belongs
// to the component and is never treated as a region.
const markdownClass = "emera-markdown"

// Section is a piece of a document rendered to HTML. Regions found in it are replaced
// with their output as it becomes available.
type Section struct {
	root *html.Node // Parent of the section's nodes
	mu   sync.Mutex // Guards root
}

// NewSection parses rendered HTML into a [Section].
func NewSection(text string) (*Section, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}

	nodes, err := html.ParseFragment(strings.NewReader(text), root)
	if err != nil {
		return nil, fmt.Errorf("could not parse section: %w", err)
	}

	for _, node := range nodes {
		root.AppendChild(node)
	}

	return &Section{root: root}, nil
}

// HTML renders the section as it is right now.
func (s *Section) HTML() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out strings.Builder
	for child := s.root.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&out, child); err != nil {
			return "", fmt.Errorf("could not render section: %w", err)
		}
	}

	return out.String(), nil
}

// splice replaces the contents of placeholder with rendered output.
func (s *Section) splice(placeholder *html.Node, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for child := placeholder.FirstChild; child != nil; {
		next := child.NextSibling
		placeholder.RemoveChild(child)
		child = next
	}

	nodes, err := html.ParseFragment(strings.NewReader(output), placeholder)
	if err != nil {
		placeholder.AppendChild(&html.Node{Type: html.TextNode, Data: output})
		return
	}

	for _, node := range nodes {
		placeholder.AppendChild(node)
	}
}

// found is a region discovered in a section, along with where its output goes.
type found struct {
	section     *Section      // The section the region was found in
	target      *html.Node    // The element the region was rendered as
	placeholder *html.Node    // The element that replaced target, nil until processed
	region      syntax.Region // The region
}

// preview is the preview path state of one document.
type preview struct {
	id      string    // Document ID
	path    string    // Path of the document, empty for anonymous documents
	found   []*found  // Regions of the document in order
	widgets []*Widget // Running widgets, one per region
	pending bool      // Whether the document is counted as outstanding work
}

// Preview hands the preview path a rendered section of a document.
//
// id identifies the document, path is its path in the vault or empty for a document
// that isn't saved anywhere. Sections arriving within a short delay of each other are
// processed together as one pass over the document: every region found in them is
// executed afresh in order. It returns the number of regions found in section.
func (s *Scheduler) Preview(id, path string, section *Section) int {
	if s.isClosed() {
		return 0
	}

	regions := search(section)
	if len(regions) == 0 {
		return 0
	}

	s.mu.Lock()
	q, ok := s.queue[id]
	if !ok {
		q = &preview{id: id, path: vault.Clean(path)}
		if path == "" {
			q.path = ""
		}
		s.queue[id] = q
	}
	q.found = append(q.found, regions...)
	if !q.pending {
		q.pending = true
		s.busy.add()
	}
	s.mu.Unlock()

	s.debounce(s.processQueue)

	return len(regions)
}

// requeue queues a previously processed document to be processed again.
func (s *Scheduler) requeue(p *preview) {
	s.mu.Lock()
	q, ok := s.queue[p.id]
	if !ok {
		q = &preview{id: p.id, path: p.path, found: p.found}
		s.queue[p.id] = q
	}
	if !q.pending {
		q.pending = true
		s.busy.add()
	}
	s.mu.Unlock()

	s.debounce(s.processQueue)
}

// processQueue processes every document waiting in the queue.
func (s *Scheduler) processQueue() {
	s.mu.Lock()
	queue := s.queue
	s.queue = make(map[string]*preview)
	s.mu.Unlock()

	for _, q := range queue {
		s.run(func() { s.process(q) })
		s.busy.done()
	}
}

// process executes every region of a queued document: the document's scopes are
// thrown away and a fresh chain is built through its regions.
func (s *Scheduler) process(q *preview) {
	var base *scope.Node
	if q.path != "" {
		base = s.pageScope(q.path)
	} else {
		base = s.anonymousScope(q.id)
	}

	if err := base.WaitForUnblock(s.ctx); err != nil {
		return
	}

	s.mu.Lock()
	previous, ok := s.previews[q.id]
	s.previews[q.id] = q
	s.mu.Unlock()

	if ok {
		for _, w := range previous.widgets {
			s.dispose(w)
		}
	}

	s.logger.Debug("Processing preview", "document", q.id, "regions", len(q.found))
	base.DisposeDescendants()

	doc := q.path
	if doc == "" {
		doc = q.id
	}

	read := base
	widgets := make([]*Widget, 0, len(q.found))
	for index, f := range q.found {
		f.region.Index = index
		write := s.regionScope(base, read, index)

		if f.placeholder == nil {
			f.placeholder = f.section.replace(f.target, f.region.Kind)
		}

		w := s.widget(doc, f.region, s.newKey(), base, read, write)
		notify := w.onOutput
		w.onOutput = func(w *Widget) {
			f.section.splice(f.placeholder, w.Output().HTML)
			notify(w)
		}

		widgets = append(widgets, w)
		read = write
	}

	s.mu.Lock()
	q.widgets = widgets
	s.mu.Unlock()

	for _, w := range widgets {
		s.launch(w)
	}
}

// replace swaps the element a region was rendered as for an empty placeholder its
// output is spliced into. Blocks replace the whole pre element, inline code just
// the code element.
func (s *Section) replace(target *html.Node, kind syntax.Kind) *html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag := atom.Div
	if kind.IsInline() {
		tag = atom.Span
	}
	placeholder := element(tag, "emera-"+kind.String())

	if !kind.IsInline() && target.Parent != nil && target.Parent.DataAtom == atom.Pre {
		target = target.Parent
	}

	if target.Parent != nil {
		target.Parent.InsertBefore(placeholder, target)
		target.Parent.RemoveChild(target)
	}

	return placeholder
}

// search finds the regions in a section: pre > code elements with one of our
// languages, and inline code starting with one of our prefixes.
func search(section *Section) []*found {
	section.mu.Lock()
	defer section.mu.Unlock()

	var regions []*found

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && (hasClass(n, markdownClass) || strings.HasPrefix(class(n), "emera-")) {
			// Markdown component output or a region already processed
			return
		}

		if n.Type == html.ElementNode && n.DataAtom == atom.Code {
			if region, ok := codeRegion(n); ok {
				regions = append(regions, &found{section: section, target: n, region: region})
			}
			return
		}

		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(section.root)

	return regions
}

// codeRegion returns the region a code element holds, if it holds one.
func codeRegion(code *html.Node) (syntax.Region, bool) {
	content := text(code)

	if code.Parent != nil && code.Parent.DataAtom == atom.Pre {
		for _, name := range strings.Fields(class(code)) {
			lang, ok := strings.CutPrefix(name, "language-")
			if !ok {
				continue
			}
			kind, component, ok := syntax.ClassifyFence(lang)
			if !ok {
				continue
			}
			return syntax.Region{
				Kind:      kind,
				Source:    strings.TrimSuffix(content, "\n"),
				Component: component,
			}, true
		}
		return syntax.Region{}, false
	}

	kind, source, ok := syntax.ClassifyInline(content)
	if !ok {
		return syntax.Region{}, false
	}
	return syntax.Region{Kind: kind, Source: source}, true
}

// text returns the text content of n.
func text(n *html.Node) string {
	var s strings.Builder
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			s.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return s.String()
}

// class returns the class attribute of n.
func class(n *html.Node) string {
	for _, attr := range n.Attr {
		if attr.Key == "class" {
			return attr.Val
		}
	}
	return ""
}

// hasClass reports whether n has the given class.
func hasClass(n *html.Node, name string) bool {
	for _, c := range strings.Fields(class(n)) {
		if c == name {
			return true
		}
	}
	return false
}
