package tui

import (
	"cmp"
	"slices"
	"strings"

	"go.followtheprocess.codes/emera/internal/scheduler"
	"go.followtheprocess.codes/emera/internal/tui/theme"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// scriptClass marks the placeholder a script block displays once it has run.
const scriptClass = "emera-block-js"

// span is a range of the document replaced by a region's output in the preview.
type span struct {
	output scheduler.Output // What the region displays
	from   int              // Byte offset the range starts at
	to     int              // Byte offset the range ends at
	index  int              // Index of the region in the document
	inline bool             // Whether the region sits inside a line of text
}

// spans converts the scheduler's decorations into preview spans.
func spans(decorations []scheduler.Decoration) []span {
	out := make([]span, 0, len(decorations))
	for _, decoration := range decorations {
		region := decoration.Widget.Region()
		out = append(out, span{
			output: decoration.Widget.Output(),
			from:   decoration.From,
			to:     decoration.To,
			index:  region.Index,
			inline: region.Kind.IsInline(),
		})
	}
	return out
}

// preview renders text with every span replaced by its region's output as
// terminal text.
//
// It also returns the preview line each region starts on, keyed by region index.
// Spans that overlap an earlier one or fall outside text are left out.
func preview(text string, regions []span, styles theme.Styles) (string, map[int]int) {
	sorted := slices.SortedFunc(slices.Values(regions), func(a, b span) int {
		return cmp.Compare(a.from, b.from)
	})

	lines := make(map[int]int, len(sorted))

	var s strings.Builder
	last := 0
	for _, region := range sorted {
		if region.from < last || region.from > region.to || region.to > len(text) {
			continue
		}

		s.WriteString(text[last:region.from])
		lines[region.index] = strings.Count(s.String(), "\n")
		s.WriteString(display(region, styles))
		last = region.to
	}
	s.WriteString(text[last:])

	return s.String(), lines
}

// display returns the styled terminal text for a region's output.
func display(region span, styles theme.Styles) string {
	text, script := plainText(region.output.HTML)

	style := styles.Output
	switch {
	case region.output.Pending:
		style = styles.Pending
	case region.output.Err != nil:
		style = styles.Error
	case script:
		style = styles.Script
	}

	if region.inline {
		return style.Render(strings.Join(strings.Fields(text), " "))
	}

	// Styled line by line so short lines aren't padded out to the longest one
	rendered := strings.Split(text, "\n")
	for i, line := range rendered {
		if line != "" {
			rendered[i] = style.Render(line)
		}
	}
	return strings.Join(rendered, "\n")
}

// blocks are the elements that start a new line of text.
var blocks = map[atom.Atom]bool{
	atom.Address:    true,
	atom.Blockquote: true,
	atom.Div:        true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Hr:         true,
	atom.Li:         true,
	atom.Ol:         true,
	atom.P:          true,
	atom.Pre:        true,
	atom.Table:      true,
	atom.Tr:         true,
	atom.Ul:         true,
}

// plainText converts a fragment of rendered HTML to text, reporting whether it
// contained a script block placeholder.
func plainText(fragment string) (string, bool) {
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return fragment, false
	}

	var s strings.Builder
	script := false
	for _, node := range nodes {
		if writeText(&s, node) {
			script = true
		}
	}

	return strings.TrimSpace(s.String()), script
}

// writeText writes the text under n to s.
func writeText(s *strings.Builder, n *html.Node) (script bool) {
	switch n.Type {
	case html.TextNode:
		s.WriteString(n.Data)
		return false
	case html.ElementNode:
		switch {
		case hasClass(n, scriptClass):
			s.WriteString(attr(n, "title"))
			return true
		case n.DataAtom == atom.Br:
			s.WriteByte('\n')
			return false
		case n.DataAtom == atom.Style || n.DataAtom == atom.Script:
			return false
		}
	}

	block := n.Type == html.ElementNode && blocks[n.DataAtom]
	if block {
		newline(s)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if writeText(s, child) {
			script = true
		}
	}
	if block {
		newline(s)
	}

	return script
}

// newline ends the current line of s if there is one.
func newline(s *strings.Builder) {
	if s.Len() != 0 && !strings.HasSuffix(s.String(), "\n") {
		s.WriteByte('\n')
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, name string) bool {
	return slices.Contains(strings.Fields(attr(n, "class")), name)
}
