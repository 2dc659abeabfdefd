package transpile

import (
	"context"
	"fmt"
	"slices"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// edit replaces src[start:end] with text.
type edit struct {
	text  string // Replacement text
	start int    // Byte offset of the start of the replaced range
	end   int    // Byte offset of the end of the replaced range
}

// apply applies non overlapping edits to src.
func apply(src []byte, edits []edit) string {
	if len(edits) == 0 {
		return string(src)
	}

	slices.SortFunc(edits, func(a, b edit) int { return a.start - b.start })

	var out strings.Builder
	out.Grow(len(src))

	last := 0
	for _, e := range edits {
		if e.start < last {
			// Overlapping, the outer edit already covers it
			continue
		}
		out.Write(src[last:e.start])
		out.WriteString(e.text)
		last = e.end
	}
	out.Write(src[last:])

	return out.String()
}

// parse parses JavaScript source into a syntax tree, it fails if the tree
// contains any syntax errors.
func parse(ctx context.Context, src []byte) (*sitter.Node, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("could not parse: %w", err)
	}

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("syntax error near %s", firstError(root, src))
	}

	return root, nil
}

// firstError describes the location of the first error node in the tree.
func firstError(node *sitter.Node, src []byte) string {
	if node.IsError() || node.IsMissing() {
		point := node.StartPoint()
		text := node.Content(src)
		if len(text) > 20 {
			text = text[:20] + "..."
		}
		return fmt.Sprintf("%d:%d %q", point.Row+1, point.Column+1, text)
	}

	for i := range int(node.ChildCount()) {
		child := node.Child(i)
		if child != nil && child.HasError() {
			return firstError(child, src)
		}
	}

	return "unknown location"
}

// nodeKey identifies a node within a single tree.
type nodeKey struct {
	kind  string
	start uint32
	end   uint32
}

// keyOf returns the [nodeKey] of n.
func keyOf(n *sitter.Node) nodeKey {
	return nodeKey{kind: n.Type(), start: n.StartByte(), end: n.EndByte()}
}

// same reports whether a and b are the same node.
func same(a, b *sitter.Node) bool {
	if a == nil || b == nil {
		return false
	}
	return keyOf(a) == keyOf(b)
}

// children returns every child of n, named or not.
func children(n *sitter.Node) []*sitter.Node {
	count := int(n.ChildCount())
	out := make([]*sitter.Node, 0, count)
	for i := range count {
		if child := n.Child(i); child != nil {
			out = append(out, child)
		}
	}
	return out
}

// namedChildren returns the named children of n.
func namedChildren(n *sitter.Node) []*sitter.Node {
	count := int(n.NamedChildCount())
	out := make([]*sitter.Node, 0, count)
	for i := range count {
		if child := n.NamedChild(i); child != nil {
			out = append(out, child)
		}
	}
	return out
}

// field returns the child of n in the named field, or nil.
func field(n *sitter.Node, name string) *sitter.Node {
	child := n.ChildByFieldName(name)
	if child == nil || child.IsNull() {
		return nil
	}
	return child
}

// unparen strips any parentheses wrapping an expression.
func unparen(n *sitter.Node) *sitter.Node {
	for n != nil && n.Type() == "parenthesized_expression" {
		inner := namedChildren(n)
		if len(inner) != 1 {
			return n
		}
		n = inner[0]
	}
	return n
}

// stringValue returns the contents of a string literal node without its quotes.
func stringValue(n *sitter.Node, src []byte) (string, bool) {
	if n == nil || n.Type() != "string" {
		return "", false
	}
	text := n.Content(src)
	if len(text) < 2 {
		return "", false
	}
	return text[1 : len(text)-1], true
}

// quote renders s as a JavaScript string literal.
func quote(s string) string {
	return fmt.Sprintf("%q", s)
}
