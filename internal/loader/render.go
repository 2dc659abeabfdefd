package loader

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxDepth bounds how deeply components may nest, it turns runaway recursion in
// user components into an error rather than a crash.
const maxDepth = 256

// props that are never rendered as attributes.
var reservedProps = map[string]bool{
	"children":                true,
	"key":                     true,
	"ref":                     true,
	"dangerouslySetInnerHTML": true,
}

// attributeNames maps prop names to the attribute they render as.
var attributeNames = map[string]string{
	"className": "class",
	"htmlFor":   "for",
}

// renderHTML renders value, anything a component may return, to an HTML string.
func (l *Loader) renderHTML(vm *goja.Runtime, value goja.Value) (string, error) {
	root := &html.Node{Type: html.DocumentNode}
	r := &renderer{vm: vm, fragment: l.fragment}

	if err := r.render(root, value, 0); err != nil {
		return "", err
	}

	var out strings.Builder
	for child := root.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&out, child); err != nil {
			return "", fmt.Errorf("could not write HTML: %w", err)
		}
	}

	return out.String(), nil
}

// renderer turns element trees into HTML nodes.
type renderer struct {
	vm       *goja.Runtime
	fragment *goja.Object
}

// render appends the nodes for value to parent.
func (r *renderer) render(parent *html.Node, value goja.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("components nested more than %d deep, is one rendering itself?", maxDepth)
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}

	if el, ok := isElement(value); ok {
		return r.element(parent, el, depth)
	}

	obj, isObject := value.(*goja.Object)
	switch {
	case isObject && obj.ClassName() == "Array":
		for _, key := range obj.Keys() {
			if err := r.render(parent, obj.Get(key), depth+1); err != nil {
				return err
			}
		}
		return nil
	case isObject:
		if _, ok := goja.AssertFunction(value); ok {
			return errors.New("functions are not valid as a child, did you mean to render it as a component?")
		}
		if _, ok := asPromise(value); ok {
			return errors.New("promises are not valid as a child, components must render synchronously")
		}
		return fmt.Errorf("objects are not valid as a child (found %s)", value.String())
	}

	if _, ok := value.Export().(bool); ok {
		// Booleans render nothing so that cond && <X /> works
		return nil
	}

	parent.AppendChild(&html.Node{Type: html.TextNode, Data: value.String()})
	return nil
}

// element appends the nodes for a single element to parent.
func (r *renderer) element(parent *html.Node, el *goja.Object, depth int) error {
	kind := el.Get("type")
	props := el.Get("props").ToObject(r.vm)

	if obj, ok := kind.(*goja.Object); ok && obj.SameAs(r.fragment) {
		return r.render(parent, props.Get("children"), depth+1)
	}

	if component, ok := goja.AssertFunction(kind); ok {
		result, err := component(goja.Undefined(), props)
		if err != nil {
			return err
		}
		return r.render(parent, result, depth+1)
	}

	tag := kind.String()
	if goja.IsUndefined(kind) || goja.IsNull(kind) || tag == "" {
		return fmt.Errorf("element type is invalid, expected a tag name or a component but got %s", kind.String())
	}

	node := &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     r.attributes(props),
	}
	parent.AppendChild(node)

	if inner := props.Get("dangerouslySetInnerHTML"); inner != nil && !goja.IsUndefined(inner) && !goja.IsNull(inner) {
		raw := inner.ToObject(r.vm).Get("__html")
		if raw == nil || goja.IsUndefined(raw) {
			return nil
		}
		nodes, err := html.ParseFragment(strings.NewReader(raw.String()), node)
		if err != nil {
			return fmt.Errorf("could not parse inner HTML: %w", err)
		}
		for _, child := range nodes {
			node.AppendChild(child)
		}
		return nil
	}

	return r.render(node, props.Get("children"), depth+1)
}

// attributes converts props into HTML attributes, sorted by name.
func (r *renderer) attributes(props *goja.Object) []html.Attribute {
	var attrs []html.Attribute
	for _, key := range props.Keys() {
		if reservedProps[key] {
			continue
		}

		value := props.Get(key)
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			continue
		}
		if _, ok := goja.AssertFunction(value); ok {
			// Event handlers have nothing to attach to
			continue
		}

		name := key
		if mapped, ok := attributeNames[key]; ok {
			name = mapped
		}

		switch exported := value.Export().(type) {
		case bool:
			if exported {
				attrs = append(attrs, html.Attribute{Key: name})
			}
		case map[string]any:
			if key == "style" {
				attrs = append(attrs, html.Attribute{Key: name, Val: style(exported)})
				continue
			}
			attrs = append(attrs, html.Attribute{Key: name, Val: value.String()})
		default:
			attrs = append(attrs, html.Attribute{Key: name, Val: value.String()})
		}
	}

	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

// style renders a style object as CSS declarations.
func style(declarations map[string]any) string {
	names := make([]string, 0, len(declarations))
	for name := range declarations {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value := declarations[name]
		if value == nil {
			continue
		}
		text := fmt.Sprint(value)
		switch value.(type) {
		case int64, float64:
			if text != "0" {
				text += "px"
			}
		}
		parts = append(parts, kebab(name)+": "+text)
	}

	return strings.Join(parts, "; ")
}

// kebab converts a camel case CSS property name to its kebab case form.
func kebab(name string) string {
	var s strings.Builder
	for _, r := range name {
		if unicode.IsUpper(r) {
			s.WriteByte('-')
			s.WriteRune(unicode.ToLower(r))
			continue
		}
		s.WriteRune(r)
	}
	return s.String()
}
