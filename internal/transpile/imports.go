package transpile

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// binding is a single name brought in by an import declaration.
type binding struct {
	imported string // Name exported by the module, "default" for default imports
	local    string // Name bound in the importing module
}

// rewriteImports replaces every top level import of a bare specifier with a read
// from the host's module whitelist.
//
//	import a, { b, c as d } from "x"   =>  const { default: a, b, c: d } = __emera.module("x");
//	import * as ns from "x"           =>  const ns = __emera.module("x");
//	import "x"                        =>  __emera.module("x");
//
// Relative and URL specifiers are left for the loader to deal with.
func rewriteImports(root *sitter.Node, src []byte) string {
	var edits []edit

	for _, statement := range namedChildren(root) {
		if statement.Type() != "import_statement" {
			continue
		}

		specifier, ok := stringValue(field(statement, "source"), src)
		if !ok || !isBare(specifier) {
			continue
		}

		edits = append(edits, edit{
			start: int(statement.StartByte()),
			end:   int(statement.EndByte()),
			text:  importReplacement(statement, src, specifier),
		})
	}

	return apply(src, edits)
}

// importReplacement builds the statement replacing an import declaration.
func importReplacement(statement *sitter.Node, src []byte, specifier string) string {
	read := RuntimeGlobal + ".module(" + quote(specifier) + ")"

	var (
		bindings  []binding
		namespace string
	)

	for _, child := range namedChildren(statement) {
		if child.Type() != "import_clause" {
			continue
		}
		for _, part := range namedChildren(child) {
			switch part.Type() {
			case "identifier":
				bindings = append(bindings, binding{imported: "default", local: part.Content(src)})
			case "namespace_import":
				for _, name := range namedChildren(part) {
					if name.Type() == "identifier" {
						namespace = name.Content(src)
					}
				}
			case "named_imports":
				bindings = append(bindings, namedBindings(part, src)...)
			}
		}
	}

	switch {
	case namespace != "" && len(bindings) != 0:
		// import a, * as ns from "x"
		return "const " + namespace + " = " + read + "; " + destructure(bindings, namespace)
	case namespace != "":
		return "const " + namespace + " = " + read + ";"
	case len(bindings) != 0:
		return destructure(bindings, read)
	default:
		return read + ";"
	}
}

// namedBindings returns the bindings of a named_imports node.
func namedBindings(node *sitter.Node, src []byte) []binding {
	var out []binding
	for _, specifier := range namedChildren(node) {
		if specifier.Type() != "import_specifier" {
			continue
		}
		name := field(specifier, "name")
		if name == nil {
			continue
		}

		imported := name.Content(src)
		local := imported
		if alias := field(specifier, "alias"); alias != nil {
			local = alias.Content(src)
		}

		out = append(out, binding{imported: imported, local: local})
	}
	return out
}

// destructure renders a const declaration destructuring bindings out of value.
func destructure(bindings []binding, value string) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if b.imported == b.local {
			parts = append(parts, b.local)
			continue
		}
		// String names, as in import { "a-b" as c }, are already quoted
		parts = append(parts, b.imported+": "+b.local)
	}
	return "const { " + strings.Join(parts, ", ") + " } = " + value + ";"
}

// isBare reports whether specifier names a package rather than a file or URL.
func isBare(specifier string) bool {
	switch {
	case specifier == "":
		return false
	case strings.HasPrefix(specifier, "./"), strings.HasPrefix(specifier, "../"), strings.HasPrefix(specifier, "/"):
		return false
	case specifier == "." || specifier == "..":
		return false
	case strings.Contains(specifier, "://"), strings.HasPrefix(specifier, "data:"):
		return false
	default:
		return true
	}
}
