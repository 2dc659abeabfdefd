package transpile

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// rewriteMarkup resolves components used in compiled JSX by name.
//
// A JSX factory call whose element type is an identifier not bound anywhere in the
// module refers to a component defined elsewhere, the identifier is replaced with a
// lookup by name so that the component is found at render time:
//
//	jsx(Greeting, { name: "World" })  =>  jsx(__emeraScope.component("Greeting"), { name: "World" })
//
// If scoped is false the lookup goes through the root scope.
func rewriteMarkup(root *sitter.Node, src []byte, scoped bool) string {
	factories, fragment := runtimeNames(root, src)
	if len(factories) == 0 {
		return string(src)
	}

	accessor := RuntimeGlobal
	if scoped {
		accessor = ScopeLocal
	}

	b := bind(root, src)

	var edits []edit
	b.walk(root, nil, func(n *sitter.Node, f *frame) bool {
		if n.Type() != "call_expression" {
			return true
		}

		callee := field(n, "function")
		args := field(n, "arguments")
		if callee == nil || args == nil || callee.Type() != "identifier" || !factories[callee.Content(src)] {
			return true
		}

		element := firstArgument(args)
		if element == nil || element.Type() != "identifier" {
			return true
		}

		name := element.Content(src)
		if name == fragment || hostGlobals[name] || f.binds(name) {
			return true
		}

		edits = append(edits, edit{
			start: int(element.StartByte()),
			end:   int(element.EndByte()),
			text:  accessor + ".component(" + quote(name) + ")",
		})

		return true
	})

	return apply(src, edits)
}

// firstArgument returns the first argument in an arguments node.
func firstArgument(args *sitter.Node) *sitter.Node {
	for _, arg := range namedChildren(args) {
		if arg.Type() != "comment" {
			return arg
		}
	}
	return nil
}

// runtimeNames returns the local names the module gives the JSX factories and
// Fragment, whether they're still imported or have already been rewritten into
// a read from the module whitelist.
func runtimeNames(root *sitter.Node, src []byte) (factories map[string]bool, fragment string) {
	factories = make(map[string]bool)

	record := func(imported, local string) {
		switch imported {
		case "jsx", "jsxs", "jsxDEV":
			factories[local] = true
		case "Fragment":
			fragment = local
		}
	}

	for _, statement := range namedChildren(root) {
		switch statement.Type() {
		case "import_statement":
			specifier, ok := stringValue(field(statement, "source"), src)
			if !ok || specifier != JSXRuntime {
				continue
			}
			for _, clause := range namedChildren(statement) {
				if clause.Type() != "import_clause" {
					continue
				}
				for _, part := range namedChildren(clause) {
					if part.Type() == "named_imports" {
						for _, b := range namedBindings(part, src) {
							record(b.imported, b.local)
						}
					}
				}
			}
		case "lexical_declaration", "variable_declaration":
			for _, declarator := range namedChildren(statement) {
				if declarator.Type() != "variable_declarator" || !isRuntimeRead(field(declarator, "value"), src) {
					continue
				}
				name := field(declarator, "name")
				if name == nil || name.Type() != "object_pattern" {
					continue
				}
				for _, property := range namedChildren(name) {
					switch property.Type() {
					case "shorthand_property_identifier_pattern":
						record(property.Content(src), property.Content(src))
					case "pair_pattern":
						key, value := field(property, "key"), field(property, "value")
						if key != nil && value != nil && value.Type() == "identifier" {
							record(key.Content(src), value.Content(src))
						}
					}
				}
			}
		}
	}

	return factories, fragment
}

// isRuntimeRead reports whether n is a whitelist read of the JSX runtime module.
func isRuntimeRead(n *sitter.Node, src []byte) bool {
	n = unparen(n)
	if n == nil || n.Type() != "call_expression" {
		return false
	}

	callee := field(n, "function")
	if callee == nil || callee.Content(src) != RuntimeGlobal+".module" {
		return false
	}

	args := field(n, "arguments")
	if args == nil {
		return false
	}

	specifier, ok := stringValue(firstArgument(args), src)
	return ok && specifier == JSXRuntime
}
