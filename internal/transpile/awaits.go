package transpile

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// AwaitMarker stands in for a top level await in transpiled code. The loader turns
// it back into an await once the module is wrapped in an async function, which
// its CommonJS conversion can't do with the keyword in place.
const AwaitMarker = RuntimeGlobal + ".await("

// functionKinds are the nodes that start a new function body, an await inside one
// of them isn't at the top level.
var functionKinds = map[string]bool{
	"function_declaration":           true,
	"generator_function_declaration": true,
	"function_expression":            true,
	"function":                       true,
	"generator_function":             true,
	"arrow_function":                 true,
	"method_definition":              true,
	"class_body":                     true,
}

// markAwaits replaces every top level await expression with a call to the
// [AwaitMarker]:
//
//	await load()  =>  __emera.await(load())
func markAwaits(root *sitter.Node, src []byte) string {
	var edits []edit
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if functionKinds[n.Type()] {
			return
		}

		if n.Type() == "await_expression" {
			if argument := n.NamedChild(0); argument != nil {
				edits = append(edits,
					edit{text: AwaitMarker, start: int(n.StartByte()), end: int(argument.StartByte())},
					edit{text: ")", start: int(n.EndByte()), end: int(n.EndByte())},
				)
			}
		}

		for _, child := range namedChildren(n) {
			visit(child)
		}
	}
	visit(root)

	return apply(src, edits)
}
