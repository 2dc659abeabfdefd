package transpile

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// rewriteIdentifiers redirects reads of free identifiers through the scope with
// the given ID.
//
// Each read of a name that isn't bound in the module, isn't a host global and
// isn't guarded by a typeof check becomes a conditional lookup:
//
//	x  =>  (__emeraScope.has("x") ? __emeraScope.get("x") : typeof x !== "undefined" ? x : __emeraScope.get("x"))
//
// so a name present in scope wins, an ambient global is used if there is one and
// anything else fails with an error naming the scope. A prologue binding the scope
// accessor is prepended to the module.
func rewriteIdentifiers(root *sitter.Node, src []byte, scopeID string) string {
	r := &identifierPass{
		binder:  bind(root, src),
		src:     src,
		guarded: make(map[string]int),
	}
	r.visit(root, nil)

	prologue := "var " + ScopeLocal + " = " + RuntimeGlobal + ".scope(" + quote(scopeID) + ");\n"
	return prologue + apply(src, r.edits)
}

// lookup returns the expression reading name through the scope accessor.
func lookup(name string) string {
	quoted := quote(name)
	get := ScopeLocal + ".get(" + quoted + ")"
	return "(" + ScopeLocal + ".has(" + quoted + ") ? " + get + " : typeof " + name + ` !== "undefined" ? ` + name + " : " + get + ")"
}

// identifierPass holds the state of a single identifier rewrite.
type identifierPass struct {
	binder  *binder
	guarded map[string]int // Names inside a branch guarded by a typeof check, with nesting depth
	src     []byte
	edits   []edit
}

// visit rewrites the reads in n and its descendants.
func (r *identifierPass) visit(n *sitter.Node, f *frame) {
	f = r.binder.enter(n, f)

	switch n.Type() {
	case "identifier":
		r.read(n, f)
		return
	case "shorthand_property_identifier":
		// { x } in an object literal, expand it so the value can be rewritten
		name := n.Content(r.src)
		if r.free(name, f) {
			r.edits = append(r.edits, edit{
				start: int(n.StartByte()),
				end:   int(n.EndByte()),
				text:  name + ": " + lookup(name),
			})
		}
		return
	case "import_statement", "export_specifier", "statement_identifier", "comment", "string", "regex", "meta_property":
		return
	case "unary_expression":
		if op := field(n, "operator"); op != nil && op.Type() == "typeof" {
			if arg := unparen(field(n, "argument")); arg != nil && arg.Type() == "identifier" {
				return
			}
		}
	case "update_expression":
		if arg := unparen(field(n, "argument")); arg != nil && arg.Type() == "identifier" {
			return
		}
	case "assignment_expression", "augmented_assignment_expression":
		left := field(n, "left")
		for _, child := range children(n) {
			if same(child, left) {
				r.target(child, f)
				continue
			}
			r.visit(child, f)
		}
		return
	case "for_in_statement":
		left := field(n, "left")
		for _, child := range children(n) {
			if same(child, left) {
				r.target(child, f)
				continue
			}
			r.visit(child, f)
		}
		return
	case "ternary_expression":
		if name, defined, ok := r.guard(field(n, "condition")); ok {
			guardedBranch := field(n, "alternative")
			if defined {
				guardedBranch = field(n, "consequence")
			}
			r.visitGuarding(n, f, name, guardedBranch)
			return
		}
	case "binary_expression":
		op := field(n, "operator")
		if op != nil && (op.Type() == "&&" || op.Type() == "||") {
			if name, defined, ok := r.guard(field(n, "left")); ok && defined == (op.Type() == "&&") {
				r.visitGuarding(n, f, name, field(n, "right"))
				return
			}
		}
	case "if_statement":
		if name, defined, ok := r.guard(field(n, "condition")); ok {
			guardedBranch := field(n, "alternative")
			if defined {
				guardedBranch = field(n, "consequence")
			}
			r.visitGuarding(n, f, name, guardedBranch)
			return
		}
	}

	for _, child := range children(n) {
		r.visit(child, f)
	}
}

// visitGuarding visits the children of n, treating name as defined inside branch.
func (r *identifierPass) visitGuarding(n *sitter.Node, f *frame, name string, branch *sitter.Node) {
	for _, child := range children(n) {
		if same(child, branch) {
			r.guarded[name]++
			r.visit(child, f)
			r.guarded[name]--
			continue
		}
		r.visit(child, f)
	}
}

// target visits the target of an assignment, names written to are left alone while
// any expressions inside it, like default values or member objects, are visited.
func (r *identifierPass) target(n *sitter.Node, f *frame) {
	switch n.Type() {
	case "identifier", "shorthand_property_identifier_pattern":
		return
	case "parenthesized_expression", "object_pattern", "array_pattern", "rest_pattern":
		for _, child := range children(n) {
			r.target(child, f)
		}
	case "pair_pattern":
		for _, child := range children(n) {
			if same(child, field(n, "value")) {
				r.target(child, f)
				continue
			}
			r.visit(child, f)
		}
	case "assignment_pattern", "object_assignment_pattern":
		for _, child := range children(n) {
			if same(child, field(n, "left")) {
				r.target(child, f)
				continue
			}
			r.visit(child, f)
		}
	default:
		r.visit(n, f)
	}
}

// read rewrites the identifier n if it is a free read.
func (r *identifierPass) read(n *sitter.Node, f *frame) {
	if r.binder.decls[keyOf(n)] {
		return
	}

	name := n.Content(r.src)
	if !r.free(name, f) {
		return
	}

	r.edits = append(r.edits, edit{
		start: int(n.StartByte()),
		end:   int(n.EndByte()),
		text:  lookup(name),
	})
}

// free reports whether a read of name in f should go through the scope.
func (r *identifierPass) free(name string, f *frame) bool {
	return !hostGlobals[name] && !f.binds(name) && r.guarded[name] == 0
}

// guard inspects a condition of the form typeof x === "undefined" (or any of its
// equality and operand order variants).
//
// It returns the name being checked and whether the condition being true means
// the name is defined.
func (r *identifierPass) guard(cond *sitter.Node) (name string, defined bool, ok bool) {
	cond = unparen(cond)
	if cond == nil || cond.Type() != "binary_expression" {
		return "", false, false
	}

	op := field(cond, "operator")
	if op == nil {
		return "", false, false
	}

	switch op.Type() {
	case "===", "==":
		defined = false
	case "!==", "!=":
		defined = true
	default:
		return "", false, false
	}

	left, right := unparen(field(cond, "left")), unparen(field(cond, "right"))

	if name, ok := typeofOperand(left, r.src); ok && isUndefinedString(right, r.src) {
		return name, defined, true
	}
	if name, ok := typeofOperand(right, r.src); ok && isUndefinedString(left, r.src) {
		return name, defined, true
	}

	return "", false, false
}

// typeofOperand returns x if n is typeof x.
func typeofOperand(n *sitter.Node, src []byte) (string, bool) {
	if n == nil || n.Type() != "unary_expression" {
		return "", false
	}
	op := field(n, "operator")
	if op == nil || op.Type() != "typeof" {
		return "", false
	}
	arg := unparen(field(n, "argument"))
	if arg == nil || arg.Type() != "identifier" {
		return "", false
	}
	return arg.Content(src), true
}

// isUndefinedString reports whether n is the string literal "undefined".
func isUndefinedString(n *sitter.Node, src []byte) bool {
	value, ok := stringValue(n, src)
	return ok && value == "undefined"
}
