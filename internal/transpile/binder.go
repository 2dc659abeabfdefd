package transpile

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// frame is a lexical scope within a module, it holds the names declared directly in it.
type frame struct {
	parent *frame
	names  map[string]bool
}

// newFrame returns a new empty frame nested in parent.
func newFrame(parent *frame) *frame {
	return &frame{parent: parent, names: make(map[string]bool)}
}

// binds reports whether name is declared in f or any frame enclosing it.
func (f *frame) binds(name string) bool {
	for current := f; current != nil; current = current.parent {
		if current.names[name] {
			return true
		}
	}
	return false
}

// binder resolves which identifiers in a module are bound locally.
//
// It makes a single pass over the tree up front recording the frame introduced by
// every scope creating node and every identifier that declares a name, declarations
// are hoisted to the frame they belong to so a name is bound for the whole of its
// frame regardless of where in it the declaration appears.
type binder struct {
	frames map[nodeKey]*frame // Frame introduced by each scope creating node
	decls  map[nodeKey]bool   // Identifiers that declare a name
	src    []byte
}

// bind analyses the module rooted at root.
func bind(root *sitter.Node, src []byte) *binder {
	b := &binder{
		frames: make(map[nodeKey]*frame),
		decls:  make(map[nodeKey]bool),
		src:    src,
	}

	program := newFrame(nil)
	b.frames[keyOf(root)] = program

	for _, child := range children(root) {
		b.collect(child, program, program)
	}

	return b
}

// enter returns the frame to use inside n given the frame current outside it.
func (b *binder) enter(n *sitter.Node, current *frame) *frame {
	if f, ok := b.frames[keyOf(n)]; ok {
		return f
	}
	return current
}

// walk visits n and its descendants in order with the frame in effect at each,
// if visit returns false the children of that node are skipped.
func (b *binder) walk(n *sitter.Node, current *frame, visit func(n *sitter.Node, f *frame) bool) {
	current = b.enter(n, current)
	if !visit(n, current) {
		return
	}
	for _, child := range children(n) {
		b.walk(child, current, visit)
	}
}

// collect records frames and declarations in n. Block scoped declarations go in
// block, var and function scoped ones in fn.
func (b *binder) collect(n *sitter.Node, block, fn *frame) {
	switch n.Type() {
	case "function_declaration", "generator_function_declaration":
		if name := field(n, "name"); name != nil {
			b.declare(name, block)
		}
		b.function(n, block)
		return
	case "function_expression", "function", "generator_function", "arrow_function", "method_definition":
		b.function(n, block)
		return
	case "class_declaration":
		if name := field(n, "name"); name != nil {
			b.declare(name, block)
		}
	case "class":
		// A named class expression binds its name inside its own body only
		if name := field(n, "name"); name != nil {
			inner := newFrame(block)
			b.frames[keyOf(n)] = inner
			b.declare(name, inner)
			block = inner
		}
	case "statement_block", "switch_body", "for_statement":
		inner := newFrame(block)
		b.frames[keyOf(n)] = inner
		block = inner
	case "catch_clause":
		inner := newFrame(block)
		b.frames[keyOf(n)] = inner
		block = inner
		if param := field(n, "parameter"); param != nil {
			b.pattern(param, block)
		}
	case "for_in_statement":
		inner := newFrame(block)
		b.frames[keyOf(n)] = inner
		block = inner
		if kind := field(n, "kind"); kind != nil {
			target := block
			if kind.Type() == "var" {
				target = fn
			}
			if left := field(n, "left"); left != nil {
				b.pattern(left, target)
			}
		}
	case "variable_declaration", "lexical_declaration":
		target := block
		if n.Type() == "variable_declaration" {
			target = fn
		}
		for _, declarator := range namedChildren(n) {
			if declarator.Type() != "variable_declarator" {
				continue
			}
			if name := field(declarator, "name"); name != nil {
				b.pattern(name, target)
			}
		}
	case "import_statement":
		b.imports(n, fn)
		return
	}

	for _, child := range children(n) {
		b.collect(child, block, fn)
	}
}

// function records the frame of a function like node, its parameters and body.
func (b *binder) function(n *sitter.Node, outer *frame) {
	inner := newFrame(outer)
	b.frames[keyOf(n)] = inner

	switch n.Type() {
	case "function_expression", "function", "generator_function":
		// Named function expressions can refer to themselves
		if name := field(n, "name"); name != nil {
			b.declare(name, inner)
		}
	}

	if params := field(n, "parameters"); params != nil {
		b.pattern(params, inner)
	}
	if param := field(n, "parameter"); param != nil {
		b.pattern(param, inner)
	}

	body := field(n, "body")
	for _, child := range children(n) {
		if same(child, body) && child.Type() == "statement_block" {
			// The body shares the function's frame so parameters and top level
			// declarations of the body live together
			b.frames[keyOf(child)] = inner
			for _, statement := range children(child) {
				b.collect(statement, inner, inner)
			}
			continue
		}
		b.collect(child, inner, inner)
	}
}

// imports declares the local names bound by an import declaration.
func (b *binder) imports(n *sitter.Node, f *frame) {
	for _, clause := range namedChildren(n) {
		if clause.Type() != "import_clause" {
			continue
		}
		for _, part := range namedChildren(clause) {
			switch part.Type() {
			case "identifier":
				b.declare(part, f)
			case "namespace_import":
				for _, name := range namedChildren(part) {
					if name.Type() == "identifier" {
						b.declare(name, f)
					}
				}
			case "named_imports":
				for _, specifier := range namedChildren(part) {
					if specifier.Type() != "import_specifier" {
						continue
					}
					local := field(specifier, "alias")
					if local == nil {
						local = field(specifier, "name")
					}
					if local != nil && local.Type() == "identifier" {
						b.declare(local, f)
					}
				}
			}
		}
	}
}

// pattern declares every name bound by a binding pattern.
func (b *binder) pattern(n *sitter.Node, f *frame) {
	switch n.Type() {
	case "identifier", "shorthand_property_identifier_pattern":
		b.declare(n, f)
	case "object_pattern", "array_pattern", "formal_parameters", "rest_pattern":
		for _, child := range namedChildren(n) {
			b.pattern(child, f)
		}
	case "pair_pattern":
		if value := field(n, "value"); value != nil {
			b.pattern(value, f)
		}
	case "assignment_pattern", "object_assignment_pattern":
		if left := field(n, "left"); left != nil {
			b.pattern(left, f)
		}
	}
}

// declare binds the name of the identifier n in f.
func (b *binder) declare(n *sitter.Node, f *frame) {
	f.names[n.Content(b.src)] = true
	b.decls[keyOf(n)] = true
}
