// Package loader turns transpiled region code into live modules and renders what
// they produce.
//
// Every module runs inside a single embedded JavaScript runtime driven by an event
// loop, all access to the runtime is funnelled through the loop so callers on any
// goroutine can load, call and render safely. Nothing is cached by source text: each
// call to [Loader.Load] evaluates the code afresh against the current state of the
// scope tree.
package loader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
)

// Whitelist modules provided by the loader.
const (
	ModuleJSXRuntime = transpile.JSXRuntime
	ModuleEmera      = "emera"
	ModuleReact      = "react"
)

// Store is the persistent key/value storage exposed to components.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
}

// Page describes the document a region being rendered belongs to.
type Page struct {
	File        *vault.File    `json:"file"`        // The document, nil for anonymous documents
	Frontmatter map[string]any `json:"frontmatter"` // Its frontmatter, nil if it has none
}

// Module is the result of loading a piece of code.
type Module struct {
	exports map[string]goja.Value
	Name    string   // Name the code was loaded under
	names   []string // Export names in definition order
}

// Names returns the names of the module's exports.
func (m *Module) Names() []string {
	return slices.Clone(m.names)
}

// Get returns the export with the given name.
func (m *Module) Get(name string) (goja.Value, bool) {
	value, ok := m.exports[name]
	return value, ok
}

// Default returns the module's default export.
func (m *Module) Default() (goja.Value, bool) {
	return m.Get("default")
}

// Exports returns the module's exports, ready to be merged into a scope.
func (m *Module) Exports() map[string]any {
	out := make(map[string]any, len(m.exports))
	for name, value := range m.exports {
		out[name] = value
	}
	return out
}

// Loader evaluates modules in an embedded runtime.
type Loader struct {
	host     *host.Context
	logger   *log.Logger
	console  *log.Logger             // JavaScript console output goes here
	loop     *eventloop.EventLoop    // Owns the runtime
	store    Store                   // Backs useStorage, may be nil
	markdown goldmark.Markdown       // Renders the Markdown component
	fragment *goja.Object            // The Fragment element type, only touched on the loop
	modules  map[string]*goja.Object // Initialised whitelist modules, only touched on the loop
	page     Page                    // Page currently being rendered, only touched on the loop
	styles   []string                // Stylesheets injected by loaded code
	mu       sync.Mutex              // Guards styles
	closed   atomic.Bool
}

// Option is a functional option for configuring a [Loader].
type Option func(*Loader)

// WithStore sets the storage backing the useStorage hook.
func WithStore(store Store) Option {
	return func(l *Loader) {
		l.store = store
	}
}

// WithMarkdown sets the markdown renderer used by the Markdown component.
func WithMarkdown(markdown goldmark.Markdown) Option {
	return func(l *Loader) {
		l.markdown = markdown
	}
}

// New starts a new [Loader] and registers its whitelist modules with ctx.
//
// The returned loader must be closed with [Loader.Close] once no longer needed.
func New(ctx *host.Context, options ...Option) (*Loader, error) {
	logger := ctx.Logger().Prefixed("loader")
	l := &Loader{
		host:     ctx,
		logger:   logger,
		console:  ctx.Logger().Prefixed("console"),
		loop:     eventloop.NewEventLoop(eventloop.EnableConsole(false)),
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		modules:  make(map[string]*goja.Object),
	}

	for _, option := range options {
		option(l)
	}

	ctx.Register(ModuleJSXRuntime, l.jsxRuntime)
	ctx.Register(ModuleEmera, l.emeraModule)
	ctx.Register(ModuleReact, l.reactModule)

	l.loop.Start()

	if err := l.do(context.Background(), l.install); err != nil {
		l.Close()
		return nil, fmt.Errorf("could not initialise runtime: %w", err)
	}

	logger.Debug("Runtime started", "modules", ctx.ModuleNames())

	return l, nil
}

// Close stops the runtime, any later call fails with [ErrClosed].
func (l *Loader) Close() {
	if l.closed.Swap(true) {
		return
	}
	l.loop.Stop()
	l.logger.Debug("Runtime stopped")
}

// Styles returns the stylesheets injected into the document head by loaded code,
// in the order they were first added.
func (l *Loader) Styles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.styles)
}

// Load evaluates code, a transpiled ES module, and returns its exports.
//
// name identifies the module in stack traces. Failures to evaluate are returned as
// an [*EvaluationError].
func (l *Loader) Load(ctx context.Context, code, name string) (*Module, error) {
	wrapped, err := commonJS(code, name)
	if err != nil {
		return nil, err
	}

	module := &Module{Name: name, exports: make(map[string]goja.Value)}

	var holder *goja.Object
	err = l.settle(ctx,
		func(vm *goja.Runtime) (goja.Value, error) {
			program, err := goja.Compile(name, wrapped, false)
			if err != nil {
				return nil, err
			}

			value, err := vm.RunProgram(program)
			if err != nil {
				return nil, err
			}

			fn, ok := goja.AssertFunction(value)
			if !ok {
				return nil, fmt.Errorf("module %s did not compile to a function", name)
			}

			exports := vm.NewObject()
			holder = vm.NewObject()
			if err := holder.Set("exports", exports); err != nil {
				return nil, err
			}

			// Modules with a top level await return a promise settling once they finish
			return fn(goja.Undefined(), exports, holder, vm.ToValue(l.require(vm)))
		},
		func(vm *goja.Runtime, _ goja.Value) error {
			namespace := holder.Get("exports").ToObject(vm)
			for _, key := range namespace.Keys() {
				module.exports[key] = namespace.Get(key)
				module.names = append(module.names, key)
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Loaded module", "name", name, "exports", module.names)

	return module, nil
}

// Text calls value if it is a function, waits for the result if it is a promise and
// returns its string form.
func (l *Loader) Text(ctx context.Context, value goja.Value) (string, error) {
	var text string
	err := l.settle(ctx,
		func(vm *goja.Runtime) (goja.Value, error) {
			return invoke(value)
		},
		func(vm *goja.Runtime, result goja.Value) error {
			text = result.String()
			return nil
		},
	)
	return text, err
}

// Render calls value if it is a function, waits for the result if it is a promise
// and renders it to HTML as part of page.
func (l *Loader) Render(ctx context.Context, value goja.Value, page Page) (string, error) {
	var out string
	err := l.settle(ctx,
		func(vm *goja.Runtime) (goja.Value, error) {
			l.page = page
			return invoke(value)
		},
		func(vm *goja.Runtime, result goja.Value) error {
			l.page = page
			rendered, err := l.renderHTML(vm, result)
			out = rendered
			return err
		},
	)
	return out, err
}

// RenderComponent renders component with children as its only prop.
func (l *Loader) RenderComponent(ctx context.Context, component any, children string, page Page) (string, error) {
	var out string
	err := l.do(ctx, func(vm *goja.Runtime) error {
		l.page = page
		props := vm.NewObject()
		if err := props.Set("children", children); err != nil {
			return err
		}
		element := l.element(vm, toValue(vm, component), props, goja.Null())
		rendered, err := l.renderHTML(vm, element)
		out = rendered
		return err
	})
	return out, err
}

// Member returns the property of value at the given dotted path e.g. "Callout.Title".
func (l *Loader) Member(ctx context.Context, value any, path string) (goja.Value, error) {
	var member goja.Value
	err := l.do(ctx, func(vm *goja.Runtime) error {
		member = toValue(vm, value)
		for _, name := range strings.Split(path, ".") {
			if name == "" {
				continue
			}
			obj, ok := member.(*goja.Object)
			if !ok {
				return fmt.Errorf("cannot read %s of %s", name, member.String())
			}
			member = obj.Get(name)
			if member == nil {
				member = goja.Undefined()
			}
		}
		return nil
	})
	return member, err
}

// TypeOf returns the JavaScript type of value, as the typeof operator would.
func (l *Loader) TypeOf(ctx context.Context, value any) (string, error) {
	var kind string
	err := l.do(ctx, func(vm *goja.Runtime) error {
		v := toValue(vm, value)
		switch {
		case goja.IsUndefined(v):
			kind = "undefined"
		case goja.IsNull(v):
			kind = "object"
		default:
			if _, ok := goja.AssertFunction(v); ok {
				kind = "function"
				return nil
			}
			switch v.ExportType().Kind().String() {
			case "string":
				kind = "string"
			case "bool":
				kind = "boolean"
			case "int64", "float64":
				kind = "number"
			default:
				kind = "object"
			}
		}
		return nil
	})
	return kind, err
}

// do runs fn on the loop and waits for it to finish.
func (l *Loader) do(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	return l.settle(ctx,
		func(vm *goja.Runtime) (goja.Value, error) {
			return goja.Undefined(), fn(vm)
		},
		func(*goja.Runtime, goja.Value) error {
			return nil
		},
	)
}

// settle runs produce on the loop, waits for the value it returns to settle if it
// is a promise and then runs consume on the loop with the result.
//
// JavaScript exceptions raised by either are returned as an [*EvaluationError].
func (l *Loader) settle(
	ctx context.Context,
	produce func(vm *goja.Runtime) (goja.Value, error),
	consume func(vm *goja.Runtime, value goja.Value) error,
) error {
	if l.closed.Load() {
		return ErrClosed
	}

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	scheduled := l.loop.RunOnLoop(func(vm *goja.Runtime) {
		var (
			value goja.Value
			err   error
		)
		if exception := vm.Try(func() { value, err = produce(vm) }); exception != nil {
			finish(exception)
			return
		}
		if err != nil {
			finish(err)
			return
		}

		complete := func(result goja.Value) {
			var err error
			if exception := vm.Try(func() { err = consume(vm, result) }); exception != nil {
				err = exception
			}
			finish(err)
		}

		promise, ok := asPromise(value)
		if !ok {
			complete(value)
			return
		}

		switch promise.State() {
		case goja.PromiseStateFulfilled:
			complete(promise.Result())
		case goja.PromiseStateRejected:
			finish(rejection(promise.Result()))
		default:
			then, ok := goja.AssertFunction(value.ToObject(vm).Get("then"))
			if !ok {
				finish(errors.New("promise has no then method"))
				return
			}
			onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
				complete(call.Argument(0))
				return goja.Undefined()
			})
			onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
				finish(rejection(call.Argument(0)))
				return goja.Undefined()
			})
			if _, err := then(value, onFulfilled, onRejected); err != nil {
				finish(err)
			}
		}
	})
	if !scheduled {
		return ErrClosed
	}

	select {
	case err := <-done:
		return evaluationError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// install sets up the globals code relies on.
func (l *Loader) install(vm *goja.Runtime) error {
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	l.fragment = vm.NewObject()

	runtime := vm.NewObject()
	setters := map[string]any{
		"scope": func(call goja.FunctionCall) goja.Value {
			return l.scopeAccessor(vm, call.Argument(0).String())
		},
		"module": func(call goja.FunctionCall) goja.Value {
			exports, err := l.module(vm, call.Argument(0).String())
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return exports
		},
		"component": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			value, ok := l.host.Root().Lookup(name)
			if !ok {
				panic(vm.NewGoError(MissingComponent(name)))
			}
			return toValue(vm, value)
		},
	}
	for name, fn := range setters {
		if err := runtime.Set(name, fn); err != nil {
			return err
		}
	}

	globals := map[string]any{
		transpile.RuntimeGlobal: runtime,
		"console":               l.consoleObject(vm),
		"document":              l.documentObject(vm),
		"window":                vm.GlobalObject(),
		"self":                  vm.GlobalObject(),
	}
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return err
		}
	}

	return nil
}

// scopeAccessor returns the object transpiled code reads the scope with the given
// ID through.
func (l *Loader) scopeAccessor(vm *goja.Runtime, id string) goja.Value {
	node, ok := l.host.Scope(id)
	if !ok {
		panic(vm.NewGoError(fmt.Errorf("scope %s no longer exists, the region it belonged to was removed", id)))
	}

	accessor := vm.NewObject()
	methods := map[string]any{
		"has": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(node.Has(call.Argument(0).String()))
		},
		"get": func(call goja.FunctionCall) goja.Value {
			value, err := node.Get(call.Argument(0).String())
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return toValue(vm, value)
		},
		"component": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			value, ok := node.Lookup(name)
			if !ok {
				panic(vm.NewGoError(MissingComponent(name)))
			}
			return toValue(vm, value)
		},
	}
	for name, fn := range methods {
		if err := accessor.Set(name, fn); err != nil {
			panic(vm.NewGoError(err))
		}
	}

	return accessor
}

// module returns the exports of the whitelist module with the given specifier,
// initialising it on first use.
func (l *Loader) module(vm *goja.Runtime, specifier string) (*goja.Object, error) {
	if exports, ok := l.modules[specifier]; ok {
		return exports, nil
	}

	build, ok := l.host.Module(specifier)
	if !ok {
		return nil, MissingCapabilityError{
			Kind:    KindModule,
			Name:    specifier,
			Message: l.host.MissingModule(specifier),
		}
	}

	exports, err := build(vm)
	if err != nil {
		return nil, fmt.Errorf("could not initialise module %s: %w", specifier, err)
	}

	// Default imports of a whitelist module get the whole module
	if def := exports.Get("default"); def == nil || goja.IsUndefined(def) {
		if err := exports.Set("default", exports); err != nil {
			return nil, err
		}
	}

	l.modules[specifier] = exports
	return exports, nil
}

// require returns the require function handed to loaded code, it only resolves
// whitelist modules.
func (l *Loader) require(vm *goja.Runtime) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		specifier := call.Argument(0).String()
		if strings.HasPrefix(specifier, ".") || strings.HasPrefix(specifier, "/") {
			panic(vm.NewGoError(MissingCapabilityError{
				Kind: KindModule,
				Name: specifier,
				Message: fmt.Sprintf(
					"You're trying to import %s, relative imports only work in files in your components folder",
					specifier,
				),
			}))
		}
		exports, err := l.module(vm, specifier)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return exports
	}
}

// consoleObject returns a console that writes to the logger.
func (l *Loader) consoleObject(vm *goja.Runtime) *goja.Object {
	levels := map[string]func(msg string, kv ...any){
		"log":   l.console.Info,
		"info":  l.console.Info,
		"debug": l.console.Debug,
		"trace": l.console.Debug,
		"warn":  l.console.Warn,
		"error": l.console.Error,
	}

	console := vm.NewObject()
	for name, write := range levels {
		setProperty(vm, console, name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			write(strings.Join(parts, " "))
			return goja.Undefined()
		})
	}

	return console
}

// documentObject returns the minimal document loaded code may touch, it supports
// injecting stylesheets into the head and nothing more.
func (l *Loader) documentObject(vm *goja.Runtime) *goja.Object {
	head := vm.NewObject()
	setProperty(vm, head, "appendChild", func(call goja.FunctionCall) goja.Value {
		el := call.Argument(0).ToObject(vm)
		if tag := el.Get("tagName"); tag != nil && strings.EqualFold(tag.String(), "style") {
			l.addStyle(el.Get("textContent").String())
		}
		return el
	})

	document := vm.NewObject()
	setProperty(vm, document, "head", head)
	setProperty(vm, document, "createElement", func(call goja.FunctionCall) goja.Value {
		el := vm.NewObject()
		attributes := vm.NewObject()
		setProperty(vm, el, "tagName", strings.ToUpper(call.Argument(0).String()))
		setProperty(vm, el, "textContent", "")
		setProperty(vm, el, "attributes", attributes)
		setProperty(vm, el, "setAttribute", func(call goja.FunctionCall) goja.Value {
			setProperty(vm, attributes, call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		})
		return el
	})

	return document
}

// addStyle records an injected stylesheet, duplicates are ignored so reloading the
// user module doesn't pile up copies.
func (l *Loader) addStyle(css string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !slices.Contains(l.styles, css) {
		l.styles = append(l.styles, css)
	}
}

// commonJS converts an ES module into the body of a CommonJS wrapper function. The
// wrapper is async when the module awaits at the top level.
func commonJS(code, name string) (string, error) {
	result := api.Transform(code, api.TransformOptions{
		Loader:     api.LoaderJS,
		Format:     api.FormatCommonJS,
		Target:     api.ES2020,
		Sourcefile: name,
		Charset:    api.CharsetUTF8,
	})

	if len(result.Errors) != 0 {
		texts := make([]string, 0, len(result.Errors))
		for _, message := range result.Errors {
			texts = append(texts, message.Text)
		}
		return "", &EvaluationError{
			Message: "could not prepare module " + name + ": " + strings.Join(texts, "; "),
			Err:     errors.New(strings.Join(texts, "; ")),
		}
	}

	body := string(result.Code)
	if strings.Contains(body, transpile.AwaitMarker) {
		body = strings.ReplaceAll(body, transpile.AwaitMarker, "await (")
		return "(async function (exports, module, require) {\n" + body + "\n})", nil
	}

	return "(function (exports, module, require) {\n" + body + "\n})", nil
}

// invoke calls value with no arguments if it is a function, otherwise returns it.
func invoke(value goja.Value) (goja.Value, error) {
	if value == nil {
		return goja.Undefined(), nil
	}
	if fn, ok := goja.AssertFunction(value); ok {
		return fn(goja.Undefined())
	}
	return value, nil
}

// asPromise returns value as a promise if it is one.
func asPromise(value goja.Value) (*goja.Promise, bool) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, false
	}
	promise, ok := value.Export().(*goja.Promise)
	return promise, ok
}

// toValue converts a value held in a scope into a runtime value.
func toValue(vm *goja.Runtime, value any) goja.Value {
	if v, ok := value.(goja.Value); ok {
		return v
	}
	return vm.ToValue(value)
}
