package loader_test

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/loader"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/test"
	"go.uber.org/goleak"
)

// memoryStore is a [loader.Store] backed by a map.
type memoryStore struct {
	state map[string]any
	mu    sync.Mutex
}

func (m *memoryStore) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.state[key]
	return value, ok
}

func (m *memoryStore) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
}

func (m *memoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
}

type fixture struct {
	host       *host.Context
	loader     *loader.Loader
	transpiler *transpile.Transpiler
	page       *scope.Node
}

func newFixture(t *testing.T, options ...loader.Option) fixture {
	t.Helper()
	ctx := host.New(config.Default(), host.App{}, log.New(io.Discard))

	l, err := loader.New(ctx, options...)
	test.Ok(t, err)

	page := scope.New("page/test.md")
	test.Ok(t, ctx.Root().AddChild(page))

	return fixture{
		host:       ctx,
		loader:     l,
		transpiler: transpile.New(ctx),
		page:       page,
	}
}

// load transpiles src against the page scope and loads it.
func (f fixture) load(t *testing.T, src string) (*loader.Module, error) {
	t.Helper()
	code, err := f.transpiler.Transpile(context.Background(), src, transpile.Options{Scope: f.page, Name: "test.js"})
	test.Ok(t, err)
	return f.loader.Load(context.Background(), code, "test.js")
}

// text returns the string form of the named export of mod.
func (f fixture) text(t *testing.T, mod *loader.Module, name string) string {
	t.Helper()
	value, ok := mod.Get(name)
	test.True(t, ok, test.Context("module has no export %q", name))
	text, err := f.loader.Text(context.Background(), value)
	test.Ok(t, err)
	return text
}

// render renders the default export of mod.
func (f fixture) render(t *testing.T, mod *loader.Module) (string, error) {
	t.Helper()
	value, ok := mod.Default()
	test.True(t, ok, test.Context("module has no default export"))
	return f.loader.Render(context.Background(), value, loader.Page{})
}

func TestLoadExports(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	mod, err := f.loader.Load(
		context.Background(),
		"export const a = 1;\nexport function add(x, y) { return x + y; }\nexport default \"hi\";\n",
		"exports.js",
	)
	test.Ok(t, err)

	test.EqualFunc(t, slices.Sorted(slices.Values(mod.Names())), []string{"a", "add", "default"}, slices.Equal)
	test.EqualFunc(t, slices.Sorted(maps.Keys(mod.Exports())), []string{"a", "add", "default"}, slices.Equal)

	a, _ := mod.Get("a")
	kind, err := f.loader.TypeOf(context.Background(), a)
	test.Ok(t, err)
	test.Equal(t, kind, "number")

	add, _ := mod.Get("add")
	kind, err = f.loader.TypeOf(context.Background(), add)
	test.Ok(t, err)
	test.Equal(t, kind, "function")

	test.Equal(t, f.text(t, mod, "default"), "hi")
}

func TestLoadIsFresh(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	const src = "globalThis.count = (globalThis.count || 0) + 1;\nexport const n = globalThis.count;\n"

	first, err := f.loader.Load(context.Background(), src, "count.js")
	test.Ok(t, err)
	second, err := f.loader.Load(context.Background(), src, "count.js")
	test.Ok(t, err)

	test.Equal(t, f.text(t, first, "n"), "1")
	test.Equal(t, f.text(t, second, "n"), "2")
}

func TestEvaluationError(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	_, err := f.loader.Load(context.Background(), "throw new Error(\"boom\");\n", "page/test.md/0.js")
	test.Err(t, err)

	var evalErr *loader.EvaluationError
	test.True(t, errors.As(err, &evalErr))
	test.True(t, strings.Contains(evalErr.Message, "boom"), test.Context("message: %s", evalErr.Message))
	test.True(t, strings.Contains(evalErr.Stack, "page/test.md/0.js"), test.Context("stack: %s", evalErr.Stack))

	cleaned := loader.CleanStack(evalErr.Stack, "page/test.md/0.js")
	test.True(t, strings.Contains(cleaned, "(your code)"), test.Context("cleaned: %s", cleaned))
}

func TestTopLevelAwait(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	f.page.Set("base", 40)

	src := "const wait = (n) => new Promise((resolve) => setTimeout(() => resolve(n), 1));\n" +
		"export const v = await wait(base) + 2;\n"

	mod, err := f.load(t, src)
	test.Ok(t, err)
	test.Equal(t, f.text(t, mod, "v"), "42")

	_, err = f.load(t, "await Promise.reject(new Error(\"nope\"));\nexport const w = 1;\n")
	test.Err(t, err)

	var evalErr *loader.EvaluationError
	test.True(t, errors.As(err, &evalErr), test.Context("got %T: %v", err, err))
	test.True(t, strings.Contains(evalErr.Message, "nope"), test.Context("message: %s", evalErr.Message))
}

func TestScopeRead(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	f.page.Set("x", 41)

	mod, err := f.load(t, "export const y = x + 1;\n")
	test.Ok(t, err)
	test.Equal(t, f.text(t, mod, "y"), "42")
}

func TestScopeAccessError(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	_, err := f.load(t, "export const y = missing + 1;\n")
	test.Err(t, err)

	var accessErr scope.AccessError
	test.True(t, errors.As(err, &accessErr), test.Context("got %T: %v", err, err))
	test.Equal(t, accessErr.Name, "missing")
	test.Equal(t, accessErr.Scope, "page/test.md")

	var evalErr *loader.EvaluationError
	if errors.As(err, &evalErr) {
		cleaned := loader.CleanStack(evalErr.Stack, "page/test.md/0.js")
		test.False(t, strings.Contains(cleaned, "go.followtheprocess.codes/emera/"), test.Context("Go frames leaked: %s", cleaned))
	}
}

func TestCleanStack(t *testing.T) {
	tests := []struct {
		name  string // Name of the test case
		stack string // Stack from the runtime
		want  string // Expected cleaned stack
	}{
		{
			name:  "module name",
			stack: "Error: boom\n\tat page/a.md/0.js:1:7(3)",
			want:  "Error: boom\n\tat (your code):1:7(3)",
		},
		{
			name: "internal native frames",
			stack: "Error: nope\n" +
				"\tat go.followtheprocess.codes/emera/internal/loader.(*Loader).scopeAccessor.func3 (native)\n" +
				"\tat page/a.md/0.js:2:10(8)",
			want: "Error: nope\n\tat (your code):2:10(8)",
		},
		{
			name:  "other native frames",
			stack: "Error: x\n\tat JSON.parse (native)\n\tat page/a.md/0.js:1:1(1)",
			want:  "Error: x\n\tat JSON.parse (native)\n\tat (your code):1:1(1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test.Equal(t, loader.CleanStack(tt.stack, "page/a.md/0.js"), tt.want)
		})
	}
}

func TestAmbientGlobalFallback(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	_, err := f.loader.Load(context.Background(), "globalThis.ambient = 7;\n", "setup.js")
	test.Ok(t, err)

	mod, err := f.load(t, "export const v = ambient * 2;\n")
	test.Ok(t, err)
	test.Equal(t, f.text(t, mod, "v"), "14")

	// A scope binding wins over the global
	f.page.Set("ambient", 1)
	mod, err = f.load(t, "export const v = ambient * 2;\n")
	test.Ok(t, err)
	test.Equal(t, f.text(t, mod, "v"), "2")
}

func TestMissingModule(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	_, err := f.load(t, "import pad from \"left-pad\";\nexport default pad;\n")
	test.Err(t, err)

	var missing loader.MissingCapabilityError
	test.True(t, errors.As(err, &missing), test.Context("got %T: %v", err, err))
	test.Equal(t, missing.Kind, loader.KindModule)
	test.Equal(t, missing.Name, "left-pad")
	test.True(t, strings.Contains(missing.Error(), "You're trying to import module left-pad"))
}

func TestRenderMarkup(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	user, err := f.loader.Load(
		context.Background(),
		"export const Greeting = (props) => \"Hello \" + props.name;\n",
		"user.js",
	)
	test.Ok(t, err)
	f.host.Root().SetMany(user.Exports())

	code, err := f.transpiler.CompileMarkup(
		context.Background(),
		`<Greeting name="World" />`,
		transpile.Options{Scope: f.page},
	)
	test.Ok(t, err)

	mod, err := f.loader.Load(context.Background(), code, "markup.js")
	test.Ok(t, err)

	got, err := f.render(t, mod)
	test.Ok(t, err)
	test.Equal(t, got, "Hello World")
}

func TestRenderMissingComponent(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	code, err := f.transpiler.CompileMarkup(context.Background(), `<Nope />`, transpile.Options{Scope: f.page})
	test.Ok(t, err)

	mod, err := f.loader.Load(context.Background(), code, "markup.js")
	test.Ok(t, err)

	_, err = f.render(t, mod)
	test.Err(t, err)

	var missing loader.MissingCapabilityError
	test.True(t, errors.As(err, &missing), test.Context("got %T: %v", err, err))
	test.Equal(t, missing.Kind, loader.KindComponent)
	test.Equal(t, missing.Name, "Nope")
}

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name   string // Name of the test case
		markup string // Markup to render
		want   string // Expected HTML
	}{
		{
			name:   "attributes",
			markup: `<div className="card" id="main" style={{marginTop: 4, color: "red"}}><b>{1 + 1}</b></div>`,
			want:   `<div class="card" id="main" style="color: red; margin-top: 4px"><b>2</b></div>`,
		},
		{
			name:   "booleans render nothing",
			markup: `<p>{false}{true}{null}text</p>`,
			want:   `<p>text</p>`,
		},
		{
			name:   "void elements",
			markup: `<span>a<br />b</span>`,
			want:   `<span>a<br/>b</span>`,
		},
		{
			name:   "lists",
			markup: `<ul>{[1, 2].map((n) => <li key={n}>{n}</li>)}</ul>`,
			want:   `<ul><li>1</li><li>2</li></ul>`,
		},
		{
			name:   "escaping",
			markup: `<p>{"<b>&</b>"}</p>`,
			want:   `<p>&lt;b&gt;&amp;&lt;/b&gt;</p>`,
		},
		{
			name:   "handlers dropped",
			markup: `<button onClick={() => 1} disabled>go</button>`,
			want:   `<button disabled="">go</button>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			defer f.loader.Close()

			code, err := f.transpiler.CompileMarkup(context.Background(), tt.markup, transpile.Options{Scope: f.page})
			test.Ok(t, err)

			mod, err := f.loader.Load(context.Background(), code, "markup.js")
			test.Ok(t, err)

			got, err := f.render(t, mod)
			test.Ok(t, err)
			test.Diff(t, got, tt.want)
		})
	}
}

func TestRenderComponent(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	mod, err := f.load(t, "export const Note = ({ children }) => <p>{children}</p>;\n")
	test.Ok(t, err)

	note, _ := mod.Get("Note")
	got, err := f.loader.RenderComponent(context.Background(), note, "Some text", loader.Page{})
	test.Ok(t, err)
	test.Equal(t, got, "<p>Some text</p>")
}

func TestMarkdownComponent(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	mod, err := f.load(t, "import { Markdown } from \"emera\";\nexport default () => <Markdown>{\"**bold**\"}</Markdown>;\n")
	test.Ok(t, err)

	got, err := f.render(t, mod)
	test.Ok(t, err)
	test.True(t, strings.Contains(got, `class="emera-markdown"`), test.Context("got: %s", got))
	test.True(t, strings.Contains(got, "<strong>bold</strong>"), test.Context("got: %s", got))
}

func TestEmeraContext(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	mod, err := f.load(t, "import { useEmeraContext } from \"emera\";\nexport default () => <i>{useEmeraContext().file.basename}</i>;\n")
	test.Ok(t, err)

	file := vault.NewFile("notes/today.md")
	value, _ := mod.Default()
	got, err := f.loader.Render(context.Background(), value, loader.Page{File: &file})
	test.Ok(t, err)
	test.Equal(t, got, "<i>today</i>")
}

func TestUseStorage(t *testing.T) {
	store := &memoryStore{state: map[string]any{}}
	f := newFixture(t, loader.WithStore(store))
	defer f.loader.Close()

	mod, err := f.load(t, `import { useStorage } from "emera";
export default () => {
	const [count, setCount] = useStorage("count", 5);
	setCount(count + 1);
	return count;
};
`)
	test.Ok(t, err)

	test.Equal(t, f.text(t, mod, "default"), "5")

	stored, ok := store.Get("count")
	test.True(t, ok)
	test.Equal(t, stored, any(int64(6)))
}

func TestStorageObject(t *testing.T) {
	store := &memoryStore{state: map[string]any{"stale": "yes", "kept": "also"}}
	f := newFixture(t, loader.WithStore(store))
	defer f.loader.Close()

	mod, err := f.load(t, `import { storage } from "emera";
export default () => {
	storage.delete("stale");
	storage.set("fresh", storage.get("kept") + "!");
	return storage.get("stale") === undefined;
};
`)
	test.Ok(t, err)

	test.Equal(t, f.text(t, mod, "default"), "true")

	_, ok := store.Get("stale")
	test.False(t, ok, test.Context("stale key should be deleted"))

	fresh, ok := store.Get("fresh")
	test.True(t, ok)
	test.Equal(t, fresh, any("also!"))
}

func TestReactHooks(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	mod, err := f.load(t, `import { useState, useMemo } from "react";
export default () => {
	const [value] = useState(() => 3);
	const doubled = useMemo(() => value * 2, [value]);
	return <span>{doubled}</span>;
};
`)
	test.Ok(t, err)

	got, err := f.render(t, mod)
	test.Ok(t, err)
	test.Equal(t, got, "<span>6</span>")
}

func TestStyles(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	const src = `const style = document.createElement("style");
style.textContent = "p { color: red; }";
document.head.appendChild(style);
export {};
`
	for range 2 {
		_, err := f.loader.Load(context.Background(), src, "style.js")
		test.Ok(t, err)
	}

	test.EqualFunc(t, f.loader.Styles(), []string{"p { color: red; }"}, slices.Equal)
}

func TestSetAttributeRefused(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	const src = `const style = document.createElement("style");
Object.freeze(style.attributes);
style.setAttribute("media", "print");
export {};
`
	_, err := f.loader.Load(context.Background(), src, "frozen.js")
	test.Err(t, err, test.Context("setting a property on a frozen object should raise"))

	var evalErr *loader.EvaluationError
	test.True(t, errors.As(err, &evalErr), test.Context("got %T: %v", err, err))
}

func TestPromise(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	mod, err := f.loader.Load(context.Background(), "export default async () => 40 + 2;\n", "async.js")
	test.Ok(t, err)
	test.Equal(t, f.text(t, mod, "default"), "42")

	mod, err = f.loader.Load(context.Background(), "export default async () => { throw new Error(\"nope\"); };\n", "async.js")
	test.Ok(t, err)

	value, _ := mod.Default()
	_, err = f.loader.Text(context.Background(), value)
	test.Err(t, err)
	test.True(t, strings.Contains(err.Error(), "nope"), test.Context("got: %v", err))
}

func TestConsole(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	_, err := f.loader.Load(context.Background(), "console.log(\"hello\", 1);\nconsole.error(\"bad\");\nexport {};\n", "console.js")
	test.Ok(t, err)
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	f.loader.Close()
	f.loader.Close() // Must be safe to call twice

	_, err := f.loader.Load(context.Background(), "export {};\n", "closed.js")
	test.True(t, errors.Is(err, loader.ErrClosed), test.Context("got: %v", err))
}

func TestRegistersModules(t *testing.T) {
	f := newFixture(t)
	defer f.loader.Close()

	test.EqualFunc(t, f.host.ModuleNames(), []string{"emera", "emera/jsx-runtime", "react"}, slices.Equal)
}
