// Package bundle resolves the user's component project into a single module.
//
// Starting from the entry file in the components folder, relative imports are
// followed through the vault and stylesheets are compiled and turned into code that
// injects them into the document. Imports of packages are left in place for the
// transpiler to point at the module whitelist.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/bep/godartsass/v2"
	"github.com/evanw/esbuild/pkg/api"
	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
)

// ErrMissingEntry is returned when the components folder has no entry file.
var ErrMissingEntry = errors.New("no entry file in components folder")

// namespace is the esbuild namespace files resolved through the vault live in.
const namespace = "vault"

// extensions tried, in order, for an import that doesn't name one.
var extensions = []string{".js", ".jsx", ".ts", ".tsx", ".css", ".scss", ".sass"}

// Error is returned when bundling fails.
type Error struct {
	Err      error    // Underlying error, if any
	Entry    string   // The entry file being bundled
	Messages []string // Diagnostics
}

// Error implements the error interface for [Error].
func (e *Error) Error() string {
	switch {
	case len(e.Messages) > 0:
		return fmt.Sprintf("could not bundle %s: %s", e.Entry, strings.Join(e.Messages, "; "))
	case e.Err != nil:
		return fmt.Sprintf("could not bundle %s: %v", e.Entry, e.Err)
	default:
		return "could not bundle " + e.Entry
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// SassCompiler compiles a preprocessed stylesheet to CSS.
type SassCompiler interface {
	Compile(source, path string, indented bool) (string, error)
}

// Bundler bundles the user's components.
type Bundler struct {
	files    vault.FS
	logger   *log.Logger
	sass     SassCompiler
	settings config.Settings
}

// Option is a functional option for configuring a [Bundler].
type Option func(*Bundler)

// WithSass sets the compiler used for .scss and .sass files, by default dart-sass
// is started the first time one is needed.
func WithSass(sass SassCompiler) Option {
	return func(b *Bundler) {
		b.sass = sass
	}
}

// New returns a new [Bundler] reading from files.
func New(files vault.FS, settings config.Settings, logger *log.Logger, options ...Option) *Bundler {
	b := &Bundler{
		files:    files,
		settings: settings,
		logger:   logger.Prefixed("bundle"),
	}

	for _, option := range options {
		option(b)
	}

	if b.sass == nil {
		b.sass = &DartSass{Binary: settings.SassBinary, files: files}
	}

	return b
}

// Close releases any resources held by the stylesheet compiler.
func (b *Bundler) Close() error {
	if closer, ok := b.sass.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// FindEntry returns the vault path of the entry file in the components folder.
//
// If there isn't one it returns [ErrMissingEntry].
func (b *Bundler) FindEntry() (string, error) {
	for _, candidate := range b.settings.EntryCandidates() {
		if b.files.Exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: looked for index.{js,jsx,ts,tsx} in %s", ErrMissingEntry, b.settings.ComponentsFolder)
}

// Bundle bundles the project rooted at entry into a single ES module.
//
// A missing entry file is returned as an [*Error] wrapping [ErrMissingEntry].
func (b *Bundler) Bundle(entry string) (string, error) {
	entry = vault.Clean(entry)
	if !b.files.Exists(entry) {
		return "", &Error{Entry: entry, Err: ErrMissingEntry}
	}

	result := api.Build(api.BuildOptions{
		EntryPoints:     []string{entry},
		Bundle:          true,
		Write:           false,
		Outfile:         "bundle.js",
		Format:          api.FormatESModule,
		Target:          api.ES2020,
		JSX:             api.JSXAutomatic,
		JSXImportSource: transpile.JSXImportSource,
		Charset:         api.CharsetUTF8,
		LogLevel:        api.LogLevelSilent,
		Plugins:         []api.Plugin{b.plugin()},
	})

	for _, warning := range result.Warnings {
		b.logger.Warn("esbuild", "entry", entry, "warning", warning.Text)
	}

	if len(result.Errors) != 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, message := range result.Errors {
			text := message.Text
			if message.Location != nil {
				text = fmt.Sprintf("%s:%d:%d: %s", message.Location.File, message.Location.Line, message.Location.Column, text)
			}
			messages = append(messages, text)
		}
		return "", &Error{Entry: entry, Messages: messages}
	}

	for _, file := range result.OutputFiles {
		if strings.HasSuffix(file.Path, ".js") {
			b.logger.Debug("Bundled", "entry", entry, "bytes", len(file.Contents))
			return string(file.Contents), nil
		}
	}

	return "", &Error{Entry: entry, Err: errors.New("esbuild produced no output")}
}

// plugin returns the esbuild plugin that resolves and loads files from the vault.
func (b *Bundler) plugin() api.Plugin {
	return api.Plugin{
		Name: "emera-vault",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, b.resolve)
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: namespace}, b.load)
		},
	}
}

// resolve maps an import to a file in the vault.
func (b *Bundler) resolve(args api.OnResolveArgs) (api.OnResolveResult, error) {
	if args.Kind == api.ResolveEntryPoint {
		return api.OnResolveResult{Path: vault.Clean(args.Path), Namespace: namespace}, nil
	}

	if !isRelative(args.Path) {
		// Left for the transpiler to rewrite against the whitelist
		return api.OnResolveResult{Path: args.Path, External: true}, nil
	}

	target := vault.Clean(path.Join(path.Dir(args.Importer), args.Path))
	resolved, ok := b.find(target)
	if !ok {
		return api.OnResolveResult{}, fmt.Errorf("could not resolve %q from %s", args.Path, args.Importer)
	}

	return api.OnResolveResult{Path: resolved, Namespace: namespace}, nil
}

// find returns target if it exists, otherwise target with the first of the known
// extensions that exists.
func (b *Bundler) find(target string) (string, bool) {
	if path.Ext(target) != "" && b.files.Exists(target) {
		return target, true
	}

	for _, ext := range extensions {
		if candidate := target + ext; b.files.Exists(candidate) {
			return candidate, true
		}
	}

	return "", false
}

// load reads a vault file and tells esbuild how to treat it.
func (b *Bundler) load(args api.OnLoadArgs) (api.OnLoadResult, error) {
	text, err := b.files.Read(args.Path)
	if err != nil {
		return api.OnLoadResult{}, err
	}

	dir := path.Dir(args.Path)

	switch ext := path.Ext(args.Path); ext {
	case ".css":
		return b.stylesheet(text, dir)
	case ".scss", ".sass":
		css, err := b.sass.Compile(text, args.Path, ext == ".sass")
		if err != nil {
			return api.OnLoadResult{}, fmt.Errorf("could not compile %s: %w", args.Path, err)
		}
		return b.stylesheet(css, dir)
	case ".ts":
		return api.OnLoadResult{Contents: &text, Loader: api.LoaderTS, ResolveDir: dir}, nil
	case ".tsx":
		return api.OnLoadResult{Contents: &text, Loader: api.LoaderTSX, ResolveDir: dir}, nil
	case ".json":
		return api.OnLoadResult{Contents: &text, Loader: api.LoaderJSON, ResolveDir: dir}, nil
	default:
		// Plain .js files may contain JSX too
		return api.OnLoadResult{Contents: &text, Loader: api.LoaderJSX, ResolveDir: dir}, nil
	}
}

// stylesheet returns a module that injects css into the document head when evaluated.
func (b *Bundler) stylesheet(css, dir string) (api.OnLoadResult, error) {
	literal, err := json.Marshal(css)
	if err != nil {
		return api.OnLoadResult{}, fmt.Errorf("could not encode stylesheet: %w", err)
	}

	code := fmt.Sprintf(`(function () {
  var style = document.createElement("style");
  style.textContent = %s;
  document.head.appendChild(style);
})();
`, literal)

	return api.OnLoadResult{Contents: &code, Loader: api.LoaderJS, ResolveDir: dir}, nil
}

// isRelative reports whether an import specifier refers to a file.
func isRelative(specifier string) bool {
	return strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/")
}

// DartSass compiles stylesheets with the dart-sass embedded protocol. The dart-sass
// process is started the first time a stylesheet is compiled.
type DartSass struct {
	files      vault.FS
	transpiler *godartsass.Transpiler
	err        error  // Error starting dart-sass, if it failed
	Binary     string // Path to the dart-sass binary, empty means look on $PATH
	once       sync.Once
	mu         sync.Mutex // Serialises Compile and Close
}

// Compile implements [SassCompiler].
func (d *DartSass) Compile(source, name string, indented bool) (string, error) {
	d.once.Do(func() {
		d.transpiler, d.err = godartsass.Start(godartsass.Options{DartSassEmbeddedFilename: d.Binary})
	})
	if d.err != nil {
		return "", fmt.Errorf("could not start dart-sass, install it or set sass_binary: %w", d.err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	syntax := godartsass.SourceSyntaxSCSS
	if indented {
		syntax = godartsass.SourceSyntaxSASS
	}

	result, err := d.transpiler.Execute(godartsass.Args{
		Source:         source,
		URL:            importScheme + vault.Clean(name),
		SourceSyntax:   syntax,
		OutputStyle:    godartsass.OutputStyleExpanded,
		ImportResolver: importer{files: d.files},
	})
	if err != nil {
		return "", err
	}

	return result.CSS, nil
}

// Close stops the dart-sass process, if it was started.
func (d *DartSass) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transpiler == nil {
		return nil
	}
	return d.transpiler.Close()
}

// importScheme prefixes the canonical URLs of stylesheets in the vault.
const importScheme = "vault:///"

// importer resolves stylesheet imports against the vault.
type importer struct {
	files vault.FS
}

// CanonicalizeURL implements godartsass.ImportResolver, it returns an empty string
// for anything not found in the vault so dart-sass tries its own resolution.
func (i importer) CanonicalizeURL(url string) (string, error) {
	if i.files == nil {
		return "", nil
	}

	name := strings.TrimPrefix(url, importScheme)
	dir, base := path.Split(name)

	candidates := []string{name}
	for _, ext := range []string{".scss", ".sass", ".css"} {
		candidates = append(candidates, name+ext, path.Join(dir, "_"+base+ext))
	}

	for _, candidate := range candidates {
		candidate = vault.Clean(candidate)
		if path.Ext(candidate) != "" && i.files.Exists(candidate) {
			return importScheme + candidate, nil
		}
	}

	return "", nil
}

// Load implements godartsass.ImportResolver.
func (i importer) Load(canonical string) (godartsass.Import, error) {
	name := strings.TrimPrefix(canonical, importScheme)
	text, err := i.files.Read(name)
	if err != nil {
		return godartsass.Import{}, err
	}

	syntax := godartsass.SourceSyntaxSCSS
	switch path.Ext(name) {
	case ".sass":
		syntax = godartsass.SourceSyntaxSASS
	case ".css":
		syntax = godartsass.SourceSyntaxCSS
	}

	return godartsass.Import{Content: text, SourceSyntax: syntax}, nil
}
