// Package emera implements the actual functionality exposed via the CLI.
package emera

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/plugin"
	"go.followtheprocess.codes/emera/internal/scheduler"
	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/emera/internal/syntax/parser"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/emera/internal/tui"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/msg"
	"golang.org/x/sync/errgroup"
)

// Emera holds the state of the program.
type Emera struct {
	stdout  io.Writer // Normal program output is written here
	stderr  io.Writer // Logs and debug info
	version string    // Version of the binary, code sees it as app.version
	debug   bool      // Whether debug logging is forced on
}

// New returns a new instance of [Emera].
func New(stdout, stderr io.Writer, version string, debug bool) Emera {
	return Emera{
		stdout:  stdout,
		stderr:  stderr,
		version: version,
		debug:   debug,
	}
}

// VaultOptions are the flags shared by every subcommand that works on a vault.
type VaultOptions struct {
	Vault  string // Root of the vault, the current directory by default
	Config string // Settings file, emera.yaml in the vault root by default
}

// logger returns the program's logger at the configured level.
func (e Emera) logger(level string) *log.Logger {
	if e.debug {
		level = "debug"
	}

	var lvl log.Level
	switch level {
	case "debug":
		lvl = log.LevelDebug
	case "warn":
		lvl = log.LevelWarn
	case "error":
		lvl = log.LevelError
	default:
		lvl = log.LevelInfo
	}

	return log.New(e.stderr, log.WithLevel(lvl))
}

// vault opens the vault and loads its settings.
func (e Emera) vault(options VaultOptions) (vault.Dir, config.Settings, error) {
	root := options.Vault
	if root == "" {
		root = "."
	}

	dir, err := vault.NewDir(root)
	if err != nil {
		return vault.Dir{}, config.Settings{}, err
	}

	path := options.Config
	if path == "" {
		path = filepath.Join(dir.Root(), config.FileName)
	}

	settings, err := config.Load(path)
	if err != nil {
		return vault.Dir{}, config.Settings{}, err
	}

	return dir, settings, nil
}

// open starts emera on a vault and loads the user module.
//
// A user module that fails to load is reported but isn't fatal, documents still
// render with whatever doesn't depend on it. The returned plugin must be unloaded.
func (e Emera) open(ctx context.Context, options VaultOptions, opts ...plugin.Option) (*plugin.Plugin, vault.Dir, error) {
	dir, settings, err := e.vault(options)
	if err != nil {
		return nil, vault.Dir{}, err
	}

	opts = append(opts, plugin.WithApp(host.App{Vault: dir.Root(), Version: e.version}))

	p, err := plugin.New(dir, settings, e.logger(settings.LogLevel), opts...)
	if err != nil {
		return nil, vault.Dir{}, err
	}

	if err := p.Load(ctx); err != nil {
		msg.Fwarn(e.stderr, "Could not load the user module: %v", err)
	}

	return p, dir, nil
}

// InitOptions are the flags passed to the `emera init` subcommand.
type InitOptions struct {
	VaultOptions

	Force bool // Overwrite an existing settings file
}

// Init implements the `emera init` subcommand, writing the default settings and an
// entry file for the user module if the vault doesn't have them.
func (e Emera) Init(options InitOptions) error {
	dir, err := vault.NewDir(cmp.Or(options.Vault, "."))
	if err != nil {
		return err
	}

	path := cmp.Or(options.Config, filepath.Join(dir.Root(), config.FileName))
	if _, err := os.Stat(path); err == nil && !options.Force {
		return fmt.Errorf("%s already exists, use --force to overwrite it", path)
	}

	settings := config.Default()
	if err := settings.Save(path); err != nil {
		return err
	}
	msg.Fsuccess(e.stdout, "Wrote settings to %s", path)

	candidates := settings.EntryCandidates()
	if slices.ContainsFunc(candidates, dir.Exists) {
		return nil
	}

	// The starter uses JSX so it needs the .jsx candidate
	entry := candidates[slices.IndexFunc(candidates, func(c string) bool { return strings.HasSuffix(c, ".jsx") })]
	if err := dir.Write(entry, starterModule); err != nil {
		return err
	}
	msg.Fsuccess(e.stdout, "Wrote a starter user module to %s", entry)

	return nil
}

// starterModule is the entry file written by Init.
const starterModule = `// Everything exported here is available to every note in the vault.

export const Callout = ({ children }) => <blockquote>{children}</blockquote>;
`

// Check implements the `emera check` subcommand.
//
// Every file is checked, it fails if any of them has malformed regions or regions
// that don't compile.
func (e Emera) Check(ctx context.Context, files []string) error {
	transpiler := transpile.New(host.New(config.Default(), host.App{}, e.logger(config.DefaultLogLevel)))

	var failed []string
	for _, file := range files {
		if err := e.check(ctx, transpiler, file); err != nil {
			fmt.Fprintln(e.stderr, err)
			failed = append(failed, file)
		}
	}

	if len(failed) != 0 {
		return fmt.Errorf("%d of %d files failed: %s", len(failed), len(files), strings.Join(failed, ", "))
	}

	return nil
}

// check checks a single file.
func (e Emera) check(ctx context.Context, transpiler *transpile.Transpiler, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	parser, err := parser.New(file, f, syntax.PrettyConsoleHandler(e.stderr))
	if err != nil {
		return err
	}

	doc, err := parser.Parse()
	if err != nil {
		return fmt.Errorf("%w: %s has malformed regions", err, file)
	}

	errs := make([]error, len(doc.Regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, region := range doc.Regions {
		g.Go(func() error {
			errs[i] = compile(gctx, transpiler, region)
			return nil
		})
	}
	_ = g.Wait() // Failures are collected per region

	var bad int
	for i, err := range errs {
		if err != nil {
			bad++
			fmt.Fprintf(e.stderr, "%s: %v\n", doc.Regions[i].Position, err)
		}
	}

	if bad != 0 {
		return fmt.Errorf("%s: %d of %d regions failed to compile", file, bad, len(doc.Regions))
	}

	msg.Fsuccess(e.stdout, "%s is valid", file)
	return nil
}

// compile compiles a region the way the scheduler would, without running it.
func compile(ctx context.Context, transpiler *transpile.Transpiler, region syntax.Region) error {
	options := transpile.Options{Name: fmt.Sprintf("region #%d", region.Index)}

	var err error
	switch {
	case region.Kind == syntax.BlockScript:
		_, err = transpiler.Transpile(ctx, region.Source, options)
	case region.Kind == syntax.InlineScript:
		_, err = transpiler.CompileExpression(ctx, region.Source, options)
	case region.Component != "" || strings.TrimSpace(region.Source) == "":
		// Named components take their body as plain text
	default:
		_, err = transpiler.CompileMarkup(ctx, region.Source, options)
	}

	return err
}

// RegionsOptions are the flags passed to the `emera regions` subcommand.
type RegionsOptions struct {
	JSON bool // Output the regions as JSON
}

// Regions implements the `emera regions` subcommand.
func (e Emera) Regions(file string, options RegionsOptions) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	parser, err := parser.New(file, f, syntax.PrettyConsoleHandler(e.stderr))
	if err != nil {
		return err
	}

	doc, err := parser.Parse()
	if err != nil {
		return fmt.Errorf("%w: %s has malformed regions", err, file)
	}

	if options.JSON {
		return json.NewEncoder(e.stdout).Encode(doc)
	}

	if len(doc.Regions) == 0 {
		fmt.Fprintf(e.stdout, "%s has no regions\n", file)
		return nil
	}

	fmt.Fprint(e.stdout, doc.String())
	return nil
}

// RenderOptions are the flags passed to the `emera render` subcommand.
type RenderOptions struct {
	VaultOptions

	Output     string // File to write the HTML to, stdout if empty
	Standalone bool   // Wrap the output in a full HTML page including injected styles
}

// Render implements the `emera render` subcommand.
func (e Emera) Render(ctx context.Context, file string, options RenderOptions) (err error) {
	p, dir, err := e.open(ctx, options.VaultOptions)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, p.Unload()) }()

	path, err := dir.Rel(file)
	if err != nil {
		return err
	}

	rendered, err := p.Render(ctx, path)
	if err != nil {
		return err
	}

	out := rendered[0].HTML
	if options.Standalone {
		out = page(path, out, p.Styles())
	}

	if options.Output == "" {
		fmt.Fprint(e.stdout, out)
		return nil
	}

	if err := os.WriteFile(options.Output, []byte(out), 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", options.Output, err)
	}

	msg.Fsuccess(e.stdout, "Rendered %s to %s (%d regions)", file, options.Output, rendered[0].Regions)
	return nil
}

// page wraps rendered HTML in a complete document.
func page(title, body string, styles []string) string {
	var s strings.Builder
	s.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&s, "<title>%s</title>\n", title)
	for _, style := range styles {
		fmt.Fprintf(&s, "<style>\n%s\n</style>\n", style)
	}
	s.WriteString("</head>\n<body>\n")
	s.WriteString(body)
	s.WriteString("</body>\n</html>\n")
	return s.String()
}

// ShowOptions are the flags passed to the `emera show` subcommand.
type ShowOptions struct {
	VaultOptions

	Bundle bool // Show the bundled source before it's compiled
}

// Show implements the `emera show` subcommand.
func (e Emera) Show(ctx context.Context, options ShowOptions) (err error) {
	dir, settings, err := e.vault(options.VaultOptions)
	if err != nil {
		return err
	}

	p, err := plugin.New(dir, settings, e.logger(settings.LogLevel))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, p.Unload()) }()

	source, err := p.Source(ctx)
	if err != nil {
		return err
	}

	if options.Bundle {
		fmt.Fprintln(e.stdout, strings.TrimSpace(source.Bundled))
		return nil
	}

	fmt.Fprintln(e.stdout, strings.TrimSpace(source.Code))
	return nil
}

// ExportsOptions are the flags passed to the `emera exports` subcommand.
type ExportsOptions struct {
	VaultOptions

	JSON bool // Output the exports as JSON
}

// Exports implements the `emera exports` subcommand.
func (e Emera) Exports(ctx context.Context, options ExportsOptions) (err error) {
	p, _, err := e.open(ctx, options.VaultOptions)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, p.Unload()) }()

	names := p.Exports()
	types := make(map[string]string, len(names))
	root := p.Host().Root()
	for _, name := range names {
		value, _ := root.Lookup(name)
		kind, err := p.Loader().TypeOf(ctx, value)
		if err != nil {
			return err
		}
		types[name] = kind
	}

	if options.JSON {
		return json.NewEncoder(e.stdout).Encode(types)
	}

	if len(names) == 0 {
		fmt.Fprintln(e.stdout, "The user module has no exports")
		return nil
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "TYPE")
	for _, name := range names {
		tbl.Row(name, types[name])
	}

	fmt.Fprintln(e.stdout, tbl.String())
	return nil
}

// Repl implements the `emera repl` subcommand.
func (e Emera) Repl(ctx context.Context, options VaultOptions) (err error) {
	p, _, err := e.open(ctx, options)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, p.Unload()) }()

	session, err := newSession(p)
	if err != nil {
		return err
	}

	return session.run(ctx, e.stdout, e.stderr)
}

// Edit implements the `emera edit` subcommand.
//
// If file is empty a picker is shown to choose a document from the vault.
func (e Emera) Edit(ctx context.Context, file string, options VaultOptions) (err error) {
	outputs := tui.NewOutputs()

	p, dir, err := e.open(ctx, options, plugin.WithSchedulerOptions(scheduler.WithNotify(outputs.Notify)))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, p.Unload()) }()

	return tui.Run(ctx, p, dir, file, outputs)
}
