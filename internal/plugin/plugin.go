// Package plugin owns everything emera builds on top of a vault: the process wide
// context, the runtime, the scheduler and the storage sidecar.
//
// A [Plugin] is created with [New], loads the user module with [Plugin.Load] and is
// torn down with [Plugin.Unload]. In between documents are handed to it for rendering
// and editing, and [Plugin.Refresh] reloads the user module and re-renders them all.
package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"go.followtheprocess.codes/emera/internal/bundle"
	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/loader"
	"go.followtheprocess.codes/emera/internal/scheduler"
	"go.followtheprocess.codes/emera/internal/storage"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
	"golang.org/x/sync/errgroup"
)

// Plugin is emera running against a single vault.
type Plugin struct {
	host       *host.Context         // Process wide context
	files      vault.FS              // The vault
	metadata   *vault.Metadata       // Frontmatter of documents in the vault
	markdown   goldmark.Markdown     // Renders documents and the Markdown component
	bundler    *bundle.Bundler       // Bundles the user module
	transpiler *transpile.Transpiler // Compiles code
	loader     *loader.Loader        // Runs code
	scheduler  *scheduler.Scheduler  // Executes document regions
	storage    *storage.Storage      // Storage sidecar behind useStorage
	logger     *log.Logger           // Plugin logger
	exports    []string              // Names the user module bound in the root scope
	mu         sync.Mutex            // Serialises loads of the user module
	unload     sync.Once             // Guards Unload
}

// options holds the optional configuration of a [Plugin].
type options struct {
	sass      bundle.SassCompiler
	scheduler []scheduler.Option
	app       host.App
}

// Option is a functional option for configuring a [Plugin].
type Option func(*options)

// WithSass sets the stylesheet compiler used when bundling the user module.
func WithSass(sass bundle.SassCompiler) Option {
	return func(o *options) {
		o.sass = sass
	}
}

// WithApp sets the description of the host application code sees as `app`.
func WithApp(app host.App) Option {
	return func(o *options) {
		o.app = app
	}
}

// WithSchedulerOptions passes options through to the [scheduler.Scheduler].
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) {
		o.scheduler = append(o.scheduler, opts...)
	}
}

// New builds a [Plugin] for the vault in files.
//
// The user module isn't loaded until [Plugin.Load] is called, regions that need it
// wait until then.
func New(files vault.FS, settings config.Settings, logger *log.Logger, opts ...Option) (*Plugin, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx := host.New(settings, o.app, logger)

	markdown := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	store := storage.New(files, ctx.Settings().StoragePath(), logger)
	if err := store.Init(); err != nil {
		// Components still work, they just start from empty state
		logger.Warn("Could not load storage", "error", err)
	}

	l, err := loader.New(ctx, loader.WithStore(store), loader.WithMarkdown(markdown))
	if err != nil {
		return nil, err
	}

	var bundleOptions []bundle.Option
	if o.sass != nil {
		bundleOptions = append(bundleOptions, bundle.WithSass(o.sass))
	}

	metadata := vault.NewMetadata(files)
	transpiler := transpile.New(ctx)

	schedulerOptions := append([]scheduler.Option{scheduler.WithMetadata(metadata)}, o.scheduler...)

	return &Plugin{
		host:       ctx,
		files:      files,
		metadata:   metadata,
		markdown:   markdown,
		bundler:    bundle.New(files, ctx.Settings(), logger, bundleOptions...),
		transpiler: transpiler,
		loader:     l,
		scheduler:  scheduler.New(ctx, transpiler, l, schedulerOptions...),
		storage:    store,
		logger:     logger.Prefixed("plugin"),
	}, nil
}

// Host returns the process wide context.
func (p *Plugin) Host() *host.Context {
	return p.host
}

// Scheduler returns the scheduler executing document regions.
func (p *Plugin) Scheduler() *scheduler.Scheduler {
	return p.scheduler
}

// Loader returns the runtime user code runs in.
func (p *Plugin) Loader() *loader.Loader {
	return p.loader
}

// Transpiler returns the compiler used for user code.
func (p *Plugin) Transpiler() *transpile.Transpiler {
	return p.transpiler
}

// Files returns the vault.
func (p *Plugin) Files() vault.FS {
	return p.files
}

// Load loads the user module and binds its exports in the root scope.
//
// Regions waiting on the user module are released whatever happens. A vault
// without an entry file is fine and leaves the root scope without user exports,
// any other failure is returned.
func (p *Plugin) Load(ctx context.Context) error {
	defer p.host.MarkReady()
	return p.load(ctx)
}

// Refresh reloads the user module and re-renders every open document.
//
// Regions are held while the module loads so none of them render against a half
// updated root scope.
func (p *Plugin) Refresh(ctx context.Context) error {
	root := p.host.Root()
	root.Block()
	err := p.load(ctx)
	root.Unblock()

	p.scheduler.RefreshAll()

	if err != nil {
		return err
	}

	p.logger.Info("Refreshed user module", "exports", len(p.Exports()))
	return nil
}

// load bundles, compiles and runs the user module, then merges its exports into
// the root scope. On failure the root scope is left as it was.
func (p *Plugin) load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()

	exports, err := p.module(ctx)
	if err != nil {
		// Keep the last good exports bound so open documents keep rendering
		return err
	}

	p.bind(exports)
	p.logger.Debug("Loaded user module", "exports", slices.Sorted(maps.Keys(exports)), "took", time.Since(start))

	return nil
}

// module returns the exports of the user module, nil if there isn't one.
func (p *Plugin) module(ctx context.Context) (map[string]any, error) {
	source, err := p.Source(ctx)
	if errors.Is(err, bundle.ErrMissingEntry) {
		p.logger.Warn("No user module", "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	module, err := p.loader.Load(ctx, source.Code, source.Entry)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", source.Entry, err)
	}

	return module.Exports(), nil
}

// Source is the user module at each stage of compilation.
type Source struct {
	Entry   string // Vault path of the entry file
	Bundled string // The entry file with everything it imports bundled in
	Code    string // Bundled source compiled to what the runtime executes
}

// Source bundles and compiles the user module without running it.
//
// A vault without an entry file returns an error wrapping [bundle.ErrMissingEntry].
func (p *Plugin) Source(ctx context.Context) (Source, error) {
	entry, err := p.bundler.FindEntry()
	if err != nil {
		return Source{}, err
	}

	bundled, err := p.bundler.Bundle(entry)
	if err != nil {
		return Source{}, err
	}

	code, err := p.transpiler.Transpile(ctx, bundled, transpile.Options{Name: entry})
	if err != nil {
		return Source{}, err
	}

	return Source{Entry: entry, Bundled: bundled, Code: code}, nil
}

// bind merges the user exports into the root scope. Names the module no longer
// exports stay bound until the next load replaces them, so regions still reading
// them keep working until they re-render.
func (p *Plugin) bind(exports map[string]any) {
	p.host.Root().SetMany(exports)
	p.exports = slices.Collect(maps.Keys(exports))
}

// Exports returns the names of the user module's exports, sorted.
func (p *Plugin) Exports() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(slices.Values(p.exports))
}

// Rendered is the static render of a document.
type Rendered struct {
	Path    string // Vault path of the document
	HTML    string // Rendered HTML with region output spliced in
	Regions int    // Number of regions found
}

// Render renders the documents at the given vault paths to HTML, executing every
// region in them. Documents are read and converted concurrently, their regions run
// through the scheduler's preview path.
func (p *Plugin) Render(ctx context.Context, paths ...string) ([]Rendered, error) {
	sections := make([]*scheduler.Section, len(paths))
	rendered := make([]Rendered, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			text, err := p.files.Read(path)
			if err != nil {
				return err
			}

			var out bytes.Buffer
			if err := p.markdown.Convert([]byte(vault.Body(text)), &out); err != nil {
				return fmt.Errorf("could not render %s: %w", path, err)
			}

			if gctx.Err() != nil {
				return gctx.Err()
			}

			section, err := scheduler.NewSection(out.String())
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			sections[i] = section
			rendered[i] = Rendered{
				Path:    vault.Clean(path),
				Regions: p.scheduler.Preview(vault.Clean(path), path, section),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := p.scheduler.Wait(ctx); err != nil {
		return nil, err
	}

	for i, section := range sections {
		out, err := section.HTML()
		if err != nil {
			return nil, err
		}
		rendered[i].HTML = out
	}

	return rendered, nil
}

// Edit hands the editor path an edit of the document at path, see
// [scheduler.Scheduler.Update].
func (p *Plugin) Edit(path, text string, cursor int) []scheduler.Decoration {
	return p.scheduler.Update(path, text, cursor)
}

// Save writes a document back to the vault and tells anything watching its
// metadata that it changed.
func (p *Plugin) Save(path, text string) error {
	if err := p.files.Write(path, text); err != nil {
		return err
	}
	p.metadata.Changed(path)
	return nil
}

// Close closes a document, stopping its regions.
func (p *Plugin) Close(path string) {
	p.scheduler.Close(path)
}

// Styles returns the stylesheets injected by user code, in the order they were
// first added.
func (p *Plugin) Styles() []string {
	return p.loader.Styles()
}

// Unload stops every region, flushes storage and shuts the runtime down.
//
// It is safe to call more than once.
func (p *Plugin) Unload() error {
	var err error
	p.unload.Do(func() {
		p.scheduler.Shutdown()
		p.loader.Close()
		err = errors.Join(p.bundler.Close(), p.storage.Close())
		p.logger.Debug("Unloaded")
	})
	return err
}
