// Package host defines the process-wide context shared by every part of the engine.
//
// A [Context] owns the root of the scope tree, the whitelist of importable host
// modules and the signal that the user's module has finished loading. It is built
// once when emera starts and handed to the transpiler, bundler, loader and scheduler
// when they are constructed, its lifetime is that of the plugin.
package host

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/log"
)

// RootID is the ID of the root scope node.
const RootID = "root"

// Root scope bindings populated by the host.
const (
	BindingModules = "modules" // Names of the importable whitelist modules
	BindingApp     = "app"     // Description of the host application
)

// Module builds the exports of a whitelist module inside a JavaScript runtime.
//
// It is called at most once per runtime, the first time the module is imported.
type Module func(vm *goja.Runtime) (*goja.Object, error)

// App describes the host application to code running in regions.
type App struct {
	Vault            string `json:"vault"`            // Root of the vault on disk, empty for in-memory vaults
	ComponentsFolder string `json:"componentsFolder"` // Vault folder holding the user's components
	Version          string `json:"version"`          // emera version
}

// Context is the process-wide state shared by every component.
type Context struct {
	root     *scope.Node       // Root of the scope tree
	logger   *log.Logger       // Base logger, components derive prefixed loggers from it
	modules  map[string]Module // Whitelist of importable modules by specifier
	ready    chan struct{}     // Closed once the user module has loaded (or failed to)
	settings config.Settings   // User settings
	mu       sync.RWMutex      // Guards modules
	once     sync.Once         // Guards closing ready
}

// Option is a functional option for configuring a [Context].
type Option func(*Context)

// WithModule registers a whitelist module under the given import specifier.
func WithModule(specifier string, module Module) Option {
	return func(c *Context) {
		c.modules[specifier] = module
	}
}

// WithScopeOptions passes options through to the construction of the root scope node.
func WithScopeOptions(options ...scope.Option) Option {
	return func(c *Context) {
		c.root = scope.New(RootID, options...)
	}
}

// New returns a new [Context].
func New(settings config.Settings, app App, logger *log.Logger, options ...Option) *Context {
	c := &Context{
		root:     scope.New(RootID),
		logger:   logger,
		modules:  make(map[string]Module),
		ready:    make(chan struct{}),
		settings: settings,
	}

	for _, option := range options {
		option(c)
	}

	app.ComponentsFolder = settings.ComponentsFolder
	c.root.SetMany(map[string]any{
		BindingModules: c.ModuleNames(),
		BindingApp:     app,
	})

	return c
}

// Root returns the root of the scope tree.
func (c *Context) Root() *scope.Node {
	return c.root
}

// Logger returns the base logger.
func (c *Context) Logger() *log.Logger {
	return c.logger
}

// Settings returns the user settings.
func (c *Context) Settings() config.Settings {
	return c.settings
}

// Scope returns the scope node with the given ID, the root included.
func (c *Context) Scope(id string) (*scope.Node, bool) {
	if id == RootID {
		return c.root, true
	}
	return c.root.Descendant(id)
}

// Register adds a whitelist module, replacing any previously registered under
// the same specifier.
func (c *Context) Register(specifier string, module Module) {
	c.mu.Lock()
	c.modules[specifier] = module
	c.mu.Unlock()

	c.root.Set(BindingModules, c.ModuleNames())
}

// Module returns the whitelist module registered under specifier.
func (c *Context) Module(specifier string) (Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	module, ok := c.modules[specifier]
	return module, ok
}

// ModuleNames returns the sorted specifiers of every whitelist module.
func (c *Context) ModuleNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.modules))
}

// MissingModule returns the message shown when code imports a module that isn't
// on the whitelist.
func (c *Context) MissingModule(specifier string) string {
	return fmt.Sprintf(
		"You're trying to import module %s, but it isn't available. You can only import modules "+
			"that emera provides (%s) and files from your components folder with relative imports",
		specifier,
		strings.Join(c.ModuleNames(), ", "),
	)
}

// MarkReady signals that the user module has finished loading, it is safe to
// call more than once.
func (c *Context) MarkReady() {
	c.once.Do(func() { close(c.ready) })
}

// Ready returns a channel closed once the user module has finished loading.
func (c *Context) Ready() <-chan struct{} {
	return c.ready
}
