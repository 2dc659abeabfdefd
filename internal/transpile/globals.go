package transpile

// Names emitted into transpiled code.
const (
	// RuntimeGlobal is the global object the loader installs, it gives transpiled
	// code access to scopes, whitelist modules and components.
	RuntimeGlobal = "__emera"

	// ScopeLocal is the module local holding the region's scope accessor.
	ScopeLocal = "__emeraScope"

	// JSXImportSource is the package JSX is compiled against.
	JSXImportSource = "emera"

	// JSXRuntime is the module the compiled JSX imports its factories from.
	JSXRuntime = JSXImportSource + "/jsx-runtime"
)

// hostGlobals are identifiers provided by the runtime itself, reads of these are
// never redirected through a scope.
var hostGlobals = map[string]bool{
	RuntimeGlobal: true,
	ScopeLocal:    true,

	"AggregateError":       true,
	"Array":                true,
	"ArrayBuffer":          true,
	"Atomics":              true,
	"BigInt":               true,
	"BigInt64Array":        true,
	"BigUint64Array":       true,
	"Boolean":              true,
	"DataView":             true,
	"Date":                 true,
	"Error":                true,
	"EvalError":            true,
	"FinalizationRegistry": true,
	"Float32Array":         true,
	"Float64Array":         true,
	"Function":             true,
	"Infinity":             true,
	"Int16Array":           true,
	"Int32Array":           true,
	"Int8Array":            true,
	"Intl":                 true,
	"JSON":                 true,
	"Map":                  true,
	"Math":                 true,
	"NaN":                  true,
	"Number":               true,
	"Object":               true,
	"Promise":              true,
	"Proxy":                true,
	"RangeError":           true,
	"ReferenceError":       true,
	"Reflect":              true,
	"RegExp":               true,
	"Set":                  true,
	"SharedArrayBuffer":    true,
	"String":               true,
	"Symbol":               true,
	"SyntaxError":          true,
	"TypeError":            true,
	"URIError":             true,
	"Uint16Array":          true,
	"Uint32Array":          true,
	"Uint8Array":           true,
	"Uint8ClampedArray":    true,
	"WeakMap":              true,
	"WeakRef":              true,
	"WeakSet":              true,
	"arguments":            true,
	"clearInterval":        true,
	"clearTimeout":         true,
	"console":              true,
	"decodeURI":            true,
	"decodeURIComponent":   true,
	"document":             true,
	"encodeURI":            true,
	"encodeURIComponent":   true,
	"escape":               true,
	"eval":                 true,
	"exports":              true,
	"globalThis":           true,
	"isFinite":             true,
	"isNaN":                true,
	"module":               true,
	"parseFloat":           true,
	"parseInt":             true,
	"queueMicrotask":       true,
	"require":              true,
	"self":                 true,
	"setInterval":          true,
	"setTimeout":           true,
	"undefined":            true,
	"unescape":             true,
	"window":               true,
}
