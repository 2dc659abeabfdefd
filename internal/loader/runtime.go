package loader

import (
	"bytes"
	"errors"
	"strings"

	"github.com/dop251/goja"
)

// elementTag marks objects created by the JSX factories as elements.
const elementTag = "emera.element"

// element returns a new element of the given type.
func (l *Loader) element(vm *goja.Runtime, kind, props, key goja.Value) *goja.Object {
	if props == nil || goja.IsUndefined(props) || goja.IsNull(props) {
		props = vm.NewObject()
	}
	if key == nil || goja.IsUndefined(key) {
		key = goja.Null()
	}

	el := vm.NewObject()
	setProperty(vm, el, "$$typeof", elementTag)
	setProperty(vm, el, "type", kind)
	setProperty(vm, el, "props", props)
	setProperty(vm, el, "key", key)
	return el
}

// isElement reports whether value is an element.
func isElement(value goja.Value) (*goja.Object, bool) {
	obj, ok := value.(*goja.Object)
	if !ok {
		return nil, false
	}
	tag := obj.Get("$$typeof")
	if tag == nil || tag.String() != elementTag {
		return nil, false
	}
	return obj, true
}

// jsxRuntime builds the module compiled markup imports its factories from.
func (l *Loader) jsxRuntime(vm *goja.Runtime) (*goja.Object, error) {
	factory := func(call goja.FunctionCall) goja.Value {
		return l.element(vm, call.Argument(0), call.Argument(1), call.Argument(2))
	}

	exports := vm.NewObject()
	for _, name := range []string{"jsx", "jsxs", "jsxDEV"} {
		if err := exports.Set(name, factory); err != nil {
			return nil, err
		}
	}
	if err := exports.Set("Fragment", l.fragment); err != nil {
		return nil, err
	}

	return exports, nil
}

// reactModule builds a module with the parts of the React API that make sense for
// a single static render: hooks return their initial state and effects never run.
func (l *Loader) reactModule(vm *goja.Runtime) (*goja.Object, error) {
	initial := func(value goja.Value) goja.Value {
		if fn, ok := goja.AssertFunction(value); ok {
			result, err := fn(goja.Undefined())
			if err != nil {
				throw(vm, err)
			}
			return result
		}
		return value
	}
	noop := vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })

	members := map[string]any{
		"Fragment": l.fragment,
		"createElement": func(call goja.FunctionCall) goja.Value {
			props := vm.NewObject()
			if given, ok := call.Argument(1).(*goja.Object); ok {
				for _, key := range given.Keys() {
					setProperty(vm, props, key, given.Get(key))
				}
			}
			switch children := call.Arguments[min(2, len(call.Arguments)):]; len(children) {
			case 0:
			case 1:
				setProperty(vm, props, "children", children[0])
			default:
				setProperty(vm, props, "children", vm.NewArray(toAny(children)...))
			}
			return l.element(vm, call.Argument(0), props, props.Get("key"))
		},
		"useState": func(call goja.FunctionCall) goja.Value {
			return vm.NewArray(initial(call.Argument(0)), noop)
		},
		"useReducer": func(call goja.FunctionCall) goja.Value {
			return vm.NewArray(call.Argument(1), noop)
		},
		"useMemo": func(call goja.FunctionCall) goja.Value {
			return initial(call.Argument(0))
		},
		"useCallback": func(call goja.FunctionCall) goja.Value {
			return call.Argument(0)
		},
		"useRef": func(call goja.FunctionCall) goja.Value {
			ref := vm.NewObject()
			setProperty(vm, ref, "current", call.Argument(0))
			return ref
		},
		"useEffect":       noop,
		"useLayoutEffect": noop,
		"useContext":      noop,
	}

	exports := vm.NewObject()
	for name, member := range members {
		if err := exports.Set(name, member); err != nil {
			return nil, err
		}
	}

	return exports, nil
}

// emeraModule builds the module of helpers emera gives components.
func (l *Loader) emeraModule(vm *goja.Runtime) (*goja.Object, error) {
	storage := vm.NewObject()
	setProperty(vm, storage, "get", func(call goja.FunctionCall) goja.Value {
		if l.store == nil {
			return goja.Undefined()
		}
		value, ok := l.store.Get(call.Argument(0).String())
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(value)
	})
	setProperty(vm, storage, "set", func(call goja.FunctionCall) goja.Value {
		if l.store != nil {
			l.store.Set(call.Argument(0).String(), call.Argument(1).Export())
		}
		return goja.Undefined()
	})
	setProperty(vm, storage, "delete", func(call goja.FunctionCall) goja.Value {
		if l.store != nil {
			l.store.Delete(call.Argument(0).String())
		}
		return goja.Undefined()
	})

	members := map[string]any{
		"storage": storage,
		"Markdown": func(call goja.FunctionCall) goja.Value {
			props := call.Argument(0).ToObject(vm)
			html, err := l.renderMarkdown(childrenText(props.Get("children")))
			if err != nil {
				panic(vm.NewGoError(err))
			}

			inner := vm.NewObject()
			setProperty(vm, inner, "__html", html)

			attrs := vm.NewObject()
			setProperty(vm, attrs, "className", "emera-markdown")
			setProperty(vm, attrs, "dangerouslySetInnerHTML", inner)

			return l.element(vm, vm.ToValue("div"), attrs, goja.Null())
		},
		"useStorage": func(call goja.FunctionCall) goja.Value {
			key := call.Argument(0).String()
			value := call.Argument(1)
			if l.store != nil {
				if stored, ok := l.store.Get(key); ok {
					value = vm.ToValue(stored)
				}
			}
			set := func(call goja.FunctionCall) goja.Value {
				if l.store != nil {
					l.store.Set(key, call.Argument(0).Export())
				}
				return goja.Undefined()
			}
			return vm.NewArray(value, set)
		},
		"useEmeraContext": func(goja.FunctionCall) goja.Value {
			ctx := vm.NewObject()
			setProperty(vm, ctx, "storage", storage)
			if l.page.File != nil {
				setProperty(vm, ctx, "file", l.page.File)
			} else {
				setProperty(vm, ctx, "file", goja.Null())
			}
			if l.page.Frontmatter != nil {
				setProperty(vm, ctx, "frontmatter", l.page.Frontmatter)
			} else {
				setProperty(vm, ctx, "frontmatter", goja.Undefined())
			}
			return ctx
		},
	}

	exports := vm.NewObject()
	for name, member := range members {
		if err := exports.Set(name, member); err != nil {
			return nil, err
		}
	}

	return exports, nil
}

// renderMarkdown renders markdown text to HTML.
func (l *Loader) renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := l.markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// childrenText flattens children given to a component into plain text.
func childrenText(children goja.Value) string {
	if children == nil || goja.IsUndefined(children) || goja.IsNull(children) {
		return ""
	}
	if obj, ok := children.(*goja.Object); ok && obj.ClassName() == "Array" {
		var s strings.Builder
		for _, key := range obj.Keys() {
			s.WriteString(childrenText(obj.Get(key)))
		}
		return s.String()
	}
	return children.String()
}

// throw raises err inside the runtime, JavaScript exceptions are rethrown as is.
func throw(vm *goja.Runtime, err error) {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		panic(exception.Value())
	}
	panic(vm.NewGoError(err))
}

// setProperty sets a property on an object, raising the failure inside the runtime
// if the object refuses it.
func setProperty(vm *goja.Runtime, obj *goja.Object, name string, value any) {
	if err := obj.Set(name, value); err != nil {
		throw(vm, err)
	}
}

// toAny converts values for passing to NewArray.
func toAny(values []goja.Value) []any {
	out := make([]any, 0, len(values))
	for _, value := range values {
		out = append(out, value)
	}
	return out
}
