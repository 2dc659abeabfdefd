package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrClosed is returned by every operation on a [Loader] that has been closed.
var ErrClosed = errors.New("loader is closed")

// Capability kinds reported by [MissingCapabilityError].
const (
	KindModule    = "module"
	KindComponent = "component"
)

// MissingCapabilityError is raised when code imports a module that isn't on the
// whitelist, or renders a component that isn't in scope.
type MissingCapabilityError struct {
	Kind    string // KindModule or KindComponent
	Name    string // The module specifier or component name
	Message string // User facing explanation
}

// Error implements the error interface for [MissingCapabilityError].
func (e MissingCapabilityError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s is not available", e.Kind, e.Name)
}

// MissingComponent returns the error raised for a component not found in scope.
func MissingComponent(name string) MissingCapabilityError {
	return MissingCapabilityError{
		Kind: KindComponent,
		Name: name,
		Message: fmt.Sprintf(
			"You're trying to render component %s, but it's missing from registry. "+
				"Make sure it's exported from your components folder or defined in an earlier block",
			name,
		),
	}
}

// EvaluationError is returned when user code throws while being evaluated or rendered.
type EvaluationError struct {
	Err     error  // What was thrown, a Go error thrown into the runtime is returned as is
	Message string // The thrown value as a string
	Stack   string // JavaScript stack trace, may be empty
}

// Error implements the error interface for [EvaluationError].
func (e *EvaluationError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// evaluationError converts err, as returned by the runtime, into an [*EvaluationError].
func evaluationError(err error) error {
	if err == nil {
		return nil
	}

	var already *EvaluationError
	if errors.As(err, &already) {
		return err
	}

	var exception *goja.Exception
	if !errors.As(err, &exception) {
		// Syntax errors and interrupts
		return &EvaluationError{Message: err.Error(), Err: err}
	}

	evalErr := &EvaluationError{
		Message: exception.Value().String(),
		Stack:   exception.String(),
		Err:     exception,
	}

	if cause := thrownGoError(exception.Value()); cause != nil {
		evalErr.Message = cause.Error()
		evalErr.Err = cause
	}

	return evalErr
}

// rejection converts the reason a promise was rejected with into an [*EvaluationError].
func rejection(reason goja.Value) error {
	if cause := thrownGoError(reason); cause != nil {
		return &EvaluationError{Message: cause.Error(), Err: cause}
	}

	evalErr := &EvaluationError{Message: "promise rejected"}
	if reason != nil {
		evalErr.Message = reason.String()
	}

	if obj, ok := reason.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			evalErr.Stack = stack.String()
		}
	}

	evalErr.Err = errors.New(evalErr.Message)
	return evalErr
}

// thrownGoError returns the Go error wrapped by a value created with NewGoError.
func thrownGoError(value goja.Value) error {
	obj, ok := value.(*goja.Object)
	if !ok {
		return nil
	}
	wrapped := obj.Get("value")
	if wrapped == nil {
		return nil
	}
	err, ok := wrapped.Export().(error)
	if !ok {
		return nil
	}
	return err
}

// modulePath prefixes the Go functions the runtime calls into, they show up in
// stacks as native frames.
const modulePath = "go.followtheprocess.codes/emera/"

// CleanStack replaces every occurrence of a module name in a stack trace so users
// see where in their own code something went wrong, and drops the native frames
// of our own Go functions which mean nothing to them.
func CleanStack(stack, name string) string {
	lines := strings.Split(stack, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasSuffix(trimmed, "(native)") && strings.Contains(trimmed, modulePath) {
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.Join(kept, "\n")
	if name == "" {
		return cleaned
	}
	return strings.ReplaceAll(cleaned, name, "(your code)")
}
