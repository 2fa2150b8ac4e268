package corerun

import "fmt"

// Schema validates a value, optionally normalizing it (e.g. applying
// defaults) before returning the value that should actually flow through
// the pipeline. Adapted from the teacher's pkg/schema.Schema interface,
// generalized from string/number primitives to a single contract any
// validator can sit behind.
type Schema interface {
	Validate(value any) (any, error)
}

// SchemaError is the cause wrapped by ValidationError.
type SchemaError struct {
	Message string
	Path    []string
}

func (e *SchemaError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s at %v", e.Message, e.Path)
	}
	return e.Message
}

// FuncSchema adapts a plain validation function into a Schema, the most
// common case for typed Go tasks: a func(any) (any, error) that checks the
// value and returns the one the pipeline should carry on with.
type FuncSchema func(value any) (any, error)

func (f FuncSchema) Validate(value any) (any, error) { return f(value) }

// TypeSchema rejects any non-nil value that does not already have the
// given Go type, without further constraints; nil is accepted and returned
// as T's zero value. Useful as a cheap boundary check when
// a task only wants "this must be a *Foo", not field-level validation.
func TypeSchema[T any]() Schema {
	return FuncSchema(func(value any) (any, error) {
		var want T
		if value == nil {
			return want, nil
		}
		typed, ok := value.(T)
		if !ok {
			return nil, &SchemaError{Message: fmt.Sprintf("expected %T, got %T", want, value)}
		}
		return typed, nil
	})
}
