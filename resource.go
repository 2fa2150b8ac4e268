package corerun

import "context"

// erasedResource is the subset of Resource[C, V]'s method set the boot
// walk needs. Every *Resource[C, V] satisfies it.
type erasedResource interface {
	Definition
	erasedInit(ctx context.Context, deps Deps, rc *ResourceContext) (any, error)
	erasedDispose(ctx context.Context, value any) error
}

var _ erasedResource = (*Resource[any, any])(nil)

// erasedHook is the subset of Hook[P]'s method set the event wiring pass
// needs.
type erasedHook interface {
	Definition
	Order() int
	EventID() string
	erasedRun(ctx context.Context, emission *Emission[any], deps Deps) error
}

var _ erasedHook = (*Hook[any])(nil)

// Value reads a resource's current initialized value with its static
// type restored. It panics with a DefinitionError if called before the
// resource finished booting or under the wrong type -- a programming
// error, since by the time application code runs, every resource in the
// graph has already been initialized.
func Value[C, V any](rt *Runtime, res *Resource[C, V]) V {
	rt.mu.Lock()
	v, ok := rt.resources[res.ID()]
	rt.mu.Unlock()
	if !ok {
		panic(&DefinitionError{ID: res.ID(), Reason: "resource not initialized"})
	}
	typed, ok := v.(V)
	if !ok {
		panic(&DefinitionError{ID: res.ID(), Reason: "resource value does not match the requested type"})
	}
	return typed
}
