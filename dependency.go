package corerun

// Dependency describes one entry in a task/resource's dependency map: what
// definition it points at, and whether it is optional or marked
// startup-only (a mark reported by Startup; resolution does not read it).
// Grounded on the teacher's graph.go dependency modes (ModeLazy/
// ModeReactive), generalized to the plain optional/startup split spec.md
// §4.2 describes.
type Dependency struct {
	target   Definition
	optional bool
	startup  bool
}

// DependencyMap is the full set of dependencies a task, resource, or
// middleware declares, keyed by the name its Run function will see them
// under in Deps.
type DependencyMap map[string]Dependency

// DepOf declares a required dependency on target.
func DepOf(target Definition) Dependency {
	return Dependency{target: target}
}

// OptionalDepOf declares a dependency that resolves to nil (rather than
// failing registration/boot) if target was never registered or failed to
// initialize and nothing else required it.
func OptionalDepOf(target Definition) Dependency {
	return Dependency{target: target, optional: true}
}

// StartupDepOf declares a dependency marked as startup-only. Startup
// reports the mark; resolveDeps does not read it, so the dependency is
// resolved on every call like any other.
func StartupDepOf(target Definition) Dependency {
	return Dependency{target: target, startup: true}
}

func (d Dependency) Target() Definition { return d.target }
func (d Dependency) Optional() bool     { return d.optional }
func (d Dependency) Startup() bool      { return d.startup }

// Deps is what a task/resource/middleware Run function receives: the
// resolved values of its dependency map, keyed the same way, plus typed
// accessors so callers don't have to do the type assertion themselves.
type Deps struct {
	values map[string]any
}

func newDeps(values map[string]any) Deps {
	return Deps{values: values}
}

// Get returns the raw resolved value for key, and whether it was present.
func (d Deps) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Resolve returns the resolved dependency under key, type-asserted to T.
// It panics with a *DefinitionError only if key was registered
// but resolved to an incompatible type -- a registration bug, not a
// runtime condition callers should handle.
func Resolve[T any](d Deps, key string) T {
	var zero T
	v, ok := d.values[key]
	if !ok || v == nil {
		return zero
	}
	typed, ok := v.(T)
	if !ok {
		panic(&DefinitionError{ID: key, Reason: "dependency value does not match the requested type"})
	}
	return typed
}
