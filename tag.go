package corerun

import "sort"

// Tag is a typed marker that can be attached to tasks, resources, events,
// hooks, and middlewares to enable grouped discovery and contract typing
// at runtime. Grounded on the teacher's Tag[T] (NewTag/Get/MustGet/
// GetOrDefault), generalized from per-executor lookup to the registry-wide
// TagAccessor below.
type Tag[T any] struct {
	id     string
	config T
	hasCfg bool
}

// NewTag creates an untyped marker tag (no associated config contract).
func NewTag[T any](id string) *Tag[T] {
	return &Tag[T]{id: id}
}

// NewTagWithConfig creates a tag whose attachment carries a typed config
// value, used by the "contract" (input/output/config types) referenced in
// spec.md's Tag data model.
func NewTagWithConfig[T any](id string, config T) *Tag[T] {
	return &Tag[T]{id: id, config: config, hasCfg: true}
}

func (t *Tag[T]) ID() string     { return t.id }
func (t *Tag[T]) Kind() DefKind  { return KindTag }
func (t *Tag[T]) Config() (T, bool) {
	return t.config, t.hasCfg
}

// Dependencies, Tags, and Metadata make *Tag[T] a Definition so it can be
// used as a dependency-map target (DepOf(someTag)), resolving through
// Runtime.resolveOne to its TagAccessor per spec.md §4.2. A tag carries
// none of these itself.
func (t *Tag[T]) Dependencies() DependencyMap { return nil }
func (t *Tag[T]) Tags() []anyTag              { return nil }
func (t *Tag[T]) Metadata() map[string]any    { return nil }

// configAny erases Config()'s type parameter so buildTagAccessor can read a
// tag's config without knowing T.
func (t *Tag[T]) configAny() (any, bool) {
	if !t.hasCfg {
		return nil, false
	}
	return t.config, true
}

// anyTag erases the type parameter so tags can be stored in a single slice
// on a definition.
type anyTag interface {
	ID() string
}

// configTag is implemented by every *Tag[T]; asserted against when a
// TagAccessor needs the config a tag carried at attachment.
type configTag interface {
	configAny() (any, bool)
}

// TagAccessor is a frozen snapshot of every definition carrying a given tag,
// grouped by kind, as described in spec.md §4.2 and §9. Runtime.TagAccessor
// builds a new snapshot on every call; nothing is cached.
type TagAccessor struct {
	TagID               string
	Tasks               []TagEntry
	Resources           []TagEntry
	Events              []TagEntry
	Hooks               []TagEntry
	TaskMiddlewares     []TagEntry
	ResourceMiddlewares []TagEntry
	Errors              []TagEntry
}

// TagEntry exposes one tagged definition plus any config the tag carried
// at attachment and, for tasks/resources, a runtime handle (run/value).
type TagEntry struct {
	Definition Definition
	Config     any
	Run        any // callable for tasks, initialized value for resources; nil otherwise
}

func buildTagAccessor(tagID string, members []Definition, runtimeFor func(Definition) any, configFor func(Definition) any) *TagAccessor {
	acc := &TagAccessor{TagID: tagID}
	sorted := make([]Definition, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	for _, def := range sorted {
		entry := TagEntry{Definition: def, Config: configFor(def), Run: runtimeFor(def)}
		switch def.Kind() {
		case KindTask:
			acc.Tasks = append(acc.Tasks, entry)
		case KindResource:
			acc.Resources = append(acc.Resources, entry)
		case KindEvent:
			acc.Events = append(acc.Events, entry)
		case KindHook:
			acc.Hooks = append(acc.Hooks, entry)
		case KindTaskMiddleware:
			acc.TaskMiddlewares = append(acc.TaskMiddlewares, entry)
		case KindResourceMiddleware:
			acc.ResourceMiddlewares = append(acc.ResourceMiddlewares, entry)
		case KindError:
			acc.Errors = append(acc.Errors, entry)
		}
	}
	return acc
}
