package corerun

import "context"

// DefKind discriminates the sum of definition types the Registry holds, as
// enumerated in spec.md §3 ("Definitions").
type DefKind int

const (
	KindTask DefKind = iota
	KindResource
	KindEvent
	KindHook
	KindTaskMiddleware
	KindResourceMiddleware
	KindTag
	KindAsyncContext
	KindError
)

func (k DefKind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindResource:
		return "resource"
	case KindEvent:
		return "event"
	case KindHook:
		return "hook"
	case KindTaskMiddleware:
		return "task-middleware"
	case KindResourceMiddleware:
		return "resource-middleware"
	case KindTag:
		return "tag"
	case KindAsyncContext:
		return "async-context"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Definition is the common surface every registrable component exposes:
// an id, a kind, a dependency map, the tags attached to it, and metadata.
// Task/Resource/Event/Hook/TaskMiddleware/ResourceMiddleware all satisfy
// this; the Registry stores them type-erased and the generic public
// constructors (NewTask, NewResource, ...) give callers back a typed handle.
type Definition interface {
	ID() string
	Kind() DefKind
	Dependencies() DependencyMap
	Tags() []anyTag
	Metadata() map[string]any
}

// --- Task -------------------------------------------------------------

// TaskRunFunc is the user-supplied body of a task: it receives the task's
// resolved dependencies and its validated input, and returns the task's
// result.
type TaskRunFunc[I, O any] func(ctx context.Context, input I, deps Deps) (O, error)

// Task is the typed handle returned by NewTask. It is a Definition plus a
// type-safe Run wrapper; RunTask[I,O] takes one of these.
type Task[I, O any] struct {
	metaBag
	id           string
	deps         DependencyMap
	middleware   []*TaskMiddleware
	tags         []anyTag
	throws       []*ErrorDef
	inputSchema  Schema
	resultSchema Schema
	run          TaskRunFunc[I, O]
}

// TaskOption configures a Task at construction time.
type TaskOption[I, O any] func(*Task[I, O])

// WithTaskDeps attaches a dependency map to a task.
func WithTaskDeps[I, O any](deps DependencyMap) TaskOption[I, O] {
	return func(t *Task[I, O]) { t.deps = deps }
}

// WithTaskMiddleware appends local middleware, run innermost-last per §4.4.
func WithTaskMiddleware[I, O any](mw ...*TaskMiddleware) TaskOption[I, O] {
	return func(t *Task[I, O]) { t.middleware = append(t.middleware, mw...) }
}

// WithTaskTags attaches tags to a task.
func WithTaskTags[I, O any](tags ...anyTag) TaskOption[I, O] {
	return func(t *Task[I, O]) { t.tags = append(t.tags, tags...) }
}

// WithTaskThrows declares the error ids a task may raise.
func WithTaskThrows[I, O any](errs ...*ErrorDef) TaskOption[I, O] {
	return func(t *Task[I, O]) { t.throws = append(t.throws, errs...) }
}

// WithTaskInputSchema validates the input before Run is called.
func WithTaskInputSchema[I, O any](s Schema) TaskOption[I, O] {
	return func(t *Task[I, O]) { t.inputSchema = s }
}

// WithTaskResultSchema validates the result Run returns.
func WithTaskResultSchema[I, O any](s Schema) TaskOption[I, O] {
	return func(t *Task[I, O]) { t.resultSchema = s }
}

// NewTask registers a Task definition. The id must be unique across the
// whole runtime (enforced at Registry.Add time, not here).
func NewTask[I, O any](id string, run TaskRunFunc[I, O], opts ...TaskOption[I, O]) *Task[I, O] {
	t := &Task[I, O]{metaBag: newMetaBag(), id: id, run: run, deps: DependencyMap{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task[I, O]) ID() string                  { return t.id }
func (t *Task[I, O]) Kind() DefKind                { return KindTask }
func (t *Task[I, O]) Dependencies() DependencyMap  { return t.deps }
func (t *Task[I, O]) Tags() []anyTag               { return t.tags }
func (t *Task[I, O]) Throws() []*ErrorDef          { return t.throws }
func (t *Task[I, O]) Middleware() []*TaskMiddleware { return t.middleware }
func (t *Task[I, O]) InputSchema() Schema          { return t.inputSchema }
func (t *Task[I, O]) ResultSchema() Schema         { return t.resultSchema }

// WithMeta returns the task (metadata is mutated in place; tasks are
// configured once at registration time, before the runtime locks).
func (t *Task[I, O]) WithMeta(key string, value any) *Task[I, O] {
	t.set(key, value)
	return t
}

// erasedRun is what runErasedTask actually calls: input/output as `any`:
// the generic RunTask[I,O] wrapper restores the concrete types at the
// call boundary.
func (t *Task[I, O]) erasedRun(ctx context.Context, input any, deps Deps) (any, error) {
	typed, _ := input.(I)
	return t.run(ctx, typed, deps)
}

// --- Resource -----------------------------------------------------------

// ResourceInitFunc initializes a resource's value from its config and
// resolved dependencies. The ResourceContext exposes a Cleanup registrar
// (OnCleanup) and owner-scoped task interception (Intercept).
type ResourceInitFunc[C, V any] func(ctx context.Context, config C, deps Deps, rc *ResourceContext) (V, error)

// ResourceDisposeFunc disposes a resource's last known value.
type ResourceDisposeFunc[V any] func(ctx context.Context, value V) error

// Resource is the typed handle returned by NewResource.
type Resource[C, V any] struct {
	metaBag
	id           string
	config       C
	deps         DependencyMap
	children     []Definition
	overrides    map[string]Definition
	init         ResourceInitFunc[C, V]
	dispose      ResourceDisposeFunc[V]
	middleware   []*ResourceMiddleware
	tags         []anyTag
	resultSchema Schema
}

// ResourceOption configures a Resource at construction time.
type ResourceOption[C, V any] func(*Resource[C, V])

func WithResourceDeps[C, V any](deps DependencyMap) ResourceOption[C, V] {
	return func(r *Resource[C, V]) { r.deps = deps }
}

// WithResourceChildren registers other definitions reachable only through
// this resource's register[] (spec.md §4.1 boot walk).
func WithResourceChildren[C, V any](children ...Definition) ResourceOption[C, V] {
	return func(r *Resource[C, V]) { r.children = append(r.children, children...) }
}

// WithResourceOverride replaces the init/run of an already-registered id;
// Run rejects it with a DefinitionError if the original id was never
// registered.
func WithResourceOverride[C, V any](id string, replacement Definition) ResourceOption[C, V] {
	return func(r *Resource[C, V]) {
		if r.overrides == nil {
			r.overrides = make(map[string]Definition)
		}
		r.overrides[id] = replacement
	}
}

func WithResourceDispose[C, V any](fn ResourceDisposeFunc[V]) ResourceOption[C, V] {
	return func(r *Resource[C, V]) { r.dispose = fn }
}

func WithResourceMiddleware[C, V any](mw ...*ResourceMiddleware) ResourceOption[C, V] {
	return func(r *Resource[C, V]) { r.middleware = append(r.middleware, mw...) }
}

func WithResourceTags[C, V any](tags ...anyTag) ResourceOption[C, V] {
	return func(r *Resource[C, V]) { r.tags = append(r.tags, tags...) }
}

func WithResourceResultSchema[C, V any](s Schema) ResourceOption[C, V] {
	return func(r *Resource[C, V]) { r.resultSchema = s }
}

// NewResource registers a Resource definition.
func NewResource[C, V any](id string, config C, init ResourceInitFunc[C, V], opts ...ResourceOption[C, V]) *Resource[C, V] {
	r := &Resource[C, V]{metaBag: newMetaBag(), id: id, config: config, init: init, deps: DependencyMap{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resource[C, V]) ID() string                      { return r.id }
func (r *Resource[C, V]) Kind() DefKind                    { return KindResource }
func (r *Resource[C, V]) Dependencies() DependencyMap      { return r.deps }
func (r *Resource[C, V]) Tags() []anyTag                   { return r.tags }
func (r *Resource[C, V]) Children() []Definition           { return r.children }
func (r *Resource[C, V]) Overrides() map[string]Definition { return r.overrides }
func (r *Resource[C, V]) Middleware() []*ResourceMiddleware { return r.middleware }
func (r *Resource[C, V]) ResultSchema() Schema             { return r.resultSchema }

func (r *Resource[C, V]) WithMeta(key string, value any) *Resource[C, V] {
	r.set(key, value)
	return r
}

func (r *Resource[C, V]) erasedInit(ctx context.Context, deps Deps, rc *ResourceContext) (any, error) {
	return r.init(ctx, r.config, deps, rc)
}

func (r *Resource[C, V]) erasedDispose(ctx context.Context, value any) error {
	if r.dispose == nil {
		return nil
	}
	typed, _ := value.(V)
	return r.dispose(ctx, typed)
}

// ResourceContext is handed to a resource's init function so it can
// register cleanup functions and task interceptors it owns.
type ResourceContext struct {
	cleanups []func(context.Context) error

	ownerID string
	mw      *MiddlewareManager
}

// OnCleanup registers a function run (in reverse order) at dispose time.
func (rc *ResourceContext) OnCleanup(fn func(context.Context) error) {
	rc.cleanups = append(rc.cleanups, fn)
}

// Intercept registers fn against taskID through the owning Runtime's
// MiddlewareManager, attributed to this resource's own id -- the ergonomic
// path for a resource to acquire an owner-aware interceptor handle without
// threading one through its dependency map, per spec.md §4.2/§4.4. Rejected
// with a LockError once the owning Runtime has finished booting.
func (rc *ResourceContext) Intercept(taskID string, fn TaskMiddlewareRunFunc) error {
	return rc.mw.Intercept(rc.ownerID, taskID, fn)
}

// --- Event / Hook --------------------------------------------------------

// Event is a named emission with a typed payload.
type Event[P any] struct {
	metaBag
	id            string
	payloadSchema Schema
	tags          []anyTag
	parallel      bool
}

type EventOption[P any] func(*Event[P])

func WithEventPayloadSchema[P any](s Schema) EventOption[P] {
	return func(e *Event[P]) { e.payloadSchema = s }
}

func WithEventTags[P any](tags ...anyTag) EventOption[P] {
	return func(e *Event[P]) { e.tags = append(e.tags, tags...) }
}

// WithEventParallel marks an event for batch-by-order parallel dispatch,
// per spec.md §4.3.
func WithEventParallel[P any]() EventOption[P] {
	return func(e *Event[P]) { e.parallel = true }
}

func NewEvent[P any](id string, opts ...EventOption[P]) *Event[P] {
	e := &Event[P]{metaBag: newMetaBag(), id: id}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Event[P]) ID() string                 { return e.id }
func (e *Event[P]) Kind() DefKind               { return KindEvent }
func (e *Event[P]) Dependencies() DependencyMap { return nil }
func (e *Event[P]) Tags() []anyTag              { return e.tags }
func (e *Event[P]) Parallel() bool              { return e.parallel }
func (e *Event[P]) PayloadSchema() Schema       { return e.payloadSchema }
func (e *Event[P]) HasTag(t anyTag) bool {
	for _, tg := range e.tags {
		if tg.ID() == t.ID() {
			return true
		}
	}
	return false
}

func (e *Event[P]) WithMeta(key string, value any) *Event[P] {
	e.set(key, value)
	return e
}

// excludeFromGlobalHooksTag is the well-known tag id spec.md §4.3/§9
// refers to ("isExcludedFromGlobal"): an event carrying it is pre-filtered
// out of global-listener dispatch (interceptors still run).
var excludeFromGlobalHooksTag = NewTag[struct{}]("corerun.excludeFromGlobalHooks")

// ExcludeFromGlobalHooks returns the well-known tag that opts an event out
// of global-listener dispatch.
func ExcludeFromGlobalHooks() *Tag[struct{}] { return excludeFromGlobalHooksTag }

// HookFunc is a listener promoted to a first-class component with its own
// dependencies and id, per spec.md's Hook definition.
type HookFunc[P any] func(ctx context.Context, emission *Emission[P], deps Deps) error

// Hook is the typed handle returned by NewHook.
type Hook[P any] struct {
	metaBag
	id    string
	event *Event[P]
	deps  DependencyMap
	order int
	run   HookFunc[P]
	tags  []anyTag
}

type HookOption[P any] func(*Hook[P])

func WithHookDeps[P any](deps DependencyMap) HookOption[P] {
	return func(h *Hook[P]) { h.deps = deps }
}

func WithHookOrder[P any](order int) HookOption[P] {
	return func(h *Hook[P]) { h.order = order }
}

func WithHookTags[P any](tags ...anyTag) HookOption[P] {
	return func(h *Hook[P]) { h.tags = append(h.tags, tags...) }
}

func NewHook[P any](id string, event *Event[P], run HookFunc[P], opts ...HookOption[P]) *Hook[P] {
	h := &Hook[P]{metaBag: newMetaBag(), id: id, event: event, run: run, deps: DependencyMap{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hook[P]) ID() string                 { return h.id }
func (h *Hook[P]) Kind() DefKind               { return KindHook }
func (h *Hook[P]) Dependencies() DependencyMap { return h.deps }
func (h *Hook[P]) Tags() []anyTag              { return h.tags }
func (h *Hook[P]) Order() int                  { return h.order }
func (h *Hook[P]) Event() *Event[P]            { return h.event }
func (h *Hook[P]) EventID() string             { return h.event.ID() }

func (h *Hook[P]) WithMeta(key string, value any) *Hook[P] {
	h.set(key, value)
	return h
}

func (h *Hook[P]) erasedRun(ctx context.Context, emission *Emission[any], deps Deps) error {
	typed := &Emission[P]{ID: emission.ID, Data: emission.Data.(P), Timestamp: emission.Timestamp, Source: emission.Source, Meta: emission.Meta, Tags: emission.Tags, inner: emission}
	err := h.run(ctx, typed, deps)
	emission.stopped = typed.stopped
	return err
}

// --- Middleware -----------------------------------------------------------

// TaskMiddlewareFunc wraps a task invocation; next() calls the next
// middleware or, innermost, the task's Run.
type TaskMiddlewareFunc[C any] func(ctx context.Context, cfg C, task Definition, input any, next func(context.Context, any) (any, error)) (any, error)

// TaskMiddlewareRunFunc is the erased shape NewTaskMiddleware stores: it
// receives its own resolved dependencies alongside the task it wraps.
type TaskMiddlewareRunFunc func(ctx context.Context, deps Deps, task Definition, input any, next func(context.Context, any) (any, error)) (any, error)

// TaskMiddleware is a named, typed task middleware definition.
type TaskMiddleware struct {
	metaBag
	id     string
	deps   DependencyMap
	global bool
	tags   []anyTag
	run    TaskMiddlewareRunFunc
}

type TaskMiddlewareOption func(*TaskMiddleware)

func WithTaskMiddlewareDeps(deps DependencyMap) TaskMiddlewareOption {
	return func(m *TaskMiddleware) { m.deps = deps }
}

// WithTaskMiddlewareGlobal marks a middleware to run for every task that
// doesn't already list it locally, per spec.md §4.4 step 2.
func WithTaskMiddlewareGlobal() TaskMiddlewareOption {
	return func(m *TaskMiddleware) { m.global = true }
}

func WithTaskMiddlewareTags(tags ...anyTag) TaskMiddlewareOption {
	return func(m *TaskMiddleware) { m.tags = append(m.tags, tags...) }
}

// NewTaskMiddleware registers a task middleware. Its own dependency map is
// resolved once per call exactly like a task's, and handed to run as deps.
func NewTaskMiddleware(id string, run TaskMiddlewareRunFunc, opts ...TaskMiddlewareOption) *TaskMiddleware {
	m := &TaskMiddleware{metaBag: newMetaBag(), id: id, run: run, deps: DependencyMap{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *TaskMiddleware) ID() string                 { return m.id }
func (m *TaskMiddleware) Kind() DefKind               { return KindTaskMiddleware }
func (m *TaskMiddleware) Dependencies() DependencyMap { return m.deps }
func (m *TaskMiddleware) Tags() []anyTag              { return m.tags }
func (m *TaskMiddleware) Global() bool                { return m.global }
func (m *TaskMiddleware) Run() TaskMiddlewareRunFunc   { return m.run }

func (m *TaskMiddleware) WithMeta(key string, value any) *TaskMiddleware {
	m.set(key, value)
	return m
}

// ResourceMiddlewareRunFunc is the erased shape NewResourceMiddleware
// stores.
type ResourceMiddlewareRunFunc func(ctx context.Context, deps Deps, resource Definition, config any, next func(context.Context, any) (any, error)) (any, error)

// ResourceMiddleware is the resource-init analogue of TaskMiddleware.
type ResourceMiddleware struct {
	metaBag
	id     string
	deps   DependencyMap
	global bool
	tags   []anyTag
	run    ResourceMiddlewareRunFunc
}

type ResourceMiddlewareOption func(*ResourceMiddleware)

func WithResourceMiddlewareDeps(deps DependencyMap) ResourceMiddlewareOption {
	return func(m *ResourceMiddleware) { m.deps = deps }
}

func WithResourceMiddlewareGlobal() ResourceMiddlewareOption {
	return func(m *ResourceMiddleware) { m.global = true }
}

func NewResourceMiddleware(id string, run ResourceMiddlewareRunFunc, opts ...ResourceMiddlewareOption) *ResourceMiddleware {
	m := &ResourceMiddleware{metaBag: newMetaBag(), id: id, run: run, deps: DependencyMap{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ResourceMiddleware) ID() string                 { return m.id }
func (m *ResourceMiddleware) Kind() DefKind               { return KindResourceMiddleware }
func (m *ResourceMiddleware) Dependencies() DependencyMap { return m.deps }
func (m *ResourceMiddleware) Tags() []anyTag              { return m.tags }
func (m *ResourceMiddleware) Global() bool              { return m.global }
func (m *ResourceMiddleware) Run() ResourceMiddlewareRunFunc { return m.run }

func (m *ResourceMiddleware) WithMeta(key string, value any) *ResourceMiddleware {
	m.set(key, value)
	return m
}

// --- Error definition -----------------------------------------------------

// ErrorDef is a declared, named error id a task can "throw" as a tagged
// failure with structured data.
type ErrorDef struct {
	metaBag
	id string
}

func NewErrorDef(id string) *ErrorDef { return &ErrorDef{metaBag: newMetaBag(), id: id} }

func (e *ErrorDef) ID() string                 { return e.id }
func (e *ErrorDef) Kind() DefKind               { return KindError }
func (e *ErrorDef) Dependencies() DependencyMap { return nil }
func (e *ErrorDef) Tags() []anyTag              { return nil }

// TaggedError is the structured-failure value tasks raise against a
// declared ErrorDef.
type TaggedError struct {
	Def  *ErrorDef
	Data any
	Msg  string
}

func (e *TaggedError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "error: " + e.Def.ID()
}

func (e *ErrorDef) New(msg string, data any) *TaggedError {
	return &TaggedError{Def: e, Data: data, Msg: msg}
}
