package corerun

import (
	"fmt"
)

// DefinitionError reports a problem found during registration: a duplicate
// id, a dependency that was never registered, or a middleware reference to
// an id that isn't a registered middleware.
type DefinitionError struct {
	ID     string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("definition error for %q: %s", e.ID, e.Reason)
}

// ValidationError wraps a schema rejection of a task's input/result, a
// resource's config, or an event's payload.
type ValidationError struct {
	ID    string
	Stage string // "input", "result", "config", "payload"
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s %q: %v", e.Stage, e.ID, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// RuntimeError wraps an error raised while running a task, initializing a
// resource, or running a resource's cleanup/dispose code; Unwrap returns
// the original error. Task and resource-init failures are reported to the
// unhandled-error reporter before being returned; cleanup and dispose
// failures are only returned, collected by Runtime.Dispose.
type RuntimeError struct {
	ID     string
	Kind   string // "task", "resource", "resource-cleanup", "resource-dispose"
	Source string
	Cause  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s %q failed: %v", e.Kind, e.ID, e.Cause)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// LockError is returned when registration, listener addition, or
// interceptor addition is attempted after the runtime has locked.
type LockError struct {
	Operation string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("cannot %s: registry is locked", e.Operation)
}

// ContextError reports a misuse of an AsyncContext: use() outside of any
// provide(), or a require() middleware running without one provided.
type ContextError struct {
	ContextID string
	Reason    string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("context %q: %s", e.ContextID, e.Reason)
}

// CycleError is raised by the EventManager when an event is re-emitted onto
// itself from a source other than the frame currently holding it.
type CycleError struct {
	EventID string
	Source  string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: event %q re-emitted from %q while already on the emit stack", e.EventID, e.Source)
}

// ListenerError annotates an error raised by a single listener during a
// parallel batch emission.
type ListenerError struct {
	ListenerID    string
	ListenerOrder int
	Cause         error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %q (order %d): %v", e.ListenerID, e.ListenerOrder, e.Cause)
}

func (e *ListenerError) Unwrap() error { return e.Cause }

// AggregateError carries several errors at once: every failure of one
// parallel listener batch or boot wave, every registration problem found
// by the sanity check, or every cleanup/dispose failure from Dispose.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d listeners failed: %v", len(e.Errors), e.Errors[0])
}

func (e *AggregateError) Unwrap() []error { return e.Errors }
