// Package flow provides the core runtime for durable, event-driven flow
// execution in StateFlow-Go.
package flow

import "errors"

// ErrNotFound is returned by FlowStore implementations when a requested
// flow id has no entry.
var ErrNotFound = errors.New("flow not found")

// ErrKeyExists is returned by FlowStore implementations when an idempotency
// key is bound a second time. Keys are write-once; the engine treats this
// conflict as "already bound" and replays the no-op success path.
var ErrKeyExists = errors.New("idempotency key already bound")

// Code classifies flow errors so callers can react without string matching.
type Code string

const (
	// CodeInvalidDefinition indicates a flow definition that violates a
	// construction invariant (missing initial state, dangling transition
	// target, bad region reference).
	CodeInvalidDefinition Code = "INVALID_DEFINITION"

	// CodeNotFound indicates the flow id (or sub-flow id) is not in the store.
	CodeNotFound Code = "FLOW_NOT_FOUND"

	// CodeDuplicate indicates Start was called with a flow id that already exists.
	CodeDuplicate Code = "DUPLICATE_FLOW"

	// CodeNotActive indicates the operation requires an active flow
	// (or a paused flow, for Resume).
	CodeNotActive Code = "FLOW_NOT_ACTIVE"

	// CodeNoTransition indicates no candidate transition fired for the event
	// from the current state.
	CodeNoTransition Code = "NO_TRANSITION"

	// CodeNoRegionAccepted indicates a broadcast parallel event was accepted
	// by zero regions.
	CodeNoRegionAccepted Code = "NO_REGION_ACCEPTED"

	// CodeInvalidRegion indicates a target region index out of range.
	CodeInvalidRegion Code = "INVALID_REGION"

	// CodeNestedParallel indicates a region transition targeted a parallel
	// state, which is rejected.
	CodeNestedParallel Code = "NESTED_PARALLEL"

	// CodeValidationFailed indicates the target state's validation predicate
	// returned non-true.
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// CodeHookError indicates an exit, action, or entry hook returned an error.
	CodeHookError Code = "HOOK_ERROR"

	// CodeTimeout indicates WaitForSubFlow exceeded its budget.
	CodeTimeout Code = "WAIT_TIMEOUT"
)

// Error is the structured error type carried by every flow failure.
//
// Operational errors (NotFound, Duplicate, NotActive, Timeout) are returned
// synchronously to the caller and never mutate flow state. Execution errors
// (every other code) are captured into the ExecuteResult, drive the
// compensation path, and are persisted in FlowInstance.Error.
type Error struct {
	Code    Code
	Message string
	FlowID  string
	State   string
	Event   string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is (or wraps) a *Error with the given code.
func IsCode(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}
