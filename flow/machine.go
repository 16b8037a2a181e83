package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/stateflow-go/flow/emit"
)

// TransitionOutcome is the result of a single-step transition. On failure
// To equals From: the state does not move.
type TransitionOutcome struct {
	Success  bool
	From     string
	To       string
	Event    string
	Attempts int
	Err      error
}

// Machine resolves and executes single transitions against one flow
// definition. It is stateless with respect to instances: the engine owns the
// instance, the machine owns one step of it.
//
// A Machine is safe for concurrent use; parallel-region dispatch runs
// ExecuteTransition for several regions at once.
type Machine struct {
	def     *FlowDefinition
	emitter emit.Emitter
	metrics *Metrics
}

// NewMachine creates a machine for def. emitter and metrics may be nil.
// def must already be validated (NewDefinition does this).
func NewMachine(def *FlowDefinition, emitter emit.Emitter, metrics *Metrics) *Machine {
	return &Machine{def: def, emitter: emitter, metrics: metrics}
}

// Definition returns the definition the machine executes.
func (m *Machine) Definition() *FlowDefinition { return m.def }

// ExecuteTransition resolves the transition for event from current and runs
// one retried attempt sequence, mutating data in place on the path taken.
//
// Resolution considers the source state's own transitions first, then the
// global table's entries with From == current, in declaration order. The
// first candidate matching event whose guard is absent or returns true is
// selected. A guard that returns an error is interpreted as "this candidate
// does not apply": the candidate is skipped and the search continues. If no
// candidate matches, the outcome fails with CodeNoTransition.
//
// A single attempt runs, in order: the source state's OnExit, the
// transition's Action, the target state's Validation, the target state's
// OnEntry. Any failure re-runs the whole sequence per the transition's
// RetryPolicy; the delay before re-attempt i+1 is Delay*(i+1) for linear and
// Delay*2^i for exponential backoff, and the sleep honors ctx cancellation.
// After exhaustion the definition's OnError hook is invoked (its own failure
// swallowed) and the outcome carries the last error. OnError is never
// invoked when the first attempt succeeds.
func (m *Machine) ExecuteTransition(ctx context.Context, current, event string, data Context) TransitionOutcome {
	fail := func(attempts int, err error) TransitionOutcome {
		return TransitionOutcome{From: current, To: current, Event: event, Attempts: attempts, Err: err}
	}

	transition := m.resolve(ctx, current, event, data)
	if transition == nil {
		return fail(0, &Error{
			Code:    CodeNoTransition,
			Message: fmt.Sprintf("no transition for event %q from state %q", event, current),
			State:   current,
			Event:   event,
		})
	}

	var policy RetryPolicy
	if transition.Retry != nil {
		policy = *transition.Retry
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = m.attempt(ctx, current, transition, data)
		if lastErr == nil {
			return TransitionOutcome{
				Success:  true,
				From:     current,
				To:       transition.To,
				Event:    event,
				Attempts: attempt + 1,
			}
		}

		if attempt >= policy.MaxAttempts {
			break
		}

		m.metrics.IncRetries(m.def.ID, current, event)
		m.emit(emit.Event{
			Event: event,
			State: current,
			Msg:   "transition_retry",
			Meta: map[string]any{
				"attempt": attempt + 1,
				"error":   lastErr.Error(),
			},
		})

		if err := sleepContext(ctx, policy.delay(attempt)); err != nil {
			return fail(attempt+1, &Error{
				Code:    CodeHookError,
				Message: fmt.Sprintf("retry interrupted: %v", err),
				State:   current,
				Event:   event,
				Err:     err,
			})
		}
	}

	// Retries exhausted; the definition-level error hook observes the
	// failure but cannot change the outcome.
	if m.def.OnError != nil {
		_ = m.def.OnError(ctx, data)
	}

	return fail(policy.MaxAttempts+1, lastErr)
}

// resolve returns the first applicable transition, or nil.
func (m *Machine) resolve(ctx context.Context, current, event string, data Context) *Transition {
	for _, t := range m.candidates(current) {
		if t.Event != event {
			continue
		}
		if t.Guard != nil {
			ok, err := t.Guard(ctx, data)
			if err != nil || !ok {
				continue
			}
		}
		candidate := t
		return &candidate
	}
	return nil
}

// candidates collects transitions in consideration order: state-local
// first, then the global table.
func (m *Machine) candidates(current string) []Transition {
	var out []Transition
	switch node := m.def.States[current].(type) {
	case *AtomicState:
		out = append(out, node.Transitions...)
	case *ParallelState:
		out = append(out, node.Transitions...)
	}
	for _, t := range m.def.Global {
		if t.From == current {
			out = append(out, t)
		}
	}
	return out
}

// attempt runs one exit/action/validate/entry sequence.
func (m *Machine) attempt(ctx context.Context, current string, t *Transition, data Context) error {
	source := m.def.States[current]
	target := m.def.States[t.To]

	if exit := nodeExit(source); exit != nil {
		if err := exit(ctx, data); err != nil {
			return m.hookError(current, t.Event, "exit", err)
		}
	}

	if t.Action != nil {
		if err := t.Action(ctx, data); err != nil {
			return m.hookError(current, t.Event, "action", err)
		}
	}

	if v := nodeValidation(target); v != nil && v.Predicate != nil {
		ok, msg := v.Predicate(ctx, data)
		if !ok {
			if msg == "" {
				msg = v.ErrorMessage
			}
			if msg == "" {
				msg = fmt.Sprintf("validation failed for state %q", t.To)
			}
			return &Error{
				Code:    CodeValidationFailed,
				Message: msg,
				State:   t.To,
				Event:   t.Event,
			}
		}
	}

	if entry := nodeEntry(target); entry != nil {
		if err := entry(ctx, data); err != nil {
			return m.hookError(t.To, t.Event, "entry", err)
		}
	}

	return nil
}

func (m *Machine) hookError(state, event, kind string, err error) *Error {
	return &Error{
		Code:    CodeHookError,
		Message: fmt.Sprintf("%s hook failed in state %q: %v", kind, state, err),
		State:   state,
		Event:   event,
		Err:     err,
	}
}

// IsFinal reports whether the named state terminates the flow: an atomic
// state marked final, or a compound state marked final.
func (m *Machine) IsFinal(name string) bool {
	switch node := m.def.States[name].(type) {
	case *AtomicState:
		return node.Final
	case *CompoundState:
		return node.Final
	default:
		return false
	}
}

// IsFinalRef reports whether ref terminates the flow; for parallel refs
// every region state must be final.
func (m *Machine) IsFinalRef(ref StateRef) bool {
	states := ref.Regions()
	if len(states) == 0 {
		return false
	}
	for _, s := range states {
		if !m.IsFinal(s) {
			return false
		}
	}
	return true
}

// PossibleEvents returns the event names of the transitions available from
// state, deduplicated, in consideration order.
func (m *Machine) PossibleEvents(state string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range m.candidates(state) {
		if !seen[t.Event] {
			seen[t.Event] = true
			out = append(out, t.Event)
		}
	}
	return out
}

func (m *Machine) emit(event emit.Event) {
	if m.emitter != nil {
		m.emitter.Emit(event)
	}
}

func nodeExit(node StateNode) HookFunc {
	switch s := node.(type) {
	case *AtomicState:
		return s.OnExit
	case *ParallelState:
		return s.OnExit
	case *CompoundState:
		return s.OnExit
	default:
		return nil
	}
}

func nodeEntry(node StateNode) HookFunc {
	switch s := node.(type) {
	case *AtomicState:
		return s.OnEntry
	case *ParallelState:
		return s.OnEntry
	case *CompoundState:
		return s.OnEntry
	default:
		return nil
	}
}

func nodeValidation(node StateNode) *Validation {
	if s, ok := node.(*AtomicState); ok {
		return s.Validation
	}
	return nil
}

// sleepContext waits d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
