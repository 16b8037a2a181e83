package flow

import (
	"context"
	"fmt"
	"time"
)

// Context is the per-instance mutable workspace shared by guards, actions,
// validations and entry/exit hooks. It is owned by a single flow instance and
// is safe under the single-writer rule; hooks of concurrently executing
// parallel regions share it unsynchronized and should write disjoint keys.
type Context map[string]any

// HookFunc is an entry/exit hook, transition action, or compensation action.
// It receives the flow's mutable context and may block; implementations
// should honor ctx cancellation.
type HookFunc func(ctx context.Context, data Context) error

// GuardFunc decides whether a candidate transition applies. A returned error
// is interpreted as "this candidate does not apply" and is never elevated to
// an execution error.
type GuardFunc func(ctx context.Context, data Context) (bool, error)

// ValidateFunc is a target-state validation predicate. ok=true passes;
// ok=false fails with msg if non-empty, otherwise with the state's configured
// error message, otherwise with a default.
type ValidateFunc func(ctx context.Context, data Context) (ok bool, msg string)

// Backoff selects the delay progression between retry attempts.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// DefaultRetryDelay is used when a RetryPolicy leaves Delay unset.
const DefaultRetryDelay = time.Second

// RetryPolicy configures automatic re-execution of a failed transition
// attempt. The whole exit/action/validate/entry sequence is the retried unit.
//
// The delay between attempt i (0-indexed) and attempt i+1 is Delay*(i+1) for
// linear backoff and Delay*2^i for exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the number of additional attempts after the first.
	// Zero means no retry.
	MaxAttempts int

	// Backoff is the delay progression. Defaults to BackoffLinear.
	Backoff Backoff

	// Delay is the base delay. Defaults to DefaultRetryDelay.
	Delay time.Duration
}

// delay computes the wait after 0-indexed failed attempt i.
func (p RetryPolicy) delay(i int) time.Duration {
	base := p.Delay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	if p.Backoff == BackoffExponential {
		return base * (1 << i)
	}
	return base * time.Duration(i+1)
}

// Validation is an optional predicate evaluated against the target state
// during a transition attempt.
type Validation struct {
	Predicate    ValidateFunc
	ErrorMessage string
}

// Transition is an edge labelled by an event, with optional guard, action
// and retry policy. Transitions either live on their source state or in the
// definition's global table, in which case From names the source state.
type Transition struct {
	Event  string
	To     string
	From   string // only meaningful in the global table
	Guard  GuardFunc
	Action HookFunc
	Retry  *RetryPolicy
}

// StateNode is the closed sum of state kinds: *AtomicState, *ParallelState,
// or *CompoundState.
type StateNode interface {
	// StateName returns the node's unique name.
	StateName() string

	// sealed prevents implementations outside this package.
	sealed()
}

// AtomicState is a leaf state. Final marks it as terminating the flow.
type AtomicState struct {
	Name        string
	Final       bool
	Transitions []Transition
	OnEntry     HookFunc
	OnExit      HookFunc
	Validation  *Validation
}

// StateName returns the state's name.
func (s *AtomicState) StateName() string { return s.Name }

func (*AtomicState) sealed() {}

// Region is one concurrently active sub-axis of a parallel state. States
// references atomic-state names that belong to this region.
type Region struct {
	Name         string
	InitialState string
	States       []string
}

// ParallelState activates all of its regions at once. Each region advances
// independently; the flow completes when every region reaches a final state.
type ParallelState struct {
	Name        string
	Regions     []Region
	Transitions []Transition
	OnEntry     HookFunc
	OnExit      HookFunc
}

// StateName returns the state's name.
func (s *ParallelState) StateName() string { return s.Name }

func (*ParallelState) sealed() {}

// CompoundState contains a nested sub-machine with its own initial state.
type CompoundState struct {
	Name            string
	InitialSubState string
	ChildStates     []string
	OnEntry         HookFunc
	OnExit          HookFunc
	Final           bool
}

// StateName returns the state's name.
func (s *CompoundState) StateName() string { return s.Name }

func (*CompoundState) sealed() {}

// FlowDefinition is the immutable configuration a flow instance executes.
//
// Construct definitions with NewDefinition, which enforces the structural
// invariants; a definition assembled by hand can be checked with Validate.
type FlowDefinition struct {
	ID           string
	Version      string
	InitialState string
	States       map[string]StateNode

	// Global is the global transition table; each entry's From names its
	// source state. Global candidates are considered after state-local ones.
	Global []Transition

	// OnError, when set, is invoked after a transition exhausts its retries.
	// Its own failures are swallowed.
	OnError HookFunc
}

// NewDefinition validates def and returns it.
//
// Enforced invariants:
//   - ID and InitialState are non-empty, and InitialState exists in States.
//   - Every state name is non-empty and matches its map key.
//   - Every transition's To (state-local and global) references an existing
//     state, and every global transition's From does too.
//   - Every compound InitialSubState and listed child state exists.
//   - Every parallel region's InitialState and listed states exist.
//
// Violations are reported as *Error with CodeInvalidDefinition.
func NewDefinition(def FlowDefinition) (*FlowDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the construction invariants documented on NewDefinition.
func (d *FlowDefinition) Validate() error {
	if d.ID == "" {
		return newError(CodeInvalidDefinition, "definition id is required")
	}
	if d.InitialState == "" {
		return newError(CodeInvalidDefinition, "initial state is required")
	}
	if len(d.States) == 0 {
		return newError(CodeInvalidDefinition, "at least one state is required")
	}
	if _, ok := d.States[d.InitialState]; !ok {
		return defErrorf("initial state %q not found in states", d.InitialState)
	}

	for name, node := range d.States {
		if name == "" {
			return newError(CodeInvalidDefinition, "state name cannot be empty")
		}
		if node == nil {
			return defErrorf("state %q has no node", name)
		}
		if node.StateName() != name {
			return defErrorf("state %q registered under key %q", node.StateName(), name)
		}

		switch s := node.(type) {
		case *AtomicState:
			if err := d.checkTransitions(name, s.Transitions); err != nil {
				return err
			}
		case *ParallelState:
			if err := d.checkTransitions(name, s.Transitions); err != nil {
				return err
			}
			if len(s.Regions) == 0 {
				return defErrorf("parallel state %q has no regions", name)
			}
			for _, r := range s.Regions {
				if _, ok := d.States[r.InitialState]; !ok {
					return defErrorf("region %q of %q: initial state %q not found", r.Name, name, r.InitialState)
				}
				for _, child := range r.States {
					if _, ok := d.States[child]; !ok {
						return defErrorf("region %q of %q references unknown state %q", r.Name, name, child)
					}
				}
			}
		case *CompoundState:
			if _, ok := d.States[s.InitialSubState]; !ok {
				return defErrorf("compound state %q: initial sub-state %q not found", name, s.InitialSubState)
			}
			for _, child := range s.ChildStates {
				if _, ok := d.States[child]; !ok {
					return defErrorf("compound state %q references unknown child state %q", name, child)
				}
			}
		}
	}

	for _, t := range d.Global {
		if t.From == "" {
			return newError(CodeInvalidDefinition, "global transition requires a from state")
		}
		if _, ok := d.States[t.From]; !ok {
			return defErrorf("global transition from unknown state %q", t.From)
		}
		if err := d.checkTransitions(t.From, []Transition{t}); err != nil {
			return err
		}
	}

	return nil
}

func (d *FlowDefinition) checkTransitions(from string, transitions []Transition) error {
	for _, t := range transitions {
		if t.Event == "" {
			return defErrorf("transition from %q has no event", from)
		}
		if t.To == "" {
			return defErrorf("transition %q from %q has no target", t.Event, from)
		}
		if _, ok := d.States[t.To]; !ok {
			return defErrorf("transition %q from %q targets unknown state %q", t.Event, from, t.To)
		}
	}
	return nil
}

func defErrorf(format string, args ...any) *Error {
	return newError(CodeInvalidDefinition, fmt.Sprintf(format, args...))
}
