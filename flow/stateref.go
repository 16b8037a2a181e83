package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StateRef is the sum of the two current-state shapes: a single state name,
// or a non-empty ordered list of names (one per active parallel region).
//
// The zero value is no state at all; instances always carry a non-zero ref.
// StateRef serializes as a bare JSON string for single states and as an array
// of strings for parallel states, discriminated by type on the wire.
type StateRef struct {
	states   []string
	parallel bool
}

// SingleState returns a ref to one state.
func SingleState(name string) StateRef {
	return StateRef{states: []string{name}}
}

// ParallelStates returns a ref holding one entry per active region, in
// region declaration order. The slice is copied.
func ParallelStates(names []string) StateRef {
	states := make([]string, len(names))
	copy(states, names)
	return StateRef{states: states, parallel: true}
}

// IsZero reports whether the ref names no state.
func (r StateRef) IsZero() bool { return len(r.states) == 0 }

// IsParallel reports whether the ref is region-shaped.
func (r StateRef) IsParallel() bool { return r.parallel }

// Name returns the single state name. For parallel refs it returns the
// comma-joined label; callers that need per-region names use Regions.
func (r StateRef) Name() string {
	if r.parallel {
		return r.Label()
	}
	if len(r.states) == 0 {
		return ""
	}
	return r.states[0]
}

// Regions returns a copy of the per-region state names. For single refs it
// returns a one-element slice, which lets callers iterate uniformly.
func (r StateRef) Regions() []string {
	out := make([]string, len(r.states))
	copy(out, r.states)
	return out
}

// WithRegion returns a copy of a parallel ref with the state at region index
// i replaced.
func (r StateRef) WithRegion(i int, name string) StateRef {
	states := r.Regions()
	states[i] = name
	return StateRef{states: states, parallel: r.parallel}
}

// Contains reports whether the ref holds name, either as the single state or
// as any active region state.
func (r StateRef) Contains(name string) bool {
	for _, s := range r.states {
		if s == name {
			return true
		}
	}
	return false
}

// Equal reports shape and content equality.
func (r StateRef) Equal(other StateRef) bool {
	if r.parallel != other.parallel || len(r.states) != len(other.states) {
		return false
	}
	for i := range r.states {
		if r.states[i] != other.states[i] {
			return false
		}
	}
	return true
}

// Label returns the state name, comma-joining region states for parallel
// refs. Compensation entries pin this label at recording time.
func (r StateRef) Label() string {
	return strings.Join(r.states, ",")
}

// String implements fmt.Stringer.
func (r StateRef) String() string { return r.Label() }

// MarshalJSON writes a bare string for single refs and an array of strings
// for parallel refs.
func (r StateRef) MarshalJSON() ([]byte, error) {
	if r.parallel {
		return json.Marshal(r.states)
	}
	return json.Marshal(r.Name())
}

// UnmarshalJSON accepts either a string or an array of strings.
func (r *StateRef) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = SingleState(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("state ref must be a string or an array of strings: %w", err)
	}
	*r = ParallelStates(many)
	return nil
}
