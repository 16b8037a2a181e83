package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/stateflow-go/flow/emit"
)

// dispatchParallel advances a region-shaped current state for one event and
// returns the merged next state.
//
// With a target region the event goes to that single region and its failure
// is the failure of the whole dispatch. Without one the event is broadcast:
// every region attempts the transition concurrently against the shared
// context, regions that fail for any reason simply keep their state, and the
// dispatch succeeds iff at least one region accepted. A region transition
// that targets a parallel state is fatal regardless of what other regions
// did.
//
// The region list length never changes; regions are fixed at entry.
func (e *Engine) dispatchParallel(ctx context.Context, inst *FlowInstance, event string, targetRegion *int) (StateRef, error) {
	regions := inst.Current.Regions()

	if targetRegion != nil {
		i := *targetRegion
		if i < 0 || i >= len(regions) {
			return StateRef{}, &Error{
				Code:    CodeInvalidRegion,
				Message: fmt.Sprintf("region index %d out of range for %d regions", i, len(regions)),
				FlowID:  inst.FlowID,
				State:   inst.Current.Label(),
				Event:   event,
			}
		}
		outcome := e.machine.ExecuteTransition(ctx, regions[i], event, inst.Context)
		if outcome.Err != nil {
			return StateRef{}, outcome.Err
		}
		if err := e.checkRegionTarget(inst.FlowID, event, outcome.To); err != nil {
			return StateRef{}, err
		}
		return inst.Current.WithRegion(i, outcome.To), nil
	}

	outcomes := make([]TransitionOutcome, len(regions))
	var wg sync.WaitGroup
	for i, state := range regions {
		wg.Add(1)
		go func(i int, state string) {
			defer wg.Done()
			outcomes[i] = e.machine.ExecuteTransition(ctx, state, event, inst.Context)
		}(i, state)
	}
	wg.Wait()

	next := inst.Current
	accepted := 0
	for i, outcome := range outcomes {
		if outcome.Err != nil {
			e.emit(emit.Event{
				FlowID: inst.FlowID,
				Event:  event,
				State:  regions[i],
				Msg:    "region_rejected",
				Meta:   map[string]any{"region": i, "reason": outcome.Err.Error()},
			})
			continue
		}
		if err := e.checkRegionTarget(inst.FlowID, event, outcome.To); err != nil {
			return StateRef{}, err
		}
		next = next.WithRegion(i, outcome.To)
		accepted++
	}

	if accepted == 0 {
		return StateRef{}, &Error{
			Code:    CodeNoRegionAccepted,
			Message: fmt.Sprintf("no region accepted event %q", event),
			FlowID:  inst.FlowID,
			State:   inst.Current.Label(),
			Event:   event,
		}
	}
	return next, nil
}

// checkRegionTarget rejects nesting a parallel state inside a region.
func (e *Engine) checkRegionTarget(flowID, event, target string) error {
	if _, ok := e.def.States[target].(*ParallelState); ok {
		return &Error{
			Code:    CodeNestedParallel,
			Message: fmt.Sprintf("region transition targets parallel state %q", target),
			FlowID:  flowID,
			State:   target,
			Event:   event,
		}
	}
	return nil
}
