package flow

import (
	"context"

	"github.com/dshills/stateflow-go/flow/emit"
)

// runCompensation is the failure procedure shared by Execute and Cancel.
//
// With an empty stack the flow is marked failed with reason and
// didCompensate is false. Otherwise the flow passes through status
// compensating (persisted, so an observer never sees actions running under
// active), entries run in reverse recording order with the live context, and
// the flow lands on failed with reason suffixed "(compensated)". An
// individual action's failure is emitted and otherwise ignored; entries with
// a nil action (a closure that did not survive a restart and has no
// registered name) are skipped with a warning. Entries are never popped.
//
// Re-entering the engine from a compensation action is not supported; the
// status transition to failed would race the re-entrant write.
//
// The returned error is reserved for store failures; when persisting the
// compensating status fails, the flow is best-effort marked failed with
// "Compensation failed:" and no actions run.
func (e *Engine) runCompensation(ctx context.Context, inst *FlowInstance, reason string) (didCompensate bool, err error) {
	wasTerminal := inst.Status.Terminal()
	stateLabel := inst.Current.Label()
	now := e.now()

	finish := func(message string) error {
		inst.Status = StatusFailed
		inst.Error = &FlowError{
			Message:   message,
			State:     stateLabel,
			Timestamp: e.now(),
		}
		inst.UpdatedAt = e.now()
		if err := e.store.Save(ctx, inst); err != nil {
			return err
		}
		if !wasTerminal {
			e.metrics.FlowFinished()
		}
		return nil
	}

	if len(inst.Compensations) == 0 {
		return false, finish(reason)
	}

	inst.Status = StatusCompensating
	inst.UpdatedAt = now
	if err := e.store.Save(ctx, inst); err != nil {
		if ferr := finish("Compensation failed: " + err.Error()); ferr != nil {
			return false, ferr
		}
		return false, nil
	}

	e.metrics.IncCompensations(e.def.ID)
	e.emit(emit.Event{
		FlowID: inst.FlowID,
		State:  stateLabel,
		Msg:    "compensation_started",
		Meta:   map[string]any{"entries": len(inst.Compensations), "reason": reason},
	})

	for i := len(inst.Compensations) - 1; i >= 0; i-- {
		entry := inst.Compensations[i]
		if entry.Action == nil {
			e.emit(emit.Event{
				FlowID: inst.FlowID,
				State:  entry.StateLabel,
				Msg:    "compensation_skipped",
				Meta:   map[string]any{"description": entry.Description, "action_name": entry.ActionName},
			})
			continue
		}
		if err := entry.Action(ctx, inst.Context); err != nil {
			e.emit(emit.Event{
				FlowID: inst.FlowID,
				State:  entry.StateLabel,
				Msg:    "compensation_action_failed",
				Meta:   map[string]any{"description": entry.Description, "error": err.Error()},
			})
		}
	}

	return true, finish(reason + " (compensated)")
}
