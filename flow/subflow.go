package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/stateflow-go/flow/emit"
)

// StartSubFlow starts a child instance of subDef from a parent flow and
// records the back-reference on the parent.
//
// The child runs on an independent engine sharing the parent's store,
// emitter, metrics, and registry. Unless opts.Context is set the child
// receives a copy of the parent's context; the copy is by value, mutations do
// not propagate either way. The child is an ordinary top-level store entry
// linked only by ParentFlowID.
func (e *Engine) StartSubFlow(ctx context.Context, parentFlowID string, subDef *FlowDefinition, opts StartOptions) (*FlowInstance, error) {
	parent, err := e.loadFlow(ctx, parentFlowID)
	if err != nil {
		return nil, err
	}

	child, err := e.childEngine(subDef)
	if err != nil {
		return nil, err
	}

	childOpts := opts
	childOpts.ParentFlowID = parentFlowID
	if childOpts.Context == nil {
		childOpts.Context = CloneContext(parent.Context)
	}

	sub, err := child.Start(ctx, childOpts)
	if err != nil {
		return nil, err
	}

	now := e.now()
	parent.SubFlows = append(parent.SubFlows, SubFlowRef{
		SubFlowID:      sub.FlowID,
		DefinitionID:   subDef.ID,
		StartedInState: parent.Current.Label(),
		Status:         sub.Status,
		StartedAt:      now,
	})
	parent.UpdatedAt = now
	if err := e.store.Save(ctx, parent); err != nil {
		return nil, err
	}

	e.emit(emit.Event{
		FlowID: parentFlowID,
		State:  parent.Current.Label(),
		Msg:    "subflow_started",
		Meta:   map[string]any{"subflow_id": sub.FlowID, "definition_id": subDef.ID},
	})
	return sub, nil
}

// childEngine builds the engine a sub-flow runs on, inheriting every
// collaborator except the definition.
func (e *Engine) childEngine(subDef *FlowDefinition) (*Engine, error) {
	return NewEngine(subDef, e.store,
		WithEmitter(e.emitter),
		WithMetrics(e.metrics),
		WithRegistry(e.registry),
		WithClock(e.now),
		WithIDGenerator(e.newID),
		WithSubFlowPollInterval(e.pollInterval),
	)
}

// WaitForSubFlow polls the store until the child reaches a terminal status,
// then updates the parent's matching sub-flow record (status mirrored,
// CompletedAt set, Result set to the child's context on success) and returns
// the child snapshot.
//
// A zero timeout waits until ctx is done; otherwise exceeding timeout fails
// with CodeTimeout. Waiting on a self-reference is rejected.
func (e *Engine) WaitForSubFlow(ctx context.Context, parentFlowID, subFlowID string, timeout time.Duration) (*FlowInstance, error) {
	if parentFlowID == subFlowID {
		return nil, fmt.Errorf("flow %q cannot wait on itself", parentFlowID)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		child, err := e.store.Get(ctx, subFlowID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &Error{
					Code:    CodeNotFound,
					Message: fmt.Sprintf("sub-flow %q not found", subFlowID),
					FlowID:  parentFlowID,
					Err:     err,
				}
			}
			return nil, err
		}
		if child.Status.Terminal() {
			if err := e.finishSubFlow(ctx, parentFlowID, child); err != nil {
				return nil, err
			}
			return child, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, &Error{
				Code:    CodeTimeout,
				Message: fmt.Sprintf("sub-flow %q did not finish within %s", subFlowID, timeout),
				FlowID:  parentFlowID,
			}
		case <-ticker.C:
		}
	}
}

// finishSubFlow mirrors the child's terminal outcome onto the parent's
// sub-flow record.
func (e *Engine) finishSubFlow(ctx context.Context, parentFlowID string, child *FlowInstance) error {
	parent, err := e.loadFlow(ctx, parentFlowID)
	if err != nil {
		return err
	}

	now := e.now()
	updated := false
	for i := range parent.SubFlows {
		ref := &parent.SubFlows[i]
		if ref.SubFlowID != child.FlowID {
			continue
		}
		ref.Status = child.Status
		completed := now
		ref.CompletedAt = &completed
		if child.Status == StatusCompleted {
			ref.Result = CloneContext(child.Context)
		}
		updated = true
	}
	if !updated {
		return nil
	}

	parent.UpdatedAt = now
	if err := e.store.Save(ctx, parent); err != nil {
		return err
	}

	e.emit(emit.Event{
		FlowID: parentFlowID,
		State:  parent.Current.Label(),
		Msg:    "subflow_finished",
		Meta:   map[string]any{"subflow_id": child.FlowID, "status": string(child.Status)},
	})
	return nil
}
