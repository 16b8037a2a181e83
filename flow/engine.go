package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stateflow-go/flow/emit"
)

// Engine orchestrates flow execution: start, execute, pause, resume, cancel,
// delete, query, compensation recording, and sub-flow composition. It is the
// only component that reads and writes the store.
//
// An Engine is bound to one definition; start as many engines as you have
// definitions, sharing a single store. Methods assume a single writer per
// flow id (see FlowStore); different flow ids may be driven concurrently.
type Engine struct {
	def          *FlowDefinition
	store        FlowStore
	machine      *Machine
	emitter      emit.Emitter
	metrics      *Metrics
	registry     *Registry
	now          func() time.Time
	newID        func() string
	pollInterval time.Duration

	mu          sync.RWMutex
	middlewares []Middleware
}

// NewEngine creates an engine for def backed by store. The definition is
// validated; a nil store is rejected.
func NewEngine(def *FlowDefinition, store FlowStore, opts ...Option) (*Engine, error) {
	if def == nil {
		return nil, newError(CodeInvalidDefinition, "definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("flow store is required")
	}

	e := &Engine{
		def:          def,
		store:        store,
		now:          time.Now,
		newID:        uuid.NewString,
		pollInterval: defaultSubFlowPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.machine = NewMachine(def, e.emitter, e.metrics)
	return e, nil
}

// Definition returns the definition the engine executes.
func (e *Engine) Definition() *FlowDefinition { return e.def }

// Use appends middlewares to the chain; the first registered is outermost.
// Returns the engine for chaining.
func (e *Engine) Use(mws ...Middleware) *Engine {
	e.mu.Lock()
	e.middlewares = append(e.middlewares, mws...)
	e.mu.Unlock()
	return e
}

// ClearMiddleware empties the middleware chain.
func (e *Engine) ClearMiddleware() {
	e.mu.Lock()
	e.middlewares = nil
	e.mu.Unlock()
}

// Start creates a new flow instance, or returns the instance already bound to
// opts.IdempotencyKey unchanged.
//
// The initial current state is the definition's initial state; for a parallel
// initial state it is the ordered list of each region's initial state. Entry
// hooks of the initial state(s) run before the first persist (all regions
// concurrently, for parallel); a hook failure leaves the instance persisted
// with status failed. If the initial state is already final the instance is
// persisted completed.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*FlowInstance, error) {
	if opts.IdempotencyKey != "" {
		boundID, err := e.store.FlowIDByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err == nil {
			return e.loadFlow(ctx, boundID)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	flowID := opts.FlowID
	if flowID == "" {
		flowID = e.newID()
	}

	exists, err := e.store.Exists(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &Error{
			Code:    CodeDuplicate,
			Message: fmt.Sprintf("flow %q already exists", flowID),
			FlowID:  flowID,
		}
	}

	if opts.IdempotencyKey != "" {
		if err := e.store.SaveIdempotencyKey(ctx, opts.IdempotencyKey, flowID); err != nil {
			if errors.Is(err, ErrKeyExists) {
				// Lost a race against a concurrent Start with the same key.
				boundID, berr := e.store.FlowIDByIdempotencyKey(ctx, opts.IdempotencyKey)
				if berr != nil {
					return nil, berr
				}
				return e.loadFlow(ctx, boundID)
			}
			return nil, err
		}
	}

	now := e.now()
	inst := &FlowInstance{
		FlowID:       flowID,
		DefinitionID: e.def.ID,
		Version:      e.def.Version,
		Current:      e.initialRef(),
		Context:      CloneContext(opts.Context),
		Status:       StatusActive,
		ParentFlowID: opts.ParentFlowID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if inst.Context == nil {
		inst.Context = Context{}
	}

	if err := e.runInitialEntry(ctx, inst); err != nil {
		inst.Status = StatusFailed
		inst.Error = &FlowError{
			Message:   err.Error(),
			State:     inst.Current.Label(),
			Timestamp: e.now(),
		}
	} else if e.machine.IsFinalRef(inst.Current) {
		inst.Status = StatusCompleted
	}

	inst.UpdatedAt = e.now()
	if err := e.store.Save(ctx, inst); err != nil {
		return nil, err
	}

	if !inst.Status.Terminal() {
		e.metrics.FlowStarted()
	}
	e.emit(emit.Event{
		FlowID: flowID,
		State:  inst.Current.Label(),
		Msg:    "flow_started",
		Meta: map[string]any{
			"definition_id": e.def.ID,
			"status":        string(inst.Status),
		},
	})

	return inst, nil
}

// initialRef computes the current state a fresh instance begins in.
func (e *Engine) initialRef() StateRef {
	if ps, ok := e.def.States[e.def.InitialState].(*ParallelState); ok {
		names := make([]string, len(ps.Regions))
		for i, r := range ps.Regions {
			names[i] = r.InitialState
		}
		return ParallelStates(names)
	}
	return SingleState(e.def.InitialState)
}

// runInitialEntry runs the entry hooks of the initial state(s). For a
// parallel initial state every region's initial entry hook runs concurrently;
// the hooks share the context unsynchronized, so they must write disjoint
// keys. The first region error (in region order) is reported.
func (e *Engine) runInitialEntry(ctx context.Context, inst *FlowInstance) error {
	node := e.def.States[e.def.InitialState]
	ps, ok := node.(*ParallelState)
	if !ok {
		if entry := nodeEntry(node); entry != nil {
			return entry(ctx, inst.Context)
		}
		return nil
	}

	errs := make([]error, len(ps.Regions))
	var wg sync.WaitGroup
	for i, region := range ps.Regions {
		entry := nodeEntry(e.def.States[region.InitialState])
		if entry == nil {
			continue
		}
		wg.Add(1)
		go func(i int, entry HookFunc) {
			defer wg.Done()
			errs[i] = entry(ctx, inst.Context)
		}(i, entry)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Execute drives the flow one event forward through the middleware chain and
// the core transition step.
//
// Operational errors (unknown flow, non-active status, store failures) are
// returned as the error; execution errors (no transition, hook or validation
// failure, region errors) run the compensation procedure and come back inside
// the result with Success=false. If opts.IdempotencyKey is already bound the
// call is a no-op success whose transition records from==to==currentState.
func (e *Engine) Execute(ctx context.Context, flowID, event string, opts ExecuteOptions) (*ExecuteResult, error) {
	started := e.now()

	inst, err := e.loadFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	// A bound key replays before the status precondition: re-executing a key
	// whose first execution completed the flow must stay a no-op success.
	if opts.IdempotencyKey != "" {
		bound, err := e.store.HasIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if bound {
			return e.replayResult(ctx, flowID, event)
		}
	}

	if inst.Status != StatusActive {
		return nil, &Error{
			Code:    CodeNotActive,
			Message: fmt.Sprintf("flow %q is %s, not active", flowID, inst.Status),
			FlowID:  flowID,
			Event:   event,
		}
	}

	if opts.IdempotencyKey != "" {
		if err := e.store.SaveIdempotencyKey(ctx, opts.IdempotencyKey, flowID); err != nil {
			if errors.Is(err, ErrKeyExists) {
				// Lost a race against a concurrent binder.
				return e.replayResult(ctx, flowID, event)
			}
			return nil, err
		}
	}

	if len(opts.Data) > 0 {
		if inst.Context == nil {
			inst.Context = Context{}
		}
		for k, v := range opts.Data {
			inst.Context[k] = v
		}
	}

	mc := &MiddlewareContext{
		FlowID:    flowID,
		Event:     event,
		FlowState: inst,
		Options:   opts,
		StartTime: started,
	}
	core := func(ctx context.Context) (*ExecuteResult, error) {
		return e.executeCore(ctx, inst, event, opts)
	}

	e.mu.RLock()
	mws := make([]Middleware, len(e.middlewares))
	copy(mws, e.middlewares)
	e.mu.RUnlock()

	result, err := buildChain(mws, mc, core)(ctx)
	if err != nil {
		// A middleware raised. Treat it like any other execution failure.
		var opErr *Error
		if errors.As(err, &opErr) && operational(opErr.Code) {
			return nil, err
		}
		result, err = e.failExecution(ctx, inst, event, err)
		if err != nil {
			return nil, err
		}
	}

	e.metrics.ObserveExecuteLatency(e.def.ID, event, e.now().Sub(started))
	return result, nil
}

// operational reports whether the code never mutates flow state and is
// raised synchronously instead of driving compensation.
func operational(code Code) bool {
	switch code {
	case CodeNotFound, CodeDuplicate, CodeNotActive, CodeTimeout:
		return true
	default:
		return false
	}
}

// replayResult builds the no-op success returned for an already-bound
// execute key. The snapshot is re-read so a concurrent winner's transition is
// visible.
func (e *Engine) replayResult(ctx context.Context, flowID, event string) (*ExecuteResult, error) {
	latest, err := e.loadFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTransition(e.def.ID, event, "noop")
	return &ExecuteResult{
		Success: true,
		State:   latest,
		Transition: &TransitionRecord{
			From:  latest.Current,
			To:    latest.Current,
			Event: event,
		},
	}, nil
}

// executeCore is the terminus of the middleware chain: dispatch the event,
// then on success advance and persist, on failure compensate.
func (e *Engine) executeCore(ctx context.Context, inst *FlowInstance, event string, opts ExecuteOptions) (*ExecuteResult, error) {
	from := inst.Current

	var to StateRef
	var execErr error
	if from.IsParallel() {
		to, execErr = e.dispatchParallel(ctx, inst, event, opts.TargetRegion)
	} else {
		outcome := e.machine.ExecuteTransition(ctx, from.Name(), event, inst.Context)
		if outcome.Err != nil {
			execErr = outcome.Err
		} else {
			to = e.targetRef(outcome.To)
		}
	}
	if execErr != nil {
		return e.failExecution(ctx, inst, event, execErr)
	}

	now := e.now()
	inst.History = append(inst.History, HistoryRecord{
		From:      from,
		To:        to,
		Event:     event,
		Timestamp: now,
	})
	inst.Current = to
	if e.machine.IsFinalRef(to) {
		inst.Status = StatusCompleted
		e.metrics.FlowFinished()
	}
	inst.UpdatedAt = now

	if err := e.store.Save(ctx, inst); err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(e.def.ID, event, "success")
	e.emit(emit.Event{
		FlowID: inst.FlowID,
		Event:  event,
		State:  to.Label(),
		Msg:    "transition",
		Meta: map[string]any{
			"from":   from.Label(),
			"status": string(inst.Status),
		},
	})

	return &ExecuteResult{
		Success: true,
		State:   inst.Clone(),
		Transition: &TransitionRecord{
			From:  from,
			To:    to,
			Event: event,
		},
	}, nil
}

// targetRef maps a transition target name to the resulting current state.
// Entering a parallel node fans out to every region's initial state, the same
// shape Start produces; the parallel node's own entry hook has already run as
// the transition's target entry.
func (e *Engine) targetRef(name string) StateRef {
	if ps, ok := e.def.States[name].(*ParallelState); ok {
		names := make([]string, len(ps.Regions))
		for i, r := range ps.Regions {
			names[i] = r.InitialState
		}
		return ParallelStates(names)
	}
	return SingleState(name)
}

// failExecution runs the compensation procedure for an execution error and
// packages the failed result. Only store failures surface as the error.
func (e *Engine) failExecution(ctx context.Context, inst *FlowInstance, event string, execErr error) (*ExecuteResult, error) {
	e.metrics.RecordTransition(e.def.ID, event, "failed")
	didCompensate, err := e.runCompensation(ctx, inst, execErr.Error())
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		Success:     false,
		State:       inst.Clone(),
		Compensated: didCompensate,
		Err:         execErr,
	}, nil
}

// Pause moves an active flow to paused. Execute on a paused flow fails with
// CodeNotActive until Resume.
func (e *Engine) Pause(ctx context.Context, flowID string) error {
	inst, err := e.loadFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if inst.Status != StatusActive {
		return &Error{
			Code:    CodeNotActive,
			Message: fmt.Sprintf("flow %q is %s, not active", flowID, inst.Status),
			FlowID:  flowID,
		}
	}
	inst.Status = StatusPaused
	inst.UpdatedAt = e.now()
	if err := e.store.Save(ctx, inst); err != nil {
		return err
	}
	e.emit(emit.Event{FlowID: flowID, State: inst.Current.Label(), Msg: "flow_paused"})
	return nil
}

// Resume moves a paused flow back to active.
func (e *Engine) Resume(ctx context.Context, flowID string) error {
	inst, err := e.loadFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if inst.Status != StatusPaused {
		return &Error{
			Code:    CodeNotActive,
			Message: fmt.Sprintf("flow %q is %s, not paused", flowID, inst.Status),
			FlowID:  flowID,
		}
	}
	inst.Status = StatusActive
	inst.UpdatedAt = e.now()
	if err := e.store.Save(ctx, inst); err != nil {
		return err
	}
	e.emit(emit.Event{FlowID: flowID, State: inst.Current.Label(), Msg: "flow_resumed"})
	return nil
}

// cancelReason is the message recorded by Cancel.
const cancelReason = "Flow cancelled by user"

// Cancel administratively terminates a flow that has not completed. With
// triggerCompensation the recorded compensations run first; otherwise the
// flow is simply marked failed. Cancel does not interrupt an in-flight
// Execute.
func (e *Engine) Cancel(ctx context.Context, flowID string, triggerCompensation bool) error {
	inst, err := e.loadFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if inst.Status == StatusCompleted {
		return &Error{
			Code:    CodeNotActive,
			Message: fmt.Sprintf("flow %q already completed", flowID),
			FlowID:  flowID,
		}
	}

	if triggerCompensation {
		if _, err := e.runCompensation(ctx, inst, cancelReason); err != nil {
			return err
		}
	} else {
		wasTerminal := inst.Status.Terminal()
		now := e.now()
		inst.Status = StatusFailed
		inst.Error = &FlowError{
			Message:   cancelReason,
			State:     inst.Current.Label(),
			Timestamp: now,
		}
		inst.UpdatedAt = now
		if err := e.store.Save(ctx, inst); err != nil {
			return err
		}
		if !wasTerminal {
			e.metrics.FlowFinished()
		}
	}

	e.emit(emit.Event{FlowID: flowID, State: inst.Current.Label(), Msg: "flow_cancelled"})
	return nil
}

// GetFlow returns a read-only snapshot of the instance.
func (e *Engine) GetFlow(ctx context.Context, flowID string) (*FlowInstance, error) {
	return e.loadFlow(ctx, flowID)
}

// ListFlows returns snapshots of all instances matching the filter; a nil
// filter matches everything.
func (e *Engine) ListFlows(ctx context.Context, filter *Filter) ([]*FlowInstance, error) {
	return e.store.List(ctx, filter)
}

// PossibleTransitions returns the deduplicated union of event names
// available from the flow's current state, or from every active region for a
// parallel flow, in consideration order.
func (e *Engine) PossibleTransitions(ctx context.Context, flowID string) ([]string, error) {
	inst, err := e.loadFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	var out []string
	seen := make(map[string]bool)
	for _, state := range inst.Current.Regions() {
		for _, event := range e.machine.PossibleEvents(state) {
			if !seen[event] {
				seen[event] = true
				out = append(out, event)
			}
		}
	}
	return out, nil
}

// RecordCompensation pushes an undo action onto the flow's stack, labeled
// with the current state. Recording is allowed in any status, including after
// completion, where the entry is persisted for audit but never runs.
func (e *Engine) RecordCompensation(ctx context.Context, flowID string, action HookFunc, description string) error {
	return e.recordCompensation(ctx, flowID, action, "", description)
}

// RecordNamedCompensation pushes a registry-resolved undo action. Unlike a
// closure recorded through RecordCompensation, a named action survives a
// process restart when the store persists the name and the registry is
// re-populated on boot.
func (e *Engine) RecordNamedCompensation(ctx context.Context, flowID, actionName, description string) error {
	if e.registry == nil {
		return fmt.Errorf("no registry configured for named compensation %q", actionName)
	}
	action, ok := e.registry.Action(actionName)
	if !ok {
		return fmt.Errorf("compensation action %q not registered", actionName)
	}
	return e.recordCompensation(ctx, flowID, action, actionName, description)
}

func (e *Engine) recordCompensation(ctx context.Context, flowID string, action HookFunc, actionName, description string) error {
	if action == nil {
		return fmt.Errorf("compensation action is required")
	}
	inst, err := e.loadFlow(ctx, flowID)
	if err != nil {
		return err
	}

	now := e.now()
	inst.Compensations = append(inst.Compensations, CompensationEntry{
		StateLabel:  inst.Current.Label(),
		Action:      action,
		ActionName:  actionName,
		Description: description,
		Timestamp:   now,
	})
	inst.UpdatedAt = now
	return e.store.Save(ctx, inst)
}

// Delete removes the flow and, best-effort, every sub-flow it references,
// recursively. Errors deleting sub-flows are swallowed; deleting an absent
// flow is a no-op.
func (e *Engine) Delete(ctx context.Context, flowID string) error {
	return e.deleteTree(ctx, flowID, map[string]bool{}, true)
}

func (e *Engine) deleteTree(ctx context.Context, flowID string, seen map[string]bool, root bool) error {
	if seen[flowID] {
		return nil
	}
	seen[flowID] = true

	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if root {
			return err
		}
		return nil
	}
	for _, ref := range inst.SubFlows {
		_ = e.deleteTree(ctx, ref.SubFlowID, seen, false)
	}

	err = e.store.Delete(ctx, flowID)
	if root {
		return err
	}
	return nil
}

// loadFlow reads and rehydrates a snapshot, mapping a missing id to
// CodeNotFound.
func (e *Engine) loadFlow(ctx context.Context, flowID string) (*FlowInstance, error) {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &Error{
				Code:    CodeNotFound,
				Message: fmt.Sprintf("flow %q not found", flowID),
				FlowID:  flowID,
				Err:     err,
			}
		}
		return nil, err
	}
	e.registry.Rehydrate(inst)
	return inst, nil
}

func (e *Engine) emit(event emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(event)
	}
}
