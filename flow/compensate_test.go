package flow_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/stateflow-go/flow"
)

// sagaDef is a three-step pipeline whose last target blows up on entry.
func sagaDef(t *testing.T) *flow.FlowDefinition {
	t.Helper()
	def, err := flow.NewDefinition(flow.FlowDefinition{
		ID:           "payment-saga",
		InitialState: "start",
		States: map[string]flow.StateNode{
			"start": &flow.AtomicState{
				Name:        "start",
				Transitions: []flow.Transition{{Event: "STEP1", To: "s1"}},
			},
			"s1": &flow.AtomicState{
				Name:        "s1",
				Transitions: []flow.Transition{{Event: "STEP2", To: "s2"}},
			},
			"s2": &flow.AtomicState{
				Name:        "s2",
				Transitions: []flow.Transition{{Event: "STEP3", To: "s3"}},
			},
			"s3": &flow.AtomicState{
				Name: "s3",
				OnEntry: func(_ context.Context, _ flow.Context) error {
					return errors.New("charge declined")
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("definition invalid: %v", err)
	}
	return def
}

func TestCompensation_SagaRollback(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, sagaDef(t))

	inst, err := e.Start(ctx, flow.StartOptions{Context: flow.Context{"total": "100"}})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var order []string
	undo := func(name string) flow.HookFunc {
		return func(_ context.Context, data flow.Context) error {
			order = append(order, name)
			// Each undo must see the latest context including prior undos.
			data["lastUndo"] = name
			return nil
		}
	}

	if _, err := e.Execute(ctx, inst.FlowID, "STEP1", flow.ExecuteOptions{}); err != nil {
		t.Fatalf("step 1 failed: %v", err)
	}
	if err := e.RecordCompensation(ctx, inst.FlowID, undo("undo1"), "u1"); err != nil {
		t.Fatalf("record undo1 failed: %v", err)
	}
	if _, err := e.Execute(ctx, inst.FlowID, "STEP2", flow.ExecuteOptions{}); err != nil {
		t.Fatalf("step 2 failed: %v", err)
	}
	if err := e.RecordCompensation(ctx, inst.FlowID, undo("undo2"), "u2"); err != nil {
		t.Fatalf("record undo2 failed: %v", err)
	}

	result, err := e.Execute(ctx, inst.FlowID, "STEP3", flow.ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if !result.Compensated {
		t.Error("expected compensated=true")
	}
	if len(order) != 2 || order[0] != "undo2" || order[1] != "undo1" {
		t.Errorf("compensation order = %v, want [undo2 undo1]", order)
	}

	stored, err := e.GetFlow(ctx, inst.FlowID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != flow.StatusFailed {
		t.Errorf("status = %q, want failed", stored.Status)
	}
	if stored.Error == nil || !strings.HasSuffix(stored.Error.Message, " (compensated)") {
		t.Errorf("error = %+v, want message suffixed with \" (compensated)\"", stored.Error)
	}
	if stored.Context["lastUndo"] != "undo1" {
		t.Errorf("compensation context mutations not persisted: %v", stored.Context)
	}
	if len(stored.Compensations) != 2 {
		t.Errorf("entries must stay for audit, got %d", len(stored.Compensations))
	}
}

func TestCompensation_ActionFailureContinues(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, sagaDef(t))
	inst, _ := e.Start(ctx, flow.StartOptions{})

	var order []string
	if err := e.RecordCompensation(ctx, inst.FlowID, func(_ context.Context, _ flow.Context) error {
		order = append(order, "first")
		return nil
	}, "runs last"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := e.RecordCompensation(ctx, inst.FlowID, func(_ context.Context, _ flow.Context) error {
		order = append(order, "failing")
		return errors.New("undo blew up")
	}, "runs first and fails"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	result, err := e.Execute(ctx, inst.FlowID, "STEP1", flow.ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	// STEP1 succeeds, so force the failure through an unknown event.
	if !result.Success {
		t.Fatalf("step 1 should succeed: %v", result.Err)
	}
	failure, err := e.Execute(ctx, inst.FlowID, "UNKNOWN", flow.ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if failure.Success || !failure.Compensated {
		t.Fatalf("expected compensated failure, got %+v", failure)
	}
	if len(order) != 2 || order[0] != "failing" || order[1] != "first" {
		t.Errorf("order = %v; a failing action must not stop the unwind", order)
	}
}

func TestCompensation_EmptyStack(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, approvalDef(t))
	inst, _ := e.Start(ctx, flow.StartOptions{})

	result, err := e.Execute(ctx, inst.FlowID, "UNKNOWN", flow.ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Compensated {
		t.Error("empty stack must give compensated=false")
	}

	stored, _ := e.GetFlow(ctx, inst.FlowID)
	if stored.Status != flow.StatusFailed {
		t.Errorf("status = %q, want failed", stored.Status)
	}
	if stored.Error == nil || strings.HasSuffix(stored.Error.Message, "(compensated)") {
		t.Errorf("error = %+v, must not carry the compensated suffix", stored.Error)
	}
}

func TestCompensation_RecordAfterCompletionIsPersisted(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, approvalDef(t))
	inst, _ := e.Start(ctx, flow.StartOptions{})
	if _, err := e.Execute(ctx, inst.FlowID, "APPROVE", flow.ExecuteOptions{}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if err := e.RecordCompensation(ctx, inst.FlowID, func(_ context.Context, _ flow.Context) error {
		return nil
	}, "unreachable"); err != nil {
		t.Fatalf("recording after completion must be allowed: %v", err)
	}

	stored, _ := e.GetFlow(ctx, inst.FlowID)
	if len(stored.Compensations) != 1 {
		t.Errorf("entries = %d, want 1", len(stored.Compensations))
	}
	if stored.Status != flow.StatusCompleted {
		t.Errorf("status = %q, recording must not change it", stored.Status)
	}
}

func TestCompensation_NamedActions(t *testing.T) {
	ctx := context.Background()
	reg := flow.NewRegistry()

	ran := false
	if err := reg.RegisterAction("release-stock", func(_ context.Context, _ flow.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	e := newEngine(t, approvalDef(t), flow.WithRegistry(reg))
	inst, _ := e.Start(ctx, flow.StartOptions{})

	if err := e.RecordNamedCompensation(ctx, inst.FlowID, "release-stock", "undo reservation"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := e.RecordNamedCompensation(ctx, inst.FlowID, "missing", ""); err == nil {
		t.Error("unknown action name must fail")
	}

	stored, _ := e.GetFlow(ctx, inst.FlowID)
	if len(stored.Compensations) != 1 || stored.Compensations[0].ActionName != "release-stock" {
		t.Fatalf("compensations = %+v", stored.Compensations)
	}

	if err := e.Cancel(ctx, inst.FlowID, true); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !ran {
		t.Error("named compensation did not run")
	}
}
