package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/stateflow-go/flow"
)

const orderDoc = `
id: order
version: "2.1"
initial: pending
states:
  pending:
    onEntry: reserve-stock
    transitions:
      - event: APPROVE
        to: approved
        when: amount <= 1000
        action: notify
        retry:
          maxAttempts: 3
          backoff: exponential
          delayMs: 50
      - event: APPROVE
        to: review
        when: amount > 1000
  review:
    transitions:
      - event: ACCEPT
        to: approved
  approved:
    kind: final
    validation:
      expr: reserved == true
      errorMessage: stock was never reserved
  cancelled:
    kind: final
global:
  - from: pending
    event: CANCEL
    to: cancelled
  - from: review
    event: CANCEL
    to: cancelled
`

func fullRegistry(t *testing.T) *flow.Registry {
	t.Helper()
	reg := flow.NewRegistry()
	for _, name := range []string{"reserve-stock", "notify"} {
		if err := reg.RegisterAction(name, func(context.Context, flow.Context) error { return nil }); err != nil {
			t.Fatalf("register %q failed: %v", name, err)
		}
	}
	return reg
}

func TestLoad(t *testing.T) {
	def, err := Load(strings.NewReader(orderDoc), fullRegistry(t))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if def.ID != "order" || def.Version != "2.1" || def.InitialState != "pending" {
		t.Errorf("header = %q %q %q", def.ID, def.Version, def.InitialState)
	}
	if len(def.States) != 4 {
		t.Fatalf("states = %d, want 4", len(def.States))
	}

	pending, ok := def.States["pending"].(*flow.AtomicState)
	if !ok {
		t.Fatalf("pending is %T, want *AtomicState", def.States["pending"])
	}
	if pending.OnEntry == nil {
		t.Error("onEntry not resolved")
	}
	if len(pending.Transitions) != 2 {
		t.Fatalf("pending transitions = %d, want 2", len(pending.Transitions))
	}

	first := pending.Transitions[0]
	if first.Guard == nil || first.Action == nil {
		t.Error("inline guard or action not wired")
	}
	if first.Retry == nil {
		t.Fatal("retry policy missing")
	}
	if first.Retry.MaxAttempts != 3 || first.Retry.Backoff != flow.BackoffExponential || first.Retry.Delay != 50*time.Millisecond {
		t.Errorf("retry = %+v", first.Retry)
	}

	// Guards branch on amount at runtime.
	ctx := context.Background()
	if ok, err := first.Guard(ctx, flow.Context{"amount": 500}); err != nil || !ok {
		t.Errorf("small order guard = %v, %v; want true", ok, err)
	}
	if ok, _ := first.Guard(ctx, flow.Context{"amount": 5000}); ok {
		t.Error("small order guard must reject large amounts")
	}

	approved, ok := def.States["approved"].(*flow.AtomicState)
	if !ok || !approved.Final {
		t.Errorf("approved = %+v, want a final atomic state", def.States["approved"])
	}
	if approved.Validation == nil || approved.Validation.ErrorMessage != "stock was never reserved" {
		t.Errorf("validation = %+v", approved.Validation)
	}

	if len(def.Global) != 2 || def.Global[0].From != "pending" || def.Global[0].Event != "CANCEL" {
		t.Errorf("global = %+v", def.Global)
	}
}

func TestLoad_ParallelAndCompound(t *testing.T) {
	doc := `
id: fulfilment
initial: prep
states:
  prep:
    kind: compound
    initial: picking
    children: [picking, picked]
  picking:
    transitions:
      - event: DONE
        to: picked
  picked:
    transitions:
      - event: SHIP
        to: shipping
  shipping:
    kind: parallel
    regions:
      - name: packing
        initial: packing
        states: [packing, packed]
      - name: billing
        initial: billing
        states: [billing, billed]
  packing:
    transitions:
      - event: PACKED
        to: packed
  packed:
    kind: final
  billing:
    transitions:
      - event: BILLED
        to: billed
  billed:
    kind: final
`
	def, err := Load(strings.NewReader(doc), nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	prep, ok := def.States["prep"].(*flow.CompoundState)
	if !ok {
		t.Fatalf("prep is %T, want *CompoundState", def.States["prep"])
	}
	if prep.InitialSubState != "picking" || len(prep.ChildStates) != 2 {
		t.Errorf("prep = %+v", prep)
	}

	shipping, ok := def.States["shipping"].(*flow.ParallelState)
	if !ok {
		t.Fatalf("shipping is %T, want *ParallelState", def.States["shipping"])
	}
	if len(shipping.Regions) != 2 || shipping.Regions[0].Name != "packing" {
		t.Errorf("regions = %+v", shipping.Regions)
	}
	if shipping.Regions[1].InitialState != "billing" {
		t.Errorf("billing region = %+v", shipping.Regions[1])
	}
}

func TestLoad_Errors(t *testing.T) {
	load := func(doc string, reg *flow.Registry) error {
		_, err := Load(strings.NewReader(doc), reg)
		return err
	}
	atomicPair := `
id: x
initial: a
states:
  a:
    transitions:
      - event: GO
        to: b
        %s
  b: {kind: final}
`

	t.Run("guard and when are mutually exclusive", func(t *testing.T) {
		reg := flow.NewRegistry()
		_ = reg.RegisterGuard("g", func(context.Context, flow.Context) (bool, error) { return true, nil })
		doc := strings.Replace(atomicPair, "%s", "guard: g\n        when: x > 1", 1)
		if err := load(doc, reg); err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("unregistered action", func(t *testing.T) {
		doc := strings.Replace(atomicPair, "%s", "action: missing", 1)
		if err := load(doc, flow.NewRegistry()); err == nil || !strings.Contains(err.Error(), "not registered") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("action without a registry", func(t *testing.T) {
		doc := strings.Replace(atomicPair, "%s", "action: missing", 1)
		if err := load(doc, nil); err == nil || !strings.Contains(err.Error(), "no registry") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("unknown state kind", func(t *testing.T) {
		doc := `
id: x
initial: a
states:
  a: {kind: quantum}
`
		if err := load(doc, nil); err == nil || !strings.Contains(err.Error(), "unknown kind") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("structural invariants still apply", func(t *testing.T) {
		doc := `
id: x
initial: ghost
states:
  a: {kind: final}
`
		if err := load(doc, nil); err == nil {
			t.Error("expected a definition error for an unknown initial state")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		if err := load("{not yaml: [", nil); err == nil {
			t.Error("expected a decode error")
		}
	})
}

func TestLoadFile(t *testing.T) {
	doc := `
id: tiny
initial: a
states:
  a:
    transitions:
      - event: GO
        to: b
  b: {kind: final}
`
	path := filepath.Join(t.TempDir(), "flow.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	def, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if def.ID != "tiny" {
		t.Errorf("id = %q", def.ID)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected an error for a missing file")
	}
}
