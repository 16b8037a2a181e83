package expreval

import (
	"context"
	"testing"

	"github.com/dshills/stateflow-go/flow"
)

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("evaluates against the context", func(t *testing.T) {
		guard, err := Guard(`amount > 100 && tier == "gold"`)
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}

		ok, err := guard(ctx, flow.Context{"amount": 150, "tier": "gold"})
		if err != nil || !ok {
			t.Errorf("guard = %v, %v; want true", ok, err)
		}
		ok, err = guard(ctx, flow.Context{"amount": 50, "tier": "gold"})
		if err != nil || ok {
			t.Errorf("guard = %v, %v; want false", ok, err)
		}
	})

	t.Run("unknown identifiers resolve to nil", func(t *testing.T) {
		guard, err := Guard(`approved == true`)
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		ok, err := guard(ctx, flow.Context{})
		if err != nil || ok {
			t.Errorf("guard = %v, %v; want false without error", ok, err)
		}
	})

	t.Run("non-boolean result is a guard error", func(t *testing.T) {
		guard, err := Guard(`amount + 1`)
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		if _, err := guard(ctx, flow.Context{"amount": 1}); err == nil {
			t.Error("expected an error for a non-boolean result")
		}
	})

	t.Run("invalid syntax fails compilation", func(t *testing.T) {
		if _, err := Guard(`amount >`); err == nil {
			t.Error("expected a compile error")
		}
	})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("true passes", func(t *testing.T) {
		validate, err := Validate(`len(items) > 0`)
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		ok, msg := validate(ctx, flow.Context{"items": []any{"a"}})
		if !ok || msg != "" {
			t.Errorf("validate = %v, %q; want true", ok, msg)
		}
	})

	t.Run("false fails without a message", func(t *testing.T) {
		validate, err := Validate(`paid == true`)
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		ok, msg := validate(ctx, flow.Context{"paid": false})
		if ok || msg != "" {
			t.Errorf("validate = %v, %q; want false with empty message", ok, msg)
		}
	})

	t.Run("string result fails with that message", func(t *testing.T) {
		validate, err := Validate(`paid == true ? true : "payment is outstanding"`)
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		ok, msg := validate(ctx, flow.Context{"paid": false})
		if ok || msg != "payment is outstanding" {
			t.Errorf("validate = %v, %q", ok, msg)
		}
	})
}

func TestAssign(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the result under the key", func(t *testing.T) {
		assign, err := Assign("total", `price * quantity`)
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		data := flow.Context{"price": 10, "quantity": 3}
		if err := assign(ctx, data); err != nil {
			t.Fatalf("assign failed: %v", err)
		}
		if data["total"] != 30 {
			t.Errorf("total = %v, want 30", data["total"])
		}
	})

	t.Run("requires a key", func(t *testing.T) {
		if _, err := Assign("", `1`); err == nil {
			t.Error("expected an error for an empty key")
		}
	})
}
