package flow

import (
	"encoding/json"
	"testing"
)

func TestStateRef_JSON(t *testing.T) {
	t.Run("single ref serializes as a bare string", func(t *testing.T) {
		data, err := json.Marshal(SingleState("pending"))
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(data) != `"pending"` {
			t.Errorf("got %s, want %q", data, `"pending"`)
		}

		var ref StateRef
		if err := json.Unmarshal(data, &ref); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if ref.IsParallel() || ref.Name() != "pending" {
			t.Errorf("round trip gave %v", ref)
		}
	})

	t.Run("parallel ref serializes as an array", func(t *testing.T) {
		data, err := json.Marshal(ParallelStates([]string{"a", "b"}))
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(data) != `["a","b"]` {
			t.Errorf("got %s, want %s", data, `["a","b"]`)
		}

		var ref StateRef
		if err := json.Unmarshal(data, &ref); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if !ref.IsParallel() || !ref.Equal(ParallelStates([]string{"a", "b"})) {
			t.Errorf("round trip gave %v", ref)
		}
	})

	t.Run("rejects other shapes", func(t *testing.T) {
		var ref StateRef
		if err := json.Unmarshal([]byte(`{"x":1}`), &ref); err == nil {
			t.Error("expected error for object-shaped state ref")
		}
	})
}

func TestStateRef_Accessors(t *testing.T) {
	ref := ParallelStates([]string{"a", "b"})

	if !ref.Contains("b") || ref.Contains("c") {
		t.Errorf("Contains gave wrong membership for %v", ref)
	}
	if ref.Label() != "a,b" {
		t.Errorf("Label() = %q, want %q", ref.Label(), "a,b")
	}

	moved := ref.WithRegion(1, "b2")
	if !moved.Equal(ParallelStates([]string{"a", "b2"})) {
		t.Errorf("WithRegion gave %v", moved)
	}
	if !ref.Equal(ParallelStates([]string{"a", "b"})) {
		t.Error("WithRegion mutated the receiver")
	}

	regions := ref.Regions()
	regions[0] = "mutated"
	if ref.Contains("mutated") {
		t.Error("Regions returned the internal slice")
	}

	var zero StateRef
	if !zero.IsZero() {
		t.Error("zero value should report IsZero")
	}
}
