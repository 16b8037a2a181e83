// Package store provides FlowStore implementations: an in-memory reference
// plus SQLite and MySQL backends for durable flows.
//
// The in-memory store keeps live Go values, so compensation closures survive
// for the life of the process but nothing survives a restart. The database
// stores persist each instance as a JSON document; compensation actions come
// back as names only and are rehydrated through the engine's registry, so
// flows recorded with anonymous closures lose those actions across restarts.
package store

import (
	"reflect"

	"github.com/dshills/stateflow-go/flow"
)

// matchesContext reports whether every key/value pair of match is present in
// the instance's context with a deep-equal value.
//
// Database backends round-trip the context through JSON before matching, so
// callers there compare against JSON-shaped values (float64 numbers).
func matchesContext(inst *flow.FlowInstance, match map[string]any) bool {
	for k, want := range match {
		got, ok := inst.Context[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
