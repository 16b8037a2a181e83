package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dshills/stateflow-go/flow"
)

// MySQL integration tests run against a real server.
//
// Prerequisites:
//   - MySQL server running (local, Docker, or cloud)
//   - TEST_MYSQL_DSN environment variable set with the connection string
//   - Database user has CREATE, INSERT, SELECT, UPDATE, DELETE permissions
//
// Example DSN: "user:password@tcp(localhost:3306)/test_db?parseTime=true"
//
// To run:
//
//	export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/test_db?parseTime=true"
//	go test -v -run TestMySQLStore ./flow/store

func newMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL integration test: Set TEST_MYSQL_DSN environment variable to run")
	}
	st, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("failed to create MySQL store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMySQLStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	st := newMySQLStore(t)

	flowID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	inst := sampleInstance(flowID)
	t.Cleanup(func() { _ = st.Delete(ctx, flowID) })

	if err := st.Save(ctx, inst); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := st.Get(ctx, flowID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.DefinitionID != "order" || !got.Current.Equal(flow.SingleState("pending")) {
		t.Errorf("got = %+v", got)
	}

	// Overwrite advances the row in place.
	inst.Current = flow.SingleState("approved")
	inst.Status = flow.StatusCompleted
	if err := st.Save(ctx, inst); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = st.Get(ctx, flowID)
	if got.Status != flow.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	matched, err := st.List(ctx, &flow.Filter{Status: flow.StatusCompleted, DefinitionID: "order"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	found := false
	for _, m := range matched {
		if m.FlowID == flowID {
			found = true
		}
	}
	if !found {
		t.Errorf("saved flow missing from the filtered list")
	}

	if err := st.Delete(ctx, flowID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if exists, _ := st.Exists(ctx, flowID); exists {
		t.Error("flow survived delete")
	}
}

func TestMySQLStore_IdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	st := newMySQLStore(t)

	key := fmt.Sprintf("it-key-%d", time.Now().UnixNano())
	flowID := fmt.Sprintf("it-%d", time.Now().UnixNano())

	if err := st.SaveIdempotencyKey(ctx, key, flowID); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if err := st.SaveIdempotencyKey(ctx, key, "someone-else"); !errors.Is(err, flow.ErrKeyExists) {
		t.Errorf("expected ErrKeyExists, got %v", err)
	}

	bound, err := st.FlowIDByIdempotencyKey(ctx, key)
	if err != nil || bound != flowID {
		t.Errorf("lookup = %q, %v; want %q", bound, err, flowID)
	}
}

func TestMySQLStore_Ping(t *testing.T) {
	ctx := context.Background()
	st := newMySQLStore(t)

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := st.Ping(ctx); err == nil {
		t.Error("ping after close must fail")
	}
}
