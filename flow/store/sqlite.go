package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/dshills/stateflow-go/flow"
)

// SQLiteStore is a SQLite implementation of flow.FlowStore.
//
// It stores flow instances as JSON documents in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durability
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and a single writer
// connection, matching SQLite's locking model.
//
// Schema:
//   - flows: one row per instance; filterable columns plus the full document
//   - flow_idempotency_keys: write-once key -> flow id bindings
//
// Compensation actions are persisted by name only; the engine rehydrates
// callables through its registry on load. Entries recorded from anonymous
// closures do not survive a restart.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flows.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and tables, enables WAL
// mode, and configures a busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./flows.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	flowsTable := `
		CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT NOT NULL PRIMARY KEY,
			definition_id TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_state TEXT NOT NULL,
			parent_flow_id TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, flowsTable); err != nil {
		return fmt.Errorf("failed to create flows table: %w", err)
	}

	for _, index := range []string{
		"CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status)",
		"CREATE INDEX IF NOT EXISTS idx_flows_definition ON flows(definition_id, version)",
		"CREATE INDEX IF NOT EXISTS idx_flows_parent ON flows(parent_flow_id)",
	} {
		if _, err := s.db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	keysTable := `
		CREATE TABLE IF NOT EXISTS flow_idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			flow_id TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, keysTable); err != nil {
		return fmt.Errorf("failed to create flow_idempotency_keys table: %w", err)
	}

	return nil
}

// Save persists the instance as a JSON document, atomically replacing any
// prior row for the same flow id.
func (s *SQLiteStore) Save(ctx context.Context, inst *flow.FlowInstance) error {
	if err := s.guard(); err != nil {
		return err
	}

	document, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal flow instance: %w", err)
	}

	query := `
		INSERT INTO flows (flow_id, definition_id, version, status, current_state, parent_flow_id, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			definition_id = excluded.definition_id,
			version = excluded.version,
			status = excluded.status,
			current_state = excluded.current_state,
			parent_flow_id = excluded.parent_flow_id,
			document = excluded.document,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = s.db.ExecContext(ctx, query,
		inst.FlowID,
		inst.DefinitionID,
		inst.Version,
		string(inst.Status),
		inst.Current.Label(),
		inst.ParentFlowID,
		string(document),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

// Get returns a snapshot decoded from the stored document, or
// flow.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, flowID string) (*flow.FlowInstance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var document string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM flows WHERE flow_id = ?", flowID).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}

	var inst flow.FlowInstance
	if err := json.Unmarshal([]byte(document), &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow instance: %w", err)
	}
	return &inst, nil
}

// Delete removes the instance; deleting an absent flow is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, flowID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM flows WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// Exists reports whether the flow id has a row.
func (s *SQLiteStore) Exists(ctx context.Context, flowID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flows WHERE flow_id = ?", flowID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check flow existence: %w", err)
	}
	return count > 0, nil
}

// List returns all instances matching the filter. Column-backed filter
// fields narrow the query; the shared filter match runs on the decoded
// documents so semantics stay identical across backends.
func (s *SQLiteStore) List(ctx context.Context, filter *flow.Filter) ([]*flow.FlowInstance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := "SELECT document FROM flows"
	var conds []string
	var args []any
	if filter != nil {
		if filter.Status != "" {
			conds = append(conds, "status = ?")
			args = append(args, string(filter.Status))
		}
		if filter.DefinitionID != "" {
			conds = append(conds, "definition_id = ?")
			args = append(args, filter.DefinitionID)
		}
		if filter.Version != "" {
			conds = append(conds, "version = ?")
			args = append(args, filter.Version)
		}
		if filter.ParentFlowID != "" {
			conds = append(conds, "parent_flow_id = ?")
			args = append(args, filter.ParentFlowID)
		}
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*flow.FlowInstance
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		var inst flow.FlowInstance
		if err := json.Unmarshal([]byte(document), &inst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow instance: %w", err)
		}
		if filter.Matches(&inst) {
			out = append(out, &inst)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow rows: %w", err)
	}
	return out, nil
}

// HasIdempotencyKey reports whether the key is bound to any flow.
func (s *SQLiteStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flow_idempotency_keys WHERE key_value = ?", key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return count > 0, nil
}

// SaveIdempotencyKey binds key to flowID. The primary key on key_value makes
// the binding write-once; a duplicate insert is reported as
// flow.ErrKeyExists so concurrent claimants resolve deterministically.
func (s *SQLiteStore) SaveIdempotencyKey(ctx context.Context, key, flowID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO flow_idempotency_keys (key_value, flow_id) VALUES (?, ?)", key, flowID)
	if err != nil {
		bound, checkErr := s.HasIdempotencyKey(ctx, key)
		if checkErr == nil && bound {
			return flow.ErrKeyExists
		}
		return fmt.Errorf("failed to save idempotency key: %w", err)
	}
	return nil
}

// FlowIDByIdempotencyKey returns the flow id bound to key, or
// flow.ErrNotFound.
func (s *SQLiteStore) FlowIDByIdempotencyKey(ctx context.Context, key string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	var flowID string
	err := s.db.QueryRowContext(ctx, "SELECT flow_id FROM flow_idempotency_keys WHERE key_value = ?", key).Scan(&flowID)
	if err == sql.ErrNoRows {
		return "", flow.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load idempotency key: %w", err)
	}
	return flowID, nil
}

// QueryByContext returns all flows whose context contains every key/value
// pair of match (implements flow.ContextQuerier). Values are compared after
// the JSON round trip, so numbers match as float64.
func (s *SQLiteStore) QueryByContext(ctx context.Context, match map[string]any) ([]*flow.FlowInstance, error) {
	all, err := s.List(ctx, nil)
	if err != nil {
		return nil, err
	}

	var out []*flow.FlowInstance
	for _, inst := range all {
		if matchesContext(inst, match) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Close closes the database connection. After Close all operations return an
// error; calling Close multiple times is safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
