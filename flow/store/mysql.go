package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/stateflow-go/flow"
)

// MySQLStore is a MySQL/MariaDB implementation of flow.FlowStore.
//
// It stores flow instances as JSON documents in a relational database.
// Designed for:
//   - Production flows requiring persistence
//   - Deployments where several processes share the store (still one writer
//     per flow id at a time)
//   - Long-running flows that survive process restarts
//   - Audit trails over flow history and compensations
//
// MySQLStore uses connection pooling; the key table's primary key provides
// race-safe write-once idempotency bindings.
//
// Schema:
//   - flows: one row per instance; filterable columns plus the full document
//   - flow_idempotency_keys: write-once key -> flow id bindings
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	if dsn == "" {
//	    log.Fatal("MYSQL_DSN environment variable not set")
//	}
//	st, err := store.NewMySQLStore(dsn)
//
// The store automatically creates the required tables and configures the
// connection pool.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	flowsTable := `
		CREATE TABLE IF NOT EXISTS flows (
			flow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			definition_id VARCHAR(255) NOT NULL,
			version VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			current_state VARCHAR(512) NOT NULL,
			parent_flow_id VARCHAR(255) NOT NULL DEFAULT '',
			document JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_flows_status (status),
			INDEX idx_flows_definition (definition_id, version),
			INDEX idx_flows_parent (parent_flow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, flowsTable); err != nil {
		return fmt.Errorf("failed to create flows table: %w", err)
	}

	keysTable := `
		CREATE TABLE IF NOT EXISTS flow_idempotency_keys (
			key_value VARCHAR(255) NOT NULL PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, keysTable); err != nil {
		return fmt.Errorf("failed to create flow_idempotency_keys table: %w", err)
	}

	return nil
}

// Save persists the instance as a JSON document, atomically replacing any
// prior row for the same flow id.
func (m *MySQLStore) Save(ctx context.Context, inst *flow.FlowInstance) error {
	if err := m.guard(); err != nil {
		return err
	}

	document, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal flow instance: %w", err)
	}

	query := `
		INSERT INTO flows (flow_id, definition_id, version, status, current_state, parent_flow_id, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			definition_id = VALUES(definition_id),
			version = VALUES(version),
			status = VALUES(status),
			current_state = VALUES(current_state),
			parent_flow_id = VALUES(parent_flow_id),
			document = VALUES(document)
	`
	_, err = m.db.ExecContext(ctx, query,
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
func (m *MySQLStore) Get(ctx context.Context, flowID string) (*flow.FlowInstance, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	var document string
	err := m.db.QueryRowContext(ctx, "SELECT document FROM flows WHERE flow_id = ?", flowID).Scan(&document)
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
func (m *MySQLStore) Delete(ctx context.Context, flowID string) error {
	if err := m.guard(); err != nil {
		return err
	}

	if _, err := m.db.ExecContext(ctx, "DELETE FROM flows WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// Exists reports whether the flow id has a row.
func (m *MySQLStore) Exists(ctx context.Context, flowID string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}

	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flows WHERE flow_id = ?", flowID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check flow existence: %w", err)
	}
	return count > 0, nil
}

// List returns all instances matching the filter. Column-backed filter
// fields narrow the query; the shared filter match runs on the decoded
// documents so semantics stay identical across backends.
func (m *MySQLStore) List(ctx context.Context, filter *flow.Filter) ([]*flow.FlowInstance, error) {
	if err := m.guard(); err != nil {
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

	rows, err := m.db.QueryContext(ctx, query, args...)
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
func (m *MySQLStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}

	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flow_idempotency_keys WHERE key_value = ?", key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return count > 0, nil
}

// SaveIdempotencyKey binds key to flowID. The primary key on key_value makes
// the binding write-once; a duplicate insert is reported as
// flow.ErrKeyExists so concurrent claimants resolve deterministically.
func (m *MySQLStore) SaveIdempotencyKey(ctx context.Context, key, flowID string) error {
	if err := m.guard(); err != nil {
		return err
	}

	_, err := m.db.ExecContext(ctx,
		"INSERT INTO flow_idempotency_keys (key_value, flow_id) VALUES (?, ?)", key, flowID)
	if err != nil {
		bound, checkErr := m.HasIdempotencyKey(ctx, key)
		if checkErr == nil && bound {
			return flow.ErrKeyExists
		}
		return fmt.Errorf("failed to save idempotency key: %w", err)
	}
	return nil
}

// FlowIDByIdempotencyKey returns the flow id bound to key, or
// flow.ErrNotFound.
func (m *MySQLStore) FlowIDByIdempotencyKey(ctx context.Context, key string) (string, error) {
	if err := m.guard(); err != nil {
		return "", err
	}

	var flowID string
	err := m.db.QueryRowContext(ctx, "SELECT flow_id FROM flow_idempotency_keys WHERE key_value = ?", key).Scan(&flowID)
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
func (m *MySQLStore) QueryByContext(ctx context.Context, match map[string]any) ([]*flow.FlowInstance, error) {
	all, err := m.List(ctx, nil)
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
