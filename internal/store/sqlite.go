package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// DB wraps an SQLite database connection with repository operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the default database location under XDG data dirs.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "conductor", "conductor.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
		{2, migrationV2Plans},
		{3, migrationV3Agents},
		{4, migrationV4Counters},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	user_id TEXT,
	status TEXT NOT NULL DEFAULT 'idle',
	active_agent_ids TEXT,
	loop_counters TEXT,
	total_interventions INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0.0,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

const migrationV2Plans = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'planning',
	nodes TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plans_run_id ON plans(run_id);
`

const migrationV3Agents = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_node_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'initializing',
	state TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_agents_run_id ON agents(run_id);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
`

const migrationV4Counters = `
CREATE TABLE IF NOT EXISTS counters (
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, task_id)
);
`

// SavePlan inserts or replaces a task plan. Nodes are stored as JSON.
func (db *DB) SavePlan(ctx context.Context, p *models.TaskPlan) error {
	nodes, err := json.Marshal(p.Nodes)
	if err != nil {
		return fmt.Errorf("marshal plan nodes: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO plans (id, run_id, status, nodes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			nodes = excluded.nodes,
			updated_at = excluded.updated_at
	`, p.ID, p.RunID, string(p.Status), string(nodes), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (db *DB) GetPlan(ctx context.Context, id string) (*models.TaskPlan, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, run_id, status, nodes, created_at, updated_at
		FROM plans WHERE id = ?
	`, id)
	return scanPlan(row)
}

// GetPlanByRun retrieves the plan for a run.
func (db *DB) GetPlanByRun(ctx context.Context, runID string) (*models.TaskPlan, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, run_id, status, nodes, created_at, updated_at
		FROM plans WHERE run_id = ? ORDER BY created_at DESC LIMIT 1
	`, runID)
	return scanPlan(row)
}

func scanPlan(row *sql.Row) (*models.TaskPlan, error) {
	var p models.TaskPlan
	var status, nodes, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.RunID, &status, &nodes, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}

	p.Status = models.PlanStatus(status)
	if err := json.Unmarshal([]byte(nodes), &p.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal plan nodes: %w", err)
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return &p, nil
}

// SaveAgent inserts or replaces a sub-agent record. The full state is
// stored as JSON; frequently queried columns are duplicated for indexing.
func (db *DB) SaveAgent(ctx context.Context, a *models.SubAgentState) error {
	state, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	var completedAt any
	if a.CompletedAt != nil {
		completedAt = formatTime(*a.CompletedAt)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO agents (id, run_id, task_node_id, agent_type, status, state, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			completed_at = excluded.completed_at
	`, a.ID, a.RunID, a.TaskNodeID, a.AgentType, string(a.Status), string(state), formatTime(a.StartedAt), completedAt)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves a sub-agent record by ID.
func (db *DB) GetAgent(ctx context.Context, id string) (*models.SubAgentState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var state string
	row := db.conn.QueryRowContext(ctx, "SELECT state FROM agents WHERE id = ?", id)
	if err := row.Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	var a models.SubAgentState
	if err := json.Unmarshal([]byte(state), &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent state: %w", err)
	}
	return &a, nil
}

// ListAgentsByRun retrieves all sub-agent records for a run.
func (db *DB) ListAgentsByRun(ctx context.Context, runID string) ([]*models.SubAgentState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT state FROM agents WHERE run_id = ? ORDER BY started_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list agents for run %s: %w", runID, err)
	}
	defer rows.Close()

	var agents []*models.SubAgentState
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		var a models.SubAgentState
		if err := json.Unmarshal([]byte(state), &a); err != nil {
			return nil, fmt.Errorf("unmarshal agent state: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// SaveRun inserts or replaces an orchestrator-run record.
func (db *DB) SaveRun(ctx context.Context, s *models.OrchestratorState) error {
	activeIDs, err := json.Marshal(s.ActiveAgentIDs)
	if err != nil {
		return fmt.Errorf("marshal active agent ids: %w", err)
	}
	counters, err := json.Marshal(s.LoopCounters)
	if err != nil {
		return fmt.Errorf("marshal loop counters: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	var completedAt any
	if s.CompletedAt != nil {
		completedAt = formatTime(*s.CompletedAt)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, id, user_id, status, active_agent_ids, loop_counters,
			total_interventions, total_tokens, total_cost, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			active_agent_ids = excluded.active_agent_ids,
			loop_counters = excluded.loop_counters,
			total_interventions = excluded.total_interventions,
			total_tokens = excluded.total_tokens,
			total_cost = excluded.total_cost,
			completed_at = excluded.completed_at
	`, s.RunID, s.ID, s.UserID, string(s.Status), string(activeIDs), string(counters),
		s.TotalInterventions, s.TotalTokens, s.TotalCost, formatTime(s.StartedAt), completedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", s.RunID, err)
	}
	return nil
}

// GetRun retrieves an orchestrator-run record.
func (db *DB) GetRun(ctx context.Context, runID string) (*models.OrchestratorState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT run_id, id, user_id, status, active_agent_ids, loop_counters,
			total_interventions, total_tokens, total_cost, started_at, completed_at
		FROM runs WHERE run_id = ?
	`, runID)
	return scanRun(row.Scan)
}

// ListRuns retrieves the most recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]*models.OrchestratorState, error) {
	if limit <= 0 {
		limit = 20
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id, id, user_id, status, active_agent_ids, loop_counters,
			total_interventions, total_tokens, total_cost, started_at, completed_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.OrchestratorState
	for rows.Next() {
		s, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

func scanRun(scan func(...any) error) (*models.OrchestratorState, error) {
	var s models.OrchestratorState
	var status, activeIDs, counters, startedAt string
	var userID, completedAt sql.NullString

	err := scan(&s.RunID, &s.ID, &userID, &status, &activeIDs, &counters,
		&s.TotalInterventions, &s.TotalTokens, &s.TotalCost, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	s.UserID = userID.String
	s.Status = models.RunStatus(status)
	if activeIDs != "" {
		if err := json.Unmarshal([]byte(activeIDs), &s.ActiveAgentIDs); err != nil {
			return nil, fmt.Errorf("unmarshal active agent ids: %w", err)
		}
	}
	if counters != "" {
		if err := json.Unmarshal([]byte(counters), &s.LoopCounters); err != nil {
			return nil, fmt.Errorf("unmarshal loop counters: %w", err)
		}
	}
	s.StartedAt, _ = parseTime(startedAt)
	s.CompletedAt = parseNullableTime(completedAt)
	return &s, nil
}

// IncrRetryCount increments the durable retry counter for (run, task).
func (db *DB) IncrRetryCount(ctx context.Context, runID, taskID string) (int, error) {
	return db.incrCounter(ctx, runID, taskID)
}

// RetryCount returns the durable retry counter for (run, task).
func (db *DB) RetryCount(ctx context.Context, runID, taskID string) (int, error) {
	return db.counter(ctx, runID, taskID)
}

// IncrInterventions increments the durable intervention counter for a run.
func (db *DB) IncrInterventions(ctx context.Context, runID string) (int, error) {
	return db.incrCounter(ctx, runID, "")
}

// Interventions returns the durable intervention counter for a run.
func (db *DB) Interventions(ctx context.Context, runID string) (int, error) {
	return db.counter(ctx, runID, "")
}

// incrCounter increments a counter row. Interventions use an empty task ID.
func (db *DB) incrCounter(ctx context.Context, runID, taskID string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO counters (run_id, task_id, count) VALUES (?, ?, 1)
		ON CONFLICT(run_id, task_id) DO UPDATE SET count = count + 1
	`, runID, taskID)
	if err != nil {
		return 0, fmt.Errorf("increment counter (%s, %s): %w", runID, taskID, err)
	}

	var count int
	row := db.conn.QueryRowContext(ctx,
		"SELECT count FROM counters WHERE run_id = ? AND task_id = ?", runID, taskID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("read counter (%s, %s): %w", runID, taskID, err)
	}
	return count, nil
}

func (db *DB) counter(ctx context.Context, runID, taskID string) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var count int
	row := db.conn.QueryRowContext(ctx,
		"SELECT count FROM counters WHERE run_id = ? AND task_id = ?", runID, taskID)
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read counter (%s, %s): %w", runID, taskID, err)
	}
	return count, nil
}

// PurgeOldRuns deletes terminated runs older than the given duration, along
// with their plans, agents, and counters.
func (db *DB) PurgeOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE started_at < ? AND status IN ('completed', 'failed')
	`, cutoff)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("select old runs: %w", err)
	}

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			tx.Rollback()
			return 0, fmt.Errorf("scan run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		tx.Rollback()
		return 0, err
	}

	for _, id := range runIDs {
		for _, stmt := range []string{
			"DELETE FROM counters WHERE run_id = ?",
			"DELETE FROM agents WHERE run_id = ?",
			"DELETE FROM plans WHERE run_id = ?",
			"DELETE FROM runs WHERE run_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("purge run %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return int64(len(runIDs)), nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Compile-time verification that DB implements Repository.
var _ Repository = (*DB)(nil)
