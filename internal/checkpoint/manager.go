// Package checkpoint persists run state to SQLite: execution history, logs,
// periodic state snapshots, and run metadata, plus the reconciliation
// policies applied when a checkpoint is loaded into a (possibly edited)
// repository.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"normflow/internal/logging"
)

// Manager owns the checkpoint database.
type Manager struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// NewManager opens (creating if needed) the checkpoint database.
func NewManager(dbPath string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: creating db directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening database: %w", err)
	}
	m := &Manager{db: db, dbPath: dbPath}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: initializing schema: %w", err)
	}
	if err := m.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrating schema: %w", err)
	}
	return m, nil
}

// Close closes the database.
func (m *Manager) Close() error { return m.db.Close() }

// Path returns the database file path.
func (m *Manager) Path() string { return m.dbPath }

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL DEFAULT 'default',
		cycle INTEGER NOT NULL,
		flow_index TEXT NOT NULL,
		inference_type TEXT NOT NULL,
		status TEXT NOT NULL,
		concept_inferred TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id INTEGER NOT NULL,
		log_content TEXT NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL DEFAULT 'default',
		cycle INTEGER NOT NULL,
		inference_count INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (run_id, cycle, inference_count)
	);

	CREATE TABLE IF NOT EXISTS run_metadata (
		run_id TEXT PRIMARY KEY,
		metadata_json TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	`
	_, err := m.db.Exec(schema)
	return err
}

// migration adds one column to a legacy table.
type migration struct {
	table  string
	column string
	def    string
}

// pendingMigrations upgrades databases created before run identity and
// multi-checkpoint cycles existed. Legacy rows default run_id to "default"
// and inference_count to 0.
var pendingMigrations = []migration{
	{"executions", "run_id", "TEXT NOT NULL DEFAULT 'default'"},
	{"checkpoints", "run_id", "TEXT NOT NULL DEFAULT 'default'"},
	{"checkpoints", "inference_count", "INTEGER NOT NULL DEFAULT 0"},
}

func (m *Manager) runMigrations() error {
	for _, mg := range pendingMigrations {
		if !m.tableExists(mg.table) {
			continue
		}
		if m.columnExists(mg.table, mg.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", mg.table, mg.column, mg.def)
		if _, err := m.db.Exec(query); err != nil {
			logging.CheckpointError("Migration %s.%s failed: %v", mg.table, mg.column, err)
			return err
		}
		logging.Checkpoint("Migration applied: added %s.%s", mg.table, mg.column)
	}
	// SQLite cannot alter a primary key; a checkpoints table whose PK
	// predates (run_id, cycle, inference_count) is rebuilt.
	return m.rebuildCheckpointsIfLegacyPK()
}

// rebuildCheckpointsIfLegacyPK recreates the checkpoints table when its
// primary key does not cover the composite columns.
func (m *Manager) rebuildCheckpointsIfLegacyPK() error {
	pkCols := 0
	rows, err := m.db.Query("PRAGMA table_info(checkpoints)")
	if err != nil {
		return err
	}
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if pk > 0 {
			pkCols++
		}
	}
	rows.Close()
	if pkCols >= 3 {
		return nil
	}
	logging.Checkpoint("Rebuilding checkpoints table for composite primary key")
	stmts := []string{
		`CREATE TABLE checkpoints_new (
			run_id TEXT NOT NULL DEFAULT 'default',
			cycle INTEGER NOT NULL,
			inference_count INTEGER NOT NULL DEFAULT 0,
			state_json TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			PRIMARY KEY (run_id, cycle, inference_count)
		)`,
		`INSERT OR IGNORE INTO checkpoints_new (run_id, cycle, inference_count, state_json, timestamp)
			SELECT run_id, cycle, inference_count, state_json, timestamp FROM checkpoints`,
		`DROP TABLE checkpoints`,
		`ALTER TABLE checkpoints_new RENAME TO checkpoints`,
	}
	for _, s := range stmts {
		if _, err := m.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) tableExists(table string) bool {
	var name string
	err := m.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func (m *Manager) columnExists(table, column string) bool {
	rows, err := m.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// RecordExecution inserts one execution attempt row and returns its id.
func (m *Manager) RecordExecution(runID string, cycle int, flowIndex, inferenceType, status, conceptInferred string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, err := m.db.Exec(`
		INSERT INTO executions (run_id, cycle, flow_index, inference_type, status, concept_inferred, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, cycle, flowIndex, inferenceType, status, conceptInferred, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendLog attaches log content to an execution row.
func (m *Manager) AppendLog(executionID int64, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec(
		"INSERT INTO logs (execution_id, log_content) VALUES (?, ?)", executionID, content)
	return err
}

// SaveCheckpoint upserts the state document at (run_id, cycle,
// inference_count).
func (m *Manager) SaveCheckpoint(runID string, cycle, inferenceCount int, doc *StateDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("checkpoint: serializing state: %w", err)
	}
	_, err = m.db.Exec(`
		INSERT OR REPLACE INTO checkpoints (run_id, cycle, inference_count, state_json, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		runID, cycle, inferenceCount, string(raw), time.Now().UTC())
	if err == nil {
		logging.Checkpoint("Saved checkpoint run=%s cycle=%d count=%d (%d bytes)",
			runID, cycle, inferenceCount, len(raw))
	}
	return err
}

// LoadLatest returns the most recent checkpoint for a run.
func (m *Manager) LoadLatest(runID string) (*StateDoc, int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var raw string
	var cycle, count int
	err := m.db.QueryRow(`
		SELECT state_json, cycle, inference_count FROM checkpoints
		WHERE run_id = ? ORDER BY cycle DESC, inference_count DESC LIMIT 1`,
		runID).Scan(&raw, &cycle, &count)
	if err == sql.ErrNoRows {
		return nil, 0, 0, fmt.Errorf("checkpoint: no checkpoints for run %q", runID)
	}
	if err != nil {
		return nil, 0, 0, err
	}
	doc, err := decodeStateDoc([]byte(raw))
	return doc, cycle, count, err
}

// ExecutionRow is one attempt in the history table.
type ExecutionRow struct {
	ID              int64
	RunID           string
	Cycle           int
	FlowIndex       string
	InferenceType   string
	Status          string
	ConceptInferred string
	Timestamp       time.Time
}

// History returns execution rows for a run in attempt order.
func (m *Manager) History(runID string) ([]ExecutionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.db.Query(`
		SELECT id, run_id, cycle, flow_index, inference_type, status, COALESCE(concept_inferred, ''), timestamp
		FROM executions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionRow
	for rows.Next() {
		var r ExecutionRow
		if err := rows.Scan(&r.ID, &r.RunID, &r.Cycle, &r.FlowIndex, &r.InferenceType,
			&r.Status, &r.ConceptInferred, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Runs lists every run id with a checkpoint or execution row.
func (m *Manager) Runs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.db.Query(`
		SELECT run_id FROM checkpoints
		UNION SELECT run_id FROM executions ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveRunMetadata upserts free-form metadata for a run.
func (m *Manager) SaveRunMetadata(runID string, meta map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = m.db.Exec(`
		INSERT OR REPLACE INTO run_metadata (run_id, metadata_json, timestamp)
		VALUES (?, ?, ?)`, runID, string(raw), time.Now().UTC())
	return err
}

// LoadRunMetadata reads a run's metadata (nil when absent).
func (m *Manager) LoadRunMetadata(runID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var raw string
	err := m.db.QueryRow(
		"SELECT metadata_json FROM run_metadata WHERE run_id = ?", runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
