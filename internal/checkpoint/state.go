// Package checkpoint persists engine-local run state in SQLite: run
// history, per-table progress, and a mirror of the sync high-water
// marks. The destination's checkpoint remains the durable source of
// truth; this store serves status reporting and resume decisions.
package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status       TEXT NOT NULL DEFAULT 'running',
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS table_progress (
	run_id         TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	rows_delivered INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	error          TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, table_name)
);

CREATE TABLE IF NOT EXISTS sync_state (
	table_name TEXT PRIMARY KEY,
	high_water TEXT NOT NULL
);
`

// Run is one sync run's lifecycle record.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Error       string
}

// TableProgress is one table's outcome within a run.
type TableProgress struct {
	Table         string
	RowsDelivered int64
	Status        string
	Error         string
}

// State is the SQLite-backed local store.
type State struct {
	db *sql.DB
}

// Open creates or opens the state database and applies the schema.
func Open(path string) (*State, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying state schema: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the store.
func (s *State) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new running run.
func (s *State) CreateRun(id string) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (id, started_at, status) VALUES (?, ?, 'running')",
		id, time.Now().UTC())
	return err
}

// CompleteRun finalizes a run with its status and optional error.
func (s *State) CompleteRun(id, status, errMsg string) error {
	_, err := s.db.Exec(
		"UPDATE runs SET completed_at = ?, status = ?, error = ? WHERE id = ?",
		time.Now().UTC(), status, errMsg, id)
	return err
}

// LastRun returns the most recently started run, or nil if none.
func (s *State) LastRun() (*Run, error) {
	row := s.db.QueryRow(
		"SELECT id, started_at, completed_at, status, error FROM runs ORDER BY started_at DESC LIMIT 1")

	var r Run
	var completed sql.NullTime
	if err := row.Scan(&r.ID, &r.StartedAt, &completed, &r.Status, &r.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

// RecordTable upserts one table's progress within a run.
func (s *State) RecordTable(runID, table string, rows int64, status, errMsg string) error {
	_, err := s.db.Exec(`
		INSERT INTO table_progress (run_id, table_name, rows_delivered, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, table_name) DO UPDATE SET
			rows_delivered = excluded.rows_delivered,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		runID, table, rows, status, errMsg, time.Now().UTC())
	return err
}

// TableProgressFor returns per-table progress for a run.
func (s *State) TableProgressFor(runID string) ([]TableProgress, error) {
	rows, err := s.db.Query(
		"SELECT table_name, rows_delivered, status, error FROM table_progress WHERE run_id = ? ORDER BY table_name",
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableProgress
	for rows.Next() {
		var tp TableProgress
		if err := rows.Scan(&tp.Table, &tp.RowsDelivered, &tp.Status, &tp.Error); err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// SetHighWater mirrors a table's high-water mark locally.
func (s *State) SetHighWater(table, hwm string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_state (table_name, high_water) VALUES (?, ?)
		ON CONFLICT (table_name) DO UPDATE SET high_water = excluded.high_water`,
		table, hwm)
	return err
}

// HighWaters returns the mirrored sync state: table name to ISO-8601
// timestamp. Absence of a table's key signals full load.
func (s *State) HighWaters() (map[string]string, error) {
	rows, err := s.db.Query("SELECT table_name, high_water FROM sync_state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var table, hwm string
		if err := rows.Scan(&table, &hwm); err != nil {
			return nil, err
		}
		state[table] = hwm
	}
	return state, rows.Err()
}
