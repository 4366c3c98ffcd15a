// Package workflowdb is the durable substrate for Flow: append-only runs,
// events, and per-step checkpoints, backed by an embedded SQL store with
// concurrent-reader support (modernc.org/sqlite in WAL mode, grounded on
// randalmurphal-flowgraph's pkg/flowgraph/checkpoint/sqlite.go). The three
// tables pf_runs/pf_checkpoints/pf_events are a public contract consumed by
// the monitor collaborator — column names and types are normative.
package workflowdb

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nanoflow/nanoflow/errs"
	"github.com/nanoflow/nanoflow/store"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS pf_runs (
	run_id       TEXT PRIMARY KEY,
	flow_name    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   REAL NOT NULL,
	ended_at     REAL,
	total_steps  INTEGER,
	error        TEXT
);

CREATE TABLE IF NOT EXISTS pf_checkpoints (
	run_id      TEXT NOT NULL,
	step        INTEGER NOT NULL,
	node_name   TEXT NOT NULL,
	store_json  TEXT NOT NULL,
	created_at  REAL NOT NULL,
	PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS pf_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	event       TEXT NOT NULL,
	node_name   TEXT,
	action      TEXT,
	elapsed_ms  REAL,
	error       TEXT,
	created_at  REAL NOT NULL
);
`

// Status values recorded in pf_runs.status.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Event names recorded in pf_events.event.
const (
	EventFlowStart = "flow_start"
	EventNodeStart = "node_start"
	EventNodeEnd   = "node_end"
	EventNodeError = "node_error"
	EventFlowEnd   = "flow_end"
	EventFlowError = "flow_error"
	EventFlowCancel = "flow_cancel"
)

// Run is one row of pf_runs.
type Run struct {
	RunID      string
	FlowName   string
	Status     string
	StartedAt  float64
	EndedAt    float64
	TotalSteps int
	Error      string
}

// Event is one row of pf_events.
type Event struct {
	ID        int64
	RunID     string
	Event     string
	NodeName  string
	Action    string
	ElapsedMS float64
	Error     string
	CreatedAt float64
}

// Checkpoint is one row of pf_checkpoints.
type Checkpoint struct {
	RunID     string
	Step      int
	NodeName  string
	StoreJSON string
	CreatedAt float64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DB wraps a single SQLite file opened in WAL mode. Writes are serialised
// through writeMu (the "bounded write mutex per process" of the spec);
// reads use the pool's own connections and never block on it.
type DB struct {
	sqlDB   *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the SQLite file at path, enables WAL
// mode, and migrates the schema. Existing tables are never altered
// destructively — only CREATE TABLE IF NOT EXISTS.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: mkdir %s: %v", errs.ErrIO, dir, err)
			}
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrIO, path, err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: enable WAL mode: %v", errs.ErrIO, err)
	}
	if _, err := sqlDB.Exec(schemaDDL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: migrate schema: %v", errs.ErrIO, err)
	}
	return &DB{sqlDB: sqlDB}, nil
}

func (d *DB) Close() error { return d.sqlDB.Close() }

// NewRunID builds the globally-unique "<flow_name>-<8-hex-random>" run_id
// from a fresh UUID's first 4 bytes.
func NewRunID(flowName string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%s", flowName, hex.EncodeToString(id[:4]))
}

func toUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateRun inserts a new running row for run_id. Idempotent: a second
// call for the same run_id is ignored.
func (d *DB) CreateRun(ctx context.Context, runID, flowName string, startedAt time.Time) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO pf_runs (run_id, flow_name, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, flowName, StatusRunning, toUnix(startedAt))
	if err != nil {
		return fmt.Errorf("%w: create run %s: %v", errs.ErrIO, runID, err)
	}
	return nil
}

// UpdateRunStatus sets the terminal fields of a run row.
func (d *DB) UpdateRunStatus(ctx context.Context, runID, status string, endedAt time.Time, totalSteps int, errMsg string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.sqlDB.ExecContext(ctx,
		`UPDATE pf_runs SET status = ?, ended_at = ?, total_steps = ?, error = ? WHERE run_id = ?`,
		status, toUnix(endedAt), totalSteps, nullString(errMsg), runID)
	if err != nil {
		return fmt.Errorf("%w: update run %s: %v", errs.ErrIO, runID, err)
	}
	return nil
}

// InsertEvent appends a single pf_events row.
func (d *DB) InsertEvent(ctx context.Context, runID, event, nodeName, action string, elapsedMS float64, errMsg string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return insertEvent(ctx, d.sqlDB, runID, event, nodeName, action, elapsedMS, errMsg)
}

func insertEvent(ctx context.Context, ex execer, runID, event, nodeName, action string, elapsedMS float64, errMsg string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO pf_events (run_id, event, node_name, action, elapsed_ms, error, created_at) VALUES (?,?,?,?,?,?,?)`,
		runID, event, nullString(nodeName), nullString(action), elapsedMS, nullString(errMsg), toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: insert event %s for run %s: %v", errs.ErrIO, event, runID, err)
	}
	return nil
}

// WriteCheckpoint persists a Store snapshot for (run_id, step).
func (d *DB) WriteCheckpoint(ctx context.Context, runID string, step int, nodeName string, storeJSON []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return writeCheckpoint(ctx, d.sqlDB, runID, step, nodeName, storeJSON)
}

func writeCheckpoint(ctx context.Context, ex execer, runID string, step int, nodeName string, storeJSON []byte) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO pf_checkpoints (run_id, step, node_name, store_json, created_at) VALUES (?,?,?,?,?)`,
		runID, step, nodeName, string(storeJSON), toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: write checkpoint run=%s step=%d: %v", errs.ErrIO, runID, step, err)
	}
	return nil
}

// RecordStep persists a completed node's checkpoint, its node_end event and
// the run row's total_steps (step+1) in one transaction, so a reader that
// observes the event is guaranteed to also observe the checkpoint (the
// ordering guarantee of spec §5).
func (d *DB) RecordStep(ctx context.Context, runID string, step int, nodeName, action string, elapsedMS float64, storeJSON []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin step tx run=%s step=%d: %v", errs.ErrIO, runID, step, err)
	}
	if err := writeCheckpoint(ctx, tx, runID, step, nodeName, storeJSON); err != nil {
		tx.Rollback()
		return err
	}
	if err := insertEvent(ctx, tx, runID, EventNodeEnd, nodeName, action, elapsedMS, ""); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pf_runs SET total_steps = ? WHERE run_id = ?`, step+1, runID); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: update total_steps run=%s step=%d: %v", errs.ErrIO, runID, step, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit step run=%s step=%d: %v", errs.ErrIO, runID, step, err)
	}
	return nil
}

// GetRun returns a single run row, or ErrMissingKey if run_id is unknown.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := d.sqlDB.QueryRowContext(ctx,
		`SELECT run_id, flow_name, status, started_at, ended_at, total_steps, error FROM pf_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", errs.ErrMissingKey, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get run %s: %v", errs.ErrIO, runID, err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var endedAt sql.NullFloat64
	var totalSteps sql.NullInt64
	var errMsg sql.NullString
	if err := row.Scan(&r.RunID, &r.FlowName, &r.Status, &r.StartedAt, &endedAt, &totalSteps, &errMsg); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		r.EndedAt = endedAt.Float64
	}
	if totalSteps.Valid {
		r.TotalSteps = int(totalSteps.Int64)
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	return &r, nil
}

// ListRuns returns every run, newest-first by started_at.
func (d *DB) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := d.sqlDB.QueryContext(ctx,
		`SELECT run_id, flow_name, status, started_at, ended_at, total_steps, error FROM pf_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", errs.ErrIO, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan run row: %v", errs.ErrIO, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", errs.ErrIO, err)
	}
	return out, nil
}

// GetEvents returns every event for run_id, ordered by id ascending.
func (d *DB) GetEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := d.sqlDB.QueryContext(ctx,
		`SELECT id, run_id, event, node_name, action, elapsed_ms, error, created_at FROM pf_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: get events for run %s: %v", errs.ErrIO, runID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var nodeName, action, errMsg sql.NullString
		var elapsedMS sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &nodeName, &action, &elapsedMS, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", errs.ErrIO, err)
		}
		e.NodeName = nodeName.String
		e.Action = action.String
		e.ElapsedMS = elapsedMS.Float64
		e.Error = errMsg.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", errs.ErrIO, err)
	}
	return out, nil
}

// GetCheckpoints returns every checkpoint for run_id, ordered by step.
func (d *DB) GetCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := d.sqlDB.QueryContext(ctx,
		`SELECT run_id, step, node_name, store_json, created_at FROM pf_checkpoints WHERE run_id = ? ORDER BY step ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: get checkpoints for run %s: %v", errs.ErrIO, runID, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.RunID, &c.Step, &c.NodeName, &c.StoreJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan checkpoint row: %v", errs.ErrIO, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate checkpoints: %v", errs.ErrIO, err)
	}
	return out, nil
}

// LoadCheckpoint reconstructs a Store, including its schema, from the
// checkpoint at (run_id, step).
func (d *DB) LoadCheckpoint(ctx context.Context, runID string, step int) (*store.Store, error) {
	row := d.sqlDB.QueryRowContext(ctx,
		`SELECT store_json FROM pf_checkpoints WHERE run_id = ? AND step = ?`, runID, step)
	var storeJSON string
	if err := row.Scan(&storeJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: checkpoint run=%s step=%d", errs.ErrMissingKey, runID, step)
		}
		return nil, fmt.Errorf("%w: load checkpoint run=%s step=%d: %v", errs.ErrIO, runID, step, err)
	}
	s := store.New("", nil)
	if err := s.UnmarshalJSON([]byte(storeJSON)); err != nil {
		return nil, fmt.Errorf("%w: decode checkpoint run=%s step=%d: %v", errs.ErrMalformed, runID, step, err)
	}
	return s, nil
}
