// Package store provides SQLite-backed local job history for the runner.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hatchway/runner/internal/models"
)

// FileName is the database file name under the runner config directory.
const FileName = "runner.db"

// DefaultPath returns the default database location for home.
func DefaultPath(home string) string {
	return filepath.Join(home, ".config", "hatchway", FileName)
}

// Store provides access to the runner's SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		runner_id TEXT,
		state TEXT NOT NULL,
		reason TEXT,
		target_dir TEXT,
		dir TEXT,
		output_ref TEXT,
		exit_code INTEGER,
		queued_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		updated_at DATETIME NOT NULL,
		UNIQUE(session_id, job_id)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		job_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_queued_at ON job_runs(queued_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Job Run Operations ---

// JobRecord is a persisted job run. Job identifiers are only unique within
// one runner session, so a record is keyed by session and job.
type JobRecord struct {
	ID        string
	SessionID string
	RunnerID  string
	models.RunSummary
	UpdatedAt time.Time
}

// UpsertRun inserts or updates the row for run.JobID in sessionID. Fields
// already recorded for the run are kept when run leaves them empty.
func (s *Store) UpsertRun(ctx context.Context, sessionID, runnerID string, run models.RunSummary) error {
	var exitCode interface{}
	if run.ExitCode != nil {
		exitCode = *run.ExitCode
	}
	queuedAt := run.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, session_id, job_id, runner_id, state, reason, target_dir, dir, output_ref, exit_code, queued_at, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, job_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			dir = COALESCE(NULLIF(excluded.dir, ''), job_runs.dir),
			output_ref = COALESCE(NULLIF(excluded.output_ref, ''), job_runs.output_ref),
			exit_code = COALESCE(excluded.exit_code, job_runs.exit_code),
			started_at = COALESCE(excluded.started_at, job_runs.started_at),
			ended_at = COALESCE(excluded.ended_at, job_runs.ended_at),
			updated_at = excluded.updated_at`,
		uuid.New().String(), sessionID, run.JobID, runnerID, string(run.State), run.Reason,
		run.TargetDir, run.Dir, run.OutputRef, exitCode,
		queuedAt.UTC(), nullTime(run.StartedAt), nullTime(run.EndedAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job run: %w", err)
	}
	return nil
}

// GetRun returns the most recent run of jobID, or nil if none exists.
func (s *Store) GetRun(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE job_id = ? ORDER BY queued_at DESC, updated_at DESC LIMIT 1`, jobID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job run: %w", err)
	}
	return rec, nil
}

// ListRuns returns up to limit runs, most recently queued first. A limit of
// zero or less returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY queued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

const selectRuns = `SELECT id, session_id, job_id, runner_id, state, reason, target_dir, dir, output_ref, exit_code, queued_at, started_at, ended_at, updated_at FROM job_runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*JobRecord, error) {
	var rec JobRecord
	var state string
	var runnerID, reason, targetDir, dir, outputRef sql.NullString
	var exitCode sql.NullInt64
	var startedAt, endedAt sql.NullTime

	err := sc.Scan(&rec.ID, &rec.SessionID, &rec.JobID, &runnerID, &state, &reason, &targetDir, &dir, &outputRef,
		&exitCode, &rec.QueuedAt, &startedAt, &endedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.RunnerID = runnerID.String
	rec.State = models.JobState(state)
	rec.Reason = reason.String
	rec.TargetDir = targetDir.String
	rec.Dir = dir.String
	rec.OutputRef = outputRef.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if startedAt.Valid {
		rec.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		rec.EndedAt = endedAt.Time
	}
	return &rec, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// --- Decision Operations ---

// Decision is an audit record of a side-effecting runner decision.
type Decision struct {
	ID         string
	Action     string
	InputsHash string
	Outcome    string
	JobID      string
	Details    string
	Timestamp  time.Time
}

// WriteDecision records a decision.
func (s *Store) WriteDecision(ctx context.Context, action, inputsHash, outcome, jobID, details string) (*Decision, error) {
	d := &Decision{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		JobID:      jobID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, action, inputs_hash, outcome, job_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Action, d.InputsHash, d.Outcome, d.JobID, d.Details, d.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns up to limit decisions, newest first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, job_id, details, timestamp FROM decisions ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var jobID, details sql.NullString
		if err := rows.Scan(&d.ID, &d.Action, &d.InputsHash, &d.Outcome, &jobID, &details, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.JobID = jobID.String
		d.Details = details.String
		out = append(out, d)
	}
	return out, rows.Err()
}
