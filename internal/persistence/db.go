// Package persistence records convergence history in SQLite: one row per
// run, the channels it checked, every managed timestep and every severe or
// fatal diagnostic.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned by queries naming an unknown run.
var ErrRunNotFound = errors.New("run not found")

const timeLayout = time.RFC3339Nano

// Store wraps a SQLite connection holding convergence history.
type Store struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows a single writer.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		max_iter INTEGER NOT NULL,
		max_err_count INTEGER NOT NULL,
		timesteps INTEGER NOT NULL DEFAULT 0,
		not_converged INTEGER NOT NULL DEFAULT 0,
		total_iterations INTEGER NOT NULL DEFAULT 0,
		err_count INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS report_channels (
		run_id TEXT NOT NULL REFERENCES runs(id),
		channel TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		tolerance REAL NOT NULL,
		PRIMARY KEY (run_id, channel)
	);

	CREATE TABLE IF NOT EXISTS timesteps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		environment TEXT NOT NULL,
		step INTEGER NOT NULL,
		sim_time TEXT NOT NULL,
		warmup INTEGER NOT NULL,
		iterations INTEGER NOT NULL,
		converged INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS diagnostics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		severity TEXT NOT NULL,
		environment TEXT NOT NULL,
		sim_time TEXT NOT NULL,
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nonconvergence_pairs (
		run_id TEXT NOT NULL REFERENCES runs(id),
		air_system TEXT NOT NULL,
		channel TEXT NOT NULL,
		occurrences INTEGER NOT NULL,
		emitted INTEGER NOT NULL,
		PRIMARY KEY (run_id, air_system, channel)
	);

	CREATE INDEX IF NOT EXISTS idx_timesteps_run ON timesteps(run_id);
	CREATE INDEX IF NOT EXISTS idx_diagnostics_run ON diagnostics(run_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Run is one row of the runs table.
type Run struct {
	ID              string         `db:"id"`
	Scenario        string         `db:"scenario"`
	StartedAt       string         `db:"started_at"`
	FinishedAt      sql.NullString `db:"finished_at"`
	MaxIter         int            `db:"max_iter"`
	MaxErrCount     int            `db:"max_err_count"`
	Timesteps       int            `db:"timesteps"`
	NotConverged    int            `db:"not_converged"`
	TotalIterations int            `db:"total_iterations"`
	ErrCount        int            `db:"err_count"`
	Failed          bool           `db:"failed"`
}

// ReportChannel is one channel checked by a run.
type ReportChannel struct {
	RunID     string  `db:"run_id"`
	Channel   string  `db:"channel"`
	Quantity  string  `db:"quantity"`
	Unit      string  `db:"unit"`
	Tolerance float64 `db:"tolerance"`
}

// TimestepRow is one managed zone timestep.
type TimestepRow struct {
	RunID       string `db:"run_id"`
	Environment string `db:"environment"`
	Step        int    `db:"step"`
	SimTime     string `db:"sim_time"`
	Warmup      bool   `db:"warmup"`
	Iterations  int    `db:"iterations"`
	Converged   bool   `db:"converged"`
}

// Diagnostic is one severe or fatal message.
type Diagnostic struct {
	RunID       string `db:"run_id"`
	Severity    string `db:"severity"`
	Environment string `db:"environment"`
	SimTime     string `db:"sim_time"`
	Message     string `db:"message"`
}

// Pair is the run-end occurrence count of one (air system, channel) pair.
type Pair struct {
	RunID       string `db:"run_id"`
	AirSystem   string `db:"air_system"`
	Channel     string `db:"channel"`
	Occurrences int    `db:"occurrences"`
	Emitted     int    `db:"emitted"`
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := s.conn.SelectContext(ctx, &runs, "SELECT * FROM runs ORDER BY started_at DESC, id")
	return runs, err
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := s.conn.GetContext(ctx, &run, "SELECT * FROM runs WHERE id = ?", runID)
	if isNoRows(err) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// ReportChannels lists the channels a run checked.
func (s *Store) ReportChannels(ctx context.Context, runID string) ([]ReportChannel, error) {
	var out []ReportChannel
	err := s.conn.SelectContext(ctx, &out,
		"SELECT run_id, channel, quantity, unit, tolerance FROM report_channels WHERE run_id = ? ORDER BY rowid",
		runID,
	)
	return out, err
}

// Timesteps lists a run's timesteps in simulation order.
func (s *Store) Timesteps(ctx context.Context, runID string) ([]TimestepRow, error) {
	var out []TimestepRow
	err := s.conn.SelectContext(ctx, &out,
		`SELECT run_id, environment, step, sim_time, warmup, iterations, converged
		 FROM timesteps WHERE run_id = ? ORDER BY id`,
		runID,
	)
	return out, err
}

// Diagnostics lists a run's messages in emission order.
func (s *Store) Diagnostics(ctx context.Context, runID string) ([]Diagnostic, error) {
	var out []Diagnostic
	err := s.conn.SelectContext(ctx, &out,
		"SELECT run_id, severity, environment, sim_time, message FROM diagnostics WHERE run_id = ? ORDER BY id",
		runID,
	)
	return out, err
}

// Pairs lists a run's non-convergence pairs.
func (s *Store) Pairs(ctx context.Context, runID string) ([]Pair, error) {
	var out []Pair
	err := s.conn.SelectContext(ctx, &out,
		"SELECT run_id, air_system, channel, occurrences, emitted FROM nonconvergence_pairs WHERE run_id = ? ORDER BY air_system, channel",
		runID,
	)
	return out, err
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
