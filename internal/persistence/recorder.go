package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/hvac-convergence/core"
	"github.com/signalsfoundry/hvac-convergence/internal/logging"
)

const (
	SeveritySevere = "severe"
	SeverityFatal  = "fatal"
)

var (
	_ core.ReportChannelRegistrar = (*RunRecorder)(nil)
	_ core.OutputReporter         = (*RunRecorder)(nil)
)

// RunRecorder writes one run's convergence history. It registers channels,
// receives diagnostics as an OutputReporter and records every timestep as a
// tick listener. Write failures are logged and never stop the simulation.
type RunRecorder struct {
	store *Store
	runID string
	cfg   core.Config
	log   logging.Logger

	mu      sync.Mutex
	current core.Timestep
	envName string
}

// StartRun inserts the run row and returns its recorder.
func (s *Store) StartRun(ctx context.Context, runID, scenario string, cfg core.Config, started time.Time, log logging.Logger) (*RunRecorder, error) {
	if runID == "" {
		return nil, fmt.Errorf("start run: empty run ID")
	}
	if log == nil {
		log = logging.Noop()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO runs (id, scenario, started_at, max_iter, max_err_count) VALUES (?, ?, ?, ?, ?)`,
		runID, scenario, started.UTC().Format(timeLayout), cfg.MaxIter, cfg.MaxErrCount,
	)
	if err != nil {
		return nil, fmt.Errorf("start run %s: %w", runID, err)
	}
	return &RunRecorder{
		store: s,
		runID: runID,
		cfg:   cfg,
		log:   log,
	}, nil
}

// RunID returns the recorded run's ID.
func (r *RunRecorder) RunID() string { return r.runID }

// RegisterReportChannels stores the channels with their effective tolerance.
func (r *RunRecorder) RegisterReportChannels(ctx context.Context, channels []core.ChannelInfo) error {
	tx, err := r.store.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ch := range channels {
		row := ReportChannel{
			RunID:     r.runID,
			Channel:   ch.Name,
			Quantity:  ch.Quantity,
			Unit:      ch.Unit,
			Tolerance: r.cfg.Tolerance(ch.Channel),
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT OR REPLACE INTO report_channels (run_id, channel, quantity, unit, tolerance)
			 VALUES (:run_id, :channel, :quantity, :unit, :tolerance)`, row); err != nil {
			return fmt.Errorf("register channel %s: %w", ch.Name, err)
		}
	}
	return tx.Commit()
}

// BeginTimestep remembers the timestep so diagnostics can be attributed to
// it. It has the signature of a before-timestep hook.
func (r *RunRecorder) BeginTimestep(_ context.Context, ts core.Timestep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = ts
	if ts.Env != nil {
		r.envName = ts.Env.Name
	}
	return nil
}

// RecordTimestep stores one managed timestep. It has the signature of a tick
// listener.
func (r *RunRecorder) RecordTimestep(ev core.TickEvent) {
	row := TimestepRow{
		RunID:      r.runID,
		Step:       ev.Step,
		SimTime:    ev.Time.UTC().Format(timeLayout),
		Iterations: ev.Result.Iterations,
		Converged:  ev.Result.Converged,
	}
	if ev.Env != nil {
		row.Environment = ev.Env.Name
		row.Warmup = ev.Env.Warmup
	}
	_, err := r.store.conn.NamedExec(
		`INSERT INTO timesteps (run_id, environment, step, sim_time, warmup, iterations, converged)
		 VALUES (:run_id, :environment, :step, :sim_time, :warmup, :iterations, :converged)`, row)
	if err != nil {
		r.log.Warn(context.Background(), "record timestep failed",
			logging.String("run_id", r.runID),
			logging.String("environment", row.Environment),
			logging.Int("step", row.Step),
			logging.Err(err),
		)
	}
}

// LogSevere stores a severe diagnostic.
func (r *RunRecorder) LogSevere(ctx context.Context, text string) {
	r.insertDiagnostic(ctx, SeveritySevere, text)
}

// LogFatal stores a fatal diagnostic.
func (r *RunRecorder) LogFatal(ctx context.Context, text string) {
	r.insertDiagnostic(ctx, SeverityFatal, text)
}

func (r *RunRecorder) insertDiagnostic(ctx context.Context, severity, text string) {
	r.mu.Lock()
	row := Diagnostic{
		RunID:       r.runID,
		Severity:    severity,
		Environment: r.envName,
		SimTime:     r.current.Time.UTC().Format(timeLayout),
		Message:     text,
	}
	r.mu.Unlock()

	if _, err := r.store.conn.NamedExecContext(ctx,
		`INSERT INTO diagnostics (run_id, severity, environment, sim_time, message)
		 VALUES (:run_id, :severity, :environment, :sim_time, :message)`, row); err != nil {
		r.log.Warn(ctx, "record diagnostic failed", logging.String("severity", severity), logging.Err(err))
	}
}

// Finish stores the run summary and its non-convergence pairs. runErr marks
// the run as failed.
func (r *RunRecorder) Finish(ctx context.Context, sum core.RunSummary, finished time.Time, runErr error) error {
	tx, err := r.store.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, timesteps = ?, not_converged = ?, total_iterations = ?, err_count = ?, failed = ?
		 WHERE id = ?`,
		finished.UTC().Format(timeLayout), sum.Timesteps, sum.NotConverged, sum.TotalIterations, sum.ErrCount,
		runErr != nil, r.runID,
	); err != nil {
		return fmt.Errorf("finish run %s: %w", r.runID, err)
	}

	for _, p := range sum.Pairs {
		row := Pair{
			RunID:       r.runID,
			AirSystem:   p.AirSystemName,
			Channel:     p.Channel.String(),
			Occurrences: p.Occurrences,
			Emitted:     p.Emitted,
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT OR REPLACE INTO nonconvergence_pairs (run_id, air_system, channel, occurrences, emitted)
			 VALUES (:run_id, :air_system, :channel, :occurrences, :emitted)`, row); err != nil {
			return fmt.Errorf("record pair %s/%s: %w", row.AirSystem, row.Channel, err)
		}
	}
	return tx.Commit()
}
