package persistence

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RunStats summarises the sweep counts of a run's timesteps.
type RunStats struct {
	RunID        string
	Timesteps    int
	NotConverged int
	Severe       int
	Fatal        int

	MeanIterations   float64
	StdDevIterations float64 // zero with fewer than two timesteps
	P95Iterations    float64
	MaxIterations    float64
}

// ConvergedFraction is the share of timesteps that converged.
func (s RunStats) ConvergedFraction() float64 {
	if s.Timesteps == 0 {
		return 0
	}
	return float64(s.Timesteps-s.NotConverged) / float64(s.Timesteps)
}

// Summarize computes iteration statistics for one run.
func (s *Store) Summarize(ctx context.Context, runID string) (RunStats, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return RunStats{}, err
	}

	var iters []float64
	if err := s.conn.SelectContext(ctx, &iters,
		"SELECT CAST(iterations AS REAL) FROM timesteps WHERE run_id = ? ORDER BY iterations", runID); err != nil {
		return RunStats{}, fmt.Errorf("load iterations: %w", err)
	}

	out := RunStats{RunID: runID, Timesteps: len(iters)}
	if err := s.conn.GetContext(ctx, &out.NotConverged,
		"SELECT COUNT(*) FROM timesteps WHERE run_id = ? AND converged = 0", runID); err != nil {
		return RunStats{}, err
	}
	if err := s.conn.GetContext(ctx, &out.Severe,
		"SELECT COUNT(*) FROM diagnostics WHERE run_id = ? AND severity = ?", runID, SeveritySevere); err != nil {
		return RunStats{}, err
	}
	if err := s.conn.GetContext(ctx, &out.Fatal,
		"SELECT COUNT(*) FROM diagnostics WHERE run_id = ? AND severity = ?", runID, SeverityFatal); err != nil {
		return RunStats{}, err
	}

	if len(iters) == 0 {
		return out, nil
	}
	out.MeanIterations = stat.Mean(iters, nil)
	if len(iters) > 1 {
		if sd := stat.StdDev(iters, nil); !math.IsNaN(sd) {
			out.StdDevIterations = sd
		}
	}
	out.P95Iterations = stat.Quantile(0.95, stat.Empirical, iters, nil)
	out.MaxIterations = floats.Max(iters)
	return out, nil
}
