package core

import (
	"fmt"
)

const (
	// DefaultLockoutDeadband is the zone demand magnitude (W) below which an
	// air loop pass is considered redundant.
	DefaultLockoutDeadband = 1e-6
	// DefaultHistoryDepth is the number of iteration check values kept per
	// air system interface.
	DefaultHistoryDepth = 10
	// DefaultFlowResolutionPasses bounds the flow-limit reconciliation loop.
	DefaultFlowResolutionPasses = 10
)

// Config is the read-only convergence configuration handed to the
// coordinator. MaxIter and MaxErrCount have no defaults and must be set.
type Config struct {
	MaxIter     int
	MaxErrCount int

	// Tolerances overrides the per-channel default tolerance.
	Tolerances map[Channel]float64

	LockoutDeadband      float64
	HistoryDepth         int
	FlowResolutionPasses int

	// Contaminant channels are only checked when tracked.
	TrackCO2     bool
	TrackGeneric bool
}

// Validate reports the first problem that would prevent a run.
func (c Config) Validate() error {
	if c.MaxIter < 1 {
		return fmt.Errorf("%w: max_iter must be at least 1, got %d", ErrInvalidConfig, c.MaxIter)
	}
	if c.MaxErrCount < 0 {
		return fmt.Errorf("%w: max_err_count must not be negative, got %d", ErrInvalidConfig, c.MaxErrCount)
	}
	for ch, tol := range c.Tolerances {
		if !ch.Valid() {
			return fmt.Errorf("%w: tolerance for unknown channel %d", ErrInvalidConfig, int(ch))
		}
		if tol <= 0 {
			return fmt.Errorf("%w: tolerance for %s must be positive, got %g", ErrInvalidConfig, ch, tol)
		}
	}
	if c.LockoutDeadband < 0 {
		return fmt.Errorf("%w: lockout_deadband must not be negative", ErrInvalidConfig)
	}
	if c.HistoryDepth < 0 {
		return fmt.Errorf("%w: history_depth must not be negative", ErrInvalidConfig)
	}
	if c.FlowResolutionPasses < 0 {
		return fmt.Errorf("%w: flow_resolution_passes must not be negative", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills the optional knobs left at their zero value.
func (c Config) withDefaults() Config {
	if c.LockoutDeadband == 0 {
		c.LockoutDeadband = DefaultLockoutDeadband
	}
	if c.HistoryDepth == 0 {
		c.HistoryDepth = DefaultHistoryDepth
	}
	if c.FlowResolutionPasses == 0 {
		c.FlowResolutionPasses = DefaultFlowResolutionPasses
	}
	return c
}

// Tolerance returns the configured tolerance for ch, falling back to the
// channel default.
func (c Config) Tolerance(ch Channel) float64 {
	if tol, ok := c.Tolerances[ch]; ok && tol > 0 {
		return tol
	}
	return ch.Info().DefaultTolerance
}

// TrackedChannels lists the channels checked for convergence.
func (c Config) TrackedChannels() []Channel {
	out := []Channel{ChannelMassFlow, ChannelHumidityRatio, ChannelTemperature, ChannelEnergy}
	if c.TrackCO2 {
		out = append(out, ChannelCO2)
	}
	if c.TrackGeneric {
		out = append(out, ChannelGeneric)
	}
	return out
}

// IterationCounter tracks sweeps within the current timestep and the
// run-wide count of non-converged timesteps.
type IterationCounter struct {
	HVACManageIteration int // reset every timestep
	ErrCount            int // never decreases during a run
	MaxErrCount         int
}
