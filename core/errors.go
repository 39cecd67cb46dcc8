package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a convergence configuration that cannot be run.
	ErrInvalidConfig = errors.New("invalid convergence configuration")

	// ErrInfeasibleFlowLimits indicates system and zone flow bounds that can
	// never be made consistent. It is fatal: the model itself is wrong.
	ErrInfeasibleFlowLimits = errors.New("infeasible air loop flow limits")

	// ErrSubsystemFailed indicates a collaborating simulator returned an error.
	ErrSubsystemFailed = errors.New("subsystem simulation failed")
)

// FlowLimitError carries the context of an infeasible flow-limit resolution.
type FlowLimitError struct {
	AirSystem  string
	Deck       int
	SumHardMin float64 // kg/s
	SystemMax  float64 // kg/s
	Passes     int
}

func (e *FlowLimitError) Error() string {
	return fmt.Sprintf(
		"air system %q deck %d: zone hard minimum flows sum to %.6f kg/s but the system maximum is %.6f kg/s (unresolved after %d passes)",
		e.AirSystem, e.Deck+1, e.SumHardMin, e.SystemMax, e.Passes,
	)
}

func (e *FlowLimitError) Unwrap() error { return ErrInfeasibleFlowLimits }

// SubsystemError wraps a collaborator failure with the sweep it happened in.
type SubsystemError struct {
	Subsystem Subsystem
	Iteration int
	Err       error
}

func (e *SubsystemError) Error() string {
	return fmt.Sprintf("%s simulation failed on sweep %d: %v", e.Subsystem, e.Iteration, e.Err)
}

// Unwrap exposes both the sentinel and the collaborator's own error.
func (e *SubsystemError) Unwrap() []error { return []error{ErrSubsystemFailed, e.Err} }
