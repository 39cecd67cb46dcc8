package core

// EnvironmentContext describes the simulation environment (design day or run
// period) the current timestep belongs to. The run driver owns it; the
// coordinator consumes its one-time and reset flags.
type EnvironmentContext struct {
	Name   string
	Warmup bool
	// Index counts environments started so far, starting at 1.
	Index int

	oneTimeDone  bool
	resetPending bool
}

// NewEnvironmentContext returns a context that has not started any
// environment yet. The first ManageTimestep on it performs one-time setup.
func NewEnvironmentContext() *EnvironmentContext {
	return &EnvironmentContext{}
}

// OnNewEnvironment starts a new environment. The next ManageTimestep call
// resets per-environment convergence state before solving.
func (e *EnvironmentContext) OnNewEnvironment(name string, warmup bool) {
	e.Name = name
	e.Warmup = warmup
	e.Index++
	e.resetPending = true
}

// SetWarmup flips the warmup flag without starting a new environment.
func (e *EnvironmentContext) SetWarmup(warmup bool) { e.Warmup = warmup }

// ResetPending reports whether the current environment has not yet had its
// first timestep managed.
func (e *EnvironmentContext) ResetPending() bool { return e.resetPending }

// OneTimeDone reports whether one-time setup has run.
func (e *EnvironmentContext) OneTimeDone() bool { return e.oneTimeDone }

// markOneTimeDone records that one-time setup succeeded.
func (e *EnvironmentContext) markOneTimeDone() { e.oneTimeDone = true }

// takeReset returns true once after each OnNewEnvironment.
func (e *EnvironmentContext) takeReset() bool {
	if !e.resetPending {
		return false
	}
	e.resetPending = false
	return true
}
