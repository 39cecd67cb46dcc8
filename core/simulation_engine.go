package core

import (
	"context"
	"time"

	"github.com/signalsfoundry/hvac-convergence/internal/logging"
	"github.com/signalsfoundry/hvac-convergence/timectrl"
)

// Environment is one simulated period, such as a design day or a run period.
type Environment struct {
	Name  string
	Start time.Time
	// Timesteps is the number of zone timesteps reported after warmup.
	Timesteps int
	// WarmupTimesteps run first with the warmup flag set.
	WarmupTimesteps int
}

// Timestep identifies one zone timestep handed to hooks and listeners.
type Timestep struct {
	Env  *EnvironmentContext
	Step int // 0-based within the environment, warmup included
	Time time.Time
}

// TickEvent is delivered to tick listeners after each managed timestep.
type TickEvent struct {
	Timestep
	Result ConvergenceResult
}

// SimulationEngine drives the coordinator over environments and timesteps.
type SimulationEngine struct {
	Coordinator *Coordinator
	Clock       *timectrl.TimeController
	Env         *EnvironmentContext

	log            logging.Logger
	beforeTimestep []func(context.Context, Timestep) error
	tickListeners  []func(TickEvent)
}

// NewSimulationEngine runs coord on clock. A nil logger drops run progress.
func NewSimulationEngine(coord *Coordinator, clock *timectrl.TimeController, log logging.Logger) *SimulationEngine {
	if log == nil {
		log = logging.Noop()
	}
	return &SimulationEngine{
		Coordinator: coord,
		Clock:       clock,
		Env:         NewEnvironmentContext(),
		log:         log,
	}
}

// RegisterBeforeTimestep adds a hook run before the HVAC solution of every
// timestep, typically the zone heat balance predictor. A hook error aborts
// the run.
func (se *SimulationEngine) RegisterBeforeTimestep(fn func(context.Context, Timestep) error) {
	se.beforeTimestep = append(se.beforeTimestep, fn)
}

// RegisterTickListener adds a callback run after every managed timestep.
func (se *SimulationEngine) RegisterTickListener(fn func(TickEvent)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Run simulates every environment in order and returns the run summary. It
// stops at the first fatal error or when ctx is cancelled between timesteps;
// the summary is reported either way.
func (se *SimulationEngine) Run(ctx context.Context, envs []Environment) (RunSummary, error) {
	var runErr error
	for _, env := range envs {
		if runErr = se.runEnvironment(ctx, env); runErr != nil {
			break
		}
	}
	sum := se.Coordinator.Finish(ctx)
	return sum, runErr
}

func (se *SimulationEngine) runEnvironment(ctx context.Context, env Environment) error {
	se.Env.OnNewEnvironment(env.Name, env.WarmupTimesteps > 0)
	se.Clock.SetTime(env.Start)
	se.log.Info(ctx, "environment starting",
		logging.String("environment", env.Name),
		logging.Int("timesteps", env.Timesteps),
		logging.Int("warmup_timesteps", env.WarmupTimesteps),
	)

	total := env.WarmupTimesteps + env.Timesteps
	return se.Clock.Run(ctx, total, func(step int, now time.Time) error {
		se.Env.SetWarmup(step < env.WarmupTimesteps)
		ts := Timestep{Env: se.Env, Step: step, Time: now}

		for _, fn := range se.beforeTimestep {
			if err := fn(ctx, ts); err != nil {
				return err
			}
		}

		res, err := se.Coordinator.ManageTimestep(ctx, se.Env)
		if err != nil {
			return err
		}

		ev := TickEvent{Timestep: ts, Result: res}
		for _, fn := range se.tickListeners {
			fn(ev)
		}
		return nil
	})
}
