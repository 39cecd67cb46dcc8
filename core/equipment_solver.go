package core

import (
	"context"

	"github.com/signalsfoundry/hvac-convergence/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConvergenceResult is the outcome of one timestep's HVAC solution.
type ConvergenceResult struct {
	Iterations  int
	Converged   bool
	Unconverged []Failure
	// Pending lists subsystems still requesting simulation when the sweep
	// budget ran out.
	Pending []Subsystem
}

// EquipmentGraphSolver sweeps the dirty subsystems in fixed order until the
// HVAC state stops changing or the sweep budget is spent.
type EquipmentGraphSolver struct {
	cfg       Config
	net       FlowNetwork
	collab    Collaborators
	flows     *FlowLimitResolver
	lockout   *LockoutResolver
	residuals *ResidualSet
	diag      *Diagnostics
	metrics   MetricsRecorder
	log       logging.Logger
	tracer    trace.Tracer

	counter IterationCounter
	// airRequired is set when the last sweep left residuals out of
	// tolerance or changed flow limits. The next air loop pass closes those
	// gaps and cannot be locked out.
	airRequired bool
}

func newEquipmentGraphSolver(cfg Config, m Model, collab Collaborators, diag *Diagnostics, metrics MetricsRecorder, log logging.Logger, tracer trace.Tracer) *EquipmentGraphSolver {
	return &EquipmentGraphSolver{
		cfg:       cfg,
		net:       m,
		collab:    collab,
		flows:     NewFlowLimitResolver(m, cfg.FlowResolutionPasses),
		lockout:   NewLockoutResolver(m, cfg.LockoutDeadband),
		residuals: NewResidualSet(cfg.HistoryDepth, cfg.TrackedChannels()),
		diag:      diag,
		metrics:   metrics,
		log:       log,
		tracer:    tracer,
		counter:   IterationCounter{MaxErrCount: cfg.MaxErrCount},
	}
}

// Counter returns a copy of the iteration counter.
func (s *EquipmentGraphSolver) Counter() IterationCounter { return s.counter }

// Residuals exposes the residual set of the last timestep.
func (s *EquipmentGraphSolver) Residuals() *ResidualSet { return s.residuals }

// FlowLimits exposes the flow-limit resolver.
func (s *EquipmentGraphSolver) FlowLimits() *FlowLimitResolver { return s.flows }

// resetEnvironment drops everything carried between timesteps of one
// environment. ErrCount survives.
func (s *EquipmentGraphSolver) resetEnvironment() {
	s.flows.Forget()
	s.residuals.Reset()
	s.counter.HVACManageIteration = 0
}

// RunToConvergence solves one timestep. A nil error with Converged false is
// a recoverable non-convergence; a non-nil error is fatal for the run.
func (s *EquipmentGraphSolver) RunToConvergence(ctx context.Context, st *SimulationState) (ConvergenceResult, error) {
	st.beginTimestep()
	s.counter.HVACManageIteration = 0
	s.residuals.Reset()
	s.airRequired = false

	var res ConvergenceResult
	for {
		allOK, err := s.sweep(ctx, st)
		if err != nil {
			res.Iterations = s.counter.HVACManageIteration
			return res, err
		}

		if !st.Flags().Any() && allOK {
			res.Converged = true
			break
		}
		if s.counter.HVACManageIteration >= s.cfg.MaxIter {
			s.reportNonConvergence(ctx, st, &res)
			break
		}
	}

	res.Iterations = s.counter.HVACManageIteration
	s.metrics.ObserveTimestep(res.Iterations, res.Converged)
	return res, nil
}

// sweep runs one Gauss-Seidel pass and returns whether every residual is
// within tolerance afterwards.
func (s *EquipmentGraphSolver) sweep(ctx context.Context, st *SimulationState) (bool, error) {
	iter := s.counter.HVACManageIteration + 1
	ctx, span := s.tracer.Start(ctx, "hvac.sweep",
		trace.WithAttributes(
			attribute.Int("hvac.iteration", iter),
			attribute.Bool("hvac.first_iteration", st.FirstHVACIteration),
		))
	defer span.End()

	s.flows.ResetTerminalFlowLimits()

	if st.NeedsSimulation(SubsystemAirLoops) && !s.airRequired && !s.lockout.Resolve(true) {
		st.clear(SubsystemAirLoops)
		s.metrics.IncLockout()
		span.AddEvent("air loops locked out")
	}

	for _, sub := range SweepOrder() {
		if !st.NeedsSimulation(sub) {
			continue
		}
		st.clear(sub)
		sim := s.collab.forSubsystem(sub)
		if sim == nil {
			continue
		}
		if err := sim.Simulate(ctx, st); err != nil {
			serr := &SubsystemError{Subsystem: sub, Iteration: iter, Err: err}
			span.RecordError(serr)
			span.SetStatus(codes.Error, serr.Error())
			return false, serr
		}
	}

	if err := s.flows.ResolveAirLoopFlowLimits(st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if s.flows.FlowResolutionNeeded() {
		s.metrics.IncFlowLimitAdjustment()
	}

	allOK := s.residuals.Update(s.net, s.cfg.Tolerance)
	if !allOK {
		// Out-of-tolerance interfaces can only move if the air side runs again.
		st.Invalidate(SubsystemAirLoops)
	}
	s.airRequired = !allOK || s.flows.FlowResolutionNeeded()

	s.counter.HVACManageIteration = iter
	st.FirstHVACIteration = false

	span.SetAttributes(attribute.Bool("hvac.residuals_ok", allOK))
	return allOK, nil
}

func (s *EquipmentGraphSolver) reportNonConvergence(ctx context.Context, st *SimulationState, res *ConvergenceResult) {
	res.Unconverged = s.residuals.Failures()
	res.Pending = st.Pending()
	s.counter.ErrCount++
	s.metrics.SetErrCount(s.counter.ErrCount)

	for _, f := range res.Unconverged {
		s.diag.Report(ctx, f.AirSystem, f.AirSystemName, f.Channel, s.residuals.For(f.AirSystem, f.Channel))
		s.metrics.IncNonConvergence(f.AirSystemName, f.Channel.String())
	}

	pending := make([]string, len(res.Pending))
	for i, p := range res.Pending {
		pending[i] = p.String()
	}
	s.log.Warn(ctx, "hvac did not converge within max iterations",
		logging.Int("max_iter", s.cfg.MaxIter),
		logging.Int("err_count", s.counter.ErrCount),
		logging.Int("unconverged_channels", len(res.Unconverged)),
		logging.Strings("pending_subsystems", pending),
	)
}
