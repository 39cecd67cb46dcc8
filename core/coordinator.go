package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/signalsfoundry/hvac-convergence/internal/depgraph"
	"github.com/signalsfoundry/hvac-convergence/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/hvac-convergence/core"

// CoordinatorOption configures optional collaborators of a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger used for run progress.
func WithLogger(log logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the convergence metrics sink.
func WithMetrics(m MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithReporter sets where diagnostics text goes. Defaults to the logger.
func WithReporter(r OutputReporter) CoordinatorOption {
	return func(c *Coordinator) { c.reporter = r }
}

// WithReporting sets the post-timestep bookkeeping collaborator.
func WithReporting(r Reporting) CoordinatorOption {
	return func(c *Coordinator) {
		if r != nil {
			c.reporting = r
		}
	}
}

// WithRegistrars adds collaborators notified once of the report channels.
func WithRegistrars(rs ...ReportChannelRegistrar) CoordinatorOption {
	return func(c *Coordinator) { c.registrars = append(c.registrars, rs...) }
}

// WithDependencies replaces the default subsystem invalidation graph.
func WithDependencies(g *depgraph.Graph[Subsystem]) CoordinatorOption {
	return func(c *Coordinator) { c.deps = g }
}

// WithTracer sets the tracer used for timestep and sweep spans.
func WithTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Coordinator manages the HVAC solution of every zone timestep of a run. It
// owns the per-run convergence state; everything physical is delegated to
// the collaborators.
type Coordinator struct {
	cfg        Config
	model      Model
	collab     Collaborators
	deps       *depgraph.Graph[Subsystem]
	reporter   OutputReporter
	reporting  Reporting
	registrars []ReportChannelRegistrar
	metrics    MetricsRecorder
	log        logging.Logger
	tracer     trace.Tracer

	state  *SimulationState
	diag   *Diagnostics
	solver *EquipmentGraphSolver

	timesteps       int
	notConverged    int
	totalIterations int
	envTimesteps    int
	finished        bool
}

// NewCoordinator validates cfg and wires the solver over m and collab.
func NewCoordinator(cfg Config, m Model, collab Collaborators, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:       cfg,
		model:     m,
		collab:    collab,
		reporting: noopReporting{},
		metrics:   noopMetrics{},
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.deps != nil {
		for _, sub := range SweepOrder() {
			if !c.deps.Has(sub) {
				return nil, fmt.Errorf("%w: dependency graph has no %s node", ErrInvalidConfig, sub)
			}
		}
	}
	if c.reporter == nil {
		c.reporter = NewLogReporter(c.log)
	}

	c.state = NewSimulationState(c.deps)
	c.diag = NewDiagnostics(cfg.MaxErrCount, c.reporter)
	c.solver = newEquipmentGraphSolver(cfg, m, collab, c.diag, c.metrics, c.log, c.tracer)
	return c, nil
}

// State exposes the shared simulation state.
func (c *Coordinator) State() *SimulationState { return c.state }

// Counter returns a copy of the iteration counter.
func (c *Coordinator) Counter() IterationCounter { return c.solver.Counter() }

// Diagnostics exposes the non-convergence message throttle.
func (c *Coordinator) Diagnostics() *Diagnostics { return c.diag }

// Solver exposes the equipment graph solver.
func (c *Coordinator) Solver() *EquipmentGraphSolver { return c.solver }

// ManageTimestep solves the HVAC system for one zone timestep of env.
// Non-convergence is reported and returned in the result with a nil error.
// A non-nil error is fatal: the run must stop.
func (c *Coordinator) ManageTimestep(ctx context.Context, env *EnvironmentContext) (ConvergenceResult, error) {
	if env == nil {
		return ConvergenceResult{}, errors.New("core: nil environment context")
	}
	ctx, span := c.tracer.Start(ctx, "hvac.manage_timestep",
		trace.WithAttributes(
			attribute.String("hvac.environment", env.Name),
			attribute.Bool("hvac.warmup", env.Warmup),
			attribute.Int("hvac.timestep", c.envTimesteps+1),
		))
	defer span.End()

	if !env.OneTimeDone() {
		if err := c.registerChannels(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return ConvergenceResult{}, err
		}
		env.markOneTimeDone()
	}
	if env.takeReset() {
		c.solver.resetEnvironment()
		c.envTimesteps = 0
		c.log.Info(ctx, "hvac environment started",
			logging.String("environment", env.Name),
			logging.Int("environment_index", env.Index),
			logging.Bool("warmup", env.Warmup),
		)
	}

	res, err := c.solver.RunToConvergence(ctx, c.state)
	if err != nil {
		c.reporter.LogFatal(ctx, fatalText(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	c.timesteps++
	c.envTimesteps++
	c.totalIterations += res.Iterations
	if !res.Converged {
		c.notConverged++
	}

	c.reporting.UpdateZoneGroupLoads(ctx)
	c.reporting.ReportAirBalance(ctx)
	c.reporting.UpdateZoneInletConvergenceLogs(ctx)

	span.SetAttributes(
		attribute.Int("hvac.iterations", res.Iterations),
		attribute.Bool("hvac.converged", res.Converged),
	)
	c.log.Debug(ctx, "hvac timestep managed",
		logging.Int("iterations", res.Iterations),
		logging.Bool("converged", res.Converged),
	)
	return res, nil
}

func (c *Coordinator) registerChannels(ctx context.Context) error {
	channels := c.cfg.TrackedChannels()
	infos := make([]ChannelInfo, len(channels))
	for i, ch := range channels {
		infos[i] = ch.Info()
	}
	for _, r := range c.registrars {
		if r == nil {
			continue
		}
		if err := r.RegisterReportChannels(ctx, infos); err != nil {
			return fmt.Errorf("register report channels: %w", err)
		}
	}
	c.log.Info(ctx, "hvac convergence channels registered", logging.Int("channels", len(infos)))
	return nil
}

func fatalText(err error) string {
	var fle *FlowLimitError
	var se *SubsystemError
	switch {
	case errors.As(err, &fle):
		return fmt.Sprintf("Air loop flow limits could not be resolved.\n%s\nCheck that zone minimum flows fit within the air system design flow.", fle.Error())
	case errors.As(err, &se):
		return fmt.Sprintf("HVAC simulation aborted.\n%s", se.Error())
	default:
		return fmt.Sprintf("HVAC simulation aborted: %v", err)
	}
}

// RunSummary is the run-end view of convergence.
type RunSummary struct {
	Timesteps       int
	NotConverged    int
	TotalIterations int
	ErrCount        int
	Pairs           []PairSummary
}

// MeanIterations is the average number of sweeps per managed timestep.
func (s RunSummary) MeanIterations() float64 {
	if s.Timesteps == 0 {
		return 0
	}
	return float64(s.TotalIterations) / float64(s.Timesteps)
}

// Summary returns the convergence summary so far.
func (c *Coordinator) Summary() RunSummary {
	return RunSummary{
		Timesteps:       c.timesteps,
		NotConverged:    c.notConverged,
		TotalIterations: c.totalIterations,
		ErrCount:        c.solver.counter.ErrCount,
		Pairs:           c.diag.Summary(),
	}
}

// Finish reports the run-end summary. Only the first call has any effect.
func (c *Coordinator) Finish(ctx context.Context) RunSummary {
	sum := c.Summary()
	if c.finished {
		return sum
	}
	c.finished = true

	for _, p := range sum.Pairs {
		if p.Suppressed() == 0 {
			continue
		}
		info := p.Channel.Info()
		c.reporter.LogSevere(ctx, fmt.Sprintf(
			"Air System %q did not converge for %s %s time(s); %s message(s) were suppressed after the first %s.",
			p.AirSystemName, info.Quantity, humanize.Comma(int64(p.Occurrences)),
			humanize.Comma(int64(p.Suppressed())), humanize.Comma(int64(p.Emitted)),
		))
	}

	c.log.Info(ctx, "hvac convergence summary",
		logging.String("timesteps", humanize.Comma(int64(sum.Timesteps))),
		logging.String("not_converged", humanize.Comma(int64(sum.NotConverged))),
		logging.Int("err_count", sum.ErrCount),
		logging.Float64("mean_iterations", sum.MeanIterations()),
	)
	return sum
}
