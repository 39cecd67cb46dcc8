package core

import (
	"context"
	"strings"

	"github.com/signalsfoundry/hvac-convergence/internal/logging"
	"github.com/signalsfoundry/hvac-convergence/model"
)

// Simulator is a collaborating subsystem solver. It reads and writes node and
// zone state of the model and reports cross-subsystem effects through st.
type Simulator interface {
	Simulate(ctx context.Context, st *SimulationState) error
}

// SimulatorFunc adapts a function to Simulator.
type SimulatorFunc func(ctx context.Context, st *SimulationState) error

// Simulate calls f.
func (f SimulatorFunc) Simulate(ctx context.Context, st *SimulationState) error { return f(ctx, st) }

// FlowNetwork exposes the air-side topology and node states. Returned
// pointers are live: writes are visible to every collaborator.
type FlowNetwork interface {
	AirSystems() []*model.AirSystem
	TerminalUnits() []*model.TerminalUnit
	Node(id string) *model.Node
}

// ZoneDemandCache exposes the cached load-to-setpoint of controlled zones.
type ZoneDemandCache interface {
	ControlledZones() []*model.Zone
}

// Model is everything the coordinator reads from the building model.
type Model interface {
	FlowNetwork
	ZoneDemandCache
}

// OutputReporter is the sink for convergence diagnostics text.
type OutputReporter interface {
	LogSevere(ctx context.Context, text string)
	LogFatal(ctx context.Context, text string)
}

// Reporting receives the post-timestep bookkeeping calls. None of them may
// influence convergence.
type Reporting interface {
	UpdateZoneGroupLoads(ctx context.Context)
	ReportAirBalance(ctx context.Context)
	UpdateZoneInletConvergenceLogs(ctx context.Context)
}

// ReportChannelRegistrar is notified once per process of the convergence
// channels that diagnostics may be reported on.
type ReportChannelRegistrar interface {
	RegisterReportChannels(ctx context.Context, channels []ChannelInfo) error
}

// MetricsRecorder receives convergence counters.
type MetricsRecorder interface {
	ObserveTimestep(iterations int, converged bool)
	IncNonConvergence(airSystem string, channel string)
	IncLockout()
	IncFlowLimitAdjustment()
	SetErrCount(n int)
}

// Collaborators bundles the subsystem simulators in their fixed roles.
type Collaborators struct {
	Plant            Simulator
	AirLoops         Simulator
	ZoneEquipment    Simulator
	NonZoneEquipment Simulator
	Electrical       Simulator
}

func (c Collaborators) forSubsystem(s Subsystem) Simulator {
	switch s {
	case SubsystemPlant:
		return c.Plant
	case SubsystemAirLoops:
		return c.AirLoops
	case SubsystemZoneEquipment:
		return c.ZoneEquipment
	case SubsystemNonZoneEquipment:
		return c.NonZoneEquipment
	case SubsystemElecCircuits:
		return c.Electrical
	default:
		return nil
	}
}

// LogReporter writes diagnostics text to a structured logger, one record per
// line of text.
type LogReporter struct {
	log logging.Logger
}

// NewLogReporter wraps log; a nil logger drops everything.
func NewLogReporter(log logging.Logger) *LogReporter {
	if log == nil {
		log = logging.Noop()
	}
	return &LogReporter{log: log}
}

func (r *LogReporter) LogSevere(ctx context.Context, text string) {
	for _, line := range strings.Split(text, "\n") {
		r.log.Warn(ctx, line, logging.String("severity", "severe"))
	}
}

func (r *LogReporter) LogFatal(ctx context.Context, text string) {
	for _, line := range strings.Split(text, "\n") {
		r.log.Error(ctx, line, logging.String("severity", "fatal"))
	}
}

// TeeReporter fans diagnostics out to several reporters.
type TeeReporter []OutputReporter

func (t TeeReporter) LogSevere(ctx context.Context, text string) {
	for _, r := range t {
		if r != nil {
			r.LogSevere(ctx, text)
		}
	}
}

func (t TeeReporter) LogFatal(ctx context.Context, text string) {
	for _, r := range t {
		if r != nil {
			r.LogFatal(ctx, text)
		}
	}
}

type noopReporting struct{}

func (noopReporting) UpdateZoneGroupLoads(context.Context)           {}
func (noopReporting) ReportAirBalance(context.Context)               {}
func (noopReporting) UpdateZoneInletConvergenceLogs(context.Context) {}

type noopMetrics struct{}

func (noopMetrics) ObserveTimestep(int, bool)        {}
func (noopMetrics) IncNonConvergence(string, string) {}
func (noopMetrics) IncLockout()                      {}
func (noopMetrics) IncFlowLimitAdjustment()          {}
func (noopMetrics) SetErrCount(int)                  {}
