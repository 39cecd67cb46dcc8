package core

import (
	"context"
	"strings"

	"github.com/signalsfoundry/hvac-convergence/model"
)

// fakeModel is a minimal in-memory building: one single-duct air system with
// optional terminals and zones.
type fakeModel struct {
	systems   []*model.AirSystem
	terminals []*model.TerminalUnit
	nodes     map[string]*model.Node
	zones     []*model.Zone
}

func (m *fakeModel) AirSystems() []*model.AirSystem       { return m.systems }
func (m *fakeModel) TerminalUnits() []*model.TerminalUnit { return m.terminals }
func (m *fakeModel) Node(id string) *model.Node           { return m.nodes[id] }

func (m *fakeModel) ControlledZones() []*model.Zone {
	var out []*model.Zone
	for _, z := range m.zones {
		if z.Controlled {
			out = append(out, z)
		}
	}
	return out
}

func (m *fakeModel) addNode(id string) *model.Node {
	n := &model.Node{ID: id, Name: id}
	m.nodes[id] = n
	return n
}

// newSingleDuctModel builds AHU-1 with one controlled zone carrying a
// cooling demand and no terminal units.
func newSingleDuctModel() *fakeModel {
	m := &fakeModel{nodes: make(map[string]*model.Node)}
	for _, id := range []string{"ahu1-return", "ahu1-supply", "ahu1-demand-in", "ahu1-demand-out"} {
		m.addNode(id)
	}
	m.systems = []*model.AirSystem{{
		ID:                "ahu-1",
		Name:              "AHU-1",
		DesignMaxFlow:     5,
		SupplyInletNode:   "ahu1-return",
		SupplyOutletNodes: []string{"ahu1-supply"},
		DemandInletNodes:  []string{"ahu1-demand-in"},
		DemandOutletNode:  "ahu1-demand-out",
	}}
	m.zones = []*model.Zone{{ID: "z1", Name: "Zone 1", Multiplier: 1, Controlled: true, SensibleDemand: -1500}}
	return m
}

// withTerminal attaches a terminal unit on deck 1 of AHU-1.
func (m *fakeModel) withTerminal(id string, designMax, hardMin, requested float64) *model.TerminalUnit {
	inlet := m.addNode(id + "-inlet")
	inlet.MassFlowRateMaxAvail = designMax
	tu := &model.TerminalUnit{
		ID:            id,
		ZoneID:        "z1",
		AirSystemID:   "ahu-1",
		InletNode:     inlet.ID,
		DesignMaxFlow: designMax,
		HardMinFlow:   hardMin,
		MaxAvailFlow:  designMax,
		RequestedFlow: requested,
	}
	m.terminals = append(m.terminals, tu)
	return tu
}

type recordingReporter struct {
	severe []string
	fatal  []string
}

func (r *recordingReporter) LogSevere(_ context.Context, text string) {
	r.severe = append(r.severe, text)
}

func (r *recordingReporter) LogFatal(_ context.Context, text string) {
	r.fatal = append(r.fatal, text)
}

func (r *recordingReporter) severeContaining(sub string) int {
	n := 0
	for _, s := range r.severe {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

type countingMetrics struct {
	timesteps      int
	converged      int
	nonConvergence map[string]int
	lockouts       int
	adjustments    int
	errCount       int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{nonConvergence: make(map[string]int)}
}

func (m *countingMetrics) ObserveTimestep(_ int, converged bool) {
	m.timesteps++
	if converged {
		m.converged++
	}
}

func (m *countingMetrics) IncNonConvergence(sys, ch string) { m.nonConvergence[sys+"/"+ch]++ }
func (m *countingMetrics) IncLockout()                      { m.lockouts++ }
func (m *countingMetrics) IncFlowLimitAdjustment()          { m.adjustments++ }
func (m *countingMetrics) SetErrCount(n int)                { m.errCount = n }

type countingReporting struct {
	groupLoads, airBalance, inletLogs int
}

func (r *countingReporting) UpdateZoneGroupLoads(context.Context)           { r.groupLoads++ }
func (r *countingReporting) ReportAirBalance(context.Context)               { r.airBalance++ }
func (r *countingReporting) UpdateZoneInletConvergenceLogs(context.Context) { r.inletLogs++ }

type countingRegistrar struct {
	calls    int
	channels []ChannelInfo
	err      error
}

func (r *countingRegistrar) RegisterReportChannels(_ context.Context, chs []ChannelInfo) error {
	r.calls++
	r.channels = chs
	return r.err
}

// runCounter wraps a simulation function and counts invocations.
type runCounter struct {
	runs int
	fn   func(ctx context.Context, st *SimulationState) error
}

func (c *runCounter) Simulate(ctx context.Context, st *SimulationState) error {
	c.runs++
	if c.fn != nil {
		return c.fn(ctx, st)
	}
	return nil
}

type countedCollaborators struct {
	plant, air, zone, nonZone, elec *runCounter
}

func newCountedCollaborators() *countedCollaborators {
	return &countedCollaborators{
		plant: &runCounter{}, air: &runCounter{}, zone: &runCounter{},
		nonZone: &runCounter{}, elec: &runCounter{},
	}
}

func (c *countedCollaborators) collaborators() Collaborators {
	return Collaborators{
		Plant:            c.plant,
		AirLoops:         c.air,
		ZoneEquipment:    c.zone,
		NonZoneEquipment: c.nonZone,
		Electrical:       c.elec,
	}
}

// oscillatingSupply flips the deck 1 supply flow every call so the supply to
// demand mass flow check never settles.
func oscillatingSupply(m *fakeModel) func(context.Context, *SimulationState) error {
	sign := 1.0
	return func(context.Context, *SimulationState) error {
		m.nodes["ahu1-supply"].MassFlowRate = 0.5 * sign
		sign = -sign
		return nil
	}
}
