package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/signalsfoundry/hvac-convergence/internal/depgraph"
)

func newTestCoordinator(t *testing.T, cfg Config, m Model, collab Collaborators, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, m, collab, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func newStartedEnv(name string) *EnvironmentContext {
	env := NewEnvironmentContext()
	env.OnNewEnvironment(name, false)
	return env
}

// TestManageTimestepConvergesAfterCrossInvalidation covers the common case:
// zone equipment asks the air side to rerun once and the next sweep settles.
func TestManageTimestepConvergesAfterCrossInvalidation(t *testing.T) {
	m := newSingleDuctModel()
	cc := newCountedCollaborators()
	cc.zone.fn = func(_ context.Context, st *SimulationState) error {
		if st.FirstHVACIteration {
			st.Invalidate(SubsystemAirLoops)
		}
		return nil
	}
	reporting := &countingReporting{}
	c := newTestCoordinator(t, Config{MaxIter: 20, MaxErrCount: 5}, m, cc.collaborators(), WithReporting(reporting))

	res, err := c.ManageTimestep(context.Background(), newStartedEnv("summer design day"))
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	if !res.Converged || res.Iterations != 2 {
		t.Fatalf("result = %+v, want converged in 2 sweeps", res)
	}
	if cc.plant.runs != 1 || cc.air.runs != 2 || cc.zone.runs != 1 || cc.nonZone.runs != 1 || cc.elec.runs != 1 {
		t.Fatalf("runs plant=%d air=%d zone=%d nonzone=%d elec=%d, want 1/2/1/1/1",
			cc.plant.runs, cc.air.runs, cc.zone.runs, cc.nonZone.runs, cc.elec.runs)
	}
	if got := c.Counter().ErrCount; got != 0 {
		t.Fatalf("ErrCount = %d, want 0", got)
	}
	if reporting.groupLoads != 1 || reporting.airBalance != 1 || reporting.inletLogs != 1 {
		t.Fatalf("reporting calls = %+v, want one of each", *reporting)
	}
	if c.State().Flags().Any() {
		t.Fatalf("flags still set after convergence: %+v", c.State().Flags())
	}
}

// TestManageTimestepGaussSeidelOrder verifies that a subsystem dirtied by an
// earlier one in the same sweep runs in that sweep.
func TestManageTimestepGaussSeidelOrder(t *testing.T) {
	m := newSingleDuctModel()
	cc := newCountedCollaborators()
	var order []Subsystem
	record := func(s Subsystem) func(context.Context, *SimulationState) error {
		return func(_ context.Context, st *SimulationState) error {
			order = append(order, s)
			switch {
			case s == SubsystemAirLoops && st.FirstHVACIteration:
				st.Publish(SubsystemAirLoops) // dirties zone equipment and plant
			case s == SubsystemPlant && !st.FirstHVACIteration:
				st.Publish(SubsystemPlant) // dirties everything downstream
			}
			return nil
		}
	}
	cc.plant.fn = record(SubsystemPlant)
	cc.air.fn = record(SubsystemAirLoops)
	cc.zone.fn = record(SubsystemZoneEquipment)
	cc.nonZone.fn = record(SubsystemNonZoneEquipment)
	cc.elec.fn = record(SubsystemElecCircuits)

	c := newTestCoordinator(t, Config{MaxIter: 20, MaxErrCount: 5}, m, cc.collaborators())
	res, err := c.ManageTimestep(context.Background(), newStartedEnv("run period"))
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	// Air loops dirty the plant after it already ran, so plant waits for
	// sweep 2. Its published change then reruns every later subsystem within
	// sweep 2 itself.
	want := []Subsystem{
		SubsystemPlant, SubsystemAirLoops, SubsystemZoneEquipment, SubsystemNonZoneEquipment, SubsystemElecCircuits,
		SubsystemPlant, SubsystemAirLoops, SubsystemZoneEquipment, SubsystemNonZoneEquipment, SubsystemElecCircuits,
	}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if !res.Converged || res.Iterations != 2 {
		t.Fatalf("result = %+v, want converged in 2 sweeps", res)
	}
}

// TestManageTimestepOscillationExhaustsBudget is the persistent oscillation
// case: the sweep budget is spent exactly and one message is emitted.
func TestManageTimestepOscillationExhaustsBudget(t *testing.T) {
	m := newSingleDuctModel()
	cc := newCountedCollaborators()
	cc.air.fn = oscillatingSupply(m)
	reporter := &recordingReporter{}
	metrics := newCountingMetrics()
	c := newTestCoordinator(t, Config{MaxIter: 20, MaxErrCount: 5}, m, cc.collaborators(),
		WithReporter(reporter), WithMetrics(metrics))

	res, err := c.ManageTimestep(context.Background(), newStartedEnv("winter design day"))
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	if res.Converged {
		t.Fatalf("expected non-convergence, got %+v", res)
	}
	if res.Iterations != 20 || cc.air.runs != 20 {
		t.Fatalf("iterations=%d air runs=%d, want 20/20", res.Iterations, cc.air.runs)
	}
	if len(reporter.severe) != 1 {
		t.Fatalf("severe messages = %d, want 1: %q", len(reporter.severe), reporter.severe)
	}
	msg := reporter.severe[0]
	for _, want := range []string{`Air System "AHU-1"`, "mass flow rate", "Supply Deck 1-to-Demand", "(message 1 of 5)"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	if got := c.Counter().ErrCount; got != 1 {
		t.Fatalf("ErrCount = %d, want 1", got)
	}
	if len(res.Unconverged) != 1 || res.Unconverged[0].Channel != ChannelMassFlow ||
		!res.Unconverged[0].NotConverged[SupplyDeck1ToDemand] || res.Unconverged[0].NotConverged[DemandToSupply] {
		t.Fatalf("unconverged = %+v", res.Unconverged)
	}

	// The 20th sweep wrote -0.5; history holds the newest 10, newest first.
	h := c.Solver().Residuals().For(0, ChannelMassFlow).History[SupplyDeck1ToDemand]
	vals := h.Values()
	if len(vals) != DefaultHistoryDepth {
		t.Fatalf("history length = %d, want %d", len(vals), DefaultHistoryDepth)
	}
	if vals[0] != -0.5 || vals[1] != 0.5 {
		t.Fatalf("history = %v, want newest -0.5 then 0.5", vals)
	}
	if metrics.nonConvergence["AHU-1/mass_flow"] != 1 || metrics.errCount != 1 || metrics.converged != 0 {
		t.Fatalf("metrics = %+v", *metrics)
	}
}

// TestManageTimestepThrottlesRepeatedFailures runs thirty failing
// timesteps: every one counts, only the first five are described.
func TestManageTimestepThrottlesRepeatedFailures(t *testing.T) {
	m := newSingleDuctModel()
	cc := newCountedCollaborators()
	cc.air.fn = oscillatingSupply(m)
	reporter := &recordingReporter{}
	reporting := &countingReporting{}
	c := newTestCoordinator(t, Config{MaxIter: 3, MaxErrCount: 5}, m, cc.collaborators(),
		WithReporter(reporter), WithReporting(reporting))

	env := newStartedEnv("annual")
	for i := 0; i < 30; i++ {
		res, err := c.ManageTimestep(context.Background(), env)
		if err != nil {
			t.Fatalf("timestep %d: %v", i, err)
		}
		if res.Converged {
			t.Fatalf("timestep %d converged unexpectedly", i)
		}
	}

	if len(reporter.severe) != 5 {
		t.Fatalf("severe messages = %d, want 5", len(reporter.severe))
	}
	if !strings.Contains(reporter.severe[4], "(message 5 of 5)") {
		t.Fatalf("last message = %q", reporter.severe[4])
	}
	if got := c.Counter().ErrCount; got != 30 {
		t.Fatalf("ErrCount = %d, want 30", got)
	}
	if occ, emitted := c.Diagnostics().Occurrences(0, ChannelMassFlow), c.Diagnostics().Emitted(0, ChannelMassFlow); occ != 30 || emitted != 5 {
		t.Fatalf("occurrences=%d emitted=%d, want 30/5", occ, emitted)
	}
	if reporting.inletLogs != 30 {
		t.Fatalf("inlet log updates = %d, want 30", reporting.inletLogs)
	}

	sum := c.Finish(context.Background())
	if sum.Timesteps != 30 || sum.NotConverged != 30 || sum.ErrCount != 30 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Pairs) != 1 || sum.Pairs[0].Suppressed() != 25 {
		t.Fatalf("pairs = %+v", sum.Pairs)
	}
	if n := reporter.severeContaining("25 message(s) were suppressed"); n != 1 {
		t.Fatalf("suppression summary lines = %d, want 1", n)
	}

	c.Finish(context.Background())
	if len(reporter.severe) != 6 {
		t.Fatalf("second Finish reported again: %d messages", len(reporter.severe))
	}
}

// TestManageTimestepLockout checks that air loops are skipped when every
// controlled zone is inside the deadband.
func TestManageTimestepLockout(t *testing.T) {
	tests := []struct {
		name     string
		sensible float64
		latent   float64
		wantAir  int
		wantLock int
	}{
		{"satisfied zone", 0, 0, 0, 1},
		{"within deadband", 5e-7, -5e-7, 0, 1},
		{"sensible load", -250, 0, 1, 0},
		{"latent load", 0, 12, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSingleDuctModel()
			m.zones[0].SensibleDemand = tt.sensible
			m.zones[0].LatentDemand = tt.latent
			cc := newCountedCollaborators()
			metrics := newCountingMetrics()
			c := newTestCoordinator(t, Config{MaxIter: 10, MaxErrCount: 1}, m, cc.collaborators(), WithMetrics(metrics))

			res, err := c.ManageTimestep(context.Background(), newStartedEnv("mild day"))
			if err != nil {
				t.Fatalf("ManageTimestep: %v", err)
			}
			if !res.Converged || res.Iterations != 1 {
				t.Fatalf("result = %+v, want converged in 1 sweep", res)
			}
			if cc.air.runs != tt.wantAir || metrics.lockouts != tt.wantLock {
				t.Fatalf("air runs=%d lockouts=%d, want %d/%d", cc.air.runs, metrics.lockouts, tt.wantAir, tt.wantLock)
			}
			if cc.plant.runs != 1 || cc.zone.runs != 1 {
				t.Fatalf("plant=%d zone=%d, want 1/1", cc.plant.runs, cc.zone.runs)
			}
		})
	}
}

// TestManageTimestepLockoutYieldsToResiduals covers a zone that has just
// become satisfied while the air side still carries the previous timestep's
// flow: the first sweep may skip the air loops, the second must not.
func TestManageTimestepLockoutYieldsToResiduals(t *testing.T) {
	m := newSingleDuctModel()
	m.zones[0].SensibleDemand = 0
	m.nodes["ahu1-supply"].MassFlowRate = 0.15
	m.nodes["ahu1-return"].MassFlowRate = 0.15
	m.nodes["ahu1-demand-in"].MassFlowRate = 0.1
	m.nodes["ahu1-demand-out"].MassFlowRate = 0.1

	cc := newCountedCollaborators()
	cc.air.fn = func(context.Context, *SimulationState) error {
		m.nodes["ahu1-return"].MassFlowRate = m.nodes["ahu1-demand-out"].MassFlowRate
		m.nodes["ahu1-supply"].MassFlowRate = m.nodes["ahu1-demand-in"].MassFlowRate
		return nil
	}
	metrics := newCountingMetrics()
	reporter := &recordingReporter{}
	c := newTestCoordinator(t, Config{MaxIter: 20, MaxErrCount: 5}, m, cc.collaborators(),
		WithMetrics(metrics), WithReporter(reporter))

	res, err := c.ManageTimestep(context.Background(), newStartedEnv("mild day"))
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	if !res.Converged || res.Iterations != 2 {
		t.Fatalf("result = %+v, want converged in 2 sweeps", res)
	}
	if cc.air.runs != 1 || metrics.lockouts != 1 {
		t.Fatalf("air runs=%d lockouts=%d, want 1/1", cc.air.runs, metrics.lockouts)
	}
	if c.Counter().ErrCount != 0 || len(reporter.severe) != 0 {
		t.Fatalf("ErrCount=%d severe=%q", c.Counter().ErrCount, reporter.severe)
	}
}

func TestManageTimestepFlowLimitChangeRedirtiesAirAndZone(t *testing.T) {
	m := newSingleDuctModel()
	// 8 kg/s requested against a 5 kg/s system: both terminals get clamped.
	m.withTerminal("tu-1", 4, 0.5, 4)
	m.withTerminal("tu-2", 4, 0.5, 4)
	cc := newCountedCollaborators()
	metrics := newCountingMetrics()
	c := newTestCoordinator(t, Config{MaxIter: 20, MaxErrCount: 5}, m, cc.collaborators(), WithMetrics(metrics))
	env := newStartedEnv("design day")

	res, err := c.ManageTimestep(context.Background(), env)
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	if !res.Converged || res.Iterations != 2 || cc.air.runs != 2 || cc.zone.runs != 2 || cc.plant.runs != 1 {
		t.Fatalf("first timestep: %+v air=%d zone=%d plant=%d", res, cc.air.runs, cc.zone.runs, cc.plant.runs)
	}
	if got := m.nodes["tu-1-inlet"].MassFlowRateMaxAvail; math.Abs(got-2.5) > 1e-9 {
		t.Fatalf("tu-1 inlet max avail = %v, want 2.5", got)
	}

	// Unchanged limits on the next timestep need no extra sweep.
	res, err = c.ManageTimestep(context.Background(), env)
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	if res.Iterations != 1 || metrics.adjustments != 1 {
		t.Fatalf("second timestep iterations=%d adjustments=%d, want 1/1", res.Iterations, metrics.adjustments)
	}

	// A new environment forgets the remembered limits, but limits already
	// on the nodes do not count as a change.
	env.OnNewEnvironment("run period", false)
	res, err = c.ManageTimestep(context.Background(), env)
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	if res.Iterations != 1 || metrics.adjustments != 1 {
		t.Fatalf("after environment reset iterations=%d adjustments=%d, want 1/1", res.Iterations, metrics.adjustments)
	}

	// A larger request after the reset changes the split again.
	m.terminals[0].RequestedFlow = 5
	m.terminals[0].DesignMaxFlow = 5
	res, err = c.ManageTimestep(context.Background(), env)
	if err != nil {
		t.Fatalf("ManageTimestep: %v", err)
	}
	if res.Iterations != 2 || metrics.adjustments != 2 {
		t.Fatalf("after request change iterations=%d adjustments=%d, want 2/2", res.Iterations, metrics.adjustments)
	}
}

func TestManageTimestepInfeasibleFlowLimitsIsFatal(t *testing.T) {
	m := newSingleDuctModel()
	m.withTerminal("tu-1", 3, 3, 3)
	m.withTerminal("tu-2", 3, 3, 3)
	reporter := &recordingReporter{}
	reporting := &countingReporting{}
	c := newTestCoordinator(t, Config{MaxIter: 20, MaxErrCount: 5}, m, newCountedCollaborators().collaborators(),
		WithReporter(reporter), WithReporting(reporting))

	_, err := c.ManageTimestep(context.Background(), newStartedEnv("design day"))
	if !errors.Is(err, ErrInfeasibleFlowLimits) {
		t.Fatalf("error = %v, want ErrInfeasibleFlowLimits", err)
	}
	var fle *FlowLimitError
	if !errors.As(err, &fle) || fle.AirSystem != "AHU-1" || fle.SumHardMin != 6 || fle.SystemMax != 5 {
		t.Fatalf("FlowLimitError = %+v", fle)
	}
	if len(reporter.fatal) != 1 || !strings.Contains(reporter.fatal[0], "AHU-1") {
		t.Fatalf("fatal messages = %q", reporter.fatal)
	}
	if reporting.groupLoads != 0 {
		t.Fatalf("reporting ran after a fatal error")
	}
}

func TestManageTimestepSubsystemFailureIsFatal(t *testing.T) {
	m := newSingleDuctModel()
	cc := newCountedCollaborators()
	cause := errors.New("chiller curve out of range")
	cc.plant.fn = func(context.Context, *SimulationState) error { return cause }
	reporter := &recordingReporter{}
	c := newTestCoordinator(t, Config{MaxIter: 20, MaxErrCount: 5}, m, cc.collaborators(), WithReporter(reporter))

	_, err := c.ManageTimestep(context.Background(), newStartedEnv("design day"))
	if !errors.Is(err, ErrSubsystemFailed) || !errors.Is(err, cause) {
		t.Fatalf("error = %v, want subsystem failure wrapping cause", err)
	}
	var se *SubsystemError
	if !errors.As(err, &se) || se.Subsystem != SubsystemPlant || se.Iteration != 1 {
		t.Fatalf("SubsystemError = %+v", se)
	}
	if cc.air.runs != 0 {
		t.Fatalf("air loops ran after plant failure")
	}
	if len(reporter.fatal) != 1 {
		t.Fatalf("fatal messages = %d, want 1", len(reporter.fatal))
	}
}

func TestManageTimestepRegistersChannelsOnce(t *testing.T) {
	m := newSingleDuctModel()
	reg := &countingRegistrar{}
	c := newTestCoordinator(t, Config{MaxIter: 5, MaxErrCount: 1, TrackCO2: true}, m,
		newCountedCollaborators().collaborators(), WithRegistrars(reg))

	env := NewEnvironmentContext()
	for _, name := range []string{"winter design day", "summer design day"} {
		env.OnNewEnvironment(name, true)
		for i := 0; i < 3; i++ {
			if _, err := c.ManageTimestep(context.Background(), env); err != nil {
				t.Fatalf("ManageTimestep: %v", err)
			}
		}
	}

	if reg.calls != 1 {
		t.Fatalf("registrar calls = %d, want 1", reg.calls)
	}
	var names []string
	for _, info := range reg.channels {
		names = append(names, info.Name)
	}
	if got := strings.Join(names, ","); got != "mass_flow,humidity_ratio,temperature,energy,co2" {
		t.Fatalf("registered channels = %s", got)
	}
	if !env.OneTimeDone() || env.ResetPending() {
		t.Fatalf("environment flags oneTime=%v reset=%v", env.OneTimeDone(), env.ResetPending())
	}
}

func TestManageTimestepRegistrationError(t *testing.T) {
	reg := &countingRegistrar{err: errors.New("disk full")}
	c := newTestCoordinator(t, Config{MaxIter: 5, MaxErrCount: 1}, newSingleDuctModel(),
		newCountedCollaborators().collaborators(), WithRegistrars(reg))
	env := newStartedEnv("design day")

	if _, err := c.ManageTimestep(context.Background(), env); err == nil {
		t.Fatalf("expected registration error")
	}
	if env.OneTimeDone() || !env.ResetPending() {
		t.Fatalf("failed registration left oneTime=%v reset=%v", env.OneTimeDone(), env.ResetPending())
	}

	// A retry after the failure registers again.
	reg.err = nil
	if _, err := c.ManageTimestep(context.Background(), env); err != nil {
		t.Fatalf("ManageTimestep retry: %v", err)
	}
	if reg.calls != 2 || !env.OneTimeDone() {
		t.Fatalf("registrar calls=%d oneTime=%v, want 2/true", reg.calls, env.OneTimeDone())
	}
}

func TestErrCountSurvivesEnvironmentReset(t *testing.T) {
	m := newSingleDuctModel()
	cc := newCountedCollaborators()
	cc.air.fn = oscillatingSupply(m)
	c := newTestCoordinator(t, Config{MaxIter: 2, MaxErrCount: 1}, m, cc.collaborators())

	env := NewEnvironmentContext()
	for _, name := range []string{"day 1", "day 2"} {
		env.OnNewEnvironment(name, false)
		for i := 0; i < 2; i++ {
			if _, err := c.ManageTimestep(context.Background(), env); err != nil {
				t.Fatalf("ManageTimestep: %v", err)
			}
		}
	}
	if got := c.Counter().ErrCount; got != 4 {
		t.Fatalf("ErrCount = %d, want 4", got)
	}
	if got := c.Diagnostics().Emitted(0, ChannelMassFlow); got != 1 {
		t.Fatalf("emitted = %d, want 1", got)
	}
}

func TestNewCoordinatorRejectsInvalidConfig(t *testing.T) {
	m := newSingleDuctModel()
	collab := newCountedCollaborators().collaborators()
	if _, err := NewCoordinator(Config{MaxErrCount: 1}, m, collab); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing MaxIter: error = %v", err)
	}
	if _, err := NewCoordinator(Config{MaxIter: 1}, nil, collab); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil model: error = %v", err)
	}
	c := newTestCoordinator(t, Config{MaxIter: 1}, m, collab)
	if _, err := c.ManageTimestep(context.Background(), nil); err == nil {
		t.Fatalf("nil environment accepted")
	}
}

func TestNewCoordinatorRejectsIncompleteDependencies(t *testing.T) {
	g := depgraph.New[Subsystem]()
	for _, sub := range SweepOrder() {
		if sub != SubsystemNonZoneEquipment {
			g.AddNode(sub)
		}
	}
	_, err := NewCoordinator(Config{MaxIter: 5, MaxErrCount: 1}, newSingleDuctModel(),
		newCountedCollaborators().collaborators(), WithDependencies(g))
	if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), "non_zone_equipment") {
		t.Fatalf("error = %v, want ErrInvalidConfig naming the missing subsystem", err)
	}

	g.AddNode(SubsystemNonZoneEquipment)
	if _, err := NewCoordinator(Config{MaxIter: 5, MaxErrCount: 1}, newSingleDuctModel(),
		newCountedCollaborators().collaborators(), WithDependencies(g)); err != nil {
		t.Fatalf("complete graph rejected: %v", err)
	}
}
