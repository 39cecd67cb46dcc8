package core

import (
	"strconv"

	"github.com/signalsfoundry/hvac-convergence/internal/depgraph"
)

// Subsystem is one of the coupled HVAC subsystems solved every sweep.
type Subsystem int

const (
	SubsystemPlant Subsystem = iota
	SubsystemAirLoops
	SubsystemZoneEquipment
	SubsystemNonZoneEquipment
	SubsystemElecCircuits

	numSubsystems
)

var subsystemNames = [numSubsystems]string{
	SubsystemPlant:            "plant_loops",
	SubsystemAirLoops:         "air_loops",
	SubsystemZoneEquipment:    "zone_equipment",
	SubsystemNonZoneEquipment: "non_zone_equipment",
	SubsystemElecCircuits:     "electric_circuits",
}

func (s Subsystem) String() string {
	if s < 0 || s >= numSubsystems {
		return "Subsystem(" + strconv.Itoa(int(s)) + ")"
	}
	return subsystemNames[s]
}

// SweepOrder returns the fixed order in which subsystems run within a sweep.
// Later subsystems consume what earlier ones produced in the same sweep.
func SweepOrder() []Subsystem {
	return []Subsystem{
		SubsystemPlant,
		SubsystemAirLoops,
		SubsystemZoneEquipment,
		SubsystemNonZoneEquipment,
		SubsystemElecCircuits,
	}
}

// DefaultDependencies returns the invalidation graph of a typical building:
// an edge a -> b means a change published by a invalidates b.
func DefaultDependencies() *depgraph.Graph[Subsystem] {
	g := depgraph.New[Subsystem]()
	for _, s := range SweepOrder() {
		g.AddNode(s)
	}
	edges := [][2]Subsystem{
		{SubsystemPlant, SubsystemAirLoops},
		{SubsystemPlant, SubsystemZoneEquipment},
		{SubsystemPlant, SubsystemNonZoneEquipment},
		{SubsystemPlant, SubsystemElecCircuits},
		{SubsystemAirLoops, SubsystemZoneEquipment},
		{SubsystemAirLoops, SubsystemPlant},
		{SubsystemZoneEquipment, SubsystemAirLoops},
		{SubsystemZoneEquipment, SubsystemPlant},
		{SubsystemNonZoneEquipment, SubsystemPlant},
		{SubsystemNonZoneEquipment, SubsystemElecCircuits},
		{SubsystemElecCircuits, SubsystemPlant},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			panic(err)
		}
	}
	return g
}

// Flags is a snapshot of the per-subsystem re-simulation requests.
type Flags struct {
	SimAirLoops         bool
	SimZoneEquipment    bool
	SimNonZoneEquipment bool
	SimPlantLoops       bool
	SimElecCircuits     bool
}

// Any reports whether any subsystem still requests simulation.
func (f Flags) Any() bool {
	return f.SimAirLoops || f.SimZoneEquipment || f.SimNonZoneEquipment || f.SimPlantLoops || f.SimElecCircuits
}

// SimulationState is the per-timestep state shared with collaborating
// simulators. Subsystems request re-simulation of each other only through
// Invalidate and Publish.
type SimulationState struct {
	// FirstHVACIteration is true during the first sweep of a timestep so that
	// collaborators can apply predictor behaviour.
	FirstHVACIteration bool
	// LockPlantFlows asks plant collaborators to hold loop flows fixed.
	LockPlantFlows bool

	dirty *depgraph.DirtySet[Subsystem]
}

// NewSimulationState builds a clean state over the given invalidation graph,
// or DefaultDependencies when g is nil.
func NewSimulationState(g *depgraph.Graph[Subsystem]) *SimulationState {
	if g == nil {
		g = DefaultDependencies()
	}
	return &SimulationState{dirty: depgraph.NewDirtySet(g)}
}

// Invalidate requests that subs run again, in this sweep if they come later
// in SweepOrder, otherwise in the next one.
func (s *SimulationState) Invalidate(subs ...Subsystem) {
	s.dirty.Mark(subs...)
}

// Publish announces that from produced new outputs, invalidating every
// subsystem that depends on it.
func (s *SimulationState) Publish(from Subsystem) {
	s.dirty.Publish(from)
}

// NeedsSimulation reports whether sub is waiting to run.
func (s *SimulationState) NeedsSimulation(sub Subsystem) bool {
	return s.dirty.IsDirty(sub)
}

// Pending lists the subsystems waiting to run, in sweep order.
func (s *SimulationState) Pending() []Subsystem {
	var out []Subsystem
	for _, sub := range SweepOrder() {
		if s.dirty.IsDirty(sub) {
			out = append(out, sub)
		}
	}
	return out
}

// Flags returns a snapshot of the re-simulation requests.
func (s *SimulationState) Flags() Flags {
	return Flags{
		SimAirLoops:         s.dirty.IsDirty(SubsystemAirLoops),
		SimZoneEquipment:    s.dirty.IsDirty(SubsystemZoneEquipment),
		SimNonZoneEquipment: s.dirty.IsDirty(SubsystemNonZoneEquipment),
		SimPlantLoops:       s.dirty.IsDirty(SubsystemPlant),
		SimElecCircuits:     s.dirty.IsDirty(SubsystemElecCircuits),
	}
}

// Dependencies exposes the invalidation graph.
func (s *SimulationState) Dependencies() *depgraph.Graph[Subsystem] {
	return s.dirty.Graph()
}

func (s *SimulationState) beginTimestep() {
	s.dirty.MarkAll()
	s.FirstHVACIteration = true
	s.LockPlantFlows = false
}

func (s *SimulationState) clear(sub Subsystem) {
	s.dirty.Clear(sub)
}
