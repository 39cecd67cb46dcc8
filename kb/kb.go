package kb

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/hvac-convergence/internal/history"
	"github.com/signalsfoundry/hvac-convergence/model"
)

// DefaultInletLogDepth is the number of timesteps kept per zone inlet log.
const DefaultInletLogDepth = 10

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	// EventAirBalanceUpdated fires once per zone after ReportAirBalance.
	EventAirBalanceUpdated EventType = iota
	// EventZoneGroupLoadsUpdated fires once per group after UpdateZoneGroupLoads.
	EventZoneGroupLoadsUpdated
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type      EventType
	Zone      model.Zone      // set for EventAirBalanceUpdated
	ZoneGroup model.ZoneGroup // set for EventZoneGroupLoadsUpdated
}

// inletLog is the per-timestep history of one zone inlet node.
type inletLog struct {
	temp   *history.Buffer
	humRat *history.Buffer
}

// KnowledgeBase is the in-memory building model: nodes, air systems, terminal
// units, zones and the central plant. Returned pointers are live so that
// simulators and the flow-limit resolver update state in place; the mutex
// guards the maps, not the values.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes map[string]*model.Node

	airSystems   []*model.AirSystem
	airSystemIdx map[string]*model.AirSystem
	terminals    []*model.TerminalUnit
	terminalIdx  map[string]*model.TerminalUnit

	zones      []*model.Zone
	zoneIdx    map[string]*model.Zone
	groups     []*model.ZoneGroup
	plantLoops map[string]*model.PlantLoop
	plantOrder []string
	circuits   map[string]*model.ElectricCircuit
	circOrder  []string

	inletLogDepth int
	inletLogs     map[string]map[string]*inletLog // zone ID -> inlet node ID

	subs []func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		nodes:         make(map[string]*model.Node),
		airSystemIdx:  make(map[string]*model.AirSystem),
		terminalIdx:   make(map[string]*model.TerminalUnit),
		zoneIdx:       make(map[string]*model.Zone),
		plantLoops:    make(map[string]*model.PlantLoop),
		circuits:      make(map[string]*model.ElectricCircuit),
		inletLogDepth: DefaultInletLogDepth,
		inletLogs:     make(map[string]map[string]*inletLog),
	}
}

// SetInletLogDepth changes the history depth of zone inlet logs created
// afterwards.
func (kb *KnowledgeBase) SetInletLogDepth(depth int) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.inletLogDepth = depth
}

// AddNode adds a new node. It returns an error if the ID already exists.
func (kb *KnowledgeBase) AddNode(n *model.Node) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if n.ID == "" {
		return fmt.Errorf("node ID must not be empty")
	}
	if _, exists := kb.nodes[n.ID]; exists {
		return fmt.Errorf("node with ID %q already exists", n.ID)
	}
	kb.nodes[n.ID] = n
	return nil
}

// AddAirSystem adds an air system after checking its topology: one or two
// decks, one demand inlet per deck and every referenced node present.
func (kb *KnowledgeBase) AddAirSystem(a *model.AirSystem) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.airSystemIdx[a.ID]; exists {
		return fmt.Errorf("air system with ID %q already exists", a.ID)
	}
	if d := a.Decks(); d < 1 || d > 2 {
		return fmt.Errorf("air system %q has %d supply decks, want 1 or 2", a.ID, d)
	}
	if len(a.DemandInletNodes) != len(a.SupplyOutletNodes) {
		return fmt.Errorf("air system %q has %d demand inlets for %d supply decks", a.ID, len(a.DemandInletNodes), len(a.SupplyOutletNodes))
	}
	refs := append([]string{a.SupplyInletNode, a.DemandOutletNode}, a.SupplyOutletNodes...)
	refs = append(refs, a.DemandInletNodes...)
	if err := kb.requireNodes("air system "+a.ID, refs...); err != nil {
		return err
	}
	if a.PlantLoopID != "" {
		if _, ok := kb.plantLoops[a.PlantLoopID]; !ok {
			return fmt.Errorf("plant loop with ID %q not found for air system %q", a.PlantLoopID, a.ID)
		}
	}

	a.Index = len(kb.airSystems)
	kb.airSystems = append(kb.airSystems, a)
	kb.airSystemIdx[a.ID] = a
	return nil
}

// AddZone adds a zone and creates its inlet convergence logs.
func (kb *KnowledgeBase) AddZone(z *model.Zone) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.zoneIdx[z.ID]; exists {
		return fmt.Errorf("zone with ID %q already exists", z.ID)
	}
	refs := append(append([]string{}, z.InletNodes...), z.ExhaustNodes...)
	if err := kb.requireNodes("zone "+z.ID, refs...); err != nil {
		return err
	}
	if z.Multiplier < 1 {
		z.Multiplier = 1
	}

	kb.zones = append(kb.zones, z)
	kb.zoneIdx[z.ID] = z
	logs := make(map[string]*inletLog, len(z.InletNodes))
	for _, id := range z.InletNodes {
		logs[id] = &inletLog{temp: history.New(kb.inletLogDepth), humRat: history.New(kb.inletLogDepth)}
	}
	kb.inletLogs[z.ID] = logs
	return nil
}

// AddTerminalUnit adds a terminal unit fed by one deck of an existing air
// system and serving an existing zone. A zero MaxAvailFlow starts at the
// design maximum.
func (kb *KnowledgeBase) AddTerminalUnit(tu *model.TerminalUnit) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.terminalIdx[tu.ID]; exists {
		return fmt.Errorf("terminal unit with ID %q already exists", tu.ID)
	}
	sys, ok := kb.airSystemIdx[tu.AirSystemID]
	if !ok {
		return fmt.Errorf("air system with ID %q not found for terminal unit %q", tu.AirSystemID, tu.ID)
	}
	if tu.Deck < 0 || tu.Deck >= sys.Decks() {
		return fmt.Errorf("terminal unit %q uses deck %d but air system %q has %d", tu.ID, tu.Deck+1, sys.ID, sys.Decks())
	}
	if _, ok := kb.zoneIdx[tu.ZoneID]; !ok {
		return fmt.Errorf("zone with ID %q not found for terminal unit %q", tu.ZoneID, tu.ID)
	}
	if err := kb.requireNodes("terminal unit "+tu.ID, tu.InletNode); err != nil {
		return err
	}
	if tu.HardMinFlow > tu.DesignMaxFlow {
		return fmt.Errorf("terminal unit %q hard minimum %.6f exceeds design maximum %.6f", tu.ID, tu.HardMinFlow, tu.DesignMaxFlow)
	}
	if tu.MaxAvailFlow == 0 {
		tu.MaxAvailFlow = tu.DesignMaxFlow
	}

	kb.terminals = append(kb.terminals, tu)
	kb.terminalIdx[tu.ID] = tu
	return nil
}

// AddZoneGroup adds a group over existing, ungrouped zones.
func (kb *KnowledgeBase) AddZoneGroup(g *model.ZoneGroup) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for _, existing := range kb.groups {
		if existing.Name == g.Name {
			return fmt.Errorf("zone group %q already exists", g.Name)
		}
	}
	for _, id := range g.Zones {
		z, ok := kb.zoneIdx[id]
		if !ok {
			return fmt.Errorf("zone with ID %q not found for zone group %q", id, g.Name)
		}
		if z.Group != "" && z.Group != g.Name {
			return fmt.Errorf("zone %q already belongs to zone group %q", id, z.Group)
		}
	}
	if g.Multiplier < 1 {
		g.Multiplier = 1
	}
	for _, id := range g.Zones {
		kb.zoneIdx[id].Group = g.Name
	}
	kb.groups = append(kb.groups, g)
	return nil
}

// AddPlantLoop adds a plant loop. It returns an error if the ID already exists.
func (kb *KnowledgeBase) AddPlantLoop(p *model.PlantLoop) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.plantLoops[p.ID]; exists {
		return fmt.Errorf("plant loop with ID %q already exists", p.ID)
	}
	kb.plantLoops[p.ID] = p
	kb.plantOrder = append(kb.plantOrder, p.ID)
	return nil
}

// AddElectricCircuit adds an electric load centre.
func (kb *KnowledgeBase) AddElectricCircuit(c *model.ElectricCircuit) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.circuits[c.ID]; exists {
		return fmt.Errorf("electric circuit with ID %q already exists", c.ID)
	}
	kb.circuits[c.ID] = c
	kb.circOrder = append(kb.circOrder, c.ID)
	return nil
}

func (kb *KnowledgeBase) requireNodes(owner string, ids ...string) error {
	for _, id := range ids {
		if _, ok := kb.nodes[id]; !ok {
			return fmt.Errorf("node with ID %q not found for %s", id, owner)
		}
	}
	return nil
}

// Node returns the node with the given ID, or nil if not found.
func (kb *KnowledgeBase) Node(id string) *model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.nodes[id]
}

// AirSystems returns the air systems in the order they were added.
func (kb *KnowledgeBase) AirSystems() []*model.AirSystem {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]*model.AirSystem(nil), kb.airSystems...)
}

// GetAirSystem returns the air system with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetAirSystem(id string) *model.AirSystem {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.airSystemIdx[id]
}

// TerminalUnits returns the terminal units in the order they were added.
func (kb *KnowledgeBase) TerminalUnits() []*model.TerminalUnit {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]*model.TerminalUnit(nil), kb.terminals...)
}

// GetZone returns the zone with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetZone(id string) *model.Zone {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.zoneIdx[id]
}

// ListZones returns every zone in the order added.
func (kb *KnowledgeBase) ListZones() []*model.Zone {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]*model.Zone(nil), kb.zones...)
}

// ControlledZones returns the zones under thermostat control.
func (kb *KnowledgeBase) ControlledZones() []*model.Zone {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.Zone, 0, len(kb.zones))
	for _, z := range kb.zones {
		if z.Controlled {
			res = append(res, z)
		}
	}
	return res
}

// ListZoneGroups returns every zone group in the order added.
func (kb *KnowledgeBase) ListZoneGroups() []*model.ZoneGroup {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]*model.ZoneGroup(nil), kb.groups...)
}

// GetPlantLoop returns the plant loop with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetPlantLoop(id string) *model.PlantLoop {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.plantLoops[id]
}

// ListPlantLoops returns every plant loop in the order added.
func (kb *KnowledgeBase) ListPlantLoops() []*model.PlantLoop {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.PlantLoop, 0, len(kb.plantOrder))
	for _, id := range kb.plantOrder {
		res = append(res, kb.plantLoops[id])
	}
	return res
}

// ListElectricCircuits returns every electric circuit in the order added.
func (kb *KnowledgeBase) ListElectricCircuits() []*model.ElectricCircuit {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.ElectricCircuit, 0, len(kb.circOrder))
	for _, id := range kb.circOrder {
		res = append(res, kb.circuits[id])
	}
	return res
}

// UpdateZoneGroupLoads aggregates the zone demands of every group, applying
// both the zone and the group multipliers.
func (kb *KnowledgeBase) UpdateZoneGroupLoads(context.Context) {
	kb.mu.Lock()
	events := make([]Event, 0, len(kb.groups))
	for _, g := range kb.groups {
		var sensible, latent float64
		for _, id := range g.Zones {
			z := kb.zoneIdx[id]
			sensible += z.SensibleDemand * float64(z.Multiplier)
			latent += z.LatentDemand * float64(z.Multiplier)
		}
		g.SensibleLoad = sensible * float64(g.Multiplier)
		g.LatentLoad = latent * float64(g.Multiplier)
		events = append(events, Event{Type: EventZoneGroupLoadsUpdated, ZoneGroup: *g})
	}
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	notify(subs, events)
}

// ReportAirBalance refreshes every zone's supply and exhaust mass flow from
// its inlet and exhaust nodes.
func (kb *KnowledgeBase) ReportAirBalance(context.Context) {
	kb.mu.Lock()
	events := make([]Event, 0, len(kb.zones))
	for _, z := range kb.zones {
		var supply, exhaust float64
		for _, id := range z.InletNodes {
			supply += kb.nodes[id].MassFlowRate
		}
		for _, id := range z.ExhaustNodes {
			exhaust += kb.nodes[id].MassFlowRate
		}
		z.AirBalance = model.AirBalance{
			SupplyFlow:  supply,
			ExhaustFlow: exhaust,
			Imbalance:   supply - exhaust,
		}
		events = append(events, Event{Type: EventAirBalanceUpdated, Zone: *z})
	}
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	notify(subs, events)
}

// UpdateZoneInletConvergenceLogs records the temperature and humidity ratio
// of every zone inlet node for this timestep.
func (kb *KnowledgeBase) UpdateZoneInletConvergenceLogs(context.Context) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for _, logs := range kb.inletLogs {
		for nodeID, log := range logs {
			n := kb.nodes[nodeID]
			if n == nil {
				continue
			}
			log.temp.Push(n.Temp)
			log.humRat.Push(n.HumRat)
		}
	}
}

// InletLog returns the logged temperatures and humidity ratios of one zone
// inlet node, newest first. ok is false for an unknown zone or node.
func (kb *KnowledgeBase) InletLog(zoneID, nodeID string) (temps, humRats []float64, ok bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	log, found := kb.inletLogs[zoneID][nodeID]
	if !found {
		return nil, nil, false
	}
	return log.temp.Values(), log.humRat.Values(), true
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.subs = append(kb.subs, fn)
	idx := len(kb.subs) - 1

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		if idx < 0 || idx >= len(kb.subs) {
			return
		}
		kb.subs = append(kb.subs[:idx], kb.subs[idx+1:]...)
		idx = -1
	}
}

// notify delivers events outside the lock to avoid deadlocks.
func notify(subs []func(Event), events []Event) {
	for _, ev := range events {
		for _, sub := range subs {
			sub(ev)
		}
	}
}
