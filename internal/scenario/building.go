package scenario

import (
	"context"
	"math"
	"time"

	"github.com/signalsfoundry/hvac-convergence/core"
	"github.com/signalsfoundry/hvac-convergence/kb"
	"github.com/signalsfoundry/hvac-convergence/model"
)

const (
	defaultSupplyAirTemp = 13.0  // °C
	defaultZoneTemp      = 23.0  // °C
	defaultZoneHumRat    = 0.008 // kg/kg
	defaultPlantCOP      = 3.0

	cpAir   = 1006.0  // J/kg·K
	cpVapor = 1860.0  // J/kg·K
	hfg     = 2.501e6 // J/kg

	// supplyHumRatLimit is the humidity ratio leaving a wet cooling coil.
	supplyHumRatLimit = 0.0085
	// minDeltaT below which a zone cannot be conditioned by flow alone (K).
	minDeltaT = 0.1

	flowChange  = 1e-9 // kg/s
	stateChange = 1e-9
	powerChange = 1e-6 // W
)

// Building is the reference physics behind a scenario. Its simulators are
// deliberately simple: constant setpoints, steady-state mixing and a capped
// plant. They read and write the live model in the knowledge base and
// publish a change only when their outputs move.
type Building struct {
	kb       *kb.KnowledgeBase
	timestep time.Duration

	systems   map[string]*airSystemState // by air system ID
	loads     map[string]*zoneLoad       // by zone ID
	plantCOP  map[string]float64         // by plant loop ID
	baseLoads map[string]float64         // by circuit ID
}

type airSystemState struct {
	fanPower    float64 // W per kg/s of supply air
	oscillation float64 // kg/s added and removed on alternate passes
	phase       int

	// coilLoad is the load the coils request at the design supply
	// temperature (W).
	coilLoad float64
	// ratio is the share of coilLoad the plant delivered on its last pass.
	ratio float64
}

type zoneLoad struct {
	sensible float64
	latent   float64
	profile  []float64
	exhaust  float64
}

func newBuilding(store *kb.KnowledgeBase, timestep time.Duration) *Building {
	return &Building{
		kb:        store,
		timestep:  timestep,
		systems:   make(map[string]*airSystemState),
		loads:     make(map[string]*zoneLoad),
		plantCOP:  make(map[string]float64),
		baseLoads: make(map[string]float64),
	}
}

// Collaborators returns the subsystem simulators in their fixed roles.
func (b *Building) Collaborators() core.Collaborators {
	return core.Collaborators{
		Plant:            core.SimulatorFunc(b.simulatePlant),
		AirLoops:         core.SimulatorFunc(b.simulateAirLoops),
		ZoneEquipment:    core.SimulatorFunc(b.simulateZoneEquipment),
		NonZoneEquipment: core.SimulatorFunc(b.simulateNonZoneEquipment),
		Electrical:       core.SimulatorFunc(b.simulateElectric),
	}
}

// UpdateZoneDemands is the zone heat balance predictor: it caches every
// zone's load-to-setpoint for the coming timestep from its design load and
// hourly profile. It has the signature of a before-timestep hook.
func (b *Building) UpdateZoneDemands(_ context.Context, ts core.Timestep) error {
	for _, z := range b.kb.ListZones() {
		load, ok := b.loads[z.ID]
		if !ok {
			continue
		}
		factor := profileFactor(load.profile, ts.Time)
		z.SensibleDemand = load.sensible * factor
		z.LatentDemand = load.latent * factor
	}
	return nil
}

func profileFactor(profile []float64, t time.Time) float64 {
	if len(profile) == 0 {
		return 1
	}
	minute := t.Hour()*60 + t.Minute()
	return profile[minute*len(profile)/(24*60)]
}

// CommitTimestep charges or drains electric storage by the net power of
// the converged timestep. It has the signature of a tick listener.
func (b *Building) CommitTimestep(core.TickEvent) {
	dt := b.timestep.Seconds()
	for _, c := range b.kb.ListElectricCircuits() {
		net := c.Generated + c.Purchased - c.Demand
		c.StorageLevel = math.Max(0, math.Min(c.StorageCapacity, c.StorageLevel+net*dt))
	}
}

func (b *Building) simulatePlant(_ context.Context, st *core.SimulationState) error {
	changed := false
	for _, loop := range b.kb.ListPlantLoops() {
		demand := 0.0
		var served []*airSystemState
		for _, sys := range b.kb.AirSystems() {
			if sys.PlantLoopID != loop.ID {
				continue
			}
			as := b.systems[sys.ID]
			demand += as.coilLoad
			served = append(served, as)
		}
		supplied := math.Min(demand, loop.Capacity)
		if math.Abs(loop.Demand-demand) > powerChange || math.Abs(loop.Supplied-supplied) > powerChange {
			changed = true
		}
		loop.Demand, loop.Supplied = demand, supplied

		ratio := 1.0
		if demand > 0 {
			ratio = supplied / demand
		}
		for _, as := range served {
			as.ratio = ratio
		}
	}
	if changed {
		st.Publish(core.SubsystemPlant)
	}
	return nil
}

func (b *Building) simulateAirLoops(_ context.Context, st *core.SimulationState) error {
	changed := false
	for _, sys := range b.kb.AirSystems() {
		as := b.systems[sys.ID]
		ret := b.kb.Node(sys.SupplyInletNode)
		demandOut := b.kb.Node(sys.DemandOutletNode)
		setAirState(ret, demandOut.MassFlowRate, demandOut.Temp, demandOut.HumRat)
		ret.CO2, ret.GenContam = demandOut.CO2, demandOut.GenContam

		supplyW := math.Min(ret.HumRat, supplyHumRatLimit)
		hSupply := enthalpy(sys.SupplyAirTemp, supplyW)
		supplyT := sys.SupplyAirTemp
		if as.ratio < 1 && ret.MassFlowRate > 0 {
			// A capped plant only moves the air part of the way to setpoint.
			supplyT = ret.Temp - (ret.Temp-sys.SupplyAirTemp)*as.ratio
		}

		coilLoad := 0.0
		for deck, outletID := range sys.SupplyOutletNodes {
			outlet := b.kb.Node(outletID)
			demandIn := b.kb.Node(sys.DemandInletNodes[deck])
			flow := demandIn.MassFlowRate
			coilLoad += flow * math.Abs(ret.Enthalpy-hSupply)

			if as.oscillation > 0 {
				if as.phase%2 == 0 {
					flow += as.oscillation
				} else {
					flow = math.Max(0, flow-as.oscillation)
				}
			}

			before := snapshot(outlet)
			if sys.DesignMaxFlow > 0 {
				outlet.MassFlowRateMaxAvail = sys.DesignMaxFlow
			}
			setAirState(outlet, flow, supplyT, supplyW)
			outlet.CO2, outlet.GenContam = ret.CO2, ret.GenContam
			changed = changed || before.differs(snapshot(outlet))
		}
		as.phase++

		if math.Abs(as.coilLoad-coilLoad) > powerChange {
			changed = true
		}
		as.coilLoad = coilLoad
	}
	if changed {
		st.Publish(core.SubsystemAirLoops)
	}
	return nil
}

func (b *Building) simulateZoneEquipment(_ context.Context, st *core.SimulationState) error {
	changed := false

	type deckFlow struct {
		flow, tw, ww, cw, gw float64 // flow and flow-weighted zone state
	}
	returns := make(map[string]*deckFlow) // by air system ID
	decks := make(map[deckKey]float64)

	for _, tu := range b.kb.TerminalUnits() {
		z := b.kb.GetZone(tu.ZoneID)
		sys := b.kb.GetAirSystem(tu.AirSystemID)
		outlet := b.kb.Node(sys.SupplyOutletNodes[tu.Deck])
		inlet := b.kb.Node(tu.InletNode)

		tu.RequestedFlow = requestedFlow(tu, z, sys.SupplyAirTemp)

		before := snapshot(inlet)
		setAirState(inlet, math.Min(tu.RequestedFlow, tu.MaxAvailFlow), outlet.Temp, outlet.HumRat)
		inlet.CO2, inlet.GenContam = outlet.CO2, outlet.GenContam
		inlet.ClampFlow()
		changed = changed || before.differs(snapshot(inlet))

		decks[deckKey{sys.ID, tu.Deck}] += inlet.MassFlowRate
		r := returns[sys.ID]
		if r == nil {
			r = &deckFlow{}
			returns[sys.ID] = r
		}
		r.flow += inlet.MassFlowRate
		r.tw += inlet.MassFlowRate * z.Temp
		r.ww += inlet.MassFlowRate * z.HumRat
		r.cw += inlet.MassFlowRate * inlet.CO2
		r.gw += inlet.MassFlowRate * inlet.GenContam
	}

	for _, z := range b.kb.ListZones() {
		load := b.loads[z.ID]
		for _, id := range z.ExhaustNodes {
			n := b.kb.Node(id)
			before := snapshot(n)
			setAirState(n, load.exhaust, z.Temp, z.HumRat)
			changed = changed || before.differs(snapshot(n))
		}
	}

	for _, sys := range b.kb.AirSystems() {
		for deck, id := range sys.DemandInletNodes {
			n := b.kb.Node(id)
			outlet := b.kb.Node(sys.SupplyOutletNodes[deck])
			before := snapshot(n)
			setAirState(n, decks[deckKey{sys.ID, deck}], outlet.Temp, outlet.HumRat)
			n.CO2, n.GenContam = outlet.CO2, outlet.GenContam
			changed = changed || before.differs(snapshot(n))
		}

		out := b.kb.Node(sys.DemandOutletNode)
		before := snapshot(out)
		r := returns[sys.ID]
		if r == nil || r.flow <= 0 {
			setAirState(out, 0, out.Temp, out.HumRat)
		} else {
			setAirState(out, r.flow, r.tw/r.flow, r.ww/r.flow)
			out.CO2, out.GenContam = r.cw/r.flow, r.gw/r.flow
		}
		changed = changed || before.differs(snapshot(out))
	}

	if changed {
		st.Publish(core.SubsystemZoneEquipment)
	}
	return nil
}

// simulateNonZoneEquipment has nothing to do: the reference building has no
// water heaters or other equipment outside zones and loops.
func (b *Building) simulateNonZoneEquipment(context.Context, *core.SimulationState) error {
	return nil
}

// simulateElectric balances every circuit. HVAC fan and plant power are
// carried by the first circuit; each circuit adds its own base load.
func (b *Building) simulateElectric(_ context.Context, st *core.SimulationState) error {
	hvac := 0.0
	for _, sys := range b.kb.AirSystems() {
		flow := 0.0
		for _, id := range sys.SupplyOutletNodes {
			flow += b.kb.Node(id).MassFlowRate
		}
		hvac += b.systems[sys.ID].fanPower * flow
	}
	for _, loop := range b.kb.ListPlantLoops() {
		hvac += loop.Supplied / b.plantCOP[loop.ID]
	}

	dt := b.timestep.Seconds()
	changed := false
	for i, c := range b.kb.ListElectricCircuits() {
		demand := b.baseLoads[c.ID]
		if i == 0 {
			demand += hvac
		}
		discharge := 0.0
		if dt > 0 {
			discharge = c.StorageLevel / dt
		}
		purchased := math.Max(0, demand-c.GenerationCapacity-discharge)
		if math.Abs(c.Demand-demand) > powerChange || math.Abs(c.Purchased-purchased) > powerChange {
			changed = true
		}
		c.Demand, c.Generated, c.Purchased = demand, c.GenerationCapacity, purchased
	}
	if changed {
		st.Publish(core.SubsystemElecCircuits)
	}
	return nil
}

// requestedFlow sizes the terminal flow that meets the zone's sensible
// demand with air at the design supply temperature.
func requestedFlow(tu *model.TerminalUnit, z *model.Zone, supplyT float64) float64 {
	flow := tu.HardMinFlow
	dT := math.Abs(z.Temp - supplyT)
	if z.SensibleDemand != 0 && dT > minDeltaT {
		flow = math.Abs(z.SensibleDemand) / (cpAir * dT)
	}
	return math.Max(tu.HardMinFlow, math.Min(flow, tu.DesignMaxFlow))
}

type deckKey struct {
	airSystem string
	deck      int
}

func enthalpy(t, w float64) float64 { return cpAir*t + w*(hfg+cpVapor*t) }

func setAirState(n *model.Node, flow, t, w float64) {
	n.MassFlowRate = flow
	n.Temp = t
	n.HumRat = w
	n.Enthalpy = enthalpy(t, w)
}

type nodeState struct {
	flow, temp, humRat, co2, gen float64
}

func snapshot(n *model.Node) nodeState {
	return nodeState{n.MassFlowRate, n.Temp, n.HumRat, n.CO2, n.GenContam}
}

func (a nodeState) differs(b nodeState) bool {
	return math.Abs(a.flow-b.flow) > flowChange ||
		math.Abs(a.temp-b.temp) > stateChange ||
		math.Abs(a.humRat-b.humRat) > stateChange ||
		math.Abs(a.co2-b.co2) > stateChange ||
		math.Abs(a.gen-b.gen) > stateChange
}
