package core

import (
	"math"

	"github.com/signalsfoundry/hvac-convergence/model"
)

// flowEpsilon is the mass flow (kg/s) below which two limits are equal.
const flowEpsilon = 1e-9

// FlowLimitResolver keeps air system and terminal unit flow limits mutually
// consistent. It is the only component besides the equipment simulators that
// writes node flow state.
type FlowLimitResolver struct {
	net       FlowNetwork
	maxPasses int

	needed bool
	// applied holds the max-available limits granted by the last resolution,
	// keyed by node ID. A change against the previous sweep means the
	// equipment has to be simulated again.
	applied map[string]float64
}

// NewFlowLimitResolver resolves limits on net, giving up after maxPasses
// reconciliation passes.
func NewFlowLimitResolver(net FlowNetwork, maxPasses int) *FlowLimitResolver {
	if maxPasses < 1 {
		maxPasses = DefaultFlowResolutionPasses
	}
	return &FlowLimitResolver{
		net:       net,
		maxPasses: maxPasses,
		applied:   make(map[string]float64),
	}
}

// ResetTerminalFlowLimits restores every terminal unit's max-available cache
// to its design maximum. Calling it twice in a row is the same as calling it
// once.
func (r *FlowLimitResolver) ResetTerminalFlowLimits() {
	for _, tu := range r.net.TerminalUnits() {
		tu.MaxAvailFlow = tu.DesignMaxFlow
	}
}

// FlowResolutionNeeded reports whether the last resolution had to change any
// limit compared to the sweep before it.
func (r *FlowLimitResolver) FlowResolutionNeeded() bool { return r.needed }

// Forget drops the limits remembered from earlier sweeps, typically at the
// start of a timestep or environment.
func (r *FlowLimitResolver) Forget() {
	r.applied = make(map[string]float64)
	r.needed = false
}

// ResolveAirLoopFlowLimits reconciles system capacity against terminal
// requests on every air system deck. When the resulting limits differ from
// the previous sweep it re-dirties air loops and zone equipment. It returns a
// *FlowLimitError when a deck cannot be made consistent.
func (r *FlowLimitResolver) ResolveAirLoopFlowLimits(st *SimulationState) error {
	byDeck := r.terminalsByDeck()
	granted := make(map[string]float64, len(r.applied))
	before := r.currentLimits()

	for _, sys := range r.net.AirSystems() {
		for deck := 0; deck < sys.Decks(); deck++ {
			terminals := byDeck[deckKey{sys.ID, deck}]
			if err := r.resolveDeck(sys, deck, terminals, granted); err != nil {
				return err
			}
		}
	}

	r.needed = limitsChanged(r.applied, before, granted)
	r.applied = granted
	if r.needed && st != nil {
		st.Invalidate(SubsystemAirLoops, SubsystemZoneEquipment)
	}
	return nil
}

type deckKey struct {
	airSystem string
	deck      int
}

func (r *FlowLimitResolver) terminalsByDeck() map[deckKey][]*model.TerminalUnit {
	out := make(map[deckKey][]*model.TerminalUnit)
	for _, tu := range r.net.TerminalUnits() {
		k := deckKey{tu.AirSystemID, tu.Deck}
		out[k] = append(out[k], tu)
	}
	return out
}

// resolveDeck runs the two-pass clamp on one supply deck and records the
// limits it grants into granted.
func (r *FlowLimitResolver) resolveDeck(sys *model.AirSystem, deck int, terminals []*model.TerminalUnit, granted map[string]float64) error {
	outlet := r.net.Node(sys.SupplyOutletNodes[deck])
	sysMax := sys.DesignMaxFlow
	if sysMax <= 0 {
		// No system limit configured; terminals keep their design headroom.
		for _, tu := range terminals {
			r.applyTerminal(tu, granted)
		}
		return nil
	}

	sumMin := 0.0
	for _, tu := range terminals {
		sumMin += tu.HardMinFlow
	}

	for pass := 0; pass <= r.maxPasses; pass++ {
		sumReq, sumAvail := 0.0, 0.0
		for _, tu := range terminals {
			sumReq += math.Min(tu.RequestedFlow, tu.MaxAvailFlow)
			sumAvail += tu.MaxAvailFlow
		}
		outletOK := outlet == nil || outlet.MassFlowRateMaxAvail <= math.Min(sysMax, sumAvail)+flowEpsilon
		if sumMin <= sysMax+flowEpsilon && sumReq <= sysMax+flowEpsilon && outletOK {
			for _, tu := range terminals {
				r.applyTerminal(tu, granted)
			}
			if outlet != nil {
				granted[outlet.ID] = outlet.MassFlowRateMaxAvail
			}
			return nil
		}
		if pass == r.maxPasses {
			break
		}

		// Top-down: share the capacity above the hard minima in proportion
		// to what each terminal asks for beyond its minimum.
		if sumReq > sysMax+flowEpsilon {
			spare := sysMax - sumMin
			excess := sumReq - sumMin
			for _, tu := range terminals {
				want := math.Max(math.Min(tu.RequestedFlow, tu.MaxAvailFlow)-tu.HardMinFlow, 0)
				limit := tu.HardMinFlow
				if spare > 0 && excess > 0 {
					limit += spare * want / excess
				}
				tu.MaxAvailFlow = math.Max(math.Min(limit, tu.MaxAvailFlow), tu.HardMinFlow)
			}
		}

		// Bottom-up: the deck cannot deliver more than its terminals accept.
		if outlet != nil {
			sumAvail = 0
			for _, tu := range terminals {
				sumAvail += tu.MaxAvailFlow
			}
			outlet.MassFlowRateMaxAvail = math.Min(math.Min(outlet.MassFlowRateMaxAvail, sysMax), sumAvail)
			outlet.ClampFlow()
		}
	}

	return &FlowLimitError{
		AirSystem:  displayName(sys),
		Deck:       deck,
		SumHardMin: sumMin,
		SystemMax:  sysMax,
		Passes:     r.maxPasses,
	}
}

// applyTerminal pushes the terminal's granted limit onto its inlet node.
func (r *FlowLimitResolver) applyTerminal(tu *model.TerminalUnit, granted map[string]float64) {
	n := r.net.Node(tu.InletNode)
	if n == nil {
		return
	}
	n.MassFlowRateMaxAvail = tu.MaxAvailFlow
	n.MassFlowRateMinAvail = math.Min(tu.HardMinFlow, tu.MaxAvailFlow)
	n.ClampFlow()
	granted[n.ID] = tu.MaxAvailFlow
}

// currentLimits snapshots the max-available flow of every node the resolver
// may write.
func (r *FlowLimitResolver) currentLimits() map[string]float64 {
	out := make(map[string]float64)
	for _, sys := range r.net.AirSystems() {
		for _, id := range sys.SupplyOutletNodes {
			if n := r.net.Node(id); n != nil {
				out[id] = n.MassFlowRateMaxAvail
			}
		}
	}
	for _, tu := range r.net.TerminalUnits() {
		if n := r.net.Node(tu.InletNode); n != nil {
			out[n.ID] = n.MassFlowRateMaxAvail
		}
	}
	return out
}

// limitsChanged compares granted against the limits of the previous sweep.
// A node without a remembered limit is compared against the value it held
// before this resolution.
func limitsChanged(prev, before, granted map[string]float64) bool {
	for k, v := range granted {
		old, ok := prev[k]
		if !ok {
			old, ok = before[k]
		}
		if !ok || math.Abs(old-v) > flowEpsilon {
			return true
		}
	}
	return false
}
