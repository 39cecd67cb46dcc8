package model

// AirSystem is a central air handler serving one or more zones through up to
// two supply decks.
type AirSystem struct {
	ID    string
	Name  string
	Index int // position in the model, assigned by the store

	// DesignMaxFlow and DesignMinFlow bound the total supply flow (kg/s).
	DesignMaxFlow float64
	DesignMinFlow float64

	// SupplyAirTemp is the supply outlet setpoint (°C).
	SupplyAirTemp float64

	// Supply side: return air enters at SupplyInletNode and leaves through
	// one outlet per deck.
	SupplyInletNode   string
	SupplyOutletNodes []string

	// Demand side: one inlet per deck feeding the zone splitters, and the
	// return path back to the supply side.
	DemandInletNodes []string
	DemandOutletNode string

	// PlantLoopID names the plant loop serving this system's coils.
	PlantLoopID string
}

// Decks returns the number of supply decks (1 or 2).
func (a *AirSystem) Decks() int {
	return len(a.SupplyOutletNodes)
}

// TerminalUnit is the zone-level air terminal fed by one deck of an air
// system.
type TerminalUnit struct {
	ID          string
	ZoneID      string
	AirSystemID string
	Deck        int // 0-based supply deck
	InletNode   string

	DesignMaxFlow float64
	HardMinFlow   float64

	// MaxAvailFlow caches the limit the flow-limit resolver last granted.
	// It is restored to DesignMaxFlow at the start of every sweep.
	MaxAvailFlow float64

	// RequestedFlow is the unconstrained flow the zone equipment asked for.
	RequestedFlow float64
}
