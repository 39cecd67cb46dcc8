package model

// Zone is a thermal zone with its cached load-to-setpoint demand.
type Zone struct {
	ID         string
	Name       string
	Group      string // zone group name, empty if ungrouped
	Multiplier int
	Controlled bool

	// Cached demand (W) for the current timestep. Positive heating,
	// negative cooling.
	SensibleDemand float64
	LatentDemand   float64

	Temp   float64 // zone air temperature (°C)
	HumRat float64

	InletNodes   []string
	ExhaustNodes []string

	// AirBalance is refreshed by the air balance report.
	AirBalance AirBalance
}

// AirBalance summarises the mass flows entering and leaving a zone.
type AirBalance struct {
	SupplyFlow  float64
	ExhaustFlow float64
	Imbalance   float64 // supply - exhaust
}

// ZoneGroup aggregates zones that are replicated as a unit.
type ZoneGroup struct {
	Name       string
	Multiplier int
	Zones      []string

	// Aggregated loads (W), refreshed after every timestep.
	SensibleLoad float64
	LatentLoad   float64
}
