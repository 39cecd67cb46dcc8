package model

// Node is a fluid-system connection point. It carries the flow state
// exchanged between components; the solver reads it and the flow-limit
// resolver may clamp its max/min available flow.
type Node struct {
	ID   string
	Name string

	// Mass flow state in kg/s.
	MassFlowRate         float64
	MassFlowRateMax      float64 // design (hard) maximum
	MassFlowRateMin      float64 // design (hard) minimum
	MassFlowRateMaxAvail float64
	MassFlowRateMinAvail float64

	Temp      float64 // °C
	HumRat    float64 // kg water / kg dry air
	Enthalpy  float64 // J/kg
	CO2       float64 // ppm
	GenContam float64 // ppm
}

// EnergyRate returns the node's enthalpy flow in W.
func (n *Node) EnergyRate() float64 {
	if n == nil {
		return 0
	}
	return n.MassFlowRate * n.Enthalpy
}

// ClampFlow limits MassFlowRate to the node's current avail window.
func (n *Node) ClampFlow() {
	if n.MassFlowRate > n.MassFlowRateMaxAvail {
		n.MassFlowRate = n.MassFlowRateMaxAvail
	}
	if n.MassFlowRate < n.MassFlowRateMinAvail {
		n.MassFlowRate = n.MassFlowRateMinAvail
	}
}
