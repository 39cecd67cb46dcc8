package core

import (
	"fmt"
	"strconv"

	"github.com/signalsfoundry/hvac-convergence/model"
)

// Channel identifies the physical quantity a convergence check is made on.
// It is a closed set; every variant carries its own display and tolerance
// metadata through Info.
type Channel int

const (
	ChannelMassFlow Channel = iota
	ChannelHumidityRatio
	ChannelTemperature
	ChannelEnergy
	ChannelCO2
	ChannelGeneric

	numChannels
)

// ChannelInfo is the metadata attached to a Channel.
type ChannelInfo struct {
	Channel          Channel
	Name             string // stable identifier, used for metric labels and storage
	Quantity         string // human readable quantity name
	Unit             string
	Precision        int // decimals used when printing check values
	DefaultTolerance float64

	nodeValue func(*model.Node) float64
}

var channelInfo = [numChannels]ChannelInfo{
	ChannelMassFlow: {
		Channel: ChannelMassFlow, Name: "mass_flow", Quantity: "mass flow rate", Unit: "kg/s",
		Precision: 6, DefaultTolerance: 0.01,
		nodeValue: func(n *model.Node) float64 { return n.MassFlowRate },
	},
	ChannelHumidityRatio: {
		Channel: ChannelHumidityRatio, Name: "humidity_ratio", Quantity: "humidity ratio", Unit: "kgWater/kgDryAir",
		Precision: 6, DefaultTolerance: 0.0001,
		nodeValue: func(n *model.Node) float64 { return n.HumRat },
	},
	ChannelTemperature: {
		Channel: ChannelTemperature, Name: "temperature", Quantity: "temperature", Unit: "C",
		Precision: 4, DefaultTolerance: 0.01,
		nodeValue: func(n *model.Node) float64 { return n.Temp },
	},
	ChannelEnergy: {
		Channel: ChannelEnergy, Name: "energy", Quantity: "energy rate", Unit: "W",
		Precision: 2, DefaultTolerance: 10,
		nodeValue: func(n *model.Node) float64 { return n.EnergyRate() },
	},
	ChannelCO2: {
		Channel: ChannelCO2, Name: "co2", Quantity: "CO2 concentration", Unit: "ppm",
		Precision: 3, DefaultTolerance: 1,
		nodeValue: func(n *model.Node) float64 { return n.CO2 },
	},
	ChannelGeneric: {
		Channel: ChannelGeneric, Name: "generic_contaminant", Quantity: "generic contaminant concentration", Unit: "ppm",
		Precision: 3, DefaultTolerance: 1,
		nodeValue: func(n *model.Node) float64 { return n.GenContam },
	},
}

// Channels returns every channel in declaration order.
func Channels() []Channel {
	out := make([]Channel, 0, numChannels)
	for c := Channel(0); c < numChannels; c++ {
		out = append(out, c)
	}
	return out
}

// ParseChannel maps a channel name back to its Channel.
func ParseChannel(name string) (Channel, error) {
	for c := Channel(0); c < numChannels; c++ {
		if channelInfo[c].Name == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown convergence channel %q", name)
}

// Valid reports whether c is one of the declared channels.
func (c Channel) Valid() bool { return c >= 0 && c < numChannels }

// Info returns the channel metadata. It panics on an invalid channel.
func (c Channel) Info() ChannelInfo {
	if !c.Valid() {
		panic(fmt.Sprintf("core: invalid channel %d", int(c)))
	}
	return channelInfo[c]
}

func (c Channel) String() string {
	if !c.Valid() {
		return "Channel(" + strconv.Itoa(int(c)) + ")"
	}
	return channelInfo[c].Name
}

// NodeValue extracts the channel's quantity from n. A nil node reads zero.
func (c Channel) NodeValue(n *model.Node) float64 {
	if n == nil || !c.Valid() {
		return 0
	}
	return channelInfo[c].nodeValue(n)
}

// Format prints v with the channel's precision.
func (c Channel) Format(v float64) string {
	return strconv.FormatFloat(v, 'f', c.Info().Precision, 64)
}

// Interface is one of the three supply/demand interfaces of an air system on
// which residuals are checked.
type Interface int

const (
	DemandToSupply Interface = iota
	SupplyDeck1ToDemand
	SupplyDeck2ToDemand

	numInterfaces
)

var interfaceNames = [numInterfaces]string{
	DemandToSupply:      "Demand-to-Supply",
	SupplyDeck1ToDemand: "Supply Deck 1-to-Demand",
	SupplyDeck2ToDemand: "Supply Deck 2-to-Demand",
}

func (i Interface) String() string {
	if i < 0 || i >= numInterfaces {
		return "Interface(" + strconv.Itoa(int(i)) + ")"
	}
	return interfaceNames[i]
}
