package core

import (
	"math"

	"github.com/signalsfoundry/hvac-convergence/internal/history"
	"github.com/signalsfoundry/hvac-convergence/model"
)

// ChannelResiduals holds the convergence state of one channel on one air
// system: a not-converged mark and an iteration history per interface.
type ChannelResiduals struct {
	NotConverged [numInterfaces]bool
	History      [numInterfaces]*history.Buffer
}

func newChannelResiduals(depth int) *ChannelResiduals {
	r := &ChannelResiduals{}
	for i := range r.History {
		r.History[i] = history.New(depth)
	}
	return r
}

// Converged reports whether every interface is within tolerance.
func (r *ChannelResiduals) Converged() bool {
	for _, nc := range r.NotConverged {
		if nc {
			return false
		}
	}
	return true
}

func (r *ChannelResiduals) reset() {
	for i := range r.History {
		r.History[i].Reset()
		r.NotConverged[i] = false
	}
}

// Failure names a channel that was out of tolerance on an air system.
type Failure struct {
	AirSystem     int
	AirSystemName string
	Channel       Channel
	NotConverged  [numInterfaces]bool
}

type systemResiduals struct {
	name     string
	channels [numChannels]*ChannelResiduals
}

// ResidualSet is the ConvergenceResidualSet of the whole model.
type ResidualSet struct {
	depth    int
	channels []Channel
	systems  []*systemResiduals
}

// NewResidualSet tracks the given channels with histories of depth entries.
func NewResidualSet(depth int, channels []Channel) *ResidualSet {
	return &ResidualSet{depth: depth, channels: channels}
}

// Reset clears every history and mark.
func (s *ResidualSet) Reset() {
	for _, sys := range s.systems {
		for _, r := range sys.channels {
			if r != nil {
				r.reset()
			}
		}
	}
}

// For returns the residuals of channel ch on air system sys, or nil when the
// pair is not tracked.
func (s *ResidualSet) For(sys int, ch Channel) *ChannelResiduals {
	if sys < 0 || sys >= len(s.systems) || !ch.Valid() {
		return nil
	}
	return s.systems[sys].channels[ch]
}

// Update pushes the current check values of every air system interface and
// returns whether all of them are within tolerance.
func (s *ResidualSet) Update(net FlowNetwork, tolerance func(Channel) float64) bool {
	systems := net.AirSystems()
	s.ensure(systems)

	allOK := true
	for i, sys := range systems {
		for _, ch := range s.channels {
			r := s.systems[i].channels[ch]
			tol := tolerance(ch)
			for iface, v := range interfaceChecks(net, sys, ch) {
				if math.IsNaN(v) {
					continue
				}
				r.History[iface].Push(v)
				r.NotConverged[iface] = math.Abs(v) > tol
				if r.NotConverged[iface] {
					allOK = false
				}
			}
		}
	}
	return allOK
}

// Failures lists every tracked pair currently out of tolerance.
func (s *ResidualSet) Failures() []Failure {
	var out []Failure
	for i, sys := range s.systems {
		for _, ch := range s.channels {
			r := sys.channels[ch]
			if r == nil || r.Converged() {
				continue
			}
			out = append(out, Failure{
				AirSystem:     i,
				AirSystemName: sys.name,
				Channel:       ch,
				NotConverged:  r.NotConverged,
			})
		}
	}
	return out
}

func (s *ResidualSet) ensure(systems []*model.AirSystem) {
	for len(s.systems) < len(systems) {
		sr := &systemResiduals{}
		for _, ch := range s.channels {
			sr.channels[ch] = newChannelResiduals(s.depth)
		}
		s.systems = append(s.systems, sr)
	}
	for i, sys := range systems {
		s.systems[i].name = displayName(sys)
	}
}

// interfaceChecks returns the check value of ch on each interface of sys.
// Interfaces the system does not have read NaN.
func interfaceChecks(net FlowNetwork, sys *model.AirSystem, ch Channel) [numInterfaces]float64 {
	var out [numInterfaces]float64
	out[DemandToSupply] = ch.NodeValue(net.Node(sys.DemandOutletNode)) - ch.NodeValue(net.Node(sys.SupplyInletNode))
	for deck := 0; deck < 2; deck++ {
		iface := SupplyDeck1ToDemand + Interface(deck)
		if deck >= len(sys.SupplyOutletNodes) || deck >= len(sys.DemandInletNodes) {
			out[iface] = math.NaN()
			continue
		}
		out[iface] = ch.NodeValue(net.Node(sys.SupplyOutletNodes[deck])) - ch.NodeValue(net.Node(sys.DemandInletNodes[deck]))
	}
	return out
}

func displayName(sys *model.AirSystem) string {
	if sys.Name != "" {
		return sys.Name
	}
	return sys.ID
}
