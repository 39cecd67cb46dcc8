package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

type pairKey struct {
	airSys  int
	channel Channel
}

type pairStats struct {
	name        string
	occurrences int
	emitted     int
}

// PairSummary is the run-end count for one (air system, channel) pair.
type PairSummary struct {
	AirSystem     int
	AirSystemName string
	Channel       Channel
	Occurrences   int
	Emitted       int
}

// Suppressed is the number of occurrences that produced no message text.
func (p PairSummary) Suppressed() int { return p.Occurrences - p.Emitted }

// Diagnostics formats non-convergence messages and throttles them per
// (air system, channel) pair.
type Diagnostics struct {
	maxErrCount int
	reporter    OutputReporter
	pairs       map[pairKey]*pairStats
}

// NewDiagnostics emits at most maxErrCount detailed messages per pair to
// reporter.
func NewDiagnostics(maxErrCount int, reporter OutputReporter) *Diagnostics {
	if reporter == nil {
		reporter = NewLogReporter(nil)
	}
	return &Diagnostics{
		maxErrCount: maxErrCount,
		reporter:    reporter,
		pairs:       make(map[pairKey]*pairStats),
	}
}

// Report records one non-convergence occurrence of ch on air system airSys
// and, while the pair is under its cap, emits a detailed message naming the
// worst offending interface. It returns whether text was emitted.
func (d *Diagnostics) Report(ctx context.Context, airSys int, airSysName string, ch Channel, res *ChannelResiduals) bool {
	key := pairKey{airSys: airSys, channel: ch}
	st, ok := d.pairs[key]
	if !ok {
		st = &pairStats{}
		d.pairs[key] = st
	}
	st.name = airSysName
	st.occurrences++
	if st.emitted >= d.maxErrCount {
		return false
	}
	st.emitted++
	d.reporter.LogSevere(ctx, formatNonConvergence(airSysName, ch, res, st.emitted, d.maxErrCount))
	return true
}

// Occurrences returns how many times the pair has been reported.
func (d *Diagnostics) Occurrences(airSys int, ch Channel) int {
	if st, ok := d.pairs[pairKey{airSys, ch}]; ok {
		return st.occurrences
	}
	return 0
}

// Emitted returns how many detailed messages the pair has produced.
func (d *Diagnostics) Emitted(airSys int, ch Channel) int {
	if st, ok := d.pairs[pairKey{airSys, ch}]; ok {
		return st.emitted
	}
	return 0
}

// Summary lists every reported pair ordered by air system then channel.
func (d *Diagnostics) Summary() []PairSummary {
	out := make([]PairSummary, 0, len(d.pairs))
	for k, st := range d.pairs {
		out = append(out, PairSummary{
			AirSystem:     k.airSys,
			AirSystemName: st.name,
			Channel:       k.channel,
			Occurrences:   st.occurrences,
			Emitted:       st.emitted,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AirSystem != out[j].AirSystem {
			return out[i].AirSystem < out[j].AirSystem
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func formatNonConvergence(name string, ch Channel, res *ChannelResiduals, n, limit int) string {
	info := ch.Info()
	var b strings.Builder
	fmt.Fprintf(&b, "Air System %q did not converge for %s [%s] (message %d of %d).\n", name, info.Quantity, info.Unit, n, limit)
	b.WriteString("Check values should be zero. Most recent values listed first.")
	if res == nil {
		return b.String()
	}

	mags := make([]float64, numInterfaces)
	for iface := Interface(0); iface < numInterfaces; iface++ {
		h := res.History[iface]
		if h == nil || h.Len() == 0 {
			continue
		}
		vals := h.Values()
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = ch.Format(v)
		}
		status := "converged"
		if res.NotConverged[iface] {
			status = "not converged"
		}
		fmt.Fprintf(&b, "\n%s interface %s check value iteration history trace (%s): %s",
			iface, info.Quantity, status, strings.Join(parts, ", "))
		if _, v := h.MaxAbs(); res.NotConverged[iface] {
			mags[iface] = math.Abs(v)
		}
	}

	if worst := floats.MaxIdx(mags); mags[worst] > 0 {
		idx, v := res.History[worst].MaxAbs()
		fmt.Fprintf(&b, "\nWorst offending interface: %s, %d iteration(s) back, check value %s %s.",
			Interface(worst), idx, ch.Format(v), info.Unit)
	}
	return b.String()
}
