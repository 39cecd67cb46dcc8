package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/hvac-convergence/core"
)

var (
	_ core.MetricsRecorder        = (*ConvergenceCollector)(nil)
	_ core.ReportChannelRegistrar = (*ConvergenceCollector)(nil)
)

// ConvergenceCollector bundles the Prometheus metrics of the HVAC
// convergence loop. It implements core.MetricsRecorder and
// core.ReportChannelRegistrar.
type ConvergenceCollector struct {
	gatherer prometheus.Gatherer

	Timesteps            *prometheus.CounterVec
	Sweeps               prometheus.Histogram
	NonConvergence       *prometheus.CounterVec
	ErrCount             prometheus.Gauge
	Lockouts             prometheus.Counter
	FlowLimitAdjustments prometheus.Counter
	ReportChannels       *prometheus.GaugeVec
}

// NewConvergenceCollector registers convergence metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewConvergenceCollector(reg prometheus.Registerer) (*ConvergenceCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	timesteps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hvac_timesteps_total",
		Help: "Zone timesteps whose HVAC solution was managed, labeled by whether it converged.",
	}, []string{"converged"}), "hvac_timesteps_total")
	if err != nil {
		return nil, err
	}

	sweeps, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hvac_sweeps_per_timestep",
		Help:    "Number of Gauss-Seidel sweeps needed per zone timestep.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 30, 50},
	}), "hvac_sweeps_per_timestep")
	if err != nil {
		return nil, err
	}

	nonConvergence, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hvac_nonconvergence_total",
		Help: "Non-converged timesteps per air system and convergence channel.",
	}, []string{"air_system", "channel"}), "hvac_nonconvergence_total")
	if err != nil {
		return nil, err
	}

	errCount, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hvac_err_count",
		Help: "Run-wide count of timesteps that exhausted the sweep budget.",
	}), "hvac_err_count")
	if err != nil {
		return nil, err
	}

	lockouts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hvac_air_loop_lockouts_total",
		Help: "Sweeps in which the air loop pass was skipped because every controlled zone was satisfied.",
	}), "hvac_air_loop_lockouts_total")
	if err != nil {
		return nil, err
	}

	adjustments, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hvac_flow_limit_adjustments_total",
		Help: "Sweeps in which air loop flow limits changed and forced another pass.",
	}), "hvac_flow_limit_adjustments_total")
	if err != nil {
		return nil, err
	}

	channels, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hvac_report_channel_info",
		Help: "Convergence channels that diagnostics may be reported on, with their default tolerance as value.",
	}, []string{"channel", "unit"}), "hvac_report_channel_info")
	if err != nil {
		return nil, err
	}

	return &ConvergenceCollector{
		gatherer:             gatherer,
		Timesteps:            timesteps,
		Sweeps:               sweeps,
		NonConvergence:       nonConvergence,
		ErrCount:             errCount,
		Lockouts:             lockouts,
		FlowLimitAdjustments: adjustments,
		ReportChannels:       channels,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ConvergenceCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ConvergenceCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTimestep records one managed timestep.
func (c *ConvergenceCollector) ObserveTimestep(iterations int, converged bool) {
	if c == nil {
		return
	}
	c.Timesteps.WithLabelValues(strconv.FormatBool(converged)).Inc()
	c.Sweeps.Observe(float64(iterations))
}

// IncNonConvergence counts one non-converged channel on an air system.
func (c *ConvergenceCollector) IncNonConvergence(airSystem, channel string) {
	if c == nil {
		return
	}
	c.NonConvergence.WithLabelValues(airSystem, channel).Inc()
}

// IncLockout counts one skipped air loop pass.
func (c *ConvergenceCollector) IncLockout() {
	if c == nil {
		return
	}
	c.Lockouts.Inc()
}

// IncFlowLimitAdjustment counts one sweep with changed flow limits.
func (c *ConvergenceCollector) IncFlowLimitAdjustment() {
	if c == nil {
		return
	}
	c.FlowLimitAdjustments.Inc()
}

// SetErrCount mirrors the run-wide error count.
func (c *ConvergenceCollector) SetErrCount(n int) {
	if c == nil {
		return
	}
	c.ErrCount.Set(float64(n))
}

// RegisterReportChannels publishes the tracked channels and pre-seeds the
// timestep counters so dashboards see zero rather than no data.
func (c *ConvergenceCollector) RegisterReportChannels(_ context.Context, channels []core.ChannelInfo) error {
	if c == nil {
		return nil
	}
	for _, ch := range channels {
		c.ReportChannels.WithLabelValues(ch.Name, ch.Unit).Set(ch.DefaultTolerance)
	}
	c.Timesteps.WithLabelValues("true")
	c.Timesteps.WithLabelValues("false")
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
