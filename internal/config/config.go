// Package config loads run settings from flags, HVAC_-prefixed environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/hvac-convergence/core"
	"github.com/signalsfoundry/hvac-convergence/internal/logging"
	"github.com/signalsfoundry/hvac-convergence/internal/observability"
	"github.com/signalsfoundry/hvac-convergence/timectrl"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HVAC"

// ErrMissingKey is returned when a required key is absent from every source.
var ErrMissingKey = errors.New("required configuration key not set")

const (
	keyMaxIter         = "convergence.max_iter"
	keyMaxErrCount     = "convergence.max_err_count"
	keyTolerances      = "convergence.tolerances"
	keyLockoutDeadband = "convergence.lockout_deadband"
	keyHistoryDepth    = "convergence.history_depth"
	keyFlowPasses      = "convergence.flow_resolution_passes"
	keyTrackCO2        = "convergence.track_co2"
	keyTrackGeneric    = "convergence.track_generic"
	keyLogLevel        = "log.level"
	keyLogFormat       = "log.format"
	keyTracingEnabled  = "tracing.enabled"
	keyTracingExporter = "tracing.exporter"
	keyTracingEndpoint = "tracing.otlp_endpoint"
	keyTracingRatio    = "tracing.sample_ratio"
	keyTracingService  = "tracing.service_name"
	keyMetricsAddr     = "metrics.addr"
	keyStorePath       = "store.path"
	keyScenarioPath    = "scenario.path"
	keyClockTick       = "clock.tick"
	keyClockMode       = "clock.mode"
)

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"max-iter":               keyMaxIter,
	"max-err-count":          keyMaxErrCount,
	"lockout-deadband":       keyLockoutDeadband,
	"history-depth":          keyHistoryDepth,
	"flow-resolution-passes": keyFlowPasses,
	"track-co2":              keyTrackCO2,
	"track-generic":          keyTrackGeneric,
	"log-level":              keyLogLevel,
	"log-format":             keyLogFormat,
	"tracing":                keyTracingEnabled,
	"tracing-exporter":       keyTracingExporter,
	"metrics-addr":           keyMetricsAddr,
	"store":                  keyStorePath,
	"scenario":               keyScenarioPath,
	"tick":                   keyClockTick,
	"mode":                   keyClockMode,
}

// Settings is the fully resolved configuration of one simulator run.
type Settings struct {
	Convergence  core.Config
	Logging      logging.Config
	Tracing      observability.TracingConfig
	MetricsAddr  string // empty disables the /metrics listener
	StorePath    string // empty disables the convergence history store
	ScenarioPath string
	Tick         time.Duration
	Mode         timectrl.Mode
}

// AddFlags registers the simulator flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML configuration file")
	fs.Int("max-iter", 0, "Maximum Gauss-Seidel sweeps per zone timestep (required)")
	fs.Int("max-err-count", 0, "Severe non-convergence messages reported per air system and channel before suppression (required)")
	fs.Float64("lockout-deadband", core.DefaultLockoutDeadband, "Zone demand magnitude (W) below which the air loop pass is skipped")
	fs.Int("history-depth", core.DefaultHistoryDepth, "Iteration check values kept per air system interface")
	fs.Int("flow-resolution-passes", core.DefaultFlowResolutionPasses, "Maximum flow-limit reconciliation passes per sweep")
	fs.Bool("track-co2", false, "Check the CO2 channel for convergence")
	fs.Bool("track-generic", false, "Check the generic contaminant channel for convergence")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("log-format", "text", "Log format: text or json")
	fs.Bool("tracing", false, "Enable OpenTelemetry tracing")
	fs.String("tracing-exporter", "stdout", "Tracing exporter: stdout or otlp")
	fs.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables it")
	fs.String("store", "", "SQLite file recording convergence history; empty disables it")
	fs.String("scenario", "configs/scenario.hcl", "HCL building scenario")
	fs.Duration("tick", 15*time.Minute, "Zone timestep length")
	fs.String("mode", "accelerated", "Clock mode: accelerated or realtime")
}

// Load resolves Settings from the parsed flag set, the environment and the
// file named by --config. Flags win over the environment, which wins over
// the file.
func Load(fs *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Settings{}, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return Settings{}, fmt.Errorf("read config file %q: %w", f.Value.String(), err)
			}
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyLockoutDeadband, core.DefaultLockoutDeadband)
	v.SetDefault(keyHistoryDepth, core.DefaultHistoryDepth)
	v.SetDefault(keyFlowPasses, core.DefaultFlowResolutionPasses)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "text")
	v.SetDefault(keyTracingExporter, "stdout")
	v.SetDefault(keyTracingRatio, 1.0)
	v.SetDefault(keyTracingService, "hvac-convergence")
	v.SetDefault(keyMetricsAddr, ":9090")
	v.SetDefault(keyScenarioPath, "configs/scenario.hcl")
	v.SetDefault(keyClockTick, 15*time.Minute)
	v.SetDefault(keyClockMode, "accelerated")
}

func fromViper(v *viper.Viper) (Settings, error) {
	for _, key := range []string{keyMaxIter, keyMaxErrCount} {
		if !v.IsSet(key) {
			return Settings{}, fmt.Errorf("%w: %s (flag, %s_%s or config file)",
				ErrMissingKey, key, EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
		}
	}

	tolerances, err := readTolerances(v)
	if err != nil {
		return Settings{}, err
	}

	conv := core.Config{
		MaxIter:              v.GetInt(keyMaxIter),
		MaxErrCount:          v.GetInt(keyMaxErrCount),
		Tolerances:           tolerances,
		LockoutDeadband:      v.GetFloat64(keyLockoutDeadband),
		HistoryDepth:         v.GetInt(keyHistoryDepth),
		FlowResolutionPasses: v.GetInt(keyFlowPasses),
		TrackCO2:             v.GetBool(keyTrackCO2),
		TrackGeneric:         v.GetBool(keyTrackGeneric),
	}
	if err := conv.Validate(); err != nil {
		return Settings{}, err
	}

	mode, err := timectrl.ParseMode(v.GetString(keyClockMode))
	if err != nil {
		return Settings{}, fmt.Errorf("%w: clock.mode: %v", core.ErrInvalidConfig, err)
	}
	tick := v.GetDuration(keyClockTick)
	if tick <= 0 {
		return Settings{}, fmt.Errorf("%w: clock.tick must be positive, got %s", core.ErrInvalidConfig, tick)
	}
	tracing := observability.TracingConfig{
		Enabled:     v.GetBool(keyTracingEnabled),
		ServiceName: v.GetString(keyTracingService),
		Exporter:    v.GetString(keyTracingExporter),
		Endpoint:    v.GetString(keyTracingEndpoint),
		SampleRatio: v.GetFloat64(keyTracingRatio),
	}.WithDefaults()
	if err := tracing.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}

	return Settings{
		Convergence: conv,
		Logging: logging.Config{
			Level:  v.GetString(keyLogLevel),
			Format: v.GetString(keyLogFormat),
		},
		Tracing:      tracing,
		MetricsAddr:  v.GetString(keyMetricsAddr),
		StorePath:    v.GetString(keyStorePath),
		ScenarioPath: v.GetString(keyScenarioPath),
		Tick:         tick,
		Mode:         mode,
	}, nil
}

// readTolerances collects per-channel overrides from convergence.tolerances.
// Channel names in the file are checked; the environment can only override
// known channels.
func readTolerances(v *viper.Viper) (map[core.Channel]float64, error) {
	for name := range v.GetStringMap(keyTolerances) {
		if _, err := core.ParseChannel(name); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidConfig, keyTolerances, err)
		}
	}
	var out map[core.Channel]float64
	for _, ch := range core.Channels() {
		key := keyTolerances + "." + ch.String()
		if !v.IsSet(key) {
			continue
		}
		if out == nil {
			out = make(map[core.Channel]float64)
		}
		out[ch] = v.GetFloat64(key)
	}
	return out, nil
}
