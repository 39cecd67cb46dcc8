package core

import (
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"minimal", Config{MaxIter: 1}, false},
		{"full", Config{MaxIter: 20, MaxErrCount: 5, Tolerances: map[Channel]float64{ChannelTemperature: 0.05}, HistoryDepth: 20}, false},
		{"missing max iter", Config{MaxErrCount: 5}, true},
		{"negative max err count", Config{MaxIter: 20, MaxErrCount: -1}, true},
		{"zero tolerance", Config{MaxIter: 20, Tolerances: map[Channel]float64{ChannelEnergy: 0}}, true},
		{"unknown channel", Config{MaxIter: 20, Tolerances: map[Channel]float64{Channel(42): 1}}, true},
		{"negative deadband", Config{MaxIter: 20, LockoutDeadband: -1}, true},
		{"negative history", Config{MaxIter: 20, HistoryDepth: -3}, true},
		{"negative passes", Config{MaxIter: 20, FlowResolutionPasses: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigDefaultsAndTolerances(t *testing.T) {
	cfg := Config{MaxIter: 20, Tolerances: map[Channel]float64{ChannelTemperature: 0.05}}.withDefaults()
	if cfg.HistoryDepth != DefaultHistoryDepth || cfg.FlowResolutionPasses != DefaultFlowResolutionPasses || cfg.LockoutDeadband != DefaultLockoutDeadband {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if got := cfg.Tolerance(ChannelTemperature); got != 0.05 {
		t.Fatalf("Tolerance(temperature) = %v, want override 0.05", got)
	}
	if got := cfg.Tolerance(ChannelEnergy); got != ChannelEnergy.Info().DefaultTolerance {
		t.Fatalf("Tolerance(energy) = %v, want channel default", got)
	}
	if got := len(cfg.TrackedChannels()); got != 4 {
		t.Fatalf("tracked channels = %d, want 4 without contaminants", got)
	}
	cfg.TrackGeneric = true
	chs := cfg.TrackedChannels()
	if chs[len(chs)-1] != ChannelGeneric || len(chs) != 5 {
		t.Fatalf("tracked channels = %v", chs)
	}
}

func TestChannelMetadata(t *testing.T) {
	for _, ch := range Channels() {
		info := ch.Info()
		if info.Channel != ch || info.Name == "" || info.Unit == "" || info.DefaultTolerance <= 0 {
			t.Fatalf("incomplete metadata for %d: %+v", int(ch), info)
		}
		parsed, err := ParseChannel(info.Name)
		if err != nil || parsed != ch {
			t.Fatalf("ParseChannel(%q) = %v, %v", info.Name, parsed, err)
		}
	}
	if _, err := ParseChannel("pressure"); err == nil {
		t.Fatalf("ParseChannel accepted an unknown channel")
	}
	if got := ChannelHumidityRatio.Format(0.00012345); got != "0.000123" {
		t.Fatalf("Format = %q", got)
	}
	if Channel(99).Valid() || Channel(99).String() != "Channel(99)" {
		t.Fatalf("invalid channel reported as valid")
	}
}
