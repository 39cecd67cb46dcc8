package core

import (
	"testing"

	"github.com/signalsfoundry/hvac-convergence/model"
)

type zoneList []*model.Zone

func (z zoneList) ControlledZones() []*model.Zone { return z }

func TestLockoutResolverResolve(t *testing.T) {
	tests := []struct {
		name  string
		zones zoneList
		want  map[bool]bool // incoming simAir -> result
	}{
		{
			name:  "no controlled zones",
			zones: nil,
			want:  map[bool]bool{true: false, false: false},
		},
		{
			name:  "all satisfied",
			zones: zoneList{{ID: "z1"}, {ID: "z2"}},
			want:  map[bool]bool{true: false, false: false},
		},
		{
			name:  "inside deadband",
			zones: zoneList{{ID: "z1", SensibleDemand: 1e-6, LatentDemand: -1e-6}},
			want:  map[bool]bool{true: false, false: false},
		},
		{
			name:  "sensible demand",
			zones: zoneList{{ID: "z1"}, {ID: "z2", SensibleDemand: -2e-6}},
			want:  map[bool]bool{true: true, false: false},
		},
		{
			name:  "latent demand",
			zones: zoneList{{ID: "z1", LatentDemand: 40}},
			want:  map[bool]bool{true: true, false: false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := make([][2]float64, len(tt.zones))
			for i, z := range tt.zones {
				before[i] = [2]float64{z.SensibleDemand, z.LatentDemand}
			}
			r := NewLockoutResolver(tt.zones, DefaultLockoutDeadband)
			for in, want := range tt.want {
				if got := r.Resolve(in); got != want {
					t.Fatalf("Resolve(%v) = %v, want %v", in, got, want)
				}
			}
			for i, z := range tt.zones {
				if (before[i] != [2]float64{z.SensibleDemand, z.LatentDemand}) {
					t.Fatalf("zone %s demand modified by Resolve", z.ID)
				}
			}
		})
	}
}

func TestLockoutResolverNilCache(t *testing.T) {
	r := NewLockoutResolver(nil, DefaultLockoutDeadband)
	if !r.Resolve(true) || r.Resolve(false) {
		t.Fatalf("nil demand cache should pass simAir through")
	}
}
