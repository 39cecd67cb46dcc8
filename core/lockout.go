package core

import "math"

// LockoutResolver decides whether an air loop pass can be skipped because no
// controlled zone has any demand left to serve.
type LockoutResolver struct {
	zones    ZoneDemandCache
	deadband float64
}

// NewLockoutResolver reads demands from zones and treats magnitudes up to
// deadband as zero.
func NewLockoutResolver(zones ZoneDemandCache, deadband float64) *LockoutResolver {
	return &LockoutResolver{zones: zones, deadband: deadband}
}

// Resolve returns false when every controlled zone's sensible and latent
// demand is within the deadband, and simAir unchanged otherwise. It only
// reads the demand cache.
func (r *LockoutResolver) Resolve(simAir bool) bool {
	if r == nil || r.zones == nil {
		return simAir
	}
	for _, z := range r.zones.ControlledZones() {
		if math.Abs(z.SensibleDemand) > r.deadband || math.Abs(z.LatentDemand) > r.deadband {
			return simAir
		}
	}
	return false
}
