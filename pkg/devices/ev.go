package devices

import (
	"github.com/raterudder/energyplan/pkg/types"
)

// EV wraps an EVSpec with hourly step logic.
type EV struct {
	spec types.EVSpec
}

// NewEV returns an EV for the given spec.
func NewEV(spec types.EVSpec) EV {
	return EV{spec: spec}
}

// Spec returns the underlying spec.
func (e EV) Spec() types.EVSpec {
	return e.spec
}

// EVStep is the outcome of one EV step.
type EVStep struct {
	// DrawnWh is the energy taken from the AC bus.
	DrawnWh  float64
	StoredWh float64
	LossWh   float64
	SoC      float64
}

// Step charges the EV for one hour at the given charge level index while the
// car is plugged in during hourOfDay. Out of range levels are clamped and the
// charge stops at full capacity.
func (e EV) Step(soc float64, level int, hourOfDay int) EVStep {
	if len(e.spec.ChargeLevels) == 0 || !types.InWindows(e.spec.PluggedIn, hourOfDay) {
		return EVStep{SoC: soc}
	}
	level = min(max(level, 0), len(e.spec.ChargeLevels)-1)
	drawn := e.spec.ChargeLevels[level] * e.spec.MaxChargeW
	if drawn <= 0 {
		return EVStep{SoC: soc}
	}
	storedWh := soc * e.spec.CapacityWh
	room := max(e.spec.CapacityWh-storedWh, 0)
	stored := drawn * e.spec.ChargeEfficiency
	if stored > room {
		stored = room
		drawn = stored / e.spec.ChargeEfficiency
	}
	return EVStep{
		DrawnWh:  drawn,
		StoredWh: stored,
		LossWh:   drawn - stored,
		SoC:      (storedWh + stored) / e.spec.CapacityWh,
	}
}

// ShortfallWh is the energy missing to reach the minimum target SoC.
func (e EV) ShortfallWh(soc float64) float64 {
	return max(e.spec.MinTargetSoC-soc, 0) * e.spec.CapacityWh
}
