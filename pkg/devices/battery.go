// Package devices advances device state by one hour. Every step is total:
// requests a device can't satisfy are clamped, never rejected.
package devices

import (
	"math"

	"github.com/raterudder/energyplan/pkg/types"
)

// Battery wraps a BatterySpec with hourly step logic.
type Battery struct {
	spec types.BatterySpec
}

// NewBattery returns a Battery for the given spec.
func NewBattery(spec types.BatterySpec) Battery {
	return Battery{spec: spec}
}

// Spec returns the underlying spec.
func (b Battery) Spec() types.BatterySpec {
	return b.spec
}

// BatteryStep is the outcome of one battery step.
type BatteryStep struct {
	// AppliedWh is the request after clamping. Positive is energy taken from
	// the bus for charging, negative is energy removed from storage.
	AppliedWh float64
	// StoredWh is the change in stored energy (negative when discharging).
	StoredWh float64
	// DeliveredWh is the energy handed to the bus when discharging.
	DeliveredWh float64
	LossWh      float64
	SoC         float64
}

// Step advances the battery by one hour. A positive request charges with that
// much bus energy and stores request*chargeEfficiency. A negative request
// removes that much from storage and delivers removed*dischargeEfficiency.
// The request is clipped to the power limit and so SoC stays within
// [MinSoC, MaxSoC].
func (b Battery) Step(soc, requestWh float64) BatteryStep {
	if math.IsNaN(requestWh) || requestWh == 0 {
		return BatteryStep{SoC: soc}
	}
	capWh := b.spec.CapacityWh
	storedWh := soc * capWh

	if requestWh > 0 {
		applied := min(requestWh, b.spec.MaxChargeW)
		roomWh := max(b.spec.MaxSoC*capWh-storedWh, 0)
		stored := applied * b.spec.ChargeEfficiency
		if stored > roomWh {
			stored = roomWh
			applied = stored / b.spec.ChargeEfficiency
		}
		return BatteryStep{
			AppliedWh: applied,
			StoredWh:  stored,
			LossWh:    applied - stored,
			SoC:       (storedWh + stored) / capWh,
		}
	}

	removed := min(-requestWh, b.spec.MaxDischargeW)
	removed = min(removed, max(storedWh-b.spec.MinSoC*capWh, 0))
	delivered := removed * b.spec.DischargeEfficiency
	return BatteryStep{
		AppliedWh:   -removed,
		StoredWh:    -removed,
		DeliveredWh: delivered,
		LossWh:      removed - delivered,
		SoC:         (storedWh - removed) / capWh,
	}
}

// ChargeHeadroomWh is the most bus energy the battery could still absorb this
// hour, given what it already took.
func (b Battery) ChargeHeadroomWh(soc, alreadyAppliedWh float64) float64 {
	power := max(b.spec.MaxChargeW-alreadyAppliedWh, 0)
	room := max(b.spec.MaxSoC*b.spec.CapacityWh-soc*b.spec.CapacityWh, 0) / b.spec.ChargeEfficiency
	return min(power, room)
}
