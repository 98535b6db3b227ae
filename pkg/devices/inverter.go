package devices

import (
	"github.com/raterudder/energyplan/pkg/types"
)

// Inverter converts energy between the DC and AC buses.
type Inverter struct {
	spec types.InverterSpec
}

// NewInverter returns an Inverter for the given spec.
func NewInverter(spec types.InverterSpec) Inverter {
	return Inverter{spec: spec}
}

// DCToAC converts dcWh from the DC bus and returns the AC output and the loss.
func (i Inverter) DCToAC(dcWh float64) (acWh, lossWh float64) {
	if dcWh <= 0 || i.spec.DCToACEfficiency <= 0 {
		return 0, 0
	}
	acWh = dcWh * i.spec.DCToACEfficiency
	return acWh, dcWh - acWh
}

// ACToDC converts acWh from the AC bus and returns the DC output and the loss.
// With a zero efficiency nothing is converted.
func (i Inverter) ACToDC(acWh float64) (dcWh, lossWh float64) {
	if acWh <= 0 || i.spec.ACToDCEfficiency <= 0 {
		return 0, 0
	}
	dcWh = acWh * i.spec.ACToDCEfficiency
	return dcWh, acWh - dcWh
}

// CanChargeFromAC returns true if grid energy can reach the battery.
func (i Inverter) CanChargeFromAC() bool {
	return i.spec.ACToDCEfficiency > 0
}

// DCNeededForAC returns the DC energy needed to deliver acWh.
func (i Inverter) DCNeededForAC(acWh float64) float64 {
	if acWh <= 0 || i.spec.DCToACEfficiency <= 0 {
		return 0
	}
	return acWh / i.spec.DCToACEfficiency
}

// ACNeededForDC returns the AC energy needed to deliver dcWh.
func (i Inverter) ACNeededForDC(dcWh float64) float64 {
	if dcWh <= 0 || i.spec.ACToDCEfficiency <= 0 {
		return 0
	}
	return dcWh / i.spec.ACToDCEfficiency
}
