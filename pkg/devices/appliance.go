package devices

import (
	"github.com/raterudder/energyplan/pkg/types"
)

// Appliance wraps an ApplianceSpec with hourly step logic.
type Appliance struct {
	spec types.ApplianceSpec
}

// NewAppliance returns an Appliance for the given spec.
func NewAppliance(spec types.ApplianceSpec) Appliance {
	return Appliance{spec: spec}
}

// Spec returns the underlying spec.
func (a Appliance) Spec() types.ApplianceSpec {
	return a.spec
}

// ApplianceState tracks a single run of an appliance.
type ApplianceState struct {
	// RemainingHours left in the current run
	RemainingHours int
	// Started is set once the appliance has started (or was refused a start).
	Started bool
}

// ApplianceStep is the outcome of one appliance step.
type ApplianceStep struct {
	State    ApplianceState
	Running  bool
	EnergyWh float64
	// Blocked is set when a start was requested outside every allowed window.
	Blocked bool
}

// Step advances the appliance by one hour. A run, once started, consumes
// EnergyWh/DurationHours every hour until done, even across midnight. A start
// outside the allowed windows is refused and the appliance does not run.
func (a Appliance) Step(state ApplianceState, start bool, hourOfDay int) ApplianceStep {
	perHour := a.spec.EnergyWh / float64(max(a.spec.DurationHours, 1))
	if state.RemainingHours > 0 {
		state.RemainingHours--
		return ApplianceStep{State: state, Running: true, EnergyWh: perHour}
	}
	if !start || state.Started {
		return ApplianceStep{State: state}
	}
	state.Started = true
	if !types.InWindows(a.spec.Windows, hourOfDay) {
		return ApplianceStep{State: state, Blocked: true}
	}
	state.RemainingHours = max(a.spec.DurationHours, 1) - 1
	return ApplianceStep{State: state, Running: true, EnergyWh: perHour}
}

// RemainingWh is the energy the current run has yet to consume.
func (a Appliance) RemainingWh(state ApplianceState) float64 {
	return a.spec.EnergyWh / float64(max(a.spec.DurationHours, 1)) * float64(state.RemainingHours)
}
