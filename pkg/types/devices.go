package types

import (
	"fmt"
	"math"
)

// HourWindow is a range of local hours of day [Start, End). When End <= Start
// the window wraps past midnight, so {22, 6} covers 22:00 through 05:59.
// Equal Start and End cover the whole day.
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains returns true if the hour of day falls in the window.
func (w HourWindow) Contains(hour int) bool {
	if w.Start == w.End {
		return true
	}
	if w.Start < w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

func (w HourWindow) validate() error {
	if w.Start < 0 || w.Start > 23 || w.End < 0 || w.End > 24 {
		return fmt.Errorf("invalid hour window [%d, %d)", w.Start, w.End)
	}
	return nil
}

// InWindows returns true if the hour is in any of the windows. No windows
// means always allowed.
func InWindows(windows []HourWindow, hour int) bool {
	if len(windows) == 0 {
		return true
	}
	for _, w := range windows {
		if w.Contains(hour) {
			return true
		}
	}
	return false
}

// BatterySpec describes a stationary battery on the DC bus. SoC values are
// fractions of CapacityWh.
type BatterySpec struct {
	CapacityWh          float64 `json:"capacityWh"`
	MinSoC              float64 `json:"minSoC"`
	MaxSoC              float64 `json:"maxSoC"`
	MaxChargeW          float64 `json:"maxChargeW"`
	MaxDischargeW       float64 `json:"maxDischargeW"`
	ChargeEfficiency    float64 `json:"chargeEfficiency"`
	DischargeEfficiency float64 `json:"dischargeEfficiency"`
	// TargetEndSoC is the SoC the battery should hold at the end of the
	// horizon. 0 disables the check.
	TargetEndSoC float64 `json:"targetEndSoC,omitempty"`
}

// InverterSpec converts between the DC bus (PV, battery) and the AC bus (load,
// grid, EV). An ACToDCEfficiency of 0 disables charging the battery from AC.
type InverterSpec struct {
	DCToACEfficiency float64 `json:"dcToACEfficiency"`
	ACToDCEfficiency float64 `json:"acToDCEfficiency"`
}

// EVSpec describes an electric vehicle charged from the AC bus.
type EVSpec struct {
	Name             string  `json:"name"`
	CapacityWh       float64 `json:"capacityWh"`
	MaxChargeW       float64 `json:"maxChargeW"`
	ChargeEfficiency float64 `json:"chargeEfficiency"`
	// MinTargetSoC must be reached by DeadlineHour (local hour of day).
	MinTargetSoC float64 `json:"minTargetSoC"`
	DeadlineHour int     `json:"deadlineHour"`
	// ChargeLevels are the allowed fractions of MaxChargeW. Level 0 must be
	// included so the EV can idle.
	ChargeLevels []float64 `json:"chargeLevels"`
	// PluggedIn lists the hours of day the EV is available to charge.
	PluggedIn []HourWindow `json:"pluggedIn,omitempty"`
}

// ApplianceSpec describes a deferrable appliance that runs exactly once.
type ApplianceSpec struct {
	Name          string       `json:"name"`
	EnergyWh      float64      `json:"energyWh"`
	DurationHours int          `json:"durationHours"`
	Windows       []HourWindow `json:"windows,omitempty"`
}

// DeviceSpecs holds every controllable device of the household.
type DeviceSpecs struct {
	Battery    *BatterySpec    `json:"battery,omitempty"`
	Inverter   InverterSpec    `json:"inverter"`
	EV         *EVSpec         `json:"ev,omitempty"`
	Appliances []ApplianceSpec `json:"appliances,omitempty"`
}

// DeviceStates is the measured state at the start of the horizon.
type DeviceStates struct {
	BatterySoC float64 `json:"batterySoC"`
	EVSoC      float64 `json:"evSoC"`
}

func fraction(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0, 1]: %v", name, v)
	}
	return nil
}

func positive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%s must be positive: %v", name, v)
	}
	return nil
}

// Validate checks the battery spec.
func (b BatterySpec) Validate() error {
	if err := positive("battery capacityWh", b.CapacityWh); err != nil {
		return err
	}
	if err := fraction("battery minSoC", b.MinSoC); err != nil {
		return err
	}
	if err := fraction("battery maxSoC", b.MaxSoC); err != nil {
		return err
	}
	if b.MinSoC > b.MaxSoC {
		return fmt.Errorf("battery minSoC %v is above maxSoC %v", b.MinSoC, b.MaxSoC)
	}
	if b.MaxChargeW < 0 || b.MaxDischargeW < 0 {
		return fmt.Errorf("battery power limits must not be negative")
	}
	if err := positive("battery chargeEfficiency", b.ChargeEfficiency); err != nil {
		return err
	}
	if err := fraction("battery chargeEfficiency", b.ChargeEfficiency); err != nil {
		return err
	}
	if err := positive("battery dischargeEfficiency", b.DischargeEfficiency); err != nil {
		return err
	}
	if err := fraction("battery dischargeEfficiency", b.DischargeEfficiency); err != nil {
		return err
	}
	return fraction("battery targetEndSoC", b.TargetEndSoC)
}

// Validate checks the EV spec.
func (e EVSpec) Validate() error {
	if err := positive("ev capacityWh", e.CapacityWh); err != nil {
		return err
	}
	if e.MaxChargeW < 0 {
		return fmt.Errorf("ev maxChargeW must not be negative: %v", e.MaxChargeW)
	}
	if err := positive("ev chargeEfficiency", e.ChargeEfficiency); err != nil {
		return err
	}
	if err := fraction("ev chargeEfficiency", e.ChargeEfficiency); err != nil {
		return err
	}
	if err := fraction("ev minTargetSoC", e.MinTargetSoC); err != nil {
		return err
	}
	if e.DeadlineHour < 0 || e.DeadlineHour > 23 {
		return fmt.Errorf("ev deadlineHour must be within [0, 23]: %d", e.DeadlineHour)
	}
	if len(e.ChargeLevels) == 0 {
		return fmt.Errorf("ev needs at least one charge level")
	}
	for _, l := range e.ChargeLevels {
		if err := fraction("ev charge level", l); err != nil {
			return err
		}
	}
	for _, w := range e.PluggedIn {
		if err := w.validate(); err != nil {
			return fmt.Errorf("ev pluggedIn: %w", err)
		}
	}
	return nil
}

// Validate checks the appliance spec.
func (a ApplianceSpec) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("appliance name is required")
	}
	if math.IsNaN(a.EnergyWh) || a.EnergyWh < 0 {
		return fmt.Errorf("appliance %s energyWh must not be negative", a.Name)
	}
	if a.DurationHours < 1 {
		return fmt.Errorf("appliance %s durationHours must be at least 1", a.Name)
	}
	for _, w := range a.Windows {
		if err := w.validate(); err != nil {
			return fmt.Errorf("appliance %s: %w", a.Name, err)
		}
	}
	return nil
}

// Validate checks every device spec.
func (d DeviceSpecs) Validate() error {
	if err := positive("inverter dcToACEfficiency", d.Inverter.DCToACEfficiency); err != nil {
		return err
	}
	if err := fraction("inverter dcToACEfficiency", d.Inverter.DCToACEfficiency); err != nil {
		return err
	}
	if err := fraction("inverter acToDCEfficiency", d.Inverter.ACToDCEfficiency); err != nil {
		return err
	}
	if d.Battery != nil {
		if err := d.Battery.Validate(); err != nil {
			return err
		}
	}
	if d.EV != nil {
		if err := d.EV.Validate(); err != nil {
			return err
		}
	}
	for _, a := range d.Appliances {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy so a run can't observe later edits.
func (d DeviceSpecs) Clone() DeviceSpecs {
	c := DeviceSpecs{Inverter: d.Inverter}
	if d.Battery != nil {
		b := *d.Battery
		c.Battery = &b
	}
	if d.EV != nil {
		e := *d.EV
		e.ChargeLevels = append([]float64(nil), d.EV.ChargeLevels...)
		e.PluggedIn = append([]HourWindow(nil), d.EV.PluggedIn...)
		c.EV = &e
	}
	for _, a := range d.Appliances {
		a.Windows = append([]HourWindow(nil), a.Windows...)
		c.Appliances = append(c.Appliances, a)
	}
	return c
}
