// Package simulation plays a chromosome against forecasts and device models.
// Simulate is a pure function: it never mutates its inputs and is safe to call
// from many goroutines at once.
package simulation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/raterudder/energyplan/pkg/devices"
	"github.com/raterudder/energyplan/pkg/types"
)

// ErrEnergyBalance is returned when an hour doesn't conserve energy. It always
// indicates a bug in the device models and is never scored as a penalty.
var ErrEnergyBalance = errors.New("energy balance violated")

// BalanceError carries the context of an energy balance violation.
type BalanceError struct {
	Hour       int
	InWh       float64
	OutWh      float64
	Chromosome types.Chromosome
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%s at hour %d: in=%.6fWh out=%.6fWh diff=%g", ErrEnergyBalance, e.Hour, e.InWh, e.OutWh, e.InWh-e.OutWh)
}

func (e *BalanceError) Unwrap() error {
	return ErrEnergyBalance
}

// Input is everything a simulation needs besides the chromosome. Callers copy
// forecasts and specs per run so a simulation never sees them change.
type Input struct {
	Layout    types.Layout
	Forecasts types.Forecasts
	Specs     types.DeviceSpecs
	Initial   types.DeviceStates
}

// Validate checks that the input is internally consistent.
func (in Input) Validate() error {
	if err := in.Forecasts.Validate(); err != nil {
		return fmt.Errorf("invalid forecasts: %w", err)
	}
	if err := in.Specs.Validate(); err != nil {
		return fmt.Errorf("invalid device specs: %w", err)
	}
	if in.Layout.Hours != in.Forecasts.Hours() {
		return fmt.Errorf("layout covers %d hours but forecasts cover %d", in.Layout.Hours, in.Forecasts.Hours())
	}
	if want := types.NewLayout(in.Layout.Hours, in.Layout.BatteryLevels, in.Specs); !want.Equal(in.Layout) {
		return fmt.Errorf("layout %s does not match devices (%s)", in.Layout.Key(), want.Key())
	}
	return nil
}

// Result is the outcome of one simulation.
type Result struct {
	Hours           []types.PlanHour
	Cost            float64
	SelfConsumption float64
	TotalPVWh       float64
	TotalImportWh   float64
	TotalExportWh   float64
	TotalLossWh     float64
	Penalties       map[types.PenaltyKind]float64
	FinalBatterySoC float64
	FinalEVSoC      float64
}

// PenaltySum is the unweighted sum of all violation magnitudes.
func (r Result) PenaltySum() float64 {
	var sum float64
	// fixed order keeps the float sum reproducible
	for _, k := range types.AllPenaltyKinds {
		sum += r.Penalties[k]
	}
	return sum
}

type genes struct {
	battery   []int
	dcCharge  []int
	ev        []int
	appliance []int
}

func split(l types.Layout, c types.Chromosome) genes {
	var g genes
	for _, b := range l.Blocks() {
		block := c[b.Offset : b.Offset+b.Len]
		switch b.Kind {
		case types.BlockBattery:
			g.battery = block
		case types.BlockDCCharge:
			g.dcCharge = block
		case types.BlockEV:
			g.ev = block
		case types.BlockAppliance:
			g.appliance = append(g.appliance, block[0])
		}
	}
	return g
}

// balanceEpsilon scales with the energy flowing through the hour.
func balanceEpsilon(in, out float64) float64 {
	return 1e-6 * max(1, math.Abs(in), math.Abs(out))
}

// Simulate runs the chromosome hour by hour. Energy flows per hour:
//
//	PV + import + batteryRemoved == load + appliances + evStored + batteryStored + export + losses
//
// PV lives on the DC bus with the battery; load, appliances, the EV and the
// grid are on the AC bus. PV first covers AC load, surplus either charges the
// battery (dc charge gene 1) or is exported. A negative battery gene lets the
// battery cover remaining load, a positive one charges it from the grid.
func Simulate(in Input, c types.Chromosome) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	if err := in.Layout.Validate(c); err != nil {
		return Result{}, fmt.Errorf("invalid chromosome: %w", err)
	}
	f := in.Forecasts
	hours := f.Hours()
	g := split(in.Layout, c)
	inv := devices.NewInverter(in.Specs.Inverter)

	var battery *devices.Battery
	if in.Specs.Battery != nil {
		b := devices.NewBattery(*in.Specs.Battery)
		battery = &b
	}
	var ev *devices.EV
	if in.Specs.EV != nil {
		e := devices.NewEV(*in.Specs.EV)
		ev = &e
	}
	appliances := make([]devices.Appliance, len(in.Specs.Appliances))
	for i, spec := range in.Specs.Appliances {
		appliances[i] = devices.NewAppliance(spec)
	}
	applianceStates := make([]devices.ApplianceState, len(appliances))

	res := Result{
		Hours:     make([]types.PlanHour, hours),
		Penalties: make(map[types.PenaltyKind]float64, len(types.AllPenaltyKinds)),
	}
	for _, k := range types.AllPenaltyKinds {
		res.Penalties[k] = 0
	}

	soc := in.Initial.BatterySoC
	evSoC := in.Initial.EVSoC
	deadlineChecked := false
	var pvExportedWh float64

	for h := 0; h < hours; h++ {
		hourOfDay := f.HourOfDay(h)
		pv := f.PV[h]
		ph := types.PlanHour{
			TS:       f.Start.Add(time.Duration(h) * time.Hour),
			PriceWh:  f.Price[h],
			FeedInWh: f.FeedInPrice[h],
			PVWh:     pv,
			LoadWh:   f.Load[h],
		}

		for i, a := range appliances {
			step := a.Step(applianceStates[i], g.appliance[i] == h, hourOfDay)
			applianceStates[i] = step.State
			if step.Blocked {
				res.Penalties[types.PenaltyApplianceWindow] += a.Spec().EnergyWh
			}
			if step.Running {
				ph.ApplianceWh += step.EnergyWh
				ph.Appliances = append(ph.Appliances, a.Spec().Name)
			}
		}

		var evStep devices.EVStep
		if ev != nil {
			evStep = ev.Step(evSoC, g.ev[h], hourOfDay)
			evSoC = evStep.SoC
			ph.EVChargeWh = evStep.DrawnWh
		}

		acLoad := ph.LoadWh + ph.ApplianceWh + evStep.DrawnWh
		losses := evStep.LossWh

		pvToLoad := min(pv, inv.DCNeededForAC(acLoad))
		acFromPV, loss := inv.DCToAC(pvToLoad)
		losses += loss
		surplus := pv - pvToLoad
		residual := acLoad - acFromPV

		var chargedWh, storedWh, removedWh float64
		if battery != nil {
			spec := battery.Spec()
			levels := float64(in.Layout.BatteryLevels)
			gene := g.battery[h]

			if surplus > 0 && g.dcCharge[h] == 1 {
				step := battery.Step(soc, surplus)
				soc = step.SoC
				surplus -= step.AppliedWh
				chargedWh += step.AppliedWh
				storedWh += step.StoredWh
				losses += step.LossWh
			}

			if gene < 0 && residual > 0 {
				need := inv.DCNeededForAC(residual) / spec.DischargeEfficiency
				req := min(float64(-gene)/levels*spec.MaxDischargeW, need)
				step := battery.Step(soc, -req)
				soc = step.SoC
				removedWh = -step.AppliedWh
				losses += step.LossWh
				ac, loss := inv.DCToAC(step.DeliveredWh)
				losses += loss
				residual -= ac
			}

			if gene > 0 && inv.CanChargeFromAC() {
				acReq := float64(gene) / levels * spec.MaxChargeW
				dcAvail, _ := inv.ACToDC(acReq)
				dcReq := min(dcAvail, battery.ChargeHeadroomWh(soc, chargedWh))
				if dcReq > 0 {
					step := battery.Step(soc, dcReq)
					soc = step.SoC
					chargedWh += step.AppliedWh
					storedWh += step.StoredWh
					losses += step.LossWh
					acDrawn := inv.ACNeededForDC(step.AppliedWh)
					losses += acDrawn - step.AppliedWh
					residual += acDrawn
					ph.GridChargeWh = acDrawn
				}
			}
		}

		exportWh, loss := inv.DCToAC(surplus)
		losses += loss
		pvExportedWh += surplus
		importWh := max(residual, 0)

		inWh := pv + importWh + removedWh
		outWh := ph.LoadWh + ph.ApplianceWh + evStep.StoredWh + storedWh + exportWh + losses
		if math.IsNaN(inWh) || math.IsNaN(outWh) || math.Abs(inWh-outWh) > balanceEpsilon(inWh, outWh) {
			return Result{}, &BalanceError{Hour: h, InWh: inWh, OutWh: outWh, Chromosome: c.Clone()}
		}

		ph.ImportWh = importWh
		ph.ExportWh = exportWh
		ph.BatteryChargeWh = storedWh
		ph.BatteryDischargeWh = removedWh
		ph.LossWh = losses
		ph.BatterySoC = soc
		ph.EVSoC = evSoC
		ph.Cost = importWh*f.Price[h] - exportWh*f.FeedInPrice[h]
		res.Cost += ph.Cost
		ph.CumulativeCost = res.Cost
		res.Hours[h] = ph

		res.TotalPVWh += pv
		res.TotalImportWh += importWh
		res.TotalExportWh += exportWh
		res.TotalLossWh += losses

		// the deadline is the first hour boundary whose hour of day matches
		if ev != nil && !deadlineChecked && f.HourOfDay(h+1) == ev.Spec().DeadlineHour {
			deadlineChecked = true
			res.Penalties[types.PenaltyEVSoCMiss] = ev.ShortfallWh(evSoC)
		}
	}

	// only runs longer than the horizon can still be going here
	for i, a := range appliances {
		res.Penalties[types.PenaltyApplianceWindow] += a.RemainingWh(applianceStates[i])
	}

	if battery != nil && battery.Spec().TargetEndSoC > 0 {
		spec := battery.Spec()
		res.Penalties[types.PenaltyBatteryEndSoC] = max(spec.TargetEndSoC-soc, 0) * spec.CapacityWh
	}

	if res.TotalPVWh > 0 {
		res.SelfConsumption = (res.TotalPVWh - pvExportedWh) / res.TotalPVWh
	} else {
		res.SelfConsumption = 1
	}
	res.FinalBatterySoC = soc
	res.FinalEVSoC = evSoC
	return res, nil
}
