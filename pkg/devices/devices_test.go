package devices

import (
	"math/rand"
	"testing"

	"github.com/raterudder/energyplan/pkg/types"
	"github.com/stretchr/testify/assert"
)

func testBattery() Battery {
	return NewBattery(types.BatterySpec{
		CapacityWh:          10000,
		MinSoC:              0.1,
		MaxSoC:              0.9,
		MaxChargeW:          3000,
		MaxDischargeW:       4000,
		ChargeEfficiency:    0.9,
		DischargeEfficiency: 0.8,
	})
}

func TestBattery(t *testing.T) {
	b := testBattery()

	t.Run("Zero Request Is Idempotent", func(t *testing.T) {
		for _, soc := range []float64{0.1, 0.5, 0.9} {
			step := b.Step(soc, 0)
			assert.Equal(t, soc, step.SoC)
			assert.Zero(t, step.LossWh)
			assert.Zero(t, step.AppliedWh)
		}
	})

	t.Run("Charge Loss", func(t *testing.T) {
		step := b.Step(0.5, 1000)
		assert.InDelta(t, 1000, step.AppliedWh, 1e-9)
		assert.InDelta(t, 900, step.StoredWh, 1e-9)
		assert.InDelta(t, 100, step.LossWh, 1e-9)
		assert.InDelta(t, 0.59, step.SoC, 1e-9)
	})

	t.Run("Charge Clipped To Power", func(t *testing.T) {
		step := b.Step(0.2, 10000)
		assert.InDelta(t, 3000, step.AppliedWh, 1e-9)
		assert.InDelta(t, 0.2+2700.0/10000, step.SoC, 1e-9)
	})

	t.Run("Charge Clipped To Max SoC", func(t *testing.T) {
		step := b.Step(0.85, 3000)
		assert.InDelta(t, 0.9, step.SoC, 1e-9)
		assert.InDelta(t, 500, step.StoredWh, 1e-9)
		assert.InDelta(t, 500/0.9, step.AppliedWh, 1e-9)
	})

	t.Run("Discharge Loss", func(t *testing.T) {
		step := b.Step(0.5, -1000)
		assert.InDelta(t, -1000, step.AppliedWh, 1e-9)
		assert.InDelta(t, 800, step.DeliveredWh, 1e-9)
		assert.InDelta(t, 200, step.LossWh, 1e-9)
		assert.InDelta(t, 0.4, step.SoC, 1e-9)
	})

	t.Run("Discharge Clipped To Min SoC", func(t *testing.T) {
		step := b.Step(0.15, -4000)
		assert.InDelta(t, 0.1, step.SoC, 1e-9)
		assert.InDelta(t, -500, step.AppliedWh, 1e-9)
	})

	t.Run("Below Min Never Discharges", func(t *testing.T) {
		step := b.Step(0.05, -1000)
		assert.Equal(t, 0.05, step.SoC)
		assert.Zero(t, step.DeliveredWh)
	})

	t.Run("Monotonic In Request", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 500; i++ {
			soc := 0.1 + rng.Float64()*0.8
			a := rng.Float64()*16000 - 8000
			c := a + rng.Float64()*4000
			sa := b.Step(soc, a)
			sc := b.Step(soc, c)
			assert.LessOrEqual(t, sa.SoC, sc.SoC+1e-12, "soc=%v a=%v c=%v", soc, a, c)
			assert.GreaterOrEqual(t, sa.SoC, 0.1-1e-12)
			assert.LessOrEqual(t, sa.SoC, 0.9+1e-12)
		}
	})

	t.Run("Headroom", func(t *testing.T) {
		assert.InDelta(t, 3000, b.ChargeHeadroomWh(0.2, 0), 1e-9)
		assert.InDelta(t, 1000, b.ChargeHeadroomWh(0.2, 2000), 1e-9)
		assert.InDelta(t, 500/0.9, b.ChargeHeadroomWh(0.85, 0), 1e-9)
	})
}

func TestInverter(t *testing.T) {
	t.Run("Both Directions", func(t *testing.T) {
		inv := NewInverter(types.InverterSpec{DCToACEfficiency: 0.95, ACToDCEfficiency: 0.9})
		ac, loss := inv.DCToAC(1000)
		assert.InDelta(t, 950, ac, 1e-9)
		assert.InDelta(t, 50, loss, 1e-9)
		dc, loss := inv.ACToDC(1000)
		assert.InDelta(t, 900, dc, 1e-9)
		assert.InDelta(t, 100, loss, 1e-9)
		assert.InDelta(t, 1000, inv.DCNeededForAC(950), 1e-9)
		assert.InDelta(t, 1000, inv.ACNeededForDC(900), 1e-9)
	})

	t.Run("Zero Efficiency Disables AC Charging", func(t *testing.T) {
		inv := NewInverter(types.InverterSpec{DCToACEfficiency: 0.95})
		assert.False(t, inv.CanChargeFromAC())
		dc, loss := inv.ACToDC(1000)
		assert.Zero(t, dc)
		assert.Zero(t, loss)
	})
}

func TestEV(t *testing.T) {
	ev := NewEV(types.EVSpec{
		CapacityWh:       40000,
		MaxChargeW:       11000,
		ChargeEfficiency: 0.9,
		MinTargetSoC:     0.8,
		DeadlineHour:     7,
		ChargeLevels:     []float64{0, 0.5, 1},
		PluggedIn:        []types.HourWindow{{Start: 18, End: 8}},
	})

	t.Run("Level Zero Is Idempotent", func(t *testing.T) {
		step := ev.Step(0.3, 0, 20)
		assert.Equal(t, 0.3, step.SoC)
		assert.Zero(t, step.DrawnWh)
	})

	t.Run("Unplugged", func(t *testing.T) {
		step := ev.Step(0.3, 2, 12)
		assert.Equal(t, 0.3, step.SoC)
		assert.Zero(t, step.DrawnWh)
	})

	t.Run("Charges At Level", func(t *testing.T) {
		step := ev.Step(0.3, 1, 22)
		assert.InDelta(t, 5500, step.DrawnWh, 1e-9)
		assert.InDelta(t, 4950, step.StoredWh, 1e-9)
		assert.InDelta(t, 550, step.LossWh, 1e-9)
	})

	t.Run("Stops At Full", func(t *testing.T) {
		step := ev.Step(0.99, 2, 22)
		assert.InDelta(t, 1.0, step.SoC, 1e-9)
		assert.InDelta(t, 400/0.9, step.DrawnWh, 1e-9)
	})

	t.Run("Level Clamped", func(t *testing.T) {
		assert.Equal(t, ev.Step(0.3, 2, 22), ev.Step(0.3, 99, 22))
		assert.Equal(t, ev.Step(0.3, 0, 22), ev.Step(0.3, -3, 22))
	})

	t.Run("Monotonic In Level", func(t *testing.T) {
		assert.LessOrEqual(t, ev.Step(0.3, 0, 22).SoC, ev.Step(0.3, 1, 22).SoC)
		assert.LessOrEqual(t, ev.Step(0.3, 1, 22).SoC, ev.Step(0.3, 2, 22).SoC)
	})

	t.Run("Shortfall", func(t *testing.T) {
		assert.InDelta(t, 20000, ev.ShortfallWh(0.3), 1e-9)
		assert.Zero(t, ev.ShortfallWh(0.85))
	})
}

func TestAppliance(t *testing.T) {
	a := NewAppliance(types.ApplianceSpec{
		Name:          "dryer",
		EnergyWh:      3000,
		DurationHours: 3,
		Windows:       []types.HourWindow{{Start: 22, End: 2}},
	})

	t.Run("Runs Across Midnight", func(t *testing.T) {
		var state ApplianceState
		var total float64
		hours := []int{23, 0, 1, 2}
		starts := []bool{true, false, false, false}
		running := 0
		for i, h := range hours {
			step := a.Step(state, starts[i], h)
			state = step.State
			total += step.EnergyWh
			if step.Running {
				running++
			}
		}
		assert.Equal(t, 3, running)
		assert.InDelta(t, 3000, total, 1e-9)
	})

	t.Run("Start Outside Window Is Blocked", func(t *testing.T) {
		step := a.Step(ApplianceState{}, true, 12)
		assert.True(t, step.Blocked)
		assert.False(t, step.Running)
		assert.Zero(t, step.EnergyWh)
		// a second start request is ignored
		step = a.Step(step.State, true, 23)
		assert.False(t, step.Running)
	})

	t.Run("No Start Is Idle", func(t *testing.T) {
		step := a.Step(ApplianceState{}, false, 23)
		assert.Equal(t, ApplianceStep{}, step)
	})

	t.Run("Remaining Energy", func(t *testing.T) {
		step := a.Step(ApplianceState{}, true, 22)
		assert.InDelta(t, 2000, a.RemainingWh(step.State), 1e-9)
		step = a.Step(step.State, false, 23)
		step = a.Step(step.State, false, 0)
		assert.Zero(t, a.RemainingWh(step.State))
	})
}
