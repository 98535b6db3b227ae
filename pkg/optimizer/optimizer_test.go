package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/raterudder/energyplan/pkg/simulation"
	"github.com/raterudder/energyplan/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var midnight = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func testConfig(seed int64) Config {
	return Config{
		Individuals:          40,
		Generations:          30,
		EliteCount:           2,
		TournamentSize:       3,
		CrossoverProbability: 0.9,
		MutationProbability:  0.03,
		WarmStartMutants:     5,
		Seed:                 seed,
		Weights: Weights{
			Cost: 1,
			Penalties: map[types.PenaltyKind]float64{
				types.PenaltyEVSoCMiss:       1,
				types.PenaltyApplianceWindow: 1,
			},
		},
	}
}

// eveningPeakInput has PV around midday, a cheap midday price and an expensive
// evening. The battery can't charge from the grid.
func eveningPeakInput() simulation.Input {
	hours := 24
	f := types.Forecasts{Start: midnight}
	pv := map[int]float64{10: 1500, 11: 2500, 12: 3000, 13: 3000, 14: 2500, 15: 1500}
	for h := 0; h < hours; h++ {
		price := 0.0005
		switch {
		case h >= 10 && h < 16:
			price = 0.0001
		case h >= 17 && h < 22:
			price = 0.0008
		}
		f.Price = append(f.Price, price)
		f.FeedInPrice = append(f.FeedInPrice, 0.00002)
		f.PV = append(f.PV, pv[h])
		f.Load = append(f.Load, 500)
	}
	specs := types.DeviceSpecs{
		Battery: &types.BatterySpec{
			CapacityWh:          10000,
			MinSoC:              0.1,
			MaxSoC:              1,
			MaxChargeW:          4000,
			MaxDischargeW:       4000,
			ChargeEfficiency:    0.95,
			DischargeEfficiency: 0.95,
		},
		Inverter: types.InverterSpec{DCToACEfficiency: 0.97},
		Appliances: []types.ApplianceSpec{
			{Name: "dishwasher", EnergyWh: 1500, DurationHours: 2, Windows: []types.HourWindow{{Start: 9, End: 18}}},
		},
	}
	return simulation.Input{
		Layout:    types.NewLayout(hours, 4, specs),
		Forecasts: f,
		Specs:     specs,
		Initial:   types.DeviceStates{BatterySoC: 0.1},
	}
}

func run(t *testing.T, cfg Config, in simulation.Input, warm types.Chromosome) Outcome {
	t.Helper()
	o, err := New(cfg, in)
	require.NoError(t, err)
	out, err := o.Run(context.Background(), warm)
	require.NoError(t, err)
	return out
}

func TestOptimizerDeterminism(t *testing.T) {
	in := eveningPeakInput()

	a := run(t, testConfig(11), in, nil)
	cfg := testConfig(11)
	cfg.Workers = 1
	b := run(t, cfg, in, nil)
	assert.Equal(t, a.Best, b.Best)
	assert.Equal(t, a.Fitness, b.Fitness)
	assert.Equal(t, a.History, b.History)

	c := run(t, testConfig(12), in, nil)
	assert.Equal(t, int64(12), c.Seed)
}

func TestOptimizerElitism(t *testing.T) {
	in := eveningPeakInput()
	out := run(t, testConfig(5), in, nil)

	require.Len(t, out.History, 31)
	for i := 1; i < len(out.History); i++ {
		assert.LessOrEqual(t, out.History[i].Best, out.History[i-1].Best, "generation %d", i)
	}
	assert.InDelta(t, out.History[len(out.History)-1].Best, out.Fitness.Aggregate, 1e-12)
	require.NoError(t, in.Layout.Validate(out.Best))
}

func TestOptimizerEveningPeak(t *testing.T) {
	in := eveningPeakInput()
	cfg := testConfig(3)
	cfg.Individuals = 80
	cfg.Generations = 80
	out := run(t, cfg, in, nil)

	// never discharging: hold the battery and start the dishwasher at noon
	baseline := in.Layout.Neutral()
	for _, b := range in.Layout.Blocks() {
		if b.Kind == types.BlockAppliance {
			baseline[b.Offset] = 12
		}
	}
	base, err := simulation.Simulate(in, baseline)
	require.NoError(t, err)

	assert.Less(t, out.Fitness.Cost, base.Cost)
	assert.Zero(t, out.Fitness.PenaltySum)

	hours := out.Result.Hours
	assert.Greater(t, hours[15].BatterySoC, hours[9].BatterySoC, "battery should charge from midday pv")
	var evening float64
	for h := 17; h < 22; h++ {
		evening += hours[h].BatteryDischargeWh
	}
	assert.Greater(t, evening, 0.0, "battery should discharge into the evening peak")
	for _, h := range hours {
		assert.GreaterOrEqual(t, h.BatterySoC, 0.1-1e-9)
	}
}

func flatInput(hours int, price, load float64, specs types.DeviceSpecs, initial types.DeviceStates) simulation.Input {
	f := types.Forecasts{Start: midnight}
	for h := 0; h < hours; h++ {
		f.Price = append(f.Price, price)
		f.FeedInPrice = append(f.FeedInPrice, 0)
		f.PV = append(f.PV, 0)
		f.Load = append(f.Load, load)
	}
	return simulation.Input{
		Layout:    types.NewLayout(hours, 4, specs),
		Forecasts: f,
		Specs:     specs,
		Initial:   initial,
	}
}

func TestOptimizerBatteryFloor(t *testing.T) {
	specs := types.DeviceSpecs{
		Battery: &types.BatterySpec{
			CapacityWh:          8000,
			MinSoC:              0.1,
			MaxSoC:              1,
			MaxChargeW:          3000,
			MaxDischargeW:       3000,
			ChargeEfficiency:    0.88,
			DischargeEfficiency: 0.88,
		},
		Inverter: types.InverterSpec{DCToACEfficiency: 1, ACToDCEfficiency: 1},
	}
	in := flatInput(24, 0.30, 500, specs, types.DeviceStates{BatterySoC: 0.5})
	out := run(t, testConfig(8), in, nil)

	for i, h := range out.Result.Hours {
		assert.GreaterOrEqual(t, h.BatterySoC, 0.1-1e-9, "hour %d", i)
	}
	assert.GreaterOrEqual(t, out.Result.FinalBatterySoC, 0.1-1e-9)
	assert.Zero(t, out.Fitness.PenaltySum)
	assert.Zero(t, out.Result.PenaltySum())
	assert.Equal(t, 1.0, out.Result.SelfConsumption)

	// stored energy is free, so the plan should beat leaving the battery alone
	idle, err := simulation.Simulate(in, in.Layout.Neutral())
	require.NoError(t, err)
	assert.Less(t, out.Result.Cost, idle.Cost)
}

func TestOptimizerEVDeadline(t *testing.T) {
	input := func(maxW float64) simulation.Input {
		specs := types.DeviceSpecs{
			EV: &types.EVSpec{
				Name:             "car",
				CapacityWh:       40000,
				MaxChargeW:       maxW,
				ChargeEfficiency: 0.9,
				MinTargetSoC:     0.8,
				DeadlineHour:     20,
				ChargeLevels:     []float64{0, 0.25, 0.5, 0.75, 1},
			},
			Inverter: types.InverterSpec{DCToACEfficiency: 1},
		}
		return flatInput(24, 0.0003, 300, specs, types.DeviceStates{EVSoC: 0.2})
	}

	t.Run("Feasible", func(t *testing.T) {
		out := run(t, testConfig(4), input(11000), nil)
		assert.Zero(t, out.Result.Penalties[types.PenaltyEVSoCMiss])
		assert.Zero(t, out.Fitness.Penalties[types.PenaltyEVSoCMiss])
		// hour 19 ends at the 20:00 deadline
		assert.GreaterOrEqual(t, out.Result.Hours[19].EVSoC, 0.8-1e-9)
	})

	t.Run("Infeasible", func(t *testing.T) {
		// 20 hours at 1000 W stores at most 18000 Wh of the 24000 Wh needed
		out := run(t, testConfig(4), input(1000), nil)
		miss := out.Result.Penalties[types.PenaltyEVSoCMiss]
		assert.GreaterOrEqual(t, miss, 6000-1e-6)
		assert.Equal(t, miss, out.Fitness.Penalties[types.PenaltyEVSoCMiss])
		assert.Less(t, out.Result.Hours[19].EVSoC, 0.8)
	})
}

func TestOptimizerApplianceFitsHorizon(t *testing.T) {
	specs := types.DeviceSpecs{
		Inverter: types.InverterSpec{DCToACEfficiency: 1},
		Appliances: []types.ApplianceSpec{
			{Name: "dryer", EnergyWh: 3000, DurationHours: 3},
		},
	}
	in := flatInput(24, 0.0003, 100, specs, types.DeviceStates{})
	out := run(t, testConfig(2), in, nil)

	var applianceWh float64
	for _, h := range out.Result.Hours {
		applianceWh += h.ApplianceWh
	}
	assert.InDelta(t, 3000, applianceWh, 1e-9)
	assert.InDelta(t, (2400+3000)*0.0003, out.Result.Cost, 1e-9)
	assert.LessOrEqual(t, out.Best[0], 21)
}

func TestOptimizerWarmStart(t *testing.T) {
	in := eveningPeakInput()
	first := run(t, testConfig(21), in, nil)

	cfg := testConfig(99)
	cfg.Generations = 5
	second := run(t, cfg, in, first.Best)
	assert.True(t, second.WarmStarted)
	assert.LessOrEqual(t, second.Fitness.Aggregate, first.Fitness.Aggregate)

	t.Run("Invalid Seed Ignored", func(t *testing.T) {
		out := run(t, cfg, in, types.Chromosome{1, 2, 3})
		assert.False(t, out.WarmStarted)
	})
}

func TestOptimizerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o, err := New(testConfig(1), eveningPeakInput())
	require.NoError(t, err)
	_, err = o.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimizerAllNonFinite(t *testing.T) {
	cfg := testConfig(1)
	cfg.Weighting = func(simulation.Result, Weights) float64 { return math.NaN() }
	o, err := New(cfg, eveningPeakInput())
	require.NoError(t, err)
	_, err = o.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrAllNonFinite))
}

func TestOptimizerPartiallyNonFinite(t *testing.T) {
	cfg := testConfig(1)
	cfg.Generations = 3
	// anything running the dishwasher before noon is unscorable
	cfg.Weighting = func(res simulation.Result, w Weights) float64 {
		for _, h := range res.Hours[:12] {
			if len(h.Appliances) > 0 {
				return math.Inf(1)
			}
		}
		return DefaultWeighting(res, w)
	}
	out := run(t, cfg, eveningPeakInput(), nil)
	assert.False(t, math.IsInf(out.Fitness.Aggregate, 0))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Run("Elite Count Covers Population", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.EliteCount = cfg.Individuals
		_, err := New(cfg, eveningPeakInput())
		assert.ErrorContains(t, err, "eliteCount")
	})

	t.Run("No Elites", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.EliteCount = 0
		_, err := New(cfg, eveningPeakInput())
		assert.ErrorContains(t, err, "eliteCount must be between 1")
	})
}

func TestBetter(t *testing.T) {
	t.Run("Lower Aggregate Wins", func(t *testing.T) {
		assert.True(t, better(types.Fitness{Aggregate: 1}, types.Fitness{Aggregate: 2}))
	})
	t.Run("Tie Broken By Penalty", func(t *testing.T) {
		a := types.Fitness{Aggregate: 1, PenaltySum: 0, Cost: 5}
		b := types.Fitness{Aggregate: 1, PenaltySum: 1, Cost: 0}
		assert.True(t, better(a, b))
		assert.False(t, better(b, a))
	})
	t.Run("Then By Cost", func(t *testing.T) {
		a := types.Fitness{Aggregate: 1, Cost: 1}
		b := types.Fitness{Aggregate: 1, Cost: 2}
		assert.True(t, better(a, b))
	})
	t.Run("Infinite Loses", func(t *testing.T) {
		assert.True(t, better(types.Fitness{Aggregate: 1e9}, types.Fitness{Aggregate: math.Inf(1)}))
	})
}

func TestDefaultWeighting(t *testing.T) {
	res := simulation.Result{
		Cost:            2,
		SelfConsumption: 0.75,
		Penalties: map[types.PenaltyKind]float64{
			types.PenaltyEVSoCMiss:     100,
			types.PenaltyBatteryEndSoC: 10,
		},
	}
	w := Weights{
		Cost:            1,
		SelfConsumption: 4,
		Penalties:       map[types.PenaltyKind]float64{types.PenaltyEVSoCMiss: 0.5},
	}
	assert.InDelta(t, 2+1+50, DefaultWeighting(res, w), 1e-12)
}

func TestConfigFromSettings(t *testing.T) {
	s, _, err := types.MigrateSettings(types.Settings{}, 0)
	require.NoError(t, err)
	cfg := ConfigFromSettings(context.Background(), s, 77)
	assert.Equal(t, s.Individuals, cfg.Individuals)
	assert.Equal(t, s.Generations, cfg.Generations)
	assert.Equal(t, int64(77), cfg.Seed)
	assert.Equal(t, s.Penalties[string(types.PenaltyEVSoCMiss)], cfg.Weights.Penalties[types.PenaltyEVSoCMiss])
}
