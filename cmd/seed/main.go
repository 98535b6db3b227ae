package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energyplan/pkg/log"
	"github.com/raterudder/energyplan/pkg/storage"
	"github.com/raterudder/energyplan/pkg/types"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	hours := 48
	lflag.JSON(&hours, "seed-hours", hours, "Number of forecast hours to seed")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding demo site")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	settings, _, err := types.MigrateSettings(types.Settings{}, 0)
	if err != nil {
		fail(ctx, "failed to build default settings", err)
	}
	settings.DefaultFeedInPrice = 0.00004
	if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		fail(ctx, "failed to seed settings", err)
	}

	specs := types.DeviceSpecs{
		Battery: &types.BatterySpec{
			CapacityWh:          13500,
			MinSoC:              0.1,
			MaxSoC:              1,
			MaxChargeW:          5000,
			MaxDischargeW:       5000,
			ChargeEfficiency:    0.95,
			DischargeEfficiency: 0.95,
		},
		Inverter: types.InverterSpec{
			DCToACEfficiency: 0.97,
			ACToDCEfficiency: 0.96,
		},
		EV: &types.EVSpec{
			Name:             "car",
			CapacityWh:       60000,
			MaxChargeW:       7200,
			ChargeEfficiency: 0.9,
			MinTargetSoC:     0.8,
			DeadlineHour:     7,
			ChargeLevels:     []float64{0, 0.5, 1},
			PluggedIn:        []types.HourWindow{{Start: 18, End: 8}},
		},
		Appliances: []types.ApplianceSpec{
			{Name: "dishwasher", EnergyWh: 1500, DurationHours: 2, Windows: []types.HourWindow{{Start: 9, End: 23}}},
			{Name: "washer", EnergyWh: 1000, DurationHours: 1},
		},
	}
	if err := s.SetDeviceSpecs(ctx, specs); err != nil {
		fail(ctx, "failed to seed device specs", err)
	}

	const (
		SolarPeakWh = 6000.0
		HomeAvgWh   = 700.0
	)

	start := time.Now().Truncate(time.Hour)
	series := map[types.SeriesKey]*types.Series{
		types.SeriesPrice:       {Key: types.SeriesPrice},
		types.SeriesFeedInPrice: {Key: types.SeriesFeedInPrice},
		types.SeriesPV:          {Key: types.SeriesPV},
		types.SeriesLoad:        {Key: types.SeriesLoad},
	}
	for h := 0; h < hours; h++ {
		t := start.Add(time.Duration(h) * time.Hour)
		hour := t.Hour()

		// price in dollars per kWh
		price := 0.08
		if hour >= 6 && hour < 9 {
			price = 0.22
		} else if hour >= 10 && hour < 15 {
			price = 0.05
		} else if hour >= 17 && hour < 21 {
			price = 0.35
		} else if hour >= 21 {
			price = 0.10
		}
		price += (rng.Float64() * 0.02) - 0.01

		// bell curve around 13:00
		pv := 0.0
		if hour > 6 && hour < 19 {
			dist := math.Abs(float64(hour) - 13.0)
			pv = SolarPeakWh * math.Exp(-(dist*dist)/12.0)
		}

		load := HomeAvgWh + rng.Float64()*500
		if hour >= 7 && hour < 9 {
			load += 1500
		} else if hour >= 18 && hour < 22 {
			load += 2500
		}

		series[types.SeriesPrice].Points = append(series[types.SeriesPrice].Points, types.Point{TS: t, Value: price / 1000})
		series[types.SeriesFeedInPrice].Points = append(series[types.SeriesFeedInPrice].Points, types.Point{TS: t, Value: 0.04 / 1000})
		series[types.SeriesPV].Points = append(series[types.SeriesPV].Points, types.Point{TS: t, Value: pv})
		series[types.SeriesLoad].Points = append(series[types.SeriesLoad].Points, types.Point{TS: t, Value: load})

		fmt.Printf("Seeded %s: price $%.3f/kWh, pv %.0fWh, load %.0fWh\n", t.Format(time.Kitchen), price, pv, load)
	}
	for _, key := range []types.SeriesKey{types.SeriesPrice, types.SeriesFeedInPrice, types.SeriesPV, types.SeriesLoad} {
		if err := s.UpsertSeries(ctx, *series[key]); err != nil {
			fail(ctx, fmt.Sprintf("failed to seed %s series", key), err)
		}
	}

	for key, v := range map[types.MeasurementKey]float64{
		types.MeasurementBatterySoC: 0.2 + rng.Float64()*0.6,
		types.MeasurementEVSoC:      0.2 + rng.Float64()*0.3,
	} {
		if err := s.UpsertMeasurement(ctx, types.Measurement{Key: key, TS: time.Now(), Value: v}); err != nil {
			fail(ctx, fmt.Sprintf("failed to seed %s", key), err)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded demo site successfully", slog.Int("hours", hours))
}

func fail(ctx context.Context, msg string, err error) {
	log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
	os.Exit(1)
}
