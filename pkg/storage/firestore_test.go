package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raterudder/energyplan/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpecs() types.DeviceSpecs {
	return types.DeviceSpecs{
		Battery: &types.BatterySpec{
			CapacityWh:          13500,
			MinSoC:              0.1,
			MaxSoC:              1,
			MaxChargeW:          5000,
			MaxDischargeW:       5000,
			ChargeEfficiency:    0.95,
			DischargeEfficiency: 0.95,
		},
		Inverter: types.InverterSpec{DCToACEfficiency: 0.97, ACToDCEfficiency: 0.96},
		Appliances: []types.ApplianceSpec{
			{Name: "dryer", EnergyWh: 3000, DurationHours: 1},
		},
	}
}

func testPlan(id string, created, start time.Time) types.Plan {
	specs := testSpecs()
	layout := types.NewLayout(24, 4, specs)
	return types.Plan{
		ID:           id,
		CreatedAt:    created,
		HorizonStart: start,
		HorizonKey:   layout.Key(),
		Layout:       layout,
		Seed:         7,
		Chromosome:   layout.Neutral(),
		Fitness:      types.Fitness{Aggregate: 1.5, Cost: 1.5},
		Hours:        []types.PlanHour{{TS: start, PriceWh: 0.0002, LoadWh: 500}},
	}
}

// testDatabase exercises the behavior every Database provider shares.
func testDatabase(t *testing.T, db Database) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Hour).UTC()

	t.Run("Settings", func(t *testing.T) {
		_, version, err := db.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)

		settings, _, err := types.MigrateSettings(types.Settings{}, 0)
		require.NoError(t, err)
		settings.Generations = 50
		require.NoError(t, db.SetSettings(ctx, settings, types.CurrentSettingsVersion))

		got, version, err := db.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, 50, got.Generations)
		assert.Equal(t, settings.Penalties, got.Penalties)
	})

	t.Run("Device Specs", func(t *testing.T) {
		_, err := db.GetDeviceSpecs(ctx)
		assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)

		require.NoError(t, db.SetDeviceSpecs(ctx, testSpecs()))
		got, err := db.GetDeviceSpecs(ctx)
		require.NoError(t, err)
		assert.Equal(t, testSpecs(), got)

		bad := testSpecs()
		bad.Inverter.DCToACEfficiency = 0
		assert.Error(t, db.SetDeviceSpecs(ctx, bad))
	})

	t.Run("Series", func(t *testing.T) {
		series := types.Series{Key: types.SeriesPrice}
		for h := -2; h < 4; h++ {
			series.Points = append(series.Points, types.Point{TS: now.Add(time.Duration(h) * time.Hour), Value: float64(h)})
		}
		require.NoError(t, db.UpsertSeries(ctx, series))

		got, err := db.GetSeries(ctx, types.SeriesPrice, now, now.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, got.Points, 3)
		for i, p := range got.Points {
			assert.True(t, p.TS.Equal(now.Add(time.Duration(i)*time.Hour)))
			assert.Equal(t, float64(i), p.Value)
		}

		t.Run("Upsert Overwrites", func(t *testing.T) {
			require.NoError(t, db.UpsertSeries(ctx, types.Series{
				Key:    types.SeriesPrice,
				Points: []types.Point{{TS: now, Value: 99}},
			}))
			got, err := db.GetSeries(ctx, types.SeriesPrice, now, now.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, got.Points, 1)
			assert.Equal(t, 99.0, got.Points[0].Value)
		})

		t.Run("Other Keys Are Separate", func(t *testing.T) {
			got, err := db.GetSeries(ctx, types.SeriesLoad, now, now.Add(3*time.Hour))
			require.NoError(t, err)
			assert.Empty(t, got.Points)
		})
	})

	t.Run("Measurements", func(t *testing.T) {
		_, err := db.GetLatestMeasurement(ctx, types.MeasurementEVSoC)
		assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)

		require.NoError(t, db.UpsertMeasurement(ctx, types.Measurement{Key: types.MeasurementBatterySoC, TS: now.Add(-time.Hour), Value: 0.4}))
		require.NoError(t, db.UpsertMeasurement(ctx, types.Measurement{Key: types.MeasurementBatterySoC, TS: now, Value: 0.6}))

		got, err := db.GetLatestMeasurement(ctx, types.MeasurementBatterySoC)
		require.NoError(t, err)
		assert.Equal(t, 0.6, got.Value)
		assert.True(t, got.TS.Equal(now))
	})

	t.Run("Plans", func(t *testing.T) {
		_, err := db.GetLatestPlan(ctx)
		assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)

		first := testPlan("plan-1", now, now)
		second := testPlan("plan-2", now.Add(time.Minute), now.Add(time.Hour))
		second.Chromosome[0] = 1
		require.NoError(t, db.SavePlan(ctx, first))
		require.NoError(t, db.SavePlan(ctx, second))

		got, err := db.GetLatestPlan(ctx)
		require.NoError(t, err)
		assert.Equal(t, "plan-2", got.ID)
		assert.Equal(t, second.Chromosome, got.Chromosome)
		assert.Equal(t, second.Layout, got.Layout)

		seed, err := db.GetWarmStartSeed(ctx, second.HorizonKey)
		require.NoError(t, err)
		assert.Equal(t, second.Chromosome, seed.Chromosome)
		assert.True(t, seed.HorizonStart.Equal(second.HorizonStart))

		_, err = db.GetWarmStartSeed(ctx, "h1-b0-ev0-a0")
		assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)

		assert.Error(t, db.SavePlan(ctx, types.Plan{}))
	})
}

func TestMemory(t *testing.T) {
	testDatabase(t, NewMemory())
}

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
		siteID:    "test-site",
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	testDatabase(t, f)

	t.Run("Empty Site ID", func(t *testing.T) {
		empty := &FirestoreProvider{client: f.client}
		assert.Error(t, empty.Validate())
		_, _, err := empty.GetSettings(ctx)
		assert.ErrorContains(t, err, "siteID cannot be empty")
	})
}
