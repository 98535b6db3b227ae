package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/raterudder/energyplan/pkg/forecast"
	"github.com/raterudder/energyplan/pkg/log"
	"github.com/raterudder/energyplan/pkg/simulation"
	"github.com/raterudder/energyplan/pkg/storage"
	"github.com/raterudder/energyplan/pkg/types"
)

// getSettings loads settings and migrates them to the current version,
// persisting the migrated copy when possible.
func (l *Loop) getSettings(ctx context.Context) (types.Settings, error) {
	settings, version, err := l.db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}

	// Check for migration
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			return types.Settings{}, fmt.Errorf("failed to migrate settings from version %d: %w", version, err)
		}
		if changed {
			if err := l.db.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
				// the run can still use the migrated settings
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
		settings = newSettings
	}

	if err := settings.Validate(); err != nil {
		return types.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// horizonStart is the start of the current hour.
func (l *Loop) horizonStart() time.Time {
	return l.now().Truncate(time.Hour)
}

// acquireInputs builds a private copy of everything one run needs. Price, load
// and the state of present devices are critical. PV falls back to zero and
// feed-in to settings.DefaultFeedInPrice.
func (l *Loop) acquireInputs(ctx context.Context, settings types.Settings) (simulation.Input, error) {
	specs, err := l.db.GetDeviceSpecs(ctx)
	if err != nil {
		return simulation.Input{}, &MissingInputError{Parameter: "device_specs", Err: err}
	}
	if err := specs.Validate(); err != nil {
		return simulation.Input{}, &MissingInputError{Parameter: "device_specs", Err: err}
	}
	specs = specs.Clone()

	start := l.horizonStart()
	hours := settings.HorizonHours
	f := types.Forecasts{Start: start}

	if f.Price, err = l.hourly(ctx, settings, types.SeriesPrice, start, hours); err != nil {
		return simulation.Input{}, &MissingInputError{Parameter: string(types.SeriesPrice), Err: err}
	}
	if f.Load, err = l.hourly(ctx, settings, types.SeriesLoad, start, hours); err != nil {
		return simulation.Input{}, &MissingInputError{Parameter: string(types.SeriesLoad), Err: err}
	}

	// optional series fall back only when the data is absent
	if f.PV, err = l.hourly(ctx, settings, types.SeriesPV, start, hours); err != nil {
		if !forecast.IsMissing(err) {
			return simulation.Input{}, fmt.Errorf("failed to get %s forecast: %w", types.SeriesPV, err)
		}
		log.Ctx(ctx).WarnContext(ctx, "pv forecast unavailable, assuming no generation", slog.Any("error", err))
		f.PV = constant(hours, 0)
	}
	if f.FeedInPrice, err = l.hourly(ctx, settings, types.SeriesFeedInPrice, start, hours); err != nil {
		if !forecast.IsMissing(err) {
			return simulation.Input{}, fmt.Errorf("failed to get %s forecast: %w", types.SeriesFeedInPrice, err)
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"feed-in price unavailable, using default",
			slog.Float64("defaultFeedInPrice", settings.DefaultFeedInPrice),
			slog.Any("error", err),
		)
		f.FeedInPrice = constant(hours, settings.DefaultFeedInPrice)
	}

	var initial types.DeviceStates
	if specs.Battery != nil {
		if initial.BatterySoC, err = l.soc(ctx, settings, types.MeasurementBatterySoC); err != nil {
			return simulation.Input{}, &MissingInputError{Parameter: string(types.MeasurementBatterySoC), Err: err}
		}
	}
	if specs.EV != nil {
		if initial.EVSoC, err = l.soc(ctx, settings, types.MeasurementEVSoC); err != nil {
			return simulation.Input{}, &MissingInputError{Parameter: string(types.MeasurementEVSoC), Err: err}
		}
	}

	in := simulation.Input{
		Layout:    types.NewLayout(hours, settings.BatteryLevels, specs),
		Forecasts: f,
		Specs:     specs,
		Initial:   initial,
	}
	if err := in.Validate(); err != nil {
		return simulation.Input{}, fmt.Errorf("invalid inputs: %w", err)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"acquired inputs",
		slog.Time("horizonStart", start),
		slog.Int("hours", hours),
		slog.String("layout", in.Layout.Key()),
		slog.Float64("batterySoC", initial.BatterySoC),
		slog.Float64("evSoC", initial.EVSoC),
	)
	return in, nil
}

func (l *Loop) hourly(ctx context.Context, settings types.Settings, key types.SeriesKey, start time.Time, hours int) ([]float64, error) {
	series, err := l.forecasts.GetSeries(ctx, settings, key, start, start.Add(time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, err
	}
	return series.Hourly(start, hours)
}

func (l *Loop) soc(ctx context.Context, settings types.Settings, key types.MeasurementKey) (float64, error) {
	m, err := l.forecasts.GetLatestMeasurement(ctx, settings, key)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(m.Value) || m.Value < 0 || m.Value > 1 {
		return 0, fmt.Errorf("%s out of range: %v", key, m.Value)
	}
	return m.Value, nil
}

func constant(n int, v float64) []float64 {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = v
	}
	return vals
}

// warmStart picks the previous best chromosome for this layout and aligns it
// to the new horizon. It returns nil when there is nothing usable.
func (l *Loop) warmStart(ctx context.Context, in simulation.Input) types.Chromosome {
	key := in.Layout.Key()

	var seed types.WarmStartSeed
	if p := l.plan.Load(); p != nil && p.HorizonKey == key {
		seed = p.WarmStartSeed()
	} else {
		var err error
		seed, err = l.db.GetWarmStartSeed(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				log.Ctx(ctx).WarnContext(ctx, "failed to load warm start seed", slog.String("horizonKey", key), slog.Any("error", err))
			}
			return nil
		}
	}

	offset := in.Forecasts.Start.Sub(seed.HorizonStart)
	if offset < 0 || offset%time.Hour != 0 {
		log.Ctx(ctx).DebugContext(ctx, "warm start seed not aligned", slog.Time("seedStart", seed.HorizonStart), slog.Duration("offset", offset))
		return nil
	}
	c, err := in.Layout.Shift(seed.Chromosome, int(offset/time.Hour))
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "warm start seed unusable", slog.Any("error", err))
		return nil
	}
	return c
}
