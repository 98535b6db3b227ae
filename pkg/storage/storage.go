package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energyplan/pkg/types"
)

// ErrNotFound is returned when a requested record doesn't exist.
var ErrNotFound = errors.New("not found")

// Database defines the interface for persisting inputs, plans and settings for
// a single household.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Devices
	GetDeviceSpecs(ctx context.Context) (types.DeviceSpecs, error)
	SetDeviceSpecs(ctx context.Context, specs types.DeviceSpecs) error

	// Forecasts and measurements
	// UpsertSeries adds or replaces every point of the series.
	UpsertSeries(ctx context.Context, series types.Series) error
	// GetSeries returns points with start <= ts < end in ascending order.
	GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error)
	UpsertMeasurement(ctx context.Context, m types.Measurement) error
	GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error)

	// Plans
	// SavePlan stores the plan and the warm start seed it provides.
	SavePlan(ctx context.Context, plan types.Plan) error
	GetLatestPlan(ctx context.Context) (types.Plan, error)
	GetWarmStartSeed(ctx context.Context, horizonKey string) (types.WarmStartSeed, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, memory)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "memory":
			p.Database = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
