package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/energyplan/pkg/storage"
	"github.com/raterudder/energyplan/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetDeviceSpecs(ctx context.Context) (types.DeviceSpecs, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.DeviceSpecs), args.Error(1)
}

func (m *MockDatabase) SetDeviceSpecs(ctx context.Context, specs types.DeviceSpecs) error {
	args := m.Called(ctx, specs)
	return args.Error(0)
}

func (m *MockDatabase) UpsertSeries(ctx context.Context, series types.Series) error {
	args := m.Called(ctx, series)
	return args.Error(0)
}

func (m *MockDatabase) GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error) {
	args := m.Called(ctx, key, start, end)
	return args.Get(0).(types.Series), args.Error(1)
}

func (m *MockDatabase) UpsertMeasurement(ctx context.Context, meas types.Measurement) error {
	args := m.Called(ctx, meas)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(types.Measurement), args.Error(1)
}

func (m *MockDatabase) SavePlan(ctx context.Context, plan types.Plan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestPlan(ctx context.Context) (types.Plan, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Plan), args.Error(1)
}

func (m *MockDatabase) GetWarmStartSeed(ctx context.Context, horizonKey string) (types.WarmStartSeed, error) {
	args := m.Called(ctx, horizonKey)
	return args.Get(0).(types.WarmStartSeed), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
