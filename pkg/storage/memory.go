package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/energyplan/pkg/types"
)

// Memory is an in-process Database for local runs and tests. Records are
// round-tripped through JSON so callers never share memory with the store.
type Memory struct {
	mu              sync.RWMutex
	settings        []byte
	settingsVersion int
	specs           []byte
	series          map[types.SeriesKey]map[time.Time]types.Point
	measurements    map[types.MeasurementKey]types.Measurement
	plans           [][]byte
	seeds           map[string][]byte
}

var _ Database = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		series:       make(map[types.SeriesKey]map[time.Time]types.Point),
		measurements: make(map[types.MeasurementKey]types.Measurement),
		seeds:        make(map[string][]byte),
	}
}

// GetSettings returns the zero value at version 0 when nothing was stored.
func (m *Memory) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return types.Settings{}, 0, nil
	}
	var s types.Settings
	if err := json.Unmarshal(m.settings, &s); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return s, m.settingsVersion, nil
}

func (m *Memory) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = b
	m.settingsVersion = version
	return nil
}

func (m *Memory) GetDeviceSpecs(ctx context.Context) (types.DeviceSpecs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.specs == nil {
		return types.DeviceSpecs{}, fmt.Errorf("device specs: %w", ErrNotFound)
	}
	var specs types.DeviceSpecs
	if err := json.Unmarshal(m.specs, &specs); err != nil {
		return types.DeviceSpecs{}, fmt.Errorf("failed to unmarshal device specs: %w", err)
	}
	return specs, nil
}

func (m *Memory) SetDeviceSpecs(ctx context.Context, specs types.DeviceSpecs) error {
	if err := specs.Validate(); err != nil {
		return fmt.Errorf("invalid device specs: %w", err)
	}
	b, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("failed to marshal device specs: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs = b
	return nil
}

func (m *Memory) UpsertSeries(ctx context.Context, series types.Series) error {
	if err := series.Validate(); err != nil {
		return fmt.Errorf("invalid series %s: %w", series.Key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	points, ok := m.series[series.Key]
	if !ok {
		points = make(map[time.Time]types.Point)
		m.series[series.Key] = points
	}
	for _, p := range series.Points {
		ts := p.TS.UTC().Truncate(time.Second)
		points[ts] = types.Point{TS: ts, Value: p.Value}
	}
	return nil
}

func (m *Memory) GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := types.Series{Key: key}
	for ts, p := range m.series[key] {
		if !ts.Before(start) && ts.Before(end) {
			series.Points = append(series.Points, p)
		}
	}
	sort.Slice(series.Points, func(i, j int) bool {
		return series.Points[i].TS.Before(series.Points[j].TS)
	})
	return series, nil
}

func (m *Memory) UpsertMeasurement(ctx context.Context, meas types.Measurement) error {
	if meas.TS.IsZero() {
		return fmt.Errorf("measurement %s missing ts", meas.Key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.measurements[meas.Key]; ok && cur.TS.After(meas.TS) {
		return nil
	}
	m.measurements[meas.Key] = meas
	return nil
}

func (m *Memory) GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meas, ok := m.measurements[key]
	if !ok {
		return types.Measurement{}, fmt.Errorf("no %s measurement: %w", key, ErrNotFound)
	}
	return meas, nil
}

func (m *Memory) SavePlan(ctx context.Context, plan types.Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("plan missing id")
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	seed, err := json.Marshal(plan.WarmStartSeed())
	if err != nil {
		return fmt.Errorf("failed to marshal warm start seed: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, b)
	m.seeds[plan.HorizonKey] = seed
	return nil
}

// GetLatestPlan returns the most recently saved plan.
func (m *Memory) GetLatestPlan(ctx context.Context) (types.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.plans) == 0 {
		return types.Plan{}, fmt.Errorf("no plan: %w", ErrNotFound)
	}
	var plan types.Plan
	if err := json.Unmarshal(m.plans[len(m.plans)-1], &plan); err != nil {
		return types.Plan{}, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return plan, nil
}

func (m *Memory) GetWarmStartSeed(ctx context.Context, horizonKey string) (types.WarmStartSeed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.seeds[horizonKey]
	if !ok {
		return types.WarmStartSeed{}, fmt.Errorf("warm start seed %s: %w", horizonKey, ErrNotFound)
	}
	var seed types.WarmStartSeed
	if err := json.Unmarshal(b, &seed); err != nil {
		return types.WarmStartSeed{}, fmt.Errorf("failed to unmarshal warm start seed: %w", err)
	}
	return seed, nil
}

func (m *Memory) Close() error {
	return nil
}
