package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMissingHour is returned when a series has no point for a requested hour.
var ErrMissingHour = errors.New("missing hour")

// SeriesKey names a forecast time series.
type SeriesKey string

const (
	// SeriesPrice is the grid import price in currency/Wh.
	SeriesPrice SeriesKey = "price"
	// SeriesFeedInPrice is the price paid for exported energy in currency/Wh.
	SeriesFeedInPrice SeriesKey = "feed_in_price"
	// SeriesPV is the expected PV generation in Wh per step.
	SeriesPV SeriesKey = "pv"
	// SeriesLoad is the expected base household load in Wh per step.
	SeriesLoad SeriesKey = "load"
)

// MeasurementKey names a single current-state measurement.
type MeasurementKey string

const (
	MeasurementBatterySoC MeasurementKey = "battery_soc"
	MeasurementEVSoC      MeasurementKey = "ev_soc"
)

// ProviderKind selects which forecast provider serves a key.
type ProviderKind string

const (
	ProviderKindStorage ProviderKind = "storage"
	ProviderKindStatic  ProviderKind = "static"
	ProviderKindComEd   ProviderKind = "comed"
)

// Valid returns true for the known provider kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderKindStorage, ProviderKindStatic, ProviderKindComEd:
		return true
	}
	return false
}

// Point is one value of a series at the start of its step.
type Point struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Series is an ordered forecast for one key.
type Series struct {
	Key    SeriesKey `json:"key"`
	Points []Point   `json:"points"`
}

// Validate ensures timestamps are strictly increasing and all values are
// finite.
func (s Series) Validate() error {
	for i, p := range s.Points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("series %s has non-finite value at %s", s.Key, p.TS.Format(time.RFC3339))
		}
		if i > 0 && !p.TS.After(s.Points[i-1].TS) {
			return fmt.Errorf("series %s timestamps are not strictly increasing at %s", s.Key, p.TS.Format(time.RFC3339))
		}
	}
	return nil
}

// Hourly returns exactly hours values aligned to start, one per hour. Points
// are matched by their truncated hour. An error names the first missing hour.
func (s Series) Hourly(start time.Time, hours int) ([]float64, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	byHour := make(map[int64]float64, len(s.Points))
	for _, p := range s.Points {
		byHour[p.TS.Truncate(time.Hour).Unix()] = p.Value
	}
	values := make([]float64, hours)
	for h := 0; h < hours; h++ {
		ts := start.Add(time.Duration(h) * time.Hour)
		v, ok := byHour[ts.Truncate(time.Hour).Unix()]
		if !ok {
			return nil, fmt.Errorf("series %s %w %s", s.Key, ErrMissingHour, ts.Format(time.RFC3339))
		}
		values[h] = v
	}
	return values, nil
}

// Measurement is the latest known value for a MeasurementKey.
type Measurement struct {
	Key   MeasurementKey `json:"key"`
	TS    time.Time      `json:"ts"`
	Value float64        `json:"value"`
}

// Forecasts holds the hourly inputs of one simulation. All slices have the
// same length, which is the horizon in hours.
type Forecasts struct {
	Start time.Time `json:"start"`
	// currency/Wh
	Price       []float64 `json:"price"`
	FeedInPrice []float64 `json:"feedInPrice"`
	// Wh per hour
	PV   []float64 `json:"pv"`
	Load []float64 `json:"load"`
}

// Hours returns the horizon length.
func (f Forecasts) Hours() int {
	return len(f.Price)
}

// HourOfDay returns the local hour of day of horizon hour h.
func (f Forecasts) HourOfDay(h int) int {
	return f.Start.Add(time.Duration(h) * time.Hour).Hour()
}

// Validate checks lengths and that every value is finite. PV and load must be
// non-negative.
func (f Forecasts) Validate() error {
	n := len(f.Price)
	if n == 0 {
		return fmt.Errorf("forecasts are empty")
	}
	check := func(name string, vals []float64, nonNegative bool) error {
		if len(vals) != n {
			return fmt.Errorf("%s has %d values, expected %d", name, len(vals), n)
		}
		for i, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%s has non-finite value at hour %d", name, i)
			}
			if nonNegative && v < 0 {
				return fmt.Errorf("%s has negative value at hour %d: %v", name, i, v)
			}
		}
		return nil
	}
	if err := check(string(SeriesPrice), f.Price, false); err != nil {
		return err
	}
	if err := check(string(SeriesFeedInPrice), f.FeedInPrice, false); err != nil {
		return err
	}
	if err := check(string(SeriesPV), f.PV, true); err != nil {
		return err
	}
	if err := check(string(SeriesLoad), f.Load, true); err != nil {
		return err
	}
	return nil
}
