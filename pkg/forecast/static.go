package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energyplan/pkg/types"
)

// StaticProfile is either a constant or a 24 value daily profile indexed by
// local hour of day.
type StaticProfile struct {
	Constant *float64  `json:"constant,omitempty"`
	Profile  []float64 `json:"profile,omitempty"`
}

func (p StaticProfile) validate() error {
	switch {
	case p.Constant != nil && p.Profile != nil:
		return fmt.Errorf("constant and profile are mutually exclusive")
	case p.Constant != nil:
		if math.IsNaN(*p.Constant) || math.IsInf(*p.Constant, 0) {
			return fmt.Errorf("constant must be finite")
		}
	case len(p.Profile) != 24:
		return fmt.Errorf("profile needs 24 values, got %d", len(p.Profile))
	}
	for i, v := range p.Profile {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("profile hour %d must be finite", i)
		}
	}
	return nil
}

func (p StaticProfile) at(hour int) float64 {
	if p.Constant != nil {
		return *p.Constant
	}
	return p.Profile[hour]
}

// StaticConfig is the JSON accepted by the static-forecasts flag.
type StaticConfig struct {
	Series       map[types.SeriesKey]StaticProfile `json:"series"`
	Measurements map[types.MeasurementKey]float64  `json:"measurements"`
}

// Validate checks every profile.
func (c StaticConfig) Validate() error {
	for key, p := range c.Series {
		if err := p.validate(); err != nil {
			return fmt.Errorf("static %s: %w", key, err)
		}
	}
	for key, v := range c.Measurements {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("static %s must be finite", key)
		}
	}
	return nil
}

// Static serves configured constants and daily profiles.
type Static struct {
	cfg StaticConfig
	loc *time.Location
	now func() time.Time
}

func configuredStatic() *Static {
	s := &Static{loc: time.Local, now: time.Now}
	var cfg StaticConfig
	lflag.JSON(&cfg, "static-forecasts", cfg, "JSON object of static series profiles and measurements")

	lflag.Do(func() {
		if err := cfg.Validate(); err != nil {
			panic(fmt.Sprintf("invalid static-forecasts: %v", err))
		}
		s.cfg = cfg
	})
	return s
}

// NewStatic returns a Static provider whose profiles are indexed by the hour of
// day in loc.
func NewStatic(cfg StaticConfig, loc *time.Location) (*Static, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Static{cfg: cfg, loc: loc, now: time.Now}, nil
}

func (s *Static) GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error) {
	p, ok := s.cfg.Series[key]
	if !ok {
		return types.Series{}, fmt.Errorf("static %s: %w", key, ErrUnsupported)
	}
	series := types.Series{Key: key}
	for ts := start.Truncate(time.Hour); ts.Before(end); ts = ts.Add(time.Hour) {
		if ts.Before(start) {
			continue
		}
		series.Points = append(series.Points, types.Point{
			TS:    ts,
			Value: p.at(ts.In(s.loc).Hour()),
		})
	}
	return series, nil
}

func (s *Static) GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error) {
	v, ok := s.cfg.Measurements[key]
	if !ok {
		return types.Measurement{}, fmt.Errorf("static %s: %w", key, ErrUnsupported)
	}
	return types.Measurement{Key: key, TS: s.now(), Value: v}, nil
}
