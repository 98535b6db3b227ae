// Package forecast fetches the series and measurements a run needs from the
// provider configured for each key.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raterudder/energyplan/pkg/storage"
	"github.com/raterudder/energyplan/pkg/types"
)

// ErrUnsupported is returned when a provider can't serve the requested key.
var ErrUnsupported = errors.New("unsupported by provider")

// Provider serves forecast series and current measurements.
type Provider interface {
	// GetSeries returns hourly points with start <= ts < end.
	GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error)
	// GetLatestMeasurement returns the newest value for the key.
	GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error)
}

// IsMissing reports whether err means the value simply isn't available, as
// opposed to the provider failing.
func IsMissing(err error) bool {
	return errors.Is(err, ErrUnsupported) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, types.ErrMissingHour)
}

// Configured sets up every provider kind and returns a Router.
func Configured(db storage.Database) *Router {
	r := NewRouter()
	r.SetProvider(types.ProviderKindStorage, NewStorage(db))
	r.SetProvider(types.ProviderKindStatic, configuredStatic())
	r.SetProvider(types.ProviderKindComEd, configuredComEd())
	return r
}

// Router dispatches each key to the provider kind chosen in settings.
type Router struct {
	mu        sync.Mutex
	providers map[types.ProviderKind]Provider
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		providers: make(map[types.ProviderKind]Provider),
	}
}

// SetProvider sets the provider for the given kind. This is primarily used
// for testing.
func (r *Router) SetProvider(kind types.ProviderKind, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// Provider returns the provider for the given kind.
func (r *Router) Provider(kind types.ProviderKind) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[kind]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown forecast provider: %s", kind)
}

// GetSeries fetches the series from the provider configured for key.
func (r *Router) GetSeries(ctx context.Context, settings types.Settings, key types.SeriesKey, start, end time.Time) (types.Series, error) {
	kind := settings.ProviderFor(string(key))
	p, err := r.Provider(kind)
	if err != nil {
		return types.Series{}, err
	}
	s, err := p.GetSeries(ctx, key, start, end)
	if err != nil {
		return types.Series{}, fmt.Errorf("%s provider failed to get %s: %w", kind, key, err)
	}
	return s, nil
}

// GetLatestMeasurement fetches the measurement from the provider configured
// for key.
func (r *Router) GetLatestMeasurement(ctx context.Context, settings types.Settings, key types.MeasurementKey) (types.Measurement, error) {
	kind := settings.ProviderFor(string(key))
	p, err := r.Provider(kind)
	if err != nil {
		return types.Measurement{}, err
	}
	m, err := p.GetLatestMeasurement(ctx, key)
	if err != nil {
		return types.Measurement{}, fmt.Errorf("%s provider failed to get %s: %w", kind, key, err)
	}
	return m, nil
}

// Storage serves whatever was persisted in the database.
type Storage struct {
	db storage.Database
}

// NewStorage wraps a Database as a Provider.
func NewStorage(db storage.Database) *Storage {
	return &Storage{db: db}
}

func (s *Storage) GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error) {
	return s.db.GetSeries(ctx, key, start, end)
}

func (s *Storage) GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error) {
	return s.db.GetLatestMeasurement(ctx, key)
}
