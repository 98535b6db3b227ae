package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energyplan/pkg/common"
	"github.com/raterudder/energyplan/pkg/log"
	"github.com/raterudder/energyplan/pkg/types"
)

// ComEd uses Central Time
var ctLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		panic(fmt.Errorf("failed to load central time location: %w", err))
	}
	return loc
}()

// ComEd serves hourly import prices from the ComEd hourly pricing 5-minute
// feed. Hours without published data yet repeat the latest known hourly
// average.
type ComEd struct {
	apiURL string
	client *http.Client
	now    func() time.Time

	mu            sync.Mutex
	lastFetchTime time.Time
	cached        []hourlyPrice
}

type hourlyPrice struct {
	start       time.Time
	centsPerKWH float64
}

// configuredComEd sets up flags for ComEd and returns the instance.
func configuredComEd() *ComEd {
	c := &ComEd{
		client: common.HTTPClient(10 * time.Second),
		now:    time.Now,
	}
	apiURL := lflag.String("comed-api-url", "https://hourlypricing.comed.com/api", "URL for the ComEd Hourly Pricing API")

	lflag.Do(func() {
		c.apiURL = *apiURL
	})

	return c
}

// NewComEd returns a ComEd provider against apiURL.
func NewComEd(apiURL string, client *http.Client) *ComEd {
	return &ComEd{apiURL: apiURL, client: client, now: time.Now}
}

// Validate ensures the configuration is valid.
func (c *ComEd) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("comed-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse comed url (%s): %w", c.apiURL, err)
	}
	return nil
}

type comedPriceEntry struct {
	MillisUTC string `json:"millisUTC"`
	Price     string `json:"price"`
}

// GetSeries only serves SeriesPrice in currency/Wh.
func (c *ComEd) GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error) {
	if key != types.SeriesPrice {
		return types.Series{}, fmt.Errorf("comed %s: %w", key, ErrUnsupported)
	}
	hours, err := c.fetchHours(ctx, start)
	if err != nil {
		return types.Series{}, err
	}
	if len(hours) == 0 {
		return types.Series{}, fmt.Errorf("comed returned no prices since %s", start.Format(time.RFC3339))
	}

	byHour := make(map[int64]float64, len(hours))
	for _, h := range hours {
		byHour[h.start.Unix()] = h.centsPerKWH
	}
	latest := hours[len(hours)-1]

	series := types.Series{Key: key}
	var persisted int
	for ts := start.Truncate(time.Hour); ts.Before(end); ts = ts.Add(time.Hour) {
		if ts.Before(start) {
			continue
		}
		cents, ok := byHour[ts.Unix()]
		if !ok {
			if ts.Before(latest.start) {
				// a gap in the published history isn't something we can guess
				continue
			}
			cents = latest.centsPerKWH
			persisted++
		}
		series.Points = append(series.Points, types.Point{
			TS: ts,
			// cents/kWh to currency/Wh
			Value: cents / 100 / 1000,
		})
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"built comed price series",
		slog.Int("points", len(series.Points)),
		slog.Int("persisted", persisted),
		slog.Time("latest", latest.start),
	)
	return series, nil
}

// GetLatestMeasurement is unsupported; ComEd only publishes prices.
func (c *ComEd) GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error) {
	return types.Measurement{}, fmt.Errorf("comed %s: %w", key, ErrUnsupported)
}

// fetchHours returns hourly averages from start until now. The result is cached
// until the next 5 minute block.
func (c *ComEd) fetchHours(ctx context.Context, start time.Time) ([]hourlyPrice, error) {
	now := c.now().In(ctLocation)
	// the feed can't tell us about the future, only the hour in progress
	if start.After(now) {
		start = now.Truncate(time.Hour)
	}

	c.mu.Lock()
	// we only need to fetch if it's been a new 5 minute block
	if !c.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(c.lastFetchTime) &&
		len(c.cached) > 0 && !c.cached[0].start.After(start.Truncate(time.Hour)) {
		hours := c.cached
		c.mu.Unlock()
		return hours, nil
	}
	c.mu.Unlock()

	hours, err := c.fetchRange(ctx, start.Truncate(time.Hour), now)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = hours
	c.lastFetchTime = now
	c.mu.Unlock()
	return hours, nil
}

func (c *ComEd) fetchRange(ctx context.Context, start, end time.Time) ([]hourlyPrice, error) {
	start = start.In(ctLocation)
	end = end.In(ctLocation)

	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("type", "5minutefeed")
	params.Set("datestart", start.Format("200601021504"))
	params.Set("dateend", end.Format("200601021504"))
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	log.Ctx(ctx).DebugContext(ctx, "fetching prices from comed", slog.String("url", u.String()))
	var data []comedPriceEntry
	if err := common.GetJSON(ctx, c.client, u.String(), &data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", slog.Any("error", err))
		return nil, fmt.Errorf("comed api: %w", err)
	}

	type bucket struct {
		start time.Time
		sum   float64
		count int
	}
	buckets := make(map[int64]*bucket)
	for _, item := range data {
		ms, err := strconv.ParseInt(item.MillisUTC, 10, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed millisUTC", slog.String("value", item.MillisUTC), slog.Any("error", err))
			continue
		}
		centsPerKWH, err := strconv.ParseFloat(item.Price, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed price", slog.String("value", item.Price), slog.Any("error", err))
			continue
		}

		// each entry is stamped at the end of its 5 minute period
		hourStart := time.UnixMilli(ms).Add(-time.Millisecond).Truncate(time.Hour).UTC()
		b, ok := buckets[hourStart.Unix()]
		if !ok {
			b = &bucket{start: hourStart}
			buckets[hourStart.Unix()] = b
		}
		b.sum += centsPerKWH
		b.count++
	}

	hours := make([]hourlyPrice, 0, len(buckets))
	for _, b := range buckets {
		hours = append(hours, hourlyPrice{
			start:       b.start,
			centsPerKWH: b.sum / float64(b.count),
		})
	}
	sort.Slice(hours, func(i, j int) bool {
		return hours[i].start.Before(hours[j].start)
	})

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched comed prices",
		slog.Int("entries", len(data)),
		slog.Int("hours", len(hours)),
		slog.Time("start", start),
		slog.Time("end", end),
	)
	return hours, nil
}
