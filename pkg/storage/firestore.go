package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energyplan/pkg/log"
	"github.com/raterudder/energyplan/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Everything lives under sites/{siteID} and every record is stored
// as a JSON string in the "json" field.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	siteID    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	siteID := lflag.String("firestore-site-id", "home", "Site document that holds this household's data")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.siteID = *siteID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(name string) (*firestore.CollectionRef, error) {
	if f.siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(f.siteID).Collection(name), nil
}

func docID(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

// decodeDoc unmarshals the "json" field of a document into v.
func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, what string, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, what+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("%s document %s missing 'json' field: %w", what, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, what+" doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s 'json' field is not a string", what, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+what, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal %s (id=%s): %w", what, doc.Ref.ID, err)
	}
	return nil
}

// getDoc fetches a single document and decodes it into v. A missing document
// returns ErrNotFound.
func (f *FirestoreProvider) getDoc(ctx context.Context, collection, id, what string, v any) (*firestore.DocumentSnapshot, error) {
	coll, err := f.getCollection(collection)
	if err != nil {
		return nil, err
	}
	doc, err := coll.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch %s doc: %w", what, err)
	}
	if err := decodeDoc(ctx, doc, what, v); err != nil {
		return nil, err
	}
	return doc, nil
}

// latestDoc decodes the document with the newest "timestamp" field.
func (f *FirestoreProvider) latestDoc(ctx context.Context, collection, what string, v any) error {
	coll, err := f.getCollection(collection)
	if err != nil {
		return err
	}
	// firestore automatically creates indexes for top-level fields
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return fmt.Errorf("no %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get latest %s doc: %w", what, err)
	}
	return decodeDoc(ctx, doc, what, v)
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document. Missing settings return the zero value at version 0 so the caller
// can migrate them.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var s types.Settings
	doc, err := f.getDoc(ctx, "config", "settings", "settings", &s)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, err
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection("config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// GetDeviceSpecs retrieves the device specs from the "config/devices" document.
func (f *FirestoreProvider) GetDeviceSpecs(ctx context.Context) (types.DeviceSpecs, error) {
	var specs types.DeviceSpecs
	if _, err := f.getDoc(ctx, "config", "devices", "device specs", &specs); err != nil {
		return types.DeviceSpecs{}, err
	}
	return specs, nil
}

// SetDeviceSpecs saves the device specs to the "config/devices" document.
func (f *FirestoreProvider) SetDeviceSpecs(ctx context.Context, specs types.DeviceSpecs) error {
	if err := specs.Validate(); err != nil {
		return fmt.Errorf("invalid device specs: %w", err)
	}
	jsonBytes, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("failed to marshal device specs: %w", err)
	}
	coll, err := f.getCollection("config")
	if err != nil {
		return err
	}
	if _, err := coll.Doc("devices").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	}); err != nil {
		return fmt.Errorf("failed to save device specs: %w", err)
	}
	return nil
}

func seriesCollection(key types.SeriesKey) string {
	return "series_" + string(key)
}

// UpsertSeries writes every point of the series into the "series_{key}"
// collection. The document ID is the RFC3339 timestamp of the point for
// efficient range queries.
func (f *FirestoreProvider) UpsertSeries(ctx context.Context, series types.Series) error {
	if err := series.Validate(); err != nil {
		return fmt.Errorf("invalid series %s: %w", series.Key, err)
	}
	coll, err := f.getCollection(seriesCollection(series.Key))
	if err != nil {
		return err
	}
	for _, p := range series.Points {
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal point: %w", err)
		}
		_, err = coll.Doc(docID(p.TS)).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.TS,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert %s point %s: %w", series.Key, docID(p.TS), err)
		}
	}
	return nil
}

// GetSeries retrieves the points of a series within [start, end).
func (f *FirestoreProvider) GetSeries(ctx context.Context, key types.SeriesKey, start, end time.Time) (types.Series, error) {
	coll, err := f.getCollection(seriesCollection(key))
	if err != nil {
		return types.Series{}, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(docID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(docID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	series := types.Series{Key: key}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return types.Series{}, fmt.Errorf("error iterating %s points: %w", key, err)
		}
		var p types.Point
		if err := decodeDoc(ctx, doc, string(key)+" point", &p); err != nil {
			return types.Series{}, err
		}
		series.Points = append(series.Points, p)
	}
	return series, nil
}

func measurementCollection(key types.MeasurementKey) string {
	return "measurement_" + string(key)
}

// UpsertMeasurement adds or replaces a measurement in the
// "measurement_{key}" collection.
func (f *FirestoreProvider) UpsertMeasurement(ctx context.Context, m types.Measurement) error {
	if m.TS.IsZero() {
		return fmt.Errorf("measurement %s missing ts", m.Key)
	}
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal measurement: %w", err)
	}
	coll, err := f.getCollection(measurementCollection(m.Key))
	if err != nil {
		return err
	}
	_, err = coll.Doc(docID(m.TS)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": m.TS,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert measurement %s: %w", m.Key, err)
	}
	return nil
}

// GetLatestMeasurement retrieves the newest measurement for the key.
func (f *FirestoreProvider) GetLatestMeasurement(ctx context.Context, key types.MeasurementKey) (types.Measurement, error) {
	var m types.Measurement
	if err := f.latestDoc(ctx, measurementCollection(key), string(key)+" measurement", &m); err != nil {
		return types.Measurement{}, err
	}
	return m, nil
}

// SavePlan stores the plan in the "plans" collection keyed by its ID and the
// warm start seed it provides in "warm_start/{horizonKey}".
func (f *FirestoreProvider) SavePlan(ctx context.Context, plan types.Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("plan missing id")
	}
	jsonBytes, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	plans, err := f.getCollection("plans")
	if err != nil {
		return err
	}
	_, err = plans.Doc(plan.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": plan.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", plan.ID, err)
	}

	seedBytes, err := json.Marshal(plan.WarmStartSeed())
	if err != nil {
		return fmt.Errorf("failed to marshal warm start seed: %w", err)
	}
	seeds, err := f.getCollection("warm_start")
	if err != nil {
		return err
	}
	_, err = seeds.Doc(plan.HorizonKey).Set(ctx, map[string]interface{}{
		"json":      string(seedBytes),
		"timestamp": plan.HorizonStart,
	})
	if err != nil {
		return fmt.Errorf("failed to save warm start seed %s: %w", plan.HorizonKey, err)
	}
	return nil
}

// GetLatestPlan retrieves the most recently created plan.
func (f *FirestoreProvider) GetLatestPlan(ctx context.Context) (types.Plan, error) {
	var plan types.Plan
	if err := f.latestDoc(ctx, "plans", "plan", &plan); err != nil {
		return types.Plan{}, err
	}
	return plan, nil
}

// GetWarmStartSeed retrieves the seed stored for a genome layout.
func (f *FirestoreProvider) GetWarmStartSeed(ctx context.Context, horizonKey string) (types.WarmStartSeed, error) {
	var seed types.WarmStartSeed
	if _, err := f.getDoc(ctx, "warm_start", horizonKey, "warm start seed", &seed); err != nil {
		return types.WarmStartSeed{}, err
	}
	return seed, nil
}
