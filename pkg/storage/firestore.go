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
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Settings and statistic points are stored as JSON blobs.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	root      string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	root := lflag.String("firestore-root", "iec", "Top-level Firestore collection holding all documents")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.root = *root

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.root == "" {
		return errors.New("firestore-root cannot be empty")
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

func (f *FirestoreProvider) rootDoc() *firestore.DocumentRef {
	return f.client.Collection(f.root).Doc("meter")
}

func (f *FirestoreProvider) pointsCollection(statisticID string) (*firestore.CollectionRef, error) {
	if statisticID == "" {
		return nil, fmt.Errorf("statisticID cannot be empty")
	}
	return f.rootDoc().Collection("statistics").Doc(statisticID).Collection("points"), nil
}

func docJSON(doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetSettings retrieves the settings from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.rootDoc().Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := docJSON(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read settings doc", slog.Any("error", err))
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the settings to the "config/settings" document as a JSON
// string.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.rootDoc().Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// AddStatistics writes the series metadata and one document per point. The
// document ID is the RFC3339 start hour so re-adding a point overwrites it.
func (f *FirestoreProvider) AddStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	coll, err := f.pointsCollection(meta.StatisticID)
	if err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal statistic metadata: %w", err)
	}

	bw := f.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	job, err := bw.Set(coll.Parent, map[string]interface{}{
		"json": string(metaBytes),
	})
	if err != nil {
		bw.End()
		return fmt.Errorf("failed to queue statistic metadata: %w", err)
	}
	jobs = append(jobs, job)

	for _, p := range points {
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal statistic point: %w", err)
		}
		docID := p.Start.UTC().Format(time.RFC3339)
		job, err := bw.Set(coll.Doc(docID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Start,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue statistic point %s: %w", docID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to add statistics for %s: %w", meta.StatisticID, err)
		}
	}
	return nil
}

// GetLastStatistic retrieves the latest point of a series.
func (f *FirestoreProvider) GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error) {
	coll, err := f.pointsCollection(statisticID)
	if err != nil {
		return types.StatisticPoint{}, false, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.StatisticPoint{}, false, nil
	}
	if err != nil {
		return types.StatisticPoint{}, false, fmt.Errorf("failed to get latest statistic doc: %w", err)
	}

	var p types.StatisticPoint
	if err := docJSON(doc, &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read statistic doc", slog.String("statisticID", statisticID), slog.Any("error", err))
		return types.StatisticPoint{}, false, err
	}
	return p, true, nil
}

// GetStatistics retrieves the points of a series within [start, end).
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	coll, err := f.pointsCollection(statisticID)
	if err != nil {
		return nil, err
	}
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics: %w", err)
		}

		var p types.StatisticPoint
		if err := docJSON(doc, &p); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to read statistic doc", slog.String("statisticID", statisticID), slog.Any("error", err))
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// ListStatistics returns the metadata of every stored series.
func (f *FirestoreProvider) ListStatistics(ctx context.Context) ([]types.StatisticMetadata, error) {
	iter := f.rootDoc().Collection("statistics").Documents(ctx)
	defer iter.Stop()

	var metas []types.StatisticMetadata
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics metadata: %w", err)
		}

		var m types.StatisticMetadata
		if err := docJSON(doc, &m); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed statistic metadata", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		metas = append(metas, m)
	}
	return metas, nil
}
