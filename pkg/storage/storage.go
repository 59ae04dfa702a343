package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/iecmeter/iecmeter/pkg/types"
)

// Database defines the interface for persisting settings and long-term
// statistics.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Statistics
	// AddStatistics stores the metadata and upserts the points by start hour.
	AddStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error
	// GetLastStatistic returns the latest point of a series and false if the
	// series has no points.
	GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error)
	GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error)
	ListStatistics(ctx context.Context) ([]types.StatisticMetadata, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: firestore, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

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
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
