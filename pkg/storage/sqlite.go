package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "github.com/mattn/go-sqlite3"

	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteProvider implements the Database interface on a local SQLite file.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "iecmeter.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path cannot be empty")
	}
	return nil
}

// Init opens the database and applies pending migrations.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("set pragma: %w", err)
		}
	}

	s.db = db
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return err
	}
	return nil
}

func (s *SQLiteProvider) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)

	for _, name := range migrations {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		log.Ctx(ctx).DebugContext(ctx, "applied sqlite migration", slog.String("version", version))
	}
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetSettings retrieves the settings row. Missing settings are not an error.
func (s *SQLiteProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var jsonStr string
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT json, version FROM settings WHERE id = 1`).Scan(&jsonStr, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings: %w", err)
	}

	var settings types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &settings); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("error", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return settings, version, nil
}

// SetSettings replaces the settings row.
func (s *SQLiteProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, json, version, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json, version = excluded.version, updated_at = excluded.updated_at
	`, string(jsonBytes), version, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// AddStatistics upserts the metadata and points in one transaction.
func (s *SQLiteProvider) AddStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if meta.StatisticID == "" {
		return fmt.Errorf("statisticID cannot be empty")
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal statistic metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO statistic_metadata (statistic_id, json) VALUES (?, ?)
		ON CONFLICT(statistic_id) DO UPDATE SET json = excluded.json
	`, meta.StatisticID, string(metaBytes)); err != nil {
		return fmt.Errorf("failed to upsert statistic metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO statistic_points (statistic_id, start_ts, state, sum) VALUES (?, ?, ?, ?)
		ON CONFLICT(statistic_id, start_ts) DO UPDATE SET state = excluded.state, sum = excluded.sum
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statistic insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, meta.StatisticID, p.Start.Unix(), p.State, p.Sum); err != nil {
			return fmt.Errorf("failed to upsert statistic point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit statistics: %w", err)
	}
	return nil
}

// GetLastStatistic returns the latest point of a series.
func (s *SQLiteProvider) GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error) {
	var start int64
	var p types.StatisticPoint
	err := s.db.QueryRowContext(ctx, `
		SELECT start_ts, state, sum FROM statistic_points
		WHERE statistic_id = ?
		ORDER BY start_ts DESC LIMIT 1
	`, statisticID).Scan(&start, &p.State, &p.Sum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.StatisticPoint{}, false, nil
		}
		return types.StatisticPoint{}, false, fmt.Errorf("failed to get last statistic: %w", err)
	}
	p.Start = time.Unix(start, 0).UTC()
	return p, true, nil
}

// GetStatistics returns the points of a series within [start, end).
func (s *SQLiteProvider) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_ts, state, sum FROM statistic_points
		WHERE statistic_id = ? AND start_ts >= ? AND start_ts < ?
		ORDER BY start_ts ASC
	`, statisticID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var points []types.StatisticPoint
	for rows.Next() {
		var ts int64
		var p types.StatisticPoint
		if err := rows.Scan(&ts, &p.State, &p.Sum); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		p.Start = time.Unix(ts, 0).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListStatistics returns the metadata of every stored series.
func (s *SQLiteProvider) ListStatistics(ctx context.Context) ([]types.StatisticMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json FROM statistic_metadata ORDER BY statistic_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistic metadata: %w", err)
	}
	defer rows.Close()

	var metas []types.StatisticMetadata
	for rows.Next() {
		var jsonStr string
		if err := rows.Scan(&jsonStr); err != nil {
			return nil, fmt.Errorf("scan statistic metadata: %w", err)
		}
		var m types.StatisticMetadata
		if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed statistic metadata", slog.Any("error", err))
			continue
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}
