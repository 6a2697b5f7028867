package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/camsys/gtfs-realtime/internal/model"
	"github.com/camsys/gtfs-realtime/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db         *sql.DB
	partitions *partitionRouter
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Partition DDL and writes may interleave with reconstruction reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, partitions: newPartitionRouter(db)}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateConfiguration inserts a new configuration and populates its ID
// and CreatedAt.
func (s *SQLite) CreateConfiguration(ctx context.Context, cfg *model.Configuration) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO configurations
		   (name, handler, trip_updates_feed, vehicle_positions_feed, service_alerts_feed, interval_seconds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.Name, cfg.Handler, cfg.TripUpdatesFeed, cfg.VehiclePositionsFeed, cfg.ServiceAlertsFeed, cfg.IntervalSeconds, now,
	)
	if err != nil {
		return fmt.Errorf("insert configuration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	cfg.ID = id
	cfg.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const configurationColumns = `id, name, handler, trip_updates_feed, vehicle_positions_feed, service_alerts_feed, interval_seconds, last_run_at, created_at`

// GetConfiguration returns a single configuration by its ID.
func (s *SQLite) GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configurationColumns+` FROM configurations WHERE id = ?`, id,
	)
	return scanConfiguration(row)
}

// GetConfigurationByName returns a single configuration by its unique name.
func (s *SQLite) GetConfigurationByName(ctx context.Context, name string) (*model.Configuration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configurationColumns+` FROM configurations WHERE name = ?`, name,
	)
	return scanConfiguration(row)
}

// ListConfigurations returns all configurations ordered by id.
func (s *SQLite) ListConfigurations(ctx context.Context) ([]model.Configuration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configurationColumns+` FROM configurations ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanConfigurations(rows)
}

// ListDueConfigurations returns configurations whose poll interval has
// elapsed since their last ingestion pass.
func (s *SQLite) ListDueConfigurations(ctx context.Context) ([]model.Configuration, error) {
	now := time.Now().UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configurationColumns+` FROM configurations
		 WHERE last_run_at IS NULL
		    OR datetime(last_run_at, '+' || interval_seconds || ' seconds') <= datetime(?)
		 ORDER BY id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanConfigurations(rows)
}

// UpdateConfiguration persists changes to an existing configuration.
func (s *SQLite) UpdateConfiguration(ctx context.Context, cfg *model.Configuration) error {
	var lastRun *string
	if cfg.LastRunAt != nil {
		v := cfg.LastRunAt.UTC().Format(timeLayout)
		lastRun = &v
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE configurations
		 SET handler = ?, trip_updates_feed = ?, vehicle_positions_feed = ?, service_alerts_feed = ?,
		     interval_seconds = ?, last_run_at = ?
		 WHERE id = ?`,
		cfg.Handler, cfg.TripUpdatesFeed, cfg.VehiclePositionsFeed, cfg.ServiceAlertsFeed,
		cfg.IntervalSeconds, lastRun, cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("update configuration: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConfiguration(row scannable) (*model.Configuration, error) {
	var c model.Configuration
	var lastRun, created sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Handler, &c.TripUpdatesFeed, &c.VehiclePositionsFeed,
		&c.ServiceAlertsFeed, &c.IntervalSeconds, &lastRun, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan configuration: %w", err)
	}
	if lastRun.Valid {
		t, _ := time.Parse(timeLayout, lastRun.String)
		c.LastRunAt = &t
	}
	if created.Valid {
		c.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &c, nil
}

func scanConfigurations(rows *sql.Rows) ([]model.Configuration, error) {
	var configs []model.Configuration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}
