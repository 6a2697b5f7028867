package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/camsys/gtfs-realtime/internal/partition"
)

// Base names of the partitioned tables.
const (
	tableTripUpdates      = "trip_updates"
	tableStopTimeUpdates  = "stop_time_updates"
	tableVehiclePositions = "vehicle_positions"
	tableServiceAlerts    = "service_alerts"
	tableFeeds            = "feeds"
)

// partitionRouter maps (configuration, instant) to physical partition
// tables and guarantees they exist before writes. DDL is idempotent and
// cheap to repeat, but ensured names are remembered to skip it entirely
// on the hot path.
type partitionRouter struct {
	db *sql.DB

	mu      sync.Mutex
	ensured map[string]bool
}

func newPartitionRouter(db *sql.DB) *partitionRouter {
	return &partitionRouter{db: db, ensured: make(map[string]bool)}
}

// tableName returns the partition table for a base table, configuration
// and instant, e.g. "trip_updates_p3_20260831".
func tableName(base string, configurationID int64, instant int64) string {
	return base + "_" + partition.Suffix(configurationID, instant)
}

// EnsurePartitions creates the weekly partition tables of all four
// record kinds plus the provenance table for (configurationID, instant).
func (s *SQLite) EnsurePartitions(ctx context.Context, configurationID int64, instant int64) error {
	return s.partitions.ensure(ctx, configurationID, instant)
}

func (r *partitionRouter) ensure(ctx context.Context, configurationID int64, instant int64) error {
	suffix := partition.Suffix(configurationID, instant)

	r.mu.Lock()
	done := r.ensured[suffix]
	r.mu.Unlock()
	if done {
		return nil
	}

	for _, ddl := range partitionDDL(suffix) {
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create partition %s: %w", suffix, err)
		}
	}

	r.mu.Lock()
	r.ensured[suffix] = true
	r.mu.Unlock()
	return nil
}

// exists reports whether the partition table is present, without
// creating it. Reads treat a missing partition as an empty row set.
func (r *partitionRouter) exists(ctx context.Context, table string) (bool, error) {
	r.mu.Lock()
	known := r.ensured[suffixOf(table)]
	r.mu.Unlock()
	if known {
		return true, nil
	}

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check partition %s: %w", table, err)
	}
	return n > 0, nil
}

// listPartitions returns the partition tables of one base table for a
// configuration, newest week first. Underscores are escaped so the
// pattern matches exactly one configuration id, not its prefixes.
func (r *partitionRouter) listPartitions(ctx context.Context, base string, configurationID int64) ([]string, error) {
	prefix := strings.ReplaceAll(fmt.Sprintf("%s_p%d_", base, configurationID), "_", `\_`)
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ESCAPE '\'`, prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", base, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The date suffix sorts lexicographically within one configuration.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func suffixOf(table string) string {
	if i := strings.LastIndex(table, "_p"); i >= 0 {
		return table[i+1:]
	}
	return table
}

func partitionDDL(suffix string) []string {
	tu := tableTripUpdates + "_" + suffix
	stu := tableStopTimeUpdates + "_" + suffix
	vp := tableVehiclePositions + "_" + suffix
	sa := tableServiceAlerts + "_" + suffix
	fd := tableFeeds + "_" + suffix

	return []string{
		`CREATE TABLE IF NOT EXISTS ` + tu + ` (
			configuration_id INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			trip_id TEXT NOT NULL,
			route_id TEXT NOT NULL DEFAULT '',
			direction_id INTEGER,
			start_time TEXT NOT NULL DEFAULT '',
			start_date TEXT NOT NULL DEFAULT '',
			schedule_relationship INTEGER NOT NULL DEFAULT 0,
			vehicle_id TEXT NOT NULL DEFAULT '',
			vehicle_label TEXT NOT NULL DEFAULT '',
			license_plate TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL DEFAULT 0,
			delay INTEGER NOT NULL DEFAULT 0,
			feed_timestamp INTEGER NOT NULL,
			interval_seconds INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ` + tu + `_trip_id_idx ON ` + tu + ` (trip_id)`,

		`CREATE TABLE IF NOT EXISTS ` + stu + ` (
			configuration_id INTEGER NOT NULL,
			trip_update_id TEXT NOT NULL,
			stop_id TEXT NOT NULL,
			stop_sequence INTEGER NOT NULL DEFAULT 0,
			schedule_relationship INTEGER NOT NULL DEFAULT 0,
			arrival_delay INTEGER,
			arrival_time INTEGER,
			arrival_uncertainty INTEGER,
			departure_delay INTEGER,
			departure_time INTEGER,
			departure_uncertainty INTEGER,
			feed_timestamp INTEGER NOT NULL,
			interval_seconds INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ` + stu + `_trip_update_id_idx ON ` + stu + ` (trip_update_id)`,
		`CREATE INDEX IF NOT EXISTS ` + stu + `_stop_id_idx ON ` + stu + ` (stop_id)`,

		`CREATE TABLE IF NOT EXISTS ` + vp + ` (
			configuration_id INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			vehicle_id TEXT NOT NULL DEFAULT '',
			vehicle_label TEXT NOT NULL DEFAULT '',
			license_plate TEXT NOT NULL DEFAULT '',
			trip_id TEXT NOT NULL DEFAULT '',
			route_id TEXT NOT NULL DEFAULT '',
			direction_id INTEGER,
			start_time TEXT NOT NULL DEFAULT '',
			start_date TEXT NOT NULL DEFAULT '',
			schedule_relationship INTEGER NOT NULL DEFAULT 0,
			current_stop_sequence INTEGER NOT NULL DEFAULT 0,
			current_status INTEGER NOT NULL DEFAULT 0,
			congestion_level INTEGER NOT NULL DEFAULT 0,
			occupancy_status INTEGER NOT NULL DEFAULT 0,
			stop_id TEXT NOT NULL DEFAULT '',
			latitude REAL NOT NULL DEFAULT 0,
			longitude REAL NOT NULL DEFAULT 0,
			bearing REAL NOT NULL DEFAULT 0,
			odometer REAL NOT NULL DEFAULT 0,
			speed REAL NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL DEFAULT 0,
			feed_timestamp INTEGER NOT NULL,
			interval_seconds INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ` + vp + `_trip_id_idx ON ` + vp + ` (trip_id)`,

		`CREATE TABLE IF NOT EXISTS ` + sa + ` (
			configuration_id INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			agency_id TEXT NOT NULL DEFAULT '',
			route_id TEXT NOT NULL DEFAULT '',
			route_type INTEGER NOT NULL DEFAULT 0,
			trip_id TEXT NOT NULL DEFAULT '',
			direction_id INTEGER,
			start_date TEXT NOT NULL DEFAULT '',
			schedule_relationship INTEGER NOT NULL DEFAULT 0,
			stop_id TEXT NOT NULL DEFAULT '',
			cause INTEGER NOT NULL DEFAULT 0,
			effect INTEGER NOT NULL DEFAULT 0,
			severity_level INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			header_text TEXT NOT NULL DEFAULT '',
			description_text TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL DEFAULT 0,
			end_time INTEGER NOT NULL DEFAULT 0,
			feed_timestamp INTEGER NOT NULL,
			interval_seconds INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ` + sa + `_stop_id_idx ON ` + sa + ` (stop_id)`,

		`CREATE TABLE IF NOT EXISTS ` + fd + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			configuration_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			feed_timestamp INTEGER,
			feed_status_type_id INTEGER NOT NULL REFERENCES feed_status_types (id),
			feed_file TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + fd + `_status_idx ON ` + fd + ` (kind, feed_status_type_id)`,
	}
}
