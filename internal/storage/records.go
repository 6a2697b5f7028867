package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/camsys/gtfs-realtime/internal/differ"
	"github.com/camsys/gtfs-realtime/internal/gtfsrt"
	"github.com/camsys/gtfs-realtime/internal/model"
)

// Rows whose validity window [feed_timestamp - interval_seconds,
// feed_timestamp] contains the bound timestamp.
const windowPredicate = `configuration_id = ? AND feed_timestamp - interval_seconds <= ? AND ? <= feed_timestamp`

// ApplyChangeSet commits one differencing pass in a single transaction.
// A row expected to exist for extension but missing is logged and
// reinserted fresh instead of failing the pass.
func (s *SQLite) ApplyChangeSet(ctx context.Context, configurationID int64, cs *differ.ChangeSet) error {
	if cs.NoOp {
		return nil
	}

	tuTable := tableName(tableTripUpdates, configurationID, cs.Timestamp)
	stuTable := tableName(tableStopTimeUpdates, configurationID, cs.Timestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range cs.FreshTrips {
		if err := insertTripUpdate(ctx, tx, tuTable, stuTable, configurationID, &cs.FreshTrips[i], cs.Timestamp); err != nil {
			return err
		}
	}

	for i := range cs.ExtendedTrips {
		ext := &cs.ExtendedTrips[i]
		res, err := tx.ExecContext(ctx,
			`UPDATE `+tuTable+`
			 SET feed_timestamp = ?, interval_seconds = interval_seconds + ?
			 WHERE configuration_id = ? AND entity_id = ? AND trip_id = ? AND route_id = ? AND feed_timestamp = ?`,
			cs.Timestamp, cs.IntervalSeconds,
			configurationID, ext.Entity.EntityID, ext.Entity.TripID, ext.Entity.RouteID, ext.PrevFeedTimestamp,
		)
		if err != nil {
			return fmt.Errorf("extend trip update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			slog.Warn("trip update to extend not found, inserting fresh",
				"configuration_id", configurationID, "entity_id", ext.Entity.EntityID, "trip_id", ext.Entity.TripID)
			if err := insertTripRow(ctx, tx, tuTable, configurationID, &ext.Entity, cs.Timestamp); err != nil {
				return err
			}
		}
	}

	for _, ins := range cs.FreshStops {
		if err := insertStopRow(ctx, tx, stuTable, configurationID, ins.TripUpdateID, ins.Stop, cs.Timestamp); err != nil {
			return err
		}
	}

	for _, ext := range cs.ExtendedStops {
		st := ext.Stop
		res, err := tx.ExecContext(ctx,
			`UPDATE `+stuTable+`
			 SET feed_timestamp = ?, interval_seconds = interval_seconds + ?
			 WHERE configuration_id = ? AND trip_update_id = ? AND stop_id = ? AND stop_sequence = ?
			   AND schedule_relationship = ?
			   AND arrival_delay IS ? AND arrival_time IS ? AND arrival_uncertainty IS ?
			   AND departure_delay IS ? AND departure_time IS ? AND departure_uncertainty IS ?
			   AND feed_timestamp = ?`,
			cs.Timestamp, cs.IntervalSeconds,
			configurationID, ext.TripUpdateID, st.StopID, st.StopSequence,
			st.ScheduleRelationship,
			nullI32(st.Arrival.Delay, st.Arrival.HasDelay),
			nullI64(st.Arrival.Time, st.Arrival.HasTime),
			nullI32(st.Arrival.Uncertainty, st.Arrival.HasUncertainty),
			nullI32(st.Departure.Delay, st.Departure.HasDelay),
			nullI64(st.Departure.Time, st.Departure.HasTime),
			nullI32(st.Departure.Uncertainty, st.Departure.HasUncertainty),
			ext.PrevFeedTimestamp,
		)
		if err != nil {
			return fmt.Errorf("extend stop time update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			slog.Warn("stop time update to extend not found, inserting fresh",
				"configuration_id", configurationID, "trip_update_id", ext.TripUpdateID, "stop_id", st.StopID)
			if err := insertStopRow(ctx, tx, stuTable, configurationID, ext.TripUpdateID, st, cs.Timestamp); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertTripUpdate(ctx context.Context, tx *sql.Tx, tuTable, stuTable string, configurationID int64, ent *gtfsrt.TripUpdateEntity, feedTS int64) error {
	if err := insertTripRow(ctx, tx, tuTable, configurationID, ent, feedTS); err != nil {
		return err
	}
	for _, st := range ent.StopTimes {
		if err := insertStopRow(ctx, tx, stuTable, configurationID, ent.EntityID, st, feedTS); err != nil {
			return err
		}
	}
	return nil
}

func insertTripRow(ctx context.Context, tx *sql.Tx, table string, configurationID int64, ent *gtfsrt.TripUpdateEntity, feedTS int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+`
		   (configuration_id, entity_id, trip_id, route_id, direction_id, start_time, start_date,
		    schedule_relationship, vehicle_id, vehicle_label, license_plate, timestamp, delay,
		    feed_timestamp, interval_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		configurationID, ent.EntityID, ent.TripID, ent.RouteID, nullDirection(ent.DirectionID),
		ent.StartTime, ent.StartDate, ent.ScheduleRelationship,
		ent.VehicleID, ent.VehicleLabel, ent.LicensePlate, ent.Timestamp, ent.Delay,
		feedTS,
	)
	if err != nil {
		return fmt.Errorf("insert trip update: %w", err)
	}
	return nil
}

func insertStopRow(ctx context.Context, tx *sql.Tx, table string, configurationID int64, tripUpdateID string, st model.StopTime, feedTS int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+`
		   (configuration_id, trip_update_id, stop_id, stop_sequence, schedule_relationship,
		    arrival_delay, arrival_time, arrival_uncertainty,
		    departure_delay, departure_time, departure_uncertainty,
		    feed_timestamp, interval_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		configurationID, tripUpdateID, st.StopID, st.StopSequence, st.ScheduleRelationship,
		nullI32(st.Arrival.Delay, st.Arrival.HasDelay),
		nullI64(st.Arrival.Time, st.Arrival.HasTime),
		nullI32(st.Arrival.Uncertainty, st.Arrival.HasUncertainty),
		nullI32(st.Departure.Delay, st.Departure.HasDelay),
		nullI64(st.Departure.Time, st.Departure.HasTime),
		nullI32(st.Departure.Uncertainty, st.Departure.HasUncertainty),
		feedTS,
	)
	if err != nil {
		return fmt.Errorf("insert stop time update: %w", err)
	}
	return nil
}

// InsertVehiclePositions appends one row per entity for this pull.
// Re-polled duplicates are accepted: these rows are read by "most
// recent within window", not by exact-match dedup.
func (s *SQLite) InsertVehiclePositions(ctx context.Context, configurationID int64, rows []model.VehiclePosition) error {
	if len(rows) == 0 {
		return nil
	}
	table := tableName(tableVehiclePositions, configurationID, rows[0].FeedTimestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range rows {
		vp := &rows[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+`
			   (configuration_id, entity_id, vehicle_id, vehicle_label, license_plate,
			    trip_id, route_id, direction_id, start_time, start_date, schedule_relationship,
			    current_stop_sequence, current_status, congestion_level, occupancy_status, stop_id,
			    latitude, longitude, bearing, odometer, speed, timestamp, feed_timestamp, interval_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			configurationID, vp.EntityID, vp.VehicleID, vp.VehicleLabel, vp.LicensePlate,
			vp.TripID, vp.RouteID, nullDirection(vp.DirectionID), vp.StartTime, vp.StartDate, vp.ScheduleRelationship,
			vp.CurrentStopSequence, vp.CurrentStatus, vp.CongestionLevel, vp.OccupancyStatus, vp.StopID,
			vp.Latitude, vp.Longitude, vp.Bearing, vp.Odometer, vp.Speed, vp.Timestamp, vp.FeedTimestamp,
		)
		if err != nil {
			return fmt.Errorf("insert vehicle position: %w", err)
		}
	}
	return tx.Commit()
}

// InsertServiceAlerts appends one row per (entity, active period) for
// this pull. Same duplication policy as vehicle positions.
func (s *SQLite) InsertServiceAlerts(ctx context.Context, configurationID int64, rows []model.ServiceAlert) error {
	if len(rows) == 0 {
		return nil
	}
	table := tableName(tableServiceAlerts, configurationID, rows[0].FeedTimestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range rows {
		al := &rows[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+`
			   (configuration_id, entity_id, agency_id, route_id, route_type, trip_id, direction_id,
			    start_date, schedule_relationship, stop_id, cause, effect, severity_level,
			    url, header_text, description_text, start_time, end_time, feed_timestamp, interval_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			configurationID, al.EntityID, al.AgencyID, al.RouteID, al.RouteType, al.TripID, nullDirection(al.DirectionID),
			al.StartDate, al.ScheduleRelationship, al.StopID, al.Cause, al.Effect, al.SeverityLevel,
			al.URL, al.HeaderText, al.DescriptionText, al.StartTime, al.EndTime, al.FeedTimestamp,
		)
		if err != nil {
			return fmt.Errorf("insert service alert: %w", err)
		}
	}
	return tx.Commit()
}

// TripUpdatesAt returns trip update rows whose validity window contains ts.
func (s *SQLite) TripUpdatesAt(ctx context.Context, configurationID int64, ts int64) ([]model.TripUpdate, error) {
	table := tableName(tableTripUpdates, configurationID, ts)
	ok, err := s.partitions.exists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT configuration_id, entity_id, trip_id, route_id, direction_id, start_time, start_date,
		        schedule_relationship, vehicle_id, vehicle_label, license_plate, timestamp, delay,
		        feed_timestamp, interval_seconds
		 FROM `+table+` WHERE `+windowPredicate+` ORDER BY rowid`,
		configurationID, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("query trip updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TripUpdate
	for rows.Next() {
		var tu model.TripUpdate
		var dir sql.NullInt64
		err := rows.Scan(&tu.ConfigurationID, &tu.EntityID, &tu.TripID, &tu.RouteID, &dir,
			&tu.StartTime, &tu.StartDate, &tu.ScheduleRelationship,
			&tu.VehicleID, &tu.VehicleLabel, &tu.LicensePlate, &tu.Timestamp, &tu.Delay,
			&tu.FeedTimestamp, &tu.IntervalSeconds)
		if err != nil {
			return nil, fmt.Errorf("scan trip update: %w", err)
		}
		tu.DirectionID = directionPtr(dir)
		out = append(out, tu)
	}
	return out, rows.Err()
}

// StopTimeUpdatesAt returns stop time update rows whose validity window
// contains ts.
func (s *SQLite) StopTimeUpdatesAt(ctx context.Context, configurationID int64, ts int64) ([]model.StopTimeUpdate, error) {
	table := tableName(tableStopTimeUpdates, configurationID, ts)
	ok, err := s.partitions.exists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT configuration_id, trip_update_id, stop_id, stop_sequence, schedule_relationship,
		        arrival_delay, arrival_time, arrival_uncertainty,
		        departure_delay, departure_time, departure_uncertainty,
		        feed_timestamp, interval_seconds
		 FROM `+table+` WHERE `+windowPredicate+` ORDER BY rowid`,
		configurationID, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("query stop time updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.StopTimeUpdate
	for rows.Next() {
		var stu model.StopTimeUpdate
		var aDelay, aTime, aUnc, dDelay, dTime, dUnc sql.NullInt64
		err := rows.Scan(&stu.ConfigurationID, &stu.TripUpdateID, &stu.StopID, &stu.StopSequence,
			&stu.ScheduleRelationship, &aDelay, &aTime, &aUnc, &dDelay, &dTime, &dUnc,
			&stu.FeedTimestamp, &stu.IntervalSeconds)
		if err != nil {
			return nil, fmt.Errorf("scan stop time update: %w", err)
		}
		stu.Arrival = stopTimeEvent(aDelay, aTime, aUnc)
		stu.Departure = stopTimeEvent(dDelay, dTime, dUnc)
		out = append(out, stu)
	}
	return out, rows.Err()
}

// VehiclePositionsAt returns vehicle position rows whose validity
// window contains ts. Their interval is always 0, so this is an exact
// feed timestamp match.
func (s *SQLite) VehiclePositionsAt(ctx context.Context, configurationID int64, ts int64) ([]model.VehiclePosition, error) {
	table := tableName(tableVehiclePositions, configurationID, ts)
	ok, err := s.partitions.exists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT configuration_id, entity_id, vehicle_id, vehicle_label, license_plate,
		        trip_id, route_id, direction_id, start_time, start_date, schedule_relationship,
		        current_stop_sequence, current_status, congestion_level, occupancy_status, stop_id,
		        latitude, longitude, bearing, odometer, speed, timestamp, feed_timestamp
		 FROM `+table+` WHERE `+windowPredicate+` ORDER BY rowid`,
		configurationID, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("query vehicle positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.VehiclePosition
	for rows.Next() {
		var vp model.VehiclePosition
		var dir sql.NullInt64
		err := rows.Scan(&vp.ConfigurationID, &vp.EntityID, &vp.VehicleID, &vp.VehicleLabel, &vp.LicensePlate,
			&vp.TripID, &vp.RouteID, &dir, &vp.StartTime, &vp.StartDate, &vp.ScheduleRelationship,
			&vp.CurrentStopSequence, &vp.CurrentStatus, &vp.CongestionLevel, &vp.OccupancyStatus, &vp.StopID,
			&vp.Latitude, &vp.Longitude, &vp.Bearing, &vp.Odometer, &vp.Speed, &vp.Timestamp, &vp.FeedTimestamp)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle position: %w", err)
		}
		vp.DirectionID = directionPtr(dir)
		out = append(out, vp)
	}
	return out, rows.Err()
}

// ServiceAlertsAt returns service alert rows whose validity window
// contains ts.
func (s *SQLite) ServiceAlertsAt(ctx context.Context, configurationID int64, ts int64) ([]model.ServiceAlert, error) {
	table := tableName(tableServiceAlerts, configurationID, ts)
	ok, err := s.partitions.exists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT configuration_id, entity_id, agency_id, route_id, route_type, trip_id, direction_id,
		        start_date, schedule_relationship, stop_id, cause, effect, severity_level,
		        url, header_text, description_text, start_time, end_time, feed_timestamp
		 FROM `+table+` WHERE `+windowPredicate+` ORDER BY rowid`,
		configurationID, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("query service alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ServiceAlert
	for rows.Next() {
		var al model.ServiceAlert
		var dir sql.NullInt64
		err := rows.Scan(&al.ConfigurationID, &al.EntityID, &al.AgencyID, &al.RouteID, &al.RouteType,
			&al.TripID, &dir, &al.StartDate, &al.ScheduleRelationship, &al.StopID,
			&al.Cause, &al.Effect, &al.SeverityLevel, &al.URL, &al.HeaderText, &al.DescriptionText,
			&al.StartTime, &al.EndTime, &al.FeedTimestamp)
		if err != nil {
			return nil, fmt.Errorf("scan service alert: %w", err)
		}
		al.DirectionID = directionPtr(dir)
		out = append(out, al)
	}
	return out, rows.Err()
}

// LatestTripUpdateTimestamp returns the newest feed timestamp across
// all trip update partitions of a configuration.
func (s *SQLite) LatestTripUpdateTimestamp(ctx context.Context, configurationID int64) (int64, bool, error) {
	tables, err := s.partitions.listPartitions(ctx, tableTripUpdates, configurationID)
	if err != nil {
		return 0, false, err
	}
	for _, table := range tables {
		var maxTS sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT MAX(feed_timestamp) FROM `+table+` WHERE configuration_id = ?`, configurationID,
		).Scan(&maxTS)
		if err != nil {
			return 0, false, fmt.Errorf("max feed timestamp: %w", err)
		}
		if maxTS.Valid {
			return maxTS.Int64, true, nil
		}
	}
	return 0, false, nil
}

func nullI32(v int32, ok bool) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: ok}
}

func nullI64(v int64, ok bool) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: ok}
}

func nullDirection(p *int32) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func directionPtr(v sql.NullInt64) *int32 {
	if !v.Valid {
		return nil
	}
	d := int32(v.Int64)
	return &d
}

func stopTimeEvent(delay, ts, uncertainty sql.NullInt64) model.StopTimeEvent {
	return model.StopTimeEvent{
		Delay:          int32(delay.Int64),
		Time:           ts.Int64,
		Uncertainty:    int32(uncertainty.Int64),
		HasDelay:       delay.Valid,
		HasTime:        ts.Valid,
		HasUncertainty: uncertainty.Valid,
	}
}
