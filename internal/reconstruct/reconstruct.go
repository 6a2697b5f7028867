// Package reconstruct rebuilds the feed snapshot that was valid at a
// point in time from the delta-compressed record tables.
package reconstruct

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/camsys/gtfs-realtime/internal/gtfsrt"
	"github.com/camsys/gtfs-realtime/internal/model"
	"github.com/camsys/gtfs-realtime/internal/storage"
)

// Reconstructor answers point-in-time queries against the store.
type Reconstructor struct {
	store storage.Storage
	log   *slog.Logger
}

// New creates a Reconstructor.
func New(store storage.Storage, log *slog.Logger) *Reconstructor {
	return &Reconstructor{store: store, log: log}
}

// At returns the snapshot valid at ts for one configuration. A ts of
// zero means "most recent": the newest stored trip update timestamp,
// or, when statusFilter is set, the newest provenance row with that
// status. Reads are fail-soft per kind; a kind that cannot be read is
// returned empty rather than failing the whole reconstruction.
func (r *Reconstructor) At(ctx context.Context, configurationID int64, ts int64, statusFilter model.FeedStatus) (*gtfsrt.Snapshot, error) {
	target, err := r.resolveTarget(ctx, configurationID, ts, statusFilter)
	if err != nil {
		return nil, err
	}

	snap := &gtfsrt.Snapshot{Timestamp: target}

	trips, err := r.store.TripUpdatesAt(ctx, configurationID, target)
	if err != nil {
		r.log.Warn("read trip updates", "configuration_id", configurationID, "timestamp", target, "error", err)
	}
	stops, err := r.store.StopTimeUpdatesAt(ctx, configurationID, target)
	if err != nil {
		r.log.Warn("read stop time updates", "configuration_id", configurationID, "timestamp", target, "error", err)
	}
	snap.TripUpdates = assembleTrips(trips, stops)

	if snap.VehiclePositions, err = r.store.VehiclePositionsAt(ctx, configurationID, target); err != nil {
		r.log.Warn("read vehicle positions", "configuration_id", configurationID, "timestamp", target, "error", err)
	}
	if snap.Alerts, err = r.store.ServiceAlertsAt(ctx, configurationID, target); err != nil {
		r.log.Warn("read service alerts", "configuration_id", configurationID, "timestamp", target, "error", err)
	}

	return snap, nil
}

func (r *Reconstructor) resolveTarget(ctx context.Context, configurationID int64, ts int64, statusFilter model.FeedStatus) (int64, error) {
	if ts != 0 {
		return ts, nil
	}

	var (
		latest int64
		ok     bool
		err    error
	)
	if statusFilter != "" {
		latest, ok, err = r.store.LatestFeedTimestamp(ctx, configurationID, model.KindTripUpdates, statusFilter)
	} else {
		latest, ok, err = r.store.LatestTripUpdateTimestamp(ctx, configurationID)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve latest timestamp: %w", err)
	}
	if !ok {
		// Nothing stored yet. Reads against "now" come back empty.
		return time.Now().Unix(), nil
	}
	return latest, nil
}

// assembleTrips attaches each trip's stop time updates, ordered by stop
// sequence. Stops whose trip update is not part of the snapshot are
// dropped.
func assembleTrips(trips []model.TripUpdate, stops []model.StopTimeUpdate) []gtfsrt.TripUpdateEntity {
	byTrip := make(map[string][]model.StopTime, len(trips))
	for _, stu := range stops {
		byTrip[stu.TripUpdateID] = append(byTrip[stu.TripUpdateID], stu.StopTime)
	}

	out := make([]gtfsrt.TripUpdateEntity, 0, len(trips))
	for _, tu := range trips {
		sts := byTrip[tu.EntityID]
		sort.SliceStable(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
		out = append(out, gtfsrt.TripUpdateEntity{TripUpdate: tu, StopTimes: sts})
	}
	return out
}
