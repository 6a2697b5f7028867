package reconstruct

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/camsys/gtfs-realtime/internal/differ"
	"github.com/camsys/gtfs-realtime/internal/gtfsrt"
	"github.com/camsys/gtfs-realtime/internal/model"
	"github.com/camsys/gtfs-realtime/internal/storage"
)

var baseTS = time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC).Unix()

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, s *storage.SQLite, configID int64, prev, cur *gtfsrt.Snapshot, interval int64) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsurePartitions(ctx, configID, cur.Timestamp); err != nil {
		t.Fatalf("ensure partitions: %v", err)
	}
	if err := s.ApplyChangeSet(ctx, configID, differ.New().Diff(prev, cur, interval)); err != nil {
		t.Fatalf("apply change set: %v", err)
	}
}

func TestAtRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Stops deliberately out of sequence order in the feed.
	ent := gtfsrt.TripUpdateEntity{
		TripUpdate: model.TripUpdate{EntityID: "e1", TripID: "trip-1", RouteID: "route-1"},
		StopTimes: []model.StopTime{
			{StopID: "s2", StopSequence: 2, Departure: model.StopTimeEvent{Time: baseTS + 200, HasTime: true}},
			{StopID: "s1", StopSequence: 1, Departure: model.StopTimeEvent{Time: baseTS + 100, HasTime: true}},
		},
	}
	seed(t, s, 1, nil, &gtfsrt.Snapshot{Timestamp: baseTS, TripUpdates: []gtfsrt.TripUpdateEntity{ent}}, 30)

	vps := []model.VehiclePosition{
		{ConfigurationID: 1, EntityID: "e1", TripID: "trip-1", Latitude: 52.5, Longitude: 13.4, FeedTimestamp: baseTS},
	}
	if err := s.InsertVehiclePositions(ctx, 1, vps); err != nil {
		t.Fatalf("insert vehicle positions: %v", err)
	}
	alerts := []model.ServiceAlert{
		{ConfigurationID: 1, EntityID: "a1", RouteID: "route-1", HeaderText: "detour", StartTime: 100, EndTime: 200, FeedTimestamp: baseTS},
	}
	if err := s.InsertServiceAlerts(ctx, 1, alerts); err != nil {
		t.Fatalf("insert alerts: %v", err)
	}

	snap, err := New(s, testLogger()).At(ctx, 1, baseTS, "")
	if err != nil {
		t.Fatalf("at: %v", err)
	}

	if snap.Timestamp != baseTS {
		t.Errorf("Timestamp = %d, want %d", snap.Timestamp, baseTS)
	}
	if len(snap.TripUpdates) != 1 {
		t.Fatalf("expected 1 trip update, got %d", len(snap.TripUpdates))
	}

	got := snap.TripUpdates[0]
	if got.EntityID != "e1" || got.TripID != "trip-1" {
		t.Errorf("unexpected trip identity: %+v", got.TripUpdate)
	}
	wantStops := []string{"s1", "s2"}
	var gotStops []string
	for _, st := range got.StopTimes {
		gotStops = append(gotStops, st.StopID)
	}
	if diff := cmp.Diff(wantStops, gotStops); diff != "" {
		t.Errorf("stop order mismatch (-want +got):\n%s", diff)
	}

	if len(snap.VehiclePositions) != 1 || snap.VehiclePositions[0].EntityID != "e1" {
		t.Errorf("vehicle positions: %+v", snap.VehiclePositions)
	}
	if len(snap.Alerts) != 1 || snap.Alerts[0].HeaderText != "detour" {
		t.Errorf("alerts: %+v", snap.Alerts)
	}
}

func TestAtBetweenPulls(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1 := baseTS + 30
	ent := gtfsrt.TripUpdateEntity{
		TripUpdate: model.TripUpdate{EntityID: "e1", TripID: "trip-1"},
		StopTimes:  []model.StopTime{{StopID: "s1", StopSequence: 1}},
	}
	s0 := &gtfsrt.Snapshot{Timestamp: baseTS, TripUpdates: []gtfsrt.TripUpdateEntity{ent}}
	s1 := &gtfsrt.Snapshot{Timestamp: t1, TripUpdates: []gtfsrt.TripUpdateEntity{ent}}
	seed(t, s, 1, nil, s0, 30)
	seed(t, s, 1, s0, s1, 30)

	// A timestamp between the two pulls hits the extended window.
	snap, err := New(s, testLogger()).At(ctx, 1, baseTS+15, "")
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if len(snap.TripUpdates) != 1 {
		t.Fatalf("expected 1 trip update between pulls, got %d", len(snap.TripUpdates))
	}
	if len(snap.TripUpdates[0].StopTimes) != 1 {
		t.Errorf("expected the stop to be in window, got %d", len(snap.TripUpdates[0].StopTimes))
	}
}

func TestAtDefaultsToLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1 := baseTS + 30
	ent := gtfsrt.TripUpdateEntity{TripUpdate: model.TripUpdate{EntityID: "e1", TripID: "trip-1"}}
	s0 := &gtfsrt.Snapshot{Timestamp: baseTS, TripUpdates: []gtfsrt.TripUpdateEntity{ent}}
	s1 := &gtfsrt.Snapshot{Timestamp: t1, TripUpdates: []gtfsrt.TripUpdateEntity{ent}}
	seed(t, s, 1, nil, s0, 30)
	seed(t, s, 1, s0, s1, 30)

	snap, err := New(s, testLogger()).At(ctx, 1, 0, "")
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if snap.Timestamp != t1 {
		t.Errorf("default target = %d, want latest %d", snap.Timestamp, t1)
	}
	if len(snap.TripUpdates) != 1 {
		t.Errorf("expected 1 trip update at latest, got %d", len(snap.TripUpdates))
	}
}

func TestAtDefaultsToLatestWithStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.EnsurePartitions(ctx, 1, baseTS); err != nil {
		t.Fatalf("ensure partitions: %v", err)
	}

	ts1, ts2 := baseTS, baseTS+30
	good := &model.Feed{ConfigurationID: 1, Kind: model.KindTripUpdates, FeedTimestamp: &ts1, Status: model.StatusSuccessful}
	bad := &model.Feed{ConfigurationID: 1, Kind: model.KindTripUpdates, FeedTimestamp: &ts2, Status: model.StatusErrored}
	for _, f := range []*model.Feed{good, bad} {
		if err := s.CreateFeed(ctx, f, baseTS); err != nil {
			t.Fatalf("create feed: %v", err)
		}
	}

	snap, err := New(s, testLogger()).At(ctx, 1, 0, model.StatusSuccessful)
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if snap.Timestamp != ts1 {
		t.Errorf("status-filtered target = %d, want %d", snap.Timestamp, ts1)
	}
}

func TestAtEmptyStore(t *testing.T) {
	s := newTestStore(t)

	snap, err := New(s, testLogger()).At(context.Background(), 1, 0, "")
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if !snap.Empty() {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}
