package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/camsys/gtfs-realtime/internal/differ"
	"github.com/camsys/gtfs-realtime/internal/fetcher"
	"github.com/camsys/gtfs-realtime/internal/handler"
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

func newTestIngestor(t *testing.T, store *storage.SQLite) *Ingestor {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, fetcher.New(http.DefaultClient), handler.NewRegistry(), log)
}

// writeFeedFile marshals a FeedMessage into a temp file the fetcher
// reads as a local source.
func writeFeedFile(t *testing.T, fm *gtfsrtpb.FeedMessage) string {
	t.Helper()
	data, err := proto.Marshal(fm)
	if err != nil {
		t.Fatalf("marshal feed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "feed.pb")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write feed file: %v", err)
	}
	return path
}

func tripUpdatesMessage(ts int64, tripIDs ...string) *gtfsrtpb.FeedMessage {
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(ts)),
		},
	}
	for _, id := range tripIDs {
		fm.Entity = append(fm.Entity, &gtfsrtpb.FeedEntity{
			Id: proto.String("ent-" + id),
			TripUpdate: &gtfsrtpb.TripUpdate{
				Trip: &gtfsrtpb.TripDescriptor{TripId: proto.String(id), RouteId: proto.String("route-1")},
				StopTimeUpdate: []*gtfsrtpb.TripUpdate_StopTimeUpdate{
					{
						StopId:       proto.String("s1"),
						StopSequence: proto.Uint32(1),
						Departure:    &gtfsrtpb.TripUpdate_StopTimeEvent{Time: proto.Int64(ts + 100)},
					},
				},
			},
		})
	}
	return fm
}

func newConfiguration(t *testing.T, store *storage.SQLite, tuFeed, vpFeed, saFeed string) model.Configuration {
	t.Helper()
	cfg := model.Configuration{
		Name:                 "metro",
		TripUpdatesFeed:      tuFeed,
		VehiclePositionsFeed: vpFeed,
		ServiceAlertsFeed:    saFeed,
		IntervalSeconds:      30,
	}
	if err := store.CreateConfiguration(context.Background(), &cfg); err != nil {
		t.Fatalf("create configuration: %v", err)
	}
	return cfg
}

func listFeeds(t *testing.T, store *storage.SQLite, configID int64) []model.Feed {
	t.Helper()
	feeds, err := store.ListFeeds(context.Background(), configID, baseTS, "")
	if err != nil {
		t.Fatalf("list feeds: %v", err)
	}
	return feeds
}

func TestProcessTripUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := newTestIngestor(t, store)

	path := writeFeedFile(t, tripUpdatesMessage(baseTS, "trip-1", "trip-2"))
	cfg := newConfiguration(t, store, path, "", "")

	ing.Process(ctx, cfg)

	trips, err := store.TripUpdatesAt(ctx, cfg.ID, baseTS)
	if err != nil {
		t.Fatalf("read trips: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("expected 2 trip rows, got %d", len(trips))
	}

	feeds := listFeeds(t, store, cfg.ID)
	if len(feeds) != 1 {
		t.Fatalf("expected 1 provenance row, got %d", len(feeds))
	}
	f := feeds[0]
	if f.Kind != model.KindTripUpdates || f.Status != model.StatusSuccessful {
		t.Errorf("provenance = %s/%s, want trip_updates/successful", f.Kind, f.Status)
	}
	if f.FeedTimestamp == nil || *f.FeedTimestamp != baseTS {
		t.Errorf("FeedTimestamp = %v, want %d", f.FeedTimestamp, baseTS)
	}
}

func TestProcessTripUpdatesExtendsOnSecondPull(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := newTestIngestor(t, store)

	cfg := newConfiguration(t, store, writeFeedFile(t, tripUpdatesMessage(baseTS, "trip-1")), "", "")
	ing.Process(ctx, cfg)

	cfg.TripUpdatesFeed = writeFeedFile(t, tripUpdatesMessage(baseTS+30, "trip-1"))
	ing.Process(ctx, cfg)

	trips, err := store.TripUpdatesAt(ctx, cfg.ID, baseTS+30)
	if err != nil {
		t.Fatalf("read trips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("expected 1 trip row, got %d", len(trips))
	}
	if trips[0].FeedTimestamp != baseTS+30 || trips[0].IntervalSeconds != 30 {
		t.Errorf("expected extended window, got feed_timestamp=%d interval=%d",
			trips[0].FeedTimestamp, trips[0].IntervalSeconds)
	}

	if feeds := listFeeds(t, store, cfg.ID); len(feeds) != 2 {
		t.Errorf("expected 2 provenance rows, got %d", len(feeds))
	}
}

func TestProcessDecodeFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := newTestIngestor(t, store)

	path := filepath.Join(t.TempDir(), "garbage.pb")
	if err := os.WriteFile(path, []byte{0xff, 0xfe, 0xfd, 0x01, 0x02}, 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	cfg := newConfiguration(t, store, path, "", "")

	ing.Process(ctx, cfg)

	feeds, err := store.ListFeeds(ctx, cfg.ID, time.Now().Unix(), "")
	if err != nil {
		t.Fatalf("list feeds: %v", err)
	}
	if len(feeds) != 1 {
		t.Fatalf("expected 1 provenance row, got %d", len(feeds))
	}
	if feeds[0].Status != model.StatusErrored {
		t.Errorf("status = %s, want errored", feeds[0].Status)
	}
	if feeds[0].FeedTimestamp != nil {
		t.Errorf("decode failure should have nil feed timestamp, got %d", *feeds[0].FeedTimestamp)
	}
}

func TestProcessEmptyTripUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := newTestIngestor(t, store)

	cfg := newConfiguration(t, store, writeFeedFile(t, tripUpdatesMessage(baseTS)), "", "")
	ing.Process(ctx, cfg)

	feeds := listFeeds(t, store, cfg.ID)
	if len(feeds) != 1 || feeds[0].Status != model.StatusEmpty {
		t.Fatalf("expected one empty provenance row, got %+v", feeds)
	}
}

func TestProcessVehiclePositions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := newTestIngestor(t, store)

	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(baseTS)),
		},
		Entity: []*gtfsrtpb.FeedEntity{
			{
				Id: proto.String("v1"),
				Vehicle: &gtfsrtpb.VehiclePosition{
					Trip:     &gtfsrtpb.TripDescriptor{TripId: proto.String("trip-1")},
					Position: &gtfsrtpb.Position{Latitude: proto.Float32(52.5), Longitude: proto.Float32(13.4)},
				},
			},
		},
	}
	cfg := newConfiguration(t, store, "", writeFeedFile(t, fm), "")

	ing.Process(ctx, cfg)

	vps, err := store.VehiclePositionsAt(ctx, cfg.ID, baseTS)
	if err != nil {
		t.Fatalf("read vehicle positions: %v", err)
	}
	if len(vps) != 1 || vps[0].EntityID != "v1" || vps[0].ConfigurationID != cfg.ID {
		t.Fatalf("unexpected rows: %+v", vps)
	}

	feeds := listFeeds(t, store, cfg.ID)
	if len(feeds) != 1 || feeds[0].Kind != model.KindVehiclePositions || feeds[0].Status != model.StatusSuccessful {
		t.Errorf("unexpected provenance: %+v", feeds)
	}
}

func TestProcessKindsIsolated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := newTestIngestor(t, store)

	garbage := filepath.Join(t.TempDir(), "garbage.pb")
	if err := os.WriteFile(garbage, []byte{0xff, 0xfe, 0xfd, 0x01, 0x02}, 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// Trip updates fail to decode; vehicle positions still get through.
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(baseTS)),
		},
		Entity: []*gtfsrtpb.FeedEntity{
			{Id: proto.String("v1"), Vehicle: &gtfsrtpb.VehiclePosition{}},
		},
	}
	cfg := newConfiguration(t, store, garbage, writeFeedFile(t, fm), "")

	ing.Process(ctx, cfg)

	vps, err := store.VehiclePositionsAt(ctx, cfg.ID, baseTS)
	if err != nil {
		t.Fatalf("read vehicle positions: %v", err)
	}
	if len(vps) != 1 {
		t.Errorf("vehicle positions should be processed despite trip update failure, got %d rows", len(vps))
	}
}

// failingStore fails ApplyChangeSet a set number of times before
// delegating to the real store.
type failingStore struct {
	storage.Storage
	failures int
}

func (s *failingStore) ApplyChangeSet(ctx context.Context, configurationID int64, cs *differ.ChangeSet) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.Storage.ApplyChangeSet(ctx, configurationID, cs)
}

func TestProcessApplyFailureRetainsBaseline(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fs := &failingStore{Storage: store}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ing := New(fs, fetcher.New(http.DefaultClient), handler.NewRegistry(), log)

	cfg := newConfiguration(t, store, writeFeedFile(t, tripUpdatesMessage(baseTS, "trip-1")), "", "")
	ing.Process(ctx, cfg)

	// Second pull fails to persist. The pass must mark its provenance
	// row errored and leave the stored rows untouched.
	fs.failures = 1
	cfg.TripUpdatesFeed = writeFeedFile(t, tripUpdatesMessage(baseTS+30, "trip-1"))
	ing.Process(ctx, cfg)

	trips, err := store.TripUpdatesAt(ctx, cfg.ID, baseTS)
	if err != nil {
		t.Fatalf("read trips: %v", err)
	}
	if len(trips) != 1 || trips[0].FeedTimestamp != baseTS || trips[0].IntervalSeconds != 0 {
		t.Fatalf("rows changed by failed pass: %+v", trips)
	}
	if trips, err := store.TripUpdatesAt(ctx, cfg.ID, baseTS+30); err != nil || len(trips) != 0 {
		t.Fatalf("failed pass left rows at its timestamp: %v %+v", err, trips)
	}

	feeds, err := store.ListFeeds(ctx, cfg.ID, baseTS+30, "")
	if err != nil {
		t.Fatalf("list feeds: %v", err)
	}
	if len(feeds) != 2 || feeds[0].Status != model.StatusErrored {
		t.Fatalf("expected newest provenance row errored, got %+v", feeds)
	}

	// Third pull diffs against the first pull's snapshot, since the
	// failed pass never replaced the cached baseline. The first pull's
	// row is extended across the gap.
	cfg.TripUpdatesFeed = writeFeedFile(t, tripUpdatesMessage(baseTS+60, "trip-1"))
	ing.Process(ctx, cfg)

	trips, err = store.TripUpdatesAt(ctx, cfg.ID, baseTS+60)
	if err != nil {
		t.Fatalf("read trips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("expected 1 trip row, got %d", len(trips))
	}
	if trips[0].FeedTimestamp != baseTS+60 || trips[0].IntervalSeconds != 30 {
		t.Errorf("expected extension against the pre-failure baseline, got feed_timestamp=%d interval=%d",
			trips[0].FeedTimestamp, trips[0].IntervalSeconds)
	}
}

func TestProcessArchivesRawPayload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := newTestIngestor(t, store)

	archiveDir := t.TempDir()
	ing.SetArchiveDir(archiveDir)

	cfg := newConfiguration(t, store, writeFeedFile(t, tripUpdatesMessage(baseTS, "trip-1")), "", "")
	ing.Process(ctx, cfg)

	feeds := listFeeds(t, store, cfg.ID)
	if len(feeds) != 1 {
		t.Fatalf("expected 1 provenance row, got %d", len(feeds))
	}
	if feeds[0].FeedFile == "" {
		t.Fatal("expected archived payload reference on the provenance row")
	}
	if _, err := os.Stat(feeds[0].FeedFile); err != nil {
		t.Errorf("archived file missing: %v", err)
	}
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 archived file, got %d", len(entries))
	}
}
