// Package ingest drives one ingestion pass per configuration: fetch,
// decode, diff, store, and provenance bookkeeping.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/camsys/gtfs-realtime/internal/differ"
	"github.com/camsys/gtfs-realtime/internal/fetcher"
	"github.com/camsys/gtfs-realtime/internal/gtfsrt"
	"github.com/camsys/gtfs-realtime/internal/handler"
	"github.com/camsys/gtfs-realtime/internal/model"
	"github.com/camsys/gtfs-realtime/internal/storage"
)

// Ingestor processes the feeds of one configuration at a time. The
// previous-snapshot cache lives for the process's uptime; after a
// restart the first pass per configuration is a full insert.
type Ingestor struct {
	store      storage.Storage
	fetcher    *fetcher.Fetcher
	registry   *handler.Registry
	cache      *differ.Cache
	log        *slog.Logger
	archiveDir string
}

// New creates an Ingestor.
func New(store storage.Storage, f *fetcher.Fetcher, registry *handler.Registry, log *slog.Logger) *Ingestor {
	return &Ingestor{
		store:    store,
		fetcher:  f,
		registry: registry,
		cache:    differ.NewCache(),
		log:      log,
	}
}

// SetArchiveDir enables archiving of raw payloads under dir. The
// archived path is recorded on the provenance row.
func (in *Ingestor) SetArchiveDir(dir string) {
	in.archiveDir = dir
}

// Process runs one ingestion pass for a configuration. Each configured
// feed kind is processed independently; a failure in one never blocks
// the others.
func (in *Ingestor) Process(ctx context.Context, cfg model.Configuration) {
	pair := in.registry.Lookup(cfg.Handler)

	if cfg.TripUpdatesFeed != "" {
		in.processTripUpdates(ctx, &cfg, pair)
	}
	if cfg.VehiclePositionsFeed != "" {
		in.processVehiclePositions(ctx, &cfg, pair.Codec)
	}
	if cfg.ServiceAlertsFeed != "" {
		in.processServiceAlerts(ctx, &cfg, pair.Codec)
	}
}

func (in *Ingestor) processTripUpdates(ctx context.Context, cfg *model.Configuration, pair handler.Pair) {
	log := in.log.With("configuration_id", cfg.ID, "kind", model.KindTripUpdates)

	raw, err := in.fetcher.Fetch(ctx, cfg.TripUpdatesFeed)
	if err != nil {
		// Fetch failures are retried on the next tick; no provenance
		// row exists yet for this pull.
		log.Error("fetch feed", "url", cfg.TripUpdatesFeed, "error", err)
		return
	}

	snap, decodeErr := pair.Codec.Decode(raw)
	instant := time.Now().Unix()
	feed := &model.Feed{ConfigurationID: cfg.ID, Kind: model.KindTripUpdates, Status: model.StatusQueued}
	if decodeErr == nil {
		instant = snap.Timestamp
		feed.FeedTimestamp = &snap.Timestamp
	}

	if err := in.store.EnsurePartitions(ctx, cfg.ID, instant); err != nil {
		log.Error("ensure partitions", "error", err)
		return
	}
	feed.FeedFile = in.archive(raw, cfg.Name, model.KindTripUpdates)

	if decodeErr != nil {
		feed.Status = model.StatusErrored
		if err := in.store.CreateFeed(ctx, feed, instant); err != nil {
			log.Error("record errored feed", "error", err)
		}
		log.Warn("decode feed", "error", decodeErr)
		return
	}

	if err := in.store.CreateFeed(ctx, feed, instant); err != nil {
		log.Error("record feed", "error", err)
		return
	}

	claimed, err := in.store.ClaimFeed(ctx, feed, instant)
	if err != nil {
		log.Error("claim feed", "error", err)
		return
	}
	if !claimed {
		log.Info("another pull is being processed, skipping pass")
		return
	}

	prev := in.cache.Get(cfg.ID, model.KindTripUpdates)
	cs := pair.Differ.Diff(prev, snap, cfg.IntervalSeconds)

	if err := in.store.ApplyChangeSet(ctx, cfg.ID, cs); err != nil {
		// The pass is all-or-nothing; the cached baseline stays put so
		// the next pass retries the same diff.
		log.Error("apply change set", "error", err)
		in.resolve(ctx, log, feed, instant, model.StatusErrored)
		return
	}
	in.cache.Put(cfg.ID, model.KindTripUpdates, snap)

	status := model.StatusSuccessful
	if len(snap.TripUpdates) == 0 {
		status = model.StatusEmpty
	}
	in.resolve(ctx, log, feed, instant, status)

	log.Debug("processed trip updates",
		"feed_timestamp", snap.Timestamp,
		"fresh_trips", len(cs.FreshTrips), "extended_trips", len(cs.ExtendedTrips),
		"fresh_stops", len(cs.FreshStops), "extended_stops", len(cs.ExtendedStops),
		"no_op", cs.NoOp, "full_reset", cs.FullReset)
}

func (in *Ingestor) processVehiclePositions(ctx context.Context, cfg *model.Configuration, codec gtfsrt.Codec) {
	log := in.log.With("configuration_id", cfg.ID, "kind", model.KindVehiclePositions)
	in.processAppendOnly(ctx, log, cfg, codec, model.KindVehiclePositions, cfg.VehiclePositionsFeed,
		func(snap *gtfsrt.Snapshot) (int, error) {
			for i := range snap.VehiclePositions {
				snap.VehiclePositions[i].ConfigurationID = cfg.ID
			}
			return len(snap.VehiclePositions), in.store.InsertVehiclePositions(ctx, cfg.ID, snap.VehiclePositions)
		})
}

func (in *Ingestor) processServiceAlerts(ctx context.Context, cfg *model.Configuration, codec gtfsrt.Codec) {
	log := in.log.With("configuration_id", cfg.ID, "kind", model.KindServiceAlerts)
	in.processAppendOnly(ctx, log, cfg, codec, model.KindServiceAlerts, cfg.ServiceAlertsFeed,
		func(snap *gtfsrt.Snapshot) (int, error) {
			for i := range snap.Alerts {
				snap.Alerts[i].ConfigurationID = cfg.ID
			}
			return len(snap.Alerts), in.store.InsertServiceAlerts(ctx, cfg.ID, snap.Alerts)
		})
}

// processAppendOnly handles the kinds without diffing: every pull
// inserts one fresh row per entity, and the provenance row resolves
// synchronously.
func (in *Ingestor) processAppendOnly(ctx context.Context, log *slog.Logger, cfg *model.Configuration, codec gtfsrt.Codec, kind model.FeedKind, url string, insert func(*gtfsrt.Snapshot) (int, error)) {
	raw, err := in.fetcher.Fetch(ctx, url)
	if err != nil {
		log.Error("fetch feed", "url", url, "error", err)
		return
	}

	snap, decodeErr := codec.Decode(raw)
	instant := time.Now().Unix()
	feed := &model.Feed{ConfigurationID: cfg.ID, Kind: kind}
	if decodeErr == nil {
		instant = snap.Timestamp
		feed.FeedTimestamp = &snap.Timestamp
	}

	if err := in.store.EnsurePartitions(ctx, cfg.ID, instant); err != nil {
		log.Error("ensure partitions", "error", err)
		return
	}
	feed.FeedFile = in.archive(raw, cfg.Name, kind)

	switch {
	case decodeErr != nil:
		feed.Status = model.StatusErrored
		log.Warn("decode feed", "error", decodeErr)
	default:
		n, err := insert(snap)
		switch {
		case err != nil:
			feed.Status = model.StatusErrored
			log.Error("insert rows", "error", err)
		case n == 0:
			feed.Status = model.StatusEmpty
		default:
			feed.Status = model.StatusSuccessful
		}
	}

	if err := in.store.CreateFeed(ctx, feed, instant); err != nil {
		log.Error("record feed", "error", err)
	}
}

func (in *Ingestor) resolve(ctx context.Context, log *slog.Logger, feed *model.Feed, instant int64, status model.FeedStatus) {
	if err := in.store.ResolveFeed(ctx, feed, instant, status); err != nil {
		log.Error("resolve feed", "status", status, "error", err)
	}
}

func (in *Ingestor) archive(raw []byte, name string, kind model.FeedKind) string {
	if in.archiveDir == "" {
		return ""
	}
	path := filepath.Join(in.archiveDir, fmt.Sprintf("%d_%s_%s.pb", time.Now().Unix(), name, kind))
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		in.log.Warn("archive raw payload", "path", path, "error", err)
		return ""
	}
	return path
}
