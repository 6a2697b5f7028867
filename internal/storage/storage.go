// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"github.com/camsys/gtfs-realtime/internal/differ"
	"github.com/camsys/gtfs-realtime/internal/model"
)

// Storage is the interface for all persistence operations. Partitioned
// record tables are addressed by (configuration, weekly bucket); reads
// against a partition that does not exist return empty results.
type Storage interface {
	CreateConfiguration(ctx context.Context, cfg *model.Configuration) error
	GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error)
	GetConfigurationByName(ctx context.Context, name string) (*model.Configuration, error)
	ListConfigurations(ctx context.Context) ([]model.Configuration, error)
	ListDueConfigurations(ctx context.Context) ([]model.Configuration, error)
	UpdateConfiguration(ctx context.Context, cfg *model.Configuration) error

	// EnsurePartitions creates, if absent, the partition tables of all
	// record kinds (and the provenance table) for the week containing
	// instant. Idempotent; called on every ingestion pass.
	EnsurePartitions(ctx context.Context, configurationID int64, instant int64) error

	CreateFeed(ctx context.Context, feed *model.Feed, instant int64) error
	ClaimFeed(ctx context.Context, feed *model.Feed, instant int64) (bool, error)
	ResolveFeed(ctx context.Context, feed *model.Feed, instant int64, status model.FeedStatus) error
	ListFeeds(ctx context.Context, configurationID int64, instant int64, status model.FeedStatus) ([]model.Feed, error)
	LatestFeedTimestamp(ctx context.Context, configurationID int64, kind model.FeedKind, status model.FeedStatus) (int64, bool, error)

	// ApplyChangeSet commits one differencing pass as a single atomic
	// unit: either every insert and extension lands, or none do.
	ApplyChangeSet(ctx context.Context, configurationID int64, cs *differ.ChangeSet) error
	InsertVehiclePositions(ctx context.Context, configurationID int64, rows []model.VehiclePosition) error
	InsertServiceAlerts(ctx context.Context, configurationID int64, rows []model.ServiceAlert) error

	// Point-in-time reads: rows whose validity window contains ts.
	TripUpdatesAt(ctx context.Context, configurationID int64, ts int64) ([]model.TripUpdate, error)
	StopTimeUpdatesAt(ctx context.Context, configurationID int64, ts int64) ([]model.StopTimeUpdate, error)
	VehiclePositionsAt(ctx context.Context, configurationID int64, ts int64) ([]model.VehiclePosition, error)
	ServiceAlertsAt(ctx context.Context, configurationID int64, ts int64) ([]model.ServiceAlert, error)
	LatestTripUpdateTimestamp(ctx context.Context, configurationID int64) (int64, bool, error)

	Close() error
}
