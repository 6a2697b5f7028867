// Package model defines the domain types used across the application.
package model

import "time"

// FeedKind identifies which of the three GTFS-Realtime feeds a record
// or provenance row belongs to.
type FeedKind string

// Supported feed kinds.
const (
	KindTripUpdates      FeedKind = "trip_updates"
	KindVehiclePositions FeedKind = "vehicle_positions"
	KindServiceAlerts    FeedKind = "service_alerts"
)

// FeedStatus is the processing state of one fetched feed snapshot.
type FeedStatus string

// Feed status lifecycle: queued -> running -> {successful | empty | errored}.
// Vehicle positions and service alerts resolve synchronously and never
// pass through running.
const (
	StatusQueued     FeedStatus = "queued"
	StatusRunning    FeedStatus = "running"
	StatusSuccessful FeedStatus = "successful"
	StatusEmpty      FeedStatus = "empty"
	StatusErrored    FeedStatus = "errored"
)

// Configuration identifies one transit operator's feed triple and owns
// all partitions and provenance rows for its id.
type Configuration struct {
	ID                   int64
	Name                 string
	Handler              string
	TripUpdatesFeed      string
	VehiclePositionsFeed string
	ServiceAlertsFeed    string
	IntervalSeconds      int64
	LastRunAt            *time.Time
	CreatedAt            time.Time
}

// TripUpdate is one stored trip update row. Its validity window is
// [FeedTimestamp - IntervalSeconds, FeedTimestamp]; at most one open row
// exists per (configuration, entity) at a time.
type TripUpdate struct {
	ConfigurationID      int64
	EntityID             string
	TripID               string
	RouteID              string
	DirectionID          *int32
	StartTime            string
	StartDate            string
	ScheduleRelationship int32
	VehicleID            string
	VehicleLabel         string
	LicensePlate         string
	Timestamp            int64
	Delay                int32
	FeedTimestamp        int64
	IntervalSeconds      int64
}

// StopTimeEvent is an arrival or departure prediction. The Has flags
// mirror protobuf field presence so rows compare with plain equality.
type StopTimeEvent struct {
	Delay          int32
	Time           int64
	Uncertainty    int32
	HasDelay       bool
	HasTime        bool
	HasUncertainty bool
}

// StopTime is the comparable content of one stop time update. It is the
// tuple the differ matches between successive snapshots.
type StopTime struct {
	StopID               string
	StopSequence         uint32
	ScheduleRelationship int32
	Arrival              StopTimeEvent
	Departure            StopTimeEvent
}

// StopTimeUpdate is one stored stop time update row, scoped to its
// parent trip update entity.
type StopTimeUpdate struct {
	ConfigurationID int64
	TripUpdateID    string
	StopTime
	FeedTimestamp   int64
	IntervalSeconds int64
}

// VehiclePosition is one stored vehicle position row. These are
// append-only per pull; IntervalSeconds is always 0.
type VehiclePosition struct {
	ConfigurationID      int64
	EntityID             string
	VehicleID            string
	VehicleLabel         string
	LicensePlate         string
	TripID               string
	RouteID              string
	DirectionID          *int32
	StartTime            string
	StartDate            string
	ScheduleRelationship int32
	CurrentStopSequence  uint32
	CurrentStatus        int32
	CongestionLevel      int32
	OccupancyStatus      int32
	StopID               string
	Latitude             float64
	Longitude            float64
	Bearing              float64
	Odometer             float64
	Speed                float64
	Timestamp            int64
	FeedTimestamp        int64
}

// ServiceAlert is one stored service alert row, one per active period
// of the source alert. Append-only per pull.
type ServiceAlert struct {
	ConfigurationID      int64
	EntityID             string
	AgencyID             string
	RouteID              string
	RouteType            int32
	TripID               string
	DirectionID          *int32
	StartDate            string
	ScheduleRelationship int32
	StopID               string
	Cause                int32
	Effect               int32
	SeverityLevel        int32
	URL                  string
	HeaderText           string
	DescriptionText      string
	StartTime            int64
	EndTime              int64
	FeedTimestamp        int64
}

// Feed is the provenance row for one fetched raw snapshot. A nil
// FeedTimestamp means the payload could not be decoded. FeedFile is an
// optional reference to the archived raw payload.
type Feed struct {
	ID              int64
	ConfigurationID int64
	Kind            FeedKind
	FeedTimestamp   *int64
	Status          FeedStatus
	FeedFile        string
	CreatedAt       time.Time
}
