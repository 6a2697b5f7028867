// Package gtfsrt is the codec boundary: it decodes raw GTFS-Realtime
// protobuf payloads into snapshots and re-encodes reconstructed
// snapshots back to the wire format.
package gtfsrt

import (
	"github.com/camsys/gtfs-realtime/internal/model"
)

// TripUpdateEntity is one decoded trip update with its stop time
// updates in feed order. The embedded record carries entity content
// only; configuration and window fields are filled at store time.
type TripUpdateEntity struct {
	model.TripUpdate
	StopTimes []model.StopTime
}

// Snapshot is one decoded feed: the header timestamp plus the entities
// of whichever kinds the payload carried.
type Snapshot struct {
	Timestamp        int64
	TripUpdates      []TripUpdateEntity
	VehiclePositions []model.VehiclePosition
	Alerts           []model.ServiceAlert
}

// Empty reports whether the snapshot carries no entities of any kind.
func (s *Snapshot) Empty() bool {
	return len(s.TripUpdates) == 0 && len(s.VehiclePositions) == 0 && len(s.Alerts) == 0
}
