package gtfsrt

import (
	"fmt"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/camsys/gtfs-realtime/internal/model"
)

// Codec decodes raw feed bytes into snapshots and encodes snapshots
// back to bytes. Implementations are selected per configuration through
// the handler registry.
type Codec interface {
	Decode(data []byte) (*Snapshot, error)
	Encode(snap *Snapshot) ([]byte, error)
}

// ProtobufCodec is the default Codec for standard GTFS-Realtime
// FeedMessage payloads.
type ProtobufCodec struct{}

// NewCodec returns the default protobuf codec.
func NewCodec() *ProtobufCodec {
	return &ProtobufCodec{}
}

// Decode parses a FeedMessage and flattens it into a Snapshot. A feed
// without a header timestamp gets the current time.
func (c *ProtobufCodec) Decode(data []byte) (*Snapshot, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("decode feed message: %w", err)
	}

	snap := &Snapshot{Timestamp: time.Now().Unix()}
	if fm.Header != nil && fm.Header.Timestamp != nil {
		snap.Timestamp = int64(fm.Header.GetTimestamp())
	}

	for _, e := range fm.Entity {
		switch {
		case e.TripUpdate != nil:
			snap.TripUpdates = append(snap.TripUpdates, decodeTripUpdate(e))
		case e.Vehicle != nil:
			snap.VehiclePositions = append(snap.VehiclePositions, decodeVehiclePosition(e, snap.Timestamp))
		case e.Alert != nil:
			snap.Alerts = append(snap.Alerts, decodeAlert(e, snap.Timestamp)...)
		}
	}
	return snap, nil
}

// Encode rebuilds a FeedMessage from a snapshot and serializes it.
func (c *ProtobufCodec) Encode(snap *Snapshot) ([]byte, error) {
	data, err := proto.Marshal(BuildFeedMessage(snap))
	if err != nil {
		return nil, fmt.Errorf("encode feed message: %w", err)
	}
	return data, nil
}

func decodeTripUpdate(e *gtfsrtpb.FeedEntity) TripUpdateEntity {
	tu := e.TripUpdate
	ent := TripUpdateEntity{
		TripUpdate: model.TripUpdate{
			EntityID:  e.GetId(),
			Timestamp: int64(tu.GetTimestamp()),
			Delay:     tu.GetDelay(),
		},
	}
	if trip := tu.Trip; trip != nil {
		ent.TripID = trip.GetTripId()
		ent.RouteID = trip.GetRouteId()
		ent.StartTime = trip.GetStartTime()
		ent.StartDate = trip.GetStartDate()
		ent.ScheduleRelationship = int32(trip.GetScheduleRelationship())
		if trip.DirectionId != nil {
			d := int32(trip.GetDirectionId())
			ent.DirectionID = &d
		}
	}
	if v := tu.Vehicle; v != nil {
		ent.VehicleID = v.GetId()
		ent.VehicleLabel = v.GetLabel()
		ent.LicensePlate = v.GetLicensePlate()
	}
	for _, stu := range tu.StopTimeUpdate {
		ent.StopTimes = append(ent.StopTimes, decodeStopTime(stu))
	}
	return ent
}

func decodeStopTime(stu *gtfsrtpb.TripUpdate_StopTimeUpdate) model.StopTime {
	st := model.StopTime{
		StopID:               stu.GetStopId(),
		StopSequence:         stu.GetStopSequence(),
		ScheduleRelationship: int32(stu.GetScheduleRelationship()),
	}
	st.Arrival = decodeStopTimeEvent(stu.Arrival)
	st.Departure = decodeStopTimeEvent(stu.Departure)
	return st
}

func decodeStopTimeEvent(ev *gtfsrtpb.TripUpdate_StopTimeEvent) model.StopTimeEvent {
	var out model.StopTimeEvent
	if ev == nil {
		return out
	}
	if ev.Delay != nil {
		out.Delay = ev.GetDelay()
		out.HasDelay = true
	}
	// Zero epoch values are treated as absent, matching the stored form.
	if ev.Time != nil && ev.GetTime() > 0 {
		out.Time = ev.GetTime()
		out.HasTime = true
	}
	if ev.Uncertainty != nil {
		out.Uncertainty = ev.GetUncertainty()
		out.HasUncertainty = true
	}
	return out
}

func decodeVehiclePosition(e *gtfsrtpb.FeedEntity, feedTS int64) model.VehiclePosition {
	vp := e.Vehicle
	row := model.VehiclePosition{
		EntityID:            e.GetId(),
		CurrentStopSequence: vp.GetCurrentStopSequence(),
		CurrentStatus:       int32(vp.GetCurrentStatus()),
		CongestionLevel:     int32(vp.GetCongestionLevel()),
		OccupancyStatus:     int32(vp.GetOccupancyStatus()),
		StopID:              vp.GetStopId(),
		Timestamp:           int64(vp.GetTimestamp()),
		FeedTimestamp:       feedTS,
	}
	if trip := vp.Trip; trip != nil {
		row.TripID = trip.GetTripId()
		row.RouteID = trip.GetRouteId()
		row.StartTime = trip.GetStartTime()
		row.StartDate = trip.GetStartDate()
		row.ScheduleRelationship = int32(trip.GetScheduleRelationship())
		if trip.DirectionId != nil {
			d := int32(trip.GetDirectionId())
			row.DirectionID = &d
		}
	}
	if v := vp.Vehicle; v != nil {
		row.VehicleID = v.GetId()
		row.VehicleLabel = v.GetLabel()
		row.LicensePlate = v.GetLicensePlate()
	}
	if p := vp.Position; p != nil {
		row.Latitude = float64(p.GetLatitude())
		row.Longitude = float64(p.GetLongitude())
		row.Bearing = float64(p.GetBearing())
		row.Odometer = p.GetOdometer()
		row.Speed = float64(p.GetSpeed())
	}
	return row
}

// decodeAlert expands one alert entity into one row per active period,
// pairing each period with the informed entity at the same index (the
// last informed entity when the feed has fewer of them).
func decodeAlert(e *gtfsrtpb.FeedEntity, feedTS int64) []model.ServiceAlert {
	a := e.Alert
	periods := a.ActivePeriod
	if len(periods) == 0 {
		periods = []*gtfsrtpb.TimeRange{nil}
	}

	rows := make([]model.ServiceAlert, 0, len(periods))
	for idx, period := range periods {
		row := model.ServiceAlert{
			EntityID:        e.GetId(),
			Cause:           int32(a.GetCause()),
			Effect:          int32(a.GetEffect()),
			SeverityLevel:   int32(a.GetSeverityLevel()),
			URL:             translatedText(a.Url),
			HeaderText:      translatedText(a.HeaderText),
			DescriptionText: translatedText(a.DescriptionText),
			FeedTimestamp:   feedTS,
		}
		if period != nil {
			row.StartTime = int64(period.GetStart())
			row.EndTime = int64(period.GetEnd())
		}
		if n := len(a.InformedEntity); n > 0 {
			ie := a.InformedEntity[min(idx, n-1)]
			row.AgencyID = ie.GetAgencyId()
			row.RouteID = ie.GetRouteId()
			row.RouteType = ie.GetRouteType()
			row.StopID = ie.GetStopId()
			if trip := ie.Trip; trip != nil {
				row.TripID = trip.GetTripId()
				row.StartDate = trip.GetStartDate()
				row.ScheduleRelationship = int32(trip.GetScheduleRelationship())
				if trip.DirectionId != nil {
					d := int32(trip.GetDirectionId())
					row.DirectionID = &d
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func translatedText(ts *gtfsrtpb.TranslatedString) string {
	if ts == nil || len(ts.Translation) == 0 {
		return ""
	}
	return ts.Translation[0].GetText()
}

// BuildFeedMessage reassembles a FeedMessage from a snapshot, merging
// vehicle positions and alerts into trip update entities that share the
// same entity id.
func BuildFeedMessage(snap *Snapshot) *gtfsrtpb.FeedMessage {
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(snap.Timestamp)),
		},
	}

	byID := make(map[string]*gtfsrtpb.FeedEntity)
	add := func(id string) *gtfsrtpb.FeedEntity {
		if ent, ok := byID[id]; ok {
			return ent
		}
		ent := &gtfsrtpb.FeedEntity{Id: proto.String(id)}
		byID[id] = ent
		fm.Entity = append(fm.Entity, ent)
		return ent
	}

	for i := range snap.TripUpdates {
		tu := &snap.TripUpdates[i]
		add(tu.EntityID).TripUpdate = encodeTripUpdate(tu)
	}
	for i := range snap.VehiclePositions {
		vp := &snap.VehiclePositions[i]
		add(vp.EntityID).Vehicle = encodeVehiclePosition(vp)
	}
	for i := range snap.Alerts {
		al := &snap.Alerts[i]
		ent := add(al.EntityID)
		if ent.Alert == nil {
			ent.Alert = encodeAlert(al)
		} else {
			// Additional rows for the same alert entity are further
			// active periods.
			ent.Alert.ActivePeriod = append(ent.Alert.ActivePeriod, encodeActivePeriod(al))
			ent.Alert.InformedEntity = append(ent.Alert.InformedEntity, encodeInformedEntity(al))
		}
	}
	return fm
}

func encodeTripUpdate(tu *TripUpdateEntity) *gtfsrtpb.TripUpdate {
	out := &gtfsrtpb.TripUpdate{
		Trip: encodeTripDescriptor(tu.TripID, tu.RouteID, tu.DirectionID, tu.StartTime, tu.StartDate, tu.ScheduleRelationship),
	}
	if tu.VehicleID != "" || tu.VehicleLabel != "" || tu.LicensePlate != "" {
		out.Vehicle = encodeVehicleDescriptor(tu.VehicleID, tu.VehicleLabel, tu.LicensePlate)
	}
	if tu.Timestamp != 0 {
		out.Timestamp = proto.Uint64(uint64(tu.Timestamp))
	}
	if tu.Delay != 0 {
		out.Delay = proto.Int32(tu.Delay)
	}
	for _, st := range tu.StopTimes {
		out.StopTimeUpdate = append(out.StopTimeUpdate, encodeStopTime(st))
	}
	return out
}

func encodeStopTime(st model.StopTime) *gtfsrtpb.TripUpdate_StopTimeUpdate {
	rel := gtfsrtpb.TripUpdate_StopTimeUpdate_ScheduleRelationship(st.ScheduleRelationship)
	out := &gtfsrtpb.TripUpdate_StopTimeUpdate{
		StopSequence:         proto.Uint32(st.StopSequence),
		StopId:               proto.String(st.StopID),
		ScheduleRelationship: rel.Enum(),
	}
	if ev := encodeStopTimeEvent(st.Arrival); ev != nil {
		out.Arrival = ev
	}
	if ev := encodeStopTimeEvent(st.Departure); ev != nil {
		out.Departure = ev
	}
	return out
}

func encodeStopTimeEvent(ev model.StopTimeEvent) *gtfsrtpb.TripUpdate_StopTimeEvent {
	if !ev.HasDelay && !ev.HasTime && !ev.HasUncertainty {
		return nil
	}
	out := &gtfsrtpb.TripUpdate_StopTimeEvent{}
	if ev.HasDelay {
		out.Delay = proto.Int32(ev.Delay)
	}
	if ev.HasTime {
		out.Time = proto.Int64(ev.Time)
	}
	if ev.HasUncertainty {
		out.Uncertainty = proto.Int32(ev.Uncertainty)
	}
	return out
}

func encodeVehiclePosition(vp *model.VehiclePosition) *gtfsrtpb.VehiclePosition {
	out := &gtfsrtpb.VehiclePosition{
		Trip:    encodeTripDescriptor(vp.TripID, vp.RouteID, vp.DirectionID, vp.StartTime, vp.StartDate, vp.ScheduleRelationship),
		Vehicle: encodeVehicleDescriptor(vp.VehicleID, vp.VehicleLabel, vp.LicensePlate),
		Position: &gtfsrtpb.Position{
			Latitude:  proto.Float32(float32(vp.Latitude)),
			Longitude: proto.Float32(float32(vp.Longitude)),
			Bearing:   proto.Float32(float32(vp.Bearing)),
			Odometer:  proto.Float64(vp.Odometer),
			Speed:     proto.Float32(float32(vp.Speed)),
		},
		CurrentStopSequence: proto.Uint32(vp.CurrentStopSequence),
		CurrentStatus:       gtfsrtpb.VehiclePosition_VehicleStopStatus(vp.CurrentStatus).Enum(),
		CongestionLevel:     gtfsrtpb.VehiclePosition_CongestionLevel(vp.CongestionLevel).Enum(),
		OccupancyStatus:     gtfsrtpb.VehiclePosition_OccupancyStatus(vp.OccupancyStatus).Enum(),
	}
	if vp.StopID != "" {
		out.StopId = proto.String(vp.StopID)
	}
	if vp.Timestamp != 0 {
		out.Timestamp = proto.Uint64(uint64(vp.Timestamp))
	}
	return out
}

func encodeAlert(al *model.ServiceAlert) *gtfsrtpb.Alert {
	out := &gtfsrtpb.Alert{
		ActivePeriod:   []*gtfsrtpb.TimeRange{encodeActivePeriod(al)},
		InformedEntity: []*gtfsrtpb.EntitySelector{encodeInformedEntity(al)},
		Cause:          gtfsrtpb.Alert_Cause(al.Cause).Enum(),
		Effect:         gtfsrtpb.Alert_Effect(al.Effect).Enum(),
		SeverityLevel:  gtfsrtpb.Alert_SeverityLevel(al.SeverityLevel).Enum(),
	}
	if al.URL != "" {
		out.Url = encodeTranslatedString(al.URL)
	}
	if al.HeaderText != "" {
		out.HeaderText = encodeTranslatedString(al.HeaderText)
	}
	if al.DescriptionText != "" {
		out.DescriptionText = encodeTranslatedString(al.DescriptionText)
	}
	return out
}

func encodeTranslatedString(text string) *gtfsrtpb.TranslatedString {
	return &gtfsrtpb.TranslatedString{
		Translation: []*gtfsrtpb.TranslatedString_Translation{
			{Text: proto.String(text)},
		},
	}
}

func encodeActivePeriod(al *model.ServiceAlert) *gtfsrtpb.TimeRange {
	return &gtfsrtpb.TimeRange{
		Start: proto.Uint64(uint64(al.StartTime)),
		End:   proto.Uint64(uint64(al.EndTime)),
	}
}

func encodeInformedEntity(al *model.ServiceAlert) *gtfsrtpb.EntitySelector {
	out := &gtfsrtpb.EntitySelector{}
	if al.AgencyID != "" {
		out.AgencyId = proto.String(al.AgencyID)
	}
	if al.RouteID != "" {
		out.RouteId = proto.String(al.RouteID)
	}
	if al.RouteType != 0 {
		out.RouteType = proto.Int32(al.RouteType)
	}
	if al.StopID != "" {
		out.StopId = proto.String(al.StopID)
	}
	if al.TripID != "" {
		out.Trip = encodeTripDescriptor(al.TripID, "", al.DirectionID, "", al.StartDate, al.ScheduleRelationship)
	}
	return out
}

func encodeTripDescriptor(tripID, routeID string, directionID *int32, startTime, startDate string, schedRel int32) *gtfsrtpb.TripDescriptor {
	td := &gtfsrtpb.TripDescriptor{
		ScheduleRelationship: gtfsrtpb.TripDescriptor_ScheduleRelationship(schedRel).Enum(),
	}
	if tripID != "" {
		td.TripId = proto.String(tripID)
	}
	if routeID != "" {
		td.RouteId = proto.String(routeID)
	}
	if directionID != nil {
		td.DirectionId = proto.Uint32(uint32(*directionID))
	}
	if startTime != "" {
		td.StartTime = proto.String(startTime)
	}
	if startDate != "" {
		td.StartDate = proto.String(startDate)
	}
	return td
}

func encodeVehicleDescriptor(id, label, plate string) *gtfsrtpb.VehicleDescriptor {
	vd := &gtfsrtpb.VehicleDescriptor{}
	if id != "" {
		vd.Id = proto.String(id)
	}
	if label != "" {
		vd.Label = proto.String(label)
	}
	if plate != "" {
		vd.LicensePlate = proto.String(plate)
	}
	return vd
}
