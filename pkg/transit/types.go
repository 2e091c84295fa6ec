// Package transit holds the canonical domain model shared by the fetch,
// normalize, reconcile and aggregate stages. All timestamps are UTC.
package transit

import "time"

// Event is one scheduled or realtime transit event at a stop.
// Identity is (StopID, LineID, ScheduledTime); everything else is mutable.
type Event struct {
	StopID        string
	LineID        string
	ScheduledTime time.Time

	// ActualTime is the realtime arrival/departure observation. Nil until
	// the provider reports realtime data for the event.
	ActualTime *time.Time

	// VehicleID is the provider trip id. The API does not expose physical
	// vehicle ids, so the trip id is the stable vehicle proxy. Empty when
	// unknown.
	VehicleID string

	Direction Direction
	LineName  string
	Product   Product
	StopName  string
}

// EventKey is the comparable identity of an Event, usable as a map key.
// ScheduledUnix avoids time.Time's monotonic-clock comparability pitfalls.
type EventKey struct {
	StopID        string
	LineID        string
	ScheduledUnix int64
}

// Key returns the identity key of the event.
func (e Event) Key() EventKey {
	return EventKey{
		StopID:        e.StopID,
		LineID:        e.LineID,
		ScheduledUnix: e.ScheduledTime.Unix(),
	}
}

// Delay returns the observed delay and whether realtime data is present.
// Negative delays (early arrivals) are real and preserved.
func (e Event) Delay() (time.Duration, bool) {
	if e.ActualTime == nil {
		return 0, false
	}
	return e.ActualTime.Sub(e.ScheduledTime), true
}

// TimeRange is a half-open window [Start, End) over scheduled time.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Duration returns End-Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Valid reports whether the window is non-empty and ordered.
func (r TimeRange) Valid() bool {
	return r.End.After(r.Start)
}

// VehiclePosition is one observed position of a vehicle, identified by the
// provider trip id and the observation instant.
type VehiclePosition struct {
	VehicleID  string
	RecordedAt time.Time
	LineID     string
	LineName   string
	Product    Product
	Latitude   float64
	Longitude  float64
}

// PositionKey is the comparable identity of a VehiclePosition.
type PositionKey struct {
	VehicleID    string
	RecordedUnix int64
}

// Key returns the identity key of the position.
func (p VehiclePosition) Key() PositionKey {
	return PositionKey{VehicleID: p.VehicleID, RecordedUnix: p.RecordedAt.Unix()}
}

// Stop is one entry of the provider's stop directory.
type Stop struct {
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
	Products  []Product
}
