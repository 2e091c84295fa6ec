// Package normalize converts raw provider payloads into the canonical
// domain model. Every function here is pure: no I/O, no shared state. A
// record that cannot be converted is rejected with a typed error instead of
// being patched with defaults, because a defaulted identity field would
// corrupt deduplication downstream.
package normalize

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/vllry/berlin-transit/pkg/bvg"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// Rejection reasons, matched with errors.Is.
var (
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidValue     = errors.New("invalid field value")
)

// Error reports which field of a record failed conversion and why. One bad
// record is dropped and counted by the caller; it never aborts a batch.
type Error struct {
	Field  string
	Value  string
	Reason error
}

func (e *Error) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("field %s (%q): %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return e.Reason }

func missing(field string) error {
	return &Error{Field: field, Reason: ErrMissingField}
}

// parseTime parses a provider timestamp and converts it to UTC. Provider
// timestamps are RFC3339 with an explicit zone offset (Europe/Berlin wall
// clock), so the conversion never consults the host timezone.
func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, &Error{Field: field, Value: value, Reason: ErrInvalidTimestamp}
	}
	return t.UTC(), nil
}

// Event converts one board record into a canonical event. The record must
// carry the identity fields (stop id, line id, planned time) and a known
// line product; realtime fields are optional and stay nil/empty when the
// provider has not reported them yet.
func Event(rec bvg.BoardRecord) (transit.Event, error) {
	entry := rec.Entry
	if entry.Stop == nil || entry.Stop.ID == "" {
		return transit.Event{}, missing("stop.id")
	}
	if entry.Line == nil || entry.Line.ID == "" {
		return transit.Event{}, missing("line.id")
	}
	if entry.PlannedWhen == nil || *entry.PlannedWhen == "" {
		return transit.Event{}, missing("plannedWhen")
	}

	scheduled, err := parseTime("plannedWhen", *entry.PlannedWhen)
	if err != nil {
		return transit.Event{}, err
	}

	// Cancelled trips and trips without realtime data both arrive with a
	// null `when`; the event keeps a nil ActualTime either way.
	var actual *time.Time
	if entry.When != nil && *entry.When != "" {
		t, err := parseTime("when", *entry.When)
		if err != nil {
			return transit.Event{}, err
		}
		actual = &t
	}

	if entry.Line.Product == "" {
		return transit.Event{}, missing("line.product")
	}
	product, err := transit.ParseProduct(entry.Line.Product)
	if err != nil {
		return transit.Event{}, &Error{Field: "line.product", Value: entry.Line.Product, Reason: ErrInvalidValue}
	}

	return transit.Event{
		StopID:        entry.Stop.ID,
		LineID:        entry.Line.ID,
		ScheduledTime: scheduled,
		ActualTime:    actual,
		VehicleID:     entry.TripID,
		Direction:     rec.Board,
		LineName:      entry.Line.Name,
		Product:       product,
		StopName:      entry.Stop.Name,
	}, nil
}

// Position converts one radar movement into a canonical vehicle position.
// observedAt is the radar snapshot instant; the movement payload itself
// carries no per-vehicle timestamp.
func Position(m bvg.Movement, observedAt time.Time) (transit.VehiclePosition, error) {
	if m.TripID == "" {
		return transit.VehiclePosition{}, missing("tripId")
	}
	if m.Location == nil {
		return transit.VehiclePosition{}, missing("location")
	}
	if observedAt.IsZero() {
		return transit.VehiclePosition{}, &Error{Field: "observedAt", Reason: ErrInvalidTimestamp}
	}

	pos := transit.VehiclePosition{
		VehicleID:  m.TripID,
		RecordedAt: observedAt.UTC(),
		Latitude:   m.Location.Latitude,
		Longitude:  m.Location.Longitude,
	}
	if m.Line != nil {
		pos.LineID = m.Line.ID
		pos.LineName = m.Line.Name
		if m.Line.Product != "" {
			p, err := transit.ParseProduct(m.Line.Product)
			if err != nil {
				return transit.VehiclePosition{}, &Error{Field: "line.product", Value: m.Line.Product, Reason: ErrInvalidValue}
			}
			pos.Product = p
		}
	}
	return pos, nil
}

// Stop converts one stop directory entry.
func Stop(p bvg.StopPayload) (transit.Stop, error) {
	if p.ID == "" {
		return transit.Stop{}, missing("id")
	}
	s := transit.Stop{ID: p.ID, Name: p.Name}
	if p.Location != nil {
		s.Latitude = p.Location.Latitude
		s.Longitude = p.Location.Longitude
	}
	if p.Products != nil {
		s.Products = productList(p.Products)
	}
	return s, nil
}

// productList flattens the provider's product flags in a fixed order so the
// same stop always converts identically.
func productList(p *bvg.ProductsPayload) []transit.Product {
	flags := []struct {
		set     bool
		product transit.Product
	}{
		{p.Suburban, transit.ProductSuburban},
		{p.Subway, transit.ProductSubway},
		{p.Tram, transit.ProductTram},
		{p.Bus, transit.ProductBus},
		{p.Ferry, transit.ProductFerry},
		{p.Express, transit.ProductExpress},
		{p.Regional, transit.ProductRegional},
	}
	var out []transit.Product
	for _, f := range flags {
		if f.set {
			out = append(out, f.product)
		}
	}
	return out
}
