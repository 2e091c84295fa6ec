// Package store persists canonical records. The Postgres implementation is
// the production backend; Memory implements the same contract for tests and
// local runs without a database.
package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// Sentinel errors, matched with errors.Is. Wrapped errors keep the driver
// cause in the message for logs.
var (
	// ErrConstraintViolation means the store rejected a record (uniqueness,
	// not-null, enum checks). Retrying the same record cannot succeed.
	ErrConstraintViolation = errors.New("store: constraint violation")

	// ErrUnavailable means the store could not be reached or the connection
	// broke mid-operation. Retrying later may succeed.
	ErrUnavailable = errors.New("store: unavailable")
)

// UpsertOutcome says what a single upsert did to its row.
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// Store is the persistence contract shared by the reconciler and the
// aggregator.
//
// Each Upsert* call runs as one transaction: either every record in the
// slice is applied or none is. Upserts are idempotent and keyed by record
// identity. Mutable fields are only overwritten by non-null incoming
// values, so a fetch without realtime data never erases an observed one.
// The returned outcomes are positionally aligned with the input slice.
type Store interface {
	UpsertEvents(ctx context.Context, events []transit.Event) ([]UpsertOutcome, error)
	UpsertPositions(ctx context.Context, positions []transit.VehiclePosition) ([]UpsertOutcome, error)
	UpsertStops(ctx context.Context, stops []transit.Stop) ([]UpsertOutcome, error)

	// EventsInWindow returns committed events with scheduled_time in the
	// half-open window, ordered by identity (stop_id, line_id,
	// scheduled_time).
	EventsInWindow(ctx context.Context, window transit.TimeRange) ([]transit.Event, error)

	Ping(ctx context.Context) error
	Close()
}
