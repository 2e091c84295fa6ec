// Package reconcile folds normalized records into the store. Every record
// is applied as an identity-keyed idempotent upsert, so re-running a batch
// is always safe.
package reconcile

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vllry/berlin-transit/pkg/store"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// batchSize caps how many records share one transaction. A crash mid-pass
// loses at most one batch; everything committed before it stays.
const batchSize = 100

// Report counts what a reconciliation pass did to the store.
type Report struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// Total is the number of records applied.
func (r Report) Total() int {
	return r.Inserted + r.Updated + r.Unchanged
}

func (r *Report) observe(outcomes []store.UpsertOutcome) {
	for _, o := range outcomes {
		switch o {
		case store.OutcomeInserted:
			r.Inserted++
		case store.OutcomeUpdated:
			r.Updated++
		case store.OutcomeUnchanged:
			r.Unchanged++
		}
	}
}

// Reconciler writes canonical records through a Store in bounded
// transactional batches.
type Reconciler struct {
	store store.Store
}

func New(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Events upserts events in batches. On error the returned Report still
// counts the batches that committed before the failure.
func (r *Reconciler) Events(ctx context.Context, events []transit.Event) (Report, error) {
	report, err := upsertChunks(ctx, events, r.store.UpsertEvents)
	if err != nil {
		return report, errors.Wrap(err, "reconciling events")
	}
	return report, nil
}

// Positions upserts vehicle positions, same contract as Events.
func (r *Reconciler) Positions(ctx context.Context, positions []transit.VehiclePosition) (Report, error) {
	report, err := upsertChunks(ctx, positions, r.store.UpsertPositions)
	if err != nil {
		return report, errors.Wrap(err, "reconciling positions")
	}
	return report, nil
}

// Stops upserts the stop directory, same contract as Events.
func (r *Reconciler) Stops(ctx context.Context, stops []transit.Stop) (Report, error) {
	report, err := upsertChunks(ctx, stops, r.store.UpsertStops)
	if err != nil {
		return report, errors.Wrap(err, "reconciling stops")
	}
	return report, nil
}

func upsertChunks[T any](ctx context.Context, items []T, upsert func(context.Context, []T) ([]store.UpsertOutcome, error)) (Report, error) {
	var report Report
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		outcomes, err := upsert(ctx, items[start:end])
		if err != nil {
			return report, err
		}
		report.observe(outcomes)
	}
	return report, nil
}
