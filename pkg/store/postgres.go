package store

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// Postgres is the production Store, backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// Connect opens a pgx pool against url and verifies connectivity.
func Connect(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing postgres config")
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mapError(err, "pinging postgres")
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// The upserts below share one shape: insert, or on identity conflict update
// mutable fields, where null incoming values never overwrite stored ones
// (COALESCE) and the WHERE guard skips rows the update would not change.
// RETURNING xmax=0 distinguishes a fresh insert from an update; no returned
// row means the guard left the row alone.

const upsertEventSQL = `
INSERT INTO transit_events
    (stop_id, line_id, scheduled_time, actual_time, vehicle_id, direction, line_name, product, stop_name, first_seen_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
ON CONFLICT (stop_id, line_id, scheduled_time) DO UPDATE SET
    actual_time = COALESCE(EXCLUDED.actual_time, transit_events.actual_time),
    vehicle_id  = COALESCE(EXCLUDED.vehicle_id, transit_events.vehicle_id),
    direction   = COALESCE(EXCLUDED.direction, transit_events.direction),
    line_name   = COALESCE(EXCLUDED.line_name, transit_events.line_name),
    product     = COALESCE(EXCLUDED.product, transit_events.product),
    stop_name   = COALESCE(EXCLUDED.stop_name, transit_events.stop_name),
    updated_at  = now()
WHERE transit_events.actual_time IS DISTINCT FROM COALESCE(EXCLUDED.actual_time, transit_events.actual_time)
   OR transit_events.vehicle_id  IS DISTINCT FROM COALESCE(EXCLUDED.vehicle_id, transit_events.vehicle_id)
   OR transit_events.direction   IS DISTINCT FROM COALESCE(EXCLUDED.direction, transit_events.direction)
   OR transit_events.line_name   IS DISTINCT FROM COALESCE(EXCLUDED.line_name, transit_events.line_name)
   OR transit_events.product     IS DISTINCT FROM COALESCE(EXCLUDED.product, transit_events.product)
   OR transit_events.stop_name   IS DISTINCT FROM COALESCE(EXCLUDED.stop_name, transit_events.stop_name)
RETURNING (xmax = 0)`

func (s *Postgres) UpsertEvents(ctx context.Context, events []transit.Event) ([]UpsertOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err, "beginning transaction")
	}
	defer tx.Rollback(ctx)

	outcomes := make([]UpsertOutcome, 0, len(events))
	for _, ev := range events {
		outcome, err := upsertRow(ctx, tx, upsertEventSQL,
			ev.StopID, ev.LineID, ev.ScheduledTime, ev.ActualTime, nullString(ev.VehicleID),
			string(ev.Direction), nullString(ev.LineName), string(ev.Product), nullString(ev.StopName))
		if err != nil {
			return nil, mapError(err, "upserting event")
		}
		outcomes = append(outcomes, outcome)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err, "committing events")
	}
	return outcomes, nil
}

const upsertPositionSQL = `
INSERT INTO vehicle_positions
    (vehicle_id, recorded_at, line_id, line_name, product, latitude, longitude)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (vehicle_id, recorded_at) DO UPDATE SET
    line_id   = COALESCE(EXCLUDED.line_id, vehicle_positions.line_id),
    line_name = COALESCE(EXCLUDED.line_name, vehicle_positions.line_name),
    product   = COALESCE(EXCLUDED.product, vehicle_positions.product),
    latitude  = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude
WHERE vehicle_positions.line_id   IS DISTINCT FROM COALESCE(EXCLUDED.line_id, vehicle_positions.line_id)
   OR vehicle_positions.line_name IS DISTINCT FROM COALESCE(EXCLUDED.line_name, vehicle_positions.line_name)
   OR vehicle_positions.product   IS DISTINCT FROM COALESCE(EXCLUDED.product, vehicle_positions.product)
   OR vehicle_positions.latitude  IS DISTINCT FROM EXCLUDED.latitude
   OR vehicle_positions.longitude IS DISTINCT FROM EXCLUDED.longitude
RETURNING (xmax = 0)`

func (s *Postgres) UpsertPositions(ctx context.Context, positions []transit.VehiclePosition) ([]UpsertOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err, "beginning transaction")
	}
	defer tx.Rollback(ctx)

	outcomes := make([]UpsertOutcome, 0, len(positions))
	for _, pos := range positions {
		outcome, err := upsertRow(ctx, tx, upsertPositionSQL,
			pos.VehicleID, pos.RecordedAt, nullString(pos.LineID), nullString(pos.LineName),
			nullString(string(pos.Product)), pos.Latitude, pos.Longitude)
		if err != nil {
			return nil, mapError(err, "upserting position")
		}
		outcomes = append(outcomes, outcome)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err, "committing positions")
	}
	return outcomes, nil
}

const upsertStopSQL = `
INSERT INTO stops (stop_id, name, latitude, longitude, products, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (stop_id) DO UPDATE SET
    name       = COALESCE(EXCLUDED.name, stops.name),
    latitude   = EXCLUDED.latitude,
    longitude  = EXCLUDED.longitude,
    products   = COALESCE(EXCLUDED.products, stops.products),
    updated_at = now()
WHERE stops.name      IS DISTINCT FROM COALESCE(EXCLUDED.name, stops.name)
   OR stops.latitude  IS DISTINCT FROM EXCLUDED.latitude
   OR stops.longitude IS DISTINCT FROM EXCLUDED.longitude
   OR stops.products  IS DISTINCT FROM COALESCE(EXCLUDED.products, stops.products)
RETURNING (xmax = 0)`

func (s *Postgres) UpsertStops(ctx context.Context, stops []transit.Stop) ([]UpsertOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err, "beginning transaction")
	}
	defer tx.Rollback(ctx)

	outcomes := make([]UpsertOutcome, 0, len(stops))
	for _, st := range stops {
		outcome, err := upsertRow(ctx, tx, upsertStopSQL,
			st.ID, nullString(st.Name), st.Latitude, st.Longitude, productStrings(st.Products))
		if err != nil {
			return nil, mapError(err, "upserting stop")
		}
		outcomes = append(outcomes, outcome)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err, "committing stops")
	}
	return outcomes, nil
}

const selectEventsSQL = `
SELECT stop_id, line_id, scheduled_time, actual_time, vehicle_id, direction, line_name, product, stop_name
FROM transit_events
WHERE scheduled_time >= $1 AND scheduled_time < $2
ORDER BY stop_id, line_id, scheduled_time`

func (s *Postgres) EventsInWindow(ctx context.Context, window transit.TimeRange) ([]transit.Event, error) {
	rows, err := s.pool.Query(ctx, selectEventsSQL, window.Start, window.End)
	if err != nil {
		return nil, mapError(err, "querying events")
	}
	defer rows.Close()

	var events []transit.Event
	for rows.Next() {
		var (
			ev                            transit.Event
			actual                        *time.Time
			vehicleID, lineName, stopName *string
			direction, product            string
		)
		err := rows.Scan(&ev.StopID, &ev.LineID, &ev.ScheduledTime, &actual,
			&vehicleID, &direction, &lineName, &product, &stopName)
		if err != nil {
			return nil, mapError(err, "scanning event")
		}

		ev.ScheduledTime = ev.ScheduledTime.UTC()
		if actual != nil {
			t := actual.UTC()
			ev.ActualTime = &t
		}
		ev.VehicleID = deref(vehicleID)
		ev.LineName = deref(lineName)
		ev.StopName = deref(stopName)
		ev.Direction = transit.Direction(direction)
		ev.Product = transit.Product(product)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "reading events")
	}
	return events, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mapError(err, "pinging postgres")
	}
	return nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// upsertRow runs one upsert and derives its outcome: a returned row with
// xmax=0 is a fresh insert, xmax!=0 an update, and no row at all means the
// ON CONFLICT WHERE guard found nothing to change.
func upsertRow(ctx context.Context, tx pgx.Tx, sql string, args ...any) (UpsertOutcome, error) {
	var inserted bool
	err := tx.QueryRow(ctx, sql, args...).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return OutcomeUnchanged, nil
	case err != nil:
		return 0, err
	case inserted:
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

// mapError folds a driver error into the store taxonomy. Server-reported
// class 23 errors (integrity violations) cannot succeed on retry; anything
// that is not a server response is treated as connectivity trouble.
func mapError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "23") {
			return errors.Wrapf(ErrConstraintViolation, "%s: %s", msg, pgErr.Message)
		}
		return errors.Wrap(err, msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, msg)
	}
	return errors.Wrapf(ErrUnavailable, "%s: %v", msg, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func productStrings(products []transit.Product) []string {
	if len(products) == 0 {
		return nil
	}
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = string(p)
	}
	return out
}
