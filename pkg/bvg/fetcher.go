package bvg

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// maxStopResults raises the API's default result cap (5) high enough to
// return the full directory.
const maxStopResults = 10000

// BoardRecord is one raw board entry tagged with the board it came from.
// The entry itself does not say whether it is an arrival or a departure.
type BoardRecord struct {
	Entry BoardEntry
	Board transit.Direction
}

// RadarSnapshot is one raw radar poll. ObservedAt is the provider's
// realtime timestamp when present, otherwise the local fetch time.
type RadarSnapshot struct {
	Movements  []Movement
	ObservedAt time.Time
}

// Fetcher drives the Client across the configured stops and boards,
// producing the ordered raw batches one ingestion cycle works on.
// Network I/O only; it never touches the store.
type Fetcher struct {
	client *Client
	stops  []string
	boards []transit.Direction
}

// NewFetcher builds a Fetcher polling the given stop ids on the given
// boards. An empty board list defaults to arrivals only.
func NewFetcher(client *Client, stopIDs []string, boards []transit.Direction) *Fetcher {
	if len(boards) == 0 {
		boards = []transit.Direction{transit.DirectionArrival}
	}
	return &Fetcher{client: client, stops: stopIDs, boards: boards}
}

// Boards fetches every configured stop board for the window. Stops are
// visited in configuration order and records keep the provider's order, so
// the result is deterministic for identical provider responses. Any fetch
// failure aborts the batch; the next cycle refetches, which is safe because
// reconciliation is idempotent.
func (f *Fetcher) Boards(ctx context.Context, window transit.TimeRange) ([]BoardRecord, error) {
	if !window.Valid() {
		return nil, errors.New("fetch window is empty or inverted")
	}

	var records []BoardRecord
	for _, stopID := range f.stops {
		for _, board := range f.boards {
			var (
				resp *BoardResponse
				err  error
			)
			switch board {
			case transit.DirectionDeparture:
				resp, err = f.client.Departures(ctx, stopID, window.Start, window.Duration())
			default:
				resp, err = f.client.Arrivals(ctx, stopID, window.Start, window.Duration())
			}
			if err != nil {
				return nil, errors.Wrapf(err, "fetching %s board for stop %s", board, stopID)
			}

			for _, entry := range resp.Entries() {
				records = append(records, BoardRecord{Entry: entry, Board: board})
			}
		}
	}
	return records, nil
}

// Radar fetches the current vehicle movements inside the bounding box.
func (f *Fetcher) Radar(ctx context.Context, box BoundingBox, maxVehicles int) (*RadarSnapshot, error) {
	resp, err := f.client.Radar(ctx, box, maxVehicles)
	if err != nil {
		return nil, err
	}

	observed := time.Now().UTC()
	if resp.RealtimeDataUpdatedAt > 0 {
		observed = time.Unix(resp.RealtimeDataUpdatedAt, 0).UTC()
	}
	return &RadarSnapshot{Movements: resp.Movements, ObservedAt: observed}, nil
}

// StopDirectory fetches the provider's full stop directory.
func (f *Fetcher) StopDirectory(ctx context.Context) ([]StopPayload, error) {
	return f.client.Stops(ctx, "", true, maxStopResults)
}
