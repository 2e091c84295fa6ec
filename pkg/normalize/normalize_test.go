package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vllry/berlin-transit/pkg/bvg"
	"github.com/vllry/berlin-transit/pkg/transit"
)

func strptr(s string) *string { return &s }

func validEntry() bvg.BoardEntry {
	return bvg.BoardEntry{
		TripID:      "1|1234|0|86|29042025",
		Stop:        &bvg.StopPayload{ID: "900000100001", Name: "S+U Alexanderplatz"},
		When:        strptr("2025-04-29T13:05:00+02:00"),
		PlannedWhen: strptr("2025-04-29T13:02:00+02:00"),
		Direction:   "S Spandau",
		Line:        &bvg.LinePayload{ID: "s9", Name: "S9", Product: "suburban"},
	}
}

func TestEventConvertsFullRecord(t *testing.T) {
	ev, err := Event(bvg.BoardRecord{Entry: validEntry(), Board: transit.DirectionArrival})
	require.NoError(t, err)

	assert.Equal(t, "900000100001", ev.StopID)
	assert.Equal(t, "s9", ev.LineID)
	assert.Equal(t, "1|1234|0|86|29042025", ev.VehicleID)
	assert.Equal(t, transit.DirectionArrival, ev.Direction)
	assert.Equal(t, transit.ProductSuburban, ev.Product)
	assert.Equal(t, "S9", ev.LineName)
	assert.Equal(t, "S+U Alexanderplatz", ev.StopName)

	// Berlin wall clock +02:00 converted to the equivalent UTC instant.
	assert.Equal(t, time.Date(2025, 4, 29, 11, 2, 0, 0, time.UTC), ev.ScheduledTime)
	require.NotNil(t, ev.ActualTime)
	assert.Equal(t, time.Date(2025, 4, 29, 11, 5, 0, 0, time.UTC), *ev.ActualTime)

	delay, ok := ev.Delay()
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, delay)
}

func TestEventWithoutRealtimeKeepsNilActual(t *testing.T) {
	entry := validEntry()
	entry.When = nil

	ev, err := Event(bvg.BoardRecord{Entry: entry, Board: transit.DirectionDeparture})
	require.NoError(t, err)
	assert.Nil(t, ev.ActualTime)

	_, ok := ev.Delay()
	assert.False(t, ok)
}

func TestEventIdentityAgreesAcrossOffsets(t *testing.T) {
	// The same instant written with different zone offsets must produce the
	// same identity key, otherwise re-fetches would duplicate rows.
	berlin := validEntry()
	utc := validEntry()
	utc.When = strptr("2025-04-29T11:05:00Z")
	utc.PlannedWhen = strptr("2025-04-29T11:02:00Z")

	a, err := Event(bvg.BoardRecord{Entry: berlin, Board: transit.DirectionArrival})
	require.NoError(t, err)
	b, err := Event(bvg.BoardRecord{Entry: utc, Board: transit.DirectionArrival})
	require.NoError(t, err)

	assert.Equal(t, a.Key(), b.Key())
	assert.True(t, a.ScheduledTime.Equal(b.ScheduledTime))
}

func TestEventRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*bvg.BoardEntry)
		reason error
		field  string
	}{
		{
			name:   "nil stop",
			mutate: func(e *bvg.BoardEntry) { e.Stop = nil },
			reason: ErrMissingField,
			field:  "stop.id",
		},
		{
			name:   "empty stop id",
			mutate: func(e *bvg.BoardEntry) { e.Stop.ID = "" },
			reason: ErrMissingField,
			field:  "stop.id",
		},
		{
			name:   "nil line",
			mutate: func(e *bvg.BoardEntry) { e.Line = nil },
			reason: ErrMissingField,
			field:  "line.id",
		},
		{
			name:   "missing planned time",
			mutate: func(e *bvg.BoardEntry) { e.PlannedWhen = nil },
			reason: ErrMissingField,
			field:  "plannedWhen",
		},
		{
			name:   "empty planned time",
			mutate: func(e *bvg.BoardEntry) { e.PlannedWhen = strptr("") },
			reason: ErrMissingField,
			field:  "plannedWhen",
		},
		{
			name:   "malformed planned time",
			mutate: func(e *bvg.BoardEntry) { e.PlannedWhen = strptr("29/04/2025 13:02") },
			reason: ErrInvalidTimestamp,
			field:  "plannedWhen",
		},
		{
			name:   "malformed realtime",
			mutate: func(e *bvg.BoardEntry) { e.When = strptr("not-a-time") },
			reason: ErrInvalidTimestamp,
			field:  "when",
		},
		{
			name:   "empty product",
			mutate: func(e *bvg.BoardEntry) { e.Line.Product = "" },
			reason: ErrMissingField,
			field:  "line.product",
		},
		{
			name:   "unknown product",
			mutate: func(e *bvg.BoardEntry) { e.Line.Product = "zeppelin" },
			reason: ErrInvalidValue,
			field:  "line.product",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			entry := validEntry()
			tc.mutate(&entry)

			_, err := Event(bvg.BoardRecord{Entry: entry, Board: transit.DirectionArrival})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.reason)

			var nerr *Error
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, tc.field, nerr.Field)
		})
	}
}

func TestPositionConvertsMovement(t *testing.T) {
	observed := time.Date(2025, 4, 29, 13, 10, 0, 0, time.FixedZone("CEST", 2*3600))
	m := bvg.Movement{
		TripID:   "1|999|0|86|29042025",
		Line:     &bvg.LinePayload{ID: "m10", Name: "M10", Product: "tram"},
		Location: &bvg.LocationPayload{Latitude: 52.5219, Longitude: 13.4132},
	}

	pos, err := Position(m, observed)
	require.NoError(t, err)
	assert.Equal(t, "1|999|0|86|29042025", pos.VehicleID)
	assert.Equal(t, time.Date(2025, 4, 29, 11, 10, 0, 0, time.UTC), pos.RecordedAt)
	assert.Equal(t, "m10", pos.LineID)
	assert.Equal(t, transit.ProductTram, pos.Product)
	assert.Equal(t, 52.5219, pos.Latitude)
	assert.Equal(t, 13.4132, pos.Longitude)
}

func TestPositionWithoutLine(t *testing.T) {
	m := bvg.Movement{
		TripID:   "trip",
		Location: &bvg.LocationPayload{Latitude: 52.5, Longitude: 13.4},
	}

	pos, err := Position(m, time.Now())
	require.NoError(t, err)
	assert.Empty(t, pos.LineID)
	assert.Empty(t, pos.Product)
}

func TestPositionRejections(t *testing.T) {
	loc := &bvg.LocationPayload{Latitude: 52.5, Longitude: 13.4}

	_, err := Position(bvg.Movement{Location: loc}, time.Now())
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Position(bvg.Movement{TripID: "trip"}, time.Now())
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Position(bvg.Movement{TripID: "trip", Location: loc}, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidTimestamp)

	bad := bvg.Movement{
		TripID:   "trip",
		Location: loc,
		Line:     &bvg.LinePayload{ID: "x", Product: "monorail"},
	}
	_, err = Position(bad, time.Now())
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestStopConvertsDirectoryEntry(t *testing.T) {
	s, err := Stop(bvg.StopPayload{
		ID:       "900017103",
		Name:     "U Gleisdreieck",
		Location: &bvg.LocationPayload{Latitude: 52.49967, Longitude: 13.37377},
		Products: &bvg.ProductsPayload{Subway: true, Bus: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "900017103", s.ID)
	assert.Equal(t, "U Gleisdreieck", s.Name)
	assert.Equal(t, []transit.Product{transit.ProductSubway, transit.ProductBus}, s.Products)

	_, err = Stop(bvg.StopPayload{Name: "no id"})
	assert.ErrorIs(t, err, ErrMissingField)
}
