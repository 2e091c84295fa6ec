package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vllry/berlin-transit/pkg/bvg"
	"github.com/vllry/berlin-transit/pkg/metrics"
	"github.com/vllry/berlin-transit/pkg/reconcile"
	"github.com/vllry/berlin-transit/pkg/store"
	"github.com/vllry/berlin-transit/pkg/transit"
)

func strptr(s string) *string { return &s }

// boardRecord builds a raw board record the way the provider would send it.
// when == "" means no realtime data yet.
func boardRecord(stopID, lineID, planned, when string) bvg.BoardRecord {
	entry := bvg.BoardEntry{
		TripID:      "trip-" + stopID + "-" + lineID,
		Stop:        &bvg.StopPayload{ID: stopID, Name: "Stop " + stopID},
		PlannedWhen: strptr(planned),
		Line:        &bvg.LinePayload{ID: lineID, Name: lineID, Product: "suburban"},
	}
	if when != "" {
		entry.When = strptr(when)
	}
	return bvg.BoardRecord{Entry: entry, Board: transit.DirectionArrival}
}

// scriptedFetcher serves canned responses, one boards reply per call.
type scriptedFetcher struct {
	mu         sync.Mutex
	boards     [][]bvg.BoardRecord
	boardErr   error
	boardCalls int
	notify     chan struct{}

	radar    *bvg.RadarSnapshot
	radarErr error
	stops    []bvg.StopPayload
	stopsErr error
}

func (f *scriptedFetcher) Boards(ctx context.Context, window transit.TimeRange) ([]bvg.BoardRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boardCalls++
	if f.notify != nil {
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
	if f.boardErr != nil {
		return nil, f.boardErr
	}
	if len(f.boards) == 0 {
		return nil, nil
	}
	next := f.boards[0]
	f.boards = f.boards[1:]
	return next, nil
}

func (f *scriptedFetcher) Radar(ctx context.Context, box bvg.BoundingBox, maxVehicles int) (*bvg.RadarSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.radarErr != nil {
		return nil, f.radarErr
	}
	if f.radar == nil {
		return &bvg.RadarSnapshot{ObservedAt: time.Now()}, nil
	}
	return f.radar, nil
}

func (f *scriptedFetcher) StopDirectory(ctx context.Context) ([]bvg.StopPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, f.stopsErr
}

func defaultConfig() Config {
	return Config{
		BoardInterval: time.Minute,
		FetchWindow:   30 * time.Minute,
	}
}

func newTestScheduler(t *testing.T, f Fetcher, st store.Store, cfg Config) (*Scheduler, *metrics.Metrics) {
	t.Helper()
	met := metrics.New(prometheus.NewRegistry())
	return New(cfg, f, reconcile.New(st), met, zaptest.NewLogger(t)), met
}

func TestRunOnceStoresFetchedBoards(t *testing.T) {
	f := &scriptedFetcher{boards: [][]bvg.BoardRecord{{
		boardRecord("900A", "s9", "2025-04-29T13:02:00+02:00", "2025-04-29T13:05:00+02:00"),
		boardRecord("900B", "u2", "2025-04-29T13:04:00+02:00", ""),
	}}}
	st := store.NewMemory()
	s, _ := newTestScheduler(t, f, st, defaultConfig())

	require.NoError(t, s.RunOnce(context.Background()))

	events := st.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "900A", events[0].StopID)
	require.NotNil(t, events[0].ActualTime)
	assert.Nil(t, events[1].ActualTime)
}

func TestSuccessiveCyclesMergeRealtime(t *testing.T) {
	// Same identity in two cycles: first without realtime data, then with.
	// The store must end up with exactly one event carrying the actual time.
	f := &scriptedFetcher{boards: [][]bvg.BoardRecord{
		{boardRecord("900A", "s9", "2025-04-29T13:02:00+02:00", "")},
		{boardRecord("900A", "s9", "2025-04-29T13:02:00+02:00", "2025-04-29T13:05:00+02:00")},
	}}
	st := store.NewMemory()
	s, _ := newTestScheduler(t, f, st, defaultConfig())
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))

	events := st.Events()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ActualTime)
	assert.Equal(t, time.Date(2025, 4, 29, 11, 5, 0, 0, time.UTC), *events[0].ActualTime)
}

func TestBadRecordIsDroppedNotFatal(t *testing.T) {
	missingStop := boardRecord("900B", "u2", "2025-04-29T13:04:00+02:00", "")
	missingStop.Entry.Stop = nil

	f := &scriptedFetcher{boards: [][]bvg.BoardRecord{{
		boardRecord("900A", "s9", "2025-04-29T13:02:00+02:00", ""),
		missingStop,
		boardRecord("900C", "m10", "2025-04-29T13:06:00+02:00", ""),
	}}}
	f.boards[0][2].Entry.Line.Product = "tram"

	st := store.NewMemory()
	s, met := newTestScheduler(t, f, st, defaultConfig())

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Len(t, st.Events(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.RecordsDropped.WithLabelValues(laneBoards, "missing_field")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CyclesTotal.WithLabelValues(laneBoards, "ok")))
}

func TestFetchFailureAbortsCycle(t *testing.T) {
	f := &scriptedFetcher{boardErr: &bvg.Error{Kind: bvg.RateLimited, URL: "/stops", Err: assert.AnError}}
	st := store.NewMemory()
	s, met := newTestScheduler(t, f, st, defaultConfig())

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, bvg.IsRateLimited(err))
	assert.Empty(t, st.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(met.FetchErrors.WithLabelValues(laneBoards, "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CyclesTotal.WithLabelValues(laneBoards, "error")))
}

func TestStoreFailureAbortsCycle(t *testing.T) {
	f := &scriptedFetcher{boards: [][]bvg.BoardRecord{{
		boardRecord("900A", "s9", "2025-04-29T13:02:00+02:00", ""),
	}}}
	st := store.NewMemory()
	st.Fail(store.ErrUnavailable)
	s, met := newTestScheduler(t, f, st, defaultConfig())

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CyclesTotal.WithLabelValues(laneBoards, "error")))
}

func TestRunOnceCoversConfiguredLanes(t *testing.T) {
	cfg := defaultConfig()
	cfg.RadarInterval = time.Minute
	cfg.RadarBox = &bvg.BoundingBox{North: 52.53, West: 13.41, South: 52.51, East: 13.42}
	cfg.RadarMaxVehicles = 10
	cfg.StopsInterval = time.Hour

	f := &scriptedFetcher{
		boards: [][]bvg.BoardRecord{{boardRecord("900A", "s9", "2025-04-29T13:02:00+02:00", "")}},
		radar: &bvg.RadarSnapshot{
			ObservedAt: time.Date(2025, 4, 29, 11, 10, 0, 0, time.UTC),
			Movements: []bvg.Movement{{
				TripID:   "trip-radar",
				Line:     &bvg.LinePayload{ID: "m10", Name: "M10", Product: "tram"},
				Location: &bvg.LocationPayload{Latitude: 52.52, Longitude: 13.41},
			}},
		},
		stops: []bvg.StopPayload{{ID: "900017103", Name: "U Gleisdreieck"}},
	}
	st := store.NewMemory()
	s, _ := newTestScheduler(t, f, st, cfg)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Len(t, st.Events(), 1)
	assert.Len(t, st.Positions(), 1)
	assert.Len(t, st.Stops(), 1)
}

// blockingFetcher parks inside Boards until released, to hold a cycle open.
type blockingFetcher struct {
	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
	calls       atomic.Int32
}

func (f *blockingFetcher) Boards(ctx context.Context, window transit.TimeRange) ([]bvg.BoardRecord, error) {
	f.calls.Add(1)
	f.startedOnce.Do(func() { close(f.started) })
	<-f.release
	return nil, nil
}

func (f *blockingFetcher) Radar(ctx context.Context, box bvg.BoundingBox, maxVehicles int) (*bvg.RadarSnapshot, error) {
	return &bvg.RadarSnapshot{ObservedAt: time.Now()}, nil
}

func (f *blockingFetcher) StopDirectory(ctx context.Context) ([]bvg.StopPayload, error) {
	return nil, nil
}

func TestTickIsSkippedWhileCycleRuns(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	st := store.NewMemory()
	s, met := newTestScheduler(t, f, st, defaultConfig())

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(context.Background()) }()
	<-f.started

	// A tick firing mid-cycle must be skipped, not queued.
	s.tick(context.Background(), laneBoards, s.boardCycle)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.TicksSkipped.WithLabelValues(laneBoards)))
	assert.Equal(t, int32(1), f.calls.Load())

	close(f.release)
	require.NoError(t, <-done)
}

func TestRunTicksAndStopsOnCancel(t *testing.T) {
	f := &scriptedFetcher{notify: make(chan struct{}, 1)}
	st := store.NewMemory()
	cfg := defaultConfig()
	cfg.BoardInterval = 5 * time.Millisecond
	s, _ := newTestScheduler(t, f, st, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-f.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("boards lane never ticked")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunRejectsZeroInterval(t *testing.T) {
	s, _ := newTestScheduler(t, &scriptedFetcher{}, store.NewMemory(), Config{})
	assert.Error(t, s.Run(context.Background()))
}
