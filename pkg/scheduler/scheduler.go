// Package scheduler drives the periodic ingestion cycles: fetch, normalize,
// reconcile. One cycle runs at a time across all lanes, bounding load on
// the provider (100 requests per minute) and the store.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/berlin-transit/pkg/bvg"
	"github.com/vllry/berlin-transit/pkg/metrics"
	"github.com/vllry/berlin-transit/pkg/normalize"
	"github.com/vllry/berlin-transit/pkg/reconcile"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// State names the phase an ingestion cycle is in.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StateReconciling State = "reconciling"
)

// Scheduler lanes. Boards is the primary lane; radar and stops run on
// their own intervals with the same cycle discipline.
const (
	laneBoards = "boards"
	laneRadar  = "radar"
	laneStops  = "stops"
)

// Cycle is the explicit state of one ingestion pass, handed from step to
// step rather than living in a shared global. The id correlates log lines
// and reports across the pass.
type Cycle struct {
	ID      string
	Lane    string
	State   State
	Started time.Time

	Fetched int
	Dropped int
	Report  reconcile.Report
}

// Fetcher is the provider surface the scheduler drives.
type Fetcher interface {
	Boards(ctx context.Context, window transit.TimeRange) ([]bvg.BoardRecord, error)
	Radar(ctx context.Context, box bvg.BoundingBox, maxVehicles int) (*bvg.RadarSnapshot, error)
	StopDirectory(ctx context.Context) ([]bvg.StopPayload, error)
}

// Config sets the lane intervals. A zero RadarInterval or StopsInterval
// (or a nil RadarBox) disables that lane.
type Config struct {
	// BoardInterval is the tick interval of the boards lane.
	BoardInterval time.Duration
	// FetchWindow is how far ahead of now each boards fetch looks.
	FetchWindow time.Duration

	RadarInterval    time.Duration
	RadarBox         *bvg.BoundingBox
	RadarMaxVehicles int

	StopsInterval time.Duration
}

// Scheduler owns the cycle lock and the tickers.
type Scheduler struct {
	cfg        Config
	fetcher    Fetcher
	reconciler *reconcile.Reconciler
	met        *metrics.Metrics
	log        *zap.Logger

	// mu is the non-reentrant cycle lock shared by all lanes: a tick that
	// fires while any cycle runs is skipped, never queued.
	mu  sync.Mutex
	now func() time.Time
}

func New(cfg Config, fetcher Fetcher, reconciler *reconcile.Reconciler, met *metrics.Metrics, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:        cfg,
		fetcher:    fetcher,
		reconciler: reconciler,
		met:        met,
		log:        log,
		now:        time.Now,
	}
}

func (s *Scheduler) radarEnabled() bool {
	return s.cfg.RadarInterval > 0 && s.cfg.RadarBox != nil
}

func (s *Scheduler) stopsEnabled() bool {
	return s.cfg.StopsInterval > 0
}

// Run ticks the configured lanes until ctx is cancelled. The stop
// directory is synced once at startup so a fresh database is usable before
// the first daily tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.BoardInterval <= 0 {
		return errors.New("board interval must be positive")
	}

	boardTicker := time.NewTicker(s.cfg.BoardInterval)
	defer boardTicker.Stop()

	// Disabled lanes keep nil channels, which never fire.
	var radarTick, stopsTick <-chan time.Time
	if s.radarEnabled() {
		t := time.NewTicker(s.cfg.RadarInterval)
		defer t.Stop()
		radarTick = t.C
	}
	if s.stopsEnabled() {
		s.tick(ctx, laneStops, s.stopsCycle)
		t := time.NewTicker(s.cfg.StopsInterval)
		defer t.Stop()
		stopsTick = t.C
	}

	s.log.Info("scheduler running",
		zap.Duration("board_interval", s.cfg.BoardInterval),
		zap.Bool("radar", s.radarEnabled()),
		zap.Bool("stops", s.stopsEnabled()))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return nil
		case <-boardTicker.C:
			s.tick(ctx, laneBoards, s.boardCycle)
		case <-radarTick:
			s.tick(ctx, laneRadar, s.radarCycle)
		case <-stopsTick:
			s.tick(ctx, laneStops, s.stopsCycle)
		}
	}
}

// RunOnce performs a single pass of every configured lane. Used by the
// -once flag for backfills and smoke tests.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.runCycle(ctx, laneBoards, s.boardCycle)
	if s.radarEnabled() {
		if rerr := s.runCycle(ctx, laneRadar, s.radarCycle); err == nil {
			err = rerr
		}
	}
	if s.stopsEnabled() {
		if serr := s.runCycle(ctx, laneStops, s.stopsCycle); err == nil {
			err = serr
		}
	}
	return err
}

// tick runs one cycle unless another cycle is already in flight.
func (s *Scheduler) tick(ctx context.Context, lane string, run func(context.Context, *Cycle) error) {
	if !s.mu.TryLock() {
		s.met.TicksSkipped.WithLabelValues(lane).Inc()
		s.log.Debug("tick skipped, cycle in flight", zap.String("lane", lane))
		return
	}
	defer s.mu.Unlock()
	_ = s.runCycle(ctx, lane, run)
}

// runCycle executes one pass and records its outcome. Callers must hold
// the cycle lock. On failure the cycle aborts where it is; batches already
// committed stay committed, and the next tick starts fresh from Idle.
func (s *Scheduler) runCycle(ctx context.Context, lane string, run func(context.Context, *Cycle) error) error {
	cycle := &Cycle{ID: uuid.NewString(), Lane: lane, State: StateIdle, Started: s.now()}
	log := s.log.With(zap.String("cycle_id", cycle.ID), zap.String("lane", lane))

	err := run(ctx, cycle)
	elapsed := s.now().Sub(cycle.Started)
	s.met.CycleDuration.WithLabelValues(lane).Observe(elapsed.Seconds())

	if err != nil {
		s.met.CyclesTotal.WithLabelValues(lane, "error").Inc()
		log.Error("cycle aborted",
			zap.String("state", string(cycle.State)),
			zap.Int("reconciled", cycle.Report.Total()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return err
	}

	s.met.CyclesTotal.WithLabelValues(lane, "ok").Inc()
	log.Info("cycle complete",
		zap.Int("fetched", cycle.Fetched),
		zap.Int("dropped", cycle.Dropped),
		zap.Int("inserted", cycle.Report.Inserted),
		zap.Int("updated", cycle.Report.Updated),
		zap.Int("unchanged", cycle.Report.Unchanged),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (s *Scheduler) boardCycle(ctx context.Context, cycle *Cycle) error {
	cycle.State = StateFetching
	now := s.now()
	window := transit.TimeRange{Start: now, End: now.Add(s.cfg.FetchWindow)}
	records, err := s.fetcher.Boards(ctx, window)
	if err != nil {
		s.countFetchError(cycle.Lane, err)
		return err
	}
	cycle.Fetched = len(records)

	cycle.State = StateNormalizing
	events := make([]transit.Event, 0, len(records))
	for _, rec := range records {
		ev, err := normalize.Event(rec)
		if err != nil {
			s.drop(cycle, err)
			continue
		}
		events = append(events, ev)
	}

	cycle.State = StateReconciling
	report, err := s.reconciler.Events(ctx, events)
	cycle.Report = report
	s.countOutcomes(cycle.Lane, report)
	if err != nil {
		return err
	}

	cycle.State = StateIdle
	return nil
}

func (s *Scheduler) radarCycle(ctx context.Context, cycle *Cycle) error {
	cycle.State = StateFetching
	snap, err := s.fetcher.Radar(ctx, *s.cfg.RadarBox, s.cfg.RadarMaxVehicles)
	if err != nil {
		s.countFetchError(cycle.Lane, err)
		return err
	}
	cycle.Fetched = len(snap.Movements)

	cycle.State = StateNormalizing
	positions := make([]transit.VehiclePosition, 0, len(snap.Movements))
	for _, m := range snap.Movements {
		pos, err := normalize.Position(m, snap.ObservedAt)
		if err != nil {
			s.drop(cycle, err)
			continue
		}
		positions = append(positions, pos)
	}

	cycle.State = StateReconciling
	report, err := s.reconciler.Positions(ctx, positions)
	cycle.Report = report
	s.countOutcomes(cycle.Lane, report)
	if err != nil {
		return err
	}

	cycle.State = StateIdle
	return nil
}

func (s *Scheduler) stopsCycle(ctx context.Context, cycle *Cycle) error {
	cycle.State = StateFetching
	payloads, err := s.fetcher.StopDirectory(ctx)
	if err != nil {
		s.countFetchError(cycle.Lane, err)
		return err
	}
	cycle.Fetched = len(payloads)

	cycle.State = StateNormalizing
	stops := make([]transit.Stop, 0, len(payloads))
	for _, p := range payloads {
		st, err := normalize.Stop(p)
		if err != nil {
			s.drop(cycle, err)
			continue
		}
		stops = append(stops, st)
	}

	cycle.State = StateReconciling
	report, err := s.reconciler.Stops(ctx, stops)
	cycle.Report = report
	s.countOutcomes(cycle.Lane, report)
	if err != nil {
		return err
	}

	cycle.State = StateIdle
	return nil
}

// drop counts one rejected record. Bad records never abort a cycle.
func (s *Scheduler) drop(cycle *Cycle, err error) {
	cycle.Dropped++
	s.met.RecordsDropped.WithLabelValues(cycle.Lane, dropReason(err)).Inc()
	s.log.Debug("record dropped",
		zap.String("cycle_id", cycle.ID),
		zap.String("lane", cycle.Lane),
		zap.Error(err))
}

func (s *Scheduler) countFetchError(lane string, err error) {
	kind := "unknown"
	var ferr *bvg.Error
	if errors.As(err, &ferr) {
		kind = ferr.Kind.String()
	}
	s.met.FetchErrors.WithLabelValues(lane, kind).Inc()
}

func (s *Scheduler) countOutcomes(lane string, report reconcile.Report) {
	s.met.RecordsReconciled.WithLabelValues(lane, "inserted").Add(float64(report.Inserted))
	s.met.RecordsReconciled.WithLabelValues(lane, "updated").Add(float64(report.Updated))
	s.met.RecordsReconciled.WithLabelValues(lane, "unchanged").Add(float64(report.Unchanged))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, normalize.ErrMissingField):
		return "missing_field"
	case errors.Is(err, normalize.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, normalize.ErrInvalidValue):
		return "invalid_value"
	}
	return "other"
}
