package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// Memory is an in-memory Store with the same upsert semantics as Postgres:
// identity-keyed, null-preserving, unchanged-detecting, all-or-nothing per
// call. It backs tests and database-less local runs.
type Memory struct {
	mu        sync.Mutex
	events    map[transit.EventKey]transit.Event
	positions map[transit.PositionKey]transit.VehiclePosition
	stops     map[string]transit.Stop
	err       error
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		events:    make(map[transit.EventKey]transit.Event),
		positions: make(map[transit.PositionKey]transit.VehiclePosition),
		stops:     make(map[string]transit.Stop),
	}
}

// Fail makes every subsequent call return err, simulating an unreachable
// store. Fail(nil) clears it.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Memory) gate(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}
	return ctx.Err()
}

func (m *Memory) UpsertEvents(ctx context.Context, events []transit.Event) ([]UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	// Staged writes commit only after the whole batch is validated, the
	// way a transaction rollback would discard them.
	staged := make(map[transit.EventKey]transit.Event)
	outcomes := make([]UpsertOutcome, 0, len(events))
	for _, ev := range events {
		if ev.StopID == "" || ev.LineID == "" || ev.ScheduledTime.IsZero() {
			return nil, errors.Wrap(ErrConstraintViolation, "event identity incomplete")
		}
		key := ev.Key()
		existing, found := staged[key]
		if !found {
			existing, found = m.events[key]
		}
		if !found {
			staged[key] = ev
			outcomes = append(outcomes, OutcomeInserted)
			continue
		}
		merged, changed := mergeEvent(existing, ev)
		staged[key] = merged
		if changed {
			outcomes = append(outcomes, OutcomeUpdated)
		} else {
			outcomes = append(outcomes, OutcomeUnchanged)
		}
	}

	for k, v := range staged {
		m.events[k] = v
	}
	return outcomes, nil
}

func (m *Memory) UpsertPositions(ctx context.Context, positions []transit.VehiclePosition) ([]UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	staged := make(map[transit.PositionKey]transit.VehiclePosition)
	outcomes := make([]UpsertOutcome, 0, len(positions))
	for _, pos := range positions {
		if pos.VehicleID == "" || pos.RecordedAt.IsZero() {
			return nil, errors.Wrap(ErrConstraintViolation, "position identity incomplete")
		}
		key := pos.Key()
		existing, found := staged[key]
		if !found {
			existing, found = m.positions[key]
		}
		if !found {
			staged[key] = pos
			outcomes = append(outcomes, OutcomeInserted)
			continue
		}
		merged, changed := mergePosition(existing, pos)
		staged[key] = merged
		if changed {
			outcomes = append(outcomes, OutcomeUpdated)
		} else {
			outcomes = append(outcomes, OutcomeUnchanged)
		}
	}

	for k, v := range staged {
		m.positions[k] = v
	}
	return outcomes, nil
}

func (m *Memory) UpsertStops(ctx context.Context, stops []transit.Stop) ([]UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	staged := make(map[string]transit.Stop)
	outcomes := make([]UpsertOutcome, 0, len(stops))
	for _, st := range stops {
		if st.ID == "" {
			return nil, errors.Wrap(ErrConstraintViolation, "stop id missing")
		}
		existing, found := staged[st.ID]
		if !found {
			existing, found = m.stops[st.ID]
		}
		if !found {
			staged[st.ID] = st
			outcomes = append(outcomes, OutcomeInserted)
			continue
		}
		merged, changed := mergeStop(existing, st)
		staged[st.ID] = merged
		if changed {
			outcomes = append(outcomes, OutcomeUpdated)
		} else {
			outcomes = append(outcomes, OutcomeUnchanged)
		}
	}

	for k, v := range staged {
		m.stops[k] = v
	}
	return outcomes, nil
}

func (m *Memory) EventsInWindow(ctx context.Context, window transit.TimeRange) ([]transit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	var events []transit.Event
	for _, ev := range m.events {
		if window.Contains(ev.ScheduledTime) {
			events = append(events, ev)
		}
	}
	sortEvents(events)
	return events, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate(ctx)
}

func (m *Memory) Close() {}

// Events returns every stored event in identity order.
func (m *Memory) Events() []transit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]transit.Event, 0, len(m.events))
	for _, ev := range m.events {
		events = append(events, ev)
	}
	sortEvents(events)
	return events
}

// Positions returns every stored position in identity order.
func (m *Memory) Positions() []transit.VehiclePosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make([]transit.VehiclePosition, 0, len(m.positions))
	for _, pos := range m.positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].VehicleID != positions[j].VehicleID {
			return positions[i].VehicleID < positions[j].VehicleID
		}
		return positions[i].RecordedAt.Before(positions[j].RecordedAt)
	})
	return positions
}

// Stops returns every stored stop ordered by id.
func (m *Memory) Stops() []transit.Stop {
	m.mu.Lock()
	defer m.mu.Unlock()

	stops := make([]transit.Stop, 0, len(m.stops))
	for _, st := range m.stops {
		stops = append(stops, st)
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i].ID < stops[j].ID })
	return stops
}

func sortEvents(events []transit.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].StopID != events[j].StopID {
			return events[i].StopID < events[j].StopID
		}
		if events[i].LineID != events[j].LineID {
			return events[i].LineID < events[j].LineID
		}
		return events[i].ScheduledTime.Before(events[j].ScheduledTime)
	})
}

// mergeEvent applies the null-preserving update rules: present incoming
// values win, absent ones keep the stored value.
func mergeEvent(existing, incoming transit.Event) (transit.Event, bool) {
	merged := existing
	if incoming.ActualTime != nil {
		t := incoming.ActualTime.UTC()
		merged.ActualTime = &t
	}
	if incoming.VehicleID != "" {
		merged.VehicleID = incoming.VehicleID
	}
	if incoming.Direction != "" {
		merged.Direction = incoming.Direction
	}
	if incoming.LineName != "" {
		merged.LineName = incoming.LineName
	}
	if incoming.Product != "" {
		merged.Product = incoming.Product
	}
	if incoming.StopName != "" {
		merged.StopName = incoming.StopName
	}
	return merged, !eventEqual(merged, existing)
}

func eventEqual(a, b transit.Event) bool {
	sameActual := (a.ActualTime == nil && b.ActualTime == nil) ||
		(a.ActualTime != nil && b.ActualTime != nil && a.ActualTime.Equal(*b.ActualTime))
	return sameActual &&
		a.StopID == b.StopID &&
		a.LineID == b.LineID &&
		a.ScheduledTime.Equal(b.ScheduledTime) &&
		a.VehicleID == b.VehicleID &&
		a.Direction == b.Direction &&
		a.LineName == b.LineName &&
		a.Product == b.Product &&
		a.StopName == b.StopName
}

func mergePosition(existing, incoming transit.VehiclePosition) (transit.VehiclePosition, bool) {
	merged := existing
	if incoming.LineID != "" {
		merged.LineID = incoming.LineID
	}
	if incoming.LineName != "" {
		merged.LineName = incoming.LineName
	}
	if incoming.Product != "" {
		merged.Product = incoming.Product
	}
	merged.Latitude = incoming.Latitude
	merged.Longitude = incoming.Longitude

	changed := !(merged.LineID == existing.LineID &&
		merged.LineName == existing.LineName &&
		merged.Product == existing.Product &&
		merged.Latitude == existing.Latitude &&
		merged.Longitude == existing.Longitude)
	return merged, changed
}

func mergeStop(existing, incoming transit.Stop) (transit.Stop, bool) {
	merged := existing
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	merged.Latitude = incoming.Latitude
	merged.Longitude = incoming.Longitude
	if len(incoming.Products) > 0 {
		merged.Products = incoming.Products
	}

	changed := !(merged.Name == existing.Name &&
		merged.Latitude == existing.Latitude &&
		merged.Longitude == existing.Longitude &&
		productsEqual(merged.Products, existing.Products))
	return merged, changed
}

func productsEqual(a, b []transit.Product) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
