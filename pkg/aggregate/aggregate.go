// Package aggregate computes delay statistics over committed events. It is
// the only read path exposed to the presentation layer; raw store access
// stays behind it.
package aggregate

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/vllry/berlin-transit/pkg/store"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// onTimeThreshold is the largest delay still counted as on time. Early
// arrivals count as on time too.
const onTimeThreshold = 60.0

// GroupBy selects the grouping key for aggregation.
type GroupBy string

const (
	GroupByStop GroupBy = "stop"
	GroupByLine GroupBy = "line"
)

// ParseGroupBy maps a string onto the GroupBy enum.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case GroupByStop, GroupByLine:
		return GroupBy(s), nil
	}
	return "", errors.Errorf("unknown group_by %q", s)
}

// Metric identifies one statistic computed over a group's events. Delay
// metrics are in seconds and evaluate to 0 for groups without realtime data.
type Metric string

const (
	MetricTotal           Metric = "total"
	MetricWithRealtime    Metric = "with_realtime"
	MetricMissingRealtime Metric = "missing_realtime"
	MetricOnTime          Metric = "on_time"
	MetricMeanDelay       Metric = "mean_delay_seconds"
	MetricMaxDelay        Metric = "max_delay_seconds"
	MetricP50Delay        Metric = "p50_delay_seconds"
	MetricP90Delay        Metric = "p90_delay_seconds"
)

// View is the evaluated metric set for one group.
type View map[Metric]float64

type metricFunc func(events []transit.Event) float64

// metricFuncs is the closed metric registry. Every function is pure over
// its (identity-ordered) event slice, so evaluation order cannot change
// results. Adding a statistic means adding a key and a function here.
var metricFuncs = map[Metric]metricFunc{
	MetricTotal:           countTotal,
	MetricWithRealtime:    countWithRealtime,
	MetricMissingRealtime: countMissingRealtime,
	MetricOnTime:          countOnTime,
	MetricMeanDelay:       meanDelay,
	MetricMaxDelay:        maxDelay,
	MetricP50Delay:        percentileDelay(50),
	MetricP90Delay:        percentileDelay(90),
}

// Aggregator evaluates the metric registry over windows of stored events.
type Aggregator struct {
	store store.Store
}

func New(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Aggregate returns one View per group for committed events whose scheduled
// time falls in the half-open window. Identical store contents and
// arguments always produce identical output. Read-only: cancelling ctx
// mid-aggregation has no side effects.
func (a *Aggregator) Aggregate(ctx context.Context, window transit.TimeRange, groupBy GroupBy) (map[string]View, error) {
	if !window.Valid() {
		return nil, errors.New("aggregation window is empty or inverted")
	}
	keyOf, err := groupKeyFunc(groupBy)
	if err != nil {
		return nil, err
	}

	events, err := a.store.EventsInWindow(ctx, window)
	if err != nil {
		return nil, errors.Wrap(err, "loading events for aggregation")
	}

	// The store returns events in identity order, so each group's slice is
	// identity-ordered as well.
	groups := make(map[string][]transit.Event)
	var order []string
	for _, ev := range events {
		k := keyOf(ev)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}

	views := make(map[string]View, len(groups))
	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "aggregation cancelled")
		}
		views[k] = evaluate(groups[k])
	}
	return views, nil
}

func groupKeyFunc(groupBy GroupBy) (func(transit.Event) string, error) {
	switch groupBy {
	case GroupByStop:
		return func(ev transit.Event) string { return ev.StopID }, nil
	case GroupByLine:
		return func(ev transit.Event) string { return ev.LineID }, nil
	}
	return nil, errors.Errorf("unknown group_by %q", groupBy)
}

func evaluate(events []transit.Event) View {
	view := make(View, len(metricFuncs))
	for metric, fn := range metricFuncs {
		view[metric] = fn(events)
	}
	return view
}

// delays returns the delay in seconds for every event with realtime data.
// Negative values are early arrivals.
func delays(events []transit.Event) []float64 {
	var out []float64
	for _, ev := range events {
		if d, ok := ev.Delay(); ok {
			out = append(out, d.Seconds())
		}
	}
	return out
}

func countTotal(events []transit.Event) float64 {
	return float64(len(events))
}

func countWithRealtime(events []transit.Event) float64 {
	n := 0
	for _, ev := range events {
		if ev.ActualTime != nil {
			n++
		}
	}
	return float64(n)
}

func countMissingRealtime(events []transit.Event) float64 {
	n := 0
	for _, ev := range events {
		if ev.ActualTime == nil {
			n++
		}
	}
	return float64(n)
}

func countOnTime(events []transit.Event) float64 {
	n := 0
	for _, d := range delays(events) {
		if d <= onTimeThreshold {
			n++
		}
	}
	return float64(n)
}

func meanDelay(events []transit.Event) float64 {
	d := delays(events)
	if len(d) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range d {
		sum += v
	}
	return sum / float64(len(d))
}

func maxDelay(events []transit.Event) float64 {
	d := delays(events)
	if len(d) == 0 {
		return 0
	}
	m := d[0]
	for _, v := range d[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// percentileDelay builds a nearest-rank percentile function.
func percentileDelay(p float64) metricFunc {
	return func(events []transit.Event) float64 {
		d := delays(events)
		if len(d) == 0 {
			return 0
		}
		sort.Float64s(d)
		rank := int(math.Ceil(p/100*float64(len(d)))) - 1
		if rank < 0 {
			rank = 0
		}
		return d[rank]
	}
}
