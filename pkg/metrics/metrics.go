// Package metrics holds the collector's Prometheus instrumentation. Every
// dropped record, failed fetch and skipped tick is counted here; nothing is
// discarded silently.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collector's counters. Label "lane" is one of the
// scheduler lanes (boards, radar, stops).
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	TicksSkipped      *prometheus.CounterVec
	FetchErrors       *prometheus.CounterVec
	RecordsDropped    *prometheus.CounterVec
	RecordsReconciled *prometheus.CounterVec
	CycleDuration     *prometheus.SummaryVec
}

// New builds and registers the metric set. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Subsystem: "collector",
			Name:      "cycles_total",
			Help:      "Finished ingestion cycles by lane and status",
		}, []string{"lane", "status"}),
		TicksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Subsystem: "collector",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous cycle was still running",
		}, []string{"lane"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Subsystem: "collector",
			Name:      "fetch_errors_total",
			Help:      "Fetch failures by lane and error kind",
		}, []string{"lane", "kind"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Subsystem: "collector",
			Name:      "records_dropped_total",
			Help:      "Records dropped during normalization by reason",
		}, []string{"lane", "reason"}),
		RecordsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Subsystem: "collector",
			Name:      "records_reconciled_total",
			Help:      "Records applied to the store by lane and outcome",
		}, []string{"lane", "outcome"}),
		CycleDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "transit",
			Subsystem: "collector",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of finished cycles by lane",
		}, []string{"lane"}),
	}

	reg.MustRegister(
		m.CyclesTotal, m.TicksSkipped, m.FetchErrors,
		m.RecordsDropped, m.RecordsReconciled, m.CycleDuration,
	)
	return m
}
