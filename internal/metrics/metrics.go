// Package metrics exposes Prometheus instruments for the watcher and the sink.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sigwatch"

// Recorder groups every instrument the service records.
type Recorder struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	rows          *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	dispatchLat   prometheus.Histogram
	recoveries    *prometheus.CounterVec
	trackedSyms   prometheus.Gauge
	orders        *prometheus.CounterVec
}

// New registers the instruments on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cycles_total",
			Help:      "Scan cycles by outcome.",
		}, []string{"source", "outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_cycle_duration_seconds",
			Help:      "Time spent fetching and processing one cycle.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Source rows by pipeline stage result.",
		}, []string{"stage"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by result.",
		}, []string{"result"}),
		dispatchLat: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of dispatch calls to the sink.",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_recoveries_total",
			Help:      "Session relaunch attempts by result.",
		}, []string{"result"}),
		trackedSyms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooldown_tracked_symbols",
			Help:      "Symbols currently held by the cooldown gate.",
		}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_orders_total",
			Help:      "Orders received by the webhook sink by result.",
		}, []string{"side", "result"}),
	}
}

// RecordCycle records one finished cycle.
func (r *Recorder) RecordCycle(source, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(source, outcome).Inc()
	r.cycleDuration.Observe(seconds)
}

// AddRows adds n rows for a pipeline stage (fetched, invalid, rejected, suppressed).
func (r *Recorder) AddRows(stage string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.rows.WithLabelValues(stage).Add(float64(n))
}

// RecordDispatch records one dispatch attempt.
func (r *Recorder) RecordDispatch(success bool, seconds float64) {
	if r == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	r.dispatches.WithLabelValues(result).Inc()
	r.dispatchLat.Observe(seconds)
}

// RecordRecovery records a session relaunch attempt.
func (r *Recorder) RecordRecovery(success bool) {
	if r == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	r.recoveries.WithLabelValues(result).Inc()
}

// SetTrackedSymbols updates the cooldown gate size.
func (r *Recorder) SetTrackedSymbols(n int) {
	if r == nil {
		return
	}
	r.trackedSyms.Set(float64(n))
}

// RecordOrder records a webhook order outcome on the sink.
func (r *Recorder) RecordOrder(side, result string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(side, result).Inc()
}
