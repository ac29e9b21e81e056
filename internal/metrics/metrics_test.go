package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.RecordCycle("scanner:america", "ok", 0.2)
	r.RecordCycle("scanner:america", "ok", 0.3)
	r.AddRows("fetched", 5)
	r.AddRows("invalid", 0)
	r.RecordDispatch(true, 0.1)
	r.RecordDispatch(false, 0.1)
	r.RecordDispatch(false, 0.1)
	r.RecordRecovery(true)
	r.SetTrackedSymbols(7)
	r.RecordOrder("buy", "accepted")

	if got := testutil.ToFloat64(r.cycles.WithLabelValues("scanner:america", "ok")); got != 2 {
		t.Fatalf("cycles = %v", got)
	}
	if got := testutil.ToFloat64(r.rows.WithLabelValues("fetched")); got != 5 {
		t.Fatalf("fetched rows = %v", got)
	}
	if got := testutil.ToFloat64(r.dispatches.WithLabelValues("failure")); got != 2 {
		t.Fatalf("failed dispatches = %v", got)
	}
	if got := testutil.ToFloat64(r.trackedSyms); got != 7 {
		t.Fatalf("tracked symbols = %v", got)
	}
	if got := testutil.ToFloat64(r.orders.WithLabelValues("buy", "accepted")); got != 1 {
		t.Fatalf("orders = %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordCycle("x", "ok", 1)
	r.AddRows("fetched", 1)
	r.RecordDispatch(true, 1)
	r.RecordRecovery(false)
	r.SetTrackedSymbols(1)
	r.RecordOrder("buy", "rejected")
}
