package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"sigwatch/internal/alerting"
	"sigwatch/internal/cooldown"
	"sigwatch/internal/dispatch"
	"sigwatch/internal/filter"
	"sigwatch/internal/metrics"
	"sigwatch/internal/scheduler"
	"sigwatch/internal/signal"
	"sigwatch/internal/source"
	"sigwatch/internal/storage"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

type fakeSender struct {
	calls  []string
	status map[string]int
}

func (f *fakeSender) Send(_ context.Context, sig signal.Signal) dispatch.Result {
	f.calls = append(f.calls, sig.Symbol)
	status := http.StatusOK
	if code, ok := f.status[sig.Symbol]; ok {
		status = code
	}
	if status != http.StatusOK {
		return dispatch.Result{HTTPStatus: status, Err: &dispatch.Error{Symbol: sig.Symbol, Status: status}}
	}
	return dispatch.Result{Success: true, HTTPStatus: status}
}

type fakeSession struct {
	rows      []signal.RawRow
	open      bool
	opens     int
	closes    int
	openErrs  []error
	fetchErr  error
	fetchHits int
}

func (f *fakeSession) Name() string { return "fake-session" }

func (f *fakeSession) Fetch(context.Context) ([]signal.RawRow, error) {
	f.fetchHits++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rows, nil
}

func (f *fakeSession) Open(context.Context) error {
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return err
		}
	}
	f.open = true
	return nil
}

func (f *fakeSession) Close() error {
	f.closes++
	f.open = false
	return nil
}

func (f *fakeSession) Healthy() bool { return f.open }

type fakeStore struct {
	records []storage.DispatchRecord
}

func (f *fakeStore) InsertDispatch(_ context.Context, rec storage.DispatchRecord) (storage.DispatchRecord, error) {
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeStore) ListRecentDispatches(context.Context, int) ([]storage.DispatchRecord, error) {
	return f.records, nil
}

func (f *fakeStore) ListDispatchesBetween(context.Context, time.Time, time.Time) ([]storage.DispatchRecord, error) {
	return f.records, nil
}

func (f *fakeStore) DeleteDispatchesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	f.notes = append(f.notes, note)
	return nil
}

type fakeLocker struct {
	acquired bool
	unlocked int
	state    func() State
	seen     []State
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if f.state != nil {
		f.seen = append(f.seen, f.state())
	}
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

func scenarioPolicy() filter.Policy {
	return filter.NewPolicy(filter.Options{
		MinPrice:        1,
		MaxPrice:        500,
		MinChangePct:    2,
		MinDollarVolume: 1_000_000,
		ChangeFilter:    true,
		VolumeFilter:    true,
	})
}

func aaplRow() signal.RawRow {
	return signal.RawRow{Key: "NASDAQ:AAPL", Values: []any{"AAPL", "150.00", "3.5", "2000000"}}
}

type harness struct {
	svc    *Service
	sender *fakeSender
	gate   *cooldown.Gate
	clock  time.Time
}

func newHarness(t *testing.T, src source.Source, deps Deps, opts Options) *harness {
	t.Helper()
	h := &harness{sender: &fakeSender{status: map[string]int{}}, gate: cooldown.New(30 * time.Minute), clock: t0}
	deps.Source = src
	deps.Policy = scenarioPolicy()
	deps.Gate = h.gate
	deps.Sender = h.sender
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Side == "" {
		opts.Side = "buy"
		opts.Qty = 1
	}
	svc, err := New(opts, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = func() time.Time { return h.clock }
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	h.svc = svc
	return h
}

func TestCycleDispatchesQualifyingSignal(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	h := newHarness(t, source.NewStatic("scanner:america", aaplRow()), Deps{Store: store, Notifier: notifier}, Options{})

	report, err := h.svc.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if report.Dispatched != 1 || len(h.sender.calls) != 1 || h.sender.calls[0] != "AAPL" {
		t.Fatalf("expected one dispatch for AAPL, report=%+v calls=%v", report, h.sender.calls)
	}
	if last, ok := h.gate.LastSent("AAPL"); !ok || !last.Equal(t0) {
		t.Fatalf("gate not marked: %v %v", last, ok)
	}
	if len(store.records) != 1 || !store.records[0].Success || store.records[0].Side != "buy" {
		t.Fatalf("unexpected audit records: %+v", store.records)
	}
	if *store.records[0].HTTPStatus != http.StatusOK {
		t.Fatalf("audit status = %d", *store.records[0].HTTPStatus)
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Symbol != "AAPL" {
		t.Fatalf("unexpected notifications: %+v", notifier.notes)
	}
}

func TestCycleSuppressesWithinCooldown(t *testing.T) {
	h := newHarness(t, source.NewStatic("s", aaplRow()), Deps{}, Options{})

	if _, err := h.svc.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	h.clock = t0.Add(5 * time.Minute)
	report, err := h.svc.Cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if report.Suppressed != 1 || len(h.sender.calls) != 1 {
		t.Fatalf("expected suppression, report=%+v calls=%v", report, h.sender.calls)
	}

	h.clock = t0.Add(31 * time.Minute)
	if _, err := h.svc.Cycle(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if len(h.sender.calls) != 2 {
		t.Fatalf("symbol should be eligible after the window, calls=%v", h.sender.calls)
	}
}

func TestCycleFailedDispatchLeavesSymbolEligible(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	h := newHarness(t, source.NewStatic("s", aaplRow()), Deps{Store: store, Notifier: notifier}, Options{})
	h.sender.status["AAPL"] = http.StatusInternalServerError

	report, err := h.svc.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if report.Failed != 1 || report.Dispatched != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, ok := h.gate.LastSent("AAPL"); ok {
		t.Fatal("failed dispatch must not mark the gate")
	}
	if len(notifier.notes) != 0 {
		t.Fatal("failed dispatch must not notify")
	}
	if len(store.records) != 1 || store.records[0].Success || store.records[0].Error == nil {
		t.Fatalf("failure should be audited: %+v", store.records)
	}

	h.clock = t0.Add(time.Minute)
	if _, err := h.svc.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(h.sender.calls) != 2 {
		t.Fatalf("retry expected on next cycle, calls=%v", h.sender.calls)
	}
}

func TestCycleMissingVolumeIsFilteredOut(t *testing.T) {
	row := signal.RawRow{Key: "NASDAQ:AAPL", Values: []any{"AAPL", "150.00", "3.5"}}
	h := newHarness(t, source.NewStatic("s", row), Deps{}, Options{})

	report, err := h.svc.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if report.Normalized != 1 || report.Rejected != 1 || len(h.sender.calls) != 0 {
		t.Fatalf("expected rejection without dispatch, report=%+v", report)
	}
}

func TestCycleKeepsSourceOrderAndIsolatesBadRows(t *testing.T) {
	rows := []signal.RawRow{
		{Key: "NYSE:KO", Values: []any{"KO", "60", "2.5", "5000000"}},
		{Key: "BAD", Values: []any{"BAD"}},
		{Key: "NASDAQ:MSFT", Values: []any{"MSFT", "not-a-number", "3", "100"}},
		aaplRow(),
		{Key: "AMEX:SPY", Values: []any{"SPY", "450", "2.1", "9000000"}},
	}
	h := newHarness(t, source.NewStatic("s", rows...), Deps{}, Options{})

	report, err := h.svc.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if report.Rows != 5 || report.RowErrors != 2 || report.Dispatched != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	want := []string{"KO", "AAPL", "SPY"}
	for i, sym := range want {
		if h.sender.calls[i] != sym {
			t.Fatalf("dispatch order = %v, want %v", h.sender.calls, want)
		}
	}
}

func TestCycleFetchErrorDoesNotTouchGate(t *testing.T) {
	sess := &fakeSession{open: true, fetchErr: &source.FetchError{Source: "fake", Op: "scan", Err: errors.New("502")}}
	h := newHarness(t, sess, Deps{}, Options{LaunchAttempts: 3})

	report, err := h.svc.Cycle(context.Background())
	var fe *source.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !report.Skipped || h.gate.Len() != 0 || len(h.sender.calls) != 0 {
		t.Fatalf("failed fetch must not dispatch, report=%+v", report)
	}
	if sess.closes != 0 {
		t.Fatal("a transient fetch error must not tear the session down")
	}
}

func TestCycleRelaunchesLostSession(t *testing.T) {
	sess := &fakeSession{open: true, rows: []signal.RawRow{aaplRow()}}
	sess.fetchErr = &source.FetchError{Source: "browser", Op: "render", Err: errors.New("target closed"), SessionLost: true}
	h := newHarness(t, sess, Deps{}, Options{LaunchAttempts: 3, LaunchBackoff: time.Second})

	if _, err := h.svc.Cycle(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if sess.closes != 1 || sess.opens != 1 || !sess.Healthy() {
		t.Fatalf("session should be relaunched, closes=%d opens=%d", sess.closes, sess.opens)
	}

	sess.fetchErr = nil
	report, err := h.svc.Cycle(context.Background())
	if err != nil || report.Dispatched != 1 {
		t.Fatalf("cycle after recovery: report=%+v err=%v", report, err)
	}
}

func TestCycleRecoveryIsBounded(t *testing.T) {
	launchErr := errors.New("chrome failed to start")
	sess := &fakeSession{openErrs: []error{launchErr, launchErr, launchErr, launchErr}}
	h := newHarness(t, sess, Deps{}, Options{LaunchAttempts: 3, LaunchBackoff: 2 * time.Second})

	var backoffs []time.Duration
	h.svc.sleep = func(_ context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return nil
	}

	report, err := h.svc.Cycle(context.Background())
	if !errors.Is(err, launchErr) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if sess.opens != 3 || sess.fetchHits != 0 || !report.Skipped {
		t.Fatalf("expected 3 launch attempts and no fetch, opens=%d fetches=%d", sess.opens, sess.fetchHits)
	}
	if len(backoffs) != 2 || backoffs[0] != 2*time.Second {
		t.Fatalf("expected fixed backoff between attempts, got %v", backoffs)
	}
	if h.svc.State() != StateRecovering {
		t.Fatalf("state = %s", h.svc.State())
	}

	// The next cycle starts recovery over; its second attempt succeeds.
	if _, err := h.svc.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sess.opens != 5 || sess.fetchHits != 1 {
		t.Fatalf("opens=%d fetches=%d", sess.opens, sess.fetchHits)
	}
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{}
	h := newHarness(t, source.NewStatic("s", aaplRow()), Deps{Locker: locker}, Options{AdvisoryLockKey: 42})

	if err := h.svc.tick(context.Background(), 1); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sender.calls) != 0 {
		t.Fatal("cycle must not run without the lock")
	}

	locker.acquired = true
	if err := h.svc.tick(context.Background(), 2); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sender.calls) != 1 || locker.unlocked != 1 {
		t.Fatalf("calls=%v unlocked=%d", h.sender.calls, locker.unlocked)
	}
	if h.svc.State() != StateSleeping {
		t.Fatalf("state after tick = %s", h.svc.State())
	}
}

func TestRunReleasesSessionOnShutdown(t *testing.T) {
	sess := &fakeSession{rows: []signal.RawRow{aaplRow()}}
	sched := scheduler.New(scheduler.Options{Interval: time.Hour}, zerolog.Nop())
	h := newHarness(t, sess, Deps{Scheduler: sched}, Options{LaunchAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.svc.State() != StateSleeping {
		select {
		case <-deadline:
			t.Fatal("loop never reached sleeping state")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if sess.Healthy() {
		t.Fatal("session must be released on shutdown")
	}
	if h.svc.State() != StateIdle {
		t.Fatalf("state after shutdown = %s", h.svc.State())
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}, Deps{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without a source")
	}
}

func TestTickWakesIntoIdleBeforeScanning(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	h := newHarness(t, source.NewStatic("s", aaplRow()), Deps{Locker: locker}, Options{AdvisoryLockKey: 42})
	locker.state = h.svc.State

	for cycle := uint64(1); cycle <= 2; cycle++ {
		if err := h.svc.tick(context.Background(), cycle); err != nil {
			t.Fatalf("tick %d: %v", cycle, err)
		}
		if h.svc.State() != StateSleeping {
			t.Fatalf("state after tick %d = %s", cycle, h.svc.State())
		}
	}
	if len(locker.seen) != 2 || locker.seen[0] != StateIdle || locker.seen[1] != StateIdle {
		t.Fatalf("states at cycle start = %v", locker.seen)
	}
}

type transportFailSender struct{}

func (transportFailSender) Send(context.Context, signal.Signal) dispatch.Result {
	return dispatch.Result{Err: errors.New("connection refused")}
}

func TestCycleLogsNonDispatchSendErrors(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, source.NewStatic("s", aaplRow()), Deps{}, Options{})
	h.svc.deps.Sender = transportFailSender{}
	h.svc.logger = zerolog.New(&buf)

	report, err := h.svc.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if report.Failed != 1 || h.gate.Len() != 0 {
		t.Fatalf("report=%+v tracked=%d", report, h.gate.Len())
	}
	out := buf.String()
	if !strings.Contains(out, "connection refused") || !strings.Contains(out, `"symbol":"AAPL"`) {
		t.Fatalf("send failure not logged: %q", out)
	}
}
