package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

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

// State is the scan loop lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateProcessing
	StateSleeping
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateProcessing:
		return "processing"
	case StateSleeping:
		return "sleeping"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tune a Service.
type Options struct {
	// FetchTimeout bounds a single Source fetch. Zero leaves it to the source.
	FetchTimeout time.Duration
	// LaunchAttempts and LaunchBackoff bound session recovery within a cycle.
	LaunchAttempts int
	LaunchBackoff  time.Duration
	// AdvisoryLockKey, when non-zero and a Locker is set, makes each cycle
	// run only while the postgres advisory lock is held.
	AdvisoryLockKey int64
	// Side and Qty are recorded with audit rows and notifications.
	Side string
	Qty  float64
}

// Deps are the collaborators of a Service. Source, Gate and Sender are
// required; the rest are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Source    source.Source
	Policy    filter.Policy
	Gate      *cooldown.Gate
	Sender    dispatch.Sender
	Metrics   *metrics.Recorder
	Store     storage.DispatchStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
}

// CycleReport counts what happened to the rows of one cycle.
type CycleReport struct {
	Source     string
	Rows       int
	Normalized int
	RowErrors  int
	Rejected   int
	Accepted   int
	Suppressed int
	Dispatched int
	Failed     int
	Skipped    bool
}

// Service runs the scan, normalize, filter, gate and dispatch pipeline.
type Service struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	state atomic.Int32
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the scan loop.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Source == nil {
		return nil, errors.New("service: source not configured")
	}
	if deps.Gate == nil {
		return nil, errors.New("service: cooldown gate not configured")
	}
	if deps.Sender == nil {
		return nil, errors.New("service: dispatch sender not configured")
	}
	if opts.LaunchAttempts <= 0 {
		opts.LaunchAttempts = 1
	}
	if deps.Locker == nil {
		if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}

	s := &Service{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "service").Str("source", deps.Source.Name()).Logger(),
		now:    time.Now,
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if deps.Scheduler != nil {
			return deps.Scheduler.Sleep(ctx, d)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	return s, nil
}

// State reports the current lifecycle state. Safe for concurrent use.
func (s *Service) State() State { return State(s.state.Load()) }

// SourceName is the name of the polled source.
func (s *Service) SourceName() string { return s.deps.Source.Name() }

// TrackedSymbols is the number of symbols held by the cooldown gate.
func (s *Service) TrackedSymbols() int { return s.deps.Gate.Len() }

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

// Run blocks until ctx is cancelled. A session source is released on return.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if sess, ok := s.deps.Source.(source.Session); ok {
		defer func() {
			if err := sess.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("close session")
			}
		}()
	}

	s.setState(StateIdle)
	err := s.deps.Scheduler.Run(ctx, s.tick)
	s.setState(StateIdle)
	return err
}

func (s *Service) tick(ctx context.Context, cycle uint64) error {
	s.setState(StateIdle)
	defer s.setState(StateSleeping)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Uint64("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report, err := s.Cycle(ctx)
	if err != nil {
		return err
	}
	s.logger.Info().Uint64("cycle", cycle).
		Int("rows", report.Rows).
		Int("row_errors", report.RowErrors).
		Int("accepted", report.Accepted).
		Int("suppressed", report.Suppressed).
		Int("dispatched", report.Dispatched).
		Int("failed", report.Failed).
		Msg("cycle complete")
	return nil
}

// Cycle runs one scan and processes its rows in source order. A returned error
// means the fetch or session recovery failed; row and dispatch failures are
// only counted in the report.
func (s *Service) Cycle(ctx context.Context) (CycleReport, error) {
	start := s.now()
	report := CycleReport{Source: s.deps.Source.Name()}

	sess, isSession := s.deps.Source.(source.Session)
	if isSession && !sess.Healthy() {
		if err := s.recoverSession(ctx, sess); err != nil {
			report.Skipped = true
			s.finish(report, "recovery_failed", start)
			return report, err
		}
	}

	s.setState(StateScanning)
	rows, err := s.fetch(ctx)
	if err != nil {
		report.Skipped = true
		var fe *source.FetchError
		if isSession && errors.As(err, &fe) && fe.SessionLost && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("session lost, recovering")
			if recErr := s.recoverSession(ctx, sess); recErr != nil {
				s.logger.Error().Err(recErr).Msg("session recovery failed")
			}
		}
		s.finish(report, "fetch_error", start)
		return report, fmt.Errorf("fetch: %w", err)
	}

	s.setState(StateProcessing)
	report.Rows = len(rows)
	s.deps.Metrics.AddRows("fetched", len(rows))
	for i, row := range rows {
		if ctx.Err() != nil {
			break
		}
		s.processRow(ctx, i, row, &report)
	}

	s.finish(report, "ok", start)
	return report, nil
}

func (s *Service) fetch(ctx context.Context) ([]signal.RawRow, error) {
	if s.opts.FetchTimeout <= 0 {
		return s.deps.Source.Fetch(ctx)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	return s.deps.Source.Fetch(fetchCtx)
}

func (s *Service) processRow(ctx context.Context, index int, row signal.RawRow, report *CycleReport) {
	sig, err := signal.Normalize(row)
	if err != nil {
		report.RowErrors++
		s.deps.Metrics.AddRows("invalid", 1)
		s.logger.Debug().Err(err).Int("row", index).
			Str("key", row.Key).
			Interface("values", row.Values).
			Msg("skip malformed row")
		return
	}
	report.Normalized++

	if decision := s.deps.Policy.Evaluate(sig); !decision.Accepted {
		report.Rejected++
		s.deps.Metrics.AddRows("rejected", 1)
		s.logger.Debug().Str("symbol", sig.Symbol).
			Str("reason", decision.Reason).
			Msg("signal filtered out")
		return
	}
	report.Accepted++

	now := s.now()
	if !s.deps.Gate.Admit(sig.Symbol, now) {
		report.Suppressed++
		s.deps.Metrics.AddRows("suppressed", 1)
		s.logger.Debug().Str("symbol", sig.Symbol).Msg("signal in cooldown")
		return
	}

	res := s.deps.Sender.Send(ctx, sig)
	s.deps.Metrics.RecordDispatch(res.Success, res.Latency.Seconds())
	if res.Success {
		s.deps.Gate.MarkSent(sig.Symbol, now)
		s.deps.Metrics.SetTrackedSymbols(s.deps.Gate.Len())
		report.Dispatched++
	} else {
		report.Failed++
		var dErr *dispatch.Error
		if errors.As(res.Err, &dErr) {
			s.logger.Error().Err(res.Err).Str("symbol", sig.Symbol).
				Int("status", dErr.Status).
				Bool("timeout", dErr.Timeout()).
				Msg("dispatch failed, symbol stays eligible")
		} else {
			s.logger.Error().Err(res.Err).Str("symbol", sig.Symbol).
				Int("status", res.HTTPStatus).
				Msg("dispatch failed, symbol stays eligible")
		}
	}

	s.audit(ctx, sig, res, now)
	if res.Success {
		s.notify(ctx, sig, now)
	}
}

// recoverSession tears the session down and relaunches it with a bounded
// number of attempts and a fixed backoff between them.
func (s *Service) recoverSession(ctx context.Context, sess source.Session) error {
	s.setState(StateRecovering)
	if err := sess.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close broken session")
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.LaunchAttempts; attempt++ {
		err := sess.Open(ctx)
		s.deps.Metrics.RecordRecovery(err == nil)
		if err == nil {
			s.logger.Info().Int("attempt", attempt).Msg("session launched")
			return nil
		}
		lastErr = err
		s.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.opts.LaunchAttempts).
			Msg("session launch failed")
		if attempt == s.opts.LaunchAttempts {
			break
		}
		if err := s.sleep(ctx, s.opts.LaunchBackoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("relaunch session after %d attempts: %w", s.opts.LaunchAttempts, lastErr)
}

func (s *Service) audit(ctx context.Context, sig signal.Signal, res dispatch.Result, now time.Time) {
	if s.deps.Store == nil {
		return
	}
	rec := storage.DispatchRecord{
		Symbol:       sig.Symbol,
		Side:         s.opts.Side,
		Qty:          decimal.NewFromFloat(s.opts.Qty),
		Price:        decimal.NewFromFloat(sig.Price),
		ChangePct:    decimal.NewFromFloat(sig.ChangePct),
		DollarVolume: decimal.NewFromFloat(sig.DollarVolume),
		Source:       s.deps.Source.Name(),
		Success:      res.Success,
		CreatedAt:    now.UTC(),
	}
	if res.HTTPStatus != 0 {
		status := res.HTTPStatus
		rec.HTTPStatus = &status
	}
	if res.Err != nil {
		msg := res.Err.Error()
		rec.Error = &msg
	}
	if _, err := s.deps.Store.InsertDispatch(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("failed to persist dispatch record")
	}
}

func (s *Service) notify(ctx context.Context, sig signal.Signal, now time.Time) {
	if s.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		SentAt:       now,
		Symbol:       sig.Symbol,
		Side:         s.opts.Side,
		Qty:          decimal.NewFromFloat(s.opts.Qty),
		Price:        decimal.NewFromFloat(sig.Price),
		ChangePct:    decimal.NewFromFloat(sig.ChangePct),
		DollarVolume: decimal.NewFromFloat(sig.DollarVolume),
		Source:       s.deps.Source.Name(),
		Description:  sig.Description,
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("failed to send notification")
	}
}

func (s *Service) finish(report CycleReport, outcome string, start time.Time) {
	s.deps.Metrics.RecordCycle(report.Source, outcome, s.now().Sub(start).Seconds())
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
