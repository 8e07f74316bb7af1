// Package retention evicts shards that have aged out of the retention window.
package retention

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/documents"
	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/fyrsmithlabs/retaind/internal/logging"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

// ErrAlreadyRunning is returned when a purge is requested while one is in progress.
var ErrAlreadyRunning = errors.New("retention purge already running")

const (
	stateIdle int32 = iota
	stateRunning
)

const runTimeout = 10 * time.Minute

// Purger deletes everything stored before cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff shard.Date) (documents.PurgeResult, error)
}

// Scheduler runs a purge once a day at a fixed local time and on demand.
// At most one purge runs at a time; overlapping requests are skipped.
type Scheduler struct {
	purger Purger
	days   int
	at     config.TimeOfDay
	logger *logging.Logger
	now    func() time.Time

	state atomic.Int32
	runs  atomic.Int64

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for date and schedule computation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New returns a Scheduler that keeps the newest days dates and fires daily at at.
func New(purger Purger, days int, at config.TimeOfDay, opts ...Option) (*Scheduler, error) {
	if purger == nil {
		return nil, errs.Validation("purger cannot be nil")
	}
	if days < 1 {
		return nil, errs.Validation("retention days must be >= 1, got %d", days)
	}
	if at.Hour < 0 || at.Hour > 23 || at.Minute < 0 || at.Minute > 59 {
		return nil, errs.Validation("invalid schedule %s", at)
	}
	s := &Scheduler{
		purger: purger,
		days:   days,
		at:     at,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Running reports whether a purge is in progress.
func (s *Scheduler) Running() bool {
	return s.state.Load() == stateRunning
}

// Runs returns the number of purges that have completed, successfully or not.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// Cutoff returns the oldest date kept by a purge run now.
func (s *Scheduler) Cutoff() shard.Date {
	return cutoffFor(shard.DateOf(s.now()), s.days)
}

func cutoffFor(today shard.Date, days int) shard.Date {
	return today.AddDays(-(days - 1))
}

// NextFire returns the first scheduled time strictly after now.
func (s *Scheduler) NextFire(now time.Time) time.Time {
	return nextFire(now, s.at)
}

func nextFire(now time.Time, at config.TimeOfDay) time.Time {
	local := now.In(time.Local)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, time.Local)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, at.Hour, at.Minute, 0, 0, time.Local)
	}
	return next
}

// TriggerNow runs a purge synchronously with the configured retention.
func (s *Scheduler) TriggerNow(ctx context.Context) (documents.PurgeResult, error) {
	return s.runOnce(ctx, s.Cutoff())
}

// PurgeDaysAgo runs a purge that keeps only the newest days dates.
func (s *Scheduler) PurgeDaysAgo(ctx context.Context, days int) (documents.PurgeResult, error) {
	if days < 1 {
		return documents.PurgeResult{}, errs.Validation("retention days must be >= 1, got %d", days)
	}
	return s.runOnce(ctx, cutoffFor(shard.DateOf(s.now()), days))
}

func (s *Scheduler) runOnce(ctx context.Context, cutoff shard.Date) (res documents.PurgeResult, err error) {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		RunsTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn(ctx, "retention purge skipped, previous run still active",
			zap.String("cutoff", string(cutoff)))
		return documents.PurgeResult{}, ErrAlreadyRunning
	}
	defer s.state.Store(stateIdle)
	defer s.runs.Add(1)

	start := time.Now()
	res, err = s.purger.PurgeBefore(ctx, cutoff)
	LastRun.SetToCurrentTime()
	if err != nil {
		RunsTotal.WithLabelValues("error").Inc()
		s.logger.Error(ctx, "retention purge failed",
			zap.String("cutoff", string(cutoff)),
			zap.Error(err))
		return res, err
	}

	RunsTotal.WithLabelValues("success").Inc()
	RowsDeleted.Add(float64(res.RowsDeleted))
	s.logger.Info(ctx, "retention purge completed",
		zap.String("cutoff", string(cutoff)),
		zap.Int("shards_dropped", res.ShardsDropped),
		zap.Int64("rows_deleted", res.RowsDeleted),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// Start begins the daily loop. It returns an error if the loop is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		return errors.New("scheduler is already started")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	next := s.NextFire(s.now())
	s.logger.Info(ctx, "retention scheduler started",
		zap.Int("days", s.days),
		zap.Stringer("schedule", s.at),
		zap.Time("next_run", next))

	go s.loop(context.WithoutCancel(ctx), next, s.stopCh, s.doneCh)
	return nil
}

// Stop ends the loop and waits for an in-flight scheduled purge to finish.
// Stopping a scheduler that is not started is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (s *Scheduler) loop(ctx context.Context, next time.Time, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(max(next.Sub(s.now()), 0))
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			s.safeRun(ctx)
			// Advance from the planned fire time so a slow or frozen clock cannot refire the same slot.
			next = s.NextFire(latest(s.now(), next))
			timer.Reset(max(next.Sub(s.now()), 0))
			s.logger.Debug(ctx, "next retention run scheduled", zap.Time("next_run", next))
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "retention purge panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	_, _ = s.TriggerNow(ctx)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
