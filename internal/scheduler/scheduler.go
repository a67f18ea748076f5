// Package scheduler drives periodic work: strategy evaluation aligned
// to interval boundaries and plain fixed-interval jobs.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"keel/internal/logger"
)

// AlignedScheduler fires a task at interval boundaries (UTC), plus an
// optional offset. A task still running when the next boundary
// arrives is skipped, never stacked.
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx     context.Context
	nowFn   func() time.Time
	running atomic.Bool
}

func NewAlignedScheduler(ctx context.Context, name string, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks until the context is done, invoking task at each
// boundary.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler %s: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}

	logger.Infof("scheduler %s: started interval=%s offset=%s run_immediately=%v",
		s.Name, s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		s.runOnce(task)
	}

	for {
		now := s.nowFn().UTC()
		wakeAt := now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
		wait := wakeAt.Sub(now)
		if wait <= 0 {
			s.runOnce(task)
			continue
		}
		logger.Debugf("scheduler %s: next run at %s (in %s)",
			s.Name, wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler %s: stopped", s.Name)
			return
		case <-timer.C:
		}
		s.runOnce(task)
	}
}

// runOnce executes task unless the previous run is still going: an
// overrunning task loses its slot and the boundary is logged as
// skipped.
func (s *AlignedScheduler) runOnce(task func()) {
	if !s.running.CompareAndSwap(false, true) {
		logger.Warnf("scheduler %s: previous run still in progress, skipping this boundary", s.Name)
		return
	}
	defer s.running.Store(false)

	started := s.nowFn()
	task()
	elapsed := s.nowFn().Sub(started)
	if elapsed > s.Interval {
		logger.Warnf("scheduler %s: run took %s, longer than the %s interval",
			s.Name, elapsed.Truncate(time.Millisecond), s.Interval)
	}
}

// IntervalTicker fires task every interval with no boundary
// alignment, for jobs like periodic reconciliation.
func IntervalTicker(ctx context.Context, name string, interval time.Duration, task func()) {
	if task == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Infof("scheduler %s: ticking every %s", name, interval)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("scheduler %s: stopped", name)
			return
		case <-ticker.C:
			task()
		}
	}
}
