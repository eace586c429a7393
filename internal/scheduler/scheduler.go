// Package scheduler fires wall-clock and interval triggers in the market timezone.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// JobFunc is invoked for each firing. scheduledAt is the intended fire time.
type JobFunc func(ctx context.Context, scheduledAt time.Time)

type dailyJob struct {
	run    JobFunc
	name   string
	hour   int
	minute int
}

type intervalJob struct {
	run    JobFunc
	name   string
	every  time.Duration
	window *Window
}

// Window restricts interval jobs to weekday clock hours, start inclusive, end exclusive.
type Window struct {
	StartHour, StartMinute int
	EndHour, EndMinute     int
}

// Contains reports whether t (already in the scheduler location) falls inside w on a weekday.
func (w *Window) Contains(t time.Time) bool {
	if !IsWeekday(t) {
		return false
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), w.StartHour, w.StartMinute, 0, 0, t.Location())
	end := time.Date(t.Year(), t.Month(), t.Day(), w.EndHour, w.EndMinute, 0, 0, t.Location())
	return !t.Before(start) && t.Before(end)
}

// Scheduler runs daily weekday jobs and interval jobs until its context ends.
type Scheduler struct {
	loc         *time.Location
	logger      logrus.FieldLogger
	now         func() time.Time
	after       func(d time.Duration) <-chan time.Time
	daily       []dailyJob
	interval    []intervalJob
	maxLateness time.Duration
}

// New creates a scheduler in loc. Daily jobs that wake more than maxLateness
// after their scheduled time are skipped.
func New(loc *time.Location, maxLateness time.Duration, logger logrus.FieldLogger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if maxLateness <= 0 {
		maxLateness = 5 * time.Minute
	}
	return &Scheduler{
		loc:         loc,
		logger:      logger.WithField("component", "scheduler"),
		now:         time.Now,
		after:       time.After,
		maxLateness: maxLateness,
	}
}

// AddDaily registers fn to run on weekdays at hour:minute.
func (s *Scheduler) AddDaily(name string, hour, minute int, fn JobFunc) {
	s.daily = append(s.daily, dailyJob{name: name, hour: hour, minute: minute, run: fn})
}

// AddInterval registers fn to run every d, optionally only inside window.
func (s *Scheduler) AddInterval(name string, d time.Duration, window *Window, fn JobFunc) {
	s.interval = append(s.interval, intervalJob{name: name, every: d, window: window, run: fn})
}

// Run blocks until ctx is cancelled. Each job runs on its own goroutine and
// never overlaps with itself.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range s.daily {
		j := j
		g.Go(func() error { return s.runDaily(gctx, j) })
	}
	for _, j := range s.interval {
		j := j
		g.Go(func() error { return s.runInterval(gctx, j) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) runDaily(ctx context.Context, j dailyJob) error {
	for {
		now := s.now().In(s.loc)
		next := NextDaily(now, j.hour, j.minute)
		s.logger.WithFields(logrus.Fields{"job": j.name, "next": next.Format(time.RFC3339)}).Debug("scheduled")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(now)):
		}

		if late := s.now().Sub(next); late > s.maxLateness {
			s.logger.WithFields(logrus.Fields{
				"event": "LATE_TRIGGER",
				"job":   j.name,
				"late":  late.Round(time.Second),
			}).Error("job woke too late, skipping this run")
			continue
		}
		s.fire(ctx, j.name, j.run, next)
	}
}

func (s *Scheduler) runInterval(ctx context.Context, j intervalJob) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(j.every):
		}
		now := s.now().In(s.loc)
		if j.window != nil && !j.window.Contains(now) {
			continue
		}
		s.fire(ctx, j.name, j.run, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, name string, fn JobFunc, at time.Time) {
	log := s.logger.WithField("job", name)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("job panicked")
		}
	}()
	log.Info("running job")
	fn(ctx, at)
}

// NextDaily returns the next weekday occurrence of hour:minute strictly after now, in now's location.
func NextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	for !IsWeekday(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// IsWeekday reports whether t falls Monday through Friday.
func IsWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
