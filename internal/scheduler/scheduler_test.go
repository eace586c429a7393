package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var et = time.FixedZone("ET", -4*60*60)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestNextDaily(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before time same day", time.Date(2025, 3, 3, 9, 0, 0, 0, et), time.Date(2025, 3, 3, 9, 45, 0, 0, et)},
		{"exactly at time rolls over", time.Date(2025, 3, 3, 9, 45, 0, 0, et), time.Date(2025, 3, 4, 9, 45, 0, 0, et)},
		{"friday after time skips weekend", time.Date(2025, 3, 7, 10, 0, 0, 0, et), time.Date(2025, 3, 10, 9, 45, 0, 0, et)},
		{"saturday", time.Date(2025, 3, 8, 8, 0, 0, 0, et), time.Date(2025, 3, 10, 9, 45, 0, 0, et)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDaily(tt.now, 9, 45)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestWindowContains(t *testing.T) {
	w := &Window{StartHour: 9, StartMinute: 30, EndHour: 16}
	assert.True(t, w.Contains(time.Date(2025, 3, 3, 9, 30, 0, 0, et)))
	assert.True(t, w.Contains(time.Date(2025, 3, 3, 15, 59, 0, 0, et)))
	assert.False(t, w.Contains(time.Date(2025, 3, 3, 16, 0, 0, 0, et)))
	assert.False(t, w.Contains(time.Date(2025, 3, 8, 12, 0, 0, 0, et)), "weekend")
}

// fakeClock serves scripted now values and fires the first wait immediately.
type fakeClock struct {
	mu     sync.Mutex
	times  []time.Time
	waits  atomic.Int32
	parked chan struct{}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

func (c *fakeClock) after(time.Duration) <-chan time.Time {
	if c.waits.Add(1) == 1 {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	select {
	case c.parked <- struct{}{}:
	default:
	}
	return nil // block until the context ends
}

func newTestScheduler(clock *fakeClock) *Scheduler {
	s := New(et, 5*time.Minute, quietLogger())
	s.now = clock.now
	s.after = clock.after
	return s
}

func TestScheduler_FiresDailyJobOnTime(t *testing.T) {
	clock := &fakeClock{
		times: []time.Time{
			time.Date(2025, 3, 3, 9, 44, 59, 0, et),
			time.Date(2025, 3, 3, 9, 45, 1, 0, et),
		},
		parked: make(chan struct{}, 1),
	}
	s := newTestScheduler(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var fired time.Time
	s.AddDaily("entry", 9, 45, func(_ context.Context, at time.Time) {
		fired = at
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-clock.parked
	cancel()

	require.NoError(t, <-done)
	assert.True(t, fired.Equal(time.Date(2025, 3, 3, 9, 45, 0, 0, et)), "fired at %v", fired)
}

func TestScheduler_SkipsLateDailyJob(t *testing.T) {
	clock := &fakeClock{
		times: []time.Time{
			time.Date(2025, 3, 3, 9, 44, 59, 0, et),
			time.Date(2025, 3, 3, 10, 30, 0, 0, et),
		},
		parked: make(chan struct{}, 1),
	}
	s := newTestScheduler(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	s.AddDaily("entry", 9, 45, func(context.Context, time.Time) { runs.Add(1) })

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-clock.parked
	cancel()

	require.NoError(t, <-done)
	assert.Zero(t, runs.Load(), "a 45 minute late wake-up must not trade")
}

func TestScheduler_IntervalRespectsWindowAndRecoversPanics(t *testing.T) {
	clock := &fakeClock{
		times:  []time.Time{time.Date(2025, 3, 3, 12, 0, 0, 0, et)},
		parked: make(chan struct{}, 1),
	}
	s := newTestScheduler(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	s.AddInterval("exit-check", time.Minute, &Window{StartHour: 9, StartMinute: 30, EndHour: 16},
		func(context.Context, time.Time) {
			runs.Add(1)
			panic("boom")
		})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-clock.parked
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}
