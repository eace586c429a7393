package execution

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/metrics"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_RejectsWhileHeld(t *testing.T) {
	l := NewLock(nil)
	base := time.Date(2025, 3, 3, 14, 45, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	held, err := l.TryBegin(models.IntentEntry)
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(30 * time.Millisecond) }
	_, err = l.TryBegin(models.IntentExit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)

	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, models.IntentExit, rej.Kind)
	assert.Equal(t, models.IntentEntry, rej.HolderKind)
	assert.Equal(t, base, rej.Since)
	assert.Equal(t, 30*time.Millisecond, rej.Elapsed)

	// Not re-entrant either
	_, err = l.TryBegin(models.IntentEntry)
	assert.ErrorIs(t, err, ErrBusy)

	held.Release()
	assert.False(t, l.Snapshot().Held)

	again, err := l.TryBegin(models.IntentExit)
	require.NoError(t, err)
	again.Release()
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	l := NewLock(nil)
	first, err := l.TryBegin(models.IntentEntry)
	require.NoError(t, err)
	first.Release()

	second, err := l.TryBegin(models.IntentExit)
	require.NoError(t, err)

	// A stale handle must not free the new holder
	first.Release()
	snap := l.Snapshot()
	assert.True(t, snap.Held)
	assert.Equal(t, models.IntentExit, snap.Kind)

	second.Release()
	second.Release()
	assert.False(t, l.Snapshot().Held)
}

func TestLock_DoReleasesOnErrorAndPanic(t *testing.T) {
	l := NewLock(nil)
	boom := errors.New("boom")

	err := l.Do(models.IntentEntry, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.Snapshot().Held)

	assert.Panics(t, func() {
		_ = l.Do(models.IntentExit, func() error { panic("broker exploded") })
	})
	assert.False(t, l.Snapshot().Held, "lock must be released after a panic")

	inner := errors.New("unused")
	err = l.Do(models.IntentEntry, func() error {
		return l.Do(models.IntentEntry, func() error { return inner })
	})
	assert.ErrorIs(t, err, ErrBusy, "nested acquisition is rejected")
}

func TestLock_MutualExclusion(t *testing.T) {
	l := NewLock(nil)
	const n = 64

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
		handles  = make(chan *Held, n)
		start    = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if h, err := l.TryBegin(models.IntentEntry); err == nil {
				admitted.Add(1)
				handles <- h
			}
		}()
	}
	close(start)
	wg.Wait()
	close(handles)

	assert.Equal(t, int32(1), admitted.Load())
	for h := range handles {
		h.Release()
	}
	assert.False(t, l.Snapshot().Held)
}

func TestLock_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	l := NewLock(m)

	held, err := l.TryBegin(models.IntentEntry)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockHeld))
	held.Release()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LockHeld))
}
