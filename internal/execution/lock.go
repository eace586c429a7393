// Package execution gates every entry and exit through a single
// non-blocking lock and drives admitted intents to a terminal outcome.
package execution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/metrics"
	"github.com/eddiefleurent/spx_calendar/internal/models"
)

// Kinds that hold the lock besides entry and exit.
const (
	KindReconcile models.IntentKind = "reconcile"
	KindManual    models.IntentKind = "manual"
)

// ErrBusy is matched by every rejection from a held lock.
var ErrBusy = errors.New("execution already in progress")

// RejectedError describes the holder that caused a rejection.
type RejectedError struct {
	Since      time.Time
	Kind       models.IntentKind
	HolderKind models.IntentKind
	Elapsed    time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s in progress for %s", e.Kind, e.HolderKind, e.Elapsed.Round(time.Millisecond))
}

func (e *RejectedError) Unwrap() error { return ErrBusy }

// Lock admits one holder at a time and never waits. It is not re-entrant:
// a holder asking again is rejected like anyone else.
type Lock struct {
	since   time.Time
	now     func() time.Time
	metrics *metrics.Metrics
	kind    models.IntentKind
	mu      sync.Mutex
	held    bool
}

// NewLock returns an idle lock. m may be nil.
func NewLock(m *metrics.Metrics) *Lock {
	return &Lock{now: time.Now, metrics: m}
}

// Held is the proof of acquisition. Release is safe to call more than once.
type Held struct {
	lock  *Lock
	since time.Time
	kind  models.IntentKind
	once  sync.Once
}

// TryBegin acquires the lock for kind or returns a *RejectedError at once.
func (l *Lock) TryBegin(kind models.IntentKind) (*Held, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.held {
		return nil, &RejectedError{
			Kind:       kind,
			HolderKind: l.kind,
			Since:      l.since,
			Elapsed:    now.Sub(l.since),
		}
	}
	l.held = true
	l.kind = kind
	l.since = now
	l.metrics.LockAcquired()
	return &Held{lock: l, kind: kind, since: now}, nil
}

// Release returns the lock.
func (h *Held) Release() {
	h.once.Do(func() {
		l := h.lock
		l.mu.Lock()
		l.held = false
		l.kind = ""
		l.since = time.Time{}
		held := l.now().Sub(h.since)
		l.mu.Unlock()
		l.metrics.LockReleased(string(h.kind), held)
	})
}

// Kind returns the kind the lock was acquired for.
func (h *Held) Kind() models.IntentKind { return h.kind }

// Since returns the acquisition time.
func (h *Held) Since() time.Time { return h.since }

// Do runs fn while holding the lock. The lock is released when fn returns
// or panics; a panic is re-raised after release.
func (l *Lock) Do(kind models.IntentKind, fn func() error) error {
	held, err := l.TryBegin(kind)
	if err != nil {
		return err
	}
	defer held.Release()
	return fn()
}

// Snapshot is a point-in-time view of the lock.
type Snapshot struct {
	Since   time.Time         `json:"since,omitempty"`
	Kind    models.IntentKind `json:"kind,omitempty"`
	Elapsed time.Duration     `json:"elapsed"`
	Held    bool              `json:"held"`
}

// Snapshot reports the current holder, if any.
func (l *Lock) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return Snapshot{}
	}
	return Snapshot{Held: true, Kind: l.kind, Since: l.since, Elapsed: l.now().Sub(l.since)}
}
