// Package metrics exposes Prometheus metrics for execution observability.
//
//   - calendar_executions_total{kind,status}     - entry points by result (executed|rejected|skipped|aborted|failed)
//   - calendar_fill_attempts_total{kind,status}  - priced attempts by outcome (filled|timed_out|cancelled)
//   - calendar_fill_attempts_per_execution{kind} - attempts needed per fill sequence
//   - calendar_guard_results_total{outcome}      - exit guard verdicts
//   - calendar_lock_held                         - 1 while an execution holds the lock
//   - calendar_lock_hold_seconds{kind}           - how long the lock was held
//   - calendar_active_trades                     - open positions after the last execution
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors updated by the executor.
type Metrics struct {
	Executions   *prometheus.CounterVec
	FillAttempts *prometheus.CounterVec
	AttemptsUsed *prometheus.HistogramVec
	GuardResults *prometheus.CounterVec
	LockHeld     prometheus.Gauge
	LockHold     *prometheus.HistogramVec
	ActiveTrades prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calendar_executions_total",
				Help: "Entry and exit attempts by result",
			},
			[]string{"kind", "status"},
		),
		FillAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calendar_fill_attempts_total",
				Help: "Priced order attempts by outcome",
			},
			[]string{"kind", "status"},
		),
		AttemptsUsed: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calendar_fill_attempts_per_execution",
				Help:    "Attempts used by each fill sequence",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"kind"},
		),
		GuardResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calendar_guard_results_total",
				Help: "Exit guard verdicts",
			},
			[]string{"outcome"},
		),
		LockHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "calendar_lock_held",
				Help: "1 while an execution holds the lock",
			},
		),
		LockHold: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calendar_lock_hold_seconds",
				Help:    "Time the execution lock was held",
				Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		ActiveTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "calendar_active_trades",
				Help: "Trades still holding a position",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Executions, m.FillAttempts, m.AttemptsUsed, m.GuardResults,
			m.LockHeld, m.LockHold, m.ActiveTrades)
	}
	return m
}

// ObserveExecution counts one entry-point result.
func (m *Metrics) ObserveExecution(kind, status string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(kind, status).Inc()
}

// ObserveAttempt counts one resolved priced attempt.
func (m *Metrics) ObserveAttempt(kind, status string) {
	if m == nil {
		return
	}
	m.FillAttempts.WithLabelValues(kind, status).Inc()
}

// ObserveFillSequence records how many attempts a sequence used.
func (m *Metrics) ObserveFillSequence(kind string, attempts int) {
	if m == nil {
		return
	}
	m.AttemptsUsed.WithLabelValues(kind).Observe(float64(attempts))
}

// ObserveGuard counts one exit guard verdict.
func (m *Metrics) ObserveGuard(outcome string) {
	if m == nil {
		return
	}
	m.GuardResults.WithLabelValues(outcome).Inc()
}

// LockAcquired marks the execution lock held.
func (m *Metrics) LockAcquired() {
	if m == nil {
		return
	}
	m.LockHeld.Set(1)
}

// LockReleased marks the lock free and records the hold time.
func (m *Metrics) LockReleased(kind string, held time.Duration) {
	if m == nil {
		return
	}
	m.LockHeld.Set(0)
	m.LockHold.WithLabelValues(kind).Observe(held.Seconds())
}

// SetActiveTrades records the number of open positions.
func (m *Metrics) SetActiveTrades(n int) {
	if m == nil {
		return
	}
	m.ActiveTrades.Set(float64(n))
}
