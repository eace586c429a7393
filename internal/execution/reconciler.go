package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/eddiefleurent/spx_calendar/internal/notify"
	"github.com/eddiefleurent/spx_calendar/internal/storage"
	"github.com/sirupsen/logrus"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Closed      []string `json:"closed,omitempty"`      // trades closed by a filled profit target
	Restored    []string `json:"restored,omitempty"`    // active trades whose cancelled profit target was re-placed
	Unprotected []string `json:"unprotected,omitempty"` // active trades still without a profit target
	Orphans     []string `json:"orphans,omitempty"`     // our working orders with no open trade
	Checked     int      `json:"checked"`
}

// Reconciler syncs stored trades with broker order state. It runs under the
// execution lock so it never races an entry or exit.
type Reconciler struct {
	exec          *Executor
	broker        broker.Broker
	logger        logrus.FieldLogger
	coldStartOnce sync.Once
}

// NewReconciler creates a reconciler sharing exec's lock, storage and notifier.
func NewReconciler(exec *Executor, b broker.Broker, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		exec:   exec,
		broker: b,
		logger: logger.WithField("component", "reconciler"),
	}
}

// Reconcile closes trades whose resting profit target filled while nobody
// was watching, re-places profit targets cancelled behind the bot's back and
// flags orders or trades that no longer line up.
func (r *Reconciler) Reconcile(ctx context.Context, trigger string) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	var notes []notice
	e := r.exec

	err := e.lock.Do(KindReconcile, func() error {
		var err error
		notes, err = r.reconcileLocked(context.WithoutCancel(ctx), report)
		return err
	})

	status := StatusExecuted
	if err != nil {
		status = StatusFailed
		if errors.Is(err, ErrBusy) {
			status = StatusRejected
			r.logger.WithError(err).WithField("event", "CONCURRENT_BLOCKED").Info("reconcile deferred, execution in flight")
		} else {
			r.logger.WithError(err).Error("reconcile failed")
		}
	}
	now := e.now()
	e.logAction(ctx, storage.DailyAction{
		At: now, Day: now.In(e.config.Location).Format(dayLayout), Action: "reconcile", Status: string(status),
		Trigger: trigger, Details: fmt.Sprintf("checked=%d closed=%d restored=%d unprotected=%d orphans=%d",
			report.Checked, len(report.Closed), len(report.Restored), len(report.Unprotected), len(report.Orphans)),
	})
	e.send(ctx, notes)
	return report, err
}

func (r *Reconciler) reconcileLocked(ctx context.Context, report *ReconcileReport) ([]notice, error) {
	e := r.exec
	trades, err := e.store.GetActiveTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active trades: %w", err)
	}

	ordersCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	open, err := r.broker.GetOpenOrders(ordersCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	r.logger.WithFields(logrus.Fields{"trades": len(trades), "open_orders": len(open)}).Info("reconciling")

	if len(trades) == 0 && len(open) > 0 {
		// Log cold start detection only once to avoid log spam
		r.coldStartOnce.Do(func() {
			r.logger.WithField("open_orders", len(open)).Warn("COLD START: no stored trades but broker has open orders")
		})
	}

	known := make(map[string]bool)
	var notes []notice
	for i := range trades {
		t := &trades[i]
		report.Checked++
		known[t.ProtectiveOrderID] = true
		known[t.ExitOrderID] = true
		if t.ProtectiveOrderID == "" || !t.HoldsPosition() {
			continue
		}

		sctx, scancel := context.WithTimeout(ctx, e.config.CallTimeout)
		st, err := r.broker.GetOrderStatus(sctx, t.ProtectiveOrderID)
		scancel()
		if err != nil {
			r.logger.WithError(err).WithField("trade_id", shortID(t.ID)).Warn("cannot check profit target")
			continue
		}

		switch st.State {
		case broker.OrderFilled:
			fill := st.FillPrice
			if fill <= 0 {
				fill = t.ProfitTargetPrice
			}
			if err := t.Close(fill, models.ExitReasonProfitTarget, models.ConditionProfitTargetFilled, e.now()); err != nil {
				r.logger.WithError(err).WithField("trade_id", shortID(t.ID)).Error("cannot close trade")
				continue
			}
			if err := e.store.RecordTradeOutcome(ctx, &storage.TradeOutcome{
				Trade: t, Kind: models.IntentExit, Result: "filled", Reason: "profit target filled (reconciled)",
			}); err != nil {
				return notes, fmt.Errorf("record trade %s: %w", shortID(t.ID), err)
			}
			report.Closed = append(report.Closed, t.ID)
			r.logger.WithFields(logrus.Fields{"trade_id": shortID(t.ID), "fill": fill}).Info("profit target filled, trade closed")
			notes = append(notes, notice{fmt.Sprintf("Trade %s closed by profit target at %.2f, P&L $%.2f",
				shortID(t.ID), fill, t.RealizedPnL), notify.SeverityInfo})
		case broker.OrderCancelled:
			if t.Status != models.StatusActive {
				continue
			}
			log := r.logger.WithFields(logrus.Fields{"trade_id": shortID(t.ID), "order_id": t.ProtectiveOrderID})
			log.Warn("profit target no longer resting, re-placing")
			gone := t.ProtectiveOrderID
			failed := e.placeProtective(ctx, log, t)
			if len(failed) > 0 || t.ProtectiveOrderID == gone {
				report.Unprotected = append(report.Unprotected, t.ID)
				notes = append(notes, notice{fmt.Sprintf("Trade %s has no resting profit target (order %s %s)",
					shortID(t.ID), gone, st.RawStatus), notify.SeverityWarning})
				continue
			}
			known[t.ProtectiveOrderID] = true
			t.UpdatedAt = e.now().UTC()
			if err := e.store.SaveTrade(ctx, t); err != nil {
				return notes, fmt.Errorf("save trade %s: %w", shortID(t.ID), err)
			}
			report.Restored = append(report.Restored, t.ID)
			notes = append(notes, notice{fmt.Sprintf("Trade %s profit target %s was %s, re-placed as %s at %.2f",
				shortID(t.ID), gone, st.RawStatus, t.ProtectiveOrderID, t.ProfitTargetPrice), notify.SeverityWarning})
		}
	}

	for _, o := range open {
		if known[o.ID] || !ownTag(o.Tag) || o.State != broker.OrderWorking {
			continue
		}
		report.Orphans = append(report.Orphans, o.ID)
		r.logger.WithFields(logrus.Fields{"order_id": o.ID, "tag": o.Tag}).Warn("working order without a stored trade")
	}
	if len(report.Orphans) > 0 {
		notes = append(notes, notice{fmt.Sprintf("Orders working at broker without a stored trade: %s",
			strings.Join(report.Orphans, ", ")), notify.SeverityWarning})
	}

	e.metrics.SetActiveTrades(len(trades) - len(report.Closed))
	return notes, nil
}

// RunAtStartup reconciles once, retrying briefly while an execution holds the lock.
func (r *Reconciler) RunAtStartup(ctx context.Context) (*ReconcileReport, error) {
	const attempts = 3
	var (
		report *ReconcileReport
		err    error
	)
	for i := 0; i < attempts; i++ {
		report, err = r.Reconcile(ctx, "startup")
		if !errors.Is(err, ErrBusy) {
			return report, err
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return report, err
}

func ownTag(tag string) bool {
	return strings.HasPrefix(tag, EntryTagPrefix) || strings.HasPrefix(tag, exitTagPrefix) || strings.HasPrefix(tag, ptTagPrefix)
}
