package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/eddiefleurent/spx_calendar/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestReconcile_ClosesTradeWhenProfitTargetFilled(t *testing.T) {
	h := newHarness(t)
	tr := h.enter(t)
	h.broker.setState(tr.ProtectiveOrderID, broker.OrderFilled, 25.5)

	rec := NewReconciler(h.ex, h.broker, quietLogger())
	report, err := rec.Reconcile(context.Background(), "scheduler")
	require.NoError(t, err)
	assert.Equal(t, []string{tr.ID}, report.Closed)
	assert.Equal(t, 1, report.Checked)

	closed, err := h.store.GetTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
	assert.Equal(t, models.ExitReasonProfitTarget, closed.ExitReason)
	assert.Equal(t, 25.5, closed.ExitPrice)
	assert.False(t, h.ex.Lock().Snapshot().Held)
	h.notifier.AssertCalled(t, "Notify", mock.Anything, notify.SeverityInfo, containing("closed by profit target"))

	actions := h.store.Actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, "reconcile", actions[len(actions)-1].Action)
}

func TestReconcile_RestoresCancelledProfitTargetAndFlagsOrphans(t *testing.T) {
	h := newHarness(t)
	tr := h.enter(t)
	h.broker.setState(tr.ProtectiveOrderID, broker.OrderCancelled, 0)
	h.broker.open = []broker.OrderStatus{
		{ID: "555", Tag: EntryTagPrefix + "deadbeef", State: broker.OrderWorking},
		{ID: "556", Tag: "someone-else", State: broker.OrderWorking},
	}

	report, err := NewReconciler(h.ex, h.broker, quietLogger()).Reconcile(context.Background(), "startup")
	require.NoError(t, err)
	assert.Equal(t, []string{tr.ID}, report.Restored)
	assert.Empty(t, report.Unprotected)
	assert.Equal(t, []string{"555"}, report.Orphans)
	assert.Empty(t, report.Closed)

	pts := h.broker.placed(ptTagPrefix)
	require.Len(t, pts, 2)
	assert.Equal(t, "gtc", pts[1].Duration)
	assert.InDelta(t, 25.0, pts[1].Price, 1e-9)

	stored, err := h.store.GetTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.NotEqual(t, tr.ProtectiveOrderID, stored.ProtectiveOrderID)
	assert.Equal(t, broker.OrderWorking, h.broker.order(stored.ProtectiveOrderID).state)
	assert.Equal(t, models.StatusActive, stored.Status)
	h.notifier.AssertCalled(t, "Notify", mock.Anything, notify.SeverityWarning, containing("re-placed as "+stored.ProtectiveOrderID))
	h.notifier.AssertCalled(t, "Notify", mock.Anything, notify.SeverityWarning, containing("555"))
}

func TestReconcile_UnprotectedWhenProfitTargetCannotBeReplaced(t *testing.T) {
	h := newHarness(t)
	tr := h.enter(t)
	h.broker.setState(tr.ProtectiveOrderID, broker.OrderCancelled, 0)
	h.broker.ptErr = errors.New("account restricted")

	report, err := NewReconciler(h.ex, h.broker, quietLogger()).Reconcile(context.Background(), "scheduler")
	require.NoError(t, err)
	assert.Equal(t, []string{tr.ID}, report.Unprotected)
	assert.Empty(t, report.Restored)

	stored, err := h.store.GetTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ProtectiveOrderID, stored.ProtectiveOrderID)
	h.notifier.AssertCalled(t, "Notify", mock.Anything, notify.SeverityWarning, containing("no resting profit target"))
}

func TestReconcile_RejectedWhileLockHeld(t *testing.T) {
	h := newHarness(t)
	held, err := h.ex.Lock().TryBegin(models.IntentExit)
	require.NoError(t, err)
	defer held.Release()

	_, err = NewReconciler(h.ex, h.broker, quietLogger()).Reconcile(context.Background(), "scheduler")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, h.broker.callCount())
}

func TestReconcile_ColdStart(t *testing.T) {
	h := newHarness(t)
	h.broker.open = []broker.OrderStatus{{ID: "9", Tag: ptTagPrefix + "12345678", State: broker.OrderWorking}}

	rec := NewReconciler(h.ex, h.broker, quietLogger())
	for i := 0; i < 2; i++ {
		report, err := rec.RunAtStartup(context.Background())
		require.NoError(t, err)
		assert.Zero(t, report.Checked)
		assert.Equal(t, []string{"9"}, report.Orphans)
	}
}
