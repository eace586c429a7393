package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/sirupsen/logrus"
)

var (
	// ErrProtectiveFilled means the resting order already closed the position.
	ErrProtectiveFilled = errors.New("protective order already filled")
	// ErrOrderStuck means the resting order could not be confirmed inactive.
	ErrOrderStuck = errors.New("protective order still active after cancel attempts")
)

// GuardConfig contains configuration for the exit guard.
type GuardConfig struct {
	MaxAttempts int
	Wait        time.Duration
	CallTimeout time.Duration
}

// DefaultGuardConfig is the default configuration for the exit guard.
var DefaultGuardConfig = GuardConfig{
	MaxAttempts: 3,
	Wait:        2 * time.Second,
	CallTimeout: 5 * time.Second,
}

// GuardOutcome is the verdict of the exit guard.
type GuardOutcome string

const (
	GuardCleared GuardOutcome = "cleared"
	GuardAbort   GuardOutcome = "abort"
)

// GuardResult reports whether it is safe to submit a closing order.
type GuardResult struct {
	Err       error
	Outcome   GuardOutcome
	OrderID   string
	LastState broker.OrderState
	Reason    string
	FillPrice float64
	Attempts  int
}

// Cleared reports whether the exit may proceed.
func (r *GuardResult) Cleared() bool {
	return r != nil && r.Outcome == GuardCleared
}

// ExitGuard cancels a resting protective order and confirms it is gone
// before an exit is allowed to place its own closing order.
type ExitGuard struct {
	broker broker.Broker
	logger logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
	config GuardConfig
}

// NewExitGuard creates a new exit guard.
func NewExitGuard(b broker.Broker, logger logrus.FieldLogger, config ...GuardConfig) *ExitGuard {
	cfg := DefaultGuardConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultGuardConfig.MaxAttempts
	}
	if cfg.Wait < 0 {
		cfg.Wait = DefaultGuardConfig.Wait
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultGuardConfig.CallTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if b == nil {
		panic("orders.NewExitGuard: broker must not be nil")
	}
	return &ExitGuard{
		broker: b,
		logger: logger.WithField("component", "exit_guard"),
		sleep:  sleepCtx,
		config: cfg,
	}
}

// EnsureClear cancels orderID and re-queries it until the broker reports a
// terminal state. An empty orderID is trivially clear. A filled protective
// order aborts with ErrProtectiveFilled so the caller records the close
// instead of double-closing.
func (g *ExitGuard) EnsureClear(ctx context.Context, orderID string) *GuardResult {
	res := &GuardResult{Outcome: GuardAbort, OrderID: orderID}
	if orderID == "" {
		res.Outcome = GuardCleared
		res.Reason = "no protective order"
		return res
	}

	log := g.logger.WithField("order_id", orderID)

	for n := 1; n <= g.config.MaxAttempts; n++ {
		res.Attempts = n

		cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		cancelErr := g.broker.CancelOrder(cctx, orderID)
		cancel()
		if cancelErr != nil {
			// Cancelling an already-terminal order is often rejected; the status decides
			log.WithError(cancelErr).WithField("attempt", n).Debug("cancel request failed")
		}

		if err := g.sleep(ctx, g.config.Wait); err != nil {
			res.Err = err
			res.Reason = "interrupted"
			return res
		}

		sctx, scancel := context.WithTimeout(ctx, g.config.CallTimeout)
		st, err := g.broker.GetOrderStatus(sctx, orderID)
		scancel()
		if err != nil {
			res.Err = err
			log.WithError(err).WithField("attempt", n).Warn("protective status unavailable")
			continue
		}
		res.Err = nil
		res.LastState = st.State

		switch st.State {
		case broker.OrderCancelled:
			res.Outcome = GuardCleared
			res.Reason = fmt.Sprintf("protective order %s", st.RawStatus)
			log.WithField("attempts", n).Info("protective order cleared")
			return res
		case broker.OrderFilled:
			res.FillPrice = st.FillPrice
			res.Err = ErrProtectiveFilled
			res.Reason = "protective order filled"
			log.WithFields(logrus.Fields{
				"event":      "GUARD_ABORT",
				"fill_price": st.FillPrice,
			}).Warn("protective order filled before exit")
			return res
		}
		log.WithFields(logrus.Fields{"attempt": n, "state": st.State}).Debug("protective order still active")
	}

	if res.Err == nil {
		res.Err = ErrOrderStuck
	} else {
		res.Err = fmt.Errorf("%w: %w", ErrOrderStuck, res.Err)
	}
	res.Reason = fmt.Sprintf("not confirmed inactive after %d attempts", g.config.MaxAttempts)
	log.WithFields(logrus.Fields{
		"event":      "GUARD_ABORT",
		"last_state": res.LastState,
	}).Error("refusing to exit while protective order may be live")
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
