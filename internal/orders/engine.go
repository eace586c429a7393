// Package orders drives single working orders to a fill and clears resting
// protective orders before a close.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrOrderCancelled is returned when the venue cancels or rejects the working order mid-sequence.
var ErrOrderCancelled = errors.New("working order cancelled by broker")

// Config contains configuration for the fill engine.
type Config struct {
	PollInterval time.Duration
	CallTimeout  time.Duration
	Duration     string // order duration for the working order
}

// DefaultConfig is the default configuration for the fill engine.
var DefaultConfig = Config{
	PollInterval: 1 * time.Second,
	CallTimeout:  5 * time.Second,
	Duration:     "day",
}

// Outcome is the terminal result of one fill sequence.
type Outcome string

const (
	OutcomeFilled    Outcome = "filled"
	OutcomePartial   Outcome = "partial"
	OutcomeExhausted Outcome = "exhausted"
)

// Result describes how a fill sequence ended. Price is the fill price when
// filled and the last requested price otherwise. A partial result carries the
// average price of the FilledQuantity contracts that executed before the
// order was cancelled.
type Result struct {
	Err            error
	Outcome        Outcome
	OrderID        string
	PriceType      models.PriceType
	History        []models.OrderAttempt
	Price          float64
	Attempts       int
	FilledQuantity int
	requested      int
}

// Filled reports whether the sequence ended in a complete fill.
func (r *Result) Filled() bool {
	return r != nil && r.Outcome == OutcomeFilled
}

// Partial reports whether some but not all contracts executed.
func (r *Result) Partial() bool {
	return r != nil && r.Outcome == OutcomePartial
}

// Observer receives every attempt as it is submitted and as it resolves.
type Observer func(kind models.IntentKind, attempt models.OrderAttempt)

// Engine places one order and walks its price toward the market in place.
type Engine struct {
	broker   broker.Broker
	logger   logrus.FieldLogger
	observer Observer
	now      func() time.Time
	config   Config
}

// NewEngine creates a new fill engine instance.
func NewEngine(b broker.Broker, logger logrus.FieldLogger, config ...Config) *Engine {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// Validate and clamp config values
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.Duration == "" {
		cfg.Duration = DefaultConfig.Duration
	}

	if b == nil {
		panic("orders.NewEngine: broker must not be nil")
	}

	return &Engine{
		broker: b,
		logger: logger.WithField("component", "fill_engine"),
		now:    time.Now,
		config: cfg,
	}
}

// WithObserver registers fn to receive attempt updates.
func (e *Engine) WithObserver(fn Observer) *Engine {
	e.observer = fn
	return e
}

// Run executes intent to a terminal outcome. It must only be called while
// the execution lock is held.
func (e *Engine) Run(ctx context.Context, intent models.TradeIntent) *Result {
	res := &Result{Outcome: OutcomeExhausted, PriceType: intent.PriceType, requested: intent.Quantity}
	if err := intent.Validate(); err != nil {
		res.Err = fmt.Errorf("invalid intent: %w", err)
		return res
	}

	log := e.logger.WithFields(logrus.Fields{"kind": intent.Kind, "tag": intent.Tag})

	start := intent.TargetPrice
	if start == 0 {
		quoteCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		q, err := e.broker.GetQuote(quoteCtx, intent.Legs)
		cancel()
		if err != nil {
			res.Err = fmt.Errorf("quote composite: %w", err)
			return res
		}
		start = q.Mid
	}
	price, pt := StartingPrice(start, intent.PriceType, intent.TickSize)
	intent.PriceType = pt
	res.PriceType = pt
	res.Price = price
	start = price

	placeCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	orderID, err := e.broker.PlaceOrder(placeCtx, broker.OrderRequest{
		Symbol:    intent.Symbol,
		Legs:      intent.Legs,
		PriceType: pt,
		Quantity:  intent.Quantity,
		Price:     price,
		Duration:  e.config.Duration,
		Tag:       intent.Tag,
	})
	cancel()
	if err != nil {
		res.Err = fmt.Errorf("place order: %w", err)
		log.WithError(err).WithField("price", price).Error("failed to place working order")
		return res
	}
	res.OrderID = orderID
	log = log.WithField("order_id", orderID)

	for n := 1; n <= intent.MaxAttempts; n++ {
		attempt := models.OrderAttempt{
			OrderID:        orderID,
			AttemptNumber:  n,
			RequestedPrice: price,
			SubmittedAt:    e.now(),
			Status:         models.AttemptWorking,
		}
		res.Attempts = n
		res.Price = price
		e.notify(intent.Kind, attempt)
		log.WithFields(logrus.Fields{
			"event":   "FILL_ATTEMPT",
			"attempt": n,
			"max":     intent.MaxAttempts,
			"price":   price,
			"type":    pt,
		}).Info("waiting for fill")

		st, werr := e.waitForFill(ctx, orderID, intent.AttemptTimeout)
		switch {
		case werr != nil:
			// Shutdown mid-attempt: leave nothing resting
			attempt.Status = models.AttemptCancelled
			res.History = append(res.History, attempt)
			e.notify(intent.Kind, attempt)
			return e.abandon(res, orderID, fmt.Errorf("attempt %d interrupted: %w", n, werr), log)
		case st.State == broker.OrderFilled:
			attempt.Status = models.AttemptFilled
			res.History = append(res.History, attempt)
			e.notify(intent.Kind, attempt)
			return e.filled(res, st, price, log)
		case st.State == broker.OrderCancelled:
			attempt.Status = models.AttemptCancelled
			res.History = append(res.History, attempt)
			e.notify(intent.Kind, attempt)
			res.Err = fmt.Errorf("%w: order %s status %q", ErrOrderCancelled, orderID, st.RawStatus)
			log.WithError(res.Err).Error("working order cancelled outside the engine")
			if st.ExecQuantity > 0 {
				return e.partial(res, st, log)
			}
			return res
		}

		attempt.Status = models.AttemptTimedOut
		res.History = append(res.History, attempt)
		e.notify(intent.Kind, attempt)

		if n == intent.MaxAttempts {
			break
		}

		next := NextPrice(&intent, start, price, n)
		if next == price {
			// Concession budget spent; keep working at the cap
			continue
		}
		modCtx, modCancel := context.WithTimeout(ctx, e.config.CallTimeout)
		err := e.broker.ModifyOrder(modCtx, orderID, next)
		modCancel()
		if err != nil {
			log.WithError(err).WithField("price", next).Warn("modify failed, checking order state")
			if st := e.queryStatus(orderID); st != nil && st.State == broker.OrderFilled {
				return e.filled(res, st, price, log)
			}
			return e.abandon(res, orderID, fmt.Errorf("modify order to %.2f: %w", next, err), log)
		}
		price = next
	}

	return e.abandon(res, orderID, nil, log)
}

// waitForFill polls orderID until it fills, is cancelled, or timeout elapses.
// A timed-out wait returns the last observed state with a nil error.
func (e *Engine) waitForFill(ctx context.Context, orderID string, timeout time.Duration) (*broker.OrderStatus, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	last := &broker.OrderStatus{ID: orderID, State: broker.OrderWorking}
	check := func() {
		// Create a child context with short timeout for the status call
		statusCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		st, err := e.broker.GetOrderStatus(statusCtx, orderID)
		cancel()
		if err != nil {
			e.logger.WithError(err).WithField("order_id", orderID).Debug("status poll failed")
			return
		}
		if st != nil {
			last = st
		}
	}

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			// One last look so a fill at the boundary is not modified
			check()
			return last, nil
		case <-ticker.C:
			check()
			if last.State == broker.OrderFilled || last.State == broker.OrderCancelled {
				return last, nil
			}
		}
	}
}

// abandon cancels the working order and reports exhaustion, unless the
// follow-up status shows the order filled in the meantime. Contracts that
// executed before the cancel turn the result into a partial.
func (e *Engine) abandon(res *Result, orderID string, cause error, log logrus.FieldLogger) *Result {
	cctx, cancel := context.WithTimeout(context.Background(), e.config.CallTimeout)
	cancelErr := e.broker.CancelOrder(cctx, orderID)
	cancel()
	if cancelErr != nil {
		log.WithError(cancelErr).Warn("best-effort cancel failed")
	}

	st := e.queryStatus(orderID)
	if st != nil && st.State == broker.OrderFilled {
		log.Info("order filled while being cancelled")
		return e.filled(res, st, res.Price, log)
	}
	if st != nil && st.ExecQuantity > 0 {
		res.Err = cause
		return e.partial(res, st, log)
	}

	res.Outcome = OutcomeExhausted
	res.Err = cause
	entry := log.WithFields(logrus.Fields{
		"event":      "FILL_EXHAUSTED",
		"attempts":   res.Attempts,
		"last_price": res.Price,
	})
	if cause != nil {
		entry.WithError(cause).Error("fill sequence aborted")
	} else {
		entry.Warn("fill attempts exhausted")
	}
	return res
}

func (e *Engine) filled(res *Result, st *broker.OrderStatus, requested float64, log logrus.FieldLogger) *Result {
	res.Outcome = OutcomeFilled
	res.Err = nil
	res.FilledQuantity = res.requested
	res.Price = requested
	if st.FillPrice > 0 {
		res.Price = st.FillPrice
	}
	if n := len(res.History); n > 0 && res.History[n-1].Status != models.AttemptFilled {
		res.History[n-1].Status = models.AttemptFilled
	}
	log.WithFields(logrus.Fields{
		"event":    "FILLED",
		"price":    res.Price,
		"attempts": res.Attempts,
	}).Info("order filled")
	return res
}

// partial records a sequence that ended with only part of the order executed.
func (e *Engine) partial(res *Result, st *broker.OrderStatus, log logrus.FieldLogger) *Result {
	res.Outcome = OutcomePartial
	res.FilledQuantity = st.ExecQuantity
	if st.FillPrice > 0 {
		res.Price = st.FillPrice
	}
	log.WithFields(logrus.Fields{
		"event":     "PARTIAL_FILL",
		"filled":    st.ExecQuantity,
		"requested": res.requested,
		"price":     res.Price,
		"state":     st.RawStatus,
	}).Error("order ended partially filled")
	return res
}

func (e *Engine) queryStatus(orderID string) *broker.OrderStatus {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.CallTimeout)
	defer cancel()
	st, err := e.broker.GetOrderStatus(ctx, orderID)
	if err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Warn("status re-check failed")
		return nil
	}
	return st
}

func (e *Engine) notify(kind models.IntentKind, a models.OrderAttempt) {
	if e.observer != nil {
		e.observer(kind, a)
	}
}
