package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/metrics"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/eddiefleurent/spx_calendar/internal/notify"
	"github.com/eddiefleurent/spx_calendar/internal/orders"
	"github.com/eddiefleurent/spx_calendar/internal/storage"
	"github.com/eddiefleurent/spx_calendar/internal/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	dayLayout = "2006-01-02"

	// EntryTagPrefix marks every entry order this service places.
	EntryTagPrefix = "cal-entry-"
	exitTagPrefix  = "cal-exit-"
	ptTagPrefix    = "cal-pt-"
)

// ContractResolver picks the four legs for a new entry.
type ContractResolver interface {
	Resolve(ctx context.Context) (*models.ResolvedContracts, error)
}

// Status is the terminal outcome of an entry point call.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
	StatusSkipped  Status = "skipped"
	StatusAborted  Status = "aborted"
	StatusFailed   Status = "failed"
	StatusPartial  Status = "partial"
)

// EntryResult is returned by AttemptEntry.
type EntryResult struct {
	Err      error   `json:"-"`
	Status   Status  `json:"status"`
	Reason   string  `json:"reason,omitempty"`
	TradeID  string  `json:"trade_id,omitempty"`
	OrderID  string  `json:"order_id,omitempty"`
	Fill     float64 `json:"fill,omitempty"`
	Attempts int     `json:"attempts,omitempty"`
}

// ExitResult is returned by AttemptExit.
type ExitResult struct {
	Err      error   `json:"-"`
	Status   Status  `json:"status"`
	Reason   string  `json:"reason,omitempty"`
	TradeID  string  `json:"trade_id"`
	OrderID  string  `json:"order_id,omitempty"`
	Fill     float64 `json:"fill,omitempty"`
	Attempts int     `json:"attempts,omitempty"`
}

// FillSettings parameterize one side of the fill engine.
type FillSettings struct {
	Steps          models.StepSchedule
	AttemptTimeout time.Duration
	MaxConcession  float64
	MaxAttempts    int
}

// Config holds the executor settings.
type Config struct {
	Location               *time.Location
	Symbol                 string
	Entry                  FillSettings
	Exit                   FillSettings
	CallTimeout            time.Duration
	TickSize               float64
	ProfitTargetPct        float64
	ProfitTargetTick       float64
	Quantity               int
	MaxConcurrentPositions int
	ExitDay                int
}

// Deps are the collaborators of an Executor. Metrics, Notifier and Logger are optional.
type Deps struct {
	Broker      broker.Broker
	Storage     storage.Interface
	Resolver    ContractResolver
	EntryEngine *orders.Engine
	ExitEngine  *orders.Engine
	Guard       *orders.ExitGuard
	Lock        *Lock
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Logger      logrus.FieldLogger
}

// PhaseSnapshot reports where the current or last intent stands.
type PhaseSnapshot struct {
	At    time.Time             `json:"at,omitempty"`
	Phase models.ExecutionPhase `json:"phase"`
	Kind  models.IntentKind     `json:"kind,omitempty"`
}

// Executor is the only path by which positions are opened or closed.
type Executor struct {
	phaseAt     time.Time
	broker      broker.Broker
	store       storage.Interface
	resolver    ContractResolver
	notifier    notify.Notifier
	lock        *Lock
	entryEngine *orders.Engine
	exitEngine  *orders.Engine
	guard       *orders.ExitGuard
	metrics     *metrics.Metrics
	logger      logrus.FieldLogger
	now         func() time.Time
	newID       func() string
	phase       models.ExecutionPhase
	phaseKind   models.IntentKind
	config      Config
	phaseMu     sync.Mutex
}

// notice is a notification deferred until the lock is released.
type notice struct {
	message  string
	severity notify.Severity
}

// NewExecutor wires an executor. The engines get an observer that feeds
// metrics and phase tracking.
func NewExecutor(d Deps, cfg Config) (*Executor, error) {
	switch {
	case d.Broker == nil:
		return nil, errors.New("executor: broker is required")
	case d.Storage == nil:
		return nil, errors.New("executor: storage is required")
	case d.Resolver == nil:
		return nil, errors.New("executor: contract resolver is required")
	case d.EntryEngine == nil || d.ExitEngine == nil:
		return nil, errors.New("executor: entry and exit engines are required")
	case d.Guard == nil:
		return nil, errors.New("executor: exit guard is required")
	}
	if d.Lock == nil {
		d.Lock = NewLock(d.Metrics)
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = 1
	}
	if cfg.MaxConcurrentPositions <= 0 {
		cfg.MaxConcurrentPositions = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.ProfitTargetTick <= 0 {
		cfg.ProfitTargetTick = cfg.TickSize
	}

	e := &Executor{
		broker:      d.Broker,
		store:       d.Storage,
		resolver:    d.Resolver,
		notifier:    d.Notifier,
		lock:        d.Lock,
		entryEngine: d.EntryEngine,
		exitEngine:  d.ExitEngine,
		guard:       d.Guard,
		metrics:     d.Metrics,
		logger:      d.Logger.WithField("component", "executor"),
		now:         time.Now,
		newID:       uuid.NewString,
		phase:       models.PhaseIdle,
		config:      cfg,
	}
	e.entryEngine.WithObserver(e.observeAttempt)
	e.exitEngine.WithObserver(e.observeAttempt)
	return e, nil
}

// Lock exposes the execution lock so other trigger paths share it.
func (e *Executor) Lock() *Lock { return e.lock }

// Phase returns the execution phase of the current or most recent intent.
func (e *Executor) Phase() PhaseSnapshot {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	return PhaseSnapshot{Phase: e.phase, Kind: e.phaseKind, At: e.phaseAt}
}

func (e *Executor) setPhase(kind models.IntentKind, to models.ExecutionPhase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	if err := models.ValidatePhaseTransition(e.phase, to); err != nil {
		e.logger.WithError(err).Warn("unexpected phase transition")
	}
	e.phase = to
	e.phaseKind = kind
	e.phaseAt = e.now()
}

func (e *Executor) observeAttempt(kind models.IntentKind, a models.OrderAttempt) {
	e.metrics.ObserveAttempt(string(kind), string(a.Status))
	if a.Status == models.AttemptWorking {
		e.setPhase(kind, models.PhaseAttempt)
	}
}

// AttemptEntry opens a new double calendar unless today's entry already
// happened, the position limit is reached, or another execution is in flight.
func (e *Executor) AttemptEntry(ctx context.Context, trigger string) (res *EntryResult) {
	now := e.now().In(e.config.Location)
	day := now.Format(dayLayout)
	log := e.logger.WithFields(logrus.Fields{"kind": models.IntentEntry, "trigger": trigger})
	res = &EntryResult{}
	var notes []notice

	defer func() {
		e.metrics.ObserveExecution(string(models.IntentEntry), string(res.Status))
		e.logAction(ctx, storage.DailyAction{
			At: now, Day: day, Action: string(models.IntentEntry), Status: string(res.Status),
			Trigger: trigger, TradeID: res.TradeID, Details: res.Reason,
		})
		e.send(ctx, notes)
	}()

	if n, ok := e.entryAllowed(ctx, log, trigger, day, res); !ok {
		notes = append(notes, n...)
		return res
	}

	held, err := e.lock.TryBegin(models.IntentEntry)
	if err != nil {
		res.Status, res.Reason, res.Err = StatusRejected, err.Error(), err
		notes = append(notes, e.blocked(log, models.IntentEntry, trigger, err))
		return res
	}

	func() {
		defer held.Release()
		defer e.setPhase(models.IntentEntry, models.PhaseLockReleased)
		defer func() {
			if r := recover(); r != nil {
				e.setPhase(models.IntentEntry, models.PhaseExhausted)
				res.Status, res.Reason = StatusFailed, "internal error"
				res.Err = fmt.Errorf("panic during entry: %v", r)
				log.WithField("panic", r).Error("entry panicked, lock released")
				notes = append(notes, notice{fmt.Sprintf("Entry failed with internal error: %v", r), notify.SeverityCritical})
			}
		}()
		e.setPhase(models.IntentEntry, models.PhaseLockAcquired)
		// Once admitted the sequence runs to a terminal state even if the trigger goes away
		notes = append(notes, e.enterLocked(context.WithoutCancel(ctx), log, now, trigger, day, res)...)
	}()
	return res
}

// entryAllowed runs the daily idempotency and position limit checks. It
// fills in res and returns false when the entry must not go ahead.
func (e *Executor) entryAllowed(ctx context.Context, log logrus.FieldLogger, trigger, day string, res *EntryResult) ([]notice, bool) {
	traded, err := e.store.HasTradedToday(ctx, day)
	if err != nil {
		res.Status, res.Reason, res.Err = StatusFailed, "idempotency check failed", err
		log.WithError(err).Error("cannot verify today's entry, not trading")
		return []notice{{fmt.Sprintf("Entry not attempted: idempotency check failed: %v", err), notify.SeverityCritical}}, false
	}
	if traded {
		res.Status, res.Reason = StatusSkipped, "already traded today"
		log.WithFields(logrus.Fields{"event": "ALREADY_TRADED", "day": day}).Info("entry skipped")
		return []notice{{fmt.Sprintf("Entry skipped (%s): already traded %s", trigger, day), notify.SeverityInfo}}, false
	}

	active, err := e.store.GetActiveTrades(ctx)
	if err != nil {
		res.Status, res.Reason, res.Err = StatusFailed, "position check failed", err
		log.WithError(err).Error("cannot load active trades, not trading")
		return []notice{{fmt.Sprintf("Entry not attempted: position check failed: %v", err), notify.SeverityCritical}}, false
	}
	e.metrics.SetActiveTrades(len(active))
	if len(active) >= e.config.MaxConcurrentPositions {
		res.Status = StatusSkipped
		res.Reason = fmt.Sprintf("position limit reached (%d/%d)", len(active), e.config.MaxConcurrentPositions)
		log.WithField("active", len(active)).Info("entry skipped at position limit")
		return nil, false
	}
	return nil, true
}

func (e *Executor) enterLocked(ctx context.Context, log logrus.FieldLogger, now time.Time, trigger, day string, res *EntryResult) []notice {
	// Another entry may have committed since the pre-lock checks
	if n, ok := e.entryAllowed(ctx, log, trigger, day, res); !ok {
		return n
	}

	// Lock state does not survive a restart; a working entry order at the broker does
	open, err := e.callOpenOrders(ctx)
	if err != nil {
		res.Status, res.Reason, res.Err = StatusFailed, "open order check failed", err
		log.WithError(err).Error("cannot verify broker open orders, not trading")
		return []notice{{fmt.Sprintf("Entry not attempted: open order check failed: %v", err), notify.SeverityCritical}}
	}
	for _, o := range open {
		if strings.HasPrefix(o.Tag, EntryTagPrefix) && o.State == broker.OrderWorking {
			res.Status, res.Reason, res.OrderID = StatusSkipped, "entry order already working at broker", o.ID
			log.WithFields(logrus.Fields{"order_id": o.ID, "tag": o.Tag}).Warn("entry skipped, earlier entry order still working")
			return []notice{{fmt.Sprintf("Entry skipped: order %s (%s) still working at broker", o.ID, o.Tag), notify.SeverityWarning}}
		}
	}

	contracts, err := e.resolver.Resolve(ctx)
	if err != nil {
		res.Status, res.Reason, res.Err = StatusFailed, "contract resolution failed", err
		log.WithError(err).Error("contract resolution failed")
		return []notice{{fmt.Sprintf("Entry failed: contract resolution: %v", err), notify.SeverityCritical}}
	}

	tradeID := e.newID()
	res.TradeID = tradeID
	log = log.WithField("trade_id", shortID(tradeID))

	intent := models.TradeIntent{
		Kind:           models.IntentEntry,
		Symbol:         e.config.Symbol,
		Legs:           contracts.Legs,
		Quantity:       e.config.Quantity,
		PriceType:      models.PriceDebit,
		MaxAttempts:    e.config.Entry.MaxAttempts,
		AttemptTimeout: e.config.Entry.AttemptTimeout,
		Steps:          e.config.Entry.Steps,
		MaxConcession:  e.config.Entry.MaxConcession,
		TickSize:       e.config.TickSize,
		Tag:            EntryTagPrefix + shortID(tradeID),
	}
	r := e.entryEngine.Run(ctx, intent)
	res.OrderID, res.Attempts = r.OrderID, r.Attempts
	e.metrics.ObserveFillSequence(string(models.IntentEntry), r.Attempts)

	if !r.Filled() && !r.Partial() {
		e.setPhase(models.IntentEntry, models.PhaseExhausted)
		res.Status, res.Err = StatusFailed, r.Err
		res.Reason = fmt.Sprintf("entry exhausted after %d attempts, last price %.2f", r.Attempts, r.Price)
		if r.Err != nil {
			res.Reason = fmt.Sprintf("%s: %v", res.Reason, r.Err)
		}
		e.record(ctx, log, &storage.TradeOutcome{
			Kind: models.IntentEntry, Result: string(orders.OutcomeExhausted), Reason: res.Reason, Attempts: r.History,
		})
		return []notice{{fmt.Sprintf("ENTRY FAILED: %s (order %s)", res.Reason, r.OrderID), notify.SeverityCritical}}
	}

	e.setPhase(models.IntentEntry, models.PhaseFilled)
	qty := r.FilledQuantity
	if qty <= 0 {
		qty = e.config.Quantity
	}
	trade := &models.Trade{
		ID:            tradeID,
		TradeDate:     day,
		Symbol:        e.config.Symbol,
		Status:        models.StatusActive,
		Legs:          contracts.Legs,
		EntryOrderID:  r.OrderID,
		EntryPrice:    r.Price,
		Quantity:      qty,
		EntryAttempts: r.Attempts,
		EnteredAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	notes := e.placeProtective(ctx, log, trade)

	res.Status, res.Fill = StatusExecuted, r.Price
	res.Reason = fmt.Sprintf("filled at %.2f after %d attempts", r.Price, r.Attempts)
	if r.Partial() {
		res.Status, res.Err = StatusPartial, r.Err
		res.Reason = fmt.Sprintf("partially filled %d of %d at %.2f after %d attempts", qty, e.config.Quantity, r.Price, r.Attempts)
		trade.Notes = res.Reason
	}
	if err := e.record(ctx, log, &storage.TradeOutcome{
		Trade: trade, Kind: models.IntentEntry, Result: string(r.Outcome), Reason: res.Reason, Attempts: r.History,
	}); err != nil {
		res.Err = err
		notes = append(notes, notice{fmt.Sprintf("Entry filled but NOT persisted, trade %s: %v", tradeID, err), notify.SeverityCritical})
	}
	if r.Partial() {
		return append(notes, notice{fmt.Sprintf("ENTRY PARTIALLY FILLED: trade %s holds %d of %d contracts at %.2f debit (order %s). Profit target sized to the filled quantity.",
			shortID(tradeID), qty, e.config.Quantity, r.Price, r.OrderID), notify.SeverityCritical})
	}
	notes = append(notes, notice{fmt.Sprintf("Entered %s double calendar %.0fP/%.0fC %s/%s at %.2f debit (%d attempts)",
		e.config.Symbol, contracts.PutStrike, contracts.CallStrike, contracts.ShortExpiration, contracts.LongExpiration,
		r.Price, r.Attempts), notify.SeverityInfo})
	return notes
}

// placeProtective rests a GTC profit target against a freshly filled trade.
func (e *Executor) placeProtective(ctx context.Context, log logrus.FieldLogger, trade *models.Trade) []notice {
	if e.config.ProfitTargetPct <= 0 {
		return nil
	}
	price := util.RoundDownToTick(trade.EntryPrice*(1+e.config.ProfitTargetPct), e.config.ProfitTargetTick)
	if price <= 0 {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	id, err := e.broker.PlaceOrder(pctx, broker.OrderRequest{
		Symbol:    trade.Symbol,
		Legs:      models.ClosingLegs(trade.Legs),
		PriceType: models.PriceCredit,
		Quantity:  trade.Quantity,
		Price:     price,
		Duration:  "gtc",
		Tag:       ptTagPrefix + shortID(trade.ID),
	})
	cancel()
	if err != nil {
		log.WithError(err).WithField("price", price).Error("failed to place profit target")
		return []notice{{fmt.Sprintf("Trade %s is open WITHOUT a profit target: %v", shortID(trade.ID), err), notify.SeverityWarning}}
	}
	trade.ProtectiveOrderID = id
	trade.ProfitTargetPrice = price
	log.WithFields(logrus.Fields{"order_id": id, "price": price}).Info("profit target resting")
	return nil
}

// AttemptExit closes tradeID. The resting profit target is cancelled and
// verified first; if that cannot be confirmed no close order is placed.
func (e *Executor) AttemptExit(ctx context.Context, tradeID, trigger, reason string) (res *ExitResult) {
	now := e.now().In(e.config.Location)
	log := e.logger.WithFields(logrus.Fields{
		"kind":     models.IntentExit,
		"trigger":  trigger,
		"trade_id": shortID(tradeID),
		"reason":   reason,
	})
	res = &ExitResult{TradeID: tradeID}
	var notes []notice

	defer func() {
		e.metrics.ObserveExecution(string(models.IntentExit), string(res.Status))
		e.logAction(ctx, storage.DailyAction{
			At: now, Day: now.Format(dayLayout), Action: string(models.IntentExit), Status: string(res.Status),
			Trigger: trigger, TradeID: tradeID, Details: res.Reason,
		})
		e.send(ctx, notes)
	}()

	if _, skip := e.loadOpenTrade(ctx, tradeID, res, log); skip {
		return res
	}

	held, err := e.lock.TryBegin(models.IntentExit)
	if err != nil {
		res.Status, res.Reason, res.Err = StatusRejected, err.Error(), err
		notes = append(notes, e.blocked(log, models.IntentExit, trigger, err))
		return res
	}

	func() {
		defer held.Release()
		defer e.setPhase(models.IntentExit, models.PhaseLockReleased)
		defer func() {
			if r := recover(); r != nil {
				e.setPhase(models.IntentExit, models.PhaseExhausted)
				res.Status, res.Reason = StatusFailed, "internal error"
				res.Err = fmt.Errorf("panic during exit: %v", r)
				log.WithField("panic", r).Error("exit panicked, lock released")
				notes = append(notes, notice{fmt.Sprintf("Exit of trade %s failed with internal error: %v", shortID(tradeID), r), notify.SeverityCritical})
			}
		}()
		e.setPhase(models.IntentExit, models.PhaseLockAcquired)
		ctx := context.WithoutCancel(ctx)
		// Another holder may have closed it between the check and acquisition
		trade, skip := e.loadOpenTrade(ctx, tradeID, res, log)
		if skip {
			return
		}
		notes = append(notes, e.exitLocked(ctx, log, now, trade, reason, res)...)
	}()
	return res
}

func (e *Executor) loadOpenTrade(ctx context.Context, tradeID string, res *ExitResult, log logrus.FieldLogger) (*models.Trade, bool) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if errors.Is(err, storage.ErrTradeNotFound) {
		res.Status, res.Reason = StatusSkipped, "trade not found"
		return nil, true
	}
	if err != nil {
		res.Status, res.Reason, res.Err = StatusFailed, "trade lookup failed", err
		log.WithError(err).Error("cannot load trade")
		return nil, true
	}
	if !trade.IsOpen() {
		res.Status, res.Reason = StatusSkipped, fmt.Sprintf("trade is %s", trade.Status)
		return nil, true
	}
	return trade, false
}

func (e *Executor) exitLocked(ctx context.Context, log logrus.FieldLogger, now time.Time, trade *models.Trade, reason string, res *ExitResult) []notice {
	g := e.guard.EnsureClear(ctx, trade.ProtectiveOrderID)
	e.metrics.ObserveGuard(string(g.Outcome))

	if !g.Cleared() {
		e.setPhase(models.IntentExit, models.PhaseAborted)
		if errors.Is(g.Err, orders.ErrProtectiveFilled) {
			return e.closeByProfitTarget(ctx, log, now, trade, g.FillPrice, res)
		}
		res.Status, res.Err, res.OrderID = StatusAborted, g.Err, g.OrderID
		res.Reason = fmt.Sprintf("protective order %s %s", g.OrderID, g.Reason)
		if err := trade.Transition(models.StatusNeedsAttention, models.ConditionGuardAbort); err != nil {
			log.WithError(err).Error("cannot mark trade for attention")
		}
		trade.Notes = res.Reason
		e.record(ctx, log, &storage.TradeOutcome{Trade: trade, Kind: models.IntentExit, Result: "aborted", Reason: res.Reason})
		return []notice{{fmt.Sprintf("EXIT ABORTED for trade %s: protective order %s could not be confirmed cancelled (last state %s). Manual intervention required.",
			shortID(trade.ID), g.OrderID, g.LastState), notify.SeverityCritical}}
	}

	intent := models.TradeIntent{
		Kind:           models.IntentExit,
		Symbol:         trade.Symbol,
		Legs:           models.ClosingLegs(trade.Legs),
		Quantity:       trade.Quantity,
		PriceType:      models.PriceCredit,
		MaxAttempts:    e.config.Exit.MaxAttempts,
		AttemptTimeout: e.config.Exit.AttemptTimeout,
		Steps:          e.config.Exit.Steps,
		MaxConcession:  e.config.Exit.MaxConcession,
		TickSize:       e.config.TickSize,
		Tag:            exitTagPrefix + shortID(trade.ID),
	}
	r := e.exitEngine.Run(ctx, intent)
	res.OrderID, res.Attempts = r.OrderID, r.Attempts
	trade.ExitOrderID = r.OrderID
	trade.ExitAttempts += r.Attempts
	e.metrics.ObserveFillSequence(string(models.IntentExit), r.Attempts)

	if r.Partial() {
		return e.exitPartial(ctx, log, trade, reason, r, res)
	}

	if !r.Filled() {
		e.setPhase(models.IntentExit, models.PhaseExhausted)
		res.Status, res.Err = StatusFailed, r.Err
		res.Reason = fmt.Sprintf("exit exhausted after %d attempts, last price %.2f", r.Attempts, r.Price)
		if r.Err != nil {
			res.Reason = fmt.Sprintf("%s: %v", res.Reason, r.Err)
		}
		if err := trade.Transition(models.StatusExitPending, models.ConditionExitExhausted); err != nil {
			log.WithError(err).Error("cannot mark exit pending")
		}
		// Retries close for the same reason the caller asked for
		trade.ExitReason = reason
		trade.Notes = res.Reason
		e.record(ctx, log, &storage.TradeOutcome{
			Trade: trade, Kind: models.IntentExit, Result: string(orders.OutcomeExhausted), Reason: res.Reason, Attempts: r.History,
		})
		return []notice{{fmt.Sprintf("EXIT FAILED for trade %s: %s (order %s). Position still open, no profit target resting.",
			shortID(trade.ID), res.Reason, r.OrderID), notify.SeverityCritical}}
	}

	e.setPhase(models.IntentExit, models.PhaseFilled)
	if err := trade.Close(r.Price, reason, models.ConditionExitFilled, now); err != nil {
		log.WithError(err).Error("cannot close trade record")
	}
	res.Status, res.Fill = StatusExecuted, r.Price
	res.Reason = fmt.Sprintf("filled at %.2f after %d attempts", r.Price, r.Attempts)
	var notes []notice
	if err := e.record(ctx, log, &storage.TradeOutcome{
		Trade: trade, Kind: models.IntentExit, Result: string(orders.OutcomeFilled), Reason: reason, Attempts: r.History,
	}); err != nil {
		res.Err = err
		notes = append(notes, notice{fmt.Sprintf("Exit filled but NOT persisted, trade %s: %v", shortID(trade.ID), err), notify.SeverityCritical})
	}
	return append(notes, notice{fmt.Sprintf("Closed trade %s (%s) at %.2f credit, P&L $%.2f",
		shortID(trade.ID), reason, r.Price, trade.RealizedPnL), notify.SeverityInfo})
}

// exitPartial books the contracts that closed and leaves the remainder
// exit_pending for the retry loop.
func (e *Executor) exitPartial(ctx context.Context, log logrus.FieldLogger, trade *models.Trade, reason string, r *orders.Result, res *ExitResult) []notice {
	e.setPhase(models.IntentExit, models.PhaseExhausted)
	requested := trade.Quantity
	if err := trade.ApplyPartialExit(r.Price, r.FilledQuantity); err != nil {
		log.WithError(err).Error("cannot book partial exit")
	}
	if err := trade.Transition(models.StatusExitPending, models.ConditionExitExhausted); err != nil {
		log.WithError(err).Error("cannot mark exit pending")
	}
	trade.ExitReason = reason
	res.Status, res.Err, res.Fill = StatusPartial, r.Err, r.Price
	res.Reason = fmt.Sprintf("exit partially filled %d of %d at %.2f after %d attempts", r.FilledQuantity, requested, r.Price, r.Attempts)
	trade.Notes = res.Reason
	e.record(ctx, log, &storage.TradeOutcome{
		Trade: trade, Kind: models.IntentExit, Result: string(orders.OutcomePartial), Reason: res.Reason, Attempts: r.History,
	})
	return []notice{{fmt.Sprintf("EXIT PARTIALLY FILLED for trade %s: %d closed at %.2f, %d still open with no profit target resting (order %s).",
		shortID(trade.ID), r.FilledQuantity, r.Price, trade.Quantity, r.OrderID), notify.SeverityCritical}}
}

// closeByProfitTarget records a trade whose resting order filled before the exit could start.
func (e *Executor) closeByProfitTarget(ctx context.Context, log logrus.FieldLogger, now time.Time, trade *models.Trade, fill float64, res *ExitResult) []notice {
	if fill <= 0 {
		fill = trade.ProfitTargetPrice
	}
	if err := trade.Close(fill, models.ExitReasonProfitTarget, models.ConditionProfitTargetFilled, now); err != nil {
		log.WithError(err).Error("cannot close trade record")
	}
	res.Status, res.Fill, res.OrderID = StatusSkipped, fill, trade.ProtectiveOrderID
	res.Reason = "position already closed by profit target"
	e.record(ctx, log, &storage.TradeOutcome{Trade: trade, Kind: models.IntentExit, Result: string(orders.OutcomeFilled), Reason: res.Reason})
	return []notice{{fmt.Sprintf("Trade %s closed by its profit target at %.2f, P&L $%.2f",
		shortID(trade.ID), fill, trade.RealizedPnL), notify.SeverityInfo}}
}

// CheckTimeExits closes every open trade held at least ExitDay calendar days.
func (e *Executor) CheckTimeExits(ctx context.Context, trigger string) []*ExitResult {
	if e.config.ExitDay <= 0 {
		return nil
	}
	return e.exitWhere(ctx, trigger, func(t *models.Trade, now time.Time) (string, bool) {
		if t.DaysHeld(now, e.config.Location) >= e.config.ExitDay {
			return models.ExitReasonTime, true
		}
		return "", false
	})
}

// RetryPendingExits re-attempts trades whose last exit exhausted.
func (e *Executor) RetryPendingExits(ctx context.Context, trigger string) []*ExitResult {
	return e.exitWhere(ctx, trigger, func(t *models.Trade, _ time.Time) (string, bool) {
		if t.Status != models.StatusExitPending {
			return "", false
		}
		if t.ExitReason != "" {
			return t.ExitReason, true
		}
		return models.ExitReasonTime, true
	})
}

func (e *Executor) exitWhere(ctx context.Context, trigger string, want func(*models.Trade, time.Time) (string, bool)) []*ExitResult {
	trades, err := e.store.GetActiveTrades(ctx)
	if err != nil {
		e.logger.WithError(err).Error("cannot load active trades for exit check")
		return nil
	}
	e.metrics.SetActiveTrades(len(trades))
	now := e.now()
	var out []*ExitResult
	for i := range trades {
		t := &trades[i]
		if !t.IsOpen() {
			continue
		}
		reason, ok := want(t, now)
		if !ok {
			continue
		}
		r := e.AttemptExit(ctx, t.ID, trigger, reason)
		out = append(out, r)
		if r.Status == StatusRejected {
			// The holder will not be done before the next trade either
			break
		}
	}
	return out
}

// ResolveTrade hands a needs_attention trade back to the bot after manual review.
func (e *Executor) ResolveTrade(ctx context.Context, tradeID, note string) (*models.Trade, error) {
	return e.manualTransition(ctx, "resolve", tradeID, note, func(t *models.Trade) error {
		return t.Transition(models.StatusActive, models.ConditionManualIntervention)
	})
}

// TakeOver stops the bot from managing exits for an open trade. Any resting
// profit target stays at the broker for the operator to handle.
func (e *Executor) TakeOver(ctx context.Context, tradeID, note string) (*models.Trade, error) {
	return e.manualTransition(ctx, "takeover", tradeID, note, func(t *models.Trade) error {
		return t.Transition(models.StatusManualControl, models.ConditionStopManaging)
	})
}

// Release hands a manually controlled trade back to the bot.
func (e *Executor) Release(ctx context.Context, tradeID, note string) (*models.Trade, error) {
	return e.manualTransition(ctx, "release", tradeID, note, func(t *models.Trade) error {
		return t.Transition(models.StatusActive, models.ConditionResumeManaging)
	})
}

// ForceClose records a position the operator already closed outside the bot.
func (e *Executor) ForceClose(ctx context.Context, tradeID string, exitPrice float64, note string) (*models.Trade, error) {
	if exitPrice < 0 {
		return nil, fmt.Errorf("exit price must not be negative, got %.2f", exitPrice)
	}
	return e.manualTransition(ctx, "force_close", tradeID, note, func(t *models.Trade) error {
		return t.Close(exitPrice, models.ExitReasonManual, models.ConditionForceClose, e.now())
	})
}

// manualTransition applies an operator status change under the execution lock.
func (e *Executor) manualTransition(ctx context.Context, action, tradeID, note string, apply func(*models.Trade) error) (*models.Trade, error) {
	var trade *models.Trade
	err := e.lock.Do(KindManual, func() error {
		t, err := e.store.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if err := apply(t); err != nil {
			return err
		}
		t.Notes = note
		if err := e.store.SaveTrade(ctx, t); err != nil {
			return fmt.Errorf("save trade: %w", err)
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"trade_id": shortID(tradeID), "action": action, "status": trade.Status}).Info("trade changed manually")
	e.logAction(ctx, storage.DailyAction{
		At: e.now(), Day: e.now().In(e.config.Location).Format(dayLayout), Action: action,
		Status: string(StatusExecuted), Trigger: "manual", TradeID: tradeID, Details: note,
	})
	return trade, nil
}

func (e *Executor) blocked(log logrus.FieldLogger, kind models.IntentKind, trigger string, err error) notice {
	fields := logrus.Fields{"event": "CONCURRENT_BLOCKED"}
	var rej *RejectedError
	if errors.As(err, &rej) {
		fields["holder"] = rej.HolderKind
		fields["since"] = rej.Since.Format(time.RFC3339Nano)
		fields["elapsed"] = rej.Elapsed
	}
	log.WithFields(fields).Warn("execution already in progress, trigger dropped")
	return notice{fmt.Sprintf("%s trigger (%s) blocked: %v", kind, trigger, err), notify.SeverityWarning}
}

func (e *Executor) callOpenOrders(ctx context.Context) ([]broker.OrderStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	return e.broker.GetOpenOrders(cctx)
}

func (e *Executor) record(ctx context.Context, log logrus.FieldLogger, o *storage.TradeOutcome) error {
	if err := e.store.RecordTradeOutcome(ctx, o); err != nil {
		log.WithError(err).WithField("result", o.Result).Error("failed to record trade outcome")
		return err
	}
	return nil
}

func (e *Executor) logAction(ctx context.Context, a storage.DailyAction) {
	if err := e.store.LogDailyAction(context.WithoutCancel(ctx), a); err != nil {
		e.logger.WithError(err).WithField("action", a.Action).Warn("failed to log daily action")
	}
}

func (e *Executor) send(ctx context.Context, notes []notice) {
	ctx = context.WithoutCancel(ctx)
	for _, n := range notes {
		if err := e.notifier.Notify(ctx, n.severity, n.message); err != nil {
			e.logger.WithError(err).Warn("notification failed")
		}
	}
}

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
