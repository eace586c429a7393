// Package models provides data structures and state management for calendar trades.
package models

import (
	"fmt"
	"strings"
	"time"
)

const sharesPerContract = 100.0

// Side is the per-leg order side as understood by the broker.
type Side string

const (
	SideBuyToOpen   Side = "buy_to_open"
	SideSellToOpen  Side = "sell_to_open"
	SideBuyToClose  Side = "buy_to_close"
	SideSellToClose Side = "sell_to_close"
)

// IsBuy reports whether the side pays premium.
func (s Side) IsBuy() bool {
	return s == SideBuyToOpen || s == SideBuyToClose
}

// Closing returns the side that unwinds a leg opened with s.
func (s Side) Closing() Side {
	switch s {
	case SideBuyToOpen:
		return SideSellToClose
	case SideSellToOpen:
		return SideBuyToClose
	default:
		return s
	}
}

// Valid returns true if the side is one of the defined constants
func (s Side) Valid() bool {
	switch s {
	case SideBuyToOpen, SideSellToOpen, SideBuyToClose, SideSellToClose:
		return true
	}
	return false
}

// Leg is one option contract of the four-leg position.
type Leg struct {
	Symbol     string  `json:"symbol"` // OCC symbol
	Side       Side    `json:"side"`
	Ratio      int     `json:"ratio"`
	OptionType string  `json:"option_type"` // put | call
	Strike     float64 `json:"strike"`
	Expiration string  `json:"expiration"` // YYYY-MM-DD
}

// ClosingLegs mirrors legs with their closing sides, preserving order.
func ClosingLegs(legs []Leg) []Leg {
	out := make([]Leg, len(legs))
	for i, l := range legs {
		l.Side = l.Side.Closing()
		out[i] = l
	}
	return out
}

// TradeStatus is the persisted lifecycle status of a trade.
type TradeStatus string

const (
	StatusActive         TradeStatus = "active"
	StatusExitPending    TradeStatus = "exit_pending"    // last exit exhausted, retried by the exit check
	StatusNeedsAttention TradeStatus = "needs_attention" // guard abort, manual intervention required
	StatusManualControl  TradeStatus = "manual_control"  // bot stops managing exits
	StatusClosed         TradeStatus = "closed"
)

// Exit reasons recorded on closed trades.
const (
	ExitReasonProfitTarget = "profit_target"
	ExitReasonTime         = "time_exit"
	ExitReasonManual       = "manual"
)

// Trade represents one SPX double calendar from entry fill to close.
type Trade struct {
	EnteredAt         time.Time   `json:"entered_at"`
	ClosedAt          time.Time   `json:"closed_at,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
	Legs              []Leg       `json:"legs"`
	ID                string      `json:"id"`
	TradeDate         string      `json:"trade_date"` // session date, YYYY-MM-DD
	Symbol            string      `json:"symbol"`
	Status            TradeStatus `json:"status"`
	EntryOrderID      string      `json:"entry_order_id,omitempty"`
	ProtectiveOrderID string      `json:"protective_order_id,omitempty"`
	ExitOrderID       string      `json:"exit_order_id,omitempty"`
	ExitReason        string      `json:"exit_reason,omitempty"`
	Notes             string      `json:"notes,omitempty"`
	EntryPrice        float64     `json:"entry_price"`
	ProfitTargetPrice float64     `json:"profit_target_price,omitempty"`
	ExitPrice         float64     `json:"exit_price,omitempty"`
	RealizedPnL       float64     `json:"realized_pnl"`
	Quantity          int         `json:"quantity"`
	EntryAttempts     int         `json:"entry_attempts"`
	ExitAttempts      int         `json:"exit_attempts"`
}

// IsOpen reports whether the bot still owns exits for this trade.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusActive || t.Status == StatusExitPending
}

// HoldsPosition reports whether the trade still has contracts at the broker.
func (t *Trade) HoldsPosition() bool {
	return t.Status != StatusClosed
}

// DaysHeld returns calendar days between entry and now, counted on date
// boundaries in loc. A nil loc counts in UTC.
func (t *Trade) DaysHeld(now time.Time, loc *time.Location) int {
	if t.EnteredAt.IsZero() {
		return 0
	}
	if loc == nil {
		loc = time.UTC
	}
	fy, fm, fd := t.EnteredAt.In(loc).Date()
	ty, tm, td := now.In(loc).Date()
	from := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	to := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	d := int(to.Sub(from).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// CalculatePnL returns realized P&L for closing the debit spread at exitCredit.
func (t *Trade) CalculatePnL(exitCredit float64) float64 {
	return (exitCredit - t.EntryPrice) * float64(t.Quantity) * sharesPerContract
}

// ApplyPartialExit books qty contracts closed at exitCredit and keeps the
// rest of the position open.
func (t *Trade) ApplyPartialExit(exitCredit float64, qty int) error {
	if qty <= 0 || qty >= t.Quantity {
		return fmt.Errorf("trade %s: partial exit of %d contracts out of %d", t.ID, qty, t.Quantity)
	}
	t.RealizedPnL += (exitCredit - t.EntryPrice) * float64(qty) * sharesPerContract
	t.Quantity -= qty
	return nil
}

// Close records exit details and moves the trade to closed.
func (t *Trade) Close(exitPrice float64, reason, condition string, now time.Time) error {
	if err := t.Transition(StatusClosed, condition); err != nil {
		return err
	}
	t.ExitPrice = exitPrice
	t.ExitReason = reason
	t.RealizedPnL += t.CalculatePnL(exitPrice)
	t.ClosedAt = now.UTC()
	return nil
}

// Validate checks structural invariants before persistence.
func (t *Trade) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("trade id is required")
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("trade %s: quantity must be > 0, got %d", t.ID, t.Quantity)
	}
	if len(t.Legs) != 4 {
		return fmt.Errorf("trade %s: expected 4 legs, got %d", t.ID, len(t.Legs))
	}
	for i, l := range t.Legs {
		if l.Symbol == "" || !l.Side.Valid() {
			return fmt.Errorf("trade %s: leg %d invalid (symbol=%q side=%q)", t.ID, i, l.Symbol, l.Side)
		}
	}
	return nil
}

// ResolvedContracts is the four-leg double calendar chosen for one entry.
type ResolvedContracts struct {
	ShortExpiration string
	LongExpiration  string
	Legs            []Leg
	PutStrike       float64
	CallStrike      float64
	UnderlyingPrice float64
}
