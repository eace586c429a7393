package models

import (
	"fmt"
	"time"
)

// IntentKind distinguishes opening from closing executions.
type IntentKind string

const (
	IntentEntry IntentKind = "entry"
	IntentExit  IntentKind = "exit"
)

// PriceType is the economic direction of a multileg limit price.
type PriceType string

const (
	PriceDebit  PriceType = "debit"
	PriceCredit PriceType = "credit"
)

// StepSchedule maps a timed-out attempt number to the concession applied
// before the next attempt. Attempts above Threshold use Escalated.
type StepSchedule struct {
	Base      float64 `json:"base"`
	Escalated float64 `json:"escalated"`
	Threshold int     `json:"threshold"`
}

// Delta returns the price step applied after attempt n timed out.
func (s StepSchedule) Delta(n int) float64 {
	if n > s.Threshold && s.Escalated > 0 {
		return s.Escalated
	}
	return s.Base
}

// Validate ensures steps are positive and never shrink after the threshold.
func (s StepSchedule) Validate() error {
	if s.Base <= 0 {
		return fmt.Errorf("step base must be > 0, got %.4f", s.Base)
	}
	if s.Escalated != 0 && s.Escalated < s.Base {
		return fmt.Errorf("escalated step %.4f must be >= base step %.4f", s.Escalated, s.Base)
	}
	if s.Threshold < 0 {
		return fmt.Errorf("step threshold must be >= 0, got %d", s.Threshold)
	}
	return nil
}

// TradeIntent is the unit of work handed to the fill engine.
type TradeIntent struct {
	Kind           IntentKind    `json:"kind"`
	Symbol         string        `json:"symbol"`
	Legs           []Leg         `json:"legs"`
	Quantity       int           `json:"quantity"`
	PriceType      PriceType     `json:"price_type"`
	TargetPrice    float64       `json:"target_price"` // signed mid at start; resolved from a quote when zero
	MaxAttempts    int           `json:"max_attempts"`
	AttemptTimeout time.Duration `json:"attempt_timeout"`
	Steps          StepSchedule  `json:"steps"`
	MaxConcession  float64       `json:"max_concession"` // 0 disables the cap
	TickSize       float64       `json:"tick_size"`
	Tag            string        `json:"tag,omitempty"`
}

// Validate checks the intent is executable.
func (i *TradeIntent) Validate() error {
	if i.Kind != IntentEntry && i.Kind != IntentExit {
		return fmt.Errorf("invalid intent kind %q", i.Kind)
	}
	if len(i.Legs) == 0 {
		return fmt.Errorf("intent has no legs")
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("intent quantity must be > 0, got %d", i.Quantity)
	}
	if i.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0, got %d", i.MaxAttempts)
	}
	if i.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be > 0")
	}
	if i.TickSize <= 0 {
		return fmt.Errorf("tick size must be > 0")
	}
	if i.MaxConcession < 0 {
		return fmt.Errorf("max concession must be >= 0")
	}
	return i.Steps.Validate()
}

// AttemptStatus is the outcome of one priced attempt.
type AttemptStatus string

const (
	AttemptWorking   AttemptStatus = "working"
	AttemptFilled    AttemptStatus = "filled"
	AttemptCancelled AttemptStatus = "cancelled"
	AttemptTimedOut  AttemptStatus = "timed_out"
)

// OrderAttempt is one price revision of the single working order.
type OrderAttempt struct {
	SubmittedAt    time.Time     `json:"submitted_at"`
	OrderID        string        `json:"order_id"`
	Status         AttemptStatus `json:"status"`
	RequestedPrice float64       `json:"requested_price"`
	AttemptNumber  int           `json:"attempt_number"`
}
