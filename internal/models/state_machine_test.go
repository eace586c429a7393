package models

import (
	"testing"
	"time"
)

func TestTrade_BasicTransitions(t *testing.T) {
	tr := &Trade{ID: "t1", Status: StatusActive}

	if err := tr.Transition(StatusExitPending, ConditionExitExhausted); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}
	if tr.Status != StatusExitPending {
		t.Errorf("Status should be exit_pending, got %s", tr.Status)
	}
	if err := tr.Transition(StatusClosed, ConditionExitFilled); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}
	if tr.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set after a transition")
	}
}

func TestTrade_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from      TradeStatus
		to        TradeStatus
		condition string
	}{
		{StatusClosed, StatusActive, ConditionManualIntervention},
		{StatusActive, StatusClosed, "whatever"},
		{StatusNeedsAttention, StatusClosed, ConditionExitFilled},
		{StatusManualControl, StatusExitPending, ConditionExitExhausted},
	}

	for _, tt := range tests {
		tr := &Trade{ID: "t", Status: tt.from}
		if err := tr.Transition(tt.to, tt.condition); err == nil {
			t.Errorf("%s -> %s (%s) should be rejected", tt.from, tt.to, tt.condition)
		}
		if tr.Status != tt.from {
			t.Errorf("status changed after failed transition: %s", tr.Status)
		}
	}
}

func TestTrade_RecoveryFromNeedsAttention(t *testing.T) {
	tr := &Trade{ID: "t", Status: StatusActive}
	if err := tr.Transition(StatusNeedsAttention, ConditionGuardAbort); err != nil {
		t.Fatal(err)
	}
	if tr.IsOpen() {
		t.Error("needs_attention trade must not be managed by the bot")
	}
	if !tr.HoldsPosition() {
		t.Error("needs_attention trade still holds contracts")
	}
	if err := tr.Transition(StatusActive, ConditionManualIntervention); err != nil {
		t.Fatalf("manual intervention should reactivate: %v", err)
	}
	if !tr.IsOpen() {
		t.Error("reactivated trade should be open")
	}
}

func TestTrade_CloseComputesPnL(t *testing.T) {
	tr := &Trade{ID: "t", Status: StatusActive, EntryPrice: 20.00, Quantity: 4}
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	if err := tr.Close(30.00, ExitReasonProfitTarget, ConditionProfitTargetFilled, now); err != nil {
		t.Fatal(err)
	}
	if tr.RealizedPnL != 4000 {
		t.Errorf("expected pnl 4000, got %.2f", tr.RealizedPnL)
	}
	if !tr.ClosedAt.Equal(now) {
		t.Errorf("ClosedAt = %v", tr.ClosedAt)
	}
	if tr.ExitReason != ExitReasonProfitTarget {
		t.Errorf("ExitReason = %s", tr.ExitReason)
	}
}

func TestTrade_PartialExitAccumulatesPnL(t *testing.T) {
	tr := &Trade{ID: "t", Status: StatusActive, EntryPrice: 20.00, Quantity: 4}

	if err := tr.ApplyPartialExit(22.00, 1); err != nil {
		t.Fatal(err)
	}
	if tr.Quantity != 3 || tr.RealizedPnL != 200 {
		t.Errorf("after partial: qty %d pnl %.2f", tr.Quantity, tr.RealizedPnL)
	}
	if err := tr.ApplyPartialExit(22.00, 3); err == nil {
		t.Error("closing the whole remainder is not a partial exit")
	}
	if err := tr.Close(21.00, ExitReasonTime, ConditionExitFilled, time.Now()); err != nil {
		t.Fatal(err)
	}
	if tr.RealizedPnL != 500 {
		t.Errorf("expected pnl 500, got %.2f", tr.RealizedPnL)
	}
}

func TestTrade_ManualControlTransitions(t *testing.T) {
	tr := &Trade{ID: "t", Status: StatusActive, EntryPrice: 20.00, Quantity: 1}

	if err := tr.Transition(StatusManualControl, ConditionStopManaging); err != nil {
		t.Fatal(err)
	}
	if tr.IsOpen() {
		t.Error("manually controlled trade is not managed by the bot")
	}
	if err := tr.Transition(StatusActive, ConditionResumeManaging); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transition(StatusClosed, ConditionForceClose); err == nil {
		t.Error("active trade must not be force closed")
	}
}

func TestTrade_DaysHeld(t *testing.T) {
	entered := time.Date(2025, 3, 3, 14, 45, 0, 0, time.UTC)
	tr := &Trade{EnteredAt: entered}

	if got := tr.DaysHeld(entered.Add(2*time.Hour), nil); got != 0 {
		t.Errorf("same day: got %d", got)
	}
	if got := tr.DaysHeld(entered.AddDate(0, 0, 14), nil); got != 14 {
		t.Errorf("two weeks: got %d", got)
	}
	if got := (&Trade{}).DaysHeld(entered, nil); got != 0 {
		t.Errorf("zero entry time: got %d", got)
	}
}

func TestTrade_DaysHeld_MarketTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 15:45 ET Monday is 20:45 UTC; 19:30 ET the same day is already Tuesday in UTC
	tr := &Trade{EnteredAt: time.Date(2025, 3, 3, 20, 45, 0, 0, time.UTC)}
	evening := time.Date(2025, 3, 4, 0, 30, 0, 0, time.UTC)

	if got := tr.DaysHeld(evening, nil); got != 1 {
		t.Errorf("utc boundary: got %d", got)
	}
	if got := tr.DaysHeld(evening, ny); got != 0 {
		t.Errorf("market boundary: got %d", got)
	}
	if got := tr.DaysHeld(time.Date(2025, 3, 17, 14, 0, 0, 0, time.UTC), ny); got != 14 {
		t.Errorf("two weeks: got %d", got)
	}
}

func TestTrade_Validate(t *testing.T) {
	legs := []Leg{
		{Symbol: "SPXW250321P05600000", Side: SideSellToOpen, Ratio: 1},
		{Symbol: "SPXW250321C06000000", Side: SideSellToOpen, Ratio: 1},
		{Symbol: "SPXW250328P05600000", Side: SideBuyToOpen, Ratio: 1},
		{Symbol: "SPXW250328C06000000", Side: SideBuyToOpen, Ratio: 1},
	}
	ok := &Trade{ID: "a", Quantity: 4, Legs: legs}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid trade rejected: %v", err)
	}

	noID := *ok
	noID.ID = " "
	if err := noID.Validate(); err == nil {
		t.Error("missing id should fail")
	}

	short := *ok
	short.Legs = legs[:3]
	if err := short.Validate(); err == nil {
		t.Error("three legs should fail")
	}
}

func TestClosingLegs(t *testing.T) {
	legs := []Leg{
		{Symbol: "A", Side: SideSellToOpen},
		{Symbol: "B", Side: SideBuyToOpen},
	}
	closing := ClosingLegs(legs)

	if closing[0].Side != SideBuyToClose || closing[1].Side != SideSellToClose {
		t.Errorf("unexpected closing sides: %v", closing)
	}
	if legs[0].Side != SideSellToOpen {
		t.Error("ClosingLegs must not mutate its input")
	}
}

func TestStepSchedule_Delta(t *testing.T) {
	s := StepSchedule{Base: 0.05, Escalated: 0.10, Threshold: 2}

	want := map[int]float64{1: 0.05, 2: 0.05, 3: 0.10, 4: 0.10}
	for n, d := range want {
		if got := s.Delta(n); got != d {
			t.Errorf("Delta(%d) = %.2f, want %.2f", n, got, d)
		}
	}

	flat := StepSchedule{Base: 0.05, Threshold: 1}
	if flat.Delta(5) != 0.05 {
		t.Error("unset escalated step should fall back to base")
	}
}

func TestStepSchedule_Validate(t *testing.T) {
	if err := (StepSchedule{Base: 0.05, Escalated: 0.10, Threshold: 2}).Validate(); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
	if err := (StepSchedule{Base: 0}).Validate(); err == nil {
		t.Error("zero base should fail")
	}
	if err := (StepSchedule{Base: 0.10, Escalated: 0.05}).Validate(); err == nil {
		t.Error("shrinking escalation should fail")
	}
}

func TestPhaseTransitions(t *testing.T) {
	path := []ExecutionPhase{
		PhaseIdle, PhaseLockAcquired, PhaseAttempt, PhaseAttempt,
		PhaseExhausted, PhaseLockReleased, PhaseLockAcquired,
	}
	for i := 1; i < len(path); i++ {
		if err := ValidatePhaseTransition(path[i-1], path[i]); err != nil {
			t.Errorf("step %d: %v", i, err)
		}
	}

	if err := ValidatePhaseTransition(PhaseLockAcquired, PhaseFilled); err == nil {
		t.Error("fill without an attempt should be rejected")
	}
	if err := ValidatePhaseTransition(PhaseAborted, PhaseAttempt); err == nil {
		t.Error("aborted intent must not attempt")
	}
	if !PhaseAborted.IsTerminal() || PhaseAttempt.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
}
