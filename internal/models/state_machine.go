package models

import (
	"fmt"
	"time"
)

// Transition conditions used by the executor and the dashboard.
const (
	ConditionExitFilled         = "exit_filled"
	ConditionProfitTargetFilled = "profit_target_filled"
	ConditionExitExhausted      = "exit_exhausted"
	ConditionGuardAbort         = "guard_abort"
	ConditionManualIntervention = "manual_intervention"
	ConditionStopManaging       = "stop_managing"
	ConditionResumeManaging     = "resume_managing"
	ConditionForceClose         = "force_close"
)

// StatusTransition defines a valid trade status transition
type StatusTransition struct {
	From        TradeStatus
	To          TradeStatus
	Condition   string
	Description string
}

// ValidTransitions lists every allowed trade status change.
var ValidTransitions = []StatusTransition{
	{StatusActive, StatusClosed, ConditionExitFilled, "Closing order filled"},
	{StatusActive, StatusClosed, ConditionProfitTargetFilled, "Resting profit target filled"},
	{StatusActive, StatusExitPending, ConditionExitExhausted, "Exit attempts exhausted without fill"},
	{StatusActive, StatusNeedsAttention, ConditionGuardAbort, "Protective order could not be confirmed cancelled"},
	{StatusActive, StatusManualControl, ConditionStopManaging, "User took manual control"},

	{StatusExitPending, StatusClosed, ConditionExitFilled, "Retried exit filled"},
	{StatusExitPending, StatusClosed, ConditionProfitTargetFilled, "Resting profit target filled"},
	{StatusExitPending, StatusExitPending, ConditionExitExhausted, "Retried exit exhausted again"},
	{StatusExitPending, StatusNeedsAttention, ConditionGuardAbort, "Protective order could not be confirmed cancelled"},
	{StatusExitPending, StatusManualControl, ConditionStopManaging, "User took manual control"},

	// Error recovery
	{StatusNeedsAttention, StatusActive, ConditionManualIntervention, "Manual intervention completed"},
	{StatusNeedsAttention, StatusClosed, ConditionForceClose, "Position closed outside the bot"},
	{StatusNeedsAttention, StatusClosed, ConditionProfitTargetFilled, "Stuck protective order filled"},
	{StatusManualControl, StatusActive, ConditionResumeManaging, "Bot resumes managing exits"},
	{StatusManualControl, StatusClosed, ConditionForceClose, "Position closed outside the bot"},
}

// CanTransition reports whether from -> to is allowed under condition.
func CanTransition(from, to TradeStatus, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves the trade to a new status
func (t *Trade) Transition(to TradeStatus, condition string) error {
	if !CanTransition(t.Status, to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'", t.Status, to, condition)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ExecutionPhase tracks one trade intent through the execution gate.
type ExecutionPhase string

const (
	PhaseIdle         ExecutionPhase = "idle"
	PhaseLockAcquired ExecutionPhase = "lock_acquired"
	PhaseAttempt      ExecutionPhase = "attempt"
	PhaseFilled       ExecutionPhase = "filled"
	PhaseExhausted    ExecutionPhase = "exhausted"
	PhaseAborted      ExecutionPhase = "aborted"
	PhaseLockReleased ExecutionPhase = "lock_released"
)

// IsTerminal reports whether the phase ends an intent.
func (p ExecutionPhase) IsTerminal() bool {
	return p == PhaseFilled || p == PhaseExhausted || p == PhaseAborted
}

// ValidPhaseTransitions maps each phase to the phases that may follow it.
var ValidPhaseTransitions = map[ExecutionPhase][]ExecutionPhase{
	PhaseIdle:         {PhaseLockAcquired},
	PhaseLockAcquired: {PhaseAttempt, PhaseAborted, PhaseLockReleased},
	PhaseAttempt:      {PhaseAttempt, PhaseFilled, PhaseExhausted},
	PhaseFilled:       {PhaseLockReleased},
	PhaseExhausted:    {PhaseLockReleased},
	PhaseAborted:      {PhaseLockReleased},
	PhaseLockReleased: {PhaseIdle, PhaseLockAcquired},
}

// ValidatePhaseTransition returns an error when from -> to is not allowed.
func ValidatePhaseTransition(from, to ExecutionPhase) error {
	for _, next := range ValidPhaseTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid execution phase transition %s -> %s", from, to)
}
