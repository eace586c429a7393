package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/models"
)

// TestInterface tests the storage interface with both implementations
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("SQLiteStorage", func(t *testing.T) {
		s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "trades.db"))
		if err != nil {
			t.Fatalf("Failed to create SQLite storage: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		testInterface(t, s)
	})
}

func testTrade(id, day string, entered time.Time) *models.Trade {
	return &models.Trade{
		ID:        id,
		TradeDate: day,
		Symbol:    "SPX",
		Status:    models.StatusActive,
		Quantity:  4,
		Legs: []models.Leg{
			{Symbol: "SPXW250321P05600000", Side: models.SideSellToOpen, Ratio: 1, OptionType: "put", Strike: 5600, Expiration: "2025-03-21"},
			{Symbol: "SPXW250328P05600000", Side: models.SideBuyToOpen, Ratio: 1, OptionType: "put", Strike: 5600, Expiration: "2025-03-28"},
			{Symbol: "SPXW250321C06000000", Side: models.SideSellToOpen, Ratio: 1, OptionType: "call", Strike: 6000, Expiration: "2025-03-21"},
			{Symbol: "SPXW250328C06000000", Side: models.SideBuyToOpen, Ratio: 1, OptionType: "call", Strike: 6000, Expiration: "2025-03-28"},
		},
		EntryPrice:        20.00,
		ProfitTargetPrice: 30.00,
		EnteredAt:         entered,
		EntryOrderID:      "1001",
		ProtectiveOrderID: "1002",
	}
}

// testInterface runs common tests on any storage implementation
func testInterface(t *testing.T, s Interface) {
	ctx := context.Background()
	base := time.Date(2025, 2, 28, 14, 45, 0, 0, time.UTC)

	traded, err := s.HasTradedToday(ctx, "2025-02-28")
	if err != nil || traded {
		t.Fatalf("HasTradedToday on empty store = %v, %v", traded, err)
	}

	// Entry outcome persists the trade and its attempts together
	trade := testTrade("t1", "2025-02-28", base)
	err = s.RecordTradeOutcome(ctx, &TradeOutcome{
		Trade:  trade,
		Kind:   models.IntentEntry,
		Result: "filled",
		Attempts: []models.OrderAttempt{
			{OrderID: "1001", AttemptNumber: 1, RequestedPrice: 19.95, Status: models.AttemptTimedOut, SubmittedAt: base},
			{OrderID: "1001", AttemptNumber: 2, RequestedPrice: 20.00, Status: models.AttemptFilled, SubmittedAt: base.Add(time.Minute)},
		},
	})
	if err != nil {
		t.Fatalf("RecordTradeOutcome failed: %v", err)
	}

	traded, err = s.HasTradedToday(ctx, "2025-02-28")
	if err != nil || !traded {
		t.Errorf("HasTradedToday after entry = %v, %v", traded, err)
	}
	if traded, _ := s.HasTradedToday(ctx, "2025-03-03"); traded {
		t.Error("HasTradedToday must be scoped to the day")
	}

	got, err := s.GetTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrade failed: %v", err)
	}
	if got.ProtectiveOrderID != "1002" || len(got.Legs) != 4 || got.Legs[1].Side != models.SideBuyToOpen {
		t.Errorf("round-tripped trade mismatch: %+v", got)
	}
	if !got.EnteredAt.Equal(base) {
		t.Errorf("EnteredAt = %v, want %v", got.EnteredAt, base)
	}

	attempts, err := s.GetAttempts(ctx, "t1")
	if err != nil || len(attempts) != 2 {
		t.Fatalf("GetAttempts = %d, %v", len(attempts), err)
	}
	if attempts[1].Status != models.AttemptFilled || attempts[1].OrderID != "1001" {
		t.Errorf("unexpected attempt: %+v", attempts[1])
	}

	if _, err := s.GetTrade(ctx, "missing"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("expected ErrTradeNotFound, got %v", err)
	}

	// Second trade, then close the first
	if err := s.SaveTrade(ctx, testTrade("t2", "2025-03-03", base.Add(72*time.Hour))); err != nil {
		t.Fatalf("SaveTrade failed: %v", err)
	}
	active, err := s.GetActiveTrades(ctx)
	if err != nil || len(active) != 2 || active[0].ID != "t1" {
		t.Fatalf("GetActiveTrades = %+v, %v", active, err)
	}

	if err := got.Close(26.00, models.ExitReasonTime, models.ConditionExitFilled, base.Add(14*24*time.Hour)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.RecordTradeOutcome(ctx, &TradeOutcome{Trade: got, Kind: models.IntentExit, Result: "filled"}); err != nil {
		t.Fatalf("RecordTradeOutcome(exit) failed: %v", err)
	}
	active, _ = s.GetActiveTrades(ctx)
	if len(active) != 1 || active[0].ID != "t2" {
		t.Errorf("expected only t2 active, got %+v", active)
	}

	all, err := s.GetTrades(ctx, 1)
	if err != nil || len(all) != 1 || all[0].ID != "t2" {
		t.Errorf("GetTrades(1) = %+v, %v", all, err)
	}

	stats, err := s.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.TotalTrades != 1 || stats.TotalPnL != 2400 {
		t.Errorf("unexpected statistics: %+v", stats)
	}

	// Daily actions
	for _, a := range []DailyAction{
		{Day: "2025-02-28", Action: "entry", Status: "executed", Trigger: "scheduler", TradeID: "t1"},
		{Day: "2025-02-28", Action: "entry", Status: "skipped", Trigger: "manual", Details: "already traded"},
		{Day: "2025-03-03", Action: "entry", Status: "rejected", Trigger: "manual"},
	} {
		if err := s.LogDailyAction(ctx, a); err != nil {
			t.Fatalf("LogDailyAction failed: %v", err)
		}
	}
	actions, err := s.GetDailyActions(ctx, "2025-02-28")
	if err != nil || len(actions) != 2 {
		t.Fatalf("GetDailyActions = %+v, %v", actions, err)
	}
	if actions[1].Status != "skipped" || actions[1].Details != "already traded" {
		t.Errorf("unexpected action order: %+v", actions)
	}
}

func TestRecordTradeOutcome_WithoutTrade(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	err = s.RecordTradeOutcome(ctx, &TradeOutcome{
		Kind:     models.IntentEntry,
		Result:   "exhausted",
		Reason:   "no fill after 5 attempts",
		Attempts: []models.OrderAttempt{{OrderID: "9", AttemptNumber: 1, RequestedPrice: 20, Status: models.AttemptTimedOut}},
	})
	if err != nil {
		t.Fatalf("RecordTradeOutcome failed: %v", err)
	}
	// An exhausted entry never counts as traded
	if traded, _ := s.HasTradedToday(ctx, time.Now().Format("2006-01-02")); traded {
		t.Error("exhausted entry must not count as traded")
	}
}

func TestRecordTradeOutcome_InvalidTradeRollsBack(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	bad := testTrade("t1", "2025-02-28", time.Now())
	bad.Legs = bad.Legs[:2]
	if err := s.RecordTradeOutcome(ctx, &TradeOutcome{Trade: bad, Kind: models.IntentEntry, Result: "filled"}); err == nil {
		t.Fatal("expected validation error")
	}
	if attempts, _ := s.GetAttempts(ctx, "t1"); len(attempts) != 0 {
		t.Errorf("expected no attempts persisted, got %d", len(attempts))
	}
}

func TestSQLiteStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trades.db")
	ctx := context.Background()

	s, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	if err := s.SaveTrade(ctx, testTrade("t1", "2025-02-28", time.Now().UTC())); err != nil {
		t.Fatalf("SaveTrade failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if traded, err := s.HasTradedToday(ctx, "2025-02-28"); err != nil || !traded {
		t.Errorf("trade lost across reopen: %v, %v", traded, err)
	}
}

func TestComputeStatistics(t *testing.T) {
	closed := func(pnl float64) models.Trade {
		return models.Trade{Status: models.StatusClosed, RealizedPnL: pnl}
	}
	stats := computeStatistics([]models.Trade{
		closed(1000), closed(-400), closed(-600), closed(500),
		{Status: models.StatusActive, RealizedPnL: 99999},
	})
	if stats.TotalTrades != 4 || stats.WinningTrades != 2 || stats.LosingTrades != 2 {
		t.Errorf("counts wrong: %+v", stats)
	}
	if stats.TotalPnL != 500 || stats.WinRate != 0.5 {
		t.Errorf("totals wrong: %+v", stats)
	}
	if stats.AverageWin != 750 || stats.AverageLoss != -500 {
		t.Errorf("averages wrong: %+v", stats)
	}
	if stats.MaxDrawdown != -1000 {
		t.Errorf("MaxDrawdown = %v, want -1000", stats.MaxDrawdown)
	}
	if stats.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", stats.CurrentStreak)
	}
}
