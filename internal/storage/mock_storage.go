package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eddiefleurent/spx_calendar/internal/models"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	mu           sync.Mutex
	trades       map[string]models.Trade
	outcomes     []TradeOutcome
	actions      []DailyAction
	attempts     []AttemptRecord
	saveError    error
	outcomeError error
	queryError   error
	closed       bool
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{trades: make(map[string]models.Trade)}
}

// SetSaveError makes SaveTrade and RecordTradeOutcome fail with err.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
	m.outcomeError = err
}

// SetQueryError makes read methods fail with err.
func (m *MockStorage) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryError = err
}

// Outcomes returns every recorded outcome in order.
func (m *MockStorage) Outcomes() []TradeOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TradeOutcome(nil), m.outcomes...)
}

// Actions returns every logged daily action in order.
func (m *MockStorage) Actions() []DailyAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DailyAction(nil), m.actions...)
}

func (m *MockStorage) RecordTradeOutcome(ctx context.Context, o *TradeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomeError != nil {
		return m.outcomeError
	}
	if o == nil {
		return fmt.Errorf("nil outcome")
	}
	cp := *o
	tradeID := ""
	if o.Trade != nil {
		if err := o.Trade.Validate(); err != nil {
			return fmt.Errorf("invalid trade: %w", err)
		}
		t := cloneTrade(o.Trade)
		m.trades[t.ID] = t
		cp.Trade = &t
		tradeID = t.ID
	}
	cp.Attempts = append([]models.OrderAttempt(nil), o.Attempts...)
	m.outcomes = append(m.outcomes, cp)
	for _, a := range o.Attempts {
		m.attempts = append(m.attempts, AttemptRecord{OrderAttempt: a, TradeID: tradeID, Kind: o.Kind})
	}
	return nil
}

func (m *MockStorage) HasTradedToday(ctx context.Context, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryError != nil {
		return false, m.queryError
	}
	for _, t := range m.trades {
		if t.TradeDate == day {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStorage) SaveTrade(ctx context.Context, t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid trade: %w", err)
	}
	m.trades[t.ID] = cloneTrade(t)
	return nil
}

func (m *MockStorage) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryError != nil {
		return nil, m.queryError
	}
	t, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	t = cloneTrade(&t)
	return &t, nil
}

func (m *MockStorage) GetActiveTrades(ctx context.Context) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryError != nil {
		return nil, m.queryError
	}
	var out []models.Trade
	for _, t := range m.sortedLocked() {
		if t.Status != models.StatusClosed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStorage) GetTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryError != nil {
		return nil, m.queryError
	}
	all := m.sortedLocked()
	out := make([]models.Trade, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockStorage) GetAttempts(ctx context.Context, tradeID string) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AttemptRecord
	for _, a := range m.attempts {
		if a.TradeID == tradeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockStorage) LogDailyAction(ctx context.Context, a DailyAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, a)
	return nil
}

func (m *MockStorage) GetDailyActions(ctx context.Context, day string) ([]DailyAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DailyAction
	for _, a := range m.actions {
		if a.Day == day {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockStorage) GetStatistics(ctx context.Context) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trades := m.sortedLocked()
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ClosedAt.Before(trades[j].ClosedAt) })
	return computeStatistics(trades), nil
}

func (m *MockStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// sortedLocked returns trades ordered by entry time, oldest first.
func (m *MockStorage) sortedLocked() []models.Trade {
	out := make([]models.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, cloneTrade(&t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnteredAt.Before(out[j].EnteredAt)
	})
	return out
}

func cloneTrade(t *models.Trade) models.Trade {
	c := *t
	c.Legs = append([]models.Leg(nil), t.Legs...)
	return c
}
