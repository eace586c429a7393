package storage

import (
	"context"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/models"
)

// Interface defines the contract for trade persistence.
//
// Implementations must be safe for concurrent use - callers can assume all methods
// are goroutine-safe. Writes of an execution outcome happen while the execution
// lock is held, reads may happen from any goroutine.
type Interface interface {
	// Execution outcomes
	RecordTradeOutcome(ctx context.Context, outcome *TradeOutcome) error
	HasTradedToday(ctx context.Context, day string) (bool, error)

	// Trade management
	SaveTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	GetActiveTrades(ctx context.Context) ([]models.Trade, error)
	GetTrades(ctx context.Context, limit int) ([]models.Trade, error)
	GetAttempts(ctx context.Context, tradeID string) ([]AttemptRecord, error)

	// Audit and analytics
	LogDailyAction(ctx context.Context, action DailyAction) error
	GetDailyActions(ctx context.Context, day string) ([]DailyAction, error)
	GetStatistics(ctx context.Context) (*Statistics, error)

	Close() error
}

// TradeOutcome is everything one execution produced: the updated trade (nil
// when no trade exists, e.g. an exhausted entry) and the attempt chain.
type TradeOutcome struct {
	Trade    *models.Trade
	Kind     models.IntentKind
	Result   string // filled | partial | exhausted | aborted
	Reason   string
	Attempts []models.OrderAttempt
}

// AttemptRecord is a persisted OrderAttempt with its execution context.
type AttemptRecord struct {
	models.OrderAttempt
	TradeID string            `json:"trade_id,omitempty"`
	Kind    models.IntentKind `json:"kind"`
}

// DailyAction is one entry-point decision kept for the audit trail.
type DailyAction struct {
	At      time.Time `json:"at"`
	Day     string    `json:"day"`
	Action  string    `json:"action"` // entry | exit | reconcile
	Status  string    `json:"status"`
	Trigger string    `json:"trigger"`
	TradeID string    `json:"trade_id,omitempty"`
	Details string    `json:"details,omitempty"`
}

// Statistics summarises closed trades.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

// NewStorage creates the SQLite-backed storage at path.
func NewStorage(path string) (Interface, error) {
	return NewSQLiteStorage(path)
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
