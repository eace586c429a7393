package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteStorage persists trades, attempt history and the daily action log.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens (creating if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer; outcome writes are already serialized by the execution lock
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

const schema = `CREATE TABLE IF NOT EXISTS trades (
	id                  TEXT PRIMARY KEY,
	trade_date          TEXT    NOT NULL,
	symbol              TEXT    NOT NULL,
	status              TEXT    NOT NULL,
	legs                TEXT    NOT NULL,
	quantity            INTEGER NOT NULL,
	entry_price         REAL    NOT NULL DEFAULT 0,
	profit_target_price REAL    NOT NULL DEFAULT 0,
	exit_price          REAL    NOT NULL DEFAULT 0,
	realized_pnl        REAL    NOT NULL DEFAULT 0,
	entry_order_id      TEXT    NOT NULL DEFAULT '',
	protective_order_id TEXT    NOT NULL DEFAULT '',
	exit_order_id       TEXT    NOT NULL DEFAULT '',
	exit_reason         TEXT    NOT NULL DEFAULT '',
	notes               TEXT    NOT NULL DEFAULT '',
	entry_attempts      INTEGER NOT NULL DEFAULT 0,
	exit_attempts       INTEGER NOT NULL DEFAULT 0,
	entered_at          TEXT    NOT NULL DEFAULT '',
	closed_at           TEXT    NOT NULL DEFAULT '',
	updated_at          TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS executions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id    TEXT    NOT NULL DEFAULT '',
	kind        TEXT    NOT NULL,
	result      TEXT    NOT NULL,
	reason      TEXT    NOT NULL DEFAULT '',
	recorded_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS order_attempts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id    INTEGER NOT NULL REFERENCES executions(id),
	trade_id        TEXT    NOT NULL DEFAULT '',
	kind            TEXT    NOT NULL,
	order_id        TEXT    NOT NULL,
	attempt_number  INTEGER NOT NULL,
	requested_price REAL    NOT NULL,
	status          TEXT    NOT NULL,
	submitted_at    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_trade ON order_attempts(trade_id);

CREATE TABLE IF NOT EXISTS daily_actions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	day            TEXT NOT NULL,
	at             TEXT NOT NULL,
	action         TEXT NOT NULL,
	status         TEXT NOT NULL,
	trigger_source TEXT NOT NULL DEFAULT '',
	trade_id       TEXT NOT NULL DEFAULT '',
	details        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_daily_actions_day ON daily_actions(day);
`

const tradeColumns = `id, trade_date, symbol, status, legs, quantity, entry_price,
	profit_target_price, exit_price, realized_pnl, entry_order_id, protective_order_id,
	exit_order_id, exit_reason, notes, entry_attempts, exit_attempts, entered_at,
	closed_at, updated_at`

const upsertTrade = `INSERT INTO trades (` + tradeColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	trade_date = excluded.trade_date,
	symbol = excluded.symbol,
	status = excluded.status,
	legs = excluded.legs,
	quantity = excluded.quantity,
	entry_price = excluded.entry_price,
	profit_target_price = excluded.profit_target_price,
	exit_price = excluded.exit_price,
	realized_pnl = excluded.realized_pnl,
	entry_order_id = excluded.entry_order_id,
	protective_order_id = excluded.protective_order_id,
	exit_order_id = excluded.exit_order_id,
	exit_reason = excluded.exit_reason,
	notes = excluded.notes,
	entry_attempts = excluded.entry_attempts,
	exit_attempts = excluded.exit_attempts,
	entered_at = excluded.entered_at,
	closed_at = excluded.closed_at,
	updated_at = excluded.updated_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveTrade(ctx context.Context, ex execer, t *models.Trade) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid trade: %w", err)
	}
	legs, err := json.Marshal(t.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err = ex.ExecContext(ctx, upsertTrade,
		t.ID, t.TradeDate, t.Symbol, string(t.Status), string(legs), t.Quantity, t.EntryPrice,
		t.ProfitTargetPrice, t.ExitPrice, t.RealizedPnL, t.EntryOrderID, t.ProtectiveOrderID,
		t.ExitOrderID, t.ExitReason, t.Notes, t.EntryAttempts, t.ExitAttempts,
		formatTime(t.EnteredAt), formatTime(t.ClosedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", t.ID, err)
	}
	return nil
}

// SaveTrade inserts or replaces a trade.
func (s *SQLiteStorage) SaveTrade(ctx context.Context, t *models.Trade) error {
	return saveTrade(ctx, s.db, t)
}

// RecordTradeOutcome writes the trade and its attempt chain in one transaction.
func (s *SQLiteStorage) RecordTradeOutcome(ctx context.Context, o *TradeOutcome) error {
	if o == nil {
		return errors.New("nil outcome")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tradeID := ""
	if o.Trade != nil {
		if err := saveTrade(ctx, tx, o.Trade); err != nil {
			return err
		}
		tradeID = o.Trade.ID
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO executions (trade_id, kind, result, reason, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		tradeID, string(o.Kind), o.Result, o.Reason, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	execID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("execution id: %w", err)
	}

	for _, a := range o.Attempts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_attempts (execution_id, trade_id, kind, order_id, attempt_number, requested_price, status, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			execID, tradeID, string(o.Kind), a.OrderID, a.AttemptNumber, a.RequestedPrice,
			string(a.Status), formatTime(a.SubmittedAt)); err != nil {
			return fmt.Errorf("insert attempt %d: %w", a.AttemptNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

// HasTradedToday reports whether an entry filled on day (YYYY-MM-DD).
func (s *SQLiteStorage) HasTradedToday(ctx context.Context, day string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE trade_date = ?`, day).Scan(&n); err != nil {
		return false, fmt.Errorf("count trades for %s: %w", day, err)
	}
	return n > 0, nil
}

// GetTrade returns the trade with id or ErrTradeNotFound.
func (s *SQLiteStorage) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetActiveTrades returns every trade that still holds a position, oldest first.
func (s *SQLiteStorage) GetActiveTrades(ctx context.Context) ([]models.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE status != ? ORDER BY entered_at ASC`,
		string(models.StatusClosed))
}

// GetTrades returns the most recent trades, newest first. limit <= 0 returns all.
func (s *SQLiteStorage) GetTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY entered_at DESC LIMIT ?`, limit)
}

// GetAttempts returns the persisted attempt history of a trade in order.
func (s *SQLiteStorage) GetAttempts(ctx context.Context, tradeID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, kind, order_id, attempt_number, requested_price, status, submitted_at
		 FROM order_attempts WHERE trade_id = ? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			r                 AttemptRecord
			kind, st, subTime string
		)
		if err := rows.Scan(&r.TradeID, &kind, &r.OrderID, &r.AttemptNumber, &r.RequestedPrice, &st, &subTime); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		r.Kind = models.IntentKind(kind)
		r.Status = models.AttemptStatus(st)
		r.SubmittedAt = parseTime(subTime)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogDailyAction appends to the audit trail.
func (s *SQLiteStorage) LogDailyAction(ctx context.Context, a DailyAction) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_actions (day, at, action, status, trigger_source, trade_id, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Day, formatTime(a.At), a.Action, a.Status, a.Trigger, a.TradeID, a.Details)
	if err != nil {
		return fmt.Errorf("insert daily action: %w", err)
	}
	return nil
}

// GetDailyActions returns the actions logged for day in order.
func (s *SQLiteStorage) GetDailyActions(ctx context.Context, day string) ([]DailyAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, at, action, status, trigger_source, trade_id, details FROM daily_actions WHERE day = ? ORDER BY id ASC`, day)
	if err != nil {
		return nil, fmt.Errorf("query daily actions: %w", err)
	}
	defer rows.Close()

	var out []DailyAction
	for rows.Next() {
		var (
			a  DailyAction
			at string
		)
		if err := rows.Scan(&a.Day, &at, &a.Action, &a.Status, &a.Trigger, &a.TradeID, &a.Details); err != nil {
			return nil, fmt.Errorf("scan daily action: %w", err)
		}
		a.At = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetStatistics summarises every closed trade.
func (s *SQLiteStorage) GetStatistics(ctx context.Context) (*Statistics, error) {
	trades, err := s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE status = ? ORDER BY closed_at ASC`,
		string(models.StatusClosed))
	if err != nil {
		return nil, err
	}
	return computeStatistics(trades), nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) queryTrades(ctx context.Context, query string, args ...any) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(sc scanner) (*models.Trade, error) {
	var (
		t                        models.Trade
		status, legs             string
		entered, closed, updated string
	)
	err := sc.Scan(&t.ID, &t.TradeDate, &t.Symbol, &status, &legs, &t.Quantity, &t.EntryPrice,
		&t.ProfitTargetPrice, &t.ExitPrice, &t.RealizedPnL, &t.EntryOrderID, &t.ProtectiveOrderID,
		&t.ExitOrderID, &t.ExitReason, &t.Notes, &t.EntryAttempts, &t.ExitAttempts,
		&entered, &closed, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	if err := json.Unmarshal([]byte(legs), &t.Legs); err != nil {
		return nil, fmt.Errorf("trade %s: decode legs: %w", t.ID, err)
	}
	t.Status = models.TradeStatus(status)
	t.EnteredAt = parseTime(entered)
	t.ClosedAt = parseTime(closed)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
