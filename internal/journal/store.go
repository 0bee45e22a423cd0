package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/fuse"
	"github.com/megadoom99/trading/internal/observ"
	"github.com/megadoom99/trading/internal/risk"
)

const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"
)

// Trade is one journal row.
type Trade struct {
	ID          int64
	OrderID     string
	UserID      string
	Symbol      string
	Action      broker.Action
	Quantity    int
	EntryPrice  float64
	ExitPrice   *float64
	StopLoss    float64
	TakeProfit  float64
	Horizon     string
	Confidence  float64
	Reasoning   string
	Status      string
	RealizedPnL *float64
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// Filter narrows Query results. Zero values are ignored.
type Filter struct {
	Symbol string
	Status string
	UserID string
	Since  time.Time
	Limit  int
}

// Store is the SQLite-backed trade journal.
type Store struct {
	db *sql.DB
}

// Open connects, applies pragmas, and runs pending migrations.
// ":memory:" is accepted for tests.
func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=3000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts the trade. A retried insert for the same order id is a
// no-op; the first row wins and Record reports the dedupe.
func (s *Store) Record(ctx context.Context, t Trade) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
			(order_id, user_id, symbol, action, quantity, entry_price,
			 stop_loss, take_profit, horizon, confidence, reasoning,
			 status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING`,
		t.OrderID, nullStr(t.UserID), t.Symbol, string(t.Action), t.Quantity,
		t.EntryPrice, t.StopLoss, t.TakeProfit, t.Horizon, t.Confidence,
		t.Reasoning, TradeOpen, t.OpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.OrderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		observ.IncCounter("journal_dedupe_total", map[string]string{"symbol": t.Symbol})
		observ.Log("journal_duplicate_ignored", map[string]any{"order_id": t.OrderID})
	}
	return nil
}

// CloseOut sets the exit price and realized P&L for the trade owning
// orderID. P&L sign follows the opening side: longs profit when exit
// exceeds entry, shorts the reverse.
func (s *Store) CloseOut(ctx context.Context, orderID string, exitPrice float64, closedAt time.Time) error {
	var (
		entry  float64
		qty    int
		action string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_price, quantity, action FROM trades WHERE order_id = ?`, orderID).
		Scan(&entry, &qty, &action)
	if err == sql.ErrNoRows {
		return fmt.Errorf("close out %s: trade not found", orderID)
	}
	if err != nil {
		return fmt.Errorf("close out %s: %w", orderID, err)
	}

	diff := decimal.NewFromFloat(exitPrice).Sub(decimal.NewFromFloat(entry))
	act, _ := broker.NormalizeAction(action)
	if !act.IsLongSide() {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(decimal.NewFromInt(int64(qty))).Round(2).Float64()

	_, err = s.db.ExecContext(ctx, `
		UPDATE trades
		SET exit_price = ?, realized_pnl = ?, status = ?, closed_at = ?
		WHERE order_id = ?`,
		exitPrice, pnl, TradeClosed, closedAt.UTC(), orderID)
	if err != nil {
		return fmt.Errorf("close out %s: %w", orderID, err)
	}
	observ.Log("trade_closed", map[string]any{"order_id": orderID, "pnl": pnl})
	return nil
}

// Query returns trades matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Trade, error) {
	q := `SELECT id, order_id, COALESCE(user_id, ''), symbol, action, quantity,
			entry_price, exit_price, COALESCE(stop_loss, 0), COALESCE(take_profit, 0),
			COALESCE(horizon, ''), COALESCE(confidence, 0), COALESCE(reasoning, ''),
			status, realized_pnl, opened_at, closed_at
		FROM trades WHERE 1=1`
	var args []any
	if f.Symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		q += ` AND opened_at >= ?`
		args = append(args, f.Since.UTC())
	}
	q += ` ORDER BY opened_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			t      Trade
			action string
		)
		err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Symbol, &action,
			&t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit,
			&t.Horizon, &t.Confidence, &t.Reasoning, &t.Status, &t.RealizedPnL,
			&t.OpenedAt, &t.ClosedAt)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Action = broker.Action(action)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReconcileOwnerless assigns every trade with no owning account to
// userID. Only updates; the row count never changes.
func (s *Store) ReconcileOwnerless(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET user_id = ? WHERE user_id IS NULL OR user_id = ''`, userID)
	if err != nil {
		return 0, fmt.Errorf("reconcile ownerless: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observ.Log("ownerless_trades_assigned", map[string]any{"user_id": userID, "count": n})
	}
	return n, nil
}

// SaveSignal persists a fused signal together with its risk outcome.
// Observation mode records signals without ever touching an order.
func (s *Store) SaveSignal(ctx context.Context, sig fuse.Signal, d risk.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals
			(symbol, direction, confidence, horizon, entry, stop_loss,
			 take_profit, outcome, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.Symbol, string(sig.Direction), sig.Confidence, string(sig.Horizon),
		sig.Entry, sig.StopLoss, sig.TakeProfit, string(d.Outcome), d.Reason,
		sig.At.UTC())
	if err != nil {
		return fmt.Errorf("save signal %s: %w", sig.Symbol, err)
	}
	return nil
}

// DailyRealizedPnL sums realized P&L for trades closed on day.
func (s *Store) DailyRealizedPnL(ctx context.Context, day time.Time) (float64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var pnl sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(realized_pnl) FROM trades
		WHERE status = ? AND closed_at >= ? AND closed_at < ?`,
		TradeClosed, start, start.Add(24*time.Hour)).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("daily pnl: %w", err)
	}
	return pnl.Float64, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
