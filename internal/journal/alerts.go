package journal

import (
	"context"
	"fmt"
	"time"
)

const (
	AlertAbove = "ABOVE"
	AlertBelow = "BELOW"
)

// Alert is a one-shot price alert. Triggered alerts keep their row with
// triggered_at set.
type Alert struct {
	ID          int64
	UserID      string
	Symbol      string
	Condition   string // ABOVE | BELOW
	Threshold   float64
	TriggeredAt *time.Time
}

// AddAlert stores a new alert.
func (s *Store) AddAlert(ctx context.Context, a Alert) (int64, error) {
	if a.Condition != AlertAbove && a.Condition != AlertBelow {
		return 0, fmt.Errorf("unknown alert condition %q", a.Condition)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (user_id, symbol, condition, threshold) VALUES (?, ?, ?, ?)`,
		nullStr(a.UserID), a.Symbol, a.Condition, a.Threshold)
	if err != nil {
		return 0, fmt.Errorf("add alert: %w", err)
	}
	return res.LastInsertId()
}

// PendingAlerts returns untriggered alerts for the symbol.
func (s *Store) PendingAlerts(ctx context.Context, symbol string) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id, ''), symbol, condition, threshold
		FROM alerts WHERE symbol = ? AND triggered_at IS NULL`, symbol)
	if err != nil {
		return nil, fmt.Errorf("pending alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.UserID, &a.Symbol, &a.Condition, &a.Threshold); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CheckAlerts fires alerts whose condition the price satisfies and
// returns the ones that fired.
func (s *Store) CheckAlerts(ctx context.Context, symbol string, price float64) ([]Alert, error) {
	pending, err := s.PendingAlerts(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var fired []Alert
	now := time.Now().UTC()
	for _, a := range pending {
		hit := (a.Condition == AlertAbove && price >= a.Threshold) ||
			(a.Condition == AlertBelow && price <= a.Threshold)
		if !hit {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE alerts SET triggered_at = ? WHERE id = ?`, now, a.ID); err != nil {
			return fired, fmt.Errorf("trigger alert %d: %w", a.ID, err)
		}
		a.TriggeredAt = &now
		fired = append(fired, a)
	}
	return fired, nil
}
