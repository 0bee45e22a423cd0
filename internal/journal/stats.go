package journal

import (
	"context"
	"fmt"
	"time"
)

// Stats summarizes closed trades over a window.
type Stats struct {
	TotalTrades int
	Wins        int
	Losses      int
	WinRate     float64
	TotalPnL    float64
	AvgPnL      float64
	BestTrade   float64
	WorstTrade  float64
}

// TradeStats aggregates closed trades since the given time. A zero
// since covers everything.
func (s *Store) TradeStats(ctx context.Context, since time.Time) (Stats, error) {
	q := `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN realized_pnl < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(MAX(realized_pnl), 0),
			COALESCE(MIN(realized_pnl), 0)
		FROM trades WHERE status = ?`
	args := []any{TradeClosed}
	if !since.IsZero() {
		q += ` AND closed_at >= ?`
		args = append(args, since.UTC())
	}

	var st Stats
	err := s.db.QueryRowContext(ctx, q, args...).
		Scan(&st.TotalTrades, &st.Wins, &st.Losses, &st.TotalPnL, &st.BestTrade, &st.WorstTrade)
	if err != nil {
		return Stats{}, fmt.Errorf("trade stats: %w", err)
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.TotalTrades)
		st.AvgPnL = st.TotalPnL / float64(st.TotalTrades)
	}
	return st, nil
}
