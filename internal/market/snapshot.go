package market

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is one normalized observation of a symbol. Immutable once
// produced; the observer hands out copies, never pointers into its cache.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`

	// Sentiment is set by the orchestrator when a sentiment feed is
	// configured; nil means no score was available this tick.
	Sentiment *float64 `json:"sentiment,omitempty"`

	// History carries longer-range context for the model prompt.
	History *History `json:"history,omitempty"`
}

// History summarizes recent price action for a symbol.
type History struct {
	Change5DPct  float64   `json:"change_5d_pct"`
	Change30DPct float64   `json:"change_30d_pct"`
	High52W      float64   `json:"high_52w"`
	Low52W       float64   `json:"low_52w"`
	VsHigh52WPct float64   `json:"vs_high_52w_pct"`
	VsLow52WPct  float64   `json:"vs_low_52w_pct"`
	RecentLast   []float64 `json:"recent_last,omitempty"` // most recent tick prices, oldest first
}

// Validate rejects snapshots that cannot be acted on. Fail-closed: a
// snapshot with a crossed book or non-positive last never enters the cache.
func Validate(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if s.Last <= 0 {
		return fmt.Errorf("invalid last price %.4f", s.Last)
	}
	if s.Bid < 0 || s.Ask < 0 {
		return fmt.Errorf("invalid quote prices: bid=%.4f ask=%.4f", s.Bid, s.Ask)
	}
	if s.Bid > 0 && s.Ask > 0 && s.Ask < s.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", s.Ask, s.Bid)
	}
	if s.Volume < 0 {
		return fmt.Errorf("negative volume: %d", s.Volume)
	}
	if s.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("snapshot timestamp too far in future: %v", s.Timestamp)
	}
	return nil
}

// Age returns how old the snapshot is at time now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// SpreadBps is the bid-ask spread in basis points.
func (s Snapshot) SpreadBps() float64 {
	if s.Bid <= 0 {
		return 0
	}
	return ((s.Ask - s.Bid) / s.Bid) * 10000
}
