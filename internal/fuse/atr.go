package fuse

import (
	"math"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/market"
)

// atrPeriod is the bar count for the volatility window.
const atrPeriod = 14

// ATR computes the average true range over the last period bars.
// Returns 0 when there are fewer than period+1 bars.
func ATR(bars []broker.Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	var sum float64
	start := len(bars) - period
	for i := start; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr := bars[i].High - bars[i].Low
		tr = math.Max(tr, math.Abs(bars[i].High-prevClose))
		tr = math.Max(tr, math.Abs(bars[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}

// RecommendProfitTarget converts recent volatility into a take-profit
// percentage: twice the ATR relative to price, clamped to [2, 15]. A
// zero ATR or price falls back to the configured default.
func RecommendProfitTarget(atr, price, fallbackPct float64) float64 {
	if atr <= 0 || price <= 0 {
		return fallbackPct
	}
	pct := atr / price * 100 * 2
	if pct < 2 {
		return 2
	}
	if pct > 15 {
		return 15
	}
	return pct
}

// HistoryFromBars summarizes daily bars into the longer-range context
// the model prompt carries: short-window changes and the 52-week range.
// Bars are oldest first. Returns nil when there are no bars.
func HistoryFromBars(bars []broker.Bar, last float64) *market.History {
	if len(bars) == 0 || last <= 0 {
		return nil
	}
	h := &market.History{High52W: bars[0].High, Low52W: bars[0].Low}
	for _, b := range bars {
		h.High52W = math.Max(h.High52W, b.High)
		h.Low52W = math.Min(h.Low52W, b.Low)
	}
	h.Change5DPct = changePct(bars, last, 5)
	h.Change30DPct = changePct(bars, last, 30)
	if h.High52W > 0 {
		h.VsHigh52WPct = (last - h.High52W) / h.High52W * 100
	}
	if h.Low52W > 0 {
		h.VsLow52WPct = (last - h.Low52W) / h.Low52W * 100
	}
	return h
}

// changePct is the percent move from the close n bars back to last.
func changePct(bars []broker.Bar, last float64, n int) float64 {
	if len(bars) < n {
		return 0
	}
	base := bars[len(bars)-n].Close
	if base <= 0 {
		return 0
	}
	return (last - base) / base * 100
}
