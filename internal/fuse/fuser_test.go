package fuse

import (
	"math"
	"testing"
	"time"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/market"
	"github.com/megadoom99/trading/internal/predict"
)

func snap(price float64) market.Snapshot {
	return market.Snapshot{
		Symbol:    "AAPL",
		Timestamp: time.Now(),
		Last:      price,
		Bid:       price - 0.01,
		Ask:       price + 0.01,
		Volume:    1_000_000,
	}
}

func pred(h predict.Horizon, d predict.Direction, conf float64) predict.Prediction {
	return predict.Prediction{Symbol: "AAPL", Horizon: h, Direction: d, Confidence: conf, At: time.Now()}
}

func TestFuseWeightedAgreement(t *testing.T) {
	f := New(Config{AgreementThreshold: 0.5, StopLossPct: 2, TakeProfitPct: 4})

	sig := f.Fuse(snap(100), []predict.Prediction{
		pred(predict.HorizonMedium, predict.DirectionUp, 0.8),
		pred(predict.HorizonMedium, predict.DirectionUp, 0.6),
	}, predict.HorizonMedium)

	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.Direction != predict.DirectionUp {
		t.Errorf("direction = %s, want UP", sig.Direction)
	}
	if math.Abs(sig.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %v, want 0.7", sig.Confidence)
	}
	if sig.Horizon != predict.HorizonMedium {
		t.Errorf("horizon = %s, want MEDIUM", sig.Horizon)
	}
	if math.Abs(sig.StopLoss-98) > 1e-9 {
		t.Errorf("stop = %v, want 98", sig.StopLoss)
	}
	if math.Abs(sig.TakeProfit-104) > 1e-9 {
		t.Errorf("target = %v, want 104", sig.TakeProfit)
	}
}

func TestFuseNoEdge(t *testing.T) {
	f := New(Config{})

	cases := []struct {
		name  string
		preds []predict.Prediction
	}{
		{"empty", nil},
		{"all_flat", []predict.Prediction{
			pred(predict.HorizonShort, predict.DirectionFlat, 0.9),
			pred(predict.HorizonShort, predict.DirectionFlat, 0.8),
		}},
		{"dead_even_split", []predict.Prediction{
			pred(predict.HorizonShort, predict.DirectionUp, 0.7),
			pred(predict.HorizonShort, predict.DirectionDown, 0.7),
		}},
		{"below_threshold", []predict.Prediction{
			// UP share 0.5/1.5 = 0.33 does not clear the default 0.5.
			pred(predict.HorizonShort, predict.DirectionUp, 0.5),
			pred(predict.HorizonShort, predict.DirectionFlat, 1.0),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if sig := f.Fuse(snap(100), tc.preds, predict.HorizonMedium); sig != nil {
				t.Errorf("expected nil signal, got %+v", sig)
			}
		})
	}
}

func TestFuseMalformedConfidenceExcluded(t *testing.T) {
	f := New(Config{})

	sig := f.Fuse(snap(100), []predict.Prediction{
		pred(predict.HorizonMedium, predict.DirectionUp, 1.5),
		pred(predict.HorizonMedium, predict.DirectionUp, -0.2),
	}, predict.HorizonMedium)
	if sig != nil {
		t.Errorf("malformed predictions fused into %+v", sig)
	}
}

func TestFusePrefersConfiguredHorizon(t *testing.T) {
	f := New(Config{})

	preds := []predict.Prediction{
		pred(predict.HorizonShort, predict.DirectionUp, 0.95),
		pred(predict.HorizonLong, predict.DirectionUp, 0.65),
	}
	sig := f.Fuse(snap(100), preds, predict.HorizonLong)
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.Horizon != predict.HorizonLong {
		t.Errorf("horizon = %s, want preferred LONG over higher-confidence SHORT", sig.Horizon)
	}
}

func TestFuseShortSideExitLevels(t *testing.T) {
	f := New(Config{StopLossPct: 2, TakeProfitPct: 4})

	sig := f.Fuse(snap(50), []predict.Prediction{
		pred(predict.HorizonMedium, predict.DirectionDown, 0.9),
	}, predict.HorizonMedium)
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.StopLoss <= sig.Entry {
		t.Errorf("short stop %v should sit above entry %v", sig.StopLoss, sig.Entry)
	}
	if sig.TakeProfit >= sig.Entry {
		t.Errorf("short target %v should sit below entry %v", sig.TakeProfit, sig.Entry)
	}
}

func TestATR(t *testing.T) {
	bars := []broker.Bar{
		{High: 102, Low: 98, Close: 100},
		{High: 103, Low: 99, Close: 101},
		{High: 104, Low: 100, Close: 102},
	}
	got := ATR(bars, 2)
	// TR day2 = max(4, |103-100|, |99-100|) = 4; day3 likewise 4.
	if math.Abs(got-4) > 1e-9 {
		t.Errorf("ATR = %v, want 4", got)
	}

	if ATR(bars, 5) != 0 {
		t.Error("insufficient bars should yield 0")
	}
}

func TestStopAndTargetCalc(t *testing.T) {
	if got := CalcStopLoss(100, predict.DirectionUp, 2); got != 98 {
		t.Errorf("long stop = %v, want 98", got)
	}
	if got := CalcStopLoss(100, predict.DirectionDown, 2); got != 102 {
		t.Errorf("short stop = %v, want 102", got)
	}
	if got := CalcTakeProfit(100, predict.DirectionUp, 4); got != 104 {
		t.Errorf("long target = %v, want 104", got)
	}
	if got := CalcTakeProfit(100, predict.DirectionDown, 4); got != 96 {
		t.Errorf("short target = %v, want 96", got)
	}
}

func TestFuseBarsVolatilityTarget(t *testing.T) {
	f := New(Config{AgreementThreshold: 0.5, StopLossPct: 2, TakeProfitPct: 4})
	preds := []predict.Prediction{pred(predict.HorizonMedium, predict.DirectionUp, 0.8)}

	// Constant true range of 3 per bar: ATR 3 on a $100 entry is a 6%
	// target, inside the clamp.
	bars := make([]broker.Bar, 16)
	for i := range bars {
		bars[i] = broker.Bar{Open: 100, High: 101.5, Low: 98.5, Close: 100}
	}
	sig := f.FuseBars(snap(100), preds, predict.HorizonMedium, bars)
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if math.Abs(sig.TakeProfit-106) > 1e-9 {
		t.Errorf("target = %v, want 106 from volatility", sig.TakeProfit)
	}
	if math.Abs(sig.StopLoss-98) > 1e-9 {
		t.Errorf("stop = %v, want 98 unchanged", sig.StopLoss)
	}

	// Too few bars falls back to the configured percent.
	sig = f.FuseBars(snap(100), preds, predict.HorizonMedium, nil)
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if math.Abs(sig.TakeProfit-104) > 1e-9 {
		t.Errorf("target = %v, want configured 104 without bars", sig.TakeProfit)
	}
}

func TestHistoryFromBars(t *testing.T) {
	bars := make([]broker.Bar, 30)
	for i := range bars {
		bars[i] = broker.Bar{Open: 100, High: 105, Low: 95, Close: 100}
	}
	bars[0] = broker.Bar{Open: 88, High: 120, Low: 80, Close: 88}

	h := HistoryFromBars(bars, 110)
	if h == nil {
		t.Fatal("expected history")
	}
	if math.Abs(h.Change5DPct-10) > 1e-9 {
		t.Errorf("5d change = %v, want 10", h.Change5DPct)
	}
	if math.Abs(h.Change30DPct-25) > 1e-9 {
		t.Errorf("30d change = %v, want 25", h.Change30DPct)
	}
	if h.High52W != 120 || h.Low52W != 80 {
		t.Errorf("range = [%v, %v], want [80, 120]", h.Low52W, h.High52W)
	}
	if math.Abs(h.VsLow52WPct-37.5) > 1e-9 {
		t.Errorf("vs low = %v, want 37.5", h.VsLow52WPct)
	}
	if h.VsHigh52WPct >= 0 {
		t.Errorf("vs high = %v, want negative below the high", h.VsHigh52WPct)
	}

	if HistoryFromBars(nil, 100) != nil {
		t.Error("no bars must yield nil history")
	}
}

func TestRecommendProfitTarget(t *testing.T) {
	cases := []struct {
		name     string
		atr      float64
		price    float64
		fallback float64
		want     float64
	}{
		{"mid_range", 3, 100, 4, 6},
		{"clamped_low", 0.5, 100, 4, 2},
		{"clamped_high", 10, 100, 4, 15},
		{"no_atr_falls_back", 0, 100, 4, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RecommendProfitTarget(tc.atr, tc.price, tc.fallback); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
