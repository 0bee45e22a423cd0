package fuse

import (
	"time"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/market"
	"github.com/megadoom99/trading/internal/observ"
	"github.com/megadoom99/trading/internal/predict"
)

// Signal is one actionable trade recommendation. It is derived on each
// tick and never persisted before it clears the risk validator.
type Signal struct {
	Symbol     string
	Direction  predict.Direction
	Confidence float64
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Horizon    predict.Horizon
	Reasoning  string
	At         time.Time
}

// Config tunes the fusion vote and the derived exit levels.
type Config struct {
	// AgreementThreshold is the fraction of a horizon's total vote
	// weight the winning direction must exceed. Default 0.5.
	AgreementThreshold float64
	StopLossPct        float64
	TakeProfitPct      float64
}

// Fuser combines per-horizon predictions into at most one Signal.
type Fuser struct {
	cfg Config
}

// New builds a Fuser, applying defaults for zero-valued config.
func New(cfg Config) *Fuser {
	if cfg.AgreementThreshold <= 0 {
		cfg.AgreementThreshold = 0.5
	}
	if cfg.StopLossPct <= 0 {
		cfg.StopLossPct = 2.0
	}
	if cfg.TakeProfitPct <= 0 {
		cfg.TakeProfitPct = 4.0
	}
	return &Fuser{cfg: cfg}
}

type vote struct {
	weight      map[predict.Direction]float64
	total       float64
	confidences map[predict.Direction][]float64
	reasoning   string
}

// Fuse groups predictions by horizon, runs a confidence-weighted vote in
// each, and returns a Signal for the best horizon that clears the
// agreement threshold. preferred breaks ties between qualifying
// horizons. A nil Signal means no edge this tick; it is not an error.
func (f *Fuser) Fuse(snap market.Snapshot, preds []predict.Prediction, preferred predict.Horizon) *Signal {
	return f.fuse(snap, preds, preferred, f.cfg.TakeProfitPct)
}

// FuseBars is Fuse with the take-profit percent derived from recent
// volatility instead of the configured default. Insufficient bars fall
// back to the default.
func (f *Fuser) FuseBars(snap market.Snapshot, preds []predict.Prediction, preferred predict.Horizon, bars []broker.Bar) *Signal {
	target := RecommendProfitTarget(ATR(bars, atrPeriod), snap.Last, f.cfg.TakeProfitPct)
	return f.fuse(snap, preds, preferred, target)
}

func (f *Fuser) fuse(snap market.Snapshot, preds []predict.Prediction, preferred predict.Horizon, targetPct float64) *Signal {
	if len(preds) == 0 {
		return nil
	}

	votes := make(map[predict.Horizon]*vote)
	for _, p := range preds {
		if predict.ValidateConfidence(p.Confidence) != nil {
			// Malformed entries are rejected upstream; drop any that
			// slip through rather than clamping them into the vote.
			observ.IncCounter("fuse_malformed_dropped_total", map[string]string{"symbol": snap.Symbol})
			continue
		}
		v := votes[p.Horizon]
		if v == nil {
			v = &vote{
				weight:      make(map[predict.Direction]float64),
				confidences: make(map[predict.Direction][]float64),
			}
			votes[p.Horizon] = v
		}
		v.total += p.Confidence
		if p.Direction != predict.DirectionFlat {
			v.weight[p.Direction] += p.Confidence
			v.confidences[p.Direction] = append(v.confidences[p.Direction], p.Confidence)
		}
		if v.reasoning == "" && p.Reasoning != "" {
			v.reasoning = p.Reasoning
		}
	}

	type candidate struct {
		horizon   predict.Horizon
		direction predict.Direction
		margin    float64
		conf      float64
		reasoning string
	}
	var best *candidate
	for _, h := range predict.AllHorizons() {
		v := votes[h]
		if v == nil || v.total == 0 {
			continue
		}
		dir, w := winner(v.weight)
		if dir == predict.DirectionFlat {
			continue
		}
		share := w / v.total
		if share <= f.cfg.AgreementThreshold {
			continue
		}
		c := &candidate{
			horizon:   h,
			direction: dir,
			margin:    share - f.cfg.AgreementThreshold,
			conf:      mean(v.confidences[dir]),
			reasoning: v.reasoning,
		}
		switch {
		case best == nil:
			best = c
		case c.horizon == preferred && best.horizon != preferred:
			best = c
		case best.horizon != preferred && c.margin > best.margin:
			best = c
		}
	}
	if best == nil {
		return nil
	}

	sig := &Signal{
		Symbol:     snap.Symbol,
		Direction:  best.direction,
		Confidence: best.conf,
		Entry:      snap.Last,
		Horizon:    best.horizon,
		Reasoning:  best.reasoning,
		At:         time.Now().UTC(),
	}
	sig.StopLoss = CalcStopLoss(snap.Last, best.direction, f.cfg.StopLossPct)
	sig.TakeProfit = CalcTakeProfit(snap.Last, best.direction, targetPct)
	return sig
}

// winner picks the direction with the most weight. Ties yield Flat so a
// dead-even split never produces a signal.
func winner(weights map[predict.Direction]float64) (predict.Direction, float64) {
	up, down := weights[predict.DirectionUp], weights[predict.DirectionDown]
	switch {
	case up > down:
		return predict.DirectionUp, up
	case down > up:
		return predict.DirectionDown, down
	default:
		return predict.DirectionFlat, 0
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// CalcStopLoss places the stop pct percent away from entry, on the
// losing side for the given direction.
func CalcStopLoss(entry float64, dir predict.Direction, pct float64) float64 {
	if dir == predict.DirectionDown {
		return entry * (1 + pct/100)
	}
	return entry * (1 - pct/100)
}

// CalcTakeProfit places the target pct percent away from entry, on the
// winning side for the given direction.
func CalcTakeProfit(entry float64, dir predict.Direction, pct float64) float64 {
	if dir == predict.DirectionDown {
		return entry * (1 - pct/100)
	}
	return entry * (1 + pct/100)
}
