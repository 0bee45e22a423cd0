package risk

import (
	"fmt"
	"math"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/fuse"
	"github.com/megadoom99/trading/internal/observ"
)

// Outcome is the validator's verdict on a proposed order.
type Outcome string

const (
	Approve  Outcome = "APPROVE"
	Downsize Outcome = "DOWNSIZE"
	Reject   Outcome = "REJECT"
)

// Decision carries the verdict plus the (possibly reduced) quantity.
type Decision struct {
	Outcome  Outcome
	Quantity int
	Reason   string
}

// AccountState is a consistent point-in-time view of the account. The
// validator reads it and nothing else; it never touches the network or
// storage.
type AccountState struct {
	TotalEquity      float64
	AvailableCash    float64
	BuyingPower      float64
	DailyRealizedPnL float64
	Positions        map[string]broker.Position
}

// Limits holds the configured risk constraints.
type Limits struct {
	MaxPositionUSD    float64 // soft: oversized orders are trimmed
	MaxShares         int     // soft: oversized orders are trimmed
	MaxExposureUSD    float64 // hard: aggregate open exposure
	MaxOpenPositions  int     // hard
	DailyLossLimitUSD float64 // hard: halts new entries for the day
	MinConfidence     float64 // hard
	MarginEnabled     bool
}

// Proposal is the order the agent wants to place, paired with the signal
// that produced it.
type Proposal struct {
	Symbol   string
	Action   broker.Action
	Quantity int
	Price    float64
	Signal   *fuse.Signal
}

// Validate runs the risk checks in order. Hard limits reject; the
// per-symbol dollar cap and share cap trim the quantity and return
// DOWNSIZE instead. Closing orders skip the sizing checks since they
// reduce exposure.
func Validate(p Proposal, acct AccountState, lim Limits) Decision {
	if p.Quantity <= 0 {
		return reject(p, "quantity must be positive")
	}
	if p.Price <= 0 {
		return reject(p, "no usable price")
	}

	action, ok := broker.NormalizeAction(string(p.Action))
	if !ok {
		return reject(p, fmt.Sprintf("unknown action %q", p.Action))
	}
	pos, held := acct.Positions[p.Symbol]

	if !action.OpensPosition() {
		if !held || pos.Quantity == 0 {
			return reject(p, "no open position to close")
		}
		if action.IsLongSide() == (pos.Quantity > 0) {
			return reject(p, "close action does not match open side")
		}
		if p.Quantity > absInt(pos.Quantity) {
			return Decision{Outcome: Downsize, Quantity: absInt(pos.Quantity), Reason: "trimmed to open position size"}
		}
		return Decision{Outcome: Approve, Quantity: p.Quantity}
	}

	if p.Signal != nil && lim.MinConfidence > 0 && p.Signal.Confidence < lim.MinConfidence {
		return reject(p, fmt.Sprintf("confidence %.2f below floor %.2f", p.Signal.Confidence, lim.MinConfidence))
	}
	if lim.DailyLossLimitUSD > 0 && acct.DailyRealizedPnL <= -lim.DailyLossLimitUSD {
		return reject(p, "daily loss limit reached")
	}
	if held && pos.Quantity != 0 {
		if action.IsLongSide() != (pos.Quantity > 0) {
			return reject(p, "open position in opposite direction; close it first")
		}
		return reject(p, "position already open; not stacking")
	}
	if lim.MaxOpenPositions > 0 && openCount(acct.Positions) >= lim.MaxOpenPositions {
		return reject(p, fmt.Sprintf("max open positions (%d) reached", lim.MaxOpenPositions))
	}

	qty := p.Quantity
	reason := ""
	if lim.MaxPositionUSD > 0 {
		maxQty := int(math.Floor(lim.MaxPositionUSD / p.Price))
		if maxQty <= 0 {
			return reject(p, "price exceeds per-symbol dollar cap")
		}
		if qty > maxQty {
			qty = maxQty
			reason = fmt.Sprintf("trimmed to $%.0f per-symbol cap", lim.MaxPositionUSD)
		}
	}
	if lim.MaxShares > 0 && qty > lim.MaxShares {
		qty = lim.MaxShares
		reason = fmt.Sprintf("trimmed to %d share cap", lim.MaxShares)
	}

	notional := float64(qty) * p.Price
	if lim.MaxExposureUSD > 0 && grossExposure(acct.Positions)+notional > lim.MaxExposureUSD {
		return reject(p, fmt.Sprintf("aggregate exposure would exceed $%.0f", lim.MaxExposureUSD))
	}
	if lim.MarginEnabled {
		if notional > acct.BuyingPower {
			return reject(p, "insufficient buying power")
		}
	} else if notional > acct.AvailableCash {
		return reject(p, "insufficient cash; margin disabled")
	}

	if qty != p.Quantity {
		observ.IncCounter("risk_downsized_total", map[string]string{"symbol": p.Symbol})
		return Decision{Outcome: Downsize, Quantity: qty, Reason: reason}
	}
	return Decision{Outcome: Approve, Quantity: qty}
}

func reject(p Proposal, reason string) Decision {
	observ.IncCounter("risk_rejected_total", map[string]string{"symbol": p.Symbol})
	return Decision{Outcome: Reject, Quantity: 0, Reason: reason}
}

func openCount(positions map[string]broker.Position) int {
	n := 0
	for _, p := range positions {
		if p.Quantity != 0 {
			n++
		}
	}
	return n
}

func grossExposure(positions map[string]broker.Position) float64 {
	var total float64
	for _, p := range positions {
		total += math.Abs(float64(p.Quantity) * p.CurrentPrice)
	}
	return total
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
