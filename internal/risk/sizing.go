package risk

import "math"

// PositionSize converts a per-trade risk budget into a share count:
// riskPct of equity divided by the per-share distance to the stop,
// capped by the per-symbol dollar limit. Returns 0 when the inputs
// cannot produce a positive size.
func PositionSize(equity, price, stop, riskPct, maxPositionUSD float64) int {
	if equity <= 0 || price <= 0 || riskPct <= 0 {
		return 0
	}
	perShare := math.Abs(price - stop)
	if perShare == 0 {
		return 0
	}
	qty := math.Floor(equity * riskPct / 100 / perShare)
	if maxPositionUSD > 0 {
		capQty := math.Floor(maxPositionUSD / price)
		qty = math.Min(qty, capQty)
	}
	if qty < 0 {
		return 0
	}
	return int(qty)
}
