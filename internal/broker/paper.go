package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/megadoom99/trading/internal/market"
	"github.com/megadoom99/trading/internal/observ"
)

// PaperConfig tunes the simulated execution venue.
type PaperConfig struct {
	StartingCash   float64 `yaml:"starting_cash"`
	LatencyMsMin   int     `yaml:"latency_ms_min"`
	LatencyMsMax   int     `yaml:"latency_ms_max"`
	SlippageBpsMin int     `yaml:"slippage_bps_min"`
	SlippageBpsMax int     `yaml:"slippage_bps_max"`
	// PartialFillPct is the probability [0,1] that a fill arrives in two
	// parts rather than one.
	PartialFillPct float64 `yaml:"partial_fill_pct"`
}

// PaperGateway is an in-process Gateway: random-walk quotes for subscribed
// symbols and immediate simulated fills with latency and slippage. It keeps
// positions and cash so AccountSummary reflects executed orders.
type PaperGateway struct {
	cfg PaperConfig
	rng *rand.Rand

	mu        sync.Mutex
	connected bool
	mode      Mode
	prices    map[string]float64 // subscribed symbol -> last simulated price
	orders    map[string]*paperOrder
	positions map[string]*paperPosition
	cash      decimal.Decimal
}

type paperOrder struct {
	update OrderUpdate
	fillAt time.Time // remaining quantity fills once this passes
	fillPx float64
}

type paperPosition struct {
	qty     int
	avgCost decimal.Decimal
}

// NewPaperGateway builds a simulator. Seed symbols with SeedPrice before
// subscribing, or Subscribe will start them at a default price.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.StartingCash == 0 {
		cfg.StartingCash = 100_000
	}
	if cfg.LatencyMsMax < cfg.LatencyMsMin {
		cfg.LatencyMsMax = cfg.LatencyMsMin
	}
	return &PaperGateway{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:    make(map[string]float64),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*paperPosition),
		cash:      decimal.NewFromFloat(cfg.StartingCash),
	}
}

// SeedPrice pins the simulated starting price for a symbol.
func (g *PaperGateway) SeedPrice(symbol string, price float64) {
	g.mu.Lock()
	g.prices[symbol] = price
	g.mu.Unlock()
}

func (g *PaperGateway) Connect(_ context.Context, mode Mode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if mode == ModeLive {
		return fmt.Errorf("paper gateway does not serve live mode")
	}
	g.connected = true
	g.mode = mode
	observ.Log("paper_gateway_connected", map[string]any{"mode": string(mode)})
	return nil
}

func (g *PaperGateway) Disconnect() error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return nil
}

func (g *PaperGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *PaperGateway) Subscribe(symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.prices[symbol]; !ok {
		g.prices[symbol] = 100
	}
	return nil
}

// Quote returns a fresh snapshot, advancing the random walk one step.
func (g *PaperGateway) Quote(_ context.Context, symbol string) (market.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return market.Snapshot{}, market.ErrFeedDisconnected
	}
	px, ok := g.prices[symbol]
	if !ok {
		return market.Snapshot{}, fmt.Errorf("%s: %w", symbol, market.ErrNoSubscription)
	}

	// +-15 bps drift per observation.
	px = px * (1 + (g.rng.Float64()-0.5)*0.0030)
	if px < 0.01 {
		px = 0.01
	}
	g.prices[symbol] = px

	spread := px * 0.0005
	return market.Snapshot{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Last:      px,
		Bid:       px - spread,
		Ask:       px + spread,
		Volume:    int64(1_000_000 + g.rng.Intn(9_000_000)),
	}, nil
}

// HistoricalBars synthesizes daily bars ending at the current simulated
// price, enough for ATR and change-percent computations.
func (g *PaperGateway) HistoricalBars(_ context.Context, symbol string, days int) ([]Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, market.ErrFeedDisconnected
	}
	px, ok := g.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, market.ErrNoSubscription)
	}
	if days <= 0 {
		days = 30
	}

	bars := make([]Bar, days)
	closePx := px
	for i := days - 1; i >= 0; i-- {
		openPx := closePx * (1 + (g.rng.Float64()-0.5)*0.02)
		high := maxf(openPx, closePx) * (1 + g.rng.Float64()*0.01)
		low := minf(openPx, closePx) * (1 - g.rng.Float64()*0.01)
		bars[i] = Bar{
			Time:   time.Now().AddDate(0, 0, -(days - 1 - i)),
			Open:   openPx,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: int64(500_000 + g.rng.Intn(5_000_000)),
		}
		closePx = openPx
	}
	return bars, nil
}

func (g *PaperGateway) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return "", market.ErrFeedDisconnected
	}
	px, ok := g.prices[req.Symbol]
	if !ok {
		return "", fmt.Errorf("%s: %w", req.Symbol, market.ErrNoSubscription)
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("invalid quantity %d", req.Quantity)
	}

	latency := g.cfg.LatencyMsMin
	if g.cfg.LatencyMsMax > g.cfg.LatencyMsMin {
		latency += g.rng.Intn(g.cfg.LatencyMsMax - g.cfg.LatencyMsMin + 1)
	}
	slippageBps := g.cfg.SlippageBpsMin
	if g.cfg.SlippageBpsMax > g.cfg.SlippageBpsMin {
		slippageBps += g.rng.Intn(g.cfg.SlippageBpsMax - g.cfg.SlippageBpsMin + 1)
	}

	// Buyers pay up, sellers give up.
	fillPx := px
	mult := 1 + float64(slippageBps)/10000
	if req.Action.IsLongSide() {
		fillPx *= mult
	} else {
		fillPx /= mult
	}
	if req.Type == OrderLimit && req.LimitPrice > 0 {
		if req.Action.IsLongSide() && fillPx > req.LimitPrice {
			fillPx = req.LimitPrice
		}
		if !req.Action.IsLongSide() && fillPx < req.LimitPrice {
			fillPx = req.LimitPrice
		}
	}

	brokerID := uuid.NewString()
	po := &paperOrder{
		update: OrderUpdate{
			BrokerID:  brokerID,
			ClientID:  req.ClientID,
			Symbol:    req.Symbol,
			Action:    req.Action,
			Quantity:  req.Quantity,
			Status:    StatusSubmitted,
			UpdatedAt: time.Now(),
		},
		fillAt: time.Now().Add(time.Duration(latency) * time.Millisecond),
		fillPx: fillPx,
	}
	if req.Quantity > 1 && g.rng.Float64() < g.cfg.PartialFillPct {
		// First half fills immediately, remainder at fillAt.
		half := req.Quantity / 2
		po.update.Status = StatusPartiallyFilled
		po.update.FilledQty = half
		po.update.AvgFillPrice = fillPx
		g.applyFill(req.Symbol, req.Action, half, fillPx)
	}
	g.orders[brokerID] = po

	observ.Log("paper_order_placed", map[string]any{
		"broker_id":    brokerID,
		"symbol":       req.Symbol,
		"action":       string(req.Action),
		"quantity":     req.Quantity,
		"latency_ms":   latency,
		"slippage_bps": slippageBps,
	})
	return brokerID, nil
}

func (g *PaperGateway) CancelOrder(_ context.Context, brokerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	po, ok := g.orders[brokerID]
	if !ok {
		return fmt.Errorf("order %s not found", brokerID)
	}
	if po.update.Status == StatusFilled {
		return fmt.Errorf("order %s already filled", brokerID)
	}
	po.update.Status = StatusCancelled
	po.update.UpdatedAt = time.Now()
	return nil
}

func (g *PaperGateway) OrderStatus(_ context.Context, brokerID string) (OrderUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	po, ok := g.orders[brokerID]
	if !ok {
		return OrderUpdate{}, fmt.Errorf("order %s not found", brokerID)
	}
	g.settle(po)
	return po.update, nil
}

func (g *PaperGateway) OpenOrders(_ context.Context) ([]OrderUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []OrderUpdate
	for _, po := range g.orders {
		g.settle(po)
		if po.update.Status == StatusSubmitted || po.update.Status == StatusPartiallyFilled {
			out = append(out, po.update)
		}
	}
	return out, nil
}

// InjectOrder plants a broker-side order the local manager never saw.
// Test hook for reconciliation scenarios.
func (g *PaperGateway) InjectOrder(update OrderUpdate) {
	g.mu.Lock()
	g.orders[update.BrokerID] = &paperOrder{update: update, fillAt: time.Now()}
	g.mu.Unlock()
}

// settle applies the remaining fill once its latency has elapsed. Caller
// holds g.mu.
func (g *PaperGateway) settle(po *paperOrder) {
	u := &po.update
	if u.Status != StatusSubmitted && u.Status != StatusPartiallyFilled {
		return
	}
	if time.Now().Before(po.fillAt) {
		return
	}
	remaining := u.Quantity - u.FilledQty
	if remaining > 0 {
		g.applyFill(u.Symbol, u.Action, remaining, po.fillPx)
	}
	u.FilledQty = u.Quantity
	u.AvgFillPrice = po.fillPx
	u.Status = StatusFilled
	u.UpdatedAt = time.Now()
}

// applyFill updates cash and positions. Caller holds g.mu.
func (g *PaperGateway) applyFill(symbol string, action Action, qty int, px float64) {
	notional := decimal.NewFromFloat(px).Mul(decimal.NewFromInt(int64(qty)))
	pos := g.positions[symbol]
	if pos == nil {
		pos = &paperPosition{}
		g.positions[symbol] = pos
	}

	signed := qty
	if !action.IsLongSide() {
		signed = -qty
	}

	if pos.qty == 0 || (pos.qty > 0) == (signed > 0) {
		// Opening or adding: weighted average cost.
		total := pos.avgCost.Mul(decimal.NewFromInt(int64(abs(pos.qty)))).Add(notional)
		pos.qty += signed
		if pos.qty != 0 {
			pos.avgCost = total.Div(decimal.NewFromInt(int64(abs(pos.qty))))
		}
	} else {
		// Reducing or flipping.
		pos.qty += signed
		if pos.qty == 0 {
			pos.avgCost = decimal.Zero
		} else if (pos.qty > 0) == (signed > 0) {
			// Flipped through zero; the residual opened at the fill price.
			pos.avgCost = decimal.NewFromFloat(px)
		}
	}

	if action.IsLongSide() {
		g.cash = g.cash.Sub(notional)
	} else {
		g.cash = g.cash.Add(notional)
	}
}

func (g *PaperGateway) Positions(_ context.Context) ([]Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Position
	for symbol, pos := range g.positions {
		if pos.qty == 0 {
			continue
		}
		px := g.prices[symbol]
		avg, _ := pos.avgCost.Float64()
		mv := float64(pos.qty) * px
		cost := float64(pos.qty) * avg
		pnl := mv - cost
		pct := 0.0
		if cost != 0 {
			pct = pnl / absf(cost) * 100
		}
		out = append(out, Position{
			Symbol:        symbol,
			Quantity:      pos.qty,
			AvgCost:       avg,
			CurrentPrice:  px,
			MarketValue:   mv,
			UnrealizedPnL: pnl,
			PnLPct:        pct,
		})
	}
	return out, nil
}

func (g *PaperGateway) AccountSummary(_ context.Context) (AccountSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return AccountSummary{}, market.ErrFeedDisconnected
	}
	cash, _ := g.cash.Float64()
	equity := cash
	for symbol, pos := range g.positions {
		equity += float64(pos.qty) * g.prices[symbol]
	}
	return AccountSummary{
		TotalEquity:   equity,
		AvailableCash: cash,
		BuyingPower:   cash * 2,
	}, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
