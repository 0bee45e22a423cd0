package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/fuse"
	"github.com/megadoom99/trading/internal/journal"
	"github.com/megadoom99/trading/internal/market"
	"github.com/megadoom99/trading/internal/observ"
	"github.com/megadoom99/trading/internal/order"
	"github.com/megadoom99/trading/internal/predict"
	"github.com/megadoom99/trading/internal/risk"
	"github.com/megadoom99/trading/internal/sentiment"
)

// Config tunes the orchestrator loop.
type Config struct {
	Watchlist       []string
	TickInterval    time.Duration
	ApprovalTTL     time.Duration
	RiskPerTradePct float64
	SessionEnd      string // "HH:MM" local, empty disables the sweep
	BackoffMax      time.Duration
	UserID          string
}

// Orchestrator drives the Observe -> Predict -> Fuse -> Validate ->
// Execute pipeline for every watchlist symbol on each tick.
type Orchestrator struct {
	cfg    Config
	state  *StateBox
	obs    *market.Observer
	sent   *sentiment.Feed
	pred   *predict.Client
	fuser  *fuse.Fuser
	mgr    *order.Manager
	store  *journal.Store
	gw     broker.Gateway
	limits risk.Limits

	Approvals *ApprovalQueue

	mu           sync.Mutex
	backoffUntil time.Time
	backoffStep  time.Duration

	barsMu sync.Mutex
	bars   map[string]barsEntry
}

type barsEntry struct {
	bars []broker.Bar
	at   time.Time
}

const (
	barsLookbackDays = 365
	barsRefresh      = time.Hour
)

// New wires the pipeline together.
func New(cfg Config, state *StateBox, obs *market.Observer, sent *sentiment.Feed,
	pred *predict.Client, fuser *fuse.Fuser, mgr *order.Manager,
	store *journal.Store, gw broker.Gateway, limits risk.Limits) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Orchestrator{
		cfg:       cfg,
		state:     state,
		obs:       obs,
		sent:      sent,
		pred:      pred,
		fuser:     fuser,
		mgr:       mgr,
		store:     store,
		gw:        gw,
		limits:    limits,
		Approvals: NewApprovalQueue(cfg.ApprovalTTL),
		bars:      make(map[string]barsEntry),
	}
}

// Run ticks until ctx is cancelled. Startup subscribes every watchlist
// symbol and reconciles against the broker so a restarted agent never
// trades on top of state it cannot explain.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, symbol := range o.cfg.Watchlist {
		if err := o.gw.Subscribe(symbol); err != nil {
			observ.LogError("subscribe_failed", err, map[string]any{"symbol": symbol})
		}
	}
	for _, err := range o.mgr.Reconcile(ctx) {
		observ.LogError("startup_reconcile", err, nil)
	}
	if o.cfg.UserID != "" {
		if _, err := o.store.ReconcileOwnerless(ctx, o.cfg.UserID); err != nil {
			observ.LogError("ownerless_reconcile", err, nil)
		}
	}

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logTradeStats()
			return ctx.Err()
		case now := <-ticker.C:
			st := o.state.Snapshot()
			if !st.Enabled {
				continue
			}
			if o.inBackoff(now) {
				observ.Log("tick_skipped_backoff", nil)
				continue
			}
			o.Tick(ctx, st)
		}
	}
}

// Tick runs one full pass under the given state. Symbols run
// concurrently; one symbol's failure never aborts the others.
func (o *Orchestrator) Tick(ctx context.Context, st State) {
	start := time.Now()
	o.Approvals.Sweep(start)

	var wg sync.WaitGroup
	for _, symbol := range o.cfg.Watchlist {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			o.runSymbol(ctx, st, symbol, start)
		}(symbol)
	}
	wg.Wait()

	if o.sessionEnded(start) && st.Horizon == Day {
		o.sessionEndSweep(ctx)
	}
	observ.RecordDuration("tick_duration", time.Since(start), nil)
}

// runSymbol is the per-symbol pipeline. Every error class is handled
// here; nothing escapes to abort the tick.
func (o *Orchestrator) runSymbol(ctx context.Context, st State, symbol string, tickAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			observ.Log("pipeline_panic", map[string]any{"symbol": symbol, "panic": fmt.Sprint(r)})
		}
	}()

	if o.mgr.Frozen(symbol) {
		observ.Log("symbol_skipped_frozen", map[string]any{"symbol": symbol})
		return
	}

	// Existing position first: polling fills and enforcing exits takes
	// priority over hunting a new entry.
	if open, ok := o.mgr.OpenFor(symbol); ok {
		o.manageOpen(ctx, symbol, open)
		return
	}

	snap, err := o.obs.Observe(ctx, symbol)
	if err != nil {
		var stale *market.StaleError
		switch {
		case errors.As(err, &stale):
			observ.Log("symbol_skipped_stale", map[string]any{"symbol": symbol, "age": stale.Age.String()})
		case errors.Is(err, market.ErrFeedDisconnected):
			o.backOff("feed disconnected")
		default:
			observ.LogError("observe_failed", err, map[string]any{"symbol": symbol})
		}
		return
	}
	o.checkAlerts(ctx, symbol, snap.Last)
	if score, ok := o.sent.Get(ctx, symbol); ok {
		snap.Sentiment = &score.Value
	}
	bars := o.historicalBars(ctx, symbol)
	if h := fuse.HistoryFromBars(bars, snap.Last); h != nil {
		if snap.History != nil {
			h.RecentLast = snap.History.RecentLast
		}
		snap.History = h
	}

	preds, err := o.pred.Predict(ctx, snap, predict.AllHorizons())
	if err != nil {
		if errors.Is(err, predict.ErrNoPrediction) {
			observ.Log("no_prediction", map[string]any{"symbol": symbol})
		} else if isRateLimited(err) {
			o.backOff("provider rate limited")
		} else {
			observ.LogError("predict_failed", err, map[string]any{"symbol": symbol})
		}
		return
	}

	sig := o.fuser.FuseBars(snap, preds, st.Horizon.PredictHorizon(), bars)
	if sig == nil {
		// No edge this tick; the expected quiet outcome.
		observ.IncCounter("no_edge_total", map[string]string{"symbol": symbol})
		return
	}

	acct, err := o.accountState(ctx)
	if err != nil {
		observ.LogError("account_state_failed", err, map[string]any{"symbol": symbol})
		return
	}
	qty := risk.PositionSize(acct.TotalEquity, sig.Entry, sig.StopLoss,
		o.cfg.RiskPerTradePct, o.limits.MaxPositionUSD)
	if qty <= 0 {
		observ.Log("sizing_zero", map[string]any{"symbol": symbol})
		return
	}

	decision := risk.Validate(risk.Proposal{
		Symbol:   symbol,
		Action:   entryAction(sig.Direction),
		Quantity: qty,
		Price:    sig.Entry,
		Signal:   sig,
	}, acct, o.limits)

	switch decision.Outcome {
	case risk.Reject:
		observ.Log("risk_rejected", map[string]any{"symbol": symbol, "reason": decision.Reason})
		return
	case risk.Downsize:
		observ.Log("risk_downsized", map[string]any{
			"symbol": symbol, "from": qty, "to": decision.Quantity, "reason": decision.Reason,
		})
		qty = decision.Quantity
	}

	switch st.Mode {
	case ObservationOnly:
		if err := o.store.SaveSignal(ctx, *sig, decision); err != nil {
			observ.LogError("save_signal_failed", err, map[string]any{"symbol": symbol})
		}
		return
	case ManualApproval:
		o.Approvals.Enqueue(*sig, qty)
		return
	case FullAutonomy:
		o.execute(ctx, st, *sig, qty, tickAt)
	}
}

// Approve executes a previously enqueued signal. Returns an error when
// the id is unknown or already expired.
func (o *Orchestrator) Approve(ctx context.Context, id string) error {
	p, ok := o.Approvals.Take(id)
	if !ok {
		return fmt.Errorf("approval %s not found or expired", id)
	}
	st := o.state.Snapshot()
	o.execute(ctx, st, p.Signal, p.Quantity, time.Now())
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, st State, sig fuse.Signal, qty int, tickAt time.Time) {
	idemKey := fmt.Sprintf("%s|%s|%s", sig.Symbol, sig.Direction, tickAt.UTC().Truncate(o.cfg.TickInterval).Format(time.RFC3339))
	ord, err := o.mgr.Submit(ctx, broker.OrderRequest{
		Symbol:      sig.Symbol,
		Action:      entryAction(sig.Direction),
		Quantity:    qty,
		Type:        broker.OrderMarket,
		TimeInForce: st.Horizon.TimeInForce(),
	}, idemKey)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrDuplicateIntent):
			observ.Log("duplicate_intent_skipped", map[string]any{"symbol": sig.Symbol})
		case errors.Is(err, order.ErrPositionOpen):
			observ.Log("entry_blocked_open_position", map[string]any{"symbol": sig.Symbol})
		default:
			observ.LogError("submit_failed", err, map[string]any{"symbol": sig.Symbol})
			if isRateLimited(err) {
				o.backOff("broker rate limited")
			}
		}
		return
	}

	err = o.store.Record(ctx, journal.Trade{
		OrderID:    ord.ClientID,
		UserID:     o.cfg.UserID,
		Symbol:     sig.Symbol,
		Action:     ord.Action,
		Quantity:   qty,
		EntryPrice: sig.Entry,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Horizon:    string(sig.Horizon),
		Confidence: sig.Confidence,
		Reasoning:  sig.Reasoning,
		OpenedAt:   time.Now().UTC(),
	})
	if err != nil {
		observ.LogError("journal_record_failed", err, map[string]any{"order_id": ord.ClientID})
	}
}

// manageOpen polls the open order and enforces stop-loss/take-profit
// once it is filled.
func (o *Orchestrator) manageOpen(ctx context.Context, symbol string, open order.Order) {
	state, err := o.mgr.Poll(ctx, open.ClientID)
	if err != nil {
		observ.LogError("poll_failed", err, map[string]any{"symbol": symbol})
		return
	}
	if state != order.Filled {
		return
	}

	trades, err := o.store.Query(ctx, journal.Filter{Symbol: symbol, Status: journal.TradeOpen, Limit: 1})
	if err != nil || len(trades) == 0 {
		return
	}
	t := trades[0]

	snap, err := o.obs.Observe(ctx, symbol)
	if err != nil {
		return
	}
	o.checkAlerts(ctx, symbol, snap.Last)

	long := open.Action.IsLongSide()
	hitStop := (long && snap.Last <= t.StopLoss) || (!long && snap.Last >= t.StopLoss)
	hitTarget := (long && snap.Last >= t.TakeProfit) || (!long && snap.Last <= t.TakeProfit)
	if !hitStop && !hitTarget {
		return
	}
	reason := "take_profit"
	if hitStop {
		reason = "stop_loss"
	}
	o.closePosition(ctx, symbol, open, t, snap.Last, reason)
}

func (o *Orchestrator) closePosition(ctx context.Context, symbol string, open order.Order, t journal.Trade, price float64, reason string) {
	closing, err := o.mgr.Submit(ctx, broker.OrderRequest{
		Symbol:      symbol,
		Action:      closeAction(open.Action),
		Quantity:    open.FilledQty,
		Type:        broker.OrderMarket,
		TimeInForce: broker.TIFDay,
	}, "")
	if err != nil {
		observ.LogError("close_submit_failed", err, map[string]any{"symbol": symbol, "reason": reason})
		return
	}

	// Market closes in paper settle quickly; poll once to pick up the
	// fill price, fall back to the observed price.
	exit := price
	if state, err := o.mgr.Poll(ctx, closing.ClientID); err == nil && state == order.Filled {
		if filled, ok := o.mgr.Get(closing.ClientID); ok && filled.AvgFillPrice > 0 {
			exit = filled.AvgFillPrice
		}
	}
	if err := o.store.CloseOut(ctx, open.ClientID, exit, time.Now().UTC()); err != nil {
		observ.LogError("close_out_failed", err, map[string]any{"order_id": open.ClientID})
	}
	if err := o.mgr.MarkClosed(open.ClientID); err != nil {
		observ.LogError("mark_closed_failed", err, map[string]any{"order_id": open.ClientID})
	}
	observ.Log("position_closed", map[string]any{"symbol": symbol, "reason": reason, "exit": exit})
}

// sessionEndSweep closes day-horizon positions whose profit target was
// already met; everything else carries overnight.
func (o *Orchestrator) sessionEndSweep(ctx context.Context) {
	for _, symbol := range o.cfg.Watchlist {
		open, ok := o.mgr.OpenFor(symbol)
		if !ok || open.State != order.Filled {
			continue
		}
		trades, err := o.store.Query(ctx, journal.Filter{Symbol: symbol, Status: journal.TradeOpen, Limit: 1})
		if err != nil || len(trades) == 0 {
			continue
		}
		t := trades[0]
		snap, err := o.obs.Observe(ctx, symbol)
		if err != nil {
			continue
		}
		long := open.Action.IsLongSide()
		targetMet := (long && snap.Last >= t.TakeProfit) || (!long && snap.Last <= t.TakeProfit)
		if targetMet {
			o.closePosition(ctx, symbol, open, t, snap.Last, "session_end")
		} else {
			observ.Log("position_carried_overnight", map[string]any{"symbol": symbol})
		}
	}
}

func (o *Orchestrator) sessionEnded(now time.Time) bool {
	if o.cfg.SessionEnd == "" {
		return false
	}
	end, err := time.ParseInLocation("15:04", o.cfg.SessionEnd, now.Location())
	if err != nil {
		return false
	}
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), end.Hour(), end.Minute(), 0, 0, now.Location())
	return !now.Before(cutoff) && now.Sub(cutoff) < o.cfg.TickInterval
}

// historicalBars returns cached daily bars for symbol, refetching once
// the cache entry ages past barsRefresh. An empty slice on fetch
// failure degrades the tick to the configured profit target rather
// than aborting it.
func (o *Orchestrator) historicalBars(ctx context.Context, symbol string) []broker.Bar {
	o.barsMu.Lock()
	e, ok := o.bars[symbol]
	o.barsMu.Unlock()
	if ok && time.Since(e.at) < barsRefresh {
		return e.bars
	}

	bars, err := o.gw.HistoricalBars(ctx, symbol, barsLookbackDays)
	if err != nil {
		observ.LogError("historical_bars_failed", err, map[string]any{"symbol": symbol})
		return e.bars
	}
	o.barsMu.Lock()
	o.bars[symbol] = barsEntry{bars: bars, at: time.Now()}
	o.barsMu.Unlock()
	return bars
}

// checkAlerts fires one-shot price alerts against the observed price.
func (o *Orchestrator) checkAlerts(ctx context.Context, symbol string, price float64) {
	fired, err := o.store.CheckAlerts(ctx, symbol, price)
	if err != nil {
		observ.LogError("alerts_check_failed", err, map[string]any{"symbol": symbol})
		return
	}
	for _, a := range fired {
		observ.Log("price_alert_fired", map[string]any{
			"alert_id":  a.ID,
			"symbol":    a.Symbol,
			"condition": a.Condition,
			"threshold": a.Threshold,
			"price":     price,
		})
	}
}

// logTradeStats emits the session's closed-trade summary at shutdown.
// Run's context is already cancelled by then, so the query gets its own.
func (o *Orchestrator) logTradeStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := o.store.TradeStats(ctx, time.Time{})
	if err != nil {
		observ.LogError("trade_stats_failed", err, nil)
		return
	}
	observ.Log("session_trade_stats", map[string]any{
		"total":     stats.TotalTrades,
		"wins":      stats.Wins,
		"losses":    stats.Losses,
		"win_rate":  stats.WinRate,
		"total_pnl": stats.TotalPnL,
		"best":      stats.BestTrade,
		"worst":     stats.WorstTrade,
	})
}

// accountState takes one consistent snapshot for the validator; it is
// never re-read mid-check.
func (o *Orchestrator) accountState(ctx context.Context) (risk.AccountState, error) {
	summary, err := o.gw.AccountSummary(ctx)
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("account summary: %w", err)
	}
	positions, err := o.gw.Positions(ctx)
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("positions: %w", err)
	}
	byPos := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		byPos[p.Symbol] = p
	}
	pnl, err := o.store.DailyRealizedPnL(ctx, time.Now().UTC())
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("daily pnl: %w", err)
	}
	return risk.AccountState{
		TotalEquity:      summary.TotalEquity,
		AvailableCash:    summary.AvailableCash,
		BuyingPower:      summary.BuyingPower,
		DailyRealizedPnL: pnl,
		Positions:        byPos,
	}, nil
}

func (o *Orchestrator) inBackoff(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if now.Before(o.backoffUntil) {
		return true
	}
	o.backoffStep = 0
	return false
}

func (o *Orchestrator) backOff(cause string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.backoffStep == 0 {
		o.backoffStep = o.cfg.TickInterval
	} else {
		o.backoffStep *= 2
	}
	if o.backoffStep > o.cfg.BackoffMax {
		o.backoffStep = o.cfg.BackoffMax
	}
	o.backoffUntil = time.Now().Add(o.backoffStep)
	observ.Log("backoff", map[string]any{"cause": cause, "until": o.backoffUntil.Format(time.RFC3339)})
}

func entryAction(dir predict.Direction) broker.Action {
	if dir == predict.DirectionDown {
		return broker.ActionSellShort
	}
	return broker.ActionBuy
}

func closeAction(opening broker.Action) broker.Action {
	if opening == broker.ActionSellShort {
		return broker.ActionBuyToCover
	}
	return broker.ActionSell
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests")
}
