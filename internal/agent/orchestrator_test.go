package agent

import (
	"context"
	"testing"
	"time"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/fuse"
	"github.com/megadoom99/trading/internal/journal"
	"github.com/megadoom99/trading/internal/market"
	"github.com/megadoom99/trading/internal/order"
	"github.com/megadoom99/trading/internal/predict"
	"github.com/megadoom99/trading/internal/risk"
)

type scriptedModel struct {
	preds []predict.Prediction
	err   error
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Predict(_ context.Context, snap market.Snapshot, _ []predict.Horizon) ([]predict.Prediction, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]predict.Prediction, len(m.preds))
	for i, p := range m.preds {
		p.Symbol = snap.Symbol
		p.At = time.Now()
		out[i] = p
	}
	return out, m.err
}

func upModel(conf float64) *scriptedModel {
	return &scriptedModel{preds: []predict.Prediction{
		{Horizon: predict.HorizonMedium, Direction: predict.DirectionUp, Confidence: conf},
	}}
}

type fixture struct {
	orch  *Orchestrator
	state *StateBox
	gw    *broker.PaperGateway
	mgr   *order.Manager
	store *journal.Store
}

func newFixture(t *testing.T, mode ExecutionMode, model predict.Provider) *fixture {
	t.Helper()

	gw := broker.NewPaperGateway(broker.PaperConfig{StartingCash: 100_000, LatencyMsMin: 1, LatencyMsMax: 1})
	if err := gw.Connect(context.Background(), broker.ModePaper); err != nil {
		t.Fatal(err)
	}
	gw.SeedPrice("AAPL", 100)
	if err := gw.Subscribe("AAPL"); err != nil {
		t.Fatal(err)
	}

	store, err := journal.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := order.NewManager(gw, nil)
	state := NewStateBox(State{Enabled: true, Mode: mode, Horizon: Day})

	orch := New(Config{
		Watchlist:       []string{"AAPL"},
		TickInterval:    time.Minute,
		ApprovalTTL:     time.Minute,
		RiskPerTradePct: 1,
		UserID:          "tester",
	},
		state,
		market.NewObserver(gw, time.Minute),
		nil, // no sentiment feed configured
		predict.NewClient([]predict.Provider{model}, time.Second, nil),
		fuse.New(fuse.Config{AgreementThreshold: 0.5, StopLossPct: 2, TakeProfitPct: 4}),
		mgr,
		store,
		gw,
		risk.Limits{MaxPositionUSD: 10_000, MaxShares: 500, MinConfidence: 0.6},
	)
	return &fixture{orch: orch, state: state, gw: gw, mgr: mgr, store: store}
}

func TestObservationOnlyPersistsSignalWithoutOrder(t *testing.T) {
	f := newFixture(t, ObservationOnly, upModel(0.9))

	f.orch.Tick(context.Background(), f.state.Snapshot())

	if _, ok := f.mgr.OpenFor("AAPL"); ok {
		t.Error("observation mode must never submit an order")
	}
	open, err := f.gw.OpenOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("broker has %d open orders, want 0", len(open))
	}

	trades, err := f.store.Query(context.Background(), journal.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("journal has %d trades, want 0 (signals only)", len(trades))
	}
}

func TestFullAutonomyExecutes(t *testing.T) {
	f := newFixture(t, FullAutonomy, upModel(0.9))

	f.orch.Tick(context.Background(), f.state.Snapshot())

	open, ok := f.mgr.OpenFor("AAPL")
	if !ok {
		t.Fatal("expected an open order after autonomous tick")
	}
	if open.Action != broker.ActionBuy {
		t.Errorf("action = %s, want BUY for an UP signal", open.Action)
	}

	trades, err := f.store.Query(context.Background(), journal.Filter{Symbol: "AAPL", Status: journal.TradeOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("journal has %d open trades, want 1", len(trades))
	}
	if trades[0].OrderID != open.ClientID {
		t.Errorf("journal order id %s does not match submitted %s", trades[0].OrderID, open.ClientID)
	}
}

func TestLowConfidenceRejectedNoOrder(t *testing.T) {
	f := newFixture(t, FullAutonomy, upModel(0.55))

	f.orch.Tick(context.Background(), f.state.Snapshot())

	if _, ok := f.mgr.OpenFor("AAPL"); ok {
		t.Error("rejected signal must never reach the order manager")
	}
}

func TestManualApprovalQueuesThenExecutes(t *testing.T) {
	f := newFixture(t, ManualApproval, upModel(0.9))

	f.orch.Tick(context.Background(), f.state.Snapshot())

	if _, ok := f.mgr.OpenFor("AAPL"); ok {
		t.Fatal("manual mode must wait for approval before submitting")
	}
	pending := f.orch.Approvals.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := f.orch.Approve(context.Background(), pending[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, ok := f.mgr.OpenFor("AAPL"); !ok {
		t.Error("approval should have submitted the order")
	}
}

func TestApprovalExpiresNeverAutoExecutes(t *testing.T) {
	q := NewApprovalQueue(10 * time.Millisecond)
	id := q.Enqueue(fuse.Signal{Symbol: "AAPL", Direction: predict.DirectionUp}, 10)

	time.Sleep(20 * time.Millisecond)
	if _, ok := q.Take(id); ok {
		t.Error("expired approval must not be takeable")
	}
	if n := q.Sweep(time.Now()); n != 0 {
		// Take already dropped it.
		t.Errorf("sweep removed %d, want 0", n)
	}
}

func TestApproveUnknownID(t *testing.T) {
	f := newFixture(t, ManualApproval, upModel(0.9))
	if err := f.orch.Approve(context.Background(), "nope"); err == nil {
		t.Error("unknown approval id should error")
	}
}

func TestNoEdgeNoAction(t *testing.T) {
	flat := &scriptedModel{preds: []predict.Prediction{
		{Horizon: predict.HorizonMedium, Direction: predict.DirectionFlat, Confidence: 0.9},
	}}
	f := newFixture(t, FullAutonomy, flat)

	f.orch.Tick(context.Background(), f.state.Snapshot())
	if _, ok := f.mgr.OpenFor("AAPL"); ok {
		t.Error("flat consensus must not trade")
	}
}

func TestProviderFailureSkipsSymbol(t *testing.T) {
	f := newFixture(t, FullAutonomy, &scriptedModel{err: context.DeadlineExceeded})

	f.orch.Tick(context.Background(), f.state.Snapshot())
	if _, ok := f.mgr.OpenFor("AAPL"); ok {
		t.Error("no prediction must mean no trade")
	}
}

func TestInFlightTickCompletesUnderOldState(t *testing.T) {
	f := newFixture(t, FullAutonomy, upModel(0.9))

	// The tick snapshots state at its start; a toggle mid-tick applies
	// only from the next tick.
	st := f.state.Snapshot()
	f.state.SetEnabled(false)

	f.orch.Tick(context.Background(), st)
	if _, ok := f.mgr.OpenFor("AAPL"); !ok {
		t.Error("in-flight tick should have finished under the state it started with")
	}
	if f.state.Snapshot().Enabled {
		t.Error("box should report disabled for the next tick")
	}
}

func TestSecondTickDoesNotStack(t *testing.T) {
	f := newFixture(t, FullAutonomy, upModel(0.9))
	ctx := context.Background()

	f.orch.Tick(ctx, f.state.Snapshot())
	if _, ok := f.mgr.OpenFor("AAPL"); !ok {
		t.Fatal("first tick should open")
	}

	// Second tick manages the open position instead of re-entering.
	f.orch.Tick(ctx, f.state.Snapshot())
	trades, err := f.store.Query(ctx, journal.Filter{Symbol: "AAPL"})
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Errorf("journal has %d trades after two ticks, want 1", len(trades))
	}
}

func TestRunSubscribesWatchlist(t *testing.T) {
	// No SeedPrice, no Subscribe: Run itself must bring the watchlist up
	// before the first tick can observe anything.
	gw := broker.NewPaperGateway(broker.PaperConfig{StartingCash: 100_000, LatencyMsMin: 1, LatencyMsMax: 1})
	if err := gw.Connect(context.Background(), broker.ModePaper); err != nil {
		t.Fatal(err)
	}
	store, err := journal.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := order.NewManager(gw, nil)
	state := NewStateBox(State{Enabled: true, Mode: FullAutonomy, Horizon: Day})
	orch := New(Config{
		Watchlist:       []string{"AAPL"},
		TickInterval:    10 * time.Millisecond,
		ApprovalTTL:     time.Minute,
		RiskPerTradePct: 1,
		UserID:          "tester",
	},
		state,
		market.NewObserver(gw, time.Minute),
		nil,
		predict.NewClient([]predict.Provider{upModel(0.9)}, time.Second, nil),
		fuse.New(fuse.Config{AgreementThreshold: 0.5, StopLossPct: 2, TakeProfitPct: 4}),
		mgr,
		store,
		gw,
		risk.Limits{MaxPositionUSD: 10_000, MaxShares: 500, MinConfidence: 0.6},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := mgr.OpenFor("AAPL"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("no order after 2s; the watchlist never produced a quote")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTickFiresPriceAlert(t *testing.T) {
	f := newFixture(t, ObservationOnly, upModel(0.9))
	ctx := context.Background()

	// Paper quotes walk near the $100 seed, so BELOW 150 fires on the
	// first observed price.
	if _, err := f.store.AddAlert(ctx, journal.Alert{
		UserID:    "tester",
		Symbol:    "AAPL",
		Condition: journal.AlertBelow,
		Threshold: 150,
	}); err != nil {
		t.Fatal(err)
	}

	f.orch.Tick(ctx, f.state.Snapshot())

	pending, err := f.store.PendingAlerts(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("alert still pending after a tick at a triggering price")
	}
}

func TestParseHelpers(t *testing.T) {
	if m, err := ParseExecutionMode("manual_approval"); err != nil || m != ManualApproval {
		t.Errorf("got %v/%v", m, err)
	}
	if _, err := ParseExecutionMode("yolo"); err == nil {
		t.Error("bad mode should error")
	}
	if h, err := ParseTradingHorizon(" positional "); err != nil || h != Positional {
		t.Errorf("got %v/%v", h, err)
	}
	if Day.TimeInForce() != broker.TIFDay || Positional.TimeInForce() != broker.TIFGTC {
		t.Error("horizon TIF mapping wrong")
	}
	if Day.PredictHorizon() != predict.HorizonMedium || Positional.PredictHorizon() != predict.HorizonLong {
		t.Error("horizon preference mapping wrong")
	}
}
