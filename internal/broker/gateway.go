package broker

import (
	"context"
	"strings"
	"time"

	"github.com/megadoom99/trading/internal/market"
)

// Mode selects the paper or live gateway port.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// Action is the broker-level order side vocabulary.
type Action string

const (
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionSellShort  Action = "SELL_SHORT"
	ActionBuyToCover Action = "BUY_TO_COVER"
)

// NormalizeAction maps legacy spellings ("SELL SHORT", lowercase) onto
// the canonical constants. ok is false for anything outside the
// vocabulary.
func NormalizeAction(s string) (Action, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, " ", "_")
	switch Action(norm) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionSellShort:
		return ActionSellShort, true
	case ActionBuyToCover:
		return ActionBuyToCover, true
	}
	return "", false
}

// OpensPosition reports whether the action adds exposure (long or short)
// rather than closing it. A naive BUY/SELL string comparison misclassifies
// shorts; use this instead.
func (a Action) OpensPosition() bool {
	return a == ActionBuy || a == ActionSellShort
}

// IsLongSide reports whether the action results in (or reduces toward)
// long exposure: BUY opens long, BUY_TO_COVER closes short.
func (a Action) IsLongSide() bool {
	return a == ActionBuy || a == ActionBuyToCover
}

// OrderType mirrors the gateway's supported order types.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// TIF is order time-in-force.
type TIF string

const (
	TIFDay TIF = "DAY"
	TIFGTC TIF = "GTC"
)

// OrderRequest is what the lifecycle manager hands the gateway.
type OrderRequest struct {
	ClientID    string // caller-assigned idempotency id
	Symbol      string
	Action      Action
	Quantity    int
	Type        OrderType
	LimitPrice  float64
	StopPrice   float64
	TimeInForce TIF
}

// OrderStatus is the broker-reported lifecycle stage of an order.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "Submitted"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// OrderUpdate is the broker-reported view of an order.
type OrderUpdate struct {
	BrokerID     string
	ClientID     string
	Symbol       string
	Action       Action
	Quantity     int
	FilledQty    int
	AvgFillPrice float64
	Status       OrderStatus
	UpdatedAt    time.Time
}

// Position is a broker-reported holding.
type Position struct {
	Symbol        string
	Quantity      int // negative for short
	AvgCost       float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPnL float64
	PnLPct        float64
}

// AccountSummary is the gateway's account view; zero-valued when
// disconnected.
type AccountSummary struct {
	TotalEquity   float64
	AvailableCash float64
	BuyingPower   float64
	MaintMargin   float64
}

// Bar is one historical OHLC bar.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Gateway is the narrow brokerage contract the core depends on. Transports
// (TWS socket, REST, simulator) live behind it.
type Gateway interface {
	Connect(ctx context.Context, mode Mode) error
	Disconnect() error
	Connected() bool

	// Quote satisfies market.Feed.
	Quote(ctx context.Context, symbol string) (market.Snapshot, error)
	HistoricalBars(ctx context.Context, symbol string, days int) ([]Bar, error)
	Subscribe(symbol string) error

	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerID string) error
	OrderStatus(ctx context.Context, brokerID string) (OrderUpdate, error)
	OpenOrders(ctx context.Context) ([]OrderUpdate, error)

	Positions(ctx context.Context) ([]Position, error)
	AccountSummary(ctx context.Context) (AccountSummary, error)
}

var _ market.Feed = Gateway(nil)
