package order

import (
	"time"

	"github.com/megadoom99/trading/internal/broker"
)

// State of a tracked order.
type State string

const (
	Pending         State = "PENDING"
	Submitted       State = "SUBMITTED"
	PartiallyFilled State = "PARTIALLY_FILLED"
	Filled          State = "FILLED"
	Cancelled       State = "CANCELLED"
	Rejected        State = "REJECTED"
	Closed          State = "CLOSED"
)

// Terminal reports whether no further broker updates are expected.
// FILLED is terminal for the order but the resulting position stays
// open until a closing trade moves it to CLOSED.
func (s State) Terminal() bool {
	switch s {
	case Cancelled, Rejected, Closed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	Pending:         {Submitted, Rejected},
	Submitted:       {PartiallyFilled, Filled, Cancelled, Rejected},
	PartiallyFilled: {PartiallyFilled, Filled, Cancelled},
	Filled:          {Closed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the locally tracked view of one broker order.
type Order struct {
	ClientID     string
	BrokerID     string
	Symbol       string
	Action       broker.Action
	Quantity     int
	FilledQty    int
	AvgFillPrice float64
	Type         broker.OrderType
	LimitPrice   float64
	StopPrice    float64
	TimeInForce  broker.TIF
	State        State
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// holdsPosition reports whether the order represents an open or opening
// exposure that blocks another opening order on the same symbol.
func (o *Order) holdsPosition() bool {
	if !o.Action.OpensPosition() {
		return false
	}
	switch o.State {
	case Pending, Submitted, PartiallyFilled, Filled:
		return true
	}
	return false
}

func stateFor(status broker.OrderStatus) (State, bool) {
	switch status {
	case broker.StatusSubmitted:
		return Submitted, true
	case broker.StatusPartiallyFilled:
		return PartiallyFilled, true
	case broker.StatusFilled:
		return Filled, true
	case broker.StatusCancelled:
		return Cancelled, true
	case broker.StatusRejected:
		return Rejected, true
	}
	return "", false
}
