package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/observ"
)

var (
	// ErrPositionOpen means an opening order was refused because the
	// symbol already has one in flight or filled-and-open.
	ErrPositionOpen = errors.New("open position exists for symbol")
	// ErrDuplicateIntent means the idempotency key was already logged.
	ErrDuplicateIntent = errors.New("duplicate submission intent")
	// ErrUnknownOrder means the client id is not tracked.
	ErrUnknownOrder = errors.New("unknown order")
)

// FrozenError marks a symbol whose lifecycle is halted pending manual
// review after reconciliation found broker state we cannot explain.
type FrozenError struct {
	Symbol string
	Cause  string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("symbol %s frozen: %s", e.Symbol, e.Cause)
}

// ReconciliationError reports broker state that disagrees with local
// expectation, such as an orphan order discovered after a restart.
type ReconciliationError struct {
	Symbol   string
	BrokerID string
	Reason   string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation: %s order %s: %s", e.Symbol, e.BrokerID, e.Reason)
}

// Manager drives orders through their lifecycle against a gateway.
// Operations on the same symbol are serialized; different symbols
// proceed concurrently.
type Manager struct {
	gw  broker.Gateway
	log *IntentLog

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	orders  map[string]*Order // by client id
	frozen  map[string]string // symbol -> cause
	onEvent func(Order)
}

// NewManager builds a Manager. log may be nil to skip intent logging.
func NewManager(gw broker.Gateway, log *IntentLog) *Manager {
	return &Manager{
		gw:     gw,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
		orders: make(map[string]*Order),
		frozen: make(map[string]string),
	}
}

// OnEvent registers a callback invoked after every state change, with a
// copy of the order. Used by the journal wiring.
func (m *Manager) OnEvent(fn func(Order)) { m.onEvent = fn }

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[symbol]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

// Submit places the order after enforcing the one-open-position rule
// and logging the intent. idemKey deduplicates retried submissions of
// the same tick's decision; empty skips the check.
func (m *Manager) Submit(ctx context.Context, req broker.OrderRequest, idemKey string) (*Order, error) {
	lock := m.symbolLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if cause, ok := m.frozen[req.Symbol]; ok {
		m.mu.Unlock()
		return nil, &FrozenError{Symbol: req.Symbol, Cause: cause}
	}
	if req.Action.OpensPosition() {
		for _, o := range m.orders {
			if o.Symbol == req.Symbol && o.holdsPosition() {
				m.mu.Unlock()
				return nil, ErrPositionOpen
			}
		}
	}
	m.mu.Unlock()

	if m.log != nil && idemKey != "" {
		if m.log.Seen(idemKey) {
			return nil, ErrDuplicateIntent
		}
	}

	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	o := &Order{
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Action:      req.Action,
		Quantity:    req.Quantity,
		Type:        req.Type,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		State:       Pending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	m.mu.Lock()
	m.orders[o.ClientID] = o
	m.mu.Unlock()

	if m.log != nil {
		err := m.log.Append(intentRecord{
			ClientID:       o.ClientID,
			Symbol:         o.Symbol,
			Action:         string(o.Action),
			Quantity:       o.Quantity,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			observ.LogError("intent_log_append_failed", err, map[string]any{"symbol": o.Symbol})
		}
	}

	brokerID, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		m.transition(o, Rejected, err.Error())
		return o, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}
	o.BrokerID = brokerID
	m.transition(o, Submitted, "")
	observ.IncCounter("orders_submitted_total", map[string]string{"symbol": o.Symbol, "action": string(o.Action)})
	return o, nil
}

// Cancel asks the gateway to cancel and applies the result.
func (m *Manager) Cancel(ctx context.Context, clientID string) error {
	o := m.get(clientID)
	if o == nil {
		return ErrUnknownOrder
	}
	lock := m.symbolLock(o.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if o.State.Terminal() || o.State == Filled {
		return fmt.Errorf("cancel %s: state %s", clientID, o.State)
	}
	if err := m.gw.CancelOrder(ctx, o.BrokerID); err != nil {
		return fmt.Errorf("cancel %s: %w", clientID, err)
	}
	m.transition(o, Cancelled, "cancelled by agent")
	return nil
}

// Poll refreshes the order from the gateway and returns its state.
func (m *Manager) Poll(ctx context.Context, clientID string) (State, error) {
	o := m.get(clientID)
	if o == nil {
		return "", ErrUnknownOrder
	}
	lock := m.symbolLock(o.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if o.State.Terminal() {
		return o.State, nil
	}
	update, err := m.gw.OrderStatus(ctx, o.BrokerID)
	if err != nil {
		return o.State, fmt.Errorf("poll %s: %w", clientID, err)
	}
	m.applyUpdate(o, update)
	return o.State, nil
}

// MarkClosed moves a filled opening order to CLOSED once its offsetting
// trade completed.
func (m *Manager) MarkClosed(clientID string) error {
	o := m.get(clientID)
	if o == nil {
		return ErrUnknownOrder
	}
	lock := m.symbolLock(o.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if !canTransition(o.State, Closed) {
		return fmt.Errorf("close %s: state %s", clientID, o.State)
	}
	m.transition(o, Closed, "")
	return nil
}

// Get returns a copy of the tracked order.
func (m *Manager) Get(clientID string) (Order, bool) {
	o := m.get(clientID)
	if o == nil {
		return Order{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return *o, true
}

// OpenFor returns a copy of the order currently holding the symbol's
// position, if any.
func (m *Manager) OpenFor(symbol string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Symbol == symbol && o.holdsPosition() {
			return *o, true
		}
	}
	return Order{}, false
}

// Frozen reports whether the symbol's lifecycle is halted.
func (m *Manager) Frozen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.frozen[symbol]
	return ok
}

// Resolve lifts a freeze after manual review.
func (m *Manager) Resolve(symbol string) {
	m.mu.Lock()
	delete(m.frozen, symbol)
	m.mu.Unlock()
	observ.Log("symbol_unfrozen", map[string]any{"symbol": symbol})
}

// Reconcile compares the gateway's open orders against local tracking.
// A broker order with no local counterpart is an orphan: it is never
// adopted; the symbol is frozen and the error returned for review.
// Known orders are refreshed in place.
func (m *Manager) Reconcile(ctx context.Context) []error {
	updates, err := m.gw.OpenOrders(ctx)
	if err != nil {
		return []error{fmt.Errorf("list open orders: %w", err)}
	}

	var errs []error
	for _, u := range updates {
		o := m.get(u.ClientID)
		if o == nil {
			rerr := &ReconciliationError{Symbol: u.Symbol, BrokerID: u.BrokerID, Reason: "orphan order at broker"}
			m.freeze(u.Symbol, rerr.Reason)
			errs = append(errs, rerr)
			continue
		}
		lock := m.symbolLock(o.Symbol)
		lock.Lock()
		m.applyUpdate(o, u)
		lock.Unlock()
	}
	return errs
}

func (m *Manager) get(clientID string) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[clientID]
}

func (m *Manager) freeze(symbol, cause string) {
	m.mu.Lock()
	m.frozen[symbol] = cause
	m.mu.Unlock()
	observ.Log("symbol_frozen", map[string]any{"symbol": symbol, "cause": cause})
	observ.IncCounter("symbols_frozen_total", map[string]string{"symbol": symbol})
}

// applyUpdate folds a broker update into the local order. Caller holds
// the symbol lock.
func (m *Manager) applyUpdate(o *Order, u broker.OrderUpdate) {
	next, ok := stateFor(u.Status)
	if !ok {
		m.freeze(o.Symbol, fmt.Sprintf("unknown broker status %q", u.Status))
		return
	}
	o.FilledQty = u.FilledQty
	o.AvgFillPrice = u.AvgFillPrice
	if next == o.State {
		o.UpdatedAt = time.Now().UTC()
		return
	}
	if !canTransition(o.State, next) {
		m.freeze(o.Symbol, fmt.Sprintf("broker state %s conflicts with local %s", next, o.State))
		return
	}
	m.transition(o, next, "")
}

func (m *Manager) transition(o *Order, to State, reason string) {
	from := o.State
	o.State = to
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = time.Now().UTC()
	observ.Log("order_state", map[string]any{
		"client_id": o.ClientID,
		"symbol":    o.Symbol,
		"from":      string(from),
		"to":        string(to),
	})
	if m.onEvent != nil {
		m.onEvent(*o)
	}
}
