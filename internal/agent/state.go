package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/predict"
)

// ExecutionMode governs what happens to an approved signal.
type ExecutionMode string

const (
	FullAutonomy    ExecutionMode = "FULL_AUTONOMY"
	ManualApproval  ExecutionMode = "MANUAL_APPROVAL"
	ObservationOnly ExecutionMode = "OBSERVATION_ONLY"
)

// ParseExecutionMode accepts the config spelling, case-insensitive.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToUpper(strings.TrimSpace(s))) {
	case FullAutonomy:
		return FullAutonomy, nil
	case ManualApproval:
		return ManualApproval, nil
	case ObservationOnly:
		return ObservationOnly, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// TradingHorizon distinguishes intraday carry rules from multi-day GTC
// holding.
type TradingHorizon string

const (
	Day        TradingHorizon = "DAY"
	Positional TradingHorizon = "POSITIONAL"
)

// ParseTradingHorizon accepts the config spelling, case-insensitive.
func ParseTradingHorizon(s string) (TradingHorizon, error) {
	switch TradingHorizon(strings.ToUpper(strings.TrimSpace(s))) {
	case Day:
		return Day, nil
	case Positional:
		return Positional, nil
	}
	return "", fmt.Errorf("unknown trading horizon %q", s)
}

// PredictHorizon maps the account horizon to the model window it cares
// about most.
func (h TradingHorizon) PredictHorizon() predict.Horizon {
	if h == Positional {
		return predict.HorizonLong
	}
	return predict.HorizonMedium
}

// TimeInForce returns the order duration matching the horizon.
func (h TradingHorizon) TimeInForce() broker.TIF {
	if h == Positional {
		return broker.TIFGTC
	}
	return broker.TIFDay
}

// State is the agent's control settings, passed by value into each tick
// so a toggle mid-tick never changes the tick already running.
type State struct {
	Enabled bool
	Mode    ExecutionMode
	Horizon TradingHorizon
}

// StateBox holds the current State. Set replaces it atomically; the
// next tick snapshot picks it up.
type StateBox struct {
	mu sync.Mutex
	st State
}

// NewStateBox seeds the box.
func NewStateBox(st State) *StateBox {
	return &StateBox{st: st}
}

// Snapshot returns the current state by value.
func (b *StateBox) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Set replaces the state.
func (b *StateBox) Set(st State) {
	b.mu.Lock()
	b.st = st
	b.mu.Unlock()
}

// SetEnabled flips only the enabled flag.
func (b *StateBox) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.st.Enabled = enabled
	b.mu.Unlock()
}
