package predict

import (
	"fmt"
	"time"
)

// Horizon is a fixed short-term prediction window.
type Horizon string

const (
	HorizonShort  Horizon = "SHORT"  // 1 minute
	HorizonMedium Horizon = "MEDIUM" // 5 minutes
	HorizonLong   Horizon = "LONG"   // 10 minutes
)

// Minutes returns the concrete window length.
func (h Horizon) Minutes() int {
	switch h {
	case HorizonShort:
		return 1
	case HorizonMedium:
		return 5
	case HorizonLong:
		return 10
	default:
		return 0
	}
}

// AllHorizons lists every horizon, shortest first.
func AllHorizons() []Horizon {
	return []Horizon{HorizonShort, HorizonMedium, HorizonLong}
}

// Direction is a model's directional call.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionFlat Direction = "FLAT"
)

// Prediction is one model's directional call for one symbol and horizon.
type Prediction struct {
	Symbol     string    `json:"symbol"`
	Horizon    Horizon   `json:"horizon"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"` // [0,1]
	Model      string    `json:"model"`
	Reasoning  string    `json:"reasoning,omitempty"`
	At         time.Time `json:"at"`
}

// ValidateConfidence rejects out-of-range confidences. A provider emitting
// 1.5 or -0.2 is malformed, never silently clamped into a fused result.
func ValidateConfidence(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("confidence %.4f outside [0,1]", c)
	}
	return nil
}
