package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertDirection selects which side of the threshold arms the alert.
type AlertDirection string

const (
	DirectionAbove AlertDirection = "ABOVE"
	DirectionBelow AlertDirection = "BELOW"
)

// Valid reports whether d is a known direction.
func (d AlertDirection) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// PriceAlert fires once when the aggregated BTC/USD price crosses the
// threshold in the given direction. Once triggered it is terminal;
// re-arming requires deletion and recreation.
type PriceAlert struct {
	ID          string         `json:"id" db:"id"`
	Token       string         `json:"token" db:"token"`
	Threshold   float64        `json:"threshold" db:"threshold"`
	Direction   AlertDirection `json:"direction" db:"direction"`
	Triggered   bool           `json:"triggered" db:"triggered"`
	TriggeredAt time.Time      `json:"triggered_at,omitempty" db:"triggered_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// NewPriceAlert builds an armed price alert for the loan token.
func NewPriceAlert(token string, threshold float64, direction AlertDirection) (*PriceAlert, error) {
	if !ValidToken(token) {
		return nil, fmt.Errorf("invalid loan token %q", token)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("price threshold must be positive, got %f", threshold)
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid alert direction %q", direction)
	}
	return &PriceAlert{
		ID:        uuid.NewString(),
		Token:     token,
		Threshold: threshold,
		Direction: direction,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// LtvAlert fires once when the loan's LTV crosses the threshold in the
// given direction. The threshold is a fraction (0.80 means 80%).
type LtvAlert struct {
	ID           string         `json:"id" db:"id"`
	Token        string         `json:"token" db:"token"`
	LtvThreshold float64        `json:"ltv_threshold" db:"ltv_threshold"`
	Direction    AlertDirection `json:"direction" db:"direction"`
	Triggered    bool           `json:"triggered" db:"triggered"`
	TriggeredAt  time.Time      `json:"triggered_at,omitempty" db:"triggered_at"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// NewLtvAlert builds an armed LTV alert for the loan token.
func NewLtvAlert(token string, threshold float64, direction AlertDirection) (*LtvAlert, error) {
	if !ValidToken(token) {
		return nil, fmt.Errorf("invalid loan token %q", token)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("ltv threshold must be positive, got %f", threshold)
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid alert direction %q", direction)
	}
	return &LtvAlert{
		ID:           uuid.NewString(),
		Token:        token,
		LtvThreshold: threshold,
		Direction:    direction,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
