package domain

import "time"

// Confidence grades an aggregated price by cross-source agreement.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// SourceTick is a single price observation from one exchange feed.
// Timestamp is milliseconds since the Unix epoch.
type SourceTick struct {
	Source    string  `json:"source"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"ts"`
}

// PriceUpdate is the canonical aggregated market price published on the
// bus every oracle tick. Timestamp is milliseconds since the Unix epoch.
type PriceUpdate struct {
	Price          float64    `json:"price"`
	Timestamp      int64      `json:"timestamp"`
	Sources        []string   `json:"sources"`
	TWAP5m         float64    `json:"twap_5m"`
	Confidence     Confidence `json:"confidence"`
	CircuitBreaker bool       `json:"circuit_breaker"`
}

// Time returns the update timestamp as a time.Time.
func (u PriceUpdate) Time() time.Time {
	return time.UnixMilli(u.Timestamp)
}

// SystemEventType enumerates the operational events the oracle and alert
// engine publish alongside the price stream.
type SystemEventType string

const (
	EventPriceUpdate    SystemEventType = "PRICE_UPDATE"
	EventCircuitBreaker SystemEventType = "CIRCUIT_BREAKER"
	EventSourceDegraded SystemEventType = "SOURCE_DEGRADED"
	EventAlertTriggered SystemEventType = "ALERT_TRIGGERED"
)

// SystemEvent is an operational event record retained by the bus ring.
type SystemEvent struct {
	Type      SystemEventType        `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
