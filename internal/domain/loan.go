// Package domain holds the core types shared across the loan monitor:
// loans, alerts, aggregated price updates and system events.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// tokenPattern matches the 48-hex loan token. Possession of the token is
// the sole authority for dashboard reads.
var tokenPattern = regexp.MustCompile(`^[0-9a-f]{48}$`)

// Loan is a Bitcoin-collateralized loan under monitoring. The core treats
// loans as read-only; mutation happens through the store surface.
type Loan struct {
	Token          string    `json:"token" db:"token"`
	LoanAmountUSD  float64   `json:"loan_amount_usd" db:"loan_amount_usd"`
	BTCCollateral  float64   `json:"btc_collateral" db:"btc_collateral"`
	MarginCallLTV  float64   `json:"margin_call_ltv" db:"margin_call_ltv"`
	LiquidationLTV float64   `json:"liquidation_ltv" db:"liquidation_ltv"`
	InterestRate   float64   `json:"interest_rate,omitempty" db:"interest_rate"`
	EndDate        string    `json:"end_date,omitempty" db:"end_date"`
	Lender         string    `json:"lender,omitempty" db:"lender"`
	ChatID         int64     `json:"chat_id" db:"chat_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// NewLoanToken returns a fresh 48-hex loan token.
func NewLoanToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("token generation failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// ValidToken reports whether s is a well-formed loan token.
func ValidToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// Validate checks the loan invariants before it enters the store.
func (l *Loan) Validate() error {
	if !ValidToken(l.Token) {
		return fmt.Errorf("invalid loan token %q: must be 48 hex characters", l.Token)
	}
	if l.LoanAmountUSD <= 0 {
		return fmt.Errorf("loan_amount_usd must be positive, got %f", l.LoanAmountUSD)
	}
	if l.BTCCollateral <= 0 {
		return fmt.Errorf("btc_collateral must be positive, got %f", l.BTCCollateral)
	}
	if l.MarginCallLTV <= 0 || l.MarginCallLTV >= 1 {
		return fmt.Errorf("margin_call_ltv must be in (0,1), got %f", l.MarginCallLTV)
	}
	if l.LiquidationLTV <= 0 || l.LiquidationLTV >= 1 {
		return fmt.Errorf("liquidation_ltv must be in (0,1), got %f", l.LiquidationLTV)
	}
	if l.LiquidationLTV <= l.MarginCallLTV {
		return fmt.Errorf("liquidation_ltv %f must exceed margin_call_ltv %f", l.LiquidationLTV, l.MarginCallLTV)
	}
	return nil
}

// LTV computes the current loan-to-value ratio at the given BTC/USD price.
// Returns 0 when the collateral value is not positive.
func (l *Loan) LTV(price float64) float64 {
	collateralValue := l.BTCCollateral * price
	if collateralValue <= 0 {
		return 0
	}
	return l.LoanAmountUSD / collateralValue
}

// MarginCallPrice is the BTC price at which the loan hits its margin-call LTV.
func (l *Loan) MarginCallPrice() float64 {
	return l.LoanAmountUSD / (l.BTCCollateral * l.MarginCallLTV)
}

// LiquidationPrice is the BTC price at which the loan hits its liquidation LTV.
func (l *Loan) LiquidationPrice() float64 {
	return l.LoanAmountUSD / (l.BTCCollateral * l.LiquidationLTV)
}

// RiskTier is a discrete presentation-only classification of current LTV.
type RiskTier string

const (
	TierGreen       RiskTier = "GREEN"
	TierYellow      RiskTier = "YELLOW"
	TierOrange      RiskTier = "ORANGE"
	TierRed         RiskTier = "RED"
	TierLiquidation RiskTier = "LIQUIDATION"
)

// RiskTier classifies the loan's current LTV at the given price. The
// yellow and orange bands sit at 75% and 90% of the margin-call LTV so
// the tier tightens as the loan approaches a margin call.
func (l *Loan) RiskTier(price float64) RiskTier {
	ltv := l.LTV(price)
	switch {
	case ltv >= l.LiquidationLTV:
		return TierLiquidation
	case ltv >= l.MarginCallLTV:
		return TierRed
	case ltv >= 0.90*l.MarginCallLTV:
		return TierOrange
	case ltv >= 0.75*l.MarginCallLTV:
		return TierYellow
	default:
		return TierGreen
	}
}
