// Package alerts implements edge-triggered price and LTV threshold
// detection over the aggregated price stream. Every alert fires at most
// once per arming; re-arming requires deleting and recreating the alert.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/bus"
	"github.com/collateralhq/loanwatch/internal/domain"
	"github.com/collateralhq/loanwatch/internal/store"
)

// Notifier delivers a human-readable alert message to the loan's chat.
// Delivery is at-most-once: a failed send is logged and swallowed.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Engine consumes price updates and sweeps all non-triggered alerts for
// threshold crossings. It remembers the previous observation per scalar
// so it detects crossings, not sides.
type Engine struct {
	store    store.Store
	notifier Notifier
	bus      *bus.Bus

	// prevPrice and prevLTV hold the previous observation; 0 / absence
	// means "no prior observation", which makes the first update act as
	// a fresh boundary so an alert created past its threshold still
	// fires once.
	prevPrice float64
	prevLTV   map[string]float64
}

// NewEngine builds an alert engine over the given state surface.
func NewEngine(st store.Store, n Notifier, b *bus.Bus) *Engine {
	return &Engine{
		store:    st,
		notifier: n,
		bus:      b,
		prevLTV:  make(map[string]float64),
	}
}

// Start subscribes the engine to the price update stream. The bus
// delivers updates synchronously and in order, which the edge detection
// relies on.
func (e *Engine) Start() {
	e.bus.Subscribe(bus.TopicPriceUpdate, func(payload interface{}) {
		update, ok := payload.(domain.PriceUpdate)
		if !ok {
			return
		}
		e.HandleUpdate(context.Background(), update)
	})
}

// HandleUpdate runs both alert sweeps for one price update, then rolls
// the previous-observation state forward.
func (e *Engine) HandleUpdate(ctx context.Context, update domain.PriceUpdate) {
	if err := e.store.SetLastPrice(ctx, update); err != nil {
		log.Error().Err(err).Msg("Failed to persist last price")
	}

	e.sweepPriceAlerts(ctx, update)
	e.sweepLtvAlerts(ctx, update)

	// Refresh the previous LTV for every loan, not only loans with
	// alerts, so an alert created before the next tick has a valid
	// previous observation.
	loans, err := e.store.GetAllLoans(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list loans for LTV refresh")
	} else {
		for _, loan := range loans {
			if ltv := loan.LTV(update.Price); ltv > 0 {
				e.prevLTV[loan.Token] = ltv
			}
		}
	}

	e.prevPrice = update.Price
}

func (e *Engine) sweepPriceAlerts(ctx context.Context, update domain.PriceUpdate) {
	alerts, err := e.store.GetAllPriceAlerts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list price alerts")
		return
	}

	for _, alert := range alerts {
		if alert.Triggered {
			continue
		}
		if !crossed(e.prevPrice, update.Price, alert.Threshold, alert.Direction) {
			continue
		}
		e.triggerPriceAlert(ctx, alert, update)
	}
}

func (e *Engine) triggerPriceAlert(ctx context.Context, alert domain.PriceAlert, update domain.PriceUpdate) {
	now := time.Now().UTC()

	// Mark before send: losing a notification is acceptable, a duplicate
	// on restart is not.
	if err := e.store.MarkPriceAlertTriggered(ctx, alert.ID, now); err != nil {
		log.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to mark price alert triggered")
		return
	}

	verb := "fell below"
	if alert.Direction == domain.DirectionAbove {
		verb = "rose above"
	}
	text := fmt.Sprintf("🔔 *Price alert*\nBTC/USD %s your threshold of $%.2f\nCurrent price: *$%.2f*",
		verb, alert.Threshold, update.Price)

	e.deliver(ctx, alert.Token, text)
	e.bus.Emit(domain.EventAlertTriggered, map[string]interface{}{
		"type":      "price",
		"alert_id":  alert.ID,
		"value":     update.Price,
		"threshold": alert.Threshold,
	})

	log.Info().
		Str("alert_id", alert.ID).
		Float64("threshold", alert.Threshold).
		Float64("price", update.Price).
		Str("direction", string(alert.Direction)).
		Msg("Price alert triggered")
}

func (e *Engine) sweepLtvAlerts(ctx context.Context, update domain.PriceUpdate) {
	alerts, err := e.store.GetAllLtvAlerts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list ltv alerts")
		return
	}

	for _, alert := range alerts {
		if alert.Triggered {
			continue
		}
		loan, err := e.store.GetLoan(ctx, alert.Token)
		if err != nil {
			continue
		}
		if loan.BTCCollateral*update.Price <= 0 {
			// Collateral value is not meaningful at this price; skip the
			// alert for this tick rather than fire on garbage.
			continue
		}
		curr := loan.LTV(update.Price)
		prev := e.prevLTV[alert.Token]
		if !crossed(prev, curr, alert.LtvThreshold, alert.Direction) {
			continue
		}
		e.triggerLtvAlert(ctx, alert, loan, curr, update)
	}
}

func (e *Engine) triggerLtvAlert(ctx context.Context, alert domain.LtvAlert, loan *domain.Loan, ltv float64, update domain.PriceUpdate) {
	now := time.Now().UTC()

	if err := e.store.MarkLtvAlertTriggered(ctx, alert.ID, now); err != nil {
		log.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to mark ltv alert triggered")
		return
	}

	verb := "fell below"
	if alert.Direction == domain.DirectionAbove {
		verb = "rose above"
	}
	text := fmt.Sprintf("⚠️ *LTV alert*\nYour loan's LTV %s your threshold of %.1f%%\nCurrent LTV: *%.1f%%* (BTC at $%.2f)\nRisk tier: %s",
		verb, alert.LtvThreshold*100, ltv*100, update.Price, loan.RiskTier(update.Price))

	e.deliver(ctx, alert.Token, text)
	e.bus.Emit(domain.EventAlertTriggered, map[string]interface{}{
		"type":      "ltv",
		"alert_id":  alert.ID,
		"value":     ltv,
		"threshold": alert.LtvThreshold,
	})

	log.Info().
		Str("alert_id", alert.ID).
		Float64("threshold", alert.LtvThreshold).
		Float64("ltv", ltv).
		Str("direction", string(alert.Direction)).
		Msg("LTV alert triggered")
}

// deliver routes the message to the loan's chat. Failures never
// interrupt alert processing or un-trigger the alert.
func (e *Engine) deliver(ctx context.Context, token, text string) {
	loan, err := e.store.GetLoan(ctx, token)
	if err != nil {
		log.Warn().Str("token", token).Msg("Alert fired for unknown loan, skipping notification")
		return
	}
	if err := e.notifier.Notify(ctx, loan.ChatID, text); err != nil {
		log.Error().Err(err).Int64("chat_id", loan.ChatID).Msg("Notification delivery failed")
	}
}

// crossed reports whether the scalar crossed the threshold between prev
// and curr in the given direction. prev == 0 means no prior observation:
// the current value alone decides, so an alert armed while the world is
// already past its threshold fires on the first update.
func crossed(prev, curr, threshold float64, direction domain.AlertDirection) bool {
	switch direction {
	case domain.DirectionBelow:
		if prev > 0 {
			return prev >= threshold && curr < threshold
		}
		return curr < threshold
	case domain.DirectionAbove:
		if prev > 0 {
			return prev <= threshold && curr > threshold
		}
		return curr > threshold
	default:
		return false
	}
}
