// Package notify delivers alert messages to loan holders over the
// Telegram Bot API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram sends messages through the Bot API. Outbound calls are rate
// limited below the Bot API's ~30 msg/s ceiling and wrapped in a circuit
// breaker so a dead API does not pile up blocked senders.
type Telegram struct {
	token   string
	apiBase string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewTelegram builds a notifier for the given bot token.
func NewTelegram(token string) *Telegram {
	return newTelegram(token, telegramAPIBase)
}

func newTelegram(token, apiBase string) *Telegram {
	settings := gobreaker.Settings{
		Name:    "telegram",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Notification breaker state change")
		},
	}
	return &Telegram{
		token:   token,
		apiBase: apiBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

type telegramMessage struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Notify sends one Markdown message to the chat.
func (t *Telegram) Notify(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit wait aborted: %w", err)
	}
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.send(ctx, chatID, text)
	})
	return err
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	var body telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode telegram response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		return fmt.Errorf("telegram API error %d: %s", body.ErrorCode, body.Description)
	}
	return nil
}

// Noop discards every notification. Used when no bot token is configured
// and in tests.
type Noop struct{}

func (Noop) Notify(_ context.Context, chatID int64, text string) error {
	log.Debug().Int64("chat_id", chatID).Str("text", text).Msg("Notification dropped (no notifier configured)")
	return nil
}
