package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegram_NotifySendsMarkdownMessage(t *testing.T) {
	var got telegramMessage
	var path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(telegramResponse{OK: true})
	}))
	defer srv.Close()

	tg := newTelegram("test-token", srv.URL)
	err := tg.Notify(context.Background(), 42, "🔔 *Price alert*")
	require.NoError(t, err)

	assert.Equal(t, "/bottest-token/sendMessage", path)
	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, "🔔 *Price alert*", got.Text)
	assert.Equal(t, "Markdown", got.ParseMode)
}

func TestTelegram_NotifyAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(telegramResponse{
			OK:          false,
			ErrorCode:   400,
			Description: "Bad Request: chat not found",
		})
	}))
	defer srv.Close()

	tg := newTelegram("test-token", srv.URL)
	err := tg.Notify(context.Background(), 42, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegram_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(telegramResponse{OK: false, ErrorCode: 500, Description: "boom"})
	}))
	defer srv.Close()

	tg := newTelegram("test-token", srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, tg.Notify(ctx, 1, "x"))
	}
	require.Equal(t, 3, calls)

	// Breaker is open now: the request never reaches the transport.
	require.Error(t, tg.Notify(ctx, 1, "x"))
	assert.Equal(t, 3, calls)
}

func TestTelegram_NotifyCancelledContext(t *testing.T) {
	tg := newTelegram("test-token", "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tg.Notify(ctx, 1, "x")
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Notify(context.Background(), 1, "ignored"))
}
