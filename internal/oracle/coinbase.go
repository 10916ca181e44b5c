package oracle

import (
	"encoding/json"
	"strconv"

	"github.com/gorilla/websocket"
)

const coinbaseWSURL = "wss://ws-feed.exchange.coinbase.com"

// NewCoinbaseSource streams the BTC-USD ticker channel from Coinbase.
// An empty url uses the production endpoint.
func NewCoinbaseSource(url string, emit TickFunc) Source {
	if url == "" {
		url = coinbaseWSURL
	}
	return newWSSource("coinbase", url, coinbaseSubscribe, parseCoinbaseMessage, emit)
}

func coinbaseSubscribe(conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": []string{"BTC-USD"},
		"channels":    []string{"ticker"},
	})
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

// parseCoinbaseMessage extracts the price from a Coinbase ticker frame.
// Subscription acks and heartbeats carry other type values and drop out.
func parseCoinbaseMessage(data []byte) (float64, bool) {
	var msg coinbaseTicker
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, false
	}
	if msg.Type != "ticker" || msg.ProductID != "BTC-USD" || msg.Price == "" {
		return 0, false
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}
