package oracle

import (
	"encoding/json"
	"strconv"

	"github.com/gorilla/websocket"
)

const krakenWSURL = "wss://ws.kraken.com"

// NewKrakenSource streams the XBT/USD ticker channel from Kraken.
// An empty url uses the production endpoint.
func NewKrakenSource(url string, emit TickFunc) Source {
	if url == "" {
		url = krakenWSURL
	}
	return newWSSource("kraken", url, krakenSubscribe, parseKrakenMessage, emit)
}

func krakenSubscribe(conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]interface{}{
		"event": "subscribe",
		"pair":  []string{"XBT/USD"},
		"subscription": map[string]interface{}{
			"name": "ticker",
		},
	})
}

// parseKrakenMessage extracts the last trade price from a Kraken ticker
// frame. Ticker frames are arrays [channelID, data, "ticker", pair] with
// the price at data.c[0]. Everything else (heartbeats, subscription
// status objects) is dropped.
func parseKrakenMessage(data []byte) (float64, bool) {
	var msg []interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, false
	}
	if len(msg) < 4 {
		return 0, false
	}
	channel, ok := msg[2].(string)
	if !ok || channel != "ticker" {
		return 0, false
	}
	payload, ok := msg[1].(map[string]interface{})
	if !ok {
		return 0, false
	}
	closeData, ok := payload["c"].([]interface{})
	if !ok || len(closeData) == 0 {
		return 0, false
	}
	priceStr, ok := closeData[0].(string)
	if !ok {
		return 0, false
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}
