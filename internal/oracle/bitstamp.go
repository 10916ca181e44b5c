package oracle

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

const bitstampWSURL = "wss://ws.bitstamp.net"

// NewBitstampSource streams the btcusd live trades channel from Bitstamp.
// An empty url uses the production endpoint.
func NewBitstampSource(url string, emit TickFunc) Source {
	if url == "" {
		url = bitstampWSURL
	}
	return newWSSource("bitstamp", url, bitstampSubscribe, parseBitstampMessage, emit)
}

func bitstampSubscribe(conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]interface{}{
		"event": "bts:subscribe",
		"data": map[string]interface{}{
			"channel": "live_trades_btcusd",
		},
	})
}

type bitstampTrade struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Data    struct {
		Price json.Number `json:"price"`
	} `json:"data"`
}

// parseBitstampMessage extracts the trade price from a Bitstamp live
// trade frame. Subscription confirmations (bts:subscription_succeeded)
// and reconnect requests drop out on the event check.
func parseBitstampMessage(data []byte) (float64, bool) {
	var msg bitstampTrade
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, false
	}
	if msg.Event != "trade" || msg.Channel != "live_trades_btcusd" {
		return 0, false
	}
	price, err := msg.Data.Price.Float64()
	if err != nil {
		return 0, false
	}
	return price, true
}
