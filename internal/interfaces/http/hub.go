package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/bus"
	"github.com/collateralhq/loanwatch/internal/domain"
)

const wsWriteWait = 5 * time.Second

// wsEnvelope is the dashboard wire frame.
type wsEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub rebroadcasts every price update to connected dashboard clients.
// Slow or dead clients are dropped on write failure; the hub never
// blocks the pipeline.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *MetricsRegistry

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub returns an empty hub. metrics may be nil.
func NewHub(metrics *MetricsRegistry) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard reads are token-authorized, not origin-bound.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics: metrics,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Attach subscribes the hub to the price update stream.
func (h *Hub) Attach(b *bus.Bus) {
	b.Subscribe(bus.TopicPriceUpdate, func(payload interface{}) {
		if update, ok := payload.(domain.PriceUpdate); ok {
			h.Broadcast(wsEnvelope{Type: "price", Data: update})
		}
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends one frame to every client, dropping clients whose
// write fails.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal WS frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
			h.setClientGauge()
		}
	}
}

// handleWS upgrades the connection, sends the last price as an initial
// snapshot, and keeps the client registered until it disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if update, err := s.store.GetLastPrice(r.Context()); err == nil {
		data, _ := json.Marshal(wsEnvelope{Type: "price", Data: update})
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteMessage(websocket.TextMessage, data)
	}

	s.hub.register(conn)

	// Reader goroutine: the dashboard never sends application data, but
	// reading is required to notice the close frame.
	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.setClientGauge()
	h.mu.Unlock()
}

func (h *Hub) unregister(conn *websocket.Conn) {
	conn.Close()
	h.mu.Lock()
	delete(h.clients, conn)
	h.setClientGauge()
	h.mu.Unlock()
}

// setClientGauge is called with h.mu held.
func (h *Hub) setClientGauge() {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(len(h.clients)))
	}
}
