package oracle

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/domain"
)

// SourceState tracks the connection phase of an exchange feed.
type SourceState int32

const (
	StateDisconnected SourceState = iota
	StateConnecting
	StateSubscribed
	StateStopped
)

func (s SourceState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// reconnectDelay is the fixed wait between connection attempts. No
// exponential backoff: exchanges are cooperative and a fixed cadence
// keeps the health view simple.
const reconnectDelay = 5 * time.Second

const handshakeTimeout = 15 * time.Second

// TickFunc receives every successfully parsed price observation.
type TickFunc func(domain.SourceTick)

// Source is one streaming exchange price feed.
type Source interface {
	Name() string
	Start()
	Stop()
	State() SourceState
	IsStale(maxAge time.Duration) bool
	LastTick() (price float64, ts time.Time)
}

// parseFunc extracts a price from one raw frame. ok is false for frames
// that are not price carriers (heartbeats, acks, schema variants); those
// are dropped without touching the connection.
type parseFunc func(data []byte) (price float64, ok bool)

// subscribeFunc sends the venue-specific subscribe frame.
type subscribeFunc func(conn *websocket.Conn) error

// wsSource is the shared reconnecting WebSocket machinery behind the
// Kraken, Coinbase and Bitstamp sources.
type wsSource struct {
	name      string
	url       string
	subscribe subscribeFunc
	parse     parseFunc
	emit      TickFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	state     SourceState
	stopped   bool
	lastPrice float64
	lastTick  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

func newWSSource(name, url string, subscribe subscribeFunc, parse parseFunc, emit TickFunc) *wsSource {
	return &wsSource{
		name:      name,
		url:       url,
		subscribe: subscribe,
		parse:     parse,
		emit:      emit,
		state:     StateDisconnected,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

func (s *wsSource) Name() string { return s.name }

// Start launches the connect/read/reconnect loop. Calling Start more
// than once, or after Stop, is a no-op.
func (s *wsSource) Start() {
	s.mu.Lock()
	if s.stopped || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop cancels any pending reconnect wait, closes the transport and
// waits for the read loop to drain. No tick is emitted after it returns.
func (s *wsSource) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.state = StateStopped
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *wsSource) State() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsStale reports whether the last tick is older than maxAge (or the
// source has never ticked).
func (s *wsSource) IsStale(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTick.IsZero() {
		return true
	}
	return s.now().Sub(s.lastTick) > maxAge
}

func (s *wsSource) LastTick() (float64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice, s.lastTick
}

func (s *wsSource) run() {
	defer s.wg.Done()

	for {
		if s.isStopped() {
			return
		}
		s.setState(StateConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.Dial(s.url, nil)
		if err != nil {
			log.Warn().Str("source", s.name).Err(err).Msg("Exchange feed connect failed")
			if !s.waitReconnect() {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		if err := s.subscribe(conn); err != nil {
			log.Warn().Str("source", s.name).Err(err).Msg("Exchange feed subscribe failed")
			conn.Close()
			if !s.waitReconnect() {
				return
			}
			continue
		}

		s.setState(StateSubscribed)
		log.Info().Str("source", s.name).Str("url", s.url).Msg("Exchange feed subscribed")

		s.readLoop(conn)
		conn.Close()

		if s.isStopped() {
			return
		}
		s.setState(StateDisconnected)
		log.Warn().Str("source", s.name).Msg("Exchange feed disconnected, reconnecting")
		if !s.waitReconnect() {
			return
		}
	}
}

// readLoop consumes frames until the connection drops. Malformed frames
// and non-positive prices are dropped silently; a parse failure never
// tears down the connection.
func (s *wsSource) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		price, ok := s.parse(data)
		if !ok || price <= 0 {
			continue
		}
		s.recordTick(price)
	}
}

func (s *wsSource) recordTick(price float64) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ts := s.now()
	s.lastPrice = price
	s.lastTick = ts
	emit := s.emit
	s.mu.Unlock()

	if emit != nil {
		emit(domain.SourceTick{Source: s.name, Price: price, Timestamp: ts.UnixMilli()})
	}
}

// waitReconnect sleeps the fixed reconnect delay; returns false when the
// source was stopped during the wait.
func (s *wsSource) waitReconnect() bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(reconnectDelay):
		return !s.isStopped()
	}
}

func (s *wsSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *wsSource) setState(state SourceState) {
	s.mu.Lock()
	if !s.stopped {
		s.state = state
	}
	s.mu.Unlock()
}
