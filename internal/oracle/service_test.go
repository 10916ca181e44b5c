package oracle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collateralhq/loanwatch/internal/bus"
	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/domain"
)

// fakeSource satisfies Source without any network machinery.
type fakeSource struct {
	name string

	mu      sync.Mutex
	started int
	stopped int
	state   SourceState
	stale   bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.state = StateSubscribed
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.state = StateStopped
}

func (f *fakeSource) State() SourceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) IsStale(time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

func (f *fakeSource) LastTick() (float64, time.Time) { return 0, time.Time{} }

func newTestService(t *testing.T) (*Service, *bus.Bus) {
	t.Helper()
	cfg := config.OracleConfig{
		TWAPWindowSeconds:   300,
		CircuitBreakerPct:   10,
		MinSources:          2,
		PricePollIntervalMs: 5000,
	}
	b := bus.New()
	svc := NewService(cfg, b, &fakeSource{name: "kraken"}, &fakeSource{name: "coinbase"})
	return svc, b
}

func TestService_StartStopIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	src := svc.Sources()[0].(*fakeSource)

	svc.Start()
	svc.Start()
	assert.Equal(t, 1, src.started)

	svc.Stop()
	svc.Stop()
	assert.Equal(t, 1, src.stopped)
}

func TestService_TickPublishesUpdate(t *testing.T) {
	svc, b := newTestService(t)

	var updates []domain.PriceUpdate
	b.Subscribe(bus.TopicPriceUpdate, func(payload interface{}) {
		updates = append(updates, payload.(domain.PriceUpdate))
	})

	now := time.Now()
	svc.HandleTick(domain.SourceTick{Source: "kraken", Price: 60000, Timestamp: now.UnixMilli()})
	svc.HandleTick(domain.SourceTick{Source: "coinbase", Price: 60100, Timestamp: now.UnixMilli()})
	svc.Tick()

	require.Len(t, updates, 1)
	assert.Equal(t, 60050.0, updates[0].Price)
	assert.Equal(t, []string{"coinbase", "kraken"}, updates[0].Sources)

	last := svc.LastUpdate()
	require.NotNil(t, last)
	assert.Equal(t, updates[0].Price, last.Price)

	events := b.Events(domain.EventPriceUpdate, 10)
	require.Len(t, events, 1)
	assert.Equal(t, 60050.0, events[0].Data["price"])
	assert.Equal(t, 2, events[0].Data["sources"])
}

func TestService_TickWithoutDataPublishesNothing(t *testing.T) {
	svc, b := newTestService(t)

	published := false
	b.Subscribe(bus.TopicPriceUpdate, func(interface{}) { published = true })

	svc.Tick()

	assert.False(t, published)
	assert.Nil(t, svc.LastUpdate())
	assert.Empty(t, b.Events(domain.EventPriceUpdate, 10))
}

func TestService_HandleTickRepublishesOnBus(t *testing.T) {
	svc, b := newTestService(t)

	var ticks []domain.SourceTick
	b.Subscribe(bus.TopicSourceTick, func(payload interface{}) {
		ticks = append(ticks, payload.(domain.SourceTick))
	})

	tick := domain.SourceTick{Source: "kraken", Price: 60000, Timestamp: time.Now().UnixMilli()}
	svc.HandleTick(tick)

	require.Len(t, ticks, 1)
	assert.Equal(t, tick, ticks[0])
}

func TestService_SourceDegradedEvent(t *testing.T) {
	svc, b := newTestService(t)

	// Only one of min_sources=2 reporting.
	svc.HandleTick(domain.SourceTick{Source: "kraken", Price: 60000, Timestamp: time.Now().UnixMilli()})
	svc.Tick()

	events := b.Events(domain.EventSourceDegraded, 10)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Data["min_sources"])

	// Second source recovers: no further degraded events.
	svc.HandleTick(domain.SourceTick{Source: "coinbase", Price: 60100, Timestamp: time.Now().UnixMilli()})
	svc.Tick()
	assert.Len(t, b.Events(domain.EventSourceDegraded, 10), 1)
}

func TestService_CircuitBreakerEvent(t *testing.T) {
	svc, b := newTestService(t)

	now := time.Now()
	svc.HandleTick(domain.SourceTick{Source: "kraken", Price: 60000, Timestamp: now.UnixMilli()})
	svc.HandleTick(domain.SourceTick{Source: "coinbase", Price: 60000, Timestamp: now.UnixMilli()})
	svc.Tick()
	require.Empty(t, b.Events(domain.EventCircuitBreaker, 10))

	// A >10 pct jump trips the breaker on the next round.
	svc.HandleTick(domain.SourceTick{Source: "kraken", Price: 70000, Timestamp: now.UnixMilli()})
	svc.HandleTick(domain.SourceTick{Source: "coinbase", Price: 70000, Timestamp: now.UnixMilli()})
	svc.Tick()

	events := b.Events(domain.EventCircuitBreaker, 10)
	require.Len(t, events, 1)
	assert.Equal(t, 70000.0, events[0].Data["price"])
	assert.Equal(t, 60000.0, events[0].Data["last_known_good"])

	last := svc.LastUpdate()
	require.NotNil(t, last)
	assert.True(t, last.CircuitBreaker)
}

func TestService_SourceStates(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Start()
	defer svc.Stop()

	states := svc.SourceStates()
	assert.Equal(t, "subscribed", states["kraken"])
	assert.Equal(t, "subscribed", states["coinbase"])

	svc.Sources()[0].(*fakeSource).stale = true
	states = svc.SourceStates()
	assert.Equal(t, "stale", states["kraken"])
}
