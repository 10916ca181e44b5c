package oracle

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/bus"
	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/domain"
)

// Service owns the exchange sources and the aggregator. On every poll
// tick it asks the aggregator for an update and, when one is available,
// publishes it on the bus along with the operational system events.
type Service struct {
	cfg     config.OracleConfig
	bus     *bus.Bus
	agg     *Aggregator
	sources []Source

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	lastUpdate *domain.PriceUpdate
}

// NewService wires the aggregator and the default Kraken, Coinbase and
// Bitstamp sources. Sources passed explicitly replace the defaults
// (tests inject fakes this way).
func NewService(cfg config.OracleConfig, b *bus.Bus, sources ...Source) *Service {
	s := &Service{
		cfg: cfg,
		bus: b,
		agg: NewAggregator(cfg),
	}
	if len(sources) > 0 {
		s.sources = sources
	} else {
		s.sources = []Source{
			NewKrakenSource("", s.HandleTick),
			NewCoinbaseSource("", s.HandleTick),
			NewBitstampSource("", s.HandleTick),
		}
	}
	return s
}

// Aggregator exposes the owned aggregator for direct ingestion in tests
// and for health reporting.
func (s *Service) Aggregator() *Aggregator { return s.agg }

// Sources returns the owned sources.
func (s *Service) Sources() []Source { return s.sources }

// SourceStates reports the connection phase per source, for the health
// endpoint.
func (s *Service) SourceStates() map[string]string {
	out := make(map[string]string, len(s.sources))
	for _, src := range s.sources {
		state := src.State().String()
		if src.IsStale(maxTickAge) && state == StateSubscribed.String() {
			state = "stale"
		}
		out[src.Name()] = state
	}
	return out
}

// HandleTick feeds one source observation into the aggregator and
// republishes it on the bus for anyone watching the raw feeds.
func (s *Service) HandleTick(t domain.SourceTick) {
	s.agg.IngestTick(t.Source, t.Price, time.UnixMilli(t.Timestamp))
	s.bus.Publish(bus.TopicSourceTick, t)
}

// Start launches all sources and the poll loop. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for _, src := range s.sources {
		src.Start()
	}

	s.wg.Add(1)
	go s.pollLoop()

	log.Info().
		Int("sources", len(s.sources)).
		Dur("poll_interval", s.cfg.PollInterval()).
		Msg("Price oracle started")
}

// Stop cancels the poll timer and stops every source.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	for _, src := range s.sources {
		src.Stop()
	}
	log.Info().Msg("Price oracle stopped")
}

// LastUpdate returns the most recent published update, or nil.
func (s *Service) LastUpdate() *domain.PriceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUpdate == nil {
		return nil
	}
	u := *s.lastUpdate
	return &u
}

func (s *Service) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one aggregation round: compute, record, publish. Exposed so
// tests can drive the oracle without the timer.
func (s *Service) Tick() {
	update := s.agg.ComputeUpdate()
	if update == nil {
		log.Debug().Msg("No fresh source ticks, skipping price update")
		return
	}

	s.mu.Lock()
	s.lastUpdate = update
	s.mu.Unlock()

	s.bus.Publish(bus.TopicPriceUpdate, *update)
	s.bus.Emit(domain.EventPriceUpdate, map[string]interface{}{
		"price":      update.Price,
		"sources":    len(update.Sources),
		"confidence": string(update.Confidence),
	})

	if update.CircuitBreaker {
		log.Warn().Float64("price", update.Price).Msg("Circuit breaker engaged on price update")
		s.bus.Emit(domain.EventCircuitBreaker, map[string]interface{}{
			"price":           update.Price,
			"last_known_good": s.agg.LastKnownGood(),
		})
	}

	if len(update.Sources) < s.cfg.MinSources {
		s.bus.Emit(domain.EventSourceDegraded, map[string]interface{}{
			"sources":     update.Sources,
			"min_sources": s.cfg.MinSources,
		})
	}
}
