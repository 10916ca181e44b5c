package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/bus"
	"github.com/collateralhq/loanwatch/internal/domain"
)

// MetricsRegistry holds the Prometheus metrics for the price pipeline.
type MetricsRegistry struct {
	registry *prometheus.Registry

	SourceTicks     *prometheus.CounterVec
	PriceUpdates    prometheus.Counter
	CircuitBreaker  prometheus.Gauge
	LastPrice       prometheus.Gauge
	AlertsTriggered *prometheus.CounterVec
	WSClients       prometheus.Gauge
}

// NewMetricsRegistry creates and registers all loanwatch metrics on a
// private registry so tests stay isolated from the global one.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		SourceTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanwatch_source_ticks_total",
				Help: "Price ticks received per exchange source",
			},
			[]string{"source"},
		),
		PriceUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loanwatch_price_updates_total",
				Help: "Aggregated price updates published",
			},
		),
		CircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loanwatch_circuit_breaker_engaged",
				Help: "1 while the aggregator circuit breaker is tripped",
			},
		),
		LastPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loanwatch_btc_usd_price",
				Help: "Last aggregated BTC/USD price",
			},
		),
		AlertsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanwatch_alerts_triggered_total",
				Help: "Alerts triggered by type",
			},
			[]string{"type"},
		),
		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loanwatch_ws_clients",
				Help: "Connected dashboard WebSocket clients",
			},
		),
	}

	m.registry.MustRegister(
		m.SourceTicks,
		m.PriceUpdates,
		m.CircuitBreaker,
		m.LastPrice,
		m.AlertsTriggered,
		m.WSClients,
	)
	return m
}

// Observe wires the registry to the bus so the pipeline does not carry a
// direct metrics dependency.
func (m *MetricsRegistry) Observe(b *bus.Bus) {
	b.Subscribe(bus.TopicSourceTick, func(payload interface{}) {
		if tick, ok := payload.(domain.SourceTick); ok {
			m.SourceTicks.WithLabelValues(tick.Source).Inc()
		}
	})
	b.Subscribe(bus.TopicPriceUpdate, func(payload interface{}) {
		update, ok := payload.(domain.PriceUpdate)
		if !ok {
			return
		}
		m.PriceUpdates.Inc()
		m.LastPrice.Set(update.Price)
		if update.CircuitBreaker {
			m.CircuitBreaker.Set(1)
		} else {
			m.CircuitBreaker.Set(0)
		}
	})
	b.Subscribe(bus.TopicSystemEvent, func(payload interface{}) {
		ev, ok := payload.(domain.SystemEvent)
		if !ok || ev.Type != domain.EventAlertTriggered {
			return
		}
		alertType, _ := ev.Data["type"].(string)
		if alertType == "" {
			alertType = "unknown"
		}
		m.AlertsTriggered.WithLabelValues(alertType).Inc()
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot flattens the current counter and gauge values by metric name.
// Labeled series are summed. Used by the health endpoint.
func (m *MetricsRegistry) Snapshot() map[string]float64 {
	families, err := m.registry.Gather()
	if err != nil {
		log.Error().Err(err).Msg("Failed to gather metrics")
		return nil
	}

	out := make(map[string]float64, len(families))
	for _, family := range families {
		var total float64
		for _, metric := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				total += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += metric.GetGauge().GetValue()
			}
		}
		out[family.GetName()] = total
	}
	return out
}
