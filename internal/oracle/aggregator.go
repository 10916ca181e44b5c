// Package oracle implements the multi-source BTC/USD price pipeline:
// three exchange WebSocket sources, a median/TWAP aggregator with a
// circuit breaker, and the service that drives them on a poll timer.
package oracle

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/domain"
)

const (
	// maxTickAge is the freshness cutoff: ticks older than this are
	// excluded from aggregation and the owning source counts as stale.
	maxTickAge = 30 * time.Second

	// maxSamples bounds the TWAP sample ring. Ample for a 5-minute
	// window at any realistic tick rate.
	maxSamples = 2000

	// breakerCooldown is how long a circuit breaker trip suppresses
	// last-known-good advancement before the deviation is re-evaluated.
	breakerCooldown = 60 * time.Second
)

type sourceTick struct {
	price float64
	ts    time.Time
}

type priceSample struct {
	price   float64
	ts      time.Time
	sources []string
}

// Aggregator combines the freshest tick per source into a validated
// market price. It is passive: IngestTick feeds it, ComputeUpdate is
// called by the oracle service on its poll timer. Safe for concurrent
// use; ingestion is serialized with respect to computation.
type Aggregator struct {
	mu sync.Mutex

	twapWindow time.Duration
	breakerPct float64

	latest        map[string]sourceTick
	samples       []priceSample
	lastKnownGood float64
	tripped       bool
	trippedAt     time.Time

	now func() time.Time // injectable clock for tests
}

// NewAggregator builds an aggregator from the oracle configuration.
func NewAggregator(cfg config.OracleConfig) *Aggregator {
	return &Aggregator{
		twapWindow: cfg.TWAPWindow(),
		breakerPct: cfg.CircuitBreakerPct,
		latest:     make(map[string]sourceTick),
		now:        time.Now,
	}
}

// IngestTick records the freshest observation for a source, overwriting
// any previous one. Non-positive prices are ignored.
func (a *Aggregator) IngestTick(source string, price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	a.mu.Lock()
	a.latest[source] = sourceTick{price: price, ts: ts}
	a.mu.Unlock()
}

// LastKnownGood returns the last accepted median, or 0 before the first.
func (a *Aggregator) LastKnownGood() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastKnownGood
}

// SampleCount returns the current TWAP ring length.
func (a *Aggregator) SampleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}

// ComputeUpdate aggregates the fresh per-source ticks into a PriceUpdate.
// Returns nil when no source has ticked within the freshness cutoff.
func (a *Aggregator) ComputeUpdate() *domain.PriceUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	names := make([]string, 0, len(a.latest))
	prices := make([]float64, 0, len(a.latest))
	for name, tick := range a.latest {
		if now.Sub(tick.ts) < maxTickAge {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	for _, name := range names {
		prices = append(prices, a.latest[name].price)
	}

	median := medianOf(prices)

	// Circuit breaker: while tripped the update is still published with
	// the flag set, but the appended sample uses last-known-good so the
	// TWAP is not corrupted by the rejected excursion, and last-known-good
	// does not advance. The 60s cooldown biases TWAP toward the
	// pre-anomaly price for as long as the breaker stays tripped; that is
	// deliberate.
	tripped := false
	samplePrice := median
	if a.lastKnownGood > 0 {
		delta := math.Abs(median-a.lastKnownGood) / a.lastKnownGood
		if a.tripped && now.Sub(a.trippedAt) >= breakerCooldown {
			a.tripped = false
		}
		if delta > a.breakerPct/100 {
			if !a.tripped {
				a.tripped = true
				a.trippedAt = now
			}
			tripped = true
			samplePrice = a.lastKnownGood
		} else {
			a.tripped = false
			a.lastKnownGood = median
		}
	} else {
		a.lastKnownGood = median
	}

	a.samples = append(a.samples, priceSample{price: samplePrice, ts: now, sources: names})
	if len(a.samples) > maxSamples {
		a.samples = a.samples[len(a.samples)-maxSamples:]
	}

	return &domain.PriceUpdate{
		Price:          median,
		Timestamp:      now.UnixMilli(),
		Sources:        names,
		TWAP5m:         a.twapLocked(now),
		Confidence:     confidenceOf(prices),
		CircuitBreaker: tripped,
	}
}

// twapLocked computes the time-weighted average over the trailing window.
// Each sample is weighted by the interval until its successor; the last
// sample is weighted until now. Caller holds a.mu.
func (a *Aggregator) twapLocked(now time.Time) float64 {
	cutoff := now.Add(-a.twapWindow)
	var window []priceSample
	for _, s := range a.samples {
		if !s.ts.Before(cutoff) {
			window = append(window, s)
		}
	}

	switch len(window) {
	case 0:
		return a.lastKnownGood
	case 1:
		return window[0].price
	}

	var weighted, total float64
	for i, s := range window {
		var w float64
		if i+1 < len(window) {
			w = window[i+1].ts.Sub(s.ts).Seconds()
		} else {
			w = now.Sub(s.ts).Seconds()
		}
		weighted += s.price * w
		total += w
	}
	if total <= 0 {
		return window[len(window)-1].price
	}
	return weighted / total
}

func medianOf(prices []float64) float64 {
	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func confidenceOf(prices []float64) domain.Confidence {
	switch len(prices) {
	case 1:
		return domain.ConfidenceLow
	case 2:
		return domain.ConfidenceMedium
	}

	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	spread := (hi - lo) / lo
	switch {
	case spread < 0.005:
		return domain.ConfidenceHigh
	case spread < 0.01:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}
