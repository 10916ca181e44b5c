package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/domain"
)

func testOracleConfig() config.OracleConfig {
	return config.OracleConfig{
		TWAPWindowSeconds:   300,
		CircuitBreakerPct:   10,
		MinSources:          1,
		PricePollIntervalMs: 5000,
	}
}

// testClock drives the aggregator's injected clock.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestAggregator(clock *testClock) *Aggregator {
	agg := NewAggregator(testOracleConfig())
	agg.now = clock.Now
	return agg
}

func TestAggregator_NoFreshTicksReturnsNil(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	assert.Nil(t, agg.ComputeUpdate())

	agg.IngestTick("kraken", 60000, clock.Now())
	clock.Advance(31 * time.Second)
	assert.Nil(t, agg.ComputeUpdate(), "tick older than 30s must be excluded")
}

func TestAggregator_MedianOfThreeSources(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	agg.IngestTick("kraken", 60000, clock.Now())
	agg.IngestTick("coinbase", 60500, clock.Now())
	agg.IngestTick("bitstamp", 60200, clock.Now())

	update := agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.Equal(t, 60200.0, update.Price, "median of three is the middle price")
	assert.ElementsMatch(t, []string{"kraken", "coinbase", "bitstamp"}, update.Sources)
	// Spread is (60500-60000)/60000 ≈ 0.83%, inside the 1% medium band.
	assert.Equal(t, domain.ConfidenceMedium, update.Confidence)
	assert.False(t, update.CircuitBreaker)
}

func TestAggregator_ConfidenceBands(t *testing.T) {
	tests := []struct {
		name   string
		prices map[string]float64
		want   domain.Confidence
	}{
		{"three_tight", map[string]float64{"kraken": 60000, "coinbase": 60100, "bitstamp": 60050}, domain.ConfidenceHigh},
		{"three_loose", map[string]float64{"kraken": 60000, "coinbase": 61000, "bitstamp": 60500}, domain.ConfidenceLow},
		{"two_sources", map[string]float64{"kraken": 60000, "coinbase": 60001}, domain.ConfidenceMedium},
		{"one_source", map[string]float64{"kraken": 60000}, domain.ConfidenceLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newTestClock()
			agg := newTestAggregator(clock)
			for source, price := range tt.prices {
				agg.IngestTick(source, price, clock.Now())
			}
			update := agg.ComputeUpdate()
			require.NotNil(t, update)
			assert.Equal(t, tt.want, update.Confidence)
			assert.Len(t, update.Sources, len(tt.prices))
		})
	}
}

func TestAggregator_EvenMedianAveragesMiddlePair(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	agg.IngestTick("kraken", 60000, clock.Now())
	agg.IngestTick("coinbase", 60400, clock.Now())

	update := agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.Equal(t, 60200.0, update.Price)
}

func TestAggregator_DeterministicWithinSameInstant(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	agg.IngestTick("bitstamp", 60200, clock.Now())
	agg.IngestTick("kraken", 60000, clock.Now())
	agg.IngestTick("coinbase", 60500, clock.Now())

	first := agg.ComputeUpdate()
	second := agg.ComputeUpdate()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, first.Sources, second.Sources)
	assert.Equal(t, first.Confidence, second.Confidence)
}

func TestAggregator_SourceNamesUnique(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	// Repeated ticks from one source overwrite, never duplicate.
	agg.IngestTick("kraken", 60000, clock.Now())
	agg.IngestTick("kraken", 60100, clock.Now())

	update := agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.Equal(t, []string{"kraken"}, update.Sources)
	assert.Equal(t, 60100.0, update.Price, "freshest tick per source wins")
}

func TestAggregator_IgnoresNonPositivePrices(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	agg.IngestTick("kraken", 0, clock.Now())
	agg.IngestTick("coinbase", -5, clock.Now())
	assert.Nil(t, agg.ComputeUpdate())
}

func TestAggregator_CircuitBreaker(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	// Establish last-known-good at 60000.
	agg.IngestTick("kraken", 60000, clock.Now())
	update := agg.ComputeUpdate()
	require.NotNil(t, update)
	require.False(t, update.CircuitBreaker)
	require.Equal(t, 60000.0, agg.LastKnownGood())

	// +20% excursion against a 10% threshold trips the breaker.
	clock.Advance(5 * time.Second)
	agg.IngestTick("kraken", 72000, clock.Now())
	update = agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.Equal(t, 72000.0, update.Price, "tripped update still carries the median")
	assert.True(t, update.CircuitBreaker)
	assert.Equal(t, 60000.0, agg.LastKnownGood(), "last-known-good never advances on a trip")
	// The appended sample used last-known-good, so TWAP holds near 60000.
	assert.InDelta(t, 60000.0, update.TWAP5m, 1.0)

	// Still inside the 60s window: remains tripped.
	clock.Advance(30 * time.Second)
	agg.IngestTick("kraken", 72000, clock.Now())
	update = agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.True(t, update.CircuitBreaker)
	assert.Equal(t, 60000.0, agg.LastKnownGood())

	// Past the window the deviation re-evaluates and re-trips.
	clock.Advance(31 * time.Second)
	agg.IngestTick("kraken", 72000, clock.Now())
	update = agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.True(t, update.CircuitBreaker, "still 20% away, so the breaker re-trips")
	assert.Equal(t, 60000.0, agg.LastKnownGood())
}

func TestAggregator_CircuitBreakerClearsOnReturn(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	agg.IngestTick("kraken", 60000, clock.Now())
	require.NotNil(t, agg.ComputeUpdate())

	clock.Advance(5 * time.Second)
	agg.IngestTick("kraken", 72000, clock.Now())
	update := agg.ComputeUpdate()
	require.NotNil(t, update)
	require.True(t, update.CircuitBreaker)

	// Price returns inside the threshold: trip clears, LKG advances.
	clock.Advance(5 * time.Second)
	agg.IngestTick("kraken", 61000, clock.Now())
	update = agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.False(t, update.CircuitBreaker)
	assert.Equal(t, 61000.0, agg.LastKnownGood())
}

func TestAggregator_TWAPSingleSample(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	agg.IngestTick("kraken", 64250, clock.Now())
	update := agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.Equal(t, 64250.0, update.TWAP5m, "TWAP over one sample is that sample")
}

func TestAggregator_TWAPTimeWeighting(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	// 60000 held for 100s, 61000 held for 100s, 62000 for an instant:
	// TWAP = (60000*100 + 61000*100) / 200 = 60500.
	agg.IngestTick("kraken", 60000, clock.Now())
	require.NotNil(t, agg.ComputeUpdate())

	clock.Advance(100 * time.Second)
	agg.IngestTick("kraken", 61000, clock.Now())
	update := agg.ComputeUpdate()
	require.NotNil(t, update)

	clock.Advance(100 * time.Second)
	agg.IngestTick("kraken", 62000, clock.Now())
	update = agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.InDelta(t, 60500.0, update.TWAP5m, 0.001)
}

func TestAggregator_TWAPWindowExcludesOldSamples(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	agg.IngestTick("kraken", 60000, clock.Now())
	require.NotNil(t, agg.ComputeUpdate())

	// Move past the 5 minute window; the old sample drops out.
	clock.Advance(301 * time.Second)
	agg.IngestTick("kraken", 62000, clock.Now())
	update := agg.ComputeUpdate()
	require.NotNil(t, update)
	assert.Equal(t, 62000.0, update.TWAP5m)
}

func TestAggregator_SampleRingBounded(t *testing.T) {
	clock := newTestClock()
	agg := newTestAggregator(clock)

	for i := 0; i < maxSamples+100; i++ {
		agg.IngestTick("kraken", 60000, clock.Now())
		require.NotNil(t, agg.ComputeUpdate())
		clock.Advance(10 * time.Millisecond)
	}
	assert.Equal(t, maxSamples, agg.SampleCount())
}

func TestMedianOf(t *testing.T) {
	assert.Equal(t, 2.0, medianOf([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, medianOf([]float64{1, 2, 3, 4}))
	assert.Equal(t, 7.0, medianOf([]float64{7}))
}
