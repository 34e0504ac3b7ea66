package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/ratecache"
)

func newTestDetector(t *testing.T) (*Detector, *shard, chan model.OpportunityEvent) {
	t.Helper()
	events := make(chan model.OpportunityEvent, 64)
	cache := ratecache.New(func(model.Exchange) time.Duration { return 30 * time.Second })
	d := New(Config{
		Thresholds: Thresholds{
			Minimum:  decimal.NewFromFloat(0.0005),
			Warning:  decimal.NewFromFloat(0.0010),
			Critical: decimal.NewFromFloat(0.0020),
		},
		MinHoldMs:  2000,
		MaxStaleMs: 30000,
		Workers:    1,
	}, cache, events, zerolog.Nop())
	return d, d.shards[0], events
}

func tick(ex model.Exchange, symbol model.Symbol, rate float64, at time.Time) model.RateTick {
	return model.RateTick{
		Exchange:             ex,
		Symbol:               symbol,
		FundingRate:          decimal.NewFromFloat(rate),
		FundingIntervalHours: 8,
		Source:               model.SourceWS,
		ReceivedAt:           at,
	}
}

// TestSimpleOpenClose covers seed scenario 1: a pair crosses the minimum
// threshold, then drops back below it and holds there past minHoldMs.
func TestSimpleOpenClose(t *testing.T) {
	d, s, events := newTestDetector(t)
	now := time.Now()

	d.process(s, tick(model.Binance, "BTCUSDT", 0.0001, now))
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0010, now)) // spread 0.0009 >= minimum

	select {
	case ev := <-events:
		require.Equal(t, model.EventAppeared, ev.Kind)
		assert.Equal(t, model.Binance, ev.Spec.LongExchange)
		assert.Equal(t, model.OKX, ev.Spec.ShortExchange)
	default:
		t.Fatal("expected opportunity:appeared")
	}

	below := now.Add(time.Second)
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0002, below)) // spread collapses below minimum
	select {
	case ev := <-events:
		t.Fatalf("unexpected event before minHoldMs elapsed: %v", ev.Kind)
	default:
	}

	after := now.Add(3 * time.Second)
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0002, after))
	select {
	case ev := <-events:
		require.Equal(t, model.EventDisappeared, ev.Kind)
		require.NotNil(t, ev.History)
		assert.Equal(t, model.ReasonRateDropped, ev.History.DisappearReason)
	default:
		t.Fatal("expected opportunity:disappeared after minHoldMs")
	}
}

// TestUnsupportedSymbolFallback covers seed scenario 2: an exchange that
// marks a symbol unsupported is excluded from candidate selection entirely.
func TestUnsupportedSymbolFallback(t *testing.T) {
	events := make(chan model.OpportunityEvent, 64)
	cache := ratecache.New(func(model.Exchange) time.Duration { return 30 * time.Second })
	d := New(Config{
		Thresholds: Thresholds{
			Minimum:  decimal.NewFromFloat(0.0005),
			Warning:  decimal.NewFromFloat(0.0010),
			Critical: decimal.NewFromFloat(0.0020),
		},
		Workers: 1,
		Unsupported: func(ex model.Exchange, symbol model.Symbol) bool {
			return ex == model.MEXC && symbol == "BTCUSDT"
		},
	}, cache, events, zerolog.Nop())
	s := d.shards[0]
	now := time.Now()

	d.process(s, tick(model.MEXC, "BTCUSDT", 0.0050, now)) // would dominate if not excluded
	d.process(s, tick(model.Binance, "BTCUSDT", 0.0001, now))
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0010, now))

	select {
	case ev := <-events:
		require.Equal(t, model.EventAppeared, ev.Kind)
		assert.NotEqual(t, model.MEXC, ev.Spec.LongExchange)
		assert.NotEqual(t, model.MEXC, ev.Spec.ShortExchange)
	default:
		t.Fatal("expected opportunity:appeared excluding the unsupported exchange")
	}
}

// TestTransportFlapExpiresAfterMaxStale covers seed scenario 3: both legs of
// an active pair go stale and stay stale past maxStaleMs.
func TestTransportFlapExpiresAfterMaxStale(t *testing.T) {
	events := make(chan model.OpportunityEvent, 64)
	shortStale := ratecache.New(func(model.Exchange) time.Duration { return 100 * time.Millisecond })
	d := New(Config{
		Thresholds: Thresholds{
			Minimum:  decimal.NewFromFloat(0.0005),
			Warning:  decimal.NewFromFloat(0.0010),
			Critical: decimal.NewFromFloat(0.0020),
		},
		MaxStaleMs: 200,
		Workers:    1,
	}, shortStale, events, zerolog.Nop())
	s := d.shards[0]
	now := time.Now()

	d.process(s, tick(model.Binance, "BTCUSDT", 0.0001, now))
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0010, now))
	<-events // appeared

	// Neither leg produces another frame; periodic sweeps must still detect
	// the staleness and, eventually, expire the opportunity.
	d.sweepShard(s, now.Add(150*time.Millisecond))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event on first stale check: %v", ev.Kind)
	default:
	}

	d.sweepShard(s, now.Add(400*time.Millisecond))
	select {
	case ev := <-events:
		require.Equal(t, model.EventDisappeared, ev.Kind)
		assert.Equal(t, model.ReasonDataUnavailable, ev.History.DisappearReason)
	default:
		t.Fatal("expected opportunity:disappeared once both legs exceed maxStaleMs")
	}
}

// TestMaxSpreadTracking covers seed scenario 5: maxSpread only ever advances,
// even as currentSpread oscillates.
func TestMaxSpreadTracking(t *testing.T) {
	d, s, events := newTestDetector(t)
	now := time.Now()

	d.process(s, tick(model.Binance, "BTCUSDT", 0.0001, now))
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0010, now))
	appeared := <-events
	initialMax := appeared.Spec.MaxSpread

	d.process(s, tick(model.OKX, "BTCUSDT", 0.0030, now.Add(time.Second)))
	updated := <-events
	assert.True(t, updated.Spec.MaxSpread.GreaterThan(initialMax))

	d.process(s, tick(model.OKX, "BTCUSDT", 0.0012, now.Add(2*time.Second)))
	ev := <-events // relative change from 0.0029 to 0.0011 exceeds the 10% gate
	assert.True(t, ev.Spec.MaxSpread.Equal(updated.Spec.MaxSpread), "maxSpread must not regress")
	assert.True(t, ev.Spec.CurrentSpread.LessThan(ev.Spec.MaxSpread))
}

// TestCrossPairReselection covers seed scenario 6: a third exchange
// surpassing the active pair's spread causes an in-place pair reselection.
func TestCrossPairReselection(t *testing.T) {
	d, s, events := newTestDetector(t)
	now := time.Now()

	d.process(s, tick(model.Binance, "BTCUSDT", 0.0001, now))
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0010, now))
	appeared := <-events
	require.Equal(t, model.Binance, appeared.Spec.LongExchange)
	require.Equal(t, model.OKX, appeared.Spec.ShortExchange)

	d.process(s, tick(model.GateIO, "BTCUSDT", 0.0040, now.Add(time.Second)))
	select {
	case ev := <-events:
		require.Equal(t, model.EventUpdated, ev.Kind)
		assert.Equal(t, model.GateIO, ev.Spec.ShortExchange)
	default:
		t.Fatal("expected opportunity:updated on pair reselection")
	}
}

func TestSeverityUpgradeAlwaysEmits(t *testing.T) {
	d, s, events := newTestDetector(t)
	now := time.Now()

	d.process(s, tick(model.Binance, "BTCUSDT", 0.0001, now))
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0006, now)) // spread 0.0005, INFO tier
	appeared := <-events
	assert.Equal(t, model.SeverityInfo, appeared.Spec.Severity)

	// Spread moves from 0.0005 (INFO) to 0.0020, crossing into the CRITICAL
	// tier; the emitted update must carry the new severity.
	d.process(s, tick(model.OKX, "BTCUSDT", 0.0021, now.Add(time.Second)))
	select {
	case ev := <-events:
		assert.Equal(t, model.SeverityCritical, ev.Spec.Severity)
	default:
		t.Fatal("expected opportunity:updated on severity tier change")
	}
}

func TestAnnualizedReturnUsesMinInterval(t *testing.T) {
	got := annualizedReturn(decimal.NewFromFloat(0.001), 8, 4)
	want := decimal.NewFromFloat(0.001).Mul(decimal.NewFromInt(6)).Mul(decimal.NewFromInt(365))
	assert.True(t, got.Equal(want))
}
