package health

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/shuiali/crossspread-arb/internal/datasource"
	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/ratecache"
)

func newTestMonitor(t *testing.T) (*Monitor, *ratecache.Cache) {
	t.Helper()
	cache := ratecache.New(func(model.Exchange) time.Duration { return 30 * time.Second })
	dsm := datasource.New(datasource.Config{}, zerolog.Nop())
	mon := New(Config{
		Exchanges:   []model.Exchange{model.Binance, model.OKX},
		Cache:       cache,
		DataSource:  dsm,
		ActiveCount: func() int { return 3 },
		QueueDepth:  func() int { return 2 },
		StaleFor:    func(model.Exchange) time.Duration { return 30 * time.Second },
	}, zerolog.Nop())
	return mon, cache
}

func TestReportMarksExchangeWithNoTicksAsStale(t *testing.T) {
	mon, _ := newTestMonitor(t)
	report := mon.Report()
	assert.True(t, report.PerExchange[model.Binance].Stale)
	assert.Equal(t, 3, report.ActiveOpportunities)
	assert.Equal(t, 2, report.DebouncerQueueDepth)
}

func TestReportMarksExchangeFreshAfterTick(t *testing.T) {
	mon, cache := newTestMonitor(t)
	cache.Put(model.RateTick{Exchange: model.Binance, Symbol: "BTCUSDT", ReceivedAt: time.Now()})
	report := mon.Report()
	assert.False(t, report.PerExchange[model.Binance].Stale)
}

func TestSuccessRatesEmptyWhenNoDeliveriesRecorded(t *testing.T) {
	mon, _ := newTestMonitor(t)
	rates := mon.successRates(time.Now())
	assert.Empty(t, rates)
}

func TestSuccessRatesComputesRatioOverWindow(t *testing.T) {
	mon, _ := newTestMonitor(t)
	mon.RecordDelivery("terminal", true)
	mon.RecordDelivery("terminal", true)
	mon.RecordDelivery("terminal", false)

	rates := mon.successRates(time.Now())
	assert.InDelta(t, 2.0/3.0, rates["terminal"], 0.0001)
}

func TestSuccessRatesDropsSamplesOutsideWindow(t *testing.T) {
	mon, _ := newTestMonitor(t)
	mon.mu.Lock()
	mon.outcome["webhook"] = []outcomeSample{
		{at: time.Now().Add(-10 * time.Minute), success: false},
	}
	mon.mu.Unlock()

	rates := mon.successRates(time.Now())
	assert.Equal(t, 1.0, rates["webhook"])
}
