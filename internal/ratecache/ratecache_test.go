package ratecache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/model"
)

func fixedStale(model.Exchange) time.Duration { return 30 * time.Second }

func tickAt(t time.Time) model.RateTick {
	return model.RateTick{
		Exchange:    model.Binance,
		Symbol:      "BTCUSDT",
		FundingRate: decimal.NewFromFloat(0.0001),
		ReceivedAt:  t,
	}
}

func TestPutRejectsOlderTick(t *testing.T) {
	c := New(fixedStale)
	base := time.Now()

	require.NoError(t, c.Put(tickAt(base)))
	err := c.Put(tickAt(base.Add(-time.Second)))
	require.Error(t, err)
	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.CacheWriteStale, ke.Kind)

	got, ok := c.Get(model.Binance, "BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.ReceivedAt.Equal(base))
}

func TestPutMonotonicNonDecreasing(t *testing.T) {
	c := New(fixedStale)
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Put(tickAt(base.Add(time.Duration(i)*time.Millisecond))))
	}
	got, ok := c.Get(model.Binance, "BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.ReceivedAt.Equal(base.Add(4*time.Millisecond)))
}

func TestSnapshotSymbolAggregatesExchanges(t *testing.T) {
	c := New(fixedStale)
	now := time.Now()
	require.NoError(t, c.Put(model.RateTick{Exchange: model.Binance, Symbol: "BTCUSDT", ReceivedAt: now}))
	require.NoError(t, c.Put(model.RateTick{Exchange: model.OKX, Symbol: "BTCUSDT", ReceivedAt: now}))
	require.NoError(t, c.Put(model.RateTick{Exchange: model.OKX, Symbol: "ETHUSDT", ReceivedAt: now}))

	snap := c.SnapshotSymbol("BTCUSDT")
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, model.Binance)
	assert.Contains(t, snap, model.OKX)
}

func TestIsStale(t *testing.T) {
	c := New(fixedStale)
	now := time.Now()
	fresh := tickAt(now.Add(-10 * time.Second))
	old := tickAt(now.Add(-31 * time.Second))
	assert.False(t, c.IsStale(fresh, now))
	assert.True(t, c.IsStale(old, now))
}

func TestLRUEviction(t *testing.T) {
	c := New(fixedStale)
	c.capacity = 2
	now := time.Now()
	require.NoError(t, c.Put(model.RateTick{Exchange: model.Binance, Symbol: "AUSDT", ReceivedAt: now}))
	require.NoError(t, c.Put(model.RateTick{Exchange: model.Binance, Symbol: "BUSDT", ReceivedAt: now}))
	require.NoError(t, c.Put(model.RateTick{Exchange: model.Binance, Symbol: "CUSDT", ReceivedAt: now}))

	_, ok := c.Get(model.Binance, "AUSDT")
	assert.False(t, ok, "oldest entry should have been evicted")
}
