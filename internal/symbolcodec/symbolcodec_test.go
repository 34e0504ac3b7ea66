package symbolcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuiali/crossspread-arb/internal/model"
)

func TestRoundTrip(t *testing.T) {
	for _, ex := range model.AllExchanges {
		native, err := ToExchange(ex, "BTCUSDT")
		require.NoError(t, err)

		back, err := FromExchange(ex, native)
		require.NoError(t, err)
		assert.Equal(t, model.Symbol("BTCUSDT"), back)

		// exchangeForm(canonical(exchangeForm(s))) == exchangeForm(s)
		native2, err := ToExchange(ex, back)
		require.NoError(t, err)
		assert.Equal(t, native, native2)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	for _, bad := range []model.Symbol{"btcusdt", "BTC-USDT", "", "TOOLONGBASEUSDT1USDT", "USDT"} {
		assert.Error(t, Validate(bad), bad)
	}
}

func TestToExchangeNativeForms(t *testing.T) {
	cases := map[model.Exchange]string{
		model.Binance: "BTCUSDT",
		model.OKX:     "BTC-USDT-SWAP",
		model.GateIO:  "BTC_USDT",
		model.MEXC:    "BTC_USDT",
		model.BingX:   "BTC-USDT",
	}
	for ex, want := range cases {
		got, err := ToExchange(ex, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
