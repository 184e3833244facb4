package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairwatch/internal/config"
	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

func TestBinanceNormalize(t *testing.T) {
	b := NewBinanceClient("")
	now := time.Now().UTC()

	assert.Equal(t, "wss://fstream.binance.com/ws/ethusdt@trade", b.StreamURL("ETHUSDT"))

	ticks, err := b.Normalize("ethusdt", []byte(`{"e":"trade","E":1700000000123,"T":1700000000100,"s":"ETHUSDT","t":42,"p":"2000.50","q":"0.25","m":true}`), now)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	tk := ticks[0]
	assert.Equal(t, "ethusdt", tk.Symbol)
	assert.Equal(t, time.UnixMilli(1700000000100).UTC(), tk.ExchangeTime)
	assert.Equal(t, now, tk.ReceiptTime)
	assert.Equal(t, 2000.5, tk.Price)
	assert.Equal(t, 0.25, tk.Quantity)
	assert.Equal(t, model.SideSell, tk.Side)
	assert.Equal(t, int64(42), tk.TradeID)

	// event time is used when trade time is absent
	ticks, err = b.Normalize("ethusdt", []byte(`{"e":"trade","E":1700000000123,"s":"ETHUSDT","p":"1","q":"1"}`), now)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), ticks[0].ExchangeTime)

	ticks, err = b.Normalize("ethusdt", []byte(`{"result":null,"id":1}`), now)
	assert.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestBinanceNormalizeRejects(t *testing.T) {
	b := NewBinanceClient("")
	cases := map[string]string{
		"garbage":      `{{`,
		"bad price":    `{"e":"trade","T":1,"s":"ETHUSDT","p":"x","q":"1"}`,
		"zero price":   `{"e":"trade","T":1,"s":"ETHUSDT","p":"0","q":"1"}`,
		"negative qty": `{"e":"trade","T":1,"s":"ETHUSDT","p":"1","q":"-1"}`,
		"no timestamp": `{"e":"trade","s":"ETHUSDT","p":"1","q":"1"}`,
		"wrong symbol": `{"e":"trade","T":1,"s":"BTCUSDT","p":"1","q":"1"}`,
		"nan price":    `{"e":"trade","T":1,"s":"ETHUSDT","p":"NaN","q":"1"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.Normalize("ethusdt", []byte(raw), time.Now())
			var malformed *exception.MalformedMessageError
			require.True(t, errors.As(err, &malformed), "got %v", err)
		})
	}
}

func TestKrakenNormalize(t *testing.T) {
	k := NewKrakenClient("")
	now := time.Now().UTC()

	raw := `[337,[["5541.20000","0.15850568","1534614057.321597","s","l",""],["6060.00000","0.02455000","1534614057.324998","b","l",""]],"trade","XBT/USD"]`
	ticks, err := k.Normalize("xbt/usd", []byte(raw), now)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, "xbt/usd", ticks[0].Symbol)
	assert.Equal(t, 5541.2, ticks[0].Price)
	assert.Equal(t, model.SideSell, ticks[0].Side)
	assert.Equal(t, model.SideBuy, ticks[1].Side)
	assert.Equal(t, time.Unix(1534614057, 321597000).UTC(), ticks[0].ExchangeTime)

	ticks, err = k.Normalize("xbt/usd", []byte(`{"event":"heartbeat"}`), now)
	assert.NoError(t, err)
	assert.Empty(t, ticks)

	_, err = k.Normalize("xbt/usd", []byte(`{"event":"subscriptionStatus","status":"error","errorMessage":"Currency pair not supported"}`), now)
	assert.Error(t, err)

	_, err = k.Normalize("xbt/usd", []byte(`[337,[["x","1","1.0","b","l",""]],"trade","XBT/USD"]`), now)
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(config.FeedConfig{Provider: "binance"})
	require.NoError(t, err)
	assert.Equal(t, "binance", c.Name())

	c, err = NewClient(config.FeedConfig{Provider: "kraken"})
	require.NoError(t, err)
	assert.Equal(t, "kraken", c.Name())

	_, err = NewClient(config.FeedConfig{Provider: "mtgox"})
	assert.Error(t, err)
}
