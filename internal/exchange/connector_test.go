package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairwatch/internal/model"
)

func tradeJSON(id int64, ts int64, price, qty string) string {
	return fmt.Sprintf(`{"e":"trade","E":%d,"T":%d,"s":"BTCUSDT","t":%d,"p":"%s","q":"%s","m":false}`, ts+1, ts, id, price, qty)
}

// feedServer serves one scripted batch of frames per connection, then drops it.
func feedServer(t *testing.T, scripts [][]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1)) - 1
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if n >= len(scripts) {
			// keep the last connection open until the client leaves
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}
		for _, frame := range scripts[n] {
			if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func testOptions() Options {
	return Options{
		Backoff:     Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		ReadTimeout: 2 * time.Second,
		DedupSize:   64,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func receive(t *testing.T, ch <-chan model.Tick, n int) []model.Tick {
	t.Helper()
	var got []model.Tick
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case tk, ok := <-ch:
			require.True(t, ok, "channel closed early")
			got = append(got, tk)
		case <-timeout:
			t.Fatalf("timed out after %d of %d ticks", len(got), n)
		}
	}
	return got
}

func TestConnectorReconnectWithoutDuplicates(t *testing.T) {
	const base = int64(1_700_000_000_000)
	srv, conns := feedServer(t, [][]string{
		{tradeJSON(1, base, "100.5", "1"), tradeJSON(2, base+10, "100.6", "2")},
		// the venue replays trade 2 after the reconnect
		{tradeJSON(2, base+10, "100.6", "2"), tradeJSON(3, base+20, "100.7", "3")},
	})

	conn := NewConnector(zap.NewNop(), NewBinanceClient(wsURL(srv)), testOptions())
	ch, err := conn.Subscribe(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	got := receive(t, ch, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].TradeID, got[1].TradeID, got[2].TradeID})
	assert.Equal(t, "btcusdt", got[0].Symbol)
	assert.Equal(t, time.UnixMilli(base).UTC(), got[0].ExchangeTime)

	stats := conn.Stats("btcusdt")
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.GreaterOrEqual(t, stats.Reconnects, int64(1))
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	require.NoError(t, conn.Unsubscribe("btcusdt"))
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
	assert.Equal(t, StateDisconnected, conn.State("btcusdt"))
	assert.Equal(t, "DISCONNECTED", conn.StateName("btcusdt"))
}

func TestConnectorDropsMalformedMessages(t *testing.T) {
	const base = int64(1_700_000_000_000)
	srv, _ := feedServer(t, [][]string{{
		`not json`,
		`{"e":"trade","s":"BTCUSDT","p":"abc","q":"1","T":1}`,
		`{"e":"aggTrade","s":"BTCUSDT"}`,
		tradeJSON(9, base, "101", "0.5"),
	}})

	conn := NewConnector(zap.NewNop(), NewBinanceClient(wsURL(srv)), testOptions())
	ch, err := conn.Subscribe(context.Background(), "btcusdt")
	require.NoError(t, err)
	defer conn.Close()

	got := receive(t, ch, 1)
	assert.Equal(t, int64(9), got[0].TradeID)
	assert.Equal(t, 101.0, got[0].Price)
	assert.Equal(t, int64(2), conn.Stats("btcusdt").Malformed)
}

func TestConnectorSubscribeTwice(t *testing.T) {
	srv, _ := feedServer(t, nil)
	conn := NewConnector(zap.NewNop(), NewBinanceClient(wsURL(srv)), testOptions())
	defer conn.Close()

	_, err := conn.Subscribe(context.Background(), "btcusdt")
	require.NoError(t, err)
	_, err = conn.Subscribe(context.Background(), "BTCUSDT")
	assert.Error(t, err)
	assert.Error(t, conn.Unsubscribe("ethusdt"))
}

func TestConnectorRetriesUnreachableFeed(t *testing.T) {
	srv, _ := feedServer(t, nil)
	url := wsURL(srv)
	srv.Close()

	conn := NewConnector(zap.NewNop(), NewBinanceClient(url), testOptions())
	ch, err := conn.Subscribe(context.Background(), "btcusdt")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.Stats("btcusdt").Reconnects >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Unsubscribe("btcusdt"))
	_, ok := <-ch
	assert.False(t, ok)
}
