package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

const defaultKrakenURL = "wss://ws.kraken.com"

// KrakenClient implements the Client interface for the Kraken v1 trade channel.
// Symbols are Kraken pair names such as "xbt/usd".
type KrakenClient struct {
	url string
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(url string) *KrakenClient {
	if url == "" {
		url = defaultKrakenURL
	}
	return &KrakenClient{url: url}
}

func (k *KrakenClient) Name() string {
	return "kraken"
}

func (k *KrakenClient) StreamURL(string) string {
	return k.url
}

// Subscribe sends the trade subscription for symbol.
func (k *KrakenClient) Subscribe(conn *websocket.Conn, symbol string) error {
	subscription := map[string]interface{}{
		"event": "subscribe",
		"pair":  []string{strings.ToUpper(symbol)},
		"subscription": map[string]string{
			"name": "trade",
		},
	}
	if err := conn.WriteJSON(subscription); err != nil {
		return fmt.Errorf("kraken subscribe %s: %w", symbol, err)
	}
	return nil
}

type krakenEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

func (k *KrakenClient) Normalize(symbol string, raw []byte, receivedAt time.Time) ([]model.Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var ev krakenEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "decode event", Err: err}
		}
		if ev.Status == "error" {
			return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "subscription error: " + ev.ErrorMessage}
		}
		// heartbeat, systemStatus, subscriptionStatus
		return nil, nil
	}

	// [channelID, [[price, volume, time, side, orderType, misc], ...], "trade", pair]
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "decode frame", Err: err}
	}
	if len(frame) < 4 {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "short frame"}
	}
	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "trade" {
		return nil, nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil || !strings.EqualFold(pair, symbol) {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "unexpected pair " + pair}
	}

	var trades [][]string
	if err := json.Unmarshal(frame[1], &trades); err != nil {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "decode trades", Err: err}
	}

	ticks := make([]model.Tick, 0, len(trades))
	for _, tr := range trades {
		if len(tr) < 4 {
			return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "short trade"}
		}
		price, err := strconv.ParseFloat(tr[0], 64)
		if err != nil || !(price > 0) || math.IsInf(price, 0) {
			return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "price", Err: err}
		}
		qty, err := strconv.ParseFloat(tr[1], 64)
		if err != nil || !(qty >= 0) || math.IsInf(qty, 0) {
			return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "volume", Err: err}
		}
		secs, err := strconv.ParseFloat(tr[2], 64)
		if err != nil || secs <= 0 {
			return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "time", Err: err}
		}
		whole, frac := math.Modf(secs)
		side := model.SideUnknown
		switch tr[3] {
		case "b":
			side = model.SideBuy
		case "s":
			side = model.SideSell
		}
		ticks = append(ticks, model.Tick{
			Symbol:       strings.ToLower(symbol),
			ExchangeTime: time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3).UTC(),
			ReceiptTime:  receivedAt,
			Price:        price,
			Quantity:     qty,
			Side:         side,
		})
	}
	return ticks, nil
}
