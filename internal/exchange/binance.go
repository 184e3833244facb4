package exchange

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

const defaultBinanceURL = "wss://fstream.binance.com/ws"

// BinanceClient implements the Client interface for Binance <symbol>@trade streams.
type BinanceClient struct {
	baseURL string
}

// NewBinanceClient creates a new BinanceClient. An empty baseURL selects the
// USD-M futures endpoint.
func NewBinanceClient(baseURL string) *BinanceClient {
	if baseURL == "" {
		baseURL = defaultBinanceURL
	}
	return &BinanceClient{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (b *BinanceClient) Name() string {
	return "binance"
}

func (b *BinanceClient) StreamURL(symbol string) string {
	return b.baseURL + "/" + strings.ToLower(symbol) + "@trade"
}

// Subscribe is a no-op: the stream is selected by URL.
func (b *BinanceClient) Subscribe(*websocket.Conn, string) error {
	return nil
}

type binanceTrade struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	TradeTime    int64  `json:"T"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

func (b *BinanceClient) Normalize(symbol string, raw []byte, receivedAt time.Time) ([]model.Tick, error) {
	var msg binanceTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "decode", Err: err}
	}
	if msg.Event != "trade" {
		return nil, nil
	}
	if !strings.EqualFold(msg.Symbol, symbol) {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "unexpected symbol " + msg.Symbol}
	}

	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "price", Err: err}
	}
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "non-positive price"}
	}
	qty, err := strconv.ParseFloat(msg.Quantity, 64)
	if err != nil {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "quantity", Err: err}
	}
	if qty < 0 || math.IsInf(qty, 0) || math.IsNaN(qty) {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "negative quantity"}
	}

	// Trade time when present, event time otherwise.
	ts := msg.TradeTime
	if ts == 0 {
		ts = msg.EventTime
	}
	if ts <= 0 {
		return nil, &exception.MalformedMessageError{Symbol: symbol, Reason: "missing timestamp"}
	}

	side := model.SideBuy
	if msg.IsBuyerMaker {
		side = model.SideSell
	}

	return []model.Tick{{
		Symbol:       strings.ToLower(symbol),
		ExchangeTime: time.UnixMilli(ts).UTC(),
		ReceiptTime:  receivedAt,
		Price:        price,
		Quantity:     qty,
		Side:         side,
		TradeID:      msg.TradeID,
	}}, nil
}
