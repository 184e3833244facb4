// Package exchange maintains live trade subscriptions and normalizes venue
// payloads into canonical ticks.
package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairwatch/internal/config"
	"pairwatch/internal/exception"
	"pairwatch/internal/metrics"
	"pairwatch/internal/model"
)

// StreamState is the lifecycle position of one subscription.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
)

func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// Stats counts what one subscription has seen since it started.
type Stats struct {
	Delivered  int64 `json:"delivered"`
	Malformed  int64 `json:"malformed"`
	Duplicates int64 `json:"duplicates"`
	Reconnects int64 `json:"reconnects"`
}

// Options tunes the connector.
type Options struct {
	Backoff      Backoff
	ReadTimeout  time.Duration
	PingInterval time.Duration
	DedupSize    int
	// ChannelSize is the buffer of each returned tick channel.
	ChannelSize int
}

// OptionsFromConfig maps the feed configuration onto connector options.
func OptionsFromConfig(cfg config.FeedConfig) Options {
	return Options{
		Backoff: Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: cfg.BackoffJitter,
		},
		ReadTimeout:  cfg.ReadTimeout,
		PingInterval: cfg.PingInterval,
		DedupSize:    cfg.DedupSize,
		ChannelSize:  1024,
	}
}

type subscription struct {
	symbol string
	cancel context.CancelFunc
	done   chan struct{}
	dedup  *dedup

	state      atomic.Int32
	delivered  atomic.Int64
	malformed  atomic.Int64
	duplicates atomic.Int64
	reconnects atomic.Int64
}

func (s *subscription) setState(st StreamState) {
	s.state.Store(int32(st))
}

// Connector holds one websocket connection per subscribed symbol and
// reconnects with backoff on failure. Consumers only observe a gap in tick
// timestamps across a reconnect.
type Connector struct {
	logger *zap.Logger
	client Client
	dialer *websocket.Dialer
	opts   Options
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewConnector creates a Connector for the given venue client.
func NewConnector(logger *zap.Logger, client Client, opts Options) *Connector {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.ChannelSize <= 0 {
		opts.ChannelSize = 1024
	}
	return &Connector{
		logger: logger.Named("connector").With(zap.String("venue", client.Name())),
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[string]*subscription),
	}
}

// Subscribe starts the receive task for symbol. The returned channel carries
// each valid tick at most once and is closed when the task ends.
func (c *Connector) Subscribe(ctx context.Context, symbol string) (<-chan model.Tick, error) {
	symbol = strings.ToLower(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[symbol]; ok {
		return nil, exception.ErrAlreadySubscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		symbol: symbol,
		cancel: cancel,
		done:   make(chan struct{}),
		dedup:  newDedup(c.opts.DedupSize),
	}
	c.subs[symbol] = sub

	out := make(chan model.Tick, c.opts.ChannelSize)
	go c.run(subCtx, sub, out)
	return out, nil
}

// Unsubscribe stops the receive task for symbol and waits for it to exit.
func (c *Connector) Unsubscribe(symbol string) error {
	symbol = strings.ToLower(symbol)

	c.mu.Lock()
	sub, ok := c.subs[symbol]
	delete(c.subs, symbol)
	c.mu.Unlock()
	if !ok {
		return exception.ErrNotSubscribed
	}

	sub.cancel()
	<-sub.done
	return nil
}

// Close stops every subscription.
func (c *Connector) Close() {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.subs))
	for s := range c.subs {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	for _, s := range symbols {
		_ = c.Unsubscribe(s)
	}
}

// State reports the connection state of symbol.
func (c *Connector) State(symbol string) StreamState {
	c.mu.Lock()
	sub, ok := c.subs[strings.ToLower(symbol)]
	c.mu.Unlock()
	if !ok {
		return StateDisconnected
	}
	return StreamState(sub.state.Load())
}

// StateName reports the connection state of symbol as text.
func (c *Connector) StateName(symbol string) string {
	return c.State(symbol).String()
}

// Stats reports counters of symbol.
func (c *Connector) Stats(symbol string) Stats {
	c.mu.Lock()
	sub, ok := c.subs[strings.ToLower(symbol)]
	c.mu.Unlock()
	if !ok {
		return Stats{}
	}
	return Stats{
		Delivered:  sub.delivered.Load(),
		Malformed:  sub.malformed.Load(),
		Duplicates: sub.duplicates.Load(),
		Reconnects: sub.reconnects.Load(),
	}
}

func (c *Connector) run(ctx context.Context, sub *subscription, out chan<- model.Tick) {
	logger := c.logger.With(zap.String("symbol", sub.symbol))
	defer close(sub.done)
	defer close(out)
	defer sub.setState(StateDisconnected)

	attempt := 0
	for {
		if ctx.Err() != nil {
			logger.Info("context cancelled, shutting down")
			return
		}

		sub.setState(StateConnecting)
		connected, err := c.consume(ctx, logger, sub, out)
		if ctx.Err() != nil {
			logger.Info("context cancelled, closing connection")
			return
		}

		// Reset backoff on successful connection
		if connected {
			attempt = 0
		}
		attempt++
		sub.setState(StateError)
		sub.reconnects.Add(1)
		metrics.ReconnectsTotal.WithLabelValues(sub.symbol).Inc()

		wait := c.opts.Backoff.Next(attempt)
		logger.Warn("feed disconnected, retrying",
			zap.Error(&exception.ConnectionError{Symbol: sub.symbol, Attempt: attempt, Err: err}),
			zap.Duration("backoff", wait))

		sub.setState(StateReconnecting)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume runs one connection until it fails. connected reports whether the
// dial and subscription succeeded.
func (c *Connector) consume(ctx context.Context, logger *zap.Logger, sub *subscription, out chan<- model.Tick) (connected bool, err error) {
	url := c.client.StreamURL(sub.symbol)
	logger.Info("connecting to WebSocket", zap.String("url", url))

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := c.client.Subscribe(conn, sub.symbol); err != nil {
		return false, err
	}

	sub.setState(StateConnected)
	logger.Info("connected successfully")

	stop := make(chan struct{})
	defer close(stop)
	// Unblock ReadMessage promptly on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	if c.opts.PingInterval > 0 {
		go c.ping(conn, logger, stop)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		ticks, err := c.client.Normalize(sub.symbol, message, c.now())
		if err != nil {
			sub.malformed.Add(1)
			metrics.MalformedTotal.WithLabelValues(sub.symbol).Inc()
			logger.Debug("dropping malformed message", zap.Error(err))
			continue
		}

		for _, tick := range ticks {
			if !sub.dedup.add(tick) {
				sub.duplicates.Add(1)
				metrics.DuplicatesTotal.WithLabelValues(sub.symbol).Inc()
				continue
			}
			select {
			case out <- tick:
				sub.delivered.Add(1)
				metrics.TicksTotal.WithLabelValues(sub.symbol).Inc()
			case <-ctx.Done():
				return true, ctx.Err()
			}
		}
	}
}

func (c *Connector) ping(conn *websocket.Conn, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logger.Debug("ping failed", zap.Error(err))
				}
				return
			}
		case <-stop:
			return
		}
	}
}
