// Package buffer keeps a bounded, time-ordered window of recent ticks per
// instrument and hands unflushed data to a persistence collaborator.
package buffer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairwatch/internal/config"
	"pairwatch/internal/metrics"
	"pairwatch/internal/model"
)

// Persister accepts batches of ticks and closed bars.
type Persister interface {
	SaveTicks(ctx context.Context, ticks []model.Tick) error
	SaveBars(ctx context.Context, bars []model.Bar) error
}

// Options bounds the buffer and sets its maintenance cadence.
type Options struct {
	MaxTicks int
	// MaxPendingBars caps the closed bars waiting for persistence.
	MaxPendingBars int
	MaxAge         time.Duration
	EvictInterval  time.Duration
	FlushInterval  time.Duration
	// FlushTimeout bounds a single persistence call.
	FlushTimeout time.Duration
}

func capFront[T any](s []T, limit int) []T {
	if over := len(s) - limit; limit > 0 && over > 0 {
		return s[over:]
	}
	return s
}

// OptionsFromConfig maps buffer configuration onto options.
func OptionsFromConfig(cfg config.BufferConfig) Options {
	return Options{
		MaxTicks:       cfg.MaxTicks,
		MaxPendingBars: cfg.MaxPendingBars,
		MaxAge:         cfg.MaxAge,
		EvictInterval:  cfg.EvictInterval,
		FlushInterval:  cfg.FlushInterval,
		FlushTimeout:   10 * time.Second,
	}
}

type series struct {
	mu      sync.Mutex
	ticks   []model.Tick
	pending []model.Tick
	bars    []model.Bar
	seq     uint64
}

// Buffer is safe for concurrent use. Each instrument has its own lock, so
// appends for one instrument never wait on another.
type Buffer struct {
	logger    *zap.Logger
	persister Persister
	opts      Options

	mu     sync.RWMutex
	series map[string]*series
}

// New creates a Buffer. persister may be nil, in which case flushing only
// discards the pending queue.
func New(logger *zap.Logger, persister Persister, opts Options) *Buffer {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	return &Buffer{
		logger:    logger.Named("buffer"),
		persister: persister,
		opts:      opts,
		series:    make(map[string]*series),
	}
}

func (b *Buffer) get(symbol string) *series {
	b.mu.RLock()
	s, ok := b.series[symbol]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.series[symbol]; !ok {
		s = &series{}
		b.series[symbol] = s
	}
	return s
}

func (b *Buffer) lookup(symbol string) (*series, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.series[symbol]
	return s, ok
}

func (b *Buffer) symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.series))
	for s := range b.series {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Append stores tick in exchange-time order; ticks with equal timestamps keep
// their receipt order. It returns the stored copy with its sequence number.
// Append never evicts.
func (b *Buffer) Append(tick model.Tick) model.Tick {
	s := b.get(tick.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	tick.Seq = s.seq

	n := len(s.ticks)
	if n == 0 || !tick.ExchangeTime.Before(s.ticks[n-1].ExchangeTime) {
		s.ticks = append(s.ticks, tick)
	} else {
		i := sort.Search(n, func(i int) bool {
			return s.ticks[i].ExchangeTime.After(tick.ExchangeTime)
		})
		s.ticks = append(s.ticks, model.Tick{})
		copy(s.ticks[i+1:], s.ticks[i:])
		s.ticks[i] = tick
	}

	s.pending = append(s.pending, tick)
	return tick
}

// Range returns the ticks of symbol with from <= exchange time < to.
func (b *Buffer) Range(symbol string, from, to time.Time) []model.Tick {
	s, ok := b.lookup(symbol)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := sort.Search(len(s.ticks), func(i int) bool {
		return !s.ticks[i].ExchangeTime.Before(from)
	})
	hi := sort.Search(len(s.ticks), func(i int) bool {
		return !s.ticks[i].ExchangeTime.Before(to)
	})
	if lo >= hi {
		return nil
	}
	out := make([]model.Tick, hi-lo)
	copy(out, s.ticks[lo:hi])
	return out
}

// Len returns the number of retained ticks of symbol.
func (b *Buffer) Len(symbol string) int {
	s, ok := b.lookup(symbol)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

// Latest returns the newest tick of symbol.
func (b *Buffer) Latest(symbol string) (model.Tick, bool) {
	s, ok := b.lookup(symbol)
	if !ok {
		return model.Tick{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ticks) == 0 {
		return model.Tick{}, false
	}
	return s.ticks[len(s.ticks)-1], true
}

// EvictOlderThan drops ticks of symbol with exchange time before ts and
// returns how many were removed.
func (b *Buffer) EvictOlderThan(symbol string, ts time.Time) int {
	s, ok := b.lookup(symbol)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictBefore(ts)
}

func (s *series) evictBefore(ts time.Time) int {
	i := sort.Search(len(s.ticks), func(i int) bool {
		return !s.ticks[i].ExchangeTime.Before(ts)
	})
	s.dropFront(i)
	return i
}

func (s *series) dropFront(n int) {
	if n <= 0 {
		return
	}
	// copy down so the backing array does not grow without bound
	kept := copy(s.ticks, s.ticks[n:])
	clear(s.ticks[kept:])
	s.ticks = s.ticks[:kept]
}

// Evict applies the age and count bounds to every instrument. Age is
// measured against each instrument's newest exchange timestamp.
func (b *Buffer) Evict() int {
	total := 0
	for _, sym := range b.symbols() {
		s, _ := b.lookup(sym)
		s.mu.Lock()
		if n := len(s.ticks); n > 0 && b.opts.MaxAge > 0 {
			total += s.evictBefore(s.ticks[n-1].ExchangeTime.Add(-b.opts.MaxAge))
		}
		if over := len(s.ticks) - b.opts.MaxTicks; b.opts.MaxTicks > 0 && over > 0 {
			s.dropFront(over)
			total += over
		}
		s.mu.Unlock()
	}
	return total
}

// QueueBars enqueues closed bars for the next flush.
func (b *Buffer) QueueBars(bars []model.Bar) {
	if len(bars) == 0 {
		return
	}
	s := b.get(bars[0].Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = capFront(append(s.bars, bars...), b.opts.MaxPendingBars)
}

// Flush hands the unflushed ticks and bars of symbol to the persister. On
// failure the data stays queued for the next attempt; the live window is
// never affected.
func (b *Buffer) Flush(ctx context.Context, symbol string) error {
	s, ok := b.lookup(symbol)
	if !ok {
		return nil
	}

	s.mu.Lock()
	ticks, bars := s.pending, s.bars
	s.pending, s.bars = nil, nil
	s.mu.Unlock()

	if b.persister == nil || (len(ticks) == 0 && len(bars) == 0) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.FlushTimeout)
	defer cancel()

	var firstErr error
	if len(ticks) > 0 {
		if err := b.persister.SaveTicks(ctx, ticks); err != nil {
			metrics.FlushFailuresTotal.WithLabelValues("ticks").Inc()
			b.logger.Error("failed to persist ticks", zap.String("symbol", symbol), zap.Int("count", len(ticks)), zap.Error(err))
			b.requeue(s, ticks, nil)
			firstErr = err
		}
	}
	if len(bars) > 0 {
		if err := b.persister.SaveBars(ctx, bars); err != nil {
			metrics.FlushFailuresTotal.WithLabelValues("bars").Inc()
			b.logger.Error("failed to persist bars", zap.String("symbol", symbol), zap.Int("count", len(bars)), zap.Error(err))
			b.requeue(s, nil, bars)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// requeue puts failed batches back in front of anything queued meanwhile,
// keeping at most MaxTicks pending ticks and MaxPendingBars bars. The oldest
// are dropped first.
func (b *Buffer) requeue(s *series, ticks []model.Tick, bars []model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ticks) > 0 {
		s.pending = capFront(append(ticks, s.pending...), b.opts.MaxTicks)
	}
	if len(bars) > 0 {
		s.bars = capFront(append(bars, s.bars...), b.opts.MaxPendingBars)
	}
}

// FlushAll flushes every instrument.
func (b *Buffer) FlushAll(ctx context.Context) {
	for _, sym := range b.symbols() {
		_ = b.Flush(ctx, sym)
	}
}

// Run performs eviction and flushing on their fixed cadences until ctx is
// done, then flushes once more.
func (b *Buffer) Run(ctx context.Context) {
	evict := time.NewTicker(b.opts.EvictInterval)
	defer evict.Stop()
	flush := time.NewTicker(b.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			b.FlushAll(context.Background())
			return
		case <-evict.C:
			if n := b.Evict(); n > 0 {
				b.logger.Debug("evicted ticks", zap.Int("count", n))
			}
		case <-flush.C:
			b.FlushAll(ctx)
		}
	}
}
