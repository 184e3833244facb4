// Package resample reduces tick streams to OHLCV bars aligned to absolute time.
package resample

import (
	"math"
	"sync"
	"time"

	"pairwatch/internal/config"
	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

// Options configures bar construction.
type Options struct {
	Interval time.Duration
	// AllowedLateness delays closing a bar after its window ends, up to one
	// interval.
	AllowedLateness time.Duration
	// MaxBars caps the closed bars retained per instrument.
	MaxBars int
}

// OptionsFromConfig maps bar configuration onto options.
func OptionsFromConfig(cfg config.BarsConfig) Options {
	return Options{
		Interval:        cfg.Interval,
		AllowedLateness: cfg.AllowedLateness,
		MaxBars:         cfg.MaxBars,
	}
}

// openBar tracks the exchange times of the ticks setting Open and Close, so a
// tick arriving out of order inside the bar does not overwrite them.
type openBar struct {
	model.Bar
	first, last time.Time
}

type barSeries struct {
	closed    []model.Bar
	open      []openBar // ordered by Start, at most two with lateness
	watermark time.Time
	// closedThrough is the boundary before which every bar is final.
	closedThrough time.Time
}

// Resampler builds bars per instrument. Its methods are safe for concurrent
// use, but ticks of one instrument must be fed in arrival order.
type Resampler struct {
	opts Options

	mu     sync.RWMutex
	series map[string]*barSeries
}

// New creates a Resampler.
func New(opts Options) *Resampler {
	if opts.MaxBars <= 0 {
		opts.MaxBars = 1000
	}
	if opts.AllowedLateness > opts.Interval {
		opts.AllowedLateness = opts.Interval
	}
	return &Resampler{opts: opts, series: make(map[string]*barSeries)}
}

// Interval returns the bar width.
func (r *Resampler) Interval() time.Duration {
	return r.opts.Interval
}

// BarStart returns the start of the bar containing ts.
func (r *Resampler) BarStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(r.opts.Interval)
}

func (r *Resampler) get(symbol string) *barSeries {
	s, ok := r.series[symbol]
	if !ok {
		s = &barSeries{}
		r.series[symbol] = s
	}
	return s
}

// OnTick folds tick into its bar and returns any bars closed by the advance of
// the instrument's watermark. Ticks more than one interval behind the
// watermark, or addressed to a bar already closed, are rejected with
// exception.ErrLateTick.
func (r *Resampler) OnTick(tick model.Tick) ([]model.Bar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(tick.Symbol)
	ts := tick.ExchangeTime.UTC()
	start := r.BarStart(ts)

	if !s.watermark.IsZero() && ts.Before(s.watermark.Add(-r.opts.Interval)) {
		return nil, exception.ErrLateTick
	}
	if !s.closedThrough.IsZero() && start.Before(s.closedThrough) {
		return nil, exception.ErrLateTick
	}

	r.fold(s, tick, start)
	if ts.After(s.watermark) {
		s.watermark = ts
	}
	return r.advance(s, s.watermark), nil
}

func (r *Resampler) fold(s *barSeries, tick model.Tick, start time.Time) {
	ts := tick.ExchangeTime
	for i := range s.open {
		if !s.open[i].Start.Equal(start) {
			continue
		}
		ob := &s.open[i]
		ob.High = math.Max(ob.High, tick.Price)
		ob.Low = math.Min(ob.Low, tick.Price)
		if ts.Before(ob.first) {
			ob.first = ts
			ob.Open = tick.Price
		}
		if !ts.Before(ob.last) {
			ob.last = ts
			ob.Close = tick.Price
		}
		ob.Volume += tick.Quantity
		ob.TickCount++
		return
	}

	ob := openBar{
		Bar: model.Bar{
			Symbol:    tick.Symbol,
			Interval:  r.opts.Interval,
			Start:     start,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    tick.Quantity,
			TickCount: 1,
		},
		first: ts,
		last:  ts,
	}
	i := len(s.open)
	for i > 0 && s.open[i-1].Start.After(start) {
		i--
	}
	s.open = append(s.open, openBar{})
	copy(s.open[i+1:], s.open[i:])
	s.open[i] = ob
}

// Advance closes bars of symbol against the watermark of another instrument.
// A bar closes only once it ended a full interval before watermark, so a
// lagging instrument keeps every tick within the lateness bound while a quiet
// one still closes its bars. The watermark of symbol itself is not changed.
func (r *Resampler) Advance(symbol string, watermark time.Time) []model.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()

	if watermark.IsZero() {
		return nil
	}
	s := r.get(symbol)
	return r.closeThrough(s, r.BarStart(watermark.Add(-r.opts.Interval)))
}

func (r *Resampler) advance(s *barSeries, watermark time.Time) []model.Bar {
	if watermark.IsZero() {
		return nil
	}
	return r.closeThrough(s, r.BarStart(watermark.Add(-r.opts.AllowedLateness)))
}

// closeThrough finalizes every open bar ending at or before boundary.
func (r *Resampler) closeThrough(s *barSeries, boundary time.Time) []model.Bar {
	if boundary.After(s.closedThrough) {
		s.closedThrough = boundary
	}

	var out []model.Bar
	n := 0
	for _, ob := range s.open {
		if ob.End().After(s.closedThrough) {
			s.open[n] = ob
			n++
			continue
		}
		b := ob.Bar
		b.Complete = true
		out = append(out, b)
	}
	s.open = s.open[:n]

	if len(out) > 0 {
		s.closed = append(s.closed, out...)
		if over := len(s.closed) - r.opts.MaxBars; over > 0 {
			kept := copy(s.closed, s.closed[over:])
			s.closed = s.closed[:kept]
		}
	}
	return out
}

// CurrentBars returns the retained closed bars of symbol followed by its open
// bars, which are flagged incomplete. The result is a copy.
func (r *Resampler) CurrentBars(symbol string) []model.Bar {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.series[symbol]
	if !ok {
		return nil
	}
	out := make([]model.Bar, 0, len(s.closed)+len(s.open))
	out = append(out, s.closed...)
	for _, ob := range s.open {
		out = append(out, ob.Bar)
	}
	return out
}

// OpenBar returns the newest incomplete bar of symbol.
func (r *Resampler) OpenBar(symbol string) (model.Bar, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.series[symbol]
	if !ok || len(s.open) == 0 {
		return model.Bar{}, false
	}
	return s.open[len(s.open)-1].Bar, true
}

// ClosedThrough returns the boundary before which every bar of symbol is final.
func (r *Resampler) ClosedThrough(symbol string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.series[symbol]; ok {
		return s.closedThrough
	}
	return time.Time{}
}

// Watermark returns the newest exchange time observed for symbol.
func (r *Resampler) Watermark(symbol string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.series[symbol]; ok {
		return s.watermark
	}
	return time.Time{}
}
