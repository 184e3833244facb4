// Package pipeline wires the per-pair processing path: ticks from both legs
// flow through the buffer, the resampler and the aligner into the analytics
// engine, whose z-scores drive the alert evaluator.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pairwatch/internal/alert"
	"pairwatch/internal/align"
	"pairwatch/internal/analytics"
	"pairwatch/internal/buffer"
	"pairwatch/internal/config"
	"pairwatch/internal/exception"
	"pairwatch/internal/metrics"
	"pairwatch/internal/model"
	"pairwatch/internal/resample"
)

// Subscriber delivers the tick stream of one instrument.
type Subscriber interface {
	Subscribe(ctx context.Context, symbol string) (<-chan model.Tick, error)
	Unsubscribe(symbol string) error
}

// StateReporter is implemented by subscribers that track connection state.
type StateReporter interface {
	StateName(symbol string) string
}

// Options configures a Pipeline.
type Options struct {
	Pair             config.PairConfig
	UseIncompleteBar bool
	// MaxGaps bounds the list of recent alignment gaps.
	MaxGaps int
}

type windowRequest struct {
	n    int
	resp chan error
}

// Pipeline is the processing context of one pair. All mutations happen on the
// goroutine running Run; the accessors are safe to call from anywhere.
type Pipeline struct {
	logger     *zap.Logger
	opts       Options
	sub        Subscriber
	buffer     *buffer.Buffer
	bars       *resample.Resampler
	joiner     *align.Joiner
	engine     *analytics.Engine
	evaluator  *alert.Evaluator
	dispatcher *alert.Dispatcher
	now        func() time.Time

	windowReq chan windowRequest
	running   atomic.Bool
	stopped   chan struct{}

	preview atomic.Pointer[model.Snapshot]

	mu   sync.RWMutex
	gaps []align.Gap
}

// Components groups the stages a Pipeline drives.
type Components struct {
	Buffer     *buffer.Buffer
	Resampler  *resample.Resampler
	Joiner     *align.Joiner
	Engine     *analytics.Engine
	Evaluator  *alert.Evaluator
	Dispatcher *alert.Dispatcher
}

// New creates a Pipeline.
func New(logger *zap.Logger, sub Subscriber, c Components, opts Options) *Pipeline {
	if opts.MaxGaps <= 0 {
		opts.MaxGaps = 100
	}
	return &Pipeline{
		logger:     logger.Named("pipeline").With(zap.String("pair", opts.Pair.Name())),
		opts:       opts,
		sub:        sub,
		buffer:     c.Buffer,
		bars:       c.Resampler,
		joiner:     c.Joiner,
		engine:     c.Engine,
		evaluator:  c.Evaluator,
		dispatcher: c.Dispatcher,
		now:        time.Now,
		windowReq:  make(chan windowRequest),
		stopped:    make(chan struct{}),
	}
}

// Run subscribes both legs and processes their ticks until ctx is done or
// both streams end. On exit it unsubscribes and flushes the buffer.
func (p *Pipeline) Run(ctx context.Context) error {
	y, x := p.opts.Pair.Y, p.opts.Pair.X

	chY, err := p.sub.Subscribe(ctx, y)
	if err != nil {
		return err
	}
	chX, err := p.sub.Subscribe(ctx, x)
	if err != nil {
		_ = p.sub.Unsubscribe(y)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.buffer.Run(runCtx)
	}()

	p.running.Store(true)
	defer func() {
		p.running.Store(false)
		close(p.stopped)
		for _, sym := range []string{y, x} {
			if err := p.sub.Unsubscribe(sym); err != nil && !errors.Is(err, exception.ErrNotSubscribed) {
				p.logger.Warn("unsubscribe failed", zap.String("symbol", sym), zap.Error(err))
			}
		}
		cancel()
		// buffer.Run flushes everything on its way out
		wg.Wait()
		p.dispatcher.Close()
		p.logger.Info("pipeline stopped")
	}()

	p.logger.Info("pipeline started")
	for chY != nil || chX != nil {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-chY:
			if !ok {
				chY = nil
				p.streamEnded(ctx, y)
				continue
			}
			p.process(tick)
		case tick, ok := <-chX:
			if !ok {
				chX = nil
				p.streamEnded(ctx, x)
				continue
			}
			p.process(tick)
		case req := <-p.windowReq:
			req.resp <- p.engine.SetWindow(req.n)
		}
	}
	return nil
}

func (p *Pipeline) streamEnded(ctx context.Context, symbol string) {
	p.logger.Info("stream ended", zap.String("symbol", symbol))
	if err := p.buffer.Flush(ctx, symbol); err != nil {
		p.logger.Warn("flush after stream end failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (p *Pipeline) process(tick model.Tick) {
	y, x := p.opts.Pair.Y, p.opts.Pair.X

	stored := p.buffer.Append(tick)
	closed, err := p.bars.OnTick(stored)
	if err != nil {
		if errors.Is(err, exception.ErrLateTick) {
			metrics.LateTicksTotal.WithLabelValues(tick.Symbol).Inc()
			p.logger.Debug("late tick dropped", zap.String("symbol", tick.Symbol), zap.Time("exchange_time", tick.ExchangeTime))
			return
		}
		p.logger.Error("resample failed", zap.String("symbol", tick.Symbol), zap.Error(err))
		return
	}
	p.collect(tick.Symbol, closed)

	// each leg closes on its own watermark; the partner only closes bars a
	// full interval behind it
	p.collect(y, p.bars.Advance(y, p.bars.Watermark(x)))
	p.collect(x, p.bars.Advance(x, p.bars.Watermark(y)))

	frontier := p.bars.ClosedThrough(y)
	if cx := p.bars.ClosedThrough(x); cx.Before(frontier) {
		frontier = cx
	}
	pairs, gaps := p.joiner.Drain(frontier)
	for _, g := range gaps {
		p.recordGap(g)
	}
	for _, pair := range pairs {
		p.update(pair)
	}

	if p.opts.UseIncompleteBar {
		p.refreshPreview()
	}
}

func (p *Pipeline) collect(symbol string, bars []model.Bar) {
	if len(bars) == 0 {
		return
	}
	p.buffer.QueueBars(bars)
	for _, b := range bars {
		if symbol == p.opts.Pair.Y {
			p.joiner.AddY(b)
		} else {
			p.joiner.AddX(b)
		}
	}
}

func (p *Pipeline) update(pair align.Pair) {
	snap, err := p.engine.UpdatePoint(pair.Point())
	if err != nil {
		p.logger.Warn("analytics update rejected", zap.Time("bar_time", pair.Y.Start), zap.Error(err))
		return
	}
	events := p.evaluator.Evaluate(snap.ZScore, p.now().UTC(), snap.BarTime)
	p.dispatcher.Publish(events...)
}

func (p *Pipeline) refreshPreview() {
	yb, okY := p.bars.OpenBar(p.opts.Pair.Y)
	xb, okX := p.bars.OpenBar(p.opts.Pair.X)
	if !okY || !okX || !yb.Start.Equal(xb.Start) {
		p.preview.Store(nil)
		return
	}
	snap, err := p.engine.Preview(yb, xb)
	if err != nil {
		p.preview.Store(nil)
		return
	}
	p.preview.Store(snap)
}

func (p *Pipeline) recordGap(g align.Gap) {
	metrics.AlignmentGapsTotal.WithLabelValues(p.opts.Pair.Name(), string(g.Missing)).Inc()
	p.logger.Warn("alignment gap", zap.Error(g.Err()), zap.Bool("filled", g.Filled))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gaps = append(p.gaps, g)
	if over := len(p.gaps) - p.opts.MaxGaps; over > 0 {
		p.gaps = append(p.gaps[:0:0], p.gaps[over:]...)
	}
}

// SetWindow changes the analytics window. While Run is active the change is
// applied on the processing goroutine between ticks.
func (p *Pipeline) SetWindow(ctx context.Context, n int) error {
	if !p.running.Load() {
		return p.engine.SetWindow(n)
	}
	req := windowRequest{n: n, resp: make(chan error, 1)}
	select {
	case p.windowReq <- req:
	case <-p.stopped:
		return p.engine.SetWindow(n)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pair returns the configured pair.
func (p *Pipeline) Pair() config.PairConfig {
	return p.opts.Pair
}

// Snapshot returns the latest committed snapshot.
func (p *Pipeline) Snapshot() *model.Snapshot {
	return p.engine.Snapshot()
}

// Preview returns the provisional snapshot including the open bars, when
// enabled.
func (p *Pipeline) Preview() *model.Snapshot {
	return p.preview.Load()
}

// Export returns the aligned history.
func (p *Pipeline) Export() []model.AlignedPoint {
	return p.engine.Export()
}

// Bars returns the bars of one leg of the pair.
func (p *Pipeline) Bars(symbol string) ([]model.Bar, error) {
	if symbol != p.opts.Pair.Y && symbol != p.opts.Pair.X {
		return nil, exception.ErrUnknownSymbol
	}
	return p.bars.CurrentBars(symbol), nil
}

// Gaps returns the most recent alignment gaps, oldest first.
func (p *Pipeline) Gaps() []align.Gap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]align.Gap, len(p.gaps))
	copy(out, p.gaps)
	return out
}

// AlertStates reports each rule's position.
func (p *Pipeline) AlertStates() []alert.RuleState {
	return p.evaluator.States()
}

// StreamStates reports the connection state of both legs when the subscriber
// tracks it.
func (p *Pipeline) StreamStates() map[string]string {
	r, ok := p.sub.(StateReporter)
	if !ok {
		return nil
	}
	return map[string]string{
		p.opts.Pair.Y: r.StateName(p.opts.Pair.Y),
		p.opts.Pair.X: r.StateName(p.opts.Pair.X),
	}
}
