// Package analytics maintains the rolling pair model: hedge ratio, spread,
// z-score, stationarity and return correlation over a trailing window of
// aligned bars.
package analytics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pairwatch/internal/config"
	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

// Options configures an Engine.
type Options struct {
	Pair         string
	Window       int
	MinPeriods   int
	History      int
	SeriesLength int
	ADF          ADFOptions
}

// OptionsFromConfig maps analytics configuration onto options.
func OptionsFromConfig(pair string, cfg config.AnalyticsConfig) Options {
	return Options{
		Pair:         pair,
		Window:       cfg.Window,
		MinPeriods:   cfg.MinPeriods,
		History:      cfg.History,
		SeriesLength: cfg.SeriesLength,
		ADF: ADFOptions{
			MaxLag:     cfg.ADF.MaxLag,
			AutoLag:    cfg.ADF.AutoLag,
			Regression: cfg.ADF.Regression,
			MinObs:     cfg.ADF.MinObs,
		},
	}
}

func (o Options) checkWindow(n int) error {
	problems := &exception.ConfigurationError{}
	if n < 2 {
		problems.Add("window %d must be at least 2", n)
	}
	if n < o.MinPeriods {
		problems.Add("window %d is below min_periods %d", n, o.MinPeriods)
	}
	if n > o.History {
		problems.Add("window %d exceeds history %d", n, o.History)
	}
	return problems.OrNil()
}

// Engine is safe for concurrent use: updates are serialized and readers get
// immutable snapshots.
type Engine struct {
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu      sync.RWMutex
	window  int
	history *Ring[model.AlignedPoint]
	spreads *Ring[model.SeriesPoint]
	zscores *Ring[model.SeriesPoint]
	corrs   *Ring[model.SeriesPoint]

	snapshot atomic.Pointer[model.Snapshot]
}

// NewEngine creates an Engine with an empty history.
func NewEngine(logger *zap.Logger, opts Options) (*Engine, error) {
	if opts.MinPeriods < 2 {
		opts.MinPeriods = 2
	}
	if opts.SeriesLength < 1 {
		opts.SeriesLength = 1
	}
	if err := opts.checkWindow(opts.Window); err != nil {
		return nil, err
	}
	return &Engine{
		logger:  logger.Named("analytics").With(zap.String("pair", opts.Pair)),
		opts:    opts,
		now:     time.Now,
		window:  opts.Window,
		history: NewRing[model.AlignedPoint](opts.History),
		spreads: NewRing[model.SeriesPoint](opts.SeriesLength),
		zscores: NewRing[model.SeriesPoint](opts.SeriesLength),
		corrs:   NewRing[model.SeriesPoint](opts.SeriesLength),
	}, nil
}

// Update appends the aligned closes of y and x and recomputes the model.
func (e *Engine) Update(y, x model.Bar) (*model.Snapshot, error) {
	if !y.Start.Equal(x.Start) {
		return nil, fmt.Errorf("%w: %s vs %s", exception.ErrBarMismatch, y.Start, x.Start)
	}
	return e.UpdatePoint(model.AlignedPoint{Time: y.Start, CloseY: y.Close, CloseX: x.Close})
}

// UpdatePoint appends p and recomputes the model. p must be newer than every
// point already in the history.
func (e *Engine) UpdatePoint(p model.AlignedPoint) (*model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.history.Last(); ok && !p.Time.After(last.Time) {
		return nil, fmt.Errorf("%w: %s after %s", exception.ErrOutOfOrder, p.Time, last.Time)
	}
	e.history.Push(p)

	ev := e.evaluate(e.history.Tail(e.window))
	e.pushSeries(p.Time, ev)
	snap := e.build(p.Time, ev, false)
	e.snapshot.Store(snap)
	return snap, nil
}

// SetWindow changes the trailing window and recomputes every derived series
// from the retained history.
func (e *Engine) SetWindow(n int) error {
	if err := e.opts.checkWindow(n); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.window = n
	e.spreads.Reset()
	e.zscores.Reset()
	e.corrs.Reset()

	points := e.history.Slice()
	if len(points) == 0 {
		e.snapshot.Store(nil)
		return nil
	}
	from := max(0, len(points)-e.opts.SeriesLength)
	var ev evaluation
	for i := from; i < len(points); i++ {
		ev = e.evaluate(points[max(0, i-n+1) : i+1])
		e.pushSeries(points[i].Time, ev)
	}
	e.snapshot.Store(e.build(points[len(points)-1].Time, ev, false))
	e.logger.Info("window changed", zap.Int("window", n), zap.Int("recomputed", len(points)-from))
	return nil
}

// Window returns the current window length.
func (e *Engine) Window() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.window
}

// Preview computes a provisional snapshot as if y and x were the newest
// aligned bars, without changing any state. The result is not published.
func (e *Engine) Preview(y, x model.Bar) (*model.Snapshot, error) {
	if !y.Start.Equal(x.Start) {
		return nil, fmt.Errorf("%w: %s vs %s", exception.ErrBarMismatch, y.Start, x.Start)
	}
	p := model.AlignedPoint{Time: y.Start, CloseY: y.Close, CloseX: x.Close}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if last, ok := e.history.Last(); ok && !p.Time.After(last.Time) {
		return nil, fmt.Errorf("%w: %s after %s", exception.ErrOutOfOrder, p.Time, last.Time)
	}
	points := append(e.history.Tail(e.window-1), p)
	ev := e.evaluate(points)

	snap := e.build(p.Time, ev, true)
	snap.SpreadSeries = appendCapped(snap.SpreadSeries, seriesPoint(p.Time, ev.spread), e.opts.SeriesLength)
	snap.ZScoreSeries = appendCapped(snap.ZScoreSeries, seriesPoint(p.Time, ev.z), e.opts.SeriesLength)
	snap.CorrelationSeries = appendCapped(snap.CorrelationSeries, seriesPoint(p.Time, ev.corr), e.opts.SeriesLength)
	return snap, nil
}

// Snapshot returns the latest published snapshot, or nil before the first
// update.
func (e *Engine) Snapshot() *model.Snapshot {
	return e.snapshot.Load()
}

// Export returns the retained aligned history, oldest first.
func (e *Engine) Export() []model.AlignedPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Slice()
}

type evaluation struct {
	hedge     *float64
	intercept *float64
	points    int
	spread    *float64
	z         *float64
	adf       *float64
	corr      *float64
	flags     model.SnapshotFlag
}

func (e *Engine) evaluate(points []model.AlignedPoint) evaluation {
	ys := make([]float64, len(points))
	xs := make([]float64, len(points))
	for i, p := range points {
		ys[i], xs[i] = p.CloseY, p.CloseX
	}
	ev := evaluation{points: len(points)}

	fit, err := FitOLS(ys, xs, e.opts.MinPeriods)
	switch {
	case err == nil:
		ev.hedge, ev.intercept = &fit.Beta, &fit.Alpha
		spreads := make([]float64, len(points))
		for i := range points {
			spreads[i] = fit.Residual(ys[i], xs[i])
		}
		last := spreads[len(spreads)-1]
		ev.spread = &last
		// a flat spread has neither a z-score nor a unit-root test
		if z, ok := ZScore(spreads, MaxAbs(ys)); ok {
			ev.z = &z
			if res, err := ADF(spreads, e.opts.ADF); err == nil {
				ev.adf = &res.PValue
			}
		}
	case errors.Is(err, ErrDegenerateRegression):
		ev.flags |= model.DegenerateRegression
	default:
		ev.flags |= model.InsufficientData
	}

	if r, ok := Correlation(ys, xs); ok {
		ev.corr = &r
	}

	if ev.z == nil {
		ev.flags |= model.ZScoreUndefined
	}
	if ev.adf == nil {
		ev.flags |= model.StationarityUndefined
	}
	if ev.corr == nil {
		ev.flags |= model.CorrelationUndefined
	}
	return ev
}

func (e *Engine) pushSeries(at time.Time, ev evaluation) {
	e.spreads.Push(seriesPoint(at, ev.spread))
	e.zscores.Push(seriesPoint(at, ev.z))
	e.corrs.Push(seriesPoint(at, ev.corr))
}

func (e *Engine) build(at time.Time, ev evaluation, provisional bool) *model.Snapshot {
	return &model.Snapshot{
		Pair:              e.opts.Pair,
		BarTime:           at,
		ComputedAt:        e.now().UTC(),
		Window:            e.window,
		Points:            ev.points,
		HedgeRatio:        ev.hedge,
		Intercept:         ev.intercept,
		Spread:            ev.spread,
		ZScore:            ev.z,
		ADFPValue:         ev.adf,
		Correlation:       ev.corr,
		SpreadSeries:      e.spreads.Slice(),
		ZScoreSeries:      e.zscores.Slice(),
		CorrelationSeries: e.corrs.Slice(),
		Flags:             ev.flags,
		Provisional:       provisional,
	}
}

func seriesPoint(at time.Time, v *float64) model.SeriesPoint {
	if v == nil {
		return model.SeriesPoint{Time: at}
	}
	return model.SeriesPoint{Time: at, Value: *v, Valid: true}
}

func appendCapped(s []model.SeriesPoint, p model.SeriesPoint, limit int) []model.SeriesPoint {
	s = append(s, p)
	if over := len(s) - limit; over > 0 {
		s = s[over:]
	}
	return s
}
