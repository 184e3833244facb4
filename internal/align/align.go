// Package align joins the bar series of the two legs of a pair on bar start.
package align

import (
	"sort"
	"time"

	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

// Leg identifies one side of the pair.
type Leg string

const (
	LegY Leg = "y"
	LegX Leg = "x"
)

// Gap is a bar start present on one leg only.
type Gap struct {
	Time    time.Time `json:"time"`
	Missing Leg       `json:"missing"`
	// Filled is set when the point was kept by forward-filling the missing leg.
	Filled bool `json:"filled"`
}

// Err returns the gap as an error value.
func (g Gap) Err() error {
	return &exception.AlignmentGapError{Time: g.Time, Missing: string(g.Missing)}
}

// Options controls gap handling.
type Options struct {
	// FillGaps forward-fills the missing leg from its previous close instead of
	// dropping the point.
	FillGaps bool
}

// Pair is one aligned bar of each leg.
type Pair struct {
	Y, X   model.Bar
	Filled bool
}

// Point returns the aligned closes.
func (p Pair) Point() model.AlignedPoint {
	return model.AlignedPoint{Time: p.Y.Start, CloseY: p.Y.Close, CloseX: p.X.Close, Filled: p.Filled}
}

// Result is the outcome of aligning two series.
type Result struct {
	Points []model.AlignedPoint
	Gaps   []Gap
}

// Align intersects y and x on bar start. Points are strictly increasing in
// time; every start seen on one side only is reported as a gap.
func Align(y, x []model.Bar, opts Options) Result {
	j := NewJoiner(opts)
	for _, b := range y {
		j.AddY(b)
	}
	for _, b := range x {
		j.AddX(b)
	}
	pairs, gaps := j.drainAll()

	res := Result{Points: make([]model.AlignedPoint, 0, len(pairs)), Gaps: gaps}
	for _, p := range pairs {
		res.Points = append(res.Points, p.Point())
	}
	return res
}

// Joiner is the incremental form of Align. Closed bars are added as they
// arrive and released once both legs are final up to a frontier.
type Joiner struct {
	opts  Options
	ys    map[time.Time]model.Bar
	xs    map[time.Time]model.Bar
	lastY *model.Bar
	lastX *model.Bar
	// emitted is the newest start released so far.
	emitted time.Time
}

// NewJoiner creates an empty Joiner.
func NewJoiner(opts Options) *Joiner {
	return &Joiner{
		opts: opts,
		ys:   make(map[time.Time]model.Bar),
		xs:   make(map[time.Time]model.Bar),
	}
}

// AddY queues a closed bar of the Y leg. Bars at or before the last released
// start are ignored.
func (j *Joiner) AddY(b model.Bar) {
	j.add(j.ys, b)
}

// AddX queues a closed bar of the X leg.
func (j *Joiner) AddX(b model.Bar) {
	j.add(j.xs, b)
}

func (j *Joiner) add(m map[time.Time]model.Bar, b model.Bar) {
	start := b.Start.UTC()
	if !j.emitted.IsZero() && !start.After(j.emitted) {
		return
	}
	m[start] = b
}

// Pending returns the number of queued bars per leg.
func (j *Joiner) Pending() (y, x int) {
	return len(j.ys), len(j.xs)
}

// Drain releases, in time order, every queued start whose bar ended at or
// before frontier.
func (j *Joiner) Drain(frontier time.Time) ([]Pair, []Gap) {
	return j.drain(func(b model.Bar) bool { return !b.End().After(frontier) })
}

func (j *Joiner) drainAll() ([]Pair, []Gap) {
	return j.drain(func(model.Bar) bool { return true })
}

func (j *Joiner) drain(ready func(model.Bar) bool) ([]Pair, []Gap) {
	var starts []time.Time
	seen := make(map[time.Time]struct{})
	for _, m := range []map[time.Time]model.Bar{j.ys, j.xs} {
		for start, b := range m {
			if _, ok := seen[start]; ok || !ready(b) {
				continue
			}
			seen[start] = struct{}{}
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(a, b int) bool { return starts[a].Before(starts[b]) })

	var (
		pairs []Pair
		gaps  []Gap
	)
	for _, start := range starts {
		y, okY := j.ys[start]
		x, okX := j.xs[start]
		delete(j.ys, start)
		delete(j.xs, start)
		j.emitted = start

		switch {
		case okY && okX:
			pairs = append(pairs, Pair{Y: y, X: x})
		case okY:
			gap := Gap{Time: start, Missing: LegX}
			if j.opts.FillGaps && j.lastX != nil {
				x, gap.Filled = fill(*j.lastX, start), true
				pairs = append(pairs, Pair{Y: y, X: x, Filled: true})
			}
			gaps = append(gaps, gap)
		default:
			gap := Gap{Time: start, Missing: LegY}
			if j.opts.FillGaps && j.lastY != nil {
				y, gap.Filled = fill(*j.lastY, start), true
				pairs = append(pairs, Pair{Y: y, X: x, Filled: true})
			}
			gaps = append(gaps, gap)
		}
		if okY {
			j.lastY = &y
		}
		if okX {
			j.lastX = &x
		}
	}
	return pairs, gaps
}

// fill synthesizes a flat bar at start from the previous close.
func fill(prev model.Bar, start time.Time) model.Bar {
	return model.Bar{
		Symbol:   prev.Symbol,
		Interval: prev.Interval,
		Start:    start,
		Open:     prev.Close,
		High:     prev.Close,
		Low:      prev.Close,
		Close:    prev.Close,
		Complete: true,
	}
}
