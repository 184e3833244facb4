package align

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func bar(sym string, offset time.Duration, close float64) model.Bar {
	return model.Bar{
		Symbol:   sym,
		Interval: time.Minute,
		Start:    t0.Add(offset),
		Open:     close,
		High:     close,
		Low:      close,
		Close:    close,
		Complete: true,
	}
}

func TestAlignStrictIntersection(t *testing.T) {
	y := []model.Bar{bar("btc", 0, 1), bar("btc", time.Minute, 2), bar("btc", 2*time.Minute, 3)}
	x := []model.Bar{bar("eth", 0, 10), bar("eth", time.Minute, 20)}

	res := Align(y, x, Options{})
	require.Len(t, res.Points, 2)
	assert.Equal(t, model.AlignedPoint{Time: t0, CloseY: 1, CloseX: 10}, res.Points[0])
	assert.Equal(t, model.AlignedPoint{Time: t0.Add(time.Minute), CloseY: 2, CloseX: 20}, res.Points[1])

	require.Len(t, res.Gaps, 1)
	assert.Equal(t, t0.Add(2*time.Minute), res.Gaps[0].Time)
	assert.Equal(t, LegX, res.Gaps[0].Missing)
	assert.False(t, res.Gaps[0].Filled)

	var gapErr *exception.AlignmentGapError
	require.True(t, errors.As(res.Gaps[0].Err(), &gapErr))
	assert.Equal(t, "x", gapErr.Missing)
}

func TestAlignIsOrderedAndUnique(t *testing.T) {
	y := []model.Bar{bar("btc", 2*time.Minute, 3), bar("btc", 0, 1), bar("btc", 3*time.Minute, 4)}
	x := []model.Bar{bar("eth", 3*time.Minute, 40), bar("eth", time.Minute, 20), bar("eth", 0, 10), bar("eth", 2*time.Minute, 30)}

	res := Align(y, x, Options{})
	require.Len(t, res.Points, 3)
	for i := 1; i < len(res.Points); i++ {
		assert.True(t, res.Points[i].Time.After(res.Points[i-1].Time))
	}
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, LegY, res.Gaps[0].Missing)
	assert.Equal(t, t0.Add(time.Minute), res.Gaps[0].Time)
}

func TestAlignFillGaps(t *testing.T) {
	y := []model.Bar{bar("btc", 0, 1), bar("btc", time.Minute, 2), bar("btc", 2*time.Minute, 3)}
	x := []model.Bar{bar("eth", 0, 10), bar("eth", 2*time.Minute, 30)}

	res := Align(y, x, Options{FillGaps: true})
	require.Len(t, res.Points, 3)
	assert.Equal(t, 10.0, res.Points[1].CloseX)
	assert.True(t, res.Points[1].Filled)
	assert.False(t, res.Points[2].Filled)
	require.Len(t, res.Gaps, 1)
	assert.True(t, res.Gaps[0].Filled)
}

func TestAlignFillGapsNeedsPriorClose(t *testing.T) {
	y := []model.Bar{bar("btc", 0, 1), bar("btc", time.Minute, 2)}
	x := []model.Bar{bar("eth", time.Minute, 20)}

	res := Align(y, x, Options{FillGaps: true})
	require.Len(t, res.Points, 1)
	assert.Equal(t, t0.Add(time.Minute), res.Points[0].Time)
	require.Len(t, res.Gaps, 1)
	assert.False(t, res.Gaps[0].Filled)
}

func TestJoinerDrainWaitsForFrontier(t *testing.T) {
	j := NewJoiner(Options{})
	j.AddY(bar("btc", 0, 1))
	j.AddY(bar("btc", time.Minute, 2))
	j.AddX(bar("eth", 0, 10))

	// only the first minute is final on both legs
	pairs, gaps := j.Drain(t0.Add(time.Minute))
	require.Len(t, pairs, 1)
	assert.Empty(t, gaps)
	assert.Equal(t, 10.0, pairs[0].Point().CloseX)

	pairs, gaps = j.Drain(t0.Add(time.Minute))
	assert.Empty(t, pairs)
	assert.Empty(t, gaps)

	j.AddX(bar("eth", time.Minute, 20))
	pairs, _ = j.Drain(t0.Add(2 * time.Minute))
	require.Len(t, pairs, 1)
	assert.Equal(t, t0.Add(time.Minute), pairs[0].Y.Start)

	y, x := j.Pending()
	assert.Zero(t, y)
	assert.Zero(t, x)
}

func TestJoinerReportsGapAndIgnoresStaleBars(t *testing.T) {
	j := NewJoiner(Options{})
	j.AddY(bar("btc", 0, 1))
	j.AddY(bar("btc", time.Minute, 2))
	j.AddX(bar("eth", time.Minute, 20))

	pairs, gaps := j.Drain(t0.Add(2 * time.Minute))
	require.Len(t, pairs, 1)
	require.Len(t, gaps, 1)
	assert.Equal(t, Gap{Time: t0, Missing: LegX}, gaps[0])

	// a bar at an already released start is ignored
	j.AddX(bar("eth", 0, 10))
	pairs, gaps = j.Drain(t0.Add(time.Hour))
	assert.Empty(t, pairs)
	assert.Empty(t, gaps)
}
