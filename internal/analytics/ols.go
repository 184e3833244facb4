package analytics

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"

	"pairwatch/internal/exception"
)

// ErrDegenerateRegression is returned when the regressor has no variance.
var ErrDegenerateRegression = errors.New("analytics: zero variance in regressor")

// relTolerance is the size, relative to the data scale, below which a standard
// deviation counts as zero.
const relTolerance = 1e-9

// Fit is a linear model y = Beta*x + Alpha.
type Fit struct {
	Beta  float64
	Alpha float64
}

// Residual returns y - (Beta*x + Alpha).
func (f Fit) Residual(y, x float64) float64 {
	return y - (f.Beta*x + f.Alpha)
}

// FitOLS regresses y on x with an intercept.
func FitOLS(y, x []float64, minPeriods int) (Fit, error) {
	if minPeriods < 2 {
		minPeriods = 2
	}
	if len(x) != len(y) {
		return Fit{}, errors.New("analytics: series lengths differ")
	}
	if len(x) < minPeriods {
		return Fit{}, &exception.InsufficientDataError{Have: len(x), Need: minPeriods}
	}

	meanX, err := stats.Mean(x)
	if err != nil {
		return Fit{}, err
	}
	meanY, err := stats.Mean(y)
	if err != nil {
		return Fit{}, err
	}
	varX, err := stats.SampleVariance(x)
	if err != nil {
		return Fit{}, err
	}
	if negligible(math.Sqrt(varX), math.Abs(meanX)) {
		return Fit{}, ErrDegenerateRegression
	}
	cov, err := stats.Covariance(x, y)
	if err != nil {
		return Fit{}, err
	}

	beta := cov / varX
	return Fit{Beta: beta, Alpha: meanY - beta*meanX}, nil
}

// negligible reports whether sd is rounding noise next to scale.
func negligible(sd, scale float64) bool {
	return sd <= relTolerance*scale
}

// ZScore returns the standardized last element of s using the population
// standard deviation of s. scale is the magnitude of the data s was derived
// from; ok is false when s is constant at that scale.
func ZScore(s []float64, scale float64) (z float64, ok bool) {
	if len(s) < 2 {
		return 0, false
	}
	mean, err := stats.Mean(s)
	if err != nil {
		return 0, false
	}
	std, err := stats.StandardDeviationPopulation(s)
	if err != nil || negligible(std, scale) {
		return 0, false
	}
	return (s[len(s)-1] - mean) / std, true
}

// Returns computes simple bar-over-bar returns.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// Correlation is the Pearson correlation of the simple returns of y and x.
// ok is false with fewer than two returns or when either leg is flat.
func Correlation(y, x []float64) (float64, bool) {
	ry, rx := Returns(y), Returns(x)
	if len(ry) < 2 || len(ry) != len(rx) {
		return 0, false
	}
	sdY, err := stats.StandardDeviationPopulation(ry)
	if err != nil || sdY == 0 {
		return 0, false
	}
	sdX, err := stats.StandardDeviationPopulation(rx)
	if err != nil || sdX == 0 {
		return 0, false
	}
	r, err := stats.Correlation(ry, rx)
	if err != nil || math.IsNaN(r) {
		return 0, false
	}
	return math.Max(-1, math.Min(1, r)), true
}

// MaxAbs returns the largest magnitude in s.
func MaxAbs(s []float64) float64 {
	m := 0.0
	for _, v := range s {
		m = math.Max(m, math.Abs(v))
	}
	return m
}
