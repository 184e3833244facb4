package analytics

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"pairwatch/internal/exception"
)

// ErrSingularDesign is returned when the ADF regressors are collinear.
var ErrSingularDesign = errors.New("analytics: singular ADF design matrix")

// Deterministic terms of the ADF regression.
const (
	RegressionConstant      = "c"
	RegressionConstantTrend = "ct"
	RegressionNone          = "n"
)

// Lag selection modes.
const (
	AutoLagAIC   = "aic"
	AutoLagFixed = "fixed"
)

// ADFOptions parameterizes the augmented Dickey-Fuller test.
type ADFOptions struct {
	// MaxLag below zero selects ceil(12*(n/100)^(1/4)).
	MaxLag     int
	AutoLag    string
	Regression string
	MinObs     int
}

// ADFResult is the outcome of one test.
type ADFResult struct {
	Stat   float64
	PValue float64
	Lag    int
	NObs   int
}

func (o ADFOptions) trendTerms() int {
	switch o.Regression {
	case RegressionNone:
		return 0
	case RegressionConstantTrend:
		return 2
	default:
		return 1
	}
}

// ADF tests s for a unit root. Δs_t is regressed on s_{t-1}, the deterministic
// terms and p lagged differences; the t-statistic of the s_{t-1} coefficient is
// mapped to a MacKinnon approximate p-value.
func ADF(s []float64, opts ADFOptions) (ADFResult, error) {
	n := len(s)
	minObs := opts.MinObs
	if minObs < 4 {
		minObs = 4
	}
	if n < minObs {
		return ADFResult{}, &exception.InsufficientDataError{Have: n, Need: minObs}
	}
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ADFResult{}, errors.New("analytics: non-finite value in ADF input")
		}
	}

	ntrend := opts.trendTerms()
	maxLag := opts.MaxLag
	if maxLag < 0 {
		maxLag = int(math.Ceil(12 * math.Pow(float64(n)/100, 0.25)))
	}
	if limit := n/2 - ntrend - 1; maxLag > limit {
		maxLag = limit
	}
	if maxLag < 0 {
		return ADFResult{}, &exception.InsufficientDataError{Have: n, Need: 2 * (ntrend + 1)}
	}

	diff := make([]float64, n-1)
	for i := range diff {
		diff[i] = s[i+1] - s[i]
	}

	lag := maxLag
	if opts.AutoLag != AutoLagFixed {
		best := math.Inf(1)
		for p := 0; p <= maxLag; p++ {
			fit, err := adfRegression(s, diff, p, maxLag, ntrend)
			if err != nil {
				continue
			}
			if fit.aic < best {
				best, lag = fit.aic, p
			}
		}
		if math.IsInf(best, 1) {
			return ADFResult{}, ErrSingularDesign
		}
	}

	fit, err := adfRegression(s, diff, lag, lag, ntrend)
	if err != nil {
		return ADFResult{}, err
	}
	return ADFResult{
		Stat:   fit.stat,
		PValue: MacKinnonP(fit.stat, opts.Regression),
		Lag:    lag,
		NObs:   fit.nobs,
	}, nil
}

type adfFit struct {
	stat float64
	aic  float64
	nobs int
}

// adfRegression fits lag p over the sample starting after skip differences,
// so fits with different p can share a sample.
func adfRegression(s, diff []float64, p, skip, ntrend int) (adfFit, error) {
	rows := len(diff) - skip
	cols := 1 + p + ntrend
	if rows <= cols {
		return adfFit{}, &exception.InsufficientDataError{Have: rows, Need: cols + 1}
	}

	X := mat.NewDense(rows, cols, nil)
	y := mat.NewVecDense(rows, nil)
	for r := 0; r < rows; r++ {
		t := skip + r
		y.SetVec(r, diff[t])
		X.Set(r, 0, s[t])
		for j := 1; j <= p; j++ {
			X.Set(r, j, diff[t-j])
		}
		if ntrend >= 1 {
			X.Set(r, 1+p, 1)
		}
		if ntrend == 2 {
			X.Set(r, 2+p, float64(t+1))
		}
	}

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return adfFit{}, ErrSingularDesign
	}
	var xty mat.VecDense
	xty.MulVec(X.T(), y)
	var coef mat.VecDense
	coef.MulVec(&inv, &xty)

	var fitted mat.VecDense
	fitted.MulVec(X, &coef)
	ssr := 0.0
	for r := 0; r < rows; r++ {
		e := y.AtVec(r) - fitted.AtVec(r)
		ssr += e * e
	}

	sigma2 := ssr / float64(rows-cols)
	se := math.Sqrt(sigma2 * inv.At(0, 0))
	if se == 0 || math.IsNaN(se) {
		return adfFit{}, ErrSingularDesign
	}

	nobs := float64(rows)
	llf := -nobs / 2 * (math.Log(2*math.Pi) + math.Log(ssr/nobs) + 1)
	return adfFit{
		stat: coef.AtVec(0) / se,
		aic:  -2*llf + 2*float64(cols),
		nobs: rows,
	}, nil
}

// mackinnon holds the N=1 response surface of MacKinnon (1994) for one
// deterministic specification.
type mackinnon struct {
	max, min, star float64
	smallp, largep []float64
}

var mackinnonTable = map[string]mackinnon{
	RegressionNone: {
		max: 1.51, min: -19.04, star: -1.04,
		smallp: []float64{0.6344, 1.2378, 0.032496},
		largep: []float64{0.4797, 0.93557, -0.06999, 0.033066},
	},
	RegressionConstant: {
		max: 2.74, min: -18.83, star: -1.61,
		smallp: []float64{2.1659, 1.4412, 0.038269},
		largep: []float64{1.7339, 0.93202, -0.12745, -0.010368},
	},
	RegressionConstantTrend: {
		max: 0.7, min: -16.18, star: -2.89,
		smallp: []float64{3.2512, 1.6047, 0.049588},
		largep: []float64{2.5261, 0.61654, -0.37956, -0.060285},
	},
}

// MacKinnonP approximates the p-value of an ADF statistic.
func MacKinnonP(stat float64, regression string) float64 {
	tab, ok := mackinnonTable[regression]
	if !ok {
		tab = mackinnonTable[RegressionConstant]
	}
	switch {
	case stat > tab.max:
		return 1
	case stat < tab.min:
		return 0
	}
	coef := tab.largep
	if stat <= tab.star {
		coef = tab.smallp
	}
	x, pow := 0.0, 1.0
	for _, c := range coef {
		x += c * pow
		pow *= stat
	}
	return distuv.UnitNormal.CDF(x)
}
