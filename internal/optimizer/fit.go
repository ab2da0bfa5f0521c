package optimizer

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/dshills/sfxflow/pkg/types"
)

// FitDegree is the degree of the polynomial fitted to a scan
const FitDegree = 2

// MinFitPoints is the smallest number of usable candidates a scan needs
const MinFitPoints = FitDegree + 1

// Poly is a polynomial in the normalized variable t = (x - Center) / Scale.
// Coef holds ascending powers of t.
type Poly struct {
	Coef   []float64
	Center float64
	Scale  float64
}

// Eval evaluates the polynomial at x
func (p Poly) Eval(x float64) float64 {
	t := (x - p.Center) / p.Scale
	y := 0.0
	for i := len(p.Coef) - 1; i >= 0; i-- {
		y = y*t + p.Coef[i]
	}
	return y
}

// PolyFit fits a least-squares polynomial of the given degree to (x, y).
// x is centered and scaled to [-1, 1] before building the Vandermonde matrix.
func PolyFit(x, y []float64, degree int) (Poly, error) {
	if len(x) != len(y) {
		return Poly{}, fmt.Errorf("polyfit: %d x values but %d y values", len(x), len(y))
	}
	if len(x) <= degree {
		return Poly{}, fmt.Errorf("polyfit: degree %d needs more than %d points", degree, len(x))
	}

	center := stat.Mean(x, nil)
	scale := 0.0
	for _, v := range x {
		scale = math.Max(scale, math.Abs(v-center))
	}
	if scale == 0 {
		return Poly{}, fmt.Errorf("polyfit: all x values are equal")
	}

	n := len(x)
	a := mat.NewDense(n, degree+1, nil)
	for i, v := range x {
		t := (v - center) / scale
		p := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, p)
			p *= t
		}
	}

	var coef mat.VecDense
	if err := coef.SolveVec(a, mat.NewVecDense(n, y)); err != nil {
		return Poly{}, fmt.Errorf("polyfit: least squares failed: %w", err)
	}

	out := make([]float64, degree+1)
	for j := range out {
		out[j] = coef.AtVec(j)
	}
	return Poly{Coef: out, Center: center, Scale: scale}, nil
}

// Point is one (camera length, statistic) pair entering the fit
type Point struct {
	Clen  float64
	Value float64
}

// Optimum is the outcome of fitting a scan
type Optimum struct {
	Clen      float64
	R2        float64
	Fit       Poly
	Points    int
	Tolerance float64
	// Warning is set when R² is not above the tolerance. The optimum is still valid.
	Warning *types.FitWarning
}

// FindOptimum fits a degree-2 polynomial to the points and returns the
// candidate camera length minimizing the fitted curve. The minimum is taken
// over the candidates themselves, not the curve's vertex. Ties go to the
// smaller camera length.
func FindOptimum(points []Point, r2Tolerance float64) (Optimum, error) {
	if len(points) < MinFitPoints {
		return Optimum{}, fmt.Errorf("%w: %d usable, need at least %d", types.ErrTooFewCandidates, len(points), MinFitPoints)
	}

	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Clen < sorted[j].Clen })

	x := make([]float64, len(sorted))
	y := make([]float64, len(sorted))
	for i, p := range sorted {
		x[i], y[i] = p.Clen, p.Value
	}

	poly, err := PolyFit(x, y, FitDegree)
	if err != nil {
		return Optimum{}, err
	}

	pred := make([]float64, len(x))
	for i, v := range x {
		pred[i] = poly.Eval(v)
	}
	r2 := stat.RSquaredFrom(pred, y, nil)

	opt := Optimum{
		Clen:      x[floats.MinIdx(pred)],
		R2:        r2,
		Fit:       poly,
		Points:    len(x),
		Tolerance: r2Tolerance,
	}
	if !(r2 > r2Tolerance) {
		opt.Warning = &types.FitWarning{R2: r2, Tolerance: r2Tolerance}
	}
	return opt, nil
}
