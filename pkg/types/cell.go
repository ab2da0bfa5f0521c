package types

// UnitCell is one indexed crystal's lattice parameters as reported in a stream.
// Lengths are in nanometres, angles in degrees.
type UnitCell struct {
	A     float64
	B     float64
	C     float64
	Alpha float64
	Beta  float64
	Gamma float64
}

// Validate checks that all parameters are positive
func (u UnitCell) Validate() error {
	for _, v := range [...]float64{u.A, u.B, u.C, u.Alpha, u.Beta, u.Gamma} {
		if v <= 0 {
			return ErrInvalidCell
		}
	}
	return nil
}

// Parameter names in stream order, matching the summary CSV columns
const (
	ParamA     = "a"
	ParamB     = "b"
	ParamC     = "c"
	ParamAlpha = "alpha"
	ParamBeta  = "beta"
	ParamGamma = "gamma"
)

// Column projects one named parameter out of a sample of cells
func Column(cells []UnitCell, param string) []float64 {
	out := make([]float64, len(cells))
	for i, c := range cells {
		switch param {
		case ParamA:
			out[i] = c.A
		case ParamB:
			out[i] = c.B
		case ParamC:
			out[i] = c.C
		case ParamAlpha:
			out[i] = c.Alpha
		case ParamBeta:
			out[i] = c.Beta
		case ParamGamma:
			out[i] = c.Gamma
		}
	}
	return out
}
