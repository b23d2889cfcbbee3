package peakfit

import (
	"fmt"
	"math"
	"strings"
)

// Model selects the functional form fit to a profile
type Model int

const (
	// GaussLinear is a*exp(-(x-x0)^2/(2s^2)) + m*x + o
	GaussLinear Model = iota

	// GaussOffset is a*exp(-(x-x0)^2/(2s^2)) + o, the legacy form with no slope
	GaussOffset
)

// String implements fmt.Stringer
func (m Model) String() string {
	switch m {
	case GaussLinear:
		return "gauss-linear"
	case GaussOffset:
		return "gauss-offset"
	default:
		return "unknown"
	}
}

func (m Model) nparams() int {
	if m == GaussOffset {
		return 4
	}
	return 5
}

// pack converts Params to the solver's parameter vector
func (m Model) pack(p Params) []float64 {
	if m == GaussOffset {
		return []float64{p.Amplitude, p.Center, p.Sigma, p.Offset}
	}
	return []float64{p.Amplitude, p.Center, p.Sigma, p.Slope, p.Offset}
}

// unpack is the inverse of pack
func (m Model) unpack(v []float64) Params {
	if m == GaussOffset {
		return Params{Amplitude: v[0], Center: v[1], Sigma: v[2], Offset: v[3]}
	}
	return Params{Amplitude: v[0], Center: v[1], Sigma: v[2], Slope: v[3], Offset: v[4]}
}

// eval computes the model at x
func (m Model) eval(x float64, v []float64) float64 {
	a, x0, s := v[0], v[1], v[2]
	d := x - x0
	g := a * math.Exp(-d*d/(2*s*s))
	if m == GaussOffset {
		return g + v[3]
	}
	return g + v[3]*x + v[4]
}

// grad fills row with the partial derivatives of the model at x
func (m Model) grad(x float64, v []float64, row []float64) {
	a, x0, s := v[0], v[1], v[2]
	d := x - x0
	s2 := s * s
	e := math.Exp(-d * d / (2 * s2))
	row[0] = e
	row[1] = a * e * d / s2
	row[2] = a * e * d * d / (s2 * s)
	if m == GaussOffset {
		row[3] = 1
		return
	}
	row[3] = x
	row[4] = 1
}

// Eval evaluates the model with parameters p at x
func (m Model) Eval(x float64, p Params) float64 {
	return m.eval(x, m.pack(p))
}

// ParseModel converts the String form of a model back to a Model.  The empty
// string is GaussLinear.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(s) {
	case "", "gauss-linear":
		return GaussLinear, nil
	case "gauss-offset":
		return GaussOffset, nil
	default:
		return GaussLinear, fmt.Errorf("unknown peak model %q", s)
	}
}
