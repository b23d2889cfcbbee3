/*Package peakfit fits a one dimensional Gaussian peak on a linear (or
constant) background to an intensity profile and reports its spread.

The fit is a small Levenberg-Marquardt solver over the damped normal
equations.  Failures are returned as errors wrapping one of ErrTooShort,
ErrLength, ErrNotConverged, ErrDegenerate, or ErrNoPeak; nothing panics
for finite input.

	res, err := peakfit.FitProfile(profile, peakfit.DefaultOptions())
	if err != nil {
		// no estimate this frame
	}
	sigma := res.Params.Sigma
*/
package peakfit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTooShort is generated when the profile has fewer samples than Options.MinLength
	ErrTooShort = errors.New("profile is too short to fit")

	// ErrLength is generated when x and y differ in length
	ErrLength = errors.New("x and y must have the same length")

	// ErrNotConverged is generated when the solver exhausts its iterations
	// or cannot move from the initial guess
	ErrNotConverged = errors.New("fit did not converge")

	// ErrDegenerate is generated when the normal matrix is singular or the
	// covariance contains NaN or Inf
	ErrDegenerate = errors.New("fit covariance is degenerate")

	// ErrNoPeak is generated when the converged fit does not describe a
	// plausible peak
	ErrNoPeak = errors.New("no plausible peak in profile")
)

// FitError carries the reason for a rejected fit and the parameters the
// solver ended at, if any
type FitError struct {
	Reason error
	Detail string
	Params Params
}

func (e *FitError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason.Error(), e.Detail)
}

// Unwrap allows errors.Is(err, ErrNoPeak) and friends
func (e *FitError) Unwrap() error {
	return e.Reason
}

// Params are the parameters of the peak model.  Slope is always zero for
// the GaussOffset model.
type Params struct {
	Amplitude float64 `json:"amplitude"`
	Center    float64 `json:"center"`
	Sigma     float64 `json:"sigma"`
	Slope     float64 `json:"slope"`
	Offset    float64 `json:"offset"`
}

// Result is a successful fit
type Result struct {
	Params Params

	// Covariance is the parameter covariance in model order
	// (amplitude, center, sigma, [slope], offset)
	Covariance *mat.SymDense

	// ResidualStd is sqrt(SSR / (n - k))
	ResidualStd float64

	// Iterations is the number of solver iterations used
	Iterations int

	// Flipped is true if the profile was negated to fit a dark peak
	Flipped bool
}

// SigmaStd is the one-sigma uncertainty on Params.Sigma
func (r Result) SigmaStd() float64 {
	return math.Sqrt(r.Covariance.At(2, 2))
}

// Options control the fit
type Options struct {
	// Model is the functional form
	Model Model

	// MinLength is the minimum number of samples
	MinLength int

	// InitialSigma is the floor for the seeded sigma, in x units
	InitialSigma float64

	// MaxIter bounds the solver
	MaxIter int

	// FTol is the relative reduction in SSR below which the fit is converged
	FTol float64

	// XTol is the relative step size below which the fit is converged
	XTol float64

	// MinSigma and MaxSigma bound a plausible spread.  A non-positive
	// MaxSigma means half of the sampled range.
	MinSigma, MaxSigma float64

	// MinSNR is the minimum ratio of amplitude to residual std.
	// Zero disables the check.
	MinSNR float64
}

// DefaultOptions returns the options used by the focus lock
func DefaultOptions() Options {
	return Options{
		Model:        GaussLinear,
		MinLength:    16,
		InitialSigma: 0.75,
		MaxIter:      200,
		FTol:         1e-10,
		XTol:         1e-10,
		MinSigma:     0.25,
		MinSNR:       3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinLength <= 0 {
		o.MinLength = d.MinLength
	}
	if o.InitialSigma <= 0 {
		o.InitialSigma = d.InitialSigma
	}
	if o.MaxIter <= 0 {
		o.MaxIter = d.MaxIter
	}
	if o.FTol <= 0 {
		o.FTol = d.FTol
	}
	if o.XTol <= 0 {
		o.XTol = d.XTol
	}
	return o
}

// FitProfile fits y sampled at x = 0, 1, ..., len(y)-1
func FitProfile(y []float64, opts Options) (Result, error) {
	x := make([]float64, len(y))
	for i := range x {
		x[i] = float64(i)
	}
	return Fit(x, y, opts)
}

// Fit fits the peak model to y sampled at x
func Fit(x, y []float64, opts Options) (Result, error) {
	opts = opts.withDefaults()
	if len(x) != len(y) {
		return Result{}, &FitError{Reason: ErrLength, Detail: fmt.Sprintf("len(x)=%d len(y)=%d", len(x), len(y))}
	}
	if len(y) < opts.MinLength {
		return Result{}, &FitError{Reason: ErrTooShort, Detail: fmt.Sprintf("%d < %d samples", len(y), opts.MinLength)}
	}
	if !finite(y...) || !finite(x...) {
		return Result{}, &FitError{Reason: ErrDegenerate, Detail: "profile contains NaN or Inf"}
	}

	// dark peaks are fit as bright peaks
	flipped := false
	if math.Abs(floats.Min(y)) > floats.Max(y) {
		neg := make([]float64, len(y))
		floats.ScaleTo(neg, -1, y)
		y = neg
		flipped = true
	}

	seed := Seed(x, y, opts)
	prob := newProblem(opts.Model, x, y)
	sol := levenbergMarquardt(prob, opts.Model.pack(seed), opts)
	params := opts.Model.unpack(sol.params)
	params.Sigma = math.Abs(params.Sigma)
	if !sol.converged {
		return Result{}, &FitError{Reason: ErrNotConverged, Detail: fmt.Sprintf("%d iterations", sol.iterations), Params: params}
	}
	if !finite(sol.params...) {
		return Result{}, &FitError{Reason: ErrDegenerate, Detail: "parameters are not finite", Params: params}
	}
	cov, ok := prob.covariance(sol.params, sol.ssr)
	if !ok {
		return Result{}, &FitError{Reason: ErrDegenerate, Detail: "singular normal matrix", Params: params}
	}
	k := opts.Model.nparams()
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			if !finite(cov.At(i, j)) {
				return Result{}, &FitError{Reason: ErrDegenerate, Detail: "covariance contains NaN or Inf", Params: params}
			}
		}
	}
	res := Result{
		Params:      params,
		Covariance:  cov,
		ResidualStd: math.Sqrt(sol.ssr / float64(len(y)-k)),
		Iterations:  sol.iterations,
		Flipped:     flipped,
	}
	if err := plausible(res, x, opts); err != nil {
		return Result{}, err
	}
	return res, nil
}

// plausible applies the peak checks of the strict variant
func plausible(res Result, x []float64, opts Options) error {
	p := res.Params
	lo, hi := floats.Min(x), floats.Max(x)
	maxSigma := opts.MaxSigma
	if maxSigma <= 0 {
		maxSigma = (hi - lo) / 2
	}
	switch {
	case p.Amplitude <= 0:
		return &FitError{Reason: ErrNoPeak, Detail: fmt.Sprintf("amplitude %g <= 0", p.Amplitude), Params: p}
	case p.Sigma < opts.MinSigma || p.Sigma > maxSigma:
		return &FitError{Reason: ErrNoPeak, Detail: fmt.Sprintf("sigma %g outside [%g, %g]", p.Sigma, opts.MinSigma, maxSigma), Params: p}
	case p.Center < lo || p.Center > hi:
		return &FitError{Reason: ErrNoPeak, Detail: fmt.Sprintf("center %g outside [%g, %g]", p.Center, lo, hi), Params: p}
	}
	if opts.MinSNR > 0 && res.ResidualStd > 0 {
		snr := p.Amplitude / res.ResidualStd
		if snr < opts.MinSNR {
			return &FitError{Reason: ErrNoPeak, Detail: fmt.Sprintf("snr %.2f < %.2f", snr, opts.MinSNR), Params: p}
		}
	}
	return nil
}

// Seed computes the initial guess for the solver from profile statistics
func Seed(x, y []float64, opts Options) Params {
	lo := floats.Min(y)
	hi := floats.Max(y)
	imax := floats.MaxIdx(y)

	// walk out from the peak to the half maximum for a width estimate
	half := lo + (hi-lo)/2
	left, right := imax, imax
	for left > 0 && y[left-1] > half {
		left--
	}
	for right < len(y)-1 && y[right+1] > half {
		right++
	}
	sigma := math.Abs(x[right]-x[left]) / 2.3548
	if sigma < opts.InitialSigma {
		sigma = opts.InitialSigma
	}
	return Params{
		Amplitude: 0.95 * (hi - lo),
		Center:    x[imax],
		Sigma:     sigma,
		Slope:     0,
		Offset:    lo,
	}
}
