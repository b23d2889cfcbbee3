package astig

import (
	"math"
	"sync"

	"github.com/nasa-jpl/zlock/camera"
	"gonum.org/v1/gonum/dsp/fourier"
)

// CrossCorrelation estimates the ratio from the peaks of the correlations of
// the frame with a vertically and a horizontally blurred point.  The reference
// spectra are computed once per frame shape.  It is concurrent safe.
type CrossCorrelation struct {
	bounds Bounds

	mu     sync.Mutex
	h, w   int
	rowFFT *fourier.CmplxFFT // length w
	colFFT *fourier.CmplxFFT // length h
	refH   []complex128
	refV   []complex128

	freq, work []complex128
	line, col  []complex128
	lineOut    []complex128
	colOut     []complex128
}

// NewCrossCorrelation returns a cross-correlation estimator
func NewCrossCorrelation(cfg Config) *CrossCorrelation {
	return &CrossCorrelation{bounds: cfg.Bounds()}
}

// Name satisfies Estimator
func (x *CrossCorrelation) Name() string {
	return ModeXCorr
}

// Reset satisfies Estimator; the cached references are kept
func (x *CrossCorrelation) Reset() {}

// Ratio satisfies Estimator
func (x *CrossCorrelation) Ratio(f camera.Frame) (Sample, error) {
	if err := x.bounds.Check(f); err != nil {
		return Sample{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.prepare(f.H, f.W)

	var mean float64
	for _, v := range f.Pix {
		mean += float64(v)
	}
	mean /= float64(len(f.Pix))
	for i, v := range f.Pix {
		x.freq[i] = complex(float64(v)-mean, 0)
	}
	x.transform(x.freq, false)

	peakH := x.correlate(x.refH)
	peakV := x.correlate(x.refV)
	if !(peakH > 0) {
		return Sample{}, ErrNoSignal
	}
	return Sample{Ratio: peakV / peakH, RowWidth: peakV, ColWidth: peakH}, nil
}

// correlate multiplies the frame spectrum by ref, inverse transforms, and
// returns the largest real value
func (x *CrossCorrelation) correlate(ref []complex128) float64 {
	for i, s := range x.freq {
		x.work[i] = s * ref[i]
	}
	x.transform(x.work, true)
	peak := math.Inf(-1)
	for _, v := range x.work {
		if real(v) > peak {
			peak = real(v)
		}
	}
	return peak
}

// prepare allocates transforms and reference spectra for an (h, w) frame
func (x *CrossCorrelation) prepare(h, w int) {
	if x.h == h && x.w == w && x.refH != nil {
		return
	}
	x.h, x.w = h, w
	x.rowFFT = fourier.NewCmplxFFT(w)
	x.colFFT = fourier.NewCmplxFFT(h)
	x.freq = make([]complex128, h*w)
	x.work = make([]complex128, h*w)
	x.line = make([]complex128, w)
	x.lineOut = make([]complex128, w)
	x.col = make([]complex128, h)
	x.colOut = make([]complex128, h)

	x.refH = Reference(h, w, Narrow, Wide)
	x.transform(x.refH, false)
	x.refV = Reference(h, w, Wide, Narrow)
	x.transform(x.refV, false)
}

// transform performs an in-place 2D DFT of data, or its unnormalized
// inverse
func (x *CrossCorrelation) transform(data []complex128, inverse bool) {
	h, w := x.h, x.w
	for r := 0; r < h; r++ {
		seg := data[r*w : (r+1)*w]
		copy(x.line, seg)
		if inverse {
			x.rowFFT.Sequence(x.lineOut, x.line)
		} else {
			x.rowFFT.Coefficients(x.lineOut, x.line)
		}
		copy(seg, x.lineOut)
	}
	for c := 0; c < w; c++ {
		for r := 0; r < h; r++ {
			x.col[r] = data[r*w+c]
		}
		if inverse {
			x.colFFT.Sequence(x.colOut, x.col)
		} else {
			x.colFFT.Coefficients(x.colOut, x.col)
		}
		for r := 0; r < h; r++ {
			data[r*w+c] = x.colOut[r]
		}
	}
}

// Reference is a unit point at the center of an (h, w) image blurred by a
// Gaussian of width sr along rows and sc along columns, truncated at four
// sigma
func Reference(h, w int, sr, sc float64) []complex128 {
	kr := kernel(sr)
	kc := kernel(sc)
	rr, rc := len(kr)/2, len(kc)/2
	out := make([]complex128, h*w)
	r0, c0 := h/2, w/2
	for i, a := range kr {
		row := mod(r0+i-rr, h)
		for j, b := range kc {
			col := mod(c0+j-rc, w)
			out[row*w+col] += complex(a*b, 0)
		}
	}
	return out
}

// kernel is a normalized 1D Gaussian of radius int(4*sigma+0.5)
func kernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		d := float64(i - radius)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
