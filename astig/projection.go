package astig

import (
	"fmt"

	"github.com/nasa-jpl/zlock/camera"
	"github.com/nasa-jpl/zlock/peakfit"
	"gonum.org/v1/gonum/floats"
)

// Projection estimates the ratio from Gaussian fits to the row-mean and
// column-mean profiles of the frame, optionally restricted to a window which
// follows the spot.  It is not concurrent safe.
type Projection struct {
	bounds Bounds
	window int
	track  bool
	opts   peakfit.Options

	// fit is the profile fitter, replaceable in tests
	fit func([]float64, peakfit.Options) (peakfit.Result, error)

	tracking bool
	row, col float64
}

// NewProjection returns a projection estimator
func NewProjection(cfg Config) (*Projection, error) {
	opts, err := cfg.FitOptions()
	if err != nil {
		return nil, err
	}
	b := cfg.Bounds()
	return &Projection{
		bounds: b,
		window: b.Min,
		track:  cfg.Track,
		opts:   opts,
		fit:    peakfit.FitProfile,
	}, nil
}

// Name satisfies Estimator
func (p *Projection) Name() string {
	return ModeProjection
}

// Reset forgets the tracked spot position
func (p *Projection) Reset() {
	p.tracking = false
	p.row, p.col = 0, 0
}

// Ratio satisfies Estimator
func (p *Projection) Ratio(f camera.Frame) (Sample, error) {
	if err := p.bounds.Check(f); err != nil {
		return Sample{}, err
	}
	region, r0, c0 := f, 0, 0
	if p.track {
		if !p.tracking {
			p.row, p.col = Centroid(f)
			p.tracking = true
		}
		r0 = windowOrigin(p.row, p.window, f.H)
		c0 = windowOrigin(p.col, p.window, f.W)
		var err error
		region, err = f.Crop(r0, c0, p.window, p.window)
		if err != nil {
			return Sample{}, err
		}
	}
	rows, cols := Profiles(region)
	rowFit, err := p.fit(rows, p.opts)
	if err != nil {
		return Sample{}, fmt.Errorf("row profile: %w", err)
	}
	colFit, err := p.fit(cols, p.opts)
	if err != nil {
		return Sample{}, fmt.Errorf("column profile: %w", err)
	}
	s := Sample{
		Ratio:    rowFit.Params.Sigma / colFit.Params.Sigma,
		RowWidth: rowFit.Params.Sigma,
		ColWidth: colFit.Params.Sigma,
		Row:      float64(r0) + rowFit.Params.Center,
		Col:      float64(c0) + colFit.Params.Center,
	}
	if p.track {
		p.row, p.col = s.Row, s.Col
	}
	return s, nil
}

// windowOrigin is the start index of a window of size n centered on center
// and kept inside [0, length)
func windowOrigin(center float64, n, length int) int {
	o := int(center+0.5) - n/2
	if o+n > length {
		o = length - n
	}
	if o < 0 {
		o = 0
	}
	return o
}

// Profiles returns the row-mean (one value per row) and column-mean (one
// value per column) profiles of a frame
func Profiles(f camera.Frame) (rows, cols []float64) {
	rows = make([]float64, f.H)
	cols = make([]float64, f.W)
	for r := 0; r < f.H; r++ {
		line := f.Pix[r*f.W : (r+1)*f.W]
		for c, v := range line {
			fv := float64(v)
			rows[r] += fv
			cols[c] += fv
		}
	}
	floats.Scale(1/float64(f.W), rows)
	floats.Scale(1/float64(f.H), cols)
	return rows, cols
}

// Centroid returns the intensity weighted center of the frame after removing
// its minimum.  A flat frame returns the geometric center.
func Centroid(f camera.Frame) (row, col float64) {
	if len(f.Pix) == 0 {
		return 0, 0
	}
	lo := f.Pix[0]
	for _, v := range f.Pix {
		if v < lo {
			lo = v
		}
	}
	var sum, sr, sc float64
	for r := 0; r < f.H; r++ {
		for c := 0; c < f.W; c++ {
			w := float64(f.Pix[r*f.W+c] - lo)
			sum += w
			sr += w * float64(r)
			sc += w * float64(c)
		}
	}
	if sum == 0 {
		return float64(f.H-1) / 2, float64(f.W-1) / 2
	}
	return sr / sum, sc / sum
}
