/*Package astig estimates defocus from the astigmatism of a bead image.

A cylindrical lens in the detection path makes the image of a point source
elliptical, with the long axis flipping between the row and column directions
as the sample passes through focus.  The Estimators in this package reduce a
frame to a single ratio which is 1.0 at focus and greater than one when the
spot is elongated along the row axis.

Two strategies are provided:

	projection	fits a Gaussian to the row-mean and column-mean profiles
	xcorr		cross-correlates the frame with two anisotropic references

Both check the frame size against Bounds before doing any work.
*/
package astig

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/zlock/camera"
	"github.com/nasa-jpl/zlock/peakfit"
)

const (
	// ModeProjection selects the Projection estimator
	ModeProjection = "projection"

	// ModeXCorr selects the CrossCorrelation estimator
	ModeXCorr = "xcorr"

	// DefaultBeadSpread is the largest expected spot radius, in pixels
	DefaultBeadSpread = 10

	// Narrow and Wide are the reference blur widths, in pixels
	Narrow = 0.75
	Wide   = 2.5
)

var (
	// ErrUnknownMode is generated by New for an unrecognized strategy
	ErrUnknownMode = errors.New("unknown ratio estimator mode")

	// ErrNoSignal is generated when a correlation peak is not positive
	ErrNoSignal = errors.New("correlation peak is not positive")
)

// SizeCode classifies a frame size rejection
type SizeCode int

const (
	// MinFrameErr means a frame dimension is below Bounds.Min
	MinFrameErr SizeCode = iota + 1

	// MaxFrameErr means a frame dimension is at or above Bounds.Max
	MaxFrameErr
)

// String implements fmt.Stringer
func (c SizeCode) String() string {
	switch c {
	case MinFrameErr:
		return "MIN_FRAME_ERR"
	case MaxFrameErr:
		return "MAX_FRAME_ERR"
	default:
		return "UNKNOWN_FRAME_ERR"
	}
}

// FrameSizeError is generated when a frame is too small or too large to
// estimate a ratio from
type FrameSizeError struct {
	Code     SizeCode
	H, W     int
	Min, Max int
}

func (e *FrameSizeError) Error() string {
	if e.Code == MaxFrameErr {
		return fmt.Sprintf("invalid image size for focus lock: the image is %d by %d and must be smaller than %d", e.H, e.W, e.Max)
	}
	return fmt.Sprintf("invalid image size for focus lock: the image is %d by %d and must be at least %d", e.H, e.W, e.Min)
}

// Bounds is the permitted range of frame dimensions
type Bounds struct {
	// Min is the smallest permitted height or width
	Min int `yaml:"Min"`

	// Max is the exclusive upper limit on height or width.  Zero means no limit.
	Max int `yaml:"Max"`
}

// Check returns a *FrameSizeError if either dimension of f is out of bounds
func (b Bounds) Check(f camera.Frame) error {
	if f.H < b.Min || f.W < b.Min {
		return &FrameSizeError{Code: MinFrameErr, H: f.H, W: f.W, Min: b.Min, Max: b.Max}
	}
	if b.Max > 0 && (f.H >= b.Max || f.W >= b.Max) {
		return &FrameSizeError{Code: MaxFrameErr, H: f.H, W: f.W, Min: b.Min, Max: b.Max}
	}
	return nil
}

// Sample is one ratio estimate
type Sample struct {
	// Ratio is 1 at focus, > 1 when the spot is elongated along the row axis
	Ratio float64 `json:"ratio"`

	// RowWidth and ColWidth are the spot widths along each axis, in pixels
	// for the projection strategy and correlation peaks for xcorr
	RowWidth float64 `json:"rowWidth"`
	ColWidth float64 `json:"colWidth"`

	// Row and Col locate the spot in frame coordinates.  They are only
	// populated by the projection strategy.
	Row float64 `json:"row"`
	Col float64 `json:"col"`
}

// Estimator reduces a frame to a focus ratio
type Estimator interface {
	// Ratio estimates the focus ratio of a frame
	Ratio(camera.Frame) (Sample, error)

	// Name is the mode string the estimator was created with
	Name() string

	// Reset discards any state carried between frames
	Reset()
}

// Config holds the parameters for either estimator
type Config struct {
	// BeadSpread is the largest expected spot radius in pixels; frames and
	// tracking windows are 4*BeadSpread on a side at minimum
	BeadSpread int `yaml:"BeadSpread"`

	// MaxSize is the exclusive upper limit on frame height or width, 0 for none
	MaxSize int `yaml:"MaxSize"`

	// Track enables centroid tracking for the projection strategy
	Track bool `yaml:"Track"`

	// Model is the peak model for the projection strategy,
	// "gauss-linear" or "gauss-offset"
	Model string `yaml:"Model"`

	// MinSNR is the fit acceptance threshold
	MinSNR float64 `yaml:"MinSNR"`
}

// DefaultConfig returns the configuration used by zlocksrv
func DefaultConfig() Config {
	return Config{
		BeadSpread: DefaultBeadSpread,
		Model:      peakfit.GaussLinear.String(),
		MinSNR:     peakfit.DefaultOptions().MinSNR,
	}
}

// Bounds derives the frame bounds from the config
func (c Config) Bounds() Bounds {
	spread := c.BeadSpread
	if spread <= 0 {
		spread = DefaultBeadSpread
	}
	return Bounds{Min: 4 * spread, Max: c.MaxSize}
}

// FitOptions derives the peak fit options from the config
func (c Config) FitOptions() (peakfit.Options, error) {
	opts := peakfit.DefaultOptions()
	model, err := peakfit.ParseModel(c.Model)
	if err != nil {
		return opts, err
	}
	opts.Model = model
	if c.MinSNR > 0 {
		opts.MinSNR = c.MinSNR
	}
	return opts, nil
}

// New returns the estimator for mode
func New(mode string, cfg Config) (Estimator, error) {
	switch mode {
	case ModeProjection:
		return NewProjection(cfg)
	case ModeXCorr:
		return NewCrossCorrelation(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}
