/*Package camera describes the frames and interfaces the focus lock consumes
from a camera, along with a simulated camera and a FITS playback source.

Acquisition settings (ROI, exposure, gain) belong to the camera driver and are
not modeled here.  A producer hands out Frames by value; the Pix slice must not
be mutated after the frame is sent.  Consumers that need to modify pixels call
Clone first.
*/
package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotLive is generated when Snap is called on a source with no frames left
	ErrNotLive = errors.New("camera has no frames available")

	// ErrCrop is generated when a crop region does not intersect the frame
	ErrCrop = errors.New("crop region does not intersect frame")
)

// Frame is a single monochrome image, row major
type Frame struct {
	H, W int
	Pix  []uint16

	// Seq is a producer assigned sequence number
	Seq uint64

	// Time is the acquisition time
	Time time.Time
}

// NewFrame allocates an all-zero frame of shape (h, w)
func NewFrame(h, w int) Frame {
	return Frame{H: h, W: w, Pix: make([]uint16, h*w)}
}

// At returns the pixel at (row, col)
func (f Frame) At(row, col int) uint16 {
	return f.Pix[row*f.W+col]
}

// Set sets the pixel at (row, col)
func (f Frame) Set(row, col int, v uint16) {
	f.Pix[row*f.W+col] = v
}

// Clone returns a deep copy of the frame
func (f Frame) Clone() Frame {
	out := f
	out.Pix = make([]uint16, len(f.Pix))
	copy(out.Pix, f.Pix)
	return out
}

// Crop returns a copy of the (h, w) region whose top left corner is (row, col).
// The region is clamped to the frame.
func (f Frame) Crop(row, col, h, w int) (Frame, error) {
	r0, c0 := max(row, 0), max(col, 0)
	r1, c1 := min(row+h, f.H), min(col+w, f.W)
	if r1 <= r0 || c1 <= c0 {
		return Frame{}, fmt.Errorf("%w: (%d,%d)+(%d,%d) on %dx%d", ErrCrop, row, col, h, w, f.H, f.W)
	}
	out := NewFrame(r1-r0, c1-c0)
	out.Seq, out.Time = f.Seq, f.Time
	for r := r0; r < r1; r++ {
		copy(out.Pix[(r-r0)*out.W:(r-r0+1)*out.W], f.Pix[r*f.W+c0:r*f.W+c1])
	}
	return out, nil
}

// Snapper is a camera which can take a single exposure and whose live
// (free running) mode can be toggled
type Snapper interface {
	// Snap acquires one frame
	Snap(context.Context) (Frame, error)

	// Live returns true if the camera is free running
	Live() bool

	// SetLive starts or stops free running acquisition
	SetLive(bool) error
}

// Streamer is a camera which publishes live frames on a channel
type Streamer interface {
	Snapper

	// Frames returns the channel live frames are published on
	Frames() <-chan Frame

	// Run produces frames until ctx is done
	Run(context.Context) error
}
