package camera

import (
	"errors"
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// ErrNoImage is generated when a FITS stream has no image HDU
var ErrNoImage = errors.New("fits stream contains no image")

// WriteFits streams frames to w as a single FITS image, a cube if there is
// more than one frame.  All frames must share the shape of the first.
func WriteFits(w io.Writer, metadata []fitsio.Card, frames []Frame) error {
	if len(frames) == 0 {
		return ErrNoImage
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	nframes := len(frames)
	width, height := frames[0].W, frames[0].H
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height}
	if nframes > 1 {
		dims = append(dims, nframes)
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	ints := make([]int16, width*height*nframes)
	offset := 0
	for i, f := range frames {
		if f.W != width || f.H != height {
			return fmt.Errorf("frame %d is %dx%d, expected %dx%d", i, f.H, f.W, height, width)
		}
		for idx, v := range f.Pix {
			ints[offset+idx] = int16(int32(v) - 32768)
		}
		offset += len(f.Pix)
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// ReadFits reads the primary image of a FITS stream as frames.  A 2D image
// yields one frame, a 3D cube yields one frame per plane.
func ReadFits(r io.Reader) ([]Frame, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer fits.Close()
	var img fitsio.Image
	for _, hdu := range fits.HDUs() {
		if im, ok := hdu.(fitsio.Image); ok && len(im.Header().Axes()) >= 2 {
			img = im
			break
		}
	}
	if img == nil {
		return nil, ErrNoImage
	}
	hdr := img.Header()
	axes := hdr.Axes()
	width, height, nframes := axes[0], axes[1], 1
	if len(axes) > 2 {
		nframes = axes[2]
	}
	bzero := cardFloat(hdr.Get("BZERO"), 0)
	bscale := cardFloat(hdr.Get("BSCALE"), 1)

	n := 1
	for _, dim := range axes {
		n *= dim
	}
	var phys []float64
	switch hdr.Bitpix() {
	case 16:
		raw := make([]int16, n)
		err = img.Read(&raw)
		phys = make([]float64, len(raw))
		for i, v := range raw {
			phys[i] = float64(v)
		}
	case 32:
		raw := make([]int32, n)
		err = img.Read(&raw)
		phys = make([]float64, len(raw))
		for i, v := range raw {
			phys[i] = float64(v)
		}
	case -32:
		raw := make([]float32, n)
		err = img.Read(&raw)
		phys = make([]float64, len(raw))
		for i, v := range raw {
			phys[i] = float64(v)
		}
	case -64:
		phys = make([]float64, n)
		err = img.Read(&phys)
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}
	if err != nil {
		return nil, err
	}
	npix := width * height
	if len(phys) < n {
		return nil, fmt.Errorf("fits image has %d values, expected %d", len(phys), n)
	}
	out := make([]Frame, nframes)
	for k := range out {
		f := NewFrame(height, width)
		f.Seq = uint64(k)
		for i := 0; i < npix; i++ {
			f.Pix[i] = clampDN(phys[k*npix+i]*bscale + bzero)
		}
		out[k] = f
	}
	return out, nil
}

func cardFloat(c *fitsio.Card, def float64) float64 {
	if c == nil {
		return def
	}
	switch v := c.Value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	default:
		return def
	}
}
