package camera

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(h, w int) Frame {
	f := NewFrame(h, w)
	for i := range f.Pix {
		f.Pix[i] = uint16(i)
	}
	return f
}

func TestCloneIsIndependent(t *testing.T) {
	f := ramp(4, 4)
	c := f.Clone()
	c.Set(0, 0, 999)
	assert.Equal(t, uint16(0), f.At(0, 0))
	assert.Equal(t, uint16(999), c.At(0, 0))
}

func TestCropClamps(t *testing.T) {
	f := ramp(6, 8)
	c, err := f.Crop(-2, 5, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, c.H)
	assert.Equal(t, 3, c.W)
	assert.Equal(t, []uint16{5, 6, 7, 13, 14, 15}, c.Pix)

	_, err = f.Crop(10, 10, 2, 2)
	assert.ErrorIs(t, err, ErrCrop)
}

func TestSimWidthsFollowFocus(t *testing.T) {
	s := NewSim(DefaultSimConfig(), nil)
	sr, sc := s.Widths(0)
	assert.Equal(t, sr, sc)
	sr, sc = s.Widths(1)
	assert.Greater(t, sr, sc)
	sr, sc = s.Widths(-1)
	assert.Less(t, sr, sc)
}

func TestSimRenderPeaksInCenter(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Noise = false
	s := NewSim(cfg, FixedFocus(0))
	f := s.Render()
	assert.Equal(t, cfg.H*cfg.W, len(f.Pix))
	center := f.At(cfg.H/2, cfg.W/2)
	corner := f.At(0, 0)
	assert.Greater(t, center, corner)
	assert.InDelta(t, cfg.Background, float64(corner), 1)
	g := s.Render()
	assert.Equal(t, f.Seq+1, g.Seq)
}

func TestSnapHonorsContext(t *testing.T) {
	s := NewSim(DefaultSimConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Snap(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimRunPublishesAndCloses(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.FPS = 200
	cfg.H, cfg.W = 16, 16
	s := NewSim(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case f := <-s.Frames():
		assert.Equal(t, 16, f.H)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame published")
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	for range s.Frames() {
	}
}

func TestFitsRoundTrip(t *testing.T) {
	frames := []Frame{ramp(5, 7), ramp(5, 7)}
	frames[1].Pix[3] = 65535
	var buf bytes.Buffer
	err := WriteFits(&buf, []fitsio.Card{{Name: "OBJECT", Value: "bead"}}, frames)
	require.NoError(t, err)

	got, err := ReadFits(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, got, 2)
	ignore := cmpopts.IgnoreFields(Frame{}, "Seq", "Time")
	for i := range frames {
		if diff := cmp.Diff(frames[i], got[i], ignore); diff != "" {
			t.Errorf("frame %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestOpenPlaybackReadsCubeFromDisk(t *testing.T) {
	frames := []Frame{ramp(40, 40), ramp(40, 40)}
	frames[1].Pix[0] = 1234
	fn := filepath.Join(t.TempDir(), "cube.fits")
	f, err := os.Create(fn)
	require.NoError(t, err)
	require.NoError(t, WriteFits(f, nil, frames))
	require.NoError(t, f.Close())

	p, err := OpenPlayback(fn, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	ctx := context.Background()
	a, err := p.Snap(ctx)
	require.NoError(t, err)
	assert.Equal(t, frames[0].Pix, a.Pix)
	b, err := p.Snap(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), b.Pix[0])
	assert.Equal(t, frames[1].Pix[1:], b.Pix[1:])
}

func TestReadFitsSingleImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFits(&buf, nil, []Frame{ramp(3, 6)}))
	got, err := ReadFits(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].W)
	assert.Equal(t, 3, got[0].H)
	assert.Equal(t, ramp(3, 6).Pix, got[0].Pix)
}

func TestWriteFitsRejectsMixedShapes(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFits(&buf, nil, []Frame{ramp(4, 4), ramp(4, 5)})
	assert.Error(t, err)
	assert.ErrorIs(t, WriteFits(&buf, nil, nil), ErrNoImage)
}

func TestPlaybackLoopsAndExhausts(t *testing.T) {
	frames := []Frame{ramp(2, 2), ramp(2, 2)}
	frames[1].Pix[0] = 42
	ctx := context.Background()

	p := NewPlayback(frames, 10, false)
	a, err := p.Snap(ctx)
	require.NoError(t, err)
	b, err := p.Snap(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), a.Pix[0])
	assert.Equal(t, uint16(42), b.Pix[0])
	_, err = p.Snap(ctx)
	assert.ErrorIs(t, err, ErrNotLive)

	p = NewPlayback(frames, 10, true)
	for i := 0; i < 5; i++ {
		f, err := p.Snap(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f.Seq)
	}
}
