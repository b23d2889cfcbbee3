package peakfit

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaussProfile(n int, p Params, noise float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	y := make([]float64, n)
	for i := range y {
		y[i] = GaussLinear.Eval(float64(i), p)
		if noise > 0 {
			y[i] += (rng.Float64()*2 - 1) * noise
		}
	}
	return y
}

func TestFitRecoversSigma(t *testing.T) {
	truth := Params{Amplitude: 100, Center: 31.7, Sigma: 3, Slope: 0.1, Offset: 10}
	y := gaussProfile(64, truth, 1, 1)
	res, err := FitProfile(y, DefaultOptions())
	require.NoError(t, err)
	assert.InEpsilon(t, truth.Sigma, res.Params.Sigma, 0.05)
	assert.InEpsilon(t, truth.Amplitude, res.Params.Amplitude, 0.05)
	assert.InDelta(t, truth.Center, res.Params.Center, 0.2)
	assert.False(t, res.Flipped)
	assert.True(t, res.SigmaStd() > 0 && res.SigmaStd() < 0.5, "sigma std %f", res.SigmaStd())
}

func TestFitNoiselessConverges(t *testing.T) {
	truth := Params{Amplitude: 50, Center: 20, Sigma: 2.5, Offset: 3}
	y := gaussProfile(40, truth, 0, 0)
	res, err := FitProfile(y, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, res.Params.Sigma, 1e-4)
	assert.InDelta(t, 20, res.Params.Center, 1e-4)
}

func TestFitFlipsDarkPeak(t *testing.T) {
	truth := Params{Amplitude: -100, Center: 24, Sigma: 4, Offset: 10}
	y := gaussProfile(48, truth, 0.5, 7)
	res, err := FitProfile(y, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Flipped)
	assert.InEpsilon(t, 4, res.Params.Sigma, 0.05)
}

func TestFitRejectsNoise(t *testing.T) {
	rejected := 0
	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		y := make([]float64, 64)
		for i := range y {
			y[i] = rng.Float64()
		}
		if _, err := FitProfile(y, DefaultOptions()); err != nil {
			rejected++
			var fe *FitError
			if !errors.As(err, &fe) {
				t.Errorf("seed %d: expected *FitError, got %T", seed, err)
			}
		}
	}
	if rejected < 18 {
		t.Errorf("expected at least 18 of 20 noise profiles to be rejected, got %d", rejected)
	}
}

func TestFitTooShort(t *testing.T) {
	y := gaussProfile(10, Params{Amplitude: 10, Center: 5, Sigma: 1}, 0, 0)
	_, err := FitProfile(y, DefaultOptions())
	assert.True(t, errors.Is(err, ErrTooShort), "got %v", err)
}

func TestFitLengthMismatch(t *testing.T) {
	_, err := Fit(make([]float64, 20), make([]float64, 21), DefaultOptions())
	assert.True(t, errors.Is(err, ErrLength), "got %v", err)
}

func TestFitNonFinite(t *testing.T) {
	y := gaussProfile(32, Params{Amplitude: 10, Center: 16, Sigma: 2}, 0, 0)
	y[3] = math.NaN()
	_, err := FitProfile(y, DefaultOptions())
	assert.True(t, errors.Is(err, ErrDegenerate), "got %v", err)
}

func TestFitFlatProfileRejected(t *testing.T) {
	y := make([]float64, 32)
	for i := range y {
		y[i] = 7
	}
	_, err := FitProfile(y, DefaultOptions())
	assert.Error(t, err)
}

func TestFitLegacyModel(t *testing.T) {
	truth := Params{Amplitude: 80, Center: 15.2, Sigma: 2, Offset: 5}
	y := gaussProfile(32, truth, 0.5, 3)
	opts := DefaultOptions()
	opts.Model = GaussOffset
	res, err := FitProfile(y, opts)
	require.NoError(t, err)
	assert.Zero(t, res.Params.Slope)
	assert.InEpsilon(t, 2, res.Params.Sigma, 0.05)
	r, c := res.Covariance.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
}

func TestSeedUsesHalfMaximum(t *testing.T) {
	truth := Params{Amplitude: 100, Center: 30, Sigma: 5}
	y := gaussProfile(60, truth, 0, 0)
	x := make([]float64, len(y))
	for i := range x {
		x[i] = float64(i)
	}
	s := Seed(x, y, DefaultOptions())
	assert.Equal(t, 30.0, s.Center)
	// the half maximum walk underestimates on integer samples
	assert.InDelta(t, 5, s.Sigma, 1)
	assert.InDelta(t, 95, s.Amplitude, 1)
}
