// Package kalman implements a one dimensional Kalman filter for a random-walk
// signal with a reset on large innovations.
package kalman

import (
	"math"
	"sync"
)

const (
	// DefaultResetThreshold is the innovation magnitude above which the
	// filter snaps to the measurement
	DefaultResetThreshold = 0.25

	// DefaultSignalVariance is the process noise Q used by the focus lock
	DefaultSignalVariance = 1e-3

	// DefaultNoiseVariance is the measurement noise R used by the focus lock
	DefaultNoiseVariance = 1e-2
)

// State is the filter estimate and its covariance
type State struct {
	Estimate   float64 `json:"estimate"`
	Covariance float64 `json:"covariance"`
}

// Scalar is a scalar Kalman filter.  Update and Reset are called from a
// single goroutine; SetNoise may be called from any goroutine.
type Scalar struct {
	state State
	reset float64

	mu     sync.Mutex
	signal float64
	noise  float64
}

// New returns a filter with process variance q, measurement variance r, and
// the given reset threshold.  A non-positive threshold means
// DefaultResetThreshold.  The initial state is {1, 1}.
func New(q, r, resetThreshold float64) *Scalar {
	if resetThreshold <= 0 {
		resetThreshold = DefaultResetThreshold
	}
	return &Scalar{
		state:  State{Estimate: 1, Covariance: 1},
		reset:  resetThreshold,
		signal: q,
		noise:  r,
	}
}

// Update feeds one measurement to the filter and returns the new estimate.
// If ok is false there is no measurement and the estimate is held.
func (s *Scalar) Update(raw float64, ok bool) float64 {
	if !ok {
		return s.state.Estimate
	}
	if math.Abs(s.state.Estimate-raw) > s.reset {
		s.state = State{Estimate: raw, Covariance: 1}
		return raw
	}
	q, r := s.Noise()
	covPred := s.state.Covariance + q
	gain := covPred / (covPred + r)
	s.state.Estimate += gain * (raw - s.state.Estimate)
	s.state.Covariance = (1 - gain) * covPred
	return s.state.Estimate
}

// Reset sets the estimate, leaving the covariance untouched
func (s *Scalar) Reset(estimate float64) {
	s.state.Estimate = estimate
}

// State returns a copy of the filter state
func (s *Scalar) State() State {
	return s.state
}

// SetNoise updates the process (signal) and measurement (noise) variances
func (s *Scalar) SetNoise(q, r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = q
	s.noise = r
}

// Noise returns the process and measurement variances
func (s *Scalar) Noise() (q, r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal, s.noise
}
