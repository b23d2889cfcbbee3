// Package ringbuf contains fixed capacity ring buffers of float64 values
// used to window and record the focus signal.
package ringbuf

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultWindow is the capacity used when New is given a non-positive size
const DefaultWindow = 5

// MovingAverage is a bounded circular buffer that produces a windowed mean
// once it has been filled.  It is not concurrent safe.
type MovingAverage struct {
	buf       []float64
	cursor    int
	occupancy int
}

// New returns a MovingAverage holding the n most recent values
func New(n int) *MovingAverage {
	if n <= 0 {
		n = DefaultWindow
	}
	return &MovingAverage{buf: make([]float64, n)}
}

// Push appends a value, evicting the oldest once the buffer is full
func (m *MovingAverage) Push(v float64) {
	m.buf[m.cursor] = v
	m.cursor = (m.cursor + 1) % len(m.buf)
	if m.occupancy < len(m.buf) {
		m.occupancy++
	}
}

// Full returns true once Cap() values have been pushed since the last Clear
func (m *MovingAverage) Full() bool {
	return m.occupancy == len(m.buf)
}

// Len is the number of valid values in the buffer
func (m *MovingAverage) Len() int {
	return m.occupancy
}

// Cap is the window size
func (m *MovingAverage) Cap() int {
	return len(m.buf)
}

// Mean returns the arithmetic mean of the window.  It returns zero until the
// window is full; callers treat zero during warm-up as "not yet valid".
func (m *MovingAverage) Mean() float64 {
	if !m.Full() {
		return 0
	}
	return stat.Mean(m.buf, nil)
}

// Median returns the median of the window, with the same warm-up rule as Mean
func (m *MovingAverage) Median() float64 {
	if !m.Full() {
		return 0
	}
	tmp := make([]float64, len(m.buf))
	copy(tmp, m.buf)
	sort.Float64s(tmp)
	// the empirical quantile is the lower middle value of an even window
	med := stat.Quantile(0.5, stat.Empirical, tmp, nil)
	if n := len(tmp); n%2 == 0 {
		med = (med + tmp[n/2]) / 2
	}
	return med
}

// Values returns a copy of the valid values, oldest first
func (m *MovingAverage) Values() []float64 {
	out := make([]float64, 0, m.occupancy)
	start := m.cursor - m.occupancy
	if start < 0 {
		start += len(m.buf)
	}
	for i := 0; i < m.occupancy; i++ {
		out = append(out, m.buf[(start+i)%len(m.buf)])
	}
	return out
}

// Clear resets occupancy and zeroes the buffer without changing capacity
func (m *MovingAverage) Clear() {
	floats.Scale(0, m.buf)
	m.cursor = 0
	m.occupancy = 0
}

// Point is one entry in a History
type Point struct {
	Time     time.Time `json:"time"`
	Raw      float64   `json:"raw"`
	Filtered float64   `json:"filtered"`
	Warm     bool      `json:"warm"`
}

// History is a ring of the most recent ratio points, used for live plotting.
// It is not concurrent safe.
type History struct {
	buf    []Point
	cursor int
	filled bool
}

// NewHistory returns a History with the given capacity
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]Point, capacity)}
}

// Append adds a point, overwriting the oldest when full
func (h *History) Append(p Point) {
	h.buf[h.cursor] = p
	h.cursor++
	if h.cursor == len(h.buf) {
		h.cursor = 0
		h.filled = true
	}
}

// Contiguous returns a copy of the points from least to most recent
func (h *History) Contiguous() []Point {
	if !h.filled {
		out := make([]Point, h.cursor)
		copy(out, h.buf[:h.cursor])
		return out
	}
	out := make([]Point, 0, len(h.buf))
	out = append(out, h.buf[h.cursor:]...)
	return append(out, h.buf[:h.cursor]...)
}

// Reset empties the history
func (h *History) Reset() {
	h.cursor = 0
	h.filled = false
}
