package ringbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMeanIsZeroDuringWarmup(t *testing.T) {
	m := New(5)
	vals := []float64{1.1, 1.2, 1.3, 1.4}
	for i, v := range vals {
		m.Push(v)
		if got := m.Mean(); got != 0 {
			t.Errorf("after %d pushes expected warm-up mean of 0, got %f", i+1, got)
		}
	}
	m.Push(1.5)
	assert.InDelta(t, 1.3, m.Mean(), 1e-12)
}

func TestMeanSlidesPastCapacity(t *testing.T) {
	m := New(5)
	for i := 1; i <= 7; i++ {
		m.Push(float64(i))
	}
	// window holds 3..7
	assert.InDelta(t, 5.0, m.Mean(), 1e-12)
	assert.Equal(t, []float64{3, 4, 5, 6, 7}, m.Values())
}

func TestClearRestartsWarmup(t *testing.T) {
	m := New(5)
	for i := 0; i < 5; i++ {
		m.Push(2)
	}
	assert.True(t, m.Full())
	m.Clear()
	assert.Equal(t, 5, m.Cap())
	assert.Equal(t, 0, m.Len())
	for i := 0; i < 4; i++ {
		m.Push(3)
		assert.Zero(t, m.Mean())
	}
	m.Push(3)
	assert.InDelta(t, 3.0, m.Mean(), 1e-12)
}

func TestDefaultWindow(t *testing.T) {
	m := New(0)
	assert.Equal(t, DefaultWindow, m.Cap())
}

func TestMedian(t *testing.T) {
	m := New(4)
	for _, v := range []float64{4, 1, 3, 100} {
		m.Push(v)
	}
	assert.InDelta(t, 3.5, m.Median(), 1e-12)
	m = New(5)
	for _, v := range []float64{5, 1, 9, 3, 7} {
		m.Push(v)
	}
	assert.Equal(t, 5., m.Median())
	m = New(3)
	m.Push(9)
	assert.Zero(t, m.Median())
}

func TestHistoryWrapsOldestFirst(t *testing.T) {
	h := NewHistory(3)
	now := time.Now()
	for i := 0; i < 5; i++ {
		h.Append(Point{Time: now, Raw: float64(i)})
	}
	pts := h.Contiguous()
	if len(pts) != 3 {
		t.Fatalf("expected 3 points, got %d", len(pts))
	}
	for i, want := range []float64{2, 3, 4} {
		if pts[i].Raw != want {
			t.Errorf("point %d expected raw %f got %f", i, want, pts[i].Raw)
		}
	}
	h.Reset()
	assert.Empty(t, h.Contiguous())
}
