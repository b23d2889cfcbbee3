package attocube

import (
	"fmt"
	"sync"

	"github.com/nasa-jpl/zlock/stage"
)

// Mock is a simulated ANC300 driving a focus stage.  It satisfies
// stage.Actuator, stage.Voltager, and camera.Focuser, so a simulated camera
// can render the spot at the position the mock has been driven to.
type Mock struct {
	sync.Mutex

	// Rails bounds the offset voltage
	Rails stage.Rails

	// FocusAxis is the axis whose position is reported by FocusPosition
	FocusAxis string

	// StepGain is the focus travel per coarse step per volt of step amplitude
	StepGain float64

	// FineGain is the focus travel per volt of offset
	FineGain float64

	coarse   map[string]float64
	offsets  map[string]float64
	steps    map[string]int
	voltages map[string]float64
	calls    int
}

// NewMock returns a mock with its offsets at the midpoint of the rails and the
// focus displaced by z0
func NewMock(z0 float64) *Mock {
	m := &Mock{
		Rails:     stage.DefaultRails(),
		FocusAxis: "z",
		StepGain:  0.01,
		FineGain:  0.002,
		coarse:    make(map[string]float64),
		offsets:   make(map[string]float64),
		steps:     make(map[string]int),
		voltages:  make(map[string]float64),
	}
	m.coarse[m.FocusAxis] = z0
	return m
}

func (m *Mock) offset(axis string) float64 {
	v, ok := m.offsets[axis]
	if !ok {
		return m.Rails.Mid
	}
	return v
}

func (m *Mock) stepVoltage(axis string) float64 {
	v, ok := m.voltages[axis]
	if !ok {
		return 20
	}
	return v
}

// PositioningCoarse satisfies stage.Actuator
func (m *Mock) PositioningCoarse(axis string, up bool, n int) error {
	m.Lock()
	defer m.Unlock()
	m.calls++
	if n < 0 {
		return &Error{Cmd: fmt.Sprintf("step %s %d", axis, n), Msg: "Value out of range"}
	}
	if !up {
		n = -n
	}
	m.steps[axis] += n
	m.coarse[axis] += float64(n) * m.StepGain * m.stepVoltage(axis)
	return nil
}

// PositioningFineAbsolute satisfies stage.Actuator
func (m *Mock) PositioningFineAbsolute(axis string, v float64) error {
	m.Lock()
	defer m.Unlock()
	m.calls++
	if !m.Rails.Limits().Check(v) {
		return &Error{Cmd: fmt.Sprintf("seta %s %s", axis, formatVolts(v)), Msg: "Value out of range"}
	}
	m.offsets[axis] = v
	return nil
}

// PositioningFineDelta satisfies stage.Actuator.  The result is clamped to the rails.
func (m *Mock) PositioningFineDelta(axis string, dv float64) error {
	m.Lock()
	v := m.Rails.Limits().Clamp(m.offset(axis) + dv)
	m.Unlock()
	return m.PositioningFineAbsolute(axis, v)
}

// Offset satisfies stage.Actuator
func (m *Mock) Offset(axis string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.offset(axis), nil
}

// SetStepVoltage satisfies stage.Voltager
func (m *Mock) SetStepVoltage(axis string, v float64) error {
	m.Lock()
	defer m.Unlock()
	m.calls++
	m.voltages[axis] = v
	return nil
}

// Steps returns the net steps taken on an axis
func (m *Mock) Steps(axis string) int {
	m.Lock()
	defer m.Unlock()
	return m.steps[axis]
}

// Calls returns the number of motion commands received
func (m *Mock) Calls() int {
	m.Lock()
	defer m.Unlock()
	return m.calls
}

// FocusPosition satisfies camera.Focuser.  Zero is best focus.
func (m *Mock) FocusPosition() float64 {
	m.Lock()
	defer m.Unlock()
	a := m.FocusAxis
	return m.coarse[a] + (m.offset(a)-m.Rails.Mid)*m.FineGain
}
