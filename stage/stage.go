/*Package stage describes the piezo stage interfaces used by the focus lock and
the Z sweep, along with the guards that serialize access to the hardware.

An axis is moved two ways: coarse slip-stick steps whose size is set by the
step voltage, and a fine DC offset voltage applied across the piezo which is
limited to the rails.  Up steps and positive offset changes move focus in the
same direction.
*/
package stage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nasa-jpl/zlock/mathx"
	"github.com/nasa-jpl/zlock/util"
)

var (
	// ErrBusy is generated when a command is issued while another is in flight
	ErrBusy = errors.New("stage is busy")

	// ErrNotSupported is generated when the underlying stage lacks a capability
	ErrNotSupported = errors.New("operation not supported by stage")
)

// Actuator is a piezo stage with coarse steps and a fine offset voltage
type Actuator interface {
	// PositioningCoarse takes n steps up or down
	PositioningCoarse(axis string, up bool, n int) error

	// PositioningFineDelta changes the offset voltage by dv
	PositioningFineDelta(axis string, dv float64) error

	// PositioningFineAbsolute sets the offset voltage to v
	PositioningFineAbsolute(axis string, v float64) error

	// Offset returns the tracked offset voltage
	Offset(axis string) (float64, error)
}

// Voltager can change the coarse step amplitude
type Voltager interface {
	SetStepVoltage(axis string, v float64) error
}

// Rails describes the usable range of the fine offset voltage
type Rails struct {
	// Low and High are the hardware limits of the offset voltage
	Low  float64 `yaml:"Low"`
	High float64 `yaml:"High"`

	// Margin is the headroom kept from either rail before recentering
	Margin float64 `yaml:"Margin"`

	// Mid is the offset voltage the fine axis is recentered to
	Mid float64 `yaml:"Mid"`
}

// DefaultRails are those of an ANC300 with an ANM150 module
func DefaultRails() Rails {
	return Rails{Low: 0, High: 150, Margin: 10, Mid: 75}
}

// Limits is the permitted offset voltage range
func (r Rails) Limits() util.Limiter {
	return util.Limiter{Min: r.Low, Max: r.High}
}

// CompSteps is the number of coarse steps which cover the travel from the
// margin to the midpoint at the given step voltage
func (r Rails) CompSteps(stepVoltage float64) int {
	if stepVoltage <= 0 {
		return 0
	}
	return int(mathx.Floor((r.Mid-r.Margin)/stepVoltage, 1))
}

const (
	idle int32 = iota
	busy
)

// Guard wraps an Actuator so that a command issued while another is in
// flight fails fast with ErrBusy, and keeps a per-axis count of the coarse
// steps that completed successfully.  It is concurrent safe.
type Guard struct {
	act   Actuator
	state atomic.Int32
	log   *zap.SugaredLogger

	mu    sync.Mutex
	steps map[string]int
}

// NewGuard returns a guard around act.  log may be nil.
func NewGuard(act Actuator, log *zap.SugaredLogger) *Guard {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Guard{act: act, log: log, steps: make(map[string]int)}
}

func (g *Guard) acquire(op, axis string) error {
	if !g.state.CompareAndSwap(idle, busy) {
		g.log.Warnw("stage busy, command dropped", "op", op, "axis", axis)
		return ErrBusy
	}
	return nil
}

func (g *Guard) release() {
	g.state.Store(idle)
}

// Busy returns true while a command is in flight
func (g *Guard) Busy() bool {
	return g.state.Load() == busy
}

// PositioningCoarse satisfies Actuator
func (g *Guard) PositioningCoarse(axis string, up bool, n int) error {
	if err := g.acquire("coarse", axis); err != nil {
		return err
	}
	defer g.release()
	if err := g.act.PositioningCoarse(axis, up, n); err != nil {
		return err
	}
	if !up {
		n = -n
	}
	g.mu.Lock()
	g.steps[axis] += n
	g.mu.Unlock()
	g.log.Debugw("coarse step", "axis", axis, "steps", n)
	return nil
}

// PositioningFineDelta satisfies Actuator
func (g *Guard) PositioningFineDelta(axis string, dv float64) error {
	if err := g.acquire("fine delta", axis); err != nil {
		return err
	}
	defer g.release()
	g.log.Debugw("fine delta", "axis", axis, "dv", dv)
	return g.act.PositioningFineDelta(axis, dv)
}

// PositioningFineAbsolute satisfies Actuator
func (g *Guard) PositioningFineAbsolute(axis string, v float64) error {
	if err := g.acquire("fine absolute", axis); err != nil {
		return err
	}
	defer g.release()
	g.log.Debugw("fine absolute", "axis", axis, "v", v)
	return g.act.PositioningFineAbsolute(axis, v)
}

// Offset satisfies Actuator.  Reads are not gated.
func (g *Guard) Offset(axis string) (float64, error) {
	return g.act.Offset(axis)
}

// SetStepVoltage satisfies Voltager if the wrapped actuator does
func (g *Guard) SetStepVoltage(axis string, v float64) error {
	vr, ok := g.act.(Voltager)
	if !ok {
		return ErrNotSupported
	}
	if err := g.acquire("step voltage", axis); err != nil {
		return err
	}
	defer g.release()
	return vr.SetStepVoltage(axis, v)
}

// Steps returns the net coarse steps taken on axis since the last reset.
// It is a relative count and says nothing about absolute position.
func (g *Guard) Steps(axis string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.steps[axis]
}

// ResetSteps sets the step count of axis to n
func (g *Guard) ResetSteps(axis string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps[axis] = n
}

// OwnedError is generated when the stage is claimed by another owner
type OwnedError struct {
	Owner string
}

func (e *OwnedError) Error() string {
	return fmt.Sprintf("stage is in use by %s", e.Owner)
}

// Arbiter grants exclusive ownership of the stage to one client at a time,
// e.g. the focus lock or a Z sweep.  It is concurrent safe.
type Arbiter struct {
	mu    sync.Mutex
	owner string
}

// TryAcquire claims the stage for owner.  Reacquiring by the current owner
// succeeds.  Otherwise an *OwnedError is returned.
func (a *Arbiter) TryAcquire(owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != "" && a.owner != owner {
		return &OwnedError{Owner: a.owner}
	}
	a.owner = owner
	return nil
}

// Release gives up ownership.  Releasing a stage held by someone else is a no-op.
func (a *Arbiter) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner == owner {
		a.owner = ""
	}
}

// Owner returns the current owner, or "" if the stage is free
func (a *Arbiter) Owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}
