/*Package zlock implements a closed loop focus lock.

Each frame from the focus camera is reduced to an astigmatism ratio by an
astig.Estimator.  The ratio is windowed by a moving average, smoothed by a
scalar Kalman filter, and compared against a ladder of thresholds to decide
whether to step the stage coarsely, nudge its fine offset, or do nothing.

	frames -> Estimator -> MovingAverage -> Kalman -> ladder -> stage.Actuator

A Controller is driven by Run, which consumes a frame channel on one
goroutine; every other method is safe to call from any goroutine.
*/
package zlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nasa-jpl/zlock/astig"
	"github.com/nasa-jpl/zlock/camera"
	"github.com/nasa-jpl/zlock/kalman"
	"github.com/nasa-jpl/zlock/ringbuf"
	"github.com/nasa-jpl/zlock/stage"
)

// Owner is the name the controller claims the stage arbiter with
const Owner = "zlock"

// State is the lifecycle state of the controller
type State int

const (
	// Idle controllers discard frames
	Idle State = iota

	// Active controllers process frames and issue corrections
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// ErrInvalidThresholds is generated when validation is enabled and the
// thresholds are not ordered
var ErrInvalidThresholds = errors.New("thresholds must satisfy coarseLow < fineLow <= 1 <= fineUp < coarseUp")

// Thresholds is the correction ladder
type Thresholds struct {
	CoarseLow   float64 `yaml:"CoarseLow" json:"coarseLow"`
	CoarseUp    float64 `yaml:"CoarseUp" json:"coarseUp"`
	FineLow     float64 `yaml:"FineLow" json:"fineLow"`
	FineUp      float64 `yaml:"FineUp" json:"fineUp"`
	FineEnabled bool    `yaml:"FineEnabled" json:"fineEnabled"`
}

// DefaultThresholds returns the ladder used on the microscope
func DefaultThresholds() Thresholds {
	return Thresholds{CoarseLow: 0.6, CoarseUp: 1.4, FineLow: 0.95, FineUp: 1.05}
}

// Validate returns ErrInvalidThresholds if the ladder is misordered
func (t Thresholds) Validate() error {
	if t.CoarseLow < t.FineLow && t.FineLow <= 1 && 1 <= t.FineUp && t.FineUp < t.CoarseUp {
		return nil
	}
	return fmt.Errorf("%w, got %+v", ErrInvalidThresholds, t)
}

// Config holds the controller parameters
type Config struct {
	// Axis is the stage axis which moves focus
	Axis string `yaml:"Axis"`

	// Window is the length of the moving average
	Window int `yaml:"Window"`

	// FineStep is the fine offset change per correction, in volts
	FineStep float64 `yaml:"FineStep"`

	// StepVoltage is the coarse step amplitude of Axis, used to size the
	// compensating coarse burst when the fine offset is recentered
	StepVoltage float64 `yaml:"StepVoltage"`

	// Rails bounds the fine offset
	Rails stage.Rails `yaml:"Rails"`

	Thresholds Thresholds `yaml:"Thresholds"`

	// ValidateThresholds rejects misordered thresholds when true; otherwise
	// they are used as given
	ValidateThresholds bool `yaml:"ValidateThresholds"`

	// SignalVariance and NoiseVariance are the Kalman Q and R
	SignalVariance float64 `yaml:"SignalVariance"`
	NoiseVariance  float64 `yaml:"NoiseVariance"`

	// ResetThreshold is the innovation at which the Kalman filter snaps to
	// the measurement
	ResetThreshold float64 `yaml:"ResetThreshold"`
}

// DefaultConfig returns the configuration used on the microscope
func DefaultConfig() Config {
	return Config{
		Axis:           "z",
		Window:         ringbuf.DefaultWindow,
		FineStep:       0.1,
		StepVoltage:    20,
		Rails:          stage.DefaultRails(),
		Thresholds:     DefaultThresholds(),
		SignalVariance: kalman.DefaultSignalVariance,
		NoiseVariance:  kalman.DefaultNoiseVariance,
		ResetThreshold: kalman.DefaultResetThreshold,
	}
}

// Stats counts frames by outcome
type Stats struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
	Actions   uint64 `json:"actions"`
}

// Controller is a focus lock
type Controller struct {
	cfg Config
	est astig.Estimator
	act stage.Actuator
	arb *stage.Arbiter
	lst Listener
	log *zap.SugaredLogger

	active atomic.Bool
	rearm  atomic.Bool

	// runMu orders ownership changes against an in-flight frame; the
	// arbiter is released by Stop when idle or by the frame when it ends
	runMu    sync.Mutex
	inFlight bool

	processed atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	actions   atomic.Uint64

	thMu sync.RWMutex
	th   Thresholds

	// confined to the frame loop
	avg *ringbuf.MovingAverage
	kf  *kalman.Scalar

	lastMu sync.Mutex
	last   Ratios
	kstate kalman.State
}

// New returns an idle controller.  arb, lst, and log may be nil.
func New(cfg Config, est astig.Estimator, act stage.Actuator, arb *stage.Arbiter, lst Listener, log *zap.SugaredLogger) (*Controller, error) {
	if est == nil || act == nil {
		return nil, errors.New("zlock: an estimator and an actuator are required")
	}
	if cfg.ValidateThresholds {
		if err := cfg.Thresholds.Validate(); err != nil {
			return nil, err
		}
	}
	if lst == nil {
		lst = nopListener{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	kf := kalman.New(cfg.SignalVariance, cfg.NoiseVariance, cfg.ResetThreshold)
	return &Controller{
		cfg:    cfg,
		est:    est,
		act:    act,
		arb:    arb,
		lst:    lst,
		log:    log.With("axis", cfg.Axis, "estimator", est.Name()),
		th:     cfg.Thresholds,
		avg:    ringbuf.New(cfg.Window),
		kf:     kf,
		kstate: kf.State(),
	}, nil
}

// Start begins processing frames.  The moving average and any spot tracking
// are reset before the next frame.  An error is returned if the stage is
// owned by someone else.
func (c *Controller) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.arb != nil {
		if err := c.arb.TryAcquire(Owner); err != nil {
			return err
		}
	}
	c.rearm.Store(true)
	if !c.active.Swap(true) {
		c.log.Infow("focus lock started")
	}
	return nil
}

// Stop ends processing.  It takes effect at the next frame.  The stage is
// released immediately if no frame is being processed, otherwise once the
// frame's correction has finished.
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.active.Swap(false) {
		c.log.Infow("focus lock stopped")
	}
	if !c.inFlight {
		c.release()
	}
}

func (c *Controller) release() {
	if c.arb != nil {
		c.arb.Release(Owner)
	}
}

// beginFrame marks a frame in flight, or returns false if idle
func (c *Controller) beginFrame() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.active.Load() {
		return false
	}
	c.inFlight = true
	return true
}

func (c *Controller) endFrame() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.inFlight = false
	if !c.active.Load() {
		c.release()
	}
}

// State returns the lifecycle state
func (c *Controller) State() State {
	if c.active.Load() {
		return Active
	}
	return Idle
}

// Thresholds returns the current ladder
func (c *Controller) Thresholds() Thresholds {
	c.thMu.RLock()
	defer c.thMu.RUnlock()
	return c.th
}

// SetThresholds replaces the ladder
func (c *Controller) SetThresholds(t Thresholds) error {
	if c.cfg.ValidateThresholds {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	c.thMu.Lock()
	c.th = t
	c.thMu.Unlock()
	c.log.Infow("thresholds updated", "thresholds", t)
	return nil
}

// SetKalmanNoise updates the filter's signal and noise variances
func (c *Controller) SetKalmanNoise(signal, noise float64) error {
	if signal < 0 || noise < 0 {
		return fmt.Errorf("variances must be non-negative, got %g and %g", signal, noise)
	}
	c.kf.SetNoise(signal, noise)
	return nil
}

// KalmanNoise returns the filter's signal and noise variances
func (c *Controller) KalmanNoise() (signal, noise float64) {
	return c.kf.Noise()
}

// KalmanState returns the filter state as of the last processed frame
func (c *Controller) KalmanState() kalman.State {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.kstate
}

// Last returns the most recent ratios
func (c *Controller) Last() Ratios {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.last
}

// Stats returns the frame counters
func (c *Controller) Stats() Stats {
	return Stats{
		Processed: c.processed.Load(),
		Dropped:   c.dropped.Load(),
		Rejected:  c.rejected.Load(),
		Actions:   c.actions.Load(),
	}
}

// Run processes frames until ctx is done or frames is closed
func (c *Controller) Run(ctx context.Context, frames <-chan camera.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			c.OnFrame(f)
		}
	}
}

func (c *Controller) report(sev Severity, code Code, msg string) {
	r := Report{Time: time.Now(), Severity: sev, Code: code, Message: msg}
	switch sev {
	case Error:
		c.log.Errorw(msg, "code", code)
	case Warn:
		c.log.Warnw(msg, "code", code)
	default:
		c.log.Debugw(msg, "code", code)
	}
	c.lst.OnReport(r)
}

func (c *Controller) publish(r Ratios) {
	c.lastMu.Lock()
	c.last = r
	c.kstate = c.kf.State()
	c.lastMu.Unlock()
	c.lst.OnRatios(r)
}

// OnFrame processes one frame.  It must not be called concurrently with
// itself or Run.
func (c *Controller) OnFrame(f camera.Frame) {
	if !c.beginFrame() {
		c.dropped.Add(1)
		return
	}
	defer c.endFrame()
	if c.rearm.Swap(false) {
		c.avg.Clear()
		c.est.Reset()
	}
	c.processed.Add(1)
	f = f.Clone()

	s, err := c.est.Ratio(f)
	if err != nil {
		c.rejected.Add(1)
		var fse *astig.FrameSizeError
		if errors.As(err, &fse) {
			code := MinFrameErr
			if fse.Code == astig.MaxFrameErr {
				code = MaxFrameErr
			}
			c.report(Warn, code, fse.Error())
			return
		}
		c.kf.Update(0, false)
		c.report(Info, FitErr, err.Error())
		return
	}

	now := time.Now()
	c.avg.Push(s.Ratio)
	if !c.avg.Full() {
		c.publish(Ratios{Time: now, Raw: s.Ratio})
		return
	}
	r := c.kf.Update(c.avg.Mean(), true)
	action := c.correct(r)
	if action != NoAction {
		c.actions.Add(1)
	}
	c.publish(Ratios{Time: now, Raw: s.Ratio, Filtered: r, Warm: true, Action: action})
}

// correct walks the ladder in order and issues at most one correction
func (c *Controller) correct(r float64) Action {
	th := c.Thresholds()
	var action Action
	switch {
	case r < th.CoarseLow:
		action = CoarseUp
		c.do("coarse up", func() error { return c.act.PositioningCoarse(c.cfg.Axis, true, 1) })
	case th.FineEnabled && r < th.FineLow:
		action = c.fine(true)
	case r > th.CoarseUp:
		action = CoarseDown
		c.do("coarse down", func() error { return c.act.PositioningCoarse(c.cfg.Axis, false, 1) })
	case th.FineEnabled && r > th.FineUp:
		action = c.fine(false)
	default:
		return NoAction
	}
	c.kf.Reset(1)
	return action
}

// fine nudges the offset by one FineStep, or recenters it with a
// compensating coarse burst if the step would pass the margin
func (c *Controller) fine(up bool) Action {
	axis := c.cfg.Axis
	rails := c.cfg.Rails
	off, err := c.act.Offset(axis)
	if err != nil {
		c.actuatorError("read offset", err)
		return NoAction
	}
	dv := c.cfg.FineStep
	if !up {
		dv = -dv
	}
	next := off + dv
	if (up && next > rails.High-rails.Margin) || (!up && next < rails.Low+rails.Margin) {
		n := rails.CompSteps(c.cfg.StepVoltage)
		c.log.Infow("fine offset near rail, recentering", "offset", off, "coarseSteps", n, "up", up)
		action := RecenterDown
		if up {
			action = RecenterUp
		}
		// the offset is only recentered once the coarse burst has landed
		if n > 0 && !c.do("compensate", func() error { return c.act.PositioningCoarse(axis, up, n) }) {
			return action
		}
		c.do("recenter", func() error { return c.act.PositioningFineAbsolute(axis, rails.Mid) })
		return action
	}
	c.do("fine delta", func() error { return c.act.PositioningFineDelta(axis, dv) })
	if up {
		return FineUp
	}
	return FineDown
}

// do runs a stage command, reporting any error.  It returns true on success.
func (c *Controller) do(op string, fn func() error) bool {
	if err := fn(); err != nil {
		c.actuatorError(op, err)
		return false
	}
	return true
}

func (c *Controller) actuatorError(op string, err error) {
	if errors.Is(err, stage.ErrBusy) {
		c.report(Warn, StageBusy, fmt.Sprintf("%s: %s", op, err))
		return
	}
	c.report(Error, ActuatorErr, fmt.Sprintf("%s: %s", op, err))
}
