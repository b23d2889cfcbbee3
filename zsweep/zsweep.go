/*Package zsweep steps the focus stage through a fixed sequence while
recording frames from one or more cameras.

A sweep is open loop: it claims the stage, pauses live acquisition, takes N
coarse steps or fine offset deltas with a settle delay after each, and snaps
every camera after every step.  Stop is cooperative and takes effect before
the next step.  The cleanup (dataset finish, live mode restore, stage
release) always runs, exactly once, however the sweep ends.
*/
package zsweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nasa-jpl/zlock/camera"
	"github.com/nasa-jpl/zlock/imgrec"
	"github.com/nasa-jpl/zlock/stage"
)

// Owner is the name the worker claims the stage arbiter with
const Owner = "zsweep"

const (
	// DefaultPreDelay is the wait between pausing the cameras and the first frame
	DefaultPreDelay = 500 * time.Millisecond

	// DefaultPostDelay is the wait after the last frame before cleanup
	DefaultPostDelay = 500 * time.Millisecond
)

var (
	// ErrRunning is generated when a sweep is requested while one is in progress
	ErrRunning = errors.New("a sweep is already running")

	// ErrSteps is generated for a sweep with no steps
	ErrSteps = errors.New("a sweep must have at least one step")
)

// Camera is a camera taking part in a sweep
type Camera struct {
	// Name identifies the camera in logs and file names
	Name string

	Cam camera.Snapper

	// Data receives the frames when a sweep is saved.  It may be nil if
	// sweeps are never saved.
	Data imgrec.Dataset
}

// Config holds the worker parameters
type Config struct {
	// Axis is the stage axis to sweep
	Axis string `yaml:"Axis"`

	PreDelay  time.Duration `yaml:"PreDelay"`
	PostDelay time.Duration `yaml:"PostDelay"`
}

// DefaultConfig returns the configuration used on the microscope
func DefaultConfig() Config {
	return Config{Axis: "z", PreDelay: DefaultPreDelay, PostDelay: DefaultPostDelay}
}

// CoarseSweep takes Steps coarse steps of |StepVoltage| amplitude, upwards if
// StepVoltage is positive
type CoarseSweep struct {
	Steps       int
	StepVoltage float64
	Settle      time.Duration
	Save        bool
	Name        string
}

// FineSweep changes the fine offset by DeltaV Steps times
type FineSweep struct {
	Steps  int
	DeltaV float64
	Settle time.Duration
	Save   bool
	Name   string
}

// Progress describes the current or most recent sweep
type Progress struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Step    int       `json:"step"`
	Steps   int       `json:"steps"`
	Running bool      `json:"running"`
	Stopped bool      `json:"stopped"`
	Started time.Time `json:"started"`
	Err     string    `json:"err,omitempty"`
}

// Worker runs Z sweeps
type Worker struct {
	cfg  Config
	act  stage.Actuator
	arb  *stage.Arbiter
	cams []Camera
	log  *zap.SugaredLogger

	running atomic.Bool
	stop    atomic.Bool

	mu   sync.Mutex
	prog Progress
}

// NewWorker returns a new worker.  arb and log may be nil.
func NewWorker(cfg Config, act stage.Actuator, arb *stage.Arbiter, cams []Camera, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{cfg: cfg, act: act, arb: arb, cams: cams, log: log}
}

// Stop asks a running sweep to end before its next step
func (w *Worker) Stop() {
	if w.running.Load() {
		w.stop.Store(true)
		w.log.Infow("sweep stop requested")
	}
}

// Running returns true while a sweep is in progress
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Progress returns the state of the current or most recent sweep
func (w *Worker) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prog
}

func (w *Worker) setProgress(fn func(*Progress)) {
	w.mu.Lock()
	fn(&w.prog)
	w.mu.Unlock()
}

// plan is one sweep, normalized
type plan struct {
	kind   string
	name   string
	steps  int
	settle time.Duration
	save   bool

	// setup runs once after the pre delay
	setup func() error

	// step moves the stage once and returns the net coarse steps so far
	step func() (int, error)
}

func (w *Worker) coarsePlan(s CoarseSweep) (plan, error) {
	if s.Steps < 1 {
		return plan{}, ErrSteps
	}
	vr, ok := w.act.(stage.Voltager)
	if !ok {
		return plan{}, stage.ErrNotSupported
	}
	up := s.StepVoltage > 0
	taken := 0
	return plan{
		kind: "coarse", name: s.Name, steps: s.Steps, settle: s.Settle, save: s.Save,
		setup: func() error {
			return vr.SetStepVoltage(w.cfg.Axis, math.Abs(s.StepVoltage))
		},
		step: func() (int, error) {
			if err := w.act.PositioningCoarse(w.cfg.Axis, up, 1); err != nil {
				return taken, err
			}
			if up {
				taken++
			} else {
				taken--
			}
			return taken, nil
		},
	}, nil
}

func (w *Worker) finePlan(s FineSweep) (plan, error) {
	if s.Steps < 1 {
		return plan{}, ErrSteps
	}
	return plan{
		kind: "fine", name: s.Name, steps: s.Steps, settle: s.Settle, save: s.Save,
		setup: func() error { return nil },
		step: func() (int, error) {
			return 0, w.act.PositioningFineDelta(w.cfg.Axis, s.DeltaV)
		},
	}, nil
}

// Coarse runs a coarse sweep to completion
func (w *Worker) Coarse(ctx context.Context, s CoarseSweep) error {
	p, err := w.coarsePlan(s)
	if err != nil {
		return err
	}
	if err := w.begin(p); err != nil {
		return err
	}
	return w.run(ctx, p)
}

// Fine runs a fine sweep to completion
func (w *Worker) Fine(ctx context.Context, s FineSweep) error {
	p, err := w.finePlan(s)
	if err != nil {
		return err
	}
	if err := w.begin(p); err != nil {
		return err
	}
	return w.run(ctx, p)
}

// StartCoarse starts a coarse sweep in the background.  Errors from the
// sweep itself are recorded in Progress.
func (w *Worker) StartCoarse(ctx context.Context, s CoarseSweep) error {
	p, err := w.coarsePlan(s)
	if err != nil {
		return err
	}
	return w.background(ctx, p)
}

// StartFine starts a fine sweep in the background
func (w *Worker) StartFine(ctx context.Context, s FineSweep) error {
	p, err := w.finePlan(s)
	if err != nil {
		return err
	}
	return w.background(ctx, p)
}

func (w *Worker) background(ctx context.Context, p plan) error {
	if err := w.begin(p); err != nil {
		return err
	}
	go w.run(ctx, p)
	return nil
}

// begin claims the worker and the stage
func (w *Worker) begin(p plan) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	if w.arb != nil {
		if err := w.arb.TryAcquire(Owner); err != nil {
			w.running.Store(false)
			return err
		}
	}
	w.stop.Store(false)
	w.setProgress(func(pr *Progress) {
		*pr = Progress{Kind: p.kind, Name: p.name, Steps: p.steps, Running: true, Started: time.Now()}
	})
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// snapAll snaps every camera and pushes the frames to their datasets.  An
// unsaved sweep only moves the stage.
func (w *Worker) snapAll(ctx context.Context, p plan, meta imgrec.Meta) error {
	if !p.save {
		return nil
	}
	var errs error
	for _, c := range w.cams {
		f, err := c.Cam.Snap(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("snapping %s: %w", c.Name, err))
			continue
		}
		if c.Data != nil {
			errs = multierr.Append(errs, c.Data.Push(f, meta))
		}
	}
	return errs
}

func (w *Worker) meta(step, coarse int) imgrec.Meta {
	m := imgrec.Meta{Step: step, CoarseSteps: coarse}
	if off, err := w.act.Offset(w.cfg.Axis); err == nil {
		m.Offset = off
	}
	return m
}

// run executes a claimed sweep.  The cleanup is deferred so it runs on every
// return path.
func (w *Worker) run(ctx context.Context, p plan) (err error) {
	log := w.log.With("sweep", p.kind, "name", p.name)
	live := make([]bool, len(w.cams))
	started := make([]bool, len(w.cams))
	defer func() {
		err = multierr.Append(err, w.cleanup(p, live, started))
		w.setProgress(func(pr *Progress) {
			pr.Running = false
			pr.Stopped = w.stop.Load()
			if err != nil {
				pr.Err = err.Error()
			}
		})
		if err != nil {
			log.Errorw("sweep ended with error", "err", err)
		} else {
			log.Infow("sweep done")
		}
		w.running.Store(false)
	}()

	for i, c := range w.cams {
		live[i] = c.Cam.Live()
		if err := c.Cam.SetLive(false); err != nil {
			return fmt.Errorf("pausing %s: %w", c.Name, err)
		}
	}
	if err := sleepCtx(ctx, w.cfg.PreDelay); err != nil {
		return err
	}
	if err := p.setup(); err != nil {
		return err
	}
	if p.save {
		for i, c := range w.cams {
			if c.Data == nil {
				continue
			}
			if err := c.Data.Start(p.name, p.steps+1); err != nil {
				return err
			}
			started[i] = true
		}
	}
	log.Infow("sweep started", "steps", p.steps)
	if err := w.snapAll(ctx, p, w.meta(0, 0)); err != nil {
		return err
	}

	for i := 1; i <= p.steps; i++ {
		if w.stop.Load() {
			log.Infow("sweep stopped", "step", i-1)
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		coarse, err := p.step()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if err := sleepCtx(ctx, p.settle); err != nil {
			return err
		}
		if err := w.snapAll(ctx, p, w.meta(i, coarse)); err != nil {
			return err
		}
		w.setProgress(func(pr *Progress) { pr.Step = i })
	}
	return sleepCtx(ctx, w.cfg.PostDelay)
}

// cleanup finishes the datasets, restores live mode, and releases the stage
func (w *Worker) cleanup(p plan, live, started []bool) error {
	var errs error
	for i, c := range w.cams {
		if started[i] {
			errs = multierr.Append(errs, c.Data.Finish())
		}
		if live[i] {
			errs = multierr.Append(errs, c.Cam.SetLive(true))
		}
	}
	if w.arb != nil {
		w.arb.Release(Owner)
	}
	return errs
}
