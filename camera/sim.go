package camera

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/zlock/mathx"
	"github.com/nasa-jpl/zlock/util"
)

// Focuser reports the defocus of the imaged spot in arbitrary units; zero is
// in focus
type Focuser interface {
	FocusPosition() float64
}

// FixedFocus is a Focuser that never moves
type FixedFocus float64

// FocusPosition satisfies Focuser
func (f FixedFocus) FocusPosition() float64 {
	return float64(f)
}

// SimConfig describes the simulated spot
type SimConfig struct {
	H int `yaml:"H"`
	W int `yaml:"W"`

	// FPS is the frame rate in live mode
	FPS float64 `yaml:"FPS"`

	// Amplitude is the peak height of the spot above background, in DN
	Amplitude float64 `yaml:"Amplitude"`

	// Background is the flat background level, in DN
	Background float64 `yaml:"Background"`

	// Sigma is the spot width at focus, in pixels
	Sigma float64 `yaml:"Sigma"`

	// Astig is the fractional change in width per unit defocus.  Positive
	// defocus stretches the spot along the row axis and squeezes it along
	// the column axis.
	Astig float64 `yaml:"Astig"`

	// Noise enables shot noise
	Noise bool `yaml:"Noise"`

	// Seed seeds the noise generator
	Seed int64 `yaml:"Seed"`
}

// DefaultSimConfig is a 64x64 spot at 20 fps
func DefaultSimConfig() SimConfig {
	return SimConfig{
		H: 64, W: 64,
		FPS:        20,
		Amplitude:  2000,
		Background: 100,
		Sigma:      3,
		Astig:      0.3,
		Noise:      true,
		Seed:       1,
	}
}

// Sim is a simulated camera imaging an astigmatic spot whose shape follows a
// Focuser.  It is concurrent safe.
type Sim struct {
	cfg   SimConfig
	focus Focuser

	mu  sync.Mutex
	rng *rand.Rand
	seq uint64

	live   atomic.Bool
	lim    *rate.Limiter
	frames chan Frame
}

// NewSim returns a simulated camera.  The camera starts in live mode.
func NewSim(cfg SimConfig, focus Focuser) *Sim {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultSimConfig().FPS
	}
	if focus == nil {
		focus = FixedFocus(0)
	}
	s := &Sim{
		cfg:    cfg,
		focus:  focus,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		lim:    rate.NewLimiter(rate.Limit(cfg.FPS), 1),
		frames: make(chan Frame, 1),
	}
	s.live.Store(true)
	return s
}

// Widths returns the (row, col) spot widths at defocus z
func (s *Sim) Widths(z float64) (float64, float64) {
	sr := s.cfg.Sigma * (1 + s.cfg.Astig*z)
	sc := s.cfg.Sigma * (1 - s.cfg.Astig*z)
	floor := s.cfg.Sigma / 4
	return math.Max(sr, floor), math.Max(sc, floor)
}

// Render draws one frame at the current focus position
func (s *Sim) Render() Frame {
	sr, sc := s.Widths(s.focus.FocusPosition())
	f := NewFrame(s.cfg.H, s.cfg.W)
	r0 := float64(s.cfg.H-1) / 2
	c0 := float64(s.cfg.W-1) / 2

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	f.Seq = s.seq
	f.Time = time.Now()
	for r := 0; r < f.H; r++ {
		dr := (float64(r) - r0) / sr
		for c := 0; c < f.W; c++ {
			dc := (float64(c) - c0) / sc
			v := s.cfg.Background + s.cfg.Amplitude*math.Exp(-(dr*dr+dc*dc)/2)
			if s.cfg.Noise {
				v += s.rng.NormFloat64() * math.Sqrt(v)
			}
			f.Pix[r*f.W+c] = clampDN(v)
		}
	}
	return f
}

func clampDN(v float64) uint16 {
	return uint16(util.Clamp(mathx.Round(v, 1), 0, math.MaxUint16))
}

// Snap renders one frame
func (s *Sim) Snap(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return s.Render(), nil
}

// Live returns true if the camera is free running
func (s *Sim) Live() bool {
	return s.live.Load()
}

// SetLive starts or stops free running acquisition
func (s *Sim) SetLive(b bool) error {
	s.live.Store(b)
	return nil
}

// Frames returns the live frame channel.  It is closed when Run returns.
func (s *Sim) Frames() <-chan Frame {
	return s.frames
}

// Run publishes frames at the configured rate while live, until ctx is done.
// Frames are dropped if the consumer is not keeping up.
func (s *Sim) Run(ctx context.Context) error {
	return stream(ctx, s.lim, &s.live, s.frames, func() (Frame, bool) {
		return s.Render(), true
	})
}

// stream paces next() into out and closes out on return
func stream(ctx context.Context, lim *rate.Limiter, live *atomic.Bool, out chan Frame, next func() (Frame, bool)) error {
	defer close(out)
	for {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !live.Load() {
			continue
		}
		f, ok := next()
		if !ok {
			return nil
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
