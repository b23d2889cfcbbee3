package camera

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Playback replays recorded frames as a live camera.  It is concurrent safe.
type Playback struct {
	frames []Frame
	loop   bool

	mu     sync.Mutex
	cursor int
	seq    uint64

	live atomic.Bool
	lim  *rate.Limiter
	out  chan Frame
}

// NewPlayback returns a playback source over frames at fps.  If loop is
// true the frames repeat forever, otherwise Run returns after the last one.
func NewPlayback(frames []Frame, fps float64, loop bool) *Playback {
	if fps <= 0 {
		fps = DefaultSimConfig().FPS
	}
	p := &Playback{
		frames: frames,
		loop:   loop,
		lim:    rate.NewLimiter(rate.Limit(fps), 1),
		out:    make(chan Frame, 1),
	}
	p.live.Store(true)
	return p
}

// OpenPlayback loads a FITS image or cube from disk for playback
func OpenPlayback(path string, fps float64, loop bool) (*Playback, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frames, err := ReadFits(f)
	if err != nil {
		return nil, err
	}
	return NewPlayback(frames, fps, loop), nil
}

// Len is the number of frames in the recording
func (p *Playback) Len() int {
	return len(p.frames)
}

// next returns the next frame, or false when exhausted
func (p *Playback) next() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return Frame{}, false
	}
	if p.cursor >= len(p.frames) {
		if !p.loop {
			return Frame{}, false
		}
		p.cursor = 0
	}
	f := p.frames[p.cursor]
	p.cursor++
	p.seq++
	f.Seq = p.seq
	f.Time = time.Now()
	return f, true
}

// Snap returns the next frame of the recording
func (p *Playback) Snap(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	f, ok := p.next()
	if !ok {
		return Frame{}, ErrNotLive
	}
	return f, nil
}

// Live returns true if the playback is running
func (p *Playback) Live() bool {
	return p.live.Load()
}

// SetLive pauses or resumes playback
func (p *Playback) SetLive(b bool) error {
	p.live.Store(b)
	return nil
}

// Frames returns the live frame channel.  It is closed when Run returns.
func (p *Playback) Frames() <-chan Frame {
	return p.out
}

// Run publishes the recording at the configured rate
func (p *Playback) Run(ctx context.Context) error {
	return stream(ctx, p.lim, &p.live, p.out, p.next)
}
