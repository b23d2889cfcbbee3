package zlock

import (
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/zlock/ringbuf"
)

// Severity grades a Report
type Severity int

const (
	// Info is informational, e.g. a single failed fit
	Info Severity = iota

	// Warn is a condition the operator should fix, e.g. a bad frame size
	Warn

	// Error is a failure to act, e.g. a stage fault
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Code identifies what a Report is about
type Code int

const (
	// MinFrameErr means the frame was too small to process
	MinFrameErr Code = iota + 1

	// MaxFrameErr means the frame was too large to process
	MaxFrameErr

	// FitErr means the ratio could not be estimated from the frame
	FitErr

	// ActuatorErr means a stage command failed
	ActuatorErr

	// StageBusy means a stage command was dropped because another was in flight
	StageBusy
)

var codeNames = map[Code]string{
	MinFrameErr: "MIN_FRAME_ERR",
	MaxFrameErr: "MAX_FRAME_ERR",
	FitErr:      "FIT_ERR",
	ActuatorErr: "ACTUATOR_ERR",
	StageBusy:   "STAGE_BUSY",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Report is a structured error or status message from the controller
type Report struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Code     Code      `json:"code"`
	Message  string    `json:"message"`
}

// Action is the correction taken on a frame
type Action int

const (
	// NoAction means the ratio was in the dead band, or the loop is warming up
	NoAction Action = iota

	// CoarseUp is a single coarse step up
	CoarseUp

	// CoarseDown is a single coarse step down
	CoarseDown

	// FineUp is a positive fine offset delta
	FineUp

	// FineDown is a negative fine offset delta
	FineDown

	// RecenterUp is a compensating burst of coarse steps up and a fine recenter
	RecenterUp

	// RecenterDown is a compensating burst of coarse steps down and a fine recenter
	RecenterDown
)

var actionNames = [...]string{"none", "coarse-up", "coarse-down", "fine-up", "fine-down", "recenter-up", "recenter-down"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actionNames[a]
}

// MarshalText implements encoding.TextMarshaler
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Ratios is published for every frame that yields a ratio
type Ratios struct {
	Time time.Time `json:"time"`

	// Raw is the unfiltered ratio of this frame
	Raw float64 `json:"raw"`

	// Filtered is the Kalman filtered window mean, 0 during warm-up
	Filtered float64 `json:"filtered"`

	// Warm is false until the moving average window has filled
	Warm bool `json:"warm"`

	Action Action `json:"action"`
}

// Listener receives controller events.  Methods are called from the frame
// loop and must not block.
type Listener interface {
	OnReport(Report)
	OnRatios(Ratios)
}

type nopListener struct{}

func (nopListener) OnReport(Report) {}
func (nopListener) OnRatios(Ratios) {}

// Event is one Report or Ratios, as delivered to Hub subscribers
type Event struct {
	Report *Report `json:"report,omitempty"`
	Ratios *Ratios `json:"ratios,omitempty"`
}

// Hub is a Listener which keeps a history of ratios and a log of recent
// reports, and fans events out to subscribers.  Slow subscribers miss events
// rather than stall the frame loop.  It is concurrent safe.
type Hub struct {
	mu      sync.Mutex
	history *ringbuf.History
	reports []Report
	maxRep  int
	subs    map[int]chan Event
	nextSub int
	missed  uint64
}

// NewHub returns a hub holding nHistory ratio points and nReports reports
func NewHub(nHistory, nReports int) *Hub {
	if nReports <= 0 {
		nReports = 1
	}
	return &Hub{
		history: ringbuf.NewHistory(nHistory),
		maxRep:  nReports,
		subs:    make(map[int]chan Event),
	}
}

func (h *Hub) publish(e Event) {
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.missed++
		}
	}
}

// OnReport satisfies Listener
func (h *Hub) OnReport(r Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == h.maxRep {
		copy(h.reports, h.reports[1:])
		h.reports = h.reports[:len(h.reports)-1]
	}
	h.reports = append(h.reports, r)
	h.publish(Event{Report: &r})
}

// OnRatios satisfies Listener
func (h *Hub) OnRatios(r Ratios) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history.Append(ringbuf.Point{Time: r.Time, Raw: r.Raw, Filtered: r.Filtered, Warm: r.Warm})
	h.publish(Event{Ratios: &r})
}

// Subscribe returns a channel of events with the given buffer size and a
// function which ends the subscription and closes the channel
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, buffer)
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// History returns the ratio history, oldest first
func (h *Hub) History() []ringbuf.Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Contiguous()
}

// ClearHistory empties the ratio history
func (h *Hub) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history.Reset()
}

// Reports returns the recent reports, oldest first
func (h *Hub) Reports() []Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Report, len(h.reports))
	copy(out, h.reports)
	return out
}

// Missed returns the number of events dropped because a subscriber was full
func (h *Hub) Missed() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}
