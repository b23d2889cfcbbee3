package zsweep

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/zlock/attocube"
	"github.com/nasa-jpl/zlock/camera"
	"github.com/nasa-jpl/zlock/imgrec"
	"github.com/nasa-jpl/zlock/stage"
)

type fakeCam struct {
	mu       sync.Mutex
	live     bool
	snaps    int
	relive   int
	onSnap   func(n int)
	snapFail bool
}

func (c *fakeCam) Snap(ctx context.Context) (camera.Frame, error) {
	c.mu.Lock()
	c.snaps++
	n := c.snaps
	hook := c.onSnap
	fail := c.snapFail
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if fail {
		return camera.Frame{}, errors.New("sensor fault")
	}
	return camera.NewFrame(4, 4), nil
}

func (c *fakeCam) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *fakeCam) SetLive(b bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b {
		c.relive++
	}
	c.live = b
	return nil
}

func (c *fakeCam) count() (snaps, relive int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps, c.relive
}

type fakeData struct {
	mu       sync.Mutex
	starts   int
	n        int
	metas    []imgrec.Meta
	finishes int
}

func (d *fakeData) Start(name string, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	d.n = n
	d.metas = nil
	return nil
}

func (d *fakeData) Push(f camera.Frame, m imgrec.Meta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metas = append(d.metas, m)
	return nil
}

func (d *fakeData) Finish() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishes++
	return nil
}

// fineOnly has no step voltage control
type fineOnly struct{ m *attocube.Mock }

func (f fineOnly) PositioningCoarse(axis string, up bool, n int) error {
	return f.m.PositioningCoarse(axis, up, n)
}

func (f fineOnly) PositioningFineDelta(axis string, dv float64) error {
	return f.m.PositioningFineDelta(axis, dv)
}

func (f fineOnly) PositioningFineAbsolute(axis string, v float64) error {
	return f.m.PositioningFineAbsolute(axis, v)
}

func (f fineOnly) Offset(axis string) (float64, error) {
	return f.m.Offset(axis)
}

func testConfig() Config {
	return Config{Axis: "z"}
}

func newTest(t *testing.T) (*Worker, *attocube.Mock, *fakeCam, *fakeData, *stage.Arbiter) {
	t.Helper()
	m := attocube.NewMock(0)
	cam := &fakeCam{live: true}
	data := &fakeData{}
	arb := &stage.Arbiter{}
	w := NewWorker(testConfig(), m, arb, []Camera{{Name: "cam", Cam: cam, Data: data}}, nil)
	return w, m, cam, data, arb
}

func TestCoarseSweepStepsAndRecords(t *testing.T) {
	w, m, cam, data, arb := newTest(t)
	err := w.Coarse(context.Background(), CoarseSweep{Steps: 3, StepVoltage: -10, Save: true, Name: "scan"})
	require.NoError(t, err)

	assert.Equal(t, -3, m.Steps("z"))
	// three steps down at 10 V
	assert.InDelta(t, -0.3, m.FocusPosition(), 1e-9)

	snaps, relive := cam.count()
	assert.Equal(t, 4, snaps)
	assert.Equal(t, 1, relive)
	assert.True(t, cam.Live())

	assert.Equal(t, 1, data.starts)
	assert.Equal(t, 4, data.n)
	assert.Equal(t, 1, data.finishes)
	require.Len(t, data.metas, 4)
	assert.Equal(t, 0, data.metas[0].CoarseSteps)
	assert.Equal(t, -3, data.metas[3].CoarseSteps)
	assert.Equal(t, 3, data.metas[3].Step)

	assert.Equal(t, "", arb.Owner())
	assert.False(t, w.Running())
	p := w.Progress()
	assert.Equal(t, 3, p.Step)
	assert.False(t, p.Running)
	assert.False(t, p.Stopped)
}

func TestFineSweepMovesOffset(t *testing.T) {
	w, m, _, data, _ := newTest(t)
	err := w.Fine(context.Background(), FineSweep{Steps: 4, DeltaV: 2.5})
	require.NoError(t, err)
	off, _ := m.Offset("z")
	assert.Equal(t, 85.0, off)
	assert.Equal(t, 0, m.Steps("z"))
	// not saved
	assert.Equal(t, 0, data.starts)
	assert.Equal(t, 0, data.finishes)
}

func TestUnsavedSweepDoesNotSnap(t *testing.T) {
	w, m, cam, data, _ := newTest(t)
	require.NoError(t, w.Coarse(context.Background(), CoarseSweep{Steps: 2, StepVoltage: 20}))
	assert.Equal(t, 2, m.Steps("z"))
	snaps, relive := cam.count()
	assert.Equal(t, 0, snaps)
	assert.Equal(t, 1, relive)
	assert.Empty(t, data.metas)
	assert.Equal(t, 2, w.Progress().Step)
}

func TestStopEndsBeforeNextStep(t *testing.T) {
	w, m, cam, data, arb := newTest(t)
	// the second snap follows the first step
	cam.onSnap = func(n int) {
		if n == 2 {
			w.Stop()
		}
	}
	err := w.Coarse(context.Background(), CoarseSweep{Steps: 10, StepVoltage: 20, Save: true})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Steps("z"))
	_, relive := cam.count()
	assert.Equal(t, 1, relive)
	assert.Equal(t, 1, data.finishes)
	assert.Equal(t, "", arb.Owner())
	p := w.Progress()
	assert.True(t, p.Stopped)
	assert.Equal(t, 1, p.Step)
}

func TestContextCancelCleansUpOnce(t *testing.T) {
	w, m, cam, data, arb := newTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cam.onSnap = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	err := w.Coarse(ctx, CoarseSweep{Steps: 10, StepVoltage: 20, Save: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, m.Steps("z"))
	_, relive := cam.count()
	assert.Equal(t, 1, relive)
	assert.Equal(t, 1, data.finishes)
	assert.Equal(t, "", arb.Owner())
	assert.NotEmpty(t, w.Progress().Err)
}

func TestSnapFailureCleansUp(t *testing.T) {
	w, _, cam, data, arb := newTest(t)
	cam.snapFail = true
	err := w.Coarse(context.Background(), CoarseSweep{Steps: 2, StepVoltage: 20, Save: true})
	assert.Error(t, err)
	_, relive := cam.count()
	assert.Equal(t, 1, relive)
	assert.Equal(t, 1, data.finishes)
	assert.Equal(t, "", arb.Owner())
	assert.False(t, w.Running())
}

func TestCameraNotLiveStaysPaused(t *testing.T) {
	w, _, cam, _, _ := newTest(t)
	cam.live = false
	require.NoError(t, w.Fine(context.Background(), FineSweep{Steps: 1, DeltaV: 1}))
	_, relive := cam.count()
	assert.Equal(t, 0, relive)
	assert.False(t, cam.Live())
}

func TestRejectsBadRequests(t *testing.T) {
	w, _, _, _, _ := newTest(t)
	assert.ErrorIs(t, w.Coarse(context.Background(), CoarseSweep{Steps: 0, StepVoltage: 20}), ErrSteps)
	assert.ErrorIs(t, w.Fine(context.Background(), FineSweep{Steps: -1}), ErrSteps)

	m := attocube.NewMock(0)
	w = NewWorker(testConfig(), fineOnly{m}, nil, nil, nil)
	assert.ErrorIs(t, w.Coarse(context.Background(), CoarseSweep{Steps: 1, StepVoltage: 20}), stage.ErrNotSupported)
}

func TestRefusedWhileStageOwned(t *testing.T) {
	w, m, _, _, arb := newTest(t)
	require.NoError(t, arb.TryAcquire("zlock"))
	err := w.Coarse(context.Background(), CoarseSweep{Steps: 1, StepVoltage: 20})
	var owned *stage.OwnedError
	assert.ErrorAs(t, err, &owned)
	assert.False(t, w.Running())
	assert.Equal(t, 0, m.Steps("z"))
	assert.Equal(t, "zlock", arb.Owner())
}

func TestSecondSweepRefusedWhileRunning(t *testing.T) {
	w, _, cam, _, _ := newTest(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	cam.onSnap = func(n int) {
		if n == 1 {
			close(entered)
			<-release
		}
	}
	require.NoError(t, w.StartFine(context.Background(), FineSweep{Steps: 1, DeltaV: 1, Save: true}))
	<-entered
	assert.True(t, w.Running())
	assert.ErrorIs(t, w.Fine(context.Background(), FineSweep{Steps: 1, DeltaV: 1}), ErrRunning)
	close(release)
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, time.Millisecond)
}

func TestHTTPRoutes(t *testing.T) {
	w, m, _, _, arb := newTest(t)
	r := chi.NewRouter()
	NewHTTPWrapper(w).RT().Bind(r)

	post := func(path, body string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, post("/sweep/coarse", `{"steps": 0, "stepVoltage": 20}`))
	assert.Equal(t, http.StatusBadRequest, post("/sweep/fine", `{`))

	require.NoError(t, arb.TryAcquire("zlock"))
	assert.Equal(t, http.StatusConflict, post("/sweep/fine", `{"steps": 1, "deltaV": 1}`))
	arb.Release("zlock")

	assert.Equal(t, http.StatusAccepted, post("/sweep/coarse", `{"steps": 2, "stepVoltage": 20, "name": "z"}`))
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, 2, m.Steps("z"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sweep/progress", nil))
	assert.Contains(t, rec.Body.String(), `"kind":"coarse"`)
	assert.Contains(t, rec.Body.String(), `"step":2`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sweep/running", nil))
	assert.JSONEq(t, `{"bool": false}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, post("/sweep/stop", ""))
}
