package stage

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/zlock/generichttp"
)

// ManualOwner is the arbiter owner used by manual jogs over HTTP
const ManualOwner = "manual"

// HTTPWrapper exposes manual jog routes for a guarded stage
type HTTPWrapper struct {
	// Guard is the guarded stage
	*Guard

	arb        *Arbiter
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new wrapper with the route table populated.
// Moves are refused with 409 while arb is owned by anyone other than a
// manual user.  arb may be nil, in which case moves are never refused.
func NewHTTPWrapper(g *Guard, arb *Arbiter) HTTPWrapper {
	w := HTTPWrapper{Guard: g, arb: arb}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/axis/{axis}/coarse"}:      w.coarse,
		{Method: http.MethodPost, Path: "/axis/{axis}/fine/delta"}:  w.fineDelta,
		{Method: http.MethodPost, Path: "/axis/{axis}/fine/abs"}:    w.fineAbs,
		{Method: http.MethodGet, Path: "/axis/{axis}/offset"}:       w.offset,
		{Method: http.MethodGet, Path: "/axis/{axis}/steps"}:        w.steps,
		{Method: http.MethodPost, Path: "/axis/{axis}/steps/reset"}: w.resetSteps,
		{Method: http.MethodPost, Path: "/axis/{axis}/stepvoltage"}: w.stepVoltage,
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// manual runs fn holding the arbiter as the manual owner
func (h HTTPWrapper) manual(w http.ResponseWriter, fn func() error) {
	if h.arb != nil {
		if err := h.arb.TryAcquire(ManualOwner); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		defer h.arb.Release(ManualOwner)
	}
	err := fn()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrBusy) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) coarse(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	i := generichttp.IntT{}
	err := json.NewDecoder(r.Body).Decode(&i)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if i.Int == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	up := i.Int > 0
	n := i.Int
	if !up {
		n = -n
	}
	h.manual(w, func() error { return h.PositioningCoarse(axis, up, n) })
}

func (h HTTPWrapper) decodeFloat(w http.ResponseWriter, r *http.Request) (float64, bool) {
	f := generichttp.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return f.F64, true
}

func (h HTTPWrapper) fineDelta(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	f, ok := h.decodeFloat(w, r)
	if !ok {
		return
	}
	h.manual(w, func() error { return h.PositioningFineDelta(axis, f) })
}

func (h HTTPWrapper) fineAbs(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	f, ok := h.decodeFloat(w, r)
	if !ok {
		return
	}
	h.manual(w, func() error { return h.PositioningFineAbsolute(axis, f) })
}

func (h HTTPWrapper) stepVoltage(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	f, ok := h.decodeFloat(w, r)
	if !ok {
		return
	}
	h.manual(w, func() error { return h.SetStepVoltage(axis, f) })
}

func (h HTTPWrapper) offset(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	generichttp.GetFloat(func() (float64, error) { return h.Offset(axis) })(w, r)
}

func (h HTTPWrapper) steps(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	generichttp.GetInt(func() (int, error) { return h.Steps(axis), nil })(w, r)
}

func (h HTTPWrapper) resetSteps(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	h.ResetSteps(axis, 0)
	w.WriteHeader(http.StatusOK)
}
