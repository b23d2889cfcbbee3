package zsweep

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/zlock/generichttp"
	"github.com/nasa-jpl/zlock/stage"
	"github.com/nasa-jpl/zlock/util"
)

// SweepRequest is the JSON body of a sweep request.  Settle is in seconds.
// Exactly one of StepVoltage (coarse) or DeltaV (fine) is used, by route.
type SweepRequest struct {
	Steps       int     `json:"steps"`
	StepVoltage float64 `json:"stepVoltage"`
	DeltaV      float64 `json:"deltaV"`
	Settle      float64 `json:"settle"`
	Save        bool    `json:"save"`
	Name        string  `json:"name"`
}

// HTTPWrapper exposes a Worker over HTTP.  Sweeps run in the background;
// poll /sweep/progress for their state.
type HTTPWrapper struct {
	// Worker is the sweep worker
	*Worker

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table populated
func NewHTTPWrapper(w *Worker) HTTPWrapper {
	h := HTTPWrapper{Worker: w}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/sweep/coarse"}:  h.coarse,
		{Method: http.MethodPost, Path: "/sweep/fine"}:    h.fine,
		{Method: http.MethodPost, Path: "/sweep/stop"}:    h.stop,
		{Method: http.MethodGet, Path: "/sweep/running"}:  h.running,
		{Method: http.MethodGet, Path: "/sweep/progress"}: h.progress,
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func decodeSweep(w http.ResponseWriter, r *http.Request) (SweepRequest, bool) {
	req := SweepRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func startError(w http.ResponseWriter, err error) {
	var owned *stage.OwnedError
	switch {
	case errors.Is(err, ErrRunning), errors.As(err, &owned):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrSteps), errors.Is(err, stage.ErrNotSupported):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h HTTPWrapper) coarse(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSweep(w, r)
	if !ok {
		return
	}
	err := h.StartCoarse(context.Background(), CoarseSweep{
		Steps:       req.Steps,
		StepVoltage: req.StepVoltage,
		Settle:      util.SecsToDuration(req.Settle),
		Save:        req.Save,
		Name:        req.Name,
	})
	if err != nil {
		startError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h HTTPWrapper) fine(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSweep(w, r)
	if !ok {
		return
	}
	err := h.StartFine(context.Background(), FineSweep{
		Steps:  req.Steps,
		DeltaV: req.DeltaV,
		Settle: util.SecsToDuration(req.Settle),
		Save:   req.Save,
		Name:   req.Name,
	})
	if err != nil {
		startError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h HTTPWrapper) stop(w http.ResponseWriter, r *http.Request) {
	h.Stop()
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) running(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Running()}
	hp.EncodeAndRespond(w, r)
}

func (h HTTPWrapper) progress(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, h.Progress())
}
