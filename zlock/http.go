package zlock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/zlock/generichttp"
)

// KalmanNoise is the JSON form of the Kalman variances
type KalmanNoise struct {
	Signal float64 `json:"signal"`
	Noise  float64 `json:"noise"`
}

// HTTPWrapper exposes a Controller and its Hub over HTTP
type HTTPWrapper struct {
	// Controller is the focus lock
	*Controller

	hub *Hub

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table populated.
// hub should be the controller's listener.
func NewHTTPWrapper(c *Controller, hub *Hub) HTTPWrapper {
	w := HTTPWrapper{Controller: c, hub: hub}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/start"}:        w.start,
		{Method: http.MethodPost, Path: "/stop"}:         w.stop,
		{Method: http.MethodGet, Path: "/state"}:         w.state,
		{Method: http.MethodGet, Path: "/thresholds"}:    w.getThresholds,
		{Method: http.MethodPost, Path: "/thresholds"}:   w.setThresholds,
		{Method: http.MethodGet, Path: "/kalman"}:        w.getKalman,
		{Method: http.MethodPost, Path: "/kalman"}:       w.setKalman,
		{Method: http.MethodGet, Path: "/kalman/state"}:  w.kalmanState,
		{Method: http.MethodGet, Path: "/ratios"}:        w.ratios,
		{Method: http.MethodGet, Path: "/ratios/last"}:   w.lastRatios,
		{Method: http.MethodPost, Path: "/ratios/clear"}: w.clearRatios,
		{Method: http.MethodGet, Path: "/reports"}:       w.reports,
		{Method: http.MethodGet, Path: "/stats"}:         w.stats,
		{Method: http.MethodGet, Path: "/plot.png"}:      w.plot,
		{Method: http.MethodGet, Path: "/events"}:        w.events,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPWrapper) start(w http.ResponseWriter, r *http.Request) {
	if err := h.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) stop(w http.ResponseWriter, r *http.Request) {
	h.Stop()
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) state(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.State().String()}
	hp.EncodeAndRespond(w, r)
}

func (h HTTPWrapper) getThresholds(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, h.Thresholds())
}

func (h HTTPWrapper) setThresholds(w http.ResponseWriter, r *http.Request) {
	// absent fields keep their current value
	t := h.Thresholds()
	err := json.NewDecoder(r.Body).Decode(&t)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.SetThresholds(t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) getKalman(w http.ResponseWriter, r *http.Request) {
	q, rr := h.KalmanNoise()
	generichttp.ReplyWithJSON(w, KalmanNoise{Signal: q, Noise: rr})
}

func (h HTTPWrapper) setKalman(w http.ResponseWriter, r *http.Request) {
	q, rr := h.KalmanNoise()
	kn := KalmanNoise{Signal: q, Noise: rr}
	err := json.NewDecoder(r.Body).Decode(&kn)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.SetKalmanNoise(kn.Signal, kn.Noise); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) kalmanState(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, h.KalmanState())
}

func (h HTTPWrapper) ratios(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, h.hub.History())
}

func (h HTTPWrapper) lastRatios(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, h.Last())
}

func (h HTTPWrapper) clearRatios(w http.ResponseWriter, r *http.Request) {
	h.hub.ClearHistory()
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) reports(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, h.hub.Reports())
}

func (h HTTPWrapper) stats(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, h.Stats())
}

func (h HTTPWrapper) plot(w http.ResponseWriter, r *http.Request) {
	buf := &bytes.Buffer{}
	err := PlotHistory(buf, h.hub.History(), h.Thresholds())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// events streams controller events as server-sent events until the client
// goes away
func (h HTTPWrapper) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := h.hub.Subscribe(64)
	defer cancel()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			buf, err := json.Marshal(e)
			if err != nil {
				return
			}
			kind := "ratios"
			if e.Report != nil {
				kind = "report"
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, buf); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
