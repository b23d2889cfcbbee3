package zlock

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPTest(t *testing.T) (*Controller, *Hub, chi.Router) {
	hub := NewHub(50, 10)
	c, err := New(DefaultConfig(), constant(0.5), &recorder{offset: 75}, nil, hub, nil)
	require.NoError(t, err)
	r := chi.NewRouter()
	NewHTTPWrapper(c, hub).RT().Bind(r)
	return c, hub, r
}

func do(r chi.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTPStartStop(t *testing.T) {
	c, _, r := newHTTPTest(t)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/start", "").Code)
	assert.Equal(t, Active, c.State())
	assert.JSONEq(t, `{"str": "active"}`, do(r, http.MethodGet, "/state", "").Body.String())
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/stop", "").Code)
	assert.Equal(t, Idle, c.State())
}

func TestHTTPThresholdsPartialUpdate(t *testing.T) {
	c, _, r := newHTTPTest(t)
	w := do(r, http.MethodPost, "/thresholds", `{"fineEnabled": true, "coarseUp": 1.6}`)
	require.Equal(t, http.StatusOK, w.Code)
	th := c.Thresholds()
	assert.True(t, th.FineEnabled)
	assert.Equal(t, 1.6, th.CoarseUp)
	assert.Equal(t, 0.6, th.CoarseLow)

	var got Thresholds
	require.NoError(t, json.Unmarshal(do(r, http.MethodGet, "/thresholds", "").Body.Bytes(), &got))
	assert.Equal(t, th, got)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/thresholds", `{`).Code)
}

func TestHTTPKalman(t *testing.T) {
	c, _, r := newHTTPTest(t)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/kalman", `{"noise": 0.5}`).Code)
	q, rr := c.KalmanNoise()
	assert.Equal(t, DefaultConfig().SignalVariance, q)
	assert.Equal(t, 0.5, rr)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/kalman", `{"signal": -1}`).Code)
}

func TestHTTPHistoryAndPlot(t *testing.T) {
	c, hub, r := newHTTPTest(t)
	require.NoError(t, c.Start())
	feed(c, 8)

	var pts []json.RawMessage
	require.NoError(t, json.Unmarshal(do(r, http.MethodGet, "/ratios", "").Body.Bytes(), &pts))
	assert.Len(t, pts, 8)

	w := do(r, http.MethodGet, "/plot.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = do(r, http.MethodGet, "/reports", "")
	assert.JSONEq(t, `[]`, w.Body.String())

	do(r, http.MethodPost, "/ratios/clear", "")
	assert.Empty(t, hub.History())
}
