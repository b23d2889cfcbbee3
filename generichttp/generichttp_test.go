package generichttp

import (
	"errors"
	"go/types"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
)

func TestHumanPayloadEncodesByType(t *testing.T) {
	cases := []struct {
		hp   HumanPayload
		want string
	}{
		{HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`},
		{HumanPayload{T: types.Int, Int: -3}, `{"int":-3}`},
		{HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}`},
		{HumanPayload{T: types.String, String: "stp"}, `{"str":"stp"}`},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		c.hp.EncodeAndRespond(w, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, c.want, w.Body.String())
	}
}

func TestSubMuxSanitize(t *testing.T) {
	assert.Equal(t, "/omc/zlock", SubMuxSanitize("omc/zlock"))
	assert.Equal(t, "/omc/zlock", SubMuxSanitize("/omc/zlock/*"))
	assert.Equal(t, "/stage", SubMuxSanitize("stage/"))
}

func TestRouteTableBindAndSetters(t *testing.T) {
	var got string
	rt := RouteTable{
		MethodPath{Method: http.MethodPost, Path: "/v"}: SetString(func(s string) error { got = s; return nil }),
		MethodPath{Method: http.MethodGet, Path: "/v"}:  GetString(func() (string, error) { return got, nil }),
		MethodPath{Method: http.MethodGet, Path: "/bad"}: GetInt(func() (int, error) {
			return 0, errors.New("boom")
		}),
	}
	assert.Equal(t, []string{"GET /bad", "GET /v", "POST /v"}, rt.Endpoints())
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v", strings.NewReader(`{"str": "stp+"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stp+", got)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v", nil))
	assert.JSONEq(t, `{"str":"stp+"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bad", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
