package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/zlock/generichttp"
	"github.com/stretchr/testify/assert"
)

type table struct{ rt generichttp.RouteTable }

func (t table) RT() generichttp.RouteTable { return t.rt }

func TestLockBlocksWritesOnly(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	tbl := table{rt: generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}: ok,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}:  ok,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:  ok,

		generichttp.MethodPath{Method: http.MethodPost, Path: "/stopwatch"}: ok,
	}}
	l := New()
	Inject(tbl, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	tbl.rt.Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/start", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool":true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/start", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/stop", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/state", ""))
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/stopwatch", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool":false}`))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/start", ""))
}
