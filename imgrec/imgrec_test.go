package imgrec

import (
	"bytes"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/zlock/camera"
	"github.com/nasa-jpl/zlock/generichttp"
)

func fixedClock(r *Recorder) {
	r.now = func() time.Time { return time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC) }
}

func TestReserveIncrements(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(root, "sweep")
	fixedClock(r)

	stem, err := r.Reserve("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2024-03-07", "sweep000001"), stem)

	// a file from a previous session bumps the counter past it
	require.NoError(t, os.WriteFile(filepath.Join(root, "2024-03-07", "sweep000041_coarse_cam0.fits"), nil, 0666))
	require.NoError(t, os.WriteFile(filepath.Join(root, "2024-03-07", "other000099.fits"), nil, 0666))
	stem, err = r.Reserve("fine")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2024-03-07", "sweep000042_fine"), stem)
	assert.Equal(t, stem, r.Last())
}

func frame(v uint16, seq uint64) camera.Frame {
	f := camera.NewFrame(8, 6)
	for i := range f.Pix {
		f.Pix[i] = v + uint16(i)
	}
	f.Seq = seq
	return f
}

func TestDatasetWritesCubeAndMeta(t *testing.T) {
	r := NewRecorder(t.TempDir(), "z")
	d := r.NewDataset("cam0")
	require.NoError(t, d.Start("coarse", 3))
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Push(frame(uint16(100*i), uint64(i)), Meta{Step: i, CoarseSteps: -i, Offset: 75}))
	}
	assert.ErrorIs(t, d.Push(frame(0, 9), Meta{}), ErrFull)
	require.NoError(t, d.Finish())
	require.NotEmpty(t, d.Path())

	fid, err := os.Open(d.Path() + ".fits")
	require.NoError(t, err)
	defer fid.Close()
	frames, err := camera.ReadFits(fid)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, frame(200, 2).Pix, frames[2].Pix)

	cf, err := os.Open(d.Path() + ".csv")
	require.NoError(t, err)
	defer cf.Close()
	rows, err := csv.NewReader(cf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"2", "2", "-2", "75", "2"}, rows[3][:5])

	// finishing again does nothing
	path := d.Path()
	require.NoError(t, d.Finish())
	assert.Equal(t, path, d.Path())
}

func TestDatasetNotStarted(t *testing.T) {
	d := NewRecorder(t.TempDir(), "z").NewDataset("cam0")
	assert.ErrorIs(t, d.Push(frame(0, 0), Meta{}), ErrNotStarted)
	assert.NoError(t, d.Finish())
	assert.Error(t, d.Start("bad", 0))
}

func TestDatasetDisabledWritesNothing(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(root, "z")
	r.SetEnabled(false)
	d := r.NewDataset("cam0")
	require.NoError(t, d.Start("fine", 1))
	require.NoError(t, d.Push(frame(0, 0), Meta{}))
	require.NoError(t, d.Finish())
	assert.Equal(t, "", d.Path())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestInjectRoutes(t *testing.T) {
	rec := NewRecorder(t.TempDir(), "z")
	rt := table{}
	NewHTTPWrapper(rec).Inject(rt)
	router := chi.NewRouter()
	rt.RT().Bind(router)

	req := httptest.NewRequest(http.MethodPost, "/autowrite/prefix", bytes.NewBufferString(`{"str": "focus"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "focus", rec.Prefix())

	req = httptest.NewRequest(http.MethodGet, "/autowrite/enabled", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.JSONEq(t, `{"bool": true}`, w.Body.String())
}
