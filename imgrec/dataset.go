package imgrec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/zlock/camera"
)

var (
	// ErrNotStarted is generated when frames are pushed to a dataset that was not started
	ErrNotStarted = errors.New("dataset not started")

	// ErrFull is generated when more frames are pushed than the dataset was started with
	ErrFull = errors.New("dataset is full")
)

// Meta is the per frame metadata recorded alongside a dataset
type Meta struct {
	// Step is the index of the sweep step, 0 for the initial frame
	Step int

	// CoarseSteps is the net coarse step count of the swept axis
	CoarseSteps int

	// Offset is the fine offset voltage of the swept axis
	Offset float64
}

// Dataset collects a fixed number of frames and their metadata
type Dataset interface {
	// Start begins a new dataset of n frames
	Start(name string, n int) error

	// Push adds a frame
	Push(f camera.Frame, m Meta) error

	// Finish saves the dataset.  Finishing twice is a no-op.
	Finish() error
}

// CubeDataset is a Dataset saved as a FITS cube with a CSV of metadata
// next to it.  It is concurrent safe.
type CubeDataset struct {
	rec    *Recorder
	camera string

	mu     sync.Mutex
	name   string
	runID  uuid.UUID
	start  time.Time
	frames []camera.Frame
	metas  []Meta
	open   bool
	path   string
}

// NewDataset returns a dataset which saves to the recorder's folder.  cam
// names the camera the frames are from and is recorded in the header.
func (r *Recorder) NewDataset(cam string) *CubeDataset {
	return &CubeDataset{rec: r, camera: cam}
}

// Start satisfies Dataset.  Any unfinished dataset is discarded.
func (d *CubeDataset) Start(name string, n int) error {
	if n < 1 {
		return fmt.Errorf("dataset %q must have at least one frame, got %d", name, n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	d.runID = uuid.New()
	d.start = time.Now()
	d.frames = make([]camera.Frame, 0, n)
	d.metas = make([]Meta, 0, n)
	d.open = true
	d.path = ""
	return nil
}

// Push satisfies Dataset.  The frame is copied.
func (d *CubeDataset) Push(f camera.Frame, m Meta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrNotStarted
	}
	if len(d.frames) == cap(d.frames) {
		return ErrFull
	}
	d.frames = append(d.frames, f.Clone())
	d.metas = append(d.metas, m)
	return nil
}

// Len returns the number of frames pushed since Start
func (d *CubeDataset) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

// RunID returns the id of the current dataset
func (d *CubeDataset) RunID() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runID
}

// Path returns the path stem the dataset was saved to, "" before it is saved
func (d *CubeDataset) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// Finish satisfies Dataset.  A dataset with no frames, or one whose recorder
// is disabled, is discarded without writing anything.
func (d *CubeDataset) Finish() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	if len(d.frames) == 0 || !d.rec.Enabled() {
		return nil
	}
	stem, err := d.rec.Reserve(d.name + "_" + d.camera)
	if err != nil {
		return err
	}
	err = multierr.Append(d.writeCube(stem+".fits"), d.writeMeta(stem+".csv"))
	if err != nil {
		return err
	}
	d.path = stem
	return nil
}

func (d *CubeDataset) writeCube(fn string) (err error) {
	fid, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, fid.Close()) }()
	cards := []fitsio.Card{
		{Name: "OBJECT", Value: d.name, Comment: "dataset name"},
		{Name: "INSTRUME", Value: d.camera, Comment: "camera"},
		{Name: "RUNID", Value: d.runID.String(), Comment: "unique id of this dataset"},
		{Name: "DATE-OBS", Value: d.start.UTC().Format(time.RFC3339), Comment: "start of the dataset"},
		{Name: "NFRAMES", Value: len(d.frames), Comment: "frames in the cube"},
	}
	return camera.WriteFits(fid, cards, d.frames)
}

func (d *CubeDataset) writeMeta(fn string) (err error) {
	fid, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, fid.Close()) }()
	w := csv.NewWriter(fid)
	w.Write([]string{"frame", "step", "coarse_steps", "offset_v", "seq", "time"})
	for i, m := range d.metas {
		f := d.frames[i]
		w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(m.Step),
			strconv.Itoa(m.CoarseSteps),
			strconv.FormatFloat(m.Offset, 'f', -1, 64),
			strconv.FormatUint(f.Seq, 10),
			f.Time.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Flush()
	return w.Error()
}
