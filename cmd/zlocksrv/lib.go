package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/nasa-jpl/zlock/astig"
	"github.com/nasa-jpl/zlock/attocube"
	"github.com/nasa-jpl/zlock/camera"
	"github.com/nasa-jpl/zlock/generichttp"
	"github.com/nasa-jpl/zlock/imgrec"
	"github.com/nasa-jpl/zlock/server/middleware/locker"
	"github.com/nasa-jpl/zlock/stage"
	"github.com/nasa-jpl/zlock/zlock"
	"github.com/nasa-jpl/zlock/zsweep"
)

// CameraSetup describes the focus lock camera
type CameraSetup struct {
	// Name identifies the camera in logs and dataset file names
	Name string `yaml:"Name"`

	// Type is "sim" or "playback"
	Type string `yaml:"Type"`

	// Path is the FITS file replayed by a playback camera
	Path string `yaml:"Path"`

	// FPS is the playback frame rate.  The simulator uses Sim.FPS.
	FPS float64 `yaml:"FPS"`

	// Loop repeats the playback forever
	Loop bool `yaml:"Loop"`

	Sim camera.SimConfig `yaml:"Sim"`
}

// StageSetup describes the focus stage
type StageSetup struct {
	// Type is "mock" or "anc300"
	Type string `yaml:"Type"`

	// Addr holds the network or filesystem address of the controller,
	// e.g. 192.168.100.123:7230 or /dev/ttyUSB0
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	// Z0 is the initial defocus of a mock stage
	Z0 float64 `yaml:"Z0"`

	// StepFrequency is the coarse step rate set on every axis at startup,
	// in Hz.  Zero leaves the controller's setting alone.
	StepFrequency int `yaml:"StepFrequency"`
}

// RecorderSetup holds the dataset recorder's initial state
type RecorderSetup struct {
	Root   string `yaml:"Root"`
	Prefix string `yaml:"Prefix"`
}

// Config is the server configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Debug enables debug level logging
	Debug bool `yaml:"Debug"`

	Camera CameraSetup `yaml:"Camera"`

	Stage StageSetup `yaml:"Stage"`

	// Estimator is the ratio strategy, "projection" or "xcorr"
	Estimator string `yaml:"Estimator"`

	Astig astig.Config `yaml:"Astig"`

	ZLock zlock.Config `yaml:"ZLock"`

	ZSweep zsweep.Config `yaml:"ZSweep"`

	Recorder RecorderSetup `yaml:"Recorder"`

	// History is the number of ratio points kept for plots
	History int `yaml:"History"`

	// Reports is the number of recent reports kept
	Reports int `yaml:"Reports"`
}

// DefaultConfig is a simulated camera looking through a mock stage
func DefaultConfig() Config {
	return Config{
		Addr:      ":8000",
		Camera:    CameraSetup{Name: "lock", Type: "sim", Sim: camera.DefaultSimConfig()},
		Stage:     StageSetup{Type: "mock", Z0: 1},
		Estimator: astig.ModeProjection,
		Astig:     astig.DefaultConfig(),
		ZLock:     zlock.DefaultConfig(),
		ZSweep:    zsweep.DefaultConfig(),
		Recorder:  RecorderSetup{Root: "zlock-data", Prefix: "zsweep"},
		History:   2000,
		Reports:   100,
	}
}

// System is the assembled hardware and control loops
type System struct {
	Log      *zap.SugaredLogger
	Cam      camera.Streamer
	Guard    *stage.Guard
	Arbiter  *stage.Arbiter
	Lock     *zlock.Controller
	Hub      *zlock.Hub
	Sweep    *zsweep.Worker
	Recorder *imgrec.Recorder

	closer func() error
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func setupStage(s StageSetup, log *zap.SugaredLogger) (stage.Actuator, camera.Focuser, func() error, error) {
	switch strings.ToLower(s.Type) {
	case "", "mock":
		m := attocube.NewMock(s.Z0)
		return m, m, func() error { return nil }, nil
	case "anc300", "attocube":
		ctl := attocube.NewController(s.Addr, s.Serial, log.Named("anc300"))
		if err := ctl.SetModeAll(attocube.ModeStepOffset); err != nil {
			return nil, nil, nil, err
		}
		if s.StepFrequency > 0 {
			if err := ctl.SetFrequencies(s.StepFrequency); err != nil {
				return nil, nil, nil, err
			}
		}
		return ctl, camera.FixedFocus(0), ctl.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("stage type %q not understood", s.Type)
	}
}

func setupCamera(c CameraSetup, focus camera.Focuser) (camera.Streamer, error) {
	switch strings.ToLower(c.Type) {
	case "", "sim":
		return camera.NewSim(c.Sim, focus), nil
	case "playback":
		return camera.OpenPlayback(c.Path, c.FPS, c.Loop)
	default:
		return nil, fmt.Errorf("camera type %q not understood", c.Type)
	}
}

// Assemble builds the system described by c
func Assemble(c Config) (*System, error) {
	lg, err := newLogger(c.Debug)
	if err != nil {
		return nil, err
	}
	act, focus, closer, err := setupStage(c.Stage, lg)
	if err != nil {
		return nil, err
	}
	cam, err := setupCamera(c.Camera, focus)
	if err != nil {
		return nil, err
	}
	est, err := astig.New(c.Estimator, c.Astig)
	if err != nil {
		return nil, err
	}
	s := &System{
		Log:      lg,
		Cam:      cam,
		Guard:    stage.NewGuard(act, lg.Named("stage")),
		Arbiter:  &stage.Arbiter{},
		Hub:      zlock.NewHub(c.History, c.Reports),
		Recorder: imgrec.NewRecorder(c.Recorder.Root, c.Recorder.Prefix),
		closer:   closer,
	}
	s.Lock, err = zlock.New(c.ZLock, est, s.Guard, s.Arbiter, s.Hub, lg.Named("zlock"))
	if err != nil {
		return nil, err
	}
	cams := []zsweep.Camera{{Name: c.Camera.Name, Cam: cam, Data: s.Recorder.NewDataset(c.Camera.Name)}}
	s.Sweep = zsweep.NewWorker(c.ZSweep, s.Guard, s.Arbiter, cams, lg.Named("zsweep"))
	return s, nil
}

// Run streams frames into the focus lock until ctx is done
func (s *System) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- s.Cam.Run(ctx)
	}()
	err := s.Lock.Run(ctx, s.Cam.Frames())
	s.Lock.Stop()
	s.Sweep.Stop()
	if cerr := <-errs; err == nil {
		err = cerr
	}
	return err
}

// Close releases the stage hardware
func (s *System) Close() error {
	defer s.Log.Sync()
	return s.closer()
}

// BuildMux constructs a chi router serving the stage, the focus lock, and the
// sweep worker, each under its own stem with its own lock.  The mux serves a
// special route, /endpoints, which returns a map of stems to routes as JSON.
func BuildMux(s *System) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	sweep := zsweep.NewHTTPWrapper(s.Sweep)
	imgrec.NewHTTPWrapper(s.Recorder).Inject(sweep)

	nodes := []struct {
		stem   string
		httper generichttp.HTTPer
	}{
		{"stage", stage.NewHTTPWrapper(s.Guard, s.Arbiter)},
		{"zlock", zlock.NewHTTPWrapper(s.Lock, s.Hub)},
		{"zsweep", sweep},
	}
	for _, node := range nodes {
		// "zlock" => "/zlock"
		hndlS := generichttp.SubMuxSanitize(node.stem)
		supergraph[hndlS] = node.httper.RT().Endpoints()

		lock := locker.New()
		locker.Inject(node.httper, lock)

		r := chi.NewRouter()
		r.Use(lock.Check)
		node.httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			log.Println(err)
		}
	})
	return root
}
