package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/zlock/comm"
	"github.com/nasa-jpl/zlock/zsweep"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "zlocksrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "yaml"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() Config {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "yaml"})
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `zlocksrv holds a microscope in focus by reading the astigmatism of a bead
image and nudging a piezo focus stage, and runs Z sweeps that record a frame
at every stage step.  Both are controlled over HTTP.

Usage:
	zlocksrv <command>

Commands:
	run
	help
	mkconf
	conf
	version
	ports
	sweep`
	fmt.Println(str)
}

func help() {
	str := `zlocksrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration file the server runs a simulated camera looking
through a mock stage, which is useful for trying the HTTP interface.

Camera.Type is "sim" or "playback".  Playback replays the FITS cube at
Camera.Path at Camera.FPS.

Stage.Type is "mock" or "anc300".  For an ANC300, Stage.Addr is host:port for
a network connection or the serial device with Stage.Serial set to true.  The
axes are put in stp+ mode at startup and grounded on exit.

Estimator is "projection" (Gaussian fits to the row and column sums) or
"xcorr" (correlation against elongated reference spots).

Routes are served under /stage, /zlock, and /zsweep; GET /endpoints lists them.

ports lists the serial ports on this machine.

sweep asks a running server to sweep and shows its progress:
	zlocksrv sweep coarse <steps> <stepVoltage> [settle seconds] [name]
	zlocksrv sweep fine <steps> <deltaV> [settle seconds] [name]
a negative stepVoltage steps down.  Sweeps started this way are saved.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("zlocksrv version %v\n", Version)
}

func ports() {
	ps, err := comm.Ports()
	if err != nil {
		log.Fatal(err)
	}
	if len(ps) == 0 {
		fmt.Println("no serial ports found")
		return
	}
	for _, p := range ps {
		fmt.Println(p)
	}
}

func run() {
	c := loadconfig()
	sys, err := Assemble(c)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := sys.Close(); err != nil {
			log.Println(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		if err := sys.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Println("frame loop ended:", err)
		}
	}()

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(sys)}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	log.Println("now listening for requests at ", c.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Println(err)
	}
}

// baseURL turns a listen address into a URL for a client on this machine
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func sweep(args []string) {
	if len(args) < 3 {
		log.Fatal("usage: zlocksrv sweep <coarse|fine> <steps> <volts> [settle] [name]")
	}
	kind := strings.ToLower(args[0])
	if kind != "coarse" && kind != "fine" {
		log.Fatalf("sweep kind %q not understood", kind)
	}
	steps, err := strconv.Atoi(args[1])
	if err != nil {
		log.Fatal(err)
	}
	volts, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		log.Fatal(err)
	}
	req := zsweep.SweepRequest{Steps: steps, Save: true, Name: kind}
	if kind == "coarse" {
		req.StepVoltage = volts
	} else {
		req.DeltaV = volts
	}
	if len(args) > 3 {
		req.Settle, err = strconv.ParseFloat(args[3], 64)
		if err != nil {
			log.Fatal(err)
		}
	}
	if len(args) > 4 {
		req.Name = args[4]
	}

	c := loadconfig()
	url := baseURL(c.Addr) + "/zsweep/sweep/"
	buf, err := json.Marshal(req)
	if err != nil {
		log.Fatal(err)
	}
	resp, err := http.Post(url+kind, "application/json", bytes.NewReader(buf))
	if err != nil {
		log.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("sweep refused: %s", resp.Status)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + kind + " sweep",
		SuffixAutoColon:   true,
		StopCharacter:     "done",
		StopFailCharacter: "failed",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := spinner.Start(); err != nil {
		log.Fatal(err)
	}
	for {
		time.Sleep(250 * time.Millisecond)
		prog, err := progress(url + "progress")
		if err != nil {
			spinner.StopFailMessage(err.Error())
			spinner.StopFail()
			os.Exit(1)
		}
		spinner.Message(fmt.Sprintf("step %d of %d", prog.Step, prog.Steps))
		if prog.Running {
			continue
		}
		if prog.Err != "" {
			spinner.StopFailMessage(prog.Err)
			spinner.StopFail()
			os.Exit(1)
		}
		if prog.Stopped {
			spinner.StopMessage(fmt.Sprintf("stopped after %d steps", prog.Step))
		}
		spinner.Stop()
		return
	}
}

func progress(url string) (zsweep.Progress, error) {
	var p zsweep.Progress
	resp, err := http.Get(url)
	if err != nil {
		return p, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&p)
	return p, err
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	case "ports":
		ports()
		return
	case "sweep":
		sweep(args[2:])
		return
	default:
		log.Fatal("unknown command")
	}
}
