/*Package attocube provides an interface to AttoCube ANC300 piezo controllers.

The controller speaks a line oriented ASCII protocol at 38400 baud.  Every
command is acknowledged with OK or ERROR on its own line; queries return a
value line before the acknowledgement.  Errors are preceded by a message line.

The Controller satisfies stage.Actuator and stage.Voltager.
*/
package attocube

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nasa-jpl/zlock/comm"
	"github.com/nasa-jpl/zlock/mathx"
	"github.com/nasa-jpl/zlock/stage"
)

const (
	// Baud is the ANC300's serial baud rate
	Baud = 38400

	ack = "OK"
	nak = "ERROR"
)

// Mode is an axis operating mode
type Mode string

const (
	// ModeGround grounds the piezo
	ModeGround Mode = "gnd"

	// ModeStep enables slip-stick stepping
	ModeStep Mode = "stp"

	// ModeStepOffset enables stepping with the DC offset added
	ModeStepOffset Mode = "stp+"

	// ModeOffset applies the DC offset only
	ModeOffset Mode = "off"
)

var (
	// ErrUnknownAxis is generated when an axis name has no channel in the AxisMap
	ErrUnknownAxis = errors.New("unknown axis")

	// ErrNoAck is generated when neither OK nor ERROR is received
	ErrNoAck = errors.New("no acknowledgement from controller")

	// ErrParse is generated when a query response cannot be understood
	ErrParse = errors.New("unable to parse response")

	// DefaultAxisMap maps the microscope axes to ANC300 channels
	DefaultAxisMap = map[string]int{"x": 2, "y": 1, "z": 3}

	// ErrMap maps the controller's error messages to friendlier explanations
	ErrMap = map[string]string{
		"Unknown command":                   "the controller did not recognize the command",
		"Axis not in computer control mode": "the module is in manual (front panel) control",
		"Axis in wrong mode":                "the command is not allowed in the axis' current mode, e.g. stepping while grounded",
		"Value out of range":                "the argument exceeds the module's limits",
		"No module at axis":                 "no positioner module is installed in that slot",
	}
)

// Error is an error reported by the controller
type Error struct {
	Cmd string
	Msg string
}

func (e *Error) Error() string {
	if s, ok := ErrMap[e.Msg]; ok {
		return fmt.Sprintf("anc300 %q: %s - %s", e.Cmd, e.Msg, s)
	}
	if e.Msg == "" {
		return fmt.Sprintf("anc300 %q: ERROR", e.Cmd)
	}
	return fmt.Sprintf("anc300 %q: %s", e.Cmd, e.Msg)
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second}
}

// Controller is an ANC300 piezo controller
type Controller struct {
	*comm.RemoteDevice

	// AxisMap converts axis names to controller channels
	AxisMap map[string]int

	// Rails bounds offsets set by PositioningFineDelta
	Rails stage.Rails

	log *zap.SugaredLogger

	mu      sync.Mutex
	offsets map[string]float64
}

// NewController returns a new Controller.  log may be nil.
func NewController(addr string, serial bool, log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	terms := comm.Terminators{Rx: '\n', Tx: []byte("\r\n")}
	rd := comm.NewRemoteDevice(addr, serial, &terms, makeSerConf(addr))
	c := &Controller{
		RemoteDevice: rd,
		AxisMap:      DefaultAxisMap,
		Rails:        stage.DefaultRails(),
		log:          log,
		offsets:      make(map[string]float64),
	}
	rd.OnConnect = func(conn *comm.Conn) error {
		return c.command(conn, "echo off")
	}
	return c
}

func (c *Controller) channel(axis string) (int, error) {
	ch, ok := c.AxisMap[axis]
	if !ok {
		// raw channel numbers are accepted as well
		n, err := strconv.Atoi(axis)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%w %q", ErrUnknownAxis, axis)
		}
		return n, nil
	}
	return ch, nil
}

// awaitAck reads up to two lines looking for OK or ERROR.  One stray line is
// tolerated; on ERROR it is taken to be the error message.
func (c *Controller) awaitAck(conn *comm.Conn, cmd string) error {
	var prev string
	for i := 0; i < 2; i++ {
		line, err := conn.Recv()
		if err != nil {
			return err
		}
		s := strings.TrimSpace(string(line))
		switch s {
		case ack:
			return nil
		case nak:
			return &Error{Cmd: cmd, Msg: prev}
		}
		if s != "" {
			c.log.Debugw("ignoring line", "cmd", cmd, "line", s)
		}
		prev = s
	}
	return fmt.Errorf("%w to %q, last line %q", ErrNoAck, cmd, prev)
}

func (c *Controller) command(conn *comm.Conn, cmd string) error {
	if err := conn.Send([]byte(cmd)); err != nil {
		return err
	}
	return c.awaitAck(conn, cmd)
}

func (c *Controller) query(conn *comm.Conn, cmd string) (string, error) {
	if err := conn.Send([]byte(cmd)); err != nil {
		return "", err
	}
	line, err := conn.Recv()
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(line))
	if s == nak {
		return "", &Error{Cmd: cmd}
	}
	if err := c.awaitAck(conn, cmd); err != nil {
		var e *Error
		if errors.As(err, &e) && e.Msg == "" {
			e.Msg = s
		}
		return "", err
	}
	return s, nil
}

// Send sends a command and waits for its acknowledgement
func (c *Controller) Send(cmd string) error {
	return c.Exchange(func(conn *comm.Conn) error {
		return c.command(conn, cmd)
	})
}

// Query sends a command and returns the value line of the response
func (c *Controller) Query(cmd string) (string, error) {
	var resp string
	err := c.Exchange(func(conn *comm.Conn) error {
		var err error
		resp, err = c.query(conn, cmd)
		return err
	})
	return resp, err
}

// parseValue extracts the value from a "name = value [unit]" response
func parseValue(resp string) (string, error) {
	fields := strings.Fields(resp)
	if len(fields) < 3 || fields[1] != "=" {
		return "", fmt.Errorf("%w %q", ErrParse, resp)
	}
	return fields[2], nil
}

// formatVolts formats a voltage at the controller's millivolt resolution
func formatVolts(v float64) string {
	return strconv.FormatFloat(mathx.Fixed(v, 3), 'f', -1, 64)
}

// PositioningCoarse takes n steps up or down
func (c *Controller) PositioningCoarse(axis string, up bool, n int) error {
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	cmd := "stepd"
	if up {
		cmd = "stepu"
	}
	return c.Send(fmt.Sprintf("%s %d %d", cmd, ch, n))
}

// GetOffsetVoltage queries the DC offset voltage of an axis
func (c *Controller) GetOffsetVoltage(axis string) (float64, error) {
	ch, err := c.channel(axis)
	if err != nil {
		return 0, err
	}
	resp, err := c.Query(fmt.Sprintf("geta %d", ch))
	if err != nil {
		return 0, err
	}
	val, err := parseValue(resp)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrParse, resp, err)
	}
	c.track(axis, f)
	return f, nil
}

func (c *Controller) track(axis string, v float64) {
	c.mu.Lock()
	c.offsets[axis] = v
	c.mu.Unlock()
}

// PositioningFineAbsolute sets the DC offset voltage of an axis
func (c *Controller) PositioningFineAbsolute(axis string, v float64) error {
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	err = c.Send(fmt.Sprintf("seta %d %s", ch, formatVolts(v)))
	if err != nil {
		return err
	}
	c.track(axis, v)
	return nil
}

// PositioningFineDelta reads the offset voltage of an axis and changes it by
// dv.  The result is clamped to Rails.
func (c *Controller) PositioningFineDelta(axis string, dv float64) error {
	cur, err := c.GetOffsetVoltage(axis)
	if err != nil {
		return err
	}
	return c.PositioningFineAbsolute(axis, c.Rails.Limits().Clamp(cur+dv))
}

// Offset returns the last offset voltage written to or read from the axis,
// querying the controller if none is known
func (c *Controller) Offset(axis string) (float64, error) {
	c.mu.Lock()
	v, ok := c.offsets[axis]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	return c.GetOffsetVoltage(axis)
}

// SetStepVoltage sets the amplitude of the coarse steps of an axis
func (c *Controller) SetStepVoltage(axis string, v float64) error {
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("setv %d %s", ch, formatVolts(v)))
}

// SetFrequency sets the coarse step frequency of an axis, in Hz
func (c *Controller) SetFrequency(axis string, hz int) error {
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("setf %d %d", ch, hz))
}

// SetFrequencies sets the step frequency of every mapped axis
func (c *Controller) SetFrequencies(hz int) error {
	var errs error
	for axis := range c.AxisMap {
		errs = multierr.Append(errs, c.SetFrequency(axis, hz))
	}
	return errs
}

// GetMode returns the operating mode of an axis
func (c *Controller) GetMode(axis string) (Mode, error) {
	ch, err := c.channel(axis)
	if err != nil {
		return "", err
	}
	resp, err := c.Query(fmt.Sprintf("getm %d", ch))
	if err != nil {
		return "", err
	}
	val, err := parseValue(resp)
	return Mode(val), err
}

// SetMode changes the operating mode of an axis if it differs from the
// current one
func (c *Controller) SetMode(axis string, m Mode) error {
	cur, err := c.GetMode(axis)
	if err != nil {
		return err
	}
	if cur == m {
		return nil
	}
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("setm %d %s", ch, m))
}

// SetModeAll sets the operating mode of every mapped axis
func (c *Controller) SetModeAll(m Mode) error {
	var errs error
	for axis := range c.AxisMap {
		errs = multierr.Append(errs, c.SetMode(axis, m))
	}
	return errs
}

// Wait blocks until the axis has finished stepping
func (c *Controller) Wait(axis string) error {
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("stepw %d", ch))
}

// Close grounds every axis and closes the connection
func (c *Controller) Close() error {
	err := c.SetModeAll(ModeGround)
	return multierr.Append(err, c.RemoteDevice.Close())
}
