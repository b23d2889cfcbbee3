/*Package comm provides embeddable types for communication with lab hardware
over serial or TCP links.

Most usages of this package will boil down to:
	1.  embed a *RemoteDevice in a type that represents your hardware.
	2.  set Terms to the device's termination bytes.  If the device needs a
		greeting (disabling echo, selecting a mode) set OnConnect.
	3.  wrap each command/response exchange in Exchange, which leases the
		connection, runs the exchange, and returns the connection to the pool.

A minimal example is provided below for a temperature sensor that responds to
"RD?" with the current temperature

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) ReadTemp() (float64, error) {
		resp, err := ms.SendRecv([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nasa-jpl/zlock/util"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial device is opened without a serial.Config
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the receipt and transmission terminators
type Terminators struct {
	// Rx ends a received line.  A '\r' preceding Rx is also stripped.
	Rx byte

	// Tx is appended to every transmission
	Tx []byte
}

// DefaultTerminators are carriage returns in both directions
var DefaultTerminators = Terminators{Rx: '\r', Tx: []byte{'\r'}}

// Dial opens a connection to addr, a serial port if isSerial is true,
// otherwise a TCP host:port.  Opens are retried with an exponential backoff
// for up to three seconds unless the remote actively refuses.
func Dial(addr string, isSerial bool, conf *serial.Config, timeout time.Duration) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	op := func() error {
		var err error
		if isSerial {
			if conf == nil {
				return backoff.Permanent(ErrNoSerialConf)
			}
			conn, err = serial.OpenPort(conf)
		} else {
			conn, err = util.TCPSetup(addr, timeout)
		}
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, nil
}

// Conn is a line oriented connection.  It is not concurrent safe; the pool
// hands each Conn to one user at a time.
type Conn struct {
	rwc     io.ReadWriteCloser
	rdr     *bufio.Reader
	terms   Terminators
	timeout time.Duration
}

// NewConn wraps rwc for line oriented exchanges.  If rwc is a net.Conn, each
// Send and Recv sets a deadline of timeout (when positive).
func NewConn(rwc io.ReadWriteCloser, terms Terminators, timeout time.Duration) *Conn {
	return &Conn{rwc: rwc, rdr: bufio.NewReader(rwc), terms: terms, timeout: timeout}
}

func (c *Conn) deadline() {
	if nc, ok := c.rwc.(net.Conn); ok && c.timeout > 0 {
		nc.SetDeadline(time.Now().Add(c.timeout))
	}
}

// Read satisfies io.Reader through the line buffer
func (c *Conn) Read(p []byte) (int, error) {
	return c.rdr.Read(p)
}

// Write satisfies io.Writer
func (c *Conn) Write(p []byte) (int, error) {
	return c.rwc.Write(p)
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// Send writes b followed by the Tx terminator
func (c *Conn) Send(b []byte) error {
	c.deadline()
	buf := make([]byte, 0, len(b)+len(c.terms.Tx))
	buf = append(buf, b...)
	buf = append(buf, c.terms.Tx...)
	_, err := c.rwc.Write(buf)
	return err
}

// Recv reads one line and strips the Rx terminator
func (c *Conn) Recv() ([]byte, error) {
	c.deadline()
	term := c.terms.Rx
	buf, err := c.rdr.ReadBytes(term)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = buf[:len(buf)-1]
	return bytes.TrimSuffix(buf, []byte{'\r'}), nil
}

// SendRecv sends b then returns one line of response
func (c *Conn) SendRecv(b []byte) ([]byte, error) {
	if err := c.Send(b); err != nil {
		return nil, err
	}
	return c.Recv()
}
