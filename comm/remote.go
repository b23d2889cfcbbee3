package comm

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// DefaultIdleTimeout is how long an unused connection is held before it is closed
const DefaultIdleTimeout = 10 * time.Minute

/*RemoteDevice has an address and exchanges lines with it

The connection is held in a Pool of size one, so exchanges are serialized and
the link is released after the idle timeout.  OnConnect runs on every new
connection before it is used.
*/
type RemoteDevice struct {
	Addr    string
	Serial  bool
	Timeout time.Duration
	Terms   Terminators
	SerCfg  *serial.Config

	// OnConnect is called with each freshly opened connection
	OnConnect func(*Conn) error

	// Maker overrides how raw connections are made; nil uses Dial
	Maker CreationFunc

	once sync.Once
	pool *Pool
	idle time.Duration
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms may be nil for
// DefaultTerminators.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, serCfg *serial.Config) *RemoteDevice {
	t := DefaultTerminators
	if terms != nil {
		t = *terms
	}
	return &RemoteDevice{
		Addr:    addr,
		Serial:  serial,
		Timeout: 3 * time.Second,
		Terms:   t,
		SerCfg:  serCfg,
		idle:    DefaultIdleTimeout,
	}
}

// SetIdleTimeout changes how long an unused connection is held open.  It must
// be called before the first exchange.
func (rd *RemoteDevice) SetIdleTimeout(d time.Duration) {
	rd.idle = d
}

func (rd *RemoteDevice) init() {
	rd.once.Do(func() {
		maker := rd.Maker
		if maker == nil {
			maker = func() (io.ReadWriteCloser, error) {
				return Dial(rd.Addr, rd.Serial, rd.SerCfg, rd.Timeout)
			}
		}
		idle := rd.idle
		if idle <= 0 {
			idle = DefaultIdleTimeout
		}
		rd.pool = NewPool(1, idle, func() (io.ReadWriteCloser, error) {
			raw, err := maker()
			if err != nil {
				return nil, err
			}
			c := NewConn(raw, rd.Terms, rd.Timeout)
			if rd.OnConnect != nil {
				if err := rd.OnConnect(c); err != nil {
					c.Close()
					return nil, err
				}
			}
			return c, nil
		})
	})
}

// Exchange leases the connection and calls fn with it.  If fn returns an
// I/O error the connection is discarded, otherwise it is returned to the pool.
func (rd *RemoteDevice) Exchange(fn func(*Conn) error) error {
	rd.init()
	rw, err := rd.pool.Get()
	if err != nil {
		return err
	}
	c := rw.(*Conn)
	err = fn(c)
	if isIOError(err) {
		rd.pool.Destroy(c)
		return err
	}
	rd.pool.Put(c)
	return err
}

// SendRecv sends b and returns one line of response
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	var resp []byte
	err := rd.Exchange(func(c *Conn) error {
		var err error
		resp, err = c.SendRecv(b)
		return err
	})
	return resp, err
}

// Close closes any idle connection
func (rd *RemoteDevice) Close() error {
	rd.init()
	return rd.pool.Close()
}

func isIOError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe || err == ErrTerminatorNotFound {
		return true
	}
	_, ok := err.(net.Error)
	return ok
}
