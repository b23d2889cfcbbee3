package comm

import (
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	leases  chan struct{}           // one token per connection given out, cap == max size
	idle    chan io.ReadWriteCloser // connections waiting to be reused
	timeout time.Duration           // time after all connections are returned to free them
	maker   CreationFunc

	mu    sync.Mutex
	timer *time.Timer // reclaims idle connections
}

// NewPool returns a pool of at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		leases:  make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
		timeout: timeout,
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.leases <- struct{}{}
	p.stopReclaim()
	select {
	case c := <-p.idle:
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.leases
		return nil, err
	}
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	p.idle <- rw.(io.ReadWriteCloser)
	<-p.leases
	if len(p.leases) == 0 {
		p.startReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	<-p.leases
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.idle) + len(p.leases)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.leases)
}

// Close frees all idle connections
func (p *Pool) Close() error {
	p.stopReclaim()
	return p.reclaim()
}

func (p *Pool) stopReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pool) startReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, func() { p.reclaim() })
}

// reclaim closes every idle connection
func (p *Pool) reclaim() error {
	var err error
	for {
		select {
		case c := <-p.idle:
			err = multierr.Append(err, c.Close())
		default:
			return err
		}
	}
}
