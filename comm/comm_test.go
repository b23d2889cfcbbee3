package comm_test

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/zlock/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

type fakeConn struct {
	bytes.Buffer
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func countingMaker() (comm.CreationFunc, *[]*fakeConn, *sync.Mutex) {
	var (
		made []*fakeConn
		mu   sync.Mutex
	)
	return func() (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		c := &fakeConn{}
		made = append(made, c)
		return c, nil
	}, &made, &mu
}

func TestPoolReusesConnection(t *testing.T) {
	maker, made, mu := countingMaker()
	pool := comm.NewPool(2, time.Minute, maker)
	for i := 0; i < 5; i++ {
		rw, err := pool.Get()
		require.NoError(t, err)
		pool.Put(rw)
	}
	mu.Lock()
	assert.Len(t, *made, 1)
	mu.Unlock()
	assert.Equal(t, 1, pool.Size())
	assert.Equal(t, 0, pool.Active())
}

func TestPoolMaintainsSize(t *testing.T) {
	maker, _, _ := countingMaker()
	pool := comm.NewPool(1, time.Minute, maker)
	held, err := pool.Get()
	require.NoError(t, err)

	newConn := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		newConn <- rw
	}()
	select {
	case <-newConn:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Put(held)
	select {
	case rw := <-newConn:
		assert.Equal(t, held, rw)
	case <-time.After(time.Second):
		t.Fatal("waiting Get was not released by Put")
	}
}

func TestPoolReclaimsIdle(t *testing.T) {
	maker, made, mu := countingMaker()
	pool := comm.NewPool(1, 10*time.Millisecond, maker)
	rw, err := pool.Get()
	require.NoError(t, err)
	pool.Put(rw)
	assert.Eventually(t, func() bool { return pool.Size() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.True(t, (*made)[0].isClosed())
	mu.Unlock()
}

func TestPoolDestroy(t *testing.T) {
	maker, made, mu := countingMaker()
	pool := comm.NewPool(1, time.Minute, maker)
	rw, err := pool.Get()
	require.NoError(t, err)
	pool.Destroy(rw)
	assert.Equal(t, 0, pool.Size())
	_, err = pool.Get()
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, *made, 2)
	assert.True(t, (*made)[0].isClosed())
	mu.Unlock()
}

func TestConnOverTCP(t *testing.T) {
	addr := tcpEchoServer(t)
	raw, err := comm.Dial(addr, false, nil, time.Second)
	require.NoError(t, err)
	c := comm.NewConn(raw, comm.Terminators{Rx: '\n', Tx: []byte("\r\n")}, time.Second)
	defer c.Close()

	resp, err := c.SendRecv([]byte("stepu 3 1"))
	require.NoError(t, err)
	assert.Equal(t, "stepu 3 1", string(resp))
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	start := time.Now()
	_, err = comm.Dial(addr, false, nil, time.Second)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialSerialNeedsConfig(t *testing.T) {
	_, err := comm.Dial("/dev/ttyUSB9", true, nil, time.Second)
	assert.ErrorIs(t, err, comm.ErrNoSerialConf)
}

func TestRemoteDeviceGreetsOnce(t *testing.T) {
	greetings := 0
	rd := comm.NewRemoteDevice("pipe", false, &comm.Terminators{Rx: '\n', Tx: []byte("\n")}, nil)
	rd.Maker = func() (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() { io.Copy(server, server) }()
		return client, nil
	}
	rd.OnConnect = func(c *comm.Conn) error {
		greetings++
		_, err := c.SendRecv([]byte("echo off"))
		return err
	}
	for i := 0; i < 3; i++ {
		resp, err := rd.SendRecv([]byte("geta 3"))
		require.NoError(t, err)
		assert.Equal(t, "geta 3", string(resp))
	}
	assert.Equal(t, 1, greetings)
	assert.NoError(t, rd.Close())
}
