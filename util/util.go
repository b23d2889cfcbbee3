// Package util contains misc internal utilities.
package util

import (
	"math"
	"net"
	"time"
)

// Clamp limits x to the range [low, high]
func Clamp(x, low, high float64) float64 {
	return math.Max(low, math.Min(x, high))
}

// Limiter imposes software limits on a value
type Limiter struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// Check returns true if Min <= x <= Max
func (l Limiter) Check(x float64) bool {
	return x >= l.Min && x <= l.Max
}

// Clamp limits x to [Min, Max]
func (l Limiter) Clamp(x float64) float64 {
	return Clamp(x, l.Min, l.Max)
}

// SecsToDuration converts a float of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
