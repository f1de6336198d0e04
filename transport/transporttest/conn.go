// Package transporttest provides an in-memory transport.Conn for tests that
// drive the tick loop deterministically.
package transporttest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-tickserver/frame"
)

var lastID atomic.Uint64

// ErrWriteFailed is returned by Write after FailWrites.
var ErrWriteFailed = errors.New("transporttest: write failed")

// Conn is a scripted transport.Conn. Bytes handed to Feed are returned by
// the next Read; everything written is recorded.
type Conn struct {
	mu         sync.Mutex
	id         uint64
	endpoint   string
	in         []byte
	readErr    error
	written    []byte
	writeErr   error
	closed     bool
	closeCalls int
}

// NewConn returns a Conn whose endpoint is endpoint. An empty endpoint gets
// a unique loopback address.
func NewConn(endpoint string) *Conn {
	id := lastID.Add(1)
	if endpoint == "" {
		endpoint = fmt.Sprintf("127.0.0.1:%d", 10000+id)
	}

	return &Conn{id: id, endpoint: endpoint}
}

// ID implements transport.Conn.
func (c *Conn) ID() uint64 {
	return c.id
}

// Endpoint implements transport.Conn.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Read implements transport.Conn.
func (c *Conn) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) > 0 {
		p := c.in
		c.in = nil
		return p, nil
	}

	return nil, c.readErr
}

// Write implements transport.Conn.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}

	c.written = append(c.written, p...)
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCalls++
	return nil
}

// Feed queues raw bytes for the next Read.
func (c *Conn) Feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, p...)
}

// FeedFrame queues payload wrapped in one frame.
func (c *Conn) FeedFrame(payload []byte) {
	c.Feed(frame.Encode(payload))
}

// FailReads makes Read return err once queued bytes are consumed.
func (c *Conn) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// FailWrites makes every later Write fail.
func (c *Conn) FailWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = ErrWriteFailed
}

// Written returns a copy of everything written so far.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// Frames splits everything written so far into frame payloads.
func (c *Conn) Frames() ([][]byte, error) {
	d := frame.NewDeframer(0)
	d.Feed(c.Written())

	var out [][]byte
	for {
		p, ok, err := d.Next()
		if err != nil {
			return out, err
		}

		if !ok {
			return out, nil
		}

		out = append(out, append([]byte(nil), p...))
	}
}

// Reset forgets everything written so far.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
