// Package transport adapts sockets to the non-blocking connection model the
// tick loop consumes. Each connection runs a read pump goroutine that parks
// received bytes in an inbox; the tick goroutine drains the inbox with Read
// and never blocks on the network.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is one transport connection as seen from the tick goroutine.
type Conn interface {
	// ID returns a process-unique connection number.
	ID() uint64

	// Endpoint returns the remote address in host:port form.
	Endpoint() string

	// Read returns every byte received since the previous call without
	// blocking. It returns nil, nil when nothing arrived. Once the connection
	// has failed or the peer has closed it, Read returns the remaining bytes
	// first and the terminal error on every later call.
	Read() ([]byte, error)

	// Write sends p in full or returns an error.
	Write(p []byte) error

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Handler receives connection lifecycle events. Both methods are called from
// I/O goroutines; implementations hand the work off to the tick goroutine.
type Handler interface {
	// OnAccepted is called once per accepted connection, before any
	// OnClosed for it.
	OnAccepted(c Conn)

	// OnClosed is called once when the read pump of c stops.
	OnClosed(c Conn, err error)
}

// ErrInboxFull is the terminal error of a connection whose peer sent more
// unread bytes than the configured limit.
var ErrInboxFull = errors.New("transport: receive buffer limit exceeded")

// StreamConfig tunes the per-connection buffers of listeners and dialers.
type StreamConfig struct {
	// ReadBufferSize is the size of the read pump's scratch buffer.
	ReadBufferSize int
	// MaxBuffered caps the bytes held in the inbox between two Reads.
	MaxBuffered int
	// WriteTimeout bounds a single Write; 0 disables the deadline.
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns the buffer settings used when none are given.
//
// Returns:
//   - A StreamConfig with a 4 KiB read buffer, a 4 MiB inbox limit and a
//     10 second write timeout
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReadBufferSize: 4096,
		MaxBuffered:    4 << 20,
		WriteTimeout:   10 * time.Second,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	d := DefaultStreamConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}

	if c.MaxBuffered <= 0 {
		c.MaxBuffered = d.MaxBuffered
	}

	return c
}

var lastConnID atomic.Uint64

func nextConnID() uint64 {
	return lastConnID.Add(1)
}

// inbox holds bytes between the read pump and the tick goroutine.
type inbox struct {
	mu    sync.Mutex
	buf   []byte
	err   error
	limit int
}

// push appends p and reports false if the limit is exceeded.
func (b *inbox) push(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return false
	}

	if len(b.buf)+len(p) > b.limit {
		b.err = ErrInboxFull
		return false
	}

	b.buf = append(b.buf, p...)
	return true
}

func (b *inbox) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *inbox) take() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		p := b.buf
		b.buf = nil
		return p, nil
	}

	return nil, b.err
}
