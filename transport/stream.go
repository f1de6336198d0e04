package transport

import (
	"net"
	"sync"
	"time"
)

// streamConn is a Conn over a net.Conn, plain TCP or TLS.
type streamConn struct {
	id       uint64
	conn     net.Conn
	endpoint string
	cfg      StreamConfig
	in       inbox

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(conn net.Conn, cfg StreamConfig) *streamConn {
	cfg = cfg.withDefaults()
	return &streamConn{
		id:       nextConnID(),
		conn:     conn,
		endpoint: conn.RemoteAddr().String(),
		cfg:      cfg,
		in:       inbox{limit: cfg.MaxBuffered},
	}
}

// ID implements Conn.
func (c *streamConn) ID() uint64 {
	return c.id
}

// Endpoint implements Conn.
func (c *streamConn) Endpoint() string {
	return c.endpoint
}

// Read implements Conn.
func (c *streamConn) Read() ([]byte, error) {
	return c.in.take()
}

// Write implements Conn.
func (c *streamConn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}

	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if err != nil {
			return err
		}

		p = p[n:]
	}

	return nil
}

// Close implements Conn.
func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// pump reads until the connection fails, then records the error and calls
// onClosed exactly once.
func (c *streamConn) pump(onClosed func(err error)) {
	buf := make([]byte, c.cfg.ReadBufferSize)
	var err error
	for {
		var n int
		n, err = c.conn.Read(buf)
		if n > 0 && !c.in.push(buf[:n]) {
			err = ErrInboxFull
			break
		}

		if err != nil {
			break
		}
	}

	c.in.fail(err)
	_ = c.Close()
	onClosed(err)
}
