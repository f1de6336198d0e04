package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// DialConfig configures an outgoing connection.
type DialConfig struct {
	// Address is the "host:port" to connect to.
	Address string
	// ConnectionTimeout bounds the connection attempt.
	ConnectionTimeout time.Duration
	// TLS wraps the connection in TLS when non-nil.
	TLS *tls.Config
	// Stream tunes the connection buffers.
	Stream StreamConfig
	// OnClosed, if set, is called from the read pump when the connection
	// stops.
	OnClosed func(c Conn, err error)
}

// DefaultDialConfig returns a DialConfig for address with a 10 second
// connection timeout and default buffers.
func DefaultDialConfig(address string) DialConfig {
	return DialConfig{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		Stream:            DefaultStreamConfig(),
	}
}

// DialContext connects to cfg.Address and returns a running Conn.
//
// Parameters:
//   - ctx: Cancels the connection attempt
//   - cfg: Address, timeout, TLS and buffer settings
//
// Returns:
//   - The connected Conn, with its read pump started
//   - An error if the connection could not be established
func DialContext(ctx context.Context, cfg DialConfig) (Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}

	var (
		nc  net.Conn
		err error
	)
	if cfg.TLS != nil {
		td := tls.Dialer{NetDialer: &dialer, Config: cfg.TLS}
		nc, err = td.DialContext(ctx, "tcp", cfg.Address)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	}

	if err != nil {
		return nil, err
	}

	c := newStreamConn(nc, cfg.Stream)
	go c.pump(func(err error) {
		if cfg.OnClosed != nil {
			cfg.OnClosed(c, err)
		}
	})

	return c, nil
}

// Dial connects in a goroutine and reports the outcome through exactly one
// of the two callbacks.
//
// Parameters:
//   - ctx: Cancels the connection attempt
//   - cfg: Address, timeout, TLS and buffer settings
//   - onConnected: Called with the connection on success
//   - onConnectFailed: Called with the error on failure
func Dial(ctx context.Context, cfg DialConfig, onConnected func(Conn), onConnectFailed func(error)) {
	go func() {
		c, err := DialContext(ctx, cfg)
		if err != nil {
			if onConnectFailed != nil {
				onConnectFailed(err)
			}

			return
		}

		if onConnected != nil {
			onConnected(c)
		}
	}()
}
