package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/safemap"
)

// Listener accepts TCP connections, optionally wrapped in TLS, and reports
// them to a Handler. Live connections are tracked so Stop can close them.
type Listener struct {
	Logger    logger.Logger
	Name      string
	Addr      string
	TLSConfig *tls.Config
	Stream    StreamConfig

	listener net.Listener
	conns    *safemap.SafeMap[uint64, *streamConn]
	running  atomic.Bool
	handler  Handler

	// mu orders connection registration against Stop.
	mu sync.Mutex
	wg sync.WaitGroup
}

// NewListener creates a Listener for addr. A nil tlsConfig serves plain TCP.
//
// Parameters:
//   - name: Name used in log entries (e.g. "primary", "auth")
//   - addr: The "host:port" to bind; port 0 picks a free port
//   - tlsConfig: TLS settings, or nil
//   - cfg: Per-connection buffer settings
//   - log: Logger for lifecycle and accept errors
//
// Returns:
//   - A Listener ready for Start
func NewListener(name, addr string, tlsConfig *tls.Config, cfg StreamConfig, log logger.Logger) *Listener {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Listener{
		Logger:    log.With(logger.Field{Key: "listener", Value: name}),
		Name:      name,
		Addr:      addr,
		TLSConfig: tlsConfig,
		Stream:    cfg.withDefaults(),
		conns:     safemap.NewSafeMap[uint64, *streamConn](),
	}
}

// Start binds Addr and runs the accept loop in a goroutine.
//
// Parameters:
//   - h: Receives accept and close events for every connection
//
// Returns:
//   - An error if the listener is already running or binding fails
func (l *Listener) Start(h Handler) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s already running", l.Name)
	}

	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		l.Logger.Error("listener failed to start", logger.Err(err))
		return fmt.Errorf("listener %s failed to start: %w", l.Name, err)
	}

	if l.TLSConfig != nil {
		ln = tls.NewListener(ln, l.TLSConfig)
	}

	l.listener = ln
	l.handler = h
	l.running.Store(true)
	l.wg.Add(1)

	l.Logger.Info("listener started", logger.Field{Key: "addr", Value: ln.Addr().String()}, logger.Field{Key: "tls", Value: l.TLSConfig != nil})
	go l.acceptLoop()

	return nil
}

// Stop closes the listening socket and every live connection, then waits
// for the accept loop and the read pumps to exit. A connection accepted
// while Stop runs is closed before it is reported. Safe to call when not
// running.
func (l *Listener) Stop() {
	l.mu.Lock()
	wasRunning := l.running.Swap(false)
	l.mu.Unlock()
	if !wasRunning {
		return
	}

	_ = l.listener.Close()
	l.conns.Range(func(_ uint64, c *streamConn) bool {
		_ = c.Close()
		return true
	})

	l.wg.Wait()
	l.Logger.Info("listener stopped")
}

// Address returns the bound address, or nil before Start.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}

	return l.listener.Addr()
}

// Len returns the number of live connections.
func (l *Listener) Len() int {
	return l.conns.Len()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for l.running.Load() {
		nc, err := l.listener.Accept()
		if err != nil {
			if !l.running.Load() {
				return
			}

			l.Logger.Error("accept error", logger.Err(err))
			continue
		}

		c, ok := l.register(nc)
		if !ok {
			_ = nc.Close()
			return
		}

		l.handler.OnAccepted(c)
		go func() {
			defer l.wg.Done()
			c.pump(func(err error) {
				l.conns.Delete(c.id)
				l.handler.OnClosed(c, err)
			})
		}()
	}
}

// register tracks nc unless Stop has already run.
func (l *Listener) register(nc net.Conn) (*streamConn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return nil, false
	}

	c := newStreamConn(nc, l.Stream)
	l.conns.Store(c.id, c)
	l.wg.Add(1)
	return c, true
}
