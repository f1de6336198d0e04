package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/safemap"
)

// wsConn is a Conn over a WebSocket. Message boundaries carry no meaning;
// the payloads of binary messages form one byte stream.
type wsConn struct {
	id       uint64
	conn     *websocket.Conn
	endpoint string
	cfg      StreamConfig
	in       inbox

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, endpoint string, cfg StreamConfig) *wsConn {
	cfg = cfg.withDefaults()
	conn.SetReadLimit(int64(cfg.MaxBuffered))
	return &wsConn{
		id:       nextConnID(),
		conn:     conn,
		endpoint: endpoint,
		cfg:      cfg,
		in:       inbox{limit: cfg.MaxBuffered},
	}
}

// ID implements Conn.
func (c *wsConn) ID() uint64 {
	return c.id
}

// Endpoint implements Conn.
func (c *wsConn) Endpoint() string {
	return c.endpoint
}

// Read implements Conn.
func (c *wsConn) Read() ([]byte, error) {
	return c.in.take()
}

// Write implements Conn.
func (c *wsConn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

// Close implements Conn.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

func (c *wsConn) pump(onClosed func(err error)) {
	var err error
	for {
		var (
			kind int
			msg  []byte
		)
		kind, msg, err = c.conn.ReadMessage()
		if err != nil {
			break
		}

		if kind != websocket.BinaryMessage {
			continue
		}

		if !c.in.push(msg) {
			err = ErrInboxFull
			break
		}
	}

	c.in.fail(err)
	_ = c.Close()
	onClosed(err)
}

// WebSocketHandler is an http.Handler that upgrades requests to WebSocket
// connections and reports them to a transport Handler. Each connection's
// read pump runs on the request goroutine.
type WebSocketHandler struct {
	Logger logger.Logger

	upgrader websocket.Upgrader
	handler  Handler
	stream   StreamConfig
	conns    *safemap.SafeMap[uint64, *wsConn]
}

// NewWebSocketHandler creates a WebSocketHandler.
//
// Parameters:
//   - h: Receives accept and close events for every connection
//   - cfg: Per-connection buffer settings
//   - checkOrigin: Origin policy passed to the upgrader; nil applies the
//     same-origin default of gorilla/websocket
//   - log: Logger for upgrade failures
//
// Returns:
//   - A WebSocketHandler ready to be mounted on a router
func NewWebSocketHandler(h Handler, cfg StreamConfig, checkOrigin func(*http.Request) bool, log logger.Logger) *WebSocketHandler {
	if log == nil {
		log = logger.NewNopLogger()
	}

	cfg = cfg.withDefaults()
	return &WebSocketHandler{
		Logger: log.With(logger.Field{Key: "listener", Value: "websocket"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.ReadBufferSize,
			CheckOrigin:     checkOrigin,
		},
		handler: h,
		stream:  cfg,
		conns:   safemap.NewSafeMap[uint64, *wsConn](),
	}
}

// ServeHTTP implements http.Handler.
func (w *WebSocketHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.Logger.Warn("websocket upgrade failed", logger.Err(err), logger.Field{Key: "remote", Value: r.RemoteAddr})
		return
	}

	c := newWSConn(conn, r.RemoteAddr, w.stream)
	w.conns.Store(c.id, c)
	w.handler.OnAccepted(c)
	c.pump(func(err error) {
		w.conns.Delete(c.id)
		w.handler.OnClosed(c, err)
	})
}

// Close closes every live WebSocket connection.
func (w *WebSocketHandler) Close() {
	w.conns.Range(func(_ uint64, c *wsConn) bool {
		_ = c.Close()
		return true
	})
}

// Len returns the number of live connections.
func (w *WebSocketHandler) Len() int {
	return w.conns.Len()
}
