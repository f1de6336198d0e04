package transport

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	accepted []Conn
	closed   []error
	acceptCh chan Conn
	closeCh  chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		acceptCh: make(chan Conn, 8),
		closeCh:  make(chan error, 8),
	}
}

func (h *recordingHandler) OnAccepted(c Conn) {
	h.mu.Lock()
	h.accepted = append(h.accepted, c)
	h.mu.Unlock()
	h.acceptCh <- c
}

func (h *recordingHandler) OnClosed(_ Conn, err error) {
	h.mu.Lock()
	h.closed = append(h.closed, err)
	h.mu.Unlock()
	h.closeCh <- err
}

func waitConn(t *testing.T, ch <-chan Conn) Conn {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func readUntil(t *testing.T, c Conn, n int) []byte {
	t.Helper()
	var got []byte
	require.Eventually(t, func() bool {
		p, _ := c.Read()
		got = append(got, p...)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)

	return got
}

func TestListener_TCP(t *testing.T) {
	h := newRecordingHandler()
	l := NewListener("test", "127.0.0.1:0", nil, StreamConfig{}, nil)
	require.NoError(t, l.Start(h))
	defer l.Stop()

	t.Run("second start fails", func(t *testing.T) {
		assert.Error(t, l.Start(h))
	})

	client, err := DialContext(context.Background(), DefaultDialConfig(l.Address().String()))
	require.NoError(t, err)
	defer client.Close()

	server := waitConn(t, h.acceptCh)
	assert.NotEqual(t, client.ID(), server.ID())
	assert.True(t, strings.HasPrefix(server.Endpoint(), "127.0.0.1:"))

	t.Run("read returns nothing without blocking", func(t *testing.T) {
		p, err := server.Read()
		assert.NoError(t, err)
		assert.Empty(t, p)
	})

	t.Run("bytes flow both ways", func(t *testing.T) {
		require.NoError(t, client.Write([]byte("ping")))
		assert.Equal(t, []byte("ping"), readUntil(t, server, 4))

		require.NoError(t, server.Write([]byte("pong!")))
		assert.Equal(t, []byte("pong!"), readUntil(t, client, 5))
	})

	t.Run("peer close surfaces EOF after data", func(t *testing.T) {
		require.NoError(t, client.Write([]byte("bye")))
		require.NoError(t, client.Close())

		select {
		case err := <-h.closeCh:
			assert.ErrorIs(t, err, io.EOF)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for close")
		}

		p, err := server.Read()
		assert.NoError(t, err)
		assert.Equal(t, []byte("bye"), p)

		_, err = server.Read()
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, 0, l.Len())
	})
}

func TestListener_StopClosesConnections(t *testing.T) {
	h := newRecordingHandler()
	l := NewListener("test", "127.0.0.1:0", nil, StreamConfig{}, nil)
	require.NoError(t, l.Start(h))

	client, err := DialContext(context.Background(), DefaultDialConfig(l.Address().String()))
	require.NoError(t, err)
	defer client.Close()
	waitConn(t, h.acceptCh)

	l.Stop()
	assert.Equal(t, 0, l.Len())
	l.Stop()
}

// gatedHandler blocks OnAccepted until release is closed.
type gatedHandler struct {
	entered chan Conn
	release chan struct{}
}

func (h *gatedHandler) OnAccepted(c Conn) {
	h.entered <- c
	<-h.release
}

func (h *gatedHandler) OnClosed(Conn, error) {}

func TestListener_StopDuringAccept(t *testing.T) {
	h := &gatedHandler{entered: make(chan Conn, 1), release: make(chan struct{})}
	l := NewListener("test", "127.0.0.1:0", nil, StreamConfig{}, nil)
	require.NoError(t, l.Start(h))

	client, err := DialContext(context.Background(), DefaultDialConfig(l.Address().String()))
	require.NoError(t, err)
	defer client.Close()
	waitConn(t, h.entered)

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while the accept loop was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.Equal(t, 0, l.Len())
	require.Eventually(t, func() bool {
		_, err := client.Read()
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDial(t *testing.T) {
	t.Run("reports failure through callback", func(t *testing.T) {
		failed := make(chan error, 1)
		cfg := DefaultDialConfig("127.0.0.1:1")
		cfg.ConnectionTimeout = time.Second
		Dial(context.Background(), cfg, func(Conn) { t.Error("unexpected connect") }, func(err error) { failed <- err })

		select {
		case err := <-failed:
			assert.Error(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("no failure callback")
		}
	})

	t.Run("reports success through callback", func(t *testing.T) {
		h := newRecordingHandler()
		l := NewListener("test", "127.0.0.1:0", nil, StreamConfig{}, nil)
		require.NoError(t, l.Start(h))
		defer l.Stop()

		connected := make(chan Conn, 1)
		Dial(context.Background(), DefaultDialConfig(l.Address().String()), func(c Conn) { connected <- c }, nil)

		c := waitConn(t, connected)
		defer c.Close()
		waitConn(t, h.acceptCh)
	})
}

func TestInbox_Limit(t *testing.T) {
	b := inbox{limit: 4}
	assert.True(t, b.push([]byte("abc")))
	assert.False(t, b.push([]byte("de")))

	p, err := b.take()
	assert.NoError(t, err)
	assert.Equal(t, []byte("abc"), p)

	_, err = b.take()
	assert.ErrorIs(t, err, ErrInboxFull)
}

func TestWebSocketHandler(t *testing.T) {
	h := newRecordingHandler()
	ws := NewWebSocketHandler(h, StreamConfig{}, nil, nil)
	srv := httptest.NewServer(ws)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	server := waitConn(t, h.acceptCh)
	assert.Equal(t, 1, ws.Len())

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{3}))
	assert.Equal(t, []byte{1, 2, 3}, readUntil(t, server, 3))

	require.NoError(t, server.Write([]byte{9, 9}))
	kind, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{9, 9}, msg)

	require.NoError(t, client.Close())
	select {
	case err := <-h.closeCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}

	ws.Close()
}
