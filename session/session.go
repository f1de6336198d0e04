// Package session holds the server-side view of a client: the Session value
// that survives transport reconnects, and the Registry that tracks which
// lifecycle set each session belongs to.
//
// Everything in this package is owned by the tick goroutine and is not safe
// for concurrent use.
package session

import (
	"github.com/cyberinferno/go-tickserver/databuffer"
	"github.com/cyberinferno/go-tickserver/frame"
	"github.com/cyberinferno/go-tickserver/transport"
)

// Channel identifies which listener a connection arrived on.
type Channel uint8

const (
	// ChannelPrimary is the game listener. Sessions finish their handshake
	// and become active here.
	ChannelPrimary Channel = iota
	// ChannelAuth is the separate authentication listener. Sessions that
	// authenticate here are parked until they reconnect on the primary one.
	ChannelAuth
)

// String returns the channel name.
func (c Channel) String() string {
	if c == ChannelAuth {
		return "auth"
	}

	return "primary"
}

// DisconnectFunc is notified once when a session closes.
type DisconnectFunc func(s *Session, cause error)

type subscriber struct {
	id uint64
	fn DisconnectFunc
}

// Session is a client's logical connection. Its identity, flags and values
// are stable across reconnects; only the transport handle is swapped.
type Session struct {
	id            uint32
	conn          transport.Conn
	endpoint      string
	channel       Channel
	authenticated bool
	connected     bool
	closed        bool

	outgoing *databuffer.DataBuffer
	deframer *frame.Deframer
	residue  []byte

	subscribers []subscriber
	lastSub     uint64
	values      map[string]any
}

// New creates a connected Session over conn.
//
// Parameters:
//   - conn: The transport connection
//   - channel: The listener the connection arrived on
//   - maxFrame: Largest accepted frame payload; 0 selects the frame default
//
// Returns:
//   - A Session without identity
func New(conn transport.Conn, channel Channel, maxFrame int) *Session {
	return &Session{
		conn:      conn,
		endpoint:  conn.Endpoint(),
		channel:   channel,
		connected: true,
		outgoing:  databuffer.New(),
		deframer:  frame.NewDeframer(maxFrame),
	}
}

// ID returns the assigned identity, or 0 before the handshake assigns one.
func (s *Session) ID() uint32 {
	return s.id
}

// Endpoint returns the remote address of the current transport connection.
func (s *Session) Endpoint() string {
	return s.endpoint
}

// Channel returns the listener the current connection arrived on.
func (s *Session) Channel() Channel {
	return s.channel
}

// Conn returns the current transport connection, or nil while parked.
func (s *Session) Conn() transport.Conn {
	return s.conn
}

// Authenticated reports whether the authentication phase completed.
func (s *Session) Authenticated() bool {
	return s.authenticated
}

// SetAuthenticated marks the authentication phase as complete.
func (s *Session) SetAuthenticated() {
	s.authenticated = true
}

// Connected reports whether a transport connection is attached.
func (s *Session) Connected() bool {
	return s.connected
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.closed
}

// Outgoing returns the session's individual outgoing buffer. Its contents
// are sent as one frame at the next flush.
func (s *Session) Outgoing() *databuffer.DataBuffer {
	return s.outgoing
}

// Set stores an application value on the session.
func (s *Session) Set(key string, value any) {
	if s.values == nil {
		s.values = make(map[string]any)
	}

	s.values[key] = value
}

// Value returns an application value stored with Set.
func (s *Session) Value(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// OnDisconnect subscribes fn to the session's close. Subscribers run in
// subscription order.
//
// Parameters:
//   - fn: Called once with the session and the disconnect cause
//
// Returns:
//   - A function that removes the subscription; calling it again is a no-op
func (s *Session) OnDisconnect(fn DisconnectFunc) (unsubscribe func()) {
	s.lastSub++
	id := s.lastSub
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})

	return func() {
		for i, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Receive moves every byte the transport has received into the deframer.
//
// Returns:
//   - The number of bytes received
//   - A transport error once the connection has failed or closed
func (s *Session) Receive() (int, error) {
	if s.conn == nil {
		return 0, nil
	}

	p, err := s.conn.Read()
	s.deframer.Feed(p)
	if err != nil {
		return len(p), TransportError(err)
	}

	return len(p), nil
}

// NextMessage returns the next complete frame payload. The payload is only
// valid until the next Receive.
func (s *Session) NextMessage() ([]byte, bool, error) {
	p, ok, err := s.deframer.Next()
	if err != nil {
		return nil, false, ProtocolError(err)
	}

	return p, ok, nil
}

// TakeResidue appends the unread handshake bytes kept by KeepResidue to dst
// and forgets them.
func (s *Session) TakeResidue(dst *databuffer.DataBuffer) {
	if len(s.residue) > 0 {
		dst.PutBytes(s.residue)
		s.residue = s.residue[:0]
	}
}

// PullFrame appends the next complete frame payload to dst. Handshake
// consumers read the frames pulled this way as one continuous stream.
//
// Returns:
//   - Whether a frame was appended
//   - A protocol error if the next frame is oversized
func (s *Session) PullFrame(dst *databuffer.DataBuffer) (bool, error) {
	p, ok, err := s.NextMessage()
	if err != nil || !ok {
		return false, err
	}

	dst.PutBytes(p)
	return true, nil
}

// KeepResidue saves the unread part of a handshake stream for the next tick.
func (s *Session) KeepResidue(p []byte) {
	s.residue = append(s.residue[:0], p...)
}

// WriteFrame sends payload as one frame right away.
func (s *Session) WriteFrame(payload []byte) error {
	if s.conn == nil {
		return nil
	}

	if err := s.conn.Write(frame.Encode(payload)); err != nil {
		return TransportError(err)
	}

	return nil
}

// Flush sends the outgoing buffer as one frame if it is not empty, then
// clears it.
func (s *Session) Flush() error {
	if s.outgoing.Len() == 0 || s.conn == nil {
		return nil
	}

	err := s.WriteFrame(s.outgoing.Bytes())
	s.outgoing.Reset()
	return err
}

// Close closes the transport connection and notifies subscribers with
// cause. Only the first call has any effect.
func (s *Session) Close(cause error) {
	if s.closed {
		return
	}

	s.closed = true
	s.connected = false
	if s.conn != nil {
		_ = s.conn.Close()
	}

	subs := append([]subscriber(nil), s.subscribers...)
	for _, sub := range subs {
		sub.fn(s, cause)
	}
}

// detach releases the transport connection without closing the session.
func (s *Session) detach() transport.Conn {
	c := s.conn
	s.conn = nil
	s.connected = false
	s.residue = s.residue[:0]
	s.outgoing.Reset()
	return c
}

// adopt moves the connection state of from into s. from is left detached
// and marked closed without notifying its subscribers.
func (s *Session) adopt(from *Session) {
	s.conn = from.conn
	s.endpoint = from.endpoint
	s.channel = from.channel
	s.deframer = from.deframer
	s.residue = append(s.residue[:0], from.residue...)
	s.connected = true
	s.outgoing.PutBytes(from.outgoing.Bytes())

	from.conn = nil
	from.connected = false
	from.closed = true
	from.outgoing.Reset()
}
