package server

import (
	"github.com/cyberinferno/go-tickserver/session"
)

// Send appends value to the outgoing buffer of sess. It goes out in the
// session's next frame, after everything sent to it before.
//
// Parameters:
//   - sess: The recipient
//   - value: An int32, int64, int, float32, float64, byte, bool, string,
//     []byte (sent as a blob), *databuffer.DataBuffer or
//     databuffer.Serializable
//
// Returns:
//   - databuffer.ErrUnsupportedType for any other value
func (s *Server) Send(sess *session.Session, value any) error {
	return sess.Outgoing().Put(value)
}

// Broadcast sends value to every active session.
//
// A streamed value is appended to the shared stream buffer, which is sent
// once at the end of the tick to the sessions active at that moment. A
// value that is not streamed is appended to the outgoing buffer of each
// session active now, so a session that becomes active later this tick
// does not receive it.
//
// Parameters:
//   - value: Any value accepted by Send
//   - streamed: Whether to use the shared stream buffer
//
// Returns:
//   - databuffer.ErrUnsupportedType if value cannot be encoded
func (s *Server) Broadcast(value any, streamed bool) error {
	if streamed {
		return s.stream.Put(value)
	}

	for _, sess := range s.registry.Active() {
		if err := sess.Outgoing().Put(value); err != nil {
			return err
		}
	}

	return nil
}

// SendNow flushes the outgoing buffer of sess immediately instead of at the
// end of the tick. A write failure disconnects sess.
//
// Returns:
//   - The transport error, if any
func (s *Server) SendNow(sess *session.Session) error {
	if err := sess.Flush(); err != nil {
		s.disconnect(sess, err)
		return err
	}

	return nil
}
