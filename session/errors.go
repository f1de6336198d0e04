package session

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrorKind classifies why a session was disconnected.
type ErrorKind uint8

const (
	// KindProtocol covers malformed handshake data, steps that make no
	// progress and reconnects with no matching entry.
	KindProtocol ErrorKind = iota + 1
	// KindTransport covers read and write failures.
	KindTransport
	// KindReconnectTimeout is reported when a parked session is not claimed
	// within its time limit.
	KindReconnectTimeout
	// KindClosed is reported when the peer or the server closed the
	// connection in an orderly way.
	KindClosed
	// KindRejected is reported when admission refused the connection.
	KindRejected
)

// String returns the kind name used in logs and metric labels.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindReconnectTimeout:
		return "reconnect_timeout"
	case KindClosed:
		return "closed"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	// ErrNoReconnectEntry is returned by Registry.Unpark when no parked
	// session holds the requested identity.
	ErrNoReconnectEntry = errors.New("session: no reconnecting session with that identity")

	// ErrReconnectTimeout is the cause attached to sessions whose reconnect
	// window elapsed.
	ErrReconnectTimeout = errors.New("session: reconnect time limit reached")

	// ErrClosed is the cause attached when the server closes a session
	// without a more specific reason.
	ErrClosed = errors.New("session: closed")
)

// DisconnectError is the cause handed to disconnect subscribers and hooks.
type DisconnectError struct {
	Kind  ErrorKind
	Cause error
}

// Error implements error.
func (e *DisconnectError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("session %s error", e.Kind)
	}

	return fmt.Sprintf("session %s error: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *DisconnectError) Unwrap() error {
	return e.Cause
}

// ProtocolError wraps err as a protocol error. A nil err yields nil.
func ProtocolError(err error) error {
	return wrap(KindProtocol, err)
}

// TransportError wraps err as a transport error. End of stream and use of
// a closed connection are reported as KindClosed.
func TransportError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return wrap(KindClosed, err)
	}

	return wrap(KindTransport, err)
}

// RejectedError wraps err as an admission rejection.
func RejectedError(err error) error {
	return wrap(KindRejected, err)
}

// TimeoutError returns the cause reported for an expired reconnect window.
func TimeoutError() error {
	return &DisconnectError{Kind: KindReconnectTimeout, Cause: ErrReconnectTimeout}
}

// KindOf returns the kind carried by err, or zero if err is nil or not a
// DisconnectError.
func KindOf(err error) ErrorKind {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Kind
	}

	return 0
}

func wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}

	var de *DisconnectError
	if errors.As(err, &de) {
		return err
	}

	return &DisconnectError{Kind: kind, Cause: err}
}
