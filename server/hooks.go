package server

import (
	"time"

	"github.com/cyberinferno/go-tickserver/databuffer"
	"github.com/cyberinferno/go-tickserver/handshake"
	"github.com/cyberinferno/go-tickserver/session"
)

// Step is a handshake step run against a session.
type Step = handshake.Step[*session.Session]

// Hooks are the extension points a concrete server implements. Every hook
// runs on the tick goroutine.
type Hooks interface {
	// AuthenticationSteps returns the server-specific authentication steps
	// for s. They run after the identity is assigned and before s is marked
	// authenticated. Steps may keep per-session state, so a fresh slice is
	// expected on every call.
	AuthenticationSteps(s *session.Session) []Step

	// InitializationSteps returns the setup steps that run once s is
	// authenticated, and again after Server.Reinitialize.
	InitializationSteps(s *session.Session) []Step

	// AcceptConnection decides whether a connection from endpoint becomes a
	// session. It runs after the admission policy.
	AcceptConnection(endpoint string) bool

	// OnConnected is called when s enters the pending set.
	OnConnected(s *session.Session)

	// OnClientAuthenticated is called when the authentication phase of s
	// completes.
	OnClientAuthenticated(s *session.Session)

	// OnClientInitialized is called when s becomes active.
	OnClientInitialized(s *session.Session)

	// OnDisconnected is called once when s leaves the server. pending is
	// true unless s was active. cause always wraps a
	// *session.DisconnectError; use session.KindOf to classify it.
	OnDisconnected(s *session.Session, pending bool, cause error)

	// OnMessage handles one message from an active session. The buffer is
	// only valid during the call. An error disconnects s with a protocol
	// error.
	OnMessage(s *session.Session, msg *databuffer.DataBuffer) error

	// OnTick runs once per tick after session processing and before the
	// flush.
	OnTick(delta time.Duration)
}

// BaseHooks implements Hooks with no steps and no-op callbacks. Embed it
// and override what the server needs.
type BaseHooks struct{}

// AuthenticationSteps implements Hooks.
func (BaseHooks) AuthenticationSteps(*session.Session) []Step { return nil }

// InitializationSteps implements Hooks.
func (BaseHooks) InitializationSteps(*session.Session) []Step { return nil }

// AcceptConnection implements Hooks and accepts every connection.
func (BaseHooks) AcceptConnection(string) bool { return true }

// OnConnected implements Hooks.
func (BaseHooks) OnConnected(*session.Session) {}

// OnClientAuthenticated implements Hooks.
func (BaseHooks) OnClientAuthenticated(*session.Session) {}

// OnClientInitialized implements Hooks.
func (BaseHooks) OnClientInitialized(*session.Session) {}

// OnDisconnected implements Hooks.
func (BaseHooks) OnDisconnected(*session.Session, bool, error) {}

// OnMessage implements Hooks and ignores the message.
func (BaseHooks) OnMessage(*session.Session, *databuffer.DataBuffer) error { return nil }

// OnTick implements Hooks.
func (BaseHooks) OnTick(time.Duration) {}
