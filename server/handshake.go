package server

import (
	"github.com/cyberinferno/go-tickserver/databuffer"
	"github.com/cyberinferno/go-tickserver/handshake"
	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/session"
)

// Handshake step names.
const (
	StepAssignIdentity    = "assign-identity"
	StepMarkAuthenticated = "mark-authenticated"
	StepReconnect         = "reconnect"
)

// awaitsReconnect reports whether sess arrived on the primary channel of a
// split server and must first name its parked identity.
func (s *Server) awaitsReconnect(sess *session.Session) bool {
	return s.cfg.SplitAuth && sess.Channel() == session.ChannelPrimary
}

// authenticatesOnly reports whether sess is parked once authenticated.
func (s *Server) authenticatesOnly(sess *session.Session) bool {
	return s.cfg.SplitAuth && sess.Channel() == session.ChannelAuth
}

// handshakeFor composes the step sequence of a new session.
//
// A combined server runs identity assignment, the authentication steps, the
// authenticated mark and the initialization steps. On a split server the
// auth channel stops after the mark, and the primary channel first reads
// the identity of a parked session, then runs that session's
// initialization steps.
func (s *Server) handshakeFor(sess *session.Session) *session.Sequence {
	if s.awaitsReconnect(sess) {
		return handshake.NewSequence[*session.Session](s.reconnectStep())
	}

	steps := []Step{s.assignIdentityStep()}
	steps = append(steps, s.hooks.AuthenticationSteps(sess)...)
	steps = append(steps, s.markAuthenticatedStep())
	if !s.authenticatesOnly(sess) {
		steps = append(steps, s.hooks.InitializationSteps(sess)...)
	}

	return handshake.NewSequence[*session.Session](steps...)
}

// assignIdentityStep assigns a free identity and writes it to the client as
// an int32.
func (s *Server) assignIdentityStep() Step {
	return handshake.NewProducer[*session.Session](StepAssignIdentity, func(sess *session.Session) error {
		id, err := s.registry.AssignIdentity(sess)
		if err != nil {
			return session.RejectedError(err)
		}

		sess.Outgoing().PutInt32(int32(id))
		return nil
	})
}

func (s *Server) markAuthenticatedStep() Step {
	return handshake.NewProducer[*session.Session](StepMarkAuthenticated, func(sess *session.Session) error {
		sess.SetAuthenticated()
		s.log.Debug("session authenticated", logger.Field{Key: "session", Value: sess.ID()})
		s.hooks.OnClientAuthenticated(sess)
		return nil
	})
}

// reconnectStep reads the identity of a parked session, moves the new
// connection into it and queues its initialization steps.
func (s *Server) reconnectStep() Step {
	return handshake.ReadInt32[*session.Session](StepReconnect, func(provisional *session.Session, id int32) error {
		parked, err := s.registry.Unpark(uint32(id))
		if err != nil {
			return err
		}

		entry := s.registry.Adopt(provisional, parked)
		s.conns[parked.Conn().ID()] = parked
		entry.Steps.Append(s.hooks.InitializationSteps(parked)...)

		s.metrics.Reconnect()
		s.log.Debug("session reconnected",
			logger.Field{Key: "session", Value: parked.ID()},
			logger.Field{Key: "endpoint", Value: parked.Endpoint()})
		s.hooks.OnConnected(parked)
		return nil
	})
}

// runHandshake advances one pending entry for this tick. Frames are pulled
// into the handshake stream one at a time, only when the current step waits
// for data. It stops when the sequence finishes or waits for data that one
// extra read did not supply. The entry's session may change when a
// reconnect is adopted.
func (s *Server) runHandshake(entry *session.Pending) error {
	if _, err := entry.Session.Receive(); err != nil {
		return err
	}

	in := s.scratch
	in.Reset()
	entry.Session.TakeResidue(in)

	retried := false
	for {
		res, err := entry.Steps.Run(entry.Session, in)
		if err != nil {
			return session.ProtocolError(err)
		}

		switch res {
		case handshake.Pending:
			continue

		case handshake.AwaitingData:
			in.Compact()
			ok, err := entry.Session.PullFrame(in)
			if err != nil {
				return err
			}

			if ok {
				continue
			}

			if !retried {
				retried = true
				n, err := entry.Session.Receive()
				if err != nil {
					return err
				}

				if n > 0 {
					continue
				}
			}

			entry.Session.KeepResidue(in.Unread())
			return nil

		case handshake.Finished:
			return s.finishHandshake(entry.Session, in)
		}
	}
}

// finishHandshake promotes sess, or parks it if it only authenticates on
// this channel. The unread tail of the last handshake frame is dispatched
// as the session's first message. Frames received after it stay queued and
// are dispatched one per message.
func (s *Server) finishHandshake(sess *session.Session, in *databuffer.DataBuffer) error {
	if s.authenticatesOnly(sess) {
		return s.park(sess)
	}

	s.registry.Promote(sess)
	s.log.Debug("session initialized", logger.Field{Key: "session", Value: sess.ID()})
	s.hooks.OnClientInitialized(sess)

	if in.Remaining() > 0 && s.registry.StateOf(sess) == session.StateActive {
		if err := s.dispatch(sess, in.Unread()); err != nil {
			return err
		}
	}

	return s.dispatchQueued(sess)
}

// park flushes the authentication reply, then detaches and closes the auth
// connection. The session waits in the reconnecting set for its reconnect.
func (s *Server) park(sess *session.Session) error {
	if err := sess.Flush(); err != nil {
		return err
	}

	conn := s.registry.Park(sess, s.cfg.ReconnectTimeLimit)
	delete(s.conns, conn.ID())
	_ = conn.Close()

	s.log.Debug("session parked",
		logger.Field{Key: "session", Value: sess.ID()},
		logger.Field{Key: "limit", Value: s.cfg.ReconnectTimeLimit.String()})
	return nil
}
