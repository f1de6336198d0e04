package server

import (
	"time"

	"github.com/cyberinferno/go-tickserver/databuffer"
	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/session"
)

// Update runs one tick. In order it runs queued tasks, dispatches messages
// from active sessions, advances pending handshakes, expires reconnect
// timers, calls OnTick and flushes outgoing data. A failure in one session
// disconnects that session only.
//
// Parameters:
//   - delta: Time elapsed since the previous tick
func (s *Server) Update(delta time.Duration) {
	s.perf.Start()

	s.queue.RunAll()

	for _, sess := range s.registry.Active() {
		if sess.Closed() || s.registry.StateOf(sess) != session.StateActive {
			continue
		}

		if err := s.receive(sess); err != nil {
			s.disconnect(sess, err)
		}
	}

	for _, entry := range s.registry.Pending() {
		if entry.Session.Closed() || s.registry.StateOf(entry.Session) != session.StatePending {
			continue
		}

		if err := s.runHandshake(entry); err != nil {
			s.disconnect(entry.Session, err)
		}
	}

	for _, sess := range s.registry.Advance(delta) {
		s.expire(sess)
	}

	s.hooks.OnTick(delta)

	s.flush()

	s.perf.Stop()
	s.ticks++
	elapsed := s.perf.Elapsed()
	slow := s.cfg.TickBudget > 0 && elapsed > s.cfg.TickBudget
	if slow {
		s.log.Warn("tick over budget",
			logger.Field{Key: "tick", Value: s.ticks},
			logger.Field{Key: "elapsed_ms", Value: s.perf.ElapsedMilliseconds()},
			logger.Field{Key: "budget_ms", Value: s.cfg.TickBudget.Milliseconds()})
	}

	s.metrics.Tick(elapsed, slow)
	s.metrics.SetSessions(s.registry.Counts())
}

// receive dispatches every complete message an active session has sent.
// A transport error is returned only after the bytes received before it
// have been dispatched.
func (s *Server) receive(sess *session.Session) error {
	_, rerr := sess.Receive()
	if err := s.dispatchQueued(sess); err != nil {
		return err
	}

	return rerr
}

// dispatchQueued dispatches the complete frames already received, one
// message per frame, while sess stays active.
func (s *Server) dispatchQueued(sess *session.Session) error {
	for s.registry.StateOf(sess) == session.StateActive && !sess.Closed() {
		p, ok, err := sess.NextMessage()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := s.dispatch(sess, p); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) dispatch(sess *session.Session, p []byte) error {
	s.metrics.Message()
	if err := s.hooks.OnMessage(sess, databuffer.Wrap(p)); err != nil {
		return session.ProtocolError(err)
	}

	return nil
}

// expire reports a parked session whose reconnect window elapsed. The
// registry has already dropped it.
func (s *Server) expire(sess *session.Session) {
	cause := session.TimeoutError()
	sess.Close(cause)

	s.metrics.Disconnect(session.KindReconnectTimeout.String(), session.StateReconnecting.String())
	s.log.Info("session reconnect timed out", logger.Field{Key: "session", Value: sess.ID()})
	s.hooks.OnDisconnected(sess, true, cause)
}

// flush sends the individual outgoing buffers of active and pending
// sessions, then the stream buffer to active sessions only.
func (s *Server) flush() {
	for _, sess := range s.registry.Active() {
		s.flushSession(sess)
	}

	for _, entry := range s.registry.Pending() {
		s.flushSession(entry.Session)
	}

	if s.stream.Len() == 0 {
		return
	}

	payload := s.stream.Bytes()
	for _, sess := range s.registry.Active() {
		if sess.Closed() {
			continue
		}

		if err := sess.WriteFrame(payload); err != nil {
			s.disconnect(sess, err)
		}
	}

	s.stream.Reset()
}

func (s *Server) flushSession(sess *session.Session) {
	if sess.Closed() {
		return
	}

	if err := sess.Flush(); err != nil {
		s.disconnect(sess, err)
	}
}
