// Package server implements the tick scheduler of a multiplayer server:
// it admits connections, runs each new session through its handshake,
// resumes parked sessions that reconnect, dispatches messages and flushes
// outgoing data, all from a single goroutine that calls Update once per
// tick.
//
// I/O goroutines never touch sessions directly. Transport events reach the
// server through the Handler returned by Server.Handler and are queued until
// the next Update. Code running on other goroutines must do the same with
// Server.Delay.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-tickserver/admission"
	"github.com/cyberinferno/go-tickserver/databuffer"
	"github.com/cyberinferno/go-tickserver/deferred"
	"github.com/cyberinferno/go-tickserver/frame"
	"github.com/cyberinferno/go-tickserver/handshake"
	"github.com/cyberinferno/go-tickserver/idgenerator"
	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/metrics"
	"github.com/cyberinferno/go-tickserver/perfmonitor"
	"github.com/cyberinferno/go-tickserver/session"
	"github.com/cyberinferno/go-tickserver/transport"
)

// admissionTimeout bounds one admission check.
const admissionTimeout = 2 * time.Second

// Config holds the scheduler settings.
type Config struct {
	// Name identifies the server in logs.
	Name string
	// TickBudget is the tick duration above which a warning is logged;
	// 0 disables the warning.
	TickBudget time.Duration
	// ReconnectTimeLimit is how long a session authenticated on the auth
	// channel waits for its reconnect.
	ReconnectTimeLimit time.Duration
	// MaxFrameSize is the largest accepted frame payload.
	MaxFrameSize int
	// SplitAuth makes sessions authenticate on the auth channel and finish
	// initialization after reconnecting on the primary channel.
	SplitAuth bool
}

// DefaultConfig returns the settings used by New for zero fields.
func DefaultConfig() Config {
	return Config{
		Name:               "tickserver",
		TickBudget:         50 * time.Millisecond,
		ReconnectTimeLimit: 5 * time.Second,
		MaxFrameSize:       frame.DefaultMaxPayload,
	}
}

// Admission decides whether a connection may proceed before a session is
// created. *admission.Policy implements it.
type Admission interface {
	Check(ctx context.Context, endpoint string) admission.Reason
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithIdGenerator sets the identity source handed to the session registry.
func WithIdGenerator(g idgenerator.Generator) Option {
	return func(s *Server) {
		s.ids = g
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAdmission sets the admission policy consulted on accept.
func WithAdmission(a Admission) Option {
	return func(s *Server) {
		s.admission = a
	}
}

// Server is the tick scheduler. Apart from Delay and the transport
// handlers, its methods must be called from the tick goroutine.
type Server struct {
	cfg       Config
	hooks     Hooks
	log       logger.Logger
	ids       idgenerator.Generator
	metrics   *metrics.Metrics
	admission Admission

	queue    *deferred.Queue
	registry *session.Registry
	conns    map[uint64]*session.Session
	scratch  *databuffer.DataBuffer
	stream   *databuffer.DataBuffer
	perf     perfmonitor.PerformanceMonitor
	ticks    uint64
}

// New creates a Server.
//
// Parameters:
//   - cfg: Scheduler settings; zero fields take DefaultConfig values
//   - hooks: The concrete server's extension points
//   - opts: Optional logger, identity source, metrics and admission policy
//
// Returns:
//   - A Server ready for Update or Run
func New(cfg Config, hooks Hooks, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}

	if cfg.ReconnectTimeLimit <= 0 {
		cfg.ReconnectTimeLimit = def.ReconnectTimeLimit
	}

	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}

	s := &Server{
		cfg:     cfg,
		hooks:   hooks,
		queue:   deferred.New(),
		conns:   make(map[uint64]*session.Session),
		scratch: databuffer.New(),
		stream:  databuffer.New(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logger.NewNopLogger()
	}

	s.log = s.log.With(logger.Field{Key: "server", Value: cfg.Name})
	s.registry = session.NewRegistry(s.ids)
	return s
}

// Config returns the effective settings.
func (s *Server) Config() Config {
	return s.cfg
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Ticks returns the number of completed Update calls.
func (s *Server) Ticks() uint64 {
	return s.ticks
}

// Delay queues task to run at the start of the next Update. It is safe to
// call from any goroutine.
func (s *Server) Delay(task func()) {
	s.queue.Delay(task)
}

// Handler returns the transport handler for listeners of channel.
func (s *Server) Handler(channel session.Channel) transport.Handler {
	return &channelHandler{srv: s, channel: channel}
}

// channelHandler runs admission off the tick goroutine and queues
// everything else for it.
type channelHandler struct {
	srv     *Server
	channel session.Channel
}

// OnAccepted implements transport.Handler. With an admission policy the
// check runs on its own goroutine so a slow counter backend does not hold
// up the accept loop.
func (h *channelHandler) OnAccepted(c transport.Conn) {
	if h.srv.admission == nil {
		h.queueAccept(c)
		return
	}

	go h.admit(c)
}

func (h *channelHandler) admit(c transport.Conn) {
	if reason := h.srv.admit(c.Endpoint()); reason != admission.Allowed {
		h.srv.metrics.Reject(string(reason))
		h.srv.log.Info("connection refused",
			logger.Field{Key: "endpoint", Value: c.Endpoint()},
			logger.Field{Key: "reason", Value: string(reason)})
		_ = c.Close()
		return
	}

	h.queueAccept(c)
}

func (h *channelHandler) queueAccept(c transport.Conn) {
	h.srv.queue.Delay(func() {
		h.srv.accept(c, h.channel)
	})
}

// OnClosed implements transport.Handler.
func (h *channelHandler) OnClosed(c transport.Conn, err error) {
	h.srv.queue.Delay(func() {
		h.srv.connectionClosed(c, err)
	})
}

func (s *Server) admit(endpoint string) admission.Reason {
	if s.admission == nil {
		return admission.Allowed
	}

	ctx, cancel := context.WithTimeout(context.Background(), admissionTimeout)
	defer cancel()
	return s.admission.Check(ctx, endpoint)
}

// accept turns an admitted connection into a pending session.
func (s *Server) accept(c transport.Conn, channel session.Channel) {
	if !s.hooks.AcceptConnection(c.Endpoint()) {
		s.metrics.Reject("hook")
		s.log.Info("connection refused", logger.Field{Key: "endpoint", Value: c.Endpoint()}, logger.Field{Key: "reason", Value: "hook"})
		_ = c.Close()
		return
	}

	sess := session.New(c, channel, s.cfg.MaxFrameSize)
	s.conns[c.ID()] = sess
	s.registry.AddPending(sess, s.handshakeFor(sess))
	s.log.Debug("session connected",
		logger.Field{Key: "endpoint", Value: sess.Endpoint()},
		logger.Field{Key: "channel", Value: channel.String()})

	if !s.awaitsReconnect(sess) {
		s.hooks.OnConnected(sess)
	}
}

// connectionClosed handles a transport close reported by a read pump.
// Messages an active session sent before closing are still dispatched.
func (s *Server) connectionClosed(c transport.Conn, err error) {
	sess, ok := s.conns[c.ID()]
	if !ok || sess.Closed() {
		return
	}

	if s.registry.StateOf(sess) == session.StateActive {
		if rerr := s.receive(sess); rerr != nil {
			s.disconnect(sess, rerr)
			return
		}
	}

	cause := session.TransportError(err)
	if cause == nil {
		cause = &session.DisconnectError{Kind: session.KindClosed, Cause: session.ErrClosed}
	}

	s.disconnect(sess, cause)
}

// disconnect closes sess, records the cause and tells the hooks. The
// registry drops the session through its disconnect subscription.
func (s *Server) disconnect(sess *session.Session, cause error) {
	if sess.Closed() {
		return
	}

	state := s.registry.StateOf(sess)
	if c := sess.Conn(); c != nil {
		delete(s.conns, c.ID())
	}

	sess.Close(cause)

	kind := session.KindOf(cause)
	s.metrics.Disconnect(kind.String(), state.String())
	s.log.Info("session disconnected",
		logger.Field{Key: "session", Value: sess.ID()},
		logger.Field{Key: "endpoint", Value: sess.Endpoint()},
		logger.Field{Key: "state", Value: state.String()},
		logger.Field{Key: "cause", Value: kind.String()},
		logger.Err(cause))

	s.hooks.OnDisconnected(sess, state != session.StateActive, cause)
}

// Disconnect closes sess from the server side. A cause that is not a
// *session.DisconnectError is reported as KindClosed.
func (s *Server) Disconnect(sess *session.Session, cause error) {
	if cause == nil {
		cause = session.ErrClosed
	}

	var de *session.DisconnectError
	if !errors.As(cause, &de) {
		cause = &session.DisconnectError{Kind: session.KindClosed, Cause: cause}
	}

	s.disconnect(sess, cause)
}

// Reinitialize sends an active session back through its initialization
// steps. Its identity and authentication are kept.
func (s *Server) Reinitialize(sess *session.Session) {
	s.registry.Deinitialize(sess, handshake.NewSequence[*session.Session](s.hooks.InitializationSteps(sess)...))
	s.log.Debug("session reinitializing", logger.Field{Key: "session", Value: sess.ID()})
}

// Run calls Update at tickRate ticks per second until ctx is done, then
// shuts the server down. delta is the measured time between ticks.
//
// Parameters:
//   - ctx: Stops the loop when done
//   - tickRate: Ticks per second
//
// Returns:
//   - nil after shutdown, or an error for a non-positive tickRate
func (s *Server) Run(ctx context.Context, tickRate int) error {
	if tickRate <= 0 {
		return fmt.Errorf("server %s: invalid tick rate %d", s.cfg.Name, tickRate)
	}

	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	s.log.Info("tick loop started", logger.Field{Key: "tick_rate", Value: tickRate})
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			s.log.Info("tick loop stopped", logger.Field{Key: "ticks", Value: s.ticks})
			return nil
		case now := <-ticker.C:
			delta := now.Sub(last)
			last = now
			s.Update(delta)
		}
	}
}

// Shutdown runs queued tasks, then disconnects every session with
// ErrClosed. Outgoing data is flushed first.
func (s *Server) Shutdown() {
	s.queue.RunAll()
	s.flush()

	cause := &session.DisconnectError{Kind: session.KindClosed, Cause: session.ErrClosed}
	for _, sess := range s.registry.Active() {
		s.disconnect(sess, cause)
	}

	for _, p := range s.registry.Pending() {
		s.disconnect(p.Session, cause)
	}

	for _, r := range s.registry.Reconnecting() {
		s.disconnect(r.Session, cause)
	}

	s.metrics.SetSessions(s.registry.Counts())
}
