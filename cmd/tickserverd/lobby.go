package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-tickserver/databuffer"
	"github.com/cyberinferno/go-tickserver/handshake"
	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/server"
	"github.com/cyberinferno/go-tickserver/session"
)

// Lobby message opcodes. Every message is one opcode byte followed by its
// value.
const (
	opTick  byte = 1
	opJoin  byte = 2
	opLeave byte = 3
	opChat  byte = 4
)

const (
	maxSecretLen = 256
	maxNameLen   = 32
	maxChatLen   = 512

	authOK byte = 1

	nameKey = "name"
)

var errBadSecret = errors.New("lobby: wrong secret")

// lobby is the demo game server: a chat room that streams a tick counter.
type lobby struct {
	server.BaseHooks

	srv      *server.Server
	log      logger.Logger
	secret   string
	tickRate int
	players  int
	ticks    int64
}

func newLobby(secret string, tickRate int, log logger.Logger) *lobby {
	return &lobby{
		log:      log.With(logger.Field{Key: "component", Value: "lobby"}),
		secret:   secret,
		tickRate: tickRate,
	}
}

func (l *lobby) AuthenticationSteps(*session.Session) []server.Step {
	return []server.Step{
		handshake.ReadBlob[*session.Session]("secret", maxSecretLen, func(_ *session.Session, data []byte) error {
			if string(data) != l.secret {
				return errBadSecret
			}

			return nil
		}).When(func(*session.Session) bool { return l.secret != "" }),
		handshake.Write[*session.Session]("auth-ok", func(*session.Session) any { return authOK }),
	}
}

func (l *lobby) InitializationSteps(*session.Session) []server.Step {
	return []server.Step{
		handshake.Write[*session.Session]("lobby-info", func(*session.Session) any {
			info := databuffer.New()
			info.PutInt32(int32(l.tickRate))
			info.PutInt32(int32(l.players))
			return info
		}),
		handshake.ReadBlob[*session.Session]("player-name", maxNameLen, func(s *session.Session, data []byte) error {
			if len(data) == 0 {
				return errors.New("lobby: empty player name")
			}

			s.Set(nameKey, string(data))
			return nil
		}),
	}
}

func (l *lobby) OnClientInitialized(s *session.Session) {
	l.players++
	name := playerName(s)
	l.log.Info("player joined", logger.Field{Key: "session", Value: s.ID()}, logger.Field{Key: "name", Value: name})
	l.announce(opJoin, name)
}

func (l *lobby) OnDisconnected(s *session.Session, pending bool, cause error) {
	if pending {
		return
	}

	l.players--
	name := playerName(s)
	l.log.Info("player left",
		logger.Field{Key: "session", Value: s.ID()},
		logger.Field{Key: "name", Value: name},
		logger.Field{Key: "cause", Value: session.KindOf(cause).String()})
	l.announce(opLeave, name)
}

func (l *lobby) OnMessage(s *session.Session, msg *databuffer.DataBuffer) error {
	op, err := msg.Byte()
	if err != nil {
		return err
	}

	if op != opChat {
		return fmt.Errorf("lobby: unexpected opcode %d", op)
	}

	text, err := msg.String(maxChatLen)
	if err != nil {
		return err
	}

	l.announce(opChat, playerName(s)+": "+text)
	return nil
}

func (l *lobby) OnTick(time.Duration) {
	l.ticks++
	if l.tickRate > 0 && l.ticks%int64(l.tickRate) != 0 {
		return
	}

	if err := l.srv.Broadcast(opTick, true); err != nil {
		l.log.Error("tick broadcast failed", logger.Err(err))
		return
	}

	_ = l.srv.Broadcast(l.ticks, true)
}

// announce sends op and text to every active player in their own buffer.
func (l *lobby) announce(op byte, text string) {
	msg := databuffer.New()
	msg.PutByte(op)
	msg.PutString(text)
	if err := l.srv.Broadcast(msg, false); err != nil {
		l.log.Error("broadcast failed", logger.Err(err))
	}
}

func playerName(s *session.Session) string {
	if v, ok := s.Value(nameKey); ok {
		return v.(string)
	}

	return fmt.Sprintf("player-%d", s.ID())
}
