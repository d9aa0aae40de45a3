package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/routerd/internal/observability"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/frame"
	"github.com/danmuck/routerd/internal/protocol/schema"
	"github.com/danmuck/routerd/internal/transport"
	"github.com/rs/zerolog"
)

// session is one client's attachment to a realm. Inbound messages are
// handled in order on the read loop; outbound messages go through a bounded
// queue drained by the write loop, so dispatch never blocks on a slow peer.
type session struct {
	id    uint64
	realm *Realm
	ch    transport.Channel
	agent string
	log   zerolog.Logger

	out     chan protocol.Message
	done    chan struct{}
	once    sync.Once
	leaving atomic.Bool
}

func newSession(id uint64, ch transport.Channel, queue int, log zerolog.Logger) *session {
	return &session{
		id:   id,
		ch:   ch,
		log:  log.With().Uint64("session", id).Str("remote", ch.RemoteAddr()).Logger(),
		out:  make(chan protocol.Message, queue),
		done: make(chan struct{}),
	}
}

// send queues msg for the peer. A full queue means the peer stopped reading
// and the session is closed.
func (s *session) send(msg protocol.Message) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- msg:
	default:
		s.log.Warn().Int("queue", cap(s.out)).Msg("outbound queue overflow, closing session")
		s.kill()
	}
}

// goodbye sends Goodbye(reason) and closes the channel once everything
// queued before it has been written.
func (s *session) goodbye(reason string) {
	if !s.leaving.CompareAndSwap(false, true) {
		return
	}
	s.send(&protocol.Goodbye{Reason: reason})
	s.flushAndClose()
}

// abort is the protocol-violation exit: Abort instead of Goodbye.
func (s *session) abort(reason, message string) {
	if !s.leaving.CompareAndSwap(false, true) {
		return
	}
	s.send(&protocol.Abort{Reason: reason, Message: message})
	s.flushAndClose()
}

func (s *session) flushAndClose() {
	select {
	case s.out <- nil:
	default:
		s.kill()
	}
}

func (s *session) kill() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ch.Close()
	})
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			if msg == nil {
				s.kill()
				return
			}
			err := s.ch.Send(context.Background(), msg)
			if errors.Is(err, frame.ErrPayloadTooLarge) {
				s.log.Warn().Err(err).Str("type", protocol.TypeName(msg.Type())).Msg("dropping oversized message")
				s.realm.undeliverable(s, msg)
				continue
			}
			if err != nil {
				s.log.Debug().Err(err).Msg("session write failed")
				s.kill()
				return
			}
			observability.RecordMessage("out", protocol.TypeName(msg.Type()))
		}
	}
}

// readLoop dispatches inbound messages until the channel ends.
func (s *session) readLoop() {
	for msg := range s.ch.Receive() {
		observability.RecordMessage("in", protocol.TypeName(msg.Type()))
		s.handle(msg)
	}
}

func (s *session) handle(msg protocol.Message) {
	r := s.realm
	switch m := msg.(type) {
	case *protocol.Register:
		r.register(s, m)
	case *protocol.Unregister:
		r.unregister(s, m)
	case *protocol.Call:
		r.call(s, m)
	case *protocol.Yield:
		r.yield(s, m)
	case *protocol.Error:
		if m.RequestType != schema.MsgInvocation {
			s.log.Debug().Uint32("request_type", m.RequestType).Msg("ignoring error for non-invocation request")
			return
		}
		r.invocationError(s, m)
	case *protocol.Subscribe:
		r.subscribe(s, m)
	case *protocol.Unsubscribe:
		r.unsubscribe(s, m)
	case *protocol.Publish:
		r.publish(s, m)
	case *protocol.Goodbye:
		s.log.Debug().Str("reason", m.Reason).Msg("peer said goodbye")
		s.goodbye(protocol.URIGoodbyeAndOut)
	default:
		s.log.Warn().Str("type", protocol.TypeName(msg.Type())).Msg("unexpected message in established session")
		s.abort(protocol.URIProtocolViolation, "unexpected "+protocol.TypeName(msg.Type()))
	}
}
