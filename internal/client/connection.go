package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/frame"
	"github.com/danmuck/routerd/internal/protocol/schema"
	"github.com/danmuck/routerd/internal/transport"
	"github.com/rs/zerolog"
)

// connection is one joined session. Request ids restart at 1 for every
// connection.
type connection struct {
	client    *Client
	ch        transport.Channel
	sessionID uint64
	pending   *pendingTable
	log       zerolog.Logger

	nextID atomic.Uint64
	// sendMu orders request allocation and writes, so the router sees
	// requests in the order they were issued.
	sendMu sync.Mutex

	mu            sync.Mutex
	registrations map[uint64]*Registration
	topics        map[string]*topicGroup
	groups        map[uint64]*topicGroup

	handlerCtx    context.Context
	cancelHandler context.CancelFunc
}

func newConnection(c *Client, ch transport.Channel, sessionID uint64) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		client:        c,
		ch:            ch,
		sessionID:     sessionID,
		pending:       newPendingTable(),
		log:           c.log.With().Uint64("session", sessionID).Logger(),
		registrations: make(map[uint64]*Registration),
		topics:        make(map[string]*topicGroup),
		groups:        make(map[uint64]*topicGroup),
		handlerCtx:    ctx,
		cancelHandler: cancel,
	}
}

// request sends msg under a fresh request id and records p as its
// continuation. build receives the id and returns the message to send.
// Failures are reported through p.onError, never returned.
func (conn *connection) request(p *pendingRequest, build func(id uint64) protocol.Message) {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	conn.requestLocked(p, build)
}

// requestLocked is request for callers already holding sendMu. p.onError
// may run before it returns and must not take sendMu.
func (conn *connection) requestLocked(p *pendingRequest, build func(id uint64) protocol.Message) {
	id := conn.nextID.Add(1)
	if err := conn.pending.add(id, p); err != nil {
		p.onError(err)
		return
	}
	if err := conn.ch.Send(context.Background(), build(id)); err != nil {
		conn.log.Debug().Err(err).Uint64("request", id).Msg("request send failed")
		p, ok := conn.pending.take(id)
		if !ok {
			return
		}
		// An oversized frame is refused before anything is written; the
		// channel is still good.
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			p.onError(fmt.Errorf("%w: %w", protocol.ErrPayloadSizeExceeded, err))
			return
		}
		p.onError(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
}

// post sends a message that expects no reply.
func (conn *connection) post(msg protocol.Message) error {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	return conn.ch.Send(context.Background(), msg)
}

// serve handles inbound traffic until the channel ends and returns why.
func (conn *connection) serve() error {
	for msg := range conn.ch.Receive() {
		if err := conn.dispatch(msg); err != nil {
			_ = conn.ch.Close()
			return err
		}
	}
	if err := conn.ch.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return ErrConnectionLost
}

func (conn *connection) dispatch(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Invocation:
		conn.invoke(m)
	case *protocol.Event:
		conn.deliver(m)
	case *protocol.Error:
		p, ok := conn.pending.take(m.Request)
		if !ok {
			conn.log.Debug().Uint64("request", m.Request).Str("uri", m.URI).Msg("error for unknown request")
			return nil
		}
		p.onError(protocol.ErrorFromMessage(m))
	case protocol.Response:
		p, ok := conn.pending.take(m.RequestID())
		if !ok {
			conn.log.Debug().Uint64("request", m.RequestID()).Msg("reply for unknown request")
			return nil
		}
		if msg.Type() != p.expect {
			p.onError(fmt.Errorf("%w: %s for %s", ErrUnexpectedReply, protocol.TypeName(msg.Type()), protocol.TypeName(p.kind)))
			return nil
		}
		p.onReply(msg)
	case *protocol.Goodbye:
		if conn.client.State() == StateConnected {
			_ = conn.post(&protocol.Goodbye{Reason: protocol.URIGoodbyeAndOut})
		}
		return fmt.Errorf("%w: goodbye %s", ErrConnectionLost, m.Reason)
	case *protocol.Abort:
		return fmt.Errorf("%w: abort %s", ErrConnectionLost, m.Reason)
	default:
		conn.log.Warn().Str("type", protocol.TypeName(msg.Type())).Msg("unexpected message")
		return fmt.Errorf("%w: unexpected %s", ErrConnectionLost, protocol.TypeName(msg.Type()))
	}
	return nil
}

// invoke runs the handler for one invocation on its own goroutine.
func (conn *connection) invoke(m *protocol.Invocation) {
	conn.mu.Lock()
	reg := conn.registrations[m.Registration]
	conn.mu.Unlock()
	if reg == nil {
		_ = conn.post(&protocol.Error{
			RequestType: schema.MsgInvocation,
			Request:     m.Request,
			URI:         protocol.URINoSuchRegistration,
		})
		return
	}
	inv := &Invocation{
		Procedure:    m.Procedure,
		Registration: m.Registration,
		Args:         m.Args,
		KwArgs:       m.KwArgs,
	}
	go func() {
		res, err := reg.call(conn.handlerCtx, inv)
		var reply protocol.Message
		if err != nil {
			rpcErr := protocol.AsRPCError(err)
			reply = &protocol.Error{
				RequestType: schema.MsgInvocation,
				Request:     m.Request,
				URI:         rpcErr.URI,
				Args:        rpcErr.Args,
				KwArgs:      rpcErr.KwArgs,
			}
		} else {
			if res == nil {
				res = &Result{}
			}
			reply = &protocol.Yield{Request: m.Request, Args: res.Args, KwArgs: res.KwArgs}
		}
		if err := conn.post(reply); err != nil {
			conn.log.Debug().Err(err).Uint64("invocation", m.Request).Msg("reply dropped")
		}
	}()
}

func (conn *connection) deliver(m *protocol.Event) {
	conn.mu.Lock()
	g := conn.groups[m.Subscription]
	var streams []*Subscription
	if g != nil {
		streams = g.snapshot()
	}
	conn.mu.Unlock()
	if len(streams) == 0 {
		conn.log.Debug().Uint64("subscription", m.Subscription).Msg("event for unknown subscription")
		return
	}
	ev := &Event{Topic: m.Topic, Publication: m.Publication, Args: m.Args, KwArgs: m.KwArgs}
	if ev.Topic == "" {
		ev.Topic = g.topic
	}
	for _, s := range streams {
		s.push(ev)
	}
}

// endStreams terminates everything bound to this session: handler contexts
// and every local subscription stream.
func (conn *connection) endStreams(err error) {
	conn.cancelHandler()
	conn.mu.Lock()
	var streams []*Subscription
	for _, g := range conn.topics {
		streams = append(streams, g.snapshot()...)
	}
	conn.topics = make(map[string]*topicGroup)
	conn.groups = make(map[uint64]*topicGroup)
	conn.registrations = make(map[uint64]*Registration)
	conn.mu.Unlock()
	for _, s := range streams {
		s.end(err)
	}
}
