package client

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/schema"
)

// Invocation is one incoming call routed to a registered handler.
type Invocation struct {
	Procedure    string
	Registration uint64
	Args         protocol.Args
	KwArgs       map[string]any
}

// Result is the payload of a successful call.
type Result struct {
	Args   protocol.Args
	KwArgs map[string]any
}

// Handler serves a registered procedure. A returned *protocol.RPCError is
// passed to the caller as is; any other error becomes runtime_error. ctx is
// cancelled when the session ends.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Registration is a procedure this client serves in its current session.
type Registration struct {
	client    *Client
	conn      *connection
	id        uint64
	procedure string
	handler   Handler
}

func (r *Registration) ID() uint64 {
	return r.id
}

func (r *Registration) Procedure() string {
	return r.procedure
}

func (r *Registration) call(ctx context.Context, inv *Invocation) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.conn.log.Error().Str("procedure", r.procedure).Interface("panic", p).Bytes("stack", debug.Stack()).Msg("handler panicked")
			res, err = nil, protocol.NewApplicationError(protocol.URIRuntimeError, fmt.Sprint(p))
		}
	}()
	return r.handler(ctx, inv)
}

// Unregister removes the registration. A registration from an earlier
// session no longer exists and fails with ErrNoSuchRegistration.
func (r *Registration) Unregister() *Future[struct{}] {
	conn, err := r.client.current()
	if err != nil {
		return failedFuture[struct{}](err)
	}
	if conn != r.conn {
		return failedFuture[struct{}](protocol.ErrNoSuchRegistration)
	}
	f := newFuture[struct{}]()
	conn.request(&pendingRequest{
		kind:   schema.MsgUnregister,
		expect: schema.MsgUnregistered,
		onReply: func(protocol.Message) {
			conn.mu.Lock()
			delete(conn.registrations, r.id)
			conn.mu.Unlock()
			f.resolve(struct{}{}, nil)
		},
		onError: func(err error) { f.resolve(struct{}{}, err) },
	}, func(id uint64) protocol.Message {
		return &protocol.Unregister{Request: id, Registration: r.id}
	})
	return f
}

// Register offers handler under procedure for the current session.
func (c *Client) Register(procedure string, handler Handler) *Future[*Registration] {
	if handler == nil {
		return failedFuture[*Registration](fmt.Errorf("%w: nil handler", protocol.ErrInvalidArgument))
	}
	conn, err := c.current()
	if err != nil {
		return failedFuture[*Registration](err)
	}
	f := newFuture[*Registration]()
	conn.request(&pendingRequest{
		kind:   schema.MsgRegister,
		expect: schema.MsgRegistered,
		onReply: func(msg protocol.Message) {
			reg := &Registration{
				client:    c,
				conn:      conn,
				id:        msg.(*protocol.Registered).Registration,
				procedure: procedure,
				handler:   handler,
			}
			conn.mu.Lock()
			conn.registrations[reg.id] = reg
			conn.mu.Unlock()
			f.resolve(reg, nil)
		},
		onError: func(err error) { f.resolve(nil, err) },
	}, func(id uint64) protocol.Message {
		return &protocol.Register{Request: id, Procedure: procedure}
	})
	return f
}

// Call invokes procedure with positional args.
func (c *Client) Call(procedure string, args ...any) *Future[*Result] {
	return c.CallWith(procedure, protocol.Args(args), nil)
}

func (c *Client) CallWith(procedure string, args protocol.Args, kwargs map[string]any) *Future[*Result] {
	conn, err := c.current()
	if err != nil {
		return failedFuture[*Result](err)
	}
	f := newFuture[*Result]()
	conn.request(&pendingRequest{
		kind:   schema.MsgCall,
		expect: schema.MsgResult,
		onReply: func(msg protocol.Message) {
			m := msg.(*protocol.Result)
			f.resolve(&Result{Args: m.Args, KwArgs: m.KwArgs}, nil)
		},
		onError: func(err error) { f.resolve(nil, err) },
	}, func(id uint64) protocol.Message {
		return &protocol.Call{Request: id, Procedure: procedure, Args: args, KwArgs: kwargs}
	})
	return f
}

// PublishOptions tunes one publication.
type PublishOptions struct {
	KwArgs    map[string]any
	ExcludeMe bool
}

// Publish sends an event to topic. The future resolves with the
// publication id once the realm accepted it.
func (c *Client) Publish(topic string, args ...any) *Future[uint64] {
	return c.PublishWith(topic, protocol.Args(args), PublishOptions{})
}

func (c *Client) PublishWith(topic string, args protocol.Args, opts PublishOptions) *Future[uint64] {
	conn, err := c.current()
	if err != nil {
		return failedFuture[uint64](err)
	}
	f := newFuture[uint64]()
	conn.request(&pendingRequest{
		kind:   schema.MsgPublish,
		expect: schema.MsgPublished,
		onReply: func(msg protocol.Message) {
			f.resolve(msg.(*protocol.Published).Publication, nil)
		},
		onError: func(err error) { f.resolve(0, err) },
	}, func(id uint64) protocol.Message {
		return &protocol.Publish{
			Request:     id,
			Topic:       topic,
			Args:        args,
			KwArgs:      opts.KwArgs,
			Acknowledge: true,
			ExcludeMe:   opts.ExcludeMe,
		}
	})
	return f
}
