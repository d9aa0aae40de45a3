package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/schema"
	"github.com/danmuck/routerd/internal/transport"
)

// fakeRouter answers the join handshake and a scripted subset of requests
// over in-memory pipes. Calls to "hang" are never answered.
type fakeRouter struct {
	mu       sync.Mutex
	conns    []transport.Channel
	abort    string
	dialErr  error
	dials    atomic.Int64
	sessions atomic.Uint64
	ids      atomic.Uint64
	yields   chan protocol.Message

	// holdSubscribe, when set, delays every Subscribe reply until closed.
	holdSubscribe chan struct{}
	// ignoreGoodbye leaves the client's Goodbye unanswered.
	ignoreGoodbye bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{yields: make(chan protocol.Message, 16)}
}

func (f *fakeRouter) Dial(ctx context.Context) (transport.Channel, error) {
	f.dials.Add(1)
	f.mu.Lock()
	dialErr := f.dialErr
	f.mu.Unlock()
	if dialErr != nil {
		return nil, dialErr
	}
	clientEnd, routerEnd := transport.Pipe()
	f.mu.Lock()
	f.conns = append(f.conns, routerEnd)
	f.mu.Unlock()
	go f.serve(routerEnd)
	return clientEnd, nil
}

func (f *fakeRouter) setHoldSubscribe(hold chan struct{}) {
	f.mu.Lock()
	f.holdSubscribe = hold
	f.mu.Unlock()
}

func (f *fakeRouter) setIgnoreGoodbye(ignore bool) {
	f.mu.Lock()
	f.ignoreGoodbye = ignore
	f.mu.Unlock()
}

func (f *fakeRouter) setDialErr(err error) {
	f.mu.Lock()
	f.dialErr = err
	f.mu.Unlock()
}

// drop cuts the most recent connection from the router side.
func (f *fakeRouter) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.conns); n > 0 {
		_ = f.conns[n-1].Close()
	}
}

// last returns the router end of the most recent connection.
func (f *fakeRouter) last() transport.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeRouter) serve(ch transport.Channel) {
	ctx := context.Background()
	subs := make(map[string]uint64)
	for msg := range ch.Receive() {
		switch m := msg.(type) {
		case *protocol.Hello:
			if f.abort != "" {
				_ = ch.Send(ctx, &protocol.Abort{Reason: f.abort})
				_ = ch.Close()
				return
			}
			_ = ch.Send(ctx, &protocol.Welcome{SessionID: f.sessions.Add(1)})
		case *protocol.Register:
			if m.Procedure == "taken" {
				_ = ch.Send(ctx, &protocol.Error{RequestType: schema.MsgRegister, Request: m.Request, URI: protocol.URIProcedureAlreadyExists})
				continue
			}
			_ = ch.Send(ctx, &protocol.Registered{Request: m.Request, Registration: f.ids.Add(1)})
		case *protocol.Unregister:
			_ = ch.Send(ctx, &protocol.Unregistered{Request: m.Request})
		case *protocol.Call:
			switch m.Procedure {
			case "hang":
			case "echo":
				_ = ch.Send(ctx, &protocol.Result{Request: m.Request, Args: m.Args})
			default:
				_ = ch.Send(ctx, &protocol.Error{RequestType: schema.MsgCall, Request: m.Request, URI: protocol.URINoSuchProcedure})
			}
		case *protocol.Subscribe:
			f.mu.Lock()
			hold := f.holdSubscribe
			f.mu.Unlock()
			if hold != nil {
				<-hold
			}
			id, ok := subs[m.Topic]
			if !ok {
				id = f.ids.Add(1)
				subs[m.Topic] = id
			}
			_ = ch.Send(ctx, &protocol.Subscribed{Request: m.Request, Subscription: id})
		case *protocol.Unsubscribe:
			found := false
			for topic, id := range subs {
				if id == m.Subscription {
					delete(subs, topic)
					found = true
				}
			}
			if !found {
				_ = ch.Send(ctx, &protocol.Error{RequestType: schema.MsgUnsubscribe, Request: m.Request, URI: protocol.URINoSuchSubscription})
				continue
			}
			_ = ch.Send(ctx, &protocol.Unsubscribed{Request: m.Request})
		case *protocol.Publish:
			pub := f.ids.Add(1)
			if id, ok := subs[m.Topic]; ok && !m.ExcludeMe {
				_ = ch.Send(ctx, &protocol.Event{Subscription: id, Publication: pub, Topic: m.Topic, Args: m.Args})
			}
			if m.Acknowledge {
				_ = ch.Send(ctx, &protocol.Published{Request: m.Request, Publication: pub})
			}
		case *protocol.Yield, *protocol.Error:
			f.yields <- msg
		case *protocol.Goodbye:
			f.mu.Lock()
			ignore := f.ignoreGoodbye
			f.mu.Unlock()
			if ignore {
				continue
			}
			_ = ch.Send(ctx, &protocol.Goodbye{Reason: protocol.URIGoodbyeAndOut})
			_ = ch.Close()
			return
		}
	}
}

var errDialRefused = errors.New("dial refused")
