package router

import (
	"context"

	"github.com/danmuck/routerd/internal/client"
	"github.com/danmuck/routerd/internal/transport"
)

// InProcessChannel is the client end of a session that was attached
// directly to a realm. It is already joined: no Hello/Welcome is exchanged.
type InProcessChannel struct {
	transport.Channel
	sessionID uint64
}

func (c *InProcessChannel) SessionID() uint64 {
	return c.sessionID
}

// AttachInProcess creates a session in realm without a transport. It only
// fails when the realm does not exist or the router is closed.
func (rt *Router) AttachInProcess(realm string) (*InProcessChannel, error) {
	if !rt.beginSession() {
		return nil, ErrRouterClosed
	}
	clientEnd, routerEnd := transport.Pipe()
	s := newSession(rt.sessionIDs.next(), routerEnd, rt.cfg.SessionQueueSize, rt.log)
	s.agent = "in-process"
	if _, err := rt.registry.attach(realm, s, nil); err != nil {
		rt.wg.Done()
		_ = routerEnd.Close()
		return nil, err
	}
	go func() {
		defer rt.wg.Done()
		rt.runSession(s)
	}()
	return &InProcessChannel{Channel: clientEnd, sessionID: s.id}, nil
}

// InProcessDialer joins a realm through AttachInProcess on every dial.
type InProcessDialer struct {
	router *Router
	realm  string
}

func (rt *Router) InProcess(realm string) InProcessDialer {
	return InProcessDialer{router: rt, realm: realm}
}

func (d InProcessDialer) Dial(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.router.AttachInProcess(d.realm)
}

// NewInProcessClient builds a client bound to realm over the in-process path.
func (rt *Router) NewInProcessClient(realm string, cfg client.Config) (*client.Client, error) {
	cfg.Realm = realm
	cfg.Dialer = rt.InProcess(realm)
	return client.New(cfg)
}
