package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/routerd/internal/logging"
	"github.com/danmuck/routerd/internal/observability"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/transport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	ErrRouterClosed     = errors.New("router: closed")
	ErrRealmExists      = errors.New("router: realm already exists")
	ErrInvalidRealmName = errors.New("router: invalid realm name")
	errHandshakeTimeout = errors.New("router: handshake timeout")
)

// Router owns the realm registry and every session attached to it.
type Router struct {
	cfg        Config
	registry   *registry
	ids        idGen
	sessionIDs idGen
	log        zerolog.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[transport.Listener]struct{}
	wg        sync.WaitGroup
}

func New(cfg Config) (*Router, error) {
	cfg = cfg.WithDefaults()
	rt := &Router{
		cfg:       cfg,
		log:       logging.For("router.Router"),
		listeners: make(map[transport.Listener]struct{}),
	}
	rt.registry = newRegistry(cfg, &rt.ids, rt.log)
	for _, name := range cfg.Realms {
		if err := rt.AddRealm(name); err != nil {
			return nil, fmt.Errorf("router: realm %q: %w", name, err)
		}
	}
	observability.RegisterMetrics()
	return rt, nil
}

func (rt *Router) AddRealm(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidRealmName
	}
	if _, err := rt.registry.add(name); err != nil {
		return err
	}
	rt.log.Info().Str("realm", name).Msg("realm added")
	return nil
}

// RemoveRealm deletes the realm and says goodbye to its sessions.
func (rt *Router) RemoveRealm(name string) error {
	sessions, ok := rt.registry.remove(name)
	if !ok {
		return protocol.ErrNoSuchRealm
	}
	for _, s := range sessions {
		s.goodbye(protocol.URICloseRealm)
	}
	rt.log.Info().Str("realm", name).Int("sessions", len(sessions)).Msg("realm removed")
	return nil
}

func (rt *Router) Realm(name string) (*Realm, bool) {
	return rt.registry.get(name)
}

func (rt *Router) Realms() []string {
	return rt.registry.names()
}

// Serve accepts channels from ln until ctx ends or the router closes.
// Sessions accepted here receive a system_shutdown goodbye when ctx ends.
func (rt *Router) Serve(ctx context.Context, ln transport.Listener) error {
	if !rt.trackListener(ln) {
		_ = ln.Close()
		return ErrRouterClosed
	}
	defer rt.untrackListener(ln)
	defer ln.Close()
	rt.log.Info().Str("addr", ln.Addr()).Msg("router listening")

	for {
		ch, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || rt.isClosed() {
				return nil
			}
			return err
		}
		if !rt.beginSession() {
			_ = ch.Close()
			return nil
		}
		go func() {
			defer rt.wg.Done()
			rt.handleChannel(ctx, ch)
		}()
	}
}

func (rt *Router) handleChannel(ctx context.Context, ch transport.Channel) {
	log := rt.log.With().Str("remote", ch.RemoteAddr()).Logger()
	hello, err := rt.awaitHello(ctx, ch)
	if err != nil {
		log.Debug().Err(err).Msg("handshake failed")
		_ = ch.Close()
		return
	}

	s := newSession(rt.sessionIDs.next(), ch, rt.cfg.SessionQueueSize, rt.log)
	s.agent = hello.Agent
	if _, err := rt.registry.attach(hello.Realm, s, &protocol.Welcome{Agent: rt.cfg.Agent}); err != nil {
		reason := protocol.AsRPCError(err).URI
		log.Info().Str("realm", hello.Realm).Str("reason", reason).Msg("join rejected")
		_ = ch.Send(ctx, &protocol.Abort{Reason: reason, Message: fmt.Sprintf("realm %q unavailable", hello.Realm)})
		_ = ch.Close()
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.goodbye(protocol.URISystemShutdown)
		case <-stop:
		}
	}()
	rt.runSession(s)
}

func (rt *Router) awaitHello(ctx context.Context, ch transport.Channel) (*protocol.Hello, error) {
	timer := time.NewTimer(rt.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch.Receive():
		if !ok {
			if err := ch.Err(); err != nil {
				return nil, err
			}
			return nil, transport.ErrClosed
		}
		hello, ok := msg.(*protocol.Hello)
		if !ok {
			_ = ch.Send(ctx, &protocol.Abort{
				Reason:  protocol.URIProtocolViolation,
				Message: "expected HELLO, got " + protocol.TypeName(msg.Type()),
			})
			return nil, protocol.ErrProtocolViolation
		}
		return hello, nil
	case <-timer.C:
		return nil, errHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runSession blocks until the session's channel ends, then detaches it.
func (rt *Router) runSession(s *session) {
	realm := s.realm.name
	observability.RecordSessionOpened(realm)
	s.log.Info().Str("realm", realm).Str("agent", s.agent).Msg("session joined")

	go s.writeLoop()
	s.readLoop()
	s.kill()
	rt.registry.detach(s)

	observability.RecordSessionClosed(realm)
	s.log.Info().Str("realm", realm).AnErr("reason", s.ch.Err()).Msg("session left")
}

// Close stops every listener, says goodbye to every session and waits for
// them to detach. If ctx ends first the remaining sessions are cut off.
func (rt *Router) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	listeners := make([]transport.Listener, 0, len(rt.listeners))
	for ln := range rt.listeners {
		listeners = append(listeners, ln)
	}
	rt.mu.Unlock()

	var err error
	for _, ln := range listeners {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("router: close listener %s: %w", ln.Addr(), cerr))
		}
	}

	sessions := rt.registry.closeAll()
	for _, s := range sessions {
		s.goodbye(protocol.URISystemShutdown)
	}

	drained := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		for _, s := range sessions {
			s.kill()
		}
		<-drained
		err = multierr.Append(err, fmt.Errorf("router: drain sessions: %w", ctx.Err()))
	}
	rt.log.Info().Int("sessions", len(sessions)).Msg("router closed")
	return err
}

func (rt *Router) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

// beginSession reserves a slot in the session wait group unless closed.
func (rt *Router) beginSession() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return false
	}
	rt.wg.Add(1)
	return true
}

func (rt *Router) trackListener(ln transport.Listener) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return false
	}
	rt.listeners[ln] = struct{}{}
	return true
}

func (rt *Router) untrackListener(ln transport.Listener) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.listeners, ln)
}
