package router

import (
	"sort"
	"sync"

	"github.com/danmuck/routerd/internal/protocol"
	"github.com/rs/zerolog"
)

// registry owns the realm set. Lock order is registry.mu before Realm.mu;
// attaching to a realm and destroying it are serialized on registry.mu.
type registry struct {
	mu         sync.Mutex
	realms     map[string]*Realm
	auto       bool
	maxPayload int
	closed     bool
	ids        *idGen
	log        zerolog.Logger
}

func newRegistry(cfg Config, ids *idGen, log zerolog.Logger) *registry {
	return &registry{
		realms:     make(map[string]*Realm),
		auto:       cfg.AutoCreateRealms,
		maxPayload: cfg.MaxFramePayloadLength,
		ids:        ids,
		log:        log,
	}
}

func (g *registry) add(name string) (*Realm, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrRouterClosed
	}
	if _, exists := g.realms[name]; exists {
		return nil, ErrRealmExists
	}
	r := newRealm(name, true, g.maxPayload, g.ids, g.log)
	g.realms[name] = r
	return r, nil
}

// remove deletes the realm and returns the sessions that were attached.
func (g *registry) remove(name string) ([]*session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.realms[name]
	if !ok {
		return nil, false
	}
	delete(g.realms, name)
	return r.shutdown(), true
}

func (g *registry) get(name string) (*Realm, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.realms[name]
	return r, ok
}

func (g *registry) names() []string {
	g.mu.Lock()
	out := make([]string, 0, len(g.realms))
	for name := range g.realms {
		out = append(out, name)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

// attach joins s to the named realm, creating it when auto-creation is on.
// welcome, when set, is queued before the registry lock is released so a
// concurrent shutdown's Goodbye always follows it.
func (g *registry) attach(name string, s *session, welcome *protocol.Welcome) (*Realm, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, protocol.ErrSystemShutdown
	}
	r, ok := g.realms[name]
	if !ok {
		if !g.auto || name == "" {
			return nil, protocol.ErrNoSuchRealm
		}
		r = newRealm(name, false, g.maxPayload, g.ids, g.log)
		g.realms[name] = r
		g.log.Info().Str("realm", name).Msg("realm created on demand")
	}
	if !r.attach(s) {
		return nil, protocol.ErrNoSuchRealm
	}
	s.realm = r
	if welcome != nil {
		welcome.SessionID = s.id
		s.send(welcome)
	}
	return r, nil
}

// detach removes s from its realm and drops an on-demand realm once empty.
func (g *registry) detach(s *session) {
	r := s.realm
	if r == nil {
		return
	}
	if remaining := r.detach(s); remaining > 0 || r.static {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.realms[r.name] == r && r.SessionCount() == 0 {
		delete(g.realms, r.name)
		r.shutdown()
		g.log.Info().Str("realm", r.name).Msg("realm torn down after last session left")
	}
}

// closeAll stops new attachments and returns every attached session.
func (g *registry) closeAll() []*session {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	var out []*session
	for _, r := range g.realms {
		out = append(out, r.shutdown()...)
	}
	return out
}
