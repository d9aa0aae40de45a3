package router

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/routerd/internal/observability"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/schema"
	"github.com/rs/zerolog"
)

type registration struct {
	id        uint64
	procedure string
	session   uint64
}

type subscription struct {
	id      uint64
	topic   string
	session uint64
}

// invocation is one call awaiting its callee. Whoever removes it from the
// realm's invocation table owns delivery of the terminal outcome.
type invocation struct {
	id            uint64
	caller        *session
	callerRequest uint64
	callee        uint64
	registration  uint64
	started       time.Time
}

// Realm is one isolated namespace of sessions, procedures and topics.
//
// mu guards the session, registration and subscription tables. Mutations
// take the write lock; call and publish resolve targets under the read lock.
// invMu guards invocations and nests inside mu.
type Realm struct {
	name       string
	static     bool
	maxPayload int
	ids        *idGen
	log        zerolog.Logger

	mu            sync.RWMutex
	closed        bool
	sessions      map[uint64]*session
	procedures    map[string]*registration
	registrations map[uint64]*registration
	topics        map[string]map[uint64]*subscription
	subscriptions map[uint64]*subscription

	invMu       sync.Mutex
	invocations map[uint64]*invocation
}

func newRealm(name string, static bool, maxPayload int, ids *idGen, log zerolog.Logger) *Realm {
	return &Realm{
		name:          name,
		static:        static,
		maxPayload:    maxPayload,
		ids:           ids,
		log:           log.With().Str("realm", name).Logger(),
		sessions:      make(map[uint64]*session),
		procedures:    make(map[string]*registration),
		registrations: make(map[uint64]*registration),
		topics:        make(map[string]map[uint64]*subscription),
		subscriptions: make(map[uint64]*subscription),
		invocations:   make(map[uint64]*invocation),
	}
}

func (r *Realm) Name() string {
	return r.name
}

func (r *Realm) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Procedures returns the registered procedure names, sorted.
func (r *Realm) Procedures() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Subscribers reports how many sessions are subscribed to topic.
func (r *Realm) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

func (r *Realm) PendingInvocations() int {
	r.invMu.Lock()
	defer r.invMu.Unlock()
	return len(r.invocations)
}

// attach adds s; it fails once the realm has been shut down.
func (r *Realm) attach(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.id] = s
	return true
}

// detach removes s and everything it owns in one step. Invocations waiting
// on s fail with SessionGone; invocations s was waiting on are dropped.
// It returns the remaining session count.
func (r *Realm) detach(s *session) int {
	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		n := len(r.sessions)
		r.mu.Unlock()
		return n
	}
	delete(r.sessions, s.id)
	for id, reg := range r.registrations {
		if reg.session == s.id {
			delete(r.registrations, id)
			delete(r.procedures, reg.procedure)
		}
	}
	for id, sub := range r.subscriptions {
		if sub.session != s.id {
			continue
		}
		delete(r.subscriptions, id)
		if subs := r.topics[sub.topic]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(r.topics, sub.topic)
			}
		}
	}
	var orphaned []*invocation
	r.invMu.Lock()
	for id, inv := range r.invocations {
		switch {
		case inv.callee == s.id:
			delete(r.invocations, id)
			orphaned = append(orphaned, inv)
		case inv.caller == s:
			delete(r.invocations, id)
		}
	}
	r.invMu.Unlock()
	remaining := len(r.sessions)
	r.mu.Unlock()

	for _, inv := range orphaned {
		inv.caller.send(&protocol.Error{
			RequestType: schema.MsgCall,
			Request:     inv.callerRequest,
			URI:         protocol.URISessionGone,
		})
		observability.RecordCall(r.name, observability.OutcomeAbandoned, time.Since(inv.started))
	}
	if len(orphaned) > 0 {
		r.log.Debug().Uint64("session", s.id).Int("invocations", len(orphaned)).Msg("failed invocations for departed callee")
	}
	return remaining
}

// shutdown marks the realm closed and returns the sessions still attached.
func (r *Realm) shutdown() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Realm) register(s *session, msg *protocol.Register) {
	r.mu.Lock()
	if _, exists := r.procedures[msg.Procedure]; exists {
		r.mu.Unlock()
		s.send(requestError(schema.MsgRegister, msg.Request, protocol.URIProcedureAlreadyExists, msg.Procedure))
		return
	}
	reg := &registration{id: r.ids.next(), procedure: msg.Procedure, session: s.id}
	r.procedures[reg.procedure] = reg
	r.registrations[reg.id] = reg
	r.mu.Unlock()

	r.log.Debug().Uint64("session", s.id).Str("procedure", reg.procedure).Uint64("registration", reg.id).Msg("registered")
	s.send(&protocol.Registered{Request: msg.Request, Registration: reg.id})
}

func (r *Realm) unregister(s *session, msg *protocol.Unregister) {
	r.mu.Lock()
	reg, ok := r.registrations[msg.Registration]
	if !ok || reg.session != s.id {
		r.mu.Unlock()
		s.send(requestError(schema.MsgUnregister, msg.Request, protocol.URINoSuchRegistration))
		return
	}
	delete(r.registrations, reg.id)
	delete(r.procedures, reg.procedure)
	r.mu.Unlock()

	s.send(&protocol.Unregistered{Request: msg.Request})
}

func (r *Realm) call(s *session, msg *protocol.Call) {
	if r.oversized(&protocol.Invocation{Procedure: msg.Procedure, Args: msg.Args, KwArgs: msg.KwArgs}) {
		s.send(requestError(schema.MsgCall, msg.Request, protocol.URIPayloadSizeExceeded, msg.Procedure))
		observability.RecordCall(r.name, observability.OutcomeError, 0)
		return
	}
	r.mu.RLock()
	reg, ok := r.procedures[msg.Procedure]
	var callee *session
	if ok {
		callee = r.sessions[reg.session]
	}
	if callee == nil {
		r.mu.RUnlock()
		s.send(requestError(schema.MsgCall, msg.Request, protocol.URINoSuchProcedure, msg.Procedure))
		observability.RecordCall(r.name, observability.OutcomeNoRoute, 0)
		return
	}
	inv := &invocation{
		id:            r.ids.next(),
		caller:        s,
		callerRequest: msg.Request,
		callee:        callee.id,
		registration:  reg.id,
		started:       time.Now(),
	}
	r.invMu.Lock()
	r.invocations[inv.id] = inv
	r.invMu.Unlock()
	r.mu.RUnlock()

	callee.send(&protocol.Invocation{
		Request:      inv.id,
		Registration: reg.id,
		Procedure:    msg.Procedure,
		Args:         msg.Args,
		KwArgs:       msg.KwArgs,
	})
}

// undeliverable handles a message the session's channel refused to encode.
// The channel itself is still usable, so only the message is lost; an
// invocation is failed back to its caller.
func (r *Realm) undeliverable(s *session, msg protocol.Message) {
	m, ok := msg.(*protocol.Invocation)
	if !ok {
		return
	}
	inv, ok := r.complete(s, m.Request)
	if !ok {
		return
	}
	inv.caller.send(requestError(schema.MsgCall, inv.callerRequest, protocol.URIPayloadSizeExceeded, m.Procedure))
	observability.RecordCall(r.name, observability.OutcomeError, time.Since(inv.started))
}

// oversized reports whether msg would exceed the frame payload limit. Ids
// are fixed width, so the router-assigned ones need not be known yet.
func (r *Realm) oversized(msg protocol.Message) bool {
	n, err := protocol.PayloadSize(msg)
	if err != nil {
		r.log.Debug().Err(err).Str("type", protocol.TypeName(msg.Type())).Msg("cannot encode outbound message")
		return true
	}
	return n > r.maxPayload
}

// complete removes the invocation if s is its callee.
func (r *Realm) complete(s *session, request uint64) (*invocation, bool) {
	r.invMu.Lock()
	defer r.invMu.Unlock()
	inv, ok := r.invocations[request]
	if !ok || inv.callee != s.id {
		return nil, false
	}
	delete(r.invocations, request)
	return inv, true
}

func (r *Realm) yield(s *session, msg *protocol.Yield) {
	inv, ok := r.complete(s, msg.Request)
	if !ok {
		r.log.Debug().Uint64("session", s.id).Uint64("request", msg.Request).Msg("yield for unknown invocation")
		return
	}
	inv.caller.send(&protocol.Result{Request: inv.callerRequest, Args: msg.Args, KwArgs: msg.KwArgs})
	observability.RecordCall(r.name, observability.OutcomeResult, time.Since(inv.started))
}

func (r *Realm) invocationError(s *session, msg *protocol.Error) {
	inv, ok := r.complete(s, msg.Request)
	if !ok {
		r.log.Debug().Uint64("session", s.id).Uint64("request", msg.Request).Msg("error for unknown invocation")
		return
	}
	inv.caller.send(&protocol.Error{
		RequestType: schema.MsgCall,
		Request:     inv.callerRequest,
		URI:         msg.URI,
		Args:        msg.Args,
		KwArgs:      msg.KwArgs,
	})
	observability.RecordCall(r.name, observability.OutcomeError, time.Since(inv.started))
}

func (r *Realm) subscribe(s *session, msg *protocol.Subscribe) {
	r.mu.Lock()
	subs := r.topics[msg.Topic]
	if subs == nil {
		subs = make(map[uint64]*subscription)
		r.topics[msg.Topic] = subs
	}
	sub, ok := subs[s.id]
	if !ok {
		sub = &subscription{id: r.ids.next(), topic: msg.Topic, session: s.id}
		subs[s.id] = sub
		r.subscriptions[sub.id] = sub
	}
	r.mu.Unlock()

	s.send(&protocol.Subscribed{Request: msg.Request, Subscription: sub.id})
}

func (r *Realm) unsubscribe(s *session, msg *protocol.Unsubscribe) {
	r.mu.Lock()
	sub, ok := r.subscriptions[msg.Subscription]
	if !ok || sub.session != s.id {
		r.mu.Unlock()
		s.send(requestError(schema.MsgUnsubscribe, msg.Request, protocol.URINoSuchSubscription))
		return
	}
	delete(r.subscriptions, sub.id)
	if subs := r.topics[sub.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(r.topics, sub.topic)
		}
	}
	r.mu.Unlock()

	s.send(&protocol.Unsubscribed{Request: msg.Request})
}

type eventTarget struct {
	session      *session
	subscription uint64
}

// publish delivers one event to every subscriber present when it is called.
// A publication whose Event would not fit a frame reaches nobody.
func (r *Realm) publish(s *session, msg *protocol.Publish) {
	if r.oversized(&protocol.Event{Topic: msg.Topic, Args: msg.Args, KwArgs: msg.KwArgs}) {
		r.log.Debug().Uint64("session", s.id).Str("topic", msg.Topic).Msg("publication exceeds frame payload limit")
		if msg.Acknowledge {
			s.send(requestError(schema.MsgPublish, msg.Request, protocol.URIPayloadSizeExceeded, msg.Topic))
		}
		return
	}
	r.mu.RLock()
	subs := r.topics[msg.Topic]
	targets := make([]eventTarget, 0, len(subs))
	for sessionID, sub := range subs {
		if msg.ExcludeMe && sessionID == s.id {
			continue
		}
		if target := r.sessions[sessionID]; target != nil {
			targets = append(targets, eventTarget{session: target, subscription: sub.id})
		}
	}
	r.mu.RUnlock()

	publication := r.ids.next()
	for _, t := range targets {
		t.session.send(&protocol.Event{
			Subscription: t.subscription,
			Publication:  publication,
			Topic:        msg.Topic,
			Args:         msg.Args,
			KwArgs:       msg.KwArgs,
		})
	}
	observability.RecordEvents(r.name, len(targets))
	if msg.Acknowledge {
		s.send(&protocol.Published{Request: msg.Request, Publication: publication})
	}
}

func requestError(requestType uint32, request uint64, uri string, args ...any) *protocol.Error {
	out := &protocol.Error{RequestType: requestType, Request: request, URI: uri}
	if len(args) > 0 {
		out.Args = protocol.Args(args)
	}
	return out
}
