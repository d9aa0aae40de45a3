package client

import (
	"errors"
	"sync"

	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/schema"
)

// Event is one publication received on a subscription.
type Event struct {
	Topic       string
	Publication uint64
	Args        protocol.Args
	KwArgs      map[string]any
}

// topicGroup is the single router subscription behind every local stream
// on one topic. id is zero until the router acknowledged it.
type topicGroup struct {
	topic   string
	id      uint64
	ack     *Future[uint64]
	streams map[*Subscription]struct{}
	// abandoned is set when the last stream left before the ack arrived;
	// the router subscription is then removed as soon as it is known.
	abandoned *Future[struct{}]
}

func (g *topicGroup) snapshot() []*Subscription {
	out := make([]*Subscription, 0, len(g.streams))
	for s := range g.streams {
		out = append(out, s)
	}
	return out
}

// Subscription is a local event stream on a topic. Events is closed when
// the stream ends: after Unsubscribe, on a rejected subscribe, or when the
// session ends. Err reports why; it is nil after Unsubscribe.
type Subscription struct {
	client *Client
	conn   *connection
	topic  string
	group  *topicGroup
	ack    *Future[uint64]
	events *pump[*Event]

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription(c *Client, topic string) *Subscription {
	return &Subscription{
		client: c,
		topic:  topic,
		events: newPump[*Event](),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Ack resolves with the router subscription id, or the subscribe error.
func (s *Subscription) Ack() *Future[uint64] {
	return s.ack
}

func (s *Subscription) Events() <-chan *Event {
	return s.events.out
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) push(ev *Event) {
	s.events.push(ev)
}

// end closes the stream once; queued events are still delivered.
func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.events.close()
		close(s.done)
	})
}

func (s *Subscription) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Subscribe opens an event stream on topic. Streams on the same topic share
// one router subscription.
func (c *Client) Subscribe(topic string) *Subscription {
	sub := newSubscription(c, topic)
	conn, err := c.current()
	if err != nil {
		sub.ack = failedFuture[uint64](err)
		sub.end(err)
		return sub
	}
	sub.conn = conn

	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	conn.mu.Lock()
	if g := conn.topics[topic]; g != nil {
		g.streams[sub] = struct{}{}
		sub.group = g
		sub.ack = g.ack
		conn.mu.Unlock()
		return sub
	}
	g := &topicGroup{
		topic:   topic,
		ack:     newFuture[uint64](),
		streams: map[*Subscription]struct{}{sub: {}},
	}
	conn.topics[topic] = g
	sub.group = g
	sub.ack = g.ack
	conn.mu.Unlock()

	conn.requestLocked(&pendingRequest{
		kind:   schema.MsgSubscribe,
		expect: schema.MsgSubscribed,
		onReply: func(msg protocol.Message) {
			id := msg.(*protocol.Subscribed).Subscription
			// Held so releasing an abandoned group is ordered against a
			// newer Subscribe on the same topic.
			conn.sendMu.Lock()
			defer conn.sendMu.Unlock()
			conn.mu.Lock()
			g.id = id
			abandoned := g.abandoned
			// A newer group on the topic gets the same router id back
			// and takes ownership of it.
			superseded := conn.topics[topic] != nil && conn.topics[topic] != g
			if abandoned == nil {
				conn.groups[id] = g
			}
			conn.mu.Unlock()
			g.ack.resolve(id, nil)
			switch {
			case abandoned == nil:
			case superseded:
				abandoned.resolve(struct{}{}, nil)
			default:
				conn.requestLocked(releaseRequest(abandoned), func(rid uint64) protocol.Message {
					return &protocol.Unsubscribe{Request: rid, Subscription: id}
				})
			}
		},
		onError: func(err error) {
			conn.mu.Lock()
			if conn.topics[topic] == g {
				delete(conn.topics, topic)
			}
			streams := g.snapshot()
			abandoned := g.abandoned
			conn.mu.Unlock()
			g.ack.resolve(0, err)
			for _, s := range streams {
				s.end(err)
			}
			if abandoned != nil {
				abandoned.resolve(struct{}{}, nil)
			}
		},
	}, func(id uint64) protocol.Message {
		return &protocol.Subscribe{Request: id, Topic: topic}
	})
	return sub
}

// Unsubscribe ends this stream. The router subscription is removed when
// the last stream on the topic leaves.
func (s *Subscription) Unsubscribe() *Future[struct{}] {
	if s.ended() || s.conn == nil {
		return resolvedFuture(struct{}{})
	}
	conn := s.conn
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	conn.mu.Lock()
	g := s.group
	delete(g.streams, s)
	last := len(g.streams) == 0
	acked := g.id != 0
	var f *Future[struct{}]
	if last {
		f = newFuture[struct{}]()
		if conn.topics[g.topic] == g {
			delete(conn.topics, g.topic)
		}
		if acked {
			delete(conn.groups, g.id)
		} else {
			g.abandoned = f
		}
	}
	conn.mu.Unlock()
	s.end(nil)

	switch {
	case !last:
		return resolvedFuture(struct{}{})
	case acked:
		conn.requestLocked(unsubscribeRequest(f), func(id uint64) protocol.Message {
			return &protocol.Unsubscribe{Request: id, Subscription: g.id}
		})
	}
	return f
}

func unsubscribeRequest(f *Future[struct{}]) *pendingRequest {
	return &pendingRequest{
		kind:    schema.MsgUnsubscribe,
		expect:  schema.MsgUnsubscribed,
		onReply: func(protocol.Message) { f.resolve(struct{}{}, nil) },
		onError: func(err error) { f.resolve(struct{}{}, err) },
	}
}

// releaseRequest unsubscribes a group nobody listens to any more. Groups
// abandoned on the same topic before their acks share one router id, so
// only the first release finds it; the rest see NoSuchSubscription.
func releaseRequest(f *Future[struct{}]) *pendingRequest {
	return &pendingRequest{
		kind:    schema.MsgUnsubscribe,
		expect:  schema.MsgUnsubscribed,
		onReply: func(protocol.Message) { f.resolve(struct{}{}, nil) },
		onError: func(err error) {
			if errors.Is(err, protocol.ErrNoSuchSubscription) {
				err = nil
			}
			f.resolve(struct{}{}, err)
		},
	}
}
