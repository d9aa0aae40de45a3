package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/routerd/internal/protocol"
)

var (
	ErrClosed           = errors.New("transport: channel closed")
	ErrPeerClosed       = errors.New("transport: peer closed channel")
	ErrKeepAliveTimeout = errors.New("transport: keep-alive timeout")
	ErrUnsupportedURL   = errors.New("transport: unsupported address")
)

// Channel is one bidirectional message pipe.
//
// Receive is closed when the channel ends; Err then reports why (nil after
// a local Close). Send is safe for concurrent use.
type Channel interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive() <-chan protocol.Message
	Done() <-chan struct{}
	Err() error
	Close() error
	RemoteAddr() string
}

// Connector opens client-side channels.
type Connector interface {
	Connect(ctx context.Context, address string, cfg Config) (Channel, error)
}

// Listener accepts router-side channels.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Addr() string
	Close() error
}

// lifecycle is the shared done/err bookkeeping of every provider.
type lifecycle struct {
	in   chan protocol.Message
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newLifecycle(buffer int) lifecycle {
	return lifecycle{
		in:   make(chan protocol.Message, buffer),
		done: make(chan struct{}),
	}
}

// finish records err as the terminal reason; only the first call wins.
func (l *lifecycle) finish(err error) bool {
	first := false
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		first = true
	})
	return first
}

func (l *lifecycle) Receive() <-chan protocol.Message {
	return l.in
}

func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// deliver hands msg to the Receive side unless the channel has ended.
func (l *lifecycle) deliver(msg protocol.Message) bool {
	select {
	case l.in <- msg:
		return true
	case <-l.done:
		return false
	}
}
