package transport

import (
	"context"

	"github.com/danmuck/routerd/internal/protocol"
)

// pipeEnd is one side of an in-memory channel pair. Messages are handed
// over as values; nothing is encoded.
type pipeEnd struct {
	lifecycle
	queue chan protocol.Message
	peer  *pipeEnd
	name  string
}

// Pipe returns two connected in-memory channels. Closing either end ends
// both; the far side observes ErrPeerClosed.
func Pipe() (Channel, Channel) {
	a := newPipeEnd("pipe:a")
	b := newPipeEnd("pipe:b")
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeEnd(name string) *pipeEnd {
	return &pipeEnd{
		lifecycle: newLifecycle(0),
		queue:     make(chan protocol.Message, receiveBuffer),
		name:      name,
	}
}

// pump moves queued messages to Receive until the end is done. A nil
// entry marks the peer's close, so everything sent before it is delivered.
func (p *pipeEnd) pump() {
	defer close(p.in)
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			if msg == nil {
				p.finish(ErrPeerClosed)
				return
			}
			if !p.deliver(msg) {
				return
			}
		}
	}
}

func (p *pipeEnd) Send(ctx context.Context, msg protocol.Message) error {
	if msg == nil {
		return protocol.ErrNilMessage
	}
	if p.closed() {
		return ErrClosed
	}
	select {
	case p.peer.queue <- msg:
		return nil
	case <-p.peer.done:
		return ErrPeerClosed
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	if !p.finish(nil) {
		return nil
	}
	peer := p.peer
	go func() {
		select {
		case peer.queue <- nil:
		case <-peer.done:
		}
	}()
	return nil
}

func (p *pipeEnd) RemoteAddr() string {
	return p.peer.name
}
