package client

import "sync"

// pump is an unbounded FIFO feeding a channel. push never blocks, so the
// connection read loop can hand off events and transitions to slow readers.
type pump[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	wake     chan struct{}
	out      chan T
	stop     chan struct{}
	stopOnce sync.Once
}

func newPump[T any]() *pump[T] {
	p := &pump[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		stop: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump[T]) push(v T) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.items = append(p.items, v)
	p.mu.Unlock()
	p.signal()
	return true
}

// close delivers what is queued, then closes out.
func (p *pump[T]) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

// cancel closes out without delivering what is queued.
func (p *pump[T]) cancel() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *pump[T]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pump[T]) run() {
	defer close(p.out)
	var zero T
	for {
		p.mu.Lock()
		if len(p.items) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-p.wake:
				continue
			case <-p.stop:
				return
			}
		}
		v := p.items[0]
		p.items[0] = zero
		p.items = p.items[1:]
		p.mu.Unlock()

		select {
		case p.out <- v:
		case <-p.stop:
			return
		}
	}
}
