package client

import (
	"fmt"
	"time"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is one state change. SessionID is set on Connected; Err
// carries the cause when a transition was driven by a failure.
type Transition struct {
	From      State
	State     State
	SessionID uint64
	Attempt   int
	Err       error
	At        time.Time
}

// Watcher receives every transition from the moment it was created, in
// order. The channel closes after Closed or Stop.
type Watcher struct {
	client *Client
	queue  *pump[Transition]
}

func (w *Watcher) Transitions() <-chan Transition {
	return w.queue.out
}

// Stop detaches the watcher and drops undelivered transitions.
func (w *Watcher) Stop() {
	w.client.mu.Lock()
	delete(w.client.watchers, w)
	w.client.mu.Unlock()
	w.queue.cancel()
}
