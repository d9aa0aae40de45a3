package client

import (
	"sort"
	"sync"

	"github.com/danmuck/routerd/internal/protocol"
)

// pendingRequest is the continuation of one outstanding request. Exactly
// one of onReply and onError runs, by whoever takes it from the table.
type pendingRequest struct {
	kind    uint32
	expect  uint32
	onReply func(protocol.Message)
	onError func(error)
}

// pendingTable holds the outstanding requests of one session, keyed by
// request id. Once drained it rejects new entries with the drain error.
type pendingTable struct {
	mu    sync.Mutex
	items map[uint64]*pendingRequest
	err   error
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[uint64]*pendingRequest)}
}

func (t *pendingTable) add(id uint64, p *pendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.items[id] = p
	return nil
}

func (t *pendingTable) take(id uint64) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	return p, ok
}

// drain empties the table and closes it to new entries. Only the first
// call returns entries.
func (t *pendingTable) drain(err error) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil
	}
	t.err = err
	ids := make([]uint64, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*pendingRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.items[id])
	}
	t.items = make(map[uint64]*pendingRequest)
	return out
}

func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func failAll(items []*pendingRequest, err error) {
	for _, p := range items {
		p.onError(err)
	}
}
