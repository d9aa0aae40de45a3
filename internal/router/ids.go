package router

import "sync/atomic"

// idGen issues ids unique for the router lifetime. Zero is never issued.
type idGen struct {
	n atomic.Uint64
}

func (g *idGen) next() uint64 {
	return g.n.Add(1)
}
