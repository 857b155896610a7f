package node

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// RequestHandler is the process-wide table keyed by requestID that
// rendezvouses a waiter with an async reply (spec.md §9 "Request
// handler"). register allocates an id, serve fulfills, wait blocks with
// a timeout. One-shot semantics drop late replies silently — an
// abandoned request's slot is removed on timeout, so a reply arriving
// afterward finds no slot and is discarded.
//
// Grounded on spec.md §9's design note; backed by
// github.com/puzpuzpuz/xsync/v3 (chotki protocol/net.go,
// toytlv/transport.go), the same concurrent map used for the peer
// registry, since this table is also read/written from many goroutines
// at once (every handler thread that might serve a reply).
type RequestHandler struct {
	slots   *xsync.MapOf[uint32, chan any]
	counter atomic.Uint32
}

func NewRequestHandler() *RequestHandler {
	return &RequestHandler{slots: xsync.NewMapOf[uint32, chan any]()}
}

// Register allocates a fresh requestID and its one-shot reply slot.
func (r *RequestHandler) Register() (uint32, <-chan any) {
	id := r.counter.Add(1)
	ch := make(chan any, 1)
	r.slots.Store(id, ch)
	return id, ch
}

// Serve fulfills requestID's slot with payload, if still waiting. A
// late serve (slot already removed by Wait's timeout) is a silent no-op
// per the one-shot semantics.
func (r *RequestHandler) Serve(requestID uint32, payload any) {
	if ch, ok := r.slots.LoadAndDelete(requestID); ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Wait blocks on requestID's slot up to timeout, returning the served
// payload or ErrTimeout. Always removes the slot on return, so a reply
// racing in just after a timeout is dropped.
func (r *RequestHandler) Wait(requestID uint32, ch <-chan any, timeout time.Duration) (any, error) {
	defer r.slots.Delete(requestID)
	select {
	case payload := <-ch:
		return payload, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}
