package node

import (
	"sync"
	"time"

	"github.com/rdumusc/collage/id"
)

// TokenServer arbitrates a single logical send-token per peer
// (§4.5.6). acquire requests are served FIFO on the command thread: if
// the token is free it replies immediately; otherwise the requester is
// queued. Grounded on original_source/libs/co/localNode.cpp's
// _cmdAcquireSendToken*/_cmdReleaseSendToken (std::deque-based FIFO),
// extended per SPEC_FULL.md SUPPLEMENT with grant expiry resolving §9
// Open Question (c).
type TokenServer struct {
	mu       sync.Mutex
	held     bool
	holder   id.ID128
	grantedAt time.Time
	waiters  []waiter

	grantTimeout time.Duration
}

type waiter struct {
	requester id.ID128
	reply     chan struct{}
}

func NewTokenServer(grantTimeout time.Duration) *TokenServer {
	return &TokenServer{grantTimeout: grantTimeout}
}

// Acquire blocks (honoring ctx-less timeout) until the token is granted
// to requester, or returns ErrTokenTimeout. I6: "A send token is held by
// at most one requester at a time" — enforced by held/holder under mu.
func (t *TokenServer) Acquire(requester id.ID128, timeout time.Duration) error {
	t.mu.Lock()
	t.reclaimExpiredLocked()
	if !t.held {
		t.held = true
		t.holder = requester
		t.grantedAt = time.Now()
		t.mu.Unlock()
		return nil
	}
	w := waiter{requester: requester, reply: make(chan struct{}, 1)}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.reply:
		return nil
	case <-time.After(timeout):
		t.dropWaiter(w)
		return ErrTokenTimeout
	}
}

func (t *TokenServer) dropWaiter(w waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ww := range t.waiters {
		if ww.reply == w.reply {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}

// Release returns the token; if the queue is non-empty the next waiter
// is woken. Idempotent per §4.5.6: releasing an already-lost (expired
// and regenerated) token is a silent no-op, never an error.
func (t *TokenServer) Release(holder id.ID128) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.held || t.holder != holder {
		return // lost/expired token: idempotent no-op
	}
	t.grantNextLocked()
}

func (t *TokenServer) grantNextLocked() {
	if len(t.waiters) == 0 {
		t.held = false
		t.holder = id.Zero
		return
	}
	next := t.waiters[0]
	t.waiters = t.waiters[1:]
	t.held = true
	t.holder = next.requester
	t.grantedAt = time.Now()
	select {
	case next.reply <- struct{}{}:
	default:
	}
}

// reclaimExpiredLocked implements the REDESIGN fix for §9 Open Question
// (c): a held-but-unreleased grant itself expires after grantTimeout and
// is force-reclaimed, rather than only the wait queue being dropped. It
// also drops a wait queue that has gone stale waiting on a grant that
// never released, regenerating the token as "lost" per §4.5.6.
func (t *TokenServer) reclaimExpiredLocked() {
	if t.held && t.grantTimeout > 0 && time.Since(t.grantedAt) > t.grantTimeout {
		t.held = false
		t.holder = id.Zero
		t.waiters = nil
	}
}

// Holder reports the current holder (id.Zero if free), for diagnostics
// and tests (P3).
func (t *TokenServer) Holder() id.ID128 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder
}

// WaiterCount reports the current FIFO queue depth, exported for the
// metrics collector.
func (t *TokenServer) WaiterCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
