package wire

import (
	"sync"
)

// Queue is the minimal interface a dispatch target needs: push a
// Command onto whichever CommandQueue/Worker backs it. The queue
// package implements this; wire only needs the narrow view to avoid an
// import cycle (queue imports wire for *Command).
type Queue interface {
	Push(cmd *Command) error
}

// Handler pairs a DispatchFunc with its target queue. A nil Queue means
// "invoke on the receiver thread" (§4.3).
type Handler struct {
	Fn    DispatchFunc
	Queue Queue // nil => invoke inline on the calling (receiver) goroutine
}

// PendingListSoftBound is the ~200-entry safety bound from §4.3/§9; once
// the pending list reaches it, Dispatcher calls the OnPendingOverflow
// hook (if one is installed) but keeps operating (it is a "soft
// warning", not a hard cap — see §5 "Back-pressure").
const PendingListSoftBound = 200

// Dispatcher maps opcode -> Handler and retries commands that deferred
// (returned false) whenever the receiver loop believes state may have
// changed. Grounded on original_source/net/session.cpp's
// _cmdHandler[packet->command] table and
// original_source/libs/co/localNode.cpp's
// _dispatchCommand/_redispatchCommands pending-list/fixed-point design.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler

	pmu     sync.Mutex
	pending []*Command

	onOverflow func(depth int) // hook for the 200-entry diagnostic; nil is fine
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint32]Handler)}
}

// Register installs the handler for a command opcode. The handler table
// is mutex-guarded, so Register may run while the receiver loop is
// already dispatching (object.Store registers its handlers after the
// LocalNode is listening); a command whose opcode has no handler yet
// waits in the pending list.
func (d *Dispatcher) Register(opcode uint32, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[opcode] = h
}

// OnPendingOverflow installs the diagnostic hook fired once the pending
// list crosses PendingListSoftBound.
func (d *Dispatcher) OnPendingOverflow(fn func(depth int)) {
	d.onOverflow = fn
}

// Dispatch looks up the handler for cmd's opcode and invokes it (on the
// target queue, or inline if the target is nil). If the handler defers
// (returns false) or none is registered yet, cmd is appended to the
// pending list for later Redispatch. Returns true on success.
func (d *Dispatcher) Dispatch(cmd *Command) bool {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Header.Command]
	d.mu.RUnlock()

	if !ok {
		d.defer_(cmd)
		return false
	}

	cmd.SetDispatchFunction(h.Fn)

	if h.Queue == nil {
		if h.Fn(cmd) {
			return true
		}
		d.defer_(cmd)
		return false
	}

	if err := h.Queue.Push(cmd); err != nil {
		d.defer_(cmd)
		return false
	}
	return true
}

func (d *Dispatcher) defer_(cmd *Command) {
	d.pmu.Lock()
	d.pending = append(d.pending, cmd)
	depth := len(d.pending)
	d.pmu.Unlock()

	if depth >= PendingListSoftBound && d.onOverflow != nil {
		d.onOverflow(depth)
	}
}

// Redispatch retries every pending command once, in FIFO order, dropping
// those that now succeed. Called from the receiver loop on every
// INTERRUPT or successful dispatch — a continuation-free fixed-point
// iteration rather than a coroutine await (spec.md §9).
func (d *Dispatcher) Redispatch() (remaining int) {
	d.pmu.Lock()
	batch := d.pending
	d.pending = nil
	d.pmu.Unlock()

	// Dispatch re-appends to d.pending itself on failure, so this loop
	// only needs to retry each command once per call.
	for _, cmd := range batch {
		d.Dispatch(cmd)
	}

	d.pmu.Lock()
	remaining = len(d.pending)
	d.pmu.Unlock()
	return remaining
}

// PendingLen reports the current pending-list depth, used by the
// prometheus collector (SPEC_FULL.md DOMAIN STACK).
func (d *Dispatcher) PendingLen() int {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return len(d.pending)
}
