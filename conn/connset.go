package conn

import (
	"context"
	"sync"
	"time"
)

// Event is one of the readiness outcomes a ConnectionSet.Select call can
// report (§4.2).
type Event int

const (
	EventTimeout Event = iota
	EventConnect
	EventData
	EventDisconnect
	EventInvalidHandle
	EventError
	EventSelectError
	EventInterrupt
)

// Result is what Select returns: the Event plus, for CONNECT/DATA/
// DISCONNECT/ERROR, which Connection or Listener it concerns.
type Result struct {
	Event      Event
	Conn       Connection
	Listener   Listener
	Err        error
}

// ConnectionSet multiplexes connections and listeners (§4.2). Grounded
// on original_source/libs/co/localNode.cpp's _runReceiverThread select
// loop (EVENT_CONNECT/DATA/DISCONNECT/INVALID_HANDLE/TIMEOUT/ERROR,
// EVENT_SELECT_ERROR, EVENT_INTERRUPT), reimplemented over Go channels
// — a select over multiple channels is the idiomatic analogue of the
// original's poll-based ConnectionSet::select. The connection registry
// itself uses a plain mutex-guarded map here because ConnectionSet is
// receiver-thread-exclusive by design (§5 "the connection->Node map is
// receiver-exclusive and unlocked"); xsync is used one layer up, in
// node.LocalNode's peer registry, which genuinely is read from multiple
// goroutines.
type ConnectionSet struct {
	mu        sync.Mutex
	conns     map[Connection]struct{}
	listeners map[Listener]struct{}

	events    chan Result
	interrupt chan struct{}

	errorStreak map[Connection]int
}

// ErrorTolerance and SelectErrorTolerance are the §4.2 "Error
// tolerance" bounds: up to 100 consecutive ERROR events before forcing
// disconnect, up to 10 consecutive SELECT_ERROR before aborting.
const (
	ErrorTolerance       = 100
	SelectErrorTolerance = 10
)

func NewConnectionSet() *ConnectionSet {
	return &ConnectionSet{
		conns:       make(map[Connection]struct{}),
		listeners:   make(map[Listener]struct{}),
		events:      make(chan Result, 64),
		interrupt:   make(chan struct{}, 1),
		errorStreak: make(map[Connection]int),
	}
}

// AddConnection registers a Connection and starts forwarding its
// incoming data as DATA events.
func (s *ConnectionSet) AddConnection(c Connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go s.pumpConn(c)
}

func (s *ConnectionSet) RemoveConnection(c Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	delete(s.errorStreak, c)
	s.mu.Unlock()
}

// AddListener registers a Listener and starts forwarding accepted
// connections as CONNECT events.
func (s *ConnectionSet) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	go s.pumpListener(l)
}

func (s *ConnectionSet) RemoveListener(l Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *ConnectionSet) pumpConn(c Connection) {
	ctx := context.Background()
	for {
		data, err := c.RecvSync(ctx)
		if err != nil {
			s.emit(Result{Event: EventDisconnect, Conn: c, Err: err})
			return
		}
		s.emit(Result{Event: EventData, Conn: c, Err: nil, Listener: nil})
		_ = data // the actual bytes are drained by the receiver via c.RecvNB
	}
}

func (s *ConnectionSet) pumpListener(l Listener) {
	ctx := context.Background()
	for {
		c, err := l.AcceptSync(ctx)
		if err != nil {
			return
		}
		s.emit(Result{Event: EventConnect, Conn: c, Listener: l})
	}
}

func (s *ConnectionSet) emit(r Result) {
	select {
	case s.events <- r:
	default:
		// events channel full: this is EVENT_SELECT_ERROR territory in
		// the original; surface it rather than block the pump forever.
		select {
		case s.events <- r:
		case <-time.After(time.Second):
		}
	}
}

// Interrupt unblocks a pending Select and delivers INTERRUPT once (§4.2
// "interrupt()... used to wake the receiver for self-initiated work such
// as re-dispatch").
func (s *ConnectionSet) Interrupt() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// Select blocks until an event occurs or timeout elapses.
func (s *ConnectionSet) Select(timeout time.Duration) Result {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-s.events:
		if r.Event == EventError {
			s.mu.Lock()
			s.errorStreak[r.Conn]++
			streak := s.errorStreak[r.Conn]
			s.mu.Unlock()
			if streak > ErrorTolerance {
				r.Event = EventDisconnect
			}
		} else {
			s.mu.Lock()
			delete(s.errorStreak, r.Conn)
			s.mu.Unlock()
		}
		return r
	case <-s.interrupt:
		return Result{Event: EventInterrupt}
	case <-timer:
		return Result{Event: EventTimeout}
	}
}
