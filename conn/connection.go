package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection presents the abstract point-to-point byte transport named
// in §4.2: connect/listen/accept/recv/send/close/isConnected. Sends are
// atomic: one Send call corresponds to one stream segment on the
// receiver side (I5: "within one logical write, all bytes appear to any
// reader as a single contiguous stream, regardless of chunking").
type Connection interface {
	Description() Description
	IsConnected() bool
	// Send writes buf as a single logical write. Never split across the
	// reader's logical-write boundary, though it may arrive as multiple
	// physical chunks.
	Send(buf []byte) error
	// RecvNB returns the next available chunk without blocking, or
	// (nil, false) if none is ready.
	RecvNB() ([]byte, bool)
	// RecvSync blocks (honoring ctx) until a chunk is available or the
	// connection closes.
	RecvSync(ctx context.Context) ([]byte, error)
	Close() error
	// Refcount lifecycle, per §3 DATA MODEL "Connection: refcount".
	Retain()
	Release()
}

// Listener is a Connection in listening state that accepts new
// Connections (GLOSSARY "Listener").
type Listener interface {
	Description() Description
	AcceptNB() (Connection, bool)
	AcceptSync(ctx context.Context) (Connection, error)
	Close() error
}

// baseConn holds the bookkeeping every concrete Connection shares:
// refcount, connected flag, inbound chunk channel. Concrete transports
// (TCPConn, PipeConn, MulticastConn) embed it.
type baseConn struct {
	desc      Description
	refs      atomic.Int32
	connected atomic.Bool
	closed    atomic.Bool

	inbound  chan []byte
	closeMu  sync.Mutex
	closeErr error
}

func newBaseConn(desc Description) *baseConn {
	return &baseConn{desc: desc, inbound: make(chan []byte, 256)}
}

func (b *baseConn) Description() Description { return b.desc }
func (b *baseConn) IsConnected() bool         { return b.connected.Load() }
func (b *baseConn) Retain()                   { b.refs.Add(1) }
func (b *baseConn) Release()                  { b.refs.Add(-1) }

func (b *baseConn) RecvNB() ([]byte, bool) {
	select {
	case data, ok := <-b.inbound:
		return data, ok
	default:
		return nil, false
	}
}

func (b *baseConn) RecvSync(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-b.inbound:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *baseConn) deliver(data []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.inbound <- data:
	default:
		// Slow consumer: apply back-pressure by blocking briefly rather
		// than dropping data (I5 contiguity must hold).
		select {
		case b.inbound <- data:
		case <-time.After(5 * time.Second):
		}
	}
}

func (b *baseConn) markClosed() {
	if b.closed.CompareAndSwap(false, true) {
		b.connected.Store(false)
		close(b.inbound)
	}
}

// TCPConn is a Connection backed by a net.Conn. Grounded on chotki
// network/net.go's Peer (keepRead/keepWrite loops, buffered
// accumulation) simplified to the narrower Connection contract §4.2
// asks for (no batching policy baked in here — DataOStream above this
// layer owns chunking per §4.4).
type TCPConn struct {
	*baseConn
	nc net.Conn

	writeMu sync.Mutex
}

func newTCPConn(desc Description, nc net.Conn) *TCPConn {
	c := &TCPConn{baseConn: newBaseConn(desc), nc: nc}
	c.connected.Store(true)
	go c.readLoop()
	return c
}

func (c *TCPConn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.deliver(chunk)
		}
		if err != nil {
			c.markClosed()
			return
		}
	}
}

func (c *TCPConn) Send(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.IsConnected() {
		return ErrNotConnected
	}
	_, err := c.nc.Write(buf)
	return err
}

func (c *TCPConn) Close() error {
	c.markClosed()
	return c.nc.Close()
}

// DialTCP opens a client-side TCP connection per the §6 `tcpip` kind.
func DialTCP(ctx context.Context, desc Description) (*TCPConn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(desc.Host, itoa(desc.Port)))
	if err != nil {
		return nil, err
	}
	return newTCPConn(desc, nc), nil
}

func itoa(i int) string {
	const digits = "0123456789"
	if i == 0 {
		return "0"
	}
	var b [20]byte
	pos := len(b)
	for i > 0 {
		pos--
		b[pos] = digits[i%10]
		i /= 10
	}
	return string(b[pos:])
}

// TCPListener accepts inbound TCPConns per the §6 `tcpip` kind.
type TCPListener struct {
	desc Description
	ln   net.Listener
	acc  chan Connection
	done chan struct{}
}

func ListenTCP(ctx context.Context, desc Description) (*TCPListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(desc.Host, itoa(desc.Port)))
	if err != nil {
		return nil, err
	}
	l := &TCPListener{desc: desc, ln: ln, acc: make(chan Connection, 16), done: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

func (l *TCPListener) acceptLoop() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			close(l.acc)
			return
		}
		l.acc <- newTCPConn(l.desc, nc)
	}
}

func (l *TCPListener) Description() Description { return l.desc }

func (l *TCPListener) AcceptNB() (Connection, bool) {
	select {
	case c, ok := <-l.acc:
		return c, ok
	default:
		return nil, false
	}
}

func (l *TCPListener) AcceptSync(ctx context.Context) (Connection, error) {
	select {
	case c, ok := <-l.acc:
		if !ok {
			return nil, ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *TCPListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return l.ln.Close()
}
