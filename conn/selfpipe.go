package conn

// PipeConn is an in-process Connection backed by two cross-wired
// channels (no real socket). listen() always opens one of these, per
// SUPPLEMENT "Self-loopback pipe" in SPEC_FULL.md, so a LocalNode can
// send node commands to itself without a real socket round trip. Close()
// does not use it: it stops the receiver by flag and interrupt.
//
// Grounded on chotki toyqueue/twoway.go's twoWayQueue: two queues
// cross-wired so writes on one side arrive as reads on the other.
type PipeConn struct {
	*baseConn
	peer *PipeConn
}

// NewPipePair returns two PipeConns wired to each other: data sent on a
// arrives on b and vice versa.
func NewPipePair(desc Description) (a, b *PipeConn) {
	a = &PipeConn{baseConn: newBaseConn(desc)}
	b = &PipeConn{baseConn: newBaseConn(desc)}
	a.peer, b.peer = b, a
	a.connected.Store(true)
	b.connected.Store(true)
	return a, b
}

func (p *PipeConn) Send(buf []byte) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.peer.deliver(cp)
	return nil
}

func (p *PipeConn) Close() error {
	p.markClosed()
	if p.peer != nil {
		p.peer.markClosed()
	}
	return nil
}
