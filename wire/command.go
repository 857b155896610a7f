package wire

import (
	"sync/atomic"

	"github.com/rdumusc/collage/buf"
	"github.com/rdumusc/collage/id"
)

// PeerRef and LocalRef are the minimal views wire needs onto Node and
// LocalNode; kept as interfaces here (rather than importing package
// node) to avoid an import cycle, since node.LocalNode builds commands
// that reference itself and its peers. Grounded on
// original_source/co/command.h's Command::getNode()/getLocalNode().
type PeerRef interface {
	NodeID() id.ID128
}

type LocalRef interface {
	NodeID() id.ID128
}

// DispatchFunc is invoked to handle a Command; it returns false if the
// command cannot yet be processed (SPEC_FULL.md §4.3 "dispatch defer").
type DispatchFunc func(cmd *Command) bool

// Command is a typed view over a Buffer plus contextual pointers to the
// sending Node and receiving LocalNode (§3 DATA MODEL "Command").
// Cloneable without copying the underlying buffer: Clone bumps the
// Buffer's refcount.
type Command struct {
	Header Header
	body   []byte // payload after the fixed header, still inside buffer's storage
	buffer *buf.Buffer

	From  PeerRef
	Local LocalRef

	// transport is the opaque connection this command arrived on,
	// independent of whether From has been resolved to a known Node yet
	// (the first CONNECT from an unrecognized peer has no From, but a
	// handler still needs a way to reply and to register the connection
	// as that peer's primary). wire does not know package conn's
	// Connection type (that would cycle back through node); the owning
	// package stores and retrieves it with its own type assertion, the
	// same pattern context.Value uses for request-scoped values.
	transport atomic.Value

	dispatch atomic.Pointer[DispatchFunc]
	free     atomic.Bool
}

// NewCommand wraps a fully received packet (header + tail) held in buffer
// into a Command. The buffer's ownership transfers to the Command: one
// Release call per NewCommand/Clone.
func NewCommand(hdr Header, buffer *buf.Buffer, from PeerRef, local LocalRef) *Command {
	c := &Command{
		Header: hdr,
		body:   buffer.Bytes()[HeaderLen:],
		buffer: buffer,
		From:   from,
		Local:  local,
	}
	return c
}

// Body returns the command's payload, i.e. the packet with its fixed
// header stripped.
func (c *Command) Body() []byte {
	return c.body
}

// Clone bumps the underlying buffer's refcount and returns a new Command
// handle sharing it — per spec.md §9: "Cloning a Command bumps the
// refcount, releasing drops it."
func (c *Command) Clone() *Command {
	c.buffer.Retain()
	clone := &Command{
		Header: c.Header,
		body:   c.body,
		buffer: c.buffer,
		From:   c.From,
		Local:  c.Local,
	}
	if fn := c.dispatch.Load(); fn != nil {
		clone.dispatch.Store(fn)
	}
	if t := c.transport.Load(); t != nil {
		clone.transport.Store(t)
	}
	return clone
}

// Release drops the underlying Buffer's refcount. I4: "Every Command
// released back to the cache has refcount zero and an empty dispatch
// function" — Release clears the dispatch function first.
func (c *Command) Release() {
	c.dispatch.Store(nil)
	c.free.Store(true)
	c.buffer.Release()
}

// IsFree reports whether Release has been called on this handle.
func (c *Command) IsFree() bool {
	return c.free.Load()
}

// SetTransport attaches the connection this command arrived on.
func (c *Command) SetTransport(conn any) {
	c.transport.Store(conn)
}

// Transport returns the connection this command arrived on, or nil if
// none was attached.
func (c *Command) Transport() any {
	return c.transport.Load()
}

// SetDispatchFunction attaches the handler chosen for this command's
// opcode, so a re-dispatch (pending list retry) can re-invoke it without
// a second table lookup.
func (c *Command) SetDispatchFunction(fn DispatchFunc) {
	c.dispatch.Store(&fn)
}

// Invoke calls the attached dispatch function, if any. Returns false
// (defer) if none is attached yet.
func (c *Command) Invoke() bool {
	fn := c.dispatch.Load()
	if fn == nil {
		return false
	}
	return (*fn)(c)
}
