package node

import (
	"sync"
	"time"

	"github.com/rdumusc/collage/conn"
	"github.com/rdumusc/collage/id"
)

// State is a Node's connection lifecycle state (§3 DATA MODEL).
type State int

const (
	StateClosed State = iota
	StateConnected
	StateListening
)

// Node is a peer visible to this process (§3 DATA MODEL "Node").
// Created CLOSED when learned of, transitions to CONNECTED after
// handshake, back to CLOSED on disconnect; removed from the peer
// registry when its primary connection closes.
type Node struct {
	mu sync.RWMutex

	id      id.ID128
	nodeType uint32
	descs   []conn.Description

	primary    conn.Connection // exactly one once connected (I1)
	multicasts []conn.Connection

	state         State
	lastReceiveAt time.Time
}

func NewNode(nodeID id.ID128, nodeType uint32, descs []conn.Description) *Node {
	return &Node{id: nodeID, nodeType: nodeType, descs: descs, state: StateClosed}
}

// NodeID satisfies wire.PeerRef.
func (n *Node) NodeID() id.ID128 { return n.id }

func (n *Node) Type() uint32 { return n.nodeType }

func (n *Node) Descriptions() []conn.Description {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]conn.Description, len(n.descs))
	copy(out, n.descs)
	return out
}

func (n *Node) SetDescriptions(descs []conn.Description) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.descs = descs
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) IsConnected() bool {
	return n.State() == StateConnected
}

// SetPrimary installs the peer's primary outgoing connection and
// transitions to CONNECTED (I1: "For every connected peer, the
// LocalNode holds a 1:1 mapping Node <-> primary Connection").
func (n *Node) SetPrimary(c conn.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.primary = c
	n.state = StateConnected
}

func (n *Node) Primary() conn.Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.primary
}

// Close transitions back to CLOSED (removal from the registry is the
// LocalNode's responsibility, per §3 "removed from the peer registry
// when its primary connection closes").
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.primary != nil {
		n.primary.Close()
		n.primary = nil
	}
	for _, m := range n.multicasts {
		m.Release()
	}
	n.multicasts = nil
	n.state = StateClosed
}

func (n *Node) AddMulticast(c conn.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.multicasts = append(n.multicasts, c)
}

func (n *Node) Multicasts() []conn.Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]conn.Connection, len(n.multicasts))
	copy(out, n.multicasts)
	return out
}

func (n *Node) Touch() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastReceiveAt = time.Now()
}

func (n *Node) LastReceive() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastReceiveAt
}
