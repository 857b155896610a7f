package node

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdumusc/collage/buf"
	"github.com/rdumusc/collage/conn"
	"github.com/rdumusc/collage/global"
	"github.com/rdumusc/collage/id"
	"github.com/rdumusc/collage/queue"
	"github.com/rdumusc/collage/utils"
	"github.com/rdumusc/collage/wire"
	"github.com/puzpuzpuz/xsync/v3"
)

// minJitter/maxBackoff bound the §4.5.3 collision back-off: the jitter
// window starts at minJitter and doubles per retry up to maxBackoff (the
// REDESIGN FLAG resolving Open Question (a) with exponential back-off
// instead of a flat 1-255 ms jitter window).
const (
	minJitter  = 1 * time.Millisecond
	maxBackoff = 8 * time.Second
)

// LocalNode is the process's own node: it owns the receiver thread, the
// command thread, the peer registry, and every node-level command
// handler (§4.5 LOCALNODE). Grounded extensively on
// original_source/libs/co/localNode.cpp.
type LocalNode struct {
	selfID   id.ID128
	nodeType uint32
	global   *global.Global
	log      utils.Logger
	cache    *buf.Cache

	peers *xsync.MapOf[string, *Node]

	dispatcher *wire.Dispatcher
	connset    *conn.ConnectionSet
	tokens     *TokenServer
	reqs       *RequestHandler

	cmdQueue  *queue.Queue
	cmdWorker *queue.Worker

	listeners  []conn.Listener
	selfA, selfB *conn.PipeConn

	state   atomic.Int32
	closing atomic.Bool

	wg sync.WaitGroup
}

// NewLocalNode constructs a LocalNode in the CLOSED state (§4.5.2
// "initLocal... the node starts CLOSED").
func NewLocalNode(nodeType uint32, g *global.Global, log utils.Logger) *LocalNode {
	if g == nil {
		g = global.New()
	}
	ln := &LocalNode{
		selfID:     id.NewNodeID(),
		nodeType:   nodeType,
		global:     g,
		log:        log,
		cache:      &buf.Cache{},
		peers:      xsync.NewMapOf[string, *Node](),
		dispatcher: wire.NewDispatcher(),
		connset:    conn.NewConnectionSet(),
		tokens:     NewTokenServer(g.SendTokenGrantTimeout()),
		reqs:       NewRequestHandler(),
		cmdQueue:   queue.New(int(g.PendingListBound.Load())),
	}
	ln.cmdWorker = queue.NewWorker(ln.cmdQueue, nil, log)
	ln.registerHandlers()
	return ln
}

func (ln *LocalNode) NodeID() id.ID128 { return ln.selfID }
func (ln *LocalNode) Type() uint32     { return ln.nodeType }
func (ln *LocalNode) State() State     { return State(ln.state.Load()) }

// Dispatcher, Requests and Global expose the collaborators the object
// store needs (opcode registration, the requestID rendezvous table, and
// the process-wide tunables) without handing out the receiver thread's
// private state wholesale. object.Store holds a *LocalNode rather than
// reimplementing any of this, since node does not import object and no
// cycle results.
func (ln *LocalNode) Dispatcher() *wire.Dispatcher { return ln.dispatcher }
func (ln *LocalNode) Requests() *RequestHandler    { return ln.reqs }
func (ln *LocalNode) Global() *global.Global       { return ln.global }

// Tokens exposes the send-token arbiter for the metrics collector
// (queue depth) and tests; the object store never touches it directly.
func (ln *LocalNode) Tokens() *TokenServer { return ln.tokens }

// BufferCache exposes the node's buffer pool for the metrics collector.
func (ln *LocalNode) BufferCache() *buf.Cache { return ln.cache }

// SendTo delivers a packet to target's primary connection. Returns
// ErrNodeUnknown if target is not a connected peer.
func (ln *LocalNode) SendTo(target id.ID128, typ wire.PacketType, command uint32, body []byte) error {
	n, ok := ln.peers.Load(target.String())
	if !ok {
		return ErrNodeUnknown
	}
	c := n.Primary()
	if c == nil {
		return ErrNodeUnknown
	}
	pkt := append(wire.EncodeHeader(len(body), typ, command), body...)
	return c.Send(pkt)
}

// PeerSink adapts a connected peer's primary connection to
// stream.Sink, for handing straight to stream.NewDataOStream.
func (ln *LocalNode) PeerSink(target id.ID128) (conn.Connection, bool) {
	n, ok := ln.peers.Load(target.String())
	if !ok {
		return nil, false
	}
	c := n.Primary()
	if c == nil {
		return nil, false
	}
	return c, true
}

// initLocal parses startup args and applies --co-globals overrides
// (§4.5.2).
func InitLocal(args []string, log utils.Logger) (*LocalNode, StartupArgs, error) {
	sa, err := ParseStartupArgs(args)
	if err != nil {
		return nil, StartupArgs{}, err
	}
	g := global.New()
	if err := g.ApplyKV(sa.Globals); err != nil {
		return nil, sa, err
	}
	return NewLocalNode(0, g, log), sa, nil
}

// Listen opens a listener per description, wires a self-loopback pipe
// (§9 SUPPLEMENT, `_connectSelf` in the original), and starts the
// receiver and command threads (§4.5.1: "exactly two threads per
// LocalNode").
func (ln *LocalNode) Listen(descs []conn.Description) error {
	for _, d := range descs {
		l, err := ln.openListener(d)
		if err != nil {
			return ErrListenerFailed
		}
		ln.listeners = append(ln.listeners, l)
		ln.connset.AddListener(l)
	}

	ln.selfA, ln.selfB = conn.NewPipePair(conn.Description{Kind: conn.KindPipe, Host: "self"})
	ln.connset.AddConnection(ln.selfA)

	ln.state.Store(int32(StateListening))

	ln.wg.Add(2)
	go func() { defer ln.wg.Done(); ln.receiverLoop() }()
	go func() { defer ln.wg.Done(); ln.cmdWorker.Run() }()
	return nil
}

func (ln *LocalNode) openListener(d conn.Description) (conn.Listener, error) {
	switch d.Kind {
	case conn.KindTCP:
		return conn.ListenTCP(context.Background(), d)
	default:
		return nil, conn.ErrUnsupportedKind
	}
}

// receiverLoop is the §4.5.1 "receiver thread": it owns every
// Connection and the connection->Node map, never blocks on user code,
// and redispatches pending commands on every INTERRUPT (§4.3). More than
// conn.SelectErrorTolerance consecutive SELECT_ERROR events abort it.
func (ln *LocalNode) receiverLoop() {
	selectErrors := 0
	for {
		if ln.closing.Load() {
			return
		}
		res := ln.connset.Select(ln.global.Timeout())
		if res.Event == conn.EventSelectError {
			selectErrors++
			if selectErrors > conn.SelectErrorTolerance {
				ln.log.Error("localnode: too many consecutive select errors, stopping receiver")
				return
			}
		} else {
			selectErrors = 0
		}
		switch res.Event {
		case conn.EventTimeout:
			continue
		case conn.EventInterrupt:
			ln.dispatcher.Redispatch()
		case conn.EventConnect:
			ln.connset.AddConnection(res.Conn)
		case conn.EventData:
			ln.drain(res.Conn)
		case conn.EventDisconnect:
			ln.onDisconnect(res.Conn)
		case conn.EventError, conn.EventSelectError, conn.EventInvalidHandle:
			ln.log.Warn("localnode: connection set reported an error event", "event", res.Event)
		}
	}
}

// drain pulls every packet currently buffered on c and dispatches it.
func (ln *LocalNode) drain(c conn.Connection) {
	for {
		data, ok := c.RecvNB()
		if !ok {
			return
		}
		packets, _, err := wire.Split(data)
		if err != nil {
			ln.log.Error("localnode: malformed packet, dropping connection", "err", err)
			c.Close()
			return
		}
		for _, p := range packets {
			ln.handlePacket(c, p)
		}
	}
}

func (ln *LocalNode) handlePacket(c conn.Connection, packet []byte) {
	hdr, ok, err := wire.ProbeHeader(packet)
	if err != nil || !ok {
		return
	}
	b := ln.cache.Alloc(len(packet))
	copy(b.Bytes(), packet)

	var from wire.PeerRef
	if n := ln.peerForConn(c); n != nil {
		from = n
	}
	cmd := wire.NewCommand(hdr, b, from, ln)
	cmd.SetTransport(c)
	if ln.dispatcher.Dispatch(cmd) && ln.dispatcher.PendingLen() > 0 {
		ln.dispatcher.Redispatch()
	}
}

func (ln *LocalNode) peerForConn(c conn.Connection) *Node {
	var found *Node
	ln.peers.Range(func(_ string, n *Node) bool {
		if n.Primary() == c {
			found = n
			return false
		}
		return true
	})
	return found
}

func (ln *LocalNode) onDisconnect(c conn.Connection) {
	ln.connset.RemoveConnection(c)
	var target *Node
	ln.peers.Range(func(key string, n *Node) bool {
		if n.Primary() == c {
			target = n
			ln.peers.Delete(key)
			return false
		}
		return true
	})
	if target != nil {
		target.Close()
	}
	c.Close()
}

// registerHandlers installs every node-command handler (§6 "Node
// commands"). All run inline on the receiver thread except where noted
// — grounded on original_source/net/session.cpp's _cmdHandler table.
func (ln *LocalNode) registerHandlers() {
	ln.dispatcher.Register(wire.CmdConnect, wire.Handler{Fn: ln.onConnect})
	ln.dispatcher.Register(wire.CmdConnectReply, wire.Handler{Fn: ln.onConnectReply})
	ln.dispatcher.Register(wire.CmdConnectAck, wire.Handler{Fn: ln.onConnectAck})
	ln.dispatcher.Register(wire.CmdID, wire.Handler{Fn: ln.onID})
	ln.dispatcher.Register(wire.CmdPing, wire.Handler{Fn: ln.onPing})
	ln.dispatcher.Register(wire.CmdPingReply, wire.Handler{Fn: ln.onPingReply})
	ln.dispatcher.Register(wire.CmdAcquireSendToken, wire.Handler{Fn: ln.onAcquireSendToken, Queue: ln.cmdQueue})
	ln.dispatcher.Register(wire.CmdAcquireSendTokenReply, wire.Handler{Fn: ln.onAcquireSendTokenReply})
	ln.dispatcher.Register(wire.CmdReleaseSendToken, wire.Handler{Fn: ln.onReleaseSendToken, Queue: ln.cmdQueue})
	ln.dispatcher.Register(wire.CmdDisconnect, wire.Handler{Fn: ln.onDisconnectCmd})
}

// Connect dials desc and runs the three-packet handshake (§4.5.3),
// retrying on collision with exponential back-off up to
// global.MaxCollisionRetries (REDESIGN resolving §9 Open Question (a)).
func (ln *LocalNode) Connect(ctx context.Context, desc conn.Description) (*Node, error) {
	backoff := minJitter
	maxRetries := int(ln.global.MaxCollisionRetries.Load())
	for attempt := 0; attempt <= maxRetries; attempt++ {
		n, err := ln.connectOnce(ctx, desc)
		if err == nil {
			return n, nil
		}
		if err != ErrHandshakeRefused {
			return nil, err
		}
		if attempt == maxRetries {
			return nil, ErrHandshakeExhausted
		}
		jitter := time.Duration(rand.Int63n(int64(backoff))) + minJitter
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff = min(maxBackoff, backoff*2)
	}
	return nil, ErrHandshakeExhausted
}

func (ln *LocalNode) connectOnce(ctx context.Context, desc conn.Description) (*Node, error) {
	c, err := ln.dial(ctx, desc)
	if err != nil {
		return nil, err
	}
	ln.connset.AddConnection(c)

	requestID, replyCh := ln.reqs.Register()
	body := encodeConnect(connectBody{NodeID: ln.selfID, NodeType: ln.nodeType, RequestID: requestID})
	pkt := append(wire.EncodeHeader(len(body), wire.TypeNode, wire.CmdConnect), body...)
	if err := c.Send(pkt); err != nil {
		c.Close()
		return nil, err
	}

	payload, err := ln.reqs.Wait(requestID, replyCh, ln.global.HandshakeTimeout())
	if err != nil {
		c.Close()
		return nil, ErrHandshakeTimeout
	}
	reply := payload.(connectReplyBody)
	if reply.NodeID.IsZero() {
		c.Close()
		return nil, ErrHandshakeRefused
	}

	n := NewNode(reply.NodeID, reply.NodeType, reply.Descs)
	n.SetPrimary(c)
	ln.peers.Store(reply.NodeID.String(), n)

	ackBody := encodeRequestID(requestID)
	ackPkt := append(wire.EncodeHeader(len(ackBody), wire.TypeNode, wire.CmdConnectAck), ackBody...)
	_ = c.Send(ackPkt)

	ln.discoverMulticast(n)
	return n, nil
}

func (ln *LocalNode) dial(ctx context.Context, desc conn.Description) (conn.Connection, error) {
	switch desc.Kind {
	case conn.KindTCP:
		return conn.DialTCP(ctx, desc)
	case conn.KindPipe:
		// Self-connect short-circuit (§9 SUPPLEMENT _connectSelf): dialing
		// our own listening description returns the in-process pipe
		// endpoint directly instead of a real socket round trip.
		ln.selfA.Retain()
		return ln.selfA, nil
	default:
		return nil, conn.ErrUnsupportedKind
	}
}

// onConnect handles an inbound CONNECT (§4.5.3 step 2). Refuses on a
// simultaneous-connect collision (we already hold a primary connection
// for this peer from an outgoing attempt racing this inbound one, I1).
func (ln *LocalNode) onConnect(cmd *wire.Command) bool {
	defer cmd.Release()
	req, err := decodeConnect(cmd.Body())
	if err != nil {
		return true
	}

	if existing, ok := ln.peers.Load(req.NodeID.String()); ok && existing.IsConnected() {
		ln.replyCmd(cmd, wire.CmdConnectReply, encodeConnectReply(connectReplyBody{NodeID: id.Zero, RequestID: req.RequestID}))
		return true
	}

	c := ln.connFromPacketCmd(cmd)
	n := NewNode(req.NodeID, req.NodeType, req.Descs)
	n.SetPrimary(c)
	ln.peers.Store(req.NodeID.String(), n)

	ln.replyCmd(cmd, wire.CmdConnectReply, encodeConnectReply(connectBody{
		NodeID: ln.selfID, NodeType: ln.nodeType, RequestID: req.RequestID,
	}))
	return true
}

func (ln *LocalNode) onConnectReply(cmd *wire.Command) bool {
	defer cmd.Release()
	reply, err := decodeConnectReply(cmd.Body())
	if err != nil {
		return true
	}
	ln.reqs.Serve(reply.RequestID, reply)
	return true
}

// onConnectAck completes the handshake on the accepting side (the peer
// is already CONNECTED from onConnect) by kicking off multicast
// discovery (§4.5.3 step 3).
func (ln *LocalNode) onConnectAck(cmd *wire.Command) bool {
	defer cmd.Release()
	requestID, err := decodeRequestID(cmd.Body())
	if err != nil {
		return true
	}
	_ = requestID
	if cmd.From != nil {
		if n, ok := ln.peers.Load(cmd.From.NodeID().String()); ok {
			ln.discoverMulticast(n)
		}
	}
	return true
}

// discoverMulticast joins every multicast-kind description the peer
// advertised (§4.5.5).
func (ln *LocalNode) discoverMulticast(n *Node) {
	for _, d := range n.Descriptions() {
		if !d.IsMulticast() {
			continue
		}
		mc, err := conn.JoinMulticast(d)
		if err != nil {
			continue
		}
		n.AddMulticast(mc)
		ln.connset.AddConnection(mc)
		idBody := encodeIDBody(ln.selfID)
		pkt := append(wire.EncodeHeader(len(idBody), wire.TypeNode, wire.CmdID), idBody...)
		_ = mc.Send(pkt)
	}
}

// onID associates an inbound multicast packet with its sending Node on
// first use, per §4.5.5 (original's _cmdID).
func (ln *LocalNode) onID(cmd *wire.Command) bool {
	defer cmd.Release()
	nodeID, err := decodeIDBody(cmd.Body())
	if err != nil {
		return true
	}
	if n, ok := ln.peers.Load(nodeID.String()); ok {
		n.Touch()
		if c := ln.connFromPacketCmd(cmd); c != nil && c.Description().IsMulticast() {
			known := false
			for _, m := range n.Multicasts() {
				if m == c {
					known = true
					break
				}
			}
			if !known {
				n.AddMulticast(c)
			}
		}
	}
	return true
}

func (ln *LocalNode) onPing(cmd *wire.Command) bool {
	defer cmd.Release()
	requestID, err := decodeRequestID(cmd.Body())
	if err != nil {
		return true
	}
	ln.replyCmd(cmd, wire.CmdPingReply, encodeRequestID(requestID))
	if cmd.From != nil {
		if n, ok := ln.peers.Load(cmd.From.NodeID().String()); ok {
			n.Touch()
		}
	}
	return true
}

func (ln *LocalNode) onPingReply(cmd *wire.Command) bool {
	defer cmd.Release()
	requestID, err := decodeRequestID(cmd.Body())
	if err != nil {
		return true
	}
	ln.reqs.Serve(requestID, struct{}{})
	return true
}

// Ping round-trips a keepalive to n (§9 SUPPLEMENT keepalive) and
// reports whether a reply arrived within the global timeout.
func (ln *LocalNode) Ping(n *Node) bool {
	c := n.Primary()
	if c == nil {
		return false
	}
	requestID, ch := ln.reqs.Register()
	body := encodeRequestID(requestID)
	pkt := append(wire.EncodeHeader(len(body), wire.TypeNode, wire.CmdPing), body...)
	if err := c.Send(pkt); err != nil {
		return false
	}
	_, err := ln.reqs.Wait(requestID, ch, ln.global.Timeout())
	return err == nil
}

// onAcquireSendToken runs on the command thread (queued), matching
// §4.5.6: acquiring may block this peer's position in the FIFO without
// stalling the receiver thread for everyone else.
func (ln *LocalNode) onAcquireSendToken(cmd *wire.Command) bool {
	requestID, err := decodeRequestID(cmd.Body())
	if err != nil {
		return true
	}
	requester := id.Zero
	if cmd.From != nil {
		requester = cmd.From.NodeID()
	}
	c := ln.connFromPacketCmd(cmd)
	go func() {
		err := ln.tokens.Acquire(requester, ln.global.SendTokenGrantTimeout())
		granted := err == nil
		if c != nil {
			body := encodeTokenReply(requestID, granted)
			pkt := append(wire.EncodeHeader(len(body), wire.TypeNode, wire.CmdAcquireSendTokenReply), body...)
			_ = c.Send(pkt)
		}
	}()
	return true
}

func (ln *LocalNode) onAcquireSendTokenReply(cmd *wire.Command) bool {
	defer cmd.Release()
	requestID, granted, err := decodeTokenReply(cmd.Body())
	if err != nil {
		return true
	}
	ln.reqs.Serve(requestID, granted)
	return true
}

func (ln *LocalNode) onReleaseSendToken(cmd *wire.Command) bool {
	if cmd.From != nil {
		ln.tokens.Release(cmd.From.NodeID())
	}
	return true
}

func (ln *LocalNode) onDisconnectCmd(cmd *wire.Command) bool {
	defer cmd.Release()
	c := ln.connFromPacketCmd(cmd)
	if c != nil {
		ln.onDisconnect(c)
	}
	return true
}

// connFromPacketCmd recovers the raw Connection a command arrived on,
// attached by handlePacket via SetTransport. Used where a handler needs
// the Connection itself (e.g. to install it as a Node's primary), not
// just a place to send a reply.
func (ln *LocalNode) connFromPacketCmd(cmd *wire.Command) conn.Connection {
	c, _ := cmd.Transport().(conn.Connection)
	return c
}

// replyCmd sends a packet back over the connection cmd arrived on.
func (ln *LocalNode) replyCmd(cmd *wire.Command, command uint32, body []byte) {
	c := ln.connFromPacketCmd(cmd)
	if c == nil {
		return
	}
	pkt := append(wire.EncodeHeader(len(body), wire.TypeNode, command), body...)
	_ = c.Send(pkt)
}

// Peer looks up a connected Node by NodeID (§4.5.4).
func (ln *LocalNode) Peer(nodeID id.ID128) (*Node, bool) {
	return ln.peers.Load(nodeID.String())
}

// Peers returns a snapshot of every known Node.
func (ln *LocalNode) Peers() []*Node {
	var out []*Node
	ln.peers.Range(func(_ string, n *Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

// Close shuts the node down: stops the receiver and command threads,
// closes every peer connection and listener (§4.5.7). The self pipe's
// STOP_RCV role in the original is played here directly by setting
// closing and interrupting the receiver loop, rather than a real
// self-sent command, since the Go receiver loop polls closing on every
// wake rather than blocking in a foreign-thread-unsafe select.
func (ln *LocalNode) Close() error {
	if !ln.closing.CompareAndSwap(false, true) {
		return nil
	}
	ln.connset.Interrupt()
	ln.cmdQueue.Close()

	ln.peers.Range(func(key string, n *Node) bool {
		n.Close()
		ln.peers.Delete(key)
		return true
	})
	for _, l := range ln.listeners {
		l.Close()
	}
	if ln.selfB != nil {
		ln.selfB.Close()
	}
	ln.wg.Wait()
	ln.state.Store(int32(StateClosed))
	return nil
}
