package object

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cockroachdb/pebble"

	"github.com/rdumusc/collage/conn"
	"github.com/rdumusc/collage/id"
	"github.com/rdumusc/collage/node"
	"github.com/rdumusc/collage/queue"
	"github.com/rdumusc/collage/stream"
	"github.com/rdumusc/collage/utils"
	"github.com/rdumusc/collage/wire"
)

// entry is the Store's per-object bookkeeping: the concrete Serializable
// plus everything the wire protocol needs that doesn't belong on Object
// itself (master's slave set, slave's pending map request, in-flight
// burst reassembly, version-advance rendezvous for Sync).
type entry struct {
	mu sync.Mutex

	obj  Serializable
	base *Object

	slaves map[id.ID128]struct{} // master side: who has mapped this object
	master id.ID128               // slave side: who to talk to

	mapReqID uint32 // slave side: requestID a MapNB is waiting on, 0 = none

	asm *burstAssembler // in-flight OBJECT_INSTANCE/OBJECT_DELTA reassembly

	verCh chan struct{} // closed and replaced every time base's version advances
}

func newEntry(obj Serializable) *entry {
	return &entry{obj: obj, base: obj.ObjectBase(), slaves: make(map[id.ID128]struct{}), verCh: make(chan struct{})}
}

func (e *entry) bumpVersion(v id.ID128) {
	e.mu.Lock()
	e.base.setVersion(v)
	old := e.verCh
	e.verCh = make(chan struct{})
	e.mu.Unlock()
	close(old)
}

func (e *entry) waitChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verCh
}

// burstAssembler accumulates one in-flight multi-chunk burst for one
// (objectID, version). Each received wire chunk is decompressed on
// arrival and its plaintext appended to payload; raw additionally
// accumulates the untouched wire bytes for OBJECT_INSTANCE bursts only,
// since those are what the instance cache replays verbatim to a later
// mapper (§4.6.4).
type burstAssembler struct {
	version id.ID128
	payload []byte
	raw     []byte
}

// cacheKey/cacheEntry back the instance cache (§4.6.4): "a cache hit
// short-circuits the master query".
type cacheKey struct {
	objID   id.ID128
	version id.ID128
}

type cacheEntry struct {
	raw      []byte
	storedAt time.Time
}

// Store is the distributed ObjectStore (§4.6): registration, mapping,
// commit, sync, and child-collection reconciliation for every object
// reachable through one LocalNode. Grounded on
// original_source/libs/co/objectStore.cpp's Session/ObjectStore split,
// collapsed here into one type since Go has no need for Session's
// separate identity.
type Store struct {
	ln  *node.LocalNode
	log utils.Logger

	alloc    *id.ObjectAllocator
	registry *stream.Registry

	mu      sync.RWMutex
	objects map[id.ID128]*entry

	qmu     sync.Mutex
	queues  map[id.ID128]*queue.Queue
	workers map[id.ID128]*queue.Worker

	headMu sync.Mutex
	head   map[id.ID128]id.ID128 // objID -> highest version observed anywhere

	cacheMu       sync.Mutex
	cache         *lru.Cache[cacheKey, cacheEntry]
	cacheDisabled atomic.Bool

	// spill, if set via SetSpillStore, receives every instance burst the
	// LRU evicts instead of discarding it outright (cmd/collaged's
	// --co-cache-spill flag); a later cacheGet miss falls back to it
	// before the caller pays a full master round-trip.
	spill *pebble.DB

	pushMu      sync.Mutex
	pushAsm     map[id.ID128]*burstAssembler
	pushHandler func(objID id.ID128, payload []byte)
}

// NewStore wires a Store's object-command handlers onto ln's dispatcher
// and returns it ready to use. One Store per LocalNode, same as the
// original's one ObjectStore per Node.
func NewStore(ln *node.LocalNode, log utils.Logger) *Store {
	size := int(ln.Global().InstanceCacheSize.Load())
	if size <= 0 {
		size = 64
	}

	s := &Store{
		ln:       ln,
		log:      log,
		alloc:    id.NewObjectAllocator(ln.NodeID()),
		registry: stream.NewRegistry(),
		objects:  make(map[id.ID128]*entry),
		queues:   make(map[id.ID128]*queue.Queue),
		workers:  make(map[id.ID128]*queue.Worker),
		head:     make(map[id.ID128]id.ID128),
		pushAsm:  make(map[id.ID128]*burstAssembler),
	}
	c, _ := lru.NewWithEvict(size, func(k cacheKey, v cacheEntry) {
		s.cacheMu.Lock()
		spill := s.spill
		s.cacheMu.Unlock()
		if spill == nil {
			return
		}
		if err := spill.Set(cacheKeyBytes(k), v.raw, pebble.NoSync); err != nil {
			s.log.Warn("instance cache spill write failed", "objID", k.objID, "err", err)
		}
	})
	s.cache = c
	s.registerHandlers()
	return s
}

func cacheKeyBytes(k cacheKey) []byte {
	objB := k.objID.Bytes()
	verB := k.version.Bytes()
	out := make([]byte, 0, len(objB)+len(verB))
	out = append(out, objB[:]...)
	out = append(out, verB[:]...)
	return out
}

// SetSpillStore enables disk-backed overflow for the instance cache: a
// burst evicted from the in-memory LRU is written to db instead of
// discarded, and a later cacheGet miss is retried against db before the
// caller pays a full master round-trip. cmd/collaged wires this from the
// --co-cache-spill flag.
func (s *Store) SetSpillStore(db *pebble.DB) {
	s.cacheMu.Lock()
	s.spill = db
	s.cacheMu.Unlock()
}

func (s *Store) registerHandlers() {
	d := s.ln.Dispatcher()
	d.Register(wire.CmdObjectInstance, wire.Handler{Fn: s.onObjectData(wire.CmdObjectInstance)})
	d.Register(wire.CmdObjectDelta, wire.Handler{Fn: s.onObjectData(wire.CmdObjectDelta)})
	d.Register(wire.CmdObjectSlaveDelta, wire.Handler{Fn: s.onObjectData(wire.CmdObjectSlaveDelta)})
	d.Register(wire.CmdObjectPush, wire.Handler{Fn: s.onObjectPush})
	d.Register(wire.CmdObjectMap, wire.Handler{Fn: s.onObjectMap})
	d.Register(wire.CmdObjectCommit, wire.Handler{Fn: s.onObjectCommit})
	d.Register(wire.CmdObjectUnmap, wire.Handler{Fn: s.onObjectUnmap})
}

func (s *Store) get(objID id.ID128) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[objID]
}

// queueFor returns the per-object worker queue for key, creating and
// starting its worker goroutine on first use (§4.5.1: "one queue+worker
// per dispatch target").
func (s *Store) queueFor(key id.ID128) *queue.Queue {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if q, ok := s.queues[key]; ok {
		return q
	}
	bound := int(s.ln.Global().PendingListBound.Load())
	if bound <= 0 {
		bound = wire.PendingListSoftBound
	}
	q := queue.New(bound)
	w := queue.NewWorker(q, s, s.log)
	s.queues[key] = q
	s.workers[key] = w
	go w.Run()
	return q
}

func (s *Store) dropQueue(key id.ID128) {
	s.qmu.Lock()
	q, ok := s.queues[key]
	if ok {
		delete(s.queues, key)
		delete(s.workers, key)
	}
	s.qmu.Unlock()
	if ok {
		q.Close()
	}
}

// NotifyIdle implements queue.IdleNotifier. Any per-object worker running
// dry is as good a moment as any to sweep stale cache entries, since a
// Worker calls NotifyIdle each time its queue is empty; ExpireInstanceData remains
// directly callable for an application that wants its own schedule.
func (s *Store) NotifyIdle() {
	s.ExpireInstanceData(5 * time.Minute)
}

// DisableInstanceCache turns off both population and lookup of the
// instance cache, for deployments that would rather pay the master
// round-trip than hold stale instance bytes (§4.6.4).
func (s *Store) DisableInstanceCache() { s.cacheDisabled.Store(true) }

func (s *Store) cacheEnabled() bool { return !s.cacheDisabled.Load() }

func (s *Store) cacheGet(objID, version id.ID128) ([]byte, bool) {
	if !s.cacheEnabled() {
		return nil, false
	}
	s.cacheMu.Lock()
	e, ok := s.cache.Get(cacheKey{objID, version})
	spill := s.spill
	s.cacheMu.Unlock()
	if ok {
		return e.raw, true
	}
	if spill == nil {
		return nil, false
	}
	raw, closer, err := spill.Get(cacheKeyBytes(cacheKey{objID, version}))
	if err != nil {
		return nil, false
	}
	out := append([]byte(nil), raw...)
	closer.Close()
	return out, true
}

func (s *Store) cachePut(objID, version id.ID128, raw []byte) {
	if !s.cacheEnabled() || len(raw) == 0 {
		return
	}
	s.cacheMu.Lock()
	s.cache.Add(cacheKey{objID, version}, cacheEntry{raw: raw, storedAt: time.Now()})
	s.cacheMu.Unlock()
}

// ExpireInstanceData drops cached instance bursts older than age
// (§4.6.4 "expireInstanceData").
func (s *Store) ExpireInstanceData(age time.Duration) {
	cutoff := time.Now().Add(-age)
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, k := range s.cache.Keys() {
		e, ok := s.cache.Peek(k)
		if ok && e.storedAt.Before(cutoff) {
			s.cache.Remove(k)
		}
	}
}

func (s *Store) bumpHead(objID, version id.ID128) {
	s.headMu.Lock()
	if cur, ok := s.head[objID]; !ok || cur.Less(version) {
		s.head[objID] = version
	}
	s.headMu.Unlock()
}

func (s *Store) headVersionOf(objID id.ID128) (id.ID128, bool) {
	s.headMu.Lock()
	defer s.headMu.Unlock()
	v, ok := s.head[objID]
	return v, ok
}

// Register installs obj as a freshly allocated master object (§4.6.1:
// "registering mints a fresh ObjectID and sets the object's role to
// master").
func (s *Store) Register(obj Serializable, kind uint32) id.ID128 {
	objID := s.alloc.Next()
	*obj.ObjectBase() = *newObject(objID, kind, RoleMaster)
	e := newEntry(obj)

	s.mu.Lock()
	s.objects[objID] = e
	s.mu.Unlock()
	return objID
}

// Deregister removes a locally mastered object. It never fails on the
// caller's behalf even with slaves still mapped (§4.6.1): any remaining
// slave instead receives a best-effort, silent REMOVED notice, "silent"
// meaning the Deregister caller sees no error from it, not that no
// packet is sent.
func (s *Store) Deregister(objID id.ID128) error {
	s.mu.Lock()
	e, ok := s.objects[objID]
	if !ok {
		s.mu.Unlock()
		return ErrNotMapped
	}
	if !e.base.IsMaster() {
		s.mu.Unlock()
		return ErrNotMaster
	}
	delete(s.objects, objID)
	s.mu.Unlock()

	e.mu.Lock()
	slaves := make([]id.ID128, 0, len(e.slaves))
	for sID := range e.slaves {
		slaves = append(slaves, sID)
	}
	e.mu.Unlock()

	for _, sID := range slaves {
		body := encodeCommit(commitBody{ObjectID: objID, ErrorCode: errRemovedCode})
		_ = s.ln.SendTo(sID, wire.TypeObject, wire.CmdObjectCommit, body)
	}
	s.dropQueue(objID)
	return nil
}

// MapWait is the pending half of a non-blocking Map, returned by MapNB
// (§4.6.1: "mapNB/mapSync, the split form of a blocking map").
type MapWait struct {
	s        *Store
	reqID    uint32
	ch       <-chan any
	resolved bool
	err      error
}

// Wait blocks up to timeout for the map to resolve. Calling Wait twice
// on the same MapWait is not supported — the underlying requestID slot
// is one-shot.
func (w *MapWait) Wait(timeout time.Duration) error {
	if w.resolved {
		return w.err
	}
	payload, err := w.s.ln.Requests().Wait(w.reqID, w.ch, timeout)
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	return payload.(error)
}

// MapNB issues a non-blocking map request for objID against target,
// which must already be objID's master. obj is the freshly constructed,
// not-yet-populated slave instance; its embedded Object is initialized
// here with role slave before any data can arrive for it. version may be
// id.Head for "whatever the master currently has".
func (s *Store) MapNB(objID, target, version id.ID128, kind uint32, obj Serializable) (*MapWait, error) {
	s.mu.Lock()
	if _, exists := s.objects[objID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	*obj.ObjectBase() = *newObject(objID, kind, RoleSlave)
	e := newEntry(obj)
	e.master = target
	s.objects[objID] = e
	s.mu.Unlock()

	if !version.Equal(id.Head) {
		if raw, ok := s.cacheGet(objID, version); ok {
			if err := s.applyCachedBurst(e, version, raw); err == nil {
				return &MapWait{s: s, resolved: true}, nil
			}
			// fall through to a normal network map on a corrupt cache hit
		}
	}

	requestID, ch := s.ln.Requests().Register()
	e.mu.Lock()
	e.mapReqID = requestID
	e.mu.Unlock()

	body := encodeMap(mapBody{RequestID: requestID, ObjectID: objID, Version: version, Kind: kind})
	if err := s.ln.SendTo(target, wire.TypeObject, wire.CmdObjectMap, body); err != nil {
		s.mu.Lock()
		delete(s.objects, objID)
		s.mu.Unlock()
		return nil, err
	}
	return &MapWait{s: s, reqID: requestID, ch: ch}, nil
}

// Map is the blocking convenience wrapper around MapNB+Wait (§4.6.1).
func (s *Store) Map(ctx context.Context, objID, target, version id.ID128, kind uint32, obj Serializable) error {
	w, err := s.MapNB(objID, target, version, kind, obj)
	if err != nil {
		return err
	}
	timeout := s.ln.Global().Timeout()
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			timeout = d
		}
	}
	return w.Wait(timeout)
}

// Unmap releases a locally slaved object and tells its master so the
// master stops counting it among its slaves.
func (s *Store) Unmap(objID id.ID128) error {
	s.mu.Lock()
	e, ok := s.objects[objID]
	if !ok {
		s.mu.Unlock()
		return ErrNotMapped
	}
	if !e.base.IsSlave() {
		s.mu.Unlock()
		return ErrNotSlave
	}
	delete(s.objects, objID)
	s.mu.Unlock()

	body := encodeUnmap(unmapBody{ObjectID: objID})
	_ = s.ln.SendTo(e.master, wire.TypeObject, wire.CmdObjectUnmap, body)
	s.dropQueue(objID)
	return nil
}

// Commit packs and distributes obj's dirty state to every slave mapped
// to it (§4.6.2). A no-op, returning the current version unchanged, if
// nothing is dirty.
func (s *Store) Commit(objID id.ID128) (id.ID128, error) {
	e := s.get(objID)
	if e == nil {
		return id.Zero, ErrNotMapped
	}
	if !e.base.IsMaster() {
		return id.Zero, ErrNotMaster
	}
	if !e.base.IsDirty() {
		return e.base.Version(), nil
	}

	e.mu.Lock()
	slaves := make([]id.ID128, 0, len(e.slaves))
	for sID := range e.slaves {
		slaves = append(slaves, sID)
	}
	e.mu.Unlock()

	newVersion := e.base.Version().Next()
	dirty := e.base.Dirty()

	var sinks []stream.Sink
	for _, sID := range slaves {
		c, ok := s.ln.PeerSink(sID)
		if !ok {
			continue
		}
		sinks = append(sinks, &opcodeSink{conn: c, opcode: wire.CmdObjectDelta})
	}

	os := stream.NewDataOStream(objID, newVersion, sinks)
	os.Enable(4096)
	if err := e.obj.Serialize(os, dirty); err != nil {
		return id.Zero, err
	}
	if dirty&DirtyChildren != 0 {
		if err := e.base.WriteChildren(os); err != nil {
			return id.Zero, err
		}
	}
	if err := os.Disable(); err != nil {
		return id.Zero, err
	}

	e.bumpVersion(newVersion)
	e.base.clearDirty()
	s.bumpHead(objID, newVersion)

	for _, sID := range slaves {
		body := encodeCommit(commitBody{ObjectID: objID, Version: newVersion, ErrorCode: errNone})
		_ = s.ln.SendTo(sID, wire.TypeObject, wire.CmdObjectCommit, body)
	}
	return newVersion, nil
}

// SlaveCommit sends a slave's locally modified state to its master as an
// OBJECT_SLAVE_DELTA (§6). The master applies it and runs its own
// Commit to redistribute, so a slave delta never takes effect locally
// until the master's resulting OBJECT_DELTA comes back around.
func (s *Store) SlaveCommit(objID id.ID128) error {
	e := s.get(objID)
	if e == nil {
		return ErrNotMapped
	}
	if !e.base.IsSlave() {
		return ErrNotSlave
	}
	if !e.base.IsDirty() {
		return nil
	}

	dirty := e.base.Dirty()
	c, ok := s.ln.PeerSink(e.master)
	if !ok {
		return node.ErrNodeUnknown
	}
	sink := &opcodeSink{conn: c, opcode: wire.CmdObjectSlaveDelta}
	os := stream.NewDataOStream(objID, e.base.Version(), []stream.Sink{sink})
	os.Enable(4096)
	if err := e.obj.Serialize(os, dirty); err != nil {
		return err
	}
	if dirty&DirtyChildren != 0 {
		if err := e.base.WriteChildren(os); err != nil {
			return err
		}
	}
	if err := os.Disable(); err != nil {
		return err
	}
	e.base.clearDirty()
	return nil
}

// Sync blocks until objID's local version reaches target (or id.Head's
// current head), or ctx is done (§4.6.2 "Sync").
func (s *Store) Sync(ctx context.Context, objID id.ID128, target id.ID128) error {
	e := s.get(objID)
	if e == nil {
		return ErrNotMapped
	}
	for {
		cur := e.base.Version()
		if target.Equal(id.Head) {
			if head, ok := s.headVersionOf(objID); !ok || !cur.Less(head) {
				return nil
			}
		} else if !cur.Less(target) {
			return nil
		}
		ch := e.waitChan()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReconcileChildren applies a freshly deserialized child list against
// parent's current one (§4.6.3): entries present in both are synced if
// their version advanced, entries new to wireList are mapped via
// factory, entries missing from wireList are unmapped and dropped.
// master is who to map new children against (parent's own master).
func (s *Store) ReconcileChildren(parent *Object, wireList []ChildInfo, factory Kinder, master id.ID128) error {
	current := parent.Children()
	currentByID := make(map[id.ID128]ChildInfo, len(current))
	for _, c := range current {
		currentByID[c.ID] = c
	}
	wireByID := make(map[id.ID128]struct{}, len(wireList))
	for _, c := range wireList {
		wireByID[c.ID] = struct{}{}
	}

	for _, c := range current {
		if _, ok := wireByID[c.ID]; ok {
			continue
		}
		if e := s.get(c.ID); e != nil && e.base.IsSlave() {
			_ = s.Unmap(c.ID)
		}
	}

	for _, c := range wireList {
		old, existed := currentByID[c.ID]
		if existed {
			if !old.Version.Equal(c.Version) {
				if e := s.get(c.ID); e != nil {
					go s.syncChildBestEffort(c.ID, c.Version)
				}
			}
			continue
		}
		if factory == nil {
			return ErrNoKinder
		}
		child, err := factory.NewChild(c.Kind)
		if err != nil {
			return err
		}
		if _, err := s.MapNB(c.ID, master, c.Version, c.Kind, child); err != nil {
			return err
		}
	}

	parent.replaceChildren(wireList)
	return nil
}

func (s *Store) syncChildBestEffort(childID, version id.ID128) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ln.Global().Timeout())
	defer cancel()
	if err := s.Sync(ctx, childID, version); err != nil {
		s.log.Warn("object: background child sync failed", "childID", childID, "err", err)
	}
}

// SetPushHandler installs the callback OBJECT_PUSH bursts are delivered
// to (§6: "one-shot, unregistered point-to-point transfer").
func (s *Store) SetPushHandler(fn func(objID id.ID128, payload []byte)) {
	s.pushMu.Lock()
	s.pushHandler = fn
	s.pushMu.Unlock()
}

// Push sends payload to target tagged with objID, without any
// master/slave bookkeeping (§6 OBJECT_PUSH).
func (s *Store) Push(target id.ID128, objID id.ID128, payload []byte) error {
	c, ok := s.ln.PeerSink(target)
	if !ok {
		return node.ErrNodeUnknown
	}
	sink := &opcodeSink{conn: c, opcode: wire.CmdObjectPush}
	os := stream.NewDataOStream(objID, id.Zero, []stream.Sink{sink})
	os.Enable(len(payload))
	if _, err := os.Write(payload); err != nil {
		return err
	}
	return os.Disable()
}

// opcodeSink adapts a Connection plus a fixed opcode to stream.Sink, for
// handing straight to stream.NewDataOStream: each flushed chunk becomes
// one wire packet of that opcode.
type opcodeSink struct {
	conn   conn.Connection
	opcode uint32
}

func (o *opcodeSink) Send(chunk []byte) error {
	pkt := append(wire.EncodeHeader(len(chunk), wire.TypeObject, o.opcode), chunk...)
	return o.conn.Send(pkt)
}

// capturingSink wraps another Sink and additionally accumulates every
// chunk sent through it, used while serving a fresh OBJECT_INSTANCE so
// the bytes can be stashed in the instance cache without re-serializing
// for the next mapper (§4.6.4).
type capturingSink struct {
	inner stream.Sink
	buf   []byte
}

func (c *capturingSink) Send(chunk []byte) error {
	c.buf = append(c.buf, chunk...)
	return c.inner.Send(chunk)
}

// oneShotSource feeds one already-decompressed, already-concatenated
// buffer to a DataIStream as a single Last chunk. Used both for live
// burst reassembly (applyDataChunk) and for replaying a cached instance
// (applyCachedBurst), since DataIStream's ChunkSource model expects a
// blocking pull rather than a push spread across several discrete
// dispatches.
type oneShotSource struct {
	payload []byte
	done    bool
}

func (o *oneShotSource) NextChunk() ([]byte, stream.ChunkHeader, bool, error) {
	if o.done {
		return nil, stream.ChunkHeader{}, false, nil
	}
	o.done = true
	return o.payload, stream.ChunkHeader{Last: true}, true, nil
}

// decompressPayload mirrors DataIStream's private per-chunk decompress
// step (stream/istream.go's decompress), reimplemented here since the
// Store reassembles bursts across several discrete Command dispatches
// rather than through one blocking ChunkSource.
func decompressPayload(reg *stream.Registry, hdr stream.ChunkHeader, payload []byte) ([]byte, error) {
	if hdr.Compressor == stream.CompressorNone {
		return payload, nil
	}
	if reg == nil {
		return nil, stream.ErrUnknownCodec
	}
	c, ok := reg.Lookup(hdr.Compressor)
	if !ok || c == nil {
		return nil, stream.ErrUnknownCodec
	}
	return c.Decompress([][]byte{payload}, int(hdr.DataSize))
}

// splitChunks re-frames a run of concatenated stream.EncodeChunk blobs
// (as accumulated in burstAssembler.raw/the instance cache) back into
// its individual chunks, each independently sendable as one wire
// packet. Mirrors stream/chunk.go's private chunkHeaderLen since that
// constant isn't exported.
const chunkFixedLen = 16 + 16 + 4 + 4 + 4 + 4 + 8

func splitChunks(raw []byte) ([][]byte, error) {
	var out [][]byte
	for len(raw) > 0 {
		_, payload, err := stream.DecodeChunk(raw)
		if err != nil {
			return nil, err
		}
		used := chunkFixedLen + 8 + len(payload)
		if used > len(raw) {
			return nil, stream.ErrShortRead
		}
		out = append(out, raw[:used])
		raw = raw[used:]
	}
	return out, nil
}

// replayCachedBurst resends a cached raw instance burst to target
// verbatim, one wire packet per original chunk.
func (s *Store) replayCachedBurst(target id.ID128, raw []byte) error {
	chunks, err := splitChunks(raw)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := s.ln.SendTo(target, wire.TypeObject, wire.CmdObjectInstance, c); err != nil {
			return err
		}
	}
	return nil
}

// serveInstance sends target a full instance of e at version, either
// replaying a cached burst or serializing fresh and caching the result.
func (s *Store) serveInstance(e *entry, target id.ID128, version id.ID128) error {
	if raw, ok := s.cacheGet(e.base.ID(), version); ok {
		return s.replayCachedBurst(target, raw)
	}
	if !version.Equal(e.base.Version()) {
		return ErrVersionUnmappable
	}
	c, ok := s.ln.PeerSink(target)
	if !ok {
		return node.ErrNodeUnknown
	}
	capture := &capturingSink{inner: &opcodeSink{conn: c, opcode: wire.CmdObjectInstance}}
	os := stream.NewDataOStream(e.base.ID(), version, []stream.Sink{capture})
	os.Enable(4096)
	if err := e.obj.Serialize(os, DirtyAll); err != nil {
		return err
	}
	if err := e.base.WriteChildren(os); err != nil {
		return err
	}
	if err := os.Disable(); err != nil {
		return err
	}
	s.cachePut(e.base.ID(), version, capture.buf)
	return nil
}

// applyCachedBurst deserializes a cached raw instance burst straight
// into a freshly mapped slave entry, the instance-cache fast path of
// MapNB (§4.6.4: "a cache hit short-circuits the master query").
func (s *Store) applyCachedBurst(e *entry, version id.ID128, raw []byte) error {
	chunks, err := splitChunks(raw)
	if err != nil {
		return err
	}
	var payload []byte
	for _, c := range chunks {
		hdr, p, err := stream.DecodeChunk(c)
		if err != nil {
			return err
		}
		decoded, err := decompressPayload(s.registry, hdr, p)
		if err != nil {
			return err
		}
		payload = append(payload, decoded...)
	}
	src := &oneShotSource{payload: payload}
	is := stream.NewDataIStream(src, s.registry, false)
	if err := e.obj.Deserialize(is, DirtyAll); err != nil {
		return err
	}
	e.bumpVersion(version)
	e.base.clearDirty()
	s.bumpHead(e.base.ID(), version)
	return nil
}

// mapErrorFor translates an OBJECT_COMMIT reply's ErrorCode into the
// Go error a MapWait resolves with.
func mapErrorFor(code uint8) error {
	switch code {
	case errUnknownObjectCode:
		return ErrUnknownObject
	case errVersionUnmappableCode:
		return ErrVersionUnmappable
	case errRemovedCode:
		return ErrRemoved
	default:
		return nil
	}
}

// routeToQueue attaches real as cmd's dispatch function and pushes it
// onto key's per-object queue, so the per-opcode peek handlers below can
// decode just enough of a command inline on the receiver thread, then
// hand the rest of the work to the right object's worker goroutine
// (§4.3/§4.5.1).
func (s *Store) routeToQueue(key id.ID128, cmd *wire.Command, real wire.DispatchFunc) bool {
	cmd.SetDispatchFunction(real)
	q := s.queueFor(key)
	if err := q.Push(cmd); err != nil {
		cmd.Release()
		return true
	}
	return true
}

// onObjectData builds the receiver-thread peek handler for one of the
// data-carrying opcodes (OBJECT_INSTANCE/OBJECT_DELTA/OBJECT_SLAVE_DELTA):
// decode just the chunk header to learn the objectID, then route the
// rest of the work to that object's queue.
func (s *Store) onObjectData(opcode uint32) wire.DispatchFunc {
	return func(cmd *wire.Command) bool {
		raw := cmd.Body()
		hdr, payload, err := stream.DecodeChunk(raw)
		if err != nil {
			s.log.Warn("object: malformed data chunk, dropping", "opcode", opcode, "err", err)
			cmd.Release()
			return true
		}
		rawCopy := append([]byte(nil), raw...)
		payloadCopy := append([]byte(nil), payload...)
		real := func(c *wire.Command) bool {
			s.applyDataChunk(opcode, hdr, payloadCopy, rawCopy)
			return true
		}
		return s.routeToQueue(hdr.ObjectID, cmd, real)
	}
}

func (s *Store) applyDataChunk(opcode uint32, hdr stream.ChunkHeader, payload, raw []byte) {
	if opcode == wire.CmdObjectSlaveDelta {
		s.applySlaveDelta(hdr, payload)
		return
	}

	e := s.get(hdr.ObjectID)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.asm == nil || !e.asm.version.Equal(hdr.Version) {
		e.asm = &burstAssembler{version: hdr.Version}
	}
	asm := e.asm
	e.mu.Unlock()

	decoded, err := decompressPayload(s.registry, hdr, payload)
	if err != nil {
		s.log.Error("object: failed to decompress chunk, dropping burst", "objectID", hdr.ObjectID, "err", err)
		e.mu.Lock()
		e.asm = nil
		e.mu.Unlock()
		return
	}
	asm.payload = append(asm.payload, decoded...)
	if opcode == wire.CmdObjectInstance {
		asm.raw = append(asm.raw, raw...)
	}
	if !hdr.Last {
		return
	}

	src := &oneShotSource{payload: asm.payload}
	is := stream.NewDataIStream(src, s.registry, false)
	if err := e.obj.Deserialize(is, DirtyAll); err != nil {
		s.log.Error("object: deserialize failed", "objectID", hdr.ObjectID, "err", err)
		e.mu.Lock()
		e.asm = nil
		e.mu.Unlock()
		return
	}

	e.bumpVersion(hdr.Version)
	e.base.clearDirty()
	s.bumpHead(hdr.ObjectID, hdr.Version)

	if opcode == wire.CmdObjectInstance && len(asm.raw) > 0 {
		s.cachePut(hdr.ObjectID, hdr.Version, asm.raw)
	}

	e.mu.Lock()
	reqID := e.mapReqID
	e.mapReqID = 0
	e.asm = nil
	e.mu.Unlock()
	if reqID != 0 {
		s.ln.Requests().Serve(reqID, nil)
	}
}

// applySlaveDelta is the master-side handling of an OBJECT_SLAVE_DELTA:
// apply the slave's proposed change to the master's own copy, then run
// a normal Commit to redistribute it (§6).
func (s *Store) applySlaveDelta(hdr stream.ChunkHeader, payload []byte) {
	e := s.get(hdr.ObjectID)
	if e == nil || !e.base.IsMaster() {
		return
	}
	e.mu.Lock()
	if e.asm == nil || !e.asm.version.Equal(hdr.Version) {
		e.asm = &burstAssembler{version: hdr.Version}
	}
	asm := e.asm
	e.mu.Unlock()

	decoded, err := decompressPayload(s.registry, hdr, payload)
	if err != nil {
		e.mu.Lock()
		e.asm = nil
		e.mu.Unlock()
		return
	}
	asm.payload = append(asm.payload, decoded...)
	if !hdr.Last {
		return
	}

	src := &oneShotSource{payload: asm.payload}
	is := stream.NewDataIStream(src, s.registry, false)
	if err := e.obj.Deserialize(is, DirtyAll); err != nil {
		e.mu.Lock()
		e.asm = nil
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.asm = nil
	e.mu.Unlock()

	// The deserialize above just applied the slave's state to the
	// master's own copy; mark it dirty wholesale so Commit knows to
	// redistribute, since we don't know which of the concrete type's own
	// bits actually changed from here.
	e.base.MarkDirty(^(DirtyCustom - 1))
	if _, err := s.Commit(hdr.ObjectID); err != nil {
		s.log.Error("object: commit after slave delta failed", "objectID", hdr.ObjectID, "err", err)
	}
}

// onObjectMap handles an incoming OBJECT_MAP request (master side):
// validate the object and version, register the requester as a slave,
// and serve the instance.
func (s *Store) onObjectMap(cmd *wire.Command) bool {
	defer cmd.Release()
	req, err := decodeMap(cmd.Body())
	if err != nil {
		return true
	}
	if cmd.From == nil {
		return true
	}
	requester := cmd.From.NodeID()

	e := s.get(req.ObjectID)
	if e == nil || !e.base.IsMaster() {
		body := encodeCommit(commitBody{RequestID: req.RequestID, ObjectID: req.ObjectID, ErrorCode: errUnknownObjectCode})
		_ = s.ln.SendTo(requester, wire.TypeObject, wire.CmdObjectCommit, body)
		return true
	}

	version := req.Version
	switch {
	case version.IsZero() || version.Equal(id.Head):
		version = e.base.Version()
	case !version.Equal(e.base.Version()):
		if _, ok := s.cacheGet(req.ObjectID, version); !ok {
			body := encodeCommit(commitBody{RequestID: req.RequestID, ObjectID: req.ObjectID, ErrorCode: errVersionUnmappableCode})
			_ = s.ln.SendTo(requester, wire.TypeObject, wire.CmdObjectCommit, body)
			return true
		}
	}

	e.mu.Lock()
	e.slaves[requester] = struct{}{}
	e.mu.Unlock()

	if err := s.serveInstance(e, requester, version); err != nil {
		body := encodeCommit(commitBody{RequestID: req.RequestID, ObjectID: req.ObjectID, ErrorCode: errUnknownObjectCode})
		_ = s.ln.SendTo(requester, wire.TypeObject, wire.CmdObjectCommit, body)
		return true
	}

	body := encodeCommit(commitBody{RequestID: req.RequestID, ObjectID: req.ObjectID, Version: version, ErrorCode: errNone})
	_ = s.ln.SendTo(requester, wire.TypeObject, wire.CmdObjectCommit, body)
	return true
}

// onObjectCommit handles OBJECT_COMMIT in both of its roles (§6): an
// unsolicited master->slave head-version announcement (RequestID==0) and
// a reply to a pending map request (RequestID!=0, resolved here only on
// failure — success is resolved by the instance burst's own Last chunk
// in applyDataChunk, since the data must actually have arrived).
func (s *Store) onObjectCommit(cmd *wire.Command) bool {
	defer cmd.Release()
	b, err := decodeCommit(cmd.Body())
	if err != nil {
		return true
	}

	if b.RequestID != 0 && b.ErrorCode != errNone {
		s.ln.Requests().Serve(b.RequestID, mapErrorFor(b.ErrorCode))
	}

	if b.ErrorCode == errRemovedCode {
		if e := s.get(b.ObjectID); e != nil {
			e.base.MarkDirty(DirtyRemoved)
		}
		return true
	}

	if !b.Version.IsZero() {
		s.bumpHead(b.ObjectID, b.Version)
	}
	return true
}

// onObjectUnmap handles a slave's OBJECT_UNMAP notice (master side):
// simply stop counting it among the object's slaves.
func (s *Store) onObjectUnmap(cmd *wire.Command) bool {
	defer cmd.Release()
	req, err := decodeUnmap(cmd.Body())
	if err != nil {
		return true
	}
	if cmd.From == nil {
		return true
	}
	slaveID := cmd.From.NodeID()
	if e := s.get(req.ObjectID); e != nil {
		e.mu.Lock()
		delete(e.slaves, slaveID)
		e.mu.Unlock()
	}
	return true
}

// onObjectPush peeks an OBJECT_PUSH chunk's objectID and routes the rest
// to that object's queue, mirroring onObjectData but with its own
// assembler map since a push carries no master/slave registration.
func (s *Store) onObjectPush(cmd *wire.Command) bool {
	raw := cmd.Body()
	hdr, payload, err := stream.DecodeChunk(raw)
	if err != nil {
		cmd.Release()
		return true
	}
	payloadCopy := append([]byte(nil), payload...)
	real := func(c *wire.Command) bool {
		s.applyPushChunk(hdr, payloadCopy)
		return true
	}
	return s.routeToQueue(hdr.ObjectID, cmd, real)
}

func (s *Store) applyPushChunk(hdr stream.ChunkHeader, payload []byte) {
	s.pushMu.Lock()
	asm := s.pushAsm[hdr.ObjectID]
	if asm == nil || !asm.version.Equal(hdr.Version) {
		asm = &burstAssembler{version: hdr.Version}
		s.pushAsm[hdr.ObjectID] = asm
	}
	s.pushMu.Unlock()

	decoded, err := decompressPayload(s.registry, hdr, payload)
	if err != nil {
		s.pushMu.Lock()
		delete(s.pushAsm, hdr.ObjectID)
		s.pushMu.Unlock()
		return
	}
	asm.payload = append(asm.payload, decoded...)
	if !hdr.Last {
		return
	}

	s.pushMu.Lock()
	delete(s.pushAsm, hdr.ObjectID)
	handler := s.pushHandler
	s.pushMu.Unlock()
	if handler != nil {
		handler(hdr.ObjectID, asm.payload)
	}
}
