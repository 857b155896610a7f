package id

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// NewNodeID mints a fresh, process-lifetime-unique NodeID (DATA MODEL:
// "unique per process lifetime, preserved across reconnects"). Grounded
// on chotki's direct github.com/google/uuid import: a v4 UUID's 128 bits
// become the id verbatim.
func NewNodeID() ID128 {
	for {
		u := uuid.New()
		b := u[:]
		id := FromBytes(b)
		if !id.IsZero() {
			return id
		}
	}
}

// ObjectAllocator mints ObjectIDs that are unique cluster-wide without a
// central allocator: the high half is this node's NodeID hashed down to
// 64 bits (xxhash, grounded on chotki's indexes/index_manager.go import),
// the low half is a per-process monotonic counter. Two different nodes
// allocating concurrently therefore never collide as long as their
// NodeIDs differ, which I2 in DATA MODEL already guarantees.
type ObjectAllocator struct {
	nodeHash uint64
	counter  atomic.Uint64
}

func NewObjectAllocator(owner ID128) *ObjectAllocator {
	b := owner.Bytes()
	return &ObjectAllocator{nodeHash: xxhash.Sum64(b[:])}
}

func (a *ObjectAllocator) Next() ID128 {
	seq := a.counter.Add(1)
	return ID128{Hi: a.nodeHash, Lo: seq}
}
