// Package buf implements ref-counted, size-class pooled byte buffers
// (SPEC_FULL.md §4.1 Buffer & BufferCache). A Buffer holds exactly one
// packet; it is handed out with refcount 1 and returned to its cache on
// last drop.
package buf

import "sync/atomic"

// Buffer is an owned byte region with a refcount. Retain/Release pairs
// must balance; the backing array is only reused once the count reaches
// zero, per the "shared ownership with last-drop-returns-to-pool" design
// note in spec.md §9.
type Buffer struct {
	data  []byte
	refs  atomic.Int32
	class int
	cache *Cache
}

// Bytes returns the buffer's writable region, sized exactly to the
// minSize requested at Alloc time (capacity may be larger: "the buffer's
// writable region is set precisely to minSize").
func (b *Buffer) Bytes() []byte {
	return b.data
}

// IsFree reports refcount == 0. Per spec.md: "used only as a debugging
// invariant" — never called on a Buffer a caller still intends to use.
func (b *Buffer) IsFree() bool {
	return b.refs.Load() == 0
}

// Retain bumps the refcount; callers that keep a Buffer beyond the call
// that handed it to them (e.g. a Command holding onto its backing
// buffer while queued) must Retain and Release in matching pairs.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release drops the refcount; at zero the buffer is returned to its
// cache's free list for its size class.
func (b *Buffer) Release() {
	if b.refs.Add(-1) == 0 && b.cache != nil {
		b.cache.put(b)
	}
}
