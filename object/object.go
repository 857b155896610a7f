// Package object implements the distributed Object and ObjectStore
// (SPEC_FULL.md §4.6): registration, mapping, commit/sync by version,
// and child-collection reconciliation. Grounded throughout on
// original_source/lib/fabric/object.h and
// original_source/co/dataIStream.h's deserializeChildren template,
// reworked from C++ template methods and virtual dispatch into Go
// embedding plus small optional interfaces.
package object

import (
	"sync"

	"github.com/rdumusc/collage/id"
	"github.com/rdumusc/collage/stream"
)

// Role is an Object's position in its master/slave cluster (§3 DATA
// MODEL "Object", I3: "a slave never transitions to master").
type Role int

const (
	RoleNone Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "none"
	}
}

// DirtyBits tracks which parts of an Object changed since its last
// pack/commit (§3 "dirty-bit mask"). Subclasses define their own bits
// starting at DirtyCustom, mirroring
// original_source/lib/fabric/object.h's DirtyBits enum — the base class
// reserves the low bits and leaves a gap before DIRTY_CUSTOM for
// binary-compatible additions.
type DirtyBits uint64

const (
	DirtyChildren DirtyBits = 1 << 0
	DirtyRemoved  DirtyBits = 1 << 1

	// DirtyCustom is where a concrete Serializable's own bits begin.
	DirtyCustom DirtyBits = 1 << 6

	// DirtyObjectBits is the mask of bits the base Object itself owns,
	// the set re-committed by getRedistributableBits() in the original.
	DirtyObjectBits = DirtyChildren | DirtyRemoved

	// DirtyAll is the sentinel dirty mask the Store passes to
	// Serialize/Deserialize when emitting or applying a full
	// OBJECT_INSTANCE burst rather than an incremental commit: "write/
	// read everything", not just what changed.
	DirtyAll DirtyBits = ^DirtyBits(0)
)

// Serializable is implemented by every concrete distributed object type
// that embeds Object. Object itself carries no wire format of its own
// besides the child list; everything else is the concrete type's
// business, matching the original's "do not subclass [Object]
// directly" note inverted into Go's embed-don't-subclass idiom.
type Serializable interface {
	Serialize(os *stream.DataOStream, dirty DirtyBits) error
	Deserialize(is *stream.DataIStream, dirty DirtyBits) error

	// ObjectBase returns the embedded *Object, the Go stand-in for the
	// original's implicit upcast to Object& that every virtual method on
	// a concrete subclass could rely on. Object defines this itself so
	// every embedding type gets it for free via method promotion.
	ObjectBase() *Object
}

// ChildRemover is an optional interface a Serializable may implement to
// participate in child removal requested by a slave (§9 Open Question
// (b): "Object::removeChild is left unimplemented... the
// reimplementation must either forbid child removal on intermediate
// subclasses or delegate to a virtual remove"). Resolved here by
// delegation: ErrRemoveUnsupported names the case of a type that does
// not implement ChildRemover. The Store has no child-removal request
// path and does not call RemoveChild itself.
type ChildRemover interface {
	RemoveChild(childID id.ID128) error
}

// Kinder lets a parent mint a fresh slave instance of the correct
// concrete type for a childID newly seen during deserialization
// (§4.6.3 "a new entry causes the parent to create a fresh child
// object, map it at the received version, and insert it"). kind is
// whatever tag the parent itself chose to write next to the childID;
// the original relies on Session::instanceFactory for this, collapsed
// here to one method on the parent since Go has no separate factory
// registry boilerplate.
type Kinder interface {
	NewChild(kind uint32) (Serializable, error)
}

// ChildInfo is one entry of a parent's ordered child list, the unit
// §4.6.3 calls "the list of {childID, version} pairs".
type ChildInfo struct {
	ID      id.ID128
	Kind    uint32
	Version id.ID128
}

// Object is the common embeddable base for every distributed entity
// (§3 DATA MODEL "Object"). It owns the bookkeeping shared by all
// objects — identity, role, version, dirty mask, and the ordered child
// list used for reconciliation — while the embedding type supplies its
// own fields via Serializable.
type Object struct {
	mu sync.RWMutex

	objID id.ID128
	kind  uint32
	role  Role

	version id.ID128
	dirty   DirtyBits

	children []ChildInfo
}

func newObject(objID id.ID128, kind uint32, role Role) *Object {
	return &Object{objID: objID, kind: kind, role: role}
}

func (o *Object) ID() id.ID128 { return o.objID }
func (o *Object) Kind() uint32 { return o.kind }

// ObjectBase lets Object satisfy Serializable's ObjectBase requirement
// by itself, so an embedding type need not write this method out.
func (o *Object) ObjectBase() *Object { return o }

func (o *Object) Role() Role {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.role
}

// IsMaster and IsSlave mirror the original's isMaster(); I3 guarantees
// a slave never flips to master: the role is set once by newObject when
// the Store installs the object, and Object has no role setter.
func (o *Object) IsMaster() bool { return o.Role() == RoleMaster }
func (o *Object) IsSlave() bool  { return o.Role() == RoleSlave }

func (o *Object) Version() id.ID128 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

func (o *Object) setVersion(v id.ID128) {
	o.mu.Lock()
	o.version = v
	o.mu.Unlock()
}

// IsDirty reports whether any bit is set (§9 "isDirty").
func (o *Object) IsDirty() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dirty != 0
}

func (o *Object) Dirty() DirtyBits {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dirty
}

// MarkDirty is called by the embedding type whenever one of its own
// fields changes, and by Object itself when the child list changes.
func (o *Object) MarkDirty(bits DirtyBits) {
	o.mu.Lock()
	o.dirty |= bits
	o.mu.Unlock()
}

func (o *Object) clearDirty() {
	o.mu.Lock()
	o.dirty = 0
	o.mu.Unlock()
}

// Children returns a copy of the current ordered child list.
func (o *Object) Children() []ChildInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ChildInfo, len(o.children))
	copy(out, o.children)
	return out
}

// AddChild appends a newly created child to the ordered list (master
// side) and marks DirtyChildren so the next commit serializes it.
func (o *Object) AddChild(childID id.ID128, kind uint32, version id.ID128) {
	o.mu.Lock()
	o.children = append(o.children, ChildInfo{ID: childID, Kind: kind, Version: version})
	o.dirty |= DirtyChildren
	o.mu.Unlock()
}

// DropChild removes childID from the list (master side postRemove
// equivalent, §4.6.3: the next commit's serialized list simply omits
// it, which is itself the signal a slave's reconciliation acts on).
// Named distinctly from the optional ChildRemover.RemoveChild so the
// two never collide when a concrete type embeds Object and also
// implements ChildRemover.
func (o *Object) DropChild(childID id.ID128) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, c := range o.children {
		if c.ID.Equal(childID) {
			o.children = append(o.children[:i:i], o.children[i+1:]...)
			o.dirty |= DirtyChildren
			return true
		}
	}
	return false
}

// replaceChildren overwrites the list outright, used by the Store after
// reconciling a slave's list against the wire (§4.6.3 "the rebuild is
// order-preserving: the resulting list exactly matches the wire
// sequence").
func (o *Object) replaceChildren(children []ChildInfo) {
	o.mu.Lock()
	o.children = children
	o.mu.Unlock()
}

// writeID128 writes an ID128 as two primitive uint64 writes (Hi, Lo)
// rather than a raw byte blob, so it goes through the same
// endian-normalization path as every other primitive (§4.4 P1).
func writeID128(os *stream.DataOStream, v id.ID128) error {
	if err := os.WriteUint64(v.Hi); err != nil {
		return err
	}
	return os.WriteUint64(v.Lo)
}

func readID128(is *stream.DataIStream) (id.ID128, error) {
	hi, err := is.ReadUint64()
	if err != nil {
		return id.Zero, err
	}
	lo, err := is.ReadUint64()
	if err != nil {
		return id.Zero, err
	}
	return id.ID128{Hi: hi, Lo: lo}, nil
}

// WriteChildren serializes the ordered {childID, kind, version} list,
// the wire form §4.6.3 describes. Concrete Serialize implementations
// call this when their dirty mask includes DirtyChildren.
func (o *Object) WriteChildren(os *stream.DataOStream) error {
	children := o.Children()
	if err := os.WriteUint64(uint64(len(children))); err != nil {
		return err
	}
	for _, c := range children {
		if err := writeID128(os, c.ID); err != nil {
			return err
		}
		if err := os.WriteUint32(c.Kind); err != nil {
			return err
		}
		if err := writeID128(os, c.Version); err != nil {
			return err
		}
	}
	return nil
}

// ReadChildren decodes the wire list WriteChildren produced. The Store
// performs the actual create/sync/release reconciliation against it;
// this is purely the wire decode.
func ReadChildren(is *stream.DataIStream) ([]ChildInfo, error) {
	n, err := is.ReadUint64()
	if err != nil {
		return nil, err
	}
	out := make([]ChildInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		childID, err := readID128(is)
		if err != nil {
			return nil, err
		}
		kind, err := is.ReadUint32()
		if err != nil {
			return nil, err
		}
		version, err := readID128(is)
		if err != nil {
			return nil, err
		}
		out = append(out, ChildInfo{ID: childID, Kind: kind, Version: version})
	}
	return out, nil
}
