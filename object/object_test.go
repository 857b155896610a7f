package object

import (
	"math/bits"
	"testing"

	"github.com/rdumusc/collage/id"
	"github.com/rdumusc/collage/stream"
	"github.com/stretchr/testify/assert"
)

// chanSink/chanSource mirror stream package's own loopback test fixture:
// a DataOStream wired directly to a DataIStream in-process, skipping the
// network.
type chanSink struct{ ch chan []byte }

func (s *chanSink) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.ch <- cp
	return nil
}

type chanSource struct{ ch chan []byte }

func (s *chanSource) NextChunk() ([]byte, stream.ChunkHeader, bool, error) {
	wire, ok := <-s.ch
	if !ok {
		return nil, stream.ChunkHeader{}, false, nil
	}
	hdr, payload, err := stream.DecodeChunk(wire)
	if err != nil {
		return nil, stream.ChunkHeader{}, false, err
	}
	return payload, hdr, true, nil
}

func newLoopbackStream(swap bool) (*stream.DataOStream, *stream.DataIStream) {
	ch := make(chan []byte, 1024)
	oid := id.ID128{Lo: 1}
	ver := id.ID128{Lo: 1}
	os := stream.NewDataOStream(oid, ver, []stream.Sink{&chanSink{ch: ch}})
	is := stream.NewDataIStream(&chanSource{ch: ch}, nil, swap)
	return os, is
}

func TestRoleStrings(t *testing.T) {
	assert.Equal(t, "none", RoleNone.String())
	assert.Equal(t, "master", RoleMaster.String())
	assert.Equal(t, "slave", RoleSlave.String())
}

func TestMasterSlaveAreExclusive(t *testing.T) {
	o := newObject(id.ID128{Lo: 1}, 7, RoleMaster)
	assert.True(t, o.IsMaster())
	assert.False(t, o.IsSlave())

	s := newObject(id.ID128{Lo: 2}, 7, RoleSlave)
	assert.True(t, s.IsSlave())
	assert.False(t, s.IsMaster())
}

func TestDirtyBitsLifecycle(t *testing.T) {
	o := newObject(id.ID128{Lo: 1}, 1, RoleMaster)
	assert.False(t, o.IsDirty())

	o.MarkDirty(DirtyChildren)
	assert.True(t, o.IsDirty())
	assert.Equal(t, DirtyChildren, o.Dirty())

	o.MarkDirty(DirtyCustom)
	assert.Equal(t, DirtyChildren|DirtyCustom, o.Dirty())

	o.clearDirty()
	assert.False(t, o.IsDirty())
}

func TestAddDropChild(t *testing.T) {
	o := newObject(id.ID128{Lo: 1}, 1, RoleMaster)
	childA := id.ID128{Lo: 10}
	childB := id.ID128{Lo: 11}

	o.AddChild(childA, 2, id.ID128{Lo: 1})
	o.AddChild(childB, 3, id.ID128{Lo: 1})
	assert.True(t, o.IsDirty())
	assert.Len(t, o.Children(), 2)

	o.clearDirty()
	assert.True(t, o.DropChild(childA))
	assert.True(t, o.IsDirty())
	children := o.Children()
	assert.Len(t, children, 1)
	assert.True(t, children[0].ID.Equal(childB))

	assert.False(t, o.DropChild(childA), "already removed")
}

func TestReplaceChildrenIsOrderPreserving(t *testing.T) {
	o := newObject(id.ID128{Lo: 1}, 1, RoleMaster)
	want := []ChildInfo{
		{ID: id.ID128{Lo: 3}, Kind: 1, Version: id.ID128{Lo: 1}},
		{ID: id.ID128{Lo: 1}, Kind: 1, Version: id.ID128{Lo: 2}},
		{ID: id.ID128{Lo: 2}, Kind: 1, Version: id.ID128{Lo: 3}},
	}
	o.replaceChildren(want)
	assert.Equal(t, want, o.Children())
}

func TestObjectBasePromotion(t *testing.T) {
	fo := &fakeObj{}
	*fo.ObjectBase() = *newObject(id.ID128{Lo: 9}, 5, RoleMaster)
	assert.Equal(t, id.ID128{Lo: 9}, fo.ID())
	assert.Equal(t, uint32(5), fo.Kind())
}

// TestWriteReadChildrenRoundTrip exercises the P1 endian-normalization
// path end to end: children written via writeID128/WriteChildren read
// back identically, and a byte-swapped reader recovers the same list
// from a stream written in the opposite byte order.
func TestWriteReadChildrenRoundTrip(t *testing.T) {
	for _, swap := range []bool{false, true} {
		o := newObject(id.ID128{Lo: 1}, 1, RoleMaster)
		o.AddChild(id.ID128{Hi: 0xAABB, Lo: 1}, 2, id.ID128{Lo: 1})
		o.AddChild(id.ID128{Hi: 0xCCDD, Lo: 2}, 3, id.ID128{Lo: 2})

		os, is := newLoopbackStream(swap)
		os.Enable(64)
		if swap {
			assert.NoError(t, writeChildrenByteReversed(os, o.Children()))
		} else {
			assert.NoError(t, o.WriteChildren(os))
		}
		assert.NoError(t, os.Disable())

		got, err := ReadChildren(is)
		assert.NoError(t, err)
		assert.Equal(t, o.Children(), got)
	}
}

// writeChildrenByteReversed writes the same field sequence as
// WriteChildren with every primitive byte-reversed, standing in for a
// writer whose byte order differs from the reader's.
func writeChildrenByteReversed(os *stream.DataOStream, children []ChildInfo) error {
	w64 := func(v uint64) error { return os.WriteUint64(bits.ReverseBytes64(v)) }
	if err := w64(uint64(len(children))); err != nil {
		return err
	}
	for _, c := range children {
		for _, v := range []uint64{c.ID.Hi, c.ID.Lo} {
			if err := w64(v); err != nil {
				return err
			}
		}
		if err := os.WriteUint32(bits.ReverseBytes32(c.Kind)); err != nil {
			return err
		}
		for _, v := range []uint64{c.Version.Hi, c.Version.Lo} {
			if err := w64(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// removableChild implements ChildRemover on top of the base Object's own
// DropChild, proving the two never collide despite the shared
// "remove a child" intent (§9 Open Question (b)).
type removableChild struct {
	Object
}

func (r *removableChild) Serialize(os *stream.DataOStream, dirty DirtyBits) error   { return nil }
func (r *removableChild) Deserialize(is *stream.DataIStream, dirty DirtyBits) error { return nil }
func (r *removableChild) RemoveChild(childID id.ID128) error                        { return nil }

func TestDropChildRenamedToAvoidChildRemoverCollision(t *testing.T) {
	r := &removableChild{}
	*r.ObjectBase() = *newObject(id.ID128{Lo: 1}, 1, RoleMaster)
	var _ ChildRemover = r // compiles only if the signatures don't collide
	assert.NoError(t, r.RemoveChild(id.ID128{Lo: 1}))
	assert.False(t, r.DropChild(id.ID128{Lo: 1}), "nothing was ever added via AddChild")
}
