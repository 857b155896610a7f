package object

import (
	"context"
	"log/slog"
	"testing"

	"github.com/rdumusc/collage/global"
	"github.com/rdumusc/collage/id"
	"github.com/rdumusc/collage/node"
	"github.com/rdumusc/collage/stream"
	"github.com/rdumusc/collage/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObj is the minimal Serializable used across this package's tests:
// one uint64 field, nothing else.
type fakeObj struct {
	Object
	Value uint64
}

func (f *fakeObj) Serialize(os *stream.DataOStream, dirty DirtyBits) error {
	return os.WriteUint64(f.Value)
}

func (f *fakeObj) Deserialize(is *stream.DataIStream, dirty DirtyBits) error {
	v, err := is.ReadUint64()
	if err != nil {
		return err
	}
	f.Value = v
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	ln := node.NewLocalNode(1, global.New(), log)
	return NewStore(ln, log)
}

func TestRegisterAssignsMasterRole(t *testing.T) {
	s := newTestStore(t)
	obj := &fakeObj{}
	objID := s.Register(obj, 42)

	assert.False(t, objID.IsZero())
	assert.True(t, obj.IsMaster())
	assert.Equal(t, uint32(42), obj.Kind())
	assert.Equal(t, objID, obj.ID())
}

func TestRegisterTwiceGivesDistinctIDs(t *testing.T) {
	s := newTestStore(t)
	a := s.Register(&fakeObj{}, 1)
	b := s.Register(&fakeObj{}, 1)
	assert.False(t, a.Equal(b))
}

func TestDeregisterUnknownObject(t *testing.T) {
	s := newTestStore(t)
	err := s.Deregister(id.ID128{Lo: 999})
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestDeregisterTwiceReportsNotMapped(t *testing.T) {
	s := newTestStore(t)
	obj := &fakeObj{}
	objID := s.Register(obj, 1)
	require.NoError(t, s.Deregister(objID))
	assert.ErrorIs(t, s.Deregister(objID), ErrNotMapped)
}

func TestCommitNotMappedErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Commit(id.ID128{Lo: 1})
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestCommitNoOpWhenNotDirty(t *testing.T) {
	s := newTestStore(t)
	obj := &fakeObj{}
	objID := s.Register(obj, 1)

	v, err := s.Commit(objID)
	assert.NoError(t, err)
	assert.True(t, v.Equal(obj.Version()))
}

func TestCommitAdvancesVersionWithNoSlaves(t *testing.T) {
	s := newTestStore(t)
	obj := &fakeObj{Value: 7}
	objID := s.Register(obj, 1)
	obj.MarkDirty(DirtyCustom)

	before := obj.Version()
	v, err := s.Commit(objID)
	require.NoError(t, err)
	assert.True(t, before.Less(v))
	assert.False(t, obj.IsDirty())
}

func TestMapNBAgainstUnknownPeerFailsAndFreesSlot(t *testing.T) {
	s := newTestStore(t)
	objID := id.ID128{Lo: 123}
	target := id.ID128{Lo: 456} // never connected

	_, err := s.MapNB(objID, target, id.Head, 1, &fakeObj{})
	assert.Error(t, err)

	// the failed attempt must not have left the slot registered, so a
	// second attempt doesn't see ErrAlreadyRegistered.
	_, err = s.MapNB(objID, target, id.Head, 1, &fakeObj{})
	assert.NotErrorIs(t, err, ErrAlreadyRegistered)
}

func TestUnmapRequiresSlaveRole(t *testing.T) {
	s := newTestStore(t)
	obj := &fakeObj{}
	objID := s.Register(obj, 1) // master, not slave
	assert.ErrorIs(t, s.Unmap(objID), ErrNotSlave)
}

func TestSlaveCommitRequiresSlaveRole(t *testing.T) {
	s := newTestStore(t)
	obj := &fakeObj{}
	objID := s.Register(obj, 1)
	assert.ErrorIs(t, s.SlaveCommit(objID), ErrNotSlave)
}

func TestSyncUnknownObject(t *testing.T) {
	s := newTestStore(t)
	err := s.Sync(context.Background(), id.ID128{Lo: 1}, id.Head)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestSyncReturnsImmediatelyWhenAlreadyAtTarget(t *testing.T) {
	s := newTestStore(t)
	obj := &fakeObj{}
	objID := s.Register(obj, 1)
	err := s.Sync(context.Background(), objID, obj.Version())
	assert.NoError(t, err)
}

func TestReconcileChildrenWithoutKinderErrorsOnNewChild(t *testing.T) {
	s := newTestStore(t)
	parent := newObject(id.ID128{Lo: 1}, 1, RoleMaster)
	wireList := []ChildInfo{{ID: id.ID128{Lo: 2}, Kind: 1, Version: id.ID128{Lo: 1}}}

	err := s.ReconcileChildren(parent, wireList, nil, id.ID128{Lo: 99})
	assert.ErrorIs(t, err, ErrNoKinder)
}

func TestReconcileChildrenDropsMissingSlaveChild(t *testing.T) {
	s := newTestStore(t)
	parent := newObject(id.ID128{Lo: 1}, 1, RoleMaster)

	childObj := &fakeObj{}
	childID := id.ID128{Lo: 2}
	*childObj.ObjectBase() = *newObject(childID, 1, RoleSlave)
	s.mu.Lock()
	s.objects[childID] = newEntry(childObj)
	s.mu.Unlock()
	parent.AddChild(childID, 1, id.ID128{Lo: 1})

	err := s.ReconcileChildren(parent, nil, nil, id.ID128{Lo: 99})
	require.NoError(t, err)
	assert.Empty(t, parent.Children())
	assert.Nil(t, s.get(childID), "a dropped slave child must be unmapped")
}

// splitChunks must recover exactly the set of EncodeChunk blobs that
// were concatenated to produce its input, the replay format the
// instance cache relies on.
func TestSplitChunksRoundTrip(t *testing.T) {
	oid := id.ID128{Lo: 1}
	ver := id.ID128{Lo: 1}
	c1 := stream.EncodeChunk(stream.ChunkHeader{ObjectID: oid, Version: ver, Sequence: 0, Last: false}, []byte("hello "))
	c2 := stream.EncodeChunk(stream.ChunkHeader{ObjectID: oid, Version: ver, Sequence: 1, Last: true}, []byte("world"))
	raw := append(append([]byte(nil), c1...), c2...)

	chunks, err := splitChunks(raw)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, c1, chunks[0])
	assert.Equal(t, c2, chunks[1])
}

func TestDecompressPayloadPassesThroughWhenUncompressed(t *testing.T) {
	hdr := stream.ChunkHeader{Compressor: stream.CompressorNone}
	out, err := decompressPayload(nil, hdr, []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), out)
}

func TestDecompressPayloadUnknownCodec(t *testing.T) {
	hdr := stream.ChunkHeader{Compressor: 99}
	reg := stream.NewRegistry()
	_, err := decompressPayload(reg, hdr, []byte("raw"))
	assert.ErrorIs(t, err, stream.ErrUnknownCodec)
}

func TestMapErrorFor(t *testing.T) {
	assert.ErrorIs(t, mapErrorFor(errUnknownObjectCode), ErrUnknownObject)
	assert.ErrorIs(t, mapErrorFor(errVersionUnmappableCode), ErrVersionUnmappable)
	assert.ErrorIs(t, mapErrorFor(errRemovedCode), ErrRemoved)
	assert.NoError(t, mapErrorFor(errNone))
}
