package stream

import (
	"testing"

	"github.com/rdumusc/collage/id"
	"github.com/stretchr/testify/assert"
)

// chanSink/chanSource wire a DataOStream directly to a DataIStream
// in-process, skipping the network — the same loopback shape chotki's
// own test_utils helpers use for its protocol tests.
type chanSink struct {
	ch chan []byte
}

func (s *chanSink) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.ch <- cp
	return nil
}

type chanSource struct {
	ch chan []byte
}

func (s *chanSource) NextChunk() ([]byte, ChunkHeader, bool, error) {
	wire, ok := <-s.ch
	if !ok {
		return nil, ChunkHeader{}, false, nil
	}
	hdr, payload, err := DecodeChunk(wire)
	if err != nil {
		return nil, ChunkHeader{}, false, err
	}
	return payload, hdr, true, nil
}

func newLoopback() (*DataOStream, *DataIStream) {
	ch := make(chan []byte, 1<<20)
	oid := id.ID128{Hi: 1, Lo: 1}
	ver := id.ID128{Hi: 0, Lo: 1}
	os := NewDataOStream(oid, ver, []Sink{&chanSink{ch: ch}})
	is := NewDataIStream(&chanSource{ch: ch}, nil, false)
	return os, is
}

// S1: round-trip primitives.
func TestRoundTripPrimitives(t *testing.T) {
	os, is := newLoopback()
	os.Enable(64)

	assert.NoError(t, os.WriteInt32(42))
	assert.NoError(t, os.WriteFloat32(43.0))
	assert.NoError(t, os.WriteFloat64(44.0))

	vec := make([]float64, 65536)
	for i := range vec {
		vec[i] = float64(i)
	}
	assert.NoError(t, WriteFlatVector(os, vec, (*DataOStream).WriteFloat64))

	assert.NoError(t, os.WriteString("So long, and thanks for all the fish"))
	assert.NoError(t, os.Disable())

	i32, err := is.ReadInt32()
	assert.NoError(t, err)
	assert.Equal(t, int32(42), i32)

	f32, err := is.ReadFloat32()
	assert.NoError(t, err)
	assert.Equal(t, float32(43.0), f32)

	f64, err := is.ReadFloat64()
	assert.NoError(t, err)
	assert.Equal(t, 44.0, f64)

	gotVec, err := ReadFlatVector(is, (*DataIStream).ReadFloat64)
	assert.NoError(t, err)
	assert.Equal(t, 65536, len(gotVec))
	assert.Equal(t, vec, gotVec)

	s, err := is.ReadString()
	assert.NoError(t, err)
	assert.Equal(t, "So long, and thanks for all the fish", s)
}

// S2: chunked delta across a chunk boundary.
func TestChunkedDeltaAcrossBoundary(t *testing.T) {
	os, is := newLoopback()
	os.Enable(4096) // small instance-size hint forces multiple flushes

	const n = 32768
	vec := make([]uint32, n)
	for i := range vec {
		vec[i] = uint32(i % 32768)
	}
	assert.NoError(t, WriteFlatVector(os, vec, (*DataOStream).WriteUint32))
	assert.NoError(t, os.Disable())

	got, err := ReadFlatVector(is, (*DataIStream).ReadUint32)
	assert.NoError(t, err)
	assert.Equal(t, n, len(got))
	for i, v := range got {
		assert.Equal(t, uint32(i%32768), v)
	}
}

// P2: vectors with length under 2^48 round-trip as identity; a declared
// length at or above 2^48 is rejected as CORRUPT_LENGTH.
func TestCorruptLengthRejected(t *testing.T) {
	// forge a length field at the 2^48 boundary directly on the wire
	hdr := ChunkHeader{Version: id.ID128{Lo: 1}, Last: true}
	payload := []byte{0, 0, 0, 0, 0, 0, 1, 0} // 2^48 little-endian
	wire := EncodeChunk(hdr, payload)
	ch := make(chan []byte, 1)
	ch <- wire
	is := NewDataIStream(&chanSource{ch: ch}, nil, false)
	_, err := ReadFlatVector(is, (*DataIStream).ReadUint32)
	assert.ErrorIs(t, err, ErrCorruptLength)
}

// GetRemainingBuffer never crosses a chunk boundary (§4.4).
func TestGetRemainingBufferIntraChunkOnly(t *testing.T) {
	os, is := newLoopback()
	os.Enable(4) // tiny threshold: "hello" flushes as its own chunk, then an empty last chunk
	_, err := os.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.NoError(t, os.Disable())

	// force a fill so is.cur holds the first chunk
	assert.NoError(t, is.fill())
	first := len(is.cur)
	b := is.GetRemainingBuffer(first + 1)
	assert.Nil(t, b, "must not cross a chunk boundary")
}
