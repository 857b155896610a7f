package stream

import (
	"encoding/binary"
	"math"

	"github.com/rdumusc/collage/id"
)

// ChunkSource supplies the next wire chunk to a DataIStream, decoupling
// it from however chunks actually arrive (a connection, a replayed
// instance-cache burst, a test fixture). Grounded on spec.md §9's
// proposed model: "DataIStream as a sum type of concrete streams behind
// a small interface {nextChunk, version, master, swapFlag}".
type ChunkSource interface {
	// NextChunk blocks until the next chunk is available. ok is false
	// once the stream has delivered its last chunk and been fully
	// drained (not an error — end of logical stream).
	NextChunk() (payload []byte, hdr ChunkHeader, ok bool, err error)
}

// DataIStream is the receiver half of the binary pipe (§4.4): a logical
// cursor over the concatenation of received chunks.
type DataIStream struct {
	src ChunkSource
	reg *Registry

	swap bool

	cur      []byte // remaining bytes of the current (decompressed) chunk
	version  id.ID128
	lastSeen bool // true once the chunk with Last==true has been consumed
	done     bool // true once cur is empty and lastSeen is true
}

func NewDataIStream(src ChunkSource, reg *Registry, swap bool) *DataIStream {
	return &DataIStream{src: src, reg: reg, swap: swap}
}

// Version reports the version tag of the most recently consumed chunk.
func (is *DataIStream) Version() id.ID128 { return is.version }

// fill pulls chunks from the source until at least one byte is
// available or the stream is exhausted. Implements §4.4 "cross-chunk
// reads": any typed read may span chunk boundaries, the stream
// transparently pulls the next chunk when the current is exhausted.
func (is *DataIStream) fill() error {
	for len(is.cur) == 0 {
		if is.lastSeen {
			is.done = true
			return ErrShortRead
		}
		payload, hdr, ok, err := is.src.NextChunk()
		if err != nil {
			return err
		}
		if !ok {
			is.lastSeen = true
			is.done = true
			return ErrShortRead
		}
		is.version = hdr.Version
		body, err := is.decompress(hdr, payload)
		if err != nil {
			return err
		}
		is.cur = body
		if hdr.Last {
			is.lastSeen = true
		}
	}
	return nil
}

func (is *DataIStream) decompress(hdr ChunkHeader, payload []byte) ([]byte, error) {
	if hdr.Compressor == CompressorNone {
		return payload, nil
	}
	if is.reg == nil {
		return nil, ErrUnknownCodec
	}
	c, ok := is.reg.Lookup(hdr.Compressor)
	if !ok || c == nil {
		return nil, ErrUnknownCodec
	}
	// sub-chunks were joined back-to-back by the sender (joinChunks);
	// NChunks tells the codec how many pieces to expect but since we
	// don't re-split lengths here, codecs that need framing must encode
	// their own sub-chunk boundaries within payload.
	return c.Decompress([][]byte{payload}, int(hdr.DataSize))
}

// take consumes exactly n bytes, pulling further chunks as needed.
func (is *DataIStream) take(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if err := is.fill(); err != nil {
			return nil, err
		}
		need := n - len(out)
		if need >= len(is.cur) {
			out = append(out, is.cur...)
			is.cur = nil
		} else {
			out = append(out, is.cur[:need]...)
			is.cur = is.cur[need:]
		}
	}
	return out, nil
}

func (is *DataIStream) swap16(b []byte) {
	if is.swap {
		b[0], b[1] = b[1], b[0]
	}
}

func (is *DataIStream) swap32(b []byte) {
	if is.swap {
		b[0], b[3] = b[3], b[0]
		b[1], b[2] = b[2], b[1]
	}
}

func (is *DataIStream) swap64(b []byte) {
	if is.swap {
		for i := 0; i < 4; i++ {
			b[i], b[7-i] = b[7-i], b[i]
		}
	}
}

// --- primitive reads (§4.4 "Primitive read: copies sizeof(T) bytes
// into a local and byte-swaps if the stream's swap flag is set") ---

func (is *DataIStream) ReadUint32() (uint32, error) {
	b, err := is.take(4)
	if err != nil {
		return 0, err
	}
	is.swap32(b)
	return binary.LittleEndian.Uint32(b), nil
}

func (is *DataIStream) ReadUint64() (uint64, error) {
	b, err := is.take(8)
	if err != nil {
		return 0, err
	}
	is.swap64(b)
	return binary.LittleEndian.Uint64(b), nil
}

func (is *DataIStream) ReadInt32() (int32, error) {
	v, err := is.ReadUint32()
	return int32(v), err
}

func (is *DataIStream) ReadInt64() (int64, error) {
	v, err := is.ReadUint64()
	return int64(v), err
}

func (is *DataIStream) ReadFloat32() (float32, error) {
	v, err := is.ReadUint32()
	return math.Float32frombits(v), err
}

func (is *DataIStream) ReadFloat64() (float64, error) {
	v, err := is.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads a length-prefixed string: raw bytes, never swapped
// (§4.4).
func (is *DataIStream) ReadString() (string, error) {
	n, err := is.ReadUint64()
	if err != nil {
		return "", err
	}
	if err := checkBit48(n); err != nil {
		return "", err
	}
	b, err := is.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const bit48Limit = 1 << 48

func checkBit48(n uint64) error {
	if n >= bit48Limit {
		return ErrCorruptLength
	}
	return nil
}

// ReadFlatVector reads a length-prefixed flat array of a trivially
// copyable primitive T (§4.4 "the 48-bit upper-limit sanity check
// rejects lengths >= 2^48"), element-wise via dec, with swap applied
// elementwise inside dec.
func ReadFlatVector[T any](is *DataIStream, dec func(*DataIStream) (T, error)) ([]T, error) {
	n, err := is.ReadUint64()
	if err != nil {
		return nil, err
	}
	if err := checkBit48(n); err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		v, err := dec(is)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadSerializableVector reads a length-prefixed vector of
// serializable-by-callback T (§4.4 "Vector of serializable T:
// length-prefix, then element-wise read").
func ReadSerializableVector[T any](is *DataIStream, dec func(*DataIStream) (T, error)) ([]T, error) {
	return ReadFlatVector(is, dec)
}

// GetRemainingBuffer returns a raw pointer into the current chunk and
// advances by n; returns nil if fewer than n bytes remain in the
// current chunk. Intra-chunk only by contract (§4.4): never crosses a
// chunk boundary, no byte-swap, intended for zero-copy consumers.
// Grounded verbatim on original_source/co/dataIStream.h's
// getRemainingBuffer/getRemainingBufferSize.
func (is *DataIStream) GetRemainingBuffer(n int) []byte {
	if len(is.cur) < n {
		return nil
	}
	out := is.cur[:n]
	is.cur = is.cur[n:]
	return out
}

// GetRemainingBufferSize reports how many bytes remain in the current
// chunk without pulling a new one.
func (is *DataIStream) GetRemainingBufferSize() int {
	return len(is.cur)
}

// Done reports whether the logical stream has been fully consumed (the
// last chunk's bytes have all been read).
func (is *DataIStream) Done() bool {
	return is.done && len(is.cur) == 0
}
