// Package stream implements DataOStream / DataIStream, the chunked,
// optionally byte-swapped, optionally compressed binary pipe that
// carries packet payloads and distributed-object deltas (SPEC_FULL.md
// §4.4).
package stream

import (
	"encoding/binary"
	"errors"

	"github.com/rdumusc/collage/id"
)

// CompressorNone is the only codec wired by default; compression codec
// selection is out of scope per spec.md §1 ("compression codec
// selection" is named as an external collaborator). Receivers must
// handle this case regardless of what codecs are registered.
const CompressorNone uint32 = 0

// ChunkHeader is the fixed prefix of a data packet (§6 "Object
// commands": "A data packet carries: uint64 objectID hi/lo, uint64
// version hi/lo, uint32 sequence, uint32 last, uint32 compressorName,
// uint32 nChunks, uint64 dataSize, followed by dataSize payload bytes
// (preceded by a mirrored 8-byte length field for integrity)").
type ChunkHeader struct {
	ObjectID   id.ID128
	Version    id.ID128
	Sequence   uint32
	Last       bool
	Compressor uint32
	NChunks    uint32
	DataSize   uint64
}

const chunkHeaderLen = 16 + 16 + 4 + 4 + 4 + 4 + 8

var (
	ErrShortRead     = errors.New("collage: short read past end of logical stream")
	ErrCorruptLength = errors.New("collage: length field exceeds 2^48 sanity bound")
	ErrUnknownCodec  = errors.New("collage: unknown compressor id")
	ErrMirrorMismatch = errors.New("collage: mirrored length field mismatch")
)

// EncodeChunk serializes hdr and payload (with its mirrored 8-byte
// length prefix for integrity, per §6) into one wire chunk.
func EncodeChunk(hdr ChunkHeader, payload []byte) []byte {
	buf := make([]byte, 0, chunkHeaderLen+8+len(payload))

	oid := hdr.ObjectID.Bytes()
	ver := hdr.Version.Bytes()
	buf = append(buf, oid[:]...)
	buf = append(buf, ver[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, hdr.Sequence)
	var last uint32
	if hdr.Last {
		last = 1
	}
	buf = binary.LittleEndian.AppendUint32(buf, last)
	buf = binary.LittleEndian.AppendUint32(buf, hdr.Compressor)
	buf = binary.LittleEndian.AppendUint32(buf, hdr.NChunks)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(payload)))

	// mirrored length field, then the payload itself
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// DecodeChunk parses a wire chunk produced by EncodeChunk.
func DecodeChunk(data []byte) (hdr ChunkHeader, payload []byte, err error) {
	if len(data) < chunkHeaderLen+8 {
		return hdr, nil, ErrShortRead
	}
	hdr.ObjectID = id.FromBytes(data[0:16])
	hdr.Version = id.FromBytes(data[16:32])
	off := 32
	hdr.Sequence = binary.LittleEndian.Uint32(data[off:])
	off += 4
	hdr.Last = binary.LittleEndian.Uint32(data[off:]) != 0
	off += 4
	hdr.Compressor = binary.LittleEndian.Uint32(data[off:])
	off += 4
	hdr.NChunks = binary.LittleEndian.Uint32(data[off:])
	off += 4
	hdr.DataSize = binary.LittleEndian.Uint64(data[off:])
	off += 8

	const bit48 = 1 << 48
	if hdr.DataSize >= bit48 {
		return hdr, nil, ErrCorruptLength
	}

	mirror := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if mirror != hdr.DataSize {
		return hdr, nil, ErrMirrorMismatch
	}

	if uint64(len(data)-off) < hdr.DataSize {
		return hdr, nil, ErrShortRead
	}
	payload = data[off : off+int(hdr.DataSize)]
	return hdr, payload, nil
}
