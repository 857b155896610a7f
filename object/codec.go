package object

import (
	"encoding/binary"

	"github.com/rdumusc/collage/id"
)

// Object-command payload encodings (§6 "Object commands"). OBJECT_MAP
// and OBJECT_UNMAP are fixed layouts; OBJECT_INSTANCE, OBJECT_DELTA,
// OBJECT_SLAVE_DELTA and OBJECT_PUSH reuse stream.EncodeChunk/DecodeChunk
// directly as their body, since a data packet's layout (§6) is exactly
// a stream.ChunkHeader plus payload.

// errNone/errUnknownObjectCode/... are the ErrorCode byte values carried by
// OBJECT_COMMIT when it doubles as a map reply (see commitBody's
// RequestID: non-zero means "this is a reply to that map request", not
// an unsolicited head-version announcement).
const (
	errNone             uint8 = 0
	errUnknownObjectCode uint8 = 1
	errVersionUnmappableCode uint8 = 2
	errRemovedCode      uint8 = 3
)

type mapBody struct {
	RequestID uint32
	ObjectID  id.ID128
	Version   id.ID128
	Kind      uint32
}

const mapBodyLen = 4 + 16 + 16 + 4

func encodeMap(b mapBody) []byte {
	out := make([]byte, mapBodyLen)
	binary.LittleEndian.PutUint32(out[0:4], b.RequestID)
	oid := b.ObjectID.Bytes()
	copy(out[4:20], oid[:])
	ver := b.Version.Bytes()
	copy(out[20:36], ver[:])
	binary.LittleEndian.PutUint32(out[36:40], b.Kind)
	return out
}

func decodeMap(body []byte) (mapBody, error) {
	if len(body) < mapBodyLen {
		return mapBody{}, ErrShortBody
	}
	return mapBody{
		RequestID: binary.LittleEndian.Uint32(body[0:4]),
		ObjectID:  id.FromBytes(body[4:20]),
		Version:   id.FromBytes(body[20:36]),
		Kind:      binary.LittleEndian.Uint32(body[36:40]),
	}, nil
}

type commitBody struct {
	RequestID uint32
	ObjectID  id.ID128
	Version   id.ID128
	ErrorCode uint8
}

const commitBodyLen = 4 + 16 + 16 + 1

func encodeCommit(b commitBody) []byte {
	out := make([]byte, commitBodyLen)
	binary.LittleEndian.PutUint32(out[0:4], b.RequestID)
	oid := b.ObjectID.Bytes()
	copy(out[4:20], oid[:])
	ver := b.Version.Bytes()
	copy(out[20:36], ver[:])
	out[36] = b.ErrorCode
	return out
}

func decodeCommit(body []byte) (commitBody, error) {
	if len(body) < commitBodyLen {
		return commitBody{}, ErrShortBody
	}
	return commitBody{
		RequestID: binary.LittleEndian.Uint32(body[0:4]),
		ObjectID:  id.FromBytes(body[4:20]),
		Version:   id.FromBytes(body[20:36]),
		ErrorCode: body[36],
	}, nil
}

type unmapBody struct {
	ObjectID id.ID128
}

func encodeUnmap(b unmapBody) []byte {
	out := make([]byte, 16)
	oid := b.ObjectID.Bytes()
	copy(out, oid[:])
	return out
}

func decodeUnmap(body []byte) (unmapBody, error) {
	if len(body) < 16 {
		return unmapBody{}, ErrShortBody
	}
	return unmapBody{ObjectID: id.FromBytes(body[0:16])}, nil
}
