package node

import (
	"encoding/binary"

	"github.com/rdumusc/collage/conn"
	"github.com/rdumusc/collage/id"
)

// Node-command payload encodings (§6 "Node commands"). Each function
// pair mirrors one CMD_NODE_* struct from
// original_source/libs/co/localNode.cpp's command classes, flattened to
// a length-prefixed byte layout instead of the original's serialized
// object graph.

func encodeDescs(descs []conn.Description) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(descs)))
	for _, d := range descs {
		s := d.String()
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		out = append(out, lenBuf[:]...)
		out = append(out, s...)
	}
	return out
}

func decodeDescs(body []byte) (descs []conn.Description, rest []byte, err error) {
	if len(body) < 4 {
		return nil, body, ErrShortBody
	}
	n := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]
	descs = make([]conn.Description, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(body) < 4 {
			return nil, body, ErrShortBody
		}
		l := binary.LittleEndian.Uint32(body[0:4])
		body = body[4:]
		if uint32(len(body)) < l {
			return nil, body, ErrShortBody
		}
		s := string(body[:l])
		body = body[l:]
		d, perr := conn.ParseDescription(s)
		if perr != nil {
			return nil, body, perr
		}
		descs = append(descs, d)
	}
	return descs, body, nil
}

// connectBody is CONNECT's payload: nodeID(16) nodeType(4) requestID(4) descs.
type connectBody struct {
	NodeID    id.ID128
	NodeType  uint32
	RequestID uint32
	Descs     []conn.Description
}

func encodeConnect(b connectBody) []byte {
	head := make([]byte, 24)
	idBytes := b.NodeID.Bytes()
	copy(head[0:16], idBytes[:])
	binary.LittleEndian.PutUint32(head[16:20], b.NodeType)
	binary.LittleEndian.PutUint32(head[20:24], b.RequestID)
	return append(head, encodeDescs(b.Descs)...)
}

func decodeConnect(body []byte) (connectBody, error) {
	if len(body) < 24 {
		return connectBody{}, ErrShortBody
	}
	var idArr [16]byte
	copy(idArr[:], body[0:16])
	descs, _, err := decodeDescs(body[24:])
	if err != nil {
		return connectBody{}, err
	}
	return connectBody{
		NodeID:    id.FromBytes(idArr[:]),
		NodeType:  binary.LittleEndian.Uint32(body[16:20]),
		RequestID: binary.LittleEndian.Uint32(body[20:24]),
		Descs:     descs,
	}, nil
}

// connectReplyBody is CONNECT_REPLY's payload. NodeID == id.Zero means
// refused (collision) per §4.5.3.
type connectReplyBody = connectBody

func encodeConnectReply(b connectReplyBody) []byte { return encodeConnect(b) }
func decodeConnectReply(body []byte) (connectReplyBody, error) { return decodeConnect(body) }

func encodeRequestID(requestID uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, requestID)
	return out
}

func decodeRequestID(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, ErrShortBody
	}
	return binary.LittleEndian.Uint32(body[0:4]), nil
}

// idBody is the payload of CMD_ID, used for multicast self-identification (§4.5.5).
func encodeIDBody(nodeID id.ID128) []byte {
	b := nodeID.Bytes()
	return b[:]
}

func decodeIDBody(body []byte) (id.ID128, error) {
	if len(body) < 16 {
		return id.Zero, ErrShortBody
	}
	return id.FromBytes(body[:16]), nil
}

// tokenReply is ACQUIRE_SEND_TOKEN_REPLY's payload: requestID(4) granted(1).
func encodeTokenReply(requestID uint32, granted bool) []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:4], requestID)
	if granted {
		out[4] = 1
	}
	return out
}

func decodeTokenReply(body []byte) (requestID uint32, granted bool, err error) {
	if len(body) < 5 {
		return 0, false, ErrShortBody
	}
	return binary.LittleEndian.Uint32(body[0:4]), body[4] != 0, nil
}
