// Package wire implements the on-wire packet framing (SPEC_FULL.md §6
// EXTERNAL INTERFACES) and the Command/dispatcher abstraction built on
// top of it (§4.3).
package wire

import (
	"encoding/binary"
	"errors"
)

// PacketType distinguishes node-level from object-level packets (§6).
type PacketType uint32

const (
	TypeNode   PacketType = 1
	TypeObject PacketType = 2
)

// HeaderLen is the fixed prefix every packet carries: 8-byte size
// (including itself), 4-byte type, 4-byte command.
const HeaderLen = 8 + 4 + 4

var (
	ErrShortPacket   = errors.New("collage: packet shorter than header")
	ErrPacketTooBig  = errors.New("collage: declared packet size exceeds limit")
	ErrBadPacketSize = errors.New("collage: declared packet size smaller than header")
)

// MaxPacketSize is a sanity ceiling against a corrupt or hostile size
// field; not named by spec.md but required to keep Split from trying to
// allocate an attacker-controlled amount of memory.
const MaxPacketSize = 256 * 1024 * 1024

// Header is the decoded fixed prefix of a Packet.
type Header struct {
	Size    uint64
	Type    PacketType
	Command uint32
}

// EncodeHeader writes a Header followed by the caller-provided tail into
// a freshly sized packet. Multi-byte fields are always written
// little-endian; it takes no byte-swap option.
func EncodeHeader(tailLen int, typ PacketType, command uint32) []byte {
	total := HeaderLen + tailLen
	buf := make([]byte, HeaderLen, total)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(total))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(typ))
	binary.LittleEndian.PutUint32(buf[12:16], command)
	return buf
}

// ProbeHeader inspects the leading bytes of a read buffer and reports
// whether a complete header is present, mirroring chotki's
// protocol.ProbeHeader but over the spec's fixed 8/4/4 layout instead of
// a tagged TLV record.
//
// ok is false if fewer than HeaderLen bytes are available yet (need more
// data, not an error). err is non-nil only for a corrupt size field.
func ProbeHeader(data []byte) (hdr Header, ok bool, err error) {
	if len(data) < HeaderLen {
		return Header{}, false, nil
	}
	size := binary.LittleEndian.Uint64(data[0:8])
	if size < HeaderLen {
		return Header{}, false, ErrBadPacketSize
	}
	if size > MaxPacketSize {
		return Header{}, false, ErrPacketTooBig
	}
	hdr = Header{
		Size:    size,
		Type:    PacketType(binary.LittleEndian.Uint32(data[8:12])),
		Command: binary.LittleEndian.Uint32(data[12:16]),
	}
	return hdr, true, nil
}

// Split peels complete packets off the front of data, returning them and
// the unconsumed remainder. Grounded on chotki protocol/tlv.go's Split,
// adapted from TLV-tagged records to the spec's fixed-size-prefix
// packets.
func Split(data []byte) (packets [][]byte, rest []byte, err error) {
	rest = data
	for {
		hdr, ok, perr := ProbeHeader(rest)
		if perr != nil {
			return packets, rest, perr
		}
		if !ok || uint64(len(rest)) < hdr.Size {
			return packets, rest, nil
		}
		packets = append(packets, rest[:hdr.Size])
		rest = rest[hdr.Size:]
	}
}
