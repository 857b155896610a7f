package stream

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/rdumusc/collage/id"
)

// Sink is the minimal "attached connection" DataOStream writes chunks
// to. conn.Connection satisfies it; kept as a narrow interface here
// (rather than importing package conn) so stream has no dependency on
// the transport layer, mirroring how chotki's toyqueue/drainfeed.go
// abstracts "somewhere to write bytes" behind Feeder/Drainer rather than
// a concrete socket type.
type Sink interface {
	Send(buf []byte) error
}

type ostate int

const (
	disabled ostate = iota
	bufferedState
	streamingState
)

var ErrDisabled = errors.New("collage: write to a disabled DataOStream")

// DataOStream is the sender half of the binary pipe (§4.4). It starts
// Disabled; Enable puts it in the buffered state; the first Flush moves
// it to streaming, after which every further Flush emits a numbered
// chunk instead of growing the buffer.
type DataOStream struct {
	state ostate

	buf           []byte
	flushThresh   int // "instance size" hint: first flush boundary
	sinks         []Sink
	sequence      uint32
	objectID      id.ID128
	version       id.ID128
	compressor    Compressor
	compressMin   int // minimum chunk size before compression kicks in
	swap          bool
}

// NewDataOStream constructs a disabled stream for objectID at the given
// version, writing to sinks once Enabled.
func NewDataOStream(objectID, version id.ID128, sinks []Sink) *DataOStream {
	return &DataOStream{objectID: objectID, version: version, sinks: sinks}
}

// Enable transitions Disabled -> Enabled/buffered. instanceSizeHint is
// the first flush threshold (§4.4 "the first flush threshold is the
// instance size hint").
func (o *DataOStream) Enable(instanceSizeHint int) {
	o.state = bufferedState
	o.flushThresh = instanceSizeHint
	o.buf = o.buf[:0]
	o.sequence = 0
}

// SetCompressor installs a pluggable compressor and the minimum
// pre-compression chunk size at which it activates (§4.4
// "Compression").
func (o *DataOStream) SetCompressor(c Compressor, minSize int) {
	o.compressor = c
	o.compressMin = minSize
}

// SetSwap controls whether primitive writes on the matching
// DataIStream will need to byte-swap; negotiated once per stream per
// §4.4 and recorded here purely for documentation — DataOStream itself
// always writes host-native little-endian bytes, the IStream decides
// whether to swap on read.
func (o *DataOStream) SetSwap(swap bool) { o.swap = swap }

func (o *DataOStream) checkEnabled() error {
	if o.state == disabled {
		return ErrDisabled
	}
	return nil
}

// Write appends raw bytes to the stream, flushing per the buffered/
// streaming state machine described in §4.4.
func (o *DataOStream) Write(p []byte) (int, error) {
	if err := o.checkEnabled(); err != nil {
		return 0, err
	}
	o.buf = append(o.buf, p...)
	if o.state == bufferedState && len(o.buf) >= o.flushThresh && o.flushThresh > 0 {
		if err := o.flush(false); err != nil {
			return 0, err
		}
	} else if o.state == streamingState {
		if err := o.flush(false); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Disable emits a final chunk with the last flag set (even if empty)
// and transitions back to Disabled, per §4.4.
func (o *DataOStream) Disable() error {
	if o.state == disabled {
		return nil
	}
	err := o.flush(true)
	o.state = disabled
	o.buf = nil
	return err
}

func (o *DataOStream) flush(last bool) error {
	body := o.buf
	o.buf = nil

	hdr := ChunkHeader{
		ObjectID: o.objectID,
		Version:  o.version,
		Sequence: o.sequence,
		Last:     last,
	}
	o.sequence++

	payload := body
	if o.compressor != nil && len(body) >= o.compressMin && o.compressMin > 0 {
		subchunks, err := o.compressor.Compress(body)
		if err != nil {
			return err
		}
		hdr.Compressor = o.compressor.ID()
		hdr.NChunks = uint32(len(subchunks))
		payload = joinChunks(subchunks)
	} else {
		hdr.Compressor = CompressorNone
		hdr.NChunks = 1
	}

	wire := EncodeChunk(hdr, payload)
	for _, sink := range o.sinks {
		if err := sink.Send(wire); err != nil {
			return err
		}
	}

	if o.state == bufferedState {
		o.state = streamingState
	}
	return nil
}

func joinChunks(chunks [][]byte) []byte {
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// --- typed primitive writers (§4.4, grounded on
// original_source/co/dataIStream.h's paired writer side semantics) ---

func (o *DataOStream) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := o.Write(b[:])
	return err
}

func (o *DataOStream) WriteUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := o.Write(b[:])
	return err
}

func (o *DataOStream) WriteInt32(v int32) error { return o.WriteUint32(uint32(v)) }
func (o *DataOStream) WriteInt64(v int64) error { return o.WriteUint64(uint64(v)) }

func (o *DataOStream) WriteFloat32(v float32) error {
	return o.WriteUint32(math.Float32bits(v))
}

func (o *DataOStream) WriteFloat64(v float64) error {
	return o.WriteUint64(math.Float64bits(v))
}

// WriteString writes a length-prefixed (uint64) string, raw bytes, no
// swap (§4.4 "String: length-prefix, then raw bytes ... no swap").
func (o *DataOStream) WriteString(s string) error {
	if err := o.WriteUint64(uint64(len(s))); err != nil {
		return err
	}
	_, err := o.Write([]byte(s))
	return err
}

// WriteFlatVector writes a length-prefixed (uint64) flat array of a
// trivially copyable primitive, per §4.4 "Buffer/vector of trivially
// copyable T". Each element is encoded via enc.
func WriteFlatVector[T any](o *DataOStream, v []T, enc func(*DataOStream, T) error) error {
	if err := o.WriteUint64(uint64(len(v))); err != nil {
		return err
	}
	for _, x := range v {
		if err := enc(o, x); err != nil {
			return err
		}
	}
	return nil
}
