package stream

// Compressor is the pluggable codec hook named in §4.4 "Compression".
// Concrete codec selection is out of scope (§1); the core ships only
// the NONE codec and treats an unrecognized id as UNKNOWN_CODEC (§7).
type Compressor interface {
	ID() uint32
	// Compress splits body into one or more compressed sub-chunks.
	Compress(body []byte) (subchunks [][]byte, err error)
	Decompress(subchunks [][]byte, uncompressedSize int) ([]byte, error)
}

// Registry looks up a Compressor by id; nil (CompressorNone) always
// means "no compression" and is handled without a lookup.
type Registry struct {
	byID map[uint32]Compressor
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint32]Compressor)}
}

func (r *Registry) Register(c Compressor) {
	r.byID[c.ID()] = c
}

func (r *Registry) Lookup(id uint32) (Compressor, bool) {
	if id == CompressorNone {
		return nil, true
	}
	c, ok := r.byID[id]
	return c, ok
}
