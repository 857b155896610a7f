package node

import "errors"

// Error taxonomy per SPEC_FULL.md §7 ERROR HANDLING DESIGN.
var (
	ErrListenerFailed    = errors.New("collage: failed to open a listener")
	ErrHandshakeTimeout  = errors.New("collage: handshake timed out")
	ErrHandshakeRefused  = errors.New("collage: peer refused the connect (collision)")
	ErrHandshakeExhausted = errors.New("collage: collision retries exhausted")
	ErrNodeUnknown       = errors.New("collage: node id unknown to any connected peer")
	ErrTokenTimeout      = errors.New("collage: send token acquisition timed out")
	ErrClosing           = errors.New("collage: local node is closing")
	ErrNotListening      = errors.New("collage: local node is not listening")
	ErrTimeout           = errors.New("collage: request timed out")
	ErrShortBody         = errors.New("collage: command body shorter than expected")
	ErrAlreadyConnected  = errors.New("collage: already connected to this peer")
)
