package conn

import "errors"

var (
	ErrBadDescription    = errors.New("collage: malformed connection description")
	ErrUnsupportedKind   = errors.New("collage: connection kind not compiled in")
	ErrNotConnected      = errors.New("collage: connection is not connected")
	ErrAlreadyConnected  = errors.New("collage: connection is already connected")
	ErrClosed            = errors.New("collage: connection closed")
	ErrWouldBlock        = errors.New("collage: operation would block")
)
