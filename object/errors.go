package object

import "errors"

// Error taxonomy per SPEC_FULL.md §7 ERROR HANDLING DESIGN, the Object
// & ObjectStore rows.
var (
	ErrNotMapped          = errors.New("collage: object is not registered or mapped locally")
	ErrAlreadyRegistered  = errors.New("collage: object already registered")
	ErrNotMaster          = errors.New("collage: operation requires the master role")
	ErrNotSlave           = errors.New("collage: operation requires the slave role")
	ErrUnknownObject      = errors.New("collage: master has no such object")
	ErrVersionUnmappable  = errors.New("collage: requested version is older than the oldest retained instance")
	ErrMapTimeout         = errors.New("collage: map request timed out")
	ErrRemoveUnsupported  = errors.New("collage: this object type does not implement ChildRemover")
	ErrDeregisterDenied   = errors.New("collage: deregister requires no mapped slaves")
	ErrRemoved            = errors.New("collage: object was deregistered by its master")
	ErrNoKinder           = errors.New("collage: parent does not implement Kinder, cannot create new child")
	ErrShortBody          = errors.New("collage: object command body shorter than expected")
)
