package id

import "errors"

var ErrBadID = errors.New("collage: malformed id string")
