package peimage

import "errors"

// Sentinel errors surfaced by Parse, per spec.md §7. Grounded on
// original_source/include/internal/peerror.hpp's PEError enum — Success
// has no Go analogue since a nil error already means success.
var (
	ErrInvalidPEFormat    = errors.New("peimage: invalid PE format")
	ErrUnsupportedMachine = errors.New("peimage: unsupported machine (AMD64 only)")
)
