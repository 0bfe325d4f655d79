package descriptor

import "errors"

var (
	ErrMalformedDescriptor = errors.New("malformed descriptor")
	ErrHashMismatch        = errors.New("info dictionary does not match info-hash")
)
