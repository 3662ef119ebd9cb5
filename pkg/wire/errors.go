package wire

import "errors"

var (
	// ErrTruncated is returned when a buffer is shorter than the format requires.
	ErrTruncated = errors.New("wire: packet truncated")

	// ErrTooLarge is returned by varint encoding when a value does not fit
	// in the caller-supplied octet budget.
	ErrTooLarge = errors.New("wire: value too large for octet budget")

	// ErrBadLength is returned when a fixed-size packet's body length does
	// not match what its control type requires.
	ErrBadLength = errors.New("wire: wrong body length for control type")

	// ErrHashMismatch is returned when OPEN/CHALLENGE's embedded generichash
	// of the clear prefix does not match the recomputed value.
	ErrHashMismatch = errors.New("wire: prefix hash binding mismatch")
)
