package tcache

import "errors"

var (
	// ErrInvalidPointer is returned when a call is given an address the
	// allocator never handed out (or that has already been freed).
	ErrInvalidPointer = errors.New("tcache: pointer unknown to the allocator")
	// ErrOutOfMemory covers both arena construction and allocation failure.
	ErrOutOfMemory = errors.New("tcache: out of memory")
)
