package region

import "errors"

// ErrOutOfRange is the value Bytes panics with when the requested window
// is not backed by any region this provider currently holds.
var ErrOutOfRange = errors.New("region: address out of range")
