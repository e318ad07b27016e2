package native

import "errors"

// ErrShortRead is returned when only part of a range could be read.
var ErrShortRead = errors.New("short read")

// ErrClosed is returned by reads after Close.
var ErrClosed = errors.New("process memory closed")
