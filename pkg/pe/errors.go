package pe

import (
	"fmt"
)

// ErrorKind classifies a FormatError.
type ErrorKind uint8

const (
	// InvalidFormat means a signature or magic number did not match.
	InvalidFormat ErrorKind = iota
	// Truncated means a structure extends past the end of the image.
	Truncated
	// UnsupportedMachine means the image targets a machine we can not unwind.
	UnsupportedMachine
	// BadDirectory means a data directory points outside the image or
	// contains inconsistent sizes.
	BadDirectory
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidFormat:
		return "invalid format"
	case Truncated:
		return "truncated image"
	case UnsupportedMachine:
		return "unsupported machine"
	case BadDirectory:
		return "bad data directory"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// FormatError is returned by Parse for malformed images.
type FormatError struct {
	Kind ErrorKind
	Off  int64 // offset (or RVA, for directories) of the offending structure
	Msg  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("pe: %s at %#x: %s", e.Kind, e.Off, e.Msg)
}

// Is lets errors.Is match on the kind alone, for example
// errors.Is(err, &FormatError{Kind: Truncated}).
func (e *FormatError) Is(target error) bool {
	t, ok := target.(*FormatError)
	return ok && t.Kind == e.Kind && t.Msg == "" && t.Off == 0
}

// ErrNoUnwindInfo is returned by UnwindTable.Lookup when no function
// entry covers the requested RVA.
type ErrNoUnwindInfo struct {
	RVA uint32
}

func (e *ErrNoUnwindInfo) Error() string {
	return fmt.Sprintf("could not find unwind info for RVA %#x", e.RVA)
}
