//go:build !windows

package native

import (
	"errors"

	"github.com/go-delve/symsnap/pkg/proc"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// ErrNativeBackendDisabled is returned when live process memory is not
// available on this platform.
var ErrNativeBackendDisabled = errors.New("live process memory is only available on windows")

// ProcessMemory is the memory of a live process.
type ProcessMemory struct{}

// OpenProcessMemory always fails outside windows.
func OpenProcessMemory(pid uint32) (*ProcessMemory, error) {
	return nil, ErrNativeBackendDisabled
}

func (m *ProcessMemory) Arch() unwind.Arch { return unwind.ArchUnknown }

func (m *ProcessMemory) ReadMemory(addr uint64, n uint32) ([]byte, error) {
	return nil, ErrNativeBackendDisabled
}

func (m *ProcessMemory) MemoryMap() ([]proc.MemoryMapEntry, error) {
	return nil, ErrNativeBackendDisabled
}

func (m *ProcessMemory) Close() error { return nil }
