package native

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-delve/symsnap/pkg/logflags"
	"github.com/go-delve/symsnap/pkg/proc"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// ProcessMemory is the memory of a live process, read through a handle
// opened with PROCESS_VM_READ and PROCESS_QUERY_INFORMATION.
type ProcessMemory struct {
	pid      uint32
	hProcess windows.Handle
	is64     bool
}

// OpenProcessMemory opens the memory of process pid for reading.
func OpenProcessMemory(pid uint32) (*ProcessMemory, error) {
	h, err := windows.OpenProcess(windows.PROCESS_VM_READ|windows.PROCESS_QUERY_INFORMATION, false, pid)
	if err != nil {
		return nil, fmt.Errorf("could not open process %d: %w", pid, err)
	}
	m := &ProcessMemory{pid: pid, hProcess: h, is64: true}
	var isWow64 bool
	if err := windows.IsWow64Process(h, &isWow64); err == nil && isWow64 {
		m.is64 = false
	}
	logflags.ProcLogger().Debugf("opened memory of process %d (wow64: %v)", pid, isWow64)
	return m, nil
}

// Arch returns the architecture the stacks of the process are walked
// with: x86 for WoW64 processes, the architecture of the host otherwise.
func (m *ProcessMemory) Arch() unwind.Arch {
	if !m.is64 {
		return unwind.ArchX86
	}
	return hostArch
}

// ReadMemory reads n bytes at addr. A partial read fails with an error
// wrapping ErrShortRead.
func (m *ProcessMemory) ReadMemory(addr uint64, n uint32) ([]byte, error) {
	if m.hProcess == 0 {
		return nil, ErrClosed
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	var count uintptr
	err := windows.ReadProcessMemory(m.hProcess, uintptr(addr), &buf[0], uintptr(n), &count)
	if err == nil && count != uintptr(n) {
		err = fmt.Errorf("%w: %d of %d bytes at %#x", ErrShortRead, count, n, addr)
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// MemoryMap returns the committed regions of the process. Guard pages
// are left out, reading them would fail and disarm the guard.
func (m *ProcessMemory) MemoryMap() ([]proc.MemoryMapEntry, error) {
	if m.hProcess == 0 {
		return nil, ErrClosed
	}
	maxaddr := uint64(1 << 48) // windows64 uses only 48 bit addresses
	if !m.is64 {
		maxaddr = uint64(^uint32(0))
	}

	r := []proc.MemoryMapEntry{}
	var meminfo windows.MemoryBasicInformation
	for addr := uint64(0); addr < maxaddr; addr += uint64(meminfo.RegionSize) {
		if err := windows.VirtualQueryEx(m.hProcess, uintptr(addr), &meminfo, unsafe.Sizeof(meminfo)); err != nil {
			// the only error returned by VirtualQueryEx is when addr is
			// above the highest address allocated for the application
			break
		}
		if addr+uint64(meminfo.RegionSize) <= addr {
			return r, errors.New("VirtualQueryEx wrapped around the address space or stuck")
		}
		if meminfo.State == windows.MEM_FREE || meminfo.State == windows.MEM_RESERVE {
			continue
		}
		if meminfo.Protect&windows.PAGE_GUARD != 0 {
			continue
		}

		mme := proc.MemoryMapEntry{Addr: addr, Size: uint64(meminfo.RegionSize)}
		switch meminfo.Protect & 0xff {
		case windows.PAGE_EXECUTE:
			mme.Exec = true
		case windows.PAGE_EXECUTE_READ, windows.PAGE_EXECUTE_WRITECOPY:
			mme.Exec = true
			mme.Read = true
		case windows.PAGE_EXECUTE_READWRITE:
			mme.Exec = true
			mme.Read = true
			mme.Write = true
		case windows.PAGE_READONLY, windows.PAGE_WRITECOPY:
			mme.Read = true
		case windows.PAGE_READWRITE:
			mme.Read = true
			mme.Write = true
		}
		r = append(r, mme)
	}
	return r, nil
}

// Close releases the process handle.
func (m *ProcessMemory) Close() error {
	if m.hProcess == 0 {
		return nil
	}
	err := windows.CloseHandle(m.hProcess)
	m.hProcess = 0
	return err
}
