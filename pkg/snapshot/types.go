package snapshot

import (
	"fmt"
	"io"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// ProcessorArch is the type of the ProcessorArchitecture field of
// MINIDUMP_SYSTEM_INFO.
type ProcessorArch uint16

const (
	ArchX86     ProcessorArch = 0
	ArchARM     ProcessorArch = 5
	ArchIA64    ProcessorArch = 6
	ArchAMD64   ProcessorArch = 9
	ArchWoW64   ProcessorArch = 10
	ArchARM64   ProcessorArch = 12
	ArchUnknown ProcessorArch = 0xffff
)

func (a ProcessorArch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchARM:
		return "arm"
	case ArchIA64:
		return "ia64"
	case ArchAMD64:
		return "amd64"
	case ArchWoW64:
		return "wow64"
	case ArchARM64:
		return "arm64"
	case ArchUnknown:
		return "unknown"
	}
	return fmt.Sprintf("ProcessorArch(%d)", uint16(a))
}

// UnwindArch returns the architecture thread contexts of a snapshot of a
// processor of type a use.
func (a ProcessorArch) UnwindArch() unwind.Arch {
	switch a {
	case ArchX86, ArchWoW64:
		return unwind.ArchX86
	case ArchAMD64:
		return unwind.ArchAMD64
	case ArchARM64:
		return unwind.ArchARM64
	}
	return unwind.ArchUnknown
}

// ArchFromUnwind is the inverse of ProcessorArch.UnwindArch.
func ArchFromUnwind(a unwind.Arch) ProcessorArch {
	switch a {
	case unwind.ArchX86:
		return ArchX86
	case unwind.ArchAMD64:
		return ArchAMD64
	case unwind.ArchARM64:
		return ArchARM64
	}
	return ArchUnknown
}

// SystemInfo is the MINIDUMP_SYSTEM_INFO stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_system_info
type SystemInfo struct {
	Arch               ProcessorArch
	Level              uint16
	Revision           uint16
	NumberOfProcessors uint8
	ProductType        uint8
	MajorVersion       uint32
	MinorVersion       uint32
	BuildNumber        uint32
	PlatformID         uint32
	CSDVersion         string // service pack, the empty string when absent
	SuiteMask          uint16
	CPU                [24]byte
}

const systemInfoSize = 56

// Module represents an entry in the ModuleList stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_module
type Module struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	Name          string
	VersionInfo   VSFixedFileInfo

	// CVRecord stores a CodeView record and is populated when a module's debug information resides in a PDB file.  It identifies the PDB file.
	CVRecord []byte

	// MiscRecord is populated when a module's debug information resides in a DBG file.  It identifies the DBG file.  This field is effectively obsolete with modules built by recent toolchains.
	MiscRecord []byte
}

const moduleSize = 108

// CodeView decodes the CodeView record of the module. It returns nil and
// no error when the module has none.
func (m *Module) CodeView() (*pe.CodeView, error) {
	if len(m.CVRecord) == 0 {
		return nil, nil
	}
	return pe.ParseCodeView(m.CVRecord)
}

// VSFixedFileInfo: Visual Studio Fixed File Info.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/verrsrc/ns-verrsrc-tagvs_fixedfileinfo
type VSFixedFileInfo struct {
	Signature        uint32
	StructVersion    uint32
	FileVersionHi    uint32
	FileVersionLo    uint32
	ProductVersionHi uint32
	ProductVersionLo uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateHi       uint32
	FileDateLo       uint32
}

// Thread represents an entry in the ThreadList stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_thread
type Thread struct {
	ID            uint32
	SuspendCount  uint32
	PriorityClass uint32
	Priority      uint32
	TEB           uint64
	Stack         Memory
	// Context is the raw CONTEXT record of the thread, see package winutil.
	Context []byte
}

const threadSize = 48

// Memory is a range of target memory. Data is read at offset 0 for the
// byte at Addr; in a View it is backed by the snapshot file.
type Memory struct {
	Addr uint64
	Size uint64
	Data io.ReaderAt
}

// End returns the first address past the range.
func (m *Memory) End() uint64 {
	return m.Addr + m.Size
}

// Bytes reads the whole range.
func (m *Memory) Bytes() ([]byte, error) {
	buf := make([]byte, m.Size)
	if m.Size == 0 {
		return buf, nil
	}
	if m.Data == nil {
		return nil, fmt.Errorf("no data for memory at %#x", m.Addr)
	}
	if _, err := m.Data.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// Exception is the MINIDUMP_EXCEPTION_STREAM stream: the exception that
// stopped the process and the thread it happened on.
type Exception struct {
	ThreadID   uint32
	Code       uint32
	Flags      uint32
	Record     uint64 // address of a chained EXCEPTION_RECORD
	Address    uint64
	Parameters []uint64
	// Context is the raw CONTEXT of the thread at the time of the exception.
	Context []byte
}

const (
	exceptionSize          = 168
	exceptionMaxParameters = 15
)

// MiscInfo holds the fields of MINIDUMP_MISC_INFO. Later revisions of the
// structure append fields, those are ignored.
type MiscInfo struct {
	Flags             uint32
	ProcessID         uint32
	ProcessCreateTime uint32
	ProcessUserTime   uint32
	ProcessKernelTime uint32
}

const (
	MiscProcessID    = 0x1
	MiscProcessTimes = 0x2

	miscInfoSize = 24
)
