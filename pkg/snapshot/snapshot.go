// Package snapshot reads and writes process snapshots in the Windows
// minidump container format.
//
// A snapshot is a header, a set of typed streams and a directory
// locating each stream by absolute file offset (RVA). The format is
// described on MSDN starting at:
//
//	https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_header
//
// Streams the package does not understand are never parsed: readers skip
// them through the directory and Rewrite copies them through unchanged.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Signature is 'MDMP' read as a little endian uint32.
	Signature = 0x504d444d
	// Version is the low word of the header version field. The high word
	// is an implementation specific revision.
	Version = 0xa793

	headerSize    = 32
	directorySize = 12
)

// Header is the MINIDUMP_HEADER structure at offset 0.
type Header struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRva uint32
	CheckSum           uint32
	TimeDateStamp      uint32
	Flags              FileFlags
}

// Revision returns the implementation specific half of the version.
func (h *Header) Revision() uint16 {
	return uint16(h.Version >> 16)
}

// Directory is one entry of the stream directory.
type Directory struct {
	StreamType StreamType
	DataSize   uint32
	Rva        uint32
}

// StreamType is the type of the StreamType field of MINIDUMP_DIRECTORY
type StreamType uint32

const (
	UnusedStream              StreamType = 0
	ReservedStream0           StreamType = 1
	ReservedStream1           StreamType = 2
	ThreadListStream          StreamType = 3
	ModuleListStream          StreamType = 4
	MemoryListStream          StreamType = 5
	ExceptionStream           StreamType = 6
	SystemInfoStream          StreamType = 7
	ThreadExListStream        StreamType = 8
	Memory64ListStream        StreamType = 9
	CommentStreamA            StreamType = 10
	CommentStreamW            StreamType = 11
	HandleDataStream          StreamType = 12
	FunctionTableStream       StreamType = 13
	UnloadedModuleStream      StreamType = 14
	MiscInfoStream            StreamType = 15
	MemoryInfoListStream      StreamType = 16
	ThreadInfoListStream      StreamType = 17
	HandleOperationListStream StreamType = 18
	TokenStream               StreamType = 19
	JavascriptDataStream      StreamType = 20
	SystemMemoryInfoStream    StreamType = 21
	ProcessVMCounterStream    StreamType = 22

	// LastReservedStream is the last type reserved by the format. Types
	// above it are user streams and may appear more than once.
	LastReservedStream StreamType = 0xffff
)

var streamTypeNames = map[StreamType]string{
	UnusedStream:              "UnusedStream",
	ReservedStream0:           "ReservedStream0",
	ReservedStream1:           "ReservedStream1",
	ThreadListStream:          "ThreadListStream",
	ModuleListStream:          "ModuleListStream",
	MemoryListStream:          "MemoryListStream",
	ExceptionStream:           "ExceptionStream",
	SystemInfoStream:          "SystemInfoStream",
	ThreadExListStream:        "ThreadExListStream",
	Memory64ListStream:        "Memory64ListStream",
	CommentStreamA:            "CommentStreamA",
	CommentStreamW:            "CommentStreamW",
	HandleDataStream:          "HandleDataStream",
	FunctionTableStream:       "FunctionTableStream",
	UnloadedModuleStream:      "UnloadedModuleStream",
	MiscInfoStream:            "MiscInfoStream",
	MemoryInfoListStream:      "MemoryInfoListStream",
	ThreadInfoListStream:      "ThreadInfoListStream",
	HandleOperationListStream: "HandleOperationListStream",
	TokenStream:               "TokenStream",
	JavascriptDataStream:      "JavascriptDataStream",
	SystemMemoryInfoStream:    "SystemMemoryInfoStream",
	ProcessVMCounterStream:    "ProcessVMCounterStream",
	LastReservedStream:        "LastReservedStream",
}

func (t StreamType) String() string {
	if s, ok := streamTypeNames[t]; ok {
		return s
	}
	if t > LastReservedStream {
		return fmt.Sprintf("UserStream(%#x)", uint32(t))
	}
	return fmt.Sprintf("StreamType(%d)", uint32(t))
}

// IsUser reports whether t is a user stream type.
func (t StreamType) IsUser() bool {
	return t > LastReservedStream
}

// FileFlags is the type of the Flags field of MINIDUMP_HEADER
type FileFlags uint64

const (
	FileNormal                          FileFlags = 0x00000000
	FileWithDataSegs                    FileFlags = 0x00000001
	FileWithFullMemory                  FileFlags = 0x00000002
	FileWithHandleData                  FileFlags = 0x00000004
	FileFilterMemory                    FileFlags = 0x00000008
	FileScanMemory                      FileFlags = 0x00000010
	FileWithUnloadedModules             FileFlags = 0x00000020
	FileWithIncorrectlyReferencedMemory FileFlags = 0x00000040
	FileFilterModulePaths               FileFlags = 0x00000080
	FileWithProcessThreadData           FileFlags = 0x00000100
	FileWithPrivateReadWriteMemory      FileFlags = 0x00000200
	FileWithoutOptionalData             FileFlags = 0x00000400
	FileWithFullMemoryInfo              FileFlags = 0x00000800
	FileWithThreadInfo                  FileFlags = 0x00001000
	FileWithCodeSegs                    FileFlags = 0x00002000
)

var fileFlagNames = []struct {
	flag FileFlags
	name string
}{
	{FileWithDataSegs, "WithDataSegs"},
	{FileWithFullMemory, "WithFullMemory"},
	{FileWithHandleData, "WithHandleData"},
	{FileFilterMemory, "FilterMemory"},
	{FileScanMemory, "ScanMemory"},
	{FileWithUnloadedModules, "WithUnloadedModules"},
	{FileWithIncorrectlyReferencedMemory, "WithIncorrectlyReferencedMemory"},
	{FileFilterModulePaths, "FilterModulePaths"},
	{FileWithProcessThreadData, "WithProcessThreadData"},
	{FileWithPrivateReadWriteMemory, "WithPrivateReadWriteMemory"},
	{FileWithoutOptionalData, "WithoutOptionalData"},
	{FileWithFullMemoryInfo, "WithFullMemoryInfo"},
	{FileWithThreadInfo, "WithThreadInfo"},
	{FileWithCodeSegs, "WithCodeSegs"},
}

func (flags FileFlags) String() string {
	if flags == FileNormal {
		return "Normal"
	}
	var out []string
	rest := flags
	for _, f := range fileFlagNames {
		if flags&f.flag != 0 {
			out = append(out, f.name)
			rest &^= f.flag
		}
	}
	if rest != 0 {
		out = append(out, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(out, "|")
}

// NotASnapshotError is the error returned when the file being opened is
// not a snapshot.
type NotASnapshotError struct {
	What string
	Got  uint32
}

func (err *NotASnapshotError) Error() string {
	if err.What == "" {
		return "not a snapshot, file too small"
	}
	return fmt.Sprintf("not a snapshot, invalid %s %#x", err.What, err.Got)
}

// UnsupportedVersionError is returned by Open together with a usable View
// when the header carries a format version this package does not know.
// Streams the caller recognizes can still be read.
type UnsupportedVersionError struct {
	Version uint32
}

func (err *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported snapshot version %#x", err.Version)
}

// CorruptError reports a stream, or a location it references, that does
// not fit in the file or is internally inconsistent. Other streams of the
// same file remain readable.
type CorruptError struct {
	Stream StreamType
	Off    int64
	Msg    string
}

func (err *CorruptError) Error() string {
	if err.Stream == UnusedStream {
		return fmt.Sprintf("corrupt snapshot at %#x: %s", err.Off, err.Msg)
	}
	return fmt.Sprintf("corrupt %s at %#x: %s", err.Stream, err.Off, err.Msg)
}

var (
	// ErrDuplicateStream is returned when a non user stream type is added
	// to a Builder twice.
	ErrDuplicateStream = errors.New("duplicate stream")
	// ErrStreamNotFound is returned by accessors of streams that are not
	// in the directory.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrFinalized is returned when a Builder is used after Finalize.
	ErrFinalized = errors.New("snapshot already finalized")
)
