package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf16"

	"github.com/go-delve/symsnap/pkg/logflags"
)

// Builder accumulates the streams of a snapshot and writes it out on
// Finalize. Stream contents are encoded on Finalize; memory is read from
// the Data of each Memory at that point and never held by the Builder.
type Builder struct {
	w io.Writer

	// TimeDateStamp, Flags and Revision are written to the header.
	TimeDateStamp uint32
	Flags         FileFlags
	Revision      uint16

	chunks []chunk
	done   bool
}

// chunk is a stream waiting to be written. encode is called once to size
// the stream and once to produce it, with rva the offset of the stream and
// bulk the offset of the data written after the directory.
type chunk struct {
	typ    StreamType
	encode func(rva uint32, bulk uint64) (encoded, error)
}

type encoded struct {
	data []byte
	// size is the DataSize of the directory entry, data past it holds
	// strings and records the stream references.
	size uint32
	// regions are written right after data.
	regions []Memory
	// bulk is written after the directory, only Memory64ListStream
	// has any.
	bulk []Memory
}

func (e *encoded) len() uint64 {
	n := uint64(len(e.data))
	for i := range e.regions {
		n += e.regions[i].Size
	}
	return n
}

// NewBuilder creates a Builder that writes a snapshot to w.
func NewBuilder(w io.Writer) *Builder {
	return &Builder{w: w, TimeDateStamp: uint32(time.Now().Unix())}
}

func (b *Builder) add(typ StreamType, encode func(rva uint32, bulk uint64) (encoded, error)) error {
	if b.done {
		return ErrFinalized
	}
	if !typ.IsUser() && b.HasStream(typ) {
		return fmt.Errorf("%w: %s", ErrDuplicateStream, typ)
	}
	b.chunks = append(b.chunks, chunk{typ, encode})
	return nil
}

// HasStream reports whether a stream of type typ was added.
func (b *Builder) HasStream(typ StreamType) bool {
	for i := range b.chunks {
		if b.chunks[i].typ == typ {
			return true
		}
	}
	return false
}

// RemoveStream removes every stream of type typ added so far.
func (b *Builder) RemoveStream(typ StreamType) {
	chunks := b.chunks[:0]
	for _, c := range b.chunks {
		if c.typ != typ {
			chunks = append(chunks, c)
		}
	}
	b.chunks = chunks
}

// AddStream adds a stream with the given contents. The contents are
// written as they are, they must not contain file offsets.
func (b *Builder) AddStream(typ StreamType, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%s stream too large", typ)
	}
	data = bytes.Clone(data)
	return b.add(typ, func(uint32, uint64) (encoded, error) {
		return encoded{data: data, size: uint32(len(data))}, nil
	})
}

// AddSystemInfo adds the system info stream.
func (b *Builder) AddSystemInfo(si SystemInfo) error {
	return b.add(SystemInfoStream, func(rva uint32, _ uint64) (encoded, error) {
		var e enc
		e.u16(uint16(si.Arch))
		e.u16(si.Level)
		e.u16(si.Revision)
		e.u8(si.NumberOfProcessors)
		e.u8(si.ProductType)
		e.u32(si.MajorVersion)
		e.u32(si.MinorVersion)
		e.u32(si.BuildNumber)
		e.u32(si.PlatformID)
		e.u32(rva + systemInfoSize) // CSDVersionRva
		e.u16(si.SuiteMask)
		e.u16(0)
		e.write(string(si.CPU[:]))
		e.str(si.CSDVersion)
		return encoded{data: e.b, size: systemInfoSize}, nil
	})
}

// AddModuleList adds the module list stream.
func (b *Builder) AddModuleList(mods []Module) error {
	mods = append([]Module(nil), mods...)
	return b.add(ModuleListStream, func(rva uint32, _ uint64) (encoded, error) {
		var e enc
		fixed := 4 + uint32(len(mods))*moduleSize
		// names and records follow the list
		var tail enc
		at := func() uint32 { return rva + fixed + uint32(len(tail.b)) }
		e.u32(uint32(len(mods)))
		for i := range mods {
			m := &mods[i]
			e.u64(m.BaseOfImage)
			e.u32(m.SizeOfImage)
			e.u32(m.Checksum)
			e.u32(m.TimeDateStamp)
			e.u32(at())
			tail.str(m.Name)
			for _, v := range versionInfoFields(&m.VersionInfo) {
				e.u32(*v)
			}
			e.location(uint32(len(m.CVRecord)), at())
			tail.write(string(m.CVRecord))
			e.location(uint32(len(m.MiscRecord)), at())
			tail.write(string(m.MiscRecord))
			e.u64(0) // Reserved0
			e.u64(0) // Reserved1
		}
		return encoded{data: append(e.b, tail.b...), size: fixed}, nil
	})
}

// AddThreadList adds the thread list stream. Thread stacks are written
// after the contexts, as part of the stream.
func (b *Builder) AddThreadList(threads []Thread) error {
	threads = append([]Thread(nil), threads...)
	for i := range threads {
		if threads[i].Stack.Size > math.MaxUint32 {
			return fmt.Errorf("stack of thread %d too large", threads[i].ID)
		}
	}
	return b.add(ThreadListStream, func(rva uint32, _ uint64) (encoded, error) {
		var e enc
		fixed := 4 + uint32(len(threads))*threadSize
		ctxOff := rva + fixed
		for i := range threads {
			ctxOff += uint32(len(threads[i].Context))
		}
		stackOff := ctxOff
		ctxOff = rva + fixed

		var regions []Memory
		e.u32(uint32(len(threads)))
		for i := range threads {
			t := &threads[i]
			e.u32(t.ID)
			e.u32(t.SuspendCount)
			e.u32(t.PriorityClass)
			e.u32(t.Priority)
			e.u64(t.TEB)
			e.u64(t.Stack.Addr)
			e.location(uint32(t.Stack.Size), stackOff)
			stackOff += uint32(t.Stack.Size)
			if t.Stack.Size > 0 {
				regions = append(regions, t.Stack)
			}
			e.location(uint32(len(t.Context)), ctxOff)
			ctxOff += uint32(len(t.Context))
		}
		for i := range threads {
			e.write(string(threads[i].Context))
		}
		return encoded{data: e.b, size: fixed, regions: regions}, nil
	})
}

// AddMemoryList adds a MemoryListStream with the given ranges, the form
// used by snapshots that only carry stacks and selected regions.
func (b *Builder) AddMemoryList(ranges []Memory) error {
	ranges = append([]Memory(nil), ranges...)
	for i := range ranges {
		if ranges[i].Size > math.MaxUint32 {
			return fmt.Errorf("memory range at %#x too large for a memory list", ranges[i].Addr)
		}
	}
	return b.add(MemoryListStream, func(rva uint32, _ uint64) (encoded, error) {
		var e enc
		fixed := 4 + uint32(len(ranges))*16
		off := rva + fixed
		e.u32(uint32(len(ranges)))
		for i := range ranges {
			e.u64(ranges[i].Addr)
			e.location(uint32(ranges[i].Size), off)
			off += uint32(ranges[i].Size)
		}
		return encoded{data: e.b, size: fixed, regions: ranges}, nil
	})
}

// AddMemory64List adds a Memory64ListStream, the form used by full
// memory snapshots. Its data is written after the directory and may
// exceed 4GB.
func (b *Builder) AddMemory64List(ranges []Memory) error {
	ranges = append([]Memory(nil), ranges...)
	return b.add(Memory64ListStream, func(_ uint32, bulk uint64) (encoded, error) {
		var e enc
		e.u64(uint64(len(ranges)))
		e.u64(bulk)
		for i := range ranges {
			e.u64(ranges[i].Addr)
			e.u64(ranges[i].Size)
		}
		return encoded{data: e.b, size: uint32(len(e.b)), bulk: ranges}, nil
	})
}

// AddException adds the exception stream.
func (b *Builder) AddException(exc Exception) error {
	if len(exc.Parameters) > exceptionMaxParameters {
		return fmt.Errorf("too many exception parameters: %d", len(exc.Parameters))
	}
	exc.Parameters = append([]uint64(nil), exc.Parameters...)
	return b.add(ExceptionStream, func(rva uint32, _ uint64) (encoded, error) {
		var e enc
		e.u32(exc.ThreadID)
		e.u32(0)
		e.u32(exc.Code)
		e.u32(exc.Flags)
		e.u64(exc.Record)
		e.u64(exc.Address)
		e.u32(uint32(len(exc.Parameters)))
		e.u32(0)
		for i := 0; i < exceptionMaxParameters; i++ {
			var v uint64
			if i < len(exc.Parameters) {
				v = exc.Parameters[i]
			}
			e.u64(v)
		}
		e.location(uint32(len(exc.Context)), rva+exceptionSize)
		e.write(string(exc.Context))
		return encoded{data: e.b, size: exceptionSize}, nil
	})
}

// AddMiscInfo adds a MINIDUMP_MISC_INFO stream.
func (b *Builder) AddMiscInfo(mi MiscInfo) error {
	var e enc
	e.u32(miscInfoSize)
	e.u32(mi.Flags)
	e.u32(mi.ProcessID)
	e.u32(mi.ProcessCreateTime)
	e.u32(mi.ProcessUserTime)
	e.u32(mi.ProcessKernelTime)
	return b.AddStream(MiscInfoStream, e.b)
}

// AddComment adds a UTF-16 comment stream.
func (b *Builder) AddComment(s string) error {
	var e enc
	e.utf16(s)
	e.u16(0)
	return b.AddStream(CommentStreamW, e.b)
}

// Finalize writes the snapshot: the header, every stream in the order
// they were added, the directory and finally the data of the
// Memory64ListStream. The Builder can not be used afterwards.
func (b *Builder) Finalize() error {
	if b.done {
		return ErrFinalized
	}
	b.done = true

	// first pass, sizes only
	off := uint64(headerSize)
	for _, c := range b.chunks {
		e, err := c.encode(0, 0)
		if err != nil {
			return err
		}
		off = align4(off + e.len())
	}
	dirRva := off
	bulk := dirRva + uint64(len(b.chunks))*directorySize
	if bulk > math.MaxUint32 {
		return fmt.Errorf("snapshot streams too large (%#x bytes)", bulk)
	}

	w := &writer{w: b.w}
	w.u32(Signature)
	w.u32(uint32(b.Revision)<<16 | Version)
	w.u32(uint32(len(b.chunks)))
	w.u32(uint32(dirRva))
	w.u32(0) // CheckSum
	w.u32(b.TimeDateStamp)
	w.u64(uint64(b.Flags))

	dir := make([]Directory, len(b.chunks))
	var bulkData []Memory
	for i, c := range b.chunks {
		rva := uint32(w.off)
		e, err := c.encode(rva, bulk)
		if err != nil {
			return err
		}
		dir[i] = Directory{StreamType: c.typ, DataSize: e.size, Rva: rva}
		w.Write(e.data)
		for j := range e.regions {
			w.copyMemory(&e.regions[j])
		}
		w.align4()
		bulkData = append(bulkData, e.bulk...)
	}
	if w.err == nil && uint64(w.off) != dirRva {
		return fmt.Errorf("internal error, directory at %#x instead of %#x", w.off, dirRva)
	}
	for _, d := range dir {
		w.u32(uint32(d.StreamType))
		w.u32(d.DataSize)
		w.u32(d.Rva)
	}
	for i := range bulkData {
		w.copyMemory(&bulkData[i])
	}
	if w.err == nil {
		logflags.SnapshotLogger().Debugf("wrote snapshot with %d streams, %d bytes", len(dir), w.off)
	}
	return w.err
}

func align4(off uint64) uint64 {
	return (off + 3) &^ 3
}

func versionInfoFields(vi *VSFixedFileInfo) []*uint32 {
	return []*uint32{
		&vi.Signature, &vi.StructVersion, &vi.FileVersionHi, &vi.FileVersionLo,
		&vi.ProductVersionHi, &vi.ProductVersionLo, &vi.FileFlagsMask, &vi.FileFlags,
		&vi.FileOS, &vi.FileType, &vi.FileSubtype, &vi.FileDateHi, &vi.FileDateLo,
	}
}

// enc accumulates little endian encoded values.
type enc struct {
	b []byte
}

func (e *enc) u8(v uint8)   { e.b = append(e.b, v) }
func (e *enc) u16(v uint16) { e.b = binary.LittleEndian.AppendUint16(e.b, v) }
func (e *enc) u32(v uint32) { e.b = binary.LittleEndian.AppendUint32(e.b, v) }
func (e *enc) u64(v uint64) { e.b = binary.LittleEndian.AppendUint64(e.b, v) }

func (e *enc) write(s string) { e.b = append(e.b, s...) }

// location writes a MINIDUMP_LOCATION_DESCRIPTOR.
func (e *enc) location(size, rva uint32) {
	e.u32(size)
	e.u32(rva)
}

func (e *enc) utf16(s string) {
	for _, c := range utf16.Encode([]rune(s)) {
		e.u16(c)
	}
}

// str writes a MINIDUMP_STRING: the length in bytes, the UTF-16 text and
// a terminating NUL not counted in the length.
func (e *enc) str(s string) {
	u := utf16.Encode([]rune(s))
	e.u32(uint32(len(u) * 2))
	for _, c := range u {
		e.u16(c)
	}
	e.u16(0)
}

// writer keeps track of the current offset and of the first error, later
// writes are dropped.
type writer struct {
	w   io.Writer
	off int64
	err error
}

func (w *writer) Write(buf []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.w.Write(buf)
	w.off += int64(n)
	w.err = err
	return n, err
}

func (w *writer) u32(n uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	w.Write(buf[:])
}

func (w *writer) u64(n uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	w.Write(buf[:])
}

func (w *writer) align4() {
	if pad := align4(uint64(w.off)) - uint64(w.off); pad > 0 {
		w.Write(make([]byte, pad))
	}
}

func (w *writer) copyMemory(m *Memory) {
	if w.err != nil || m.Size == 0 {
		return
	}
	if m.Data == nil {
		w.err = fmt.Errorf("no data for memory at %#x", m.Addr)
		return
	}
	n, err := io.Copy(w, io.NewSectionReader(m.Data, 0, int64(m.Size)))
	if err == nil && uint64(n) != m.Size {
		err = fmt.Errorf("short read of memory at %#x: %d of %d bytes", m.Addr, n, m.Size)
	}
	if w.err == nil {
		w.err = err
	}
}
