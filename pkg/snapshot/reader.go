package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"unicode/utf16"

	"github.com/go-delve/symsnap/pkg/logflags"
)

// Longest string read from a snapshot, in bytes.
const maxStringSize = 64 << 10

// View is a read only view of a snapshot. Only the header and the
// directory are read by Open, streams are read when an accessor asks for
// them and memory contents only when they are read.
//
// A View is safe for concurrent use if the underlying io.ReaderAt is.
type View struct {
	Header    Header
	Directory []Directory

	r      io.ReaderAt
	size   int64
	closer io.Closer
	// bad holds the error of directory entries that can not be read.
	bad map[int]error
}

// OpenFile opens the snapshot at path. The returned View owns the file,
// Close releases it.
func OpenFile(path string) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	v, err := Open(f, fi.Size())
	if v == nil {
		f.Close()
		return nil, err
	}
	v.closer = f
	return v, err
}

// Open reads the header and the directory of the snapshot in r.
//
// When the header carries an unknown version Open returns both a View and
// an *UnsupportedVersionError, every other error comes without a View.
func Open(r io.ReaderAt, size int64) (*View, error) {
	v := &View{r: r, size: size, bad: map[int]error{}}
	logger := logflags.SnapshotLogger()

	var hdr [headerSize]byte
	if size < headerSize {
		return nil, &NotASnapshotError{}
	}
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	c := &cursor{buf: hdr[:]}
	v.Header = Header{
		Signature:          c.u32(),
		Version:            c.u32(),
		NumberOfStreams:    c.u32(),
		StreamDirectoryRva: c.u32(),
		CheckSum:           c.u32(),
		TimeDateStamp:      c.u32(),
		Flags:              FileFlags(c.u64()),
	}
	if v.Header.Signature != Signature {
		return nil, &NotASnapshotError{"signature", v.Header.Signature}
	}
	var verErr error
	if uint16(v.Header.Version) != Version {
		verErr = &UnsupportedVersionError{v.Header.Version}
	}

	if logflags.Snapshot() {
		logger.Debugf("snapshot header: streams=%d directory=%#x flags=%s", v.Header.NumberOfStreams, v.Header.StreamDirectoryRva, v.Header.Flags)
	}

	dirSize := uint64(v.Header.NumberOfStreams) * directorySize
	if uint64(v.Header.StreamDirectoryRva)+dirSize > uint64(size) {
		return nil, &CorruptError{Off: int64(v.Header.StreamDirectoryRva), Msg: fmt.Sprintf("directory of %d streams past the end of file", v.Header.NumberOfStreams)}
	}
	raw := make([]byte, dirSize)
	if _, err := r.ReadAt(raw, int64(v.Header.StreamDirectoryRva)); err != nil {
		return nil, err
	}
	c = &cursor{buf: raw, base: int64(v.Header.StreamDirectoryRva)}
	v.Directory = make([]Directory, v.Header.NumberOfStreams)
	for i := range v.Directory {
		v.Directory[i] = Directory{StreamType(c.u32()), c.u32(), c.u32()}
	}
	v.checkDirectory()

	if logflags.Snapshot() {
		for i, d := range v.Directory {
			logger.Debugf("stream %d: type:%s off:%#x size:%#x", i, d.StreamType, d.Rva, d.DataSize)
		}
	}
	return v, verErr
}

// checkDirectory marks entries that lie outside the file or overlap an
// earlier one.
func (v *View) checkDirectory() {
	idx := make([]int, 0, len(v.Directory))
	for i, d := range v.Directory {
		if d.StreamType == UnusedStream || d.DataSize == 0 {
			continue
		}
		if uint64(d.Rva)+uint64(d.DataSize) > uint64(v.size) {
			v.bad[i] = &CorruptError{d.StreamType, int64(d.Rva), fmt.Sprintf("stream of size %#x past the end of file", d.DataSize)}
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return v.Directory[idx[a]].Rva < v.Directory[idx[b]].Rva
	})
	var end uint64
	for _, i := range idx {
		d := &v.Directory[i]
		if uint64(d.Rva) < end {
			v.bad[i] = &CorruptError{d.StreamType, int64(d.Rva), "stream overlaps another stream"}
			continue
		}
		end = uint64(d.Rva) + uint64(d.DataSize)
	}
}

// Close releases the file opened by OpenFile.
func (v *View) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer.Close()
}

// Size returns the size of the snapshot file.
func (v *View) Size() int64 {
	return v.size
}

func (v *View) find(typ StreamType) (int, error) {
	for i := range v.Directory {
		if v.Directory[i].StreamType == typ {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrStreamNotFound, typ)
}

// HasStream reports whether the directory has an entry of type typ.
func (v *View) HasStream(typ StreamType) bool {
	_, err := v.find(typ)
	return err == nil
}

// Stream returns the contents of the first stream of type typ.
func (v *View) Stream(typ StreamType) (*io.SectionReader, error) {
	i, err := v.find(typ)
	if err != nil {
		return nil, err
	}
	return v.StreamAt(i)
}

// StreamAt returns the contents of the stream of directory entry i.
func (v *View) StreamAt(i int) (*io.SectionReader, error) {
	if i < 0 || i >= len(v.Directory) {
		return nil, fmt.Errorf("no directory entry %d", i)
	}
	if err := v.bad[i]; err != nil {
		return nil, err
	}
	d := &v.Directory[i]
	return io.NewSectionReader(v.r, int64(d.Rva), int64(d.DataSize)), nil
}

// streamCursor reads the first stream of type typ.
func (v *View) streamCursor(typ StreamType) (*cursor, error) {
	i, err := v.find(typ)
	if err != nil {
		return nil, err
	}
	if err := v.bad[i]; err != nil {
		return nil, err
	}
	d := &v.Directory[i]
	buf := make([]byte, d.DataSize)
	if _, err := v.r.ReadAt(buf, int64(d.Rva)); err != nil {
		return nil, fmt.Errorf("reading %s: %w", typ, err)
	}
	return &cursor{buf: buf, base: int64(d.Rva), typ: typ}, nil
}

// location reads the bytes a location descriptor in a stream of type typ
// points to.
func (v *View) location(typ StreamType, size, rva uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if err := v.checkRange(typ, uint64(rva), uint64(size)); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := v.r.ReadAt(buf, int64(rva)); err != nil {
		return nil, fmt.Errorf("reading %s: %w", typ, err)
	}
	return buf, nil
}

func (v *View) checkRange(typ StreamType, off, size uint64) error {
	if off > uint64(v.size) || size > uint64(v.size)-off {
		return &CorruptError{typ, int64(off), fmt.Sprintf("location of size %#x is past the end of file", size)}
	}
	return nil
}

// memory returns a Memory backed by the file.
func (v *View) memory(typ StreamType, addr, size, off uint64) (Memory, error) {
	if err := v.checkRange(typ, off, size); err != nil {
		return Memory{}, err
	}
	return Memory{Addr: addr, Size: size, Data: io.NewSectionReader(v.r, int64(off), int64(size))}, nil
}

// readString reads the MINIDUMP_STRING at rva.
func (v *View) readString(typ StreamType, rva uint32) (string, error) {
	b, err := v.location(typ, 4, rva)
	if err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(b)
	if n > maxStringSize {
		return "", &CorruptError{typ, int64(rva), fmt.Sprintf("string too long (%d bytes)", n)}
	}
	b, err = v.location(typ, n, rva+4)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b), nil
}

// SystemInfo reads the system info stream.
func (v *View) SystemInfo() (*SystemInfo, error) {
	c, err := v.streamCursor(SystemInfoStream)
	if err != nil {
		return nil, err
	}
	si := &SystemInfo{
		Arch:               ProcessorArch(c.u16()),
		Level:              c.u16(),
		Revision:           c.u16(),
		NumberOfProcessors: c.u8(),
		ProductType:        c.u8(),
		MajorVersion:       c.u32(),
		MinorVersion:       c.u32(),
		BuildNumber:        c.u32(),
		PlatformID:         c.u32(),
	}
	csd := c.u32()
	si.SuiteMask = c.u16()
	c.u16()
	copy(si.CPU[:], c.take(len(si.CPU)))
	if c.err != nil {
		return nil, c.err
	}
	if csd != 0 {
		// a bad service pack string does not make the rest unusable
		si.CSDVersion, _ = v.readString(SystemInfoStream, csd)
	}
	return si, nil
}

// Modules reads the module list stream.
func (v *View) Modules() ([]Module, error) {
	c, err := v.streamCursor(ModuleListStream)
	if err != nil {
		return nil, err
	}
	n := c.count(moduleSize)
	mods := make([]Module, n)
	for i := range mods {
		m := &mods[i]
		m.BaseOfImage = c.u64()
		m.SizeOfImage = c.u32()
		m.Checksum = c.u32()
		m.TimeDateStamp = c.u32()
		nameRva := c.u32()
		for _, p := range versionInfoFields(&m.VersionInfo) {
			*p = c.u32()
		}
		cvSize, cvRva := c.u32(), c.u32()
		miscSize, miscRva := c.u32(), c.u32()
		c.u64()
		c.u64()
		if c.err != nil {
			return nil, c.err
		}
		if m.Name, err = v.readString(ModuleListStream, nameRva); err != nil {
			return nil, err
		}
		if m.CVRecord, err = v.location(ModuleListStream, cvSize, cvRva); err != nil {
			return nil, err
		}
		if m.MiscRecord, err = v.location(ModuleListStream, miscSize, miscRva); err != nil {
			return nil, err
		}
	}
	return mods, c.err
}

// Threads reads the thread list stream. Thread stacks are not read, the
// Stack of each thread reads from the file on demand.
func (v *View) Threads() ([]Thread, error) {
	c, err := v.streamCursor(ThreadListStream)
	if err != nil {
		return nil, err
	}
	n := c.count(threadSize)
	threads := make([]Thread, n)
	for i := range threads {
		t := &threads[i]
		t.ID = c.u32()
		t.SuspendCount = c.u32()
		t.PriorityClass = c.u32()
		t.Priority = c.u32()
		t.TEB = c.u64()
		stackAddr := c.u64()
		stackSize, stackRva := c.u32(), c.u32()
		ctxSize, ctxRva := c.u32(), c.u32()
		if c.err != nil {
			return nil, c.err
		}
		if t.Stack, err = v.memory(ThreadListStream, stackAddr, uint64(stackSize), uint64(stackRva)); err != nil {
			return nil, err
		}
		if t.Context, err = v.location(ThreadListStream, ctxSize, ctxRva); err != nil {
			return nil, err
		}
	}
	return threads, c.err
}

// MemoryRanges returns the ranges of the MemoryListStream followed by
// those of the Memory64ListStream. Ranges are not read. Either stream may
// be missing; ErrStreamNotFound is only returned when both are.
func (v *View) MemoryRanges() ([]Memory, error) {
	var ranges []Memory
	found := false
	for _, list := range []func() ([]Memory, error){v.memoryList, v.memory64List} {
		r, err := list()
		if err != nil {
			if errors.Is(err, ErrStreamNotFound) {
				continue
			}
			return nil, err
		}
		found = true
		ranges = append(ranges, r...)
	}
	if !found {
		return nil, fmt.Errorf("%w: no memory list", ErrStreamNotFound)
	}
	return ranges, nil
}

func (v *View) memoryList() ([]Memory, error) {
	c, err := v.streamCursor(MemoryListStream)
	if err != nil {
		return nil, err
	}
	n := c.count(16)
	ranges := make([]Memory, 0, n)
	for i := uint32(0); i < n; i++ {
		addr := c.u64()
		size, rva := c.u32(), c.u32()
		if c.err != nil {
			return nil, c.err
		}
		m, err := v.memory(MemoryListStream, addr, uint64(size), uint64(rva))
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, m)
	}
	return ranges, c.err
}

// memory64List reads a MINIDUMP_MEMORY64_LIST: the data of every range is
// stored contiguously starting at BaseRva.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_memory64_list
func (v *View) memory64List() ([]Memory, error) {
	c, err := v.streamCursor(Memory64ListStream)
	if err != nil {
		return nil, err
	}
	n := c.u64()
	off := c.u64()
	if c.err == nil && n > uint64(len(c.buf)-c.off)/16 {
		return nil, &CorruptError{Memory64ListStream, c.base, fmt.Sprintf("%d ranges do not fit in the stream", n)}
	}
	ranges := make([]Memory, 0, n)
	for i := uint64(0); i < n; i++ {
		addr, size := c.u64(), c.u64()
		if c.err != nil {
			return nil, c.err
		}
		m, err := v.memory(Memory64ListStream, addr, size, off)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, m)
		off += size
	}
	return ranges, c.err
}

// Exception reads the exception stream.
func (v *View) Exception() (*Exception, error) {
	c, err := v.streamCursor(ExceptionStream)
	if err != nil {
		return nil, err
	}
	exc := &Exception{ThreadID: c.u32()}
	c.u32()
	exc.Code = c.u32()
	exc.Flags = c.u32()
	exc.Record = c.u64()
	exc.Address = c.u64()
	n := c.u32()
	c.u32()
	if n > exceptionMaxParameters {
		return nil, &CorruptError{ExceptionStream, c.base, fmt.Sprintf("%d exception parameters", n)}
	}
	for i := 0; i < exceptionMaxParameters; i++ {
		p := c.u64()
		if uint32(i) < n {
			exc.Parameters = append(exc.Parameters, p)
		}
	}
	ctxSize, ctxRva := c.u32(), c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if exc.Context, err = v.location(ExceptionStream, ctxSize, ctxRva); err != nil {
		return nil, err
	}
	return exc, nil
}

// MiscInfo reads the misc info stream.
func (v *View) MiscInfo() (*MiscInfo, error) {
	c, err := v.streamCursor(MiscInfoStream)
	if err != nil {
		return nil, err
	}
	c.u32() // size of info
	mi := &MiscInfo{
		Flags:             c.u32(),
		ProcessID:         c.u32(),
		ProcessCreateTime: c.u32(),
		ProcessUserTime:   c.u32(),
		ProcessKernelTime: c.u32(),
	}
	return mi, c.err
}

// Comment returns the text of the comment stream, UTF-16 or ANSI.
func (v *View) Comment() (string, error) {
	if c, err := v.streamCursor(CommentStreamW); err == nil {
		return decodeUTF16(c.buf), nil
	} else if !errors.Is(err, ErrStreamNotFound) {
		return "", err
	}
	c, err := v.streamCursor(CommentStreamA)
	if err != nil {
		return "", err
	}
	b := c.buf
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b), nil
}

// decodeUTF16 converts a NUL-terminated UTF16LE string to (non NUL-terminated) UTF8.
func decodeUTF16(in []byte) string {
	utf16encoded := make([]uint16, 0, len(in)/2)
	for i := 0; i+1 < len(in); i += 2 {
		utf16encoded = append(utf16encoded, binary.LittleEndian.Uint16(in[i:]))
	}
	for len(utf16encoded) > 0 && utf16encoded[len(utf16encoded)-1] == 0 {
		utf16encoded = utf16encoded[:len(utf16encoded)-1]
	}
	return string(utf16.Decode(utf16encoded))
}

// cursor decodes little endian values from the contents of a stream. The
// first error is sticky, reads after it return zero.
type cursor struct {
	buf  []byte
	off  int
	err  error
	typ  StreamType
	base int64 // file offset of buf[0]
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n > len(c.buf)-c.off {
		c.err = &CorruptError{c.typ, c.base + int64(c.off), fmt.Sprintf("truncated, need %d more bytes", n-(len(c.buf)-c.off))}
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// count reads the entry count of a list and checks that that many
// entries of entrySize bytes follow.
func (c *cursor) count(entrySize int) uint32 {
	n := c.u32()
	if c.err == nil && uint64(n)*uint64(entrySize) > uint64(len(c.buf)-c.off) {
		c.err = &CorruptError{c.typ, c.base, fmt.Sprintf("%d entries do not fit in the stream", n)}
	}
	if c.err != nil {
		return 0
	}
	return n
}
