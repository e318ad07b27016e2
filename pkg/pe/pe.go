// Package pe reads the parts of PE/COFF images needed to identify a
// module and unwind its stack frames: headers, sections, the debug
// directory (CodeView and FPO records), the exception directory (x64 and
// ARM64 function tables), the load config and the export table.
//
// Images can be parsed from their on-disk layout or from a copy of the
// image as the loader mapped it into a process.
package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-delve/symsnap/pkg/logflags"
)

// Layout describes how the bytes handed to Parse are arranged.
type Layout uint8

const (
	// FileLayout is an image as stored on disk, RVAs are translated to
	// file offsets through the section table.
	FileLayout Layout = iota
	// MappedLayout is an image as mapped by the loader, an RVA is an
	// offset from the start of the buffer.
	MappedLayout
)

func (l Layout) String() string {
	if l == MappedLayout {
		return "mapped"
	}
	return "file"
}

// Machine types accepted by Parse.
const (
	MachineI386  = dpe.IMAGE_FILE_MACHINE_I386
	MachineAMD64 = dpe.IMAGE_FILE_MACHINE_AMD64
	MachineARM64 = dpe.IMAGE_FILE_MACHINE_ARM64
)

const (
	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	sizeofFileHeader    = 20
	sizeofSectionHeader = 40
	sizeofDataDirectory = 8

	// Cap on the number of entries decoded from a single directory, a
	// guard against sizes that only make sense for corrupted images.
	maxDirectoryEntries = 1 << 20
)

// Section is a section header with its name decoded.
type Section struct {
	Name             string
	VirtualAddress   uint32
	VirtualSize      uint32
	PointerToRawData uint32
	SizeOfRawData    uint32
	Characteristics  uint32
}

// Contains reports whether rva falls inside the section's virtual range.
func (s *Section) Contains(rva uint32) bool {
	size := s.VirtualSize
	if size == 0 {
		size = s.SizeOfRawData
	}
	return rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(size)
}

// Metadata is everything Parse extracts from an image. It is never
// modified after Parse returns and can be shared freely.
type Metadata struct {
	Layout Layout

	Machine         uint16
	Characteristics uint16
	TimeDateStamp   uint32
	Magic           uint16

	ImageBase           uint64
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	CheckSum            uint32
	AddressOfEntryPoint uint32
	Subsystem           uint16

	Sections    []Section
	Directories []dpe.DataDirectory

	Debug      []DebugDirectory
	CodeView   *CodeView
	FPO        []FPOData // sorted by Start
	Unwind     UnwindTable
	ARM64      []ARM64Function // sorted by Begin
	LoadConfig *LoadConfig
	Exports    *ExportTable
}

// Is64 reports whether the image has a PE32+ optional header.
func (m *Metadata) Is64() bool {
	return m.Magic == magicPE32Plus
}

// PtrSize returns the pointer size of the image's machine.
func (m *Metadata) PtrSize() int {
	if m.Machine == MachineI386 {
		return 4
	}
	return 8
}

// DebugID returns the identity used to match the image with its
// symbol file.
func (m *Metadata) DebugID() (DebugID, bool) {
	if m.CodeView == nil {
		return DebugID{}, false
	}
	return m.CodeView.ID, true
}

// Section returns the section containing rva.
func (m *Metadata) Section(rva uint32) *Section {
	for i := range m.Sections {
		if m.Sections[i].Contains(rva) {
			return &m.Sections[i]
		}
	}
	return nil
}

// Directory returns data directory i, or a zero entry if the image has
// fewer directories.
func (m *Metadata) Directory(i int) dpe.DataDirectory {
	if i < 0 || i >= len(m.Directories) {
		return dpe.DataDirectory{}
	}
	return m.Directories[i]
}

// ParseBytes is a shorthand for Parse over an in-memory image.
func ParseBytes(buf []byte, layout Layout) (*Metadata, error) {
	return Parse(bytes.NewReader(buf), int64(len(buf)), layout)
}

// Parse decodes the image of the given size read through r. Every
// structure is bounds checked; malformed images produce a *FormatError.
func Parse(r io.ReaderAt, size int64, layout Layout) (*Metadata, error) {
	p := &parser{
		r:    r,
		size: size,
		md:   &Metadata{Layout: layout},
		log:  logflags.PELogger(),
	}
	if err := p.parseHeaders(); err != nil {
		return nil, err
	}
	steps := []struct {
		what string
		fn   func() error
	}{
		{"debug directory", p.parseDebugDirectory},
		{"exception directory", p.parseExceptionDirectory},
		{"load config directory", p.parseLoadConfig},
		{"export directory", p.parseExports},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			p.log.Debugf("%s: %v", step.what, err)
			return nil, err
		}
	}
	if logflags.PE() {
		p.log.Debugf("parsed %s image machine=%#x sections=%d unwind=%d fpo=%d", layout, p.md.Machine, len(p.md.Sections), p.md.Unwind.Len(), len(p.md.FPO))
	}
	return p.md, nil
}

type parser struct {
	r    io.ReaderAt
	size int64
	md   *Metadata
	log  logflags.Logger
}

func truncated(off int64, format string, args ...interface{}) error {
	return &FormatError{Kind: Truncated, Off: off, Msg: fmt.Sprintf(format, args...)}
}

func badDirectory(rva uint32, format string, args ...interface{}) error {
	return &FormatError{Kind: BadDirectory, Off: int64(rva), Msg: fmt.Sprintf(format, args...)}
}

// readAt reads exactly n bytes at off.
func (p *parser) readAt(off int64, n int, what string) ([]byte, error) {
	if off < 0 || n < 0 || off > p.size || int64(n) > p.size-off {
		return nil, truncated(off, "%s (%d bytes) past end of image (%#x)", what, n, p.size)
	}
	buf := make([]byte, n)
	got, err := p.r.ReadAt(buf, off)
	if got < n {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, truncated(off, "short read of %s", what)
		}
		return nil, fmt.Errorf("reading %s: %w", what, err)
	}
	return buf, nil
}

// offset translates an RVA range to an offset in the underlying reader.
func (p *parser) offset(rva, n uint32) (int64, bool) {
	end := uint64(rva) + uint64(n)
	if p.md.Layout == MappedLayout {
		return int64(rva), end <= uint64(p.size)
	}
	if end <= uint64(p.md.SizeOfHeaders) {
		return int64(rva), end <= uint64(p.size)
	}
	for i := range p.md.Sections {
		s := &p.md.Sections[i]
		if !s.Contains(rva) {
			continue
		}
		delta := uint64(rva - s.VirtualAddress)
		if delta+uint64(n) > uint64(s.SizeOfRawData) {
			return 0, false
		}
		off := uint64(s.PointerToRawData) + delta
		return int64(off), off+uint64(n) <= uint64(p.size)
	}
	return 0, false
}

// readRVA reads n bytes starting at rva.
func (p *parser) readRVA(rva, n uint32, what string) ([]byte, error) {
	off, ok := p.offset(rva, n)
	if !ok {
		return nil, badDirectory(rva, "%s (%d bytes) is not backed by image data", what, n)
	}
	return p.readAt(off, int(n), what)
}

// readCString reads a NUL terminated string at rva, at most max bytes long.
func (p *parser) readCString(rva uint32, max int) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < max {
		n := uint32(chunk)
		// shrink the chunk near the end of the backing data
		for n > 0 {
			if _, ok := p.offset(rva+uint32(len(out)), n); ok {
				break
			}
			n /= 2
		}
		if n == 0 {
			return "", badDirectory(rva, "unterminated string")
		}
		buf, err := p.readRVA(rva+uint32(len(out)), n, "string")
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
	}
	return string(out[:max]), nil
}

// directory returns data directory i after checking it lies inside the
// image. ok is false for absent directories.
func (p *parser) directory(i int) (dd dpe.DataDirectory, ok bool, err error) {
	dd = p.md.Directory(i)
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return dd, false, nil
	}
	if uint64(dd.VirtualAddress)+uint64(dd.Size) > uint64(p.md.SizeOfImage) {
		return dd, false, badDirectory(dd.VirtualAddress, "directory %d (size %#x) outside image of size %#x", i, dd.Size, p.md.SizeOfImage)
	}
	return dd, true, nil
}

func (p *parser) parseHeaders() error {
	mz, err := p.readAt(0, 0x40, "DOS header")
	if err != nil {
		return err
	}
	if mz[0] != 'M' || mz[1] != 'Z' {
		return &FormatError{Kind: InvalidFormat, Msg: fmt.Sprintf("invalid MZ header: %x", mz[0:2])}
	}
	peOff := int64(binary.LittleEndian.Uint32(mz[0x3c:]))
	sig, err := p.readAt(peOff, 4, "PE signature")
	if err != nil {
		return err
	}
	if !bytes.Equal(sig, []byte{'P', 'E', 0, 0}) {
		return &FormatError{Kind: InvalidFormat, Off: peOff, Msg: fmt.Sprintf("invalid PE magic: %x", sig)}
	}

	fhOff := peOff + 4
	raw, err := p.readAt(fhOff, sizeofFileHeader, "file header")
	if err != nil {
		return err
	}
	var fh dpe.FileHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &fh); err != nil {
		return truncated(fhOff, "file header: %v", err)
	}
	switch fh.Machine {
	case MachineI386, MachineAMD64, MachineARM64:
	default:
		return &FormatError{Kind: UnsupportedMachine, Off: fhOff, Msg: fmt.Sprintf("unrecognized PE machine: %#x", fh.Machine)}
	}
	p.md.Machine = fh.Machine
	p.md.Characteristics = fh.Characteristics
	p.md.TimeDateStamp = fh.TimeDateStamp

	ohOff := fhOff + sizeofFileHeader
	oh, err := p.readAt(ohOff, int(fh.SizeOfOptionalHeader), "optional header")
	if err != nil {
		return err
	}
	if len(oh) < 2 {
		return truncated(ohOff, "optional header too small (%d bytes)", len(oh))
	}
	var ddOff, numDirs int
	p.md.Magic = binary.LittleEndian.Uint16(oh)
	switch p.md.Magic {
	case magicPE32:
		if len(oh) < 96 {
			return truncated(ohOff, "PE32 optional header too small (%d bytes)", len(oh))
		}
		p.md.ImageBase = uint64(binary.LittleEndian.Uint32(oh[28:]))
		numDirs = int(binary.LittleEndian.Uint32(oh[92:]))
		ddOff = 96
	case magicPE32Plus:
		if len(oh) < 112 {
			return truncated(ohOff, "PE32+ optional header too small (%d bytes)", len(oh))
		}
		p.md.ImageBase = binary.LittleEndian.Uint64(oh[24:])
		numDirs = int(binary.LittleEndian.Uint32(oh[108:]))
		ddOff = 112
	default:
		return &FormatError{Kind: InvalidFormat, Off: ohOff, Msg: fmt.Sprintf("invalid optional header magic: %#x", p.md.Magic)}
	}
	if (p.md.Magic == magicPE32) != (fh.Machine == MachineI386) {
		return &FormatError{Kind: InvalidFormat, Off: ohOff, Msg: fmt.Sprintf("optional header magic %#x does not match machine %#x", p.md.Magic, fh.Machine)}
	}
	p.md.AddressOfEntryPoint = binary.LittleEndian.Uint32(oh[16:])
	p.md.SizeOfImage = binary.LittleEndian.Uint32(oh[56:])
	p.md.SizeOfHeaders = binary.LittleEndian.Uint32(oh[60:])
	p.md.CheckSum = binary.LittleEndian.Uint32(oh[64:])
	p.md.Subsystem = binary.LittleEndian.Uint16(oh[68:])

	if numDirs > (len(oh)-ddOff)/sizeofDataDirectory {
		return truncated(ohOff+int64(ddOff), "%d data directories do not fit the optional header", numDirs)
	}
	p.md.Directories = make([]dpe.DataDirectory, numDirs)
	for i := range p.md.Directories {
		d := oh[ddOff+i*sizeofDataDirectory:]
		p.md.Directories[i] = dpe.DataDirectory{
			VirtualAddress: binary.LittleEndian.Uint32(d),
			Size:           binary.LittleEndian.Uint32(d[4:]),
		}
	}

	shOff := ohOff + int64(fh.SizeOfOptionalHeader)
	raw, err = p.readAt(shOff, int(fh.NumberOfSections)*sizeofSectionHeader, "section headers")
	if err != nil {
		return err
	}
	shs := make([]dpe.SectionHeader32, fh.NumberOfSections)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, shs); err != nil {
		return truncated(shOff, "section headers: %v", err)
	}
	p.md.Sections = make([]Section, len(shs))
	for i, sh := range shs {
		p.md.Sections[i] = Section{
			Name:             sectionName(sh.Name),
			VirtualAddress:   sh.VirtualAddress,
			VirtualSize:      sh.VirtualSize,
			PointerToRawData: sh.PointerToRawData,
			SizeOfRawData:    sh.SizeOfRawData,
			Characteristics:  sh.Characteristics,
		}
		if uint64(sh.VirtualAddress)+uint64(sh.VirtualSize) > uint64(p.md.SizeOfImage) {
			return &FormatError{Kind: InvalidFormat, Off: shOff + int64(i*sizeofSectionHeader), Msg: fmt.Sprintf("section %d extends past SizeOfImage", i)}
		}
	}
	sort.SliceStable(p.md.Sections, func(i, j int) bool {
		return p.md.Sections[i].VirtualAddress < p.md.Sections[j].VirtualAddress
	})
	return nil
}

func sectionName(b [8]uint8) string {
	if i := bytes.IndexByte(b[:], 0); i >= 0 {
		return string(b[:i])
	}
	return string(b[:])
}
