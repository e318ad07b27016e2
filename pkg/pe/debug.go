package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Debug directory entry types.
const (
	DebugTypeCodeView = 2
	DebugTypeFPO      = 3
	DebugTypeMisc     = 4
)

const (
	sizeofDebugDirectory = 28
	sizeofFPOData        = 16

	cvSignatureRSDS = 0x53445352 // "RSDS"
	cvSignatureNB10 = 0x3031424e // "NB10"

	maxPDBPath = 1024
)

// DebugDirectory is an IMAGE_DEBUG_DIRECTORY entry.
type DebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// DebugID identifies the symbol file matching an image. Images built
// with a PDB 7.0 record (RSDS) carry a GUID, older NB10 records a 32
// bit signature. Both add an age.
type DebugID struct {
	GUID      uuid.UUID
	Signature uint32
	Age       uint32
	HasGUID   bool
}

// String formats the id the way symbol stores index it: the GUID (or
// signature) in upper case hex without separators followed by the age
// in hex.
func (id DebugID) String() string {
	if id.HasGUID {
		return strings.ToUpper(strings.ReplaceAll(id.GUID.String(), "-", "")) + fmt.Sprintf("%X", id.Age)
	}
	return fmt.Sprintf("%08X%X", id.Signature, id.Age)
}

// IsZero reports whether id is unset.
func (id DebugID) IsZero() bool {
	return id == DebugID{}
}

// ParseDebugID is the inverse of DebugID.String. Strings of 33 or more
// hex digits are read as GUID+age, shorter ones as signature+age.
func ParseDebugID(s string) (DebugID, error) {
	if len(s) > 32 {
		g, err := uuid.Parse(s[:32])
		if err != nil {
			return DebugID{}, fmt.Errorf("invalid debug id %q: %w", s, err)
		}
		var age uint32
		if _, err := fmt.Sscanf(s[32:], "%x", &age); err != nil {
			return DebugID{}, fmt.Errorf("invalid debug id age %q: %w", s[32:], err)
		}
		return DebugID{GUID: g, Age: age, HasGUID: true}, nil
	}
	if len(s) > 8 {
		var sig, age uint32
		if _, err := fmt.Sscanf(s[:8], "%x", &sig); err != nil {
			return DebugID{}, fmt.Errorf("invalid debug id %q: %w", s, err)
		}
		if _, err := fmt.Sscanf(s[8:], "%x", &age); err != nil {
			return DebugID{}, fmt.Errorf("invalid debug id age %q: %w", s[8:], err)
		}
		return DebugID{Signature: sig, Age: age}, nil
	}
	return DebugID{}, fmt.Errorf("invalid debug id %q", s)
}

// guidFromWindows converts a GUID stored with its first three fields in
// little endian order into RFC 4122 byte order.
func guidFromWindows(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	return u
}

// WindowsGUID returns the GUID in the byte order used by CodeView records.
func (id DebugID) WindowsGUID() [16]byte {
	var b [16]byte
	u := id.GUID
	copy(b[:], u[:])
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	return b
}

// CodeView is a decoded CodeView debug record.
type CodeView struct {
	ID      DebugID
	PDBPath string
}

// PDBName returns the base name of the PDB path, the key symbol stores
// use for the debug file.
func (cv *CodeView) PDBName() string {
	name := cv.PDBPath
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// ParseCodeView decodes a raw RSDS or NB10 record, as found in the debug
// directory or in the CvRecord of a snapshot module entry.
func ParseCodeView(raw []byte) (*CodeView, error) {
	if len(raw) < 4 {
		return nil, &FormatError{Kind: Truncated, Msg: "CodeView record too small"}
	}
	cstr := func(b []byte) string {
		if len(b) > maxPDBPath {
			b = b[:maxPDBPath]
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b)
	}
	switch binary.LittleEndian.Uint32(raw) {
	case cvSignatureRSDS:
		if len(raw) < 24 {
			return nil, &FormatError{Kind: Truncated, Msg: "RSDS record too small"}
		}
		return &CodeView{
			ID: DebugID{
				GUID:    guidFromWindows(raw[4:20]),
				Age:     binary.LittleEndian.Uint32(raw[20:]),
				HasGUID: true,
			},
			PDBPath: cstr(raw[24:]),
		}, nil
	case cvSignatureNB10:
		if len(raw) < 16 {
			return nil, &FormatError{Kind: Truncated, Msg: "NB10 record too small"}
		}
		return &CodeView{
			ID: DebugID{
				Signature: binary.LittleEndian.Uint32(raw[8:]),
				Age:       binary.LittleEndian.Uint32(raw[12:]),
			},
			PDBPath: cstr(raw[16:]),
		}, nil
	default:
		return nil, &FormatError{Kind: InvalidFormat, Msg: fmt.Sprintf("unknown CodeView signature %#x", binary.LittleEndian.Uint32(raw))}
	}
}

// Bytes encodes the record back into its RSDS or NB10 form.
func (cv *CodeView) Bytes() []byte {
	var buf bytes.Buffer
	if cv.ID.HasGUID {
		binary.Write(&buf, binary.LittleEndian, uint32(cvSignatureRSDS))
		g := cv.ID.WindowsGUID()
		buf.Write(g[:])
	} else {
		binary.Write(&buf, binary.LittleEndian, uint32(cvSignatureNB10))
		binary.Write(&buf, binary.LittleEndian, uint32(0))
		binary.Write(&buf, binary.LittleEndian, cv.ID.Signature)
	}
	binary.Write(&buf, binary.LittleEndian, cv.ID.Age)
	buf.WriteString(cv.PDBPath)
	buf.WriteByte(0)
	return buf.Bytes()
}

// FPOData is an x86 frame pointer omission record (FPO_DATA).
type FPOData struct {
	Start     uint32 // function start RVA
	Size      uint32 // function size in bytes
	Locals    uint32 // number of dwords of locals
	Params    uint16 // number of dwords of parameters
	Prolog    uint8  // prolog size in bytes
	SavedRegs uint8  // number of saved registers
	HasSEH    bool
	UseBP     bool // EBP has been allocated as a frame pointer
	FrameType uint8
}

// Contains reports whether rva is inside the function.
func (f *FPOData) Contains(rva uint32) bool {
	return rva >= f.Start && uint64(rva) < uint64(f.Start)+uint64(f.Size)
}

// FPOFor returns the FPO record covering rva.
func (m *Metadata) FPOFor(rva uint32) (*FPOData, bool) {
	i := sort.Search(len(m.FPO), func(i int) bool {
		return m.FPO[i].Start > rva
	}) - 1
	if i < 0 || !m.FPO[i].Contains(rva) {
		return nil, false
	}
	return &m.FPO[i], true
}

func decodeFPO(b []byte) FPOData {
	attr := binary.LittleEndian.Uint16(b[14:])
	return FPOData{
		Start:     binary.LittleEndian.Uint32(b[0:]),
		Size:      binary.LittleEndian.Uint32(b[4:]),
		Locals:    binary.LittleEndian.Uint32(b[8:]),
		Params:    binary.LittleEndian.Uint16(b[12:]),
		Prolog:    uint8(attr),
		SavedRegs: uint8(attr>>8) & 0x7,
		HasSEH:    attr&(1<<11) != 0,
		UseBP:     attr&(1<<12) != 0,
		FrameType: uint8(attr>>14) & 0x3,
	}
}

func (p *parser) parseDebugDirectory() error {
	dd, ok, err := p.directory(dpe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	if !ok {
		return err
	}
	n := dd.Size / sizeofDebugDirectory
	raw, err := p.readRVA(dd.VirtualAddress, n*sizeofDebugDirectory, "debug directory")
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		b := raw[i*sizeofDebugDirectory:]
		d := DebugDirectory{
			Characteristics:  binary.LittleEndian.Uint32(b[0:]),
			TimeDateStamp:    binary.LittleEndian.Uint32(b[4:]),
			MajorVersion:     binary.LittleEndian.Uint16(b[8:]),
			MinorVersion:     binary.LittleEndian.Uint16(b[10:]),
			Type:             binary.LittleEndian.Uint32(b[12:]),
			SizeOfData:       binary.LittleEndian.Uint32(b[16:]),
			AddressOfRawData: binary.LittleEndian.Uint32(b[20:]),
			PointerToRawData: binary.LittleEndian.Uint32(b[24:]),
		}
		p.md.Debug = append(p.md.Debug, d)

		switch d.Type {
		case DebugTypeCodeView:
			if p.md.CodeView != nil {
				continue
			}
			data, err := p.debugData(&d)
			if err != nil {
				return err
			}
			if data == nil {
				continue
			}
			cv, err := ParseCodeView(data)
			if err != nil {
				// unknown CodeView flavours are not fatal, the image just
				// can not be matched with a symbol file
				p.log.Debugf("debug directory entry %d: %v", i, err)
				continue
			}
			p.md.CodeView = cv
		case DebugTypeFPO:
			data, err := p.debugData(&d)
			if err != nil {
				return err
			}
			for j := 0; j+sizeofFPOData <= len(data); j += sizeofFPOData {
				p.md.FPO = append(p.md.FPO, decodeFPO(data[j:]))
			}
		}
	}
	sort.Slice(p.md.FPO, func(i, j int) bool { return p.md.FPO[i].Start < p.md.FPO[j].Start })
	return nil
}

// debugData returns the payload of a debug directory entry. Payloads not
// mapped by the loader are only reachable in the file layout and are
// skipped for mapped images.
func (p *parser) debugData(d *DebugDirectory) ([]byte, error) {
	if d.SizeOfData == 0 {
		return nil, nil
	}
	if d.SizeOfData > maxDirectoryEntries*sizeofFPOData {
		return nil, badDirectory(d.AddressOfRawData, "debug data of type %d too large (%#x)", d.Type, d.SizeOfData)
	}
	if p.md.Layout == MappedLayout {
		if d.AddressOfRawData == 0 {
			return nil, nil
		}
		return p.readRVA(d.AddressOfRawData, d.SizeOfData, "debug data")
	}
	if d.PointerToRawData == 0 {
		return nil, nil
	}
	data, err := p.readAt(int64(d.PointerToRawData), int(d.SizeOfData), "debug data")
	if err != nil {
		return nil, &FormatError{Kind: BadDirectory, Off: int64(d.PointerToRawData), Msg: err.Error()}
	}
	return data, nil
}
