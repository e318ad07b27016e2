// Package petest builds small synthetic PE images for tests.
package petest

import (
	"bytes"
	"encoding/binary"

	"github.com/go-delve/symsnap/pkg/pe"
)

const (
	headersSize  = 0x400
	fileAlign    = 0x200
	sectionAlign = 0x1000

	// TextRVA is where Image.Text is placed.
	TextRVA = 0x1000
)

// Function describes a RUNTIME_FUNCTION entry and its unwind info.
type Function struct {
	Begin, End  uint32
	Prolog      uint8
	FrameReg    uint8
	FrameOffset uint8    // in units of 16 bytes
	Codes       []uint16 // unwind code slots in unwind order, see Codes
	Chain       int      // 1-based index of the parent in Image.Functions
	Handler     uint32
}

// Export is a named export.
type Export struct {
	Name string
	RVA  uint32
}

// Image describes the image to build.
type Image struct {
	Machine       uint16
	ImageBase     uint64
	TimeDateStamp uint32
	CheckSum      uint32

	Text     []byte
	TextSize uint32 // virtual size of .text, at least len(Text)

	CodeView  []byte // raw CodeView record, see RSDS and NB10
	FPO       []pe.FPOData
	Functions []Function
	DLLName   string
	Exports   []Export

	SecurityCookie uint64 // emits a load config directory when not zero
}

func align(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

func code(off, op, info uint8) uint16 {
	return uint16(off) | uint16(op&0xf)<<8 | uint16(info&0xf)<<12
}

// Codes concatenates unwind code slots.
func Codes(codes ...[]uint16) []uint16 {
	var r []uint16
	for _, c := range codes {
		r = append(r, c...)
	}
	return r
}

func PushNonvol(off, reg uint8) []uint16 {
	return []uint16{code(off, uint8(pe.UOpPushNonvol), reg)}
}

func AllocSmall(off uint8, size uint32) []uint16 {
	return []uint16{code(off, uint8(pe.UOpAllocSmall), uint8((size-8)/8))}
}

func AllocLarge(off uint8, size uint32) []uint16 {
	if size%8 == 0 && size/8 <= 0xffff {
		return []uint16{code(off, uint8(pe.UOpAllocLarge), 0), uint16(size / 8)}
	}
	return []uint16{code(off, uint8(pe.UOpAllocLarge), 1), uint16(size), uint16(size >> 16)}
}

func SetFPReg(off uint8) []uint16 {
	return []uint16{code(off, uint8(pe.UOpSetFPReg), 0)}
}

func SaveNonvol(off, reg uint8, offset uint32) []uint16 {
	return []uint16{code(off, uint8(pe.UOpSaveNonvol), reg), uint16(offset / 8)}
}

func SaveXMM128(off, reg uint8, offset uint32) []uint16 {
	return []uint16{code(off, uint8(pe.UOpSaveXMM128), reg), uint16(offset / 16)}
}

func PushMachFrame(off uint8, errorCode bool) []uint16 {
	info := uint8(0)
	if errorCode {
		info = 1
	}
	return []uint16{code(off, uint8(pe.UOpPushMachFrame), info)}
}

// RSDS returns a PDB 7.0 CodeView record. guid is in CodeView byte order.
func RSDS(guid [16]byte, age uint32, pdb string) []byte {
	var buf bytes.Buffer
	buf.WriteString("RSDS")
	buf.Write(guid[:])
	binary.Write(&buf, binary.LittleEndian, age)
	buf.WriteString(pdb)
	buf.WriteByte(0)
	return buf.Bytes()
}

// NB10 returns a PDB 2.0 CodeView record.
func NB10(sig, age uint32, pdb string) []byte {
	var buf bytes.Buffer
	buf.WriteString("NB10")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, sig)
	binary.Write(&buf, binary.LittleEndian, age)
	buf.WriteString(pdb)
	buf.WriteByte(0)
	return buf.Bytes()
}

type rdata struct {
	rva uint32
	buf bytes.Buffer
}

func (r *rdata) here() uint32 {
	return r.rva + uint32(r.buf.Len())
}

func (r *rdata) align(a int) {
	for r.buf.Len()%a != 0 {
		r.buf.WriteByte(0)
	}
}

func (r *rdata) u16(v uint16) { binary.Write(&r.buf, binary.LittleEndian, v) }
func (r *rdata) u32(v uint32) { binary.Write(&r.buf, binary.LittleEndian, v) }
func (r *rdata) u64(v uint64) { binary.Write(&r.buf, binary.LittleEndian, v) }

// Build lays out the image in the requested layout.
func (img *Image) Build(layout pe.Layout) []byte {
	is64 := img.Machine != pe.MachineI386

	textVSize := img.TextSize
	if textVSize < uint32(len(img.Text)) {
		textVSize = uint32(len(img.Text))
	}
	if textVSize == 0 {
		textVSize = 1
	}
	textRaw := align(uint32(len(img.Text)), fileAlign)
	rdataRVA := align(TextRVA+textVSize, sectionAlign)
	rdataFileOff := uint32(headersSize) + textRaw

	rd := &rdata{rva: rdataRVA}
	var dirs [16][2]uint32

	// debug directory
	numDebug := 0
	if img.CodeView != nil {
		numDebug++
	}
	if len(img.FPO) > 0 {
		numDebug++
	}
	debugRVA := rd.here()
	debugPatch := rd.buf.Len()
	rd.buf.Write(make([]byte, 28*numDebug))
	if numDebug > 0 {
		dirs[6] = [2]uint32{debugRVA, uint32(28 * numDebug)}
	}
	type debugEntry struct{ typ, size, rva uint32 }
	var entries []debugEntry
	if img.CodeView != nil {
		rd.align(4)
		entries = append(entries, debugEntry{pe.DebugTypeCodeView, uint32(len(img.CodeView)), rd.here()})
		rd.buf.Write(img.CodeView)
	}
	if len(img.FPO) > 0 {
		rd.align(4)
		entries = append(entries, debugEntry{pe.DebugTypeFPO, uint32(16 * len(img.FPO)), rd.here()})
		for _, f := range img.FPO {
			rd.u32(f.Start)
			rd.u32(f.Size)
			rd.u32(f.Locals)
			rd.u16(f.Params)
			attr := uint16(f.Prolog) | uint16(f.SavedRegs&7)<<8 | uint16(f.FrameType&3)<<14
			if f.HasSEH {
				attr |= 1 << 11
			}
			if f.UseBP {
				attr |= 1 << 12
			}
			rd.u16(attr)
		}
	}

	// unwind info, two passes so chained entries can refer to any function
	rd.align(4)
	unwindRVAs := make([]uint32, len(img.Functions))
	off := rd.here()
	for i, fn := range img.Functions {
		unwindRVAs[i] = off
		slots := uint32(len(fn.Codes))
		size := 4 + align(slots, 2)*2
		switch {
		case fn.Chain > 0:
			size += 12
		case fn.Handler != 0:
			size += 4
		}
		off += align(size, 4)
	}
	for _, fn := range img.Functions {
		flags := uint8(0)
		if fn.Chain > 0 {
			flags = pe.UnwFlagChainInfo
		} else if fn.Handler != 0 {
			flags = pe.UnwFlagEHandler
		}
		rd.buf.WriteByte(1 | flags<<3)
		rd.buf.WriteByte(fn.Prolog)
		rd.buf.WriteByte(uint8(len(fn.Codes)))
		rd.buf.WriteByte(fn.FrameReg | fn.FrameOffset<<4)
		for _, c := range fn.Codes {
			rd.u16(c)
		}
		if len(fn.Codes)%2 != 0 {
			rd.u16(0)
		}
		switch {
		case fn.Chain > 0:
			parent := img.Functions[fn.Chain-1]
			rd.u32(parent.Begin)
			rd.u32(parent.End)
			rd.u32(unwindRVAs[fn.Chain-1])
		case fn.Handler != 0:
			rd.u32(fn.Handler)
		}
		rd.align(4)
	}
	if len(img.Functions) > 0 && is64 {
		pdataRVA := rd.here()
		for i, fn := range img.Functions {
			rd.u32(fn.Begin)
			rd.u32(fn.End)
			rd.u32(unwindRVAs[i])
		}
		dirs[3] = [2]uint32{pdataRVA, uint32(12 * len(img.Functions))}
	}

	// exports
	if img.DLLName != "" || len(img.Exports) > 0 {
		rd.align(4)
		exportRVA := rd.here()
		n := uint32(len(img.Exports))
		tablesRVA := exportRVA + 40
		funcsRVA := tablesRVA
		namesRVA := funcsRVA + 4*n
		ordsRVA := namesRVA + 4*n
		stringsRVA := align(ordsRVA+2*n, 4)
		nameRVAs := make([]uint32, n)
		strOff := stringsRVA
		dllNameRVA := strOff
		strOff += uint32(len(img.DLLName)) + 1
		for i, e := range img.Exports {
			nameRVAs[i] = strOff
			strOff += uint32(len(e.Name)) + 1
		}
		rd.u32(0) // characteristics
		rd.u32(img.TimeDateStamp)
		rd.u32(0) // versions
		rd.u32(dllNameRVA)
		rd.u32(1) // base
		rd.u32(n)
		rd.u32(n)
		rd.u32(funcsRVA)
		rd.u32(namesRVA)
		rd.u32(ordsRVA)
		for _, e := range img.Exports {
			rd.u32(e.RVA)
		}
		for i := range img.Exports {
			rd.u32(nameRVAs[i])
		}
		for i := range img.Exports {
			rd.u16(uint16(i))
		}
		rd.align(4)
		rd.buf.WriteString(img.DLLName)
		rd.buf.WriteByte(0)
		for _, e := range img.Exports {
			rd.buf.WriteString(e.Name)
			rd.buf.WriteByte(0)
		}
		dirs[0] = [2]uint32{exportRVA, rd.here() - exportRVA}
	}

	if img.SecurityCookie != 0 {
		rd.align(8)
		lcRVA := rd.here()
		size := uint32(0x5c)
		cookieOff := 0x3c
		if is64 {
			size = 0x94
			cookieOff = 0x58
		}
		lc := make([]byte, size)
		binary.LittleEndian.PutUint32(lc, size)
		if is64 {
			binary.LittleEndian.PutUint64(lc[cookieOff:], img.SecurityCookie)
		} else {
			binary.LittleEndian.PutUint32(lc[cookieOff:], uint32(img.SecurityCookie))
		}
		rd.buf.Write(lc)
		dirs[10] = [2]uint32{lcRVA, size}
	}

	rdataBytes := rd.buf.Bytes()
	// patch the debug directory now that payload offsets are known
	for i, e := range entries {
		b := rdataBytes[debugPatch+i*28:]
		binary.LittleEndian.PutUint32(b[4:], img.TimeDateStamp)
		binary.LittleEndian.PutUint32(b[12:], e.typ)
		binary.LittleEndian.PutUint32(b[16:], e.size)
		binary.LittleEndian.PutUint32(b[20:], e.rva)
		binary.LittleEndian.PutUint32(b[24:], rdataFileOff+(e.rva-rdataRVA))
	}
	rdataVSize := uint32(len(rdataBytes))
	if rdataVSize == 0 {
		rdataVSize = 1
	}
	rdataRaw := align(uint32(len(rdataBytes)), fileAlign)
	sizeOfImage := align(rdataRVA+rdataVSize, sectionAlign)

	// headers
	var h bytes.Buffer
	h.WriteString("MZ")
	h.Write(make([]byte, 0x3c-2))
	binary.Write(&h, binary.LittleEndian, uint32(0x40))
	h.WriteString("PE\x00\x00")
	optSize := uint16(224)
	if is64 {
		optSize = 240
	}
	binary.Write(&h, binary.LittleEndian, img.Machine)
	binary.Write(&h, binary.LittleEndian, uint16(2))
	binary.Write(&h, binary.LittleEndian, img.TimeDateStamp)
	binary.Write(&h, binary.LittleEndian, uint32(0))
	binary.Write(&h, binary.LittleEndian, uint32(0))
	binary.Write(&h, binary.LittleEndian, optSize)
	binary.Write(&h, binary.LittleEndian, uint16(0x2022))

	opt := make([]byte, optSize)
	le := binary.LittleEndian
	if is64 {
		le.PutUint16(opt, 0x20b)
		le.PutUint64(opt[24:], img.ImageBase)
		le.PutUint32(opt[108:], 16)
	} else {
		le.PutUint16(opt, 0x10b)
		le.PutUint32(opt[28:], uint32(img.ImageBase))
		le.PutUint32(opt[92:], 16)
	}
	le.PutUint32(opt[16:], TextRVA)
	le.PutUint32(opt[32:], sectionAlign)
	le.PutUint32(opt[36:], fileAlign)
	le.PutUint32(opt[56:], sizeOfImage)
	le.PutUint32(opt[60:], headersSize)
	le.PutUint32(opt[64:], img.CheckSum)
	le.PutUint16(opt[68:], 3)
	ddOff := 96
	if is64 {
		ddOff = 112
	}
	for i, d := range dirs {
		le.PutUint32(opt[ddOff+i*8:], d[0])
		le.PutUint32(opt[ddOff+i*8+4:], d[1])
	}
	h.Write(opt)

	writeSection := func(name string, vsize, rva, rawSize, rawOff, chars uint32) {
		var n [8]byte
		copy(n[:], name)
		h.Write(n[:])
		binary.Write(&h, binary.LittleEndian, vsize)
		binary.Write(&h, binary.LittleEndian, rva)
		binary.Write(&h, binary.LittleEndian, rawSize)
		binary.Write(&h, binary.LittleEndian, rawOff)
		h.Write(make([]byte, 12))
		binary.Write(&h, binary.LittleEndian, chars)
	}
	writeSection(".text", textVSize, TextRVA, textRaw, headersSize, 0x60000020)
	writeSection(".rdata", rdataVSize, rdataRVA, rdataRaw, rdataFileOff, 0x40000040)
	headers := make([]byte, headersSize)
	copy(headers, h.Bytes())

	if layout == pe.MappedLayout {
		out := make([]byte, sizeOfImage)
		copy(out, headers)
		copy(out[TextRVA:], img.Text)
		copy(out[rdataRVA:], rdataBytes)
		return out
	}
	out := make([]byte, 0, headersSize+textRaw+rdataRaw)
	out = append(out, headers...)
	text := make([]byte, textRaw)
	copy(text, img.Text)
	out = append(out, text...)
	rdataPadded := make([]byte, rdataRaw)
	copy(rdataPadded, rdataBytes)
	out = append(out, rdataPadded...)
	return out
}
