package pe

import (
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"sort"
)

// UnwindOp is the operation of an x64 unwind code.
type UnwindOp uint8

const (
	UOpPushNonvol     UnwindOp = 0
	UOpAllocLarge     UnwindOp = 1
	UOpAllocSmall     UnwindOp = 2
	UOpSetFPReg       UnwindOp = 3
	UOpSaveNonvol     UnwindOp = 4
	UOpSaveNonvolFar  UnwindOp = 5
	UOpEpilog         UnwindOp = 6 // version 2 only, formerly SAVE_XMM
	UOpSpareCode      UnwindOp = 7 // formerly SAVE_XMM_FAR
	UOpSaveXMM128     UnwindOp = 8
	UOpSaveXMM128Far  UnwindOp = 9
	UOpPushMachFrame  UnwindOp = 10
	numUnwindOpValues          = 11
)

var unwindOpNames = [numUnwindOpValues]string{
	"PUSH_NONVOL", "ALLOC_LARGE", "ALLOC_SMALL", "SET_FPREG", "SAVE_NONVOL",
	"SAVE_NONVOL_FAR", "EPILOG", "SPARE_CODE", "SAVE_XMM128", "SAVE_XMM128_FAR",
	"PUSH_MACHFRAME",
}

func (op UnwindOp) String() string {
	if int(op) < len(unwindOpNames) {
		return unwindOpNames[op]
	}
	return fmt.Sprintf("UnwindOp(%d)", uint8(op))
}

// UNWIND_INFO flags.
const (
	UnwFlagEHandler  = 0x1
	UnwFlagUHandler  = 0x2
	UnwFlagChainInfo = 0x4
)

const (
	sizeofRuntimeFunction = 12
	sizeofARM64PData      = 8

	// Chains longer than this are treated as cycles.
	maxUnwindChain = 32
)

// UnwindCode is a decoded unwind code. Operand holds the value stored in
// the extra slots: the allocation size for ALLOC_*, the stack offset for
// SAVE_*, already scaled to bytes.
type UnwindCode struct {
	CodeOffset uint8 // offset of the end of the prolog instruction
	Op         UnwindOp
	OpInfo     uint8
	Operand    uint32
}

// AllocSize returns the stack allocation described by an ALLOC_* code.
func (c UnwindCode) AllocSize() uint32 {
	switch c.Op {
	case UOpAllocSmall:
		return uint32(c.OpInfo)*8 + 8
	case UOpAllocLarge:
		return c.Operand
	}
	return 0
}

// UnwindInfo is a decoded RUNTIME_FUNCTION with its UNWIND_INFO.
type UnwindInfo struct {
	Begin, End    uint32 // function range, RVAs, End exclusive
	UnwindRVA     uint32
	Version       uint8
	Flags         uint8
	PrologSize    uint8
	FrameRegister uint8  // 0 when no frame register is used
	FrameOffset   uint32 // scaled offset, in bytes
	Codes         []UnwindCode
	Chained       *UnwindInfo
	HandlerRVA    uint32
}

// UsesFramePointer reports whether the function establishes a frame register.
func (u *UnwindInfo) UsesFramePointer() bool {
	return u.FrameRegister != 0
}

// FixedAlloc returns the total fixed stack allocation of the prolog,
// pushes excluded.
func (u *UnwindInfo) FixedAlloc() uint32 {
	var n uint32
	for _, c := range u.Codes {
		n += c.AllocSize()
	}
	return n
}

// Saves maps the registers saved with SAVE_NONVOL codes to their offset
// from the frame base.
func (u *UnwindInfo) Saves() map[uint8]uint32 {
	r := make(map[uint8]uint32)
	for _, c := range u.Codes {
		if c.Op == UOpSaveNonvol || c.Op == UOpSaveNonvolFar {
			r[c.OpInfo] = c.Operand
		}
	}
	return r
}

// Contains reports whether rva is inside the function.
func (u *UnwindInfo) Contains(rva uint32) bool {
	return rva >= u.Begin && rva < u.End
}

// UnwindTable is the sorted x64 function table of an image.
type UnwindTable []*UnwindInfo

func (t UnwindTable) Len() int {
	return len(t)
}

// Lookup returns the function entry covering rva.
func (t UnwindTable) Lookup(rva uint32) (*UnwindInfo, error) {
	idx := sort.Search(len(t), func(i int) bool {
		return t[i].Begin > rva
	}) - 1
	if idx < 0 || !t[idx].Contains(rva) {
		return nil, &ErrNoUnwindInfo{RVA: rva}
	}
	return t[idx], nil
}

// ARM64Function is an entry of an ARM64 .pdata table. Unwind codes are
// not decoded, the entries only delimit functions.
type ARM64Function struct {
	Begin  uint32
	Length uint32
	Packed bool
}

func unwindCodeSlots(op UnwindOp, opInfo uint8) int {
	switch op {
	case UOpAllocLarge:
		if opInfo == 0 {
			return 2
		}
		return 3
	case UOpSaveNonvol, UOpSaveXMM128, UOpEpilog:
		return 2
	case UOpSaveNonvolFar, UOpSaveXMM128Far, UOpSpareCode:
		return 3
	default:
		return 1
	}
}

func (p *parser) parseExceptionDirectory() error {
	switch p.md.Machine {
	case MachineAMD64:
		return p.parseX64FunctionTable()
	case MachineARM64:
		return p.parseARM64FunctionTable()
	}
	return nil
}

func (p *parser) parseX64FunctionTable() error {
	dd, ok, err := p.directory(dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
	if !ok {
		return err
	}
	n := dd.Size / sizeofRuntimeFunction
	if n > maxDirectoryEntries {
		return badDirectory(dd.VirtualAddress, "too many function entries (%d)", n)
	}
	raw, err := p.readRVA(dd.VirtualAddress, n*sizeofRuntimeFunction, "exception directory")
	if err != nil {
		return err
	}
	infos := make(map[uint32]*unwindHeader)
	table := make(UnwindTable, 0, n)
	for i := uint32(0); i < n; i++ {
		b := raw[i*sizeofRuntimeFunction:]
		begin := binary.LittleEndian.Uint32(b)
		end := binary.LittleEndian.Uint32(b[4:])
		unwindRVA := binary.LittleEndian.Uint32(b[8:])
		if begin == 0 && end == 0 {
			continue
		}
		if end <= begin {
			return badDirectory(dd.VirtualAddress+i*sizeofRuntimeFunction, "function entry %d has end %#x before begin %#x", i, end, begin)
		}
		ui, err := p.unwindInfo(begin, end, unwindRVA, infos, 0)
		if err != nil {
			return err
		}
		table = append(table, ui)
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].Begin < table[j].Begin })
	p.md.Unwind = table
	return nil
}

// unwindHeader caches decoded UNWIND_INFO structures, which are often
// shared between function entries.
type unwindHeader struct {
	version, flags, prolog, frameReg uint8
	frameOff                         uint32
	codes                            []UnwindCode
	chained                          *UnwindInfo
	handler                          uint32
}

func (p *parser) unwindInfo(begin, end, unwindRVA uint32, cache map[uint32]*unwindHeader, depth int) (*UnwindInfo, error) {
	if depth > maxUnwindChain {
		return nil, badDirectory(unwindRVA, "unwind info chain too long")
	}
	if unwindRVA&1 != 0 {
		// the entry points to another RUNTIME_FUNCTION
		b, err := p.readRVA(unwindRVA&^1, sizeofRuntimeFunction, "indirect function entry")
		if err != nil {
			return nil, err
		}
		return p.unwindInfo(begin, end, binary.LittleEndian.Uint32(b[8:]), cache, depth+1)
	}
	h, ok := cache[unwindRVA]
	if !ok {
		var err error
		h, err = p.decodeUnwindInfo(unwindRVA, cache, depth)
		if err != nil {
			return nil, err
		}
		cache[unwindRVA] = h
	}
	return &UnwindInfo{
		Begin:         begin,
		End:           end,
		UnwindRVA:     unwindRVA,
		Version:       h.version,
		Flags:         h.flags,
		PrologSize:    h.prolog,
		FrameRegister: h.frameReg,
		FrameOffset:   h.frameOff,
		Codes:         h.codes,
		Chained:       h.chained,
		HandlerRVA:    h.handler,
	}, nil
}

func (p *parser) decodeUnwindInfo(rva uint32, cache map[uint32]*unwindHeader, depth int) (*unwindHeader, error) {
	hdr, err := p.readRVA(rva, 4, "unwind info")
	if err != nil {
		return nil, err
	}
	h := &unwindHeader{
		version:  hdr[0] & 0x7,
		flags:    hdr[0] >> 3,
		prolog:   hdr[1],
		frameReg: hdr[3] & 0xf,
		frameOff: uint32(hdr[3]>>4) * 16,
	}
	if h.version != 1 && h.version != 2 {
		return nil, badDirectory(rva, "unknown unwind info version %d", h.version)
	}
	count := uint32(hdr[2])
	slotsLen := count
	if slotsLen%2 != 0 {
		slotsLen++
	}
	var slots []byte
	if slotsLen > 0 {
		slots, err = p.readRVA(rva+4, slotsLen*2, "unwind codes")
		if err != nil {
			return nil, err
		}
	}
	slot := func(i uint32) uint16 {
		return binary.LittleEndian.Uint16(slots[i*2:])
	}
	for i := uint32(0); i < count; {
		s := slot(i)
		c := UnwindCode{
			CodeOffset: uint8(s),
			Op:         UnwindOp((s >> 8) & 0xf),
			OpInfo:     uint8(s >> 12),
		}
		if c.Op >= numUnwindOpValues {
			return nil, badDirectory(rva, "invalid unwind op %d", c.Op)
		}
		n := uint32(unwindCodeSlots(c.Op, c.OpInfo))
		if i+n > count {
			return nil, badDirectory(rva, "unwind code %s at slot %d overruns the code array", c.Op, i)
		}
		switch c.Op {
		case UOpAllocLarge:
			if c.OpInfo == 0 {
				c.Operand = uint32(slot(i+1)) * 8
			} else {
				c.Operand = uint32(slot(i+1)) | uint32(slot(i+2))<<16
			}
		case UOpSaveNonvol, UOpSaveXMM128:
			scale := uint32(8)
			if c.Op == UOpSaveXMM128 {
				scale = 16
			}
			c.Operand = uint32(slot(i+1)) * scale
		case UOpSaveNonvolFar, UOpSaveXMM128Far:
			c.Operand = uint32(slot(i+1)) | uint32(slot(i+2))<<16
		}
		h.codes = append(h.codes, c)
		i += n
	}

	tail := rva + 4 + slotsLen*2
	switch {
	case h.flags&UnwFlagChainInfo != 0:
		b, err := p.readRVA(tail, sizeofRuntimeFunction, "chained function entry")
		if err != nil {
			return nil, err
		}
		begin := binary.LittleEndian.Uint32(b)
		end := binary.LittleEndian.Uint32(b[4:])
		parent := binary.LittleEndian.Uint32(b[8:])
		if parent == rva {
			return nil, badDirectory(rva, "unwind info chained to itself")
		}
		h.chained, err = p.unwindInfo(begin, end, parent, cache, depth+1)
		if err != nil {
			return nil, err
		}
	case h.flags&(UnwFlagEHandler|UnwFlagUHandler) != 0:
		b, err := p.readRVA(tail, 4, "exception handler")
		if err != nil {
			return nil, err
		}
		h.handler = binary.LittleEndian.Uint32(b)
	}
	return h, nil
}

func (p *parser) parseARM64FunctionTable() error {
	dd, ok, err := p.directory(dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
	if !ok {
		return err
	}
	n := dd.Size / sizeofARM64PData
	if n > maxDirectoryEntries {
		return badDirectory(dd.VirtualAddress, "too many function entries (%d)", n)
	}
	raw, err := p.readRVA(dd.VirtualAddress, n*sizeofARM64PData, "exception directory")
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		b := raw[i*sizeofARM64PData:]
		fn := ARM64Function{Begin: binary.LittleEndian.Uint32(b)}
		data := binary.LittleEndian.Uint32(b[4:])
		if data&3 != 0 {
			fn.Packed = true
			fn.Length = ((data >> 2) & 0x7ff) * 4
		} else {
			x, err := p.readRVA(data, 4, "xdata header")
			if err != nil {
				return err
			}
			fn.Length = (binary.LittleEndian.Uint32(x) & 0x3ffff) * 4
		}
		p.md.ARM64 = append(p.md.ARM64, fn)
	}
	sort.Slice(p.md.ARM64, func(i, j int) bool { return p.md.ARM64[i].Begin < p.md.ARM64[j].Begin })
	return nil
}
