package winutil

import (
	"github.com/go-delve/symsnap/pkg/regnum"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// M128A tracks the _M128A windows struct.
type M128A struct {
	Low  uint64
	High int64
}

// XMM_SAVE_AREA32 tracks the _XMM_SAVE_AREA32 windows struct.
type XMM_SAVE_AREA32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsr_Mask     uint32
	FloatRegisters [8]M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// AMD64CONTEXT tracks the _CONTEXT of windows.
type AMD64CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	// Rax through R15, in regnum order.
	Gpr [16]uint64

	Rip uint64

	FltSave XMM_SAVE_AREA32

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// UnwindContext returns the integer registers of ctx.
func (ctx *AMD64CONTEXT) UnwindContext() unwind.Context {
	c := unwind.Context{Arch: unwind.ArchAMD64}
	copy(c.Regs[regnum.AMD64_Rax:], ctx.Gpr[:])
	c.Regs[regnum.AMD64_Rip] = ctx.Rip
	c.Regs[regnum.AMD64_Rflags] = uint64(ctx.EFlags)
	return c
}

// SetUnwindContext stores the registers of c into ctx.
func (ctx *AMD64CONTEXT) SetUnwindContext(c *unwind.Context) {
	ctx.ContextFlags = contextAMD64 | contextControl | contextInteger
	copy(ctx.Gpr[:], c.Regs[regnum.AMD64_Rax:regnum.AMD64_R15+1])
	ctx.Rip = c.Regs[regnum.AMD64_Rip]
	ctx.EFlags = uint32(c.Regs[regnum.AMD64_Rflags])
}
