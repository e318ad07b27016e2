package winutil

import (
	"github.com/go-delve/symsnap/pkg/regnum"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// FLOATING_SAVE_AREA tracks the _FLOATING_SAVE_AREA windows struct.
type FLOATING_SAVE_AREA struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [80]byte
	Cr0NpxState   uint32
}

// X86CONTEXT tracks the 32-bit _CONTEXT of windows, as found in the
// snapshots of x86 processes.
type X86CONTEXT struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave FLOATING_SAVE_AREA

	SegGs uint32
	SegFs uint32
	SegEs uint32
	SegDs uint32

	Edi uint32
	Esi uint32
	Ebx uint32
	Edx uint32
	Ecx uint32
	Eax uint32

	Ebp    uint32
	Eip    uint32
	SegCs  uint32
	EFlags uint32
	Esp    uint32
	SegSs  uint32

	ExtendedRegisters [512]byte
}

// UnwindContext returns the integer registers of ctx zero extended to 64
// bits.
func (ctx *X86CONTEXT) UnwindContext() unwind.Context {
	c := unwind.Context{Arch: unwind.ArchX86}
	for i, p := range ctx.regs() {
		c.Regs[i] = uint64(*p)
	}
	return c
}

// SetUnwindContext stores the registers of c into ctx, truncating them to
// 32 bits.
func (ctx *X86CONTEXT) SetUnwindContext(c *unwind.Context) {
	ctx.ContextFlags = contextX86 | contextControl | contextInteger
	for i, p := range ctx.regs() {
		*p = uint32(c.Regs[i])
	}
}

func (ctx *X86CONTEXT) regs() [regnum.I386NumRegs]*uint32 {
	return [regnum.I386NumRegs]*uint32{
		regnum.I386_Eax:    &ctx.Eax,
		regnum.I386_Ecx:    &ctx.Ecx,
		regnum.I386_Edx:    &ctx.Edx,
		regnum.I386_Ebx:    &ctx.Ebx,
		regnum.I386_Esp:    &ctx.Esp,
		regnum.I386_Ebp:    &ctx.Ebp,
		regnum.I386_Esi:    &ctx.Esi,
		regnum.I386_Edi:    &ctx.Edi,
		regnum.I386_Eip:    &ctx.Eip,
		regnum.I386_Eflags: &ctx.EFlags,
	}
}
