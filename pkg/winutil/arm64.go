package winutil

import (
	"github.com/go-delve/symsnap/pkg/regnum"
	"github.com/go-delve/symsnap/pkg/unwind"
)

const (
	ARM64_MAX_BREAKPOINTS = 8
	ARM64_MAX_WATCHPOINTS = 2
)

// neon128 tracks the neon128 windows struct.
type neon128 struct {
	Low  uint64
	High int64
}

// ARM64CONTEXT tracks the _ARM64_NT_CONTEXT of windows.
type ARM64CONTEXT struct {
	ContextFlags   uint32
	Cpsr           uint32
	Regs           [31]uint64
	Sp             uint64
	Pc             uint64
	FloatRegisters [32]neon128
	Fpcr           uint32
	Fpsr           uint32
	Bcr            [ARM64_MAX_BREAKPOINTS]uint32
	Bvr            [ARM64_MAX_BREAKPOINTS]uint64
	Wcr            [ARM64_MAX_WATCHPOINTS]uint32
	Wvr            [ARM64_MAX_WATCHPOINTS]uint64
}

// UnwindContext returns the general purpose registers of ctx.
func (ctx *ARM64CONTEXT) UnwindContext() unwind.Context {
	c := unwind.Context{Arch: unwind.ArchARM64}
	copy(c.Regs[regnum.ARM64_X0:], ctx.Regs[:])
	c.Regs[regnum.ARM64_SP] = ctx.Sp
	c.Regs[regnum.ARM64_PC] = ctx.Pc
	return c
}

// SetUnwindContext stores the registers of c into ctx.
func (ctx *ARM64CONTEXT) SetUnwindContext(c *unwind.Context) {
	ctx.ContextFlags = contextARM64 | contextControl | contextInteger
	copy(ctx.Regs[:], c.Regs[regnum.ARM64_X0:regnum.ARM64_LR+1])
	ctx.Sp = c.Regs[regnum.ARM64_SP]
	ctx.Pc = c.Regs[regnum.ARM64_PC]
}
