// Package unwind reconstructs call stacks from a register context and
// the memory of a target.
//
// The walker uses the x64 unwind tables of the modules the pc falls in,
// x86 FPO records, and frame pointer chains when nothing better is
// available. Functions inlined at a frame are reported as frames of their
// own before the frame they were inlined into.
package unwind

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/regnum"
	"github.com/go-delve/symsnap/pkg/symbols"
)

// Arch is the architecture of a register context.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchAMD64
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	}
	return fmt.Sprintf("Arch(%d)", uint8(a))
}

// PtrSize returns the pointer size of the architecture in bytes.
func (a Arch) PtrSize() int {
	if a == ArchX86 {
		return 4
	}
	return 8
}

// ArchForMachine returns the architecture of a PE machine type.
func ArchForMachine(machine uint16) Arch {
	switch machine {
	case pe.MachineI386:
		return ArchX86
	case pe.MachineAMD64:
		return ArchAMD64
	case pe.MachineARM64:
		return ArchARM64
	}
	return ArchUnknown
}

// Context is the register file of a thread or of a virtually unwound
// frame. Registers are indexed with the regnum constants of Arch; 32-bit
// registers are zero extended.
type Context struct {
	Arch Arch
	Regs [regnum.MaxRegs]uint64
}

// PCReg returns the register number of the program counter.
func (c *Context) PCReg() int {
	switch c.Arch {
	case ArchX86:
		return regnum.I386_Eip
	case ArchARM64:
		return regnum.ARM64_PC
	}
	return regnum.AMD64_Rip
}

func (c *Context) SPReg() int {
	switch c.Arch {
	case ArchX86:
		return regnum.I386_Esp
	case ArchARM64:
		return regnum.ARM64_SP
	}
	return regnum.AMD64_Rsp
}

func (c *Context) FPReg() int {
	switch c.Arch {
	case ArchX86:
		return regnum.I386_Ebp
	case ArchARM64:
		return regnum.ARM64_FP
	}
	return regnum.AMD64_Rbp
}

func (c *Context) PC() uint64 { return c.Regs[c.PCReg()] }
func (c *Context) SP() uint64 { return c.Regs[c.SPReg()] }
func (c *Context) FP() uint64 { return c.Regs[c.FPReg()] }

func (c *Context) SetPC(v uint64) { c.Regs[c.PCReg()] = v }
func (c *Context) SetSP(v uint64) { c.Regs[c.SPReg()] = v }
func (c *Context) SetFP(v uint64) { c.Regs[c.FPReg()] = v }

// NumRegs returns the number of registers of the architecture.
func (c *Context) NumRegs() int {
	switch c.Arch {
	case ArchX86:
		return regnum.I386NumRegs
	case ArchARM64:
		return regnum.ARM64NumRegs
	}
	return regnum.AMD64NumRegs
}

// RegName returns the name of register i.
func (c *Context) RegName(i int) string {
	switch c.Arch {
	case ArchX86:
		return regnum.I386ToName(i)
	case ArchARM64:
		return regnum.ARM64ToName(i)
	}
	return regnum.AMD64ToName(i)
}

// MemoryReader reads the memory of a target. Implementations return an
// error when fewer than n bytes are available at addr.
type MemoryReader interface {
	ReadMemory(addr uint64, n uint32) ([]byte, error)
}

// ReadError is a failed memory read.
type ReadError struct {
	Addr uint64
	Len  uint32
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Len, e.Addr, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ErrCorruption is the error of a walk that stopped with reason
// Corruption.
var ErrCorruption = errors.New("stack corruption")

func readMemory(mem MemoryReader, addr uint64, n uint32) ([]byte, error) {
	b, err := mem.ReadMemory(addr, n)
	if err == nil && uint32(len(b)) < n {
		err = fmt.Errorf("short read (%d bytes)", len(b))
	}
	if err != nil {
		var re *ReadError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, &ReadError{Addr: addr, Len: n, Err: err}
	}
	return b, nil
}

func readPtr(mem MemoryReader, addr uint64, ptrSize int) (uint64, error) {
	b, err := readMemory(mem, addr, uint32(ptrSize))
	if err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ModuleLookup maps a pc to the module containing it. The image is
// optional: without it the walker falls back to frame pointers.
type ModuleLookup interface {
	LookupImage(pc uint64) (base uint64, name string, img *pe.Metadata, ok bool)
}

// Symbolizer names the frames of a walk. Implementations must not load
// symbols, the walk only reports what is already known.
type Symbolizer interface {
	LookupSymbol(addr uint64) (symbols.SymbolInfo, bool)
	InlineFrames(addr uint64) []symbols.InlineFrame
}

// Method tells how the registers of a frame were recovered.
type Method uint8

const (
	// MethodContext is the first frame, its registers are the input context.
	MethodContext Method = iota
	MethodUnwindInfo
	MethodEpilog
	MethodLeaf
	MethodFPO
	MethodFramePointer
	MethodLinkRegister
	MethodInline
)

var methodNames = [...]string{"context", "unwind info", "epilog", "leaf", "fpo", "frame pointer", "link register", "inline"}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

// Frame is one frame of a call stack.
type Frame struct {
	PC uint64
	SP uint64
	FP uint64
	// ReturnAddress is the PC of the next frame, 0 for the outermost one.
	ReturnAddress uint64

	// Inline frames describe a function inlined at PC. They share PC, SP
	// and FP with the real frame that follows them.
	Inline        bool
	InlineContext uint32
	CallFile      string
	CallLine      int

	Module string
	Symbol *symbols.SymbolInfo
	Method Method
	// Context holds the registers recovered for a real frame.
	Context Context
}

// Name returns the function name of the frame or "?".
func (f *Frame) Name() string {
	if f.Symbol == nil {
		return "?"
	}
	return f.Symbol.String()
}

// Options configures a walk.
type Options struct {
	// MaxFrames bounds the number of frames, inline frames included.
	// Zero means DefaultMaxFrames.
	MaxFrames int
	// TolerateReadErrors ends a walk successfully when memory needed by
	// a frame pointer unwind cannot be read.
	TolerateReadErrors bool
	// Symbols names frames, optional.
	Symbols Symbolizer
}

const DefaultMaxFrames = 4096
