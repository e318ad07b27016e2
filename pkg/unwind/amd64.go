package unwind

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/regnum"
)

// Longest instruction sequence read when looking for an epilog.
const maxEpilogBytes = 64

func (w *Walker) unwindAMD64(base uint64, img *pe.Metadata) (Context, Method, error) {
	pc := w.cur.PC()
	rva := uint32(pc - base)
	lookup := rva
	if !w.first && lookup > 0 {
		lookup--
	}
	fn, err := img.Unwind.Lookup(lookup)
	if err != nil {
		// Functions without unwind info are leaves: they neither touch
		// the stack pointer nor save registers.
		caller, err := popReturn(w.mem, w.cur)
		return caller, MethodLeaf, err
	}
	if w.first {
		if caller, ok, err := w.unwindEpilog(); ok {
			return caller, MethodEpilog, err
		}
	}
	caller, err := w.virtualUnwind(fn, rva)
	return caller, MethodUnwindInfo, err
}

// popReturn pops the return address at the top of the stack of c.
func popReturn(mem MemoryReader, c Context) (Context, error) {
	rsp := c.Regs[regnum.AMD64_Rsp]
	ret, err := readPtr(mem, rsp, 8)
	if err != nil {
		return Context{}, err
	}
	c.Regs[regnum.AMD64_Rip] = ret
	c.Regs[regnum.AMD64_Rsp] = rsp + 8
	return c, nil
}

// virtualUnwind undoes the effects of the prolog of fn that executed
// before the instruction at rva, then pops the return address.
func (w *Walker) virtualUnwind(fn *pe.UnwindInfo, rva uint32) (Context, error) {
	c := w.cur
	regs := &c.Regs
	depth := 0
	for info := fn; info != nil; info = info.Chained {
		if depth > 32 {
			return Context{}, fmt.Errorf("%w: unwind info chain too long at %#x", ErrCorruption, fn.Begin)
		}
		// the prolog of a chained parent has completed entirely
		chained := depth > 0
		depth++
		off := rva - info.Begin

		frameBase := regs[regnum.AMD64_Rsp]
		if info.FrameRegister != 0 && (chained || off >= uint32(info.PrologSize) || fpregEstablished(info, off)) {
			frameBase = regs[info.FrameRegister] - uint64(info.FrameOffset)
		}

		for _, code := range info.Codes {
			if !chained && uint32(code.CodeOffset) > off {
				continue
			}
			switch code.Op {
			case pe.UOpPushNonvol:
				v, err := readPtr(w.mem, regs[regnum.AMD64_Rsp], 8)
				if err != nil {
					return Context{}, err
				}
				regs[code.OpInfo] = v
				regs[regnum.AMD64_Rsp] += 8
			case pe.UOpAllocSmall, pe.UOpAllocLarge:
				regs[regnum.AMD64_Rsp] += uint64(code.AllocSize())
			case pe.UOpSetFPReg:
				regs[regnum.AMD64_Rsp] = regs[info.FrameRegister] - uint64(info.FrameOffset)
			case pe.UOpSaveNonvol, pe.UOpSaveNonvolFar:
				v, err := readPtr(w.mem, frameBase+uint64(code.Operand), 8)
				if err != nil {
					return Context{}, err
				}
				regs[code.OpInfo] = v
			case pe.UOpPushMachFrame:
				// the frame pushed by the processor on an interrupt or
				// exception: RIP, CS, EFLAGS, old RSP, SS, optionally
				// preceded by an error code
				rsp := regs[regnum.AMD64_Rsp]
				if code.OpInfo != 0 {
					rsp += 8
				}
				rip, err := readPtr(w.mem, rsp, 8)
				if err != nil {
					return Context{}, err
				}
				oldRsp, err := readPtr(w.mem, rsp+24, 8)
				if err != nil {
					return Context{}, err
				}
				regs[regnum.AMD64_Rip] = rip
				regs[regnum.AMD64_Rsp] = oldRsp
				return c, nil
			}
			// XMM saves and epilog descriptors do not affect integer registers
		}
	}
	return popReturn(w.mem, c)
}

// fpregEstablished reports whether the SET_FPREG code of info executed
// before prolog offset off.
func fpregEstablished(info *pe.UnwindInfo, off uint32) bool {
	for _, code := range info.Codes {
		if code.Op == pe.UOpSetFPReg && uint32(code.CodeOffset) <= off {
			return true
		}
	}
	return false
}

type epilogOp struct {
	kind int // epilogAdd, epilogLea, epilogPop or epilogRet
	reg  int
	imm  uint64
}

const (
	epilogAdd = iota
	epilogLea
	epilogPop
	epilogRet
)

// decodeEpilog decodes code as an x64 epilog: an optional stack pointer
// adjustment (add rsp, imm or lea rsp, [reg+disp]), any number of pops of
// 64-bit registers and a ret. It returns false when code does not start
// with such a sequence.
func decodeEpilog(code []byte) ([]epilogOp, bool) {
	var ops []epilogOp
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			return nil, false
		}
		pos += inst.Len
		switch inst.Op {
		case x86asm.ADD:
			imm, ok := inst.Args[1].(x86asm.Imm)
			if len(ops) != 0 || inst.Args[0] != x86asm.RSP || !ok || imm < 0 {
				return nil, false
			}
			ops = append(ops, epilogOp{kind: epilogAdd, imm: uint64(imm)})
		case x86asm.LEA:
			mem, ok := inst.Args[1].(x86asm.Mem)
			if len(ops) != 0 || inst.Args[0] != x86asm.RSP || !ok || mem.Index != 0 || mem.Segment != 0 {
				return nil, false
			}
			reg, ok := gpr64(mem.Base)
			if !ok {
				return nil, false
			}
			ops = append(ops, epilogOp{kind: epilogLea, reg: reg, imm: uint64(mem.Disp)})
		case x86asm.POP:
			r, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				return nil, false
			}
			reg, ok := gpr64(r)
			if !ok {
				return nil, false
			}
			ops = append(ops, epilogOp{kind: epilogPop, reg: reg})
		case x86asm.RET:
			op := epilogOp{kind: epilogRet}
			if imm, ok := inst.Args[0].(x86asm.Imm); ok {
				op.imm = uint64(imm)
			}
			return append(ops, op), true
		default:
			return nil, false
		}
	}
	return nil, false
}

func gpr64(r x86asm.Reg) (int, bool) {
	if r >= x86asm.RAX && r <= x86asm.R15 {
		return regnum.AMD64_Rax + int(r-x86asm.RAX), true
	}
	return 0, false
}

// unwindEpilog emulates the rest of the epilog when the pc of the first
// frame is inside one. The prolog codes do not describe the state of a
// frame that already started tearing itself down.
func (w *Walker) unwindEpilog() (Context, bool, error) {
	pc := w.cur.PC()
	var code []byte
	for _, n := range []uint32{maxEpilogBytes, 16} {
		if b, err := w.mem.ReadMemory(pc, n); err == nil {
			code = b
			break
		}
	}
	if code == nil {
		return Context{}, false, nil
	}
	ops, ok := decodeEpilog(code)
	if !ok {
		return Context{}, false, nil
	}
	c := w.cur
	regs := &c.Regs
	for _, op := range ops {
		switch op.kind {
		case epilogAdd:
			regs[regnum.AMD64_Rsp] += op.imm
		case epilogLea:
			regs[regnum.AMD64_Rsp] = regs[op.reg] + op.imm
		case epilogPop:
			v, err := readPtr(w.mem, regs[regnum.AMD64_Rsp], 8)
			if err != nil {
				return Context{}, true, err
			}
			regs[op.reg] = v
			regs[regnum.AMD64_Rsp] += 8
		case epilogRet:
			caller, err := popReturn(w.mem, c)
			if err != nil {
				return Context{}, true, err
			}
			caller.Regs[regnum.AMD64_Rsp] += op.imm
			return caller, true, nil
		}
	}
	return Context{}, false, nil
}
