package unwind

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/regnum"
)

// unwindFPO unwinds an x86 frame described by an FPO record. It returns
// false when the record is missing or the function keeps a frame pointer,
// those frames are handled by the frame pointer chain.
//
// The return address sits above the locals and saved registers of the
// frame. Registers pushed by the prolog are restored from their slots
// when the prolog can be decoded, otherwise EBP is taken from the slot
// of the first push when the function uses it as a general register.
func (w *Walker) unwindFPO(base uint64, img *pe.Metadata) (Context, bool, error) {
	pc := w.cur.PC()
	rva := uint32(pc - base)
	if !w.first && rva > 0 {
		rva--
	}
	f, ok := img.FPOFor(rva)
	if !ok || (f.UseBP && f.SavedRegs == 0) {
		return Context{}, false, nil
	}
	esp := w.cur.SP()

	inProlog := w.first && rva-f.Start < uint32(f.Prolog)
	n := uint32(f.Prolog)
	if inProlog {
		n = rva - f.Start
	}
	var (
		pro     fpoProlog
		decoded = n == 0
	)
	if n > 0 {
		if code, err := w.mem.ReadMemory(base+uint64(f.Start), n); err == nil {
			pro, decoded = decodeFPOProlog(code)
		}
	}

	var entry uint64
	switch {
	case inProlog && decoded:
		entry = esp + pro.adjust
	case inProlog:
		// how much of the prolog ran is unknown
		return Context{}, false, nil
	default:
		entry = esp + uint64(f.Locals)*4 + uint64(f.SavedRegs)*4
	}

	ret, err := readPtr(w.mem, entry, 4)
	if err != nil {
		return Context{}, true, err
	}
	caller := w.cur
	switch {
	case decoded:
		for _, s := range pro.saved {
			v, err := readPtr(w.mem, entry-s.off, 4)
			if err != nil {
				return Context{}, true, err
			}
			caller.Regs[s.reg] = v
		}
	case f.UseBP:
		v, err := readPtr(w.mem, entry-4, 4)
		if err != nil {
			return Context{}, true, err
		}
		caller.SetFP(v)
	}
	caller.SetPC(ret)
	caller.SetSP(entry + 4)
	return caller, true, nil
}

type fpoSave struct {
	reg int
	off uint64 // below the stack pointer on entry
}

// fpoProlog is the effect of the prolog instructions of an FPO function.
type fpoProlog struct {
	adjust uint64 // bytes allocated below the stack pointer on entry
	saved  []fpoSave
}

// decodeFPOProlog decodes the pushes of registers and stack allocations
// in code. Instructions that do not touch the stack pointer are skipped,
// anything else makes it return false.
func decodeFPOProlog(code []byte) (fpoProlog, bool) {
	var p fpoProlog
	seen := map[int]bool{}
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 32)
		if err != nil {
			return fpoProlog{}, false
		}
		pos += inst.Len
		switch inst.Op {
		case x86asm.PUSH:
			r, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				return fpoProlog{}, false
			}
			reg, ok := gpr32(r)
			if !ok || reg == regnum.I386_Esp {
				return fpoProlog{}, false
			}
			p.adjust += 4
			if !seen[reg] {
				seen[reg] = true
				p.saved = append(p.saved, fpoSave{reg: reg, off: p.adjust})
			}
		case x86asm.SUB:
			imm, ok := inst.Args[1].(x86asm.Imm)
			if inst.Args[0] != x86asm.ESP || !ok || imm < 0 {
				return fpoProlog{}, false
			}
			p.adjust += uint64(imm)
		case x86asm.MOV, x86asm.LEA, x86asm.XOR:
			if inst.Args[0] == x86asm.ESP {
				return fpoProlog{}, false
			}
		default:
			return fpoProlog{}, false
		}
	}
	return p, true
}

func gpr32(r x86asm.Reg) (int, bool) {
	if r >= x86asm.EAX && r <= x86asm.EDI {
		return regnum.I386_Eax + int(r-x86asm.EAX), true
	}
	return 0, false
}
