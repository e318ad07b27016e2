// Package winutil decodes the CONTEXT records Windows uses to describe the
// registers of a thread, as found in thread lists and exception streams.
package winutil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/symsnap/pkg/unwind"
)

// Context flags saying which parts of a CONTEXT are valid.
const (
	contextAMD64 = 0x00100000
	contextX86   = 0x00010000
	contextARM64 = 0x00400000

	contextControl = 0x1
	contextInteger = 0x2
)

// ContextSize returns the size of the CONTEXT record of arch, zero for an
// unknown architecture.
func ContextSize(arch unwind.Arch) int {
	switch arch {
	case unwind.ArchAMD64:
		return binary.Size(AMD64CONTEXT{})
	case unwind.ArchX86:
		return binary.Size(X86CONTEXT{})
	case unwind.ArchARM64:
		return binary.Size(ARM64CONTEXT{})
	}
	return 0
}

// DecodeContext decodes the CONTEXT record of arch in b. Bytes past the
// end of the record are ignored, vendors append extended state there.
func DecodeContext(arch unwind.Arch, b []byte) (unwind.Context, error) {
	n := ContextSize(arch)
	if n == 0 {
		return unwind.Context{}, fmt.Errorf("unsupported architecture %s", arch)
	}
	if len(b) < n {
		return unwind.Context{}, fmt.Errorf("%s context too short: %d bytes, need %d", arch, len(b), n)
	}
	r := bytes.NewReader(b[:n])
	switch arch {
	case unwind.ArchAMD64:
		var ctx AMD64CONTEXT
		if err := binary.Read(r, binary.LittleEndian, &ctx); err != nil {
			return unwind.Context{}, err
		}
		return ctx.UnwindContext(), nil
	case unwind.ArchX86:
		var ctx X86CONTEXT
		if err := binary.Read(r, binary.LittleEndian, &ctx); err != nil {
			return unwind.Context{}, err
		}
		return ctx.UnwindContext(), nil
	default:
		var ctx ARM64CONTEXT
		if err := binary.Read(r, binary.LittleEndian, &ctx); err != nil {
			return unwind.Context{}, err
		}
		return ctx.UnwindContext(), nil
	}
}

// EncodeContext encodes c as a CONTEXT record with the control and
// integer parts valid.
func EncodeContext(c *unwind.Context) ([]byte, error) {
	var v any
	switch c.Arch {
	case unwind.ArchAMD64:
		ctx := new(AMD64CONTEXT)
		ctx.SetUnwindContext(c)
		v = ctx
	case unwind.ArchX86:
		ctx := new(X86CONTEXT)
		ctx.SetUnwindContext(c)
		v = ctx
	case unwind.ArchARM64:
		ctx := new(ARM64CONTEXT)
		ctx.SetUnwindContext(c)
		v = ctx
	default:
		return nil, fmt.Errorf("unsupported architecture %s", c.Arch)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Register is a named register value.
type Register struct {
	Name  string
	Value uint64
}

// Registers returns the registers of c in display order: program counter
// and stack pointer first.
func Registers(c *unwind.Context) []Register {
	n := c.NumRegs()
	out := make([]Register, 0, n)
	out = append(out, Register{c.RegName(c.PCReg()), c.PC()}, Register{c.RegName(c.SPReg()), c.SP()})
	for i := 0; i < n; i++ {
		if i == c.PCReg() || i == c.SPReg() {
			continue
		}
		out = append(out, Register{c.RegName(i), c.Regs[i]})
	}
	return out
}
