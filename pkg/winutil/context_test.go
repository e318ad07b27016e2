package winutil

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/symsnap/pkg/regnum"
	"github.com/go-delve/symsnap/pkg/unwind"
)

func TestContextSize(t *testing.T) {
	require.Equal(t, 1232, ContextSize(unwind.ArchAMD64))
	require.Equal(t, 716, ContextSize(unwind.ArchX86))
	require.Equal(t, 912, ContextSize(unwind.ArchARM64))
	require.Equal(t, 0, ContextSize(unwind.ArchUnknown))
}

func TestContextRoundTrip(t *testing.T) {
	amd64 := unwind.Context{Arch: unwind.ArchAMD64}
	for i := 0; i < regnum.AMD64NumRegs; i++ {
		amd64.Regs[i] = 0x1000_0000_0000 + uint64(i)
	}
	amd64.Regs[regnum.AMD64_Rflags] = 0x246

	x86 := unwind.Context{Arch: unwind.ArchX86}
	for i := 0; i < regnum.I386NumRegs; i++ {
		x86.Regs[i] = 0x401000 + uint64(i)*4
	}

	arm64 := unwind.Context{Arch: unwind.ArchARM64}
	for i := 0; i < regnum.ARM64NumRegs; i++ {
		arm64.Regs[i] = 0xffff_0000 + uint64(i)
	}

	for _, c := range []unwind.Context{amd64, x86, arm64} {
		t.Run(c.Arch.String(), func(t *testing.T) {
			b, err := EncodeContext(&c)
			require.NoError(t, err)
			require.Len(t, b, ContextSize(c.Arch))
			got, err := DecodeContext(c.Arch, b)
			require.NoError(t, err)
			require.Equal(t, c, got)
		})
	}
}

func TestDecodeContextLayout(t *testing.T) {
	// Offsets of Rsp and Rip in the x64 CONTEXT, Esp and Eip in the x86
	// one and Pc in the ARM64 one.
	b := make([]byte, 1232)
	binary.LittleEndian.PutUint64(b[0x98:], 0x7ff0)
	binary.LittleEndian.PutUint64(b[0xf8:], 0x140001000)
	c, err := DecodeContext(unwind.ArchAMD64, b)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7ff0), c.SP())
	require.Equal(t, uint64(0x140001000), c.PC())

	b = make([]byte, 716)
	binary.LittleEndian.PutUint32(b[0xb8:], 0x401234)
	binary.LittleEndian.PutUint32(b[0xc4:], 0x18ff00)
	c, err = DecodeContext(unwind.ArchX86, b)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401234), c.PC())
	require.Equal(t, uint64(0x18ff00), c.SP())

	b = make([]byte, 912)
	binary.LittleEndian.PutUint64(b[0x100:], 0x1000)
	binary.LittleEndian.PutUint64(b[0x108:], 0x7ff61000)
	c, err = DecodeContext(unwind.ArchARM64, b)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), c.SP())
	require.Equal(t, uint64(0x7ff61000), c.PC())
}

func TestDecodeContextErrors(t *testing.T) {
	_, err := DecodeContext(unwind.ArchAMD64, make([]byte, 100))
	require.Error(t, err)
	_, err = DecodeContext(unwind.ArchUnknown, make([]byte, 2000))
	require.Error(t, err)
	_, err = EncodeContext(&unwind.Context{})
	require.Error(t, err)
}

func TestRegisters(t *testing.T) {
	c := unwind.Context{Arch: unwind.ArchX86}
	c.SetPC(0x401000)
	c.SetSP(0x18ff00)
	regs := Registers(&c)
	require.Len(t, regs, regnum.I386NumRegs)
	require.Equal(t, Register{"Eip", 0x401000}, regs[0])
	require.Equal(t, Register{"Esp", 0x18ff00}, regs[1])
	require.Equal(t, "Eax", regs[2].Name)
}
