package unwind_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/pe/petest"
	"github.com/go-delve/symsnap/pkg/regnum"
	"github.com/go-delve/symsnap/pkg/symbols"
	"github.com/go-delve/symsnap/pkg/unwind"
)

var (
	_ unwind.ModuleLookup = (*symbols.Catalog)(nil)
	_ unwind.Symbolizer   = (*symbols.Catalog)(nil)
)

type region struct {
	addr uint64
	data []byte
}

// memory is a sparse little endian address space.
type memory struct {
	regions []*region
}

func (m *memory) ReadMemory(addr uint64, n uint32) ([]byte, error) {
	for _, r := range m.regions {
		if addr >= r.addr && addr+uint64(n) <= r.addr+uint64(len(r.data)) {
			off := addr - r.addr
			return append([]byte(nil), r.data[off:off+uint64(n)]...), nil
		}
	}
	return nil, fmt.Errorf("unmapped address %#x", addr)
}

func (m *memory) mapRegion(addr uint64, size int) *region {
	r := &region{addr: addr, data: make([]byte, size)}
	m.regions = append(m.regions, r)
	return r
}

func (m *memory) find(addr uint64) *region {
	for _, r := range m.regions {
		if addr >= r.addr && addr < r.addr+uint64(len(r.data)) {
			return r
		}
	}
	panic(fmt.Sprintf("unmapped %#x", addr))
}

func (m *memory) put64(addr, v uint64) {
	r := m.find(addr)
	binary.LittleEndian.PutUint64(r.data[addr-r.addr:], v)
}

func (m *memory) put32(addr uint64, v uint32) {
	r := m.find(addr)
	binary.LittleEndian.PutUint32(r.data[addr-r.addr:], v)
}

func (m *memory) write(addr uint64, b []byte) {
	r := m.find(addr)
	copy(r.data[addr-r.addr:], b)
}

type module struct {
	base uint64
	name string
	img  *pe.Metadata
}

type modules []module

func (ms modules) LookupImage(pc uint64) (uint64, string, *pe.Metadata, bool) {
	for _, m := range ms {
		if pc >= m.base && pc-m.base < uint64(m.img.SizeOfImage) {
			return m.base, m.name, m.img, true
		}
	}
	return 0, "", nil, false
}

type symbolizer struct {
	base    uint64
	funcs   []symbols.Symbol
	inlines map[uint64][]symbols.InlineFrame
}

func (s *symbolizer) LookupSymbol(addr uint64) (symbols.SymbolInfo, bool) {
	for _, f := range s.funcs {
		start := s.base + uint64(f.RVA)
		if addr >= start && addr < start+uint64(f.Size) {
			return symbols.SymbolInfo{Symbol: f, Address: start, Module: "app", ModuleBase: s.base, Displacement: addr - start}, true
		}
	}
	return symbols.SymbolInfo{}, false
}

func (s *symbolizer) InlineFrames(addr uint64) []symbols.InlineFrame {
	return s.inlines[addr]
}

const (
	imageBase uint64 = 0x140000000
	stackBase        = 0x7000
)

func amd64Image(t *testing.T) *pe.Metadata {
	img := &petest.Image{
		Machine:   pe.MachineAMD64,
		ImageBase: imageBase,
		TextSize:  0x800,
		Functions: []petest.Function{
			{
				// push rbx; push rsi; sub rsp, 28h
				Begin: 0x1000, End: 0x1080, Prolog: 0xa,
				Codes: petest.Codes(
					petest.AllocSmall(0xa, 0x28),
					petest.PushNonvol(0x6, regnum.AMD64_Rsi),
					petest.PushNonvol(0x1, regnum.AMD64_Rbx),
				),
			},
			{
				// push rbp; mov rbp, rsp; sub rsp, 20h
				Begin: 0x1100, End: 0x1200, Prolog: 0x8, FrameReg: regnum.AMD64_Rbp,
				Codes: petest.Codes(
					petest.AllocSmall(0x8, 0x20),
					petest.SetFPReg(0x4),
					petest.PushNonvol(0x1, regnum.AMD64_Rbp),
				),
			},
			{
				// sub rsp, 28h
				Begin: 0x1200, End: 0x1280, Prolog: 0x4,
				Codes: petest.AllocSmall(0x4, 0x28),
			},
			{
				// push rbx; sub rsp, 28h
				Begin: 0x1300, End: 0x1340, Prolog: 0x5,
				Codes: petest.Codes(
					petest.AllocSmall(0x5, 0x28),
					petest.PushNonvol(0x1, regnum.AMD64_Rbx),
				),
			},
			{
				// sub rsp, 40h; mov [rsp+20h], rdi
				Begin: 0x1400, End: 0x1440, Prolog: 0x9,
				Codes: petest.Codes(
					petest.SaveNonvol(0x9, regnum.AMD64_Rdi, 0x20),
					petest.AllocSmall(0x4, 0x40),
				),
			},
			{
				// interrupt handler
				Begin: 0x1500, End: 0x1540,
				Codes: petest.PushMachFrame(0, true),
			},
		},
	}
	md, err := pe.ParseBytes(img.Build(pe.MappedLayout), pe.MappedLayout)
	require.NoError(t, err)
	return md
}

func amd64Context(rip, rsp, rbp uint64) unwind.Context {
	ctx := unwind.Context{Arch: unwind.ArchAMD64}
	ctx.Regs[regnum.AMD64_Rip] = rip
	ctx.Regs[regnum.AMD64_Rsp] = rsp
	ctx.Regs[regnum.AMD64_Rbp] = rbp
	return ctx
}

func checkContinuity(t *testing.T, frames []unwind.Frame) {
	for i := 0; i+1 < len(frames); i++ {
		require.Equal(t, frames[i].ReturnAddress, frames[i+1].PC, "frame %d", i)
	}
}

func TestWalkAMD64UnwindInfo(t *testing.T) {
	mods := modules{{base: imageBase, name: "app", img: amd64Image(t)}}
	mem := &memory{}
	mem.mapRegion(stackBase, 0x1000)

	// frame 0 in the first function, frame 1 in the second, frame 2 in the third
	mem.put64(0x7128, 0x5151) // saved rsi
	mem.put64(0x7130, 0xb0b0) // saved rbx
	mem.put64(0x7138, imageBase+0x1150)
	mem.put64(0x7160, 0x7300) // saved rbp
	mem.put64(0x7168, imageBase+0x1220)
	mem.put64(0x7198, 0)

	sym := &symbolizer{
		base: imageBase,
		funcs: []symbols.Symbol{
			{Name: "leaf", RVA: 0x1000, Size: 0x80},
			{Name: "middle", RVA: 0x1100, Size: 0x100},
			{Name: "root", RVA: 0x1200, Size: 0x80},
		},
		inlines: map[uint64][]symbols.InlineFrame{
			imageBase + 0x114f: {
				{Name: "inner", Depth: 1, Context: 2},
				{Name: "outer", Depth: 0, Context: 1},
			},
		},
	}

	ctx := amd64Context(imageBase+0x1040, 0x7100, 0x7160)
	ctx.Regs[regnum.AMD64_Rbx] = 1
	ctx.Regs[regnum.AMD64_Rsi] = 2

	w := unwind.Begin(ctx, mem, mods, unwind.Options{Symbols: sym})
	require.Equal(t, unwind.Init, w.State())
	var frames []unwind.Frame
	for {
		f, ok := w.Step()
		if !ok {
			break
		}
		require.Equal(t, unwind.Walking, w.State())
		frames = append(frames, f)
	}
	require.Equal(t, unwind.Terminated, w.State())
	require.Equal(t, unwind.Success, w.Reason())
	require.NoError(t, w.Err())

	require.Len(t, frames, 5)
	checkContinuity(t, frames)

	require.Equal(t, imageBase+0x1040, frames[0].PC)
	require.Equal(t, uint64(0x7100), frames[0].SP)
	require.Equal(t, unwind.MethodContext, frames[0].Method)
	require.Equal(t, "app!leaf+0x40", frames[0].Name())
	require.Equal(t, "app", frames[0].Module)

	for i, name := range []string{"inner", "outer"} {
		f := frames[1+i]
		require.True(t, f.Inline)
		require.Equal(t, uint32(2-i), f.InlineContext)
		require.Equal(t, name, f.Symbol.Name)
		require.Equal(t, imageBase+0x1150, f.PC)
		require.Equal(t, uint64(0x7140), f.SP)
		require.Equal(t, f.PC, f.ReturnAddress)
	}

	f := frames[3]
	require.False(t, f.Inline)
	require.Equal(t, imageBase+0x1150, f.PC)
	require.Equal(t, uint64(0x7140), f.SP)
	require.Equal(t, uint64(0x7160), f.FP)
	require.Equal(t, unwind.MethodUnwindInfo, f.Method)
	require.Equal(t, "app!middle+0x50", f.Name())
	require.Equal(t, uint64(0xb0b0), f.Context.Regs[regnum.AMD64_Rbx])
	require.Equal(t, uint64(0x5151), f.Context.Regs[regnum.AMD64_Rsi])

	f = frames[4]
	require.Equal(t, imageBase+0x1220, f.PC)
	require.Equal(t, uint64(0x7170), f.SP)
	require.Equal(t, uint64(0x7300), f.FP)
	require.Equal(t, "app!root+0x20", f.Name())
	require.Zero(t, f.ReturnAddress)
}

func TestWalkAMD64Epilog(t *testing.T) {
	mods := modules{{base: imageBase, name: "app", img: amd64Image(t)}}
	epilog := []byte{0x48, 0x83, 0xc4, 0x28, 0x5b, 0xc3}

	tests := []struct {
		name string
		pc   uint64
		rsp  uint64
	}{
		{"at add", imageBase + 0x1330, 0x7400},
		{"at pop", imageBase + 0x1334, 0x7428},
		{"at ret", imageBase + 0x1335, 0x7430},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := &memory{}
			mem.mapRegion(stackBase, 0x1000)
			mem.mapRegion(imageBase+0x1330, 0x40)
			mem.write(imageBase+0x1330, epilog)
			mem.put64(0x7428, 0x1234) // saved rbx
			mem.put64(0x7430, imageBase+0x1220)
			mem.put64(0x7460, 0)

			ctx := amd64Context(tc.pc, tc.rsp, 0)
			ctx.Regs[regnum.AMD64_Rbx] = 0x1234
			frames, reason, err := unwind.Walk(ctx, mem, mods, unwind.Options{})
			require.NoError(t, err)
			require.Equal(t, unwind.Success, reason)
			require.Len(t, frames, 2)
			checkContinuity(t, frames)
			require.Equal(t, unwind.MethodEpilog, frames[1].Method)
			require.Equal(t, uint64(0x7438), frames[1].SP)
			require.Equal(t, uint64(0x1234), frames[1].Context.Regs[regnum.AMD64_Rbx])
		})
	}
}

func TestWalkAMD64Prolog(t *testing.T) {
	mods := modules{{base: imageBase, name: "app", img: amd64Image(t)}}
	mem := &memory{}
	mem.mapRegion(stackBase, 0x1000)

	// after sub rsp, 40h but before rdi was saved
	mem.put64(0x7140, imageBase+0x1220)
	mem.put64(0x7120, 0xdead)
	mem.put64(0x7170, 0)
	ctx := amd64Context(imageBase+0x1405, 0x7100, 0)
	ctx.Regs[regnum.AMD64_Rdi] = 7
	frames, reason, err := unwind.Walk(ctx, mem, mods, unwind.Options{})
	require.NoError(t, err)
	require.Equal(t, unwind.Success, reason)
	require.Len(t, frames, 2)
	require.Equal(t, uint64(7), frames[1].Context.Regs[regnum.AMD64_Rdi])
	require.Equal(t, uint64(0x7148), frames[1].SP)

	// in the body rdi is restored from its save slot
	ctx.SetPC(imageBase + 0x1420)
	frames, _, err = unwind.Walk(ctx, mem, mods, unwind.Options{})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, uint64(0xdead), frames[1].Context.Regs[regnum.AMD64_Rdi])

	// at the entry point nothing happened yet
	mem.put64(0x7100, imageBase+0x1220)
	mem.put64(0x7130, 0)
	ctx.SetPC(imageBase + 0x1400)
	frames, _, err = unwind.Walk(ctx, mem, mods, unwind.Options{})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, uint64(0x7108), frames[1].SP)
	require.Equal(t, uint64(7), frames[1].Context.Regs[regnum.AMD64_Rdi])
}

func TestWalkAMD64LeafAndMachineFrame(t *testing.T) {
	mods := modules{{base: imageBase, name: "app", img: amd64Image(t)}}
	mem := &memory{}
	mem.mapRegion(stackBase, 0x1000)

	// a leaf without unwind info, called from the interrupt handler
	mem.put64(0x7100, imageBase+0x1510)
	// error code, then RIP, CS, EFLAGS, RSP, SS
	mem.put64(0x7108, 0xe)
	mem.put64(0x7110, imageBase+0x1220)
	mem.put64(0x7128, 0x7200)
	mem.put64(0x7228, 0)

	frames, reason, err := unwind.Walk(amd64Context(imageBase+0x1090, 0x7100, 0), mem, mods, unwind.Options{})
	require.NoError(t, err)
	require.Equal(t, unwind.Success, reason)
	require.Len(t, frames, 3)
	checkContinuity(t, frames)
	require.Equal(t, unwind.MethodLeaf, frames[1].Method)
	require.Equal(t, uint64(0x7108), frames[1].SP)
	require.Equal(t, imageBase+0x1220, frames[2].PC)
	require.Equal(t, uint64(0x7200), frames[2].SP)
}

// fpStack builds a chain of n frame pointer frames starting at stackBase.
func fpStack(mem *memory, n int) unwind.Context {
	for i := 0; i < n; i++ {
		fp := uint64(stackBase + 0x10*i)
		next := fp + 0x10
		ret := uint64(0x401000 + i*0x10)
		if i == n-1 {
			next, ret = 0, 0
		}
		mem.put64(fp, next)
		mem.put64(fp+8, ret)
	}
	return amd64Context(0x400000, stackBase-0x20, stackBase)
}

func TestWalkFramePointer(t *testing.T) {
	mem := &memory{}
	mem.mapRegion(stackBase, 0x1000)
	ctx := fpStack(mem, 50)

	frames, reason, err := unwind.Walk(ctx, mem, nil, unwind.Options{})
	require.NoError(t, err)
	require.Equal(t, unwind.Success, reason)
	require.Len(t, frames, 50)
	checkContinuity(t, frames)
	for i, f := range frames[1:] {
		require.Equal(t, unwind.MethodFramePointer, f.Method)
		require.Equal(t, uint64(0x401000+i*0x10), f.PC)
		require.Greater(t, f.SP, frames[i].SP)
		require.Equal(t, "?", f.Name())
	}

	frames, reason, err = unwind.Walk(ctx, mem, nil, unwind.Options{MaxFrames: 5})
	require.NoError(t, err)
	require.Equal(t, unwind.MaxFramesReached, reason)
	require.Len(t, frames, 5)
}

func TestWalkFramePointerCycle(t *testing.T) {
	mem := &memory{}
	mem.mapRegion(stackBase, 0x1000)
	mem.put64(stackBase, stackBase)
	mem.put64(stackBase+8, 0x401000)

	frames, reason, err := unwind.Walk(amd64Context(0x400000, stackBase-0x20, stackBase), mem, nil, unwind.Options{})
	require.Equal(t, unwind.Corruption, reason)
	require.True(t, errors.Is(err, unwind.ErrCorruption))
	require.Len(t, frames, 2)
}

func TestWalkReadFailure(t *testing.T) {
	mem := &memory{}
	mem.mapRegion(stackBase, 0x1000)
	mem.put64(stackBase, 0x9000) // unmapped
	mem.put64(stackBase+8, 0x401000)
	ctx := amd64Context(0x400000, stackBase-0x20, stackBase)

	frames, reason, err := unwind.Walk(ctx, mem, nil, unwind.Options{})
	require.Equal(t, unwind.MemoryReadFailure, reason)
	var re *unwind.ReadError
	require.True(t, errors.As(err, &re))
	require.Equal(t, uint64(0x9000), re.Addr)
	require.Len(t, frames, 2)
	require.Zero(t, frames[1].ReturnAddress)

	frames, reason, err = unwind.Walk(ctx, mem, nil, unwind.Options{TolerateReadErrors: true})
	require.NoError(t, err)
	require.Equal(t, unwind.Success, reason)
	require.Len(t, frames, 2)

	// the first frame is always reported
	frames, reason, _ = unwind.Walk(amd64Context(0x400000, 0x100, 0x9000), mem, nil, unwind.Options{})
	require.Equal(t, unwind.MemoryReadFailure, reason)
	require.Len(t, frames, 1)
}

func TestWalkX86FPO(t *testing.T) {
	img := &petest.Image{
		Machine:   pe.MachineI386,
		ImageBase: 0x400000,
		TextSize:  0x800,
		FPO: []pe.FPOData{
			{Start: 0x1000, Size: 0x40, Locals: 2, Params: 1, Prolog: 3, SavedRegs: 1},
			{Start: 0x1100, Size: 0x40, UseBP: true},
		},
	}
	md, err := pe.ParseBytes(img.Build(pe.MappedLayout), pe.MappedLayout)
	require.NoError(t, err)
	mods := modules{{base: 0x400000, name: "old", img: md}}

	mem := &memory{}
	mem.mapRegion(0x5000, 0x1000)
	mem.put32(0x500c, 0x401110) // return into the frame pointer function
	mem.put32(0x5100, 0)        // outermost saved ebp
	mem.put32(0x5104, 0x401234)

	ctx := unwind.Context{Arch: unwind.ArchX86}
	ctx.Regs[regnum.I386_Eip] = 0x401010
	ctx.Regs[regnum.I386_Esp] = 0x5000
	ctx.Regs[regnum.I386_Ebp] = 0x5100

	frames, reason, err := unwind.Walk(ctx, mem, mods, unwind.Options{})
	require.NoError(t, err)
	require.Equal(t, unwind.Success, reason)
	require.Len(t, frames, 3)
	checkContinuity(t, frames)
	require.Equal(t, unwind.MethodFPO, frames[1].Method)
	require.Equal(t, uint64(0x5010), frames[1].SP)
	require.Equal(t, unwind.MethodFramePointer, frames[2].Method)
	require.Equal(t, uint64(0x5108), frames[2].SP)
	require.Equal(t, uint64(0x401234), frames[2].PC)
}

func TestWalkX86FPOSavedRegisters(t *testing.T) {
	img := &petest.Image{
		Machine:   pe.MachineI386,
		ImageBase: 0x400000,
		TextSize:  0x800,
		FPO: []pe.FPOData{
			{Start: 0x1100, Size: 0x40, UseBP: true},
			// push ebp; push esi; sub esp, 4
			{Start: 0x1200, Size: 0x40, Locals: 1, Prolog: 5, SavedRegs: 2, UseBP: true},
		},
	}
	md, err := pe.ParseBytes(img.Build(pe.MappedLayout), pe.MappedLayout)
	require.NoError(t, err)
	mods := modules{{base: 0x400000, name: "old", img: md}}

	newMemory := func(withCode bool) *memory {
		mem := &memory{}
		mem.mapRegion(0x5000, 0x1000)
		if withCode {
			mem.mapRegion(0x401000, 0x1000)
			mem.write(0x401200, []byte{0x55, 0x56, 0x83, 0xec, 0x04})
		}
		mem.put32(0x5020, 0x401110) // return address, the stack pointer on entry is 0x5020
		mem.put32(0x501c, 0x5100)   // saved ebp
		mem.put32(0x5018, 0x1234)   // saved esi
		mem.put32(0x5100, 0)
		mem.put32(0x5104, 0x401234)
		return mem
	}

	tests := []struct {
		name     string
		withCode bool
		pc, sp   uint64
		esi      uint64
	}{
		{"body", true, 0x401210, 0x5014, 0x1234},
		{"body without code", false, 0x401210, 0x5014, 0xe5e5},
		{"after push ebp", true, 0x401201, 0x501c, 0xe5e5},
		{"after push esi", true, 0x401202, 0x5018, 0x1234},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := unwind.Context{Arch: unwind.ArchX86}
			ctx.Regs[regnum.I386_Eip] = tc.pc
			ctx.Regs[regnum.I386_Esp] = tc.sp
			ctx.Regs[regnum.I386_Ebp] = 0xdead // used as a general register
			ctx.Regs[regnum.I386_Esi] = 0xe5e5

			frames, reason, err := unwind.Walk(ctx, newMemory(tc.withCode), mods, unwind.Options{})
			require.NoError(t, err)
			require.Equal(t, unwind.Success, reason)
			require.Len(t, frames, 3)
			checkContinuity(t, frames)
			require.Equal(t, unwind.MethodFPO, frames[1].Method)
			require.Equal(t, uint64(0x5024), frames[1].SP)
			require.Equal(t, uint64(0x5100), frames[1].Context.Regs[regnum.I386_Ebp])
			require.Equal(t, tc.esi, frames[1].Context.Regs[regnum.I386_Esi])
			require.Equal(t, unwind.MethodFramePointer, frames[2].Method)
			require.Equal(t, uint64(0x401234), frames[2].PC)
		})
	}
}

func TestWalkARM64(t *testing.T) {
	md := &pe.Metadata{
		Machine:     pe.MachineARM64,
		SizeOfImage: 0x2000,
		ARM64:       []pe.ARM64Function{{Begin: 0x1000, Length: 0x40, Packed: true}},
	}
	mods := modules{{base: 0x10000, name: "arm", img: md}}
	mem := &memory{}
	mem.mapRegion(stackBase, 0x1000)
	mem.put64(stackBase, 0)
	mem.put64(stackBase+8, 0x10400)

	ctx := unwind.Context{Arch: unwind.ArchARM64}
	ctx.Regs[regnum.ARM64_PC] = 0x11000
	ctx.Regs[regnum.ARM64_SP] = stackBase - 0x40
	ctx.Regs[regnum.ARM64_FP] = stackBase
	ctx.Regs[regnum.ARM64_LR] = 0x10800

	frames, reason, err := unwind.Walk(ctx, mem, mods, unwind.Options{})
	require.NoError(t, err)
	require.Equal(t, unwind.Success, reason)
	require.Len(t, frames, 3)
	checkContinuity(t, frames)
	require.Equal(t, unwind.MethodLinkRegister, frames[1].Method)
	require.Equal(t, uint64(0x10800), frames[1].PC)
	require.Equal(t, frames[0].SP, frames[1].SP)
	require.Equal(t, uint64(0x10400), frames[2].PC)
	require.Equal(t, uint64(stackBase+0x10), frames[2].SP)
}
