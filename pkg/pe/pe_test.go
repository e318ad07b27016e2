package pe_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/pe/petest"
	"github.com/go-delve/symsnap/pkg/regnum"
)

var testGUID = [16]byte{0xe0, 0x04, 0x25, 0x3f, 0x89, 0x4f, 0xd3, 0x11, 0x9a, 0x0c, 0x03, 0x05, 0xe8, 0x2c, 0x33, 0x01}

func amd64Image() *petest.Image {
	return &petest.Image{
		Machine:       pe.MachineAMD64,
		ImageBase:     0x140000000,
		TimeDateStamp: 0x5f000000,
		CheckSum:      0x1234,
		TextSize:      0x800,
		CodeView:      petest.RSDS(testGUID, 2, `C:\build\app.pdb`),
		Functions: []petest.Function{
			{
				Begin: 0x1000, End: 0x1080, Prolog: 0xa,
				Codes: petest.Codes(
					petest.AllocSmall(0xa, 0x28),
					petest.PushNonvol(0x6, regnum.AMD64_Rsi),
					petest.PushNonvol(0x1, regnum.AMD64_Rbx),
				),
			},
			{
				Begin: 0x1100, End: 0x1200, Prolog: 0x10, FrameReg: regnum.AMD64_Rbp, FrameOffset: 2,
				Codes: petest.Codes(
					petest.SaveNonvol(0x10, regnum.AMD64_Rdi, 0x48),
					petest.SetFPReg(0xb),
					petest.AllocLarge(0x6, 0x1000),
					petest.PushNonvol(0x1, regnum.AMD64_Rbp),
				),
				Handler: 0x1300,
			},
			{Begin: 0x1200, End: 0x1240, Chain: 2},
		},
		DLLName: "app.dll",
		Exports: []petest.Export{
			{Name: "Start", RVA: 0x1000},
			{Name: "Run", RVA: 0x1100},
		},
		SecurityCookie: 0x2b992ddfa232,
	}
}

func TestParseHeadersAndDebugID(t *testing.T) {
	for _, layout := range []pe.Layout{pe.FileLayout, pe.MappedLayout} {
		t.Run(layout.String(), func(t *testing.T) {
			img := amd64Image()
			md, err := pe.ParseBytes(img.Build(layout), layout)
			require.NoError(t, err)

			require.Equal(t, uint16(pe.MachineAMD64), md.Machine)
			require.True(t, md.Is64())
			require.Equal(t, 8, md.PtrSize())
			require.Equal(t, img.ImageBase, md.ImageBase)
			require.Equal(t, img.TimeDateStamp, md.TimeDateStamp)
			require.Equal(t, img.CheckSum, md.CheckSum)
			require.Len(t, md.Sections, 2)
			require.Equal(t, ".text", md.Sections[0].Name)
			require.Equal(t, uint32(0x1000), md.Sections[0].VirtualAddress)
			require.Equal(t, uint32(0x800), md.Sections[0].VirtualSize)
			require.Equal(t, ".rdata", md.Sections[1].Name)
			require.Equal(t, ".text", md.Section(0x1010).Name)
			require.Nil(t, md.Section(0x10))

			id, ok := md.DebugID()
			require.True(t, ok)
			require.Equal(t, "3F2504E04F8911D39A0C0305E82C33012", id.String())
			require.Equal(t, `C:\build\app.pdb`, md.CodeView.PDBPath)
			require.Equal(t, "app.pdb", md.CodeView.PDBName())

			require.NotNil(t, md.LoadConfig)
			require.Equal(t, uint64(0x2b992ddfa232), md.LoadConfig.SecurityCookie)

			require.NotNil(t, md.Exports)
			require.Equal(t, "app.dll", md.Exports.Name)
			require.Equal(t, []pe.Export{
				{Name: "Start", Ordinal: 1, RVA: 0x1000},
				{Name: "Run", Ordinal: 2, RVA: 0x1100},
			}, md.Exports.Exports)
		})
	}
}

func TestUnwindTable(t *testing.T) {
	md, err := pe.ParseBytes(amd64Image().Build(pe.FileLayout), pe.FileLayout)
	require.NoError(t, err)
	require.Equal(t, 3, md.Unwind.Len())

	fn, err := md.Unwind.Lookup(0x1010)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1000), fn.Begin)
	require.Equal(t, uint32(0x1080), fn.End)
	require.Equal(t, uint8(0xa), fn.PrologSize)
	require.False(t, fn.UsesFramePointer())
	require.Equal(t, uint32(0x28), fn.FixedAlloc())
	require.Equal(t, []pe.UnwindCode{
		{CodeOffset: 0xa, Op: pe.UOpAllocSmall, OpInfo: 4},
		{CodeOffset: 0x6, Op: pe.UOpPushNonvol, OpInfo: regnum.AMD64_Rsi},
		{CodeOffset: 0x1, Op: pe.UOpPushNonvol, OpInfo: regnum.AMD64_Rbx},
	}, fn.Codes)

	fn, err = md.Unwind.Lookup(0x11ff)
	require.NoError(t, err)
	require.True(t, fn.UsesFramePointer())
	require.Equal(t, uint8(regnum.AMD64_Rbp), fn.FrameRegister)
	require.Equal(t, uint32(0x20), fn.FrameOffset)
	require.Equal(t, uint32(0x1000), fn.FixedAlloc())
	require.Equal(t, map[uint8]uint32{regnum.AMD64_Rdi: 0x48}, fn.Saves())
	require.Equal(t, uint32(0x1300), fn.HandlerRVA)

	fn, err = md.Unwind.Lookup(0x1200)
	require.NoError(t, err)
	require.NotNil(t, fn.Chained)
	require.Equal(t, uint32(0x1100), fn.Chained.Begin)
	require.Len(t, fn.Chained.Codes, 4)

	_, err = md.Unwind.Lookup(0x1090)
	var nui *pe.ErrNoUnwindInfo
	require.True(t, errors.As(err, &nui))
	require.Equal(t, uint32(0x1090), nui.RVA)
	_, err = md.Unwind.Lookup(0x10)
	require.Error(t, err)
}

func TestParseX86(t *testing.T) {
	img := &petest.Image{
		Machine:   pe.MachineI386,
		ImageBase: 0x400000,
		CodeView:  petest.NB10(0x3c1a2b4d, 1, "old.pdb"),
		FPO: []pe.FPOData{
			{Start: 0x1100, Size: 0x40, Locals: 2, Params: 1, Prolog: 3, SavedRegs: 1},
			{Start: 0x1000, Size: 0x20, UseBP: true, HasSEH: true, FrameType: 3},
		},
		SecurityCookie: 0x1234,
	}
	for _, layout := range []pe.Layout{pe.FileLayout, pe.MappedLayout} {
		md, err := pe.ParseBytes(img.Build(layout), layout)
		require.NoError(t, err)
		require.False(t, md.Is64())
		require.Equal(t, 4, md.PtrSize())
		id, ok := md.DebugID()
		require.True(t, ok)
		require.Equal(t, "3C1A2B4D1", id.String())
		require.Equal(t, uint64(0x1234), md.LoadConfig.SecurityCookie)
		require.Equal(t, 0, md.Unwind.Len())

		require.Len(t, md.FPO, 2)
		require.Equal(t, uint32(0x1000), md.FPO[0].Start)
		f, ok := md.FPOFor(0x1110)
		require.True(t, ok)
		require.Equal(t, img.FPO[0], *f)
		f, ok = md.FPOFor(0x1010)
		require.True(t, ok)
		require.True(t, f.UseBP)
		require.True(t, f.HasSEH)
		require.Equal(t, uint8(3), f.FrameType)
		_, ok = md.FPOFor(0x1050)
		require.False(t, ok)
	}
}

func TestParseErrors(t *testing.T) {
	good := amd64Image().Build(pe.FileLayout)

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}
	tests := []struct {
		name string
		buf  []byte
		kind pe.ErrorKind
	}{
		{"empty", nil, pe.Truncated},
		{"no MZ", mutate(func(b []byte) []byte { b[0] = 'X'; return b }), pe.InvalidFormat},
		{"no PE", mutate(func(b []byte) []byte { b[0x40] = 'X'; return b }), pe.InvalidFormat},
		{"bad lfanew", mutate(func(b []byte) []byte { b[0x3c] = 0xff; b[0x3d] = 0xff; b[0x3e] = 0xff; return b }), pe.Truncated},
		{"machine", mutate(func(b []byte) []byte { b[0x44] = 0xc4; b[0x45] = 0x01; return b }), pe.UnsupportedMachine},
		{"magic", mutate(func(b []byte) []byte { b[0x58] = 0x07; b[0x59] = 0x01; return b }), pe.InvalidFormat},
		{"truncated headers", good[:0x100], pe.Truncated},
		{"debug directory outside image", mutate(func(b []byte) []byte {
			// directory 6 of the PE32+ optional header
			off := 0x58 + 112 + 6*8
			b[off+3] = 0x7f
			return b
		}), pe.BadDirectory},
		{"truncated sections", good[:0x500], pe.BadDirectory},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pe.ParseBytes(tc.buf, pe.FileLayout)
			require.Error(t, err)
			var fe *pe.FormatError
			require.True(t, errors.As(err, &fe), "%T %v", err, err)
			require.Equal(t, tc.kind, fe.Kind, "%v", err)
			require.True(t, errors.Is(err, &pe.FormatError{Kind: tc.kind}))
		})
	}
}

func TestDebugIDRoundTrip(t *testing.T) {
	cv, err := pe.ParseCodeView(petest.RSDS(testGUID, 0x1a, "x.pdb"))
	require.NoError(t, err)
	require.Equal(t, petest.RSDS(testGUID, 0x1a, "x.pdb"), cv.Bytes())
	require.Equal(t, testGUID, cv.ID.WindowsGUID())

	id, err := pe.ParseDebugID(cv.ID.String())
	require.NoError(t, err)
	require.Equal(t, cv.ID, id)

	cv, err = pe.ParseCodeView(petest.NB10(0xdeadbeef, 3, "y.pdb"))
	require.NoError(t, err)
	require.Equal(t, petest.NB10(0xdeadbeef, 3, "y.pdb"), cv.Bytes())
	id, err = pe.ParseDebugID(cv.ID.String())
	require.NoError(t, err)
	require.Equal(t, cv.ID, id)

	_, err = pe.ParseDebugID("xyz")
	require.Error(t, err)
	_, err = pe.ParseCodeView([]byte("ABCD1234"))
	require.Error(t, err)
}
