package symbols_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/pe/petest"
	"github.com/go-delve/symsnap/pkg/symbols"
)

const appBase = 0x10000

func appModule(t *testing.T) symbols.ModuleInfo {
	id, err := pe.ParseDebugID(appID)
	require.NoError(t, err)
	return symbols.ModuleInfo{
		Base:          appBase,
		Size:          0x3000,
		TimeDateStamp: 0x5f000000,
		DebugID:       id,
		DebugFile:     "app.pdb",
		ImagePath:     `C:\app\app.dll`,
	}
}

// writeSym stores text in dir using the symbol store layout.
func writeSym(t *testing.T, dir, pdb, id, text string) {
	p := filepath.Join(dir, pdb, id)
	require.NoError(t, os.MkdirAll(p, 0o755))
	name := pdb[:len(pdb)-len(filepath.Ext(pdb))] + ".sym"
	require.NoError(t, os.WriteFile(filepath.Join(p, name), []byte(text), 0o644))
}

type countingLocator struct {
	symbols.Locator
	calls int
}

func (l *countingLocator) Locate(ctx context.Context, req symbols.Request) (io.ReadCloser, error) {
	l.calls++
	return l.Locator.Locate(ctx, req)
}

func newCatalog(t *testing.T) (*symbols.Catalog, symbols.ModuleHandle, *countingLocator) {
	dir := t.TempDir()
	writeSym(t, dir, "app.pdb", appID, appSym)
	loc := &countingLocator{Locator: &symbols.DirLocator{Dirs: []string{dir}}}
	c := symbols.New(symbols.Options{Locator: loc})
	h, err := c.RegisterModule(appModule(t))
	require.NoError(t, err)
	return c, h, loc
}

func TestResolveAddress(t *testing.T) {
	c, h, loc := newCatalog(t)

	// nothing is loaded at registration
	_, ok := c.LookupSymbol(appBase + 0x1010)
	require.False(t, ok)
	require.Zero(t, loc.calls)

	tests := []struct {
		addr uint64
		str  string
		file string
		line int
	}{
		{appBase + 0x1010, "app!Foo+0x10", `c:\src\main.c`, 12},
		{appBase + 0x1000, "app!Foo", `c:\src\main.c`, 10},
		// past the end of Foo, before Bar
		{appBase + 0x1040, "app!Foo+0x40", "", 0},
		{appBase + 0x1150, "app!Bar+0x50", "", 0},
		{appBase + 0x1210, "app!Baz<int>+0x10", `c:\src\main.c`, 70},
	}
	for _, tc := range tests {
		si, ok := c.ResolveAddress(tc.addr)
		require.True(t, ok, "%#x", tc.addr)
		require.Equal(t, tc.str, si.String())
		require.Equal(t, tc.file, si.File)
		require.Equal(t, tc.line, si.Line)
		require.Equal(t, tc.addr, si.Address+si.Displacement)
		require.Equal(t, uint64(appBase), si.ModuleBase)
		require.False(t, si.Synthetic)
	}
	require.Equal(t, 1, loc.calls)

	m, err := c.Module(h)
	require.NoError(t, err)
	require.Equal(t, symbols.Loaded, m.Status())
	// the PUBLIC record for Foo is folded into its FUNC record
	require.Equal(t, 3, m.NumSymbols())

	_, ok = c.ResolveAddress(appBase + 0x10)
	require.False(t, ok)
	_, ok = c.ResolveAddress(appBase + 0x3000)
	require.False(t, ok)
	_, ok = c.ResolveAddress(0)
	require.False(t, ok)
}

func TestLoadSymbolsIdempotent(t *testing.T) {
	c, h, loc := newCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.LoadSymbols(ctx, h, symbols.LoadOptions{}))
	require.NoError(t, c.LoadSymbols(ctx, h, symbols.LoadOptions{}))
	require.Equal(t, 1, loc.calls)
	require.NoError(t, c.LoadSymbols(ctx, h, symbols.LoadOptions{ForceReload: true}))
	require.Equal(t, 2, loc.calls)

	require.ErrorIs(t, c.LoadSymbols(ctx, h+100, symbols.LoadOptions{}), symbols.ErrModuleNotFound)
}

func TestLoadSymbolsCancelled(t *testing.T) {
	c, h, _ := newCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.LoadSymbols(ctx, h, symbols.LoadOptions{}), context.Canceled)
	m, err := c.Module(h)
	require.NoError(t, err)
	require.Equal(t, symbols.NotLoaded, m.Status())
	require.NoError(t, c.LoadSymbols(context.Background(), h, symbols.LoadOptions{}))
}

func TestMissingSymbolsFallBackToExports(t *testing.T) {
	img := &petest.Image{
		Machine:   pe.MachineAMD64,
		ImageBase: 0x140000000,
		TextSize:  0x800,
		DLLName:   "lib.dll",
		Exports: []petest.Export{
			{Name: "Start", RVA: 0x1000},
			{Name: "Run", RVA: 0x1100},
		},
	}
	md, err := pe.ParseBytes(img.Build(pe.FileLayout), pe.FileLayout)
	require.NoError(t, err)

	c := symbols.New(symbols.Options{Locator: &symbols.DirLocator{Dirs: []string{t.TempDir()}}})
	h, err := c.RegisterModule(symbols.ModuleInfoFromImage(`C:\app\lib.dll`, 0x20000, md))
	require.NoError(t, err)

	err = c.LoadSymbols(context.Background(), h, symbols.LoadOptions{})
	require.Error(t, err)
	require.True(t, symbols.IsMissing(err))
	require.ErrorIs(t, err, symbols.ErrNotFound)

	m, _ := c.Module(h)
	require.Equal(t, symbols.ExportsOnly, m.Status())
	require.Equal(t, err, m.LoadErr())

	si, ok := c.ResolveAddress(0x20000 + 0x1010)
	require.True(t, ok)
	require.Equal(t, "lib!Start+0x10", si.String())
	require.True(t, si.Synthetic)

	r := c.ResolveName("lib!R*")
	require.Len(t, r, 1)
	require.Equal(t, uint64(0x21100), r[0].Address)
}

func TestCorruptAndMismatchedSymbols(t *testing.T) {
	dir := t.TempDir()
	writeSym(t, dir, "app.pdb", appID, "this is not a symbol file\n")
	c := symbols.New(symbols.Options{Locator: &symbols.DirLocator{Dirs: []string{dir}}})
	h, err := c.RegisterModule(appModule(t))
	require.NoError(t, err)
	err = c.LoadSymbols(context.Background(), h, symbols.LoadOptions{})
	var se *symbols.SymbolError
	require.True(t, errors.As(err, &se))
	require.Equal(t, symbols.SymbolFileCorrupt, se.Kind)
	require.Equal(t, "app", se.Module)
	m, _ := c.Module(h)
	require.Equal(t, symbols.Failed, m.Status())
	_, ok := c.ResolveAddress(appBase + 0x1010)
	require.False(t, ok)

	// a file for another build of the module is treated as missing
	dir = t.TempDir()
	writeSym(t, dir, "app.pdb", appID, "MODULE windows x86_64 0123456789ABCDEF0123456789ABCDEF1 app.pdb\n")
	c = symbols.New(symbols.Options{Locator: &symbols.DirLocator{Dirs: []string{dir}}})
	h, err = c.RegisterModule(appModule(t))
	require.NoError(t, err)
	err = c.LoadSymbols(context.Background(), h, symbols.LoadOptions{})
	require.True(t, symbols.IsMissing(err))
	m, _ = c.Module(h)
	require.Equal(t, symbols.ExportsOnly, m.Status())
}

func TestRegisterModule(t *testing.T) {
	c := symbols.New(symbols.Options{})
	mod := func(base uint64, size uint32, name string) symbols.ModuleInfo {
		return symbols.ModuleInfo{Base: base, Size: size, ImagePath: name}
	}
	a, err := c.RegisterModule(mod(0x10000, 0x1000, "a.dll"))
	require.NoError(t, err)
	b, err := c.RegisterModule(mod(0x30000, 0x1000, "b.dll"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	for _, mi := range []symbols.ModuleInfo{
		mod(0x10800, 0x1000, "x.dll"),
		mod(0xf000, 0x1001, "x.dll"),
		mod(0x2f000, 0x2000, "x.dll"),
		mod(0x10000, 0x1000, "x.dll"),
	} {
		_, err := c.RegisterModule(mi)
		require.ErrorIs(t, err, symbols.ErrModuleOverlap, "%#x", mi.Base)
	}
	_, err = c.RegisterModule(mod(0x40000, 0, "empty.dll"))
	require.Error(t, err)

	// adjacent modules are fine
	m, err := c.RegisterModule(mod(0x11000, 0x1000, "c.dll"))
	require.NoError(t, err)

	mods := c.Modules()
	require.Len(t, mods, 3)
	require.Equal(t, []string{"a", "c", "b"}, []string{mods[0].Name(), mods[1].Name(), mods[2].Name()})

	got, ok := c.ModuleForAddress(0x11fff)
	require.True(t, ok)
	require.Equal(t, m, got.Handle)
	_, ok = c.ModuleForAddress(0x12000)
	require.False(t, ok)

	require.NoError(t, c.UnregisterModule(m))
	_, ok = c.ModuleForAddress(0x11000)
	require.False(t, ok)
	require.ErrorIs(t, c.UnregisterModule(m), symbols.ErrModuleNotFound)
	_, err = c.Module(m)
	require.ErrorIs(t, err, symbols.ErrModuleNotFound)
}

func TestResolveName(t *testing.T) {
	c, _, _ := newCatalog(t)
	names := func(r []symbols.SymbolInfo) []string {
		var s []string
		for _, si := range r {
			s = append(s, si.Name)
		}
		return s
	}
	require.Equal(t, []string{"Foo"}, names(c.ResolveName("Foo")))
	require.Equal(t, []string{"Bar", "Baz<int>"}, names(c.ResolveName("app!B*")))
	require.Equal(t, []string{"Bar", "Baz<int>"}, names(c.ResolveName("APP!Ba?*")))
	require.Equal(t, []string{"Foo"}, names(c.ResolveName("?oo")))
	require.Equal(t, []string{"Foo", "Bar", "Baz<int>"}, names(c.ResolveName("*")))
	require.Empty(t, c.ResolveName("other!Foo"))
	require.Empty(t, c.ResolveName("Nope*"))

	r := c.ResolveName("Baz<int>")
	require.Len(t, r, 1)
	require.Equal(t, uint64(appBase+0x1200), r[0].Address)
	require.Equal(t, uint32(0x30), r[0].Size)
}

func TestInlineFrames(t *testing.T) {
	c, _, _ := newCatalog(t)
	require.Empty(t, c.InlineFrames(appBase+0x100b))
	_, ok := c.ResolveAddress(appBase + 0x100b)
	require.True(t, ok)
	inl := c.InlineFrames(appBase + 0x100b)
	require.Len(t, inl, 2)
	require.Equal(t, "deeper", inl[0].Name)
	require.Equal(t, "inlined_helper", inl[1].Name)
	require.Empty(t, c.InlineFrames(appBase+0x1100))
}

func TestPrefetchSymbolFiles(t *testing.T) {
	dir := t.TempDir()
	c := symbols.New(symbols.Options{Locator: &symbols.DirLocator{Dirs: []string{dir}}})
	var handles []symbols.ModuleHandle
	for i, name := range []string{"one", "two", "three", "four"} {
		id := pe.DebugID{Signature: uint32(i + 1), Age: 1}
		if name != "four" {
			writeSym(t, dir, name+".pdb", id.String(), "MODULE windows x86_64 "+id.String()+" "+name+".pdb\nPUBLIC 10 0 "+name+"_main\n")
		}
		h, err := c.RegisterModule(symbols.ModuleInfo{
			Base:      uint64(i+1) * 0x100000,
			Size:      0x1000,
			DebugID:   id,
			DebugFile: name + ".pdb",
			ImagePath: name + ".dll",
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	err := c.PrefetchSymbolFiles(context.Background(), handles, 2)
	require.Error(t, err)
	require.True(t, symbols.IsMissing(err))

	for i, m := range c.Modules() {
		if i == 3 {
			require.Equal(t, symbols.ExportsOnly, m.Status())
			continue
		}
		require.Equal(t, symbols.Loaded, m.Status(), m.Name())
		si, ok := c.LookupSymbol(m.Base + 0x20)
		require.True(t, ok)
		require.Equal(t, m.Name()+"!"+m.Name()+"_main+0x10", si.String())
	}
}
