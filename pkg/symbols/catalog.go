package symbols

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/go-delve/symsnap/pkg/logflags"
	"github.com/go-delve/symsnap/pkg/pe"
)

// LoadStatus is the symbol state of a module.
type LoadStatus uint8

const (
	NotLoaded LoadStatus = iota
	Loaded
	// ExportsOnly means no symbol file was found and the module is
	// described by its export table.
	ExportsOnly
	// Failed means the symbol file was corrupt, the module has no symbols.
	Failed
)

func (s LoadStatus) String() string {
	switch s {
	case NotLoaded:
		return "not loaded"
	case Loaded:
		return "loaded"
	case ExportsOnly:
		return "exports only"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("LoadStatus(%d)", uint8(s))
}

// Module is a module registered with a Catalog.
type Module struct {
	ModuleInfo
	Handle ModuleHandle

	status  LoadStatus
	loadErr error
	tab     *table
}

// End returns the first address after the module.
func (m *Module) End() uint64 {
	return m.Base + uint64(m.Size)
}

// Contains reports whether addr falls inside the module.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < uint64(m.Size)
}

// Status returns the symbol state of the module.
func (m *Module) Status() LoadStatus {
	return m.status
}

// LoadErr returns the error of the last symbol load, if any.
func (m *Module) LoadErr() error {
	return m.loadErr
}

// NumSymbols returns the number of installed symbols.
func (m *Module) NumSymbols() int {
	if m.tab == nil {
		return 0
	}
	return len(m.tab.syms)
}

// Options configures a Catalog.
type Options struct {
	// Locator finds symbol files. Without one every module falls back to
	// its export table.
	Locator Locator
	// EagerLoad loads symbols at registration instead of on the first
	// address query.
	EagerLoad bool
}

// LoadOptions modifies LoadSymbols.
type LoadOptions struct {
	// ForceReload discards the symbols of a module that was already
	// loaded and searches again.
	ForceReload bool
}

// Catalog tracks the modules of one target and their symbols.
//
// A Catalog is not safe for concurrent use, guard it with a mutex or use
// one per worker.
type Catalog struct {
	opts    Options
	modules []*Module // sorted by Base
	next    ModuleHandle
}

// New returns an empty catalog.
func New(opts Options) *Catalog {
	return &Catalog{opts: opts}
}

// RegisterModule adds a module. Modules may not overlap.
func (c *Catalog) RegisterModule(mi ModuleInfo) (ModuleHandle, error) {
	if mi.Size == 0 {
		return 0, fmt.Errorf("module %s at %#x: empty address range", mi.Name(), mi.Base)
	}
	if mi.Base+uint64(mi.Size) < mi.Base {
		return 0, fmt.Errorf("module %s at %#x: address range wraps", mi.Name(), mi.Base)
	}
	i := sort.Search(len(c.modules), func(i int) bool {
		return c.modules[i].Base >= mi.Base
	})
	end := mi.Base + uint64(mi.Size)
	if i < len(c.modules) && c.modules[i].Base < end {
		return 0, fmt.Errorf("%s at %#x and %s at %#x: %w", mi.Name(), mi.Base, c.modules[i].Name(), c.modules[i].Base, ErrModuleOverlap)
	}
	if i > 0 && c.modules[i-1].End() > mi.Base {
		return 0, fmt.Errorf("%s at %#x and %s at %#x: %w", mi.Name(), mi.Base, c.modules[i-1].Name(), c.modules[i-1].Base, ErrModuleOverlap)
	}

	c.next++
	m := &Module{ModuleInfo: mi, Handle: c.next}
	c.modules = append(c.modules, nil)
	copy(c.modules[i+1:], c.modules[i:])
	c.modules[i] = m
	logflags.SymbolsLogger().Debugf("registered %s [%#x, %#x) id %s", m.Name(), m.Base, m.End(), m.DebugID)

	if c.opts.EagerLoad {
		if err := c.LoadSymbols(context.Background(), m.Handle, LoadOptions{}); err != nil {
			logflags.SymbolsLogger().Warnf("%v", err)
		}
	}
	return m.Handle, nil
}

// UnregisterModule discards a module and its symbols.
func (c *Catalog) UnregisterModule(h ModuleHandle) error {
	for i, m := range c.modules {
		if m.Handle == h {
			c.modules = append(c.modules[:i], c.modules[i+1:]...)
			logflags.SymbolsLogger().Debugf("unregistered %s", m.Name())
			return nil
		}
	}
	return ErrModuleNotFound
}

// Module returns the module with handle h.
func (c *Catalog) Module(h ModuleHandle) (*Module, error) {
	for _, m := range c.modules {
		if m.Handle == h {
			return m, nil
		}
	}
	return nil, ErrModuleNotFound
}

// Modules returns the registered modules sorted by base address.
func (c *Catalog) Modules() []*Module {
	return append([]*Module(nil), c.modules...)
}

// ModuleForAddress returns the module containing addr.
func (c *Catalog) ModuleForAddress(addr uint64) (*Module, bool) {
	i := sort.Search(len(c.modules), func(i int) bool {
		return c.modules[i].Base > addr
	}) - 1
	if i < 0 || !c.modules[i].Contains(addr) {
		return nil, false
	}
	return c.modules[i], true
}

// LoadSymbols locates and installs the symbols of a module. It does
// nothing for a module already processed unless opts.ForceReload is set,
// returning the outcome of the earlier load.
//
// When no symbol file exists the module falls back to its export table
// and a *SymbolError of kind SymbolFileMissing is returned; the module
// stays usable. A corrupt symbol file leaves the module without symbols.
// If ctx is cancelled the module is left as it was.
func (c *Catalog) LoadSymbols(ctx context.Context, h ModuleHandle, opts LoadOptions) error {
	m, err := c.Module(h)
	if err != nil {
		return err
	}
	if m.status != NotLoaded && !opts.ForceReload {
		return m.loadErr
	}
	sf, err := c.fetch(ctx, m)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return c.install(m, sf, err)
}

// PrefetchSymbolFiles loads the symbols of several modules, fetching up
// to parallelism symbol files at a time. Files are installed one after
// the other once every fetch completed. The returned error joins the
// errors of the individual modules.
func (c *Catalog) PrefetchSymbolFiles(ctx context.Context, handles []ModuleHandle, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}
	type result struct {
		m   *Module
		sf  *SymbolFile
		err error
	}
	var results []result
	for _, h := range handles {
		m, err := c.Module(h)
		if err != nil {
			return fmt.Errorf("module %d: %w", h, err)
		}
		if m.status == NotLoaded {
			results = append(results, result{m: m})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := range results {
		g.Go(func() error {
			results[i].sf, results[i].err = c.fetch(gctx, results[i].m)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	for _, r := range results {
		if err := c.install(r.m, r.sf, r.err); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fetch finds and parses the symbol file of m. It does not modify m.
func (c *Catalog) fetch(ctx context.Context, m *Module) (*SymbolFile, error) {
	name := m.Name()
	if c.opts.Locator == nil {
		return nil, &SymbolError{Module: name, Kind: SymbolFileMissing}
	}
	req := requestFor(m)
	rc, err := c.opts.Locator.Locate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SymbolError{Module: name, Kind: SymbolFileMissing, Err: err}
	}
	defer rc.Close()
	sf, err := ParseBreakpad(rc)
	if err != nil {
		return nil, &SymbolError{Module: name, Kind: SymbolFileCorrupt, Err: err}
	}
	if req.DebugID != "" && !strings.EqualFold(sf.ID, req.DebugID) {
		return nil, &SymbolError{Module: name, Kind: SymbolFileMissing, Err: fmt.Errorf("debug id mismatch: file has %s, module has %s", sf.ID, req.DebugID)}
	}
	return sf, nil
}

// install records the outcome of a fetch in m.
func (c *Catalog) install(m *Module, sf *SymbolFile, err error) error {
	logger := logflags.SymbolsLogger().WithField("module", m.Name())
	var se *SymbolError
	switch {
	case err == nil:
		m.tab = newTable(sf)
		m.status = Loaded
		m.loadErr = nil
		logger.Debugf("loaded %d symbols", len(m.tab.syms))
	case errors.As(err, &se) && se.Kind == SymbolFileMissing:
		m.tab = newTable(newExportProvider(m.Image))
		m.status = ExportsOnly
		m.loadErr = err
		logger.Debugf("no symbol file, using %d exports: %v", len(m.tab.syms), err)
	default:
		m.tab = nil
		m.status = Failed
		m.loadErr = err
		logger.Warnf("could not load symbols: %v", err)
	}
	return m.loadErr
}

// ResolveAddress returns the symbol describing addr. The symbols of the
// containing module are loaded first if needed.
//
// The symbol is the one with the greatest start address at or below addr.
// When its declared size does not reach addr the symbol is still
// returned, with the displacement measured from its start.
func (c *Catalog) ResolveAddress(addr uint64) (SymbolInfo, bool) {
	m, ok := c.ModuleForAddress(addr)
	if !ok {
		return SymbolInfo{}, false
	}
	if m.status == NotLoaded {
		_ = c.LoadSymbols(context.Background(), m.Handle, LoadOptions{})
	}
	return lookupIn(m, addr)
}

// LookupSymbol is like ResolveAddress but never loads symbols, modules
// that were not loaded yet resolve to nothing.
func (c *Catalog) LookupSymbol(addr uint64) (SymbolInfo, bool) {
	m, ok := c.ModuleForAddress(addr)
	if !ok {
		return SymbolInfo{}, false
	}
	return lookupIn(m, addr)
}

func lookupIn(m *Module, addr uint64) (SymbolInfo, bool) {
	if m.tab == nil {
		return SymbolInfo{}, false
	}
	rva := uint32(addr - m.Base)
	i, ok := m.tab.lookup(rva)
	if !ok {
		return SymbolInfo{}, false
	}
	si := symbolInfo(m, i)
	si.Displacement = addr - si.Address
	si.File, si.Line, _ = m.tab.provider.LineFor(rva)
	return si, true
}

func symbolInfo(m *Module, i int) SymbolInfo {
	s := m.tab.syms[i]
	return SymbolInfo{
		Symbol:     s,
		Address:    m.Base + uint64(s.RVA),
		Module:     m.Name(),
		ModuleBase: m.Base,
	}
}

// ResolveName returns the symbols matching pattern, sorted by address.
// The pattern may contain the wildcards '*' and '?' and may be prefixed
// by a module pattern followed by '!'. Symbols are loaded as needed.
func (c *Catalog) ResolveName(pattern string) []SymbolInfo {
	modPattern := "*"
	if mod, sym, ok := strings.Cut(pattern, "!"); ok {
		modPattern, pattern = strings.ToLower(mod), sym
	}
	var r []SymbolInfo
	for _, m := range c.modules {
		if !matchGlob(modPattern, strings.ToLower(m.Name())) {
			continue
		}
		if m.status == NotLoaded {
			_ = c.LoadSymbols(context.Background(), m.Handle, LoadOptions{})
		}
		if m.tab == nil {
			continue
		}
		for _, i := range m.tab.matching(pattern) {
			r = append(r, symbolInfo(m, i))
		}
	}
	sort.SliceStable(r, func(i, j int) bool { return r[i].Address < r[j].Address })
	return r
}

// InlineFrames returns the functions inlined at addr, innermost first.
// Like LookupSymbol it never loads symbols.
func (c *Catalog) InlineFrames(addr uint64) []InlineFrame {
	m, ok := c.ModuleForAddress(addr)
	if !ok || m.tab == nil {
		return nil
	}
	return m.tab.provider.Inlines(uint32(addr - m.Base))
}

// LookupImage returns the module containing pc together with its parsed
// image, if one was supplied at registration.
func (c *Catalog) LookupImage(pc uint64) (base uint64, name string, img *pe.Metadata, ok bool) {
	m, ok := c.ModuleForAddress(pc)
	if !ok {
		return 0, "", nil, false
	}
	return m.Base, m.Name(), m.Image, true
}
