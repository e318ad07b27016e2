// Package symbols maintains the catalog of modules loaded in a target and
// maps addresses to symbols and back.
//
// Symbols are read from Breakpad text symbol files found through a
// Locator. Modules without a symbol file fall back to the names in their
// PE export table.
package symbols

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-delve/symsnap/pkg/pe"
)

// Kind classifies a symbol.
type Kind uint8

const (
	KindFunction Kind = iota
	KindData
	KindConstant
	KindPublic
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindData:
		return "data"
	case KindConstant:
		return "constant"
	case KindPublic:
		return "public"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Symbol is a named range of a module, addressed relative to the module base.
type Symbol struct {
	Name      string
	RVA       uint32
	Size      uint32 // 0 when unknown
	Kind      Kind
	TypeIndex uint32
	ParamSize uint32
	// Synthetic is set for symbols the catalog derived from image
	// metadata (the export table) rather than read from a symbol file.
	Synthetic bool
}

// SymbolInfo is the result of an address or name lookup.
type SymbolInfo struct {
	Symbol
	Address      uint64 // absolute address of the symbol start
	Module       string
	ModuleBase   uint64
	Displacement uint64 // queried address minus Address
	File         string
	Line         int
}

// String formats the symbol as module!name+0xdisp.
func (s SymbolInfo) String() string {
	var b strings.Builder
	if s.Module != "" {
		b.WriteString(s.Module)
		b.WriteByte('!')
	}
	b.WriteString(s.Name)
	if s.Displacement != 0 {
		fmt.Fprintf(&b, "+%#x", s.Displacement)
	}
	return b.String()
}

// InlineFrame is a function inlined at an address. Depth 0 is the call
// site closest to the containing function.
type InlineFrame struct {
	Name     string
	Depth    int
	CallFile string
	CallLine int
	// Context identifies the frame among the inline frames at the same
	// address, it is Depth+1 so that 0 means "not inlined".
	Context uint32
}

// ModuleHandle identifies a registered module. The zero value is never
// handed out.
type ModuleHandle uint32

// ModuleInfo describes a module being registered.
type ModuleInfo struct {
	Base          uint64
	Size          uint32
	Checksum      uint32
	TimeDateStamp uint32
	DebugID       pe.DebugID
	DebugFile     string // PDB name, the symbol store key
	ImagePath     string // path recorded by the loader
	LoadedPath    string // local copy of the image, if one was found
	// Image is the parsed image, optional. It provides unwind tables to
	// the stack walker and export names when no symbol file exists.
	Image *pe.Metadata
}

// ModuleInfoFromImage fills a ModuleInfo from parsed image metadata.
func ModuleInfoFromImage(imagePath string, base uint64, img *pe.Metadata) ModuleInfo {
	mi := ModuleInfo{
		Base:          base,
		Size:          img.SizeOfImage,
		Checksum:      img.CheckSum,
		TimeDateStamp: img.TimeDateStamp,
		ImagePath:     imagePath,
		Image:         img,
	}
	if img.CodeView != nil {
		mi.DebugID = img.CodeView.ID
		mi.DebugFile = img.CodeView.PDBName()
	}
	return mi
}

// Name returns the module name used in symbol strings: the base name of
// the image without its extension.
func (mi *ModuleInfo) Name() string {
	p := strings.ReplaceAll(mi.ImagePath, `\`, "/")
	name := path.Base(p)
	if name == "." || name == "/" {
		name = strings.TrimSuffix(mi.DebugFile, path.Ext(mi.DebugFile))
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

// CodeID returns the identifier symbol servers use for the image file
// itself: the link timestamp followed by the image size.
func (mi *ModuleInfo) CodeID() string {
	return fmt.Sprintf("%08X%x", mi.TimeDateStamp, mi.Size)
}

var (
	// ErrModuleNotFound is returned for unknown module handles.
	ErrModuleNotFound = errors.New("module not found")
	// ErrModuleOverlap is returned by RegisterModule when the new module
	// overlaps a registered one.
	ErrModuleOverlap = errors.New("module overlaps a registered module")
)

// SymbolErrorKind classifies a SymbolError.
type SymbolErrorKind uint8

const (
	// SymbolFileMissing means no symbol file was found, the module
	// falls back to its export table.
	SymbolFileMissing SymbolErrorKind = iota
	// SymbolFileCorrupt means a symbol file was found but could not be
	// parsed. The module has no symbols.
	SymbolFileCorrupt
)

func (k SymbolErrorKind) String() string {
	if k == SymbolFileCorrupt {
		return "symbol file corrupt"
	}
	return "symbol file missing"
}

// SymbolError reports a failure to load the symbols of one module.
type SymbolError struct {
	Module string
	Kind   SymbolErrorKind
	Err    error
}

func (e *SymbolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Module, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Module, e.Kind, e.Err)
}

func (e *SymbolError) Unwrap() error {
	return e.Err
}

// IsMissing reports whether err is a SymbolFileMissing error.
func IsMissing(err error) bool {
	var se *SymbolError
	return errors.As(err, &se) && se.Kind == SymbolFileMissing
}

// Provider supplies the symbols of one module.
type Provider interface {
	// Kind names the provider, for diagnostics.
	Kind() string
	// Symbols returns every symbol of the module.
	Symbols() []Symbol
	// Inlines returns the functions inlined at rva, innermost first.
	Inlines(rva uint32) []InlineFrame
	// LineFor returns the source position of rva.
	LineFor(rva uint32) (file string, line int, ok bool)
}
