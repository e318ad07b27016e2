package pe

import (
	dpe "debug/pe"
	"encoding/binary"
)

// LoadConfig holds the load config fields we surface. Values are copied
// as found, VAs are not rebased and nothing is validated.
type LoadConfig struct {
	Size                 uint32
	SecurityCookie       uint64
	GuardCFCheckFunction uint64
	GuardCFDispatch      uint64
	GuardCFFunctionTable uint64
	GuardCFFunctionCount uint64
	GuardFlags           uint32
}

type loadConfigLayout struct {
	cookie, check, dispatch, table, count, flags int
	ptr                                          int
}

var (
	loadConfig32 = loadConfigLayout{cookie: 0x3c, check: 0x48, dispatch: 0x4c, table: 0x50, count: 0x54, flags: 0x58, ptr: 4}
	loadConfig64 = loadConfigLayout{cookie: 0x58, check: 0x70, dispatch: 0x78, table: 0x80, count: 0x88, flags: 0x90, ptr: 8}
)

func (p *parser) parseLoadConfig() error {
	dd, ok, err := p.directory(dpe.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG)
	if !ok {
		return err
	}
	if dd.Size < 4 {
		return badDirectory(dd.VirtualAddress, "load config directory too small")
	}
	hdr, err := p.readRVA(dd.VirtualAddress, 4, "load config")
	if err != nil {
		return err
	}
	size := binary.LittleEndian.Uint32(hdr)
	// the structure grows with every Windows release, trust the smaller of
	// the two sizes and read only fields that fit
	if size > dd.Size || size == 0 {
		size = dd.Size
	}
	raw, err := p.readRVA(dd.VirtualAddress, size, "load config")
	if err != nil {
		return err
	}
	layout := loadConfig32
	if p.md.Is64() {
		layout = loadConfig64
	}
	ptr := func(off int) uint64 {
		if off+layout.ptr > len(raw) {
			return 0
		}
		if layout.ptr == 4 {
			return uint64(binary.LittleEndian.Uint32(raw[off:]))
		}
		return binary.LittleEndian.Uint64(raw[off:])
	}
	lc := &LoadConfig{
		Size:                 size,
		SecurityCookie:       ptr(layout.cookie),
		GuardCFCheckFunction: ptr(layout.check),
		GuardCFDispatch:      ptr(layout.dispatch),
		GuardCFFunctionTable: ptr(layout.table),
		GuardCFFunctionCount: ptr(layout.count),
	}
	if layout.flags+4 <= len(raw) {
		lc.GuardFlags = binary.LittleEndian.Uint32(raw[layout.flags:])
	}
	p.md.LoadConfig = lc
	return nil
}
