package pe

import (
	dpe "debug/pe"
	"encoding/binary"
	"sort"
)

const (
	sizeofExportDirectory = 40
	maxExportName         = 4096
)

// Export is a named entry of the export table.
type Export struct {
	Name      string
	Ordinal   uint16 // biased by the table's Base
	RVA       uint32
	Forwarder string // "DLL.Name" for forwarded exports, RVA is then meaningless
}

// ExportTable is the decoded export directory.
type ExportTable struct {
	Name    string // DLL name recorded by the linker
	Base    uint32
	Exports []Export // sorted by RVA
}

func (p *parser) parseExports() error {
	dd, ok, err := p.directory(dpe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if !ok {
		return err
	}
	if dd.Size < sizeofExportDirectory {
		return badDirectory(dd.VirtualAddress, "export directory too small (%d bytes)", dd.Size)
	}
	raw, err := p.readRVA(dd.VirtualAddress, sizeofExportDirectory, "export directory")
	if err != nil {
		return err
	}
	nameRVA := binary.LittleEndian.Uint32(raw[12:])
	base := binary.LittleEndian.Uint32(raw[16:])
	numFuncs := binary.LittleEndian.Uint32(raw[20:])
	numNames := binary.LittleEndian.Uint32(raw[24:])
	funcsRVA := binary.LittleEndian.Uint32(raw[28:])
	namesRVA := binary.LittleEndian.Uint32(raw[32:])
	ordsRVA := binary.LittleEndian.Uint32(raw[36:])

	if numFuncs > maxDirectoryEntries || numNames > maxDirectoryEntries {
		return badDirectory(dd.VirtualAddress, "export directory too large (%d functions, %d names)", numFuncs, numNames)
	}

	et := &ExportTable{Base: base}
	if nameRVA != 0 {
		et.Name, err = p.readCString(nameRVA, maxExportName)
		if err != nil {
			return err
		}
	}
	if numNames == 0 {
		p.md.Exports = et
		return nil
	}

	funcs, err := p.readRVA(funcsRVA, numFuncs*4, "export address table")
	if err != nil {
		return err
	}
	names, err := p.readRVA(namesRVA, numNames*4, "export name table")
	if err != nil {
		return err
	}
	ords, err := p.readRVA(ordsRVA, numNames*2, "export ordinal table")
	if err != nil {
		return err
	}
	for i := uint32(0); i < numNames; i++ {
		ord := binary.LittleEndian.Uint16(ords[i*2:])
		if uint32(ord) >= numFuncs {
			return badDirectory(ordsRVA, "export ordinal %d out of range", ord)
		}
		name, err := p.readCString(binary.LittleEndian.Uint32(names[i*4:]), maxExportName)
		if err != nil {
			return err
		}
		e := Export{
			Name:    name,
			Ordinal: ord + uint16(base),
			RVA:     binary.LittleEndian.Uint32(funcs[uint32(ord)*4:]),
		}
		if e.RVA >= dd.VirtualAddress && e.RVA < dd.VirtualAddress+dd.Size {
			e.Forwarder, err = p.readCString(e.RVA, maxExportName)
			if err != nil {
				return err
			}
		}
		et.Exports = append(et.Exports, e)
	}
	sort.SliceStable(et.Exports, func(i, j int) bool { return et.Exports[i].RVA < et.Exports[j].RVA })
	p.md.Exports = et
	return nil
}
