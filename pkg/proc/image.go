package proc

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// memReaderAt reads the image mapped at base through target memory.
type memReaderAt struct {
	mem  unwind.MemoryReader
	base uint64
}

func (r *memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	b, err := r.mem.ReadMemory(r.base+uint64(off), uint32(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// imageFromMemory parses the headers and metadata of the image mapped at
// base.
func imageFromMemory(mem unwind.MemoryReader, base uint64, size uint32) (*pe.Metadata, error) {
	return pe.Parse(&memReaderAt{mem: mem, base: base}, int64(size), pe.MappedLayout)
}

// sizeOfImage reads the SizeOfImage field of the image mapped at base.
// It sits at the same offset of the optional header in PE32 and PE32+.
func sizeOfImage(mem unwind.MemoryReader, base uint64) (uint32, error) {
	mz, err := mem.ReadMemory(base, 0x40)
	if err != nil {
		return 0, err
	}
	if mz[0] != 'M' || mz[1] != 'Z' {
		return 0, fmt.Errorf("no image at %#x", base)
	}
	peOff := uint64(binary.LittleEndian.Uint32(mz[0x3c:]))
	hdr, err := mem.ReadMemory(base+peOff, 4+20+60)
	if err != nil {
		return 0, err
	}
	if string(hdr[:4]) != "PE\x00\x00" {
		return 0, fmt.Errorf("no image at %#x", base)
	}
	return binary.LittleEndian.Uint32(hdr[4+20+56:]), nil
}

// imageFromFile parses the image file at path. The file is accepted only
// if it is the same build as the module: same link timestamp and image
// size.
func imageFromFile(path string, timeDateStamp, size uint32) (*pe.Metadata, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	img, err := pe.Parse(fh, fi.Size(), pe.FileLayout)
	if err != nil {
		return nil, err
	}
	if img.TimeDateStamp != timeDateStamp || img.SizeOfImage != size {
		return nil, fmt.Errorf("%s: image mismatch (timestamp %#x size %#x, want %#x %#x)", path, img.TimeDateStamp, img.SizeOfImage, timeDateStamp, size)
	}
	return img, nil
}

// findImage returns the metadata of a module, read from target memory
// when the headers are there and from the image file otherwise. Stack
// only snapshots rarely carry image headers.
func (p *Process) findImage(base uint64, size, timeDateStamp uint32, path string) (*pe.Metadata, string) {
	img, err := imageFromMemory(p.mem, base, size)
	if err == nil {
		return img, ""
	}
	p.log.Debugf("image at %#x not readable from memory: %v", base, err)
	if path == "" {
		return nil, ""
	}
	img, err = imageFromFile(path, timeDateStamp, size)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Debugf("image file for %#x: %v", base, err)
		}
		return nil, ""
	}
	return img, path
}

var _ io.ReaderAt = (*memReaderAt)(nil)
