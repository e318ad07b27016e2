package snapshot

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/symsnap/pkg/logflags"
)

// SplicedMemory represents a memory space formed from multiple regions,
// each of which may override previous regions. A snapshot often saves the
// same memory twice, for example a thread stack in the thread list and in
// the memory list; the region added last wins.
type SplicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	mem    *Memory
}

// Add adds a new region to the SplicedMemory, which may override existing regions.
func (r *SplicedMemory) Add(m Memory) {
	if m.Size == 0 {
		return
	}
	mem := &m
	off, length := m.Addr, m.Size
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers)+2)
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, mem})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New reader overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, mem})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		default: // entry.offset < off && end < entryEnd
			// New region punches a hole in the entry. Split it in two and put the new region in the middle.
			add(readerEntry{entry.offset, off - entry.offset, entry.mem})
			add(readerEntry{off, length, mem})
			add(readerEntry{end + 1, entryEnd - end, entry.mem})
			inserted = true
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, mem})
	}
	r.readers = newReaders
}

// Regions returns the disjoint regions of r in address order.
func (r *SplicedMemory) Regions() []Memory {
	out := make([]Memory, len(r.readers))
	for i, e := range r.readers {
		out[i] = Memory{
			Addr: e.offset,
			Size: e.length,
			Data: io.NewSectionReader(e.mem.Data, int64(e.offset-e.mem.Addr), int64(e.length)),
		}
	}
	return out
}

// ReadMemory reads n bytes at addr. It fails unless every byte is covered
// by some region.
func (r *SplicedMemory) ReadMemory(addr uint64, n uint32) ([]byte, error) {
	out := make([]byte, n)
	buf := out
	cur := addr
	for _, entry := range r.readers {
		if len(buf) == 0 {
			break
		}
		if entry.offset+entry.length <= cur {
			continue
		}
		if entry.offset > cur {
			break
		}
		// Don't go past the region.
		pb := buf
		if avail := entry.offset + entry.length - cur; uint64(len(pb)) > avail {
			pb = pb[:avail]
		}
		pn, err := entry.mem.Data.ReadAt(pb, int64(cur-entry.mem.Addr))
		if pn < len(pb) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("error while reading spliced memory at %#x: %v", cur, err)
		}
		buf = buf[pn:]
		cur += uint64(pn)
	}
	if len(buf) != 0 {
		if cur == addr {
			return nil, fmt.Errorf("address %#x did not match any regions", addr)
		}
		return nil, fmt.Errorf("hit unmapped area at %#x after %d bytes", cur, cur-addr)
	}
	return out, nil
}

// Memory returns the memory saved in the snapshot: thread stacks, then the
// memory list, then the full memory list. A corrupt stream does not
// prevent the others from being used, its error is returned along with
// the memory of the rest.
func (v *View) Memory() (*SplicedMemory, error) {
	mem := &SplicedMemory{}
	var errs []error
	threads, err := v.Threads()
	switch {
	case err == nil:
		for _, t := range threads {
			mem.Add(t.Stack)
		}
	case !errors.Is(err, ErrStreamNotFound):
		errs = append(errs, err)
	}
	ranges, err := v.MemoryRanges()
	switch {
	case err == nil:
		for _, m := range ranges {
			mem.Add(m)
		}
	case !errors.Is(err, ErrStreamNotFound):
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		logflags.SnapshotLogger().Warnf("snapshot memory is incomplete: %v", errors.Join(errs...))
	}
	return mem, errors.Join(errs...)
}
