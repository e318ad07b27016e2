// Package memcache caches the memory of a target by page.
//
// Stack walks read the same few stack and code pages over and over; on a
// live process every read is a system call.
package memcache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/symsnap/pkg/unwind"
)

const (
	// PageSize is the unit of caching.
	PageSize = 0x1000
	// DefaultPages is the number of pages cached when New is given a
	// non positive size.
	DefaultPages = 256
)

// Reader is an unwind.MemoryReader that caches whole pages of another
// MemoryReader. Pages that can not be read completely are never cached,
// reads touching them go to the underlying reader every time, so a failed
// read is retried on the next call.
//
// The memory of the target must not change while the cache is in use,
// call Purge after resuming a live target.
type Reader struct {
	mem   unwind.MemoryReader
	pages *lru.Cache

	hits, misses atomic.Int64
}

// New returns a Reader caching up to pages pages of mem.
func New(mem unwind.MemoryReader, pages int) *Reader {
	if pages <= 0 {
		pages = DefaultPages
	}
	cache, _ := lru.New(pages) // only fails for a non positive size
	return &Reader{mem: mem, pages: cache}
}

// ReadMemory implements unwind.MemoryReader.
func (r *Reader) ReadMemory(addr uint64, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	end := addr + uint64(n)
	if end < addr {
		// wraps around the address space
		return r.mem.ReadMemory(addr, n)
	}
	out := make([]byte, 0, n)
	for p := addr &^ (PageSize - 1); p < end; p += PageSize {
		page, ok := r.page(p)
		if !ok {
			return r.mem.ReadMemory(addr, n)
		}
		lo, hi := uint64(0), uint64(PageSize)
		if addr > p {
			lo = addr - p
		}
		if end < p+PageSize {
			hi = end - p
		}
		out = append(out, page[lo:hi]...)
		if p+PageSize < p {
			break
		}
	}
	return out, nil
}

func (r *Reader) page(p uint64) ([]byte, bool) {
	if v, ok := r.pages.Get(p); ok {
		r.hits.Add(1)
		return v.([]byte), true
	}
	r.misses.Add(1)
	b, err := r.mem.ReadMemory(p, PageSize)
	if err != nil || len(b) < PageSize {
		return nil, false
	}
	r.pages.Add(p, b)
	return b, true
}

// Purge drops every cached page.
func (r *Reader) Purge() {
	r.pages.Purge()
}

// Stats returns the number of page lookups served from the cache and
// the number that were not.
func (r *Reader) Stats() (hits, misses int64) {
	return r.hits.Load(), r.misses.Load()
}
