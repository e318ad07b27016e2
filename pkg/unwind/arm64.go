package unwind

import (
	"sort"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/regnum"
)

// unwindARM64Entry handles a first frame stopped on the first instruction
// of a function: nothing was saved yet and the return address is still in
// the link register.
func (w *Walker) unwindARM64Entry(base uint64, img *pe.Metadata) (Context, bool) {
	rva := uint32(w.cur.PC() - base)
	fns := img.ARM64
	i := sort.Search(len(fns), func(i int) bool {
		return fns[i].Begin > rva
	}) - 1
	if i < 0 || fns[i].Begin != rva {
		return Context{}, false
	}
	caller := w.cur
	caller.SetPC(caller.Regs[regnum.ARM64_LR])
	return caller, true
}
