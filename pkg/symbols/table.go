package symbols

import (
	"sort"

	"github.com/derekparker/trie"
)

// table is the installed symbol table of a module: symbols sorted by RVA
// and a trie from names to indexes into syms.
type table struct {
	provider Provider
	syms     []Symbol
	names    *trie.Trie

	// maxEnd[i] is the greatest end RVA of syms[0:i+1].
	maxEnd []uint64
}

func kindRank(k Kind) int {
	if k == KindPublic {
		return 1
	}
	return 0
}

func newTable(p Provider) *table {
	syms := append([]Symbol(nil), p.Symbols()...)
	sort.SliceStable(syms, func(i, j int) bool {
		if syms[i].RVA != syms[j].RVA {
			return syms[i].RVA < syms[j].RVA
		}
		return kindRank(syms[i].Kind) < kindRank(syms[j].Kind)
	})
	// a PUBLIC record at the same address as a FUNC describes the same
	// function, keep the FUNC which carries a size
	dedup := syms[:0]
	for i, s := range syms {
		if i > 0 && s.Kind == KindPublic && syms[i-1].RVA == s.RVA && syms[i-1].Kind != KindPublic {
			continue
		}
		dedup = append(dedup, s)
	}
	syms = dedup

	t := &table{provider: p, syms: syms, names: trie.New(), maxEnd: make([]uint64, len(syms))}
	var end uint64
	for i := range syms {
		if e := uint64(syms[i].RVA) + uint64(syms[i].Size); e > end {
			end = e
		}
		t.maxEnd[i] = end
	}
	idx := make(map[string][]int)
	for i, s := range syms {
		if s.Name == "" {
			continue
		}
		idx[s.Name] = append(idx[s.Name], i)
	}
	for name, is := range idx {
		t.names.Add(name, is)
	}
	return t
}

// lookup returns the index of the symbol describing rva: the greatest
// symbol start at or below rva. When that symbol's size does not reach
// rva the closest earlier symbol that does is used (nested or
// overlapping records), otherwise the nearest preceding symbol.
func (t *table) lookup(rva uint32) (int, bool) {
	i := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].RVA > rva
	}) - 1
	if i < 0 {
		return 0, false
	}
	if covers(&t.syms[i], rva) {
		return i, true
	}
	for j := i - 1; j >= 0 && t.maxEnd[j] > uint64(rva); j-- {
		if covers(&t.syms[j], rva) {
			return j, true
		}
	}
	return i, true
}

func covers(s *Symbol, rva uint32) bool {
	return s.Size != 0 && rva-s.RVA < s.Size
}

// byName returns the indexes of the symbols called name.
func (t *table) byName(name string) []int {
	n, ok := t.names.Find(name)
	if !ok {
		return nil
	}
	is, _ := n.Meta().([]int)
	return is
}

// matching returns the indexes of the symbols whose name matches the
// glob pattern.
func (t *table) matching(pattern string) []int {
	if !hasWildcard(pattern) {
		return t.byName(pattern)
	}
	prefix := literalPrefix(pattern)
	var keys []string
	if prefix == "" {
		keys = t.names.Keys()
	} else if t.names.HasKeysWithPrefix(prefix) {
		keys = t.names.PrefixSearch(prefix)
	}
	var r []int
	for _, k := range keys {
		if matchGlob(pattern, k) {
			r = append(r, t.byName(k)...)
		}
	}
	sort.Ints(r)
	return r
}
