package symbols

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// SymbolFile is a parsed Breakpad text symbol file.
type SymbolFile struct {
	OS, Arch, ID, Name string
	CodeID             string

	files   map[int]string
	origins map[int]string
	funcs   []bpFunc // sorted by RVA
	publics []Symbol
}

type bpFunc struct {
	sym     Symbol
	lines   []lineRecord // sorted by rva
	inlines []inlineRecord
}

type lineRecord struct {
	rva, size uint32
	line      int
	file      int
}

type inlineRecord struct {
	depth    int
	callLine int
	callFile int
	origin   int
	ranges   [][2]uint32 // start, size
}

// ParseError is returned by ParseBreakpad for malformed input.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// ParseBreakpad reads a Breakpad text symbol file. STACK records and
// unknown INFO records are skipped.
func ParseBreakpad(r io.Reader) (*SymbolFile, error) {
	sf := &SymbolFile{
		files:   make(map[int]string),
		origins: make(map[int]string),
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineno := 0
	var cur *bpFunc
	errorf := func(format string, args ...interface{}) error {
		return &ParseError{Line: lineno, Msg: fmt.Sprintf(format, args...)}
	}

	for s.Scan() {
		lineno++
		line := strings.TrimRight(s.Text(), "\r")
		if line == "" {
			continue
		}
		keyword, rest, _ := strings.Cut(line, " ")
		switch keyword {
		case "MODULE":
			if lineno != 1 {
				return nil, errorf("MODULE record not on the first line")
			}
			f := strings.SplitN(rest, " ", 4)
			if len(f) != 4 {
				return nil, errorf("malformed MODULE record")
			}
			sf.OS, sf.Arch, sf.ID, sf.Name = f[0], f[1], f[2], f[3]
			continue
		case "INFO":
			if k, v, ok := strings.Cut(rest, " "); ok && k == "CODE_ID" {
				sf.CodeID, _, _ = strings.Cut(v, " ")
			}
			continue
		case "FILE":
			f := strings.SplitN(rest, " ", 2)
			if len(f) != 2 {
				return nil, errorf("malformed FILE record")
			}
			n, err := strconv.Atoi(f[0])
			if err != nil {
				return nil, errorf("bad file number: %v", err)
			}
			sf.files[n] = f[1]
			continue
		case "INLINE_ORIGIN":
			f := strings.SplitN(rest, " ", 2)
			if len(f) != 2 {
				return nil, errorf("malformed INLINE_ORIGIN record")
			}
			n, err := strconv.Atoi(f[0])
			if err != nil {
				return nil, errorf("bad origin id: %v", err)
			}
			sf.origins[n] = f[1]
			continue
		case "FUNC":
			rest = strings.TrimPrefix(rest, "m ")
			f := strings.SplitN(rest, " ", 4)
			if len(f) < 3 {
				return nil, errorf("malformed FUNC record")
			}
			var vals [3]uint64
			for i := range vals {
				v, err := strconv.ParseUint(f[i], 16, 32)
				if err != nil {
					return nil, errorf("bad FUNC field %q: %v", f[i], err)
				}
				vals[i] = v
			}
			name := ""
			if len(f) == 4 {
				name = f[3]
			}
			sf.funcs = append(sf.funcs, bpFunc{sym: Symbol{
				Name:      name,
				RVA:       uint32(vals[0]),
				Size:      uint32(vals[1]),
				ParamSize: uint32(vals[2]),
				Kind:      KindFunction,
			}})
			cur = &sf.funcs[len(sf.funcs)-1]
			continue
		case "PUBLIC":
			rest = strings.TrimPrefix(rest, "m ")
			f := strings.SplitN(rest, " ", 3)
			if len(f) < 2 {
				return nil, errorf("malformed PUBLIC record")
			}
			addr, err := strconv.ParseUint(f[0], 16, 32)
			if err != nil {
				return nil, errorf("bad PUBLIC address %q: %v", f[0], err)
			}
			param, err := strconv.ParseUint(f[1], 16, 32)
			if err != nil {
				return nil, errorf("bad PUBLIC parameter size %q: %v", f[1], err)
			}
			name := ""
			if len(f) == 3 {
				name = f[2]
			}
			sf.publics = append(sf.publics, Symbol{Name: name, RVA: uint32(addr), ParamSize: uint32(param), Kind: KindPublic})
			cur = nil
			continue
		case "INLINE":
			if cur == nil {
				return nil, errorf("INLINE record outside of a function")
			}
			rec, err := parseInline(rest)
			if err != nil {
				return nil, errorf("%v", err)
			}
			cur.inlines = append(cur.inlines, rec)
			continue
		case "STACK":
			cur = nil
			continue
		}

		// anything else must be a line record of the current function
		if cur == nil {
			return nil, errorf("unexpected record %q", keyword)
		}
		f := strings.Fields(line)
		if len(f) != 4 {
			return nil, errorf("malformed line record")
		}
		addr, err1 := strconv.ParseUint(f[0], 16, 32)
		size, err2 := strconv.ParseUint(f[1], 16, 32)
		ln, err3 := strconv.Atoi(f[2])
		file, err4 := strconv.Atoi(f[3])
		for _, err := range []error{err1, err2, err3, err4} {
			if err != nil {
				return nil, errorf("bad line record: %v", err)
			}
		}
		cur.lines = append(cur.lines, lineRecord{rva: uint32(addr), size: uint32(size), line: ln, file: file})
	}
	if err := s.Err(); err != nil {
		return nil, &ParseError{Line: lineno, Msg: err.Error()}
	}
	if sf.ID == "" {
		return nil, &ParseError{Line: 1, Msg: "missing MODULE record"}
	}

	sort.SliceStable(sf.funcs, func(i, j int) bool { return sf.funcs[i].sym.RVA < sf.funcs[j].sym.RVA })
	for i := range sf.funcs {
		lines := sf.funcs[i].lines
		sort.SliceStable(lines, func(i, j int) bool { return lines[i].rva < lines[j].rva })
	}
	return sf, nil
}

func parseInline(rest string) (inlineRecord, error) {
	f := strings.Fields(rest)
	if len(f) < 6 || (len(f)-4)%2 != 0 {
		return inlineRecord{}, fmt.Errorf("malformed INLINE record")
	}
	var head [4]int
	for i := range head {
		v, err := strconv.Atoi(f[i])
		if err != nil {
			return inlineRecord{}, fmt.Errorf("bad INLINE field %q: %v", f[i], err)
		}
		head[i] = v
	}
	rec := inlineRecord{depth: head[0], callLine: head[1], callFile: head[2], origin: head[3]}
	for i := 4; i < len(f); i += 2 {
		start, err := strconv.ParseUint(f[i], 16, 32)
		if err != nil {
			return inlineRecord{}, fmt.Errorf("bad INLINE address %q: %v", f[i], err)
		}
		size, err := strconv.ParseUint(f[i+1], 16, 32)
		if err != nil {
			return inlineRecord{}, fmt.Errorf("bad INLINE size %q: %v", f[i+1], err)
		}
		rec.ranges = append(rec.ranges, [2]uint32{uint32(start), uint32(size)})
	}
	return rec, nil
}

// Kind implements Provider.
func (sf *SymbolFile) Kind() string {
	return "breakpad"
}

// Symbols implements Provider.
func (sf *SymbolFile) Symbols() []Symbol {
	r := make([]Symbol, 0, len(sf.funcs)+len(sf.publics))
	for i := range sf.funcs {
		r = append(r, sf.funcs[i].sym)
	}
	return append(r, sf.publics...)
}

func (sf *SymbolFile) funcFor(rva uint32) *bpFunc {
	i := sort.Search(len(sf.funcs), func(i int) bool {
		return sf.funcs[i].sym.RVA > rva
	}) - 1
	if i < 0 {
		return nil
	}
	fn := &sf.funcs[i]
	if rva-fn.sym.RVA >= fn.sym.Size {
		return nil
	}
	return fn
}

// Inlines implements Provider.
func (sf *SymbolFile) Inlines(rva uint32) []InlineFrame {
	fn := sf.funcFor(rva)
	if fn == nil {
		return nil
	}
	var r []InlineFrame
	for _, rec := range fn.inlines {
		for _, rng := range rec.ranges {
			if rva >= rng[0] && rva-rng[0] < rng[1] {
				r = append(r, InlineFrame{
					Name:     sf.origins[rec.origin],
					Depth:    rec.depth,
					CallFile: sf.files[rec.callFile],
					CallLine: rec.callLine,
					Context:  uint32(rec.depth) + 1,
				})
				break
			}
		}
	}
	// innermost first
	sort.SliceStable(r, func(i, j int) bool { return r[i].Depth > r[j].Depth })
	return r
}

// LineFor implements Provider.
func (sf *SymbolFile) LineFor(rva uint32) (string, int, bool) {
	fn := sf.funcFor(rva)
	if fn == nil {
		return "", 0, false
	}
	i := sort.Search(len(fn.lines), func(i int) bool {
		return fn.lines[i].rva > rva
	}) - 1
	if i < 0 {
		return "", 0, false
	}
	l := fn.lines[i]
	if rva-l.rva >= l.size {
		return "", 0, false
	}
	return sf.files[l.file], l.line, true
}
