package proc

import (
	"io"
	"strconv"

	"github.com/google/pprof/profile"

	"github.com/go-delve/symsnap/pkg/unwind"
)

// Profile converts stacks to a pprof profile holding one sample per
// stack. Frames become locations, inline frames become extra lines of
// the location of the real frame they belong to.
func (p *Process) Profile(stacks []*Stack) *profile.Profile {
	b := &profileBuilder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "stacks", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "stacks", Unit: "count"},
			Period:     1,
		},
		locations: map[uint64]*profile.Location{},
		functions: map[functionKey]*profile.Function{},
		mappings:  map[uint64]*profile.Mapping{},
	}
	for _, m := range p.catalog.Modules() {
		mp := &profile.Mapping{
			ID:    uint64(len(b.p.Mapping) + 1),
			Start: m.Base,
			Limit: m.End(),
			File:  m.ImagePath,
		}
		if !m.DebugID.IsZero() {
			mp.BuildID = m.DebugID.String()
		}
		mp.HasFunctions = m.NumSymbols() > 0
		b.p.Mapping = append(b.p.Mapping, mp)
		b.mappings[m.Base] = mp
	}
	for _, st := range stacks {
		b.addStack(p, st)
	}
	return b.p
}

// WriteProfile writes the profile of stacks to w in the compressed pprof
// format.
func (p *Process) WriteProfile(w io.Writer, stacks []*Stack) error {
	return p.Profile(stacks).Write(w)
}

type functionKey struct {
	name, file string
}

type profileBuilder struct {
	p         *profile.Profile
	locations map[uint64]*profile.Location
	functions map[functionKey]*profile.Function
	mappings  map[uint64]*profile.Mapping
}

func (b *profileBuilder) addStack(p *Process, st *Stack) {
	s := &profile.Sample{
		Value: []int64{1},
		Label: map[string][]string{"thread": {strconv.FormatUint(uint64(st.ThreadID), 10)}},
	}
	var inlined []unwind.Frame
	for _, f := range st.Frames {
		if f.Inline {
			inlined = append(inlined, f)
			continue
		}
		s.Location = append(s.Location, b.location(p, f, inlined))
		inlined = inlined[:0]
	}
	if len(s.Location) > 0 {
		b.p.Sample = append(b.p.Sample, s)
	}
}

// location returns the location of the real frame f, inlined are the
// inline frames that preceded it, innermost first.
func (b *profileBuilder) location(p *Process, f unwind.Frame, inlined []unwind.Frame) *profile.Location {
	if loc, ok := b.locations[f.PC]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:      uint64(len(b.p.Location) + 1),
		Address: f.PC,
	}
	if m, ok := p.catalog.ModuleForAddress(f.PC); ok {
		loc.Mapping = b.mappings[m.Base]
	}

	file, line := "", 0
	if f.Symbol != nil {
		file, line = f.Symbol.File, f.Symbol.Line
	}
	// pprof wants the innermost function first, each line is the
	// position inside its function
	for _, inl := range inlined {
		loc.Line = append(loc.Line, profile.Line{Function: b.function(functionName(&inl), file), Line: int64(line)})
		file, line = inl.CallFile, inl.CallLine
	}
	if f.Symbol != nil {
		loc.Line = append(loc.Line, profile.Line{Function: b.function(functionName(&f), file), Line: int64(line)})
	}

	b.p.Location = append(b.p.Location, loc)
	b.locations[f.PC] = loc
	return loc
}

func (b *profileBuilder) function(name, file string) *profile.Function {
	k := functionKey{name, file}
	if fn, ok := b.functions[k]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       name,
		SystemName: name,
		Filename:   file,
	}
	b.p.Function = append(b.p.Function, fn)
	b.functions[k] = fn
	return fn
}

// functionName is the name of the function of f without displacement.
func functionName(f *unwind.Frame) string {
	si := *f.Symbol
	si.Displacement = 0
	return si.String()
}
