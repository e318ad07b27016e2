package unwind

import (
	"errors"
	"fmt"

	"github.com/go-delve/symsnap/pkg/logflags"
	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/symbols"
)

// State is the state of a Walker.
type State uint8

const (
	Init State = iota
	Walking
	Terminated
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Walking:
		return "walking"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Reason tells why a walk terminated.
type Reason uint8

const (
	// Success means the outermost frame was reached.
	Success Reason = iota
	MemoryReadFailure
	MaxFramesReached
	// Corruption means the stack pointer did not move towards the base
	// of the stack.
	Corruption
)

func (r Reason) String() string {
	switch r {
	case Success:
		return "success"
	case MemoryReadFailure:
		return "memory read failure"
	case MaxFramesReached:
		return "max frames reached"
	case Corruption:
		return "corruption"
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// Walker walks a call stack one frame at a time, innermost first.
//
// A Walker is not safe for concurrent use. A walk is abandoned by
// dropping the Walker.
type Walker struct {
	mem     MemoryReader
	modules ModuleLookup
	opts    Options

	state  State
	reason Reason
	err    error

	cur     Context // registers of the last real frame
	first   bool    // cur is the input context
	emitted int
	pending []Frame

	next       Context // caller of cur, valid when nextErr is nil
	nextMethod Method
	nextErr    error
}

// Begin starts a walk from ctx. The modules argument may be nil, the walk
// then relies on frame pointers only.
func Begin(ctx Context, mem MemoryReader, modules ModuleLookup, opts Options) *Walker {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	return &Walker{mem: mem, modules: modules, opts: opts, cur: ctx, first: true}
}

// State returns the state of the walk.
func (w *Walker) State() State {
	return w.state
}

// Reason returns why the walk terminated. It is only meaningful once
// State returns Terminated.
func (w *Walker) Reason() Reason {
	return w.reason
}

// Err returns the error that terminated the walk: a *ReadError for
// MemoryReadFailure, an error wrapping ErrCorruption for Corruption and
// nil otherwise.
func (w *Walker) Err() error {
	return w.err
}

func (w *Walker) terminate(r Reason, err error) {
	w.state = Terminated
	w.reason = r
	w.err = err
	w.pending = nil
	logflags.UnwindLogger().Debugf("walk terminated after %d frames: %s", w.emitted, r)
}

// Step returns the next frame. It returns false once the walk
// terminated, see Reason.
func (w *Walker) Step() (Frame, bool) {
	switch w.state {
	case Terminated:
		return Frame{}, false
	case Init:
		w.state = Walking
		w.expand(MethodContext)
	default:
		if len(w.pending) == 0 && !w.advance() {
			return Frame{}, false
		}
	}
	if w.emitted >= w.opts.MaxFrames {
		w.terminate(MaxFramesReached, nil)
		return Frame{}, false
	}
	f := w.pending[0]
	w.pending = w.pending[1:]
	w.emitted++
	return f, true
}

// advance moves to the caller of the current frame and queues its frames.
func (w *Walker) advance() bool {
	if w.nextErr != nil {
		var re *ReadError
		switch {
		case errors.As(w.nextErr, &re):
			if w.opts.TolerateReadErrors && w.nextMethod == MethodFramePointer {
				w.terminate(Success, nil)
			} else {
				w.terminate(MemoryReadFailure, re)
			}
		case errors.Is(w.nextErr, ErrCorruption):
			w.terminate(Corruption, w.nextErr)
		default:
			w.terminate(Corruption, fmt.Errorf("%w: %v", ErrCorruption, w.nextErr))
		}
		return false
	}
	if w.next.PC() == 0 {
		w.terminate(Success, nil)
		return false
	}
	prev, sp := w.cur.SP(), w.next.SP()
	if sp < prev || (sp == prev && !w.first) {
		w.terminate(Corruption, fmt.Errorf("%w: stack pointer moved from %#x to %#x at pc %#x", ErrCorruption, prev, sp, w.next.PC()))
		return false
	}
	w.cur = w.next
	w.first = false
	w.expand(w.nextMethod)
	return true
}

// expand queues the frames at w.cur: the inline frames, innermost first,
// followed by the real frame. The caller context is computed right away
// since it provides the return address of the real frame.
func (w *Walker) expand(method Method) {
	pc := w.cur.PC()
	lookupPC := pc
	if !w.first && pc > 0 {
		// a return address may be the first byte after the call site's
		// function or inline range
		lookupPC = pc - 1
	}

	var (
		base    uint64
		modName string
		img     *pe.Metadata
		haveMod bool
	)
	if w.modules != nil {
		base, modName, img, haveMod = w.modules.LookupImage(lookupPC)
	}

	w.next, w.nextMethod, w.nextErr = w.unwind(base, img, haveMod)

	ret := uint64(0)
	if w.nextErr == nil {
		ret = w.next.PC()
	}

	if w.opts.Symbols != nil {
		for _, inl := range w.opts.Symbols.InlineFrames(lookupPC) {
			w.pending = append(w.pending, Frame{
				PC:            pc,
				SP:            w.cur.SP(),
				FP:            w.cur.FP(),
				ReturnAddress: pc,
				Inline:        true,
				InlineContext: inl.Context,
				CallFile:      inl.CallFile,
				CallLine:      inl.CallLine,
				Module:        modName,
				Symbol: &symbols.SymbolInfo{
					Symbol:     symbols.Symbol{Name: inl.Name, Kind: symbols.KindFunction},
					Module:     modName,
					ModuleBase: base,
				},
				Method: MethodInline,
			})
		}
	}

	f := Frame{
		PC:            pc,
		SP:            w.cur.SP(),
		FP:            w.cur.FP(),
		ReturnAddress: ret,
		Module:        modName,
		Method:        method,
		Context:       w.cur,
	}
	if w.opts.Symbols != nil {
		if si, ok := w.opts.Symbols.LookupSymbol(lookupPC); ok {
			si.Displacement = pc - si.Address
			f.Symbol = &si
		}
	}
	w.pending = append(w.pending, f)
}

// unwind computes the caller of w.cur.
func (w *Walker) unwind(base uint64, img *pe.Metadata, haveMod bool) (Context, Method, error) {
	if !haveMod {
		img = nil
	}
	switch w.cur.Arch {
	case ArchAMD64:
		if img != nil && img.Unwind.Len() > 0 {
			return w.unwindAMD64(base, img)
		}
	case ArchX86:
		if img != nil && len(img.FPO) > 0 {
			if caller, ok, err := w.unwindFPO(base, img); ok {
				return caller, MethodFPO, err
			}
		}
	case ArchARM64:
		if img != nil && w.first {
			if caller, ok := w.unwindARM64Entry(base, img); ok {
				return caller, MethodLinkRegister, nil
			}
		}
	default:
		return Context{}, MethodFramePointer, fmt.Errorf("%w: unsupported architecture %s", ErrCorruption, w.cur.Arch)
	}
	caller, err := w.unwindFramePointer()
	return caller, MethodFramePointer, err
}

// unwindFramePointer follows the frame pointer chain: the saved frame
// pointer of the caller is at [FP] and the return address right above it.
func (w *Walker) unwindFramePointer() (Context, error) {
	ptr := uint64(w.cur.Arch.PtrSize())
	fp := w.cur.FP()
	caller := w.cur
	if fp == 0 {
		caller.SetPC(0)
		return caller, nil
	}
	savedFP, err := readPtr(w.mem, fp, int(ptr))
	if err != nil {
		return Context{}, err
	}
	ret, err := readPtr(w.mem, fp+ptr, int(ptr))
	if err != nil {
		return Context{}, err
	}
	caller.SetFP(savedFP)
	caller.SetPC(ret)
	caller.SetSP(fp + 2*ptr)
	return caller, nil
}

// Walk walks the whole stack starting at ctx. It returns the frames
// walked, which are valid even when the walk did not succeed, and the
// reason the walk ended.
func Walk(ctx Context, mem MemoryReader, modules ModuleLookup, opts Options) ([]Frame, Reason, error) {
	w := Begin(ctx, mem, modules, opts)
	var frames []Frame
	for {
		f, ok := w.Step()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	return frames, w.Reason(), w.Err()
}
