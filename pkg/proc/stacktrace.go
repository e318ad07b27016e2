package proc

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-delve/symsnap/pkg/symbols"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// ErrNoException is returned by ExceptionStacktrace when the target did
// not stop on an exception.
var ErrNoException = errors.New("no exception")

const defaultSymbolParallelism = 4

// Stack is the call stack of a thread.
type Stack struct {
	ThreadID uint32
	Frames   []unwind.Frame
	// Reason and Err tell why the walk ended, Frames are valid either
	// way.
	Reason unwind.Reason
	Err    error
}

// Stacktrace returns the stack of thread tid, at most depth frames long
// (zero means the configured limit).
func (p *Process) Stacktrace(ctx context.Context, tid uint32, depth int) (*Stack, error) {
	th, err := p.Thread(tid)
	if err != nil {
		return nil, err
	}
	st, err := p.StacktraceFrom(ctx, th.Context, depth)
	if err != nil {
		return nil, err
	}
	st.ThreadID = tid
	return st, nil
}

// Stacktraces returns the stacks of every thread, sorted by thread id.
// A walk ending early is not an error, see Stack.Reason.
func (p *Process) Stacktraces(ctx context.Context, depth int) ([]*Stack, error) {
	var r []*Stack
	for _, th := range p.Threads() {
		st, err := p.Stacktrace(ctx, th.ID, depth)
		if err != nil {
			return r, err
		}
		r = append(r, st)
	}
	return r, nil
}

// ExceptionStacktrace returns the stack of the faulting thread at the
// time of the exception.
func (p *Process) ExceptionStacktrace(ctx context.Context, depth int) (*Stack, error) {
	if p.exc == nil {
		return nil, ErrNoException
	}
	st, err := p.StacktraceFrom(ctx, p.exc.Context, depth)
	if err != nil {
		return nil, err
	}
	st.ThreadID = p.exc.ThreadID
	return st, nil
}

// StacktraceFrom walks the stack starting at regs.
//
// The walk itself never loads symbols. Modules met by the walk whose
// symbols were not loaded yet are loaded together afterwards, and the
// stack is walked again if that changed anything, so that frames are
// named and inline frames expanded.
func (p *Process) StacktraceFrom(ctx context.Context, regs unwind.Context, depth int) (*Stack, error) {
	if regs.Arch != p.arch {
		return nil, fmt.Errorf("%s context for a %s process", regs.Arch, p.arch)
	}
	st := p.walk(regs, depth)

	var pending []symbols.ModuleHandle
	seen := map[symbols.ModuleHandle]bool{}
	for i := range st.Frames {
		f := &st.Frames[i]
		if f.Inline {
			continue
		}
		m, ok := p.catalog.ModuleForAddress(f.PC)
		if !ok || seen[m.Handle] {
			continue
		}
		seen[m.Handle] = true
		if m.Status() == symbols.NotLoaded {
			pending = append(pending, m.Handle)
		}
	}
	if len(pending) == 0 {
		return st, nil
	}

	parallelism := p.cfg.SymbolParallelism
	if parallelism <= 0 {
		parallelism = defaultSymbolParallelism
	}
	if err := p.catalog.PrefetchSymbolFiles(ctx, pending, parallelism); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Debugf("loading symbols: %v", err)
	}
	return p.walk(regs, depth), nil
}

func (p *Process) walk(regs unwind.Context, depth int) *Stack {
	if depth <= 0 {
		depth = p.cfg.MaxFrames
	}
	frames, reason, err := unwind.Walk(regs, p.mem, p.catalog, unwind.Options{
		MaxFrames:          depth,
		TolerateReadErrors: p.cfg.TolerateReadErrors,
		Symbols:            p.catalog,
	})
	return &Stack{Frames: frames, Reason: reason, Err: err}
}
