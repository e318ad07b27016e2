package proc

import (
	"fmt"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/symbols"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// Event is a debug event reported by the source driving a live target.
// The Process never waits for events itself.
type Event interface {
	event()
}

// ModuleLoadEvent reports a module mapped at Base.
type ModuleLoadEvent struct {
	Base      uint64
	Size      uint32 // zero means the size in the image headers
	ImagePath string
	// Image is the parsed image, optional. When nil the headers are read
	// from target memory.
	Image *pe.Metadata
}

// ModuleUnloadEvent reports the module at Base being unmapped.
type ModuleUnloadEvent struct {
	Base uint64
}

// ThreadCreateEvent reports a new thread and its initial registers.
type ThreadCreateEvent struct {
	ID                   uint32
	TEB                  uint64
	Context              unwind.Context
	StackStart, StackEnd uint64
}

// ThreadExitEvent reports the exit of a thread.
type ThreadExitEvent struct {
	ID uint32
}

// ContextEvent updates the registers of a thread, for example after the
// source suspended it.
type ContextEvent struct {
	ID      uint32
	Context unwind.Context
}

// ExceptionEvent reports an exception raised by a thread. The context of
// the thread becomes the context of the exception.
type ExceptionEvent struct {
	Exception
}

func (ModuleLoadEvent) event()   {}
func (ModuleUnloadEvent) event() {}
func (ThreadCreateEvent) event() {}
func (ThreadExitEvent) event()   {}
func (ContextEvent) event()      {}
func (ExceptionEvent) event()    {}

// HandleEvent updates the state of the process with ev.
func (p *Process) HandleEvent(ev Event) error {
	switch ev := ev.(type) {
	case ModuleLoadEvent:
		return p.loadModule(ev)
	case ModuleUnloadEvent:
		m, ok := p.catalog.ModuleForAddress(ev.Base)
		if !ok || m.Base != ev.Base {
			return fmt.Errorf("no module at %#x", ev.Base)
		}
		p.log.Debugf("module %s unloaded from %#x", m.Name(), ev.Base)
		return p.catalog.UnregisterModule(m.Handle)
	case ThreadCreateEvent:
		if ev.Context.Arch != p.arch {
			return fmt.Errorf("thread %d: %s context for a %s process", ev.ID, ev.Context.Arch, p.arch)
		}
		p.threads[ev.ID] = &Thread{ID: ev.ID, TEB: ev.TEB, Context: ev.Context, StackStart: ev.StackStart, StackEnd: ev.StackEnd}
		return nil
	case ThreadExitEvent:
		if _, ok := p.threads[ev.ID]; !ok {
			return fmt.Errorf("%w: %d", ErrThreadNotFound, ev.ID)
		}
		delete(p.threads, ev.ID)
		if p.exc != nil && p.exc.ThreadID == ev.ID {
			p.exc = nil
		}
		return nil
	case ContextEvent:
		th, err := p.Thread(ev.ID)
		if err != nil {
			return err
		}
		th.Context = ev.Context
		return nil
	case ExceptionEvent:
		exc := ev.Exception
		if th, ok := p.threads[exc.ThreadID]; ok {
			th.Context = exc.Context
		}
		p.exc = &exc
		return nil
	}
	return fmt.Errorf("unknown event %T", ev)
}

func (p *Process) loadModule(ev ModuleLoadEvent) error {
	img, size := ev.Image, ev.Size
	if img == nil {
		if size == 0 {
			var err error
			size, err = sizeOfImage(p.mem, ev.Base)
			if err != nil {
				return fmt.Errorf("module %s at %#x: %w", ev.ImagePath, ev.Base, err)
			}
		}
		var err error
		img, err = imageFromMemory(p.mem, ev.Base, size)
		if err != nil {
			// still registered, symbolized by address only
			p.log.Warnf("module %s at %#x: %v", ev.ImagePath, ev.Base, err)
			img = nil
		}
	}
	mi := symbols.ModuleInfo{Base: ev.Base, Size: size, ImagePath: ev.ImagePath}
	if img != nil {
		mi = symbols.ModuleInfoFromImage(ev.ImagePath, ev.Base, img)
		if size != 0 {
			mi.Size = size
		}
	}
	if _, err := p.catalog.RegisterModule(mi); err != nil {
		return err
	}
	p.log.Debugf("module %s loaded at %#x", mi.Name(), ev.Base)
	return nil
}
