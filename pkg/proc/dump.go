package proc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/snapshot"
	"github.com/go-delve/symsnap/pkg/unwind"
	"github.com/go-delve/symsnap/pkg/version"
	"github.com/go-delve/symsnap/pkg/winutil"
)

var (
	ErrMemoryMapNotSupported = errors.New("MemoryMap not supported")
	errDumpCanceled          = errors.New("dump canceled")
)

const (
	pageSize = 0x1000
	// maxStackCapture bounds the stack saved for a thread.
	maxStackCapture = 8 << 20
	// stackCaptureFallback is saved above the stack pointer when the
	// stack limits of a thread are unknown.
	stackCaptureFallback = 64 << 10
	// codeCaptureSize is saved around the pc of every thread in stack
	// only dumps.
	codeCaptureSize = 256
)

// DumpState represents the current state of a dump in progress.
type DumpState struct {
	Mutex sync.Mutex

	Dumping  bool
	AllDone  bool
	Canceled bool
	DoneChan chan struct{}

	ThreadsDone, ThreadsTotal int
	MemDone, MemTotal         uint64

	Err error
}

// DumpFlags is used to configure (*Process).Dump
type DumpFlags uint16

const (
	// DumpFullMemory saves every readable region of the target instead
	// of thread stacks and the code they run.
	DumpFullMemory DumpFlags = 1 << iota
)

func (state *DumpState) setErr(err error) {
	if err == nil {
		return
	}
	state.Mutex.Lock()
	if state.Err == nil {
		state.Err = err
	}
	state.Mutex.Unlock()
}

func (state *DumpState) setThreadsTotal(n int) {
	state.Mutex.Lock()
	state.ThreadsTotal = n
	state.ThreadsDone = 0
	state.Mutex.Unlock()
}

func (state *DumpState) threadDone() {
	state.Mutex.Lock()
	state.ThreadsDone++
	state.Mutex.Unlock()
}

func (state *DumpState) setMemTotal(n uint64) {
	state.Mutex.Lock()
	state.MemTotal = n
	state.Mutex.Unlock()
}

func (state *DumpState) memDone(delta uint64) {
	state.Mutex.Lock()
	state.MemDone += delta
	state.Mutex.Unlock()
}

func (state *DumpState) isCanceled() bool {
	state.Mutex.Lock()
	defer state.Mutex.Unlock()
	return state.Canceled
}

// Dump writes a snapshot of the process to out. State is updated as the
// snapshot is written and its Err field holds the outcome.
func (p *Process) Dump(out io.Writer, flags DumpFlags, state *DumpState) {
	state.Mutex.Lock()
	state.Dumping = true
	state.Mutex.Unlock()
	defer func() {
		state.Mutex.Lock()
		state.Dumping = false
		if state.Err == nil {
			state.AllDone = true
		}
		state.Mutex.Unlock()
		if state.DoneChan != nil {
			close(state.DoneChan)
		}
	}()
	state.setErr(p.dump(out, flags, state))
}

func (p *Process) dump(out io.Writer, flags DumpFlags, state *DumpState) error {
	b := snapshot.NewBuilder(out)
	if flags&DumpFullMemory != 0 {
		b.Flags |= snapshot.FileWithFullMemory
	}

	if err := b.AddSystemInfo(p.dumpSystemInfo()); err != nil {
		return err
	}
	if p.pid != 0 {
		if err := b.AddMiscInfo(snapshot.MiscInfo{Flags: snapshot.MiscProcessID, ProcessID: p.pid}); err != nil {
			return err
		}
	}
	if err := b.AddModuleList(p.dumpModules()); err != nil {
		return err
	}

	threads := p.Threads()
	state.setThreadsTotal(len(threads))
	var sthreads []snapshot.Thread
	for _, th := range threads {
		if state.isCanceled() {
			return errDumpCanceled
		}
		st, err := p.dumpThread(th)
		if err != nil {
			return err
		}
		sthreads = append(sthreads, st)
		state.threadDone()
	}
	if err := b.AddThreadList(sthreads); err != nil {
		return err
	}

	if flags&DumpFullMemory != 0 {
		if p.mapper == nil {
			return ErrMemoryMapNotSupported
		}
		memmap, err := p.mapper.MemoryMap()
		if err != nil {
			return err
		}
		var ranges []snapshot.Memory
		memtot := uint64(0)
		for _, mme := range memmap {
			if !mme.Read || mme.Size == 0 {
				continue
			}
			for _, run := range p.readableRuns(mme.Addr, mme.Size) {
				if state.isCanceled() {
					return errDumpCanceled
				}
				ranges = append(ranges, snapshot.Memory{
					Addr: run.Addr,
					Size: run.Size,
					Data: &dumpReaderAt{mem: p.mem, addr: run.Addr, state: state},
				})
				memtot += run.Size
			}
		}
		state.setMemTotal(memtot)
		if err := b.AddMemory64List(ranges); err != nil {
			return err
		}
	} else if code := p.dumpCode(threads); len(code) > 0 {
		if err := b.AddMemoryList(code); err != nil {
			return err
		}
	}

	if p.exc != nil {
		ctx, err := winutil.EncodeContext(&p.exc.Context)
		if err != nil {
			return err
		}
		exc := snapshot.Exception{
			ThreadID:   p.exc.ThreadID,
			Code:       p.exc.Code,
			Flags:      p.exc.Flags,
			Address:    p.exc.Address,
			Parameters: p.exc.Parameters,
			Context:    ctx,
		}
		if err := b.AddException(exc); err != nil {
			return err
		}
	}

	if err := b.AddComment(fmt.Sprintf("symsnap %s, pid %d", version.SymsnapVersion.Short(), p.pid)); err != nil {
		return err
	}

	if err := b.Finalize(); err != nil {
		return fmt.Errorf("error writing output file: %w", err)
	}
	return nil
}

func (p *Process) dumpSystemInfo() snapshot.SystemInfo {
	if p.sysInfo != nil {
		return *p.sysInfo
	}
	ncpu := runtime.NumCPU()
	if ncpu > 0xff {
		ncpu = 0xff
	}
	return snapshot.SystemInfo{
		Arch:               snapshot.ArchFromUnwind(p.arch),
		NumberOfProcessors: uint8(ncpu),
		PlatformID:         2, // VER_PLATFORM_WIN32_NT
	}
}

func (p *Process) dumpModules() []snapshot.Module {
	mods := p.catalog.Modules()
	r := make([]snapshot.Module, 0, len(mods))
	for _, m := range mods {
		sm := snapshot.Module{
			BaseOfImage:   m.Base,
			SizeOfImage:   m.Size,
			Checksum:      m.Checksum,
			TimeDateStamp: m.TimeDateStamp,
			Name:          m.ImagePath,
		}
		if !m.DebugID.IsZero() {
			cv := &pe.CodeView{ID: m.DebugID, PDBPath: m.DebugFile}
			if m.Image != nil && m.Image.CodeView != nil {
				cv.PDBPath = m.Image.CodeView.PDBPath
			}
			sm.CVRecord = cv.Bytes()
		}
		r = append(r, sm)
	}
	return r
}

func (p *Process) dumpThread(th *Thread) (snapshot.Thread, error) {
	ctx, err := winutil.EncodeContext(&th.Context)
	if err != nil {
		return snapshot.Thread{}, fmt.Errorf("thread %d: %w", th.ID, err)
	}
	return snapshot.Thread{
		ID:      th.ID,
		TEB:     th.TEB,
		Stack:   p.captureStack(th),
		Context: ctx,
	}, nil
}

// captureStack saves the live part of the stack of th: from the stack
// pointer to the base of the stack. Reading stops at the first page that
// can not be read.
func (p *Process) captureStack(th *Thread) snapshot.Memory {
	sp := th.Context.SP()
	end := sp + stackCaptureFallback
	if th.StackEnd > sp && th.StackEnd-sp <= maxStackCapture {
		end = th.StackEnd
	}
	buf := p.readUntilFault(sp, end)
	return snapshot.Memory{Addr: sp, Size: uint64(len(buf)), Data: bytes.NewReader(buf)}
}

// readUntilFault reads [start, end) one page at a time and returns what
// was read before the first failure.
func (p *Process) readUntilFault(start, end uint64) []byte {
	var buf []byte
	for addr := start; addr < end; {
		next := (addr + pageSize) &^ (pageSize - 1)
		if next > end || next < addr {
			next = end
		}
		b, err := p.mem.ReadMemory(addr, uint32(next-addr))
		if err != nil {
			break
		}
		buf = append(buf, b...)
		addr = next
	}
	return buf
}

// dumpCode saves the code around the pc of every thread, so that the
// faulting instruction and epilogs can be examined without the image.
func (p *Process) dumpCode(threads []*Thread) []snapshot.Memory {
	var code []snapshot.Memory
	seen := map[uint64]bool{}
	pcs := make([]uint64, 0, len(threads)+1)
	for _, th := range threads {
		pcs = append(pcs, th.Context.PC())
	}
	if p.exc != nil {
		pcs = append(pcs, p.exc.Context.PC())
	}
	for _, pc := range pcs {
		start := pc - codeCaptureSize/2
		if pc < codeCaptureSize/2 {
			start = 0
		}
		start &^= 0xf
		if seen[start] {
			continue
		}
		seen[start] = true
		buf := p.readUntilFault(start, start+codeCaptureSize)
		if len(buf) == 0 {
			// the page of pc, then nothing
			buf = p.readUntilFault(pc, start+codeCaptureSize)
			start = pc
		}
		if len(buf) == 0 {
			continue
		}
		code = append(code, snapshot.Memory{Addr: start, Size: uint64(len(buf)), Data: bytes.NewReader(buf)})
	}
	return mergeRanges(code)
}

// mergeRanges drops ranges overlapping an earlier one. Memory lists may
// not describe the same byte twice.
func mergeRanges(ranges []snapshot.Memory) []snapshot.Memory {
	r := ranges[:0]
outer:
	for _, m := range ranges {
		for _, prev := range r {
			if m.Addr < prev.End() && prev.Addr < m.End() {
				continue outer
			}
		}
		r = append(r, m)
	}
	return r
}

// readableRuns splits [addr, addr+size) into the runs of pages that can
// actually be read. Regions reported readable by the memory map can still
// contain pages that fail, guard pages or mappings that changed since the
// map was taken; those pages are left out of the snapshot.
func (p *Process) readableRuns(addr, size uint64) []MemoryMapEntry {
	var runs []MemoryMapEntry
	end := addr + size
	for a := addr; a < end; {
		n := (a + pageSize) &^ (pageSize - 1)
		if n > end || n < a {
			n = end
		}
		if _, err := p.mem.ReadMemory(a, uint32(n-a)); err == nil {
			if k := len(runs); k > 0 && runs[k-1].Addr+runs[k-1].Size == a {
				runs[k-1].Size += n - a
			} else {
				runs = append(runs, MemoryMapEntry{Addr: a, Size: n - a, Read: true})
			}
		} else {
			p.log.Debugf("leaving unreadable page %#x out of the dump: %v", a, err)
		}
		a = n
	}
	return runs
}

// dumpReaderAt reads target memory for the snapshot writer. Only runs
// that were found readable are read through it, a read that fails anyway
// fails the dump.
type dumpReaderAt struct {
	mem   unwind.MemoryReader
	addr  uint64
	state *DumpState
}

func (r *dumpReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if r.state.isCanceled() {
		return 0, errDumpCanceled
	}
	addr := r.addr + uint64(off)
	for i := 0; i < len(p); {
		a := addr + uint64(i)
		n := int((a+pageSize)&^(pageSize-1) - a)
		if n > len(p)-i {
			n = len(p) - i
		}
		b, err := r.mem.ReadMemory(a, uint32(n))
		if err != nil {
			return i, err
		}
		copy(p[i:i+n], b)
		r.state.memDone(uint64(n))
		i += n
	}
	return len(p), nil
}
