package proc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-delve/symsnap/pkg/logflags"
	"github.com/go-delve/symsnap/pkg/memcache"
	"github.com/go-delve/symsnap/pkg/snapshot"
	"github.com/go-delve/symsnap/pkg/symbols"
	"github.com/go-delve/symsnap/pkg/unwind"
)

// ErrThreadNotFound is returned for thread ids the process does not know.
var ErrThreadNotFound = errors.New("thread not found")

// Config configures a Process.
type Config struct {
	// Locator finds symbol files, optional.
	Locator symbols.Locator
	// EagerSymbols loads symbols when a module is registered.
	EagerSymbols bool
	// MaxFrames bounds every stack walk, zero means unwind.DefaultMaxFrames.
	MaxFrames int
	// TolerateReadErrors ends walks successfully on unreadable memory.
	TolerateReadErrors bool
	// MemoryCachePages is the size of the page cache put in front of the
	// memory of live processes. Zero disables it.
	MemoryCachePages int
	// SymbolParallelism is the number of symbol files fetched at once
	// when a stack trace needs several. Zero means 4.
	SymbolParallelism int
}

// Thread is a thread of the target.
type Thread struct {
	ID      uint32
	TEB     uint64
	Context unwind.Context
	// StackStart and StackEnd delimit the stack of the thread when known,
	// StackEnd is the highest address.
	StackStart, StackEnd uint64
}

// Exception is the exception that stopped the target.
type Exception struct {
	ThreadID   uint32
	Code       uint32
	Flags      uint32
	Address    uint64
	Parameters []uint64
	Context    unwind.Context
}

// MemoryMapEntry represent a memory mapping in the target process.
type MemoryMapEntry struct {
	Addr uint64
	Size uint64

	Read, Write, Exec bool
}

// MemoryMapper is implemented by memory readers that can enumerate the
// committed memory of the target. Full memory dumps need it.
type MemoryMapper interface {
	MemoryMap() ([]MemoryMapEntry, error)
}

// Process is a target: a live process or a snapshot.
//
// A Process is not safe for concurrent use.
type Process struct {
	pid     uint32
	arch    unwind.Arch
	mem     unwind.MemoryReader
	mapper  MemoryMapper
	catalog *symbols.Catalog
	threads map[uint32]*Thread
	exc     *Exception
	sysInfo *snapshot.SystemInfo
	cfg     Config

	view *snapshot.View
	log  logflags.Logger
}

// New creates a Process over the memory of a live target. The process
// starts without modules or threads, they are reported through
// HandleEvent.
func New(pid uint32, mem unwind.MemoryReader, arch unwind.Arch, cfg Config) *Process {
	p := newProcess(pid, arch, cfg)
	if m, ok := mem.(MemoryMapper); ok {
		p.mapper = m
	}
	if cfg.MemoryCachePages > 0 {
		mem = memcache.New(mem, cfg.MemoryCachePages)
	}
	p.mem = mem
	return p
}

func newProcess(pid uint32, arch unwind.Arch, cfg Config) *Process {
	return &Process{
		pid:     pid,
		arch:    arch,
		catalog: symbols.New(symbols.Options{Locator: cfg.Locator, EagerLoad: cfg.EagerSymbols}),
		threads: map[uint32]*Thread{},
		cfg:     cfg,
		log:     logflags.ProcLogger().WithField("pid", pid),
	}
}

// Pid returns the process id of the target, 0 if unknown.
func (p *Process) Pid() uint32 { return p.pid }

// Arch returns the architecture of the target.
func (p *Process) Arch() unwind.Arch { return p.arch }

// Catalog returns the symbol catalog of the target.
func (p *Process) Catalog() *symbols.Catalog { return p.catalog }

// Memory returns the memory of the target.
func (p *Process) Memory() unwind.MemoryReader { return p.mem }

// Exception returns the exception that stopped the target, or nil.
func (p *Process) Exception() *Exception { return p.exc }

// SystemInfo returns the system information recorded in a snapshot, nil
// for live targets.
func (p *Process) SystemInfo() *snapshot.SystemInfo { return p.sysInfo }

// Threads returns the threads of the target sorted by id.
func (p *Process) Threads() []*Thread {
	r := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		r = append(r, th)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// Thread returns the thread with the given id.
func (p *Process) Thread(tid uint32) (*Thread, error) {
	th, ok := p.threads[tid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrThreadNotFound, tid)
	}
	return th, nil
}

// Close releases the snapshot file of a process opened with
// OpenSnapshot. Live process memory belongs to the caller.
func (p *Process) Close() error {
	if p.view != nil {
		return p.view.Close()
	}
	return nil
}
