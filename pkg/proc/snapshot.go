package proc

import (
	"errors"
	"fmt"

	"github.com/go-delve/symsnap/pkg/logflags"
	"github.com/go-delve/symsnap/pkg/memcache"
	"github.com/go-delve/symsnap/pkg/snapshot"
	"github.com/go-delve/symsnap/pkg/symbols"
	"github.com/go-delve/symsnap/pkg/unwind"
	"github.com/go-delve/symsnap/pkg/winutil"
)

// ErrUnknownArch is returned when the architecture of a snapshot can not
// be determined.
var ErrUnknownArch = errors.New("unknown architecture")

// OpenSnapshot opens the snapshot file at path. Modules, threads, memory
// and the exception recorded in the file become the state of the
// returned Process.
//
// Damaged streams do not prevent opening the snapshot as long as the
// thread list is readable, their errors are logged. Neither does an
// unknown format version.
func OpenSnapshot(path string, cfg Config) (*Process, error) {
	v, err := snapshot.OpenFile(path)
	if err != nil {
		var verr *snapshot.UnsupportedVersionError
		if v == nil || !errors.As(err, &verr) {
			return nil, err
		}
		// The directory was readable, streams are checked one by one.
		logflags.ProcLogger().Warnf("%s: %v", path, err)
	}
	p, err := FromSnapshot(v, cfg)
	if err != nil {
		v.Close()
		return nil, err
	}
	return p, nil
}

// FromSnapshot builds a Process from an open snapshot. The Process owns v
// and closes it in Close.
func FromSnapshot(v *snapshot.View, cfg Config) (*Process, error) {
	var pid uint32
	if mi, err := v.MiscInfo(); err == nil && mi.Flags&snapshot.MiscProcessID != 0 {
		pid = mi.ProcessID
	}
	p := newProcess(pid, unwind.ArchUnknown, cfg)
	p.view = v

	mem, err := v.Memory()
	if err != nil {
		p.log.Warnf("reading memory streams: %v", err)
	}
	p.mapper = splicedMapper{mem}
	p.mem = mem
	if cfg.MemoryCachePages > 0 {
		p.mem = memcache.New(mem, cfg.MemoryCachePages)
	}

	if si, err := v.SystemInfo(); err == nil {
		p.sysInfo = si
		p.arch = si.Arch.UnwindArch()
	} else if !errors.Is(err, snapshot.ErrStreamNotFound) {
		p.log.Warnf("reading system info: %v", err)
	}

	mods, err := v.Modules()
	if err != nil && !errors.Is(err, snapshot.ErrStreamNotFound) {
		p.log.Warnf("reading module list: %v", err)
	}
	for i := range mods {
		p.addSnapshotModule(&mods[i])
	}

	if p.arch == unwind.ArchUnknown {
		for _, m := range p.catalog.Modules() {
			if m.Image != nil {
				p.arch = unwind.ArchForMachine(m.Image.Machine)
				break
			}
		}
	}
	if p.arch == unwind.ArchUnknown {
		return nil, ErrUnknownArch
	}

	threads, err := v.Threads()
	if err != nil && !errors.Is(err, snapshot.ErrStreamNotFound) {
		return nil, fmt.Errorf("reading thread list: %w", err)
	}
	for _, t := range threads {
		ctx, err := winutil.DecodeContext(p.arch, t.Context)
		if err != nil {
			p.log.Warnf("thread %d: %v", t.ID, err)
			continue
		}
		p.threads[t.ID] = &Thread{
			ID:         t.ID,
			TEB:        t.TEB,
			Context:    ctx,
			StackStart: t.Stack.Addr,
			StackEnd:   t.Stack.End(),
		}
	}

	exc, err := v.Exception()
	switch {
	case err == nil:
		ctx, err := winutil.DecodeContext(p.arch, exc.Context)
		if err != nil {
			p.log.Warnf("exception context: %v", err)
			if th, ok := p.threads[exc.ThreadID]; ok {
				ctx = th.Context
			}
		}
		p.exc = &Exception{
			ThreadID:   exc.ThreadID,
			Code:       exc.Code,
			Flags:      exc.Flags,
			Address:    exc.Address,
			Parameters: exc.Parameters,
			Context:    ctx,
		}
	case !errors.Is(err, snapshot.ErrStreamNotFound):
		p.log.Warnf("reading exception: %v", err)
	}

	p.log.Debugf("opened snapshot: %s, %d modules, %d threads", p.arch, len(mods), len(p.threads))
	return p, nil
}

func (p *Process) addSnapshotModule(m *snapshot.Module) {
	mi := symbols.ModuleInfo{
		Base:          m.BaseOfImage,
		Size:          m.SizeOfImage,
		Checksum:      m.Checksum,
		TimeDateStamp: m.TimeDateStamp,
		ImagePath:     m.Name,
	}
	cv, err := m.CodeView()
	if err != nil {
		p.log.Debugf("module %s: %v", m.Name, err)
	}
	if cv != nil {
		mi.DebugID = cv.ID
		mi.DebugFile = cv.PDBName()
	}
	mi.Image, mi.LoadedPath = p.findImage(m.BaseOfImage, m.SizeOfImage, m.TimeDateStamp, m.Name)
	if mi.Image != nil && cv == nil && mi.Image.CodeView != nil {
		mi.DebugID = mi.Image.CodeView.ID
		mi.DebugFile = mi.Image.CodeView.PDBName()
	}
	if _, err := p.catalog.RegisterModule(mi); err != nil {
		p.log.Warnf("module %s: %v", m.Name, err)
	}
}

// splicedMapper exposes the regions of a snapshot as a memory map.
type splicedMapper struct {
	mem *snapshot.SplicedMemory
}

func (m splicedMapper) MemoryMap() ([]MemoryMapEntry, error) {
	regions := m.mem.Regions()
	r := make([]MemoryMapEntry, 0, len(regions))
	for _, reg := range regions {
		r = append(r, MemoryMapEntry{Addr: reg.Addr, Size: reg.Size, Read: true})
	}
	return r, nil
}
