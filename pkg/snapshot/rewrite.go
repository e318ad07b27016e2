package snapshot

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/symsnap/pkg/logflags"
)

// Rewrite writes a copy of v to w. Streams that reference other parts of
// the file (thread, module and memory lists, the exception and the system
// info) are decoded and encoded again at their new offsets, every other
// stream, including the ones this package does not know, is copied byte
// for byte. The header timestamp, flags and revision are kept.
//
// A stream that cannot be decoded is copied byte for byte instead, the
// offsets it holds are then stale. Streams that cannot be read at all and
// repeated entries of a stream type that may appear only once are left
// out. Both are logged as warnings.
//
// If edit is not nil it is called after every stream of v was added and
// may add or remove streams before the copy is finalized.
func Rewrite(v *View, w io.Writer, edit func(*Builder) error) error {
	b := NewBuilder(w)
	b.TimeDateStamp = v.Header.TimeDateStamp
	b.Flags = v.Header.Flags
	b.Revision = v.Header.Revision()

	logger := logflags.SnapshotLogger()
	for i, d := range v.Directory {
		if d.StreamType == UnusedStream {
			continue
		}
		if !d.StreamType.IsUser() && b.HasStream(d.StreamType) {
			logger.Warnf("dropping repeated %s stream (directory entry %d)", d.StreamType, i)
			continue
		}
		err := rewriteStream(v, b, i)
		var cerr *CorruptError
		if errors.As(err, &cerr) {
			logger.Warnf("copying %s stream without decoding it: %v", d.StreamType, err)
			err = copyStream(v, b, i)
			if errors.As(err, &cerr) {
				logger.Warnf("dropping unreadable %s stream: %v", d.StreamType, err)
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("rewriting %s: %w", d.StreamType, err)
		}
	}
	if edit != nil {
		if err := edit(b); err != nil {
			return err
		}
	}
	return b.Finalize()
}

func rewriteStream(v *View, b *Builder, i int) error {
	switch typ := v.Directory[i].StreamType; typ {
	case SystemInfoStream:
		si, err := v.SystemInfo()
		if err != nil {
			return err
		}
		return b.AddSystemInfo(*si)
	case ModuleListStream:
		mods, err := v.Modules()
		if err != nil {
			return err
		}
		return b.AddModuleList(mods)
	case ThreadListStream:
		threads, err := v.Threads()
		if err != nil {
			return err
		}
		return b.AddThreadList(threads)
	case MemoryListStream:
		ranges, err := v.memoryList()
		if err != nil {
			return err
		}
		return b.AddMemoryList(ranges)
	case Memory64ListStream:
		ranges, err := v.memory64List()
		if err != nil {
			return err
		}
		return b.AddMemory64List(ranges)
	case ExceptionStream:
		exc, err := v.Exception()
		if err != nil {
			return err
		}
		return b.AddException(*exc)
	default:
		return copyStream(v, b, i)
	}
}

func copyStream(v *View, b *Builder, i int) error {
	sr, err := v.StreamAt(i)
	if err != nil {
		return err
	}
	data := make([]byte, sr.Size())
	if _, err := io.ReadFull(sr, data); err != nil {
		return err
	}
	return b.AddStream(v.Directory[i].StreamType, data)
}
