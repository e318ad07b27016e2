package cmds

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/proc"
	"github.com/go-delve/symsnap/pkg/snapshot"
	"github.com/go-delve/symsnap/pkg/symbols"
	"github.com/go-delve/symsnap/pkg/unwind"
	"github.com/go-delve/symsnap/pkg/winutil"
)

func fileLine(file string, line int) string {
	if file == "" {
		return ""
	}
	return fmt.Sprintf(" at %s:%d", file, line)
}

func printImage(out io.Writer, img *pe.Metadata) {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "Machine:\t%s\n", unwind.ArchForMachine(img.Machine))
	fmt.Fprintf(w, "Timestamp:\t%#x (%s)\n", img.TimeDateStamp, time.Unix(int64(img.TimeDateStamp), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Image base:\t%#x\n", img.ImageBase)
	fmt.Fprintf(w, "Image size:\t%#x (%s)\n", img.SizeOfImage, humanize.IBytes(uint64(img.SizeOfImage)))
	fmt.Fprintf(w, "Entry point:\t%#x\n", img.AddressOfEntryPoint)
	if img.CodeView != nil {
		fmt.Fprintf(w, "Debug file:\t%s\n", img.CodeView.PDBPath)
		fmt.Fprintf(w, "Debug id:\t%s\n", img.CodeView.ID)
	}
	if img.Exports != nil {
		fmt.Fprintf(w, "Exports:\t%d (%s)\n", len(img.Exports.Exports), img.Exports.Name)
	}
	switch {
	case img.Unwind.Len() > 0:
		fmt.Fprintf(w, "Unwind info:\t%d functions\n", img.Unwind.Len())
	case len(img.ARM64) > 0:
		fmt.Fprintf(w, "Unwind info:\t%d functions\n", len(img.ARM64))
	case len(img.FPO) > 0:
		fmt.Fprintf(w, "FPO records:\t%d\n", len(img.FPO))
	}
	if img.LoadConfig != nil && img.LoadConfig.SecurityCookie != 0 {
		fmt.Fprintf(w, "Security cookie:\t%#x\n", img.LoadConfig.SecurityCookie)
	}
	w.Flush()

	fmt.Fprintln(out, "\nSections:")
	w = tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, s := range img.Sections {
		fmt.Fprintf(w, "  %s\t%#08x\t%#x\t%s\n", s.Name, s.VirtualAddress, s.VirtualSize, humanize.IBytes(uint64(s.SizeOfRawData)))
	}
	w.Flush()
}

func printStreams(out io.Writer, v *snapshot.View) {
	fmt.Fprintf(out, "Snapshot revision %d, %d streams, %s\n", v.Header.Revision(), len(v.Directory), humanize.IBytes(uint64(v.Size())))
	if v.Header.TimeDateStamp != 0 {
		fmt.Fprintf(out, "Taken %s\n", time.Unix(int64(v.Header.TimeDateStamp), 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Flags %s\n", v.Header.Flags)
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for i, d := range v.Directory {
		fmt.Fprintf(w, "%3d\t%s\t%#08x\t%s\n", i, d.StreamType, d.Rva, humanize.IBytes(uint64(d.DataSize)))
	}
	w.Flush()
	if c, err := v.Comment(); err == nil {
		fmt.Fprintf(out, "Comment: %s\n", c)
	}
}

func printModules(out io.Writer, mods []*symbols.Module) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, m := range mods {
		id := "-"
		if !m.DebugID.IsZero() {
			id = m.DebugID.String()
		}
		img := "no image"
		if m.Image != nil {
			img = "image"
		}
		fmt.Fprintf(w, "%#016x-%#016x\t%s\t%s\t%s\t%s\t%s\n", m.Base, m.End(), m.Name(), humanize.IBytes(uint64(m.Size)), id, img, m.Status())
	}
	w.Flush()
}

func printStack(out io.Writer, st *proc.Stack, regs bool) {
	fmt.Fprintf(out, "Thread %d:\n", st.ThreadID)
	for i := range st.Frames {
		f := &st.Frames[i]
		file, line := "", 0
		if f.Symbol != nil {
			file, line = f.Symbol.File, f.Symbol.Line
		}
		if f.Inline {
			fmt.Fprintf(out, "%4d  %#016x in %s (inlined)%s\n", i, f.PC, f.Name(), fileLine(f.CallFile, f.CallLine))
			continue
		}
		fmt.Fprintf(out, "%4d  %#016x in %s%s [%s]\n", i, f.PC, f.Name(), fileLine(file, line), f.Method)
		if regs {
			for _, r := range winutil.Registers(&f.Context) {
				fmt.Fprintf(out, "        %6s = %#016x\n", r.Name, r.Value)
			}
		}
	}
	if st.Reason != unwind.Success {
		fmt.Fprintf(out, "  (walk stopped: %s", st.Reason)
		if st.Err != nil {
			fmt.Fprintf(out, ": %v", st.Err)
		}
		fmt.Fprintln(out, ")")
	}
}

func printMemoryMap(out io.Writer, mm []proc.MemoryMapEntry) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	total := uint64(0)
	for _, e := range mm {
		perm := []byte("---")
		if e.Read {
			perm[0] = 'r'
		}
		if e.Write {
			perm[1] = 'w'
		}
		if e.Exec {
			perm[2] = 'x'
		}
		fmt.Fprintf(w, "%#016x-%#016x\t%s\t%s\n", e.Addr, e.Addr+e.Size, perm, humanize.IBytes(e.Size))
		total += e.Size
	}
	w.Flush()
	fmt.Fprintf(out, "%d regions, %s committed\n", len(mm), humanize.IBytes(total))
}
