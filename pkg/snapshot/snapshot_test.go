package snapshot_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/snapshot"
)

func mem(addr uint64, b []byte) snapshot.Memory {
	return snapshot.Memory{Addr: addr, Size: uint64(len(b)), Data: bytes.NewReader(b)}
}

func fill(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func cvRecord(pdb string, age uint32) []byte {
	cv := pe.CodeView{
		ID:      pe.DebugID{GUID: uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301"), Age: age, HasGUID: true},
		PDBPath: pdb,
	}
	return cv.Bytes()
}

var (
	testSystemInfo = snapshot.SystemInfo{
		Arch:               snapshot.ArchAMD64,
		Level:              6,
		Revision:           0x9e0a,
		NumberOfProcessors: 8,
		ProductType:        1,
		MajorVersion:       10,
		BuildNumber:        19045,
		PlatformID:         2,
		CSDVersion:         "Service Pack 1",
	}

	testModules = []snapshot.Module{
		{BaseOfImage: 0x140000000, SizeOfImage: 0x20000, Checksum: 0x1234, TimeDateStamp: 0x5f000000, Name: `C:\app\app.exe`, CVRecord: cvRecord(`C:\build\app.pdb`, 1)},
		{BaseOfImage: 0x7ffa10000000, SizeOfImage: 0x1f8000, TimeDateStamp: 0x6a1b2c3d, Name: `C:\Windows\System32\ntdll.dll`, CVRecord: cvRecord("ntdll.pdb", 2),
			VersionInfo: snapshot.VSFixedFileInfo{Signature: 0xfeef04bd, FileVersionHi: 0xa0000}},
		{BaseOfImage: 0x7ffa20000000, SizeOfImage: 0x1000, Name: `C:\Windows\System32\kernel32.dll`, MiscRecord: []byte{1, 2, 3, 4}},
	}
)

func testThreads() []snapshot.Thread {
	return []snapshot.Thread{
		{ID: 0x10, Priority: 2, TEB: 0x3000, Stack: mem(0x7000, fill(0x100, 1)), Context: fill(1232, 3)},
		{ID: 0x14, SuspendCount: 1, TEB: 0x5000, Stack: mem(0x9000, fill(0x80, 7)), Context: fill(1232, 9)},
	}
}

func build(t *testing.T, fn func(b *snapshot.Builder)) []byte {
	t.Helper()
	var buf bytes.Buffer
	b := snapshot.NewBuilder(&buf)
	b.TimeDateStamp = 0x60000000
	b.Flags = snapshot.FileWithThreadInfo
	fn(b)
	require.NoError(t, b.Finalize())
	return buf.Bytes()
}

func open(t *testing.T, file []byte) *snapshot.View {
	t.Helper()
	v, err := snapshot.Open(bytes.NewReader(file), int64(len(file)))
	require.NoError(t, err)
	return v
}

func requireMemory(t *testing.T, want, got snapshot.Memory) {
	t.Helper()
	require.Equal(t, want.Addr, got.Addr)
	require.Equal(t, want.Size, got.Size)
	wb, err := want.Bytes()
	require.NoError(t, err)
	gb, err := got.Bytes()
	require.NoError(t, err)
	require.Equal(t, wb, gb)
}

func TestRoundTrip(t *testing.T) {
	threads := testThreads()
	heap := mem(0x20000, fill(0x40, 0x80))
	file := build(t, func(b *snapshot.Builder) {
		require.NoError(t, b.AddSystemInfo(testSystemInfo))
		require.NoError(t, b.AddModuleList(testModules))
		require.NoError(t, b.AddThreadList(threads))
		require.NoError(t, b.AddMemoryList([]snapshot.Memory{heap}))
	})

	v := open(t, file)
	require.Equal(t, uint32(snapshot.Signature), v.Header.Signature)
	require.Equal(t, uint32(snapshot.Version), v.Header.Version)
	require.Equal(t, uint32(0x60000000), v.Header.TimeDateStamp)
	require.Equal(t, snapshot.FileWithThreadInfo, v.Header.Flags)

	var types []snapshot.StreamType
	for _, d := range v.Directory {
		types = append(types, d.StreamType)
		require.LessOrEqual(t, uint64(d.Rva)+uint64(d.DataSize), uint64(len(file)))
	}
	require.Equal(t, []snapshot.StreamType{snapshot.SystemInfoStream, snapshot.ModuleListStream, snapshot.ThreadListStream, snapshot.MemoryListStream}, types)
	// the directory comes last
	require.Equal(t, uint32(len(file)-4*12), v.Header.StreamDirectoryRva)

	si, err := v.SystemInfo()
	require.NoError(t, err)
	require.Equal(t, testSystemInfo, *si)

	mods, err := v.Modules()
	require.NoError(t, err)
	require.Len(t, mods, 3)
	for i := range mods {
		want := testModules[i]
		if want.CVRecord == nil {
			require.Empty(t, mods[i].CVRecord)
			mods[i].CVRecord = nil
		}
		if want.MiscRecord == nil {
			require.Empty(t, mods[i].MiscRecord)
			mods[i].MiscRecord = nil
		}
		require.Equal(t, want, mods[i])
	}
	cv, err := mods[0].CodeView()
	require.NoError(t, err)
	require.Equal(t, "app.pdb", cv.PDBName())
	require.Equal(t, "3F2504E04F8911D39A0C0305E82C33011", cv.ID.String())
	cv, err = mods[2].CodeView()
	require.NoError(t, err)
	require.Nil(t, cv)

	gotThreads, err := v.Threads()
	require.NoError(t, err)
	require.Len(t, gotThreads, 2)
	for i, th := range gotThreads {
		require.Equal(t, threads[i].ID, th.ID)
		require.Equal(t, threads[i].SuspendCount, th.SuspendCount)
		require.Equal(t, threads[i].Priority, th.Priority)
		require.Equal(t, threads[i].TEB, th.TEB)
		require.Equal(t, threads[i].Context, th.Context)
		requireMemory(t, threads[i].Stack, th.Stack)
	}

	ranges, err := v.MemoryRanges()
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	requireMemory(t, heap, ranges[0])

	_, err = v.Exception()
	require.ErrorIs(t, err, snapshot.ErrStreamNotFound)

	m, err := v.Memory()
	require.NoError(t, err)
	b, err := m.ReadMemory(0x7010, 8)
	require.NoError(t, err)
	require.Equal(t, fill(0x100, 1)[0x10:0x18], b)
	b, err = m.ReadMemory(0x20000, 0x40)
	require.NoError(t, err)
	require.Equal(t, fill(0x40, 0x80), b)
	_, err = m.ReadMemory(0x8000, 1)
	require.Error(t, err)

	// a copy without edits is the same file
	var out bytes.Buffer
	require.NoError(t, snapshot.Rewrite(v, &out, nil))
	require.Equal(t, file, out.Bytes())
}

func TestRawStreams(t *testing.T) {
	user := snapshot.LastReservedStream + 1
	file := build(t, func(b *snapshot.Builder) {
		require.NoError(t, b.AddStream(user, []byte("first")))
		require.NoError(t, b.AddStream(user, []byte("second")))
		require.NoError(t, b.AddMiscInfo(snapshot.MiscInfo{Flags: snapshot.MiscProcessID, ProcessID: 4242}))
		require.NoError(t, b.AddComment("crash in wWinMain ✓"))
		require.NoError(t, b.AddException(snapshot.Exception{ThreadID: 0x14, Code: 0xc0000005, Address: 0x140001234, Parameters: []uint64{1, 0x10}, Context: fill(1232, 5)}))
	})
	v := open(t, file)

	sr, err := v.StreamAt(0)
	require.NoError(t, err)
	data := make([]byte, sr.Size())
	_, err = sr.Read(data)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)
	sr, err = v.StreamAt(1)
	require.NoError(t, err)
	require.Equal(t, int64(len("second")), sr.Size())

	mi, err := v.MiscInfo()
	require.NoError(t, err)
	require.Equal(t, uint32(4242), mi.ProcessID)

	comment, err := v.Comment()
	require.NoError(t, err)
	require.Equal(t, "crash in wWinMain ✓", comment)

	exc, err := v.Exception()
	require.NoError(t, err)
	require.Equal(t, uint32(0xc0000005), exc.Code)
	require.Equal(t, []uint64{1, 0x10}, exc.Parameters)
	require.Equal(t, fill(1232, 5), exc.Context)

	_, err = v.Modules()
	require.ErrorIs(t, err, snapshot.ErrStreamNotFound)
	_, err = v.MemoryRanges()
	require.ErrorIs(t, err, snapshot.ErrStreamNotFound)
}

func TestUnknownStream(t *testing.T) {
	unknown := snapshot.StreamType(0x47670007)
	payload := fill(37, 0x20)
	file := build(t, func(b *snapshot.Builder) {
		require.NoError(t, b.AddStream(unknown, payload))
		require.NoError(t, b.AddSystemInfo(testSystemInfo))
		require.NoError(t, b.AddStream(snapshot.StreamType(0x77), payload))
	})
	v := open(t, file)
	si, err := v.SystemInfo()
	require.NoError(t, err)
	require.Equal(t, testSystemInfo.BuildNumber, si.BuildNumber)

	var out bytes.Buffer
	require.NoError(t, snapshot.Rewrite(v, &out, func(b *snapshot.Builder) error {
		return b.AddComment("rewritten")
	}))
	v2 := open(t, out.Bytes())
	for _, typ := range []snapshot.StreamType{unknown, snapshot.StreamType(0x77)} {
		sr, err := v2.Stream(typ)
		require.NoError(t, err)
		got := make([]byte, sr.Size())
		_, err = sr.ReadAt(got, 0)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
	comment, err := v2.Comment()
	require.NoError(t, err)
	require.Equal(t, "rewritten", comment)
}

func TestRewriteDamagedStreams(t *testing.T) {
	user := snapshot.LastReservedStream + 1
	file := build(t, func(b *snapshot.Builder) {
		require.NoError(t, b.AddSystemInfo(testSystemInfo))
		require.NoError(t, b.AddModuleList(testModules))
		require.NoError(t, b.AddThreadList(testThreads()))
		require.NoError(t, b.AddStream(user, []byte("becomes a second system info")))
		require.NoError(t, b.AddStream(user, []byte("runs past the end")))
	})
	v := open(t, file)
	dirRva := binary.LittleEndian.Uint32(file[12:])
	entry := func(i int) []byte {
		return file[dirRva+uint32(i)*12:]
	}
	users := 0
	for i, d := range v.Directory {
		switch d.StreamType {
		case snapshot.ThreadListStream:
			binary.LittleEndian.PutUint32(file[d.Rva:], 0xffff)
		case user:
			if users == 0 {
				binary.LittleEndian.PutUint32(entry(i), uint32(snapshot.SystemInfoStream))
			} else {
				binary.LittleEndian.PutUint32(entry(i)[4:], 0x7fffffff)
			}
			users++
		}
	}
	require.Equal(t, 2, users)

	v = open(t, file)
	var cerr *snapshot.CorruptError
	_, err := v.Threads()
	require.ErrorAs(t, err, &cerr)

	var out bytes.Buffer
	require.NoError(t, snapshot.Rewrite(v, &out, nil))
	v2 := open(t, out.Bytes())

	si, err := v2.SystemInfo()
	require.NoError(t, err)
	require.Equal(t, testSystemInfo.BuildNumber, si.BuildNumber)
	mods, err := v2.Modules()
	require.NoError(t, err)
	require.Len(t, mods, len(testModules))

	// the thread list is carried over undecoded
	require.True(t, v2.HasStream(snapshot.ThreadListStream))
	_, err = v2.Threads()
	require.ErrorAs(t, err, &cerr)

	counts := map[snapshot.StreamType]int{}
	for _, d := range v2.Directory {
		counts[d.StreamType]++
	}
	require.Equal(t, 1, counts[snapshot.SystemInfoStream])
	require.Zero(t, counts[user])
}

func TestDuplicateStream(t *testing.T) {
	b := snapshot.NewBuilder(&bytes.Buffer{})
	require.NoError(t, b.AddSystemInfo(testSystemInfo))
	err := b.AddSystemInfo(testSystemInfo)
	require.ErrorIs(t, err, snapshot.ErrDuplicateStream)
	err = b.AddStream(snapshot.SystemInfoStream, nil)
	require.ErrorIs(t, err, snapshot.ErrDuplicateStream)

	b.RemoveStream(snapshot.SystemInfoStream)
	require.NoError(t, b.AddSystemInfo(testSystemInfo))
	require.NoError(t, b.Finalize())
	require.ErrorIs(t, b.AddComment("late"), snapshot.ErrFinalized)
	require.ErrorIs(t, b.Finalize(), snapshot.ErrFinalized)
}

func TestMemory64(t *testing.T) {
	a := mem(0x10000, fill(0x1000, 0))
	c := mem(0x11000, fill(0x800, 0x40))
	file := build(t, func(b *snapshot.Builder) {
		require.NoError(t, b.AddThreadList(testThreads()))
		require.NoError(t, b.AddMemory64List([]snapshot.Memory{a, c}))
	})
	v := open(t, file)
	ranges, err := v.MemoryRanges()
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	requireMemory(t, a, ranges[0])
	requireMemory(t, c, ranges[1])

	m, err := v.Memory()
	require.NoError(t, err)
	// spans the two ranges
	b, err := m.ReadMemory(0x10ff8, 16)
	require.NoError(t, err)
	require.Equal(t, append(fill(0x1000, 0)[0xff8:], fill(0x800, 0x40)[:8]...), b)
	require.Len(t, m.Regions(), 4)

	var out bytes.Buffer
	require.NoError(t, snapshot.Rewrite(v, &out, nil))
	require.Equal(t, file, out.Bytes())
}

func TestOpenErrors(t *testing.T) {
	file := build(t, func(b *snapshot.Builder) {
		require.NoError(t, b.AddSystemInfo(testSystemInfo))
		require.NoError(t, b.AddModuleList(testModules))
		require.NoError(t, b.AddMemoryList([]snapshot.Memory{mem(0x20000, fill(0x40, 0))}))
	})

	var notSnapshot *snapshot.NotASnapshotError
	_, err := snapshot.Open(bytes.NewReader(file[:16]), 16)
	require.ErrorAs(t, err, &notSnapshot)
	elf := append([]byte{0x7f, 'E', 'L', 'F'}, file[4:]...)
	_, err = snapshot.Open(bytes.NewReader(elf), int64(len(elf)))
	require.ErrorAs(t, err, &notSnapshot)
	require.Equal(t, "signature", notSnapshot.What)

	t.Run("version", func(t *testing.T) {
		f := bytes.Clone(file)
		binary.LittleEndian.PutUint16(f[4:], snapshot.Version+1)
		v, err := snapshot.Open(bytes.NewReader(f), int64(len(f)))
		var verr *snapshot.UnsupportedVersionError
		require.ErrorAs(t, err, &verr)
		require.NotNil(t, v)
		si, err := v.SystemInfo()
		require.NoError(t, err)
		require.Equal(t, snapshot.ArchAMD64, si.Arch)
	})

	t.Run("truncated stream", func(t *testing.T) {
		f := bytes.Clone(file)
		v := open(t, f)
		// module list claims more bytes than the file has
		dirOff := int(v.Header.StreamDirectoryRva) + 12
		binary.LittleEndian.PutUint32(f[dirOff+4:], uint32(len(f)))
		v = open(t, f)
		_, err := v.Modules()
		var corrupt *snapshot.CorruptError
		require.ErrorAs(t, err, &corrupt)
		require.Equal(t, snapshot.ModuleListStream, corrupt.Stream)
		_, err = v.SystemInfo()
		require.NoError(t, err)
		_, err = v.MemoryRanges()
		require.NoError(t, err)
	})

	t.Run("memory past end", func(t *testing.T) {
		f := bytes.Clone(file)
		v := open(t, f)
		d := v.Directory[2]
		require.Equal(t, snapshot.MemoryListStream, d.StreamType)
		binary.LittleEndian.PutUint32(f[d.Rva+4+8+4:], uint32(len(f)-8))
		v = open(t, f)
		_, err := v.MemoryRanges()
		var corrupt *snapshot.CorruptError
		require.ErrorAs(t, err, &corrupt)
		require.Equal(t, snapshot.MemoryListStream, corrupt.Stream)
		mods, err := v.Modules()
		require.NoError(t, err)
		require.Len(t, mods, 3)
		_, err = v.Memory()
		require.True(t, errors.As(err, &corrupt))
	})

	t.Run("directory past end", func(t *testing.T) {
		f := bytes.Clone(file)
		binary.LittleEndian.PutUint32(f[8:], 1000)
		_, err := snapshot.Open(bytes.NewReader(f), int64(len(f)))
		var corrupt *snapshot.CorruptError
		require.ErrorAs(t, err, &corrupt)
	})
}
