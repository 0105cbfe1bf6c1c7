package vmm

import (
	"runtime"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/pmm"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testPaging builds page tables inside an anonymous mapping and points the
// package hooks at them. Leaf entries map made-up physical addresses that
// are never dereferenced.
type testPaging struct {
	alloc   *pmm.BitmapAllocator
	root    uintptr
	flushes int
}

func newTestPaging(t *testing.T, pages int) *testPaging {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	mem, err := unix.Mmap(-1, 0, pages*int(mm.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)

	tp := &testPaging{alloc: pmm.NewBitmapAllocator(uintptr(unsafe.Pointer(&mem[0])), uintptr(pages))}
	tp.root = tp.newTable(t)

	restore := SetHardwareHooks(
		func() uintptr { return tp.root },
		func() { tp.flushes++ },
	)
	t.Cleanup(func() {
		restore()
		_ = unix.Munmap(mem)
	})

	return tp
}

func (tp *testPaging) newTable(t *testing.T) uintptr {
	addr, err := tp.alloc.AllocatePages(1, mm.BootServicesData)
	require.Nil(t, err)
	return addr
}

// mapLeaf installs a leaf entry for virtAddr at the requested level creating
// any missing intermediate tables.
func (tp *testPaging) mapLeaf(t *testing.T, virtAddr, physAddr uintptr, level PageLevel, flags PageTableEntryFlag) *pageTableEntry {
	tableAddr := tp.root
	for l := PageLevel(0); l < level; l++ {
		pte := &tableAt(tableAddr)[(virtAddr>>pageLevelShifts[l])&(entriesPerTable-1)]
		if !pte.HasFlags(FlagPresent) {
			*pte = pageTableEntry(tp.newTable(t)) | pageTableEntry(FlagPresent|FlagRW)
		}
		tableAddr = uintptr(*pte) & ptePhysPageMask
	}

	if level != Level4K {
		flags |= FlagHugePage
	}

	pte := &tableAt(tableAddr)[(virtAddr>>pageLevelShifts[level])&(entriesPerTable-1)]
	*pte = pageTableEntry(physAddr | uintptr(flags))
	return pte
}

func kfmtHalt(fn func()) (restore func()) {
	prev := kfmt.SetHaltFn(fn)
	return func() { kfmt.SetHaltFn(prev) }
}

func TestPageLevel(t *testing.T) {
	specs := []struct {
		level PageLevel
		size  uintptr
		name  string
	}{
		{Level512G, 1 << 39, "512G"},
		{Level1G, mm.HugePageSize, "1G"},
		{Level2M, mm.LargePageSize, "2M"},
		{Level4K, mm.PageSize, "4K"},
	}

	for _, spec := range specs {
		require.Equal(t, spec.size, spec.level.Size())
		require.Equal(t, spec.name, spec.level.String())
	}
	require.Equal(t, "invalid", PageLevel(9).String())
}

func TestFindLeafEntry(t *testing.T) {
	tp := newTestPaging(t, 16)

	tp.mapLeaf(t, 0x40000000, 0x80000000, Level1G, FlagPresent|FlagRW)
	tp.mapLeaf(t, 0x200000, 0x600000, Level2M, FlagPresent|FlagRW)
	tp.mapLeaf(t, 0x400000, 0x1000, Level4K, FlagPresent)

	t.Run("1G leaf", func(t *testing.T) {
		entry, found := FindLeafEntry(0x40012345, Level1G)
		require.True(t, found)
		require.True(t, entry.IsLargeLeaf())
		require.Equal(t, Level1G, entry.Level())
		require.Equal(t, uintptr(0x40000000), entry.Base())
		require.Equal(t, uintptr(0x80000000), entry.PhysAddress())

		// A larger page covers the address
		_, found = FindLeafEntry(0x40012345, Level2M)
		require.False(t, found)
		_, found = FindLeafEntry(0x40012345, Level4K)
		require.False(t, found)
	})

	t.Run("2M leaf", func(t *testing.T) {
		entry, found := FindLeafEntry(0x200000, Level1G)
		require.True(t, found)
		require.False(t, entry.IsLargeLeaf())

		entry, found = FindLeafEntry(0x3fffff, Level2M)
		require.True(t, found)
		require.True(t, entry.IsLargeLeaf())
		require.Equal(t, uintptr(0x200000), entry.Base())

		_, found = FindLeafEntry(0x3fffff, Level4K)
		require.False(t, found)
	})

	t.Run("4K leaf", func(t *testing.T) {
		entry, found := FindLeafEntry(0x400fff, Level4K)
		require.True(t, found)
		require.False(t, entry.IsLargeLeaf())
		require.Equal(t, uintptr(0x1000), entry.PhysAddress())

		// Entries that were never filled in are still returned
		entry, found = FindLeafEntry(0x401000, Level4K)
		require.True(t, found)
		require.False(t, entry.HasFlags(FlagPresent))
	})

	t.Run("unmapped", func(t *testing.T) {
		for _, level := range []PageLevel{Level1G, Level2M, Level4K} {
			_, found := FindLeafEntry(0x8000000000, level)
			require.False(t, found, "level %s", level.String())
		}

		_, found := FindLeafEntry(0x80000000, Level2M)
		require.False(t, found)
	})

	t.Run("unsupported level", func(t *testing.T) {
		_, found := FindLeafEntry(0x40000000, Level512G)
		require.False(t, found)
		_, found = FindLeafEntry(0x40000000, PageLevel(7))
		require.False(t, found)
	})
}

func TestTranslate(t *testing.T) {
	tp := newTestPaging(t, 16)

	tp.mapLeaf(t, 0x40000000, 0x80000000, Level1G, FlagPresent)
	tp.mapLeaf(t, 0x200000, 0x600000, Level2M, FlagPresent|FlagPATLarge)
	tp.mapLeaf(t, 0x400000, 0x9000, Level4K, FlagPresent|FlagNoExecute)
	tp.mapLeaf(t, 0x401000, 0xa000, Level4K, FlagRW)

	specs := []struct {
		virt, phys uintptr
	}{
		{0x40012345, 0x80012345},
		{0x3fffff, 0x7fffff},
		{0x200010, 0x600010},
		{0x400abc, 0x9abc},
	}

	for specIndex, spec := range specs {
		phys, err := Translate(spec.virt)
		require.Nil(t, err, "spec %d", specIndex)
		require.Equal(t, spec.phys, phys, "spec %d", specIndex)
	}

	for _, virt := range []uintptr{0x401000, 0x402000, 0x80000000, 0x8000000000} {
		_, err := Translate(virt)
		require.Equal(t, ErrInvalidMapping, err, "addr 0x%x", virt)
	}
}

func TestSplit2MPage(t *testing.T) {
	tp := newTestPaging(t, 16)

	const (
		virt = uintptr(0x600000)
		phys = uintptr(0x1400000)
	)
	leafFlags := FlagPresent | FlagRW | FlagDoNotCache | FlagGlobal | FlagAccessed | FlagNoExecute
	parent := tp.mapLeaf(t, virt, phys, Level2M, leafFlags|FlagPATLarge)

	entry, found := FindLeafEntry(virt, Level2M)
	require.True(t, found)
	require.Nil(t, SplitLargePage(entry, tp.alloc))
	require.Equal(t, 1, tp.flushes)

	require.True(t, parent.HasFlags(FlagPresent|FlagRW|FlagUserAccessible))
	require.False(t, parent.HasFlags(FlagHugePage))

	children := tableAt(uintptr(*parent) & ptePhysPageMask)
	for index, child := range children {
		require.Equal(t, phys+uintptr(index)*mm.PageSize, uintptr(child)&ptePhysPageMask, "child %d", index)
		require.Equal(t, uintptr(leafFlags|FlagPAT4K), uintptr(child)&^ptePhysPageMask, "child %d", index)
	}

	for _, offset := range []uintptr{0, 0x1234, 0x1fffff} {
		got, err := Translate(virt + offset)
		require.Nil(t, err)
		require.Equal(t, phys+offset, got)
	}

	// The range is now covered by 4K entries
	entry, found = FindLeafEntry(virt+0x5000, Level4K)
	require.True(t, found)
	require.Equal(t, virt+0x5000, entry.Base())
}

func TestSplit2MPageWithoutPAT(t *testing.T) {
	tp := newTestPaging(t, 16)

	parent := tp.mapLeaf(t, 0x200000, 0x200000, Level2M, FlagPresent|FlagRW)
	entry, _ := FindLeafEntry(0x200000, Level2M)
	require.Nil(t, SplitLargePage(entry, tp.alloc))

	for index, child := range tableAt(uintptr(*parent) & ptePhysPageMask) {
		require.Equal(t, uintptr(FlagPresent|FlagRW), uintptr(child)&^ptePhysPageMask, "child %d", index)
	}
}

func TestSplit1GPage(t *testing.T) {
	tp := newTestPaging(t, 16)

	const (
		virt = uintptr(0x40000000)
		phys = uintptr(0x1c0000000)
	)
	leafFlags := FlagPresent | FlagRW | FlagWriteThroughCaching | FlagDirty
	parent := tp.mapLeaf(t, virt, phys, Level1G, leafFlags|FlagPATLarge)

	entry, found := FindLeafEntry(virt, Level1G)
	require.True(t, found)
	require.Nil(t, SplitLargePage(entry, tp.alloc))
	require.Equal(t, 1, tp.flushes)
	require.False(t, parent.HasFlags(FlagHugePage))

	for index, child := range tableAt(uintptr(*parent) & ptePhysPageMask) {
		require.Equal(t, phys+uintptr(index)*mm.LargePageSize, uintptr(child)&leafAddrMask(Level2M), "child %d", index)
		require.Equal(t, uintptr(leafFlags|FlagHugePage|FlagPATLarge), uintptr(child)&^leafAddrMask(Level2M), "child %d", index)
	}

	entry, found = FindLeafEntry(virt+0x345678, Level2M)
	require.True(t, found)
	require.True(t, entry.IsLargeLeaf())
	require.Equal(t, phys+0x200000, entry.PhysAddress())

	got, err := Translate(virt + 0x345678)
	require.Nil(t, err)
	require.Equal(t, phys+0x345678, got)
}

func TestSplitLargePageOutOfResources(t *testing.T) {
	tp := newTestPaging(t, 16)

	parent := tp.mapLeaf(t, 0x200000, 0x200000, Level2M, FlagPresent|FlagRW)
	before := *parent

	exhausted := pmm.NewBitmapAllocator(tp.alloc.Base(), 1)
	require.Nil(t, exhausted.Reserve(tp.alloc.Base(), 1, mm.ReservedMemoryType))

	entry, _ := FindLeafEntry(0x200000, Level2M)
	require.Equal(t, ErrOutOfResources, SplitLargePage(entry, exhausted))
	require.Equal(t, before, *parent)
	require.Equal(t, 0, tp.flushes)
}

func TestSplitLargePageRejectsNonLargeEntries(t *testing.T) {
	tp := newTestPaging(t, 16)

	var halted int
	defer kfmtHalt(func() { halted++ })()

	tp.mapLeaf(t, 0x400000, 0x1000, Level4K, FlagPresent)
	tp.mapLeaf(t, 0x40000000, 0x40000000, Level1G, FlagRW)

	entry4K, _ := FindLeafEntry(0x400000, Level4K)
	require.Equal(t, errNotLargeLeaf, SplitLargePage(entry4K, tp.alloc))

	notPresent, _ := FindLeafEntry(0x40000000, Level1G)
	require.Equal(t, errNotLargeLeaf, SplitLargePage(notPresent, tp.alloc))

	require.Equal(t, errNotLargeLeaf, SplitLargePage(Entry{}, tp.alloc))
	require.Equal(t, 3, halted)
	require.Equal(t, 0, tp.flushes)
}

func TestSetPresent(t *testing.T) {
	tp := newTestPaging(t, 16)

	const base = uintptr(0x200000)
	tp.mapLeaf(t, base, base, Level2M, FlagPresent|FlagRW|FlagAccessed|FlagDirty)
	entry, _ := FindLeafEntry(base, Level2M)
	require.Nil(t, SplitLargePage(entry, tp.alloc))

	snapshot := func() [entriesPerTable]uintptr {
		var out [entriesPerTable]uintptr
		for index := range out {
			leaf, _ := FindLeafEntry(base+uintptr(index)*mm.PageSize, Level4K)
			out[index] = leaf.Raw()
		}
		return out
	}

	// Every one of the 512 leaves can be toggled without affecting its
	// neighbors.
	for index := uintptr(0); index < entriesPerTable; index++ {
		addr := base + index*mm.PageSize
		before := snapshot()
		flushes := tp.flushes

		require.Nil(t, SetPresent(addr+0x10, false))
		require.Equal(t, flushes+1, tp.flushes)

		present, ok := IsPresent(addr)
		require.True(t, ok)
		require.False(t, present)

		after := snapshot()
		for other := range after {
			if uintptr(other) == index {
				require.Equal(t, before[other]&^uintptr(FlagPresent|FlagAccessed|FlagDirty), after[other])
				continue
			}
			require.Equal(t, before[other], after[other], "leaf %d changed while toggling %d", other, index)
		}

		require.Nil(t, SetPresent(addr, true))
		present, _ = IsPresent(addr)
		require.True(t, present)

		_, err := Translate(addr)
		require.Nil(t, err)
	}
}

func TestSetPresentUnsupported(t *testing.T) {
	tp := newTestPaging(t, 16)

	tp.mapLeaf(t, 0x200000, 0x200000, Level2M, FlagPresent|FlagRW)

	for _, addr := range []uintptr{0x200000, 0x8000000000} {
		require.Equal(t, ErrUnsupported, SetPresent(addr, false))

		_, ok := IsPresent(addr)
		require.False(t, ok)
	}
	require.Equal(t, 0, tp.flushes)
}

func TestSetPresentBlankEntry(t *testing.T) {
	tp := newTestPaging(t, 16)

	const base = uintptr(0x200000)
	tp.mapLeaf(t, base, base, Level2M, FlagPresent|FlagRW)
	entry, _ := FindLeafEntry(base, Level2M)
	require.Nil(t, SplitLargePage(entry, tp.alloc))

	blank, found := FindLeafEntry(base+mm.PageSize, Level4K)
	require.True(t, found)
	blank.store(0)
	flushes := tp.flushes

	require.Equal(t, ErrUnsupported, SetPresent(base+mm.PageSize, true))
	require.Zero(t, blank.Raw())
	require.Equal(t, flushes, tp.flushes)

	// Entries that still carry a mapping can be re-enabled.
	require.Nil(t, SetPresent(base, false))
	require.Nil(t, SetPresent(base, true))
}

func TestInitRange(t *testing.T) {
	layout := func(t *testing.T, tp *testPaging) {
		tp.mapLeaf(t, 0, 0, Level2M, FlagPresent|FlagRW)
		tp.mapLeaf(t, 0x200000, 0x200000, Level2M, FlagPresent|FlagRW)
		tp.mapLeaf(t, 0x400000, 0x400000, Level2M, FlagRW)
		tp.mapLeaf(t, 0x40000000, 0x40000000, Level1G, FlagPresent|FlagRW)
	}

	t.Run("with 1G pages", func(t *testing.T) {
		tp := newTestPaging(t, 600)
		layout(t, tp)

		report := InitRange(0, 0x80000000, tp.alloc, true)
		require.True(t, report.Ready)
		require.Equal(t, 1, report.Split1G)
		require.Equal(t, 2+entriesPerTable, report.Split2M)
		require.Equal(t, 0, report.Failures)

		for _, addr := range []uintptr{0, 0x3ff000, 0x40000000, 0x7ffff000} {
			_, ok := IsPresent(addr)
			require.True(t, ok, "addr 0x%x", addr)
		}

		// Non-present large pages are skipped
		_, ok := IsPresent(0x400000)
		require.False(t, ok)
	})

	t.Run("without 1G pages", func(t *testing.T) {
		tp := newTestPaging(t, 16)
		layout(t, tp)

		report := InitRange(0x1000, 0x80000000, tp.alloc, false)
		require.True(t, report.Ready)
		require.Equal(t, 0, report.Split1G)
		require.Equal(t, 2, report.Split2M)

		// The unsplit stride stays unsupported
		require.Equal(t, ErrUnsupported, SetPresent(0x40000000, false))
		require.Nil(t, SetPresent(0x1000, false))
	})

	t.Run("split failures", func(t *testing.T) {
		tp := newTestPaging(t, 16)
		layout(t, tp)

		exhausted := pmm.NewBitmapAllocator(tp.alloc.Base(), 1)
		require.Nil(t, exhausted.Reserve(tp.alloc.Base(), 1, mm.ReservedMemoryType))

		report := InitRange(0, 0x80000000, exhausted, true)
		require.True(t, report.Ready)
		require.Equal(t, 3, report.Failures)
		require.Equal(t, 0, report.Split1G+report.Split2M)
	})

	t.Run("range end at top of address space", func(t *testing.T) {
		tp := newTestPaging(t, 16)

		report := InitRange(^uintptr(0)-mm.HugePageSize, ^uintptr(0), tp.alloc, true)
		require.True(t, report.Ready)
		require.Equal(t, 0, report.Split1G+report.Split2M)
	})
}

func TestSetHardwareHooks(t *testing.T) {
	var called bool
	restore := SetHardwareHooks(func() uintptr { return 42 }, func() { called = true })
	require.Equal(t, uintptr(42), activePDTFn())
	flushTLBFn()
	require.True(t, called)

	restore()
	restore = SetHardwareHooks(func() uintptr { return 7 }, func() {})
	require.Equal(t, uintptr(7), activePDTFn())
	restore()
}

func TestVisitRange(t *testing.T) {
	tp := newTestPaging(t, 16)

	tp.mapLeaf(t, 0x200000, 0x200000, Level2M, FlagPresent|FlagRW)
	tp.mapLeaf(t, 0x400000, 0x400000, Level4K, FlagPresent|FlagRW)
	tp.mapLeaf(t, 0x401000, 0x401000, Level4K, FlagRW)

	var got []Mapping
	VisitRange(0x200000, 0x403000, func(m Mapping) bool {
		got = append(got, m)
		return true
	})

	require.Equal(t, []Mapping{
		{Base: 0x200000, Level: Level2M, Present: true, PhysAddr: 0x200000},
		{Base: 0x400000, Level: Level4K, Present: true, PhysAddr: 0x400000},
		{Base: 0x401000, Level: Level4K},
		{Base: 0x402000, Level: Level4K},
	}, got)

	// Unmapped regions are reported at the level where the walk stopped
	got = got[:0]
	VisitRange(0x40000000, 0x40001000, func(m Mapping) bool {
		got = append(got, m)
		return false
	})
	require.Equal(t, []Mapping{{Base: 0x40000000, Level: Level1G}}, got)

	// The scan stops at the top of the address space
	var visited int
	VisitRange(^uintptr(0)-mm.PageSize, ^uintptr(0), func(Mapping) bool {
		visited++
		return true
	})
	require.Equal(t, 1, visited)
}
