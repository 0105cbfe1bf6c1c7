package vmm

import (
	"specialpool/kernel/mm"
	"sync/atomic"
	"unsafe"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// PageLevel identifies a level in the paging hierarchy. Levels are numbered
// in walk order starting from the root table.
type PageLevel uint8

const (
	// Level512G is the root (PML4) level. Its entries never map pages.
	Level512G PageLevel = iota

	// Level1G entries live in a PDPT and may map 1G pages.
	Level1G

	// Level2M entries live in a page directory and may map 2M pages.
	Level2M

	// Level4K entries live in a page table and always map 4K pages.
	Level4K
)

// Size returns the number of bytes covered by an entry at this level.
func (l PageLevel) Size() uintptr {
	return uintptr(1) << pageLevelShifts[l]
}

// String implements fmt.Stringer for PageLevel.
func (l PageLevel) String() string {
	switch l {
	case Level512G:
		return "512G"
	case Level1G:
		return "1G"
	case Level2M:
		return "2M"
	case Level4K:
		return "4K"
	default:
		return "invalid"
	}
}

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// Entry is a borrowed view of a live page table entry returned by the walker.
// It does not own the entry; updates made through it are visible to the MMU
// once the translation caches are invalidated.
type Entry struct {
	ptr   *pageTableEntry
	level PageLevel
	base  uintptr
}

// Valid returns false for the zero Entry.
func (e Entry) Valid() bool {
	return e.ptr != nil
}

// Level returns the paging level the entry belongs to.
func (e Entry) Level() PageLevel {
	return e.level
}

// Base returns the first virtual address translated through this entry.
func (e Entry) Base() uintptr {
	return e.base
}

// Addr returns the location of the entry itself.
func (e Entry) Addr() uintptr {
	return uintptr(unsafe.Pointer(e.ptr))
}

// Raw returns the current entry contents.
func (e Entry) Raw() uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(e.ptr)))
}

// HasFlags returns true if the entry has all the input flags set.
func (e Entry) HasFlags(flags PageTableEntryFlag) bool {
	return pageTableEntry(e.Raw()).HasFlags(flags)
}

// IsLargeLeaf returns true if the entry maps a 1G or 2M page directly.
func (e Entry) IsLargeLeaf() bool {
	return (e.level == Level1G || e.level == Level2M) && e.HasFlags(FlagHugePage)
}

// PhysAddress returns the physical address the entry points to. For leaves
// this is the start of the mapped page; for other entries it is the address
// of the next table.
func (e Entry) PhysAddress() uintptr {
	raw := e.Raw()
	if e.IsLargeLeaf() {
		return raw & leafAddrMask(e.level)
	}
	return raw & ptePhysPageMask
}

func (e Entry) setFlags(flags PageTableEntryFlag) {
	atomic.OrUintptr((*uintptr)(unsafe.Pointer(e.ptr)), uintptr(flags))
}

func (e Entry) clearFlags(flags PageTableEntryFlag) {
	atomic.AndUintptr((*uintptr)(unsafe.Pointer(e.ptr)), ^uintptr(flags))
}

func (e Entry) store(value pageTableEntry) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(e.ptr)), uintptr(value))
}

// leafAddrMask returns the mask extracting the page address from a leaf
// entry at the given level.
func leafAddrMask(level PageLevel) uintptr {
	return ptePhysPageMask &^ (level.Size() - 1)
}
