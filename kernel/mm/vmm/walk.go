package vmm

import (
	"specialpool/kernel"
	"specialpool/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(level PageLevel, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting
// from the active root table. It calls the supplied walkFn with the page
// table entry that corresponds to each page table level. If walkFn returns
// false then the walk is aborted. Following the next-table address of an
// entry that is not present or maps a page is up to walkFn to prevent.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := activePDTFn() & ptePhysPageMask

	for level := PageLevel(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := (*pageTableEntry)(ptePtrFn(tableAddr + (entryIndex << mm.PointerShift)))

		if !walkFn(level, pte) {
			return
		}

		tableAddr = uintptr(*pte) & ptePhysPageMask
	}
}

// FindLeafEntry returns the entry at the requested level that translates
// virtAddr. Only Level1G, Level2M and Level4K can be requested.
//
// The lookup fails if a table on the way is not present or if a larger page
// maps the address before the requested level is reached. The entry itself
// is returned regardless of its own present bit and, for Level1G and
// Level2M, regardless of whether it maps a page or points to a table.
func FindLeafEntry(virtAddr uintptr, level PageLevel) (Entry, bool) {
	var (
		entry Entry
		found bool
	)

	if level < Level1G || level > Level4K {
		return entry, false
	}

	walk(virtAddr, func(pteLevel PageLevel, pte *pageTableEntry) bool {
		if pteLevel == level {
			entry = Entry{ptr: pte, level: level, base: mm.AlignDown(virtAddr, level.Size())}
			found = true
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// A larger page maps the address
		return pteLevel == Level512G || !pte.HasFlags(FlagHugePage)
	})

	return entry, found
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Pages of any size are supported.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	walk(virtAddr, func(pteLevel PageLevel, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == Level4K || (pteLevel != Level512G && pte.HasFlags(FlagHugePage)) {
			physAddr = (uintptr(*pte) & leafAddrMask(pteLevel)) + PageOffset(virtAddr, pteLevel)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// IsPresent reports whether the 4K page containing virtAddr is present. The
// second result is false when no 4K mapping exists for the address.
func IsPresent(virtAddr uintptr) (present bool, ok bool) {
	entry, found := FindLeafEntry(virtAddr, Level4K)
	if !found {
		return false, false
	}

	return entry.HasFlags(FlagPresent), true
}

// PageOffset returns the offset of virtAddr within the page mapped by an
// entry at the given level.
func PageOffset(virtAddr uintptr, level PageLevel) uintptr {
	return virtAddr & (level.Size() - 1)
}

// Mapping describes how VisitRange found a page translated.
type Mapping struct {
	// Base is the first address covered by the mapping and Level its
	// granularity. For unmapped regions Level is the level at which the
	// walk found a non-present entry.
	Base  uintptr
	Level PageLevel

	Present  bool
	PhysAddr uintptr
}

// VisitRange invokes visitor once for every mapping that overlaps
// [start, end), in address order. The visitor must return true to continue
// or false to abort the scan.
func VisitRange(start, end uintptr, visitor func(Mapping) bool) {
	for addr := start; addr < end; {
		mapping := lookup(addr)
		if !visitor(mapping) {
			return
		}

		next := mapping.Base + mapping.Level.Size()
		if next <= addr {
			return
		}
		addr = next
	}
}

// lookup returns the mapping that covers virtAddr.
func lookup(virtAddr uintptr) Mapping {
	var mapping Mapping

	walk(virtAddr, func(pteLevel PageLevel, pte *pageTableEntry) bool {
		mapping.Level = pteLevel
		mapping.Base = mm.AlignDown(virtAddr, pteLevel.Size())

		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == Level4K || (pteLevel != Level512G && pte.HasFlags(FlagHugePage)) {
			mapping.Present = true
			mapping.PhysAddr = uintptr(*pte) & leafAddrMask(pteLevel)
			return false
		}

		return true
	})

	return mapping
}
