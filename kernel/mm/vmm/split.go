package vmm

import (
	"specialpool/kernel"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
)

// SplitLargePage replaces the 1G or 2M page mapped by entry with a table of
// 512 finer-grained mappings that translate every address exactly as before.
//
// The caching, permission and accessed/dirty attributes of the large page
// are copied to every child entry; the PAT selector is moved to its 4K
// position when the children are 4K leaves. The parent entry is then pointed
// at the new table and the translation caches are flushed.
//
// The new table is obtained from alloc. If the allocation fails the existing
// mapping is left untouched and ErrOutOfResources is returned. Calling
// SplitLargePage with an entry that is not a present large page is a
// programming error.
func SplitLargePage(entry Entry, alloc mm.PageAllocator) *kernel.Error {
	if !kfmt.Assert(entry.Valid() && entry.IsLargeLeaf() && entry.HasFlags(FlagPresent), errNotLargeLeaf) {
		return errNotLargeLeaf
	}

	tableAddr, err := alloc.AllocatePages(1, mm.BootServicesData)
	if err != nil {
		return ErrOutOfResources
	}

	var (
		raw        = entry.Raw()
		childLevel = entry.level + 1
		childSize  = childLevel.Size()
		physBase   = raw & leafAddrMask(entry.level)
		attrs      = raw &^ ptePhysPageMask
	)

	patSet := raw&uintptr(FlagPATLarge) != 0
	switch {
	case childLevel == Level4K:
		// Bit 7 holds the PAT selector in 4K leaves
		attrs &^= uintptr(FlagHugePage)
		if patSet {
			attrs |= uintptr(FlagPAT4K)
		}
	case patSet:
		attrs |= uintptr(FlagPATLarge)
	}

	table := tableAt(tableAddr)
	for index := range table {
		table[index] = pageTableEntry((physBase + uintptr(index)*childSize) | attrs)
	}

	// The new table is fully populated before it becomes reachable.
	entry.store(pageTableEntry(tableAddr) | pageTableEntry(FlagPresent|FlagRW|FlagUserAccessible))
	flushTLBFn()

	kfmt.Debugf(kfmt.DebugVerbose, "[vmm] split %s page @ 0x%x into %s pages (table @ 0x%x)\n",
		entry.level.String(), entry.base, childLevel.String(), tableAddr)
	return nil
}

// tableAt returns a view of the table stored at the supplied address.
func tableAt(addr uintptr) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(ptePtrFn(addr))
}
