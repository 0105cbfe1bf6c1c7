package vmm

import (
	"specialpool/kernel"
	"specialpool/kernel/cpu"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBFn is used by tests to override calls to cpu.FlushTLB which
	// will cause a fault if called in user-mode.
	flushTLBFn = cpu.FlushTLB

	// ptePtrFn returns a pointer to the supplied entry address. Page
	// tables are identity-mapped so the physical address of an entry can
	// be dereferenced directly. Tests override it to redirect lookups.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindInvalidParameter}

	// ErrUnsupported is returned when a 4K mapping for an address does not
	// exist, either because the address is unmapped or because a larger
	// page still covers it.
	ErrUnsupported = &kernel.Error{Module: "vmm", Message: "no 4K mapping exists for the address", Kind: kernel.KindUnsupported}

	// ErrOutOfResources is returned when a new page table cannot be
	// allocated.
	ErrOutOfResources = &kernel.Error{Module: "vmm", Message: "unable to allocate page table", Kind: kernel.KindOutOfResources}

	errNotLargeLeaf = &kernel.Error{Module: "vmm", Message: "entry is not a present large page mapping", Kind: kernel.KindInvalidParameter}
)

// SetHardwareHooks replaces the functions used to locate the active root
// table and to invalidate the translation caches. It returns a function that
// restores the previous hooks. The hosted environment uses it to run the
// paging code against page tables that live in ordinary process memory.
func SetHardwareHooks(activePDT func() uintptr, flushTLB func()) (restore func()) {
	prevActivePDT, prevFlushTLB := activePDTFn, flushTLBFn
	activePDTFn, flushTLBFn = activePDT, flushTLB

	return func() {
		activePDTFn, flushTLBFn = prevActivePDT, prevFlushTLB
	}
}
