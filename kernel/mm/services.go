package mm

import "specialpool/kernel"

// PageAllocator is the page supply provided by the boot environment. Pages
// are always 4K and allocations are physically contiguous.
type PageAllocator interface {
	// AllocatePages reserves count contiguous pages tagged with memType
	// and returns the address of the first one.
	AllocatePages(count uintptr, memType MemoryType) (uintptr, *kernel.Error)

	// AllocatePagesBelow behaves like AllocatePages but the last byte of
	// the allocation must not exceed maxAddr.
	AllocatePagesBelow(count uintptr, memType MemoryType, maxAddr uintptr) (uintptr, *kernel.Error)

	// FreePages releases count pages starting at base.
	FreePages(base, count uintptr) *kernel.Error
}

// AllocatePoolFn allocates size bytes of pool memory tagged with memType.
type AllocatePoolFn func(memType MemoryType, size uintptr) (uintptr, *kernel.Error)

// FreePoolFn releases a block previously returned by an AllocatePoolFn.
type FreePoolFn func(addr uintptr) *kernel.Error

// PoolServices is the intercept table through which all generic heap
// allocations flow. The guarded allocator replaces both entries at start-up
// and keeps the originals to service the requests it does not guard.
type PoolServices struct {
	AllocatePool AllocatePoolFn
	FreePool     FreePoolFn
}
