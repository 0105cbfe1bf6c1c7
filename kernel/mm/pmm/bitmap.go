package pmm

import (
	"math/bits"
	"specialpool/kernel"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
)

var (
	errOutOfMemory      = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfResources}
	errInvalidPageCount = &kernel.Error{Module: "pmm", Message: "page count must be greater than zero", Kind: kernel.KindInvalidParameter}
	errNotAllocated     = &kernel.Error{Module: "pmm", Message: "attempt to free pages that are not allocated", Kind: kernel.KindInvalidParameter}
	errOutOfRange       = &kernel.Error{Module: "pmm", Message: "address is outside the managed range", Kind: kernel.KindInvalidParameter}
)

// BitmapAllocator implements a physical page allocator for a single
// contiguous memory range that tracks page reservations using a bitmap.
//
// Allocations are served top-down, the way boot firmware hands out pages for
// AllocateAnyPages requests, and are always physically contiguous.
type BitmapAllocator struct {
	// startFrame is the frame number for the first page in the range.
	// Each bitmap bit i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// totalPages tracks the number of pages in the managed range.
	totalPages uintptr

	// reservedPages tracks the number of currently allocated pages.
	reservedPages uintptr

	// freeBitmap tracks used (1) and free (0) pages.
	freeBitmap []uint64

	// memTypes records the type each page was allocated with.
	memTypes []mm.MemoryType
}

// NewBitmapAllocator returns an allocator managing pageCount pages starting
// at the page-aligned address base.
func NewBitmapAllocator(base uintptr, pageCount uintptr) *BitmapAllocator {
	return &BitmapAllocator{
		startFrame: mm.FrameFromAddress(base),
		totalPages: pageCount,
		freeBitmap: make([]uint64, (pageCount+63)>>6),
		memTypes:   make([]mm.MemoryType, pageCount),
	}
}

// Base returns the address of the first managed page.
func (alloc *BitmapAllocator) Base() uintptr {
	return alloc.startFrame.Address()
}

// Contains returns true if addr falls inside the managed range.
func (alloc *BitmapAllocator) Contains(addr uintptr) bool {
	frame := mm.FrameFromAddress(addr)
	return frame >= alloc.startFrame && uintptr(frame-alloc.startFrame) < alloc.totalPages
}

// FreePageCount returns the number of unreserved pages.
func (alloc *BitmapAllocator) FreePageCount() uintptr {
	return alloc.totalPages - alloc.reservedPages
}

// TotalPageCount returns the number of managed pages.
func (alloc *BitmapAllocator) TotalPageCount() uintptr {
	return alloc.totalPages
}

// MemoryTypeOf returns the type of an allocated page.
func (alloc *BitmapAllocator) MemoryTypeOf(addr uintptr) (mm.MemoryType, bool) {
	if !alloc.Contains(addr) {
		return 0, false
	}

	index := uintptr(mm.FrameFromAddress(addr) - alloc.startFrame)
	if !alloc.isReserved(index) {
		return 0, false
	}
	return alloc.memTypes[index], true
}

// AllocatePages reserves count contiguous pages and returns the address of
// the first one.
func (alloc *BitmapAllocator) AllocatePages(count uintptr, memType mm.MemoryType) (uintptr, *kernel.Error) {
	return alloc.allocate(count, memType, alloc.totalPages)
}

// AllocatePagesBelow reserves count contiguous pages whose last byte does
// not exceed maxAddr.
func (alloc *BitmapAllocator) AllocatePagesBelow(count uintptr, memType mm.MemoryType, maxAddr uintptr) (uintptr, *kernel.Error) {
	if maxAddr < alloc.startFrame.Address() {
		return 0, errOutOfMemory
	}

	limit := ((maxAddr - alloc.startFrame.Address()) + 1) >> mm.PageShift
	if limit > alloc.totalPages {
		limit = alloc.totalPages
	}
	return alloc.allocate(count, memType, limit)
}

// allocate scans the bitmap top-down for count free pages with indices
// below limit.
func (alloc *BitmapAllocator) allocate(count uintptr, memType mm.MemoryType, limit uintptr) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, errInvalidPageCount
	}

	if count > limit {
		return 0, errOutOfMemory
	}

	var runLen uintptr
	for index := limit; index > 0; index-- {
		if alloc.isReserved(index - 1) {
			runLen = 0
			continue
		}

		if runLen++; runLen == count {
			first := index - 1
			alloc.markRange(first, count, true)
			for i := first; i < first+count; i++ {
				alloc.memTypes[i] = memType
			}
			alloc.reservedPages += count

			addr := (alloc.startFrame + mm.Frame(first)).Address()
			kfmt.Debugf(kfmt.DebugPage, "[pmm] allocated %d page(s) @ 0x%x (%s)\n", count, addr, memType.String())
			return addr, nil
		}
	}

	return 0, errOutOfMemory
}

// FreePages releases count pages starting at base. Every page in the run must
// be currently allocated; otherwise nothing is released.
func (alloc *BitmapAllocator) FreePages(base, count uintptr) *kernel.Error {
	first, err := alloc.runIndex(base, count)
	if err != nil {
		return err
	}

	for i := first; i < first+count; i++ {
		if !alloc.isReserved(i) {
			return errNotAllocated
		}
	}

	alloc.markRange(first, count, false)
	alloc.reservedPages -= count
	kfmt.Debugf(kfmt.DebugPage, "[pmm] freed %d page(s) @ 0x%x\n", count, base)
	return nil
}

// Reserve marks count pages starting at base as allocated with memType. It
// is used to carve out regions (such as page tables built before the
// allocator existed) that must never be handed out.
func (alloc *BitmapAllocator) Reserve(base, count uintptr, memType mm.MemoryType) *kernel.Error {
	first, err := alloc.runIndex(base, count)
	if err != nil {
		return err
	}

	for i := first; i < first+count; i++ {
		if !alloc.isReserved(i) {
			alloc.reservedPages++
		}
		alloc.memTypes[i] = memType
	}
	alloc.markRange(first, count, true)
	return nil
}

// runIndex returns the bitmap index of the run of count pages at base,
// rejecting runs that do not fit entirely inside the managed range.
func (alloc *BitmapAllocator) runIndex(base, count uintptr) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, errInvalidPageCount
	}

	if count > alloc.totalPages || !alloc.Contains(base) {
		return 0, errOutOfRange
	}

	first := uintptr(mm.FrameFromAddress(base) - alloc.startFrame)
	if first+count > alloc.totalPages {
		return 0, errOutOfRange
	}
	return first, nil
}

// ReservedRuns returns the number of maximal runs of reserved pages. It is
// used by diagnostics to report fragmentation.
func (alloc *BitmapAllocator) ReservedRuns() int {
	var runs int
	for block, word := range alloc.freeBitmap {
		// A run starts at every set bit whose predecessor is clear.
		starts := word &^ (word << 1)
		if block > 0 && alloc.freeBitmap[block-1]>>63 != 0 {
			starts &^= 1
		}
		runs += bits.OnesCount64(starts)
	}
	return runs
}

func (alloc *BitmapAllocator) isReserved(index uintptr) bool {
	return alloc.freeBitmap[index>>6]&(1<<(index&63)) != 0
}

func (alloc *BitmapAllocator) markRange(first, count uintptr, reserved bool) {
	for i := first; i < first+count; i++ {
		if reserved {
			alloc.freeBitmap[i>>6] |= 1 << (i & 63)
		} else {
			alloc.freeBitmap[i>>6] &^= 1 << (i & 63)
		}
	}
}
