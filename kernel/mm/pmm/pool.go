package pmm

import (
	"specialpool/kernel"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"unsafe"
)

const (
	// poolHeadSignature is 'phd0' packed little-endian.
	poolHeadSignature = uint32('p') | uint32('h')<<8 | uint32('d')<<16 | uint32('0')<<24

	poolHeadSize = unsafe.Sizeof(poolHead{})
)

var errUnknownPoolBlock = &kernel.Error{Module: "pool", Message: "pointer was not returned by this allocator", Kind: kernel.KindInvalidParameter}

// poolHead precedes every block handed out by PoolAllocator.
type poolHead struct {
	Signature uint32
	Type      uint32
	Pages     uint64
}

// PoolAllocator is the general-purpose (unguarded) pool allocator. Every
// block is backed by its own run of pages from a BitmapAllocator and carries
// a small header so FreePool can recover the run length.
type PoolAllocator struct {
	pages *BitmapAllocator

	liveBlocks uint64
}

// NewPoolAllocator returns a pool allocator that obtains its pages from
// pages.
func NewPoolAllocator(pages *BitmapAllocator) *PoolAllocator {
	return &PoolAllocator{pages: pages}
}

// LiveBlocks returns the number of blocks that have been allocated but not
// yet freed.
func (p *PoolAllocator) LiveBlocks() uint64 {
	return p.liveBlocks
}

// Services returns a PoolServices table whose entries are bound to p.
func (p *PoolAllocator) Services() mm.PoolServices {
	return mm.PoolServices{
		AllocatePool: p.AllocatePool,
		FreePool:     p.FreePool,
	}
}

// AllocatePool returns size bytes of memory tagged with memType.
func (p *PoolAllocator) AllocatePool(memType mm.MemoryType, size uintptr) (uintptr, *kernel.Error) {
	pageCount := mm.PagesForSize(size + poolHeadSize)
	base, err := p.pages.AllocatePages(pageCount, memType)
	if err != nil {
		return 0, err
	}

	head := (*poolHead)(unsafe.Pointer(base))
	head.Signature = poolHeadSignature
	head.Type = uint32(memType)
	head.Pages = uint64(pageCount)
	p.liveBlocks++

	kfmt.Debugf(kfmt.DebugPool, "[pool] allocate %d byte(s) (%s) -> 0x%x\n", size, memType.String(), base+poolHeadSize)
	return base + poolHeadSize, nil
}

// FreePool releases a block obtained from AllocatePool. Pointers that this
// allocator never handed out (or has already released) are rejected with
// an InvalidParameter error.
func (p *PoolAllocator) FreePool(addr uintptr) *kernel.Error {
	if addr < poolHeadSize || addr&(mm.PageSize-1) != poolHeadSize {
		return errUnknownPoolBlock
	}

	base := addr - poolHeadSize
	if _, allocated := p.pages.MemoryTypeOf(base); !allocated {
		return errUnknownPoolBlock
	}

	head := (*poolHead)(unsafe.Pointer(base))
	if head.Signature != poolHeadSignature {
		return errUnknownPoolBlock
	}

	pageCount := uintptr(head.Pages)
	head.Signature = 0
	if err := p.pages.FreePages(base, pageCount); err != nil {
		return err
	}
	p.liveBlocks--

	kfmt.Debugf(kfmt.DebugPool, "[pool] free 0x%x (%d page(s))\n", addr, pageCount)
	return nil
}
