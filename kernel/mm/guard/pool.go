// Package guard implements a pool allocator that surrounds each allocation
// with pages that are marked not-present so that buffer overruns (or
// underruns) fault at the offending access.
package guard

import (
	"specialpool/kernel"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/vmm"
)

// Placement selects which end of the payload sits flush against a guard
// page. Only one end can be guarded without doubling the guard pages used by
// each allocation.
type Placement uint8

const (
	// PlacementOverrun places the Tail against the trailing guard so
	// accesses past the end of the payload fault.
	PlacementOverrun Placement = iota

	// PlacementUnderrun places the Head right after the leading guard so
	// accesses before the start of the Head fault.
	PlacementUnderrun
)

// String implements fmt.Stringer for Placement.
func (p Placement) String() string {
	if p == PlacementUnderrun {
		return "underrun"
	}
	return "overrun"
}

// maxRequestSize caps requests so the size arithmetic cannot overflow.
const maxRequestSize = uintptr(1) << 47

var (
	// setPresentFn is used by tests to override page presence changes.
	setPresentFn = vmm.SetPresent

	errNullPointer    = &kernel.Error{Module: "guard", Message: "null pointer", Kind: kernel.KindInvalidParameter}
	errOutOfResources = &kernel.Error{Module: "guard", Message: "unable to allocate guarded pages", Kind: kernel.KindOutOfResources}
	errDoubleFree     = &kernel.Error{Module: "guard", Message: "allocation has already been freed", Kind: kernel.KindCorruption}
)

// Options controls which requests a Pool guards and how.
type Options struct {
	// ProtectedTypes selects the memory types served from guarded pages.
	ProtectedTypes mm.MemoryTypeMask

	// Placement selects the guarded end of each allocation.
	Placement Placement

	// RangeReady must be set once the protected range has been prepared
	// for 4K toggling. Until then every request is delegated.
	RangeReady bool
}

// Stats tracks the activity of a Pool.
type Stats struct {
	// Allocations and Frees count the guarded requests that succeeded.
	Allocations uint64
	Frees       uint64

	// Delegated counts requests passed through to the original services.
	Delegated uint64

	// Fallbacks counts protected requests that landed in memory without
	// 4K mappings and were served by the original services instead.
	Fallbacks uint64

	// LiveBytes and LivePages describe the outstanding guarded
	// allocations. LivePages includes the guard pages.
	LiveBytes uint64
	LivePages uint64
}

// Allocation describes the layout of a live guarded allocation.
type Allocation struct {
	Payload uintptr
	Type    mm.MemoryType

	// Size is the rounded size including Head and Tail.
	Size uintptr

	Guard1, Guard2 uintptr
	Pages          uintptr
}

// Pool is the guarded allocator. A single Pool is created at start-up and
// lives for as long as the boot environment; it is not safe for concurrent
// use.
type Pool struct {
	opts     Options
	pages    mm.PageAllocator
	original mm.PoolServices
	stats    Stats

	// stackGuard is the disabled boot stack page, if any.
	stackGuard uintptr
}

// NewPool returns a Pool that obtains guarded pages from pages and passes
// everything it does not guard to original.
func NewPool(opts Options, pages mm.PageAllocator, original mm.PoolServices) *Pool {
	return &Pool{
		opts:     opts,
		pages:    pages,
		original: original,
	}
}

// Install points the entries of services at the Pool. The previous entries
// are kept and used to service the requests the Pool does not guard.
func (p *Pool) Install(services *mm.PoolServices) {
	p.original = *services
	services.AllocatePool = p.Allocate
	services.FreePool = p.Free

	kfmt.Debugf(kfmt.DebugLoad, "[guard] pool services intercepted (protected types: 0x%8x)\n", uint32(p.opts.ProtectedTypes))
}

// Stats returns a snapshot of the Pool counters.
func (p *Pool) Stats() Stats {
	return p.stats
}

// Options returns the options the Pool was created with.
func (p *Pool) Options() Options {
	return p.opts
}

// Allocate returns a pointer to size bytes of memory tagged with memType.
// Requests for protected types are placed on their own run of pages
// bracketed by two not-present guard pages; all other requests are passed
// to the original allocator.
func (p *Pool) Allocate(memType mm.MemoryType, size uintptr) (uintptr, *kernel.Error) {
	if !p.opts.RangeReady || !p.opts.ProtectedTypes.Has(memType) {
		p.stats.Delegated++
		return p.original.AllocatePool(memType, size)
	}

	if size > maxRequestSize {
		return 0, errOutOfResources
	}

	var (
		roundedSize = mm.AlignUp(size, payloadAlign) + Overhead
		pageCount   = mm.PagesForSize(roundedSize) + 2
	)

	guard1, err := p.pages.AllocatePages(pageCount, memType)
	if err != nil {
		kfmt.Debugf(kfmt.DebugError, "[guard] unable to allocate %d page(s): %s\n", pageCount, err.Message)
		return 0, errOutOfResources
	}
	guard2 := guard1 + (pageCount-1)*mm.PageSize

	if err = p.armGuards(guard1, guard2); err != nil {
		// The run is not covered by 4K mappings so it cannot be
		// guarded.
		_ = p.pages.FreePages(guard1, pageCount)
		p.stats.Fallbacks++
		kfmt.Debugf(kfmt.DebugWarn, "[guard] no 4K mapping for 0x%x; request served unguarded\n", guard1)
		return p.original.AllocatePool(memType, size)
	}

	var headAddr uintptr
	switch p.opts.Placement {
	case PlacementUnderrun:
		headAddr = guard1 + mm.PageSize
	default:
		headAddr = guard2 - roundedSize
	}

	head := headAt(headAddr)
	head.Signature = HeadSignature
	head.Reserved = 0
	head.Type = uint32(memType)
	head.Size = uint64(roundedSize)

	tail := tailAt(headAddr + roundedSize - TailSize)
	tail.Signature = TailSignature
	tail.Reserved = 0
	tail.Size = uint64(roundedSize)

	p.stats.Allocations++
	p.stats.LiveBytes += uint64(roundedSize)
	p.stats.LivePages += uint64(pageCount)

	kfmt.Debugf(kfmt.DebugPool, "[guard] allocate %d byte(s) (%s) -> 0x%x [guards 0x%x, 0x%x]\n",
		size, memType.String(), headAddr+HeadSize, guard1, guard2)
	return headAddr + HeadSize, nil
}

// Free releases memory obtained from Allocate. Pointers that were not
// returned by a guarded allocation are passed to the original allocator.
//
// If the Tail of a guarded allocation has been overwritten, Free reports a
// Corruption error and leaks the allocation with its guards still armed. The
// allocation is also left intact if its pages cannot be released.
// Freeing a guarded allocation twice is also reported as Corruption.
func (p *Pool) Free(addr uintptr) *kernel.Error {
	if addr == 0 {
		return errNullPointer
	}

	switch rec := DecodeRecord(addr).(type) {
	case GuardedRecord:
		if err := rec.Validate(); err != nil {
			kfmt.Debugf(kfmt.DebugError, "[guard] corrupted allocation @ 0x%x: %s\n", addr, err.Message)
			return err
		}

		var (
			head           = rec.Head()
			pageCount      = rec.PageCount()
			size           = head.Size
			guard1, guard2 = rec.Guards()
		)

		head.Signature = 0
		p.disarmGuards(guard1, guard2)

		if err := p.pages.FreePages(guard1, pageCount); err != nil {
			// Leave the allocation live and guarded.
			head.Signature = HeadSignature
			if armErr := p.armGuards(guard1, guard2); armErr != nil {
				kfmt.Debugf(kfmt.DebugError, "[guard] unable to re-arm guards @ 0x%x: %s\n", guard1, armErr.Message)
			}
			kfmt.Debugf(kfmt.DebugError, "[guard] unable to release pages @ 0x%x: %s\n", guard1, err.Message)
			return err
		}

		p.stats.Frees++
		p.stats.LiveBytes -= size
		p.stats.LivePages -= uint64(pageCount)

		kfmt.Debugf(kfmt.DebugPool, "[guard] free 0x%x (%d page(s))\n", addr, pageCount)
		return nil
	case RetiredRecord:
		kfmt.Debugf(kfmt.DebugError, "[guard] double free of 0x%x\n", addr)
		return errDoubleFree
	default:
		p.stats.Delegated++
		return p.original.FreePool(addr)
	}
}

// Describe returns the layout of the live guarded allocation whose payload
// starts at addr.
func (p *Pool) Describe(addr uintptr) (Allocation, bool) {
	rec, ok := DecodeRecord(addr).(GuardedRecord)
	if !ok || rec.Validate() != nil {
		return Allocation{}, false
	}

	guard1, guard2 := rec.Guards()
	head := rec.Head()
	return Allocation{
		Payload: addr,
		Type:    mm.MemoryType(head.Type),
		Size:    uintptr(head.Size),
		Guard1:  guard1,
		Guard2:  guard2,
		Pages:   rec.PageCount(),
	}, true
}

// armGuards marks both guard pages not-present. On failure no guard is left
// armed.
func (p *Pool) armGuards(guard1, guard2 uintptr) *kernel.Error {
	if err := setPresentFn(guard1, false); err != nil {
		return err
	}

	if err := setPresentFn(guard2, false); err != nil {
		_ = setPresentFn(guard1, true)
		return err
	}

	return nil
}

func (p *Pool) disarmGuards(guard1, guard2 uintptr) {
	for _, addr := range [2]uintptr{guard1, guard2} {
		if err := setPresentFn(addr, true); err != nil {
			kfmt.Debugf(kfmt.DebugError, "[guard] unable to restore guard page 0x%x: %s\n", addr, err.Message)
		}
	}
}
