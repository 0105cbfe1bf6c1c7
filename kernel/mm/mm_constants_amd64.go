package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// LargePageShift and HugePageShift are the shifts for the 2M and 1G
	// leaf sizes supported by the paging hardware.
	LargePageShift = uintptr(21)
	HugePageShift  = uintptr(30)

	// LargePageSize is the size of a page mapped by a page directory leaf.
	LargePageSize = uintptr(1 << LargePageShift)

	// HugePageSize is the size of a page mapped by a PDPT leaf.
	HugePageSize = uintptr(1 << HugePageShift)
)
