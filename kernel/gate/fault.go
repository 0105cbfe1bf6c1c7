package gate

// PageFaultCode is the error code the CPU pushes when raising a
// PageFaultException.
type PageFaultCode uint64

const (
	// PageFaultProtection is set when the page was present and the fault
	// was caused by a protection check.
	PageFaultProtection PageFaultCode = 1 << iota

	// PageFaultWrite is set for write accesses.
	PageFaultWrite

	// PageFaultUser is set when the access originated in user-mode.
	PageFaultUser

	// PageFaultReserved is set when a paging structure has a reserved bit
	// set.
	PageFaultReserved

	// PageFaultFetch is set for instruction fetches.
	PageFaultFetch
)

// Reason describes the access that caused the fault.
func (c PageFaultCode) Reason() string {
	switch c {
	case 0:
		return "read from non-present page"
	case PageFaultProtection:
		return "page protection violation (read)"
	case PageFaultWrite:
		return "write to non-present page"
	case PageFaultProtection | PageFaultWrite:
		return "page protection violation (write)"
	case PageFaultUser:
		return "page-fault in user-mode"
	case PageFaultReserved:
		return "page table has reserved bit set"
	case PageFaultFetch:
		return "instruction fetch"
	default:
		return "unknown"
	}
}
