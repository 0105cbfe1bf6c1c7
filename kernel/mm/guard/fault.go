package guard

import (
	"io"
	"specialpool/kernel/gate"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/vmm"
)

// FaultKind classifies the page that a fault hit.
type FaultKind uint8

const (
	// FaultUnknown means the page is not a guard page the Pool knows
	// about.
	FaultUnknown FaultKind = iota

	// FaultLeadingGuard means the page precedes a guarded allocation.
	FaultLeadingGuard

	// FaultTrailingGuard means the page follows a guarded allocation.
	FaultTrailingGuard

	// FaultStackGuard means the page is the disabled lowest page of the
	// boot stack.
	FaultStackGuard
)

// String implements fmt.Stringer for FaultKind.
func (k FaultKind) String() string {
	switch k {
	case FaultLeadingGuard:
		return "leading guard"
	case FaultTrailingGuard:
		return "trailing guard"
	case FaultStackGuard:
		return "boot stack guard"
	default:
		return "unknown"
	}
}

// FaultReport describes a page fault in terms of the guard it hit.
type FaultReport struct {
	Addr uintptr
	Code gate.PageFaultCode
	Kind FaultKind

	// Allocation is only set for leading and trailing guard faults.
	Allocation Allocation
}

// SetStackGuard records the boot stack page disabled by the stack fault
// handling setup so ClassifyFault can recognize it.
func (p *Pool) SetStackGuard(page uintptr) {
	p.stackGuard = page
}

// ClassifyFault works out which guard page the faulting address belongs to
// and, for allocation guards, which allocation it protects. The records next
// to the guard are only read if they are mapped, so classifying never
// faults.
func (p *Pool) ClassifyFault(addr uintptr, code gate.PageFaultCode) FaultReport {
	report := FaultReport{Addr: addr, Code: code}

	page := mm.AlignDown(addr, mm.PageSize)
	switch present, ok := vmm.IsPresent(page); {
	case p.stackGuard != 0 && page == p.stackGuard:
		report.Kind = FaultStackGuard
	case !ok || present:
	case p.leadingGuardOf(page, &report.Allocation):
		report.Kind = FaultLeadingGuard
	case p.trailingGuardOf(page, &report.Allocation):
		report.Kind = FaultTrailingGuard
	}

	return report
}

// leadingGuardOf looks for the Head of an allocation whose first page is
// guard. The Head always lives in the page after the leading guard.
func (p *Pool) leadingGuardOf(guard uintptr, alloc *Allocation) bool {
	first := guard + mm.PageSize
	if first < guard || !readable(first, mm.PageSize) {
		return false
	}

	for headAddr := first; headAddr < first+mm.PageSize; headAddr += payloadAlign {
		if headAt(headAddr).Signature != HeadSignature {
			continue
		}

		if p.describeRun(headAddr, alloc) && alloc.Guard1 == guard {
			return true
		}
	}
	return false
}

// trailingGuardOf looks for the Tail of an allocation whose last page is
// guard. The Tail ends inside the page before the trailing guard but may
// start in the page before that.
func (p *Pool) trailingGuardOf(guard uintptr, alloc *Allocation) bool {
	if guard < 2*mm.PageSize {
		return false
	}

	lowest := guard - mm.PageSize - TailSize + payloadAlign
	for tailAddr := guard - TailSize; tailAddr >= lowest; tailAddr -= payloadAlign {
		if !readable(tailAddr, TailSize) {
			continue
		}

		tail := tailAt(tailAddr)
		end := tailAddr + TailSize
		if tail.Signature != TailSignature || tail.Size > uint64(end) {
			continue
		}

		if p.describeRun(end-uintptr(tail.Size), alloc) && alloc.Guard2 == guard {
			return true
		}
	}
	return false
}

// describeRun fills alloc if headAddr holds the Head of a live guarded
// allocation.
func (p *Pool) describeRun(headAddr uintptr, alloc *Allocation) bool {
	if !readable(headAddr, HeadSize) {
		return false
	}

	found, ok := p.Describe(headAddr + HeadSize)
	if ok {
		*alloc = found
	}
	return ok
}

// DumpTo outputs a description of the fault to w.
func (r *FaultReport) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "\nPage fault while accessing address: 0x%16x\nReason: %s\n", r.Addr, r.Code.Reason())

	switch r.Kind {
	case FaultLeadingGuard, FaultTrailingGuard:
		kfmt.Fprintf(w, "Hit %s page 0x%x of allocation 0x%x\n", r.Kind.String(), mm.AlignDown(r.Addr, mm.PageSize), r.Allocation.Payload)
		kfmt.Fprintf(w, "Allocation: %d byte(s) (%s), %d page(s) [0x%x - 0x%x]\n",
			r.Allocation.Size, r.Allocation.Type.String(), r.Allocation.Pages, r.Allocation.Guard1, r.Allocation.Guard2+mm.PageSize-1)
	case FaultStackGuard:
		kfmt.Fprintf(w, "Hit %s page 0x%x; the boot stack overflowed\n", r.Kind.String(), mm.AlignDown(r.Addr, mm.PageSize))
	default:
		kfmt.Fprintf(w, "Address is not covered by a guard page\n")
	}
}
