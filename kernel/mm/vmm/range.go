package vmm

import (
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
)

// RangeReport summarizes a call to InitRange.
type RangeReport struct {
	Start, End uintptr

	// Split1G and Split2M count the 1G and 2M pages that were split.
	Split1G int
	Split2M int

	// Failures counts the large pages that could not be split. Toggling
	// pages inside them will report ErrUnsupported.
	Failures int

	// Ready is set once the range has been walked, even if some splits
	// failed.
	Ready bool
}

// InitRange walks [start, end) and splits every present large page so that
// each address in the range ends up mapped by a 4K entry. When use1G is set
// 1G pages are first split into 2M pages; without it any 1G page found in
// the range is left alone. Split failures are logged and the walk continues.
func InitRange(start, end uintptr, alloc mm.PageAllocator, use1G bool) RangeReport {
	report := RangeReport{Start: start, End: end}

	if use1G {
		report.Split1G, report.Failures = splitRange(start, end, Level1G, alloc)
	}

	split2M, failures := splitRange(start, end, Level2M, alloc)
	report.Split2M = split2M
	report.Failures += failures
	report.Ready = true

	kfmt.Debugf(kfmt.DebugInfo, "[vmm] range 0x%x-0x%x: split %d 1G and %d 2M page(s), %d failure(s)\n",
		start, end, report.Split1G, report.Split2M, report.Failures)
	return report
}

// splitRange visits [start, end) at the stride of level and splits every
// present large page it finds.
func splitRange(start, end uintptr, level PageLevel, alloc mm.PageAllocator) (split, failures int) {
	stride := level.Size()

	for addr := mm.AlignDown(start, stride); addr < end; addr += stride {
		entry, found := FindLeafEntry(addr, level)
		if found && entry.IsLargeLeaf() && entry.HasFlags(FlagPresent) {
			if err := SplitLargePage(entry, alloc); err != nil {
				kfmt.Debugf(kfmt.DebugError, "[vmm] unable to split %s page @ 0x%x: %s\n", level.String(), addr, err.Message)
				failures++
			} else {
				split++
			}
		}

		// Stop before the address wraps around
		if addr+stride < addr {
			break
		}
	}

	return split, failures
}
