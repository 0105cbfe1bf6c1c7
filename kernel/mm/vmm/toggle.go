package vmm

import (
	"specialpool/kernel"
	"specialpool/kernel/kfmt"
)

// SetPresent sets or clears the present bit of the 4K page containing
// virtAddr and flushes the translation caches. Clearing the bit also clears
// the accessed and dirty bits.
//
// SetPresent never splits pages: if the address is not mapped by a 4K entry
// it returns ErrUnsupported and leaves the page tables untouched. A blank 4K
// entry is never made present either since it would map physical page 0.
func SetPresent(virtAddr uintptr, enabled bool) *kernel.Error {
	entry, found := FindLeafEntry(virtAddr, Level4K)
	if !found {
		kfmt.Debugf(kfmt.DebugVerbose, "[vmm] no 4K mapping for 0x%x\n", virtAddr)
		return ErrUnsupported
	}

	if enabled {
		if entry.Raw() == 0 {
			kfmt.Debugf(kfmt.DebugVerbose, "[vmm] blank 4K entry for 0x%x\n", virtAddr)
			return ErrUnsupported
		}
		entry.setFlags(FlagPresent)
	} else {
		entry.clearFlags(FlagPresent | FlagAccessed | FlagDirty)
	}
	flushTLBFn()

	return nil
}
