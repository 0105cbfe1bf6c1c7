package hosted

import (
	"specialpool/kernel"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/vmm"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	tableEntries  = 512
	tableAddrMask = uint64(0x000ffffffffff000)
)

// tableEntry returns the entry of the table at tableAddr that translates
// addr at the given level.
func tableEntry(tableAddr, addr uintptr, level vmm.PageLevel) *uint64 {
	shift := 39 - 9*uintptr(level)
	index := (addr >> shift) & (tableEntries - 1)
	return (*uint64)(unsafe.Pointer(tableAddr + index<<mm.PointerShift))
}

// buildPageTables identity maps the arena with large leaves.
func (m *Machine) buildPageTables() *kernel.Error {
	var err *kernel.Error
	if m.root, err = m.newTable(); err != nil {
		return err
	}

	m.leafLevel = vmm.Level2M
	if m.opts.Use1GPages {
		if m.base&(mm.HugePageSize-1) == 0 && m.size <= mm.HugePageSize {
			m.leafLevel = vmm.Level1G
		} else {
			kfmt.Debugf(kfmt.DebugWarn, "[hosted] arena @ 0x%x cannot be mapped by a 1G page\n", m.base)
		}
	}

	step := m.leafLevel.Size()
	for addr := mm.AlignDown(m.base, step); addr < m.base+m.size; addr += step {
		if err = m.mapLeaf(addr, m.leafLevel); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) newTable() (uintptr, *kernel.Error) {
	table, err := m.pages.AllocatePages(1, mm.BootServicesData)
	if err != nil {
		return 0, errArenaLayout
	}
	kernel.Memset(table, 0, mm.PageSize)
	return table, nil
}

// mapLeaf installs a present, writable leaf that identity maps addr
// allocating any missing intermediate tables.
func (m *Machine) mapLeaf(addr uintptr, level vmm.PageLevel) *kernel.Error {
	tableAddr := m.root
	for l := vmm.Level512G; l < level; l++ {
		pte := tableEntry(tableAddr, addr, l)
		if *pte&uint64(vmm.FlagPresent) == 0 {
			next, err := m.newTable()
			if err != nil {
				return err
			}
			*pte = uint64(next) | uint64(vmm.FlagPresent|vmm.FlagRW)
		}
		tableAddr = uintptr(*pte & tableAddrMask)
	}

	flags := vmm.FlagPresent | vmm.FlagRW
	if level != vmm.Level4K {
		flags |= vmm.FlagHugePage
	}
	*tableEntry(tableAddr, addr, level) = uint64(addr) | uint64(flags)
	return nil
}

// flushTLB stands in for the TLB flush instruction. It brings the host
// protection of the arena in line with the page tables.
func (m *Machine) flushTLB() {
	m.flushes++

	end := m.base + m.size
	vmm.VisitRange(m.base, end, func(mapping vmm.Mapping) bool {
		m.protect(max(mapping.Base, m.base), min(mapping.Base+mapping.Level.Size(), end), !mapping.Present)
		return true
	})
}

// protect records the desired state of the pages in [start, end) and calls
// mprotect for each run of pages whose state changed.
func (m *Machine) protect(start, end uintptr, noAccess bool) {
	var (
		runStart uintptr
		inRun    bool
	)

	for addr := start; addr < end; addr += mm.PageSize {
		index := (addr - m.base) >> mm.PageShift
		if m.protected[index] != noAccess {
			m.protected[index] = noAccess
			if !inRun {
				runStart, inRun = addr, true
			}
			continue
		}

		if inRun {
			m.mprotect(runStart, addr, noAccess)
			inRun = false
		}
	}

	if inRun {
		m.mprotect(runStart, end, noAccess)
	}
}

func (m *Machine) mprotect(start, end uintptr, noAccess bool) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if noAccess {
		prot = unix.PROT_NONE
	}

	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	if err := unix.Mprotect(region, prot); err != nil {
		kfmt.Debugf(kfmt.DebugError, "[hosted] mprotect(0x%x, 0x%x) failed: %s\n", start, end-start, err.Error())
		return
	}

	kfmt.Debugf(kfmt.DebugVerbose, "[hosted] pages 0x%x-0x%x access %t\n", start, end-1, !noAccess)
}

// ProtectedPages returns the number of arena pages that currently fault on
// access.
func (m *Machine) ProtectedPages() int {
	var count int
	for _, noAccess := range m.protected {
		if noAccess {
			count++
		}
	}
	return count
}

// IsAccessible reports whether the host currently allows access to addr.
func (m *Machine) IsAccessible(addr uintptr) bool {
	if !m.Contains(addr) {
		return false
	}
	return !m.protected[(addr-m.base)>>mm.PageShift]
}
