// Package hosted emulates the boot environment inside a regular process so
// the allocator can run, and be tested, outside of firmware.
//
// A Machine owns an anonymous mapping (the arena) that serves as physical
// memory. The arena is identity mapped by page tables that live inside it
// and the paging and descriptor table hooks are pointed at the emulated
// registers. Every TLB flush replays the present bits of the arena leaves
// onto the host mapping with mprotect, so clearing a present bit makes
// real accesses fault.
package hosted

import (
	"specialpool/hob"
	"specialpool/kernel"
	"specialpool/kernel/cpu"
	"specialpool/kernel/gate"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/pmm"
	"specialpool/kernel/mm/vmm"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// DefaultArenaSize is the arena size used when Options.ArenaSize is 0.
	DefaultArenaSize = uintptr(64 * mm.Mb)

	// DefaultBaseHint is where the arena is placed when possible. It is
	// 1G aligned and leaves room below 4G for the interrupt stacks.
	DefaultBaseHint = uintptr(0x40000000)

	// DefaultStackSize is the size of the emulated boot stack region.
	DefaultStackSize = uintptr(64 * mm.Kb)
)

var (
	// active ensures that only one Machine owns the global hooks.
	active atomic.Bool

	// ErrHalted is the value Machine panics with when the allocator
	// halts the CPU after an unrecoverable error.
	ErrHalted = &kernel.Error{Module: "hosted", Message: "cpu halted"}

	errBusy        = &kernel.Error{Module: "hosted", Message: "another machine is already running", Kind: kernel.KindUnsupported}
	errArenaSize   = &kernel.Error{Module: "hosted", Message: "arena too small", Kind: kernel.KindInvalidParameter}
	errArenaMap    = &kernel.Error{Module: "hosted", Message: "unable to map arena", Kind: kernel.KindOutOfResources}
	errArenaLayout = &kernel.Error{Module: "hosted", Message: "unable to lay out arena", Kind: kernel.KindOutOfResources}
)

// Options configures a Machine.
type Options struct {
	// ArenaSize is rounded up to a multiple of 2M.
	ArenaSize uintptr

	// BaseHint is the preferred arena address. If the host refuses it the
	// arena is placed anywhere on a 2M boundary.
	BaseHint uintptr

	// Use1GPages maps the arena with a single 1G leaf. It is ignored
	// unless the arena is 1G aligned and fits in one 1G page.
	Use1GPages bool

	// StackSize is the size of the boot stack region described by the
	// stack HOB.
	StackSize uintptr
}

func (opts *Options) withDefaults() Options {
	out := *opts
	if out.ArenaSize == 0 {
		out.ArenaSize = DefaultArenaSize
	}
	if out.BaseHint == 0 {
		out.BaseHint = DefaultBaseHint
	}
	if out.StackSize == 0 {
		out.StackSize = DefaultStackSize
	}
	out.ArenaSize = mm.AlignUp(out.ArenaSize, mm.LargePageSize)
	out.StackSize = mm.AlignUp(out.StackSize, mm.PageSize)
	return out
}

// Machine is an emulated boot environment.
type Machine struct {
	opts Options

	// The host mapping; base is the 2M aligned arena start inside it.
	mapAddr, mapLen uintptr
	base, size      uintptr

	pages    *pmm.BitmapAllocator
	pool     *pmm.PoolAllocator
	services mm.PoolServices

	root      uintptr
	leafLevel vmm.PageLevel
	hobs      hob.List
	stackBase uintptr

	gdtr, idtr cpu.PseudoDescriptor
	tr         uint16

	// interruptsOff mirrors RFLAGS.IF; masked counts CLI executions.
	interruptsOff bool
	masked        int

	flushes   int
	protected []bool
	faults    int

	restore []func()
}

// NewMachine maps an arena, builds its page tables, descriptor tables and
// HOB list and installs the hooks that route hardware access to the
// Machine. Only one Machine can exist at a time; Close releases it.
func NewMachine(opts Options) (*Machine, *kernel.Error) {
	if !active.CompareAndSwap(false, true) {
		return nil, errBusy
	}

	m := &Machine{opts: opts.withDefaults()}
	if err := m.init(); err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

func (m *Machine) init() *kernel.Error {
	if m.opts.StackSize+16*mm.PageSize > m.opts.ArenaSize {
		return errArenaSize
	}

	if err := m.mapArena(); err != nil {
		return err
	}

	m.pages = pmm.NewBitmapAllocator(m.base, m.size>>mm.PageShift)
	m.pool = pmm.NewPoolAllocator(m.pages)
	m.services = m.pool.Services()
	m.protected = make([]bool, m.size>>mm.PageShift)

	if err := m.buildPageTables(); err != nil {
		return err
	}

	m.restore = append(m.restore, vmm.SetHardwareHooks(
		func() uintptr { return m.root },
		m.flushTLB,
	))

	if err := m.buildDescriptorTables(); err != nil {
		return err
	}

	m.restore = append(m.restore, gate.SetDescriptorHooks(gate.DescriptorHooks{
		ReadGDTR:  func(d *cpu.PseudoDescriptor) { *d = m.gdtr },
		WriteGDTR: func(d *cpu.PseudoDescriptor) { m.gdtr = *d },
		ReadIDTR:  func(d *cpu.PseudoDescriptor) { *d = m.idtr },
		LoadTR:    func(selector uint16) { m.tr = selector },

		DisableInterrupts: func() { m.interruptsOff = true; m.masked++ },
		EnableInterrupts:  func() { m.interruptsOff = false },
	}))

	if err := m.buildHOBs(); err != nil {
		return err
	}

	prevHalt := kfmt.SetHaltFn(func() { panic(ErrHalted) })
	m.restore = append(m.restore, func() { kfmt.SetHaltFn(prevHalt) })

	kfmt.Debugf(kfmt.DebugInit, "[hosted] arena @ 0x%x, size 0x%x, %s leaves, %d pages free\n", m.base, m.size, m.leafLevel.String(), m.pages.FreePageCount())
	return nil
}

// mapArena reserves the host mapping, preferring the base hint.
func (m *Machine) mapArena() *kernel.Error {
	var (
		prot  = unix.PROT_READ | unix.PROT_WRITE
		flags = unix.MAP_PRIVATE | unix.MAP_ANON
	)

	hint := mm.AlignUp(m.opts.BaseHint, mm.LargePageSize)
	addr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), m.opts.ArenaSize, prot, flags|unix.MAP_FIXED_NOREPLACE)
	if err == nil && uintptr(addr) == hint {
		m.mapAddr, m.mapLen = hint, m.opts.ArenaSize
		m.base, m.size = hint, m.opts.ArenaSize
		return nil
	}

	// Kernels without MAP_FIXED_NOREPLACE treat the address as a hint.
	if err == nil {
		_ = unix.MunmapPtr(addr, m.opts.ArenaSize)
	}

	mapLen := m.opts.ArenaSize + mm.LargePageSize
	if addr, err = unix.MmapPtr(-1, 0, nil, mapLen, prot, flags); err != nil {
		kfmt.Debugf(kfmt.DebugError, "[hosted] mmap failed: %s\n", err.Error())
		return errArenaMap
	}

	m.mapAddr, m.mapLen = uintptr(addr), mapLen
	m.base, m.size = mm.AlignUp(uintptr(addr), mm.LargePageSize), m.opts.ArenaSize
	kfmt.Debugf(kfmt.DebugWarn, "[hosted] arena placed @ 0x%x instead of 0x%x\n", m.base, hint)
	return nil
}

// buildDescriptorTables creates a GDT with flat 64-bit segments and an IDT
// with a present interrupt gate for every vector.
func (m *Machine) buildDescriptorTables() *kernel.Error {
	gdtBase, err := m.pages.AllocatePages(1, mm.BootServicesData)
	if err != nil {
		return errArenaLayout
	}

	gdt := (*[3]uint64)(unsafe.Pointer(gdtBase))
	gdt[0] = 0
	gdt[1] = 0x00af9a000000ffff
	gdt[2] = 0x00cf92000000ffff
	m.gdtr.Set(gdtBase, uint16(len(gdt)*8-1))

	const gateCount = 256
	gateSize := unsafe.Sizeof(gate.Gate{})
	idtBase, err := m.pages.AllocatePages((gateCount*gateSize)>>mm.PageShift, mm.BootServicesData)
	if err != nil {
		return errArenaLayout
	}

	for n := uintptr(0); n < gateCount; n++ {
		handler := uintptr(0xffffffff80000000) + n*0x10
		*(*gate.Gate)(unsafe.Pointer(idtBase + n*gateSize)) = gate.Gate{
			OffsetLow:  uint16(handler),
			Selector:   0x8,
			Attributes: 0x8e,
			OffsetMid:  uint16(handler >> 16),
			OffsetHigh: uint32(handler >> 32),
		}
	}
	m.idtr.Set(idtBase, uint16(gateCount*gateSize-1))
	return nil
}

// buildHOBs allocates the boot stack region and publishes a HOB list
// describing the arena and the stack.
func (m *Machine) buildHOBs() *kernel.Error {
	var err *kernel.Error
	if m.stackBase, err = m.pages.AllocatePages(m.opts.StackSize>>mm.PageShift, mm.BootServicesData); err != nil {
		return errArenaLayout
	}

	data := hob.NewBuilder(uint64(m.base), uint64(m.base+m.size)).
		AddResourceDescriptor(hob.ModuleGUID, 0, 0x7, uint64(m.base), uint64(m.size)).
		AddMemoryAllocation(hob.StackGUID, uint64(m.stackBase), uint64(m.opts.StackSize), mm.BootServicesData).
		Bytes()

	listAddr, err := m.pages.AllocatePages(mm.PagesForSize(uintptr(len(data))), mm.BootServicesData)
	if err != nil {
		return errArenaLayout
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(listAddr)), len(data)), data)
	m.hobs = hob.List(listAddr)
	return nil
}

// Close restores the hooks installed by NewMachine and unmaps the arena.
// Addresses inside the arena must not be used afterwards.
func (m *Machine) Close() {
	for i := len(m.restore) - 1; i >= 0; i-- {
		m.restore[i]()
	}
	m.restore = nil

	if m.mapLen != 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(m.mapAddr), m.mapLen)
		m.mapAddr, m.mapLen = 0, 0
	}

	active.Store(false)
}

// Base returns the first arena address.
func (m *Machine) Base() uintptr { return m.base }

// Size returns the arena size.
func (m *Machine) Size() uintptr { return m.size }

// Contains returns true if addr lies inside the arena.
func (m *Machine) Contains(addr uintptr) bool {
	return addr >= m.base && addr-m.base < m.size
}

// Pages returns the page allocator that manages the arena.
func (m *Machine) Pages() *pmm.BitmapAllocator { return m.pages }

// Pool returns the allocator behind Services.
func (m *Machine) Pool() *pmm.PoolAllocator { return m.pool }

// Services returns the pool service table of the emulated firmware. The
// guarded allocator installs itself into it.
func (m *Machine) Services() *mm.PoolServices { return &m.services }

// HOBs returns the HOB list describing the arena.
func (m *Machine) HOBs() hob.List { return m.hobs }

// StackRegion returns the boot stack region described by the stack HOB.
func (m *Machine) StackRegion() (base, size uintptr) {
	return m.stackBase, m.opts.StackSize
}

// LeafLevel returns the page size the arena was initially mapped with.
func (m *Machine) LeafLevel() vmm.PageLevel { return m.leafLevel }

// Flushes returns the number of TLB flushes requested so far.
func (m *Machine) Flushes() int { return m.flushes }

// InterruptState reports whether interrupts are currently enabled and how
// many times they were disabled.
func (m *Machine) InterruptState() (enabled bool, masked int) {
	return !m.interruptsOff, m.masked
}

// DescriptorTables returns the emulated GDTR, IDTR and task register.
func (m *Machine) DescriptorTables() (gdtr, idtr cpu.PseudoDescriptor, tr uint16) {
	return m.gdtr, m.idtr, m.tr
}
