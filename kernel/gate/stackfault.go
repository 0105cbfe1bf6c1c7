// Package gate installs private interrupt stacks for the exception vectors
// most likely to follow a guard page access, so that a fault caused by an
// overflowing stack can still be delivered.
package gate

import (
	"specialpool/hob"
	"specialpool/kernel"
	"specialpool/kernel/cpu"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/vmm"
	"unsafe"
)

const (
	// perStackSize is the size of each private stack.
	perStackSize = uintptr(16 * mm.Kb)

	// totalStackSize covers the 8 stacks the TSS can describe. The TSS and
	// the extended GDT are carved from the top of this space.
	totalStackSize = 8 * perStackSize

	// stackFillPattern spells "StackByt" in memory so unused stack space
	// can be recognized in a memory dump.
	stackFillPattern = uint64(0x7479426b63617453)

	// taskSpaceMaxAddr keeps the task space below 4G.
	taskSpaceMaxAddr = uintptr(4*mm.Gb) - 1

	// istGap separates the first private stack from the GDT copy.
	istGap = 0x10
)

// istAssignment binds a vector to an interrupt stack table entry.
type istAssignment struct {
	vector InterruptNumber
	ist    uint8
}

// istAssignments lists the vectors that get a private stack. The TSS only
// has room for 7 stacks.
var istAssignments = [...]istAssignment{
	{InvalidOpcode, 1},
	{DoubleFault, 2},
	{StackSegmentFault, 3},
	{GPFException, 4},
	{PageFaultException, 5},
	{AlignmentCheck, 6},
	{MachineCheck, 7},
}

var (
	// The following functions are used by tests and the hosted
	// environment to override descriptor table access which faults in
	// user-mode.
	readGDTRFn  = cpu.ReadGDTR
	writeGDTRFn = cpu.WriteGDTR
	readIDTRFn  = cpu.ReadIDTR
	loadTRFn    = cpu.LoadTR

	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	// setPresentFn is used by tests to override page presence changes.
	setPresentFn = vmm.SetPresent

	errTaskSpace   = &kernel.Error{Module: "gate", Message: "unable to allocate task space for stack fault handling", Kind: kernel.KindOutOfResources}
	errGDTTooLarge = &kernel.Error{Module: "gate", Message: "GDT does not fit in the task space", Kind: kernel.KindOutOfResources}
	errIDTTooSmall = &kernel.Error{Module: "gate", Message: "IDT does not cover the exception vectors", Kind: kernel.KindUnsupported}
	errNoStackHOB  = &kernel.Error{Module: "gate", Message: "no stack memory allocation HOB found", Kind: kernel.KindUnsupported}
)

// DescriptorHooks replaces the instructions used to access the descriptor
// tables and to mask interrupts while they are rewritten.
type DescriptorHooks struct {
	ReadGDTR  func(*cpu.PseudoDescriptor)
	WriteGDTR func(*cpu.PseudoDescriptor)
	ReadIDTR  func(*cpu.PseudoDescriptor)
	LoadTR    func(uint16)

	DisableInterrupts func()
	EnableInterrupts  func()
}

// SetDescriptorHooks installs hooks and returns a function that restores
// the previous ones.
func SetDescriptorHooks(hooks DescriptorHooks) (restore func()) {
	prev := DescriptorHooks{
		ReadGDTR:          readGDTRFn,
		WriteGDTR:         writeGDTRFn,
		ReadIDTR:          readIDTRFn,
		LoadTR:            loadTRFn,
		DisableInterrupts: disableInterruptsFn,
		EnableInterrupts:  enableInterruptsFn,
	}
	setDescriptorHooks(hooks)

	return func() { setDescriptorHooks(prev) }
}

func setDescriptorHooks(hooks DescriptorHooks) {
	readGDTRFn, writeGDTRFn, readIDTRFn, loadTRFn = hooks.ReadGDTR, hooks.WriteGDTR, hooks.ReadIDTR, hooks.LoadTR
	disableInterruptsFn, enableInterruptsFn = hooks.DisableInterrupts, hooks.EnableInterrupts
}

// StackFaultState describes the structures set up by
// InstallStackFaultHandling.
type StackFaultState struct {
	// TaskSpace is the start of the region holding the private stacks,
	// the GDT copy and the TSS.
	TaskSpace uintptr

	TaskState *TaskState
	GDTBase   uintptr
	GDTLimit  uint16

	// TR is the selector loaded into the task register.
	TR uint16

	// StackGuard is the address of the disabled boot stack page. It is
	// zero if the guard could not be armed.
	StackGuard uintptr
}

// InstallStackFaultHandling allocates 8 private stacks below 4G, installs a
// TSS describing them in an extended copy of the GDT and switches the
// exception vectors listed in istAssignments to their private stack. Only
// then is the lowest page of the boot stack, as described by the stack HOB
// in hobs, marked not-present.
//
// Errors are logged and returned. When the private stacks cannot be set up
// nothing is changed; when the stack HOB cannot be found or its page cannot
// be toggled the private stacks stay installed but the stack is not guarded.
func InstallStackFaultHandling(alloc mm.PageAllocator, hobs hob.List) (*StackFaultState, *kernel.Error) {
	taskSpace, err := alloc.AllocatePagesBelow(totalStackSize>>mm.PageShift, mm.BootServicesData, taskSpaceMaxAddr)
	if err != nil {
		kfmt.Debugf(kfmt.DebugError, "[gate] error allocating TSS space for stack fault handling\n")
		return nil, errTaskSpace
	}

	var oldGDTR, newGDTR, idtr cpu.PseudoDescriptor
	readGDTRFn(&oldGDTR)
	readIDTRFn(&idtr)

	var (
		tssBase  = taskSpace + totalStackSize - taskStateSize
		gdtSize  = uintptr(oldGDTR.Limit()) + 1
		newBase  = tssBase - (gdtSize + 2*segmentDescriptorSize)
		newLimit = oldGDTR.Limit() + 2*segmentDescriptorSize
		tr       = uint16(gdtSize)
		ist1     = newBase - istGap
	)

	// The lowest private stack must not extend below the task space.
	if newBase < taskSpace+istGap+uintptr(len(istAssignments))*perStackSize || gdtSize+2*segmentDescriptorSize > 0x10000 {
		_ = alloc.FreePages(taskSpace, totalStackSize>>mm.PageShift)
		kfmt.Debugf(kfmt.DebugError, "[gate] GDT limit 0x%x is too large\n", oldGDTR.Limit())
		return nil, errGDTTooLarge
	}

	if uintptr(idtr.Limit())+1 < uintptr(MachineCheck+1)*gateSize {
		_ = alloc.FreePages(taskSpace, totalStackSize>>mm.PageShift)
		return nil, errIDTTooSmall
	}

	kernel.Memset64(taskSpace, stackFillPattern, totalStackSize)

	tss := (*TaskState)(unsafe.Pointer(tssBase))
	*tss = TaskState{}

	kernel.Memcopy(oldGDTR.Base(), newBase, gdtSize)
	*(*[2]uint64)(unsafe.Pointer(newBase + gdtSize)) = tssDescriptor(tssBase)

	for index, stackTop := 1, ist1; index <= len(istAssignments); index, stackTop = index+1, stackTop-perStackSize {
		tss.SetIST(index, uint64(stackTop))
	}

	kfmt.Debugf(kfmt.DebugInfo, "[gate] TSS @ 0x%x, GDT @ 0x%x, stack @ 0x%x, TR=0x%x\n", tssBase, newBase, ist1, tr)

	// No exception may be delivered through a half-rewritten table.
	disableInterruptsFn()
	newGDTR.Set(newBase, newLimit)
	writeGDTRFn(&newGDTR)
	loadTRFn(tr)

	for _, assignment := range istAssignments {
		g := gateAt(idtr.Base(), assignment.vector)
		g.IST = assignment.ist
		kfmt.Debugf(kfmt.DebugVerbose, "[gate] %s -> 0x%x on IST%d\n", assignment.vector.String(), g.Offset(), assignment.ist)
	}
	enableInterruptsFn()

	state := &StackFaultState{
		TaskSpace: taskSpace,
		TaskState: tss,
		GDTBase:   newBase,
		GDTLimit:  newLimit,
		TR:        tr,
	}

	// The vectors are fully retargeted; the stack guard can be armed.
	stack, found := hobs.FindStack()
	if !found {
		kfmt.Debugf(kfmt.DebugError, "[gate] no stack HOB; boot stack not guarded\n")
		return state, errNoStackHOB
	}

	stackGuard := uintptr(stack.BaseAddr)
	if err = setPresentFn(stackGuard, false); err != nil {
		kfmt.Debugf(kfmt.DebugError, "[gate] unable to disable stack page @ 0x%x: %s\n", stackGuard, err.Message)
		return state, err
	}

	state.StackGuard = stackGuard
	kfmt.Debugf(kfmt.DebugInfo, "[gate] stack page @ 0x%x disabled\n", stackGuard)
	return state, nil
}

// ISTOf returns the interrupt stack table index used by vector n of the
// active IDT.
func ISTOf(n InterruptNumber) uint8 {
	var idtr cpu.PseudoDescriptor
	readIDTRFn(&idtr)

	if uintptr(n)*gateSize+gateSize-1 > uintptr(idtr.Limit()) {
		return 0
	}
	return gateAt(idtr.Base(), n).IST & 0x7
}
