package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLB invalidates every cached translation by reloading CR3 with its
// current value. Global entries are not affected.
func FlushTLB()

// ActivePDT returns the contents of the CR3 register. Callers must mask the
// value with the physical address mask to get the root table address.
func ActivePDT() uintptr

// ReadGDTR stores the global descriptor table register into desc.
func ReadGDTR(desc *PseudoDescriptor)

// WriteGDTR loads the global descriptor table register from desc.
func WriteGDTR(desc *PseudoDescriptor)

// ReadIDTR stores the interrupt descriptor table register into desc.
func ReadIDTR(desc *PseudoDescriptor)

// LoadTR loads the task register with the supplied GDT selector.
func LoadTR(selector uint16)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and ECX=0 and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

const (
	extendedFeatureLeaf = 0x80000001

	// edxPage1GB is the PDPE1GB bit reported by the extended feature leaf.
	edxPage1GB = 1 << 26
)

// Supports1GPages returns true if the processor can map 1G pages at the
// page-directory-pointer level.
func Supports1GPages() bool {
	maxLeaf, _, _, _ := cpuidFn(0x80000000)
	if maxLeaf < extendedFeatureLeaf {
		return false
	}

	_, _, _, edx := cpuidFn(extendedFeatureLeaf)
	return edx&edxPage1GB != 0
}
