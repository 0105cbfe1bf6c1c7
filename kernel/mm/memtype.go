package mm

import "strings"

// MemoryType is the category attached to an allocation request. The guarded
// allocator routes requests through the guard-page path based on it.
type MemoryType uint32

// Memory types in UEFI order.
const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory

	// MaxMemoryType is one past the last defined memory type.
	MaxMemoryType
)

var memoryTypeNames = [MaxMemoryType]string{
	"ReservedMemoryType",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"ConventionalMemory",
	"UnusableMemory",
	"ACPIReclaimMemory",
	"ACPIMemoryNVS",
	"MemoryMappedIO",
	"MemoryMappedIOPortSpace",
	"PalCode",
	"PersistentMemory",
}

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	if t < MaxMemoryType {
		return memoryTypeNames[t]
	}
	return "unknown"
}

// ParseMemoryType looks up a memory type by its name. The lookup is case
// insensitive and accepts an optional "Efi" prefix.
func ParseMemoryType(name string) (MemoryType, bool) {
	name = strings.TrimPrefix(strings.ToLower(name), "efi")
	for index, typeName := range memoryTypeNames {
		if strings.ToLower(typeName) == name {
			return MemoryType(index), true
		}
	}
	return 0, false
}

// MemoryTypeMask is a set of memory types with bit (1 << type) set for each
// member.
type MemoryTypeMask uint32

// MaskOf returns a mask containing the supplied types.
func MaskOf(types ...MemoryType) MemoryTypeMask {
	var mask MemoryTypeMask
	for _, t := range types {
		mask |= 1 << t
	}
	return mask
}

// Has returns true if t is a member of the mask. Types that do not fit in
// the mask are never members.
func (m MemoryTypeMask) Has(t MemoryType) bool {
	return t < 32 && m&(1<<t) != 0
}

// Types returns the members of the mask in ascending order.
func (m MemoryTypeMask) Types() []MemoryType {
	var types []MemoryType
	for t := MemoryType(0); t < 32; t++ {
		if m.Has(t) {
			types = append(types, t)
		}
	}
	return types
}
