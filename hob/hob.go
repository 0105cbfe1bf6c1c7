// Package hob decodes the hand-off block (HOB) list that earlier boot phases
// use to describe the memory they allocated.
package hob

import (
	"specialpool/kernel/mm"
	"unsafe"

	"golang.org/x/exp/slices"
)

// Type identifies the layout of a HOB.
type Type uint16

// nolint
const (
	TypeHandoff            Type = 0x0001
	TypeMemoryAllocation   Type = 0x0002
	TypeResourceDescriptor Type = 0x0003
	TypeGUIDExtension      Type = 0x0004
	TypeFirmwareVolume     Type = 0x0005
	TypeCPU                Type = 0x0006
	TypeMemoryPool         Type = 0x0007
	TypeUnused             Type = 0xFFFE
	TypeEndOfList          Type = 0xFFFF
)

// String implements fmt.Stringer for Type.
func (t Type) String() string {
	switch t {
	case TypeHandoff:
		return "handoff"
	case TypeMemoryAllocation:
		return "memory allocation"
	case TypeResourceDescriptor:
		return "resource descriptor"
	case TypeGUIDExtension:
		return "GUID extension"
	case TypeFirmwareVolume:
		return "firmware volume"
	case TypeCPU:
		return "CPU"
	case TypeMemoryPool:
		return "memory pool"
	case TypeUnused:
		return "unused"
	case TypeEndOfList:
		return "end of list"
	default:
		return "unknown"
	}
}

// Header precedes every HOB.
type Header struct {
	Type Type

	// Length is the size of the HOB including the header.
	Length   uint16
	reserved uint32
}

// HeaderSize is the size of a HOB header.
const HeaderSize = unsafe.Sizeof(Header{})

// Handoff describes the memory layout at the time the HOB list was
// created. It is always the first HOB in the list.
type Handoff struct {
	Header
	Version  uint32
	BootMode uint32

	MemoryTop        uint64
	MemoryBottom     uint64
	FreeMemoryTop    uint64
	FreeMemoryBottom uint64
	EndOfHobList     uint64
}

// MemoryAllocation describes a range of memory allocated by an earlier boot
// phase.
type MemoryAllocation struct {
	Header
	Name       GUID
	BaseAddr   uint64
	Length     uint64
	MemoryType mm.MemoryType
	reserved   [4]byte
}

// ResourceDescriptor describes a range of system memory or I/O space.
type ResourceDescriptor struct {
	Header
	Owner             GUID
	ResourceType      uint32
	ResourceAttribute uint32
	PhysicalStart     uint64
	ResourceLength    uint64
}

// Visitor is invoked by List.Visit for each HOB. It must return true to
// continue or false to abort the scan.
type Visitor func(hdr *Header, addr uintptr) bool

// MemoryAllocationVisitor is invoked by List.VisitMemoryAllocations for each
// memory allocation HOB. It must return true to continue or false to abort
// the scan.
type MemoryAllocationVisitor func(*MemoryAllocation) bool

// List is the address of the first HOB in a HOB list.
type List uintptr

// Visit invokes visitor for every HOB up to (but not including) the
// end-of-list marker. The scan also stops at a HOB with a length too small
// to hold its header.
func (l List) Visit(visitor Visitor) {
	if l == 0 {
		return
	}

	for curPtr := uintptr(l); ; {
		hdr := (*Header)(unsafe.Pointer(curPtr))
		if hdr.Type == TypeEndOfList || uintptr(hdr.Length) < HeaderSize {
			return
		}

		if !visitor(hdr, curPtr) {
			return
		}

		// HOBs are 8-byte aligned
		curPtr += (uintptr(hdr.Length) + 7) &^ 7
	}
}

// Handoff returns the handoff HOB or nil if the list does not start with one.
func (l List) Handoff() *Handoff {
	var handoff *Handoff

	l.Visit(func(hdr *Header, addr uintptr) bool {
		if hdr.Type == TypeHandoff && uintptr(hdr.Length) >= unsafe.Sizeof(Handoff{}) {
			handoff = (*Handoff)(unsafe.Pointer(addr))
		}
		return false
	})

	return handoff
}

// VisitMemoryAllocations invokes visitor for every memory allocation HOB.
func (l List) VisitMemoryAllocations(visitor MemoryAllocationVisitor) {
	l.Visit(func(hdr *Header, addr uintptr) bool {
		if hdr.Type != TypeMemoryAllocation || uintptr(hdr.Length) < unsafe.Sizeof(MemoryAllocation{}) {
			return true
		}
		return visitor((*MemoryAllocation)(unsafe.Pointer(addr)))
	})
}

// FindMemoryAllocation returns the first memory allocation HOB with the
// supplied name.
func (l List) FindMemoryAllocation(name GUID) (*MemoryAllocation, bool) {
	var found *MemoryAllocation

	l.VisitMemoryAllocations(func(alloc *MemoryAllocation) bool {
		if alloc.Name == name {
			found = alloc
			return false
		}
		return true
	})

	return found, found != nil
}

// FindStack returns the memory allocation HOB describing the boot stack.
func (l List) FindStack() (*MemoryAllocation, bool) {
	return l.FindMemoryAllocation(StackGUID)
}

// MemoryAllocations returns a copy of every memory allocation HOB ordered
// by base address.
func (l List) MemoryAllocations() []MemoryAllocation {
	var allocs []MemoryAllocation

	l.VisitMemoryAllocations(func(alloc *MemoryAllocation) bool {
		allocs = append(allocs, *alloc)
		return true
	})

	slices.SortFunc(allocs, func(a, b MemoryAllocation) bool {
		return a.BaseAddr < b.BaseAddr
	})
	return allocs
}
