package hob

import (
	"specialpool/kernel/mm"
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// listFor copies data into a page-aligned mapping outside the Go heap, the
// way firmware hands the list over.
func listFor(t *testing.T, data []byte) List {
	mem, err := unix.Mmap(-1, 0, len(data)+4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })

	copy(mem, data)
	return List(uintptr(unsafe.Pointer(&mem[0])))
}

func TestGUID(t *testing.T) {
	require.Equal(t, "4ED4BF27-4092-42E9-807D-527B1D00C9BD", StackGUID.String())

	// EFI byte order stores the first three fields little-endian.
	require.Equal(t, GUID{
		0x27, 0xbf, 0xd4, 0x4e, 0x92, 0x40, 0xe9, 0x42,
		0x80, 0x7d, 0x52, 0x7b, 0x1d, 0x00, 0xc9, 0xbd,
	}, StackGUID)

	u := uuid.MustParse("f8e21975-0899-4f58-a4be-5525a9c6d77a")
	require.Equal(t, u, FromUUID(u).UUID())
	require.Equal(t, ModuleGUID, FromUUID(u))

	_, err := ParseGUID("not-a-guid")
	require.Error(t, err)
	require.Panics(t, func() { MustParseGUID("not-a-guid") })
}

func TestLayout(t *testing.T) {
	require.Equal(t, uintptr(8), HeaderSize)
	require.Equal(t, uintptr(56), unsafe.Sizeof(Handoff{}))
	require.Equal(t, uintptr(48), unsafe.Sizeof(MemoryAllocation{}))
	require.Equal(t, uintptr(48), unsafe.Sizeof(ResourceDescriptor{}))
}

func TestVisit(t *testing.T) {
	other := MustParseGUID("11111111-2222-3333-4444-555555555555")
	data := NewBuilder(0x100000, 0x800000).
		AddResourceDescriptor(other, 0, 0x7, 0, 0x800000).
		AddGUIDExtension(other, []byte{1, 2, 3}).
		AddMemoryAllocation(ModuleGUID, 0x400000, 0x3000, mm.BootServicesCode).
		AddMemoryAllocation(StackGUID, 0x200000, 0x20000, mm.BootServicesData).
		Bytes()

	list := listFor(t, data)

	var types []Type
	list.Visit(func(hdr *Header, _ uintptr) bool {
		types = append(types, hdr.Type)
		return true
	})
	require.Equal(t, []Type{TypeHandoff, TypeResourceDescriptor, TypeGUIDExtension, TypeMemoryAllocation, TypeMemoryAllocation}, types)

	handoff := list.Handoff()
	require.NotNil(t, handoff)
	require.Equal(t, uint64(0x800000), handoff.MemoryTop)
	require.Equal(t, uint64(0x100000), handoff.FreeMemoryBottom)
	require.Equal(t, uint64(len(data)), handoff.EndOfHobList)

	stack, found := list.FindStack()
	require.True(t, found)
	require.Equal(t, uint64(0x200000), stack.BaseAddr)
	require.Equal(t, uint64(0x20000), stack.Length)
	require.Equal(t, mm.BootServicesData, stack.MemoryType)

	allocs := list.MemoryAllocations()
	require.Len(t, allocs, 2)
	require.Equal(t, StackGUID, allocs[0].Name)
	require.Equal(t, ModuleGUID, allocs[1].Name)

	_, found = list.FindMemoryAllocation(other)
	require.False(t, found)

	// Visitors can abort the scan
	var visited int
	list.Visit(func(*Header, uintptr) bool {
		visited++
		return visited < 2
	})
	require.Equal(t, 2, visited)
}

func TestMissingStack(t *testing.T) {
	list := listFor(t, NewBuilder(0, 0x1000).Bytes())

	_, found := list.FindStack()
	require.False(t, found)
	require.Empty(t, list.MemoryAllocations())

	var empty List
	_, found = empty.FindStack()
	require.False(t, found)
	require.Nil(t, empty.Handoff())
}

func TestMalformedLength(t *testing.T) {
	data := NewBuilder(0, 0x1000).
		AddMemoryAllocation(StackGUID, 0x1000, 0x1000, mm.BootServicesData).
		Bytes()

	// Truncating the handoff HOB length below the header size stops the
	// scan before the stack HOB is reached.
	data[2] = 4
	list := listFor(t, data)

	_, found := list.FindStack()
	require.False(t, found)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "memory allocation", TypeMemoryAllocation.String())
	require.Equal(t, "end of list", TypeEndOfList.String())
	require.Equal(t, "unknown", Type(0x1234).String())
}
