package hob

import (
	"encoding/binary"
	"specialpool/kernel/mm"
	"unsafe"
)

// Builder assembles a HOB list in memory. It is used to describe the boot
// environment when the allocator runs outside of firmware.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder whose list starts with a handoff HOB
// describing the memory range [bottom, top).
func NewBuilder(bottom, top uint64) *Builder {
	b := &Builder{}

	rec := b.begin(TypeHandoff, unsafe.Sizeof(Handoff{}))
	binary.LittleEndian.PutUint32(rec[8:], 9) // handoff version
	binary.LittleEndian.PutUint64(rec[16:], top)
	binary.LittleEndian.PutUint64(rec[24:], bottom)
	binary.LittleEndian.PutUint64(rec[32:], top)
	binary.LittleEndian.PutUint64(rec[40:], bottom)
	return b
}

// AddMemoryAllocation appends a memory allocation HOB.
func (b *Builder) AddMemoryAllocation(name GUID, base, length uint64, memType mm.MemoryType) *Builder {
	rec := b.begin(TypeMemoryAllocation, unsafe.Sizeof(MemoryAllocation{}))
	copy(rec[8:24], name[:])
	binary.LittleEndian.PutUint64(rec[24:], base)
	binary.LittleEndian.PutUint64(rec[32:], length)
	binary.LittleEndian.PutUint32(rec[40:], uint32(memType))
	return b
}

// AddResourceDescriptor appends a resource descriptor HOB.
func (b *Builder) AddResourceDescriptor(owner GUID, resourceType, attributes uint32, start, length uint64) *Builder {
	rec := b.begin(TypeResourceDescriptor, unsafe.Sizeof(ResourceDescriptor{}))
	copy(rec[8:24], owner[:])
	binary.LittleEndian.PutUint32(rec[24:], resourceType)
	binary.LittleEndian.PutUint32(rec[28:], attributes)
	binary.LittleEndian.PutUint64(rec[32:], start)
	binary.LittleEndian.PutUint64(rec[40:], length)
	return b
}

// AddGUIDExtension appends a GUID extension HOB carrying data.
func (b *Builder) AddGUIDExtension(name GUID, data []byte) *Builder {
	rec := b.begin(TypeGUIDExtension, HeaderSize+uintptr(len(name))+uintptr(len(data)))
	copy(rec[8:24], name[:])
	copy(rec[24:], data)
	return b
}

// Bytes terminates the list and returns its encoded form. The handoff HOB
// records the list length.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.buf), len(b.buf)+int(HeaderSize))
	copy(out, b.buf)

	end := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(end[0:], uint16(TypeEndOfList))
	binary.LittleEndian.PutUint16(end[2:], uint16(HeaderSize))
	out = append(out, end...)

	binary.LittleEndian.PutUint64(out[48:], uint64(len(out)))
	return out
}

// begin appends a zeroed HOB of the given size and returns its bytes.
func (b *Builder) begin(hobType Type, length uintptr) []byte {
	start := len(b.buf)
	padded := (int(length) + 7) &^ 7
	b.buf = append(b.buf, make([]byte, padded)...)

	rec := b.buf[start : start+padded]
	binary.LittleEndian.PutUint16(rec[0:], uint16(hobType))
	binary.LittleEndian.PutUint16(rec[2:], uint16(length))
	return rec
}
