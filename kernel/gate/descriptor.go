package gate

import (
	"encoding/binary"
	"unsafe"
)

const (
	// gateSize is the size of a 64-bit IDT gate descriptor.
	gateSize = 16

	// segmentDescriptorSize is the size of a legacy GDT entry. System
	// descriptors such as the TSS descriptor take two entries.
	segmentDescriptorSize = 8

	// taskStateSize is the size of a 64-bit TSS without an I/O bitmap.
	taskStateSize = 104

	// tssTypeAvailable marks a 64-bit TSS that is not busy.
	tssTypeAvailable = 0x9
)

// Gate is a 64-bit IDT gate descriptor.
type Gate struct {
	OffsetLow uint16
	Selector  uint16

	// IST holds the interrupt stack table index in its low 3 bits.
	// Zero keeps the legacy stack switching behavior.
	IST uint8

	// Attributes holds the gate type, DPL and present bit.
	Attributes uint8

	OffsetMid  uint16
	OffsetHigh uint32
	reserved   uint32
}

// Offset returns the handler entry point.
func (g *Gate) Offset() uintptr {
	return uintptr(g.OffsetLow) | uintptr(g.OffsetMid)<<16 | uintptr(g.OffsetHigh)<<32
}

// gateAt returns the gate for vector n of the IDT at idtBase.
func gateAt(idtBase uintptr, n InterruptNumber) *Gate {
	return (*Gate)(unsafe.Pointer(idtBase + uintptr(n)*gateSize))
}

// TaskState is the 64-bit task state segment. Its fields are not naturally
// aligned so it is stored as raw bytes.
type TaskState [taskStateSize]byte

// RSP returns the stack pointer loaded on a privilege change to ring n.
func (ts *TaskState) RSP(n int) uint64 {
	return binary.LittleEndian.Uint64(ts[4+8*n:])
}

// IST returns interrupt stack table entry n (1-7).
func (ts *TaskState) IST(n int) uint64 {
	return binary.LittleEndian.Uint64(ts[36+8*(n-1):])
}

// SetIST sets interrupt stack table entry n (1-7).
func (ts *TaskState) SetIST(n int, stackTop uint64) {
	binary.LittleEndian.PutUint64(ts[36+8*(n-1):], stackTop)
}

// IOMapBase returns the offset of the I/O permission bitmap.
func (ts *TaskState) IOMapBase() uint16 {
	return binary.LittleEndian.Uint16(ts[102:])
}

// tssDescriptor encodes the two GDT entries describing an available 64-bit
// TSS at base. The limit is set to its maximum with 4K granularity.
func tssDescriptor(base uintptr) [2]uint64 {
	low := uint64(0xFFFF) |
		uint64(base&0xFFFFFF)<<16 |
		tssTypeAvailable<<40 |
		1<<47 | // present
		0xF<<48 |
		1<<55 | // 4K granularity
		uint64(base>>24&0xFF)<<56

	return [2]uint64{low, uint64(base >> 32)}
}

// descriptorBase decodes the base address of a system descriptor.
func descriptorBase(desc [2]uint64) uintptr {
	low := desc[0]
	return uintptr(low>>16&0xFFFFFF) | uintptr(low>>56&0xFF)<<24 | uintptr(desc[1]&0xFFFFFFFF)<<32
}
