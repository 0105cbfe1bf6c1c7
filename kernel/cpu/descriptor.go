package cpu

import "encoding/binary"

// PseudoDescriptor mirrors the 10-byte operand used by the SGDT, LGDT and
// SIDT instructions: a 16-bit table limit followed by a 64-bit linear base
// address with no padding in between.
type PseudoDescriptor [10]byte

// Limit returns the table limit (size in bytes minus one).
func (d *PseudoDescriptor) Limit() uint16 {
	return binary.LittleEndian.Uint16(d[0:2])
}

// Base returns the linear address of the table.
func (d *PseudoDescriptor) Base() uintptr {
	return uintptr(binary.LittleEndian.Uint64(d[2:10]))
}

// Set updates both descriptor fields.
func (d *PseudoDescriptor) Set(base uintptr, limit uint16) {
	binary.LittleEndian.PutUint16(d[0:2], limit)
	binary.LittleEndian.PutUint64(d[2:10], uint64(base))
}
