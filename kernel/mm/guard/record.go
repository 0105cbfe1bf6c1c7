package guard

import (
	"specialpool/kernel"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/vmm"
	"unsafe"
)

const (
	// HeadSignature is 'spcl' packed little-endian.
	HeadSignature = uint32('s') | uint32('p')<<8 | uint32('c')<<16 | uint32('l')<<24

	// TailSignature is 'pool' packed little-endian.
	TailSignature = uint32('p') | uint32('o')<<8 | uint32('o')<<16 | uint32('l')<<24

	// HeadSize is the offset of the payload from the start of the Head.
	HeadSize = unsafe.Sizeof(Head{})

	// TailSize is the size of the Tail that follows the payload.
	TailSize = unsafe.Sizeof(Tail{})

	// Overhead is the number of bytes added to every guarded request.
	Overhead = HeadSize + TailSize

	// payloadAlign is the alignment applied to requested sizes.
	payloadAlign = 8
)

var (
	errTailSignature = &kernel.Error{Module: "guard", Message: "tail signature mismatch", Kind: kernel.KindCorruption}
	errSizeMismatch  = &kernel.Error{Module: "guard", Message: "head and tail sizes do not match", Kind: kernel.KindCorruption}
	errBadHeadSize   = &kernel.Error{Module: "guard", Message: "head size is not plausible", Kind: kernel.KindCorruption}
)

// Head is stored immediately before the payload of every guarded
// allocation.
type Head struct {
	Signature uint32
	Reserved  uint32
	Type      uint32
	_         uint32

	// Size is the rounded allocation size including Head and Tail.
	Size uint64
}

// Tail is stored Size-TailSize bytes after the Head.
type Tail struct {
	Signature uint32
	Reserved  uint32
	Size      uint64
}

// Record is the result of decoding the memory in front of a pointer passed
// to Free. It is one of GuardedRecord, RetiredRecord or ForeignRecord.
type Record interface {
	isRecord()
}

// GuardedRecord describes a pointer whose Head carries a live signature.
type GuardedRecord struct {
	HeadAddr uintptr
}

// RetiredRecord describes a pointer whose Head signature was cleared by an
// earlier Free while the Tail is still intact.
type RetiredRecord struct {
	HeadAddr uintptr
}

// ForeignRecord describes a pointer that was not returned by a guarded
// allocation.
type ForeignRecord struct {
	Addr uintptr
}

func (GuardedRecord) isRecord() {}
func (RetiredRecord) isRecord() {}
func (ForeignRecord) isRecord() {}

// DecodeRecord classifies the supplied payload pointer. Memory is only read
// after confirming it is mapped, so decoding never faults.
func DecodeRecord(addr uintptr) Record {
	if addr < HeadSize || !readable(addr-HeadSize, HeadSize) {
		return ForeignRecord{Addr: addr}
	}

	headAddr := addr - HeadSize
	head := headAt(headAddr)

	switch head.Signature {
	case HeadSignature:
		return GuardedRecord{HeadAddr: headAddr}
	case 0:
		if tailMatches(headAddr) == nil {
			return RetiredRecord{HeadAddr: headAddr}
		}
	}

	return ForeignRecord{Addr: addr}
}

// Head returns the record's Head.
func (r GuardedRecord) Head() *Head {
	return headAt(r.HeadAddr)
}

// Validate checks that the Tail is readable, carries the expected signature
// and agrees with the Head on the allocation size.
func (r GuardedRecord) Validate() *kernel.Error {
	return tailMatches(r.HeadAddr)
}

// PageCount returns the number of pages in the run including both guards.
func (r GuardedRecord) PageCount() uintptr {
	return mm.PagesForSize(uintptr(r.Head().Size)) + 2
}

// Guards returns the addresses of the first and last page of the run.
func (r GuardedRecord) Guards() (guard1, guard2 uintptr) {
	guard1 = mm.AlignDown(r.HeadAddr, mm.PageSize) - mm.PageSize
	guard2 = guard1 + (r.PageCount()-1)*mm.PageSize
	return guard1, guard2
}

// tailMatches validates the Tail that belongs to the Head at headAddr.
func tailMatches(headAddr uintptr) *kernel.Error {
	size := uintptr(headAt(headAddr).Size)
	if size < Overhead || size%payloadAlign != 0 || headAddr+size < headAddr {
		return errBadHeadSize
	}

	tailAddr := headAddr + size - TailSize
	if !readable(tailAddr, TailSize) {
		return errTailSignature
	}

	tail := tailAt(tailAddr)
	switch {
	case tail.Signature != TailSignature:
		return errTailSignature
	case tail.Size != uint64(size):
		return errSizeMismatch
	}

	return nil
}

// readable returns true if every byte in [addr, addr+size) is mapped by a
// present page.
func readable(addr, size uintptr) bool {
	if _, err := vmm.Translate(addr); err != nil {
		return false
	}

	_, err := vmm.Translate(addr + size - 1)
	return err == nil
}

func headAt(addr uintptr) *Head {
	return (*Head)(unsafe.Pointer(addr))
}

func tailAt(addr uintptr) *Tail {
	return (*Tail)(unsafe.Pointer(addr))
}
