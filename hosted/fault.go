package hosted

import (
	"runtime/debug"
	"specialpool/kernel/gate"
	"strconv"
	"unsafe"
)

// Fault describes an access that the host rejected because the page it
// touched is not present.
type Fault struct {
	Addr  uintptr
	Write bool
}

// Code returns the page fault error code the CPU would have reported. Only
// non-present pages are protected by the Machine so the protection bit is
// never set.
func (f *Fault) Code() gate.PageFaultCode {
	if f.Write {
		return gate.PageFaultWrite
	}
	return 0
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return "page fault: " + f.Code().Reason() + " @ 0x" + strconv.FormatUint(uint64(f.Addr), 16)
}

// Peek reads the byte at addr. If the access faults the fault is returned
// instead of crashing the process.
func (m *Machine) Peek(addr uintptr) (value byte, fault *Fault) {
	defer m.catchFault(&fault, false)
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	return *(*byte)(unsafe.Pointer(addr)), nil
}

// Poke writes value to addr. If the access faults the fault is returned
// instead of crashing the process.
func (m *Machine) Poke(addr uintptr, value byte) (fault *Fault) {
	defer m.catchFault(&fault, true)
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	*(*byte)(unsafe.Pointer(addr)) = value
	return nil
}

// Faults returns the number of faults caught by Peek and Poke.
func (m *Machine) Faults() int { return m.faults }

// catchFault converts a memory fault panic into a Fault. Other panics are
// propagated.
func (m *Machine) catchFault(fault **Fault, write bool) {
	r := recover()
	if r == nil {
		return
	}

	addrErr, ok := r.(interface{ Addr() uintptr })
	if !ok {
		panic(r)
	}

	m.faults++
	*fault = &Fault{Addr: addrErr.Addr(), Write: write}
}
