package kfmt

import (
	"specialpool/kernel"
	"specialpool/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and the hosted environment.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFn replaces the function invoked by Panic once the error report has
// been printed and returns the previous one. The hosted environment uses it
// since executing HLT in user mode raises a fault.
func SetHaltFn(fn func()) func() {
	prev := cpuHaltFn
	cpuHaltFn = fn
	return prev
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. On real hardware calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** special pool assertion: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// Assert invokes Panic with err if cond does not hold. It returns cond so
// callers can bail out when Panic returns (which only happens when the halt
// function has been replaced).
func Assert(cond bool, err *kernel.Error) bool {
	if !cond {
		Panic(err)
	}
	return cond
}
