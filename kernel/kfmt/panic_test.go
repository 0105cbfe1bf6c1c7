package kfmt

import (
	"bytes"
	"errors"
	"specialpool/kernel"
	"specialpool/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		outputSink = nil
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		descr string
		err   interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** special pool assertion: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** special pool assertion: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** special pool assertion: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** special pool assertion: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cpuHaltCalled = false
			buf.Reset()

			Panic(spec.err)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}

func TestAssert(t *testing.T) {
	var haltCount int
	defer SetHaltFn(SetHaltFn(func() { haltCount++ }))
	defer func() { outputSink = nil }()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if !Assert(true, &kernel.Error{Module: "test", Message: "unused"}) {
		t.Fatal("expected Assert to return true for a true condition")
	}

	if haltCount != 0 || buf.Len() != 0 {
		t.Fatal("expected a passing assertion to be silent")
	}

	if Assert(false, &kernel.Error{Module: "test", Message: "assertion failed"}) {
		t.Fatal("expected Assert to return false for a false condition")
	}

	if haltCount != 1 {
		t.Fatalf("expected halt to be invoked once; got %d", haltCount)
	}

	if !bytes.Contains(buf.Bytes(), []byte("[test] unrecoverable error: assertion failed")) {
		t.Fatalf("expected assertion message in output; got %q", buf.String())
	}
}
