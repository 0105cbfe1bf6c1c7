package kmain

import (
	"bytes"
	"runtime"
	"specialpool/config"
	"specialpool/hob"
	"specialpool/hosted"
	"specialpool/kernel"
	"specialpool/kernel/gate"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/guard"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureLog redirects kfmt output to a buffer for the duration of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer

	prevSink := kfmt.GetOutputSink()
	prevMask := kfmt.SetDebugMask(kfmt.DefaultDebugMask)
	kfmt.SetOutputSink(&buf)
	buf.Reset()

	t.Cleanup(func() {
		kfmt.SetOutputSink(prevSink)
		kfmt.SetDebugMask(prevMask)
	})
	return &buf
}

func newMachine(t *testing.T) (*hosted.Machine, config.Config) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	m, err := hosted.NewMachine(hosted.Options{ArenaSize: 8 * uintptr(mm.Mb)})
	require.Nil(t, err)
	t.Cleanup(m.Close)

	cfg := config.Default()
	cfg.StartRange = uint64(m.Base())
	cfg.EndRange = uint64(m.Base() + m.Size())
	return m, cfg
}

func TestInit(t *testing.T) {
	m, cfg := newMachine(t)
	if m.Base()+m.Size() > 1<<32 {
		t.Skip("arena not placed below 4G; skipping")
	}
	buf := captureLog(t)

	pool, err := Init(cfg, m.Services(), m.Pages(), m.HOBs())
	require.Nil(t, err)
	require.NotNil(t, pool)

	log := buf.String()
	require.Contains(t, log, "[kmain] special pool enabled\n")
	require.Contains(t, log, "SpecialPoolTypes              = 00000010\n")
	require.Contains(t, log, "trap page 0 ignored")

	t.Run("allocations are guarded", func(t *testing.T) {
		addr, err := m.Services().AllocatePool(mm.BootServicesData, 10)
		require.Nil(t, err)

		alloc, ok := pool.Describe(addr)
		require.True(t, ok)
		require.NotNil(t, m.Poke(alloc.Guard2, 0))
		require.Nil(t, m.Services().FreePool(addr))
	})

	t.Run("other types are delegated", func(t *testing.T) {
		addr, err := m.Services().AllocatePool(mm.LoaderData, 10)
		require.Nil(t, err)
		require.Equal(t, uint64(1), m.Pool().LiveBlocks())
		require.Nil(t, m.Services().FreePool(addr))
		require.Equal(t, uint64(2), pool.Stats().Delegated)
	})

	t.Run("stack fault handling", func(t *testing.T) {
		require.Equal(t, uint8(5), gate.ISTOf(gate.PageFaultException))

		stackBase, _ := m.StackRegion()
		require.False(t, m.IsAccessible(stackBase))

		fault := m.Poke(stackBase+8, 0)
		require.NotNil(t, fault)
		require.Equal(t, guard.FaultStackGuard, pool.ClassifyFault(fault.Addr, fault.Code()).Kind)
	})
}

func TestInitUnderrun(t *testing.T) {
	m, cfg := newMachine(t)
	cfg.Overrun = false
	cfg.StackFaultHandling = false
	captureLog(t)

	pool, err := Init(cfg, m.Services(), m.Pages(), m.HOBs())
	require.Nil(t, err)

	addr, err := m.Services().AllocatePool(mm.BootServicesData, 10)
	require.Nil(t, err)

	alloc, ok := pool.Describe(addr)
	require.True(t, ok)
	require.Equal(t, alloc.Guard1+mm.PageSize+24, addr)
	require.Zero(t, gate.ISTOf(gate.PageFaultException))
}

func TestInitTrapPage0(t *testing.T) {
	m, cfg := newMachine(t)
	if m.Base() > 1<<32 {
		t.Skip("arena not placed below 4G; skipping")
	}
	cfg.StartRange = 0
	cfg.StackFaultHandling = false
	buf := captureLog(t)

	var trapped []uintptr
	origSetPresent := setPresentFn
	setPresentFn = func(addr uintptr, enabled bool) *kernel.Error {
		require.False(t, enabled)
		trapped = append(trapped, addr)
		return origSetPresent(addr, enabled)
	}
	defer func() { setPresentFn = origSetPresent }()

	_, err := Init(cfg, m.Services(), m.Pages(), m.HOBs())
	require.Nil(t, err)
	require.Equal(t, []uintptr{0}, trapped)

	// Address zero is outside the arena so it has no 4K mapping
	require.Contains(t, buf.String(), "[kmain] unable to trap page 0")
}

func TestInitStackFaultFailure(t *testing.T) {
	m, cfg := newMachine(t)
	buf := captureLog(t)

	errFake := &kernel.Error{Module: "test", Message: "no task space", Kind: kernel.KindOutOfResources}
	origInstall := installStackFaultFn
	installStackFaultFn = func(mm.PageAllocator, hob.List) (*gate.StackFaultState, *kernel.Error) {
		return nil, errFake
	}
	defer func() { installStackFaultFn = origInstall }()

	pool, err := Init(cfg, m.Services(), m.Pages(), m.HOBs())
	require.Nil(t, err)
	require.NotNil(t, pool)
	require.Contains(t, buf.String(), "stack fault handling not installed: no task space")
}

func TestInit1GPagesUnsupported(t *testing.T) {
	m, cfg := newMachine(t)
	cfg.Use1GPages = true
	cfg.StackFaultHandling = false
	buf := captureLog(t)

	origSupports := supports1GPagesFn
	supports1GPagesFn = func() bool { return false }
	defer func() { supports1GPagesFn = origSupports }()

	_, err := Init(cfg, m.Services(), m.Pages(), m.HOBs())
	require.Nil(t, err)
	require.Contains(t, buf.String(), "1G pages requested but not supported")
}

func TestInitErrors(t *testing.T) {
	m, cfg := newMachine(t)
	captureLog(t)

	_, err := Init(cfg, nil, m.Pages(), m.HOBs())
	require.Equal(t, errMissingServices, err)

	_, err = Init(cfg, m.Services(), nil, m.HOBs())
	require.Equal(t, errMissingServices, err)

	cfg.ProtectedTypes = []string{"NotAType"}
	_, err = Init(cfg, m.Services(), m.Pages(), m.HOBs())
	require.Equal(t, errInvalidConfig, err)
}
