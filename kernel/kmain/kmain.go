package kmain

import (
	"specialpool/config"
	"specialpool/hob"
	"specialpool/kernel"
	"specialpool/kernel/cpu"
	"specialpool/kernel/gate"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/guard"
	"specialpool/kernel/mm/vmm"
)

var (
	// The following functions are mocked by tests.
	supports1GPagesFn   = cpu.Supports1GPages
	setPresentFn        = vmm.SetPresent
	installStackFaultFn = gate.InstallStackFaultHandling

	errMissingServices = &kernel.Error{Module: "kmain", Message: "pool services and page allocator are required", Kind: kernel.KindInvalidParameter}
	errInvalidConfig   = &kernel.Error{Module: "kmain", Message: "invalid special pool configuration", Kind: kernel.KindInvalidParameter}
)

// Init brings up the guarded pool allocator. It prepares the configured
// address range for 4K toggling, optionally traps page zero, installs the
// allocator into services and finally sets up stack fault handling.
//
// Only missing dependencies and an invalid configuration are reported as
// errors. Failures of the individual steps are logged and leave the
// corresponding protection disabled.
func Init(cfg config.Config, services *mm.PoolServices, alloc mm.PageAllocator, hobs hob.List) (*guard.Pool, *kernel.Error) {
	if services == nil || alloc == nil {
		return nil, errMissingServices
	}

	if err := cfg.Validate(); err != nil {
		kfmt.Debugf(kfmt.DebugError, "[kmain] %s\n", err.Error())
		return nil, errInvalidConfig
	}
	mask, _ := cfg.TypeMask()

	kfmt.SetDebugMask(kfmt.DebugLevel(cfg.DebugMask))
	kfmt.Debugf(kfmt.DebugLoad, "[kmain] special pool enabled\n")
	cfg.Print()

	if cfg.Use1GPages && !supports1GPagesFn() {
		kfmt.Debugf(kfmt.DebugWarn, "[kmain] 1G pages requested but not supported by the CPU\n")
	}

	report := vmm.InitRange(uintptr(cfg.StartRange), uintptr(cfg.EndRange), alloc, cfg.Use1GPages)

	if cfg.TrapPage0 {
		if cfg.StartRange == 0 {
			if err := setPresentFn(0, false); err != nil {
				kfmt.Debugf(kfmt.DebugError, "[kmain] unable to trap page 0: %s\n", err.Message)
			}
		} else {
			kfmt.Debugf(kfmt.DebugError, "[kmain] invalid parameters; trap page 0 ignored when start range > 0\n")
		}
	}

	pool := guard.NewPool(guard.Options{
		ProtectedTypes: mask,
		Placement:      cfg.Placement(),
		RangeReady:     report.Ready,
	}, alloc, *services)
	pool.Install(services)

	if cfg.StackFaultHandling {
		state, err := installStackFaultFn(alloc, hobs)
		if err != nil {
			kfmt.Debugf(kfmt.DebugError, "[kmain] stack fault handling not installed: %s\n", err.Message)
		}
		if state != nil && state.StackGuard != 0 {
			pool.SetStackGuard(state.StackGuard)
		}
	}

	return pool, nil
}
