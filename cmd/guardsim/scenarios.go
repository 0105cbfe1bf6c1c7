package main

import (
	"errors"
	"fmt"

	"specialpool/config"
	"specialpool/hosted"
	"specialpool/kernel"
	"specialpool/kernel/gate"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/kmain"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/guard"
)

var errSkipped = errors.New("skipped")

// scenario is a self-contained check run against a fresh machine.
type scenario struct {
	description string

	// configure adjusts the configuration before the allocator starts.
	configure func(cfg *config.Config)

	run func(env *simEnv) (string, error)
}

var scenarios = map[string]scenario{
	"overrun": {
		description: "a write past the end of an allocation faults",
		configure:   func(cfg *config.Config) { cfg.Overrun = true },
		run:         runOverrun,
	},
	"underrun": {
		description: "a write before the start of an allocation faults",
		configure:   func(cfg *config.Config) { cfg.Overrun = false },
		run:         runUnderrun,
	},
	"double-free": {
		description: "freeing an allocation twice is reported as corruption",
		run:         runDoubleFree,
	},
	"corrupt-tail": {
		description: "a damaged tail is reported and the allocation is leaked",
		run:         runCorruptTail,
	},
	"foreign-free": {
		description: "unprotected types are served by the original allocator",
		run:         runForeignFree,
	},
	"out-of-resources": {
		description: "an oversized request fails without side effects",
		run:         runOutOfResources,
	},
	"fallback": {
		description: "requests outside the prepared range are served unguarded",
		configure: func(cfg *config.Config) {
			cfg.EndRange = cfg.StartRange + uint64(mm.LargePageSize)
			cfg.StackFaultHandling = false
		},
		run: runFallback,
	},
	"churn": {
		description: "many allocations leave no guard or page behind once freed",
		run:         runChurn,
	},
	"stack-guard": {
		description: "the lowest boot stack page faults once exception stacks are installed",
		configure:   func(cfg *config.Config) { cfg.StackFaultHandling = true },
		run:         runStackGuard,
	},
}

// simEnv is the environment a scenario runs in.
type simEnv struct {
	m        *hosted.Machine
	pool     *guard.Pool
	services *mm.PoolServices
	cfg      config.Config
}

// result is the outcome of a scenario.
type result struct {
	Scenario string      `json:"scenario"`
	Status   string      `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Stats    guard.Stats `json:"stats"`
}

// runScenario starts a machine, brings up the allocator with cfg restricted
// to the arena and runs sc.
func runScenario(name string, sc scenario, cfg config.Config, arenaSize uintptr) result {
	res := result{Scenario: name, Status: "fail"}

	m, kerr := hosted.NewMachine(hosted.Options{ArenaSize: arenaSize, Use1GPages: cfg.Use1GPages})
	if kerr != nil {
		res.Detail = fmt.Sprintf("starting machine: %s", kerr.Message)
		return res
	}
	defer m.Close()

	cfg.ProtectedTypes = append([]string(nil), cfg.ProtectedTypes...)
	clampRange(&cfg, m)
	if sc.configure != nil {
		sc.configure(&cfg)
	}

	pool, kerr := kmain.Init(cfg, m.Services(), m.Pages(), m.HOBs())
	if kerr != nil {
		res.Detail = fmt.Sprintf("starting allocator: %s", kerr.Message)
		return res
	}

	detail, err := sc.run(&simEnv{m: m, pool: pool, services: m.Services(), cfg: cfg})
	res.Stats = pool.Stats()

	switch {
	case errors.Is(err, errSkipped):
		res.Status, res.Detail = "skip", err.Error()
	case err != nil:
		res.Detail = err.Error()
	default:
		res.Status, res.Detail = "pass", detail
	}
	return res
}

// clampRange limits the configured range to the arena. A range that does
// not overlap the arena is replaced by the whole arena.
func clampRange(cfg *config.Config, m *hosted.Machine) {
	var (
		start = max(cfg.StartRange, uint64(m.Base()))
		end   = min(cfg.EndRange, uint64(m.Base()+m.Size()))
	)

	if end <= start {
		start, end = uint64(m.Base()), uint64(m.Base()+m.Size())
	}
	cfg.StartRange, cfg.EndRange = start, end
}

func (env *simEnv) protectedType() (mm.MemoryType, error) {
	mask, _ := env.cfg.TypeMask()
	types := mask.Types()
	if len(types) == 0 {
		return 0, fmt.Errorf("%w: no protected memory types", errSkipped)
	}
	return types[0], nil
}

func (env *simEnv) unprotectedType() mm.MemoryType {
	mask, _ := env.cfg.TypeMask()
	for t := mm.MemoryType(0); t < mm.MaxMemoryType; t++ {
		if !mask.Has(t) {
			return t
		}
	}
	return mm.MaxMemoryType
}

// allocateGuarded allocates size bytes of a protected type and returns the
// allocation layout.
func (env *simEnv) allocateGuarded(size uintptr) (uintptr, guard.Allocation, error) {
	memType, err := env.protectedType()
	if err != nil {
		return 0, guard.Allocation{}, err
	}

	addr, kerr := env.services.AllocatePool(memType, size)
	if kerr != nil {
		return 0, guard.Allocation{}, fmt.Errorf("allocating %d byte(s): %w", size, kerr)
	}

	alloc, ok := env.pool.Describe(addr)
	if !ok {
		return 0, guard.Allocation{}, fmt.Errorf("allocation @ 0x%x is not guarded", addr)
	}
	return addr, alloc, nil
}

func (env *simEnv) free(addr uintptr) error {
	if kerr := env.services.FreePool(addr); kerr != nil {
		return fmt.Errorf("freeing 0x%x: %w", addr, kerr)
	}
	return nil
}

// fill writes to every byte of [addr, addr+size) and fails on the first
// fault.
func (env *simEnv) fill(addr, size uintptr) error {
	for offset := uintptr(0); offset < size; offset++ {
		if fault := env.m.Poke(addr+offset, 0x5a); fault != nil {
			return fmt.Errorf("in-bounds access faulted: %w", fault)
		}
	}
	return nil
}

// classify works out which guard a fault hit and writes the full report to
// the allocator log.
func (env *simEnv) classify(fault *hosted.Fault) guard.FaultReport {
	report := env.pool.ClassifyFault(fault.Addr, fault.Code())
	report.DumpTo(kfmt.GetOutputSink())
	return report
}

// expectGuard checks that fault hit the given guard of the allocation at
// payload.
func (env *simEnv) expectGuard(fault *hosted.Fault, kind guard.FaultKind, payload uintptr) (guard.FaultReport, error) {
	report := env.classify(fault)
	if report.Kind != kind || report.Allocation.Payload != payload {
		return report, fmt.Errorf("fault @ 0x%x classified as %s of 0x%x; expected %s of 0x%x",
			fault.Addr, report.Kind, report.Allocation.Payload, kind, payload)
	}
	return report, nil
}

func runOverrun(env *simEnv) (string, error) {
	addr, alloc, err := env.allocateGuarded(10)
	if err != nil {
		return "", err
	}

	if err = env.fill(addr, 10); err != nil {
		return "", err
	}

	target := addr + alloc.Size - guard.HeadSize
	fault := env.m.Poke(target, 0x5a)
	if fault == nil {
		return "", fmt.Errorf("write to 0x%x past the allocation did not fault", target)
	}

	report, err := env.expectGuard(fault, guard.FaultTrailingGuard, addr)
	if err != nil {
		return "", err
	}

	if err = env.free(addr); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-page run, %s @ 0x%x hit the %s of 0x%x", alloc.Pages, fault.Code().Reason(), fault.Addr, report.Kind, addr), nil
}

func runUnderrun(env *simEnv) (string, error) {
	addr, alloc, err := env.allocateGuarded(10)
	if err != nil {
		return "", err
	}

	if err = env.fill(addr, 10); err != nil {
		return "", err
	}

	target := addr - guard.HeadSize - 1
	fault := env.m.Poke(target, 0x5a)
	if fault == nil {
		return "", fmt.Errorf("write to 0x%x before the allocation did not fault", target)
	}

	report, err := env.expectGuard(fault, guard.FaultLeadingGuard, addr)
	if err != nil {
		return "", err
	}

	if err = env.free(addr); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s @ 0x%x hit the %s page 0x%x of 0x%x", fault.Code().Reason(), fault.Addr, report.Kind, alloc.Guard1, addr), nil
}

func runDoubleFree(env *simEnv) (string, error) {
	addr, _, err := env.allocateGuarded(32)
	if err != nil {
		return "", err
	}

	if err = env.free(addr); err != nil {
		return "", err
	}

	kerr := env.services.FreePool(addr)
	if !kernel.IsKind(kerr, kernel.KindCorruption) {
		return "", fmt.Errorf("second free of 0x%x was not reported as corruption", addr)
	}
	return "second free rejected: " + kerr.Message, nil
}

func runCorruptTail(env *simEnv) (string, error) {
	addr, alloc, err := env.allocateGuarded(10)
	if err != nil {
		return "", err
	}

	tailAddr := addr - guard.HeadSize + alloc.Size - guard.TailSize
	if fault := env.m.Poke(tailAddr, 0); fault != nil {
		return "", fmt.Errorf("tail not writable: %w", fault)
	}

	kerr := env.services.FreePool(addr)
	if !kernel.IsKind(kerr, kernel.KindCorruption) {
		return "", fmt.Errorf("damaged tail of 0x%x was not reported", addr)
	}

	if env.m.IsAccessible(alloc.Guard1) || env.m.IsAccessible(alloc.Guard2) {
		return "", errors.New("guard pages of a corrupted allocation were disarmed")
	}
	return "free rejected: " + kerr.Message + "; allocation leaked with guards armed", nil
}

func runForeignFree(env *simEnv) (string, error) {
	memType := env.unprotectedType()
	if memType == mm.MaxMemoryType {
		return "", fmt.Errorf("%w: every memory type is protected", errSkipped)
	}

	addr, kerr := env.services.AllocatePool(memType, 64)
	if kerr != nil {
		return "", fmt.Errorf("allocating %s: %w", memType.String(), kerr)
	}

	if _, ok := env.pool.Describe(addr); ok {
		return "", fmt.Errorf("%s allocation was guarded", memType.String())
	}

	if err := env.free(addr); err != nil {
		return "", err
	}

	if delegated := env.pool.Stats().Delegated; delegated != 2 {
		return "", fmt.Errorf("expected 2 delegated requests, got %d", delegated)
	}
	return memType.String() + " request and free passed through", nil
}

func runOutOfResources(env *simEnv) (string, error) {
	memType, err := env.protectedType()
	if err != nil {
		return "", err
	}

	var (
		freePages = env.m.Pages().FreePageCount()
		protected = env.m.ProtectedPages()
	)

	_, kerr := env.services.AllocatePool(memType, env.m.Size())
	if !kernel.IsKind(kerr, kernel.KindOutOfResources) {
		return "", errors.New("oversized request did not fail with out of resources")
	}

	if env.m.Pages().FreePageCount() != freePages || env.m.ProtectedPages() != protected {
		return "", errors.New("failed request changed the page state")
	}
	return fmt.Sprintf("request for 0x%x byte(s) rejected: %s", env.m.Size(), kerr.Message), nil
}

func runFallback(env *simEnv) (string, error) {
	memType, err := env.protectedType()
	if err != nil {
		return "", err
	}

	addr, kerr := env.services.AllocatePool(memType, 10)
	if kerr != nil {
		return "", fmt.Errorf("allocating: %w", kerr)
	}

	if _, ok := env.pool.Describe(addr); ok {
		return "", fmt.Errorf("allocation @ 0x%x outside the prepared range was guarded", addr)
	}

	if fallbacks := env.pool.Stats().Fallbacks; fallbacks != 1 {
		return "", fmt.Errorf("expected 1 fallback, got %d", fallbacks)
	}

	if err = env.free(addr); err != nil {
		return "", err
	}
	return fmt.Sprintf("0x%x served unguarded", addr), nil
}

func runChurn(env *simEnv) (string, error) {
	freePages := env.m.Pages().FreePageCount()

	var addrs []uintptr
	for i := uintptr(0); i < 64; i++ {
		addr, _, err := env.allocateGuarded(i*97 + 1)
		if err != nil {
			return "", err
		}
		addrs = append(addrs, addr)
	}

	if protected := env.m.ProtectedPages(); protected < 2*len(addrs) {
		return "", fmt.Errorf("expected at least %d guard pages, found %d", 2*len(addrs), protected)
	}

	// Free every other allocation first to interleave free and live runs.
	for _, start := range []int{0, 1} {
		for i := start; i < len(addrs); i += 2 {
			if err := env.free(addrs[i]); err != nil {
				return "", err
			}
		}
	}

	if stats := env.pool.Stats(); stats.LivePages != 0 || stats.LiveBytes != 0 {
		return "", fmt.Errorf("%d page(s) still accounted as live", stats.LivePages)
	}

	if env.m.Pages().FreePageCount() != freePages {
		return "", errors.New("pages were not returned to the page allocator")
	}
	return fmt.Sprintf("%d allocations released", len(addrs)), nil
}

func runStackGuard(env *simEnv) (string, error) {
	if ist := gate.ISTOf(gate.PageFaultException); ist == 0 {
		return "", fmt.Errorf("%w: exception stacks not installed (task space must be below 4G)", errSkipped)
	}

	stackBase, _ := env.m.StackRegion()
	fault := env.m.Poke(stackBase+mm.PageSize-8, 0)
	if fault == nil {
		return "", fmt.Errorf("write to boot stack guard page 0x%x did not fault", stackBase)
	}

	if report := env.classify(fault); report.Kind != guard.FaultStackGuard {
		return "", fmt.Errorf("fault @ 0x%x classified as %s", fault.Addr, report.Kind)
	}

	if fault := env.m.Poke(stackBase+mm.PageSize, 0); fault != nil {
		return "", fmt.Errorf("boot stack above the guard page faulted: %w", fault)
	}

	return fmt.Sprintf("#PF uses IST%d, write to 0x%x hit the %s", gate.ISTOf(gate.PageFaultException), fault.Addr, guard.FaultStackGuard), nil
}
