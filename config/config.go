// Package config describes the settings that control the guarded pool
// allocator. A Config is read once at start-up and never changes afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"
	"specialpool/kernel/mm/guard"
	"strings"

	"sigs.k8s.io/yaml"
)

// DefaultEndRange is the end of the range prepared for 4K toggling when no
// other value is configured.
const DefaultEndRange = 0x90000000

// Config holds the allocator settings.
type Config struct {
	// ProtectedTypes lists the memory type names whose requests are
	// served from guarded pages (e.g. "BootServicesData").
	ProtectedTypes []string `json:"protectedTypes"`

	// Overrun selects overrun detection. When false, allocations are
	// placed to detect underruns instead.
	Overrun bool `json:"overrun"`

	// StartRange and EndRange bound the address range whose large pages
	// are split at start-up.
	StartRange uint64 `json:"startRange"`
	EndRange   uint64 `json:"endRange"`

	// StackFaultHandling installs private exception stacks and a guard
	// page below the boot stack.
	StackFaultHandling bool `json:"stackFaultHandling"`

	// TrapPage0 disables the page at address zero. It only applies when
	// StartRange is zero.
	TrapPage0 bool `json:"trapPage0"`

	// Use1GPages splits 1G pages before splitting 2M pages.
	Use1GPages bool `json:"use1GPages"`

	// DebugMask selects the diagnostic messages that are printed.
	DebugMask uint32 `json:"debugMask"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ProtectedTypes:     []string{mm.BootServicesData.String()},
		Overrun:            true,
		StartRange:         0,
		EndRange:           DefaultEndRange,
		StackFaultHandling: true,
		TrapPage0:          true,
		DebugMask:          uint32(kfmt.DefaultDebugMask),
	}
}

// Load reads a YAML configuration file. Settings missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent settings.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.TypeMask(); err != nil {
		errs = append(errs, err)
	}

	if c.EndRange <= c.StartRange {
		errs = append(errs, fmt.Errorf("endRange 0x%x must be above startRange 0x%x", c.EndRange, c.StartRange))
	}

	if c.StartRange%uint64(mm.PageSize) != 0 {
		errs = append(errs, fmt.Errorf("startRange 0x%x is not page aligned", c.StartRange))
	}

	return errors.Join(errs...)
}

// TypeMask converts ProtectedTypes into a memory type mask.
func (c Config) TypeMask() (mm.MemoryTypeMask, error) {
	var types []mm.MemoryType

	for _, name := range c.ProtectedTypes {
		memType, ok := mm.ParseMemoryType(strings.TrimSpace(name))
		if !ok || memType >= mm.MaxMemoryType {
			return 0, fmt.Errorf("unknown memory type %q", name)
		}
		types = append(types, memType)
	}

	return mm.MaskOf(types...), nil
}

// Placement returns the guard placement selected by Overrun.
func (c Config) Placement() guard.Placement {
	if c.Overrun {
		return guard.PlacementOverrun
	}
	return guard.PlacementUnderrun
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Print writes the settings to the debug log the way the allocator reports
// them at start-up.
func (c Config) Print() {
	mask, _ := c.TypeMask()

	kfmt.Debugf(kfmt.DebugInfo, "SpecialPoolOverrun            = %t\n", c.Overrun)
	kfmt.Debugf(kfmt.DebugInfo, "SpecialPoolStackFaultHandling = %t\n", c.StackFaultHandling)
	kfmt.Debugf(kfmt.DebugInfo, "SpecialPoolTrapPage0          = %t\n", c.TrapPage0)
	kfmt.Debugf(kfmt.DebugInfo, "SpecialPoolTypes              = %8x\n", uint32(mask))
	kfmt.Debugf(kfmt.DebugInfo, "SpecialPoolStartRange         = 0x%x\n", c.StartRange)
	kfmt.Debugf(kfmt.DebugInfo, "SpecialPoolEndRange           = 0x%x\n", c.EndRange)
	kfmt.Debugf(kfmt.DebugInfo, "Use1GPageTable                = %t\n", c.Use1GPages)
}
