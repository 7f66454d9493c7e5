// Package config loads the machine/isle configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes one launch: memory, cores, isles, and the feature
// switches that used to be probed at runtime.
type Config struct {
	// MemoryMiB is the RAM size per isle.
	MemoryMiB uint64 `yaml:"memory_mib"`
	// Cores is the CPU count per isle.
	Cores int `yaml:"cores"`
	// Isles is the number of co-launched instances sharing the mmnif
	// region. Isle 1 is the host gateway.
	Isles int `yaml:"isles"`

	// CPUFreqMHz fixes the modeled TSC frequency.
	CPUFreqMHz uint64 `yaml:"cpu_freq_mhz"`

	// DynTicks disables the periodic timer in favor of one-shot
	// deadlines.
	DynTicks bool `yaml:"dyn_ticks"`

	// X2APIC selects MSR-based APIC access; NoX2APIC force-disables it
	// even when available.
	X2APIC   bool `yaml:"x2apic"`
	NoX2APIC bool `yaml:"no_x2apic"`

	// GoRuntime marks the application image as carrying a Go runtime,
	// which makes demand paging hand out zeroed frames. This replaces
	// the old weak-symbol probe.
	GoRuntime bool `yaml:"go_runtime"`

	// Uhyve enables the hypercall ports; UhyveRoot confines guest
	// opens to a host directory.
	Uhyve     bool   `yaml:"uhyve"`
	UhyveRoot string `yaml:"uhyve_root"`

	// HBMemMiB reserves a high-bandwidth frame pool of the given size
	// above ordinary RAM; zero leaves the pool absent.
	HBMemMiB uint64 `yaml:"hbmem_mib"`

	// LegacyBootDelays selects the slow INIT/SIPI pacing for old
	// firmware.
	LegacyBootDelays bool `yaml:"legacy_boot_delays"`

	// Cmdline is handed to the loaded application.
	Cmdline string `yaml:"cmdline"`
}

// Default returns the single-core uhyve-style configuration.
func Default() Config {
	return Config{
		MemoryMiB:  64,
		Cores:      1,
		Isles:      1,
		CPUFreqMHz: 2000,
		DynTicks:   true,
		Uhyve:      true,
	}
}

// Load reads a YAML config file, filling gaps with defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes a YAML document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the machine cannot build.
func (c Config) Validate() error {
	if c.MemoryMiB < 16 {
		return fmt.Errorf("config: need at least 16 MiB of memory, have %d", c.MemoryMiB)
	}
	if c.Cores < 1 || c.Cores > 64 {
		return fmt.Errorf("config: core count %d out of range", c.Cores)
	}
	if c.Isles < 1 || c.Isles > 8 {
		return fmt.Errorf("config: isle count %d out of range", c.Isles)
	}
	if c.X2APIC && c.NoX2APIC {
		return fmt.Errorf("config: x2apic requested and disabled at once")
	}
	return nil
}
