// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the simulator's boot-time configuration from
// environment variables and an optional config file, the way
// performance.NewManager reads HOST_PROC/HOST_SYS/HOST_DEV overrides but
// generalized across the whole kernel surface via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "TRUSTOS"

// Memory holds physical/virtual memory tunables.
type Memory struct {
	// UsableBytes is the amount of simulated physical RAM described by the
	// synthetic boot handoff's memory map.
	UsableBytes uint64 `mapstructure:"usable_bytes"`
	// HeapSizeBytes is the kernel heap's fixed size, carved out of the HHDM
	// region at boot. Resolves spec Open Question #1: the original's 64 MiB
	// default, made configurable rather than auto-scaled.
	HeapSizeBytes uint64 `mapstructure:"heap_size_bytes"`
	// HHDMOffset is the base virtual address of the higher-half direct map.
	HHDMOffset uint64 `mapstructure:"hhdm_offset"`
}

// Scheduler holds scheduler tunables.
type Scheduler struct {
	CPUCount     int `mapstructure:"cpu_count"`
	QuantumTicks int `mapstructure:"quantum_ticks"`
	TickHz       int `mapstructure:"tick_hz"`
}

// CPUFeatures records which CPU security features the synthetic boot
// environment reports as present.
type CPUFeatures struct {
	NX   bool `mapstructure:"nx"`
	SMEP bool `mapstructure:"smep"`
	SMAP bool `mapstructure:"smap"`
	UMIP bool `mapstructure:"umip"`
}

// LabMode configures the trace-event websocket stream (spec §4.11, §6).
type LabMode struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Security configures the capability registry's persistence backend.
type Security struct {
	// Durable selects the badger-backed registry (tokens survive a
	// restart) over the default in-memory one.
	Durable bool `mapstructure:"durable"`
	// DataDir is where the durable registry keeps its badger database.
	// Only read when Durable is true.
	DataDir string `mapstructure:"data_dir"`
}

// TrustFS configures the on-disk filesystem's backing store.
type TrustFS struct {
	// ImagePath names a backing file. It is not read by boot or fsck: both
	// always use an in-memory arena sized by SizeBytes.
	ImagePath string `mapstructure:"image_path"`
	// SizeBytes sizes a freshly formatted in-memory image.
	SizeBytes uint64 `mapstructure:"size_bytes"`
}

// Config is the simulator's full boot-time configuration.
type Config struct {
	Memory      Memory      `mapstructure:"memory"`
	Scheduler   Scheduler   `mapstructure:"scheduler"`
	CPUFeatures CPUFeatures `mapstructure:"cpu_features"`
	LabMode     LabMode     `mapstructure:"lab_mode"`
	Security    Security    `mapstructure:"security"`
	TrustFS     TrustFS     `mapstructure:"trustfs"`
	CommandLine string      `mapstructure:"command_line"`
}

// Default returns the configuration's zero-config defaults, matching the
// boot-to-idle scenario in spec §8: 256 MiB usable RAM, 64 MiB heap.
func Default() Config {
	return Config{
		Memory: Memory{
			UsableBytes:   256 << 20,
			HeapSizeBytes: 64 << 20,
			HHDMOffset:    0xFFFF_8000_0000_0000,
		},
		Scheduler: Scheduler{
			CPUCount:     1,
			QuantumTicks: 10,
			TickHz:       100,
		},
		CPUFeatures: CPUFeatures{
			NX:   true,
			SMEP: true,
			SMAP: true,
			UMIP: true,
		},
		LabMode: LabMode{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9797",
		},
		Security: Security{
			Durable: false,
			DataDir: "trustos-capabilities",
		},
		TrustFS: TrustFS{
			SizeBytes: 16 << 20,
		},
	}
}

// Load reads configFile (if non-empty) and TRUSTOS_*-prefixed environment
// variables on top of Default(), the way the teacher's Manager layers
// environment overrides on top of built-in defaults.
func Load(configFile string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so each field is bound
	// to its TRUSTOS_* variable explicitly.
	for _, key := range []string{
		"memory.usable_bytes", "memory.heap_size_bytes", "memory.hhdm_offset",
		"scheduler.cpu_count", "scheduler.quantum_ticks", "scheduler.tick_hz",
		"cpu_features.nx", "cpu_features.smep", "cpu_features.smap", "cpu_features.umip",
		"lab_mode.enabled", "lab_mode.listen_addr", "security.durable", "security.data_dir",
		"trustfs.image_path", "trustfs.size_bytes", "command_line",
	} {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
