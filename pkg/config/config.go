// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the configuration of a simulated machine: its
// physical memory, address space layout, drivers and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"npk.dev/vm/pkg/errors"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/vm"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New(errors.Config, "invalid configuration")

// Addr is an address that is written as a hexadecimal string, since TOML
// integers cannot hold the upper half of the address space.
type Addr hostarch.Addr

// String implements fmt.Stringer.String.
func (a Addr) String() string {
	return hostarch.Addr(a).String()
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	*a = Addr(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.UnmarshalYAML.
func (a *Addr) UnmarshalYAML(n *yaml.Node) error {
	return a.UnmarshalText([]byte(n.Value))
}

// MarshalYAML implements yaml.Marshaler.MarshalYAML.
func (a Addr) MarshalYAML() (any, error) {
	return a.String(), nil
}

// Memory configures simulated physical memory.
type Memory struct {
	// PhysBase is the physical address of the first frame.
	PhysBase Addr `toml:"phys_base" yaml:"phys_base"`

	// ArenaSize is the number of bytes of physical memory.
	ArenaSize uint64 `toml:"arena_size" yaml:"arena_size"`
}

// AddressSpace configures the layout of virtual address spaces.
type AddressSpace struct {
	// Boundary is the lowest kernel address.
	Boundary Addr `toml:"boundary" yaml:"boundary"`

	// UserMin and UserMax bound ranges of user address spaces.
	UserMin Addr `toml:"user_min" yaml:"user_min"`
	UserMax Addr `toml:"user_max" yaml:"user_max"`

	// KernelMin and KernelMax bound ranges of the kernel address space.
	KernelMin Addr `toml:"kernel_min" yaml:"kernel_min"`
	KernelMax Addr `toml:"kernel_max" yaml:"kernel_max"`
}

// Drivers configures backing drivers.
type Drivers struct {
	// AnonDeferred backs anonymous memory on first fault.
	AnonDeferred bool `toml:"anon_deferred" yaml:"anon_deferred"`

	// VfsFaultHandler backs file mappings on first fault.
	VfsFaultHandler bool `toml:"vfs_fault_handler" yaml:"vfs_fault_handler"`

	// VfsMapAhead is the number of granules mapped per file fault.
	VfsMapAhead int `toml:"vfs_map_ahead" yaml:"vfs_map_ahead"`
}

// FileCache configures the file cache.
type FileCache struct {
	// UnitSize is the size of a cache unit in bytes.
	UnitSize uint64 `toml:"unit_size" yaml:"unit_size"`
}

// Trap configures fault routing.
type Trap struct {
	// CPUs is the number of CPUs faults may arrive on.
	CPUs int `toml:"cpus" yaml:"cpus"`

	// RetryMaxElapsed bounds how long RetryLater faults are revisited.
	RetryMaxElapsed time.Duration `toml:"retry_max_elapsed" yaml:"retry_max_elapsed"`
}

// Config is the configuration of a simulated machine.
type Config struct {
	// LogLevel is one of warning, info or debug.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is one of text, json or logrus.
	LogFormat string `toml:"log_format" yaml:"log_format"`

	Memory       Memory       `toml:"memory" yaml:"memory"`
	AddressSpace AddressSpace `toml:"address_space" yaml:"address_space"`
	Drivers      Drivers      `toml:"drivers" yaml:"drivers"`
	FileCache    FileCache    `toml:"filecache" yaml:"filecache"`
	Trap         Trap         `toml:"trap" yaml:"trap"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Memory: Memory{
			PhysBase:  0x100000,
			ArenaSize: 64 << 20,
		},
		AddressSpace: AddressSpace{
			Boundary:  0xffff800000000000,
			UserMin:   0x10000,
			UserMax:   0x00007ffffffff000,
			KernelMin: 0xffff800000000000,
			KernelMax: 0xfffffffffffff000,
		},
		Drivers: Drivers{
			AnonDeferred:    true,
			VfsFaultHandler: true,
			VfsMapAhead:     2,
		},
		FileCache: FileCache{UnitSize: 16384},
		Trap: Trap{
			CPUs:            4,
			RetryMaxElapsed: time.Second,
		},
	}
}

// Load reads the configuration file at path on top of the defaults. The
// format is chosen by extension: .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	c := Default()
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, fmt.Errorf("%q: unknown keys %v: %w", path, undecoded, ErrInvalid)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("unable to open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%q: unknown config format %q: %w", path, ext, ErrInvalid)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func invalid(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), ErrInvalid)
}

// Validate returns an error wrapping ErrInvalid if c is not usable.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return invalid("log_format %q must be text, json or logrus", c.LogFormat)
	}
	if !hostarch.Addr(c.Memory.PhysBase).IsPageAligned() {
		return invalid("memory.phys_base %v is not page aligned", c.Memory.PhysBase)
	}
	if c.Memory.ArenaSize == 0 || c.Memory.ArenaSize%hostarch.PageSize != 0 {
		return invalid("memory.arena_size %#x must be a positive multiple of %#x", c.Memory.ArenaSize, hostarch.PageSize)
	}
	as := c.AddressSpace
	for _, a := range []struct {
		name string
		addr Addr
	}{
		{"boundary", as.Boundary},
		{"user_min", as.UserMin},
		{"user_max", as.UserMax},
		{"kernel_min", as.KernelMin},
		{"kernel_max", as.KernelMax},
	} {
		if !hostarch.Addr(a.addr).IsPageAligned() {
			return invalid("address_space.%s %v is not page aligned", a.name, a.addr)
		}
	}
	if !(as.UserMin < as.UserMax && as.UserMax <= as.Boundary && as.Boundary <= as.KernelMin && as.KernelMin < as.KernelMax) {
		return invalid("address_space must satisfy user_min < user_max <= boundary <= kernel_min < kernel_max")
	}
	if c.Drivers.VfsMapAhead < 1 {
		return invalid("drivers.vfs_map_ahead %d must be at least 1", c.Drivers.VfsMapAhead)
	}
	if c.FileCache.UnitSize == 0 || c.FileCache.UnitSize%hostarch.PageSize != 0 {
		return invalid("filecache.unit_size %#x must be a positive multiple of %#x", c.FileCache.UnitSize, hostarch.PageSize)
	}
	if c.Trap.CPUs < 1 {
		return invalid("trap.cpus %d must be at least 1", c.Trap.CPUs)
	}
	if c.Trap.RetryMaxElapsed < 0 {
		return invalid("trap.retry_max_elapsed %v is negative", c.Trap.RetryMaxElapsed)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Features returns the driver features selected by c.
func (c *Config) Features() vm.Features {
	return vm.Features{
		Deferred:     c.Drivers.AnonDeferred,
		FaultHandler: c.Drivers.VfsFaultHandler,
		MapAhead:     c.Drivers.VfsMapAhead,
	}
}

// Level returns the parsed log level.
//
// Preconditions: c is valid.
func (c *Config) Level() log.Level {
	l, _ := log.ParseLevel(c.LogLevel)
	return l
}
