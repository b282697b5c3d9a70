// Copyright 2026 The gVisor Authors.
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

// Package config holds the simulator configuration.
//
// A configuration starts from the defaults, is overlaid with an optional TOML
// file, and then with the flags set on the command line.
package config

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/log"
	"shootdown.dev/shootdown/pkg/tlb"
)

// Config holds the configuration of a simulated machine and its workload.
//
// Follow these steps to add a new field:
//  1. Add the field below, with flag and toml tags.
//  2. Set its default value in defaults.
//  3. Register the flag in RegisterFlags.
//  4. Add validation, if any, to validate.
type Config struct {
	// ConfigFile is the TOML file the configuration was loaded from.
	ConfigFile string `flag:"config" toml:"-"`

	// CPUs is the number of simulated CPUs.
	CPUs int `flag:"cpus" toml:"cpus"`

	// Pin binds each simulated CPU to a host CPU.
	Pin bool `flag:"pin" toml:"pin"`

	// BatchSize is the capacity of each CPU's invalidation batch.
	BatchSize int `flag:"batch-size" toml:"batch_size"`

	// ContextTags is the size of the context tag pool. Address spaces
	// beyond this number steal tags from each other.
	ContextTags int `flag:"context-tags" toml:"context_tags"`

	// AckTimeout bounds the wait for invalidation acknowledgements.
	AckTimeout time.Duration `flag:"ack-timeout" toml:"ack_timeout"`

	// AliasBit is the virtual address bit that selects the data cache
	// colour. Zero means the data cache does not alias.
	AliasBit int `flag:"alias-bit" toml:"alias_bit"`

	// AddressSpaces is the number of simulated address spaces.
	AddressSpaces int `flag:"address-spaces" toml:"address_spaces"`

	// Phases is the number of workload phases. Translation caches are
	// audited between phases.
	Phases int `flag:"phases" toml:"phases"`

	// Ops is the number of operations each CPU performs per phase.
	Ops int `flag:"ops" toml:"ops"`

	// HugePercent is the share of mapping operations that install huge
	// mappings.
	HugePercent int `flag:"huge-percent" toml:"huge_percent"`

	// Seed seeds the workload generator.
	Seed uint64 `flag:"seed" toml:"seed"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the file to log to, in addition to stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// MetricsPrefix prefixes exported metric names.
	MetricsPrefix string `flag:"metrics-prefix" toml:"metrics_prefix"`
}

var defaults = Config{
	CPUs:          4,
	BatchSize:     tlb.DefaultBatchSize,
	ContextTags:   8,
	AckTimeout:    tlb.DefaultAckTimeout,
	AliasBit:      0,
	AddressSpaces: 4,
	Phases:        4,
	Ops:           2000,
	HugePercent:   20,
	Seed:          1,
	LogFormat:     "text",
	MetricsPrefix: "tlbsim_",
}

// Default returns a new copy of the default configuration.
func Default() *Config {
	return deepcopy.Copy(&defaults).(*Config)
}

// Load overlays the TOML file at path onto a copy of base.
func Load(path string, base *Config) (*Config, error) {
	c := deepcopy.Copy(base).(*Config)
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading %q: unknown keys %v", path, undecoded)
	}
	c.ConfigFile = path
	return c, nil
}

// WriteTOML writes the configuration as a TOML file.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}

func (c *Config) validate() error {
	if c.CPUs < 1 {
		return fmt.Errorf("cpus must be at least 1, got %d", c.CPUs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch-size must be at least 1, got %d", c.BatchSize)
	}
	if c.ContextTags < 1 {
		return fmt.Errorf("context-tags must be at least 1, got %d", c.ContextTags)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack-timeout must be positive, got %v", c.AckTimeout)
	}
	if c.AliasBit != 0 && (c.AliasBit < hostarch.PageShift || c.AliasBit >= hostarch.HugePageShift) {
		return fmt.Errorf("alias-bit must be 0 or in [%d, %d), got %d", hostarch.PageShift, hostarch.HugePageShift, c.AliasBit)
	}
	if c.AddressSpaces < 1 {
		return fmt.Errorf("address-spaces must be at least 1, got %d", c.AddressSpaces)
	}
	if c.Phases < 1 {
		return fmt.Errorf("phases must be at least 1, got %d", c.Phases)
	}
	if c.Ops < 0 {
		return fmt.Errorf("ops must not be negative, got %d", c.Ops)
	}
	if c.HugePercent < 0 || c.HugePercent > 100 {
		return fmt.Errorf("huge-percent must be in [0, 100], got %d", c.HugePercent)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}
