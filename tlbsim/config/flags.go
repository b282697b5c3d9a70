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

package config

import (
	"flag"
	"fmt"
	"reflect"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML configuration file. Flags set on the command line take precedence over it.")

	// Machine.
	flagSet.Int("cpus", defaults.CPUs, "number of simulated CPUs.")
	flagSet.Bool("pin", defaults.Pin, "bind each simulated CPU to a host CPU.")
	flagSet.Int("batch-size", defaults.BatchSize, "capacity of each CPU's invalidation batch.")
	flagSet.Int("context-tags", defaults.ContextTags, "number of context tags shared by all address spaces.")
	flagSet.Duration("ack-timeout", defaults.AckTimeout, "time to wait for CPUs to acknowledge an invalidation.")
	flagSet.Int("alias-bit", defaults.AliasBit, "virtual address bit selecting the data cache colour, or 0 if the cache does not alias.")

	// Workload.
	flagSet.Int("address-spaces", defaults.AddressSpaces, "number of simulated address spaces.")
	flagSet.Int("phases", defaults.Phases, "number of workload phases; caches are audited after each one.")
	flagSet.Int("ops", defaults.Ops, "operations per CPU per phase.")
	flagSet.Int("huge-percent", defaults.HugePercent, "percentage of mapping operations that install huge mappings.")
	flagSet.Uint64("seed", defaults.Seed, "workload generator seed.")

	// Debugging.
	flagSet.Bool("debug", defaults.Debug, "enable debug logging.")
	flagSet.String("log", defaults.LogFilename, "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", defaults.LogFormat, "log format: text (default) or json.")
	flagSet.String("metrics-prefix", defaults.MetricsPrefix, "prefix for exported metric names.")
}

// NewFromFlags creates a new Config from the defaults, the file named by the
// config flag, and the flags set in flagSet, in increasing order of
// precedence.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		var err error
		if conf, err = Load(fl.Value.String(), conf); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting values equal to the defaults.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := fmt.Sprint(obj.Field(i).Interface())
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}
